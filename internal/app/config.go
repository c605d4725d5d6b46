package app

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vladislavdragonenkov/cafeteria/internal/messaging/kafka"
)

// Драйверы хранилища.
const (
	StorageDriverMemory   = "memory"
	StorageDriverPostgres = "postgres"
)

// Переменные окружения, переопределяющие конфигурацию.
const (
	EnvConfigPath = "CAFETERIA_CONFIG"

	envGRPCAddr                    = "CAFETERIA_GRPC_ADDR"
	envMetricsAddr                 = "CAFETERIA_METRICS_ADDR"
	envLogLevel                    = "CAFETERIA_LOG_LEVEL"
	envStorageDriver               = "CAFETERIA_STORAGE_DRIVER"
	envPostgresDSN                 = "CAFETERIA_POSTGRES_DSN"
	envPostgresAutoMigrate         = "CAFETERIA_POSTGRES_AUTO_MIGRATE"
	envKafkaBrokers                = "CAFETERIA_KAFKA_BROKERS"
	envKafkaClientID               = "CAFETERIA_KAFKA_CLIENT_ID"
	envKafkaOrderTopic             = "CAFETERIA_KAFKA_ORDER_TOPIC"
	envKafkaDeadLetterTopic        = "CAFETERIA_KAFKA_DLQ_TOPIC"
	envRedisAddr                   = "CAFETERIA_REDIS_ADDR"
	envRedisPassword               = "CAFETERIA_REDIS_PASSWORD"
	envRedisDB                     = "CAFETERIA_REDIS_DB"
	envMenuCacheTTL                = "CAFETERIA_MENU_CACHE_TTL"
	envOutboxPollInterval          = "CAFETERIA_OUTBOX_POLL_INTERVAL"
	envOutboxBatchSize             = "CAFETERIA_OUTBOX_BATCH_SIZE"
	envOutboxMaxAttempts           = "CAFETERIA_OUTBOX_MAX_ATTEMPTS"
	envOutboxRetryDelay            = "CAFETERIA_OUTBOX_RETRY_DELAY"
	envOutboxMaxPending            = "CAFETERIA_OUTBOX_MAX_PENDING"
	envOutboxLease                 = "CAFETERIA_OUTBOX_LEASE"
	envRetryMaxAttempts            = "CAFETERIA_RETRY_MAX_ATTEMPTS"
	envRateLimit                   = "CAFETERIA_RATE_LIMIT"
	envRateBurst                   = "CAFETERIA_RATE_BURST"
	envIdempotencyCleanupInterval  = "CAFETERIA_IDEMPOTENCY_CLEANUP_INTERVAL"
	envIdempotencyCleanupBatchSize = "CAFETERIA_IDEMPOTENCY_CLEANUP_BATCH_SIZE"
)

// Config описывает настройки запуска сервиса. Тип сравнимый: в нём нет срезов и map.
type Config struct {
	GRPCAddr    string `yaml:"grpc_addr"`
	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`

	StorageDriver       string `yaml:"storage_driver"`
	PostgresDSN         string `yaml:"postgres_dsn"`
	PostgresAutoMigrate bool   `yaml:"postgres_auto_migrate"`

	// KafkaBrokers — список брокеров через запятую; пусто — события остаются в outbox.
	KafkaBrokers         string `yaml:"kafka_brokers"`
	KafkaClientID        string `yaml:"kafka_client_id"`
	KafkaOrderTopic      string `yaml:"kafka_order_topic"`
	KafkaDeadLetterTopic string `yaml:"kafka_dlq_topic"`

	// RedisAddr — адрес Redis для кэша меню; пусто — кэш выключен.
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	MenuCacheTTL  time.Duration `yaml:"menu_cache_ttl"`

	OutboxPollInterval time.Duration `yaml:"outbox_poll_interval"`
	OutboxBatchSize    int           `yaml:"outbox_batch_size"`
	OutboxMaxAttempts  int           `yaml:"outbox_max_attempts"`
	OutboxRetryDelay   time.Duration `yaml:"outbox_retry_delay"`
	OutboxMaxPending   int           `yaml:"outbox_max_pending"`
	// OutboxLease — на сколько событие скрывается от других экземпляров после выдачи.
	OutboxLease time.Duration `yaml:"outbox_lease"`

	// RetryMaxAttempts — число попыток операции при конфликте версий.
	RetryMaxAttempts int `yaml:"retry_max_attempts"`

	// RateLimit — запросов в секунду на одного клиента; 0 выключает ограничение.
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`

	IdempotencyCleanupInterval  time.Duration `yaml:"idempotency_cleanup_interval"`
	IdempotencyCleanupBatchSize int           `yaml:"idempotency_cleanup_batch_size"`
}

// DefaultConfig возвращает конфигурацию для локального запуска на in-memory хранилище.
func DefaultConfig() Config {
	return Config{
		GRPCAddr:                    ":50051",
		MetricsAddr:                 ":9090",
		LogLevel:                    "info",
		StorageDriver:               StorageDriverMemory,
		PostgresAutoMigrate:         true,
		KafkaClientID:               "cafeteria-service",
		KafkaOrderTopic:             kafka.TopicOrderEvents,
		KafkaDeadLetterTopic:        kafka.TopicDeadLetterQueue,
		MenuCacheTTL:                30 * time.Second,
		OutboxPollInterval:          time.Second,
		OutboxBatchSize:             100,
		OutboxMaxAttempts:           3,
		OutboxRetryDelay:            100 * time.Millisecond,
		OutboxMaxPending:            1000,
		OutboxLease:                 30 * time.Second,
		RetryMaxAttempts:            3,
		RateLimit:                   20,
		RateBurst:                   40,
		IdempotencyCleanupInterval:  10 * time.Minute,
		IdempotencyCleanupBatchSize: 500,
	}
}

// Validate проверяет согласованность конфигурации перед запуском.
func (c Config) Validate() error {
	var errs []error

	switch c.StorageDriver {
	case StorageDriverMemory:
	case StorageDriverPostgres:
		if strings.TrimSpace(c.PostgresDSN) == "" {
			errs = append(errs, errors.New("postgres dsn is required for postgres storage driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported storage driver %q", c.StorageDriver))
	}
	if c.GRPCAddr == "" {
		errs = append(errs, errors.New("grpc addr is required"))
	}
	if c.KafkaOrderTopic != "" && c.KafkaOrderTopic == c.KafkaDeadLetterTopic {
		errs = append(errs, errors.New("kafka dlq topic must differ from order topic"))
	}
	if c.RateLimit < 0 {
		errs = append(errs, errors.New("rate limit must be >= 0"))
	}
	if c.RateLimit > 0 && c.RateBurst <= 0 {
		errs = append(errs, errors.New("rate burst must be > 0 when rate limit is enabled"))
	}

	return errors.Join(errs...)
}

// KafkaBrokerList разбирает KafkaBrokers в список адресов без пустых элементов.
func (c Config) KafkaBrokerList() []string {
	var brokers []string
	for _, b := range strings.Split(c.KafkaBrokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}

// LoadConfigFile накладывает YAML-файл поверх cfg; незаданные в файле поля сохраняются.
func LoadConfigFile(cfg Config, path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// EnvLookup — сигнатура os.LookupEnv, подменяется в тестах.
type EnvLookup func(key string) (string, bool)

// ApplyEnv накладывает переменные окружения поверх cfg.
// Некорректные значения не применяются и возвращаются предупреждениями.
func ApplyEnv(cfg Config, lookup EnvLookup) (Config, []string) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	var warnings []string
	warn := func(key, value string, err error) {
		warnings = append(warnings, fmt.Sprintf("ignore %s=%q: %v", key, value, err))
	}

	strs := []struct {
		key    string
		target *string
		lower  bool
	}{
		{envGRPCAddr, &cfg.GRPCAddr, false},
		{envMetricsAddr, &cfg.MetricsAddr, false},
		{envLogLevel, &cfg.LogLevel, true},
		{envStorageDriver, &cfg.StorageDriver, true},
		{envPostgresDSN, &cfg.PostgresDSN, false},
		{envKafkaBrokers, &cfg.KafkaBrokers, false},
		{envKafkaClientID, &cfg.KafkaClientID, false},
		{envKafkaOrderTopic, &cfg.KafkaOrderTopic, false},
		{envKafkaDeadLetterTopic, &cfg.KafkaDeadLetterTopic, false},
		{envRedisAddr, &cfg.RedisAddr, false},
		{envRedisPassword, &cfg.RedisPassword, false},
	}
	for _, s := range strs {
		if v, ok := lookup(s.key); ok && strings.TrimSpace(v) != "" {
			v = strings.TrimSpace(v)
			if s.lower {
				v = strings.ToLower(v)
			}
			*s.target = v
		}
	}

	if v, ok := lookup(envPostgresAutoMigrate); ok {
		if parsed, err := parseBool(v); err != nil {
			warn(envPostgresAutoMigrate, v, err)
		} else {
			cfg.PostgresAutoMigrate = parsed
		}
	}

	positive := func(v int) bool { return v > 0 }
	nonNegative := func(v int) bool { return v >= 0 }
	ints := []struct {
		key    string
		target *int
		valid  func(int) bool
		reason string
	}{
		{envRedisDB, &cfg.RedisDB, nonNegative, "must be >= 0"},
		{envOutboxBatchSize, &cfg.OutboxBatchSize, positive, "must be > 0"},
		{envOutboxMaxAttempts, &cfg.OutboxMaxAttempts, positive, "must be > 0"},
		{envOutboxMaxPending, &cfg.OutboxMaxPending, nonNegative, "must be >= 0"},
		{envRetryMaxAttempts, &cfg.RetryMaxAttempts, positive, "must be > 0"},
		{envRateBurst, &cfg.RateBurst, nonNegative, "must be >= 0"},
		{envIdempotencyCleanupBatchSize, &cfg.IdempotencyCleanupBatchSize, positive, "must be > 0"},
	}
	for _, i := range ints {
		v, ok := lookup(i.key)
		if !ok {
			continue
		}
		parsed, err := parseInt(v, i.valid, i.reason)
		if err != nil {
			warn(i.key, v, err)
			continue
		}
		*i.target = parsed
	}

	positiveDuration := func(v time.Duration) bool { return v > 0 }
	durations := []struct {
		key    string
		target *time.Duration
		valid  func(time.Duration) bool
		reason string
	}{
		{envMenuCacheTTL, &cfg.MenuCacheTTL, positiveDuration, "must be > 0"},
		{envOutboxPollInterval, &cfg.OutboxPollInterval, positiveDuration, "must be > 0"},
		{envOutboxRetryDelay, &cfg.OutboxRetryDelay, func(v time.Duration) bool { return v >= 0 }, "must be >= 0"},
		{envOutboxLease, &cfg.OutboxLease, positiveDuration, "must be > 0"},
		{envIdempotencyCleanupInterval, &cfg.IdempotencyCleanupInterval, positiveDuration, "must be > 0"},
	}
	for _, d := range durations {
		v, ok := lookup(d.key)
		if !ok {
			continue
		}
		parsed, err := parseDuration(v, d.valid, d.reason)
		if err != nil {
			warn(d.key, v, err)
			continue
		}
		*d.target = parsed
	}

	if v, ok := lookup(envRateLimit); ok {
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		switch {
		case err != nil:
			warn(envRateLimit, v, err)
		case parsed < 0:
			warn(envRateLimit, v, errors.New("must be >= 0"))
		default:
			cfg.RateLimit = parsed
		}
	}

	return cfg, warnings
}

// LoadConfig собирает конфигурацию: значения по умолчанию, YAML-файл (если задан), переменные окружения.
func LoadConfig(path string, lookup EnvLookup) (Config, []string, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	cfg := DefaultConfig()
	if path == "" {
		path, _ = lookup(EnvConfigPath)
	}
	if path = strings.TrimSpace(path); path != "" {
		var err error
		if cfg, err = LoadConfigFile(cfg, path); err != nil {
			return cfg, nil, err
		}
	}
	cfg, warnings := ApplyEnv(cfg, lookup)
	return cfg, warnings, cfg.Validate()
}

func parseBool(raw string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "y", "on":
		return true, nil
	case "0", "false", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("invalid bool value %q", raw)
	}
}

func parseInt(raw string, valid func(int) bool, reason string) (int, error) {
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, err
	}
	if valid != nil && !valid(value) {
		return 0, errors.New(reason)
	}
	return value, nil
}

func parseDuration(raw string, valid func(time.Duration) bool, reason string) (time.Duration, error) {
	value, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, err
	}
	if valid != nil && !valid(value) {
		return 0, errors.New(reason)
	}
	return value, nil
}
