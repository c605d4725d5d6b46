package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/cafeteria/internal/domain"
	"github.com/vladislavdragonenkov/cafeteria/internal/service/retry"
)

const (
	// DefaultMenuKey — ключ, под которым хранится витрина.
	DefaultMenuKey = "cafeteria:menu"
	// DefaultMenuTTL — время жизни закэшированной витрины.
	DefaultMenuTTL = 30 * time.Second
)

// RedisConfig описывает подключение к Redis.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Key      string
	TTL      time.Duration
}

// RedisMenuCache хранит витрину JSON-строкой в Redis.
// Все обращения к Redis проходят через circuit breaker.
type RedisMenuCache struct {
	client  *redis.Client
	key     string
	ttl     time.Duration
	breaker *retry.CircuitBreaker
	logger  *log.Entry
}

var _ domain.MenuCache = (*RedisMenuCache)(nil)

// NewRedisMenuCache создаёт клиента Redis и кэш поверх него.
func NewRedisMenuCache(cfg RedisConfig, logger *log.Entry) *RedisMenuCache {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewRedisMenuCacheWithClient(client, cfg.Key, cfg.TTL, logger)
}

// NewRedisMenuCacheWithClient использует готовый клиент.
func NewRedisMenuCacheWithClient(client *redis.Client, key string, ttl time.Duration, logger *log.Entry) *RedisMenuCache {
	if logger == nil {
		logger = log.WithField("component", "menu-cache")
	}
	if key == "" {
		key = DefaultMenuKey
	}
	if ttl <= 0 {
		ttl = DefaultMenuTTL
	}
	return &RedisMenuCache{
		client:  client,
		key:     key,
		ttl:     ttl,
		breaker: retry.NewCircuitBreaker(3, 10*time.Second, logger),
		logger:  logger,
	}
}

// GetMenu читает витрину и текущее поколение одним MGET; отсутствие ключа — промах без ошибки.
func (c *RedisMenuCache) GetMenu(ctx context.Context) (domain.CachedMenu, error) {
	var values []interface{}
	err := c.breaker.Execute("menu_get", func() error {
		var err error
		values, err = c.client.MGet(ctx, c.generationKey(), c.key).Result()
		return err
	})
	if err != nil {
		return domain.CachedMenu{}, fmt.Errorf("redis mget %s: %w", c.key, err)
	}

	generation, err := parseGeneration(values[0])
	if err != nil {
		return domain.CachedMenu{}, err
	}
	result := domain.CachedMenu{Generation: generation}
	raw, ok := values[1].(string)
	if !ok {
		return result, nil
	}
	if err := json.Unmarshal([]byte(raw), &result.Products); err != nil {
		c.logger.WithError(err).Warn("cached menu is corrupted, dropping")
		_ = c.Invalidate(ctx)
		return domain.CachedMenu{}, nil
	}
	result.Hit = true
	return result, nil
}

// SetMenu сохраняет витрину с TTL под WATCH ключа поколения.
// Если поколение сменилось, запись пропускается и возвращается false.
func (c *RedisMenuCache) SetMenu(ctx context.Context, generation int64, menu []domain.Product) (bool, error) {
	data, err := json.Marshal(menu)
	if err != nil {
		return false, fmt.Errorf("marshal menu: %w", err)
	}

	stored := false
	err = c.breaker.Execute("menu_set", func() error {
		err := c.client.Watch(ctx, func(tx *redis.Tx) error {
			current, err := tx.Get(ctx, c.generationKey()).Int64()
			if err != nil && !errors.Is(err, redis.Nil) {
				return err
			}
			if current != generation {
				return nil
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, c.key, data, c.ttl)
				return nil
			})
			if err == nil {
				stored = true
			}
			return err
		}, c.generationKey())
		if errors.Is(err, redis.TxFailedErr) {
			return nil
		}
		return err
	})
	if err != nil {
		return false, fmt.Errorf("redis set %s: %w", c.key, err)
	}
	if !stored {
		c.logger.WithField("generation", generation).Debug("menu cache generation moved, skipping write")
	}
	return stored, nil
}

// Invalidate атомарно удаляет витрину и увеличивает поколение.
func (c *RedisMenuCache) Invalidate(ctx context.Context) error {
	err := c.breaker.Execute("menu_invalidate", func() error {
		_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Incr(ctx, c.generationKey())
			pipe.Del(ctx, c.key)
			return nil
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("redis invalidate %s: %w", c.key, err)
	}
	return nil
}

func (c *RedisMenuCache) generationKey() string { return c.key + ":generation" }

func parseGeneration(value interface{}) (int64, error) {
	raw, ok := value.(string)
	if !ok {
		return 0, nil
	}
	generation, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse menu cache generation %q: %w", raw, err)
	}
	return generation, nil
}

// Ping проверяет доступность Redis для health-check.
func (c *RedisMenuCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close закрывает клиента.
func (c *RedisMenuCache) Close() error {
	return c.client.Close()
}
