// Команда dlq-replay возвращает события заказов из DLQ в исходный topic.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/cafeteria/internal/messaging/kafka"
)

const (
	defaultReplayLimit = 100
	defaultIdleTimeout = 2 * time.Second
	envKafkaBrokers    = "CAFETERIA_KAFKA_BROKERS"
)

type config struct {
	brokers []string
	replay  kafka.ReplayConfig
}

type replayer interface {
	Replay(ctx context.Context, cfg kafka.ReplayConfig) (kafka.ReplayStats, error)
}

var dialReplayer = func(brokers []string, execute bool) (replayer, func() error, error) {
	return kafka.DialDeadLetterReplayer(kafka.ProducerConfig{Brokers: brokers, ClientID: "cafeteria-dlq-replay"}, execute)
}

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetLevel(log.InfoLevel)

	cfg, err := parseConfig(os.Args[1:], os.LookupEnv)
	if err != nil {
		fail("%v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if _, err := run(ctx, cfg); err != nil {
		fail("dlq replay failed: %v", err)
	}
}

func parseConfig(args []string, lookup func(string) (string, bool)) (config, error) {
	fs := flag.NewFlagSet("dlq-replay", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		brokersRaw string
		cfg        config
	)
	fs.StringVar(&brokersRaw, "brokers", "", "Kafka brokers as comma-separated list (fallback: "+envKafkaBrokers+")")
	fs.StringVar(&cfg.replay.SourceTopic, "source-topic", kafka.TopicDeadLetterQueue, "DLQ source topic")
	fs.StringVar(&cfg.replay.DefaultTarget, "target-topic", kafka.TopicOrderEvents, "target topic when message has no original topic header")
	fs.IntVar(&cfg.replay.Limit, "limit", defaultReplayLimit, "max number of messages to scan/replay")
	fs.BoolVar(&cfg.replay.Execute, "execute", false, "execute replay; default is dry-run")
	fs.BoolVar(&cfg.replay.FromNewest, "from-newest", false, "scan latest messages first (bounded by limit)")
	fs.DurationVar(&cfg.replay.IdleTimeout, "idle-timeout", defaultIdleTimeout, "idle timeout per partition")
	if err := fs.Parse(args); err != nil {
		return config{}, err
	}

	if strings.TrimSpace(brokersRaw) == "" {
		brokersRaw, _ = lookup(envKafkaBrokers)
	}
	cfg.brokers = parseBrokers(brokersRaw)

	var errs []error
	if len(cfg.brokers) == 0 {
		errs = append(errs, fmt.Errorf("kafka brokers are required (-brokers or %s)", envKafkaBrokers))
	}
	if strings.TrimSpace(cfg.replay.SourceTopic) == "" {
		errs = append(errs, errors.New("source-topic is required"))
	}
	if strings.TrimSpace(cfg.replay.DefaultTarget) == "" {
		errs = append(errs, errors.New("target-topic is required"))
	}
	if cfg.replay.Limit <= 0 {
		errs = append(errs, errors.New("limit must be > 0"))
	}
	if cfg.replay.IdleTimeout <= 0 {
		errs = append(errs, errors.New("idle-timeout must be > 0"))
	}
	if len(errs) > 0 {
		return config{}, errors.Join(errs...)
	}
	return cfg, nil
}

func parseBrokers(raw string) []string {
	chunks := strings.Split(raw, ",")
	brokers := make([]string, 0, len(chunks))
	for _, chunk := range chunks {
		if broker := strings.TrimSpace(chunk); broker != "" {
			brokers = append(brokers, broker)
		}
	}
	return brokers
}

func run(ctx context.Context, cfg config) (kafka.ReplayStats, error) {
	log.WithFields(log.Fields{
		"source_topic": cfg.replay.SourceTopic,
		"target_topic": cfg.replay.DefaultTarget,
		"limit":        cfg.replay.Limit,
		"execute":      cfg.replay.Execute,
		"from_newest":  cfg.replay.FromNewest,
	}).Info("starting dlq replay")

	r, closeFn, err := dialReplayer(cfg.brokers, cfg.replay.Execute)
	if err != nil {
		return kafka.ReplayStats{}, err
	}
	defer func() {
		if err := closeFn(); err != nil {
			log.WithError(err).Warn("failed to close kafka clients")
		}
	}()

	return r.Replay(ctx, cfg.replay)
}

func fail(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
