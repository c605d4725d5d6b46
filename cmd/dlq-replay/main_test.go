package main

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/cafeteria/internal/messaging/kafka"
)

func mapLookup(values map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		value, ok := values[key]
		return value, ok
	}
}

func TestParseBrokers(t *testing.T) {
	brokers := parseBrokers(" broker-1:9092, ,broker-2:9092 ")
	if len(brokers) != 2 || brokers[0] != "broker-1:9092" || brokers[1] != "broker-2:9092" {
		t.Fatalf("unexpected brokers: %+v", brokers)
	}
}

func TestParseConfig_FromFlags(t *testing.T) {
	cfg, err := parseConfig([]string{
		"-brokers=broker-1:9092,broker-2:9092",
		"-source-topic=cafeteria.dlq",
		"-target-topic=cafeteria.order.events",
		"-limit=10",
		"-execute=true",
		"-from-newest=true",
		"-idle-timeout=3s",
	}, mapLookup(nil))
	if err != nil {
		t.Fatalf("parseConfig failed: %v", err)
	}
	if len(cfg.brokers) != 2 {
		t.Fatalf("unexpected brokers count: %d", len(cfg.brokers))
	}
	if cfg.replay.Limit != 10 || !cfg.replay.Execute || !cfg.replay.FromNewest {
		t.Fatalf("unexpected replay config: %+v", cfg.replay)
	}
	if cfg.replay.IdleTimeout != 3*time.Second {
		t.Fatalf("unexpected idle-timeout: %s", cfg.replay.IdleTimeout)
	}
}

func TestParseConfig_BrokersFromEnv(t *testing.T) {
	cfg, err := parseConfig(nil, mapLookup(map[string]string{envKafkaBrokers: "kafka:9092"}))
	if err != nil {
		t.Fatalf("parseConfig failed: %v", err)
	}
	if len(cfg.brokers) != 1 || cfg.brokers[0] != "kafka:9092" {
		t.Fatalf("unexpected brokers: %v", cfg.brokers)
	}
	if cfg.replay.SourceTopic != kafka.TopicDeadLetterQueue || cfg.replay.DefaultTarget != kafka.TopicOrderEvents {
		t.Fatalf("unexpected default topics: %+v", cfg.replay)
	}
	if cfg.replay.Execute {
		t.Fatal("dry-run must be the default")
	}
}

func TestParseConfig_ValidationErrors(t *testing.T) {
	testCases := map[string][]string{
		"kafka brokers are required": {"-brokers="},
		"source-topic is required":   {"-brokers=b:9092", "-source-topic="},
		"target-topic is required":   {"-brokers=b:9092", "-target-topic="},
		"limit must be > 0":          {"-brokers=b:9092", "-limit=0"},
		"idle-timeout must be > 0":   {"-brokers=b:9092", "-idle-timeout=0s"},
	}
	for want, args := range testCases {
		_, err := parseConfig(args, mapLookup(nil))
		if err == nil || !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %q error, got %v", want, err)
		}
	}
}

type stubReplayer struct {
	stats kafka.ReplayStats
	err   error
	got   kafka.ReplayConfig
}

func (s *stubReplayer) Replay(_ context.Context, cfg kafka.ReplayConfig) (kafka.ReplayStats, error) {
	s.got = cfg
	return s.stats, s.err
}

func withStubReplayer(t *testing.T, stub *stubReplayer, dialErr error) *bool {
	t.Helper()

	closed := false
	old := dialReplayer
	dialReplayer = func([]string, bool) (replayer, func() error, error) {
		if dialErr != nil {
			return nil, nil, dialErr
		}
		return stub, func() error { closed = true; return nil }, nil
	}
	t.Cleanup(func() { dialReplayer = old })
	return &closed
}

func TestRun_UsesReplayer(t *testing.T) {
	stub := &stubReplayer{stats: kafka.ReplayStats{Processed: 3, Replayed: 2, Skipped: 1}}
	closed := withStubReplayer(t, stub, nil)

	cfg, err := parseConfig([]string{"-brokers=b:9092", "-limit=3"}, mapLookup(nil))
	if err != nil {
		t.Fatalf("parseConfig failed: %v", err)
	}
	stats, err := run(context.Background(), cfg)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if stats != stub.stats {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stub.got.Limit != 3 {
		t.Fatalf("replay config not forwarded: %+v", stub.got)
	}
	if !*closed {
		t.Fatal("kafka clients must be closed")
	}
}

func TestRun_DialError(t *testing.T) {
	withStubReplayer(t, nil, errors.New("no brokers"))

	if _, err := run(context.Background(), config{brokers: []string{"b:9092"}}); err == nil {
		t.Fatal("expected dial error")
	}
}

func TestFailExits(t *testing.T) {
	if os.Getenv("DLQ_REPLAY_TEST_FAIL_EXIT") == "1" {
		fail("forced failure %d", 42)
		return
	}

	cmd := exec.Command(os.Args[0], "-test.run=TestFailExits")
	cmd.Env = append(os.Environ(), "DLQ_REPLAY_TEST_FAIL_EXIT=1")
	err := cmd.Run()
	if err == nil {
		t.Fatal("expected subprocess to exit with error")
	}
	if exitErr, ok := err.(*exec.ExitError); !ok || exitErr.ExitCode() == 0 {
		t.Fatalf("expected non-zero exit code, got %v", err)
	}
}
