package app

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"

	healthcheck "github.com/vladislavdragonenkov/cafeteria/internal/health"
	"github.com/vladislavdragonenkov/cafeteria/internal/metrics"
	"github.com/vladislavdragonenkov/cafeteria/internal/service/catalog"
)

func TestRun_MemoryGracefulShutdown(t *testing.T) {
	cfg := DefaultConfig()
	cfg.GRPCAddr = "127.0.0.1:0"
	cfg.MetricsAddr = "127.0.0.1:0"
	cfg.StorageDriver = StorageDriverMemory
	cfg.KafkaBrokers = ""

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(150 * time.Millisecond)
		cancel()
	}()

	err := Run(ctx, cfg)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestRun_InvalidStorageDriver(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StorageDriver = "invalid-driver"
	cfg.GRPCAddr = "127.0.0.1:0"
	cfg.MetricsAddr = "127.0.0.1:0"

	err := Run(context.Background(), cfg)
	if err == nil || !strings.Contains(err.Error(), "unsupported storage driver") {
		t.Fatalf("expected unsupported storage driver error, got %v", err)
	}
}

func TestBuildServices_MemoryStore(t *testing.T) {
	logger := log.WithField("test", "services")
	deps, err := initRuntimeDependencies(context.Background(), DefaultConfig(), logger)
	if err != nil {
		t.Fatalf("initRuntimeDependencies failed: %v", err)
	}
	defer func() { _ = deps.closeFn() }()

	svc := buildServices(deps, DefaultConfig(), metrics.NewCafeteriaMetrics(), logger)
	if svc.catalog == nil || svc.promotions == nil || svc.orders == nil {
		t.Fatalf("all services must be built: %+v", svc)
	}

	ctx := context.Background()
	ingredient, err := svc.catalog.CreateIngredient(ctx, catalog.CreateIngredientInput{Name: "Молоко", Unit: "л"})
	if err != nil {
		t.Fatalf("CreateIngredient failed: %v", err)
	}

	items, err := svc.catalog.ListIngredients(ctx)
	if err != nil {
		t.Fatalf("ListIngredients failed: %v", err)
	}
	if len(items) != 1 || items[0].ID != ingredient.ID {
		t.Fatalf("unexpected ingredients: %+v", items)
	}
}

func TestInitRuntimeDependencies_PostgresSuccess(t *testing.T) {
	dsn := postgresTestDSNCandidate()
	if dsn == "" {
		t.Skip("postgres dsn is not available")
	}

	cfg := DefaultConfig()
	cfg.StorageDriver = StorageDriverPostgres
	cfg.PostgresDSN = dsn
	cfg.PostgresAutoMigrate = true

	deps, err := initRuntimeDependencies(context.Background(), cfg, log.WithField("test", "postgres-init"))
	if err != nil {
		t.Skipf("postgres is not available for app integration test: %v", err)
	}
	defer func() { _ = deps.closeFn() }()

	if deps.store == nil || deps.outboxRepo == nil || deps.idempotencyRepo == nil {
		t.Fatalf("postgres dependencies must be initialized: %+v", deps)
	}
	if deps.storageChecker == nil {
		t.Fatal("expected non-nil storage checker for postgres")
	}
	check := deps.storageChecker.Check()
	if check.Status != healthcheck.StatusHealthy {
		t.Fatalf("expected healthy storage checker, got %+v", check)
	}
}

func TestShutdownHelpers(t *testing.T) {
	logger := log.WithField("test", "shutdown")

	cancelCalled := false
	done := make(chan struct{})
	close(done)
	shutdownOutboxWorker(func() { cancelCalled = true }, done, logger)
	if !cancelCalled {
		t.Fatal("expected outbox cancel func to be called")
	}

	shutdownOutboxWorker(nil, nil, logger)

	eventBus{}.close(logger)
}

func TestStartOutboxWorker_WithoutKafka(t *testing.T) {
	logger := log.WithField("test", "outbox")
	deps, err := initRuntimeDependencies(context.Background(), DefaultConfig(), logger)
	if err != nil {
		t.Fatalf("initRuntimeDependencies failed: %v", err)
	}

	cancel, done := startOutboxWorker(context.Background(), DefaultConfig(), deps, eventBus{}, logger)
	if cancel != nil || done != nil {
		t.Fatal("outbox worker must not start without kafka producer")
	}
}

func TestInitEventBus_LocalKafka(t *testing.T) {
	cfg := DefaultConfig()
	cfg.KafkaBrokers = "localhost:9092"
	bus, err := initEventBus(cfg, log.WithField("test", "kafka"))
	if err != nil {
		t.Skipf("kafka is not available for integration test: %v", err)
	}
	if !bus.enabled() {
		t.Fatal("event bus must be enabled with reachable brokers")
	}
	bus.close(log.WithField("test", "kafka-close"))
}

func postgresTestDSNCandidate() string {
	return strings.TrimSpace(os.Getenv("CAFETERIA_POSTGRES_TEST_DSN"))
}
