package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	promgrpc "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	healthcheck "github.com/vladislavdragonenkov/cafeteria/internal/health"
	"github.com/vladislavdragonenkov/cafeteria/internal/metrics"
	"github.com/vladislavdragonenkov/cafeteria/internal/service/catalog"
	grpcsvc "github.com/vladislavdragonenkov/cafeteria/internal/service/grpc"
	"github.com/vladislavdragonenkov/cafeteria/internal/service/idempotency"
	"github.com/vladislavdragonenkov/cafeteria/internal/service/order"
	"github.com/vladislavdragonenkov/cafeteria/internal/service/outbox"
	"github.com/vladislavdragonenkov/cafeteria/internal/service/promotion"
	"github.com/vladislavdragonenkov/cafeteria/internal/service/retry"
	"github.com/vladislavdragonenkov/cafeteria/internal/version"
)

const gracefulStopTimeout = 5 * time.Second

// services — прикладной слой поверх выбранного хранилища.
type services struct {
	catalog    *catalog.Service
	promotions *promotion.Service
	orders     *order.Service
}

func buildServices(deps *runtimeDependencies, cfg Config, m *metrics.CafeteriaMetrics, logger *log.Entry) services {
	retryCfg := retry.DefaultConfig()
	if cfg.RetryMaxAttempts > 0 {
		retryCfg.MaxAttempts = cfg.RetryMaxAttempts
	}

	return services{
		catalog: catalog.NewService(deps.store,
			catalog.WithLogger(logger.WithField("layer", "catalog")),
			catalog.WithMetrics(m),
			catalog.WithMenuCache(deps.menuCache),
			catalog.WithRetryConfig(retryCfg),
		),
		promotions: promotion.NewService(deps.store,
			promotion.WithLogger(logger.WithField("layer", "promotions")),
			promotion.WithMetrics(m),
			promotion.WithRetryConfig(retryCfg),
		),
		orders: order.NewService(deps.store,
			order.WithLogger(logger.WithField("layer", "orders")),
			order.WithMetrics(m),
			order.WithMenuCache(deps.menuCache),
			order.WithRetryConfig(retryCfg),
		),
	}
}

// Run поднимает gRPC-сервер, HTTP метрики/health и фоновые воркеры до отмены ctx.
func Run(ctx context.Context, cfg Config) error {
	logger := log.WithField("component", "app")

	deps, err := initRuntimeDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := deps.closeFn(); err != nil {
			logger.WithError(err).Warn("failed to close runtime dependencies")
		}
	}()

	svc := buildServices(deps, cfg, metrics.NewCafeteriaMetrics(), logger)

	bus, _ := initEventBus(cfg, logger)
	defer bus.close(logger)

	outboxCancel, outboxDone := startOutboxWorker(ctx, cfg, deps, bus, logger)
	defer shutdownOutboxWorker(outboxCancel, outboxDone, logger)

	cleanupCtx, cleanupCancel := context.WithCancel(ctx)
	defer cleanupCancel()
	go idempotency.NewCleanupWorker(deps.idempotencyRepo,
		idempotency.WithLogger(logger.WithField("component", "idempotency-cleanup")),
		idempotency.WithInterval(cfg.IdempotencyCleanupInterval),
		idempotency.WithBatchSize(cfg.IdempotencyCleanupBatchSize),
	).Run(cleanupCtx)

	cafeteriaService := grpcsvc.NewCafeteriaService(
		svc.catalog, svc.promotions, svc.orders, deps.idempotencyRepo, logger.WithField("layer", "grpc"),
	)

	grpcMetrics := registerGRPCMetrics(logger)
	limiter := grpcsvc.NewPeerRateLimiter(grpcsvc.RateLimitConfig{
		Rate:  rate.Limit(cfg.RateLimit),
		Burst: cfg.RateBurst,
	})
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(
		grpcMetrics.UnaryServerInterceptor(),
		grpcsvc.LoggingUnaryInterceptor(logger.WithField("layer", "grpc")),
		limiter.UnaryServerInterceptor(),
	))
	grpcsvc.Register(grpcServer, cafeteriaService)
	grpcMetrics.InitializeMetrics(grpcServer)
	reflection.Register(grpcServer)

	healthServer := health.NewServer()
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(grpcsvc.ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, healthServer)

	healthHandler := healthcheck.NewHandler(version.Current().Version)
	healthHandler.RegisterChecker("storage", deps.storageChecker)
	healthHandler.RegisterChecker("menu_cache", deps.cacheChecker)
	healthHandler.RegisterChecker("outbox", healthcheck.NewOutboxBacklogChecker(deps.outboxRepo, cfg.OutboxMaxPending))

	metricsSrv := startMetricsServer(ctx, cfg.MetricsAddr, logger, healthHandler)
	defer shutdownHTTP(metricsSrv, logger)

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("gRPC сервер слушает %s", lis.Addr())
		errCh <- grpcServer.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		logger.Info("получен сигнал остановки, останавливаем gRPC сервер")
		healthServer.Shutdown()
		stopGRPC(grpcServer, logger)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return err
	}
}

func registerGRPCMetrics(logger *log.Entry) *promgrpc.ServerMetrics {
	grpcMetrics := promgrpc.NewServerMetrics()
	if err := prometheus.Register(grpcMetrics); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*promgrpc.ServerMetrics); ok {
				return existing
			}
		}
		logger.WithError(err).Warn("failed to register grpc metrics")
	}
	return grpcMetrics
}

func stopGRPC(server *grpc.Server, logger *log.Entry) {
	stopped := make(chan struct{})
	go func() {
		server.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(gracefulStopTimeout):
		logger.Warn("graceful stop превысил таймаут, принудительно останавливаем")
		server.Stop()
	}
}

// startOutboxWorker запускает публикацию outbox; без Kafka воркер не стартует и события ждут в таблице.
func startOutboxWorker(
	ctx context.Context,
	cfg Config,
	deps *runtimeDependencies,
	bus eventBus,
	logger *log.Entry,
) (context.CancelFunc, <-chan struct{}) {
	if !bus.enabled() {
		logger.Info("kafka is not configured, outbox events stay pending")
		return nil, nil
	}

	worker := outbox.NewWorker(deps.outboxRepo, bus.publisher,
		outbox.WithLogger(logger.WithField("component", "outbox-worker")),
		outbox.WithDeadLetters(bus.publisher),
		outbox.WithPollInterval(cfg.OutboxPollInterval),
		outbox.WithBatchSize(cfg.OutboxBatchSize),
		outbox.WithMaxAttempts(cfg.OutboxMaxAttempts),
		outbox.WithRetryBaseDelay(cfg.OutboxRetryDelay),
		outbox.WithLease(cfg.OutboxLease),
	)

	workerCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		worker.Run(workerCtx)
	}()
	return cancel, done
}

// shutdownOutboxWorker останавливает воркер и ждёт завершения текущего цикла.
func shutdownOutboxWorker(cancel context.CancelFunc, done <-chan struct{}, logger *log.Entry) {
	if cancel != nil {
		cancel()
	}
	if done == nil {
		return
	}
	select {
	case <-done:
	case <-time.After(gracefulStopTimeout):
		logger.Warn("outbox worker did not stop in time")
	}
}

// startMetricsServer запускает HTTP-сервер с /metrics и health-эндпоинтами.
func startMetricsServer(ctx context.Context, addr string, logger *log.Entry, healthHandler *healthcheck.Handler) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", healthHandler)
	mux.HandleFunc("/livez", healthcheck.LivenessHandler)
	mux.HandleFunc("/readyz", healthHandler.ReadinessHandler)

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Infof("метрики доступны по адресу %s/metrics", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Warn("metrics server failed")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownHTTP(srv, logger)
	}()

	return srv
}

// shutdownHTTP аккуратно останавливает HTTP-сервер.
func shutdownHTTP(srv *http.Server, logger *log.Entry) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), gracefulStopTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Warn("metrics shutdown with error")
	}
}
