package app

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/cafeteria/internal/cache"
	"github.com/vladislavdragonenkov/cafeteria/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/cafeteria/internal/health"
	"github.com/vladislavdragonenkov/cafeteria/internal/storage/memory"
	"github.com/vladislavdragonenkov/cafeteria/internal/storage/postgres"
)

// runtimeDependencies — хранилище, outbox, идемпотентность и кэш, выбранные по конфигурации.
type runtimeDependencies struct {
	store           domain.Store
	outboxRepo      domain.OutboxRepository
	idempotencyRepo domain.IdempotencyRepository
	menuCache       domain.MenuCache

	storageChecker healthcheck.Checker
	cacheChecker   healthcheck.Checker

	closers []func() error
}

// closeFn закрывает ресурсы в обратном порядке открытия.
func (d *runtimeDependencies) closeFn() error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	d.closers = nil
	return errors.Join(errs...)
}

func initRuntimeDependencies(ctx context.Context, cfg Config, logger *log.Entry) (*runtimeDependencies, error) {
	deps := &runtimeDependencies{menuCache: cache.Nop{}}

	switch cfg.StorageDriver {
	case StorageDriverMemory:
		store := memory.NewStore()
		deps.store = store
		deps.outboxRepo = store.Outbox()
		deps.idempotencyRepo = memory.NewIdempotencyRepository()
		logger.Info("using in-memory storage")

	case StorageDriverPostgres:
		if cfg.PostgresDSN == "" {
			return nil, errors.New("postgres dsn is required for postgres storage driver")
		}
		store, err := postgres.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		deps.closers = append(deps.closers, store.Close)

		if cfg.PostgresAutoMigrate {
			if err := store.EnsureSchema(ctx); err != nil {
				_ = deps.closeFn()
				return nil, fmt.Errorf("apply postgres migrations: %w", err)
			}
			version, count, err := store.MigrationStatus(ctx)
			if err == nil {
				logger.WithFields(log.Fields{"version": version, "applied": count}).Info("postgres schema is up to date")
			}
		}

		deps.store = store
		deps.outboxRepo = postgres.NewOutboxRepository(store)
		deps.idempotencyRepo = postgres.NewIdempotencyRepository(store)
		deps.storageChecker = healthcheck.NewPingChecker("postgres", store.Ping)
		logger.Info("using postgres storage")

	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.StorageDriver)
	}

	if cfg.RedisAddr != "" {
		menu := cache.NewRedisMenuCache(cache.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			TTL:      cfg.MenuCacheTTL,
		}, logger.WithField("component", "menu-cache"))
		deps.menuCache = menu
		deps.cacheChecker = healthcheck.NewOptionalPingChecker("redis", menu.Ping)
		deps.closers = append(deps.closers, menu.Close)
		logger.WithField("addr", cfg.RedisAddr).Info("menu cache backed by redis")
	}

	return deps, nil
}
