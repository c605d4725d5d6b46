package health

import (
	"context"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/cafeteria/internal/domain"
)

const defaultPingTimeout = 2 * time.Second

// PingChecker проверяет внешнюю зависимость вызовом ping с таймаутом.
// Для необязательных зависимостей (кэш меню) отказ помечается degraded.
type PingChecker struct {
	name     string
	ping     func(ctx context.Context) error
	timeout  time.Duration
	optional bool
}

// NewPingChecker создаёт проверку обязательной зависимости (хранилище).
func NewPingChecker(name string, ping func(ctx context.Context) error) *PingChecker {
	return &PingChecker{name: name, ping: ping, timeout: defaultPingTimeout}
}

// NewOptionalPingChecker создаёт проверку зависимости, без которой сервис работает хуже, но работает.
func NewOptionalPingChecker(name string, ping func(ctx context.Context) error) *PingChecker {
	return &PingChecker{name: name, ping: ping, timeout: defaultPingTimeout, optional: true}
}

// Check выполняет ping.
func (c *PingChecker) Check() Check {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	failure := StatusUnhealthy
	if c.optional {
		failure = StatusDegraded
	}
	return result(c.name, start, c.ping(ctx), failure)
}

// OutboxBacklogChecker сообщает degraded, когда событий заказов накопилось больше maxPending.
type OutboxBacklogChecker struct {
	repo       domain.OutboxRepository
	maxPending int
}

// NewOutboxBacklogChecker создаёт проверку backlog outbox.
func NewOutboxBacklogChecker(repo domain.OutboxRepository, maxPending int) *OutboxBacklogChecker {
	return &OutboxBacklogChecker{repo: repo, maxPending: maxPending}
}

// Check читает статистику outbox.
func (c *OutboxBacklogChecker) Check() Check {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), defaultPingTimeout)
	defer cancel()

	stats, err := c.repo.Stats(ctx)
	if err != nil {
		return result("outbox", start, err, StatusUnhealthy)
	}
	if c.maxPending > 0 && stats.PendingCount > c.maxPending {
		return result("outbox", start, fmt.Errorf("%d pending events exceed limit %d", stats.PendingCount, c.maxPending), StatusDegraded)
	}
	return result("outbox", start, nil, StatusUnhealthy)
}
