package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/cafeteria/internal/domain"
)

type stubOutbox struct {
	pending int
	err     error
}

func (s stubOutbox) ClaimPending(context.Context, int, time.Duration) ([]domain.OutboxMessage, error) {
	return nil, nil
}
func (s stubOutbox) Stats(context.Context) (domain.OutboxStats, error) {
	return domain.OutboxStats{PendingCount: s.pending}, s.err
}
func (s stubOutbox) MarkSent(context.Context, string) error                      { return nil }
func (s stubOutbox) Reschedule(context.Context, string, time.Time, string) error { return nil }
func (s stubOutbox) MarkFailed(context.Context, string, string) error            { return nil }

func TestPingChecker(t *testing.T) {
	healthy := NewPingChecker("postgres", func(context.Context) error { return nil }).Check()
	if healthy.Status != StatusHealthy {
		t.Fatalf("expected healthy, got %s", healthy.Status)
	}

	down := NewPingChecker("postgres", func(context.Context) error { return errors.New("connection refused") }).Check()
	if down.Status != StatusUnhealthy || down.Message != "connection refused" {
		t.Fatalf("unexpected check: %+v", down)
	}

	cache := NewOptionalPingChecker("menu-cache", func(context.Context) error { return errors.New("timeout") }).Check()
	if cache.Status != StatusDegraded {
		t.Fatalf("expected degraded for optional dependency, got %s", cache.Status)
	}
}

func TestOutboxBacklogChecker(t *testing.T) {
	if got := NewOutboxBacklogChecker(stubOutbox{pending: 5}, 10).Check(); got.Status != StatusHealthy {
		t.Fatalf("expected healthy, got %+v", got)
	}
	if got := NewOutboxBacklogChecker(stubOutbox{pending: 11}, 10).Check(); got.Status != StatusDegraded {
		t.Fatalf("expected degraded, got %+v", got)
	}
	if got := NewOutboxBacklogChecker(stubOutbox{err: errors.New("db down")}, 10).Check(); got.Status != StatusUnhealthy {
		t.Fatalf("expected unhealthy, got %+v", got)
	}
}

func TestReadinessHandler_DegradedIsReady(t *testing.T) {
	handler := NewHandler("v1.0.0")
	handler.RegisterChecker("outbox", NewOutboxBacklogChecker(stubOutbox{pending: 100}, 1))
	handler.RegisterChecker("nil", nil)

	w := httptest.NewRecorder()
	handler.ReadinessHandler(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 for degraded service, got %d", w.Code)
	}

	overall, checks := handler.RunChecks()
	if overall != StatusDegraded || len(checks) != 1 {
		t.Fatalf("unexpected aggregate: %s %+v", overall, checks)
	}
}
