package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/cafeteria/internal/domain"
	"github.com/vladislavdragonenkov/cafeteria/internal/storage/memory"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// recordingPublisher запоминает доставленные события; failures задаёт число отказов по id.
type recordingPublisher struct {
	mu        sync.Mutex
	failures  map[string]int
	published []domain.OutboxMessage
	calls     int
}

func (p *recordingPublisher) Publish(event domain.OutboxMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if left := p.failures[event.ID]; left != 0 {
		if left > 0 {
			p.failures[event.ID] = left - 1
		}
		return errors.New("kafka: broker not available")
	}
	p.published = append(p.published, event)
	return nil
}

func (p *recordingPublisher) statuses(t *testing.T) []string {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.published))
	for _, e := range p.published {
		var body struct {
			To string `json:"to"`
		}
		require.NoError(t, json.Unmarshal(e.Payload, &body))
		out = append(out, e.AggregateID+":"+body.To)
	}
	return out
}

type recordingDeadLetters struct {
	events   []domain.OutboxMessage
	attempts []int
	causes   []error
}

func (d *recordingDeadLetters) PublishDeadLetter(event domain.OutboxMessage, attempts int, cause error) error {
	d.events = append(d.events, event)
	d.attempts = append(d.attempts, attempts)
	d.causes = append(d.causes, cause)
	return nil
}

type fixture struct {
	clock *testClock
	repo  *memory.OutboxRepository
}

func newFixture() fixture {
	clock := &testClock{now: time.Date(2024, 6, 3, 12, 0, 0, 0, time.UTC)}
	return fixture{clock: clock, repo: memory.NewOutboxRepository().WithClock(clock.Now)}
}

func (f fixture) enqueue(t *testing.T, orderID, to string) domain.OutboxMessage {
	t.Helper()
	msg, err := f.repo.Enqueue(domain.OutboxMessage{
		AggregateType: "order",
		AggregateID:   orderID,
		EventType:     "order.status_changed",
		Payload:       []byte(`{"to":"` + to + `"}`),
	})
	require.NoError(t, err)
	return msg
}

func (f fixture) worker(publisher domain.OutboxPublisher, options ...Option) *Worker {
	options = append([]Option{WithClock(f.clock.Now), WithLease(time.Minute)}, options...)
	return NewWorker(f.repo, publisher, options...)
}

func TestWorker_ProcessOnce_DeliversOrderHistoryInSequence(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.enqueue(t, "order-1", "pending")
	f.enqueue(t, "order-2", "pending")
	f.enqueue(t, "order-1", "confirmed")
	f.enqueue(t, "order-1", "preparing")

	publisher := &recordingPublisher{}
	delivered := f.worker(publisher).ProcessOnce(ctx)

	require.Equal(t, 4, delivered)
	require.Equal(t, []string{
		"order-1:pending", "order-2:pending", "order-1:confirmed", "order-1:preparing",
	}, publisher.statuses(t))

	stats, err := f.repo.Stats(ctx)
	require.NoError(t, err)
	require.Zero(t, stats.PendingCount)
}

func TestWorker_ProcessOnce_FailedDeliveryHoldsBackLaterStatuses(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	confirmed := f.enqueue(t, "order-1", "confirmed")
	f.enqueue(t, "order-1", "completed")
	f.enqueue(t, "order-2", "cancelled")

	publisher := &recordingPublisher{failures: map[string]int{confirmed.ID: 1}}
	w := f.worker(publisher, WithRetryBaseDelay(time.Second), WithMaxAttempts(3))

	require.Equal(t, 1, w.ProcessOnce(ctx))
	require.Equal(t, []string{"order-2:cancelled"}, publisher.statuses(t))
	require.Equal(t, "kafka: broker not available", f.repo.LastError(confirmed.ID))

	// задержка ещё не прошла
	f.clock.Advance(500 * time.Millisecond)
	require.Zero(t, w.ProcessOnce(ctx))

	f.clock.Advance(500 * time.Millisecond)
	require.Equal(t, 2, w.ProcessOnce(ctx))
	require.Equal(t, []string{
		"order-2:cancelled", "order-1:confirmed", "order-1:completed",
	}, publisher.statuses(t))
}

func TestWorker_ProcessOnce_ExhaustedAttemptsGoToDeadLetters(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	poisoned := f.enqueue(t, "order-1", "confirmed")
	f.enqueue(t, "order-1", "cancelled")

	publisher := &recordingPublisher{failures: map[string]int{poisoned.ID: -1}}
	deadLetters := &recordingDeadLetters{}
	w := f.worker(publisher,
		WithDeadLetters(deadLetters),
		WithRetryBaseDelay(0),
		WithMaxAttempts(3),
	)

	require.Equal(t, 1, w.ProcessOnce(ctx))
	require.Equal(t, 4, publisher.calls)
	require.Equal(t, []string{"order-1:cancelled"}, publisher.statuses(t))

	require.Len(t, deadLetters.events, 1)
	require.Equal(t, poisoned.ID, deadLetters.events[0].ID)
	require.Equal(t, 3, deadLetters.attempts[0])
	require.True(t, errors.Is(deadLetters.causes[0], domain.ErrOutboxPublish))

	stats, err := f.repo.Stats(ctx)
	require.NoError(t, err)
	require.Zero(t, stats.PendingCount)
	require.Equal(t, 1, stats.FailedCount)
}

func TestWorker_ProcessOnce_RespectsBatchSize(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	for _, id := range []string{"order-1", "order-2", "order-3"} {
		f.enqueue(t, id, "pending")
	}
	publisher := &recordingPublisher{}

	require.Equal(t, 3, f.worker(publisher, WithBatchSize(1)).ProcessOnce(ctx))
	require.Len(t, publisher.statuses(t), 3)
}

func TestWorker_ProcessOnce_StopsOnCancelledContext(t *testing.T) {
	f := newFixture()
	f.enqueue(t, "order-1", "pending")
	publisher := &recordingPublisher{}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.Zero(t, f.worker(publisher).ProcessOnce(ctx))
	require.Zero(t, publisher.calls)
}

func TestWorker_RetryBackoff(t *testing.T) {
	w := NewWorker(nil, nil, WithRetryBaseDelay(100*time.Millisecond), WithMaxRetryDelay(time.Second))

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 1, want: 100 * time.Millisecond},
		{attempt: 2, want: 200 * time.Millisecond},
		{attempt: 4, want: 800 * time.Millisecond},
		{attempt: 5, want: time.Second},
		{attempt: 80, want: time.Second},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, w.retryBackoff(tt.attempt), "attempt %d", tt.attempt)
	}

	require.Zero(t, NewWorker(nil, nil, WithRetryBaseDelay(0)).retryBackoff(3))
}

func TestWorker_RunDisabledWithoutPublisher(t *testing.T) {
	done := make(chan struct{})
	go func() {
		NewWorker(memory.NewOutboxRepository(), nil).Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker without publisher must return immediately")
	}
}
