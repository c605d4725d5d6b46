package postgres

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/cafeteria/internal/domain"
)

func orderEvent(id, orderID, to string) domain.OutboxMessage {
	return domain.OutboxMessage{
		ID:            id,
		AggregateType: "order",
		AggregateID:   orderID,
		EventType:     "order.status_changed",
		Payload:       []byte(`{"order_id":"` + orderID + `","to":"` + to + `"}`),
	}
}

func eventIDs(messages []domain.OutboxMessage) []string {
	out := make([]string, len(messages))
	for i, m := range messages {
		out[i] = m.ID
	}
	return out
}

func TestOutboxRepository_PostgresClaimFollowsOrderSequence(t *testing.T) {
	ctx := context.Background()
	store := migratedStore(t)
	repo := NewOutboxRepository(store)

	commitOutbox(t, store,
		orderEvent("evt-1", "order-1", "pending"),
		orderEvent("evt-2", "order-2", "pending"),
	)
	commitOutbox(t, store, orderEvent("evt-3", "order-1", "confirmed"))

	claimed, err := repo.ClaimPending(ctx, 10, time.Minute)
	require.NoError(t, err)
	require.Equal(t, []string{"evt-1", "evt-2"}, eventIDs(claimed))
	require.Equal(t, 1, claimed[0].Attempts)
	require.False(t, claimed[0].CreatedAt.IsZero())
	require.JSONEq(t, `{"order_id":"order-1","to":"pending"}`, string(claimed[0].Payload))

	again, err := repo.ClaimPending(ctx, 10, time.Minute)
	require.NoError(t, err)
	require.Empty(t, again, "leased events must stay hidden")

	require.NoError(t, repo.MarkSent(ctx, "evt-1"))
	require.NoError(t, repo.MarkFailed(ctx, "evt-2", "rejected by broker"))

	// голова order-1 доставлена, но следующее событие всё ещё доступно сразу
	next, err := repo.ClaimPending(ctx, 10, time.Minute)
	require.NoError(t, err)
	require.Equal(t, []string{"evt-3"}, eventIDs(next))

	stats, err := repo.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.PendingCount)
	require.Equal(t, 1, stats.FailedCount)
	require.False(t, stats.OldestPendingAt.IsZero())
}

func TestOutboxRepository_PostgresRescheduleAndLeaseExpiry(t *testing.T) {
	ctx := context.Background()
	store := migratedStore(t)
	repo := NewOutboxRepository(store).(*outboxRepository)

	commitOutbox(t, store, orderEvent("evt-1", "order-1", "ready"))
	now := time.Now().UTC()
	repo.now = func() time.Time { return now }

	claimed, err := repo.ClaimPending(ctx, 1, 30*time.Second)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	require.NoError(t, repo.Reschedule(ctx, "evt-1", now.Add(10*time.Second), "broker unavailable"))
	var lastError string
	require.NoError(t, store.DB().QueryRowContext(ctx,
		`SELECT last_error FROM outbox_messages WHERE id = 'evt-1'`).Scan(&lastError))
	require.Equal(t, "broker unavailable", lastError)

	now = now.Add(9 * time.Second)
	early, err := repo.ClaimPending(ctx, 1, 30*time.Second)
	require.NoError(t, err)
	require.Empty(t, early)

	now = now.Add(time.Second)
	due, err := repo.ClaimPending(ctx, 1, 30*time.Second)
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, 2, due[0].Attempts)

	// аренда истекла без подтверждения: событие выдаётся снова
	now = now.Add(31 * time.Second)
	expired, err := repo.ClaimPending(ctx, 1, 30*time.Second)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	require.Equal(t, 3, expired[0].Attempts)
}

func TestOutboxRepository_PostgresConcurrentClaimsDoNotOverlap(t *testing.T) {
	ctx := context.Background()
	store := migratedStore(t)
	repo := NewOutboxRepository(store)

	var events []domain.OutboxMessage
	for i, orderID := range []string{"order-1", "order-2", "order-3", "order-4", "order-5", "order-6"} {
		events = append(events, orderEvent("evt-"+string(rune('a'+i)), orderID, "pending"))
	}
	commitOutbox(t, store, events...)

	var (
		mu   sync.Mutex
		seen = make(map[string]int)
		wg   sync.WaitGroup
	)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimed, err := repo.ClaimPending(ctx, 2, time.Minute)
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			mu.Lock()
			for _, m := range claimed {
				seen[m.ID]++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	for id, n := range seen {
		require.Equal(t, 1, n, "event %s claimed twice", id)
	}
}

func TestOutboxRepository_PostgresSettleRequiresPendingEvent(t *testing.T) {
	ctx := context.Background()
	store := migratedStore(t)
	repo := NewOutboxRepository(store)

	commitOutbox(t, store, orderEvent("evt-1", "order-1", "completed"))
	require.NoError(t, repo.MarkSent(ctx, "evt-1"))

	err := repo.MarkSent(ctx, "evt-1")
	require.True(t, errors.Is(err, domain.ErrNotFound), "unexpected error: %v", err)
	err = repo.Reschedule(ctx, "missing", time.Now(), "")
	require.True(t, errors.Is(err, domain.ErrNotFound), "unexpected error: %v", err)
	err = repo.MarkFailed(ctx, "missing", "")
	require.True(t, errors.Is(err, domain.ErrNotFound), "unexpected error: %v", err)
}
