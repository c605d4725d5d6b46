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

func createOrderScope(key string) domain.IdempotencyScope {
	return domain.IdempotencyScope{Method: "CreateOrder", Key: key}
}

func TestIdempotencyRepository_PostgresBeginAndComplete(t *testing.T) {
	ctx := context.Background()
	repo := NewIdempotencyRepository(migratedStore(t))

	created, err := repo.Begin(ctx, createOrderScope("cart-1"), "hash-1", 2*time.Hour)
	require.NoError(t, err)
	require.Equal(t, domain.IdempotencyStatusProcessing, created.Status)
	require.False(t, created.CreatedAt.IsZero())

	require.NoError(t, repo.Complete(ctx, createOrderScope("cart-1"), []byte(`{"order":{"id":"o-1"}}`), 0))

	got, err := repo.Get(ctx, createOrderScope("cart-1"))
	require.NoError(t, err)
	require.Equal(t, "hash-1", got.RequestHash)
	require.Equal(t, domain.IdempotencyStatusDone, got.Status)
	require.Zero(t, got.Code)
	require.JSONEq(t, `{"order":{"id":"o-1"}}`, string(got.Reply))
	require.WithinDuration(t, created.ExpiresAt, got.ExpiresAt, time.Millisecond)

	err = repo.Complete(ctx, createOrderScope("cart-1"), nil, 13)
	require.True(t, errors.Is(err, domain.ErrIdempotencyKeyNotFound), "completed key must not be overwritten: %v", err)
}

func TestIdempotencyRepository_PostgresConflictsAreScopedByMethod(t *testing.T) {
	ctx := context.Background()
	repo := NewIdempotencyRepository(migratedStore(t))

	_, err := repo.Begin(ctx, createOrderScope("cart-2"), "hash-a", time.Hour)
	require.NoError(t, err)

	existing, err := repo.Begin(ctx, createOrderScope("cart-2"), "hash-a", time.Hour)
	require.True(t, errors.Is(err, domain.ErrIdempotencyKeyAlreadyExists), "unexpected error: %v", err)
	require.Equal(t, domain.IdempotencyStatusProcessing, existing.Status)

	_, err = repo.Begin(ctx, createOrderScope("cart-2"), "hash-b", time.Hour)
	require.True(t, errors.Is(err, domain.ErrIdempotencyHashMismatch), "unexpected error: %v", err)

	_, err = repo.Begin(ctx, domain.IdempotencyScope{Method: "CancelOrder", Key: "cart-2"}, "hash-b", time.Hour)
	require.NoError(t, err)
}

func TestIdempotencyRepository_PostgresReclaimsStuckAndExpiredKeys(t *testing.T) {
	ctx := context.Background()
	repo := NewIdempotencyRepository(migratedStore(t)).(*idempotencyRepository)
	now := time.Now().UTC()
	repo.now = func() time.Time { return now }

	_, err := repo.Begin(ctx, createOrderScope("stuck"), "hash-a", time.Hour)
	require.NoError(t, err)

	now = now.Add(domain.IdempotencyStaleAfter + time.Second)
	_, err = repo.Begin(ctx, createOrderScope("stuck"), "hash-b", time.Hour)
	require.True(t, errors.Is(err, domain.ErrIdempotencyHashMismatch), "other payload cannot take a stuck key: %v", err)
	_, err = repo.Begin(ctx, createOrderScope("stuck"), "hash-a", time.Hour)
	require.NoError(t, err)

	require.NoError(t, repo.Complete(ctx, createOrderScope("stuck"), []byte(`{}`), 0))
	now = now.Add(time.Hour)
	reused, err := repo.Begin(ctx, createOrderScope("stuck"), "hash-b", time.Hour)
	require.NoError(t, err)
	require.Equal(t, "hash-b", reused.RequestHash)

	got, err := repo.Get(ctx, createOrderScope("stuck"))
	require.NoError(t, err)
	require.Equal(t, domain.IdempotencyStatusProcessing, got.Status)
	require.Empty(t, got.Reply)
}

func TestIdempotencyRepository_PostgresConcurrentBeginHasSingleWinner(t *testing.T) {
	ctx := context.Background()
	repo := NewIdempotencyRepository(migratedStore(t))

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		winners  int
		replayed int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.Begin(ctx, createOrderScope("race"), "hash-a", time.Hour)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners++
			case errors.Is(err, domain.ErrIdempotencyKeyAlreadyExists):
				replayed++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, winners)
	require.Equal(t, 7, replayed)
}

func TestIdempotencyRepository_PostgresDeleteExpired(t *testing.T) {
	ctx := context.Background()
	repo := NewIdempotencyRepository(migratedStore(t)).(*idempotencyRepository)
	now := time.Now().UTC()
	repo.now = func() time.Time { return now }

	for i, key := range []string{"expired-1", "expired-2", "expired-3"} {
		_, err := repo.Begin(ctx, createOrderScope(key), "h", time.Duration(i+1)*time.Minute)
		require.NoError(t, err)
	}
	_, err := repo.Begin(ctx, createOrderScope("active"), "h", 2*time.Hour)
	require.NoError(t, err)

	cutoff := now.Add(time.Hour)
	removed, err := repo.DeleteExpired(ctx, cutoff, 2)
	require.NoError(t, err)
	require.Equal(t, 2, removed)

	_, err = repo.Get(ctx, createOrderScope("expired-3"))
	require.NoError(t, err, "latest expiry must survive the first batch")

	removed, err = repo.DeleteExpired(ctx, cutoff, 10)
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	_, err = repo.Get(ctx, createOrderScope("active"))
	require.NoError(t, err)
}
