package memory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"

	"github.com/vladislavdragonenkov/cafeteria/internal/domain"
	"github.com/vladislavdragonenkov/cafeteria/internal/storage/memory"
)

type idemClock struct{ now time.Time }

func (c *idemClock) Now() time.Time          { return c.now }
func (c *idemClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newIdempotencyRepo() (*memory.IdempotencyRepository, *idemClock) {
	clock := &idemClock{now: time.Date(2024, 6, 3, 12, 0, 0, 0, time.UTC)}
	return memory.NewIdempotencyRepository().WithClock(clock.Now), clock
}

func createOrder(key string) domain.IdempotencyScope {
	return domain.IdempotencyScope{Method: "CreateOrder", Key: key}
}

func TestIdempotencyRepository_BeginAndGet(t *testing.T) {
	ctx := context.Background()
	repo, clock := newIdempotencyRepo()

	created, err := repo.Begin(ctx, domain.IdempotencyScope{Method: " CreateOrder", Key: "cart-1 "}, "hash-1", 2*time.Hour)
	require.NoError(t, err)
	require.Equal(t, domain.IdempotencyStatusProcessing, created.Status)
	require.Equal(t, createOrder("cart-1"), created.Scope)
	require.Equal(t, clock.now.Add(2*time.Hour), created.ExpiresAt)

	got, err := repo.Get(ctx, createOrder("cart-1"))
	require.NoError(t, err)
	require.Equal(t, "hash-1", got.RequestHash)

	_, err = repo.Get(ctx, domain.IdempotencyScope{Method: "CancelOrder", Key: "cart-1"})
	require.True(t, errors.Is(err, domain.ErrIdempotencyKeyNotFound), "keys are scoped by method: %v", err)

	_, err = repo.Begin(ctx, createOrder(""), "hash-1", time.Hour)
	require.True(t, errors.Is(err, domain.ErrIdempotencyKeyRequired))
	_, err = repo.Begin(ctx, createOrder("cart-2"), " ", time.Hour)
	require.True(t, errors.Is(err, domain.ErrIdempotencyRequestHashRequired))
}

func TestIdempotencyRepository_ConflictAndHashMismatch(t *testing.T) {
	ctx := context.Background()
	repo, _ := newIdempotencyRepo()

	_, err := repo.Begin(ctx, createOrder("cart-2"), "hash-a", time.Hour)
	require.NoError(t, err)

	existing, err := repo.Begin(ctx, createOrder("cart-2"), "hash-a", time.Hour)
	require.True(t, errors.Is(err, domain.ErrIdempotencyKeyAlreadyExists), "unexpected error: %v", err)
	require.Equal(t, domain.IdempotencyStatusProcessing, existing.Status)

	_, err = repo.Begin(ctx, createOrder("cart-2"), "hash-b", time.Hour)
	require.True(t, errors.Is(err, domain.ErrIdempotencyHashMismatch), "unexpected error: %v", err)

	// тот же ключ у другого метода свободен
	_, err = repo.Begin(ctx, domain.IdempotencyScope{Method: "CancelOrder", Key: "cart-2"}, "hash-b", time.Hour)
	require.NoError(t, err)
}

func TestIdempotencyRepository_CompleteCachesOrderReplies(t *testing.T) {
	ctx := context.Background()
	repo, _ := newIdempotencyRepo()

	_, err := repo.Begin(ctx, createOrder("order-ok"), "hash-ok", time.Hour)
	require.NoError(t, err)
	_, err = repo.Begin(ctx, createOrder("order-short"), "hash-short", time.Hour)
	require.NoError(t, err)

	reply := []byte(`{"order":{"id":"o-1","status":"pending","total":"17.00"}}`)
	require.NoError(t, repo.Complete(ctx, createOrder("order-ok"), reply, int(codes.OK)))
	reply[0] = 'x'

	done, err := repo.Get(ctx, createOrder("order-ok"))
	require.NoError(t, err)
	require.Equal(t, domain.IdempotencyStatusDone, done.Status)
	require.Equal(t, int(codes.OK), done.Code)
	require.JSONEq(t, `{"order":{"id":"o-1","status":"pending","total":"17.00"}}`, string(done.Reply))

	require.NoError(t, repo.Complete(ctx, createOrder("order-short"),
		[]byte(`{"code":9,"message":"insufficient stock"}`), int(codes.FailedPrecondition)))
	failed, err := repo.Get(ctx, createOrder("order-short"))
	require.NoError(t, err)
	require.Equal(t, domain.IdempotencyStatusFailed, failed.Status)
	require.Equal(t, int(codes.FailedPrecondition), failed.Code)

	// завершённый ответ не переписывается
	err = repo.Complete(ctx, createOrder("order-ok"), nil, int(codes.Internal))
	require.True(t, errors.Is(err, domain.ErrIdempotencyKeyNotFound), "unexpected error: %v", err)
	err = repo.Complete(ctx, createOrder("missing"), nil, int(codes.OK))
	require.True(t, errors.Is(err, domain.ErrIdempotencyKeyNotFound), "unexpected error: %v", err)
}

func TestIdempotencyRepository_ReclaimsStuckAndExpiredKeys(t *testing.T) {
	ctx := context.Background()
	repo, clock := newIdempotencyRepo()

	_, err := repo.Begin(ctx, createOrder("stuck"), "hash-a", time.Hour)
	require.NoError(t, err)

	clock.Advance(domain.IdempotencyStaleAfter - time.Second)
	_, err = repo.Begin(ctx, createOrder("stuck"), "hash-a", time.Hour)
	require.True(t, errors.Is(err, domain.ErrIdempotencyKeyAlreadyExists), "still in flight: %v", err)

	clock.Advance(time.Second)
	retried, err := repo.Begin(ctx, createOrder("stuck"), "hash-a", time.Hour)
	require.NoError(t, err)
	require.Equal(t, clock.now, retried.CreatedAt)

	require.NoError(t, repo.Complete(ctx, createOrder("stuck"), []byte(`{}`), int(codes.OK)))
	clock.Advance(time.Hour)
	reused, err := repo.Begin(ctx, createOrder("stuck"), "hash-b", time.Hour)
	require.NoError(t, err, "expired key must be reusable with any payload")
	require.Equal(t, "hash-b", reused.RequestHash)
	require.Empty(t, reused.Reply)
}

func TestIdempotencyRepository_DeleteExpiredOldestFirst(t *testing.T) {
	ctx := context.Background()
	repo, clock := newIdempotencyRepo()

	for key, ttl := range map[string]time.Duration{
		"oldest": time.Minute,
		"older":  10 * time.Minute,
		"newer":  20 * time.Minute,
		"active": 2 * time.Hour,
	} {
		_, err := repo.Begin(ctx, createOrder(key), "hash-"+key, ttl)
		require.NoError(t, err)
	}
	clock.Advance(time.Hour)

	removed, err := repo.DeleteExpired(ctx, clock.now, 2)
	require.NoError(t, err)
	require.Equal(t, 2, removed)
	_, err = repo.Get(ctx, createOrder("newer"))
	require.NoError(t, err, "newest expired key must survive the batch")

	removed, err = repo.DeleteExpired(ctx, time.Time{}, 10)
	require.NoError(t, err)
	require.Equal(t, 1, removed)
	_, err = repo.Get(ctx, createOrder("active"))
	require.NoError(t, err)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = repo.DeleteExpired(cancelled, clock.now, 10)
	require.ErrorIs(t, err, context.Canceled)
}
