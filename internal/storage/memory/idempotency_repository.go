package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/cafeteria/internal/domain"
)

// IdempotencyRepository хранит ответы идемпотентных gRPC-мутаций в памяти.
type IdempotencyRepository struct {
	mu      sync.Mutex
	records map[domain.IdempotencyScope]domain.IdempotencyRecord
	now     func() time.Time
}

var _ domain.IdempotencyRepository = (*IdempotencyRepository)(nil)

// NewIdempotencyRepository создаёт пустое хранилище ключей.
func NewIdempotencyRepository() *IdempotencyRepository {
	return &IdempotencyRepository{
		records: make(map[domain.IdempotencyScope]domain.IdempotencyRecord),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WithClock подменяет часы; используется в тестах TTL и зависших запросов.
func (r *IdempotencyRepository) WithClock(now func() time.Time) *IdempotencyRepository {
	r.mu.Lock()
	r.now = now
	r.mu.Unlock()
	return r
}

func (r *IdempotencyRepository) Begin(_ context.Context, scope domain.IdempotencyScope, requestHash string, ttl time.Duration) (domain.IdempotencyRecord, error) {
	scope, err := scope.Normalize()
	if err != nil {
		return domain.IdempotencyRecord{}, err
	}
	requestHash = strings.TrimSpace(requestHash)
	if requestHash == "" {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyRequestHashRequired
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if existing, ok := r.records[scope]; ok && !existing.Reclaimable(requestHash, now) {
		if existing.RequestHash != requestHash {
			return cloneIdempotencyRecord(existing), domain.ErrIdempotencyHashMismatch
		}
		return cloneIdempotencyRecord(existing), domain.ErrIdempotencyKeyAlreadyExists
	}

	record := domain.IdempotencyRecord{
		Scope:       scope,
		RequestHash: requestHash,
		Status:      domain.IdempotencyStatusProcessing,
		ExpiresAt:   now.Add(ttl),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	r.records[scope] = record
	return record, nil
}

func (r *IdempotencyRepository) Get(_ context.Context, scope domain.IdempotencyScope) (domain.IdempotencyRecord, error) {
	scope, err := scope.Normalize()
	if err != nil {
		return domain.IdempotencyRecord{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.records[scope]
	if !ok {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyNotFound
	}
	return cloneIdempotencyRecord(record), nil
}

// Complete записывает ответ только поверх processing: завершённый ключ не переписывается.
func (r *IdempotencyRepository) Complete(_ context.Context, scope domain.IdempotencyScope, reply []byte, code int) error {
	scope, err := scope.Normalize()
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.records[scope]
	if !ok || record.Status != domain.IdempotencyStatusProcessing {
		return domain.ErrIdempotencyKeyNotFound
	}
	record.Status = domain.CompletedStatus(code)
	record.Reply = append([]byte(nil), reply...)
	record.Code = code
	record.UpdatedAt = r.now()
	r.records[scope] = record
	return nil
}

// DeleteExpired удаляет не больше limit ключей с expires_at <= before, самые старые первыми.
func (r *IdempotencyRepository) DeleteExpired(ctx context.Context, before time.Time, limit int) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if before.IsZero() {
		before = r.now()
	}
	var expired []domain.IdempotencyRecord
	for _, record := range r.records {
		if !record.ExpiresAt.After(before) {
			expired = append(expired, record)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].ExpiresAt.Before(expired[j].ExpiresAt) })
	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}
	for _, record := range expired {
		delete(r.records, record.Scope)
	}
	return len(expired), nil
}

func cloneIdempotencyRecord(src domain.IdempotencyRecord) domain.IdempotencyRecord {
	dst := src
	dst.Reply = append([]byte(nil), src.Reply...)
	return dst
}
