package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/cafeteria/internal/domain"
)

type outboxStatus uint8

const (
	outboxPending outboxStatus = iota
	outboxSent
	outboxFailed
)

type outboxRecord struct {
	msg         domain.OutboxMessage
	seq         int64
	status      outboxStatus
	availableAt time.Time
	lastError   string
}

// OutboxRepository — outbox в памяти с теми же правилами аренды и порядка, что и таблица outbox_messages.
type OutboxRepository struct {
	mu      sync.Mutex
	seq     int64
	records map[string]*outboxRecord
	now     func() time.Time
}

var _ domain.OutboxRepository = (*OutboxRepository)(nil)

// NewOutboxRepository создаёт пустой outbox.
func NewOutboxRepository() *OutboxRepository {
	return &OutboxRepository{
		records: make(map[string]*outboxRecord),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WithClock подменяет часы; используется в тестах аренды.
func (r *OutboxRepository) WithClock(now func() time.Time) *OutboxRepository {
	r.mu.Lock()
	r.now = now
	r.mu.Unlock()
	return r
}

// Enqueue ставит событие в очередь; попытка доступна сразу.
func (r *OutboxRepository) Enqueue(msg domain.OutboxMessage) (domain.OutboxMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.Payload = append([]byte(nil), msg.Payload...)
	msg.Attempts = 0
	msg.CreatedAt = r.now()
	r.seq++
	r.records[msg.ID] = &outboxRecord{msg: msg, seq: r.seq, availableAt: msg.CreatedAt}
	return msg, nil
}

// ClaimPending выдаёт в аренду головы очередей агрегатов, чья попытка наступила.
func (r *OutboxRepository) ClaimPending(_ context.Context, limit int, lease time.Duration) ([]domain.OutboxMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if limit <= 0 {
		limit = 100
	}
	now := r.now()
	result := make([]domain.OutboxMessage, 0, limit)
	for _, rec := range r.heads() {
		if len(result) == limit {
			break
		}
		if rec.availableAt.After(now) {
			continue
		}
		rec.msg.Attempts++
		rec.availableAt = now.Add(lease)
		claimed := rec.msg
		claimed.Payload = append([]byte(nil), rec.msg.Payload...)
		result = append(result, claimed)
	}
	return result, nil
}

// Stats возвращает размер backlog, число окончательно упавших событий и возраст самого старого.
func (r *OutboxRepository) Stats(context.Context) (domain.OutboxStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var stats domain.OutboxStats
	for _, rec := range r.records {
		switch rec.status {
		case outboxPending:
			stats.PendingCount++
			if stats.OldestPendingAt.IsZero() || rec.msg.CreatedAt.Before(stats.OldestPendingAt) {
				stats.OldestPendingAt = rec.msg.CreatedAt
			}
		case outboxFailed:
			stats.FailedCount++
		}
	}
	return stats, nil
}

func (r *OutboxRepository) MarkSent(_ context.Context, id string) error {
	return r.settle(id, func(rec *outboxRecord) {
		rec.status = outboxSent
		rec.lastError = ""
	})
}

func (r *OutboxRepository) Reschedule(_ context.Context, id string, at time.Time, cause string) error {
	return r.settle(id, func(rec *outboxRecord) {
		rec.availableAt = at.UTC()
		rec.lastError = cause
	})
}

func (r *OutboxRepository) MarkFailed(_ context.Context, id string, cause string) error {
	return r.settle(id, func(rec *outboxRecord) {
		rec.status = outboxFailed
		rec.lastError = cause
	})
}

// LastError возвращает причину последней неудачной попытки доставки.
func (r *OutboxRepository) LastError(id string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[id]; ok {
		return rec.lastError
	}
	return ""
}

// Pending возвращает неотправленные события в порядке постановки.
func (r *OutboxRepository) Pending() []domain.OutboxMessage {
	r.mu.Lock()
	defer r.mu.Unlock()

	pending := r.pendingBySeq()
	result := make([]domain.OutboxMessage, len(pending))
	for i, rec := range pending {
		result[i] = rec.msg
	}
	return result
}

func (r *OutboxRepository) settle(id string, apply func(rec *outboxRecord)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok || rec.status != outboxPending {
		return domain.NotFoundError("pending outbox message", id)
	}
	apply(rec)
	return nil
}

// heads возвращает самое раннее неотправленное событие каждого агрегата, по seq.
func (r *OutboxRepository) heads() []*outboxRecord {
	seen := make(map[string]struct{})
	var heads []*outboxRecord
	for _, rec := range r.pendingBySeq() {
		if _, ok := seen[rec.msg.AggregateID]; ok {
			continue
		}
		seen[rec.msg.AggregateID] = struct{}{}
		heads = append(heads, rec)
	}
	return heads
}

func (r *OutboxRepository) pendingBySeq() []*outboxRecord {
	pending := make([]*outboxRecord, 0, len(r.records))
	for _, rec := range r.records {
		if rec.status == outboxPending {
			pending = append(pending, rec)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].seq < pending[j].seq })
	return pending
}
