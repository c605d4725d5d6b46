package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/vladislavdragonenkov/cafeteria/internal/domain"
)

const defaultClaimLimit = 100

// claimOutboxQuery берёт голову очереди каждого заказа, если её попытка наступила,
// и сдвигает available_at на время аренды. SKIP LOCKED разводит экземпляры сервиса.
const claimOutboxQuery = `
WITH heads AS (
    SELECT DISTINCT ON (aggregate_id) id
    FROM outbox_messages
    WHERE status = 'pending'
    ORDER BY aggregate_id, seq
),
claimed AS (
    SELECT m.id
    FROM outbox_messages m
    JOIN heads h ON h.id = m.id
    WHERE m.available_at <= $2
    ORDER BY m.seq
    LIMIT $1
    FOR UPDATE OF m SKIP LOCKED
)
UPDATE outbox_messages o
SET available_at = $3,
    attempt_count = o.attempt_count + 1,
    updated_at = $2
FROM claimed
WHERE o.id = claimed.id
RETURNING o.seq, o.id, o.aggregate_type, o.aggregate_id, o.event_type, o.payload, o.attempt_count, o.created_at`

type outboxRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewOutboxRepository создаёт PostgreSQL-реализацию OutboxRepository.
// События попадают в таблицу только через Store.Commit.
func NewOutboxRepository(store *Store) domain.OutboxRepository {
	return &outboxRepository{db: store.DB(), now: func() time.Time { return time.Now().UTC() }}
}

func (r *outboxRepository) ClaimPending(ctx context.Context, limit int, lease time.Duration) ([]domain.OutboxMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if limit <= 0 {
		limit = defaultClaimLimit
	}
	now := r.now()
	rows, err := r.db.QueryContext(ctx, claimOutboxQuery, limit, now, now.Add(lease))
	if err != nil {
		return nil, fmt.Errorf("claim outbox messages: %w", err)
	}
	defer rows.Close()

	type claimedRow struct {
		seq int64
		msg domain.OutboxMessage
	}
	var claimed []claimedRow
	for rows.Next() {
		var row claimedRow
		if err := rows.Scan(
			&row.seq,
			&row.msg.ID,
			&row.msg.AggregateType,
			&row.msg.AggregateID,
			&row.msg.EventType,
			&row.msg.Payload,
			&row.msg.Attempts,
			&row.msg.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan claimed outbox message: %w", err)
		}
		row.msg.CreatedAt = row.msg.CreatedAt.UTC()
		claimed = append(claimed, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate claimed outbox messages: %w", err)
	}

	// RETURNING не сохраняет порядок
	sort.Slice(claimed, func(i, j int) bool { return claimed[i].seq < claimed[j].seq })
	result := make([]domain.OutboxMessage, len(claimed))
	for i, row := range claimed {
		result[i] = row.msg
	}
	return result, nil
}

func (r *outboxRepository) Stats(ctx context.Context) (domain.OutboxStats, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var (
		stats  domain.OutboxStats
		oldest sql.NullTime
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status = 'failed'),
			MIN(created_at) FILTER (WHERE status = 'pending')
		FROM outbox_messages
	`).Scan(&stats.PendingCount, &stats.FailedCount, &oldest)
	if err != nil {
		return domain.OutboxStats{}, fmt.Errorf("outbox stats query failed: %w", err)
	}
	if oldest.Valid {
		stats.OldestPendingAt = oldest.Time.UTC()
	}
	return stats, nil
}

func (r *outboxRepository) MarkSent(ctx context.Context, id string) error {
	return r.settle(ctx, id, `
		UPDATE outbox_messages
		SET status = 'sent', last_error = '', updated_at = $2
		WHERE id = $1 AND status = 'pending'
	`, r.now())
}

func (r *outboxRepository) Reschedule(ctx context.Context, id string, at time.Time, cause string) error {
	return r.settle(ctx, id, `
		UPDATE outbox_messages
		SET available_at = $3, last_error = $4, updated_at = $2
		WHERE id = $1 AND status = 'pending'
	`, r.now(), at.UTC(), cause)
}

func (r *outboxRepository) MarkFailed(ctx context.Context, id string, cause string) error {
	return r.settle(ctx, id, `
		UPDATE outbox_messages
		SET status = 'failed', last_error = $3, updated_at = $2
		WHERE id = $1 AND status = 'pending'
	`, r.now(), cause)
}

// settle меняет состояние события, которое ещё ждёт доставки.
func (r *outboxRepository) settle(ctx context.Context, id, query string, args ...any) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, query, append([]any{id}, args...)...)
	if err != nil {
		return fmt.Errorf("update outbox message %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected for outbox message %s: %w", id, err)
	}
	if affected == 0 {
		return domain.NotFoundError("pending outbox message", id)
	}
	return nil
}

var _ domain.OutboxRepository = (*outboxRepository)(nil)
