package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/cafeteria/internal/domain"
)

// beginIdempotencyQuery занимает ключ или перезанимает его, если запись просрочена
// либо зависла в processing с тем же хэшем ($6 — граница зависания).
// Пустой RETURNING означает, что ключ занят живой записью.
const beginIdempotencyQuery = `
INSERT INTO idempotency_keys (
    method, key, request_hash, reply, reply_code, status, expires_at, created_at, updated_at
) VALUES ($1, $2, $3, NULL, NULL, 'processing', $4, $5, $5)
ON CONFLICT (method, key) DO UPDATE
SET request_hash = EXCLUDED.request_hash,
    reply = NULL,
    reply_code = NULL,
    status = 'processing',
    expires_at = EXCLUDED.expires_at,
    created_at = EXCLUDED.created_at,
    updated_at = EXCLUDED.updated_at
WHERE idempotency_keys.expires_at <= $5
   OR (idempotency_keys.status = 'processing'
       AND idempotency_keys.request_hash = EXCLUDED.request_hash
       AND idempotency_keys.updated_at <= $6)
RETURNING created_at`

// конфликт и удаление записи очисткой между INSERT и SELECT разводятся повтором
const beginAttempts = 2

type idempotencyRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewIdempotencyRepository создаёт PostgreSQL-реализацию IdempotencyRepository.
func NewIdempotencyRepository(store *Store) domain.IdempotencyRepository {
	return &idempotencyRepository{db: store.DB(), now: func() time.Time { return time.Now().UTC() }}
}

func (r *idempotencyRepository) Begin(ctx context.Context, scope domain.IdempotencyScope, requestHash string, ttl time.Duration) (domain.IdempotencyRecord, error) {
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

	for attempt := 0; attempt < beginAttempts; attempt++ {
		record, err := r.begin(ctx, scope, requestHash, ttl)
		if !errors.Is(err, domain.ErrIdempotencyKeyNotFound) {
			return record, err
		}
	}
	return domain.IdempotencyRecord{}, fmt.Errorf("begin idempotency %s: %w", scope, domain.ErrIdempotencyKeyAlreadyExists)
}

func (r *idempotencyRepository) begin(ctx context.Context, scope domain.IdempotencyScope, requestHash string, ttl time.Duration) (domain.IdempotencyRecord, error) {
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	now := r.now()
	record := domain.IdempotencyRecord{
		Scope:       scope,
		RequestHash: requestHash,
		Status:      domain.IdempotencyStatusProcessing,
		ExpiresAt:   now.Add(ttl),
		UpdatedAt:   now,
	}
	err := r.db.QueryRowContext(opCtx, beginIdempotencyQuery,
		scope.Method,
		scope.Key,
		requestHash,
		record.ExpiresAt,
		now,
		now.Add(-domain.IdempotencyStaleAfter),
	).Scan(&record.CreatedAt)
	switch {
	case err == nil:
		return record, nil
	case !errors.Is(err, sql.ErrNoRows):
		return domain.IdempotencyRecord{}, fmt.Errorf("begin idempotency %s: %w", scope, err)
	}

	existing, err := r.Get(ctx, scope)
	if err != nil {
		return domain.IdempotencyRecord{}, err
	}
	if existing.RequestHash != requestHash {
		return existing, domain.ErrIdempotencyHashMismatch
	}
	return existing, domain.ErrIdempotencyKeyAlreadyExists
}

func (r *idempotencyRepository) Get(ctx context.Context, scope domain.IdempotencyScope) (domain.IdempotencyRecord, error) {
	scope, err := scope.Normalize()
	if err != nil {
		return domain.IdempotencyRecord{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var (
		record    = domain.IdempotencyRecord{Scope: scope}
		statusRaw string
		code      sql.NullInt64
	)
	err = r.db.QueryRowContext(ctx, `
		SELECT request_hash, reply, reply_code, status, expires_at, created_at, updated_at
		FROM idempotency_keys
		WHERE method = $1 AND key = $2
	`, scope.Method, scope.Key).Scan(
		&record.RequestHash,
		&record.Reply,
		&code,
		&statusRaw,
		&record.ExpiresAt,
		&record.CreatedAt,
		&record.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyNotFound
		}
		return domain.IdempotencyRecord{}, fmt.Errorf("get idempotency %s: %w", scope, err)
	}

	record.Status = domain.IdempotencyStatus(statusRaw)
	if !record.Status.Valid() {
		return domain.IdempotencyRecord{}, fmt.Errorf("invalid idempotency status %q for %s", statusRaw, scope)
	}
	if code.Valid {
		record.Code = int(code.Int64)
	}
	return record, nil
}

func (r *idempotencyRepository) Complete(ctx context.Context, scope domain.IdempotencyScope, reply []byte, code int) error {
	scope, err := scope.Normalize()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE idempotency_keys
		SET reply = $3, reply_code = $4, status = $5, updated_at = $6
		WHERE method = $1 AND key = $2 AND status = 'processing'
	`, scope.Method, scope.Key, reply, code, string(domain.CompletedStatus(code)), r.now())
	if err != nil {
		return fmt.Errorf("complete idempotency %s: %w", scope, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("complete idempotency %s: %w", scope, err)
	}
	if affected == 0 {
		return domain.ErrIdempotencyKeyNotFound
	}
	return nil
}

// DeleteExpired удаляет не больше limit просроченных ключей, самые старые первыми.
func (r *idempotencyRepository) DeleteExpired(ctx context.Context, before time.Time, limit int) (int, error) {
	if before.IsZero() {
		before = r.now()
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var (
		res sql.Result
		err error
	)
	if limit > 0 {
		res, err = r.db.ExecContext(ctx, `
			DELETE FROM idempotency_keys
			WHERE (method, key) IN (
				SELECT method, key
				FROM idempotency_keys
				WHERE expires_at <= $1
				ORDER BY expires_at
				LIMIT $2
			)
		`, before, limit)
	} else {
		res, err = r.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE expires_at <= $1`, before)
	}
	if err != nil {
		return 0, fmt.Errorf("delete expired idempotency keys: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete expired idempotency keys: %w", err)
	}
	return int(affected), nil
}
