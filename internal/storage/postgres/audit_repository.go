package postgres

import (
	"context"
	"fmt"

	"github.com/vladislavdragonenkov/cafeteria/internal/domain"
)

// ListAudit возвращает записи журнала в порядке добавления.
// Пустой entityID означает все записи данного типа сущности.
func (s *Store) ListAudit(ctx context.Context, entity domain.AuditEntity, entityID string) ([]domain.AuditRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, entity, entity_id, operation, delta, reason, occurred_at
		FROM audit_log
		WHERE entity = $1 AND ($2::text = '' OR entity_id = $2)
		ORDER BY seq
	`, string(entity), entityID)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	var result []domain.AuditRecord
	for rows.Next() {
		var rec domain.AuditRecord
		if err := rows.Scan(
			&rec.ID, &rec.Entity, &rec.EntityID, &rec.Operation, &rec.Delta, &rec.Reason, &rec.OccurredAt,
		); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		rec.OccurredAt = rec.OccurredAt.UTC()
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit log: %w", err)
	}
	return result, nil
}

func insertAudit(ctx context.Context, q queryer, records []domain.AuditRecord) error {
	for _, rec := range records {
		if _, err := q.ExecContext(ctx, `
			INSERT INTO audit_log (id, entity, entity_id, operation, delta, reason, occurred_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
		`, rec.ID, string(rec.Entity), rec.EntityID, rec.Operation, rec.Delta, rec.Reason, rec.OccurredAt); err != nil {
			return fmt.Errorf("insert audit record %s: %w", rec.ID, err)
		}
	}
	return nil
}
