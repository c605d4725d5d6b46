package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/cafeteria/internal/domain"
)

const edgesPrimaryKey = "catalog_edges_pkey"

// Commit применяет UnitOfWork в одной транзакции.
// Обновления проверяют версию условием WHERE version = $n; ноль затронутых строк означает конфликт.
func (s *Store) Commit(ctx context.Context, uow domain.UnitOfWork) (err error) {
	if uow.Empty() {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = applyCatalog(ctx, tx, uow.Catalog); err != nil {
		return err
	}
	if err = applyPromotions(ctx, tx, uow.NewPromotions, uow.Promotions); err != nil {
		return err
	}
	if uow.NewOrder != nil {
		if err = insertOrder(ctx, tx, uow.NewOrder); err != nil {
			return err
		}
	}
	if uow.Order != nil {
		if err = updateOrder(ctx, tx, uow.Order); err != nil {
			return err
		}
	}
	if err = enqueueOutbox(ctx, tx, uow.Outbox); err != nil {
		return err
	}
	if err = insertAudit(ctx, tx, uow.Audit); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit unit of work: %w", err)
	}
	return nil
}

// classifyWriteError переводит нарушения уникальности в доменные ошибки.
func classifyWriteError(what string, err error) error {
	if !isUniqueViolation(err) {
		return fmt.Errorf("%s: %w", what, err)
	}
	if constraintName(err) == edgesPrimaryKey {
		return fmt.Errorf("%s: %w", what, domain.ErrVersionConflict)
	}
	return fmt.Errorf("%s: %w", what, domain.ErrAlreadyExists)
}

func expectOneRow(what string, res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected for %s: %w", what, err)
	}
	if affected == 0 {
		return fmt.Errorf("%s: %w", what, domain.ErrVersionConflict)
	}
	return nil
}

func applyCatalog(ctx context.Context, tx *sql.Tx, c domain.CatalogChanges) error {
	for i := range c.Ingredients {
		if err := updateIngredient(ctx, tx, &c.Ingredients[i]); err != nil {
			return err
		}
	}
	for i := range c.Products {
		if err := updateProduct(ctx, tx, &c.Products[i]); err != nil {
			return err
		}
	}
	for i := range c.NewIngredients {
		if err := insertIngredient(ctx, tx, &c.NewIngredients[i]); err != nil {
			return err
		}
	}
	for i := range c.NewProducts {
		if err := insertProduct(ctx, tx, &c.NewProducts[i]); err != nil {
			return err
		}
	}

	for _, g := range c.Guards {
		if err := bumpGuardedVersion(ctx, tx, g); err != nil {
			return err
		}
	}

	for _, e := range c.RemovedEdges {
		res, err := tx.ExecContext(ctx, `
			DELETE FROM catalog_edges WHERE source_kind = $1 AND source_id = $2 AND dependent_id = $3
		`, string(e.Source.Kind), e.Source.ID, e.DependentID)
		if err != nil {
			return fmt.Errorf("delete edge %s -> %s: %w", e.Source, e.DependentID, err)
		}
		if err := expectOneRow(fmt.Sprintf("edge %s -> %s", e.Source, e.DependentID), res); err != nil {
			return err
		}
	}
	for _, e := range c.AddedEdges {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO catalog_edges (source_kind, source_id, dependent_id) VALUES ($1,$2,$3)
		`, string(e.Source.Kind), e.Source.ID, e.DependentID); err != nil {
			return classifyWriteError(fmt.Sprintf("edge %s -> %s", e.Source, e.DependentID), err)
		}
	}
	return nil
}

// bumpGuardedVersion сверяет версию прочитанного узла и увеличивает её,
// не трогая остальные колонки.
func bumpGuardedVersion(ctx context.Context, tx *sql.Tx, g domain.NodeVersion) error {
	var query string
	switch g.Node.Kind {
	case domain.NodeIngredient:
		query = `UPDATE ingredients SET version = version + 1 WHERE id = $1 AND version = $2`
	case domain.NodeProduct:
		query = `UPDATE products SET version = version + 1 WHERE id = $1 AND version = $2`
	default:
		return fmt.Errorf("%w: unknown node kind %q", domain.ErrInvalidArgument, g.Node.Kind)
	}
	res, err := tx.ExecContext(ctx, query, g.Node.ID, g.Version)
	if err != nil {
		return fmt.Errorf("guard %s: %w", g.Node, err)
	}
	return expectOneRow("guard "+g.Node.String(), res)
}

func nullableStock(ing *domain.Ingredient) any {
	if ing.Stock == nil {
		return nil
	}
	return *ing.Stock
}

func insertIngredient(ctx context.Context, tx *sql.Tx, ing *domain.Ingredient) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO ingredients (id, name, unit, stock, active, available, version, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`,
		ing.ID, ing.Name, ing.Unit, nullableStock(ing), ing.Active, ing.Available,
		ing.Version, ing.CreatedAt, ing.UpdatedAt,
	); err != nil {
		return classifyWriteError("ingredient "+ing.ID, err)
	}
	return nil
}

func updateIngredient(ctx context.Context, tx *sql.Tx, ing *domain.Ingredient) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE ingredients
		SET name = $3, unit = $4, stock = $5, active = $6, available = $7,
		    version = version + 1, updated_at = $8
		WHERE id = $1 AND version = $2
	`,
		ing.ID, ing.Version, ing.Name, ing.Unit, nullableStock(ing), ing.Active, ing.Available, ing.UpdatedAt,
	)
	if err != nil {
		return classifyWriteError("ingredient "+ing.ID, err)
	}
	return expectOneRow("ingredient "+ing.ID, res)
}

func insertProduct(ctx context.Context, tx *sql.Tx, p *domain.Product) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO products (
			id, name, description, kind, category, price, stock, active, available, version, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`,
		p.ID, p.Name, p.Description, string(p.Kind), p.Category, p.Price, p.Stock,
		p.Active, p.Available, p.Version, p.CreatedAt, p.UpdatedAt,
	); err != nil {
		return classifyWriteError("product "+p.ID, err)
	}
	return insertComponents(ctx, tx, p)
}

func updateProduct(ctx context.Context, tx *sql.Tx, p *domain.Product) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE products
		SET name = $3, description = $4, category = $5, price = $6, stock = $7,
		    active = $8, available = $9, version = version + 1, updated_at = $10
		WHERE id = $1 AND version = $2
	`,
		p.ID, p.Version, p.Name, p.Description, p.Category, p.Price, p.Stock,
		p.Active, p.Available, p.UpdatedAt,
	)
	if err != nil {
		return classifyWriteError("product "+p.ID, err)
	}
	if err := expectOneRow("product "+p.ID, res); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM product_components WHERE product_id = $1`, p.ID); err != nil {
		return fmt.Errorf("reset components of %s: %w", p.ID, err)
	}
	return insertComponents(ctx, tx, p)
}

func insertComponents(ctx context.Context, tx *sql.Tx, p *domain.Product) error {
	for i, c := range p.Components {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO product_components (product_id, position, node_kind, node_id, quantity)
			VALUES ($1,$2,$3,$4,$5)
		`, p.ID, i, string(c.Node.Kind), c.Node.ID, c.Quantity); err != nil {
			return fmt.Errorf("insert component %s of %s: %w", c.Node, p.ID, err)
		}
	}
	return nil
}

type promotionColumns struct {
	days, hours []byte
}

func encodePromotionColumns(p *domain.Promotion) (promotionColumns, error) {
	days, err := encodeWeekdays(p.ApplicableDays)
	if err != nil {
		return promotionColumns{}, fmt.Errorf("encode applicable days: %w", err)
	}
	hours, err := encodeTimeRanges(p.ApplicableHours)
	if err != nil {
		return promotionColumns{}, fmt.Errorf("encode applicable hours: %w", err)
	}
	return promotionColumns{days: days, hours: hours}, nil
}

func applyPromotions(ctx context.Context, tx *sql.Tx, created, updated []domain.Promotion) error {
	for i := range updated {
		p := &updated[i]
		cols, err := encodePromotionColumns(p)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE promotions
			SET name = $3, description = $4, active = $5, start_date = $6, end_date = $7,
			    applicable_days = $8::jsonb, applicable_hours = $9::jsonb,
			    category = $10, multiplier = $11, minimum_purchase = $12, discount_amount = $13,
			    required_category = $14, free_category = $15, required_quantity = $16,
			    free_quantity = $17, charged_quantity = $18,
			    version = version + 1, updated_at = $19
			WHERE id = $1 AND version = $2
		`,
			p.ID, p.Version, p.Name, p.Description, p.Active, nullableTime(p.StartDate), nullableTime(p.EndDate),
			string(cols.days), string(cols.hours),
			p.Category, p.Multiplier, p.MinimumPurchase, p.DiscountAmount,
			p.RequiredCategory, p.FreeCategory, p.RequiredQuantity,
			p.FreeQuantity, p.ChargedQuantity, p.UpdatedAt,
		)
		if err != nil {
			return classifyWriteError("promotion "+p.ID, err)
		}
		if err := expectOneRow("promotion "+p.ID, res); err != nil {
			return err
		}
	}

	for i := range created {
		p := &created[i]
		cols, err := encodePromotionColumns(p)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO promotions (
				id, name, description, type, active, start_date, end_date, applicable_days, applicable_hours,
				category, multiplier, minimum_purchase, discount_amount, required_category, free_category,
				required_quantity, free_quantity, charged_quantity, version, created_at, updated_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8::jsonb,$9::jsonb,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)
		`,
			p.ID, p.Name, p.Description, string(p.Type), p.Active, nullableTime(p.StartDate), nullableTime(p.EndDate),
			string(cols.days), string(cols.hours),
			p.Category, p.Multiplier, p.MinimumPurchase, p.DiscountAmount, p.RequiredCategory, p.FreeCategory,
			p.RequiredQuantity, p.FreeQuantity, p.ChargedQuantity, p.Version, p.CreatedAt, p.UpdatedAt,
		); err != nil {
			return classifyWriteError("promotion "+p.ID, err)
		}
	}
	return nil
}

func insertOrder(ctx context.Context, tx *sql.Tx, o *domain.Order) error {
	docs, err := encodeOrderDocuments(o)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO orders (
			id, number, user_id, status, lines, promotions, subtotal, discount_amount, total,
			history, version, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5::jsonb,$6::jsonb,$7,$8,$9,$10::jsonb,$11,$12,$13)
	`,
		o.ID, o.Number, o.UserID, string(o.Status), string(docs.lines), string(docs.promotions),
		o.Subtotal, o.DiscountAmount, o.Total, string(docs.history), o.Version, o.CreatedAt, o.UpdatedAt,
	); err != nil {
		return classifyWriteError("order "+o.ID, err)
	}
	return nil
}

// updateOrder меняет только изменяемые части заказа: статус и историю.
func updateOrder(ctx context.Context, tx *sql.Tx, o *domain.Order) error {
	docs, err := encodeOrderDocuments(o)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE orders
		SET status = $3, history = $4::jsonb, version = version + 1, updated_at = $5
		WHERE id = $1 AND version = $2
	`, o.ID, o.Version, string(o.Status), string(docs.history), o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update order %s: %w", o.ID, err)
	}
	return expectOneRow("order "+o.ID, res)
}

func enqueueOutbox(ctx context.Context, tx *sql.Tx, messages []domain.OutboxMessage) error {
	now := time.Now().UTC()
	for _, msg := range messages {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO outbox_messages (
				id, aggregate_type, aggregate_id, event_type, payload,
				status, attempt_count, available_at, created_at, updated_at
			) VALUES ($1,$2,$3,$4,$5::jsonb,'pending',0,$6,$6,$6)
		`,
			msg.ID, msg.AggregateType, msg.AggregateID, msg.EventType, string(msg.Payload), now,
		); err != nil {
			return fmt.Errorf("enqueue outbox message %s: %w", msg.ID, err)
		}
	}
	return nil
}
