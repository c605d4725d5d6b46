package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/cafeteria/internal/domain"
)

const selectOrders = `
	SELECT id, number, user_id, status, lines, promotions, subtotal, discount_amount, total,
	       history, version, created_at, updated_at
	FROM orders`

// Строки JSONB-колонок заказа. Деньги хранятся строками.
type orderLineRow struct {
	ProductID string          `json:"product_id"`
	Name      string          `json:"name"`
	Category  string          `json:"category"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Quantity  int64           `json:"quantity"`
	Subtotal  decimal.Decimal `json:"subtotal"`
}

type appliedPromotionRow struct {
	PromotionID string          `json:"promotion_id"`
	Name        string          `json:"name"`
	Type        string          `json:"type"`
	Scope       string          `json:"scope"`
	Discount    decimal.Decimal `json:"discount"`
	StartDate   *time.Time      `json:"start_date,omitempty"`
	EndDate     *time.Time      `json:"end_date,omitempty"`
	Days        []int           `json:"applicable_days,omitempty"`
	Hours       []timeRangeRow  `json:"applicable_hours,omitempty"`
}

type statusChangeRow struct {
	From      string    `json:"from"`
	To        string    `json:"to"`
	Reason    string    `json:"reason,omitempty"`
	Actor     string    `json:"actor,omitempty"`
	ChangedAt time.Time `json:"changed_at"`
}

func (s *Store) GetOrder(ctx context.Context, id string) (domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	orders, err := queryOrders(ctx, s.db, selectOrders+` WHERE id = $1`, id)
	if err != nil {
		return domain.Order{}, err
	}
	if len(orders) == 0 {
		return domain.Order{}, fmt.Errorf("order %s: %w", id, domain.ErrNotFound)
	}
	return orders[0], nil
}

func (s *Store) ListOrdersByUser(ctx context.Context, userID string, limit int) ([]domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	return queryOrders(ctx, s.db,
		selectOrders+` WHERE user_id = $1 ORDER BY created_at DESC, number DESC LIMIT $2`,
		userID, limitOrAll(limit))
}

func (s *Store) ListOrdersByStatus(ctx context.Context, status domain.OrderStatus, limit int) ([]domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	return queryOrders(ctx, s.db,
		selectOrders+` WHERE status = $1 ORDER BY created_at, number LIMIT $2`,
		string(status), limitOrAll(limit))
}

// NextOrderNumber берёт значение из sequence; откат транзакции оставляет пропуск.
func (s *Store) NextOrderNumber(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var number int64
	if err := s.db.QueryRowContext(ctx, `SELECT nextval('order_numbers')`).Scan(&number); err != nil {
		return 0, fmt.Errorf("next order number: %w", err)
	}
	return number, nil
}

func limitOrAll(limit int) sql.NullInt64 {
	if limit <= 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(limit), Valid: true}
}

func queryOrders(ctx context.Context, q queryer, query string, args ...any) ([]domain.Order, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var result []domain.Order
	for rows.Next() {
		var (
			o                      domain.Order
			lines, promos, history []byte
		)
		if err := rows.Scan(
			&o.ID, &o.Number, &o.UserID, &o.Status, &lines, &promos,
			&o.Subtotal, &o.DiscountAmount, &o.Total, &history, &o.Version, &o.CreatedAt, &o.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		if err := decodeOrderDocuments(&o, lines, promos, history); err != nil {
			return nil, fmt.Errorf("order %s: %w", o.ID, err)
		}
		o.CreatedAt = o.CreatedAt.UTC()
		o.UpdatedAt = o.UpdatedAt.UTC()
		result = append(result, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate orders: %w", err)
	}
	return result, nil
}

func decodeOrderDocuments(o *domain.Order, lines, promos, history []byte) error {
	var lineRows []orderLineRow
	if err := json.Unmarshal(lines, &lineRows); err != nil {
		return fmt.Errorf("decode lines: %w", err)
	}
	o.Lines = make([]domain.OrderLine, len(lineRows))
	for i, l := range lineRows {
		o.Lines[i] = domain.OrderLine{
			ProductID: l.ProductID,
			Name:      l.Name,
			Category:  l.Category,
			UnitPrice: l.UnitPrice,
			Quantity:  l.Quantity,
			Subtotal:  l.Subtotal,
		}
	}

	var promoRows []appliedPromotionRow
	if err := json.Unmarshal(promos, &promoRows); err != nil {
		return fmt.Errorf("decode promotions: %w", err)
	}
	o.Promotions = make([]domain.AppliedPromotion, len(promoRows))
	for i, p := range promoRows {
		hours, err := timeRangesFromRows(p.Hours)
		if err != nil {
			return fmt.Errorf("decode promotion %s hours: %w", p.PromotionID, err)
		}
		o.Promotions[i] = domain.AppliedPromotion{
			PromotionID:     p.PromotionID,
			Name:            p.Name,
			Type:            domain.PromotionType(p.Type),
			Scope:           domain.PromotionScope(p.Scope),
			Discount:        p.Discount,
			StartDate:       p.StartDate,
			EndDate:         p.EndDate,
			ApplicableDays:  weekdaysFromValues(p.Days),
			ApplicableHours: hours,
		}
	}

	var historyRows []statusChangeRow
	if err := json.Unmarshal(history, &historyRows); err != nil {
		return fmt.Errorf("decode history: %w", err)
	}
	o.History = make([]domain.StatusChange, len(historyRows))
	for i, h := range historyRows {
		o.History[i] = domain.StatusChange{
			From:      domain.OrderStatus(h.From),
			To:        domain.OrderStatus(h.To),
			Reason:    h.Reason,
			Actor:     h.Actor,
			ChangedAt: h.ChangedAt.UTC(),
		}
	}
	return nil
}

type orderDocuments struct {
	lines, promotions, history []byte
}

func encodeOrderDocuments(o *domain.Order) (orderDocuments, error) {
	lineRows := make([]orderLineRow, len(o.Lines))
	for i, l := range o.Lines {
		lineRows[i] = orderLineRow{
			ProductID: l.ProductID,
			Name:      l.Name,
			Category:  l.Category,
			UnitPrice: l.UnitPrice,
			Quantity:  l.Quantity,
			Subtotal:  l.Subtotal,
		}
	}
	promoRows := make([]appliedPromotionRow, len(o.Promotions))
	for i, p := range o.Promotions {
		promoRows[i] = appliedPromotionRow{
			PromotionID: p.PromotionID,
			Name:        p.Name,
			Type:        string(p.Type),
			Scope:       string(p.Scope),
			Discount:    p.Discount,
			StartDate:   p.StartDate,
			EndDate:     p.EndDate,
		}
		if len(p.ApplicableDays) > 0 {
			promoRows[i].Days = weekdayValues(p.ApplicableDays)
		}
		if len(p.ApplicableHours) > 0 {
			promoRows[i].Hours = timeRangeRows(p.ApplicableHours)
		}
	}
	historyRows := make([]statusChangeRow, len(o.History))
	for i, h := range o.History {
		historyRows[i] = statusChangeRow{
			From:      string(h.From),
			To:        string(h.To),
			Reason:    h.Reason,
			Actor:     h.Actor,
			ChangedAt: h.ChangedAt,
		}
	}

	var (
		docs orderDocuments
		err  error
	)
	if docs.lines, err = json.Marshal(lineRows); err != nil {
		return docs, fmt.Errorf("encode lines: %w", err)
	}
	if docs.promotions, err = json.Marshal(promoRows); err != nil {
		return docs, fmt.Errorf("encode promotions: %w", err)
	}
	if docs.history, err = json.Marshal(historyRows); err != nil {
		return docs, fmt.Errorf("encode history: %w", err)
	}
	return docs, nil
}
