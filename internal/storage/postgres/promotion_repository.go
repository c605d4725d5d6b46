package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/cafeteria/internal/domain"
)

const selectPromotions = `
	SELECT id, name, description, type, active, start_date, end_date, applicable_days, applicable_hours,
	       category, multiplier, minimum_purchase, discount_amount, required_category, free_category,
	       required_quantity, free_quantity, charged_quantity, version, created_at, updated_at
	FROM promotions`

type timeRangeRow struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

func (s *Store) GetPromotion(ctx context.Context, id string) (domain.Promotion, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	items, err := queryPromotions(ctx, s.db, selectPromotions+` WHERE id = $1`, id)
	if err != nil {
		return domain.Promotion{}, err
	}
	if len(items) == 0 {
		return domain.Promotion{}, fmt.Errorf("promotion %s: %w", id, domain.ErrNotFound)
	}
	return items[0], nil
}

func (s *Store) ListPromotions(ctx context.Context) ([]domain.Promotion, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	return queryPromotions(ctx, s.db, selectPromotions+` ORDER BY created_at, id`)
}

func queryPromotions(ctx context.Context, q queryer, query string, args ...any) ([]domain.Promotion, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query promotions: %w", err)
	}
	defer rows.Close()

	var result []domain.Promotion
	for rows.Next() {
		var (
			p          domain.Promotion
			start, end sql.NullTime
			days       []byte
			hours      []byte
		)
		if err := rows.Scan(
			&p.ID, &p.Name, &p.Description, &p.Type, &p.Active, &start, &end, &days, &hours,
			&p.Category, &p.Multiplier, &p.MinimumPurchase, &p.DiscountAmount, &p.RequiredCategory, &p.FreeCategory,
			&p.RequiredQuantity, &p.FreeQuantity, &p.ChargedQuantity, &p.Version, &p.CreatedAt, &p.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan promotion: %w", err)
		}
		p.StartDate = timePtr(start)
		p.EndDate = timePtr(end)
		if p.ApplicableDays, err = decodeWeekdays(days); err != nil {
			return nil, fmt.Errorf("promotion %s: %w", p.ID, err)
		}
		if p.ApplicableHours, err = decodeTimeRanges(hours); err != nil {
			return nil, fmt.Errorf("promotion %s: %w", p.ID, err)
		}
		p.CreatedAt = p.CreatedAt.UTC()
		p.UpdatedAt = p.UpdatedAt.UTC()
		result = append(result, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate promotions: %w", err)
	}
	return result, nil
}

func encodeWeekdays(days []time.Weekday) ([]byte, error) {
	return json.Marshal(weekdayValues(days))
}

func decodeWeekdays(raw []byte) ([]time.Weekday, error) {
	var values []int
	if err := json.Unmarshal(raw, &values); err != nil {
		return nil, fmt.Errorf("decode applicable days: %w", err)
	}
	return weekdaysFromValues(values), nil
}

func weekdayValues(days []time.Weekday) []int {
	values := make([]int, len(days))
	for i, d := range days {
		values[i] = int(d)
	}
	return values
}

func weekdaysFromValues(values []int) []time.Weekday {
	if len(values) == 0 {
		return nil
	}
	days := make([]time.Weekday, len(values))
	for i, v := range values {
		days[i] = time.Weekday(v)
	}
	return days
}

func encodeTimeRanges(ranges []domain.TimeRange) ([]byte, error) {
	return json.Marshal(timeRangeRows(ranges))
}

func decodeTimeRanges(raw []byte) ([]domain.TimeRange, error) {
	var rows []timeRangeRow
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("decode applicable hours: %w", err)
	}
	return timeRangesFromRows(rows)
}

func timeRangeRows(ranges []domain.TimeRange) []timeRangeRow {
	rows := make([]timeRangeRow, len(ranges))
	for i, r := range ranges {
		rows[i] = timeRangeRow{Start: r.Start.String(), End: r.End.String()}
	}
	return rows
}

func timeRangesFromRows(rows []timeRangeRow) ([]domain.TimeRange, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	ranges := make([]domain.TimeRange, len(rows))
	for i, row := range rows {
		start, err := domain.ParseTimeOfDay(row.Start)
		if err != nil {
			return nil, err
		}
		end, err := domain.ParseTimeOfDay(row.End)
		if err != nil {
			return nil, err
		}
		ranges[i] = domain.TimeRange{Start: start, End: end}
	}
	return ranges, nil
}
