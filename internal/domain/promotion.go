package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// PromotionType — вариант правила скидки.
type PromotionType string

const (
	PromotionPercentage PromotionType = "percentage"
	PromotionFixed      PromotionType = "fixed"
	PromotionBuyXGetY   PromotionType = "buy_x_get_y"
	PromotionBuyXPayY   PromotionType = "buy_x_pay_y"
)

// PromotionScope определяет, может ли акция конфликтовать с другими.
type PromotionScope string

const (
	// ScopeProductSpecific — скидка на товары категорий, конфликтует по общим товарам.
	ScopeProductSpecific PromotionScope = "PRODUCT_SPECIFIC"
	// ScopeOrderLevel — скидка на весь заказ, всегда суммируется.
	ScopeOrderLevel PromotionScope = "ORDER_LEVEL"
)

// TimeOfDay — время суток с точностью до минуты.
type TimeOfDay struct {
	Hour   int
	Minute int
}

// Minutes возвращает количество минут от полуночи.
func (t TimeOfDay) Minutes() int { return t.Hour*60 + t.Minute }

func (t TimeOfDay) String() string { return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute) }

// ParseTimeOfDay разбирает строку формата HH:MM.
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	parsed, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return TimeOfDay{}, fmt.Errorf("%w: time of day %q", ErrInvalidPromotionDefinition, s)
	}
	return TimeOfDay{Hour: parsed.Hour(), Minute: parsed.Minute()}, nil
}

// TimeRange — окно действия в течение дня; Start > End означает переход через полночь.
type TimeRange struct {
	Start TimeOfDay
	End   TimeOfDay
}

// Contains проверяет попадание времени суток в окно (границы включительно).
func (r TimeRange) Contains(t TimeOfDay) bool {
	m, start, end := t.Minutes(), r.Start.Minutes(), r.End.Minutes()
	if start <= end {
		return m >= start && m <= end
	}
	return m >= start || m <= end
}

// Promotion — правило скидки с временными ограничениями.
type Promotion struct {
	ID          string
	Name        string
	Description string
	Type        PromotionType
	Active      bool

	// StartDate/EndDate — даты (время отбрасывается), nil — без ограничения.
	StartDate       *time.Time
	EndDate         *time.Time
	ApplicableDays  []time.Weekday
	ApplicableHours []TimeRange

	// percentage, buy_x_pay_y
	Category   string
	Multiplier decimal.Decimal
	// fixed
	MinimumPurchase decimal.Decimal
	DiscountAmount  decimal.Decimal
	// buy_x_get_y
	RequiredCategory string
	FreeCategory     string
	FreeQuantity     int64
	// buy_x_get_y, buy_x_pay_y
	RequiredQuantity int64
	ChargedQuantity  int64

	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Scope возвращает область действия по варианту.
func (p *Promotion) Scope() PromotionScope {
	if p.Type == PromotionFixed {
		return ScopeOrderLevel
	}
	return ScopeProductSpecific
}

// Validate проверяет корректность определения акции.
func (p *Promotion) Validate() error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalidPromotionDefinition, fmt.Sprintf(format, args...))
	}

	if strings.TrimSpace(p.Name) == "" {
		return invalid("name is required")
	}
	if p.StartDate != nil && p.EndDate != nil && p.EndDate.Before(*p.StartDate) {
		return invalid("end date %s is before start date %s", p.EndDate.Format(time.DateOnly), p.StartDate.Format(time.DateOnly))
	}
	for _, r := range p.ApplicableHours {
		if r.Start == r.End {
			return invalid("time range %s-%s is empty", r.Start, r.End)
		}
		if r.Start.Hour < 0 || r.Start.Hour > 23 || r.End.Hour < 0 || r.End.Hour > 23 ||
			r.Start.Minute < 0 || r.Start.Minute > 59 || r.End.Minute < 0 || r.End.Minute > 59 {
			return invalid("time range %s-%s is out of bounds", r.Start, r.End)
		}
	}

	switch p.Type {
	case PromotionPercentage:
		if p.Category == "" {
			return invalid("category is required")
		}
		if p.Multiplier.IsNegative() || p.Multiplier.GreaterThan(decimal.NewFromInt(1)) {
			return invalid("multiplier %s must be within [0,1]", p.Multiplier)
		}
	case PromotionFixed:
		if p.MinimumPurchase.IsNegative() {
			return invalid("minimum purchase must be non-negative")
		}
		if !p.DiscountAmount.IsPositive() {
			return invalid("discount amount must be positive")
		}
	case PromotionBuyXGetY:
		if p.RequiredCategory == "" || p.FreeCategory == "" {
			return invalid("required and free categories are required")
		}
		if p.RequiredQuantity <= 0 || p.FreeQuantity <= 0 {
			return invalid("required and free quantities must be positive")
		}
	case PromotionBuyXPayY:
		if p.Category == "" {
			return invalid("category is required")
		}
		if p.RequiredQuantity <= 0 || p.ChargedQuantity <= 0 {
			return invalid("required and charged quantities must be positive")
		}
		if p.ChargedQuantity >= p.RequiredQuantity {
			return invalid("charged quantity %d must be less than required quantity %d", p.ChargedQuantity, p.RequiredQuantity)
		}
	default:
		return invalid("unknown type %q", p.Type)
	}
	return nil
}

// Clone возвращает копию с независимыми срезами и датами.
func (p Promotion) Clone() Promotion {
	if p.StartDate != nil {
		d := *p.StartDate
		p.StartDate = &d
	}
	if p.EndDate != nil {
		d := *p.EndDate
		p.EndDate = &d
	}
	if p.ApplicableDays != nil {
		p.ApplicableDays = append([]time.Weekday(nil), p.ApplicableDays...)
	}
	if p.ApplicableHours != nil {
		p.ApplicableHours = append([]TimeRange(nil), p.ApplicableHours...)
	}
	return p
}
