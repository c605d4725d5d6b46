package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus описывает жизненный цикл заказа в кафетерии.
type OrderStatus string

const (
	// OrderStatusPending — заказ создан, остатки списаны, ждёт подтверждения.
	OrderStatusPending OrderStatus = "pending"
	// OrderStatusConfirmed — заказ принят персоналом.
	OrderStatusConfirmed OrderStatus = "confirmed"
	// OrderStatusPreparing — заказ готовится.
	OrderStatusPreparing OrderStatus = "preparing"
	// OrderStatusReady — заказ готов к выдаче.
	OrderStatusReady OrderStatus = "ready"
	// OrderStatusCompleted — заказ выдан.
	OrderStatusCompleted OrderStatus = "completed"
	// OrderStatusCancelled — заказ отменён, остатки возвращены.
	OrderStatusCancelled OrderStatus = "cancelled"
	// OrderStatusRejected — заказ отклонён персоналом, остатки возвращены.
	OrderStatusRejected OrderStatus = "rejected"
)

// Valid проверяет, что статус относится к поддерживаемым значениям.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusConfirmed, OrderStatusPreparing, OrderStatusReady,
		OrderStatusCompleted, OrderStatusCancelled, OrderStatusRejected:
		return true
	default:
		return false
	}
}

// Terminal сообщает, что из статуса нет исходящих переходов.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusCompleted || s == OrderStatusCancelled || s == OrderStatusRejected
}

// Forward возвращает следующий статус цепочки pending → … → completed.
func (s OrderStatus) Forward() (OrderStatus, error) {
	switch s {
	case OrderStatusPending:
		return OrderStatusConfirmed, nil
	case OrderStatusConfirmed:
		return OrderStatusPreparing, nil
	case OrderStatusPreparing:
		return OrderStatusReady, nil
	case OrderStatusReady:
		return OrderStatusCompleted, nil
	default:
		return s, illegalTransition(s, "move forward")
	}
}

// Backward возвращает предыдущий статус; ниже confirmed откатиться нельзя.
func (s OrderStatus) Backward() (OrderStatus, error) {
	switch s {
	case OrderStatusReady:
		return OrderStatusPreparing, nil
	case OrderStatusPreparing:
		return OrderStatusConfirmed, nil
	default:
		return s, illegalTransition(s, "move backward")
	}
}

// Cancel переводит незавершённый заказ в cancelled.
func (s OrderStatus) Cancel() (OrderStatus, error) {
	if s.Terminal() || !s.Valid() {
		return s, illegalTransition(s, "cancel")
	}
	return OrderStatusCancelled, nil
}

// Reject переводит незавершённый заказ в rejected.
func (s OrderStatus) Reject() (OrderStatus, error) {
	if s.Terminal() || !s.Valid() {
		return s, illegalTransition(s, "reject")
	}
	return OrderStatusRejected, nil
}

func illegalTransition(from OrderStatus, action string) error {
	return fmt.Errorf("%w: cannot %s from %s", ErrIllegalTransition, action, from)
}

// OrderLine — неизменяемый снимок позиции на момент заказа.
type OrderLine struct {
	ProductID string
	Name      string
	Category  string
	UnitPrice decimal.Decimal
	Quantity  int64
	Subtotal  decimal.Decimal
}

// AppliedPromotion — снимок применённой акции, копируется по значению.
type AppliedPromotion struct {
	PromotionID string
	Name        string
	Type        PromotionType
	Scope       PromotionScope
	Discount    decimal.Decimal
	StartDate   *time.Time
	EndDate     *time.Time

	ApplicableDays  []time.Weekday
	ApplicableHours []TimeRange
}

// StatusChange — запись истории смены статусов.
type StatusChange struct {
	From      OrderStatus
	To        OrderStatus
	Reason    string
	Actor     string
	ChangedAt time.Time
}

// Order агрегирует состояние заказа, его позиции и применённые скидки.
type Order struct {
	ID             string
	Number         int64
	UserID         string
	Status         OrderStatus
	Lines          []OrderLine
	Promotions     []AppliedPromotion
	Subtotal       decimal.Decimal
	DiscountAmount decimal.Decimal
	Total          decimal.Decimal
	History        []StatusChange
	Version        int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Transition применяет новый статус и дописывает историю.
func (o *Order) Transition(to OrderStatus, reason, actor string, at time.Time) {
	o.History = append(o.History, StatusChange{
		From:      o.Status,
		To:        to,
		Reason:    reason,
		Actor:     actor,
		ChangedAt: at,
	})
	o.Status = to
	o.UpdatedAt = at
}

// ValidateInvariants проверяет базовые инварианты заказа и возвращает список замечаний.
func (o *Order) ValidateInvariants() []error {
	var errs []error

	if o.UserID == "" {
		errs = append(errs, fmt.Errorf("%w: user_id is required", ErrInvalidArgument))
	}
	if len(o.Lines) == 0 {
		errs = append(errs, fmt.Errorf("%w: order must contain at least one line", ErrInvalidArgument))
	}
	if !o.Status.Valid() {
		errs = append(errs, fmt.Errorf("%w: unknown status %q", ErrInvalidArgument, o.Status))
	}

	calc := decimal.Zero
	for _, line := range o.Lines {
		if line.Quantity <= 0 {
			errs = append(errs, fmt.Errorf("%w: line %s quantity must be positive", ErrInvalidArgument, line.ProductID))
		}
		if line.UnitPrice.IsNegative() {
			errs = append(errs, fmt.Errorf("%w: line %s price must be non-negative", ErrInvalidArgument, line.ProductID))
		}
		if !line.Subtotal.Equal(line.UnitPrice.Mul(decimal.NewFromInt(line.Quantity))) {
			errs = append(errs, fmt.Errorf("%w: line %s subtotal mismatch", ErrInvalidArgument, line.ProductID))
		}
		calc = calc.Add(line.Subtotal)
	}
	if !calc.Equal(o.Subtotal) {
		errs = append(errs, fmt.Errorf("%w: subtotal does not match lines sum", ErrInvalidArgument))
	}
	if o.DiscountAmount.IsNegative() || o.DiscountAmount.GreaterThan(o.Subtotal) {
		errs = append(errs, fmt.Errorf("%w: discount must be within [0, subtotal]", ErrInvalidArgument))
	}
	if !o.Total.Equal(o.Subtotal.Sub(o.DiscountAmount)) {
		errs = append(errs, fmt.Errorf("%w: total must equal subtotal minus discount", ErrInvalidArgument))
	}

	return errs
}

// Clone возвращает копию с независимыми срезами.
func (o Order) Clone() Order {
	o.Lines = append([]OrderLine(nil), o.Lines...)
	o.History = append([]StatusChange(nil), o.History...)
	promotions := make([]AppliedPromotion, len(o.Promotions))
	for i, p := range o.Promotions {
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
		promotions[i] = p
	}
	o.Promotions = promotions
	return o
}
