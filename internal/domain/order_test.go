package domain_test

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/cafeteria/internal/domain"
)

// helper для создания базового заказа с одной позицией.
func makeOrder() domain.Order {
	now := time.Now().UTC()
	price := decimal.RequireFromString("2.50")
	return domain.Order{
		ID:     "order-1",
		Number: 1,
		UserID: "user-1",
		Status: domain.OrderStatusPending,
		Lines: []domain.OrderLine{
			{
				ProductID: "coffee",
				Name:      "Coffee",
				Category:  "DRINK",
				UnitPrice: price,
				Quantity:  4,
				Subtotal:  decimal.NewFromInt(10),
			},
		},
		Subtotal:       decimal.NewFromInt(10),
		DiscountAmount: decimal.NewFromInt(1),
		Total:          decimal.NewFromInt(9),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func TestOrderValidateInvariants_Ok(t *testing.T) {
	order := makeOrder()
	if errs := order.ValidateInvariants(); len(errs) != 0 {
		t.Fatalf("expected no validation errors, got %v", errs)
	}
}

func TestOrderValidateInvariants_Errors(t *testing.T) {
	cases := []struct {
		name string
		mut  func(o *domain.Order)
	}{
		{
			name: "no user",
			mut: func(o *domain.Order) {
				o.UserID = ""
			},
		},
		{
			name: "no lines",
			mut: func(o *domain.Order) {
				o.Lines = nil
			},
		},
		{
			name: "qty invalid",
			mut: func(o *domain.Order) {
				o.Lines[0].Quantity = 0
			},
		},
		{
			name: "subtotal mismatch",
			mut: func(o *domain.Order) {
				o.Subtotal = decimal.NewFromInt(11)
			},
		},
		{
			name: "discount exceeds subtotal",
			mut: func(o *domain.Order) {
				o.DiscountAmount = decimal.NewFromInt(12)
				o.Total = decimal.NewFromInt(-2)
			},
		},
		{
			name: "total mismatch",
			mut: func(o *domain.Order) {
				o.Total = decimal.NewFromInt(10)
			},
		},
		{
			name: "unknown status",
			mut: func(o *domain.Order) {
				o.Status = "lost"
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			order := makeOrder()
			tc.mut(&order)
			if errs := order.ValidateInvariants(); len(errs) == 0 {
				t.Fatalf("expected validation errors for %s", tc.name)
			}
		})
	}
}

func TestOrderStatusForwardChain(t *testing.T) {
	chain := []domain.OrderStatus{
		domain.OrderStatusPending,
		domain.OrderStatusConfirmed,
		domain.OrderStatusPreparing,
		domain.OrderStatusReady,
		domain.OrderStatusCompleted,
	}
	for i := 0; i < len(chain)-1; i++ {
		next, err := chain[i].Forward()
		if err != nil {
			t.Fatalf("forward from %s: %v", chain[i], err)
		}
		if next != chain[i+1] {
			t.Fatalf("forward from %s = %s, want %s", chain[i], next, chain[i+1])
		}
	}
}

func TestOrderStatusTransitions(t *testing.T) {
	type action func(domain.OrderStatus) (domain.OrderStatus, error)
	forward := func(s domain.OrderStatus) (domain.OrderStatus, error) { return s.Forward() }
	backward := func(s domain.OrderStatus) (domain.OrderStatus, error) { return s.Backward() }
	cancel := func(s domain.OrderStatus) (domain.OrderStatus, error) { return s.Cancel() }
	reject := func(s domain.OrderStatus) (domain.OrderStatus, error) { return s.Reject() }

	cases := []struct {
		name    string
		from    domain.OrderStatus
		act     action
		want    domain.OrderStatus
		illegal bool
	}{
		{name: "backward ready", from: domain.OrderStatusReady, act: backward, want: domain.OrderStatusPreparing},
		{name: "backward preparing", from: domain.OrderStatusPreparing, act: backward, want: domain.OrderStatusConfirmed},
		{name: "backward confirmed", from: domain.OrderStatusConfirmed, act: backward, illegal: true},
		{name: "backward pending", from: domain.OrderStatusPending, act: backward, illegal: true},
		{name: "backward completed", from: domain.OrderStatusCompleted, act: backward, illegal: true},
		{name: "cancel pending", from: domain.OrderStatusPending, act: cancel, want: domain.OrderStatusCancelled},
		{name: "cancel ready", from: domain.OrderStatusReady, act: cancel, want: domain.OrderStatusCancelled},
		{name: "reject preparing", from: domain.OrderStatusPreparing, act: reject, want: domain.OrderStatusRejected},
		{name: "forward completed", from: domain.OrderStatusCompleted, act: forward, illegal: true},
		{name: "forward cancelled", from: domain.OrderStatusCancelled, act: forward, illegal: true},
		{name: "cancel rejected", from: domain.OrderStatusRejected, act: cancel, illegal: true},
		{name: "reject completed", from: domain.OrderStatusCompleted, act: reject, illegal: true},
		{name: "cancel cancelled", from: domain.OrderStatusCancelled, act: cancel, illegal: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := tc.act(tc.from)
			if tc.illegal {
				if !errors.Is(err, domain.ErrIllegalTransition) {
					t.Fatalf("expected ErrIllegalTransition, got %v", err)
				}
				if got != tc.from {
					t.Fatalf("status must stay %s on failure, got %s", tc.from, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("got %s, want %s", got, tc.want)
			}
		})
	}
}

func TestOrderTransitionAppendsHistory(t *testing.T) {
	order := makeOrder()
	at := order.CreatedAt.Add(time.Minute)

	order.Transition(domain.OrderStatusConfirmed, "", "staff-1", at)
	order.Transition(domain.OrderStatusCancelled, "customer left", "staff-1", at.Add(time.Minute))

	if order.Status != domain.OrderStatusCancelled {
		t.Fatalf("status = %s, want cancelled", order.Status)
	}
	if len(order.History) != 2 {
		t.Fatalf("expected 2 history entries, got %d", len(order.History))
	}
	last := order.History[1]
	if last.From != domain.OrderStatusConfirmed || last.To != domain.OrderStatusCancelled || last.Reason != "customer left" {
		t.Fatalf("unexpected history entry %+v", last)
	}
	if !order.UpdatedAt.Equal(at.Add(time.Minute)) {
		t.Fatalf("updated_at not advanced")
	}
}

func TestOrderCloneIsIndependent(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	order := makeOrder()
	order.Promotions = []domain.AppliedPromotion{{
		PromotionID:     "promo",
		StartDate:       &start,
		ApplicableDays:  []time.Weekday{time.Friday},
		ApplicableHours: []domain.TimeRange{{Start: domain.TimeOfDay{Hour: 11}, End: domain.TimeOfDay{Hour: 14}}},
	}}

	clone := order.Clone()
	clone.Lines[0].Quantity = 99
	*clone.Promotions[0].StartDate = start.AddDate(1, 0, 0)
	clone.Promotions[0].ApplicableDays[0] = time.Sunday
	clone.Promotions[0].ApplicableHours[0].End = domain.TimeOfDay{Hour: 23}

	if order.Lines[0].Quantity != 4 {
		t.Fatalf("clone shares lines with original")
	}
	if !order.Promotions[0].StartDate.Equal(start) {
		t.Fatalf("clone shares promotion dates with original")
	}
	if order.Promotions[0].ApplicableDays[0] != time.Friday || order.Promotions[0].ApplicableHours[0].End.Hour != 14 {
		t.Fatalf("clone shares promotion windows with original")
	}
}
