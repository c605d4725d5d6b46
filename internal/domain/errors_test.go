package domain

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
)

func TestIsVersionConflict(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{
			name: "version conflict error",
			err:  ErrVersionConflict,
			want: true,
		},
		{
			name: "wrapped version conflict error",
			err:  errors.Join(ErrVersionConflict, errors.New("additional context")),
			want: true,
		},
		{
			name: "other error",
			err:  ErrNotFound,
			want: false,
		},
		{
			name: "nil error",
			err:  nil,
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := IsVersionConflict(tt.err)
			if got != tt.want {
				t.Errorf("IsVersionConflict() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsIdempotencyConflict(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{
			name: "idempotency already exists",
			err:  ErrIdempotencyKeyAlreadyExists,
			want: true,
		},
		{
			name: "idempotency hash mismatch",
			err:  ErrIdempotencyHashMismatch,
			want: true,
		},
		{
			name: "wrapped idempotency conflict",
			err:  errors.Join(ErrIdempotencyHashMismatch, errors.New("extra context")),
			want: true,
		},
		{
			name: "non idempotency error",
			err:  ErrVersionConflict,
			want: false,
		},
		{
			name: "nil error",
			err:  nil,
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := IsIdempotencyConflict(tt.err)
			if got != tt.want {
				t.Errorf("IsIdempotencyConflict() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestInsufficientStockError(t *testing.T) {
	var err error = &InsufficientStockError{
		ProductID: "pizza",
		Requested: 6,
		Available: 5,
		Shortages: []StockShortage{{
			Node:      IngredientRef("cheese"),
			Name:      "Cheese",
			Required:  decimal.NewFromInt(12),
			Available: decimal.NewFromInt(10),
		}},
	}
	wrapped := fmt.Errorf("create order: %w", err)

	if !errors.Is(wrapped, ErrInsufficientStock) {
		t.Fatalf("expected errors.Is to match ErrInsufficientStock")
	}
	details, ok := AsInsufficientStock(wrapped)
	if !ok {
		t.Fatalf("expected AsInsufficientStock to extract details")
	}
	if details.ProductID != "pizza" || len(details.Shortages) != 1 {
		t.Fatalf("unexpected details: %+v", details)
	}
	if msg := wrapped.Error(); !strings.Contains(msg, `"Cheese" needs 12, has 10`) {
		t.Fatalf("message does not describe shortage: %s", msg)
	}

	if _, ok := AsInsufficientStock(ErrInsufficientStock); ok {
		t.Fatalf("bare sentinel must not carry details")
	}
}

func TestNotFoundError(t *testing.T) {
	err := NotFoundError("product", "p-1")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err.Error() != "product p-1: not found" {
		t.Fatalf("unexpected message %q", err.Error())
	}
}
