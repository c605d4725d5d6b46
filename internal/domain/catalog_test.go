package domain

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestIngredientAvailability(t *testing.T) {
	ten := decimal.NewFromInt(10)
	zero := decimal.Zero
	cases := []struct {
		name   string
		stock  *decimal.Decimal
		active bool
		want   bool
	}{
		{name: "stocked and active", stock: &ten, active: true, want: true},
		{name: "unset stock", stock: nil, active: true, want: false},
		{name: "zero stock", stock: &zero, active: true, want: false},
		{name: "inactive", stock: &ten, active: false, want: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ing := Ingredient{Stock: tc.stock, Active: tc.active}
			ing.RefreshAvailability()
			if ing.Available != tc.want {
				t.Fatalf("available = %v, want %v", ing.Available, tc.want)
			}
		})
	}
}

func TestProductCloneIsIndependent(t *testing.T) {
	p := Product{ID: "pizza", Kind: ProductElaborate, Components: []Component{{Node: IngredientRef("cheese"), Quantity: decimal.NewFromInt(2)}}}
	c := p.Clone()
	c.Components[0].Quantity = decimal.NewFromInt(3)
	if !p.Components[0].Quantity.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("clone shares components with original")
	}
	if p.ComponentIndex(IngredientRef("cheese")) != 0 || p.ComponentIndex(IngredientRef("ham")) != -1 {
		t.Fatalf("unexpected component index")
	}
}

func TestProductKind(t *testing.T) {
	if ProductSimple.Composite() || !ProductElaborate.Composite() || !ProductCombo.Composite() {
		t.Fatalf("unexpected composite flags")
	}
	if ProductElaborate.ComponentKind() != NodeIngredient || ProductCombo.ComponentKind() != NodeProduct {
		t.Fatalf("unexpected component kinds")
	}
	if ProductKind("bundle").Valid() {
		t.Fatalf("unknown kind must be invalid")
	}
}
