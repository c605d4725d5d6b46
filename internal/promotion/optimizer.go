package promotion

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/cafeteria/internal/domain"
)

// Applied — принятая оптимизатором акция и её скидка.
type Applied struct {
	Promotion domain.Promotion
	Discount  decimal.Decimal
}

// Result — итог подбора скидок для корзины.
type Result struct {
	Subtotal      decimal.Decimal
	Applied       []Applied
	TotalDiscount decimal.Decimal
	Total         decimal.Decimal
}

// Snapshots возвращает снимки применённых акций для заказа.
func (r Result) Snapshots() []domain.AppliedPromotion {
	result := make([]domain.AppliedPromotion, 0, len(r.Applied))
	for _, a := range r.Applied {
		p := a.Promotion.Clone()
		result = append(result, domain.AppliedPromotion{
			PromotionID:     p.ID,
			Name:            p.Name,
			Type:            p.Type,
			Scope:           p.Scope(),
			Discount:        a.Discount,
			StartDate:       p.StartDate,
			EndDate:         p.EndDate,
			ApplicableDays:  p.ApplicableDays,
			ApplicableHours: p.ApplicableHours,
		})
	}
	return result
}

type candidate struct {
	promotion *domain.Promotion
	affected  map[string]struct{}
	discount  decimal.Decimal
}

// Optimize жадно подбирает непересекающийся набор акций.
// PRODUCT_SPECIFIC сортируются по самостоятельной скидке (стабильно) и
// принимаются, только если ни один их продукт ещё не занят; скидка
// пересчитывается на корзине, суженной до их продуктов. ORDER_LEVEL
// суммируются всегда. Итоговая скидка не превышает сумму корзины.
// Ожидает уже отфильтрованные по времени акции.
func Optimize(promotions []domain.Promotion, cart Cart) Result {
	subtotal := cart.Subtotal()

	var productLevel, orderLevel []candidate
	for i := range promotions {
		p := &promotions[i]
		if !AppliesTo(p, cart) {
			continue
		}
		c := candidate{
			promotion: p,
			affected:  AffectedProducts(p, cart),
			discount:  CalculateDiscount(p, cart),
		}
		if p.Scope() == domain.ScopeOrderLevel {
			orderLevel = append(orderLevel, c)
		} else {
			productLevel = append(productLevel, c)
		}
	}

	sort.SliceStable(productLevel, func(i, j int) bool {
		return productLevel[i].discount.GreaterThan(productLevel[j].discount)
	})

	var applied []Applied
	claimed := make(map[string]struct{})
	for _, c := range productLevel {
		if intersects(c.affected, claimed) {
			continue
		}
		discount := CalculateDiscount(c.promotion, cart.Only(c.affected))
		if !discount.IsPositive() {
			continue
		}
		for id := range c.affected {
			claimed[id] = struct{}{}
		}
		applied = append(applied, Applied{Promotion: c.promotion.Clone(), Discount: discount})
	}

	for _, c := range orderLevel {
		if !c.discount.IsPositive() {
			continue
		}
		applied = append(applied, Applied{Promotion: c.promotion.Clone(), Discount: c.discount})
	}

	total := decimal.Zero
	for _, a := range applied {
		total = total.Add(a.Discount)
	}
	total = decimal.Min(total, subtotal)

	return Result{
		Subtotal:      subtotal,
		Applied:       applied,
		TotalDiscount: total,
		Total:         subtotal.Sub(total),
	}
}

func intersects(a, b map[string]struct{}) bool {
	for id := range a {
		if _, ok := b[id]; ok {
			return true
		}
	}
	return false
}
