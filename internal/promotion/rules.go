package promotion

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/cafeteria/internal/domain"
)

// Cart — упорядоченный список позиций корзины; UnitPrice и Category берутся из снимка продукта.
type Cart []domain.OrderLine

// Subtotal — сумма price × qty по всем позициям.
func (c Cart) Subtotal() decimal.Decimal {
	total := decimal.Zero
	for _, line := range c {
		total = total.Add(lineTotal(line))
	}
	return total
}

// Only возвращает позиции, чьи продукты входят в набор.
func (c Cart) Only(products map[string]struct{}) Cart {
	result := make(Cart, 0, len(c))
	for _, line := range c {
		if _, ok := products[line.ProductID]; ok {
			result = append(result, line)
		}
	}
	return result
}

func (c Cart) units(category string) int64 {
	var n int64
	for _, line := range c {
		if line.Category == category {
			n += line.Quantity
		}
	}
	return n
}

// AppliesTo проверяет, срабатывает ли акция на корзине.
func AppliesTo(p *domain.Promotion, cart Cart) bool {
	switch p.Type {
	case domain.PromotionPercentage:
		return cart.units(p.Category) > 0
	case domain.PromotionFixed:
		return len(cart) > 0 && cart.Subtotal().GreaterThanOrEqual(p.MinimumPurchase)
	case domain.PromotionBuyXGetY:
		return p.RequiredQuantity > 0 && cart.units(p.RequiredCategory) >= p.RequiredQuantity
	case domain.PromotionBuyXPayY:
		return p.RequiredQuantity > 0 && cart.units(p.Category) >= p.RequiredQuantity
	default:
		return false
	}
}

// CalculateDiscount считает скидку акции на корзине, округлённую до копеек.
// Если акция не срабатывает, скидка нулевая.
func CalculateDiscount(p *domain.Promotion, cart Cart) decimal.Decimal {
	if !AppliesTo(p, cart) {
		return decimal.Zero
	}

	var discount decimal.Decimal
	switch p.Type {
	case domain.PromotionPercentage:
		matching := decimal.Zero
		for _, line := range cart {
			if line.Category == p.Category {
				matching = matching.Add(lineTotal(line))
			}
		}
		discount = matching.Mul(decimal.NewFromInt(1).Sub(p.Multiplier))
	case domain.PromotionFixed:
		discount = decimal.Min(p.DiscountAmount, cart.Subtotal())
	case domain.PromotionBuyXGetY:
		times := cart.units(p.RequiredCategory) / p.RequiredQuantity
		discount = cheapestUnits(cart, p.FreeCategory, times*p.FreeQuantity)
	case domain.PromotionBuyXPayY:
		total := cart.units(p.Category)
		free := (total / p.RequiredQuantity) * (p.RequiredQuantity - p.ChargedQuantity)
		discount = cheapestUnits(cart, p.Category, free)
	}
	return roundMoney(discount)
}

// AffectedProducts возвращает продукты корзины, на которые может повлиять акция.
func AffectedProducts(p *domain.Promotion, cart Cart) map[string]struct{} {
	set := make(map[string]struct{})
	for _, line := range cart {
		affected := false
		switch p.Type {
		case domain.PromotionPercentage, domain.PromotionBuyXPayY:
			affected = line.Category == p.Category
		case domain.PromotionBuyXGetY:
			affected = line.Category == p.RequiredCategory || line.Category == p.FreeCategory
		case domain.PromotionFixed:
			affected = true
		}
		if affected {
			set[line.ProductID] = struct{}{}
		}
	}
	return set
}

// cheapestUnits суммирует цену n самых дешёвых единиц категории (меньше, если столько нет).
func cheapestUnits(cart Cart, category string, n int64) decimal.Decimal {
	if n <= 0 {
		return decimal.Zero
	}
	lines := make([]domain.OrderLine, 0, len(cart))
	for _, line := range cart {
		if line.Category == category && line.Quantity > 0 {
			lines = append(lines, line)
		}
	}
	sort.SliceStable(lines, func(i, j int) bool { return lines[i].UnitPrice.LessThan(lines[j].UnitPrice) })

	sum := decimal.Zero
	for _, line := range lines {
		if n == 0 {
			break
		}
		take := line.Quantity
		if take > n {
			take = n
		}
		sum = sum.Add(line.UnitPrice.Mul(decimal.NewFromInt(take)))
		n -= take
	}
	return sum
}

func lineTotal(line domain.OrderLine) decimal.Decimal {
	return line.UnitPrice.Mul(decimal.NewFromInt(line.Quantity))
}

func roundMoney(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}
