package catalog

import (
	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/cafeteria/internal/domain"
)

// NodeStock — то, что расчёту нужно знать о компоненте.
type NodeStock struct {
	Stock     decimal.Decimal
	Available bool
}

// Lookup находит текущий остаток узла.
type Lookup func(ref domain.NodeRef) (NodeStock, bool)

// DerivedStock считает остаток продукта по составу.
// Для простого продукта возвращает хранимый остаток. Для составного:
// 0, если состав пуст или хоть один компонент недоступен, иначе
// min по компонентам floor(stock / requiredQty) с точным десятичным делением.
func DerivedStock(p *domain.Product, lookup Lookup) int64 {
	if !p.Kind.Composite() {
		return p.Stock
	}
	if len(p.Components) == 0 {
		return 0
	}

	var (
		result int64
		first  = true
	)
	for _, c := range p.Components {
		node, ok := lookup(c.Node)
		if !ok || !node.Available || !c.Quantity.IsPositive() {
			return 0
		}
		portions := floorDiv(node.Stock, c.Quantity)
		if first || portions < result {
			result = portions
			first = false
		}
	}
	return result
}

// floorDiv делит без потери точности; для неотрицательных значений усечение равно floor.
func floorDiv(stock, qty decimal.Decimal) int64 {
	if stock.IsNegative() {
		return 0
	}
	q, _ := stock.QuoRem(qty, 0)
	return q.IntPart()
}

func stockString(stock *decimal.Decimal) string {
	if stock == nil {
		return "unset"
	}
	return stock.String()
}
