package catalog

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/cafeteria/internal/domain"
)

// ConsumeStock списывает units единиц продукта: простой продукт уменьшается напрямую,
// составной раскладывается до листьев (ингредиенты и простые продукты).
// Потребность по общим листьям суммируется, поэтому совместное исчерпание
// ловится до любой мутации: при ошибке граф не меняется.
func (g *Graph) ConsumeStock(productID string, units int64) error {
	if units <= 0 {
		return fmt.Errorf("%w: units must be positive, got %d", domain.ErrInvalidArgument, units)
	}
	p, ok := g.products[productID]
	if !ok {
		return domain.NotFoundError("product", productID)
	}

	available := p.Stock
	if !p.Available {
		available = 0
	}
	if available < units {
		return &domain.InsufficientStockError{
			ProductID: productID,
			Requested: units,
			Available: available,
			Shortages: g.Shortages(productID, units),
		}
	}

	demand, err := g.leafDemand(p.Ref(), decimal.NewFromInt(units))
	if err != nil {
		return err
	}
	if shortages := g.leafShortages(demand); len(shortages) > 0 {
		return &domain.InsufficientStockError{
			ProductID: productID,
			Requested: units,
			Available: available,
			Shortages: shortages,
		}
	}

	for _, ref := range sortedRefs(demand) {
		g.adjustLeaf(ref, demand[ref].Neg())
	}
	return nil
}

// RestoreStock возвращает units единиц продукта по текущему составу.
// Незаданный остаток ингредиента становится равным возвращаемому количеству.
func (g *Graph) RestoreStock(productID string, units int64) error {
	if units <= 0 {
		return fmt.Errorf("%w: units must be positive, got %d", domain.ErrInvalidArgument, units)
	}
	p, ok := g.products[productID]
	if !ok {
		return domain.NotFoundError("product", productID)
	}
	demand, err := g.leafDemand(p.Ref(), decimal.NewFromInt(units))
	if err != nil {
		return err
	}
	for _, ref := range sortedRefs(demand) {
		g.adjustLeaf(ref, demand[ref])
	}
	if p.Kind.Composite() {
		// Неактивный составной продукт не подписан на компоненты.
		g.recompute(p)
	}
	return nil
}

// Shortages перечисляет узлы, из-за которых нельзя выдать units единиц продукта:
// компонент в дефиците, если он недоступен или его остаток меньше requiredQty × units.
// Для составного компонента спуск идёт глубже; если дефицитных листьев нет,
// в список попадает сам составной компонент.
func (g *Graph) Shortages(productID string, units int64) []domain.StockShortage {
	p, ok := g.products[productID]
	if !ok {
		return nil
	}
	return g.shortages(p, decimal.NewFromInt(units))
}

func (g *Graph) shortages(p *domain.Product, need decimal.Decimal) []domain.StockShortage {
	self := domain.StockShortage{
		Node:      p.Ref(),
		Name:      p.Name,
		Required:  need,
		Available: decimal.NewFromInt(p.Stock),
	}
	if !p.Kind.Composite() {
		return []domain.StockShortage{self}
	}

	var result []domain.StockShortage
	for _, c := range p.Components {
		required := c.Quantity.Mul(need)
		switch c.Node.Kind {
		case domain.NodeIngredient:
			ing, ok := g.ingredients[c.Node.ID]
			if !ok {
				continue
			}
			if ing.Available && ing.StockOrZero().GreaterThanOrEqual(required) {
				continue
			}
			result = append(result, domain.StockShortage{
				Node:      c.Node,
				Name:      ing.Name,
				Required:  required,
				Available: ing.StockOrZero(),
			})
		case domain.NodeProduct:
			child, ok := g.products[c.Node.ID]
			if !ok {
				continue
			}
			if child.Available && decimal.NewFromInt(child.Stock).GreaterThanOrEqual(required) {
				continue
			}
			result = append(result, g.shortages(child, required)...)
		}
	}
	if len(result) == 0 {
		return []domain.StockShortage{self}
	}
	return result
}

// leafDemand раскладывает потребность узла на листья, суммируя повторы.
func (g *Graph) leafDemand(ref domain.NodeRef, amount decimal.Decimal) (map[domain.NodeRef]decimal.Decimal, error) {
	demand := make(map[domain.NodeRef]decimal.Decimal)
	var walk func(ref domain.NodeRef, amount decimal.Decimal, depth int) error
	walk = func(ref domain.NodeRef, amount decimal.Decimal, depth int) error {
		if depth > len(g.products) {
			return fmt.Errorf("%w: composition of %s is cyclic", domain.ErrInvalidArgument, ref)
		}
		switch ref.Kind {
		case domain.NodeIngredient:
			if _, ok := g.ingredients[ref.ID]; !ok {
				return domain.NotFoundError("ingredient", ref.ID)
			}
		case domain.NodeProduct:
			p, ok := g.products[ref.ID]
			if !ok {
				return domain.NotFoundError("product", ref.ID)
			}
			if p.Kind.Composite() {
				for _, c := range p.Components {
					if err := walk(c.Node, c.Quantity.Mul(amount), depth+1); err != nil {
						return err
					}
				}
				return nil
			}
		default:
			return fmt.Errorf("%w: unknown node kind %q", domain.ErrInvalidArgument, ref.Kind)
		}
		demand[ref] = demand[ref].Add(amount)
		return nil
	}
	if err := walk(ref, amount, 0); err != nil {
		return nil, err
	}
	return demand, nil
}

func (g *Graph) leafShortages(demand map[domain.NodeRef]decimal.Decimal) []domain.StockShortage {
	var result []domain.StockShortage
	for _, ref := range sortedRefs(demand) {
		need := demand[ref]
		var (
			name      string
			stock     decimal.Decimal
			available bool
		)
		if ref.Kind == domain.NodeIngredient {
			ing := g.ingredients[ref.ID]
			name, stock, available = ing.Name, ing.StockOrZero(), ing.Available
		} else {
			p := g.products[ref.ID]
			name, stock, available = p.Name, decimal.NewFromInt(p.Stock), p.Available
		}
		if available && stock.GreaterThanOrEqual(need) {
			continue
		}
		result = append(result, domain.StockShortage{Node: ref, Name: name, Required: need, Available: stock})
	}
	return result
}

// adjustLeaf прибавляет delta к остатку листа и распространяет изменение.
func (g *Graph) adjustLeaf(ref domain.NodeRef, delta decimal.Decimal) {
	if ref.Kind == domain.NodeIngredient {
		ing := g.ingredients[ref.ID]
		stock := ing.StockOrZero().Add(delta)
		ing.Stock = &stock
		ing.RefreshAvailability()
		g.touchIngredient(ref.ID)
	} else {
		p := g.products[ref.ID]
		p.Stock += delta.IntPart()
		p.RefreshAvailability()
		g.touchProduct(ref.ID)
	}
	g.NotifyStockChange(ref)
}

func sortedRefs(m map[domain.NodeRef]decimal.Decimal) []domain.NodeRef {
	refs := make([]domain.NodeRef, 0, len(m))
	for ref := range m {
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].String() < refs[j].String() })
	return refs
}
