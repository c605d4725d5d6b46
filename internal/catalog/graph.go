package catalog

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/cafeteria/internal/domain"
)

// Graph — приватная копия каталога: арена узлов плюс индекс рёбер-наблюдателей.
// Все мутации пересчитывают производные остатки транзитивно и запоминают
// затронутые узлы и рёбра, чтобы вызывающий зафиксировал их одним UnitOfWork.
// Graph не потокобезопасен: каждая операция строит свой экземпляр.
type Graph struct {
	now time.Time

	ingredients map[string]*domain.Ingredient
	products    map[string]*domain.Product
	observers   map[domain.NodeRef]map[string]struct{}

	// исходные значения для журнала аудита
	baseIngredients map[string]domain.Ingredient
	baseProducts    map[string]domain.Product

	newIngredients   map[string]struct{}
	newProducts      map[string]struct{}
	dirtyIngredients map[string]struct{}
	dirtyProducts    map[string]struct{}
	addedEdges       map[domain.Edge]struct{}
	removedEdges     map[domain.Edge]struct{}
	// узлы, чьё состояние или набор наблюдателей прочитан без записи самого узла
	guarded map[domain.NodeRef]struct{}

	recomputations int
}

// NewGraph строит граф из снимка; now проставляется в UpdatedAt изменённых узлов.
func NewGraph(state domain.CatalogState, now time.Time) *Graph {
	g := &Graph{
		now:              now,
		ingredients:      make(map[string]*domain.Ingredient, len(state.Ingredients)),
		products:         make(map[string]*domain.Product, len(state.Products)),
		observers:        make(map[domain.NodeRef]map[string]struct{}),
		baseIngredients:  make(map[string]domain.Ingredient, len(state.Ingredients)),
		baseProducts:     make(map[string]domain.Product, len(state.Products)),
		newIngredients:   make(map[string]struct{}),
		newProducts:      make(map[string]struct{}),
		dirtyIngredients: make(map[string]struct{}),
		dirtyProducts:    make(map[string]struct{}),
		addedEdges:       make(map[domain.Edge]struct{}),
		removedEdges:     make(map[domain.Edge]struct{}),
		guarded:          make(map[domain.NodeRef]struct{}),
	}
	for _, ing := range state.Ingredients {
		c := ing.Clone()
		g.ingredients[c.ID] = &c
		g.baseIngredients[c.ID] = ing.Clone()
	}
	for _, p := range state.Products {
		c := p.Clone()
		g.products[c.ID] = &c
		g.baseProducts[c.ID] = p.Clone()
	}
	for _, e := range state.Edges {
		g.link(e)
	}
	return g
}

// Ingredient возвращает копию ингредиента.
func (g *Graph) Ingredient(id string) (domain.Ingredient, error) {
	ing, ok := g.ingredients[id]
	if !ok {
		return domain.Ingredient{}, domain.NotFoundError("ingredient", id)
	}
	return ing.Clone(), nil
}

// Product возвращает копию продукта.
func (g *Graph) Product(id string) (domain.Product, error) {
	p, ok := g.products[id]
	if !ok {
		return domain.Product{}, domain.NotFoundError("product", id)
	}
	return p.Clone(), nil
}

// Observers возвращает отсортированные id продуктов, подписанных на узел.
func (g *Graph) Observers(source domain.NodeRef) []string {
	set := g.observers[source]
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Recomputations — сколько раз пересчитывался производный остаток.
func (g *Graph) Recomputations() int { return g.recomputations }

// AddIngredient регистрирует новый ингредиент.
func (g *Graph) AddIngredient(ing domain.Ingredient) error {
	if _, exists := g.ingredients[ing.ID]; exists {
		return fmt.Errorf("ingredient %s: %w", ing.ID, domain.ErrAlreadyExists)
	}
	if err := g.checkIngredientName(ing.Name, ""); err != nil {
		return err
	}
	c := ing.Clone()
	c.RefreshAvailability()
	g.ingredients[c.ID] = &c
	g.newIngredients[c.ID] = struct{}{}
	return nil
}

// AddProduct регистрирует новый продукт; состав добавляется через AddComponent.
func (g *Graph) AddProduct(p domain.Product) error {
	if _, exists := g.products[p.ID]; exists {
		return fmt.Errorf("product %s: %w", p.ID, domain.ErrAlreadyExists)
	}
	if err := g.checkProductName(p.Name, ""); err != nil {
		return err
	}
	c := p.Clone()
	c.Components = nil
	if c.Kind.Composite() {
		c.Stock = 0
	}
	c.RefreshAvailability()
	g.products[c.ID] = &c
	g.newProducts[c.ID] = struct{}{}
	return nil
}

// RenameIngredient меняет имя, сохраняя уникальность.
func (g *Graph) RenameIngredient(id, name string) error {
	ing, ok := g.ingredients[id]
	if !ok {
		return domain.NotFoundError("ingredient", id)
	}
	if err := g.checkIngredientName(name, id); err != nil {
		return err
	}
	ing.Name = name
	g.touchIngredient(id)
	return nil
}

// RenameProduct меняет имя, сохраняя уникальность.
func (g *Graph) RenameProduct(id, name string) error {
	p, ok := g.products[id]
	if !ok {
		return domain.NotFoundError("product", id)
	}
	if err := g.checkProductName(name, id); err != nil {
		return err
	}
	p.Name = name
	g.touchProduct(id)
	return nil
}

// UpdateProduct меняет описательные поля продукта, не влияющие на граф.
func (g *Graph) UpdateProduct(id string, mutate func(p *domain.Product)) error {
	p, ok := g.products[id]
	if !ok {
		return domain.NotFoundError("product", id)
	}
	mutate(p)
	g.touchProduct(id)
	return nil
}

// SetIngredientStock задаёт остаток ингредиента и распространяет изменение вверх.
func (g *Graph) SetIngredientStock(id string, stock decimal.Decimal) error {
	if stock.IsNegative() {
		return fmt.Errorf("%w: stock must be non-negative, got %s", domain.ErrInvalidArgument, stock)
	}
	ing, ok := g.ingredients[id]
	if !ok {
		return domain.NotFoundError("ingredient", id)
	}
	ing.Stock = &stock
	ing.RefreshAvailability()
	g.touchIngredient(id)
	g.NotifyStockChange(ing.Ref())
	return nil
}

// SetProductStock задаёт остаток простого продукта; у составных он выводится.
func (g *Graph) SetProductStock(id string, stock int64) error {
	if stock < 0 {
		return fmt.Errorf("%w: stock must be non-negative, got %d", domain.ErrInvalidArgument, stock)
	}
	p, ok := g.products[id]
	if !ok {
		return domain.NotFoundError("product", id)
	}
	if p.Kind != domain.ProductSimple {
		return fmt.Errorf("%w: stock of %s product %s is derived", domain.ErrInvalidArgument, p.Kind, id)
	}
	p.Stock = stock
	p.RefreshAvailability()
	g.touchProduct(id)
	g.NotifyStockChange(p.Ref())
	return nil
}

// Deactivate выключает узел. Лист с наблюдателями выключить нельзя (ErrInUseConflict);
// составной продукт снимает свои рёбра и уведомляет зависимых.
func (g *Graph) Deactivate(ref domain.NodeRef) error {
	switch ref.Kind {
	case domain.NodeIngredient:
		ing, ok := g.ingredients[ref.ID]
		if !ok {
			return domain.NotFoundError("ingredient", ref.ID)
		}
		if !ing.Active {
			return nil
		}
		if err := g.ensureUnobserved(ref); err != nil {
			return err
		}
		ing.Active = false
		ing.RefreshAvailability()
		g.touchIngredient(ref.ID)
		return nil
	case domain.NodeProduct:
		p, ok := g.products[ref.ID]
		if !ok {
			return domain.NotFoundError("product", ref.ID)
		}
		if !p.Active {
			return nil
		}
		if !p.Kind.Composite() {
			if err := g.ensureUnobserved(ref); err != nil {
				return err
			}
		}
		p.Active = false
		p.RefreshAvailability()
		g.touchProduct(ref.ID)
		if p.Kind.Composite() {
			for _, c := range p.Components {
				g.RemoveEdge(c.Node, p.ID)
			}
		}
		g.NotifyStatusChange(ref)
		return nil
	default:
		return fmt.Errorf("%w: unknown node kind %q", domain.ErrInvalidArgument, ref.Kind)
	}
}

// Restore включает узел обратно: составной продукт заново подписывается на компоненты,
// остаток пересчитывается, зависимые уведомляются.
func (g *Graph) Restore(ref domain.NodeRef) error {
	switch ref.Kind {
	case domain.NodeIngredient:
		ing, ok := g.ingredients[ref.ID]
		if !ok {
			return domain.NotFoundError("ingredient", ref.ID)
		}
		if ing.Active {
			return nil
		}
		ing.Active = true
		ing.RefreshAvailability()
		g.touchIngredient(ref.ID)
		g.NotifyStatusChange(ref)
		return nil
	case domain.NodeProduct:
		p, ok := g.products[ref.ID]
		if !ok {
			return domain.NotFoundError("product", ref.ID)
		}
		if p.Active {
			return nil
		}
		p.Active = true
		if p.Kind.Composite() {
			for _, c := range p.Components {
				g.AddEdge(c.Node, p.ID)
			}
			g.recompute(p)
		} else {
			p.RefreshAvailability()
		}
		g.touchProduct(ref.ID)
		g.NotifyStatusChange(ref)
		return nil
	default:
		return fmt.Errorf("%w: unknown node kind %q", domain.ErrInvalidArgument, ref.Kind)
	}
}

// AddComponent добавляет компонент в состав или обновляет количество существующего.
func (g *Graph) AddComponent(productID string, component domain.NodeRef, qty decimal.Decimal) error {
	p, ok := g.products[productID]
	if !ok {
		return domain.NotFoundError("product", productID)
	}
	if !p.Kind.Composite() {
		return fmt.Errorf("%w: %s product %s has no components", domain.ErrInvalidArgument, p.Kind, productID)
	}
	if component.Kind != p.Kind.ComponentKind() {
		return fmt.Errorf("%w: %s product accepts only %s components", domain.ErrInvalidArgument, p.Kind, p.Kind.ComponentKind())
	}
	if !qty.IsPositive() {
		return fmt.Errorf("%w: required quantity must be positive, got %s", domain.ErrInvalidArgument, qty)
	}
	if p.Kind == domain.ProductCombo && !qty.IsInteger() {
		return fmt.Errorf("%w: combo quantity must be an integer, got %s", domain.ErrInvalidArgument, qty)
	}

	active, err := g.nodeActive(component)
	if err != nil {
		return err
	}
	g.guard(component)
	if !active {
		return fmt.Errorf("%w: component %s is inactive", domain.ErrInvalidArgument, component)
	}
	if component.Kind == domain.NodeProduct && g.reaches(component.ID, productID) {
		return fmt.Errorf("%w: adding %s to %s creates a cycle", domain.ErrInvalidArgument, component, productID)
	}

	if idx := p.ComponentIndex(component); idx >= 0 {
		p.Components[idx].Quantity = qty
	} else {
		p.Components = append(p.Components, domain.Component{Node: component, Quantity: qty})
		if p.Active {
			g.AddEdge(component, productID)
		}
	}
	g.touchProduct(productID)
	g.recompute(p)
	g.NotifyStockChange(p.Ref())
	return nil
}

// RemoveComponent убирает компонент из состава и пересчитывает продукт.
func (g *Graph) RemoveComponent(productID string, component domain.NodeRef) error {
	p, ok := g.products[productID]
	if !ok {
		return domain.NotFoundError("product", productID)
	}
	idx := p.ComponentIndex(component)
	if idx < 0 {
		return domain.NotFoundError("component", component.String())
	}
	p.Components = append(p.Components[:idx], p.Components[idx+1:]...)
	g.RemoveEdge(component, productID)
	g.touchProduct(productID)
	g.recompute(p)
	g.NotifyStockChange(p.Ref())
	return nil
}

// AddEdge подписывает dependent на изменения source. Повторная подписка — no-op.
func (g *Graph) AddEdge(source domain.NodeRef, dependentID string) {
	e := domain.Edge{Source: source, DependentID: dependentID}
	if !g.link(e) {
		return
	}
	g.guard(source)
	if _, ok := g.removedEdges[e]; ok {
		delete(g.removedEdges, e)
		return
	}
	g.addedEdges[e] = struct{}{}
}

// RemoveEdge снимает подписку, если она есть.
func (g *Graph) RemoveEdge(source domain.NodeRef, dependentID string) {
	e := domain.Edge{Source: source, DependentID: dependentID}
	set, ok := g.observers[source]
	if !ok {
		return
	}
	if _, ok := set[dependentID]; !ok {
		return
	}
	delete(set, dependentID)
	if len(set) == 0 {
		delete(g.observers, source)
	}
	g.guard(source)
	if _, ok := g.addedEdges[e]; ok {
		delete(g.addedEdges, e)
		return
	}
	g.removedEdges[e] = struct{}{}
}

// NotifyStockChange пересчитывает всех транзитивных зависимых узла.
func (g *Graph) NotifyStockChange(source domain.NodeRef) {
	g.propagate(source)
}

// NotifyStatusChange — то же, что NotifyStockChange: доступность зависит от active.
func (g *Graph) NotifyStatusChange(source domain.NodeRef) {
	g.propagate(source)
}

// Changes возвращает всё, что нужно зафиксировать. Порядок детерминирован.
func (g *Graph) Changes() domain.CatalogChanges {
	var ch domain.CatalogChanges
	for _, id := range sortedKeys(g.newIngredients) {
		ch.NewIngredients = append(ch.NewIngredients, g.ingredients[id].Clone())
	}
	for _, id := range sortedKeys(g.dirtyIngredients) {
		if _, isNew := g.newIngredients[id]; isNew {
			continue
		}
		ch.Ingredients = append(ch.Ingredients, g.ingredients[id].Clone())
	}
	for _, id := range sortedKeys(g.newProducts) {
		ch.NewProducts = append(ch.NewProducts, g.products[id].Clone())
	}
	for _, id := range sortedKeys(g.dirtyProducts) {
		if _, isNew := g.newProducts[id]; isNew {
			continue
		}
		ch.Products = append(ch.Products, g.products[id].Clone())
	}
	ch.AddedEdges = sortedEdges(g.addedEdges)
	ch.RemovedEdges = sortedEdges(g.removedEdges)
	ch.Guards = g.guards()
	return ch
}

// guards отбирает прочитанные узлы, которые не попадут в коммит как изменённые или новые.
func (g *Graph) guards() []domain.NodeVersion {
	var out []domain.NodeVersion
	for ref := range g.guarded {
		switch ref.Kind {
		case domain.NodeIngredient:
			if _, dirty := g.dirtyIngredients[ref.ID]; dirty {
				continue
			}
			if _, isNew := g.newIngredients[ref.ID]; isNew {
				continue
			}
			if base, ok := g.baseIngredients[ref.ID]; ok {
				out = append(out, domain.NodeVersion{Node: ref, Version: base.Version})
			}
		case domain.NodeProduct:
			if _, dirty := g.dirtyProducts[ref.ID]; dirty {
				continue
			}
			if _, isNew := g.newProducts[ref.ID]; isNew {
				continue
			}
			if base, ok := g.baseProducts[ref.ID]; ok {
				out = append(out, domain.NodeVersion{Node: ref, Version: base.Version})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Node.String() < out[j].Node.String() })
	return out
}

// State возвращает текущее состояние графа целиком.
func (g *Graph) State() domain.CatalogState {
	var st domain.CatalogState
	for _, id := range sortedMapKeys(g.ingredients) {
		st.Ingredients = append(st.Ingredients, g.ingredients[id].Clone())
	}
	for _, id := range sortedMapKeys(g.products) {
		st.Products = append(st.Products, g.products[id].Clone())
	}
	edges := make(map[domain.Edge]struct{})
	for src, set := range g.observers {
		for dep := range set {
			edges[domain.Edge{Source: src, DependentID: dep}] = struct{}{}
		}
	}
	st.Edges = sortedEdges(edges)
	return st
}

func (g *Graph) propagate(source domain.NodeRef) {
	for _, depID := range g.Observers(source) {
		dep, ok := g.products[depID]
		if !ok {
			continue
		}
		g.recompute(dep)
		g.touchProduct(depID)
		g.propagate(dep.Ref())
	}
}

func (g *Graph) recompute(p *domain.Product) {
	if !p.Kind.Composite() {
		p.RefreshAvailability()
		return
	}
	g.recomputations++
	p.Stock = DerivedStock(p, g.lookup)
	p.RefreshAvailability()
}

func (g *Graph) lookup(ref domain.NodeRef) (NodeStock, bool) {
	switch ref.Kind {
	case domain.NodeIngredient:
		ing, ok := g.ingredients[ref.ID]
		if !ok {
			return NodeStock{}, false
		}
		return NodeStock{Stock: ing.StockOrZero(), Available: ing.Available}, true
	case domain.NodeProduct:
		p, ok := g.products[ref.ID]
		if !ok {
			return NodeStock{}, false
		}
		return NodeStock{Stock: decimal.NewFromInt(p.Stock), Available: p.Available}, true
	default:
		return NodeStock{}, false
	}
}

// reaches сообщает, входит ли target в состав from (транзитивно) или совпадает с ним.
func (g *Graph) reaches(fromID, targetID string) bool {
	seen := make(map[string]struct{})
	var walk func(id string) bool
	walk = func(id string) bool {
		if id == targetID {
			return true
		}
		if _, ok := seen[id]; ok {
			return false
		}
		seen[id] = struct{}{}
		p, ok := g.products[id]
		if !ok {
			return false
		}
		for _, c := range p.Components {
			if c.Node.Kind == domain.NodeProduct && walk(c.Node.ID) {
				return true
			}
		}
		return false
	}
	return walk(fromID)
}

func (g *Graph) nodeActive(ref domain.NodeRef) (bool, error) {
	switch ref.Kind {
	case domain.NodeIngredient:
		ing, ok := g.ingredients[ref.ID]
		if !ok {
			return false, domain.NotFoundError("ingredient", ref.ID)
		}
		return ing.Active, nil
	case domain.NodeProduct:
		p, ok := g.products[ref.ID]
		if !ok {
			return false, domain.NotFoundError("product", ref.ID)
		}
		return p.Active, nil
	default:
		return false, fmt.Errorf("%w: unknown node kind %q", domain.ErrInvalidArgument, ref.Kind)
	}
}

func (g *Graph) ensureUnobserved(ref domain.NodeRef) error {
	if deps := g.Observers(ref); len(deps) > 0 {
		return fmt.Errorf("%w: %s is a component of %s", domain.ErrInUseConflict, ref, strings.Join(deps, ", "))
	}
	return nil
}

func (g *Graph) checkIngredientName(name, exceptID string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: name is required", domain.ErrInvalidArgument)
	}
	for id, ing := range g.ingredients {
		if id != exceptID && strings.EqualFold(ing.Name, name) {
			return fmt.Errorf("ingredient name %q: %w", name, domain.ErrAlreadyExists)
		}
	}
	return nil
}

func (g *Graph) checkProductName(name, exceptID string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: name is required", domain.ErrInvalidArgument)
	}
	for id, p := range g.products {
		if id != exceptID && strings.EqualFold(p.Name, name) {
			return fmt.Errorf("product name %q: %w", name, domain.ErrAlreadyExists)
		}
	}
	return nil
}

func (g *Graph) link(e domain.Edge) bool {
	set, ok := g.observers[e.Source]
	if !ok {
		set = make(map[string]struct{})
		g.observers[e.Source] = set
	}
	if _, exists := set[e.DependentID]; exists {
		return false
	}
	set[e.DependentID] = struct{}{}
	return true
}

// guard запоминает узел, от чьего состояния зависит результат мутации.
// Смена набора наблюдателей узла тоже охраняется его версией.
func (g *Graph) guard(ref domain.NodeRef) {
	g.guarded[ref] = struct{}{}
}

func (g *Graph) touchIngredient(id string) {
	g.ingredients[id].UpdatedAt = g.now
	g.dirtyIngredients[id] = struct{}{}
}

func (g *Graph) touchProduct(id string) {
	g.products[id].UpdatedAt = g.now
	g.dirtyProducts[id] = struct{}{}
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedMapKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedEdges(set map[domain.Edge]struct{}) []domain.Edge {
	edges := make([]domain.Edge, 0, len(set))
	for e := range set {
		edges = append(edges, e)
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].Source != edges[j].Source {
			return edges[i].Source.String() < edges[j].Source.String()
		}
		return edges[i].DependentID < edges[j].DependentID
	})
	return edges
}
