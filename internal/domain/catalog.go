package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// NodeKind различает узлы графа доступности.
type NodeKind string

const (
	NodeIngredient NodeKind = "ingredient"
	NodeProduct    NodeKind = "product"
)

// NodeRef — ссылка на узел графа по типу и идентификатору.
type NodeRef struct {
	Kind NodeKind
	ID   string
}

// IngredientRef возвращает ссылку на ингредиент.
func IngredientRef(id string) NodeRef { return NodeRef{Kind: NodeIngredient, ID: id} }

// ProductRef возвращает ссылку на продукт.
func ProductRef(id string) NodeRef { return NodeRef{Kind: NodeProduct, ID: id} }

func (r NodeRef) String() string { return string(r.Kind) + ":" + r.ID }

// Ingredient — сырьё с дробным остатком.
type Ingredient struct {
	ID   string
	Name string
	Unit string
	// Stock == nil означает, что остаток ещё не задан.
	Stock     *decimal.Decimal
	Active    bool
	Available bool
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Ref возвращает ссылку на ингредиент как узел графа.
func (i *Ingredient) Ref() NodeRef { return IngredientRef(i.ID) }

// StockOrZero возвращает остаток, считая незаданный нулём.
func (i *Ingredient) StockOrZero() decimal.Decimal {
	if i.Stock == nil {
		return decimal.Zero
	}
	return *i.Stock
}

// RefreshAvailability пересчитывает флаг available = active ∧ stock > 0.
func (i *Ingredient) RefreshAvailability() {
	i.Available = i.Active && i.Stock != nil && i.Stock.IsPositive()
}

// Clone возвращает независимую копию.
func (i Ingredient) Clone() Ingredient {
	if i.Stock != nil {
		stock := *i.Stock
		i.Stock = &stock
	}
	return i
}

// ProductKind — вариант продукта.
type ProductKind string

const (
	// ProductSimple — остаток задаётся оператором напрямую.
	ProductSimple ProductKind = "simple"
	// ProductElaborate — готовится из ингредиентов, остаток выводится.
	ProductElaborate ProductKind = "elaborate"
	// ProductCombo — набор продуктов, остаток выводится.
	ProductCombo ProductKind = "combo"
)

// Valid проверяет, что вариант поддерживается.
func (k ProductKind) Valid() bool {
	switch k {
	case ProductSimple, ProductElaborate, ProductCombo:
		return true
	default:
		return false
	}
}

// Composite сообщает, выводится ли остаток из состава.
func (k ProductKind) Composite() bool {
	return k == ProductElaborate || k == ProductCombo
}

// ComponentKind возвращает допустимый тип компонентов для варианта.
func (k ProductKind) ComponentKind() NodeKind {
	if k == ProductElaborate {
		return NodeIngredient
	}
	return NodeProduct
}

// Component — позиция состава: какой узел и сколько его нужно на единицу.
type Component struct {
	Node     NodeRef
	Quantity decimal.Decimal
}

// Product — продукт меню (простой, сложный или комбо).
type Product struct {
	ID          string
	Name        string
	Description string
	Kind        ProductKind
	Category    string
	Price       decimal.Decimal
	Stock       int64
	Active      bool
	Available   bool
	Components  []Component
	Version     int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Ref возвращает ссылку на продукт как узел графа.
func (p *Product) Ref() NodeRef { return ProductRef(p.ID) }

// RefreshAvailability пересчитывает флаг available = active ∧ stock > 0.
func (p *Product) RefreshAvailability() {
	p.Available = p.Active && p.Stock > 0
}

// ComponentIndex возвращает позицию компонента в составе или -1.
func (p *Product) ComponentIndex(ref NodeRef) int {
	for i, c := range p.Components {
		if c.Node == ref {
			return i
		}
	}
	return -1
}

// Clone возвращает копию с независимым срезом компонентов.
func (p Product) Clone() Product {
	if p.Components != nil {
		components := make([]Component, len(p.Components))
		copy(components, p.Components)
		p.Components = components
	}
	return p
}

// Edge — обратная ссылка «dependent собран из source», только для маршрутизации уведомлений.
type Edge struct {
	Source      NodeRef
	DependentID string
}

// CatalogState — снимок каталога, из которого строится граф.
type CatalogState struct {
	Ingredients []Ingredient
	Products    []Product
	Edges       []Edge
}

// CatalogChanges — всё, что мутация каталога затронула и что нужно зафиксировать.
type CatalogChanges struct {
	NewIngredients []Ingredient
	Ingredients    []Ingredient
	NewProducts    []Product
	Products       []Product
	AddedEdges     []Edge
	RemovedEdges   []Edge
	// Guards — узлы, которые мутация прочитала, но не изменила.
	// Хранилище сверяет их версии и увеличивает их на единицу.
	Guards []NodeVersion
}

// NodeVersion — версия узла на момент чтения.
type NodeVersion struct {
	Node    NodeRef
	Version int64
}

// Empty сообщает, что изменений нет.
func (c CatalogChanges) Empty() bool {
	return len(c.NewIngredients) == 0 && len(c.Ingredients) == 0 &&
		len(c.NewProducts) == 0 && len(c.Products) == 0 &&
		len(c.AddedEdges) == 0 && len(c.RemovedEdges) == 0 &&
		len(c.Guards) == 0
}
