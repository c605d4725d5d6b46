package catalog

import (
	"fmt"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/cafeteria/internal/domain"
)

// AuditRecords описывает каждый созданный или изменённый узел одной записью.
// Узлы, пересчитанные без видимых изменений, пропускаются.
func (g *Graph) AuditRecords(operation, reason string, at time.Time, newID func() string) []domain.AuditRecord {
	var records []domain.AuditRecord
	add := func(entity domain.AuditEntity, id, delta string) {
		records = append(records, domain.AuditRecord{
			ID:         newID(),
			Entity:     entity,
			EntityID:   id,
			Operation:  operation,
			Delta:      delta,
			Reason:     reason,
			OccurredAt: at,
		})
	}

	for _, id := range sortedKeys(g.newIngredients) {
		ing := g.ingredients[id]
		add(domain.AuditIngredient, id, fmt.Sprintf("created %q stock %s", ing.Name, stockString(ing.Stock)))
	}
	for _, id := range sortedKeys(g.dirtyIngredients) {
		if _, isNew := g.newIngredients[id]; isNew {
			continue
		}
		if delta := ingredientDelta(g.baseIngredients[id], *g.ingredients[id]); delta != "" {
			add(domain.AuditIngredient, id, delta)
		}
	}
	for _, id := range sortedKeys(g.newProducts) {
		p := g.products[id]
		add(domain.AuditProduct, id, fmt.Sprintf("created %s %q stock %d", p.Kind, p.Name, p.Stock))
	}
	for _, id := range sortedKeys(g.dirtyProducts) {
		if _, isNew := g.newProducts[id]; isNew {
			continue
		}
		if delta := productDelta(g.baseProducts[id], *g.products[id]); delta != "" {
			add(domain.AuditProduct, id, delta)
		}
	}
	return records
}

func ingredientDelta(before, after domain.Ingredient) string {
	var parts []string
	if before.Name != after.Name {
		parts = append(parts, fmt.Sprintf("name %q -> %q", before.Name, after.Name))
	}
	if stockString(before.Stock) != stockString(after.Stock) {
		parts = append(parts, fmt.Sprintf("stock %s -> %s", stockString(before.Stock), stockString(after.Stock)))
	}
	if before.Active != after.Active {
		parts = append(parts, fmt.Sprintf("active %t -> %t", before.Active, after.Active))
	}
	if before.Available != after.Available {
		parts = append(parts, fmt.Sprintf("available %t -> %t", before.Available, after.Available))
	}
	return strings.Join(parts, "; ")
}

func productDelta(before, after domain.Product) string {
	var parts []string
	if before.Name != after.Name {
		parts = append(parts, fmt.Sprintf("name %q -> %q", before.Name, after.Name))
	}
	if !before.Price.Equal(after.Price) {
		parts = append(parts, fmt.Sprintf("price %s -> %s", before.Price, after.Price))
	}
	if before.Description != after.Description || before.Category != after.Category {
		parts = append(parts, "details updated")
	}
	if before.Stock != after.Stock {
		parts = append(parts, fmt.Sprintf("stock %d -> %d", before.Stock, after.Stock))
	}
	if before.Active != after.Active {
		parts = append(parts, fmt.Sprintf("active %t -> %t", before.Active, after.Active))
	}
	if before.Available != after.Available {
		parts = append(parts, fmt.Sprintf("available %t -> %t", before.Available, after.Available))
	}
	if b, a := componentsString(before.Components), componentsString(after.Components); b != a {
		parts = append(parts, fmt.Sprintf("components [%s] -> [%s]", b, a))
	}
	return strings.Join(parts, "; ")
}

func componentsString(components []domain.Component) string {
	parts := make([]string, 0, len(components))
	for _, c := range components {
		parts = append(parts, c.Node.String()+"x"+c.Quantity.String())
	}
	return strings.Join(parts, ", ")
}
