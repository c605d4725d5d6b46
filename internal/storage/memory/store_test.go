package memory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/cafeteria/internal/catalog"
	"github.com/vladislavdragonenkov/cafeteria/internal/domain"
	"github.com/vladislavdragonenkov/cafeteria/internal/storage/memory"
)

func cheese() domain.Ingredient {
	stock := decimal.NewFromInt(10)
	return domain.Ingredient{ID: "ing-1", Name: "Cheese", Unit: "slice", Stock: &stock, Active: true, Available: true}
}

func mustCommit(t *testing.T, store *memory.Store, uow domain.UnitOfWork) {
	t.Helper()
	if err := store.Commit(context.Background(), uow); err != nil {
		t.Fatalf("commit failed: %v", err)
	}
}

func TestStore_CommitCreatesAndBumpsVersion(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()

	mustCommit(t, store, domain.UnitOfWork{Catalog: domain.CatalogChanges{NewIngredients: []domain.Ingredient{cheese()}}})

	got, err := store.GetIngredient(ctx, "ing-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Version != 0 {
		t.Fatalf("expected version 0 after create, got %d", got.Version)
	}

	stock := decimal.NewFromInt(4)
	got.Stock = &stock
	mustCommit(t, store, domain.UnitOfWork{Catalog: domain.CatalogChanges{Ingredients: []domain.Ingredient{got}}})

	updated, _ := store.GetIngredient(ctx, "ing-1")
	if updated.Version != 1 || !updated.Stock.Equal(stock) {
		t.Fatalf("expected version 1 and stock 4, got %d and %s", updated.Version, updated.Stock)
	}

	// повтор с устаревшей версией
	err = store.Commit(ctx, domain.UnitOfWork{Catalog: domain.CatalogChanges{Ingredients: []domain.Ingredient{got}}})
	if !errors.Is(err, domain.ErrVersionConflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}
}

func TestStore_CommitIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	mustCommit(t, store, domain.UnitOfWork{Catalog: domain.CatalogChanges{NewIngredients: []domain.Ingredient{cheese()}}})

	stale := cheese()
	stale.Version = 7
	err := store.Commit(ctx, domain.UnitOfWork{
		Catalog: domain.CatalogChanges{
			NewProducts: []domain.Product{{ID: "p-1", Name: "Cola", Kind: domain.ProductSimple}},
			Ingredients: []domain.Ingredient{stale},
		},
		Audit: []domain.AuditRecord{{ID: "a-1", Entity: domain.AuditProduct, EntityID: "p-1"}},
	})
	if !errors.Is(err, domain.ErrVersionConflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}
	if _, err := store.GetProduct(ctx, "p-1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected product not to be created, got %v", err)
	}
	audit, _ := store.ListAudit(ctx, domain.AuditProduct, "")
	if len(audit) != 0 {
		t.Fatalf("expected no audit records, got %d", len(audit))
	}
}

func TestStore_NameUniquenessIgnoresCase(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	mustCommit(t, store, domain.UnitOfWork{Catalog: domain.CatalogChanges{NewIngredients: []domain.Ingredient{cheese()}}})

	dup := cheese()
	dup.ID = "ing-2"
	dup.Name = "cheese"
	err := store.Commit(ctx, domain.UnitOfWork{Catalog: domain.CatalogChanges{NewIngredients: []domain.Ingredient{dup}}})
	if !errors.Is(err, domain.ErrAlreadyExists) {
		t.Fatalf("expected already exists, got %v", err)
	}

	// переименование с освобождением имени в том же unit of work
	renamed := cheese()
	renamed.Name = "Cheddar"
	dup.Name = "Cheese"
	mustCommit(t, store, domain.UnitOfWork{Catalog: domain.CatalogChanges{
		NewIngredients: []domain.Ingredient{dup},
		Ingredients:    []domain.Ingredient{renamed},
	}})
}

func TestStore_EdgesAddedAndRemoved(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	edge := domain.Edge{Source: domain.IngredientRef("ing-1"), DependentID: "p-1"}

	mustCommit(t, store, domain.UnitOfWork{Catalog: domain.CatalogChanges{AddedEdges: []domain.Edge{edge}}})
	state, _ := store.LoadCatalog(ctx)
	if len(state.Edges) != 1 || state.Edges[0] != edge {
		t.Fatalf("expected edge to be stored, got %+v", state.Edges)
	}

	err := store.Commit(ctx, domain.UnitOfWork{Catalog: domain.CatalogChanges{AddedEdges: []domain.Edge{edge}}})
	if !errors.Is(err, domain.ErrVersionConflict) {
		t.Fatalf("expected conflict on duplicate edge, got %v", err)
	}

	mustCommit(t, store, domain.UnitOfWork{Catalog: domain.CatalogChanges{RemovedEdges: []domain.Edge{edge}}})
	state, _ = store.LoadCatalog(ctx)
	if len(state.Edges) != 0 {
		t.Fatalf("expected edge to be removed, got %+v", state.Edges)
	}
}

// Выключение сыра и добавление сыра в пиццу, построенные на одном снимке,
// не должны пройти оба: иначе неактивный ингредиент питает доступный продукт.
func TestStore_ConcurrentDeactivateAndAddComponentConflict(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 6, 3, 12, 0, 0, 0, time.UTC)

	seed := func(t *testing.T) *memory.Store {
		t.Helper()
		store := memory.NewStore()
		g := catalog.NewGraph(domain.CatalogState{}, now)
		if err := g.AddIngredient(cheese()); err != nil {
			t.Fatalf("add ingredient: %v", err)
		}
		if err := g.AddProduct(domain.Product{ID: "p-1", Name: "Pizza", Kind: domain.ProductElaborate, Category: "PIZZA", Price: decimal.NewFromInt(8), Active: true}); err != nil {
			t.Fatalf("add product: %v", err)
		}
		mustCommit(t, store, domain.UnitOfWork{Catalog: g.Changes()})
		return store
	}

	tests := []struct {
		name        string
		deactivate1 bool
	}{
		{name: "deactivate commits first", deactivate1: true},
		{name: "add component commits first", deactivate1: false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			store := seed(t)
			state, err := store.LoadCatalog(ctx)
			if err != nil {
				t.Fatalf("load catalog: %v", err)
			}

			deactivate := catalog.NewGraph(state, now)
			if err := deactivate.Deactivate(domain.IngredientRef("ing-1")); err != nil {
				t.Fatalf("deactivate: %v", err)
			}
			addComponent := catalog.NewGraph(state, now)
			if err := addComponent.AddComponent("p-1", domain.IngredientRef("ing-1"), decimal.NewFromInt(2)); err != nil {
				t.Fatalf("add component: %v", err)
			}

			first, second := deactivate, addComponent
			if !tc.deactivate1 {
				first, second = addComponent, deactivate
			}
			mustCommit(t, store, domain.UnitOfWork{Catalog: first.Changes()})
			err = store.Commit(ctx, domain.UnitOfWork{Catalog: second.Changes()})
			if !errors.Is(err, domain.ErrVersionConflict) {
				t.Fatalf("expected version conflict, got %v", err)
			}

			ing, _ := store.GetIngredient(ctx, "ing-1")
			pizza, _ := store.GetProduct(ctx, "p-1")
			if !ing.Active && pizza.Available {
				t.Fatalf("inactive ingredient feeds available product (stock %d)", pizza.Stock)
			}
		})
	}
}

func TestStore_GuardsCheckAndBumpVersion(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	mustCommit(t, store, domain.UnitOfWork{Catalog: domain.CatalogChanges{NewIngredients: []domain.Ingredient{cheese()}}})

	guard := domain.NodeVersion{Node: domain.IngredientRef("ing-1"), Version: 0}
	mustCommit(t, store, domain.UnitOfWork{Catalog: domain.CatalogChanges{Guards: []domain.NodeVersion{guard}}})

	got, _ := store.GetIngredient(ctx, "ing-1")
	if got.Version != 1 || !got.Active {
		t.Fatalf("expected guard to bump version only, got version %d active %t", got.Version, got.Active)
	}

	err := store.Commit(ctx, domain.UnitOfWork{Catalog: domain.CatalogChanges{Guards: []domain.NodeVersion{guard}}})
	if !errors.Is(err, domain.ErrVersionConflict) {
		t.Fatalf("expected version conflict on stale guard, got %v", err)
	}
	missing := domain.NodeVersion{Node: domain.ProductRef("nope"), Version: 0}
	err = store.Commit(ctx, domain.UnitOfWork{Catalog: domain.CatalogChanges{Guards: []domain.NodeVersion{missing}}})
	if !errors.Is(err, domain.ErrVersionConflict) {
		t.Fatalf("expected version conflict on missing node, got %v", err)
	}
}

func TestStore_OrdersListingAndOutbox(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	base := time.Date(2024, 6, 3, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		number, err := store.NextOrderNumber(ctx)
		if err != nil {
			t.Fatalf("next number failed: %v", err)
		}
		if number != int64(i+1) {
			t.Fatalf("expected number %d, got %d", i+1, number)
		}
		order := domain.Order{
			ID:        []string{"o-1", "o-2", "o-3"}[i],
			Number:    number,
			UserID:    "u-1",
			Status:    domain.OrderStatusPending,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		mustCommit(t, store, domain.UnitOfWork{
			NewOrder: &order,
			Outbox:   []domain.OutboxMessage{{AggregateType: "order", AggregateID: order.ID, EventType: "order.status_changed"}},
		})
	}

	byUser, _ := store.ListOrdersByUser(ctx, "u-1", 2)
	if len(byUser) != 2 || byUser[0].ID != "o-3" || byUser[1].ID != "o-2" {
		t.Fatalf("expected newest first with limit, got %+v", byUser)
	}
	queue, _ := store.ListOrdersByStatus(ctx, domain.OrderStatusPending, 0)
	if len(queue) != 3 || queue[0].ID != "o-1" {
		t.Fatalf("expected oldest first, got %+v", queue)
	}

	order, _ := store.GetOrder(ctx, "o-1")
	order.Transition(domain.OrderStatusConfirmed, "", "staff", base)
	mustCommit(t, store, domain.UnitOfWork{Order: &order})
	confirmed, _ := store.GetOrder(ctx, "o-1")
	if confirmed.Version != 1 || confirmed.Status != domain.OrderStatusConfirmed {
		t.Fatalf("unexpected order after transition: %+v", confirmed)
	}
	if err := store.Commit(ctx, domain.UnitOfWork{Order: &order}); !errors.Is(err, domain.ErrVersionConflict) {
		t.Fatalf("expected version conflict on stale order, got %v", err)
	}

	stats, _ := store.Outbox().Stats(ctx)
	if stats.PendingCount != 3 {
		t.Fatalf("expected 3 pending outbox messages, got %d", stats.PendingCount)
	}
}

func TestStore_ListAuditFiltersByEntity(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	mustCommit(t, store, domain.UnitOfWork{Audit: []domain.AuditRecord{
		{ID: "a-1", Entity: domain.AuditIngredient, EntityID: "ing-1", Operation: "update_stock"},
		{ID: "a-2", Entity: domain.AuditProduct, EntityID: "p-1", Operation: "update_stock"},
		{ID: "a-3", Entity: domain.AuditIngredient, EntityID: "ing-2", Operation: "rename_ingredient"},
	}})

	one, _ := store.ListAudit(ctx, domain.AuditIngredient, "ing-1")
	if len(one) != 1 || one[0].ID != "a-1" {
		t.Fatalf("unexpected audit for ing-1: %+v", one)
	}
	all, _ := store.ListAudit(ctx, domain.AuditIngredient, "")
	if len(all) != 2 {
		t.Fatalf("expected 2 ingredient records, got %d", len(all))
	}
}
