package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/vladislavdragonenkov/cafeteria/internal/domain"
)

// Store — in-memory реализация всех портов хранилища для локальной разработки и тестов.
// Один мьютекс сериализует Commit, поэтому unit of work применяется атомарно.
type Store struct {
	mu          sync.RWMutex
	ingredients map[string]domain.Ingredient
	products    map[string]domain.Product
	edges       map[domain.Edge]struct{}
	promotions  map[string]domain.Promotion
	orders      map[string]domain.Order
	audit       []domain.AuditRecord
	orderSeq    int64

	outbox *OutboxRepository
}

// NewStore создаёт пустое хранилище.
func NewStore() *Store {
	return &Store{
		ingredients: make(map[string]domain.Ingredient),
		products:    make(map[string]domain.Product),
		edges:       make(map[domain.Edge]struct{}),
		promotions:  make(map[string]domain.Promotion),
		orders:      make(map[string]domain.Order),
		outbox:      NewOutboxRepository(),
	}
}

// Outbox возвращает outbox, в который Commit складывает события.
func (s *Store) Outbox() *OutboxRepository {
	return s.outbox
}

// LoadCatalog возвращает копию всех узлов и рёбер.
func (s *Store) LoadCatalog(context.Context) (domain.CatalogState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state := domain.CatalogState{
		Ingredients: make([]domain.Ingredient, 0, len(s.ingredients)),
		Products:    make([]domain.Product, 0, len(s.products)),
		Edges:       make([]domain.Edge, 0, len(s.edges)),
	}
	for _, ing := range s.ingredients {
		state.Ingredients = append(state.Ingredients, ing.Clone())
	}
	for _, p := range s.products {
		state.Products = append(state.Products, p.Clone())
	}
	for e := range s.edges {
		state.Edges = append(state.Edges, e)
	}
	sort.Slice(state.Ingredients, func(i, j int) bool { return state.Ingredients[i].ID < state.Ingredients[j].ID })
	sort.Slice(state.Products, func(i, j int) bool { return state.Products[i].ID < state.Products[j].ID })
	sort.Slice(state.Edges, func(i, j int) bool {
		a, b := state.Edges[i], state.Edges[j]
		if a.Source != b.Source {
			return a.Source.String() < b.Source.String()
		}
		return a.DependentID < b.DependentID
	})
	return state, nil
}

// GetIngredient возвращает ингредиент или ErrNotFound.
func (s *Store) GetIngredient(_ context.Context, id string) (domain.Ingredient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ing, ok := s.ingredients[id]
	if !ok {
		return domain.Ingredient{}, domain.NotFoundError("ingredient", id)
	}
	return ing.Clone(), nil
}

// GetProduct возвращает продукт или ErrNotFound.
func (s *Store) GetProduct(_ context.Context, id string) (domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.products[id]
	if !ok {
		return domain.Product{}, domain.NotFoundError("product", id)
	}
	return p.Clone(), nil
}

// ListIngredients возвращает ингредиенты по имени.
func (s *Store) ListIngredients(context.Context) ([]domain.Ingredient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Ingredient, 0, len(s.ingredients))
	for _, ing := range s.ingredients {
		result = append(result, ing.Clone())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

// ListProducts возвращает продукты по имени.
func (s *Store) ListProducts(context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		result = append(result, p.Clone())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

// GetPromotion возвращает промо-акцию или ErrNotFound.
func (s *Store) GetPromotion(_ context.Context, id string) (domain.Promotion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.promotions[id]
	if !ok {
		return domain.Promotion{}, domain.NotFoundError("promotion", id)
	}
	return p.Clone(), nil
}

// ListPromotions возвращает акции в порядке создания.
func (s *Store) ListPromotions(context.Context) ([]domain.Promotion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Promotion, 0, len(s.promotions))
	for _, p := range s.promotions {
		result = append(result, p.Clone())
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

// GetOrder возвращает заказ или ErrNotFound.
func (s *Store) GetOrder(_ context.Context, id string) (domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	order, ok := s.orders[id]
	if !ok {
		return domain.Order{}, domain.NotFoundError("order", id)
	}
	return order.Clone(), nil
}

// ListOrdersByUser возвращает заказы пользователя, ограничивая выборку limit (если >0).
func (s *Store) ListOrdersByUser(_ context.Context, userID string, limit int) ([]domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Order, 0)
	for _, order := range s.orders {
		if order.UserID == userID {
			result = append(result, order.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].Number > result[j].Number
	})
	return truncate(result, limit), nil
}

// ListOrdersByStatus возвращает заказы в статусе, старые первыми.
func (s *Store) ListOrdersByStatus(_ context.Context, status domain.OrderStatus, limit int) ([]domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Order, 0)
	for _, order := range s.orders {
		if order.Status == status {
			result = append(result, order.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].Number < result[j].Number
	})
	return truncate(result, limit), nil
}

// NextOrderNumber выдаёт следующий номер; номер расходуется даже если заказ не зафиксирован.
func (s *Store) NextOrderNumber(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.orderSeq++
	return s.orderSeq, nil
}

// ListAudit возвращает записи журнала по сущности в порядке записи.
// Пустой entityID возвращает все записи данного типа.
func (s *Store) ListAudit(_ context.Context, entity domain.AuditEntity, entityID string) ([]domain.AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.AuditRecord, 0)
	for _, rec := range s.audit {
		if rec.Entity != entity {
			continue
		}
		if entityID != "" && rec.EntityID != entityID {
			continue
		}
		result = append(result, rec)
	}
	return result, nil
}

// Commit проверяет версии и уникальность имён, затем применяет всё разом.
func (s *Store) Commit(_ context.Context, uow domain.UnitOfWork) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.validate(uow); err != nil {
		return err
	}

	c := uow.Catalog
	for _, ing := range c.NewIngredients {
		s.ingredients[ing.ID] = ing.Clone()
	}
	for _, ing := range c.Ingredients {
		ing = ing.Clone()
		ing.Version++
		s.ingredients[ing.ID] = ing
	}
	for _, p := range c.NewProducts {
		s.products[p.ID] = p.Clone()
	}
	for _, p := range c.Products {
		p = p.Clone()
		p.Version++
		s.products[p.ID] = p
	}
	for _, g := range c.Guards {
		switch g.Node.Kind {
		case domain.NodeIngredient:
			ing := s.ingredients[g.Node.ID]
			ing.Version++
			s.ingredients[g.Node.ID] = ing
		case domain.NodeProduct:
			p := s.products[g.Node.ID]
			p.Version++
			s.products[g.Node.ID] = p
		}
	}
	for _, e := range c.RemovedEdges {
		delete(s.edges, e)
	}
	for _, e := range c.AddedEdges {
		s.edges[e] = struct{}{}
	}

	for _, p := range uow.NewPromotions {
		s.promotions[p.ID] = p.Clone()
	}
	for _, p := range uow.Promotions {
		p = p.Clone()
		p.Version++
		s.promotions[p.ID] = p
	}

	if uow.NewOrder != nil {
		s.orders[uow.NewOrder.ID] = uow.NewOrder.Clone()
	}
	if uow.Order != nil {
		order := uow.Order.Clone()
		order.Version++
		s.orders[order.ID] = order
	}

	for _, msg := range uow.Outbox {
		if _, err := s.outbox.Enqueue(msg); err != nil {
			return fmt.Errorf("enqueue outbox: %w", err)
		}
	}
	s.audit = append(s.audit, uow.Audit...)
	return nil
}

func (s *Store) validate(uow domain.UnitOfWork) error {
	c := uow.Catalog

	for _, ing := range c.NewIngredients {
		if _, exists := s.ingredients[ing.ID]; exists {
			return fmt.Errorf("ingredient %s: %w", ing.ID, domain.ErrAlreadyExists)
		}
	}
	for _, ing := range c.Ingredients {
		stored, ok := s.ingredients[ing.ID]
		if !ok || stored.Version != ing.Version {
			return fmt.Errorf("ingredient %s: %w", ing.ID, domain.ErrVersionConflict)
		}
	}
	for _, p := range c.NewProducts {
		if _, exists := s.products[p.ID]; exists {
			return fmt.Errorf("product %s: %w", p.ID, domain.ErrAlreadyExists)
		}
	}
	for _, p := range c.Products {
		stored, ok := s.products[p.ID]
		if !ok || stored.Version != p.Version {
			return fmt.Errorf("product %s: %w", p.ID, domain.ErrVersionConflict)
		}
	}
	for _, g := range c.Guards {
		if s.nodeVersion(g.Node) != g.Version {
			return fmt.Errorf("%s: %w", g.Node, domain.ErrVersionConflict)
		}
	}
	for _, e := range c.AddedEdges {
		if _, exists := s.edges[e]; exists {
			return fmt.Errorf("edge %s -> %s: %w", e.Source, e.DependentID, domain.ErrVersionConflict)
		}
	}
	for _, e := range c.RemovedEdges {
		if _, exists := s.edges[e]; !exists {
			return fmt.Errorf("edge %s -> %s: %w", e.Source, e.DependentID, domain.ErrVersionConflict)
		}
	}

	for _, p := range uow.NewPromotions {
		if _, exists := s.promotions[p.ID]; exists {
			return fmt.Errorf("promotion %s: %w", p.ID, domain.ErrAlreadyExists)
		}
	}
	for _, p := range uow.Promotions {
		stored, ok := s.promotions[p.ID]
		if !ok || stored.Version != p.Version {
			return fmt.Errorf("promotion %s: %w", p.ID, domain.ErrVersionConflict)
		}
	}

	if uow.NewOrder != nil {
		if _, exists := s.orders[uow.NewOrder.ID]; exists {
			return fmt.Errorf("order %s: %w", uow.NewOrder.ID, domain.ErrAlreadyExists)
		}
	}
	if uow.Order != nil {
		stored, ok := s.orders[uow.Order.ID]
		if !ok || stored.Version != uow.Order.Version {
			return fmt.Errorf("order %s: %w", uow.Order.ID, domain.ErrVersionConflict)
		}
	}

	ingredientNames := make(map[string]string, len(s.ingredients))
	for id, ing := range s.ingredients {
		ingredientNames[id] = ing.Name
	}
	if err := checkNames("ingredient", ingredientNames, ingredientUpdates(c)); err != nil {
		return err
	}
	productNames := make(map[string]string, len(s.products))
	for id, p := range s.products {
		productNames[id] = p.Name
	}
	if err := checkNames("product", productNames, productUpdates(c)); err != nil {
		return err
	}
	promotionNames := make(map[string]string, len(s.promotions))
	for id, p := range s.promotions {
		promotionNames[id] = p.Name
	}
	return checkNames("promotion", promotionNames, promotionUpdates(uow))
}

// nodeVersion возвращает текущую версию узла или -1, если узла нет.
func (s *Store) nodeVersion(ref domain.NodeRef) int64 {
	switch ref.Kind {
	case domain.NodeIngredient:
		if ing, ok := s.ingredients[ref.ID]; ok {
			return ing.Version
		}
	case domain.NodeProduct:
		if p, ok := s.products[ref.ID]; ok {
			return p.Version
		}
	}
	return -1
}

// checkNames применяет переименования поверх текущих имён и ищет совпадения без учёта регистра.
func checkNames(entity string, current map[string]string, updates map[string]string) error {
	for id, name := range updates {
		current[id] = name
	}
	seen := make(map[string]string, len(current))
	for id, name := range current {
		key := strings.ToLower(strings.TrimSpace(name))
		if other, dup := seen[key]; dup {
			_, touched := updates[id]
			_, otherTouched := updates[other]
			if touched || otherTouched {
				return fmt.Errorf("%s name %q: %w", entity, name, domain.ErrAlreadyExists)
			}
		}
		seen[key] = id
	}
	return nil
}

func ingredientUpdates(c domain.CatalogChanges) map[string]string {
	updates := make(map[string]string, len(c.NewIngredients)+len(c.Ingredients))
	for _, ing := range c.NewIngredients {
		updates[ing.ID] = ing.Name
	}
	for _, ing := range c.Ingredients {
		updates[ing.ID] = ing.Name
	}
	return updates
}

func productUpdates(c domain.CatalogChanges) map[string]string {
	updates := make(map[string]string, len(c.NewProducts)+len(c.Products))
	for _, p := range c.NewProducts {
		updates[p.ID] = p.Name
	}
	for _, p := range c.Products {
		updates[p.ID] = p.Name
	}
	return updates
}

func promotionUpdates(uow domain.UnitOfWork) map[string]string {
	updates := make(map[string]string, len(uow.NewPromotions)+len(uow.Promotions))
	for _, p := range uow.NewPromotions {
		updates[p.ID] = p.Name
	}
	for _, p := range uow.Promotions {
		updates[p.ID] = p.Name
	}
	return updates
}

func truncate[T any](items []T, limit int) []T {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}

var _ domain.Store = (*Store)(nil)
