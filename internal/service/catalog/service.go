package catalog

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/cafeteria/internal/cache"
	"github.com/vladislavdragonenkov/cafeteria/internal/catalog"
	"github.com/vladislavdragonenkov/cafeteria/internal/domain"
	"github.com/vladislavdragonenkov/cafeteria/internal/metrics"
	"github.com/vladislavdragonenkov/cafeteria/internal/service/retry"
)

// Options задаёт параметры сервиса каталога.
type Options struct {
	Logger  *log.Entry
	Metrics *metrics.CafeteriaMetrics
	Cache   domain.MenuCache
	Retry   retry.Config
	Clock   func() time.Time
}

// Option настраивает Service.
type Option func(*Options)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(opts *Options) { opts.Logger = logger }
}

// WithMetrics задаёт метрики.
func WithMetrics(m *metrics.CafeteriaMetrics) Option {
	return func(opts *Options) { opts.Metrics = m }
}

// WithMenuCache задаёт кэш меню.
func WithMenuCache(menu domain.MenuCache) Option {
	return func(opts *Options) { opts.Cache = menu }
}

// WithRetryConfig задаёт политику повторов при конфликте версий.
func WithRetryConfig(cfg retry.Config) Option {
	return func(opts *Options) { opts.Retry = cfg }
}

// WithClock подменяет источник времени.
func WithClock(clock func() time.Time) Option {
	return func(opts *Options) { opts.Clock = clock }
}

// Service — точка входа для мутаций каталога. Каждая операция строит граф
// из свежего снимка, применяет изменение и фиксирует всё одним UnitOfWork.
type Service struct {
	store   domain.Store
	cache   domain.MenuCache
	retrier *retry.Retrier
	metrics *metrics.CafeteriaMetrics
	logger  *log.Entry
	now     func() time.Time
}

// NewService создаёт сервис каталога.
func NewService(store domain.Store, options ...Option) *Service {
	opts := Options{Retry: retry.DefaultConfig()}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "catalog-service")
	}
	menuCache := opts.Cache
	if menuCache == nil {
		menuCache = cache.Nop{}
	}
	clock := opts.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}

	m := opts.Metrics
	return &Service{
		store: store,
		cache: menuCache,
		retrier: retry.New(opts.Retry, logger, func(operation string, _ int) {
			m.RecordVersionConflict(operation)
		}),
		metrics: m,
		logger:  logger,
		now:     clock,
	}
}

// CreateIngredientInput — параметры нового ингредиента.
type CreateIngredientInput struct {
	Name  string
	Unit  string
	Stock *decimal.Decimal
}

// ProductComponentInput — компонент состава при создании продукта.
type ProductComponentInput struct {
	Node     domain.NodeRef
	Quantity decimal.Decimal
}

// CreateProductInput — параметры нового продукта.
type CreateProductInput struct {
	Name        string
	Description string
	Kind        domain.ProductKind
	Category    string
	Price       decimal.Decimal
	Stock       int64
	Components  []ProductComponentInput
}

// CreateIngredient добавляет активный ингредиент.
func (s *Service) CreateIngredient(ctx context.Context, in CreateIngredientInput) (domain.Ingredient, error) {
	if in.Stock != nil && in.Stock.IsNegative() {
		return domain.Ingredient{}, fmt.Errorf("%w: stock must be non-negative", domain.ErrInvalidArgument)
	}
	id := uuid.NewString()
	var result domain.Ingredient
	_, err := s.mutate(ctx, "create_ingredient", "", func(g *catalog.Graph, now time.Time) error {
		if err := g.AddIngredient(domain.Ingredient{
			ID:        id,
			Name:      strings.TrimSpace(in.Name),
			Unit:      strings.TrimSpace(in.Unit),
			Stock:     in.Stock,
			Active:    true,
			CreatedAt: now,
			UpdatedAt: now,
		}); err != nil {
			return err
		}
		var err error
		result, err = g.Ingredient(id)
		return err
	})
	if err != nil {
		return domain.Ingredient{}, err
	}
	return result, nil
}

// RenameIngredient меняет имя ингредиента.
func (s *Service) RenameIngredient(ctx context.Context, id, name string) (domain.Ingredient, error) {
	return s.mutateIngredient(ctx, "rename_ingredient", id, "", func(g *catalog.Graph) error {
		return g.RenameIngredient(id, strings.TrimSpace(name))
	})
}

// UpdateIngredientStock задаёт остаток ингредиента и пересчитывает зависимые продукты.
func (s *Service) UpdateIngredientStock(ctx context.Context, id string, stock decimal.Decimal, reason string) (domain.Ingredient, error) {
	return s.mutateIngredient(ctx, "update_stock", id, reason, func(g *catalog.Graph) error {
		return g.SetIngredientStock(id, stock)
	})
}

// DeactivateIngredient выключает ингредиент, если он не входит в активные продукты.
func (s *Service) DeactivateIngredient(ctx context.Context, id, reason string) (domain.Ingredient, error) {
	return s.mutateIngredient(ctx, "deactivate", id, reason, func(g *catalog.Graph) error {
		return g.Deactivate(domain.IngredientRef(id))
	})
}

// RestoreIngredient включает ингредиент обратно.
func (s *Service) RestoreIngredient(ctx context.Context, id, reason string) (domain.Ingredient, error) {
	return s.mutateIngredient(ctx, "restore", id, reason, func(g *catalog.Graph) error {
		return g.Restore(domain.IngredientRef(id))
	})
}

// CreateProduct добавляет активный продукт; состав составного продукта
// регистрируется вместе с ним.
func (s *Service) CreateProduct(ctx context.Context, in CreateProductInput) (domain.Product, error) {
	if !in.Kind.Valid() {
		return domain.Product{}, fmt.Errorf("%w: unknown product kind %q", domain.ErrInvalidArgument, in.Kind)
	}
	if in.Price.IsNegative() {
		return domain.Product{}, fmt.Errorf("%w: price must be non-negative", domain.ErrInvalidArgument)
	}
	if in.Stock < 0 {
		return domain.Product{}, fmt.Errorf("%w: stock must be non-negative", domain.ErrInvalidArgument)
	}
	if in.Kind.Composite() && in.Stock != 0 {
		return domain.Product{}, fmt.Errorf("%w: stock of %s product is derived", domain.ErrInvalidArgument, in.Kind)
	}
	if !in.Kind.Composite() && len(in.Components) > 0 {
		return domain.Product{}, fmt.Errorf("%w: simple product has no components", domain.ErrInvalidArgument)
	}

	id := uuid.NewString()
	var result domain.Product
	_, err := s.mutate(ctx, "create_product", "", func(g *catalog.Graph, now time.Time) error {
		if err := g.AddProduct(domain.Product{
			ID:          id,
			Name:        strings.TrimSpace(in.Name),
			Description: in.Description,
			Kind:        in.Kind,
			Category:    strings.ToUpper(strings.TrimSpace(in.Category)),
			Price:       in.Price,
			Stock:       in.Stock,
			Active:      true,
			CreatedAt:   now,
			UpdatedAt:   now,
		}); err != nil {
			return err
		}
		for _, c := range in.Components {
			if err := g.AddComponent(id, c.Node, c.Quantity); err != nil {
				return err
			}
		}
		var err error
		result, err = g.Product(id)
		return err
	})
	if err != nil {
		return domain.Product{}, err
	}
	return result, nil
}

// RenameProduct меняет имя продукта.
func (s *Service) RenameProduct(ctx context.Context, id, name string) (domain.Product, error) {
	return s.mutateProduct(ctx, "rename_product", id, "", func(g *catalog.Graph) error {
		return g.RenameProduct(id, strings.TrimSpace(name))
	})
}

// UpdateProductDetails меняет описание, категорию и цену.
func (s *Service) UpdateProductDetails(ctx context.Context, id, description, category string, price decimal.Decimal) (domain.Product, error) {
	if price.IsNegative() {
		return domain.Product{}, fmt.Errorf("%w: price must be non-negative", domain.ErrInvalidArgument)
	}
	return s.mutateProduct(ctx, "update_details", id, "", func(g *catalog.Graph) error {
		return g.UpdateProduct(id, func(p *domain.Product) {
			p.Description = description
			p.Category = strings.ToUpper(strings.TrimSpace(category))
			p.Price = price
		})
	})
}

// UpdateProductStock задаёт остаток простого продукта.
func (s *Service) UpdateProductStock(ctx context.Context, id string, stock int64, reason string) (domain.Product, error) {
	return s.mutateProduct(ctx, "update_stock", id, reason, func(g *catalog.Graph) error {
		return g.SetProductStock(id, stock)
	})
}

// DeactivateProduct выключает продукт.
func (s *Service) DeactivateProduct(ctx context.Context, id, reason string) (domain.Product, error) {
	return s.mutateProduct(ctx, "deactivate", id, reason, func(g *catalog.Graph) error {
		return g.Deactivate(domain.ProductRef(id))
	})
}

// RestoreProduct включает продукт обратно.
func (s *Service) RestoreProduct(ctx context.Context, id, reason string) (domain.Product, error) {
	return s.mutateProduct(ctx, "restore", id, reason, func(g *catalog.Graph) error {
		return g.Restore(domain.ProductRef(id))
	})
}

// AddComponent добавляет компонент в состав или меняет его количество.
func (s *Service) AddComponent(ctx context.Context, productID string, component domain.NodeRef, qty decimal.Decimal) (domain.Product, error) {
	return s.mutateProduct(ctx, "add_component", productID, "", func(g *catalog.Graph) error {
		return g.AddComponent(productID, component, qty)
	})
}

// RemoveComponent убирает компонент из состава.
func (s *Service) RemoveComponent(ctx context.Context, productID string, component domain.NodeRef) (domain.Product, error) {
	return s.mutateProduct(ctx, "remove_component", productID, "", func(g *catalog.Graph) error {
		return g.RemoveComponent(productID, component)
	})
}

// GetIngredient возвращает ингредиент.
func (s *Service) GetIngredient(ctx context.Context, id string) (domain.Ingredient, error) {
	return s.store.GetIngredient(ctx, id)
}

// GetProduct возвращает продукт.
func (s *Service) GetProduct(ctx context.Context, id string) (domain.Product, error) {
	return s.store.GetProduct(ctx, id)
}

// ListIngredients возвращает все ингредиенты.
func (s *Service) ListIngredients(ctx context.Context) ([]domain.Ingredient, error) {
	return s.store.ListIngredients(ctx)
}

// ListProducts возвращает все продукты, включая неактивные.
func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return s.store.ListProducts(ctx)
}

// ListAudit возвращает журнал изменений сущности.
func (s *Service) ListAudit(ctx context.Context, entity domain.AuditEntity, id string) ([]domain.AuditRecord, error) {
	return s.store.ListAudit(ctx, entity, id)
}

// ListMenu возвращает доступные продукты, отсортированные по категории и имени.
// Сначала читается кэш; ошибки кэша не ломают чтение. Витрина, собранная
// по снимку старше последней инвалидации, в кэш не попадает.
func (s *Service) ListMenu(ctx context.Context) ([]domain.Product, error) {
	cached, cacheErr := s.cache.GetMenu(ctx)
	switch {
	case cacheErr != nil:
		s.metrics.RecordMenuCache("error")
		s.logger.WithError(cacheErr).Warn("menu cache read failed")
	case cached.Hit:
		s.metrics.RecordMenuCache("hit")
		return cached.Products, nil
	default:
		s.metrics.RecordMenuCache("miss")
	}

	products, err := s.store.ListProducts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	menu := make([]domain.Product, 0, len(products))
	for _, p := range products {
		if p.Available {
			menu = append(menu, p)
		}
	}
	sort.SliceStable(menu, func(i, j int) bool {
		if menu[i].Category != menu[j].Category {
			return menu[i].Category < menu[j].Category
		}
		return menu[i].Name < menu[j].Name
	})

	// без поколения запись в кэш не делается
	if cacheErr != nil {
		return menu, nil
	}
	if stored, err := s.cache.SetMenu(ctx, cached.Generation, menu); err != nil {
		s.logger.WithError(err).Warn("menu cache write failed")
	} else if !stored {
		s.metrics.RecordMenuCache("stale")
	}
	return menu, nil
}

func (s *Service) mutateIngredient(ctx context.Context, operation, id, reason string, fn func(g *catalog.Graph) error) (domain.Ingredient, error) {
	var result domain.Ingredient
	uow, err := s.mutate(ctx, operation, reason, func(g *catalog.Graph, _ time.Time) error {
		if err := fn(g); err != nil {
			return err
		}
		var err error
		result, err = g.Ingredient(id)
		return err
	})
	if err != nil {
		return domain.Ingredient{}, err
	}
	for _, ing := range uow.Catalog.Ingredients {
		if ing.ID == id {
			result.Version++
		}
	}
	return result, nil
}

func (s *Service) mutateProduct(ctx context.Context, operation, id, reason string, fn func(g *catalog.Graph) error) (domain.Product, error) {
	var result domain.Product
	uow, err := s.mutate(ctx, operation, reason, func(g *catalog.Graph, _ time.Time) error {
		if err := fn(g); err != nil {
			return err
		}
		var err error
		result, err = g.Product(id)
		return err
	})
	if err != nil {
		return domain.Product{}, err
	}
	for _, p := range uow.Catalog.Products {
		if p.ID == id {
			result.Version++
		}
	}
	return result, nil
}

// mutate выполняет изменение графа и фиксацию с повтором при конфликте версий.
// Возвращает зафиксированный UnitOfWork (пустой, если менять было нечего).
// Версии узлов в нём — те, что были прочитаны; хранилище увеличивает их на единицу.
func (s *Service) mutate(ctx context.Context, operation, reason string, fn func(g *catalog.Graph, now time.Time) error) (domain.UnitOfWork, error) {
	start := time.Now()
	defer func() { s.metrics.RecordOperationDuration(operation, time.Since(start)) }()

	var committed domain.UnitOfWork
	err := s.retrier.Do(ctx, operation, func(ctx context.Context) error {
		committed = domain.UnitOfWork{}
		state, err := s.store.LoadCatalog(ctx)
		if err != nil {
			return fmt.Errorf("load catalog: %w", err)
		}
		now := s.now()
		g := catalog.NewGraph(state, now)
		if err := fn(g, now); err != nil {
			return err
		}

		uow := domain.UnitOfWork{
			Catalog: g.Changes(),
			Audit:   g.AuditRecords(operation, reason, now, uuid.NewString),
		}
		if uow.Catalog.Empty() {
			return nil
		}
		if err := s.store.Commit(ctx, uow); err != nil {
			return err
		}

		s.metrics.RecordRecomputations(g.Recomputations())
		s.metrics.RecordCommit(len(uow.Audit), 0)
		s.logger.WithFields(log.Fields{
			"operation":      operation,
			"ingredients":    len(uow.Catalog.NewIngredients) + len(uow.Catalog.Ingredients),
			"products":       len(uow.Catalog.NewProducts) + len(uow.Catalog.Products),
			"edges_added":    len(uow.Catalog.AddedEdges),
			"edges_removed":  len(uow.Catalog.RemovedEdges),
			"recomputations": g.Recomputations(),
		}).Debug("catalog change committed")

		if err := s.cache.Invalidate(ctx); err != nil {
			s.logger.WithError(err).Warn("menu cache invalidation failed")
		}
		committed = uow
		return nil
	})
	return committed, err
}
