package order

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/cafeteria/internal/cache"
	"github.com/vladislavdragonenkov/cafeteria/internal/catalog"
	"github.com/vladislavdragonenkov/cafeteria/internal/domain"
	"github.com/vladislavdragonenkov/cafeteria/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/cafeteria/internal/metrics"
	"github.com/vladislavdragonenkov/cafeteria/internal/promotion"
	"github.com/vladislavdragonenkov/cafeteria/internal/service/retry"
)

const (
	// ActorCustomer — изменения, инициированные покупателем.
	ActorCustomer = "customer"
	// ActorStaff — изменения, инициированные персоналом.
	ActorStaff = "staff"
)

// Options задаёт параметры сервиса заказов.
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

// WithMenuCache задаёт кэш меню, который сбрасывается после списания остатков.
func WithMenuCache(menu domain.MenuCache) Option {
	return func(opts *Options) { opts.Cache = menu }
}

// WithRetryConfig задаёт политику повторов при конфликте версий.
func WithRetryConfig(cfg retry.Config) Option {
	return func(opts *Options) { opts.Retry = cfg }
}

// WithClock подменяет источник времени; от него зависят и действующие акции.
func WithClock(clock func() time.Time) Option {
	return func(opts *Options) { opts.Clock = clock }
}

// Item — позиция корзины.
type Item struct {
	ProductID string
	Quantity  int64
}

// Evaluation — расчёт корзины без побочных эффектов.
type Evaluation struct {
	Lines    []domain.OrderLine
	Subtotal decimal.Decimal
	Discount decimal.Decimal
	Total    decimal.Decimal
	Applied  []domain.AppliedPromotion
}

// Service реализует сценарии заказа: оформление со списанием остатков и скидками,
// переходы статусов с возвратом остатков. Каждый сценарий фиксируется одним UnitOfWork.
type Service struct {
	store   domain.Store
	cache   domain.MenuCache
	retrier *retry.Retrier
	metrics *metrics.CafeteriaMetrics
	logger  *log.Entry
	now     func() time.Time
}

// NewService создаёт сервис заказов.
func NewService(store domain.Store, options ...Option) *Service {
	opts := Options{Retry: retry.DefaultConfig()}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "order-service")
	}
	menuCache := opts.Cache
	if menuCache == nil {
		menuCache = cache.Nop{}
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
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

// CreateOrder оформляет заказ: проверяет наличие, списывает остатки, подбирает скидки.
// Любая ошибка оставляет остатки нетронутыми.
func (s *Service) CreateOrder(ctx context.Context, userID string, items []Item) (domain.Order, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return domain.Order{}, fmt.Errorf("%w: user_id is required", domain.ErrInvalidArgument)
	}
	merged, err := mergeItems(items)
	if err != nil {
		return domain.Order{}, err
	}

	start := time.Now()
	defer func() { s.metrics.RecordOperationDuration("create_order", time.Since(start)) }()

	var (
		created   domain.Order
		committed domain.UnitOfWork
	)
	err = s.retrier.Do(ctx, "create_order", func(ctx context.Context) error {
		state, err := s.store.LoadCatalog(ctx)
		if err != nil {
			return fmt.Errorf("load catalog: %w", err)
		}
		now := s.now()
		g := catalog.NewGraph(state, now.UTC())

		lines := make([]domain.OrderLine, 0, len(merged))
		for _, item := range merged {
			p, err := g.Product(item.ProductID)
			if err != nil {
				return err
			}
			if err := g.ConsumeStock(p.ID, item.Quantity); err != nil {
				return err
			}
			lines = append(lines, lineFor(p, item.Quantity))
		}

		result, err := s.optimize(ctx, lines, now)
		if err != nil {
			return err
		}

		number, err := s.store.NextOrderNumber(ctx)
		if err != nil {
			return fmt.Errorf("next order number: %w", err)
		}
		order := domain.Order{
			ID:             uuid.NewString(),
			Number:         number,
			UserID:         userID,
			Lines:          lines,
			Promotions:     result.Snapshots(),
			Subtotal:       result.Subtotal,
			DiscountAmount: result.TotalDiscount,
			Total:          result.Total,
			CreatedAt:      now.UTC(),
		}
		order.Transition(domain.OrderStatusPending, "created", ActorCustomer, now.UTC())
		if errs := order.ValidateInvariants(); len(errs) > 0 {
			return errors.Join(errs...)
		}

		event, err := statusEvent(order, "", "created", ActorCustomer, now.UTC())
		if err != nil {
			return err
		}
		audit := g.AuditRecords("create_order", fmt.Sprintf("order #%d", number), now.UTC(), uuid.NewString)
		audit = append(audit, orderAudit(order, "create_order", fmt.Sprintf(
			"created #%d subtotal %s discount %s total %s", number,
			order.Subtotal.StringFixed(2), order.DiscountAmount.StringFixed(2), order.Total.StringFixed(2),
		), "", now.UTC()))

		uow := domain.UnitOfWork{
			Catalog:  g.Changes(),
			NewOrder: &order,
			Outbox:   []domain.OutboxMessage{event},
			Audit:    audit,
		}
		if err := s.store.Commit(ctx, uow); err != nil {
			return err
		}
		s.metrics.RecordRecomputations(g.Recomputations())
		created, committed = order, uow
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrInsufficientStock) {
			s.metrics.RecordStockShortage()
		}
		s.logger.WithError(err).WithFields(log.Fields{
			"user_id": userID,
			"items":   len(merged),
		}).Warn("order rejected")
		return domain.Order{}, err
	}

	s.afterCommit(ctx, committed)
	discount, _ := created.DiscountAmount.Float64()
	s.metrics.RecordOrderCreated(discount)
	s.metrics.RecordTransition(string(domain.OrderStatusPending))
	s.logger.WithFields(log.Fields{
		"order_id":   created.ID,
		"number":     created.Number,
		"user_id":    userID,
		"total":      created.Total.StringFixed(2),
		"discount":   created.DiscountAmount.StringFixed(2),
		"promotions": len(created.Promotions),
	}).Info("order created")
	return created, nil
}

// EvaluatePromotions считает корзину по текущим ценам и акциям, ничего не меняя.
func (s *Service) EvaluatePromotions(ctx context.Context, items []Item) (Evaluation, error) {
	merged, err := mergeItems(items)
	if err != nil {
		return Evaluation{}, err
	}

	lines := make([]domain.OrderLine, 0, len(merged))
	for _, item := range merged {
		p, err := s.store.GetProduct(ctx, item.ProductID)
		if err != nil {
			return Evaluation{}, err
		}
		lines = append(lines, lineFor(p, item.Quantity))
	}

	result, err := s.optimize(ctx, lines, s.now())
	if err != nil {
		return Evaluation{}, err
	}
	return Evaluation{
		Lines:    lines,
		Subtotal: result.Subtotal,
		Discount: result.TotalDiscount,
		Total:    result.Total,
		Applied:  result.Snapshots(),
	}, nil
}

// CancelOrder отменяет заказ по просьбе покупателя и возвращает остатки.
func (s *Service) CancelOrder(ctx context.Context, id, reason string) (domain.Order, error) {
	return s.transition(ctx, "cancel_order", id, reason, ActorCustomer, true, domain.OrderStatus.Cancel)
}

// RejectOrder отклоняет заказ персоналом; причина обязательна.
func (s *Service) RejectOrder(ctx context.Context, id, reason string) (domain.Order, error) {
	if strings.TrimSpace(reason) == "" {
		return domain.Order{}, fmt.Errorf("%w: reject reason is required", domain.ErrInvalidArgument)
	}
	return s.transition(ctx, "reject_order", id, reason, ActorStaff, true, domain.OrderStatus.Reject)
}

// ForceCancel отменяет любой незавершённый заказ от имени персонала; причина обязательна.
func (s *Service) ForceCancel(ctx context.Context, id, reason string) (domain.Order, error) {
	if strings.TrimSpace(reason) == "" {
		return domain.Order{}, fmt.Errorf("%w: force cancel reason is required", domain.ErrInvalidArgument)
	}
	return s.transition(ctx, "force_cancel_order", id, reason, ActorStaff, true, domain.OrderStatus.Cancel)
}

// MoveForward продвигает заказ по цепочке pending → confirmed → preparing → ready → completed.
func (s *Service) MoveForward(ctx context.Context, id string) (domain.Order, error) {
	return s.transition(ctx, "move_forward", id, "", ActorStaff, false, domain.OrderStatus.Forward)
}

// MoveBackward откатывает заказ на шаг: ready → preparing → confirmed.
func (s *Service) MoveBackward(ctx context.Context, id string) (domain.Order, error) {
	return s.transition(ctx, "move_backward", id, "", ActorStaff, false, domain.OrderStatus.Backward)
}

// GetOrder возвращает заказ.
func (s *Service) GetOrder(ctx context.Context, id string) (domain.Order, error) {
	return s.store.GetOrder(ctx, id)
}

// ListOrdersByUser возвращает заказы пользователя, новые первыми.
func (s *Service) ListOrdersByUser(ctx context.Context, userID string, limit int) ([]domain.Order, error) {
	return s.store.ListOrdersByUser(ctx, userID, limit)
}

// ListOrdersByStatus возвращает очередь заказов в статусе, старые первыми.
func (s *Service) ListOrdersByStatus(ctx context.Context, status domain.OrderStatus, limit int) ([]domain.Order, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", domain.ErrInvalidArgument, status)
	}
	return s.store.ListOrdersByStatus(ctx, status, limit)
}

// transition применяет переход статуса; restock возвращает остатки всех позиций
// в том же UnitOfWork, поэтому при гонке остатки возвращаются ровно один раз.
func (s *Service) transition(
	ctx context.Context,
	operation, id, reason, actor string,
	restock bool,
	next func(domain.OrderStatus) (domain.OrderStatus, error),
) (domain.Order, error) {
	start := time.Now()
	defer func() { s.metrics.RecordOperationDuration(operation, time.Since(start)) }()

	var (
		result    domain.Order
		committed domain.UnitOfWork
	)
	err := s.retrier.Do(ctx, operation, func(ctx context.Context) error {
		order, err := s.store.GetOrder(ctx, id)
		if err != nil {
			return err
		}
		from := order.Status
		to, err := next(from)
		if err != nil {
			return err
		}

		now := s.now().UTC()
		uow := domain.UnitOfWork{}
		if restock {
			state, err := s.store.LoadCatalog(ctx)
			if err != nil {
				return fmt.Errorf("load catalog: %w", err)
			}
			g := catalog.NewGraph(state, now)
			for _, line := range order.Lines {
				if err := g.RestoreStock(line.ProductID, line.Quantity); err != nil {
					return fmt.Errorf("restore %s: %w", line.ProductID, err)
				}
			}
			uow.Catalog = g.Changes()
			uow.Audit = g.AuditRecords(operation, fmt.Sprintf("order #%d", order.Number), now, uuid.NewString)
		}

		order.Transition(to, reason, actor, now)
		event, err := statusEvent(order, from, reason, actor, now)
		if err != nil {
			return err
		}
		uow.Order = &order
		uow.Outbox = []domain.OutboxMessage{event}
		uow.Audit = append(uow.Audit, orderAudit(order, operation, fmt.Sprintf("status %s -> %s", from, to), reason, now))

		if err := s.store.Commit(ctx, uow); err != nil {
			return err
		}
		order.Version++
		result, committed = order, uow
		return nil
	})
	if err != nil {
		s.logger.WithError(err).WithFields(log.Fields{
			"order_id":  id,
			"operation": operation,
		}).Warn("order transition failed")
		return domain.Order{}, err
	}

	s.afterCommit(ctx, committed)
	s.metrics.RecordTransition(string(result.Status))
	s.logger.WithFields(log.Fields{
		"order_id": result.ID,
		"number":   result.Number,
		"status":   result.Status,
		"actor":    actor,
	}).Info("order status changed")
	return result, nil
}

func (s *Service) optimize(ctx context.Context, lines []domain.OrderLine, now time.Time) (promotion.Result, error) {
	all, err := s.store.ListPromotions(ctx)
	if err != nil {
		return promotion.Result{}, fmt.Errorf("list promotions: %w", err)
	}
	return promotion.Optimize(promotion.FilterValid(all, now), promotion.Cart(lines)), nil
}

func (s *Service) afterCommit(ctx context.Context, uow domain.UnitOfWork) {
	s.metrics.RecordCommit(len(uow.Audit), len(uow.Outbox))
	if uow.Catalog.Empty() {
		return
	}
	if err := s.cache.Invalidate(ctx); err != nil {
		s.logger.WithError(err).Warn("menu cache invalidation failed")
	}
}

// mergeItems проверяет позиции и склеивает повторы одного продукта, сохраняя порядок первого вхождения.
func mergeItems(items []Item) ([]Item, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: order must contain at least one item", domain.ErrInvalidArgument)
	}
	index := make(map[string]int, len(items))
	merged := make([]Item, 0, len(items))
	for _, item := range items {
		id := strings.TrimSpace(item.ProductID)
		if id == "" {
			return nil, fmt.Errorf("%w: product_id is required", domain.ErrInvalidArgument)
		}
		if item.Quantity <= 0 {
			return nil, fmt.Errorf("%w: quantity of %s must be positive, got %d", domain.ErrInvalidArgument, id, item.Quantity)
		}
		if i, ok := index[id]; ok {
			if merged[i].Quantity > math.MaxInt64-item.Quantity {
				return nil, fmt.Errorf("%w: total quantity of %s overflows", domain.ErrInvalidArgument, id)
			}
			merged[i].Quantity += item.Quantity
			continue
		}
		index[id] = len(merged)
		merged = append(merged, Item{ProductID: id, Quantity: item.Quantity})
	}
	return merged, nil
}

func lineFor(p domain.Product, qty int64) domain.OrderLine {
	return domain.OrderLine{
		ProductID: p.ID,
		Name:      p.Name,
		Category:  p.Category,
		UnitPrice: p.Price,
		Quantity:  qty,
		Subtotal:  p.Price.Mul(decimal.NewFromInt(qty)),
	}
}

func statusEvent(order domain.Order, from domain.OrderStatus, reason, actor string, at time.Time) (domain.OutboxMessage, error) {
	payload, err := kafka.NewOrderStatusChangedEvent(
		order.ID, order.Number, order.UserID,
		string(from), string(order.Status), reason, actor,
		order.Total.StringFixed(2), at,
	).Marshal()
	if err != nil {
		return domain.OutboxMessage{}, fmt.Errorf("marshal status event: %w", err)
	}
	return domain.OutboxMessage{
		ID:            uuid.NewString(),
		AggregateType: kafka.AggregateOrder,
		AggregateID:   order.ID,
		EventType:     string(kafka.EventTypeOrderStatusChanged),
		Payload:       payload,
	}, nil
}

func orderAudit(order domain.Order, operation, delta, reason string, at time.Time) domain.AuditRecord {
	return domain.AuditRecord{
		ID:         uuid.NewString(),
		Entity:     domain.AuditOrder,
		EntityID:   order.ID,
		Operation:  operation,
		Delta:      delta,
		Reason:     reason,
		OccurredAt: at,
	}
}
