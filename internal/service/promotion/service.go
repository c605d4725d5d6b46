package promotion

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/cafeteria/internal/domain"
	"github.com/vladislavdragonenkov/cafeteria/internal/metrics"
	"github.com/vladislavdragonenkov/cafeteria/internal/promotion"
	"github.com/vladislavdragonenkov/cafeteria/internal/service/retry"
)

// Options задаёт параметры сервиса промо-акций.
type Options struct {
	Logger  *log.Entry
	Metrics *metrics.CafeteriaMetrics
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

// WithRetryConfig задаёт политику повторов.
func WithRetryConfig(cfg retry.Config) Option {
	return func(opts *Options) { opts.Retry = cfg }
}

// WithClock подменяет источник времени; от него зависит ListValid.
func WithClock(clock func() time.Time) Option {
	return func(opts *Options) { opts.Clock = clock }
}

// Service управляет каталогом промо-акций.
type Service struct {
	store   domain.Store
	retrier *retry.Retrier
	metrics *metrics.CafeteriaMetrics
	logger  *log.Entry
	now     func() time.Time
}

// NewService создаёт сервис промо-акций.
func NewService(store domain.Store, options ...Option) *Service {
	opts := Options{Retry: retry.DefaultConfig()}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "promotion-service")
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}

	m := opts.Metrics
	return &Service{
		store: store,
		retrier: retry.New(opts.Retry, logger, func(operation string, _ int) {
			m.RecordVersionConflict(operation)
		}),
		metrics: m,
		logger:  logger,
		now:     clock,
	}
}

// CreateInput — определение новой акции. Поля, не относящиеся к типу, игнорируются.
type CreateInput struct {
	Name        string
	Description string
	Type        domain.PromotionType

	StartDate       *time.Time
	EndDate         *time.Time
	ApplicableDays  []time.Weekday
	ApplicableHours []domain.TimeRange

	Category         string
	Multiplier       decimal.Decimal
	MinimumPurchase  decimal.Decimal
	DiscountAmount   decimal.Decimal
	RequiredCategory string
	FreeCategory     string
	RequiredQuantity int64
	FreeQuantity     int64
	ChargedQuantity  int64
}

// Create проверяет определение и сохраняет активную акцию.
func (s *Service) Create(ctx context.Context, in CreateInput) (domain.Promotion, error) {
	now := s.now().UTC()
	p := domain.Promotion{
		ID:               uuid.NewString(),
		Name:             strings.TrimSpace(in.Name),
		Description:      in.Description,
		Type:             in.Type,
		Active:           true,
		StartDate:        truncateDate(in.StartDate),
		EndDate:          truncateDate(in.EndDate),
		ApplicableDays:   in.ApplicableDays,
		ApplicableHours:  in.ApplicableHours,
		Category:         normalizeCategory(in.Category),
		Multiplier:       in.Multiplier,
		MinimumPurchase:  in.MinimumPurchase,
		DiscountAmount:   in.DiscountAmount,
		RequiredCategory: normalizeCategory(in.RequiredCategory),
		FreeCategory:     normalizeCategory(in.FreeCategory),
		RequiredQuantity: in.RequiredQuantity,
		FreeQuantity:     in.FreeQuantity,
		ChargedQuantity:  in.ChargedQuantity,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := p.Validate(); err != nil {
		return domain.Promotion{}, err
	}

	err := s.retrier.Do(ctx, "create_promotion", func(ctx context.Context) error {
		if err := s.ensureUniqueName(ctx, p.ID, p.Name); err != nil {
			return err
		}
		return s.store.Commit(ctx, domain.UnitOfWork{
			NewPromotions: []domain.Promotion{p},
			Audit:         []domain.AuditRecord{s.audit(p.ID, "create_promotion", fmt.Sprintf("created %s %q", p.Type, p.Name), "", now)},
		})
	})
	if err != nil {
		return domain.Promotion{}, err
	}

	s.metrics.RecordCommit(1, 0)
	s.logger.WithFields(log.Fields{
		"promotion_id": p.ID,
		"type":         p.Type,
		"scope":        p.Scope(),
	}).Info("promotion created")
	return p, nil
}

// Get возвращает акцию.
func (s *Service) Get(ctx context.Context, id string) (domain.Promotion, error) {
	return s.store.GetPromotion(ctx, id)
}

// List возвращает все акции, включая неактивные.
func (s *Service) List(ctx context.Context) ([]domain.Promotion, error) {
	return s.store.ListPromotions(ctx)
}

// ListValid возвращает акции, действующие прямо сейчас.
func (s *Service) ListValid(ctx context.Context) ([]domain.Promotion, error) {
	all, err := s.store.ListPromotions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list promotions: %w", err)
	}
	return promotion.FilterValid(all, s.now()), nil
}

// Activate включает акцию.
func (s *Service) Activate(ctx context.Context, id, reason string) (domain.Promotion, error) {
	return s.setActive(ctx, id, true, reason)
}

// Deactivate выключает акцию; уже оформленные заказы хранят свои снимки.
func (s *Service) Deactivate(ctx context.Context, id, reason string) (domain.Promotion, error) {
	return s.setActive(ctx, id, false, reason)
}

func (s *Service) setActive(ctx context.Context, id string, active bool, reason string) (domain.Promotion, error) {
	operation := "deactivate_promotion"
	if active {
		operation = "activate_promotion"
	}

	var result domain.Promotion
	err := s.retrier.Do(ctx, operation, func(ctx context.Context) error {
		p, err := s.store.GetPromotion(ctx, id)
		if err != nil {
			return err
		}
		if p.Active == active {
			result = p
			return nil
		}

		now := s.now().UTC()
		p.Active = active
		p.UpdatedAt = now
		delta := fmt.Sprintf("active %t -> %t", !active, active)
		if err := s.store.Commit(ctx, domain.UnitOfWork{
			Promotions: []domain.Promotion{p},
			Audit:      []domain.AuditRecord{s.audit(p.ID, operation, delta, reason, now)},
		}); err != nil {
			return err
		}
		p.Version++
		result = p
		return nil
	})
	if err != nil {
		return domain.Promotion{}, err
	}
	return result, nil
}

func (s *Service) ensureUniqueName(ctx context.Context, id, name string) error {
	all, err := s.store.ListPromotions(ctx)
	if err != nil {
		return fmt.Errorf("list promotions: %w", err)
	}
	for _, p := range all {
		if p.ID != id && strings.EqualFold(p.Name, name) {
			return fmt.Errorf("promotion name %q: %w", name, domain.ErrAlreadyExists)
		}
	}
	return nil
}

func (s *Service) audit(id, operation, delta, reason string, at time.Time) domain.AuditRecord {
	return domain.AuditRecord{
		ID:         uuid.NewString(),
		Entity:     domain.AuditPromotion,
		EntityID:   id,
		Operation:  operation,
		Delta:      delta,
		Reason:     reason,
		OccurredAt: at,
	}
}

func normalizeCategory(category string) string {
	return strings.ToUpper(strings.TrimSpace(category))
}

func truncateDate(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	d := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	return &d
}
