package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/cafeteria/internal/domain"
)

const (
	defaultPollInterval   = time.Second
	defaultBatchSize      = 100
	defaultMaxAttempts    = 3
	defaultRetryBaseDelay = 100 * time.Millisecond
	defaultMaxRetryDelay  = time.Minute
	defaultLease          = 30 * time.Second

	// после доставки головы очереди заказа следующее событие выдаётся
	// только новым claim, поэтому цикл повторяет claim, пока есть что отдать
	maxDrainRounds = 32
)

var (
	deliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cafeteria_outbox_deliveries_total",
		Help: "Outcomes of order event deliveries from the outbox: sent, retry, failed, dlq_failed.",
	}, []string{"result"})
	pendingEvents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cafeteria_outbox_pending_records",
		Help: "Order events waiting for delivery.",
	})
	failedEvents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cafeteria_outbox_failed_records",
		Help: "Order events that exhausted delivery attempts.",
	})
	oldestPendingAge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cafeteria_outbox_oldest_pending_age_seconds",
		Help: "Age in seconds of the oldest undelivered order event.",
	})
)

// WorkerOptions задаёт параметры доставки.
type WorkerOptions struct {
	Logger         *log.Entry
	DeadLetters    domain.DeadLetterPublisher
	PollInterval   time.Duration
	BatchSize      int
	MaxAttempts    int
	RetryBaseDelay time.Duration
	MaxRetryDelay  time.Duration
	Lease          time.Duration
	Clock          func() time.Time
}

// Option настраивает Worker.
type Option func(*WorkerOptions)

func WithLogger(logger *log.Entry) Option {
	return func(opts *WorkerOptions) { opts.Logger = logger }
}

// WithDeadLetters задаёт получателя событий, исчерпавших попытки.
func WithDeadLetters(publisher domain.DeadLetterPublisher) Option {
	return func(opts *WorkerOptions) { opts.DeadLetters = publisher }
}

func WithPollInterval(interval time.Duration) Option {
	return func(opts *WorkerOptions) { opts.PollInterval = interval }
}

func WithBatchSize(batchSize int) Option {
	return func(opts *WorkerOptions) { opts.BatchSize = batchSize }
}

// WithMaxAttempts задаёт, после какой попытки событие уходит в DLQ.
func WithMaxAttempts(maxAttempts int) Option {
	return func(opts *WorkerOptions) { opts.MaxAttempts = maxAttempts }
}

// WithRetryBaseDelay задаёт задержку перед второй попыткой; дальше она удваивается.
func WithRetryBaseDelay(delay time.Duration) Option {
	return func(opts *WorkerOptions) { opts.RetryBaseDelay = delay }
}

// WithMaxRetryDelay ограничивает рост задержки между попытками.
func WithMaxRetryDelay(delay time.Duration) Option {
	return func(opts *WorkerOptions) { opts.MaxRetryDelay = delay }
}

// WithLease задаёт аренду выданного события.
func WithLease(lease time.Duration) Option {
	return func(opts *WorkerOptions) { opts.Lease = lease }
}

func WithClock(clock func() time.Time) Option {
	return func(opts *WorkerOptions) { opts.Clock = clock }
}

// Worker доставляет события смены статуса заказов из outbox в брокер.
// Неудачная попытка не блокирует цикл: событие откладывается с экспоненциальной
// задержкой, а после MaxAttempts помечается failed и уходит в DLQ.
type Worker struct {
	repo        domain.OutboxRepository
	publisher   domain.OutboxPublisher
	deadLetters domain.DeadLetterPublisher
	logger      *log.Entry
	opts        WorkerOptions
}

// NewWorker создаёт outbox worker.
func NewWorker(repo domain.OutboxRepository, publisher domain.OutboxPublisher, options ...Option) *Worker {
	opts := WorkerOptions{
		PollInterval:   defaultPollInterval,
		BatchSize:      defaultBatchSize,
		MaxAttempts:    defaultMaxAttempts,
		RetryBaseDelay: defaultRetryBaseDelay,
		MaxRetryDelay:  defaultMaxRetryDelay,
		Lease:          defaultLease,
	}
	for _, option := range options {
		option(&opts)
	}

	if opts.Logger == nil {
		opts.Logger = log.WithField("component", "outbox-worker")
	}
	if opts.Clock == nil {
		opts.Clock = func() time.Time { return time.Now().UTC() }
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.RetryBaseDelay < 0 {
		opts.RetryBaseDelay = 0
	}
	if opts.MaxRetryDelay < opts.RetryBaseDelay {
		opts.MaxRetryDelay = opts.RetryBaseDelay
	}
	if opts.Lease <= 0 {
		opts.Lease = defaultLease
	}

	return &Worker{
		repo:        repo,
		publisher:   publisher,
		deadLetters: opts.DeadLetters,
		logger:      opts.Logger,
		opts:        opts,
	}
}

// Run опрашивает outbox до отмены ctx.
func (w *Worker) Run(ctx context.Context) {
	if w.repo == nil || w.publisher == nil {
		w.logger.Warn("outbox worker is disabled: repo or publisher is nil")
		return
	}

	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()

	w.ProcessOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.ProcessOnce(ctx)
		}
	}
}

// ProcessOnce забирает готовые события, пока они есть, и возвращает число доставленных.
func (w *Worker) ProcessOnce(ctx context.Context) int {
	delivered := 0
	for round := 0; round < maxDrainRounds && ctx.Err() == nil; round++ {
		events, err := w.repo.ClaimPending(ctx, w.opts.BatchSize, w.opts.Lease)
		if err != nil {
			w.logger.WithError(err).Warn("failed to claim outbox events")
			break
		}
		if len(events) == 0 {
			break
		}
		for _, event := range events {
			if ctx.Err() != nil {
				break
			}
			if w.deliver(ctx, event) {
				delivered++
			}
		}
	}
	w.refreshBacklogMetrics(ctx)
	return delivered
}

func (w *Worker) deliver(ctx context.Context, event domain.OutboxMessage) bool {
	logger := w.logger.WithFields(log.Fields{
		"outbox_id":  event.ID,
		"order_id":   event.AggregateID,
		"event_type": event.EventType,
		"attempt":    event.Attempts,
	})

	publishErr := w.publisher.Publish(event)
	if publishErr == nil {
		deliveries.WithLabelValues("sent").Inc()
		if err := w.repo.MarkSent(ctx, event.ID); err != nil {
			logger.WithError(err).Warn("failed to mark outbox event as sent")
		}
		return true
	}

	if event.Attempts < w.opts.MaxAttempts {
		deliveries.WithLabelValues("retry").Inc()
		next := w.opts.Clock().Add(w.retryBackoff(event.Attempts))
		logger.WithError(publishErr).WithField("next_attempt_at", next).Warn("order event delivery failed, rescheduled")
		if err := w.repo.Reschedule(ctx, event.ID, next, publishErr.Error()); err != nil {
			logger.WithError(err).Warn("failed to reschedule outbox event")
		}
		return false
	}

	deliveries.WithLabelValues("failed").Inc()
	cause := fmt.Errorf("%w after %d attempts: %v", domain.ErrOutboxPublish, event.Attempts, publishErr)
	logger.WithError(cause).Error("order event moved to dead letters")
	if w.deadLetters != nil {
		if err := w.deadLetters.PublishDeadLetter(event, event.Attempts, cause); err != nil {
			deliveries.WithLabelValues("dlq_failed").Inc()
			logger.WithError(err).Warn("failed to publish to DLQ")
		}
	}
	if err := w.repo.MarkFailed(ctx, event.ID, cause.Error()); err != nil {
		logger.WithError(err).Warn("failed to mark outbox event as failed")
	}
	return false
}

// retryBackoff возвращает задержку после attempt-й неудачной попытки.
func (w *Worker) retryBackoff(attempt int) time.Duration {
	delay := w.opts.RetryBaseDelay
	if delay <= 0 {
		return 0
	}
	for i := 1; i < attempt; i++ {
		if delay >= w.opts.MaxRetryDelay/2 {
			return w.opts.MaxRetryDelay
		}
		delay *= 2
	}
	if delay > w.opts.MaxRetryDelay {
		return w.opts.MaxRetryDelay
	}
	return delay
}

func (w *Worker) refreshBacklogMetrics(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	stats, err := w.repo.Stats(ctx)
	if err != nil {
		w.logger.WithError(err).Warn("failed to collect outbox backlog stats")
		return
	}

	pendingEvents.Set(float64(stats.PendingCount))
	failedEvents.Set(float64(stats.FailedCount))
	if stats.PendingCount == 0 || stats.OldestPendingAt.IsZero() {
		oldestPendingAge.Set(0)
		return
	}
	age := w.opts.Clock().Sub(stats.OldestPendingAt).Seconds()
	if age < 0 {
		age = 0
	}
	oldestPendingAge.Set(age)
}
