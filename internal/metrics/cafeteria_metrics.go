package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// CafeteriaMetrics содержит доменные метрики каталога и заказов.
// Методы безопасно вызывать на nil: сервисы в тестах работают без метрик.
type CafeteriaMetrics struct {
	// Заказы
	ordersCreated     prometheus.Counter
	orderTransitions  *prometheus.CounterVec
	discountAmount    prometheus.Histogram
	stockShortages    prometheus.Counter
	operationDuration *prometheus.HistogramVec

	// Граф доступности
	recomputations prometheus.Counter

	// Конкурентность
	versionConflicts *prometheus.CounterVec

	// Побочные записи unit of work
	auditRecords prometheus.Counter
	outboxEvents prometheus.Counter

	// Кэш меню
	menuCache *prometheus.CounterVec
}

// NewCafeteriaMetrics создаёт метрики в DefaultRegisterer.
func NewCafeteriaMetrics() *CafeteriaMetrics {
	return NewCafeteriaMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewCafeteriaMetricsWithRegisterer создаёт метрики в указанном registerer;
// повторная регистрация возвращает уже существующие коллекторы.
func NewCafeteriaMetricsWithRegisterer(registerer prometheus.Registerer) *CafeteriaMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &CafeteriaMetrics{
		ordersCreated: registerCounter(registerer, prometheus.CounterOpts{
			Name: "cafeteria_orders_created_total",
			Help: "Total number of orders placed",
		}),
		orderTransitions: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "cafeteria_order_transitions_total",
			Help: "Total number of order status transitions by target status",
		}, []string{"status"}),
		discountAmount: registerHistogram(registerer, prometheus.HistogramOpts{
			Name:    "cafeteria_order_discount_amount",
			Help:    "Discount granted per order",
			Buckets: []float64{0, 0.5, 1, 2, 5, 10, 20, 50, 100},
		}),
		stockShortages: registerCounter(registerer, prometheus.CounterOpts{
			Name: "cafeteria_stock_shortages_total",
			Help: "Total number of orders rejected for insufficient stock",
		}),
		operationDuration: registerHistogramVec(registerer, prometheus.HistogramOpts{
			Name:    "cafeteria_operation_duration_seconds",
			Help:    "Duration of catalog and order operations in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}, []string{"operation"}),
		recomputations: registerCounter(registerer, prometheus.CounterOpts{
			Name: "cafeteria_propagation_recomputations_total",
			Help: "Total number of derived stock recomputations",
		}),
		versionConflicts: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "cafeteria_version_conflict_retries_total",
			Help: "Total number of operations retried after a version conflict",
		}, []string{"operation"}),
		auditRecords: registerCounter(registerer, prometheus.CounterOpts{
			Name: "cafeteria_audit_records_total",
			Help: "Total number of audit records written",
		}),
		outboxEvents: registerCounter(registerer, prometheus.CounterOpts{
			Name: "cafeteria_outbox_events_total",
			Help: "Total number of outbox events enqueued",
		}),
		menuCache: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "cafeteria_menu_cache_requests_total",
			Help: "Menu cache lookups by result",
		}, []string{"result"}),
	}
}

func registerCounter(registerer prometheus.Registerer, opts prometheus.CounterOpts) prometheus.Counter {
	collector := prometheus.NewCounter(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Counter)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter %q: %v", opts.Name, err))
	}
	return collector
}

func registerCounterVec(registerer prometheus.Registerer, opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	collector := prometheus.NewCounterVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.CounterVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter vec %q: %v", opts.Name, err))
	}
	return collector
}

func registerHistogram(registerer prometheus.Registerer, opts prometheus.HistogramOpts) prometheus.Histogram {
	collector := prometheus.NewHistogram(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Histogram)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register histogram %q: %v", opts.Name, err))
	}
	return collector
}

func registerHistogramVec(registerer prometheus.Registerer, opts prometheus.HistogramOpts, labels []string) *prometheus.HistogramVec {
	collector := prometheus.NewHistogramVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.HistogramVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register histogram vec %q: %v", opts.Name, err))
	}
	return collector
}

// RecordOrderCreated учитывает новый заказ и выданную скидку.
func (m *CafeteriaMetrics) RecordOrderCreated(discount float64) {
	if m == nil {
		return
	}
	m.ordersCreated.Inc()
	m.discountAmount.Observe(discount)
}

// RecordTransition учитывает переход заказа в статус.
func (m *CafeteriaMetrics) RecordTransition(status string) {
	if m == nil {
		return
	}
	m.orderTransitions.WithLabelValues(status).Inc()
}

// RecordStockShortage учитывает отказ по остаткам.
func (m *CafeteriaMetrics) RecordStockShortage() {
	if m == nil {
		return
	}
	m.stockShortages.Inc()
}

// RecordRecomputations добавляет число пересчётов производных остатков.
func (m *CafeteriaMetrics) RecordRecomputations(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.recomputations.Add(float64(n))
}

// RecordVersionConflict учитывает повтор операции после конфликта версий.
func (m *CafeteriaMetrics) RecordVersionConflict(operation string) {
	if m == nil {
		return
	}
	m.versionConflicts.WithLabelValues(operation).Inc()
}

// RecordCommit учитывает записи аудита и outbox, зафиксированные в unit of work.
func (m *CafeteriaMetrics) RecordCommit(auditRecords, outboxEvents int) {
	if m == nil {
		return
	}
	m.auditRecords.Add(float64(auditRecords))
	m.outboxEvents.Add(float64(outboxEvents))
}

// RecordOperationDuration записывает время выполнения операции.
func (m *CafeteriaMetrics) RecordOperationDuration(operation string, duration time.Duration) {
	if m == nil {
		return
	}
	m.operationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordMenuCache учитывает результат обращения к кэшу меню: hit, miss, error или stale.
func (m *CafeteriaMetrics) RecordMenuCache(result string) {
	if m == nil {
		return
	}
	m.menuCache.WithLabelValues(result).Inc()
}
