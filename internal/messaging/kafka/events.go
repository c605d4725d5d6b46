package kafka

import (
	"encoding/json"
	"time"
)

// EventType определяет тип события
type EventType string

const (
	// EventTypeOrderStatusChanged — заказ создан или сменил статус.
	EventTypeOrderStatusChanged EventType = "order.status_changed"
)

// AggregateOrder — тип агрегата для событий заказа в outbox.
const AggregateOrder = "order"

// Topics для Kafka
const (
	TopicOrderEvents     = "cafeteria.order.events"
	TopicDeadLetterQueue = "cafeteria.dlq" // Dead Letter Queue для failed messages
)

// Kafka headers для retry логики
const (
	HeaderRetryCount    = "x-retry-count"
	HeaderOriginalTopic = "x-original-topic"
	HeaderErrorMessage  = "x-error-message"
	HeaderFailedAt      = "x-failed-at"
)

// OrderStatusChangedEvent — уведомление подписчиков (кухня, витрина заказов) о смене статуса.
// From пуст для только что созданного заказа.
type OrderStatusChangedEvent struct {
	EventType   EventType `json:"event_type"`
	OrderID     string    `json:"order_id"`
	OrderNumber int64     `json:"order_number"`
	UserID      string    `json:"user_id"`
	From        string    `json:"from,omitempty"`
	To          string    `json:"to"`
	Reason      string    `json:"reason,omitempty"`
	Actor       string    `json:"actor,omitempty"`
	Total       string    `json:"total"`
	Timestamp   time.Time `json:"timestamp"`
}

// NewOrderStatusChangedEvent создает событие смены статуса.
func NewOrderStatusChangedEvent(orderID string, number int64, userID, from, to, reason, actor, total string, at time.Time) *OrderStatusChangedEvent {
	return &OrderStatusChangedEvent{
		EventType:   EventTypeOrderStatusChanged,
		OrderID:     orderID,
		OrderNumber: number,
		UserID:      userID,
		From:        from,
		To:          to,
		Reason:      reason,
		Actor:       actor,
		Total:       total,
		Timestamp:   at,
	}
}

// Marshal сериализует событие в JSON для outbox.
func (e *OrderStatusChangedEvent) Marshal() ([]byte, error) {
	return json.Marshal(e)
}
