package kafka

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/vladislavdragonenkov/cafeteria/internal/domain"
)

// OutboxTopicPublisher публикует outbox-сообщения в заданный Kafka topic,
// а исчерпавшие попытки сообщения перекладывает в DLQ.
type OutboxTopicPublisher struct {
	producer *Producer
	topic    string
	dlqTopic string
}

// NewOutboxPublisher создаёт Kafka-паблишер для transactional outbox.
func NewOutboxPublisher(producer *Producer, topic string) *OutboxTopicPublisher {
	if topic == "" {
		topic = TopicOrderEvents
	}
	return &OutboxTopicPublisher{
		producer: producer,
		topic:    topic,
		dlqTopic: TopicDeadLetterQueue,
	}
}

// WithDeadLetterTopic переназначает topic для DLQ; пустое значение оставляет TopicDeadLetterQueue.
func (p *OutboxTopicPublisher) WithDeadLetterTopic(topic string) *OutboxTopicPublisher {
	if topic != "" {
		p.dlqTopic = topic
	}
	return p
}

type envelope struct {
	ID            string          `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	PublishedAt   time.Time       `json:"published_at"`
}

func newEnvelope(event domain.OutboxMessage) envelope {
	return envelope{
		ID:            event.ID,
		AggregateType: event.AggregateType,
		AggregateID:   event.AggregateID,
		EventType:     event.EventType,
		Payload:       json.RawMessage(event.Payload),
		PublishedAt:   time.Now().UTC(),
	}
}

func messageKey(event domain.OutboxMessage) string {
	if event.AggregateID != "" {
		return event.AggregateID
	}
	return event.ID
}

func (p *OutboxTopicPublisher) Publish(event domain.OutboxMessage) error {
	if p == nil || p.producer == nil {
		return fmt.Errorf("kafka outbox publisher is not initialized")
	}
	return p.producer.PublishEvent(p.topic, messageKey(event), newEnvelope(event))
}

// PublishDeadLetter отправляет событие в DLQ с причиной и числом попыток в заголовках.
func (p *OutboxTopicPublisher) PublishDeadLetter(event domain.OutboxMessage, attempts int, cause error) error {
	if p == nil || p.producer == nil {
		return fmt.Errorf("kafka outbox publisher is not initialized")
	}
	headers := map[string]string{
		HeaderRetryCount:    strconv.Itoa(attempts),
		HeaderOriginalTopic: p.topic,
		HeaderFailedAt:      time.Now().UTC().Format(time.RFC3339),
	}
	if cause != nil {
		headers[HeaderErrorMessage] = cause.Error()
	}
	return p.producer.PublishEventWithHeaders(p.dlqTopic, messageKey(event), newEnvelope(event), headers)
}

var _ domain.OutboxPublisher = (*OutboxTopicPublisher)(nil)
var _ domain.DeadLetterPublisher = (*OutboxTopicPublisher)(nil)
