package app

import (
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/cafeteria/internal/messaging/kafka"
)

// eventBus связывает Kafka producer с публикатором outbox для заказов.
// Нулевое значение означает, что брокеры не заданы и события копятся в outbox.
type eventBus struct {
	producer  *kafka.Producer
	publisher *kafka.OutboxTopicPublisher
}

func (b eventBus) enabled() bool { return b.publisher != nil }

// initEventBus подключается к брокерам из cfg. Ошибка подключения не фатальна:
// сервис продолжает работать, а события ждут в outbox следующего запуска.
func initEventBus(cfg Config, logger *log.Entry) (eventBus, error) {
	brokers := cfg.KafkaBrokerList()
	if len(brokers) == 0 {
		return eventBus{}, nil
	}

	producer, err := kafka.NewProducer(kafka.ProducerConfig{
		Brokers:  brokers,
		ClientID: cfg.KafkaClientID,
	})
	if err != nil {
		logger.WithError(err).Warn("failed to connect to kafka, order events stay in outbox")
		return eventBus{}, err
	}

	logger.WithFields(log.Fields{
		"brokers":   brokers,
		"topic":     cfg.KafkaOrderTopic,
		"dlq_topic": cfg.KafkaDeadLetterTopic,
	}).Info("kafka event bus initialized")
	return newEventBus(producer, cfg), nil
}

func newEventBus(producer *kafka.Producer, cfg Config) eventBus {
	return eventBus{
		producer: producer,
		publisher: kafka.NewOutboxPublisher(producer, cfg.KafkaOrderTopic).
			WithDeadLetterTopic(cfg.KafkaDeadLetterTopic),
	}
}

func (b eventBus) close(logger *log.Entry) {
	if b.producer == nil {
		return
	}
	if err := b.producer.Close(); err != nil {
		logger.WithError(err).Warn("failed to close kafka producer")
		return
	}
	logger.Info("kafka producer closed")
}
