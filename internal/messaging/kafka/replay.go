package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"
)

// HeaderReplayedAt отмечает события, повторно отправленные из DLQ.
const HeaderReplayedAt = "x-replayed-at"

const defaultReplayIdleTimeout = 2 * time.Second

// OffsetSource — часть sarama.Client, нужная для обхода партиций DLQ.
type OffsetSource interface {
	GetOffset(topic string, partition int32, time int64) (int64, error)
	Partitions(topic string) ([]int32, error)
}

// PartitionReader читает одну партицию.
type PartitionReader interface {
	Messages() <-chan *sarama.ConsumerMessage
	Errors() <-chan *sarama.ConsumerError
	Close() error
}

// PartitionSource открывает чтение партиции с заданного offset.
type PartitionSource interface {
	ConsumePartition(topic string, partition int32, offset int64) (PartitionReader, error)
}

// ReplayConfig задаёт границы одного прохода по DLQ.
type ReplayConfig struct {
	SourceTopic string
	// DefaultTarget используется, если в сообщении нет заголовка x-original-topic.
	DefaultTarget string
	Limit         int
	// Execute=false — dry-run: кандидаты только логируются.
	Execute     bool
	FromNewest  bool
	IdleTimeout time.Duration
}

// ReplayStats — итог прохода.
type ReplayStats struct {
	Processed int
	Replayed  int
	Skipped   int
}

func (s *ReplayStats) add(other ReplayStats) {
	s.Processed += other.Processed
	s.Replayed += other.Replayed
	s.Skipped += other.Skipped
}

// DeadLetterReplayer возвращает исчерпавшие попытки outbox-события из DLQ в исходный topic.
type DeadLetterReplayer struct {
	offsets  OffsetSource
	source   PartitionSource
	producer *Producer
	logger   *log.Entry
}

// NewDeadLetterReplayer собирает replayer из готовых зависимостей; producer может быть nil для dry-run.
func NewDeadLetterReplayer(offsets OffsetSource, source PartitionSource, producer *Producer, logger *log.Entry) *DeadLetterReplayer {
	if logger == nil {
		logger = log.WithField("component", "dlq-replay")
	}
	return &DeadLetterReplayer{offsets: offsets, source: source, producer: producer, logger: logger}
}

type saramaPartitionSource struct {
	consumer sarama.Consumer
}

func (s saramaPartitionSource) ConsumePartition(topic string, partition int32, offset int64) (PartitionReader, error) {
	pc, err := s.consumer.ConsumePartition(topic, partition, offset)
	if err != nil {
		return nil, err
	}
	return pc, nil
}

// DialDeadLetterReplayer подключается к брокерам; closeFn освобождает клиента, consumer и producer.
func DialDeadLetterReplayer(cfg ProducerConfig, execute bool) (*DeadLetterReplayer, func() error, error) {
	consumerConfig := sarama.NewConfig()
	consumerConfig.Consumer.Return.Errors = true
	if cfg.ClientID != "" {
		consumerConfig.ClientID = cfg.ClientID
	}

	client, err := sarama.NewClient(cfg.Brokers, consumerConfig)
	if err != nil {
		return nil, nil, fmt.Errorf("create kafka client: %w", err)
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("create kafka consumer: %w", err)
	}

	closers := []func() error{client.Close, consumer.Close}
	var producer *Producer
	if execute {
		producer, err = NewProducer(cfg)
		if err != nil {
			_ = consumer.Close()
			_ = client.Close()
			return nil, nil, err
		}
		closers = append(closers, producer.Close)
	}

	closeFn := func() error {
		var errs []error
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}

	replayer := NewDeadLetterReplayer(client, saramaPartitionSource{consumer: consumer}, producer, nil)
	return replayer, closeFn, nil
}

// Replay проходит партиции DLQ по возрастанию номера, пока не обработает Limit сообщений.
func (r *DeadLetterReplayer) Replay(ctx context.Context, cfg ReplayConfig) (ReplayStats, error) {
	var total ReplayStats
	if r.offsets == nil || r.source == nil {
		return total, fmt.Errorf("kafka client and consumer are required")
	}
	if cfg.Execute && r.producer == nil {
		return total, fmt.Errorf("producer is required in execute mode")
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultReplayIdleTimeout
	}
	if cfg.DefaultTarget == "" {
		cfg.DefaultTarget = TopicOrderEvents
	}

	partitions, err := r.offsets.Partitions(cfg.SourceTopic)
	if err != nil {
		return total, fmt.Errorf("get partitions for topic %s: %w", cfg.SourceTopic, err)
	}
	if len(partitions) == 0 {
		r.logger.WithField("topic", cfg.SourceTopic).Warn("source topic has no partitions")
		return total, nil
	}
	sort.Slice(partitions, func(i, j int) bool { return partitions[i] < partitions[j] })

	for _, partition := range partitions {
		if total.Processed >= cfg.Limit {
			break
		}
		stats, err := r.replayPartition(ctx, cfg, partition, cfg.Limit-total.Processed)
		total.add(stats)
		if err != nil {
			return total, err
		}
	}

	mode := "dry-run"
	if cfg.Execute {
		mode = "execute"
	}
	r.logger.WithFields(log.Fields{
		"mode":      mode,
		"processed": total.Processed,
		"replayed":  total.Replayed,
		"skipped":   total.Skipped,
	}).Info("dlq replay finished")

	return total, nil
}

func (r *DeadLetterReplayer) replayPartition(ctx context.Context, cfg ReplayConfig, partition int32, limit int) (ReplayStats, error) {
	var stats ReplayStats
	if limit <= 0 {
		return stats, nil
	}

	oldest, err := r.offsets.GetOffset(cfg.SourceTopic, partition, sarama.OffsetOldest)
	if err != nil {
		return stats, fmt.Errorf("get oldest offset for partition %d: %w", partition, err)
	}
	newest, err := r.offsets.GetOffset(cfg.SourceTopic, partition, sarama.OffsetNewest)
	if err != nil {
		return stats, fmt.Errorf("get newest offset for partition %d: %w", partition, err)
	}
	if newest <= oldest {
		return stats, nil
	}

	start := oldest
	if cfg.FromNewest {
		start = max(newest-int64(limit), oldest)
	}

	reader, err := r.source.ConsumePartition(cfg.SourceTopic, partition, start)
	if err != nil {
		return stats, fmt.Errorf("consume partition %d: %w", partition, err)
	}
	defer func() { _ = reader.Close() }()

	idle := time.NewTimer(cfg.IdleTimeout)
	defer idle.Stop()

	for stats.Processed < limit {
		select {
		case <-ctx.Done():
			return stats, ctx.Err()
		case cerr := <-reader.Errors():
			if cerr != nil {
				return stats, fmt.Errorf("partition %d consumer error: %w", partition, cerr)
			}
		case msg, ok := <-reader.Messages():
			if !ok || msg == nil {
				return stats, nil
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(cfg.IdleTimeout)

			if msg.Offset >= newest {
				return stats, nil
			}

			stats.Processed++
			if err := r.replayMessage(cfg, msg); err != nil {
				var skip skipError
				if errors.As(err, &skip) {
					stats.Skipped++
					r.logger.WithError(err).WithFields(log.Fields{
						"partition": msg.Partition,
						"offset":    msg.Offset,
					}).Warn("skip unsupported dlq message")
				} else {
					return stats, err
				}
			} else {
				stats.Replayed++
			}

			if msg.Offset+1 >= newest {
				return stats, nil
			}
		case <-idle.C:
			return stats, nil
		}
	}
	return stats, nil
}

// skipError — сообщение не похоже на outbox-событие и не переотправляется.
type skipError struct{ reason string }

func (e skipError) Error() string { return e.reason }

func (r *DeadLetterReplayer) replayMessage(cfg ReplayConfig, msg *sarama.ConsumerMessage) error {
	event, err := decodeDeadLetter(msg.Value)
	if err != nil {
		return err
	}
	target := headerValue(msg.Headers, HeaderOriginalTopic)
	if target == "" {
		target = cfg.DefaultTarget
	}
	key := string(msg.Key)
	if key == "" {
		key = firstNonEmpty(event.AggregateID, event.ID)
	}

	if !cfg.Execute {
		r.logger.WithFields(log.Fields{
			"partition":    msg.Partition,
			"offset":       msg.Offset,
			"target_topic": target,
			"key":          key,
			"event_type":   event.EventType,
		}).Info("dlq replay candidate")
		return nil
	}

	event.PublishedAt = time.Now().UTC()
	headers := map[string]string{HeaderReplayedAt: event.PublishedAt.Format(time.RFC3339)}
	if retries := headerValue(msg.Headers, HeaderRetryCount); retries != "" {
		if n, err := strconv.Atoi(retries); err == nil {
			headers[HeaderRetryCount] = strconv.Itoa(n)
		}
	}
	if err := r.producer.PublishEventWithHeaders(target, key, event, headers); err != nil {
		return fmt.Errorf("publish replay message: %w", err)
	}
	return nil
}

func decodeDeadLetter(raw []byte) (envelope, error) {
	var event envelope
	if err := json.Unmarshal(raw, &event); err != nil {
		return envelope{}, skipError{reason: fmt.Sprintf("decode dlq envelope: %v", err)}
	}
	if strings.TrimSpace(event.ID) == "" || strings.TrimSpace(event.EventType) == "" {
		return envelope{}, skipError{reason: "dlq message is not an outbox envelope"}
	}
	if len(event.Payload) == 0 || !json.Valid(event.Payload) {
		return envelope{}, skipError{reason: "dlq envelope does not contain event payload"}
	}
	return event, nil
}

func headerValue(headers []*sarama.RecordHeader, name string) string {
	for _, h := range headers {
		if h != nil && string(h.Key) == name {
			return strings.TrimSpace(string(h.Value))
		}
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
