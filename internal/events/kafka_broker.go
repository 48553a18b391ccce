package events

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/monkeyscloud/monkeyswork-realtime/pkg/log"
)

// KafkaConfig configures the Kafka broker.
type KafkaConfig struct {
	Brokers    string
	Partitions int
	// EnsureTopics creates missing topics on first publish.
	EnsureTopics bool
}

// KafkaBroker produces envelopes with confluent-kafka-go. Delivery is
// confirmed per message before Publish returns.
type KafkaBroker struct {
	producer *kafka.Producer
	cfg      KafkaConfig
	ensured  sync.Map
	doneCh   chan struct{}
}

func NewKafkaBroker(cfg KafkaConfig) (*KafkaBroker, error) {
	if cfg.Partitions <= 0 {
		cfg.Partitions = 3
	}

	p, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers":  cfg.Brokers,
		"acks":               "all",
		"enable.idempotence": true,
		"linger.ms":          5,
		"compression.type":   "snappy",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	b := &KafkaBroker{
		producer: p,
		cfg:      cfg,
		doneCh:   make(chan struct{}),
	}

	go b.eventHandler()

	return b, nil
}

// ensureTopic creates topic once per process; an existing topic is fine.
func (b *KafkaBroker) ensureTopic(ctx context.Context, topic string) error {
	if !b.cfg.EnsureTopics {
		return nil
	}
	if _, ok := b.ensured.Load(topic); ok {
		return nil
	}

	admin, err := kafka.NewAdminClientFromProducer(b.producer)
	if err != nil {
		return fmt.Errorf("failed to create admin client: %w", err)
	}
	defer admin.Close()

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	results, err := admin.CreateTopics(ctx, []kafka.TopicSpecification{
		{
			Topic:             topic,
			NumPartitions:     b.cfg.Partitions,
			ReplicationFactor: 1,
		},
	})
	if err != nil {
		return err
	}

	for _, result := range results {
		if result.Error.Code() != kafka.ErrNoError && result.Error.Code() != kafka.ErrTopicAlreadyExists {
			return fmt.Errorf("failed to create topic %s: %v", result.Topic, result.Error)
		}
	}

	b.ensured.Store(topic, struct{}{})
	return nil
}

// eventHandler drains producer-level events; per-message reports go to
// the channel passed to Produce.
func (b *KafkaBroker) eventHandler() {
	for e := range b.producer.Events() {
		switch ev := e.(type) {
		case kafka.Error:
			l := log.L()
			l.Error().Err(ev).Bool("fatal", ev.IsFatal()).Msg("kafka producer error")
		case *kafka.Message:
			if ev.TopicPartition.Error != nil {
				l := log.L()
				l.Error().Err(ev.TopicPartition.Error).Msg("kafka delivery failed")
			}
		}
	}
	close(b.doneCh)
}

// Publish produces msg keyed by its idempotency key and waits for the
// delivery report. The delivery id is "topic/partition/offset".
func (b *KafkaBroker) Publish(ctx context.Context, msg Message) (string, error) {
	if err := b.ensureTopic(ctx, msg.Topic); err != nil {
		l := log.Ctx(ctx)
		l.Warn().Err(err).Str(log.FieldTopic, msg.Topic).Msg("failed to ensure topic (may already exist)")
	}

	topic := msg.Topic
	delivery := make(chan kafka.Event, 1)
	err := b.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{
			Topic:     &topic,
			Partition: kafka.PartitionAny,
		},
		Key:     []byte(msg.Key),
		Value:   msg.Value,
		Headers: kafkaHeaders(msg.Attributes),
	}, delivery)
	if err != nil {
		return "", fmt.Errorf("failed to produce message: %w", err)
	}

	select {
	case e := <-delivery:
		m, ok := e.(*kafka.Message)
		if !ok {
			return "", fmt.Errorf("unexpected delivery event: %v", e)
		}
		if m.TopicPartition.Error != nil {
			return "", fmt.Errorf("kafka delivery failed: %w", m.TopicPartition.Error)
		}
		return fmt.Sprintf("%s/%d/%d", topic, m.TopicPartition.Partition, int64(m.TopicPartition.Offset)), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func kafkaHeaders(attrs map[string]string) []kafka.Header {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	headers := make([]kafka.Header, 0, len(keys))
	for _, k := range keys {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(attrs[k])})
	}
	return headers
}

func (b *KafkaBroker) Close() error {
	b.producer.Flush(5000)
	b.producer.Close()
	<-b.doneCh
	return nil
}
