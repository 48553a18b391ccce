package events

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"
)

var (
	ErrMissingEventType = errors.New("events: event type is required")
	ErrMissingTopic     = errors.New("events: topic is required")
	ErrInvalidPayload   = errors.New("events: payload is not valid JSON")
	ErrBrokerClosed     = errors.New("events: broker closed")
)

// Message is one envelope addressed to a physical topic.
type Message struct {
	Topic      string
	Key        string
	Value      []byte
	Attributes map[string]string
}

// Broker delivers messages durably and returns an opaque delivery id.
type Broker interface {
	Publish(ctx context.Context, msg Message) (string, error)
	Close() error
}

// Broker drivers.
const (
	DriverKafka  = "kafka"
	DriverRedis  = "redis"
	DriverMemory = "memory"
)

// BrokerConfig selects and configures a broker driver.
type BrokerConfig struct {
	Driver string
	Kafka  KafkaConfig
	Redis  RedisStreamConfig
}

// NewBroker creates the configured broker. The redis driver uses rdb.
func NewBroker(cfg BrokerConfig, rdb redis.UniversalClient) (Broker, error) {
	switch cfg.Driver {
	case DriverKafka:
		return NewKafkaBroker(cfg.Kafka)
	case DriverRedis:
		if rdb == nil {
			return nil, fmt.Errorf("events: redis driver requires a redis client")
		}
		return NewRedisBroker(rdb, cfg.Redis), nil
	case DriverMemory, "":
		return NewMemoryBroker(), nil
	default:
		return nil, fmt.Errorf("events: unsupported broker driver: %s", cfg.Driver)
	}
}

// MemoryBroker keeps published messages in process.
type MemoryBroker struct {
	mu       sync.Mutex
	messages []Message
	closed   bool
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{}
}

func (b *MemoryBroker) Publish(ctx context.Context, msg Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return "", ErrBrokerClosed
	}
	b.messages = append(b.messages, msg)
	return msg.Topic + "/" + strconv.Itoa(len(b.messages)-1), nil
}

// Messages returns a copy of everything published so far.
func (b *MemoryBroker) Messages() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Message(nil), b.messages...)
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
