package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPublisher(broker Broker) *Publisher {
	return NewPublisher(broker, Config{
		Environment: "staging",
		Source:      "realtime-gateway",
		Retry: RetryConfig{
			InitialInterval: time.Millisecond,
			MaxInterval:     5 * time.Millisecond,
			MaxTries:        4,
		},
	})
}

func decode(t *testing.T, msg Message) Envelope {
	t.Helper()
	var env Envelope
	require.NoError(t, json.Unmarshal(msg.Value, &env))
	return env
}

func TestPublishSameSubjectSameKey(t *testing.T) {
	broker := NewMemoryBroker()
	p := testPublisher(broker)
	ctx := context.Background()

	data := map[string]interface{}{"id": "job-42", "title": "Logo design"}
	_, err := p.Publish(ctx, "job-events", "job_created", data, "")
	require.NoError(t, err)
	_, err = p.Publish(ctx, "job-events", "job_created", data, "")
	require.NoError(t, err)

	msgs := broker.Messages()
	require.Len(t, msgs, 2)
	first, second := decode(t, msgs[0]), decode(t, msgs[1])

	assert.Equal(t, "job_created:job-42", first.IdempotencyKey)
	assert.Equal(t, first.IdempotencyKey, second.IdempotencyKey)
	assert.NotEqual(t, first.EventID, second.EventID)
	assert.Equal(t, "staging.job-events", msgs[0].Topic)
	assert.Equal(t, "job_created:job-42", msgs[0].Key)
}

func TestIdempotencyKeyDiffersBySubject(t *testing.T) {
	b := NewBuilder("test", "")

	a, okA := b.IdempotencyKey("job_created", []byte(`{"id":"job-1"}`))
	c, okC := b.IdempotencyKey("job_created", []byte(`{"id":"job-2"}`))
	n, okN := b.IdempotencyKey("job_created", []byte(`{"id":42}`))

	assert.True(t, okA)
	assert.True(t, okC)
	assert.True(t, okN)
	assert.NotEqual(t, a, c)
	assert.Equal(t, "job_created:42", n)
}

func TestIdempotencyKeyWithoutSubjectIsRandom(t *testing.T) {
	b := NewBuilder("test", "")

	first, err := b.Build("user_pinged", map[string]string{"note": "x"}, "")
	require.NoError(t, err)
	second, err := b.Build("user_pinged", map[string]string{"note": "x"}, "")
	require.NoError(t, err)

	assert.False(t, first.Deduplicable)
	assert.NotEqual(t, first.IdempotencyKey, second.IdempotencyKey)
	assert.Equal(t, "false", first.Attributes()[AttrDeduplicable])

	for _, data := range []string{`{"id":""}`, `{"id":{"nested":1}}`, `{"id":null}`} {
		_, ok := b.Subject([]byte(data))
		assert.False(t, ok, data)
	}
}

func TestSubjectKeysAreTriedInOrder(t *testing.T) {
	b := NewBuilder("test", "", "proposal_id", "job.id")

	subject, ok := b.Subject([]byte(`{"job":{"id":"job-7"}}`))
	require.True(t, ok)
	assert.Equal(t, "job-7", subject)

	subject, ok = b.Subject([]byte(`{"proposal_id":"p-1","job":{"id":"job-7"}}`))
	require.True(t, ok)
	assert.Equal(t, "p-1", subject)
}

func TestEnvelopeFields(t *testing.T) {
	broker := NewMemoryBroker()
	p := testPublisher(broker)

	_, err := p.Publish(context.Background(), "conversation-events", "message_sent",
		json.RawMessage(`{"id":"m1","conversation_id":"c1"}`), "corr-1")
	require.NoError(t, err)

	msg := broker.Messages()[0]
	env := decode(t, msg)
	assert.Equal(t, "message_sent", env.EventType)
	assert.Equal(t, DefaultEventVersion, env.EventVersion)
	assert.Equal(t, "realtime-gateway", env.Source)
	assert.Equal(t, "corr-1", env.CorrelationID)
	assert.NotEmpty(t, env.EventID)
	assert.Equal(t, time.UTC, env.Timestamp.Location())
	assert.JSONEq(t, `{"id":"m1","conversation_id":"c1"}`, string(env.Data))

	assert.Equal(t, map[string]string{
		AttrEventType:      "message_sent",
		AttrSchemaVersion:  DefaultEventVersion,
		AttrIdempotencyKey: "message_sent:m1",
		AttrCorrelationID:  "corr-1",
	}, msg.Attributes)
}

func TestCorrelationIDGenerated(t *testing.T) {
	b := NewBuilder("test", "2")
	env, err := b.Build("job_created", map[string]string{"id": "j"}, "")
	require.NoError(t, err)
	assert.NotEmpty(t, env.CorrelationID)
	assert.Equal(t, "2", env.EventVersion)
}

func TestPublishValidation(t *testing.T) {
	p := testPublisher(NewMemoryBroker())
	ctx := context.Background()

	_, err := p.Publish(ctx, " ", "job_created", nil, "")
	assert.ErrorIs(t, err, ErrMissingTopic)
	_, err = p.Publish(ctx, "job-events", "", nil, "")
	assert.ErrorIs(t, err, ErrMissingEventType)
	_, err = p.Publish(ctx, "job-events", "job_created", []byte("{not json"), "")
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestTopicWithoutEnvironment(t *testing.T) {
	p := NewPublisher(NewMemoryBroker(), Config{})
	assert.Equal(t, "job-events", p.Topic("job-events"))
}

// flakyBroker fails the first n publishes.
type flakyBroker struct {
	mu       sync.Mutex
	failures int
	keys     []string
	ids      []string
	calls    int
}

func (b *flakyBroker) Publish(ctx context.Context, msg Message) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	if b.calls <= b.failures {
		return "", errors.New("broker unavailable")
	}
	env := Envelope{}
	_ = json.Unmarshal(msg.Value, &env)
	b.keys = append(b.keys, msg.Key)
	b.ids = append(b.ids, env.EventID)
	return "ok", nil
}

func (b *flakyBroker) Close() error { return nil }

func (b *flakyBroker) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

func TestPublishAsyncRetriesSameEnvelope(t *testing.T) {
	broker := &flakyBroker{failures: 2}
	p := testPublisher(broker)

	p.PublishAsync(context.Background(), "job-events", "job_created", map[string]string{"id": "job-42"}, "")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, p.Drain(ctx))

	assert.Equal(t, 3, broker.count())
	assert.Equal(t, []string{"job_created:job-42"}, broker.keys)
	assert.Len(t, broker.ids, 1)
}

func TestPublishAsyncGivesUp(t *testing.T) {
	broker := &flakyBroker{failures: 100}
	p := testPublisher(broker)

	p.PublishAsync(context.Background(), "job-events", "job_created", map[string]string{"id": "job-42"}, "")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, p.Drain(ctx))
	assert.Equal(t, 4, broker.count())
}

func TestPublishAsyncStopsOnClosedBroker(t *testing.T) {
	broker := NewMemoryBroker()
	require.NoError(t, broker.Close())
	p := testPublisher(broker)

	p.PublishAsync(context.Background(), "job-events", "job_created", nil, "")
	require.NoError(t, p.Close())
	assert.Empty(t, broker.Messages())
}

func TestRedisBrokerAppendsToStream(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	broker, err := NewBroker(BrokerConfig{Driver: DriverRedis}, rdb)
	require.NoError(t, err)
	p := testPublisher(broker)

	ctx := context.Background()
	id, err := p.Publish(ctx, "job-events", "proposal_submitted", map[string]string{"id": "job-9"}, "corr-9")
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	entries, err := rdb.XRange(ctx, "staging.job-events", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, id, entries[0].ID)

	values := entries[0].Values
	assert.Equal(t, "proposal_submitted:job-9", values["key"])
	assert.Equal(t, "proposal_submitted", values[AttrEventType])
	assert.Equal(t, "corr-9", values[AttrCorrelationID])

	var env Envelope
	require.NoError(t, json.Unmarshal([]byte(values["payload"].(string)), &env))
	assert.Equal(t, "proposal_submitted:job-9", env.IdempotencyKey)
}

func TestNewBrokerDrivers(t *testing.T) {
	b, err := NewBroker(BrokerConfig{}, nil)
	require.NoError(t, err)
	assert.IsType(t, &MemoryBroker{}, b)

	_, err = NewBroker(BrokerConfig{Driver: DriverRedis}, nil)
	assert.Error(t, err)

	_, err = NewBroker(BrokerConfig{Driver: "sqs"}, nil)
	assert.Error(t, err)
}
