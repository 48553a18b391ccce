package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/monkeyscloud/monkeyswork-realtime/internal/domain"
	"github.com/monkeyscloud/monkeyswork-realtime/pkg/pubsub"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type broadcast struct {
	namespace, conversationID, event string
	payload                          json.RawMessage
}

type recordingHub struct {
	mu    sync.Mutex
	calls []broadcast
}

func (h *recordingHub) BroadcastToRoom(namespace, conversationID, event string, payload interface{}, exclude string) error {
	raw, _ := payload.(json.RawMessage)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, broadcast{namespace, conversationID, event, raw})
	return nil
}

func (h *recordingHub) snapshot() []broadcast {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]broadcast(nil), h.calls...)
}

func TestPublishedMessageReachesLocalRoom(t *testing.T) {
	bus := pubsub.NewMemoryPubSub()
	defer bus.Close()

	hub := &recordingHub{}
	sub := NewSubscriber(bus, hub)
	ctx, cancel := context.WithCancel(context.Background())
	go sub.Run(ctx)

	pub := NewPublisher(bus, "gw-1")
	msg := domain.Message{ID: "m1", ConversationID: "c1", SenderID: "u1", Content: "hi", Type: domain.MessageTypeText}

	// The subscription is registered asynchronously; publish until it lands.
	require.Eventually(t, func() bool {
		_ = pub.PublishMessage(context.Background(), "/messages", msg)
		return len(hub.snapshot()) > 0
	}, 2*time.Second, 20*time.Millisecond)

	got := hub.snapshot()[0]
	assert.Equal(t, "messages", got.namespace)
	assert.Equal(t, "c1", got.conversationID)
	assert.Equal(t, domain.EventMessageNew, got.event)

	var decoded domain.Message
	require.NoError(t, json.Unmarshal(got.payload, &decoded))
	assert.Equal(t, msg.ID, decoded.ID)
	assert.Equal(t, msg.Content, decoded.Content)

	cancel()
	select {
	case <-sub.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber did not stop")
	}
}

func TestHandleEventIgnoresOtherEvents(t *testing.T) {
	hub := &recordingHub{}
	sub := NewSubscriber(pubsub.NewMemoryPubSub(), hub)

	sub.handleEvent(nil)
	sub.handleEvent(&pubsub.Event{Type: "typing:start", Namespace: "messages", ConversationID: "c1"})
	sub.handleEvent(&pubsub.Event{Type: domain.EventMessageNew, Namespace: "", ConversationID: "c1"})
	sub.handleEvent(&pubsub.Event{Type: domain.EventMessageNew, Namespace: "messages", ConversationID: "c1", Payload: json.RawMessage(`{}`)})

	assert.Len(t, hub.snapshot(), 1)
}

// flakyBus fails the first subscription and closes the second immediately.
type flakyBus struct {
	mu    sync.Mutex
	calls int
	live  chan *pubsub.Event
}

func (b *flakyBus) SubscribePattern(ctx context.Context, pattern string) (<-chan *pubsub.Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	switch b.calls {
	case 1:
		return nil, errors.New("connection refused")
	case 2:
		ch := make(chan *pubsub.Event)
		close(ch)
		return ch, nil
	default:
		return b.live, nil
	}
}

func (b *flakyBus) Subscribe(ctx context.Context, channel string) (<-chan *pubsub.Event, error) {
	return b.SubscribePattern(ctx, channel)
}

func (b *flakyBus) Unsubscribe(ctx context.Context, channel string) error { return nil }

func (b *flakyBus) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

func TestSubscriberResubscribesAfterFailure(t *testing.T) {
	bus := &flakyBus{live: make(chan *pubsub.Event, 1)}
	hub := &recordingHub{}
	sub := NewSubscriber(bus, hub)
	sub.retryDelay = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sub.Run(ctx)

	bus.live <- &pubsub.Event{Type: domain.EventMessageNew, Namespace: "messages", ConversationID: "c9", Payload: json.RawMessage(`{"id":"m9"}`)}

	require.Eventually(t, func() bool { return len(hub.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 3, bus.count())
	assert.Equal(t, "c9", hub.snapshot()[0].conversationID)
}
