package pubsub

import (
	"context"
	"encoding/json"
	"strings"
	"time"
)

// Event is one realtime signal relayed between gateway instances for a
// conversation in a namespace.
type Event struct {
	Type           string          `json:"type"`
	Namespace      string          `json:"namespace"`
	ConversationID string          `json:"conversation_id"`
	Payload        json.RawMessage `json:"payload"`
	Timestamp      time.Time       `json:"timestamp"`
	// Origin names the publishing instance.
	Origin string `json:"origin,omitempty"`
}

// NewEvent encodes payload for conversationID. A json.RawMessage payload
// is carried as is.
func NewEvent(eventType, namespace, conversationID string, payload interface{}) (*Event, error) {
	raw, ok := payload.(json.RawMessage)
	if !ok {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = data
	}
	return &Event{
		Type:           eventType,
		Namespace:      strings.Trim(namespace, "/"),
		ConversationID: conversationID,
		Payload:        raw,
		Timestamp:      time.Now().UTC(),
	}, nil
}

// Channel returns the conversation channel e is published on.
func (e *Event) Channel() string {
	return ConversationChannel(e.Namespace, e.ConversationID)
}

// Routable reports whether e names both a namespace and a conversation.
func (e *Event) Routable() bool {
	return e != nil && e.Namespace != "" && e.ConversationID != ""
}

// Decode unmarshals the payload into v.
func (e *Event) Decode(v interface{}) error {
	return json.Unmarshal(e.Payload, v)
}

type Publisher interface {
	Publish(ctx context.Context, channel string, event *Event) error
}

// Subscriber delivers events on a channel that is closed when ctx is done
// or the subscription is replaced or removed.
type Subscriber interface {
	Subscribe(ctx context.Context, channel string) (<-chan *Event, error)
	SubscribePattern(ctx context.Context, pattern string) (<-chan *Event, error)
	Unsubscribe(ctx context.Context, channel string) error
}

// PubSub is the fan-out bus shared by gateway instances.
type PubSub interface {
	Publisher
	Subscriber
	Close() error
}
