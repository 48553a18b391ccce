package fanout

import (
	"context"
	"errors"
	"time"

	"github.com/monkeyscloud/monkeyswork-realtime/internal/domain"
	"github.com/monkeyscloud/monkeyswork-realtime/pkg/log"
	"github.com/monkeyscloud/monkeyswork-realtime/pkg/pubsub"
)

var errSubscriptionClosed = errors.New("fanout: subscription closed")

// Broadcaster delivers a frame to the local members of a room.
type Broadcaster interface {
	BroadcastToRoom(namespace, conversationID, event string, payload interface{}, exclude string) error
}

// Publisher announces new conversation messages to every gateway instance.
type Publisher struct {
	bus    pubsub.Publisher
	origin string
}

func NewPublisher(bus pubsub.Publisher, origin string) *Publisher {
	return &Publisher{bus: bus, origin: origin}
}

// PublishMessage publishes msg on its conversation channel.
func (p *Publisher) PublishMessage(ctx context.Context, namespace string, msg domain.Message) error {
	ev, err := pubsub.NewEvent(domain.EventMessageNew, namespace, msg.ConversationID, msg)
	if err != nil {
		return err
	}
	ev.Origin = p.origin
	return p.bus.Publish(ctx, ev.Channel(), ev)
}

// Subscriber relays conversation events from the bus to the local hub.
type Subscriber struct {
	bus        pubsub.Subscriber
	hub        Broadcaster
	retryDelay time.Duration
	doneCh     chan struct{}
}

// NewSubscriber creates a subscriber that resubscribes 2s after a failure.
func NewSubscriber(bus pubsub.Subscriber, h Broadcaster) *Subscriber {
	return &Subscriber{
		bus:        bus,
		hub:        h,
		retryDelay: 2 * time.Second,
		doneCh:     make(chan struct{}),
	}
}

// Done returns a channel that is closed when Run() exits.
func (s *Subscriber) Done() <-chan struct{} { return s.doneCh }

// Run relays events until ctx is done, resubscribing after errors.
func (s *Subscriber) Run(ctx context.Context) {
	defer close(s.doneCh)
	l := log.L()

	for {
		err := s.runSubscription(ctx)
		if ctx.Err() != nil {
			return
		}
		l.Warn().Err(err).Dur("retry_in", s.retryDelay).Msg("fanout subscription error, resubscribing")
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.retryDelay):
		}
	}
}

func (s *Subscriber) runSubscription(ctx context.Context) error {
	ch, err := s.bus.SubscribePattern(ctx, pubsub.PatternConversations)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return errSubscriptionClosed
			}
			s.handleEvent(ev)
		}
	}
}

func (s *Subscriber) handleEvent(ev *pubsub.Event) {
	if !ev.Routable() || ev.Type != domain.EventMessageNew {
		return
	}
	if err := s.hub.BroadcastToRoom(ev.Namespace, ev.ConversationID, ev.Type, ev.Payload, ""); err != nil {
		l := log.L()
		l.Error().Err(err).Str(log.FieldConversationID, ev.ConversationID).Msg("fanout broadcast error")
	}
}
