package pubsub

import (
	"context"
	"path"
	"sync"
)

type memorySubscription struct {
	pattern bool
	ch      chan *Event
	stop    chan struct{}
	once    sync.Once
}

func (s *memorySubscription) close() {
	s.once.Do(func() { close(s.stop) })
}

// MemoryPubSub is an in-process PubSub for single-instance deployments.
// Patterns use path.Match glob syntax, matching Redis for the channel
// names in this package.
type MemoryPubSub struct {
	mu   sync.RWMutex
	subs map[string]*memorySubscription
}

// NewMemoryPubSub creates an empty in-process bus.
func NewMemoryPubSub() *MemoryPubSub {
	return &MemoryPubSub{subs: make(map[string]*memorySubscription)}
}

// Publish delivers event to every matching subscription without blocking.
func (m *MemoryPubSub) Publish(ctx context.Context, channel string, event *Event) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for key, sub := range m.subs {
		if sub.pattern {
			if ok, _ := path.Match(key, channel); !ok {
				continue
			}
		} else if key != channel {
			continue
		}
		select {
		case sub.ch <- event:
		case <-sub.stop:
		default:
			// Subscriber is behind, skip message
		}
	}
	return nil
}

// Subscribe subscribes to a specific channel.
func (m *MemoryPubSub) Subscribe(ctx context.Context, channel string) (<-chan *Event, error) {
	return m.add(ctx, channel, false), nil
}

// SubscribePattern subscribes to channels matching a glob pattern.
func (m *MemoryPubSub) SubscribePattern(ctx context.Context, pattern string) (<-chan *Event, error) {
	if _, err := path.Match(pattern, ""); err != nil {
		return nil, err
	}
	return m.add(ctx, pattern, true), nil
}

func (m *MemoryPubSub) add(ctx context.Context, key string, pattern bool) <-chan *Event {
	sub := &memorySubscription{
		pattern: pattern,
		ch:      make(chan *Event, 100),
		stop:    make(chan struct{}),
	}

	m.mu.Lock()
	if existing, ok := m.subs[key]; ok {
		existing.close()
	}
	m.subs[key] = sub
	m.mu.Unlock()

	out := make(chan *Event, 100)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				m.remove(key, sub)
				return
			case <-sub.stop:
				return
			case ev := <-sub.ch:
				select {
				case out <- ev:
				case <-ctx.Done():
					m.remove(key, sub)
					return
				case <-sub.stop:
					return
				}
			}
		}
	}()
	return out
}

func (m *MemoryPubSub) remove(key string, sub *memorySubscription) {
	m.mu.Lock()
	if m.subs[key] == sub {
		delete(m.subs, key)
	}
	m.mu.Unlock()
	sub.close()
}

// Unsubscribe removes a channel or pattern subscription.
func (m *MemoryPubSub) Unsubscribe(ctx context.Context, channel string) error {
	m.mu.Lock()
	sub, ok := m.subs[channel]
	delete(m.subs, channel)
	m.mu.Unlock()
	if ok {
		sub.close()
	}
	return nil
}

// Close removes every subscription.
func (m *MemoryPubSub) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, sub := range m.subs {
		sub.close()
		delete(m.subs, key)
	}
	return nil
}
