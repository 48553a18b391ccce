package room

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/monkeyscloud/monkeyswork-realtime/internal/connection"
	"github.com/monkeyscloud/monkeyswork-realtime/internal/domain"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type emitted struct {
	event string
	ref   domain.ConversationRef
}

// fakeConn delivers frames and state changes synchronously.
type fakeConn struct {
	mu       sync.Mutex
	state    connection.State
	sent     []emitted
	nextID   int
	handlers map[string]map[int]connection.Handler
	watchers map[int]func(connection.StateChange)
}

func newFakeConn(state connection.State) *fakeConn {
	return &fakeConn{
		state:    state,
		handlers: make(map[string]map[int]connection.Handler),
		watchers: make(map[int]func(connection.StateChange)),
	}
}

func (c *fakeConn) Emit(event string, payload interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != connection.StateConnected {
		return connection.ErrNotConnected
	}
	ref, _ := payload.(domain.ConversationRef)
	c.sent = append(c.sent, emitted{event: event, ref: ref})
	return nil
}

func (c *fakeConn) On(event string, h connection.Handler) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	if c.handlers[event] == nil {
		c.handlers[event] = make(map[int]connection.Handler)
	}
	c.handlers[event][id] = h
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.handlers[event], id)
	}
}

func (c *fakeConn) OnStateChange(fn func(connection.StateChange)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	c.watchers[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.watchers, id)
	}
}

func (c *fakeConn) State() connection.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *fakeConn) listeners() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.watchers)
	for _, hs := range c.handlers {
		n += len(hs)
	}
	return n
}

func (c *fakeConn) deliver(t *testing.T, event string, payload interface{}) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)

	c.mu.Lock()
	var hs []connection.Handler
	for _, h := range c.handlers[event] {
		hs = append(hs, h)
	}
	c.mu.Unlock()
	for _, h := range hs {
		h(data)
	}
}

func (c *fakeConn) setState(to connection.State) {
	c.mu.Lock()
	from := c.state
	c.state = to
	var ws []func(connection.StateChange)
	for _, w := range c.watchers {
		ws = append(ws, w)
	}
	c.mu.Unlock()
	for _, w := range ws {
		w(connection.StateChange{From: from, To: to})
	}
}

func (c *fakeConn) events() []emitted {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]emitted(nil), c.sent...)
}

type fakeNow struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeNow) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeNow) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.t = f.t.Add(d)
}

func newTestSession(t *testing.T, conn Conn, cfg Config) *Session {
	t.Helper()
	nop := zerolog.Nop()
	cfg.Logger = &nop
	s := NewSession(conn, cfg)
	t.Cleanup(s.Close)
	return s
}

func message(id, conversationID string) domain.Message {
	return domain.Message{
		ID:             id,
		ConversationID: conversationID,
		SenderID:       "u2",
		Content:        "hello " + id,
		Type:           domain.MessageTypeText,
		CreatedAt:      time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestJoinReceiveLeave(t *testing.T) {
	conn := newFakeConn(connection.StateConnected)
	s := newTestSession(t, conn, Config{})

	s.Join("conv-1")
	assert.Equal(t, "conv-1", s.Room())

	conn.deliver(t, domain.EventMessageNew, message("m1", "conv-1"))
	conn.deliver(t, domain.EventTypingStart, domain.TypingSignal{ConversationID: "conv-1", UserID: "u2"})
	require.Len(t, s.Messages(), 1)
	require.Len(t, s.Typing(), 1)

	s.Leave("conv-1")
	assert.Empty(t, s.Messages())
	assert.Empty(t, s.Typing())
	assert.Equal(t, "", s.Room())

	conn.deliver(t, domain.EventMessageNew, message("m2", "conv-1"))
	assert.Empty(t, s.Messages())

	assert.Equal(t, []emitted{
		{event: domain.EventJoinConversation, ref: domain.ConversationRef{ConversationID: "conv-1"}},
		{event: domain.EventLeaveConversation, ref: domain.ConversationRef{ConversationID: "conv-1"}},
	}, conn.events())
}

func TestMessagesKeepArrivalOrderAndRoom(t *testing.T) {
	conn := newFakeConn(connection.StateConnected)
	s := newTestSession(t, conn, Config{})
	s.Join("conv-1")

	later := message("m-late", "conv-1")
	later.CreatedAt = later.CreatedAt.Add(time.Hour)
	earlier := message("m-early", "conv-1")

	conn.deliver(t, domain.EventMessageNew, later)
	conn.deliver(t, domain.EventMessageNew, message("other", "conv-2"))
	conn.deliver(t, domain.EventMessageNew, earlier)
	conn.deliver(t, domain.EventMessageNew, earlier)

	var ids []string
	for _, m := range s.Messages() {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []string{"m-late", "m-early", "m-early"}, ids)
}

func TestSignalsDroppedWhenNotConnected(t *testing.T) {
	conn := newFakeConn(connection.StateDisconnected)
	s := newTestSession(t, conn, Config{})

	s.Join("conv-1")
	s.StartTyping()
	s.Leave("conv-1")

	assert.Empty(t, conn.events())
	assert.Equal(t, "", s.Room())
}

func TestSwitchingRoomsLeavesPrevious(t *testing.T) {
	conn := newFakeConn(connection.StateConnected)
	var resets []string
	s := newTestSession(t, conn, Config{OnReset: func(id string) { resets = append(resets, id) }})

	s.Join("conv-1")
	conn.deliver(t, domain.EventMessageNew, message("m1", "conv-1"))
	s.Join("conv-2")

	assert.Equal(t, "conv-2", s.Room())
	assert.Empty(t, s.Messages())
	assert.Equal(t, []string{"conv-1"}, resets)

	events := conn.events()
	require.Len(t, events, 3)
	assert.Equal(t, domain.EventLeaveConversation, events[1].event)
	assert.Equal(t, "conv-1", events[1].ref.ConversationID)
	assert.Equal(t, domain.EventJoinConversation, events[2].event)
}

func TestRejoiningCurrentRoomKeepsState(t *testing.T) {
	conn := newFakeConn(connection.StateConnected)
	var resets []string
	s := newTestSession(t, conn, Config{OnReset: func(id string) { resets = append(resets, id) }})

	s.Join("conv-1")
	conn.deliver(t, domain.EventMessageNew, message("m1", "conv-1"))
	conn.deliver(t, domain.EventTypingStart, domain.TypingSignal{ConversationID: "conv-1", UserID: "u2"})
	s.Join("conv-1")

	assert.Equal(t, "conv-1", s.Room())
	require.Len(t, s.Messages(), 1)
	assert.Equal(t, "m1", s.Messages()[0].ID)
	assert.Len(t, s.Typing(), 1)
	assert.Empty(t, resets)

	join := emitted{event: domain.EventJoinConversation, ref: domain.ConversationRef{ConversationID: "conv-1"}}
	assert.Equal(t, []emitted{join, join}, conn.events())
}

func TestTypingPresence(t *testing.T) {
	conn := newFakeConn(connection.StateConnected)
	s := newTestSession(t, conn, Config{})
	s.Join("conv-1")

	start := domain.TypingSignal{ConversationID: "conv-1", UserID: "u2", DisplayName: "Ana"}
	conn.deliver(t, domain.EventTypingStart, start)
	conn.deliver(t, domain.EventTypingStart, start)
	conn.deliver(t, domain.EventTypingStart, domain.TypingSignal{ConversationID: "conv-1", UserID: "u1"})
	conn.deliver(t, domain.EventTypingStart, domain.TypingSignal{ConversationID: "conv-9", UserID: "u3"})

	typing := s.Typing()
	require.Len(t, typing, 2)
	assert.Equal(t, "u1", typing[0].UserID)
	assert.Equal(t, "Ana", typing[1].DisplayName)

	conn.deliver(t, domain.EventTypingStop, domain.TypingSignal{ConversationID: "conv-1", UserID: "u2"})
	assert.Len(t, s.Typing(), 1)
}

func TestTypingStopForAbsentUserIsNoop(t *testing.T) {
	conn := newFakeConn(connection.StateConnected)
	s := newTestSession(t, conn, Config{})
	s.Join("conv-1")
	conn.deliver(t, domain.EventTypingStart, domain.TypingSignal{ConversationID: "conv-1", UserID: "u1"})

	before := s.Typing()
	conn.deliver(t, domain.EventTypingStop, domain.TypingSignal{ConversationID: "conv-1", UserID: "ghost"})
	assert.Equal(t, before, s.Typing())
}

func TestTypingEntriesExpire(t *testing.T) {
	clock := &fakeNow{t: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
	conn := newFakeConn(connection.StateConnected)
	s := newTestSession(t, conn, Config{TypingTTL: 3 * time.Second, Now: clock.Now})
	s.Join("conv-1")

	conn.deliver(t, domain.EventTypingStart, domain.TypingSignal{ConversationID: "conv-1", UserID: "u1"})
	clock.Advance(2 * time.Second)
	conn.deliver(t, domain.EventTypingStart, domain.TypingSignal{ConversationID: "conv-1", UserID: "u2"})
	assert.Len(t, s.Typing(), 2)

	clock.Advance(time.Second)
	assert.Equal(t, 1, s.Prune())
	typing := s.Typing()
	require.Len(t, typing, 1)
	assert.Equal(t, "u2", typing[0].UserID)

	clock.Advance(5 * time.Second)
	assert.Empty(t, s.Typing())
}

func TestOutboundTyping(t *testing.T) {
	conn := newFakeConn(connection.StateConnected)
	s := newTestSession(t, conn, Config{})

	s.StartTyping()
	assert.Empty(t, conn.events())

	s.Join("conv-1")
	s.StartTyping()
	s.StopTyping()

	events := conn.events()
	require.Len(t, events, 3)
	assert.Equal(t, domain.EventTypingStart, events[1].event)
	assert.Equal(t, domain.EventTypingStop, events[2].event)
	assert.Equal(t, "conv-1", events[2].ref.ConversationID)
}

func TestConnectionLossDropsMembership(t *testing.T) {
	conn := newFakeConn(connection.StateConnected)
	s := newTestSession(t, conn, Config{})
	s.Join("conv-1")
	conn.deliver(t, domain.EventMessageNew, message("m1", "conv-1"))

	conn.setState(connection.StateDisconnected)
	assert.Equal(t, "", s.Room())
	assert.Empty(t, s.Messages())

	conn.setState(connection.StateConnected)
	conn.deliver(t, domain.EventMessageNew, message("m2", "conv-1"))
	assert.Empty(t, s.Messages())
}

func TestCloseUnregistersListeners(t *testing.T) {
	conn := newFakeConn(connection.StateConnected)
	var seen int
	s := NewSession(conn, Config{OnMessage: func(domain.Message) { seen++ }})
	s.Join("conv-1")
	require.Equal(t, 4, conn.listeners())

	s.Close()
	s.Close()
	assert.Equal(t, 0, conn.listeners())
	assert.Equal(t, "", s.Room())

	conn.deliver(t, domain.EventMessageNew, message("m1", "conv-1"))
	s.Join("conv-2")
	assert.Equal(t, 0, seen)
	assert.Equal(t, "", s.Room())
}

func TestLateCallbackAfterCloseIsIgnored(t *testing.T) {
	conn := newFakeConn(connection.StateConnected)
	s := newTestSession(t, conn, Config{})
	s.Join("conv-1")

	data, err := json.Marshal(message("m1", "conv-1"))
	require.NoError(t, err)

	s.Close()
	// A handler captured by the dispatcher before Close still runs.
	s.handleMessage(data)
	assert.Empty(t, s.Messages())
}
