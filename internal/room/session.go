package room

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/monkeyscloud/monkeyswork-realtime/internal/connection"
	"github.com/monkeyscloud/monkeyswork-realtime/internal/domain"
	"github.com/monkeyscloud/monkeyswork-realtime/pkg/log"
	"github.com/rs/zerolog"
)

// DefaultTypingTTL is how long a typing entry lives without a refresh.
const DefaultTypingTTL = 6 * time.Second

// Conn is the part of a connection.Manager a session uses.
type Conn interface {
	Emit(event string, payload interface{}) error
	On(event string, h connection.Handler) (off func())
	OnStateChange(fn func(connection.StateChange)) (off func())
	State() connection.State
}

// Presence is one user typing in the joined conversation.
type Presence struct {
	UserID      string
	DisplayName string
	ExpiresAt   time.Time
}

// Config configures a Session. The callbacks run on the connection's
// dispatcher goroutine after the session state is updated.
type Config struct {
	TypingTTL time.Duration
	Now       func() time.Time
	Logger    *zerolog.Logger

	OnMessage func(domain.Message)
	OnTyping  func(conversationID string, typing []Presence)
	OnReset   func(conversationID string)
}

// state is one room membership with its local cache. It is replaced on
// join and dropped on leave, never cleared in place.
type state struct {
	conversationID string
	messages       []domain.Message
	typing         map[string]Presence
}

func newState(conversationID string) *state {
	return &state{
		conversationID: conversationID,
		typing:         make(map[string]Presence),
	}
}

// Session tracks membership, the message log and typing presence for one
// conversation at a time on a single connection.
type Session struct {
	conn   Conn
	cfg    Config
	logger zerolog.Logger

	mu      sync.Mutex
	alive   bool
	current *state
	offs    []func()
}

// NewSession registers the session's listeners on conn.
func NewSession(conn Conn, cfg Config) *Session {
	if cfg.TypingTTL <= 0 {
		cfg.TypingTTL = DefaultTypingTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := log.L()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	s := &Session{conn: conn, cfg: cfg, logger: logger, alive: true}
	s.offs = []func(){
		conn.On(domain.EventMessageNew, s.handleMessage),
		conn.On(domain.EventTypingStart, s.handleTypingStart),
		conn.On(domain.EventTypingStop, s.handleTypingStop),
		conn.OnStateChange(s.handleStateChange),
	}
	return s
}

// Join switches the session to conversationID. The previous room, if any,
// is left. Joining the current room keeps its local state and only repeats
// the join signal. Dropped when the connection is not connected.
func (s *Session) Join(conversationID string) {
	if conversationID == "" {
		return
	}

	s.mu.Lock()
	if !s.alive {
		s.mu.Unlock()
		return
	}
	if s.conn.State() != connection.StateConnected {
		s.mu.Unlock()
		s.logger.Debug().Str(log.FieldConversationID, conversationID).Msg("join dropped: not connected")
		return
	}
	prev := s.current
	if prev == nil || prev.conversationID != conversationID {
		s.current = newState(conversationID)
	}
	s.mu.Unlock()

	if prev != nil && prev.conversationID != conversationID {
		s.emit(domain.EventLeaveConversation, prev.conversationID)
		s.reset(prev.conversationID)
	}
	s.emit(domain.EventJoinConversation, conversationID)
}

// Leave discards the local state of conversationID and signals the broker
// when connected.
func (s *Session) Leave(conversationID string) {
	if conversationID == "" {
		return
	}

	s.mu.Lock()
	if !s.alive {
		s.mu.Unlock()
		return
	}
	cleared := s.current != nil && s.current.conversationID == conversationID
	if cleared {
		s.current = nil
	}
	connected := s.conn.State() == connection.StateConnected
	s.mu.Unlock()

	if cleared {
		s.reset(conversationID)
	}
	if connected {
		s.emit(domain.EventLeaveConversation, conversationID)
	}
}

// StartTyping signals typing in the joined conversation.
func (s *Session) StartTyping() {
	s.signalTyping(domain.EventTypingStart)
}

// StopTyping signals the end of typing in the joined conversation.
func (s *Session) StopTyping() {
	s.signalTyping(domain.EventTypingStop)
}

func (s *Session) signalTyping(event string) {
	s.mu.Lock()
	if !s.alive || s.current == nil || s.conn.State() != connection.StateConnected {
		s.mu.Unlock()
		return
	}
	id := s.current.conversationID
	s.mu.Unlock()

	s.emit(event, id)
}

// Room returns the joined conversation id, or "" when none.
func (s *Session) Room() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return ""
	}
	return s.current.conversationID
}

// Messages returns the joined room's log in arrival order.
func (s *Session) Messages() []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil
	}
	out := make([]domain.Message, len(s.current.messages))
	copy(out, s.current.messages)
	return out
}

// Typing returns the live presence entries sorted by user id. Expired
// entries are pruned.
func (s *Session) Typing() []Presence {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil
	}
	s.pruneLocked()
	return s.typingLocked()
}

// Prune removes expired typing entries and returns how many were removed.
func (s *Session) Prune() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return 0
	}
	return s.pruneLocked()
}

// Close unregisters every listener and discards local state. Callbacks
// already in flight observe the session as closed.
func (s *Session) Close() {
	s.mu.Lock()
	if !s.alive {
		s.mu.Unlock()
		return
	}
	s.alive = false
	s.current = nil
	offs := s.offs
	s.offs = nil
	s.mu.Unlock()

	for _, off := range offs {
		off()
	}
}

func (s *Session) emit(event, conversationID string) {
	if err := s.conn.Emit(event, domain.ConversationRef{ConversationID: conversationID}); err != nil {
		s.logger.Debug().Err(err).Str("event", event).Str(log.FieldConversationID, conversationID).Msg("signal dropped")
	}
}

func (s *Session) reset(conversationID string) {
	if s.cfg.OnReset != nil {
		s.cfg.OnReset(conversationID)
	}
}

func (s *Session) handleMessage(data json.RawMessage) {
	var msg domain.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		s.logger.Warn().Err(err).Msg("malformed message frame")
		return
	}

	s.mu.Lock()
	if !s.alive || s.current == nil || s.current.conversationID != msg.ConversationID {
		s.mu.Unlock()
		return
	}
	s.current.messages = append(s.current.messages, msg)
	s.mu.Unlock()

	if s.cfg.OnMessage != nil {
		s.cfg.OnMessage(msg)
	}
}

func (s *Session) handleTypingStart(data json.RawMessage) {
	s.updateTyping(data, func(st *state, sig domain.TypingSignal) {
		st.typing[sig.UserID] = Presence{
			UserID:      sig.UserID,
			DisplayName: sig.DisplayName,
			ExpiresAt:   s.cfg.Now().Add(s.cfg.TypingTTL),
		}
	})
}

func (s *Session) handleTypingStop(data json.RawMessage) {
	s.updateTyping(data, func(st *state, sig domain.TypingSignal) {
		delete(st.typing, sig.UserID)
	})
}

func (s *Session) updateTyping(data json.RawMessage, apply func(*state, domain.TypingSignal)) {
	var sig domain.TypingSignal
	if err := json.Unmarshal(data, &sig); err != nil || sig.UserID == "" {
		return
	}

	s.mu.Lock()
	if !s.alive || s.current == nil || s.current.conversationID != sig.ConversationID {
		s.mu.Unlock()
		return
	}
	apply(s.current, sig)
	s.pruneLocked()
	typing := s.typingLocked()
	s.mu.Unlock()

	if s.cfg.OnTyping != nil {
		s.cfg.OnTyping(sig.ConversationID, typing)
	}
}

func (s *Session) handleStateChange(c connection.StateChange) {
	if c.To == connection.StateConnected || c.To == connection.StateConnecting {
		return
	}

	s.mu.Lock()
	if !s.alive || s.current == nil {
		s.mu.Unlock()
		return
	}
	id := s.current.conversationID
	s.current = nil
	s.mu.Unlock()

	s.logger.Info().Str(log.FieldConversationID, id).Str(log.FieldState, c.To.String()).Msg("room membership lost")
	s.reset(id)
}

func (s *Session) pruneLocked() int {
	now := s.cfg.Now()
	n := 0
	for id, p := range s.current.typing {
		if !now.Before(p.ExpiresAt) {
			delete(s.current.typing, id)
			n++
		}
	}
	return n
}

func (s *Session) typingLocked() []Presence {
	out := make([]Presence, 0, len(s.current.typing))
	for _, p := range s.current.typing {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}
