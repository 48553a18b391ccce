package connection

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/monkeyscloud/monkeyswork-realtime/internal/domain"
	"github.com/monkeyscloud/monkeyswork-realtime/pkg/log"
	"github.com/rs/zerolog"
)

// Backoff bounds automatic reconnection.
type Backoff struct {
	InitialInterval     time.Duration
	Multiplier          float64
	MaxInterval         time.Duration
	MaxAttempts         int
	RandomizationFactor float64
}

// DefaultBackoff returns 1s initial delay doubling up to 10s, 10 attempts,
// no jitter.
func DefaultBackoff() Backoff {
	return Backoff{
		InitialInterval: time.Second,
		Multiplier:      2,
		MaxInterval:     10 * time.Second,
		MaxAttempts:     10,
	}
}

func (b Backoff) withDefaults() Backoff {
	def := DefaultBackoff()
	if b.InitialInterval <= 0 {
		b.InitialInterval = def.InitialInterval
	}
	if b.Multiplier < 1 {
		b.Multiplier = def.Multiplier
	}
	if b.MaxInterval < b.InitialInterval {
		b.MaxInterval = b.InitialInterval
	}
	if b.MaxAttempts <= 0 {
		b.MaxAttempts = def.MaxAttempts
	}
	if b.RandomizationFactor < 0 || b.RandomizationFactor >= 1 {
		b.RandomizationFactor = 0
	}
	return b
}

// Config configures a Manager.
type Config struct {
	Namespace   string
	Token       string
	AutoConnect bool
	DialTimeout time.Duration
	Backoff     Backoff
}

// Handler receives the data of an inbound frame.
type Handler func(data json.RawMessage)

// Option customises a Manager.
type Option func(*Manager)

// WithClock replaces the clock used for reconnect timers.
func WithClock(c Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithLogger replaces the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

type handlerEntry struct {
	id uint64
	fn Handler
}

type watcherEntry struct {
	id uint64
	fn func(StateChange)
}

type notification struct {
	change *StateChange
	event  string
	data   json.RawMessage

	// terminal is the close notification; it carries the listeners that
	// were registered when Disconnect ran.
	terminal bool
	watchers []watcherEntry
}

// Manager owns one transport to one namespace for one credential and keeps
// it alive across drops. Every transition happens under mu; listeners are
// invoked in transition order on a single dispatcher goroutine, so they
// may call back into the Manager.
type Manager struct {
	cfg    Config
	dialer Dialer
	clock  Clock
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	state     State
	reason    Reason
	lastErr   error
	token     string
	attempts  int
	nextRetry time.Duration
	gen       uint64
	transport Transport
	timer     Timer
	bo        *backoff.ExponentialBackOff

	nextID   uint64
	handlers map[string][]handlerEntry
	watchers []watcherEntry

	queue []notification
	wake  chan struct{}
}

// New creates a Manager in the idle state. When cfg.AutoConnect is set and
// a token is present the first connect starts immediately.
func New(dialer Dialer, cfg Config, opts ...Option) *Manager {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	cfg.Backoff = cfg.Backoff.withDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:      cfg,
		dialer:   dialer,
		clock:    RealClock{},
		logger:   log.L(),
		ctx:      ctx,
		cancel:   cancel,
		token:    cfg.Token,
		handlers: make(map[string][]handlerEntry),
		wake:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With().Str(log.FieldNamespace, cfg.Namespace).Logger()
	m.bo = &backoff.ExponentialBackOff{
		InitialInterval:     cfg.Backoff.InitialInterval,
		RandomizationFactor: cfg.Backoff.RandomizationFactor,
		Multiplier:          cfg.Backoff.Multiplier,
		MaxInterval:         cfg.Backoff.MaxInterval,
	}
	m.bo.Reset()

	go m.dispatch()

	if cfg.AutoConnect && cfg.Token != "" {
		m.Connect()
	}
	return m
}

// Status returns a snapshot of the manager.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		Namespace: m.cfg.Namespace,
		State:     m.state,
		Reason:    m.reason,
		Attempts:  m.attempts,
		LastError: m.lastErr,
		NextRetry: m.nextRetry,
	}
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect starts connecting from idle or disconnected and resets the retry
// counter. It is a no-op while connecting, connected or closed.
func (m *Manager) Connect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateIdle && m.state != StateDisconnected {
		return
	}
	m.connectLocked()
}

// SetToken replaces the credential used by the next handshake. With
// auto-connect enabled it also connects when the manager is idle or was
// disconnected because the previous credential was rejected.
func (m *Manager) SetToken(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateClosed {
		return
	}
	m.token = token
	if !m.cfg.AutoConnect || token == "" {
		return
	}
	if m.state == StateIdle || (m.state == StateDisconnected && m.reason == ReasonAuthRejected) {
		m.connectLocked()
	}
}

// Disconnect closes the manager for good: the retry timer is cancelled,
// the transport is closed and every listener is unregistered. Listeners
// registered at the time receive the final transition to closed.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		return
	}
	m.stopTimerLocked()
	m.gen++
	t := m.transport
	m.transport = nil

	from := m.state
	m.state = StateClosed
	m.reason = ReasonClientDisconnect
	m.lastErr = nil
	m.nextRetry = 0

	// Frames still queued belong to a scope that is going away.
	m.queue = []notification{{
		change:   &StateChange{From: from, To: StateClosed, Reason: ReasonClientDisconnect, Attempt: m.attempts},
		terminal: true,
		watchers: m.watchers,
	}}
	m.handlers = make(map[string][]handlerEntry)
	m.watchers = nil
	m.notifyLocked()
	m.mu.Unlock()

	m.cancel()
	if t != nil {
		t.Close()
	}
	m.logger.Info().Str(log.FieldReason, string(ReasonClientDisconnect)).Msg("connection closed")
}

// Emit sends a named event on the live transport. It returns
// ErrNotConnected unless the manager is connected.
func (m *Manager) Emit(event string, payload interface{}) error {
	f, err := domain.NewFrame(event, payload)
	if err != nil {
		return err
	}

	m.mu.Lock()
	t := m.transport
	connected := m.state == StateConnected
	m.mu.Unlock()

	if !connected || t == nil {
		return ErrNotConnected
	}
	return t.Send(f)
}

// On registers h for inbound frames named event. The returned func removes
// it; a frame already being delivered may still reach h.
func (m *Manager) On(event string, h Handler) (off func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateClosed {
		return func() {}
	}
	m.nextID++
	id := m.nextID
	m.handlers[event] = append(m.handlers[event], handlerEntry{id: id, fn: h})

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			entries := m.handlers[event]
			for i, e := range entries {
				if e.id == id {
					m.handlers[event] = append(entries[:i:i], entries[i+1:]...)
					break
				}
			}
			if len(m.handlers[event]) == 0 {
				delete(m.handlers, event)
			}
		})
	}
}

// OnStateChange registers fn for every transition. The returned func
// removes it.
func (m *Manager) OnStateChange(fn func(StateChange)) (off func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateClosed {
		return func() {}
	}
	m.nextID++
	id := m.nextID
	m.watchers = append(m.watchers, watcherEntry{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			for i, w := range m.watchers {
				if w.id == id {
					m.watchers = append(m.watchers[:i:i], m.watchers[i+1:]...)
					break
				}
			}
		})
	}
}

func (m *Manager) connectLocked() {
	m.stopTimerLocked()
	m.attempts = 0
	m.bo.Reset()
	m.dialLocked()
}

func (m *Manager) dialLocked() {
	m.gen++
	gen, token := m.gen, m.token
	m.nextRetry = 0
	m.transitionLocked(StateConnecting, ReasonNone, nil)
	go m.dial(gen, token)
}

func (m *Manager) dial(gen uint64, token string) {
	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.DialTimeout)
	defer cancel()

	t, err := m.dialer.Dial(ctx, m.cfg.Namespace, token)

	m.mu.Lock()
	if gen != m.gen || m.state != StateConnecting {
		// Superseded by Disconnect or a newer dial.
		m.mu.Unlock()
		if t != nil {
			t.Close()
		}
		return
	}
	defer m.mu.Unlock()

	if err != nil {
		reason := ReasonTransportError
		if classify(err) == ReasonAuthRejected {
			reason = ReasonAuthRejected
		}
		m.failLocked(reason, err)
		return
	}

	m.transport = t
	m.attempts = 0
	m.bo.Reset()
	m.transitionLocked(StateConnected, ReasonNone, nil)
	go m.readLoop(gen, t)
}

func (m *Manager) readLoop(gen uint64, t Transport) {
	for {
		f, err := t.Receive(m.ctx)

		m.mu.Lock()
		if gen != m.gen || m.state != StateConnected {
			m.mu.Unlock()
			return
		}
		if err != nil {
			m.transport = nil
			m.failLocked(classify(err), err)
			m.mu.Unlock()
			t.Close()
			return
		}
		m.enqueueLocked(notification{event: f.Event, data: f.Data})
		m.mu.Unlock()
	}
}

// failLocked moves to disconnected and schedules the next attempt when the
// reason allows it and attempts remain.
func (m *Manager) failLocked(reason Reason, err error) {
	if reason.Retryable() && m.attempts >= m.cfg.Backoff.MaxAttempts {
		reason = ReasonRetriesExhausted
	}
	m.transitionLocked(StateDisconnected, reason, err)

	evt := m.logger.Warn().Str(log.FieldReason, string(reason)).Int(log.FieldAttempt, m.attempts)
	if err != nil {
		evt = evt.Err(err)
	}
	evt.Msg("connection lost")

	if reason.Retryable() {
		m.scheduleRetryLocked()
	}
}

func (m *Manager) scheduleRetryLocked() {
	delay := m.bo.NextBackOff()
	if delay > m.cfg.Backoff.MaxInterval {
		delay = m.cfg.Backoff.MaxInterval
	}
	if delay <= 0 {
		delay = m.cfg.Backoff.InitialInterval
	}
	m.attempts++
	m.nextRetry = delay

	gen := m.gen
	m.timer = m.clock.AfterFunc(delay, func() { m.retry(gen) })

	m.logger.Debug().Int(log.FieldAttempt, m.attempts).Dur("delay", delay).Msg("reconnect scheduled")
}

func (m *Manager) retry(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen || m.state != StateDisconnected {
		return
	}
	m.timer = nil
	m.dialLocked()
}

func (m *Manager) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.nextRetry = 0
}

func (m *Manager) transitionLocked(to State, reason Reason, err error) {
	from := m.state
	if !CanTransition(from, to) {
		m.logger.Error().Str("from", from.String()).Str("to", to.String()).Msg("refused invalid connection transition")
		return
	}
	m.state = to
	m.reason = reason
	m.lastErr = err
	m.enqueueLocked(notification{change: &StateChange{
		From:    from,
		To:      to,
		Reason:  reason,
		Err:     err,
		Attempt: m.attempts,
	}})
	if to == StateConnected {
		m.logger.Info().Str(log.FieldState, to.String()).Msg("connection established")
	}
}

func (m *Manager) enqueueLocked(n notification) {
	if m.state == StateClosed {
		return
	}
	m.queue = append(m.queue, n)
	m.notifyLocked()
}

func (m *Manager) notifyLocked() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// dispatch delivers queued notifications in order until the terminal one.
func (m *Manager) dispatch() {
	for range m.wake {
		for {
			m.mu.Lock()
			if len(m.queue) == 0 {
				m.mu.Unlock()
				break
			}
			n := m.queue[0]
			m.queue[0] = notification{}
			m.queue = m.queue[1:]

			var handlers []handlerEntry
			var watchers []watcherEntry
			switch {
			case n.terminal:
				watchers = n.watchers
			case n.change != nil:
				watchers = append(watchers, m.watchers...)
			default:
				handlers = append(handlers, m.handlers[n.event]...)
			}
			m.mu.Unlock()

			if n.change != nil {
				for _, w := range watchers {
					w.fn(*n.change)
				}
			}
			for _, h := range handlers {
				h.fn(n.data)
			}

			if n.terminal {
				return
			}
		}
	}
}
