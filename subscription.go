package chatsync

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/unimarket/campuschat/pkg/logging"
)

// DefaultBackoff is the reconnect delay ladder, indexed by retry count and
// capped at its last value.
var DefaultBackoff = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	5 * time.Second,
	10 * time.Second,
	30 * time.Second,
}

// DefaultMaxReconnectAttempts counts scheduled retries, not failures: the
// failure that follows the last allowed retry is terminal.
const DefaultMaxReconnectAttempts = 5

// ============================================================================
// Configuration
// ============================================================================

// SubscriptionConfig configures reconnection for subscriptions.
type SubscriptionConfig struct {
	Backoff              []time.Duration
	MaxReconnectAttempts int
	Scheduler            Scheduler
	Logger               *zap.Logger
}

func (c *SubscriptionConfig) defaults() {
	if len(c.Backoff) == 0 {
		c.Backoff = DefaultBackoff
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if c.Scheduler == nil {
		c.Scheduler = SystemScheduler()
	}
	c.Logger = logging.OrNop(c.Logger)
}

// SubscriptionHandlers receive the output of one subscription. They are called
// without any subscription lock held.
type SubscriptionHandlers struct {
	OnState     func(ConnectionStatus)
	OnConnected func()
	OnEvent     func(Event)
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	ladder      []time.Duration
	maxAttempts int
	attempt     int
}

func (r *reconnector) shouldReconnect() bool {
	return r.attempt < r.maxAttempts
}

func (r *reconnector) nextDelay() time.Duration {
	i := r.attempt
	if i >= len(r.ladder) {
		i = len(r.ladder) - 1
	}
	r.attempt++
	return r.ladder[i]
}

func (r *reconnector) reset() {
	r.attempt = 0
}

// ============================================================================
// Subscription
// ============================================================================

// Subscription owns the realtime channel of one conversation and its
// connection state machine:
//
//	disconnected → connecting → connected → reconnecting → connecting …
//
// Failures while connecting or connected move to reconnecting and arm a single
// reconnect timer. Once the retry ceiling is exceeded the subscription stops in
// disconnected with Terminal set until Reconnect is called.
type Subscription struct {
	convID    string
	transport Transport
	cfg       SubscriptionConfig
	handlers  SubscriptionHandlers
	log       *zap.Logger

	mu       sync.Mutex
	state    ConnectionState
	recon    reconnector
	lastErr  error
	terminal bool
	channel  Channel
	gen      uint64
	timer    Timer
	closed   bool
	// hookDue is set when the ack arrived before Subscribe returned the
	// channel; OnConnected then runs once the channel is recorded.
	hookDue bool
}

// NewSubscription creates an idle subscription. Call Open to connect.
func NewSubscription(conversationID string, t Transport, cfg SubscriptionConfig, h SubscriptionHandlers) *Subscription {
	cfg.defaults()
	return &Subscription{
		convID:    conversationID,
		transport: t,
		cfg:       cfg,
		handlers:  h,
		log:       cfg.Logger.With(logging.Conversation(conversationID)),
		state:     StateDisconnected,
		recon:     reconnector{ladder: cfg.Backoff, maxAttempts: cfg.MaxReconnectAttempts},
	}
}

// ConversationID returns the conversation this subscription is scoped to.
func (s *Subscription) ConversationID() string { return s.convID }

// Status returns the current connection state.
func (s *Subscription) Status() ConnectionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

func (s *Subscription) statusLocked() ConnectionStatus {
	return ConnectionStatus{
		State:    s.state,
		Retries:  s.recon.attempt,
		LastErr:  s.lastErr,
		Terminal: s.terminal,
	}
}

// Channel returns the live channel, or nil when not connected.
func (s *Subscription) Channel() Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnected {
		return nil
	}
	return s.channel
}

// Open starts connecting. It is a no-op unless the subscription is idle; a
// terminally disconnected subscription needs Reconnect.
func (s *Subscription) Open() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.state != StateDisconnected || s.terminal {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	s.connect()
	return nil
}

// Reconnect drops the current channel, resets the retry counter and connects
// again. It is the only way out of a terminal disconnection.
func (s *Subscription) Reconnect() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	stopTimer(s.timer)
	s.timer = nil
	ch := s.channel
	s.channel = nil
	s.gen++
	s.recon.reset()
	s.terminal = false
	s.lastErr = nil
	s.state = StateDisconnected
	s.mu.Unlock()

	s.release(ch)
	s.connect()
	return nil
}

// Close cancels the reconnect timer, releases the channel and leaves the
// subscription disconnected for good.
func (s *Subscription) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	stopTimer(s.timer)
	s.timer = nil
	ch := s.channel
	s.channel = nil
	s.gen++
	s.state = StateDisconnected
	st := s.statusLocked()
	s.mu.Unlock()

	s.release(ch)
	s.emitState(st)
	return nil
}

func (s *Subscription) connect() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.gen++
	gen := s.gen
	s.hookDue = false
	s.state = StateConnecting
	st := s.statusLocked()
	s.mu.Unlock()
	s.emitState(st)

	s.log.Debug("subscribing", logging.Attempt(st.Retries))
	ch, err := s.transport.Subscribe(s.convID, s.sink(gen))
	if err != nil {
		s.fail(gen, E(CodeChannel, "subscribe", err))
		return
	}

	s.mu.Lock()
	if s.closed || gen != s.gen {
		s.mu.Unlock()
		s.release(ch)
		return
	}
	s.channel = ch
	runHook := s.hookDue
	s.hookDue = false
	s.mu.Unlock()

	if runHook {
		s.onConnected()
	}
}

func (s *Subscription) sink(gen uint64) EventSink {
	return func(ev Event) {
		if ev.Type != EventStatus {
			s.mu.Lock()
			live := !s.closed && gen == s.gen
			s.mu.Unlock()
			if live && s.handlers.OnEvent != nil {
				s.handlers.OnEvent(ev)
			}
			return
		}

		switch ev.Status {
		case ChannelSubscribed:
			s.connected(gen)
		case ChannelError, ChannelTimeout, ChannelClosed:
			err := ev.Err
			if err == nil {
				err = Errorf(CodeChannel, string(ev.Status), "channel %s", ev.Status)
			} else {
				err = E(CodeChannel, string(ev.Status), err)
			}
			s.fail(gen, err)
		}
	}
}

func (s *Subscription) connected(gen uint64) {
	s.mu.Lock()
	if s.closed || gen != s.gen || s.state == StateConnected {
		s.mu.Unlock()
		return
	}
	s.state = StateConnected
	s.recon.reset()
	s.lastErr = nil
	s.terminal = false
	runHook := s.channel != nil
	s.hookDue = !runHook
	st := s.statusLocked()
	s.mu.Unlock()

	s.log.Info("realtime channel connected")
	s.emitState(st)
	if runHook {
		s.onConnected()
	}
}

func (s *Subscription) onConnected() {
	if s.handlers.OnConnected != nil {
		s.handlers.OnConnected()
	}
}

func (s *Subscription) fail(gen uint64, err error) {
	s.mu.Lock()
	if s.closed || gen != s.gen {
		s.mu.Unlock()
		return
	}
	ch := s.channel
	s.channel = nil
	s.gen++
	s.hookDue = false
	s.lastErr = err
	stopTimer(s.timer)
	s.timer = nil

	if !s.recon.shouldReconnect() {
		s.state = StateDisconnected
		s.terminal = true
		st := s.statusLocked()
		s.mu.Unlock()

		s.release(ch)
		s.log.Error("realtime channel gave up", logging.Attempt(st.Retries), logging.Err(err))
		s.emitState(st)
		return
	}

	delay := s.recon.nextDelay()
	s.state = StateReconnecting
	retryGen := s.gen
	s.timer = s.cfg.Scheduler.AfterFunc(delay, func() { s.retry(retryGen) })
	st := s.statusLocked()
	s.mu.Unlock()

	s.release(ch)
	s.log.Warn("realtime channel lost, reconnecting",
		logging.Attempt(st.Retries), logging.Delay(delay), logging.Err(err))
	s.emitState(st)
}

func (s *Subscription) retry(gen uint64) {
	s.mu.Lock()
	if s.closed || gen != s.gen || s.state != StateReconnecting {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.mu.Unlock()
	s.connect()
}

func (s *Subscription) release(ch Channel) {
	if ch == nil {
		return
	}
	if err := ch.Unsubscribe(); err != nil {
		s.log.Debug("unsubscribe failed", logging.Err(err))
	}
}

func (s *Subscription) emitState(st ConnectionStatus) {
	if s.handlers.OnState != nil {
		s.handlers.OnState(st)
	}
}

// ============================================================================
// Manager
// ============================================================================

// Manager keeps at most one live subscription per conversation id.
type Manager struct {
	transport Transport
	cfg       SubscriptionConfig

	mu   sync.Mutex
	subs map[string]*Subscription
}

// NewManager creates a Manager opening channels through t.
func NewManager(t Transport, cfg SubscriptionConfig) *Manager {
	cfg.defaults()
	return &Manager{transport: t, cfg: cfg, subs: make(map[string]*Subscription)}
}

// Subscribe tears down any existing subscription for conversationID, then
// creates and opens a new one.
func (m *Manager) Subscribe(conversationID string, h SubscriptionHandlers) (*Subscription, error) {
	sub := NewSubscription(conversationID, m.transport, m.cfg, h)

	m.mu.Lock()
	prev := m.subs[conversationID]
	m.subs[conversationID] = sub
	m.mu.Unlock()

	if prev != nil {
		_ = prev.Close()
	}
	if err := sub.Open(); err != nil {
		return nil, err
	}
	return sub, nil
}

// Release closes sub and forgets it if it is still the current subscription
// for its conversation.
func (m *Manager) Release(sub *Subscription) error {
	m.mu.Lock()
	if m.subs[sub.convID] == sub {
		delete(m.subs, sub.convID)
	}
	m.mu.Unlock()
	return sub.Close()
}

// Get returns the current subscription for conversationID, if any.
func (m *Manager) Get(conversationID string) *Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subs[conversationID]
}

// Close closes every subscription.
func (m *Manager) Close() {
	m.mu.Lock()
	subs := m.subs
	m.subs = make(map[string]*Subscription)
	m.mu.Unlock()
	for _, s := range subs {
		_ = s.Close()
	}
}
