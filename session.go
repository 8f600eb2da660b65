package chatsync

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/unimarket/campuschat/pkg/logging"
)

const refreshTimeout = 10 * time.Second

// Session is one user's live view of one conversation. All methods are safe
// for concurrent use. Callbacks registered with OnMessages, OnState and
// OnPresence run without session locks held, on whichever goroutine caused
// the change.
type Session struct {
	client  *Client
	conv    *Conversation
	userID  string
	log     *zap.Logger
	outbox  *Outbox
	tracker *Tracker

	mu         sync.Mutex
	sub        *Subscription
	history    []Message // server-held copies: fetched pages and realtime pushes
	presence   []Presence
	closed     bool
	onMessages []func([]Message)
	onState    []func(ConnectionStatus)
	onPresence []func([]Presence)
}

func newSession(c *Client, conv *Conversation, userID string) *Session {
	s := &Session{
		client: c,
		conv:   conv,
		userID: userID,
		log:    c.log.With(logging.Conversation(conv.ID), logging.User(userID)),
	}
	s.tracker = NewTracker(c.store, conv.ID, userID, conv.ContextType, TrackerOptions{
		HeartbeatInterval: c.cfg.HeartbeatInterval,
		TypingTimeout:     c.cfg.TypingTimeout,
		PresenceTTL:       c.cfg.PresenceTTL,
		Scheduler:         c.sched,
		Logger:            c.log,
		Channel:           s.channel,
	})
	s.outbox = NewOutbox(c.store, OutboxOptions{
		RetryDelay:     c.cfg.SendRetryDelay,
		MaxAutoRetries: c.cfg.MaxSendRetries,
		InsertTimeout:  c.cfg.InsertTimeout,
		BeforeSend:     s.tracker.ClearTyping,
		OnChange:       s.notifyMessages,
		Scheduler:      c.sched,
		Logger:         c.log,
	})
	return s
}

func (s *Session) open() error {
	sub, err := s.client.subs.Subscribe(s.conv.ID, SubscriptionHandlers{
		OnState:     s.handleState,
		OnConnected: s.handleConnected,
		OnEvent:     s.handleEvent,
	})
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.sub = sub
	s.mu.Unlock()
	return nil
}

func (s *Session) subscription() *Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sub
}

func (s *Session) channel() Channel {
	if sub := s.subscription(); sub != nil {
		return sub.Channel()
	}
	return nil
}

// ============================================================================
// Accessors
// ============================================================================

// Conversation returns the resolved conversation record.
func (s *Session) Conversation() Conversation { return *s.conv }

// UserID returns the local participant.
func (s *Session) UserID() string { return s.userID }

// PeerID returns the other participant.
func (s *Session) PeerID() string { return s.conv.Peer(s.userID) }

// Messages returns the merged, ascending view of history and queued sends.
func (s *Session) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewLocked()
}

func (s *Session) viewLocked() []Message {
	return Merge(s.history, s.outbox.Pending(), nil, s.client.cfg.MatchWindow)
}

// State returns the connection status of the realtime subscription.
func (s *Session) State() ConnectionStatus {
	if sub := s.subscription(); sub != nil {
		return sub.Status()
	}
	return ConnectionStatus{State: StateDisconnected}
}

// Presence returns the last fetched presence records with staleness evaluated
// now.
func (s *Session) Presence() []Presence {
	s.mu.Lock()
	records := append([]Presence(nil), s.presence...)
	s.mu.Unlock()
	return FilterFresh(records, s.client.sched.Now(), s.client.cfg.PresenceTTL)
}

// PeerPresence returns the other participant's presence, or ok=false when
// nothing is known.
func (s *Session) PeerPresence() (Presence, bool) {
	peer := s.PeerID()
	for _, p := range s.Presence() {
		if p.UserID == peer {
			return p, true
		}
	}
	return Presence{}, false
}

// UnreadCount counts confirmed messages from the peer without a read time in
// the local view.
func (s *Session) UnreadCount() int {
	n := 0
	for _, m := range s.Messages() {
		if m.Confirmed() && m.AuthorID != s.userID && m.ReadAt == nil {
			n++
		}
	}
	return n
}

// ============================================================================
// Actions
// ============================================================================

// Send submits a text message. The optimistic copy is returned immediately
// and is already part of Messages.
func (s *Session) Send(ctx context.Context, body string) (Message, error) {
	return s.SendKind(ctx, KindText, body)
}

// SendKind submits a message of the given kind.
func (s *Session) SendKind(ctx context.Context, kind MessageKind, body string) (Message, error) {
	if s.isClosed() {
		return Message{}, ErrClosed
	}
	return s.outbox.Send(ctx, SendRequest{
		ConversationID: s.conv.ID,
		AuthorID:       s.userID,
		Body:           body,
		Kind:           kind,
		Context:        s.conv.ContextType,
	})
}

// Retry resends a failed message.
func (s *Session) Retry(ctx context.Context, tempID string) error {
	if s.isClosed() {
		return ErrClosed
	}
	return s.outbox.Retry(ctx, tempID)
}

// SetTyping asserts the local typing flag. It expires on its own after the
// typing timeout.
func (s *Session) SetTyping(ctx context.Context, typing bool) error {
	return s.tracker.SetTyping(ctx, typing)
}

// MarkRead stamps every unread message from the peer as read now and returns
// how many were updated.
func (s *Session) MarkRead(ctx context.Context) (int, error) {
	if s.isClosed() {
		return 0, ErrClosed
	}
	at := s.client.sched.Now().UTC()
	n, err := s.client.store.MarkRead(ctx, s.conv.ID, s.userID, at)
	if err != nil {
		return 0, E(CodePersistence, "mark read", err)
	}

	s.mu.Lock()
	stampRead(s.history, s.userID, at)
	s.mu.Unlock()
	s.notifyMessages()
	return n, nil
}

func stampRead(msgs []Message, readerID string, at time.Time) {
	for i := range msgs {
		if msgs[i].AuthorID != readerID && msgs[i].ReadAt == nil && msgs[i].Confirmed() {
			t := at
			msgs[i].ReadAt = &t
		}
	}
}

// LoadOlder fetches up to limit messages older than the oldest one held and
// returns how many were added.
func (s *Session) LoadOlder(ctx context.Context, limit int) (int, error) {
	if s.isClosed() {
		return 0, ErrClosed
	}
	if limit <= 0 {
		limit = s.client.cfg.HistoryLimit
	}

	s.mu.Lock()
	var oldest time.Time
	for _, m := range s.history {
		if m.Confirmed() && (oldest.IsZero() || m.CreatedAt.Before(oldest)) {
			oldest = m.CreatedAt
		}
	}
	s.mu.Unlock()

	q := HistoryQuery{Limit: limit, Before: oldest, Tail: true}
	page, err := s.client.store.History(ctx, s.conv.ID, q)
	if err != nil {
		return 0, E(CodePersistence, "load older", err)
	}
	s.mu.Lock()
	before := len(s.history)
	s.history = Merge(page, nil, s.history, s.client.cfg.MatchWindow)
	added := len(s.history) - before
	s.mu.Unlock()

	if added > 0 {
		s.notifyMessages()
	}
	return added, nil
}

// RefreshPresence re-reads the conversation's presence records.
func (s *Session) RefreshPresence(ctx context.Context) ([]Presence, error) {
	records, err := s.tracker.Presence(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return records, nil
	}
	s.presence = records
	handlers := append([]func([]Presence){}, s.onPresence...)
	s.mu.Unlock()

	for _, fn := range handlers {
		fn(records)
	}
	return records, nil
}

// Reconnect drops the realtime channel and connects again with a fresh retry
// budget. It is the way out of a terminal disconnection.
func (s *Session) Reconnect() error {
	sub := s.subscription()
	if sub == nil || s.isClosed() {
		return ErrClosed
	}
	return sub.Reconnect()
}

// Disconnect closes the session. It is an alias of Close.
func (s *Session) Disconnect(ctx context.Context) error { return s.Close(ctx) }

// Close cancels every pending timer, asserts offline and releases the realtime
// channel. Messages still queued are dropped.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.outbox.Close()
	err := s.tracker.Stop(ctx)
	if sub := s.subscription(); sub != nil {
		_ = s.client.subs.Release(sub)
	}
	s.client.forget(s)
	s.log.Info("left conversation")
	if err != nil && !errors.Is(err, ErrClosed) {
		return err
	}
	return nil
}

// teardown releases resources of a session that never opened.
func (s *Session) teardown() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.outbox.Close()
	_ = s.tracker.Stop(context.Background())
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ============================================================================
// Callbacks
// ============================================================================

// OnMessages registers fn to receive the merged view after every change.
func (s *Session) OnMessages(fn func([]Message)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onMessages = append(s.onMessages, fn)
}

// OnState registers fn to receive connection state transitions.
func (s *Session) OnState(fn func(ConnectionStatus)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onState = append(s.onState, fn)
}

// OnPresence registers fn to receive refreshed presence records.
func (s *Session) OnPresence(fn func([]Presence)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onPresence = append(s.onPresence, fn)
}

func (s *Session) notifyMessages() {
	s.mu.Lock()
	if s.closed || len(s.onMessages) == 0 {
		s.mu.Unlock()
		return
	}
	view := s.viewLocked()
	handlers := append([]func([]Message){}, s.onMessages...)
	s.mu.Unlock()

	for _, fn := range handlers {
		fn(view)
	}
}

// ============================================================================
// Subscription handlers
// ============================================================================

func (s *Session) handleState(st ConnectionStatus) {
	if st.State != StateConnected {
		s.tracker.Pause()
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	handlers := append([]func(ConnectionStatus){}, s.onState...)
	s.mu.Unlock()

	for _, fn := range handlers {
		fn(st)
	}
}

// handleConnected runs on every successful (re)connection: presence resumes,
// failed sends are flushed and anything missed while offline is fetched.
func (s *Session) handleConnected() {
	if s.isClosed() {
		return
	}

	s.tracker.Start()
	if n := s.outbox.FlushFailed(context.Background()); n > 0 {
		s.log.Info("flushing failed messages", zap.Int("count", n))
	}

	ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
	defer cancel()
	if err := s.loadLatest(ctx); err != nil {
		s.log.Warn("history catch-up failed", logging.Err(err))
	}
	if _, err := s.RefreshPresence(ctx); err != nil {
		s.log.Warn("presence refresh failed", logging.Err(err))
	}
}

func (s *Session) handleEvent(ev Event) {
	switch ev.Type {
	case EventMessageInsert:
		if ev.Message == nil || ev.Message.ConversationID != s.conv.ID {
			return
		}
		m := ev.Message.clone()
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		s.history = Merge(s.history, nil, []Message{m}, s.client.cfg.MatchWindow)
		s.mu.Unlock()

		if !s.outbox.Reconcile(m) {
			s.notifyMessages()
		}

	case EventMessageUpdate:
		if ev.Message == nil || ev.Message.ConversationID != s.conv.ID {
			return
		}
		m := ev.Message.clone()
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		if !applyUpdate(s.history, m) {
			s.history = Merge(s.history, nil, []Message{m}, s.client.cfg.MatchWindow)
		}
		s.mu.Unlock()
		s.notifyMessages()

	case EventPresence:
		if ev.Presence != nil && ev.Presence.ConversationID != s.conv.ID {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
		defer cancel()
		if _, err := s.RefreshPresence(ctx); err != nil {
			s.log.Debug("presence refresh failed", logging.Err(err))
		}
	}
}

func applyUpdate(msgs []Message, m Message) bool {
	for i := range msgs {
		if msgs[i].ID == m.ID {
			msgs[i].ReadAt = m.ReadAt
			if m.Body != "" {
				msgs[i].Body = m.Body
			}
			return true
		}
	}
	return false
}

// loadLatest fetches the newest page of history, folds it into the held
// history and resolves queued sends it already contains.
func (s *Session) loadLatest(ctx context.Context) error {
	page, err := s.client.store.History(ctx, s.conv.ID, HistoryQuery{
		Limit: s.client.cfg.HistoryLimit,
		Tail:  true,
	})
	if err != nil {
		return E(CodePersistence, "load history", err)
	}

	s.mu.Lock()
	s.history = Merge(s.history, nil, page, s.client.cfg.MatchWindow)
	s.mu.Unlock()

	resolved := false
	for _, m := range page {
		if s.outbox.Reconcile(m) {
			resolved = true
		}
	}
	if !resolved {
		s.notifyMessages()
	}
	return nil
}
