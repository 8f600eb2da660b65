// Package chatsync keeps a two-party conversation synchronized across clients:
// it resolves the conversation for a pair of users, loads history, sends
// messages optimistically, merges realtime pushes without duplicates and keeps
// presence and typing state fresh.
//
// Usage:
//
//	store := chatsync.NewMemoryStore()
//	client := chatsync.NewClient(store, chatsync.NewMemoryTransport(store))
//	session, err := client.Join(ctx, chatsync.JoinOptions{
//		Context: chatsync.ChatContext{Type: chatsync.ContextShop, ID: "p1"},
//		UserID:  "alice",
//		PeerID:  "bob",
//	})
//	session.OnMessages(func(msgs []chatsync.Message) { ... })
//	session.Send(ctx, "Is this still available?")
package chatsync

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/unimarket/campuschat/pkg/logging"
)

// Config holds the engine's tunables. Zero fields take their defaults.
type Config struct {
	HistoryLimit         int
	SendRetryDelay       time.Duration
	MaxSendRetries       int
	InsertTimeout        time.Duration
	Backoff              []time.Duration
	MaxReconnectAttempts int
	HeartbeatInterval    time.Duration
	TypingTimeout        time.Duration
	PresenceTTL          time.Duration
	MatchWindow          time.Duration
}

func (c *Config) defaults() {
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = defaultHistoryLimit
	}
	if c.SendRetryDelay == 0 {
		c.SendRetryDelay = 3 * time.Second
	}
	if c.MaxSendRetries == 0 {
		c.MaxSendRetries = 1
	}
	if c.InsertTimeout == 0 {
		c.InsertTimeout = 10 * time.Second
	}
	if len(c.Backoff) == 0 {
		c.Backoff = DefaultBackoff
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.TypingTimeout == 0 {
		c.TypingTimeout = DefaultTypingTimeout
	}
	if c.PresenceTTL == 0 {
		c.PresenceTTL = DefaultPresenceTTL
	}
	if c.MatchWindow == 0 {
		c.MatchWindow = DefaultMatchWindow
	}
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithConfig replaces the engine tunables.
func WithConfig(cfg Config) ClientOption {
	return func(c *Client) { c.cfg = cfg }
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) ClientOption {
	return func(c *Client) { c.log = l }
}

// WithScheduler replaces the wall clock, mainly for tests.
func WithScheduler(s Scheduler) ClientOption {
	return func(c *Client) { c.sched = s }
}

// Client is the entry point of the engine. It owns the resolver and the
// subscription manager shared by all sessions.
type Client struct {
	store     Store
	transport Transport
	cfg       Config
	log       *zap.Logger
	sched     Scheduler
	resolver  *Resolver
	subs      *Manager

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

// NewClient creates a Client persisting through store and receiving realtime
// events through transport.
func NewClient(store Store, transport Transport, opts ...ClientOption) *Client {
	c := &Client{
		store:     store,
		transport: transport,
		sessions:  make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.cfg.defaults()
	c.log = logging.OrNop(c.log)
	if c.sched == nil {
		c.sched = SystemScheduler()
	}
	c.resolver = NewResolver(store, c.log)
	c.subs = NewManager(transport, SubscriptionConfig{
		Backoff:              c.cfg.Backoff,
		MaxReconnectAttempts: c.cfg.MaxReconnectAttempts,
		Scheduler:            c.sched,
		Logger:               c.log,
	})
	return c
}

// Resolver exposes the conversation resolver.
func (c *Client) Resolver() *Resolver { return c.resolver }

// JoinOptions selects the conversation to open.
type JoinOptions struct {
	Context ChatContext
	UserID  string
	PeerID  string
	// Title is only used when the conversation is created by this call.
	Title string
}

// Join resolves the conversation between UserID and PeerID, loads its latest
// history and opens its realtime subscription. Joining a conversation that
// already has a session closes the old one first.
func (c *Client) Join(ctx context.Context, opts JoinOptions) (*Session, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	conv, err := c.resolver.ResolveConversation(ctx, ResolveRequest{
		Context: opts.Context,
		UserA:   opts.UserID,
		UserB:   opts.PeerID,
		Title:   opts.Title,
	})
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	prev := c.sessions[conv.ID]
	c.mu.Unlock()
	if prev != nil {
		if err := prev.Close(ctx); err != nil {
			c.log.Debug("closing previous session", logging.Conversation(conv.ID), logging.Err(err))
		}
	}

	s := newSession(c, conv, trimmed(opts.UserID))
	if err := s.loadLatest(ctx); err != nil {
		s.teardown()
		return nil, err
	}

	c.mu.Lock()
	c.sessions[conv.ID] = s
	c.mu.Unlock()

	if err := s.open(); err != nil {
		_ = s.Close(ctx)
		return nil, err
	}
	c.log.Info("joined conversation", logging.Conversation(conv.ID), logging.User(s.userID))
	return s, nil
}

// Session returns the open session for conversationID, or nil.
func (c *Client) Session(conversationID string) *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[conversationID]
}

// UnreadCount asks the store how many messages in conversationID userID has
// not read yet.
func (c *Client) UnreadCount(ctx context.Context, conversationID, userID string) (int, error) {
	n, err := c.store.UnreadCount(ctx, conversationID, userID)
	if err != nil {
		return 0, E(CodePersistence, "unread count", err)
	}
	return n, nil
}

// Close disconnects every session. The client cannot be reused.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	sessions := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		if err := s.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	c.subs.Close()
	return errors.Join(errs...)
}

func (c *Client) forget(s *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessions[s.conv.ID] == s {
		delete(c.sessions, s.conv.ID)
	}
}
