package chatsync

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/unimarket/campuschat/pkg/logging"
)

const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultTypingTimeout     = 3 * time.Second
	DefaultPresenceTTL       = 5 * time.Minute
	presenceWriteTimeout     = 5 * time.Second
)

// FilterFresh marks records whose LastSeen is older than ttl as offline and not
// typing, whatever their stored flags say.
func FilterFresh(records []Presence, now time.Time, ttl time.Duration) []Presence {
	out := make([]Presence, len(records))
	for i, p := range records {
		if now.Sub(p.LastSeen) > ttl {
			p.Online = false
			p.Typing = false
		}
		out[i] = p
	}
	return out
}

// TrackerOptions configures a Tracker.
type TrackerOptions struct {
	HeartbeatInterval time.Duration
	TypingTimeout     time.Duration
	PresenceTTL       time.Duration
	Scheduler         Scheduler
	Logger            *zap.Logger
	// Channel returns the live realtime channel, or nil. Presence writes are
	// published on it in addition to the store.
	Channel func() Channel
}

func (o *TrackerOptions) defaults() {
	if o.HeartbeatInterval == 0 {
		o.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if o.TypingTimeout == 0 {
		o.TypingTimeout = DefaultTypingTimeout
	}
	if o.PresenceTTL == 0 {
		o.PresenceTTL = DefaultPresenceTTL
	}
	if o.Scheduler == nil {
		o.Scheduler = SystemScheduler()
	}
	o.Logger = logging.OrNop(o.Logger)
}

// Tracker asserts one user's presence in one conversation: an online heartbeat
// while the subscription is live, and a typing flag that clears itself.
type Tracker struct {
	store  PresenceStore
	convID string
	userID string
	cc     ContextType
	opts   TrackerOptions

	mu          sync.Mutex
	online      bool
	typing      bool
	heartbeat   Timer
	typingTimer Timer
	closed      bool
	seq         uint64

	// wmu orders store writes; a write older than the last one stored is
	// dropped.
	wmu     sync.Mutex
	written uint64
}

// NewTracker creates a tracker for userID in conversationID.
func NewTracker(store PresenceStore, conversationID, userID string, cc ContextType, opts TrackerOptions) *Tracker {
	opts.defaults()
	return &Tracker{
		store:  store,
		convID: conversationID,
		userID: userID,
		cc:     cc,
		opts:   opts,
	}
}

// Start asserts online now and every HeartbeatInterval until Pause or Stop.
func (t *Tracker) Start() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.online = true
	stopTimer(t.heartbeat)
	t.heartbeat = t.opts.Scheduler.AfterFunc(t.opts.HeartbeatInterval, t.beat)
	p := t.snapshotLocked()
	t.mu.Unlock()

	t.write(p)
}

func (t *Tracker) beat() {
	t.mu.Lock()
	if t.closed || !t.online || t.heartbeat == nil {
		t.mu.Unlock()
		return
	}
	t.heartbeat = t.opts.Scheduler.AfterFunc(t.opts.HeartbeatInterval, t.beat)
	p := t.snapshotLocked()
	t.mu.Unlock()

	t.write(p)
}

// Pause stops the heartbeat. A scheduled typing expiry is left to fire.
func (t *Tracker) Pause() {
	t.mu.Lock()
	defer t.mu.Unlock()
	stopTimer(t.heartbeat)
	t.heartbeat = nil
}

// SetTyping asserts the typing flag. Setting it true arms an expiry that
// asserts false after TypingTimeout unless another call re-arms or clears it.
func (t *Tracker) SetTyping(ctx context.Context, typing bool) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	stopTimer(t.typingTimer)
	t.typingTimer = nil
	if typing {
		t.typingTimer = t.opts.Scheduler.AfterFunc(t.opts.TypingTimeout, t.expireTyping)
	}
	changed := t.typing != typing
	t.typing = typing
	p := t.snapshotLocked()
	t.mu.Unlock()

	if !changed && !typing {
		return nil
	}
	return t.writeCtx(ctx, p)
}

// ClearTyping drops the typing flag, e.g. right before a send. The local flag
// and its expiry are cleared before it returns; the store write happens in the
// background.
func (t *Tracker) ClearTyping() {
	t.mu.Lock()
	stopTimer(t.typingTimer)
	t.typingTimer = nil
	if t.closed || !t.typing {
		t.mu.Unlock()
		return
	}
	t.typing = false
	p := t.snapshotLocked()
	t.mu.Unlock()

	go t.write(p)
}

// Typing reports the local typing flag.
func (t *Tracker) Typing() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.typing
}

func (t *Tracker) expireTyping() {
	t.mu.Lock()
	if t.closed || !t.typing {
		t.mu.Unlock()
		return
	}
	t.typing = false
	t.typingTimer = nil
	p := t.snapshotLocked()
	t.mu.Unlock()

	t.write(p)
}

// Stop cancels every timer and asserts offline. The tracker cannot be reused.
func (t *Tracker) Stop(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	stopTimer(t.heartbeat)
	stopTimer(t.typingTimer)
	t.heartbeat, t.typingTimer = nil, nil
	t.online, t.typing = false, false
	p := t.snapshotLocked()
	t.mu.Unlock()

	return t.writeCtx(ctx, p)
}

// Presence lists the conversation's presence records with staleness applied.
func (t *Tracker) Presence(ctx context.Context) ([]Presence, error) {
	records, err := t.store.ListPresence(ctx, t.convID)
	if err != nil {
		return nil, E(CodePersistence, "list presence", err)
	}
	return FilterFresh(records, t.opts.Scheduler.Now(), t.opts.PresenceTTL), nil
}

func (t *Tracker) snapshotLocked() presenceWrite {
	t.seq++
	return presenceWrite{seq: t.seq, Presence: Presence{
		UserID:         t.userID,
		ConversationID: t.convID,
		Online:         t.online,
		Typing:         t.typing,
		LastSeen:       t.opts.Scheduler.Now().UTC(),
		ContextType:    t.cc,
	}}
}

type presenceWrite struct {
	Presence
	seq uint64
}

func (t *Tracker) write(p presenceWrite) {
	ctx, cancel := context.WithTimeout(context.Background(), presenceWriteTimeout)
	defer cancel()
	if err := t.writeCtx(ctx, p); err != nil {
		t.opts.Logger.Warn("presence write failed",
			logging.Conversation(t.convID), logging.User(t.userID), logging.Err(err))
	}
}

func (t *Tracker) writeCtx(ctx context.Context, w presenceWrite) error {
	t.wmu.Lock()
	defer t.wmu.Unlock()
	if w.seq <= t.written {
		return nil
	}
	t.written = w.seq

	p := w.Presence
	if err := t.store.UpsertPresence(ctx, p); err != nil {
		return E(CodePersistence, "upsert presence", err)
	}
	if t.opts.Channel != nil {
		if ch := t.opts.Channel(); ch != nil {
			if err := ch.PublishPresence(ctx, p); err != nil {
				t.opts.Logger.Debug("presence publish failed", logging.Err(err))
			}
		}
	}
	return nil
}
