package chatsync

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/unimarket/campuschat/pkg/logging"
)

// SendRequest is one user submission.
type SendRequest struct {
	ConversationID string
	AuthorID       string
	Body           string
	Kind           MessageKind
	Context        ContextType
}

// OutboxOptions configures an Outbox.
type OutboxOptions struct {
	// RetryDelay is the pause before an automatic resend of a failed message.
	RetryDelay time.Duration
	// MaxAutoRetries bounds automatic resends per message; manual Retry calls
	// are not counted.
	MaxAutoRetries int
	// InsertTimeout bounds a single remote insert so that no attempt stays
	// in "sending" forever.
	InsertTimeout time.Duration
	// BeforeSend runs synchronously before a message is queued.
	BeforeSend func()
	// OnChange runs after the queue changed, outside the outbox lock.
	OnChange  func()
	Scheduler Scheduler
	Logger    *zap.Logger
}

func (o *OutboxOptions) defaults() {
	if o.RetryDelay == 0 {
		o.RetryDelay = 3 * time.Second
	}
	if o.MaxAutoRetries == 0 {
		o.MaxAutoRetries = 1
	}
	if o.InsertTimeout == 0 {
		o.InsertTimeout = 10 * time.Second
	}
	if o.Scheduler == nil {
		o.Scheduler = SystemScheduler()
	}
	o.Logger = logging.OrNop(o.Logger)
}

type outboxEntry struct {
	msg         Message
	autoRetries int
	inflight    bool
	retry       Timer
}

// Outbox is the optimistic send pipeline for one conversation. Messages are
// visible from the moment Send returns and stay queued until the server copy is
// observed through Reconcile.
type Outbox struct {
	store MessageStore
	opts  OutboxOptions

	mu      sync.Mutex
	entries map[string]*outboxEntry
	order   []string
	closed  bool
}

// NewOutbox creates an outbox that persists through store.
func NewOutbox(store MessageStore, opts OutboxOptions) *Outbox {
	opts.defaults()
	return &Outbox{
		store:   store,
		opts:    opts,
		entries: make(map[string]*outboxEntry),
	}
}

// NewTempID returns a fresh client-side correlation key.
func NewTempID() string {
	return "tmp_" + uuid.NewString()
}

// Send validates req, queues an optimistic copy and returns it immediately.
// Persistence continues in the background.
func (o *Outbox) Send(ctx context.Context, req SendRequest) (Message, error) {
	const op = "send"
	body := trimmed(req.Body)
	if body == "" {
		return Message{}, ErrEmptyMessage
	}
	if req.ConversationID == "" || trimmed(req.AuthorID) == "" {
		return Message{}, Errorf(CodeInvalidParticipant, op, "conversation and author are required")
	}
	kind := req.Kind
	if kind == "" {
		kind = KindText
	}

	if o.opts.BeforeSend != nil {
		o.opts.BeforeSend()
	}

	msg := Message{
		TempID:         NewTempID(),
		ConversationID: req.ConversationID,
		AuthorID:       req.AuthorID,
		Body:           body,
		Kind:           kind,
		ContextType:    req.Context,
		CreatedAt:      o.opts.Scheduler.Now().UTC(),
		Status:         StatusSending,
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return Message{}, ErrClosed
	}
	o.entries[msg.TempID] = &outboxEntry{msg: msg, inflight: true}
	o.order = append(o.order, msg.TempID)
	o.mu.Unlock()

	o.opts.Logger.Debug("message queued",
		logging.Conversation(msg.ConversationID), logging.TempID(msg.TempID))
	o.changed()

	go o.persist(context.WithoutCancel(ctx), msg.TempID)
	return msg, nil
}

// Retry resends a failed message by temp id. It returns ErrNotFound when the
// message is no longer queued.
func (o *Outbox) Retry(ctx context.Context, tempID string) error {
	o.mu.Lock()
	e, ok := o.entries[tempID]
	if !ok || o.closed {
		o.mu.Unlock()
		return Errorf(CodeNotFound, "retry", "no queued message %s", tempID)
	}
	if e.inflight || e.msg.Status != StatusFailed {
		o.mu.Unlock()
		return nil
	}
	stopTimer(e.retry)
	e.retry = nil
	e.inflight = true
	e.msg.Status = StatusSending
	o.mu.Unlock()

	o.changed()
	go o.persist(context.WithoutCancel(ctx), tempID)
	return nil
}

// FlushFailed re-attempts every failed message once. It returns the number of
// messages resent.
func (o *Outbox) FlushFailed(ctx context.Context) int {
	o.mu.Lock()
	var ids []string
	for _, id := range o.order {
		e := o.entries[id]
		if e.msg.Status != StatusFailed || e.inflight {
			continue
		}
		stopTimer(e.retry)
		e.retry = nil
		e.inflight = true
		e.msg.Status = StatusSending
		ids = append(ids, id)
	}
	closed := o.closed
	o.mu.Unlock()
	if closed || len(ids) == 0 {
		return 0
	}

	o.changed()
	for _, id := range ids {
		go o.persist(context.WithoutCancel(ctx), id)
	}
	return len(ids)
}

// Reconcile removes the queued entry matching a server-confirmed copy of a
// message. It reports whether an outstanding entry was resolved.
func (o *Outbox) Reconcile(m Message) bool {
	if m.TempID == "" {
		return false
	}
	o.mu.Lock()
	e, ok := o.entries[m.TempID]
	if ok {
		stopTimer(e.retry)
		o.remove(m.TempID)
	}
	o.mu.Unlock()
	if ok {
		o.changed()
	}
	return ok
}

// Pending returns the queued messages in submission order.
func (o *Outbox) Pending() []Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Message, 0, len(o.order))
	for _, id := range o.order {
		out = append(out, o.entries[id].msg.clone())
	}
	return out
}

// Close cancels every pending retry. Queued messages are dropped.
func (o *Outbox) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
	for _, e := range o.entries {
		stopTimer(e.retry)
		e.retry = nil
	}
}

func (o *Outbox) remove(tempID string) {
	delete(o.entries, tempID)
	for i, id := range o.order {
		if id == tempID {
			o.order = append(o.order[:i], o.order[i+1:]...)
			break
		}
	}
}

func (o *Outbox) changed() {
	if o.opts.OnChange != nil {
		o.opts.OnChange()
	}
}

// persist runs one insert attempt for tempID and records its outcome.
func (o *Outbox) persist(ctx context.Context, tempID string) {
	o.mu.Lock()
	e, ok := o.entries[tempID]
	if !ok || o.closed {
		o.mu.Unlock()
		return
	}
	e.msg.Attempts++
	attempt := e.msg.Attempts
	snapshot := e.msg.clone()
	o.mu.Unlock()

	saved, err := o.insert(ctx, &snapshot)

	o.mu.Lock()
	e, ok = o.entries[tempID]
	if !ok || o.closed {
		// Reconciled by an echo while the insert was in flight.
		o.mu.Unlock()
		return
	}
	e.inflight = false
	if err != nil {
		e.msg.Status = StatusFailed
		e.msg.LastError = err.Error()
		scheduled := false
		if e.autoRetries < o.opts.MaxAutoRetries {
			e.autoRetries++
			stopTimer(e.retry)
			e.retry = o.opts.Scheduler.AfterFunc(o.opts.RetryDelay, func() { o.autoRetry(tempID) })
			scheduled = true
		}
		o.mu.Unlock()

		o.opts.Logger.Warn("message persistence failed",
			logging.Conversation(snapshot.ConversationID), logging.TempID(tempID),
			logging.Attempt(attempt), zap.Bool("retry_scheduled", scheduled), logging.Err(err))
		o.changed()
		return
	}

	e.msg.ID = saved.ID
	if !saved.CreatedAt.IsZero() {
		e.msg.CreatedAt = saved.CreatedAt
	}
	e.msg.Status = StatusSent
	e.msg.LastError = ""
	o.mu.Unlock()

	o.opts.Logger.Debug("message persisted",
		logging.TempID(tempID), logging.MessageID(saved.ID), logging.Attempt(attempt))
	o.changed()
}

func (o *Outbox) autoRetry(tempID string) {
	o.mu.Lock()
	e, ok := o.entries[tempID]
	if !ok || o.closed || e.inflight || e.msg.Status != StatusFailed {
		o.mu.Unlock()
		return
	}
	e.retry = nil
	e.inflight = true
	e.msg.Status = StatusSending
	o.mu.Unlock()

	o.changed()
	o.persist(context.Background(), tempID)
}

// insert writes m, treating a duplicate temp id as proof that an earlier
// attempt already landed.
func (o *Outbox) insert(ctx context.Context, m *Message) (*Message, error) {
	ctx, cancel := context.WithTimeout(ctx, o.opts.InsertTimeout)
	defer cancel()
	ctx, span := tracer.Start(ctx, "chatsync.insert", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(
		attribute.String("conversation.id", m.ConversationID),
		attribute.String("message.temp_id", m.TempID),
		attribute.Int("message.attempt", m.Attempts),
	)

	saved, err := o.store.InsertMessage(ctx, m)
	if errors.Is(err, ErrDuplicate) {
		saved, err = o.store.FindByTempID(ctx, m.TempID)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "insert failed")
		return nil, E(CodePersistence, "insert message", err)
	}
	return saved, nil
}
