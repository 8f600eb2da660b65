package chatsync

import (
	"context"
	"errors"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/unimarket/campuschat/pkg/logging"
)

var tracer = otel.Tracer("github.com/unimarket/campuschat")

// ResolveRequest identifies a conversation by its context and unordered pair of
// participants. Title is only used when the conversation has to be created.
type ResolveRequest struct {
	Context ChatContext
	UserA   string
	UserB   string
	Title   string
}

// Resolver maps (context, userA, userB) to a single conversation, creating it
// on first use.
type Resolver struct {
	store ConversationStore
	log   *zap.Logger
}

// NewResolver creates a Resolver over store.
func NewResolver(store ConversationStore, log *zap.Logger) *Resolver {
	return &Resolver{store: store, log: logging.OrNop(log)}
}

// CanonicalName derives the order-independent conversation name.
func CanonicalName(cc ChatContext, userA, userB string) string {
	lo, hi := sortPair(userA, userB)
	return strings.Join([]string{string(cc.Type), cc.ID, lo, hi}, ":")
}

func sortPair(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}

func validatePair(op, a, b string) error {
	if a == "" || b == "" {
		return Errorf(CodeInvalidParticipant, op, "both participants are required")
	}
	if a == b {
		return Errorf(CodeInvalidParticipant, op, "user %s cannot converse with themselves", a)
	}
	return nil
}

// Resolve returns the id of the conversation for (cc, userA, userB).
func (r *Resolver) Resolve(ctx context.Context, cc ChatContext, userA, userB string) (string, error) {
	conv, err := r.ResolveConversation(ctx, ResolveRequest{Context: cc, UserA: userA, UserB: userB})
	if err != nil {
		return "", err
	}
	return conv.ID, nil
}

// ResolveConversation looks the conversation up by canonical name and creates it
// when absent. A concurrent creator winning the race is not an error: the
// winner's row is returned.
func (r *Resolver) ResolveConversation(ctx context.Context, req ResolveRequest) (*Conversation, error) {
	const op = "resolve"
	a, b := trimmed(req.UserA), trimmed(req.UserB)
	if err := validatePair(op, a, b); err != nil {
		return nil, err
	}
	if !req.Context.Type.Valid() {
		return nil, Errorf(CodeInvalidContext, op, "unknown context type %q", req.Context.Type)
	}

	name := CanonicalName(req.Context, a, b)
	ctx, span := tracer.Start(ctx, "chatsync.resolve", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(attribute.String("conversation.name", name))

	conv, err := r.store.FindConversation(ctx, name)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, ErrNotFound) {
		span.RecordError(err)
		span.SetStatus(codes.Error, "lookup failed")
		return nil, E(CodePersistence, op, err)
	}

	lo, hi := sortPair(a, b)
	title := req.Title
	if title == "" {
		title = defaultTitle(req.Context)
	}
	conv, err = r.store.CreateConversation(ctx, &Conversation{
		Name:         name,
		Participant1: lo,
		Participant2: hi,
		ContextType:  req.Context.Type,
		ContextID:    req.Context.ID,
		Title:        title,
	})
	if err == nil {
		r.log.Info("conversation created", logging.Conversation(conv.ID), zap.String("name", name))
		return conv, nil
	}
	if !errors.Is(err, ErrDuplicate) {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create failed")
		return nil, E(CodePersistence, op, err)
	}

	r.log.Debug("conversation created concurrently, using winner", zap.String("name", name))
	conv, err = r.store.FindConversation(ctx, name)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "re-query failed")
		return nil, E(CodePersistence, op, err)
	}
	return conv, nil
}

func defaultTitle(cc ChatContext) string {
	if cc.Type == ContextGeneral {
		return "Direct message"
	}
	if cc.ID == "" {
		return string(cc.Type)
	}
	return string(cc.Type) + " " + cc.ID
}
