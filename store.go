package chatsync

import (
	"context"
	"time"
)

// ConversationStore persists conversation records. CreateConversation must
// return ErrDuplicate when a conversation with the same Name already exists,
// and FindConversation returns ErrNotFound when there is none.
type ConversationStore interface {
	FindConversation(ctx context.Context, name string) (*Conversation, error)
	CreateConversation(ctx context.Context, c *Conversation) (*Conversation, error)
}

// MessageStore persists messages. InsertMessage must reject a second message
// carrying an already stored TempID with ErrDuplicate.
type MessageStore interface {
	History(ctx context.Context, conversationID string, q HistoryQuery) ([]Message, error)
	InsertMessage(ctx context.Context, m *Message) (*Message, error)
	FindByTempID(ctx context.Context, tempID string) (*Message, error)
	MarkRead(ctx context.Context, conversationID, readerID string, at time.Time) (int, error)
	UnreadCount(ctx context.Context, conversationID, readerID string) (int, error)
}

// PresenceStore keeps one record per (user, conversation), last write wins.
type PresenceStore interface {
	UpsertPresence(ctx context.Context, p Presence) error
	ListPresence(ctx context.Context, conversationID string) ([]Presence, error)
}

// Store is the complete remote boundary of the engine.
type Store interface {
	ConversationStore
	MessageStore
	PresenceStore
}

// Stores assembles a Store from separate backends, e.g. postgres for messages
// and redis for presence.
type Stores struct {
	ConversationStore
	MessageStore
	PresenceStore
}

var _ Store = Stores{}

const defaultHistoryLimit = 50

func (q HistoryQuery) limit() int {
	if q.Limit <= 0 {
		return defaultHistoryLimit
	}
	return q.Limit
}
