package chatsync

import (
	"strings"
	"time"
)

// ============================================================================
// Context
// ============================================================================

// ContextType is the marketplace feature a conversation is attached to.
type ContextType string

const (
	ContextShop     ContextType = "shop"
	ContextExchange ContextType = "exchange"
	ContextMission  ContextType = "mission"
	ContextGeneral  ContextType = "general"
)

// Valid reports whether t is one of the known context types.
func (t ContextType) Valid() bool {
	switch t {
	case ContextShop, ContextExchange, ContextMission, ContextGeneral:
		return true
	}
	return false
}

// ChatContext scopes a conversation: "shop item p1" is distinct from a general DM
// between the same two people.
type ChatContext struct {
	Type ContextType `json:"type"`
	ID   string      `json:"id,omitempty"`
}

// ============================================================================
// Conversation
// ============================================================================

// Conversation is a 1:1 thread. Participant1 is always the lexicographically
// smaller identifier.
type Conversation struct {
	ID           string      `json:"id"`
	Name         string      `json:"name"`
	Participant1 string      `json:"participant1_id"`
	Participant2 string      `json:"participant2_id"`
	ContextType  ContextType `json:"context_type"`
	ContextID    string      `json:"context_id,omitempty"`
	Title        string      `json:"title,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
}

// Peer returns the participant that is not userID.
func (c *Conversation) Peer(userID string) string {
	if c.Participant1 == userID {
		return c.Participant2
	}
	return c.Participant1
}

// ============================================================================
// Message
// ============================================================================

// MessageKind distinguishes user text from generated notices.
type MessageKind string

const (
	KindText   MessageKind = "text"
	KindSystem MessageKind = "system"
	KindAction MessageKind = "action"
)

// DeliveryStatus is client-local and never persisted.
type DeliveryStatus string

const (
	StatusSending   DeliveryStatus = "sending"
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusFailed    DeliveryStatus = "failed"
)

func (s DeliveryStatus) rank() int {
	switch s {
	case StatusDelivered:
		return 3
	case StatusSent:
		return 2
	case StatusSending, StatusFailed:
		return 1
	}
	return 0
}

// Message is a single chat message. TempID is generated by the sending client and
// kept as a correlation key after the server assigns ID.
type Message struct {
	ID             string         `json:"id,omitempty"`
	TempID         string         `json:"temp_id,omitempty"`
	ConversationID string         `json:"conversation_id"`
	AuthorID       string         `json:"sender_id"`
	Body           string         `json:"content"`
	Kind           MessageKind    `json:"message_type"`
	ContextType    ContextType    `json:"context_type,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	ReadAt         *time.Time     `json:"read_at,omitempty"`
	Status         DeliveryStatus `json:"-"`
	Attempts       int            `json:"-"`
	LastError      string         `json:"-"`
}

// Confirmed reports whether the server has assigned an identifier.
func (m *Message) Confirmed() bool {
	return m.ID != ""
}

func (m *Message) clone() Message {
	c := *m
	if m.ReadAt != nil {
		t := *m.ReadAt
		c.ReadAt = &t
	}
	return c
}

// ============================================================================
// Presence
// ============================================================================

// Presence is a participant's status scoped to one conversation.
type Presence struct {
	UserID         string      `json:"user_id"`
	ConversationID string      `json:"conversation_id"`
	Online         bool        `json:"is_online"`
	Typing         bool        `json:"is_typing"`
	LastSeen       time.Time   `json:"last_seen"`
	ContextType    ContextType `json:"context_type,omitempty"`
}

// ============================================================================
// Connection state
// ============================================================================

// ConnectionState represents the realtime subscription state.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
)

// ConnectionStatus is a snapshot of a subscription. Terminal is set once the
// retry ceiling is exceeded; only an explicit Reconnect leaves that state.
type ConnectionStatus struct {
	State    ConnectionState
	Retries  int
	LastErr  error
	Terminal bool
}

// ============================================================================
// Queries
// ============================================================================

// HistoryQuery pages through persisted messages. Results are always in
// ascending creation order. A non-zero Before restricts the page to messages
// created strictly earlier and, like Tail, takes the page from the newest end so
// callers can walk backwards through a conversation.
type HistoryQuery struct {
	Limit  int
	Offset int
	Before time.Time
	Tail   bool
}

func (q HistoryQuery) fromNewest() bool {
	return q.Tail || !q.Before.IsZero()
}

func trimmed(s string) string { return strings.TrimSpace(s) }
