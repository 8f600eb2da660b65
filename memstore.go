package chatsync

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"
)

// ============================================================================
// MemoryStore
// ============================================================================

// MemoryStore is a goroutine-safe in-process Store. It enforces the same
// uniqueness constraints as the remote backends: one conversation per name and
// one message per temp id.
type MemoryStore struct {
	mu            sync.RWMutex
	now           func() time.Time
	seq           int
	conversations map[string]*Conversation // by name
	messages      []*Message
	byTempID      map[string]*Message
	presence      map[string]Presence // by conversation + "/" + user
	listeners     []func(StoreEvent)
}

// StoreEvent describes a committed write. MemoryStore emits them to listeners
// so an in-process transport can push them back as realtime events.
type StoreEvent struct {
	Type     EventType
	Message  *Message
	Presence *Presence
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:           time.Now,
		conversations: make(map[string]*Conversation),
		byTempID:      make(map[string]*Message),
		presence:      make(map[string]Presence),
	}
}

// OnCommit registers a listener invoked after every successful write.
func (s *MemoryStore) OnCommit(fn func(StoreEvent)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *MemoryStore) emit(ev StoreEvent) {
	s.mu.RLock()
	listeners := append([]func(StoreEvent){}, s.listeners...)
	s.mu.RUnlock()
	for _, fn := range listeners {
		fn(ev)
	}
}

func (s *MemoryStore) nextID(prefix string) string {
	s.seq++
	return prefix + strconv.Itoa(s.seq)
}

// ── Conversations ────────────────────────────────────────

func (s *MemoryStore) FindConversation(_ context.Context, name string) (*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[name]
	if !ok {
		return nil, Errorf(CodeNotFound, "find conversation", "no conversation named %q", name)
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) CreateConversation(_ context.Context, c *Conversation) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[c.Name]; ok {
		return nil, Errorf(CodeDuplicate, "create conversation", "conversation %q already exists", c.Name)
	}
	stored := *c
	stored.ID = s.nextID("conv-")
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.now().UTC()
	}
	s.conversations[c.Name] = &stored
	cp := stored
	return &cp, nil
}

// ── Messages ─────────────────────────────────────────────

func (s *MemoryStore) History(_ context.Context, conversationID string, q HistoryQuery) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []Message
	for _, m := range s.messages {
		if m.ConversationID != conversationID {
			continue
		}
		if !q.Before.IsZero() && !m.CreatedAt.Before(q.Before) {
			continue
		}
		result = append(result, m.clone())
	}
	sort.SliceStable(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return page(result, q), nil
}

// page applies limit/offset to an ascending slice.
func page(sorted []Message, q HistoryQuery) []Message {
	limit := q.limit()
	if !q.fromNewest() {
		if q.Offset >= len(sorted) {
			return []Message{}
		}
		sorted = sorted[q.Offset:]
		if len(sorted) > limit {
			sorted = sorted[:limit]
		}
		return sorted
	}
	end := len(sorted) - q.Offset
	if end <= 0 {
		return []Message{}
	}
	start := end - limit
	if start < 0 {
		start = 0
	}
	return sorted[start:end]
}

func (s *MemoryStore) InsertMessage(_ context.Context, m *Message) (*Message, error) {
	s.mu.Lock()
	if m.TempID != "" {
		if _, ok := s.byTempID[m.TempID]; ok {
			s.mu.Unlock()
			return nil, Errorf(CodeDuplicate, "insert message", "temp id %s already stored", m.TempID)
		}
	}
	stored := m.clone()
	stored.ID = s.nextID("msg-")
	stored.Status = ""
	stored.Attempts = 0
	stored.LastError = ""
	if stored.Kind == "" {
		stored.Kind = KindText
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.now().UTC()
	}
	s.messages = append(s.messages, &stored)
	if stored.TempID != "" {
		s.byTempID[stored.TempID] = &stored
	}
	out := stored.clone()
	s.mu.Unlock()

	echo := stored.clone()
	s.emit(StoreEvent{Type: EventMessageInsert, Message: &echo})
	return &out, nil
}

func (s *MemoryStore) FindByTempID(_ context.Context, tempID string) (*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.byTempID[tempID]
	if !ok {
		return nil, Errorf(CodeNotFound, "find message", "no message with temp id %s", tempID)
	}
	out := m.clone()
	return &out, nil
}

func (s *MemoryStore) MarkRead(_ context.Context, conversationID, readerID string, at time.Time) (int, error) {
	s.mu.Lock()
	var updated []Message
	for _, m := range s.messages {
		if m.ConversationID != conversationID || m.AuthorID == readerID || m.ReadAt != nil {
			continue
		}
		t := at
		m.ReadAt = &t
		updated = append(updated, m.clone())
	}
	s.mu.Unlock()

	for i := range updated {
		s.emit(StoreEvent{Type: EventMessageUpdate, Message: &updated[i]})
	}
	return len(updated), nil
}

func (s *MemoryStore) UnreadCount(_ context.Context, conversationID, readerID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, m := range s.messages {
		if m.ConversationID == conversationID && m.AuthorID != readerID && m.ReadAt == nil {
			count++
		}
	}
	return count, nil
}

// ── Presence ─────────────────────────────────────────────

func (s *MemoryStore) UpsertPresence(_ context.Context, p Presence) error {
	s.mu.Lock()
	s.presence[p.ConversationID+"/"+p.UserID] = p
	s.mu.Unlock()

	s.emit(StoreEvent{Type: EventPresence, Presence: &p})
	return nil
}

func (s *MemoryStore) ListPresence(_ context.Context, conversationID string) ([]Presence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []Presence
	for _, p := range s.presence {
		if p.ConversationID == conversationID {
			result = append(result, p)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UserID < result[j].UserID })
	return result, nil
}
