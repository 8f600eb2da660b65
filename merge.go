package chatsync

import (
	"sort"
	"time"
)

// DefaultMatchWindow is the timestamp tolerance for matching messages that
// carry no shared identifier.
const DefaultMatchWindow = time.Second

// Merge folds server history, locally queued messages and realtime pushes into
// one ascending sequence with a single entry per logical message.
//
// Two entries are the same message when their server ids match, when their temp
// ids match, or, failing both, when author and body are equal and the creation
// times are within window. Server-held copies (history and pushes) count as
// delivered. Ties in CreatedAt keep first-arrival order. Merge does no I/O and
// does not modify its inputs.
func Merge(history, queued, pushed []Message, window time.Duration) []Message {
	if window <= 0 {
		window = DefaultMatchWindow
	}
	m := merger{
		byID:   make(map[string]int),
		byTemp: make(map[string]int),
		window: window,
	}
	for i := range history {
		m.add(history[i], true)
	}
	for i := range queued {
		m.add(queued[i], false)
	}
	for i := range pushed {
		m.add(pushed[i], true)
	}

	sort.SliceStable(m.out, func(i, j int) bool {
		return m.out[i].CreatedAt.Before(m.out[j].CreatedAt)
	})
	return m.out
}

type merger struct {
	out    []Message
	byID   map[string]int
	byTemp map[string]int
	window time.Duration
}

func (m *merger) add(msg Message, fromServer bool) {
	in := msg.clone()
	if fromServer && in.ID != "" {
		in.Status = StatusDelivered
	}

	idx := m.find(&in)
	if idx < 0 {
		m.out = append(m.out, in)
		m.index(len(m.out) - 1)
		return
	}
	m.out[idx] = combine(m.out[idx], in)
	m.index(idx)
}

func (m *merger) index(i int) {
	if id := m.out[i].ID; id != "" {
		m.byID[id] = i
	}
	if t := m.out[i].TempID; t != "" {
		m.byTemp[t] = i
	}
}

func (m *merger) find(in *Message) int {
	if in.ID != "" {
		if i, ok := m.byID[in.ID]; ok {
			return i
		}
	}
	if in.TempID != "" {
		if i, ok := m.byTemp[in.TempID]; ok {
			return i
		}
	}
	for i := range m.out {
		if m.looseMatch(&m.out[i], in) {
			return i
		}
	}
	return -1
}

// looseMatch is the fallback for entries without a shared identifier. Entries
// whose ids are both present and different are never the same message.
func (m *merger) looseMatch(a, b *Message) bool {
	if a.ID != "" && b.ID != "" {
		return false
	}
	if a.TempID != "" && b.TempID != "" {
		return false
	}
	if a.AuthorID != b.AuthorID || a.Body != b.Body {
		return false
	}
	d := a.CreatedAt.Sub(b.CreatedAt)
	if d < 0 {
		d = -d
	}
	return d <= m.window
}

// combine merges two copies of one message. The server copy supplies identity,
// timestamps and read state; the higher delivery status wins.
func combine(a, b Message) Message {
	out := a
	if out.ID == "" && b.ID != "" {
		out.ID = b.ID
		out.CreatedAt = b.CreatedAt
		out.Body = b.Body
	}
	if out.TempID == "" {
		out.TempID = b.TempID
	}
	if out.ReadAt == nil && b.ReadAt != nil {
		t := *b.ReadAt
		out.ReadAt = &t
	}
	if b.Status.rank() > out.Status.rank() {
		out.Status = b.Status
		out.LastError = b.LastError
	}
	if b.Attempts > out.Attempts {
		out.Attempts = b.Attempts
	}
	return out
}
