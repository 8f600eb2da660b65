package chatsync

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// ============================================================================
// fakeScheduler
// ============================================================================

// fakeScheduler only moves when Advance is called. Due callbacks run on the
// caller's goroutine, earliest first.
type fakeScheduler struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	s       *fakeScheduler
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{now: epoch}
}

func (s *fakeScheduler) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

func (s *fakeScheduler) AfterFunc(d time.Duration, f func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &fakeTimer{s: s, at: s.now.Add(d), f: f}
	s.timers = append(s.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

func (s *fakeScheduler) Advance(d time.Duration) {
	s.mu.Lock()
	target := s.now.Add(d)
	s.mu.Unlock()

	for {
		s.mu.Lock()
		var next *fakeTimer
		for _, t := range s.timers {
			if t.stopped || t.fired || t.at.After(target) {
				continue
			}
			if next == nil || t.at.Before(next.at) {
				next = t
			}
		}
		if next == nil {
			s.now = target
			s.mu.Unlock()
			return
		}
		next.fired = true
		s.now = next.at
		s.mu.Unlock()
		next.f()
	}
}

// Pending returns the remaining delays of all armed timers, shortest first.
func (s *fakeScheduler) Pending() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []time.Duration
	for _, t := range s.timers {
		if !t.stopped && !t.fired {
			out = append(out, t.at.Sub(s.now))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ============================================================================
// fakeTransport
// ============================================================================

// fakeTransport hands out channels whose events the test emits by hand.
type fakeTransport struct {
	mu       sync.Mutex
	err      error
	channels []*fakeChannel
	attempts int
}

type fakeChannel struct {
	convID string
	sink   EventSink

	mu           sync.Mutex
	unsubscribed bool
	published    []Presence
}

func (t *fakeTransport) Subscribe(conversationID string, sink EventSink) (Channel, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.attempts++
	if t.err != nil {
		return nil, t.err
	}
	ch := &fakeChannel{convID: conversationID, sink: sink}
	t.channels = append(t.channels, ch)
	return ch, nil
}

func (t *fakeTransport) setErr(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.err = err
}

func (t *fakeTransport) subscribeAttempts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attempts
}

func (t *fakeTransport) last() *fakeChannel {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.channels) == 0 {
		return nil
	}
	return t.channels[len(t.channels)-1]
}

func (c *fakeChannel) emit(ev Event) { c.sink(ev) }

func (c *fakeChannel) ack() { c.sink(statusEvent(ChannelSubscribed, nil)) }

func (c *fakeChannel) fail(status ChannelStatus) {
	c.sink(statusEvent(status, errors.New("connection reset")))
}

func (c *fakeChannel) PublishPresence(_ context.Context, p Presence) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, p)
	return nil
}

func (c *fakeChannel) Unsubscribe() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unsubscribed = true
	return nil
}

func (c *fakeChannel) isUnsubscribed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unsubscribed
}

func (c *fakeChannel) publishedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.published)
}

// ============================================================================
// flakyStore
// ============================================================================

// flakyStore fails the next failInserts inserts outright and, for the next
// lostAcks inserts, stores the message but reports a failure, as a dropped
// response would.
type flakyStore struct {
	*MemoryStore

	mu          sync.Mutex
	failInserts int
	lostAcks    int
	inserts     int
}

func newFlakyStore() *flakyStore {
	return &flakyStore{MemoryStore: NewMemoryStore()}
}

func (f *flakyStore) InsertMessage(ctx context.Context, m *Message) (*Message, error) {
	f.mu.Lock()
	f.inserts++
	fail := f.failInserts > 0
	if fail {
		f.failInserts--
	}
	lose := !fail && f.lostAcks > 0
	if lose {
		f.lostAcks--
	}
	f.mu.Unlock()

	if fail {
		return nil, errors.New("network down")
	}
	saved, err := f.MemoryStore.InsertMessage(ctx, m)
	if err != nil {
		return nil, err
	}
	if lose {
		return nil, errors.New("response lost")
	}
	return saved, nil
}

func (f *flakyStore) failNext(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failInserts = n
}

func (f *flakyStore) loseNext(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lostAcks = n
}

func (f *flakyStore) insertCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inserts
}

// seed stores n messages alternating between two authors, one second apart.
func seed(t interface{ Fatalf(string, ...any) }, s *MemoryStore, convID string, n int) []Message {
	var out []Message
	for i := 0; i < n; i++ {
		author := "alice"
		if i%2 == 1 {
			author = "bob"
		}
		m, err := s.InsertMessage(context.Background(), &Message{
			ConversationID: convID,
			AuthorID:       author,
			Body:           "message " + string(rune('a'+i)),
			CreatedAt:      epoch.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("seed: %v", err)
		}
		out = append(out, *m)
	}
	return out
}
