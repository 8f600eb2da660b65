package chatsync

import (
	"context"
	"sync"
)

// ============================================================================
// Transport capability
// ============================================================================

// EventType identifies an inbound realtime event.
type EventType string

const (
	EventStatus        EventType = "status"
	EventMessageInsert EventType = "message.insert"
	EventMessageUpdate EventType = "message.update"
	EventPresence      EventType = "presence.changed"
)

// ChannelStatus is the connection signal a transport reports for a channel.
type ChannelStatus string

const (
	ChannelSubscribed ChannelStatus = "subscribed"
	ChannelError      ChannelStatus = "error"
	ChannelTimeout    ChannelStatus = "timeout"
	ChannelClosed     ChannelStatus = "closed"
)

// Event is delivered to an EventSink. Status and Err are set for EventStatus;
// Message or Presence for the data events.
type Event struct {
	Type     EventType
	Status   ChannelStatus
	Err      error
	Message  *Message
	Presence *Presence
}

// EventSink receives the events of one channel, in order.
type EventSink func(Event)

// Transport opens realtime channels scoped to a conversation. Subscribe must not
// block on the handshake: the outcome is reported to sink as a status event.
type Transport interface {
	Subscribe(conversationID string, sink EventSink) (Channel, error)
}

// Channel is one live realtime subscription.
type Channel interface {
	PublishPresence(ctx context.Context, p Presence) error
	Unsubscribe() error
}

func statusEvent(s ChannelStatus, err error) Event {
	return Event{Type: EventStatus, Status: s, Err: err}
}

// ============================================================================
// eventQueue
// ============================================================================

// eventQueue delivers events to a sink from a single goroutine, preserving order
// and never blocking the producer.
type eventQueue struct {
	mu      sync.Mutex
	pending []Event
	wake    chan struct{}
	done    chan struct{}
	once    sync.Once
}

func newEventQueue(sink EventSink) *eventQueue {
	q := &eventQueue{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go q.run(sink)
	return q
}

func (q *eventQueue) push(ev Event) {
	q.mu.Lock()
	q.pending = append(q.pending, ev)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *eventQueue) close() {
	q.once.Do(func() { close(q.done) })
}

func (q *eventQueue) run(sink EventSink) {
	for {
		select {
		case <-q.done:
			return
		case <-q.wake:
		}
		for {
			q.mu.Lock()
			if len(q.pending) == 0 {
				q.mu.Unlock()
				break
			}
			ev := q.pending[0]
			q.pending = q.pending[1:]
			q.mu.Unlock()

			select {
			case <-q.done:
				return
			default:
			}
			sink(ev)
		}
	}
}

// ============================================================================
// MemoryTransport
// ============================================================================

// MemoryTransport pushes MemoryStore commits to subscribed channels. It is the
// in-process counterpart of the WebSocket and NATS transports.
type MemoryTransport struct {
	mu       sync.Mutex
	channels map[string]map[*memoryChannel]struct{}
}

// NewMemoryTransport wires a transport to store's commit stream.
func NewMemoryTransport(store *MemoryStore) *MemoryTransport {
	t := &MemoryTransport{channels: make(map[string]map[*memoryChannel]struct{})}
	store.OnCommit(t.broadcast)
	return t
}

type memoryChannel struct {
	t      *MemoryTransport
	convID string
	queue  *eventQueue
}

func (t *MemoryTransport) Subscribe(conversationID string, sink EventSink) (Channel, error) {
	ch := &memoryChannel{t: t, convID: conversationID, queue: newEventQueue(sink)}
	t.mu.Lock()
	if t.channels[conversationID] == nil {
		t.channels[conversationID] = make(map[*memoryChannel]struct{})
	}
	t.channels[conversationID][ch] = struct{}{}
	t.mu.Unlock()

	ch.queue.push(statusEvent(ChannelSubscribed, nil))
	return ch, nil
}

// Drop fails every channel of a conversation with err, as a network drop would.
func (t *MemoryTransport) Drop(conversationID string, err error) {
	t.mu.Lock()
	chans := t.channels[conversationID]
	delete(t.channels, conversationID)
	t.mu.Unlock()
	for ch := range chans {
		ch.queue.push(statusEvent(ChannelError, err))
	}
}

func (t *MemoryTransport) broadcast(ev StoreEvent) {
	var convID string
	out := Event{Type: ev.Type}
	switch {
	case ev.Message != nil:
		convID = ev.Message.ConversationID
		m := ev.Message.clone()
		out.Message = &m
	case ev.Presence != nil:
		convID = ev.Presence.ConversationID
		p := *ev.Presence
		out.Presence = &p
	default:
		return
	}

	t.mu.Lock()
	chans := make([]*memoryChannel, 0, len(t.channels[convID]))
	for ch := range t.channels[convID] {
		chans = append(chans, ch)
	}
	t.mu.Unlock()
	for _, ch := range chans {
		ch.queue.push(out)
	}
}

// PublishPresence is a no-op: presence written to the MemoryStore is already
// broadcast through the commit stream.
func (c *memoryChannel) PublishPresence(context.Context, Presence) error { return nil }

func (c *memoryChannel) Unsubscribe() error {
	c.t.mu.Lock()
	delete(c.t.channels[c.convID], c)
	c.t.mu.Unlock()
	c.queue.close()
	return nil
}
