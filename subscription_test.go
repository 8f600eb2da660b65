package chatsync

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stateRecorder struct {
	mu     sync.Mutex
	states []ConnectionStatus
}

func (r *stateRecorder) record(st ConnectionStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, st)
}

func (r *stateRecorder) names() []ConnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ConnectionState, len(r.states))
	for i, st := range r.states {
		out[i] = st.State
	}
	return out
}

func newTestSubscription(tr Transport, sched Scheduler, h SubscriptionHandlers) *Subscription {
	return NewSubscription("conv-1", tr, SubscriptionConfig{Scheduler: sched}, h)
}

func TestSubscription_Connects(t *testing.T) {
	tr := &fakeTransport{}
	sched := newFakeScheduler()
	rec := &stateRecorder{}
	connected := 0
	sub := newTestSubscription(tr, sched, SubscriptionHandlers{
		OnState:     rec.record,
		OnConnected: func() { connected++ },
	})

	require.NoError(t, sub.Open())
	assert.Equal(t, StateConnecting, sub.Status().State)
	assert.Nil(t, sub.Channel(), "channel is not usable before the ack")

	tr.last().ack()
	assert.Equal(t, StateConnected, sub.Status().State)
	assert.Equal(t, 1, connected)
	assert.NotNil(t, sub.Channel())
	assert.Equal(t, []ConnectionState{StateConnecting, StateConnected}, rec.names())

	// A duplicate ack is not a second connection.
	tr.last().ack()
	assert.Equal(t, 1, connected)
}

func TestSubscription_BackoffLadder(t *testing.T) {
	tr := &fakeTransport{}
	sched := newFakeScheduler()
	sub := newTestSubscription(tr, sched, SubscriptionHandlers{})
	require.NoError(t, sub.Open())
	tr.last().ack()

	want := []time.Duration{1 * time.Second, 2 * time.Second, 5 * time.Second, 10 * time.Second, 30 * time.Second}
	statuses := []ChannelStatus{ChannelError, ChannelTimeout, ChannelClosed, ChannelError, ChannelTimeout}
	for i, delay := range want {
		tr.last().fail(statuses[i])

		st := sub.Status()
		assert.Equal(t, StateReconnecting, st.State, "failure %d", i+1)
		assert.Equal(t, i+1, st.Retries)
		assert.False(t, st.Terminal)
		assert.True(t, errors.Is(st.LastErr, ErrChannel))
		require.Equal(t, []time.Duration{delay}, sched.Pending(), "failure %d", i+1)

		sched.Advance(delay)
		assert.Equal(t, StateConnecting, sub.Status().State)
		assert.Equal(t, i+2, tr.subscribeAttempts())
	}

	tr.last().fail(ChannelError)
	st := sub.Status()
	assert.Equal(t, StateDisconnected, st.State)
	assert.True(t, st.Terminal)
	assert.Equal(t, DefaultMaxReconnectAttempts, st.Retries)
	assert.Empty(t, sched.Pending(), "no reconnect is scheduled after giving up")

	sched.Advance(time.Hour)
	assert.Equal(t, 6, tr.subscribeAttempts())
}

func TestSubscription_SuccessResetsRetries(t *testing.T) {
	tr := &fakeTransport{}
	sched := newFakeScheduler()
	sub := newTestSubscription(tr, sched, SubscriptionHandlers{})
	require.NoError(t, sub.Open())
	tr.last().ack()

	tr.last().fail(ChannelError)
	sched.Advance(time.Second)
	tr.last().fail(ChannelError)
	assert.Equal(t, []time.Duration{2 * time.Second}, sched.Pending())
	sched.Advance(2 * time.Second)

	tr.last().ack()
	assert.Equal(t, 0, sub.Status().Retries)

	tr.last().fail(ChannelError)
	assert.Equal(t, []time.Duration{time.Second}, sched.Pending())
}

func TestSubscription_SubscribeErrorRetries(t *testing.T) {
	tr := &fakeTransport{err: errors.New("dial refused")}
	sched := newFakeScheduler()
	sub := newTestSubscription(tr, sched, SubscriptionHandlers{})

	require.NoError(t, sub.Open())
	assert.Equal(t, StateReconnecting, sub.Status().State)
	assert.Equal(t, []time.Duration{time.Second}, sched.Pending())

	tr.setErr(nil)
	sched.Advance(time.Second)
	tr.last().ack()
	assert.Equal(t, StateConnected, sub.Status().State)
}

func TestSubscription_ReconnectLeavesTerminalState(t *testing.T) {
	tr := &fakeTransport{}
	sched := newFakeScheduler()
	sub := NewSubscription("conv-1", tr, SubscriptionConfig{Scheduler: sched, MaxReconnectAttempts: 1}, SubscriptionHandlers{})
	require.NoError(t, sub.Open())
	tr.last().fail(ChannelError)
	sched.Advance(time.Second)
	tr.last().fail(ChannelError)
	require.True(t, sub.Status().Terminal)

	attempts := tr.subscribeAttempts()
	require.NoError(t, sub.Open())
	assert.Equal(t, attempts, tr.subscribeAttempts(), "open does not leave a terminal state")

	require.NoError(t, sub.Reconnect())
	st := sub.Status()
	assert.Equal(t, StateConnecting, st.State)
	assert.Equal(t, 0, st.Retries)
	assert.False(t, st.Terminal)
	assert.Equal(t, attempts+1, tr.subscribeAttempts())

	tr.last().ack()
	assert.Equal(t, StateConnected, sub.Status().State)
}

func TestSubscription_IgnoresStaleChannel(t *testing.T) {
	tr := &fakeTransport{}
	sched := newFakeScheduler()
	events := 0
	sub := newTestSubscription(tr, sched, SubscriptionHandlers{
		OnEvent: func(Event) { events++ },
	})
	require.NoError(t, sub.Open())
	old := tr.last()
	old.ack()
	old.fail(ChannelError)
	assert.True(t, old.isUnsubscribed())

	old.ack()
	old.emit(Event{Type: EventMessageInsert, Message: &Message{ID: "m1"}})
	assert.Equal(t, StateReconnecting, sub.Status().State)
	assert.Zero(t, events)

	sched.Advance(time.Second)
	tr.last().emit(Event{Type: EventMessageInsert, Message: &Message{ID: "m2"}})
	assert.Equal(t, 1, events)
}

func TestSubscription_CloseCancelsReconnect(t *testing.T) {
	tr := &fakeTransport{}
	sched := newFakeScheduler()
	sub := newTestSubscription(tr, sched, SubscriptionHandlers{})
	require.NoError(t, sub.Open())
	tr.last().fail(ChannelError)
	require.Len(t, sched.Pending(), 1)

	require.NoError(t, sub.Close())
	assert.Empty(t, sched.Pending())
	sched.Advance(time.Minute)
	assert.Equal(t, 1, tr.subscribeAttempts())
	assert.ErrorIs(t, sub.Open(), ErrClosed)
	assert.ErrorIs(t, sub.Reconnect(), ErrClosed)
}

func TestManager_OneSubscriptionPerConversation(t *testing.T) {
	tr := &fakeTransport{}
	m := NewManager(tr, SubscriptionConfig{Scheduler: newFakeScheduler()})

	first, err := m.Subscribe("conv-1", SubscriptionHandlers{})
	require.NoError(t, err)
	firstCh := tr.last()
	firstCh.ack()

	second, err := m.Subscribe("conv-1", SubscriptionHandlers{})
	require.NoError(t, err)
	assert.True(t, firstCh.isUnsubscribed())
	assert.Equal(t, StateDisconnected, first.Status().State)
	assert.Same(t, second, m.Get("conv-1"))

	// Releasing a superseded subscription does not forget the current one.
	require.NoError(t, m.Release(first))
	assert.Same(t, second, m.Get("conv-1"))

	require.NoError(t, m.Release(second))
	assert.Nil(t, m.Get("conv-1"))
}

// eagerTransport acknowledges the subscription before Subscribe returns.
type eagerTransport struct{ fakeTransport }

func (t *eagerTransport) Subscribe(conversationID string, sink EventSink) (Channel, error) {
	sink(statusEvent(ChannelSubscribed, nil))
	return t.fakeTransport.Subscribe(conversationID, sink)
}

func TestSubscription_EarlyAckWaitsForChannel(t *testing.T) {
	tr := &eagerTransport{}
	var sub *Subscription
	var seen []Channel
	sub = newTestSubscription(tr, newFakeScheduler(), SubscriptionHandlers{
		OnConnected: func() { seen = append(seen, sub.Channel()) },
	})

	require.NoError(t, sub.Open())
	assert.Equal(t, StateConnected, sub.Status().State)
	require.Len(t, seen, 1)
	assert.NotNil(t, seen[0], "the live channel is usable when the connect hook runs")
	assert.Same(t, tr.last(), seen[0])
}
