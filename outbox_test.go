package chatsync

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

const eventually = 2 * time.Second

func newTestOutbox(store MessageStore, sched Scheduler, opts OutboxOptions) *Outbox {
	opts.Scheduler = sched
	return NewOutbox(store, opts)
}

func sendReq(body string) SendRequest {
	return SendRequest{ConversationID: "conv-1", AuthorID: "alice", Body: body}
}

func pendingStatus(o *Outbox) DeliveryStatus {
	p := o.Pending()
	if len(p) == 0 {
		return ""
	}
	return p[0].Status
}

func TestOutbox_SendIsOptimistic(t *testing.T) {
	store := newFlakyStore()
	sched := newFakeScheduler()
	var changes atomic.Int32
	o := newTestOutbox(store, sched, OutboxOptions{OnChange: func() { changes.Add(1) }})

	msg, err := o.Send(context.Background(), sendReq("  Is this still available?  "))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(msg.TempID, "tmp_"))
	assert.Equal(t, StatusSending, msg.Status)
	assert.Equal(t, "Is this still available?", msg.Body)
	assert.Equal(t, KindText, msg.Kind)
	assert.Equal(t, epoch, msg.CreatedAt)
	assert.Empty(t, msg.ID)

	require.Eventually(t, func() bool { return pendingStatus(o) == StatusSent }, eventually, 5*time.Millisecond)
	p := o.Pending()[0]
	assert.NotEmpty(t, p.ID)
	assert.Equal(t, msg.TempID, p.TempID)
	assert.Equal(t, 1, p.Attempts)
	require.Eventually(t, func() bool { return changes.Load() >= 2 }, eventually, 5*time.Millisecond)

	saved, err := store.FindByTempID(context.Background(), msg.TempID)
	require.NoError(t, err)
	assert.Equal(t, p.ID, saved.ID)
}

func TestOutbox_RejectsEmptyBody(t *testing.T) {
	called := false
	o := newTestOutbox(newFlakyStore(), newFakeScheduler(), OutboxOptions{BeforeSend: func() { called = true }})

	for _, body := range []string{"", "   ", "\n\t"} {
		_, err := o.Send(context.Background(), sendReq(body))
		assert.ErrorIs(t, err, ErrEmptyMessage)
	}
	assert.Empty(t, o.Pending())
	assert.False(t, called)
}

func TestOutbox_BeforeSendRunsFirst(t *testing.T) {
	calls := 0
	o := newTestOutbox(newFlakyStore(), newFakeScheduler(), OutboxOptions{BeforeSend: func() { calls++ }})
	_, err := o.Send(context.Background(), sendReq("hi"))
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestOutbox_RetriesOnceAfterDelay(t *testing.T) {
	store := newFlakyStore()
	store.failNext(1)
	sched := newFakeScheduler()
	core, logs := observer.New(zapcore.WarnLevel)
	o := newTestOutbox(store, sched, OutboxOptions{Logger: zap.New(core)})

	_, err := o.Send(context.Background(), sendReq("hi"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return pendingStatus(o) == StatusFailed }, eventually, 5*time.Millisecond)
	assert.Contains(t, o.Pending()[0].LastError, "network down")
	assert.Equal(t, []time.Duration{3 * time.Second}, sched.Pending())
	require.Eventually(t, func() bool {
		return logs.FilterMessage("message persistence failed").Len() == 1
	}, eventually, 5*time.Millisecond)

	sched.Advance(3*time.Second - time.Millisecond)
	assert.Equal(t, StatusFailed, pendingStatus(o))
	assert.Equal(t, 1, store.insertCount())

	sched.Advance(time.Millisecond)
	assert.Equal(t, StatusSent, pendingStatus(o))
	assert.Equal(t, 2, store.insertCount())
	assert.Equal(t, 2, o.Pending()[0].Attempts)
}

func TestOutbox_StaysFailedAfterAutoRetry(t *testing.T) {
	store := newFlakyStore()
	store.failNext(2)
	sched := newFakeScheduler()
	o := newTestOutbox(store, sched, OutboxOptions{})

	msg, err := o.Send(context.Background(), sendReq("hi"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return pendingStatus(o) == StatusFailed }, eventually, 5*time.Millisecond)

	sched.Advance(3 * time.Second)
	assert.Equal(t, StatusFailed, pendingStatus(o))
	assert.Empty(t, sched.Pending(), "only one automatic retry")

	require.NoError(t, o.Retry(context.Background(), msg.TempID))
	require.Eventually(t, func() bool { return pendingStatus(o) == StatusSent }, eventually, 5*time.Millisecond)
	assert.Equal(t, 3, store.insertCount())
}

func TestOutbox_LostAckIsNotDuplicated(t *testing.T) {
	store := newFlakyStore()
	store.loseNext(1)
	sched := newFakeScheduler()
	o := newTestOutbox(store, sched, OutboxOptions{})

	_, err := o.Send(context.Background(), sendReq("hi"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return pendingStatus(o) == StatusFailed }, eventually, 5*time.Millisecond)

	sched.Advance(3 * time.Second)
	require.Equal(t, StatusSent, pendingStatus(o))

	history, err := store.History(context.Background(), "conv-1", HistoryQuery{})
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, history[0].ID, o.Pending()[0].ID)
}

func TestOutbox_FlushFailed(t *testing.T) {
	store := newFlakyStore()
	store.failNext(2)
	sched := newFakeScheduler()
	o := newTestOutbox(store, sched, OutboxOptions{})

	for _, body := range []string{"one", "two"} {
		_, err := o.Send(context.Background(), sendReq(body))
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool {
		p := o.Pending()
		return len(p) == 2 && p[0].Status == StatusFailed && p[1].Status == StatusFailed
	}, eventually, 5*time.Millisecond)

	assert.Equal(t, 2, o.FlushFailed(context.Background()))
	assert.Empty(t, sched.Pending(), "flushing cancels the scheduled retries")
	require.Eventually(t, func() bool {
		p := o.Pending()
		return p[0].Status == StatusSent && p[1].Status == StatusSent
	}, eventually, 5*time.Millisecond)
	assert.Zero(t, o.FlushFailed(context.Background()))
}

func TestOutbox_Reconcile(t *testing.T) {
	store := newFlakyStore()
	o := newTestOutbox(store, newFakeScheduler(), OutboxOptions{})

	msg, err := o.Send(context.Background(), sendReq("hi"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return pendingStatus(o) == StatusSent }, eventually, 5*time.Millisecond)

	assert.False(t, o.Reconcile(Message{ID: "other", TempID: "tmp_other"}))
	assert.False(t, o.Reconcile(Message{ID: "no-temp"}))
	assert.True(t, o.Reconcile(Message{ID: "m1", TempID: msg.TempID}))
	assert.Empty(t, o.Pending())
	assert.ErrorIs(t, o.Retry(context.Background(), msg.TempID), ErrNotFound)
}

func TestOutbox_RetryIgnoresHealthyMessages(t *testing.T) {
	store := newFlakyStore()
	o := newTestOutbox(store, newFakeScheduler(), OutboxOptions{})

	msg, err := o.Send(context.Background(), sendReq("hi"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return pendingStatus(o) == StatusSent }, eventually, 5*time.Millisecond)

	require.NoError(t, o.Retry(context.Background(), msg.TempID))
	assert.Equal(t, 1, store.insertCount())
}

func TestOutbox_CloseCancelsRetries(t *testing.T) {
	store := newFlakyStore()
	store.failNext(1)
	sched := newFakeScheduler()
	o := newTestOutbox(store, sched, OutboxOptions{})

	_, err := o.Send(context.Background(), sendReq("hi"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return pendingStatus(o) == StatusFailed }, eventually, 5*time.Millisecond)

	o.Close()
	assert.Empty(t, sched.Pending())
	sched.Advance(time.Minute)
	assert.Equal(t, 1, store.insertCount())

	_, err = o.Send(context.Background(), sendReq("late"))
	assert.ErrorIs(t, err, ErrClosed)
}
