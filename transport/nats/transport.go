// Package nats carries realtime chat events over core NATS subjects:
//
//	<prefix>.<conversation>.messages
//	<prefix>.<conversation>.presence
//
// Every payload is a chatsync.Envelope, the same framing the WebSocket
// gateway uses.
package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	chatsync "github.com/unimarket/campuschat"
	"github.com/unimarket/campuschat/pkg/logging"
)

const (
	DefaultSubjectPrefix = "campuschat"
	DefaultFlushTimeout  = 5 * time.Second
)

// Options configures a Transport.
type Options struct {
	SubjectPrefix string
	// FlushTimeout bounds the round trip confirming a new subscription.
	FlushTimeout time.Duration
	Logger       *zap.Logger
}

func (o *Options) defaults() {
	if o.SubjectPrefix == "" {
		o.SubjectPrefix = DefaultSubjectPrefix
	}
	if o.FlushTimeout == 0 {
		o.FlushTimeout = DefaultFlushTimeout
	}
	o.Logger = logging.OrNop(o.Logger)
}

// Connect dials url with reconnect handling left to the chat subscriptions:
// a lost connection fails every channel and each one backs off on its own.
func Connect(url, name string, opts ...nats.Option) (*nats.Conn, error) {
	opts = append([]nats.Option{
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	}, opts...)
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return nc, nil
}

// Transport implements chatsync.Transport on a NATS connection.
type Transport struct {
	nc   *nats.Conn
	opts Options
	log  *zap.Logger

	mu       sync.Mutex
	channels map[*channel]struct{}
}

// New wraps nc. It installs the connection's disconnect and closed handlers.
func New(nc *nats.Conn, opts Options) *Transport {
	opts.defaults()
	t := &Transport{
		nc:       nc,
		opts:     opts,
		log:      opts.Logger,
		channels: make(map[*channel]struct{}),
	}
	nc.SetDisconnectErrHandler(func(_ *nats.Conn, err error) {
		if err == nil {
			err = nats.ErrDisconnected
		}
		t.failAll(chatsync.ChannelError, err)
	})
	nc.SetClosedHandler(func(*nats.Conn) {
		t.failAll(chatsync.ChannelClosed, nats.ErrConnectionClosed)
	})
	return t
}

// MessagesSubject is where inserted and updated messages of a conversation are
// published.
func MessagesSubject(prefix, conversationID string) string {
	return prefix + "." + conversationID + ".messages"
}

// PresenceSubject is where presence changes of a conversation are published.
func PresenceSubject(prefix, conversationID string) string {
	return prefix + "." + conversationID + ".presence"
}

func (t *Transport) Subscribe(conversationID string, sink chatsync.EventSink) (chatsync.Channel, error) {
	if conversationID == "" || strings.ContainsAny(conversationID, ".*> ") {
		return nil, chatsync.Errorf(chatsync.CodeChannel, "nats subscribe", "invalid conversation id %q", conversationID)
	}
	ch := &channel{t: t, convID: conversationID, sink: sink}

	subject := t.opts.SubjectPrefix + "." + conversationID + ".>"
	sub, err := t.nc.Subscribe(subject, ch.deliver)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to '%s': %w", subject, err)
	}
	ch.sub = sub

	t.mu.Lock()
	t.channels[ch] = struct{}{}
	t.mu.Unlock()

	go ch.confirm()
	return ch, nil
}

func (t *Transport) failAll(status chatsync.ChannelStatus, err error) {
	t.mu.Lock()
	chans := make([]*channel, 0, len(t.channels))
	for ch := range t.channels {
		chans = append(chans, ch)
	}
	t.mu.Unlock()

	if len(chans) > 0 {
		t.log.Warn("nats connection lost", zap.Int("channels", len(chans)), logging.Err(err))
	}
	for _, ch := range chans {
		ch.report(status, err)
	}
}

func (t *Transport) forget(ch *channel) {
	t.mu.Lock()
	delete(t.channels, ch)
	t.mu.Unlock()
}

// ============================================================================
// channel
// ============================================================================

type channel struct {
	t      *Transport
	convID string
	sink   chatsync.EventSink
	sub    *nats.Subscription

	mu     sync.Mutex
	closed bool
	ended  bool
}

// confirm waits for the server to acknowledge the subscription. A flush that
// cannot complete while the connection is down surfaces as a timeout.
func (c *channel) confirm() {
	ctx, cancel := context.WithTimeout(context.Background(), c.t.opts.FlushTimeout)
	defer cancel()
	err := c.t.nc.FlushWithContext(ctx)
	switch {
	case err == nil:
		c.emit(chatsync.Event{Type: chatsync.EventStatus, Status: chatsync.ChannelSubscribed})
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, nats.ErrTimeout):
		c.report(chatsync.ChannelTimeout, err)
	default:
		c.report(chatsync.ChannelError, err)
	}
}

func (c *channel) deliver(m *nats.Msg) {
	ev, ok := Decode(m.Data)
	if !ok {
		c.t.log.Debug("dropping malformed frame", zap.String("subject", m.Subject))
		return
	}
	c.emit(ev)
}

func (c *channel) emit(ev chatsync.Event) {
	c.mu.Lock()
	live := !c.closed && !c.ended
	c.mu.Unlock()
	if live {
		c.sink(ev)
	}
}

// report ends the channel with status. Only the first report is delivered.
func (c *channel) report(status chatsync.ChannelStatus, err error) {
	c.mu.Lock()
	if c.closed || c.ended {
		c.mu.Unlock()
		return
	}
	c.ended = true
	c.mu.Unlock()

	c.t.forget(c)
	_ = c.sub.Unsubscribe()
	c.sink(chatsync.Event{Type: chatsync.EventStatus, Status: status, Err: err})
}

func (c *channel) PublishPresence(_ context.Context, p chatsync.Presence) error {
	data, err := Encode(chatsync.FramePresenceChanged, p)
	if err != nil {
		return err
	}
	return c.t.nc.Publish(PresenceSubject(c.t.opts.SubjectPrefix, c.convID), data)
}

func (c *channel) Unsubscribe() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	ended := c.ended
	c.mu.Unlock()

	c.t.forget(c)
	if ended {
		return nil
	}
	if err := c.sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) && !errors.Is(err, nats.ErrBadSubscription) {
		return err
	}
	return nil
}

// ============================================================================
// Framing
// ============================================================================

// Encode wraps payload in an envelope of the given frame type.
func Encode(frameType string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return json.Marshal(chatsync.Envelope{Type: frameType, Payload: raw})
}

// Decode turns an envelope into an engine event. Unknown frame types are
// reported as not ok.
func Decode(data []byte) (chatsync.Event, bool) {
	var env chatsync.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return chatsync.Event{}, false
	}
	switch env.Type {
	case chatsync.FrameMessageNew, chatsync.FrameMessageUpdated:
		var m chatsync.Message
		if err := json.Unmarshal(env.Payload, &m); err != nil {
			return chatsync.Event{}, false
		}
		typ := chatsync.EventMessageInsert
		if env.Type == chatsync.FrameMessageUpdated {
			typ = chatsync.EventMessageUpdate
		}
		return chatsync.Event{Type: typ, Message: &m}, true
	case chatsync.FramePresenceChanged:
		var p chatsync.Presence
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return chatsync.Event{}, false
		}
		return chatsync.Event{Type: chatsync.EventPresence, Presence: &p}, true
	}
	return chatsync.Event{}, false
}
