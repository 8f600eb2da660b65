package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/unimarket/campuschat/pkg/logging"
)

// ============================================================================
// Wire format
// ============================================================================

// Envelope is the wire format of every server-to-client frame.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Command is a client-to-server frame.
type Command struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// Frame types exchanged with the realtime gateway.
const (
	FrameJoin            = "conversation.join"
	FrameSubscribed      = "subscribed"
	FrameMessageNew      = "message.new"
	FrameMessageUpdated  = "message.updated"
	FramePresenceChanged = "presence.changed"
	FramePresenceUpdate  = "presence.update"
	FrameError           = "error"
)

// JoinPayload is the payload of a join command.
type JoinPayload struct {
	ConversationID string `json:"conversation_id"`
}

// ErrorPayload is sent by the gateway when it rejects or drops a channel.
type ErrorPayload struct {
	Message string `json:"message"`
}

// ============================================================================
// Configuration
// ============================================================================

// WSConfig configures a WSTransport.
type WSConfig struct {
	// URL is the gateway base URL; http(s) schemes are rewritten to ws(s).
	URL               string
	Token             string
	HandshakeTimeout  time.Duration
	HeartbeatInterval time.Duration
	HTTPClient        *http.Client
	Logger            *zap.Logger
}

func (c *WSConfig) defaults() {
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	c.Logger = logging.OrNop(c.Logger)
}

// ============================================================================
// WSTransport
// ============================================================================

// WSTransport opens one WebSocket per subscribed conversation.
type WSTransport struct {
	cfg WSConfig
}

// NewWSTransport creates a transport dialing cfg.URL.
func NewWSTransport(cfg WSConfig) *WSTransport {
	cfg.defaults()
	return &WSTransport{cfg: cfg}
}

func (t *WSTransport) endpoint() string {
	u := strings.Replace(t.cfg.URL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return strings.TrimRight(u, "/") + "/ws"
}

// Subscribe starts dialing in the background and returns immediately. The
// handshake outcome reaches sink as a status event.
func (t *WSTransport) Subscribe(conversationID string, sink EventSink) (Channel, error) {
	if conversationID == "" {
		return nil, Errorf(CodeChannel, "ws subscribe", "conversation id is required")
	}
	ctx, cancel := context.WithCancel(context.Background())
	ch := &wsChannel{
		t:      t,
		convID: conversationID,
		queue:  newEventQueue(sink),
		cancel: cancel,
		log:    t.cfg.Logger.With(logging.Conversation(conversationID)),
	}
	go ch.run(ctx)
	return ch, nil
}

type wsChannel struct {
	t      *WSTransport
	convID string
	queue  *eventQueue
	cancel context.CancelFunc
	log    *zap.Logger

	mu               sync.Mutex
	conn             *websocket.Conn
	intentionalClose bool
	reported         bool
}

func (c *wsChannel) run(ctx context.Context) {
	conn, err := c.handshake(ctx)
	if err != nil {
		if ctx.Err() != nil && !errors.Is(err, context.DeadlineExceeded) {
			return
		}
		status := ChannelError
		if errors.Is(err, context.DeadlineExceeded) {
			status = ChannelTimeout
		}
		c.report(status, err)
		return
	}

	c.mu.Lock()
	if c.intentionalClose {
		c.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
		return
	}
	c.conn = conn
	c.mu.Unlock()

	c.queue.push(statusEvent(ChannelSubscribed, nil))
	go c.heartbeatLoop(ctx, conn)
	c.readLoop(ctx, conn)
}

// handshake dials, sends the join command and waits for the subscribed ack,
// all within HandshakeTimeout.
func (c *wsChannel) handshake(ctx context.Context) (*websocket.Conn, error) {
	hctx, cancel := context.WithTimeout(ctx, c.t.cfg.HandshakeTimeout)
	defer cancel()

	opts := &websocket.DialOptions{HTTPClient: c.t.cfg.HTTPClient}
	if c.t.cfg.Token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + c.t.cfg.Token}}
	}
	conn, _, err := websocket.Dial(hctx, c.t.endpoint(), opts)
	if err != nil {
		return nil, deadline(hctx, fmt.Errorf("websocket dial: %w", err))
	}

	join, err := json.Marshal(Command{Type: FrameJoin, Payload: JoinPayload{ConversationID: c.convID}})
	if err != nil {
		conn.Close(websocket.StatusInternalError, "")
		return nil, err
	}
	if err := conn.Write(hctx, websocket.MessageText, join); err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, deadline(hctx, fmt.Errorf("send join: %w", err))
	}

	for {
		_, data, err := conn.Read(hctx)
		if err != nil {
			conn.Close(websocket.StatusNormalClosure, "")
			return nil, deadline(hctx, fmt.Errorf("read join ack: %w", err))
		}
		var env Envelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}
		switch env.Type {
		case FrameSubscribed:
			return conn, nil
		case FrameError:
			conn.Close(websocket.StatusNormalClosure, "")
			return nil, fmt.Errorf("join rejected: %s", errorMessage(env.Payload))
		}
	}
}

// deadline makes an expired handshake recognizable as a timeout.
func deadline(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
	}
	return err
}

func errorMessage(raw json.RawMessage) string {
	var p ErrorPayload
	if json.Unmarshal(raw, &p) == nil && p.Message != "" {
		return p.Message
	}
	return string(raw)
}

func (c *wsChannel) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			c.report(ChannelClosed, err)
			return
		}

		var env Envelope
		if json.Unmarshal(data, &env) != nil {
			c.log.Debug("dropping malformed frame")
			continue
		}
		switch env.Type {
		case FrameMessageNew, FrameMessageUpdated:
			var m Message
			if err := json.Unmarshal(env.Payload, &m); err != nil {
				c.log.Debug("dropping malformed message frame", logging.Err(err))
				continue
			}
			typ := EventMessageInsert
			if env.Type == FrameMessageUpdated {
				typ = EventMessageUpdate
			}
			c.queue.push(Event{Type: typ, Message: &m})
		case FramePresenceChanged:
			var p Presence
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				c.log.Debug("dropping malformed presence frame", logging.Err(err))
				continue
			}
			c.queue.push(Event{Type: EventPresence, Presence: &p})
		case FrameError:
			c.report(ChannelError, errors.New(errorMessage(env.Payload)))
			conn.Close(websocket.StatusNormalClosure, "")
			return
		}
	}
}

func (c *wsChannel) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.t.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, c.t.cfg.HandshakeTimeout)
			err := conn.Ping(pctx)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				c.report(ChannelTimeout, fmt.Errorf("heartbeat: %w", err))
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

// report emits at most one terminal status per channel and nothing after an
// intentional close.
func (c *wsChannel) report(status ChannelStatus, err error) {
	c.mu.Lock()
	if c.intentionalClose || c.reported {
		c.mu.Unlock()
		return
	}
	c.reported = true
	c.mu.Unlock()

	c.log.Debug("channel ended", zap.String("status", string(status)), logging.Err(err))
	c.queue.push(statusEvent(status, err))
}

func (c *wsChannel) PublishPresence(ctx context.Context, p Presence) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return Errorf(CodeChannel, "publish presence", "not connected")
	}
	data, err := json.Marshal(Command{Type: FramePresenceUpdate, Payload: p})
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (c *wsChannel) Unsubscribe() error {
	c.mu.Lock()
	if c.intentionalClose {
		c.mu.Unlock()
		return nil
	}
	c.intentionalClose = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	c.cancel()
	c.queue.close()
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}
