package chatsync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

// gateway runs fn for every accepted WebSocket after the client's join
// command has been read.
func gateway(t *testing.T, fn func(ctx context.Context, c *websocket.Conn, join JoinPayload)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ws" || r.Header.Get("Authorization") != "Bearer tok" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close(websocket.StatusNormalClosure, "")

		_, data, err := c.Read(r.Context())
		if err != nil {
			return
		}
		var cmd struct {
			Type    string      `json:"type"`
			Payload JoinPayload `json:"payload"`
		}
		if json.Unmarshal(data, &cmd) != nil || cmd.Type != FrameJoin {
			return
		}
		fn(r.Context(), c, cmd.Payload)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func writeFrame(ctx context.Context, c *websocket.Conn, typ string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(Envelope{Type: typ, Payload: raw})
	if err != nil {
		return err
	}
	return c.Write(ctx, websocket.MessageText, data)
}

func collect() (EventSink, <-chan Event) {
	events := make(chan Event, 32)
	return func(ev Event) { events <- ev }, events
}

func nextEvent(t *testing.T, events <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestWSTransport_Endpoint(t *testing.T) {
	assert.Equal(t, "wss://chat.example.edu/ws", NewWSTransport(WSConfig{URL: "https://chat.example.edu/"}).endpoint())
	assert.Equal(t, "ws://localhost:8080/ws", NewWSTransport(WSConfig{URL: "http://localhost:8080"}).endpoint())
}

func TestWSTransport_SubscribeAndReceive(t *testing.T) {
	presence := make(chan Command, 1)
	srv := gateway(t, func(ctx context.Context, c *websocket.Conn, join JoinPayload) {
		if join.ConversationID != "c1" {
			_ = writeFrame(ctx, c, FrameError, ErrorPayload{Message: "unknown conversation"})
			return
		}
		_ = writeFrame(ctx, c, FrameSubscribed, JoinPayload{ConversationID: "c1"})
		_ = writeFrame(ctx, c, FrameMessageNew, Message{ID: "m1", TempID: "tmp_1", ConversationID: "c1", AuthorID: "bob", Body: "hi"})
		_ = writeFrame(ctx, c, FrameMessageUpdated, Message{ID: "m1", ConversationID: "c1", ReadAt: &epoch})
		_ = writeFrame(ctx, c, FramePresenceChanged, Presence{UserID: "bob", ConversationID: "c1", Online: true})

		_, data, err := c.Read(ctx)
		if err != nil {
			return
		}
		var cmd Command
		if json.Unmarshal(data, &cmd) == nil {
			presence <- cmd
		}
		// Hold the connection until the client leaves.
		_, _, _ = c.Read(ctx)
	})

	tr := NewWSTransport(WSConfig{URL: srv.URL, Token: "tok"})
	sink, events := collect()
	ch, err := tr.Subscribe("c1", sink)
	require.NoError(t, err)

	ev := nextEvent(t, events)
	require.Equal(t, EventStatus, ev.Type)
	require.Equal(t, ChannelSubscribed, ev.Status)

	ev = nextEvent(t, events)
	require.Equal(t, EventMessageInsert, ev.Type)
	assert.Equal(t, "m1", ev.Message.ID)
	assert.Equal(t, "tmp_1", ev.Message.TempID)
	assert.Equal(t, "bob", ev.Message.AuthorID)

	ev = nextEvent(t, events)
	require.Equal(t, EventMessageUpdate, ev.Type)
	require.NotNil(t, ev.Message.ReadAt)

	ev = nextEvent(t, events)
	require.Equal(t, EventPresence, ev.Type)
	assert.Equal(t, "bob", ev.Presence.UserID)

	require.NoError(t, ch.PublishPresence(context.Background(), Presence{UserID: "alice", ConversationID: "c1", Online: true}))
	select {
	case cmd := <-presence:
		assert.Equal(t, FramePresenceUpdate, cmd.Type)
	case <-time.After(5 * time.Second):
		t.Fatal("gateway never received the presence update")
	}

	require.NoError(t, ch.Unsubscribe())
	select {
	case ev := <-events:
		t.Fatalf("unexpected event after unsubscribe: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestWSTransport_JoinRejected(t *testing.T) {
	srv := gateway(t, func(ctx context.Context, c *websocket.Conn, _ JoinPayload) {
		_ = writeFrame(ctx, c, FrameError, ErrorPayload{Message: "not a participant"})
	})

	sink, events := collect()
	_, err := NewWSTransport(WSConfig{URL: srv.URL, Token: "tok"}).Subscribe("c1", sink)
	require.NoError(t, err)

	ev := nextEvent(t, events)
	assert.Equal(t, ChannelError, ev.Status)
	assert.ErrorContains(t, ev.Err, "not a participant")
}

func TestWSTransport_Unauthorized(t *testing.T) {
	srv := gateway(t, func(context.Context, *websocket.Conn, JoinPayload) {})

	sink, events := collect()
	_, err := NewWSTransport(WSConfig{URL: srv.URL, Token: "wrong"}).Subscribe("c1", sink)
	require.NoError(t, err)
	assert.Equal(t, ChannelError, nextEvent(t, events).Status)
}

func TestWSTransport_HandshakeTimeout(t *testing.T) {
	srv := gateway(t, func(ctx context.Context, c *websocket.Conn, _ JoinPayload) {
		// Never acknowledge; return once the client hangs up.
		_, _, _ = c.Read(ctx)
	})

	sink, events := collect()
	_, err := NewWSTransport(WSConfig{URL: srv.URL, Token: "tok", HandshakeTimeout: 200 * time.Millisecond}).Subscribe("c1", sink)
	require.NoError(t, err)

	ev := nextEvent(t, events)
	assert.Equal(t, ChannelTimeout, ev.Status)
}

func TestWSTransport_ServerDrop(t *testing.T) {
	srv := gateway(t, func(ctx context.Context, c *websocket.Conn, _ JoinPayload) {
		_ = writeFrame(ctx, c, FrameSubscribed, nil)
		c.Close(websocket.StatusGoingAway, "restarting")
	})

	sink, events := collect()
	_, err := NewWSTransport(WSConfig{URL: srv.URL, Token: "tok"}).Subscribe("c1", sink)
	require.NoError(t, err)

	assert.Equal(t, ChannelSubscribed, nextEvent(t, events).Status)
	ev := nextEvent(t, events)
	assert.Equal(t, ChannelClosed, ev.Status)
	assert.Error(t, ev.Err)

	select {
	case ev := <-events:
		t.Fatalf("status reported twice: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestWSTransport_RequiresConversation(t *testing.T) {
	_, err := NewWSTransport(WSConfig{URL: "http://localhost"}).Subscribe("", func(Event) {})
	assert.ErrorIs(t, err, ErrChannel)
}
