package main

import (
	"fmt"
	"io"
	"sync"

	chatsync "github.com/unimarket/campuschat"
)

// feed renders session updates as terminal lines. Each message is printed
// once when it first appears, and again only if it fails.
type feed struct {
	w      io.Writer
	userID string

	mu       sync.Mutex
	seen     map[string]chatsync.DeliveryStatus
	state    chatsync.ConnectionState
	peerSeen bool
	online   bool
	typing   bool
}

func newFeed(w io.Writer, userID string) *feed {
	return &feed{w: w, userID: userID, seen: make(map[string]chatsync.DeliveryStatus)}
}

func messageKey(m chatsync.Message) string {
	if m.TempID != "" {
		return "t:" + m.TempID
	}
	return "i:" + m.ID
}

func (f *feed) Messages(msgs []chatsync.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, m := range msgs {
		key := messageKey(m)
		prev, ok := f.seen[key]
		// A confirmed copy may carry a temp id the optimistic one lacked.
		if !ok && m.TempID != "" && m.ID != "" {
			prev, ok = f.seen["i:"+m.ID]
		}
		f.seen[key] = m.Status
		if m.ID != "" {
			f.seen["i:"+m.ID] = m.Status
		}

		switch {
		case !ok:
			fmt.Fprintln(f.w, formatMessage(m, f.userID))
		case m.Status == chatsync.StatusFailed && prev != chatsync.StatusFailed:
			fmt.Fprintf(f.w, "  ! not delivered: %q (%s) /retry %s\n", m.Body, m.LastError, m.TempID)
		}
	}
}

func formatMessage(m chatsync.Message, me string) string {
	who := m.AuthorID
	if who == me {
		who = "you"
	}
	line := fmt.Sprintf("[%s] %s: %s", m.CreatedAt.Local().Format("15:04"), who, m.Body)
	if m.Kind == chatsync.KindSystem || m.Kind == chatsync.KindAction {
		line = fmt.Sprintf("[%s] * %s", m.CreatedAt.Local().Format("15:04"), m.Body)
	}
	switch m.Status {
	case chatsync.StatusSending:
		line += " (sending)"
	case chatsync.StatusFailed:
		line += " (failed)"
	}
	return line
}

func (f *feed) State(st chatsync.ConnectionStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if st.State == f.state && !st.Terminal {
		return
	}
	f.state = st.State
	switch {
	case st.Terminal:
		fmt.Fprintf(f.w, "-- disconnected after %d retries: %v (/reconnect to try again)\n", st.Retries, st.LastErr)
	case st.State == chatsync.StateReconnecting:
		fmt.Fprintf(f.w, "-- connection lost, reconnecting (attempt %d)\n", st.Retries)
	case st.State == chatsync.StateConnected:
		fmt.Fprintln(f.w, "-- connected")
	}
}

func (f *feed) Presence(peerID string, records []chatsync.Presence) {
	var peer chatsync.Presence
	found := false
	for _, p := range records {
		if p.UserID == peerID {
			peer, found = p, true
		}
	}
	if !found {
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.peerSeen && peer.Online == f.online && peer.Typing == f.typing {
		return
	}
	f.peerSeen = true
	if peer.Online != f.online {
		if peer.Online {
			fmt.Fprintf(f.w, "-- %s is online\n", peerID)
		} else {
			fmt.Fprintf(f.w, "-- %s is offline\n", peerID)
		}
	}
	if peer.Typing && !f.typing {
		fmt.Fprintf(f.w, "-- %s is typing...\n", peerID)
	}
	f.online, f.typing = peer.Online, peer.Typing
}

func (f *feed) Infof(format string, args ...any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fmt.Fprintf(f.w, "-- "+format+"\n", args...)
}

func (f *feed) Errorf(format string, args ...any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fmt.Fprintf(f.w, "!! "+format+"\n", args...)
}
