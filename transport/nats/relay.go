package nats

import (
	"context"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	chatsync "github.com/unimarket/campuschat"
	"github.com/unimarket/campuschat/pkg/logging"
)

// Relay decorates a Store so that every persisted message is echoed on the
// conversation's messages subject. It stands in for database change feeds
// when the store is plain Postgres.
type Relay struct {
	chatsync.Store
	nc     *nats.Conn
	prefix string
	log    *zap.Logger
}

// NewRelay wraps store, publishing through nc.
func NewRelay(store chatsync.Store, nc *nats.Conn, opts Options) *Relay {
	opts.defaults()
	return &Relay{Store: store, nc: nc, prefix: opts.SubjectPrefix, log: opts.Logger}
}

// InsertMessage persists m and publishes the stored copy. A failed publish is
// logged, not returned: the message is durable and peers catch up from history.
func (r *Relay) InsertMessage(ctx context.Context, m *chatsync.Message) (*chatsync.Message, error) {
	saved, err := r.Store.InsertMessage(ctx, m)
	if err != nil {
		return nil, err
	}
	r.publish(chatsync.FrameMessageNew, saved)
	return saved, nil
}

func (r *Relay) publish(frameType string, m *chatsync.Message) {
	data, err := Encode(frameType, m)
	if err == nil {
		err = r.nc.Publish(MessagesSubject(r.prefix, m.ConversationID), data)
	}
	if err != nil {
		r.log.Warn("relay publish failed",
			logging.Conversation(m.ConversationID), logging.MessageID(m.ID), logging.Err(err))
	}
}
