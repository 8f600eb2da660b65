// Package redis keeps conversation presence in Redis, one hash per
// conversation keyed by user id.
package redis

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	chatsync "github.com/unimarket/campuschat"
)

const keyPrefix = "campuschat:presence:"

// PresenceStore implements chatsync.PresenceStore.
type PresenceStore struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewPresenceStore stores presence in rdb. The whole conversation hash expires
// after twice freshness without writes, so abandoned conversations don't leak.
func NewPresenceStore(rdb *redis.Client, freshness time.Duration) *PresenceStore {
	if freshness <= 0 {
		freshness = chatsync.DefaultPresenceTTL
	}
	return &PresenceStore{rdb: rdb, ttl: 2 * freshness}
}

var _ chatsync.PresenceStore = (*PresenceStore)(nil)

func key(conversationID string) string {
	return keyPrefix + conversationID
}

// UpsertPresence overwrites the user's record; last write wins.
func (s *PresenceStore) UpsertPresence(ctx context.Context, p chatsync.Presence) error {
	const op = "upsert presence"
	data, err := json.Marshal(p)
	if err != nil {
		return chatsync.E(chatsync.CodePersistence, op, err)
	}
	k := key(p.ConversationID)
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, k, p.UserID, data)
	pipe.Expire(ctx, k, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return chatsync.E(chatsync.CodePersistence, op, err)
	}
	return nil
}

// ListPresence returns every record of the conversation ordered by user id.
// Staleness is left to the reader.
func (s *PresenceStore) ListPresence(ctx context.Context, conversationID string) ([]chatsync.Presence, error) {
	const op = "list presence"
	fields, err := s.rdb.HGetAll(ctx, key(conversationID)).Result()
	if err != nil {
		return nil, chatsync.E(chatsync.CodePersistence, op, err)
	}
	out := make([]chatsync.Presence, 0, len(fields))
	for _, raw := range fields {
		var p chatsync.Presence
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}
