package postgres

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	chatsync "github.com/unimarket/campuschat"
)

// Store implements chatsync.Store on a *sql.DB.
type Store struct {
	db *sql.DB
}

// New wraps db. The schema must already exist; see Migrate.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

var _ chatsync.Store = (*Store)(nil)

// ── Conversations ────────────────────────────────────────

const conversationColumns = `id, name, participant1_id, participant2_id, context_type, context_id, title, created_at`

func scanConversation(row interface{ Scan(...any) error }) (*chatsync.Conversation, error) {
	var c chatsync.Conversation
	if err := row.Scan(
		&c.ID,
		&c.Name,
		&c.Participant1,
		&c.Participant2,
		&c.ContextType,
		&c.ContextID,
		&c.Title,
		&c.CreatedAt,
	); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) FindConversation(ctx context.Context, name string) (*chatsync.Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE name = $1
	`, name)
	c, err := scanConversation(row)
	if err != nil {
		return nil, mapErr("find conversation", err)
	}
	return c, nil
}

func (s *Store) CreateConversation(ctx context.Context, c *chatsync.Conversation) (*chatsync.Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO conversations (
			id, name, participant1_id, participant2_id, context_type, context_id, title
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+conversationColumns,
		uuid.NewString(),
		c.Name,
		c.Participant1,
		c.Participant2,
		c.ContextType,
		c.ContextID,
		c.Title,
	)
	created, err := scanConversation(row)
	if err != nil {
		return nil, mapErr("create conversation", err)
	}
	return created, nil
}

// ── Messages ─────────────────────────────────────────────

const messageColumns = `id, COALESCE(temp_id, ''), conversation_id, sender_id, content, message_type, context_type, created_at, read_at`

func scanMessage(row interface{ Scan(...any) error }) (*chatsync.Message, error) {
	var (
		m      chatsync.Message
		readAt sql.NullTime
	)
	if err := row.Scan(
		&m.ID,
		&m.TempID,
		&m.ConversationID,
		&m.AuthorID,
		&m.Body,
		&m.Kind,
		&m.ContextType,
		&m.CreatedAt,
		&readAt,
	); err != nil {
		return nil, err
	}
	if readAt.Valid {
		t := readAt.Time
		m.ReadAt = &t
	}
	return &m, nil
}

// History returns a page of messages in ascending order. Pages taken from
// the newest end are queried descending and reversed.
func (s *Store) History(ctx context.Context, conversationID string, q chatsync.HistoryQuery) ([]chatsync.Message, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	fromNewest := q.Tail || !q.Before.IsZero()

	var (
		where strings.Builder
		args  = []any{conversationID}
	)
	where.WriteString("conversation_id = $1")
	if !q.Before.IsZero() {
		args = append(args, q.Before)
		where.WriteString(" AND created_at < $2")
	}
	order := "ASC"
	if fromNewest {
		order = "DESC"
	}
	args = append(args, limit, q.Offset)
	n := len(args)

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE `+where.String()+`
		ORDER BY created_at `+order+`, id `+order+`
		LIMIT $`+strconv.Itoa(n-1)+` OFFSET $`+strconv.Itoa(n),
		args...,
	)
	if err != nil {
		return nil, mapErr("history", err)
	}
	defer rows.Close()

	var msgs []chatsync.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, mapErr("history", err)
		}
		msgs = append(msgs, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr("history", err)
	}
	if fromNewest {
		for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
			msgs[i], msgs[j] = msgs[j], msgs[i]
		}
	}
	return msgs, nil
}

func (s *Store) InsertMessage(ctx context.Context, m *chatsync.Message) (*chatsync.Message, error) {
	var tempID any
	if m.TempID != "" {
		tempID = m.TempID
	}
	kind := m.Kind
	if kind == "" {
		kind = chatsync.KindText
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO messages (
			id, temp_id, conversation_id, sender_id, content, message_type, context_type
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+messageColumns,
		uuid.NewString(),
		tempID,
		m.ConversationID,
		m.AuthorID,
		m.Body,
		kind,
		m.ContextType,
	)
	saved, err := scanMessage(row)
	if err != nil {
		return nil, mapErr("insert message", err)
	}
	return saved, nil
}

func (s *Store) FindByTempID(ctx context.Context, tempID string) (*chatsync.Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE temp_id = $1
	`, tempID)
	m, err := scanMessage(row)
	if err != nil {
		return nil, mapErr("find message", err)
	}
	return m, nil
}

func (s *Store) MarkRead(ctx context.Context, conversationID, readerID string, at time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages
		SET read_at = $3
		WHERE conversation_id = $1
		AND sender_id <> $2
		AND read_at IS NULL
	`, conversationID, readerID, at)
	if err != nil {
		return 0, mapErr("mark read", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, mapErr("mark read", err)
	}
	return int(n), nil
}

func (s *Store) UnreadCount(ctx context.Context, conversationID, readerID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT count(*)
		FROM messages
		WHERE conversation_id = $1
		AND sender_id <> $2
		AND read_at IS NULL
	`, conversationID, readerID).Scan(&n)
	if err != nil {
		return 0, mapErr("unread count", err)
	}
	return n, nil
}

// ── Presence ─────────────────────────────────────────────

func (s *Store) UpsertPresence(ctx context.Context, p chatsync.Presence) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO presence (
			user_id, conversation_id, is_online, is_typing, last_seen, context_type
		) VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id, conversation_id) DO UPDATE SET
			is_online = EXCLUDED.is_online,
			is_typing = EXCLUDED.is_typing,
			last_seen = EXCLUDED.last_seen,
			context_type = EXCLUDED.context_type
	`, p.UserID, p.ConversationID, p.Online, p.Typing, p.LastSeen, p.ContextType)
	return mapErr("upsert presence", err)
}

func (s *Store) ListPresence(ctx context.Context, conversationID string) ([]chatsync.Presence, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, conversation_id, is_online, is_typing, last_seen, context_type
		FROM presence
		WHERE conversation_id = $1
		ORDER BY user_id
	`, conversationID)
	if err != nil {
		return nil, mapErr("list presence", err)
	}
	defer rows.Close()

	var out []chatsync.Presence
	for rows.Next() {
		var p chatsync.Presence
		if err := rows.Scan(&p.UserID, &p.ConversationID, &p.Online, &p.Typing, &p.LastSeen, &p.ContextType); err != nil {
			return nil, mapErr("list presence", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr("list presence", err)
	}
	return out, nil
}
