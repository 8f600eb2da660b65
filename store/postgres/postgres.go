// Package postgres implements the chat stores on PostgreSQL through the pgx
// database/sql driver.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	chatsync "github.com/unimarket/campuschat"
)

// Config holds connection pool settings.
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	PingTimeout     time.Duration
}

// Open connects to cfg.DSN and verifies the connection.
func Open(ctx context.Context, cfg Config) (*sql.DB, error) {
	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, err
	}
	// Pool tuning
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}
	timeout := cfg.PingTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Schema creates the tables the store needs. The unique constraints carry the
// resolver's and the outbox's idempotency.
const Schema = `
CREATE TABLE IF NOT EXISTS conversations (
	id              TEXT PRIMARY KEY,
	name            TEXT NOT NULL UNIQUE,
	participant1_id TEXT NOT NULL,
	participant2_id TEXT NOT NULL,
	context_type    TEXT NOT NULL,
	context_id      TEXT NOT NULL DEFAULT '',
	title           TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp(),
	CHECK (participant1_id < participant2_id)
);

CREATE TABLE IF NOT EXISTS messages (
	id              TEXT PRIMARY KEY,
	temp_id         TEXT UNIQUE,
	conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
	sender_id       TEXT NOT NULL,
	content         TEXT NOT NULL,
	message_type    TEXT NOT NULL DEFAULT 'text',
	context_type    TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp(),
	read_at         TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS messages_conversation_created_idx
	ON messages (conversation_id, created_at);

CREATE TABLE IF NOT EXISTS presence (
	user_id         TEXT NOT NULL,
	conversation_id TEXT NOT NULL,
	is_online       BOOLEAN NOT NULL DEFAULT false,
	is_typing       BOOLEAN NOT NULL DEFAULT false,
	last_seen       TIMESTAMPTZ NOT NULL,
	context_type    TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (user_id, conversation_id)
);
`

// Migrate applies Schema.
func Migrate(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, Schema)
	return err
}

const uniqueViolation = "23505"

// mapErr translates driver errors into the engine's error codes.
func mapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return chatsync.Errorf(chatsync.CodeDuplicate, op, "%s", pgErr.ConstraintName)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return chatsync.E(chatsync.CodeNotFound, op, err)
	}
	return chatsync.E(chatsync.CodePersistence, op, err)
}
