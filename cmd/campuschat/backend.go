package main

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	chatsync "github.com/unimarket/campuschat"
	"github.com/unimarket/campuschat/store/postgres"
	redisstore "github.com/unimarket/campuschat/store/redis"
	natstransport "github.com/unimarket/campuschat/transport/nats"
)

// backend is the store and transport the chat command runs on, plus whatever
// connections have to be closed afterwards.
type backend struct {
	store     chatsync.Store
	transport chatsync.Transport
	closers   []func()
}

func (b *backend) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

type backendOptions struct {
	store         string
	transport     string
	presenceRedis bool
}

// openBackend builds the configured store and transport. Selection falls back
// from flags to the [default] section to rest + ws.
func openBackend(ctx context.Context, cfg *Config, opts backendOptions, log *zap.Logger) (*backend, error) {
	b := &backend{}
	ok := false
	defer func() {
		if !ok {
			b.Close()
		}
	}()

	storeKind := firstNonEmpty(opts.store, cfg.Default.Store, "rest")
	switch storeKind {
	case "rest":
		if cfg.REST.URL == "" {
			return nil, fmt.Errorf("rest.url is not configured")
		}
		b.store = chatsync.NewRESTStore(cfg.REST.URL, cfg.REST.APIKey)
	case "postgres":
		if cfg.Postgres.DSN == "" {
			return nil, fmt.Errorf("postgres.dsn is not configured")
		}
		db, err := postgres.Open(ctx, postgres.Config{DSN: cfg.Postgres.DSN, MaxOpenConns: 4})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		b.closers = append(b.closers, func() { db.Close() })
		if err := postgres.Migrate(ctx, db); err != nil {
			return nil, fmt.Errorf("failed to migrate: %w", err)
		}
		b.store = postgres.New(db)
	default:
		return nil, fmt.Errorf("unknown store %q (valid: rest, postgres)", storeKind)
	}

	if opts.presenceRedis || cfg.Redis.Addr != "" {
		addr := firstNonEmpty(cfg.Redis.Addr, "localhost:6379")
		rdb := redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		b.closers = append(b.closers, func() { rdb.Close() })
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
		}
		ttl, _ := parseDuration(cfg.Engine.PresenceTTL)
		b.store = chatsync.Stores{
			ConversationStore: b.store,
			MessageStore:      b.store,
			PresenceStore:     redisstore.NewPresenceStore(rdb, ttl),
		}
	}

	transportKind := firstNonEmpty(opts.transport, cfg.Default.Transport, "ws")
	switch transportKind {
	case "ws":
		url := firstNonEmpty(cfg.Realtime.WSURL, cfg.REST.URL)
		if url == "" {
			return nil, fmt.Errorf("realtime.ws_url is not configured")
		}
		b.transport = chatsync.NewWSTransport(chatsync.WSConfig{
			URL:    url,
			Token:  cfg.REST.APIKey,
			Logger: log,
		})
	case "nats":
		nc, err := natstransport.Connect(firstNonEmpty(cfg.Realtime.NATSURL, "nats://127.0.0.1:4222"), "campuschat-cli")
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, nc.Close)
		natsOpts := natstransport.Options{Logger: log}
		b.transport = natstransport.New(nc, natsOpts)
		b.store = natstransport.NewRelay(b.store, nc, natsOpts)
	default:
		return nil, fmt.Errorf("unknown transport %q (valid: ws, nats)", transportKind)
	}

	ok = true
	return b, nil
}

// engineConfig maps the [engine] section onto the engine tunables.
func engineConfig(cfg *Config) (chatsync.Config, error) {
	out := chatsync.Config{
		HistoryLimit:         cfg.Engine.HistoryLimit,
		MaxReconnectAttempts: cfg.Engine.MaxReconnectAttempts,
	}
	var err error
	if out.SendRetryDelay, err = parseDuration(cfg.Engine.SendRetryDelay); err != nil {
		return out, fmt.Errorf("engine.send_retry_delay: %w", err)
	}
	if out.PresenceTTL, err = parseDuration(cfg.Engine.PresenceTTL); err != nil {
		return out, fmt.Errorf("engine.presence_ttl: %w", err)
	}
	return out, nil
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
