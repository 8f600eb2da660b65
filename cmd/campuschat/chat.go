package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	chatsync "github.com/unimarket/campuschat"
	"github.com/unimarket/campuschat/pkg/logging"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	chatUser          string
	chatContext       string
	chatContextID     string
	chatTitle         string
	chatStore         string
	chatTransport     string
	chatPresenceRedis bool
)

func init() {
	rootCmd.AddCommand(chatCmd)

	f := chatCmd.Flags()
	f.StringVar(&chatUser, "as", "", "user id to chat as (default: default.user_id)")
	f.StringVar(&chatContext, "context", string(chatsync.ContextGeneral), "context type: shop, exchange, mission or general")
	f.StringVar(&chatContextID, "context-id", "", "id of the item, exchange or mission")
	f.StringVar(&chatTitle, "title", "", "title used when the conversation is created")
	f.StringVar(&chatStore, "store", "", "store backend: rest or postgres")
	f.StringVar(&chatTransport, "transport", "", "realtime transport: ws or nats")
	f.BoolVar(&chatPresenceRedis, "presence-redis", false, "keep presence in redis")
}

var chatCmd = &cobra.Command{
	Use:   "chat <peer-id>",
	Short: "Open a conversation and chat from the terminal",
	Long: `Open the conversation with <peer-id> in the given context and stream it.
Lines read from stdin are sent as messages. Commands:

  /read             mark the peer's messages as read
  /older            load older history
  /retry <temp-id>  resend a failed message
  /reconnect        reconnect the realtime channel
  /typing           show the typing indicator to the peer
  /quit             leave the conversation`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		userID := firstNonEmpty(chatUser, cfg.Default.UserID)
		if userID == "" {
			return fmt.Errorf("no user id. Run 'campuschat init <user-id>' or pass --as")
		}

		log, err := newCLILogger()
		if err != nil {
			return err
		}
		defer log.Sync()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		ctx = logging.WithContext(ctx, log)

		b, err := openBackend(ctx, cfg, backendOptions{
			store:         chatStore,
			transport:     chatTransport,
			presenceRedis: chatPresenceRedis,
		}, log)
		if err != nil {
			return err
		}
		defer b.Close()

		engine, err := engineConfig(cfg)
		if err != nil {
			return err
		}
		client := chatsync.NewClient(b.store, b.transport,
			chatsync.WithLogger(log),
			chatsync.WithConfig(engine),
		)
		defer client.Close(context.Background())

		session, err := client.Join(ctx, chatsync.JoinOptions{
			Context: chatsync.ChatContext{Type: chatsync.ContextType(chatContext), ID: chatContextID},
			UserID:  userID,
			PeerID:  args[0],
			Title:   chatTitle,
		})
		if err != nil {
			return fmt.Errorf("failed to join: %w", err)
		}

		conv := session.Conversation()
		fmt.Printf("Conversation %s (%s) with %s\n", conv.ID, valueOrDefault(conv.Title, conv.Name), session.PeerID())

		out := newFeed(os.Stdout, userID)
		session.OnMessages(out.Messages)
		session.OnState(out.State)
		session.OnPresence(func(records []chatsync.Presence) {
			out.Presence(session.PeerID(), records)
		})
		out.Messages(session.Messages())

		return chatLoop(ctx, session, out)
	},
}

func chatLoop(ctx context.Context, session *chatsync.Session, out *feed) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return session.Disconnect(context.Background())
		case line, ok := <-lines:
			if !ok {
				return session.Disconnect(context.Background())
			}
			quit, err := chatCommand(ctx, session, out, line)
			if err != nil {
				out.Errorf("%v", err)
			}
			if quit {
				return session.Disconnect(context.Background())
			}
		}
	}
}

// chatCommand runs one input line and reports whether the user asked to quit.
func chatCommand(ctx context.Context, session *chatsync.Session, out *feed, line string) (bool, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false, nil
	}
	if !strings.HasPrefix(line, "/") {
		_, err := session.Send(ctx, line)
		return false, err
	}

	opCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit":
		return true, nil
	case "/read":
		n, err := session.MarkRead(opCtx)
		if err == nil {
			out.Infof("marked %d message(s) read", n)
		}
		return false, err
	case "/older":
		n, err := session.LoadOlder(opCtx, 0)
		if err == nil && n == 0 {
			out.Infof("no older messages")
		}
		return false, err
	case "/retry":
		if len(fields) != 2 {
			return false, fmt.Errorf("usage: /retry <temp-id>")
		}
		return false, session.Retry(opCtx, fields[1])
	case "/reconnect":
		return false, session.Reconnect()
	case "/typing":
		return false, session.SetTyping(opCtx, true)
	}
	return false, fmt.Errorf("unknown command %s", fields[0])
}

func newCLILogger() (*zap.Logger, error) {
	if os.Getenv("LOG_LEVEL") == "" {
		os.Setenv("LOG_LEVEL", "warn")
	}
	log, err := logging.NewLogger("campuschat")
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	zap.ReplaceGlobals(log)
	return log, nil
}
