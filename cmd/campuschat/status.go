package main

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var statusCheck bool

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().BoolVar(&statusCheck, "check", false, "connect to the configured backends")
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and backend status",
	Long:  "Display the current configuration and, with --check, verify that the configured store and transport are reachable.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		// Print config summary.
		fmt.Println("Configuration:")
		fmt.Printf("  User ID:     %s\n", valueOrDefault(cfg.Default.UserID, "(not set)"))
		fmt.Printf("  Store:       %s\n", valueOrDefault(cfg.Default.Store, "rest"))
		fmt.Printf("  Transport:   %s\n", valueOrDefault(cfg.Default.Transport, "ws"))

		fmt.Println()
		fmt.Println("Endpoints:")
		fmt.Printf("  REST URL:    %s\n", valueOrDefault(cfg.REST.URL, "(not set)"))
		if cfg.REST.APIKey != "" {
			fmt.Printf("  API Key:     %s\n", maskKey(cfg.REST.APIKey))
		} else {
			fmt.Println("  API Key:     (not set)")
		}
		fmt.Printf("  WebSocket:   %s\n", valueOrDefault(cfg.Realtime.WSURL, "(REST URL)"))
		fmt.Printf("  NATS:        %s\n", valueOrDefault(cfg.Realtime.NATSURL, "(not set)"))
		fmt.Printf("  Postgres:    %s\n", valueOrDefault(maskDSN(cfg.Postgres.DSN), "(not set)"))
		fmt.Printf("  Redis:       %s\n", valueOrDefault(cfg.Redis.Addr, "(not set)"))

		if !statusCheck {
			return nil
		}

		fmt.Println()
		fmt.Println("Backend check:")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		b, err := openBackend(ctx, cfg, backendOptions{}, zap.NewNop())
		if err != nil {
			fmt.Printf("  Error: %v\n", err)
			return nil
		}
		defer b.Close()
		fmt.Println("  OK")
		return nil
	},
}

// maskKey shows the first 4 and last 4 characters of a secret.
func maskKey(key string) string {
	if key == "" {
		return ""
	}
	if len(key) <= 8 {
		return "****"
	}
	if len(key) <= 16 {
		return key[:4] + "..." + key[len(key)-4:]
	}
	return key[:12] + "..." + key[len(key)-4:]
}

// maskDSN hides the password of a connection URL.
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.User == nil {
		return dsn
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "xxxxx")
	}
	return u.String()
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
