package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.campuschat/config.toml.
type Config struct {
	Default  ConfigDefault  `toml:"default"`
	REST     ConfigREST     `toml:"rest"`
	Realtime ConfigRealtime `toml:"realtime"`
	Postgres ConfigPostgres `toml:"postgres"`
	Redis    ConfigRedis    `toml:"redis"`
	Engine   ConfigEngine   `toml:"engine"`
}

// ConfigDefault holds the local identity and backend selection.
type ConfigDefault struct {
	UserID    string `toml:"user_id"`
	Store     string `toml:"store"`
	Transport string `toml:"transport"`
}

// ConfigREST points at the PostgREST-style API.
type ConfigREST struct {
	URL    string `toml:"url"`
	APIKey string `toml:"api_key"`
}

// ConfigRealtime holds the realtime endpoints.
type ConfigRealtime struct {
	WSURL   string `toml:"ws_url"`
	NATSURL string `toml:"nats_url"`
}

// ConfigPostgres holds the direct database connection.
type ConfigPostgres struct {
	DSN string `toml:"dsn"`
}

// ConfigRedis selects a Redis presence store when Addr is set.
type ConfigRedis struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
}

// ConfigEngine overrides engine tunables. Durations use Go syntax ("3s").
type ConfigEngine struct {
	HistoryLimit         int    `toml:"history_limit"`
	MaxReconnectAttempts int    `toml:"max_reconnect_attempts"`
	SendRetryDelay       string `toml:"send_retry_delay"`
	PresenceTTL          string `toml:"presence_ttl"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.campuschat, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".campuschat")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	return loadConfigFile(path)
}

func loadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	return saveConfigFile(path, cfg)
}

func saveConfigFile(path string, cfg *Config) error {
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "rest.url").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. rest.url)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "user_id":
			cfg.Default.UserID = value
		case "store":
			if value != "rest" && value != "postgres" {
				return fmt.Errorf("store must be rest or postgres")
			}
			cfg.Default.Store = value
		case "transport":
			if value != "ws" && value != "nats" {
				return fmt.Errorf("transport must be ws or nats")
			}
			cfg.Default.Transport = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "rest":
		switch field {
		case "url":
			cfg.REST.URL = value
		case "api_key":
			cfg.REST.APIKey = value
		default:
			return fmt.Errorf("unknown field %q in section [rest]", field)
		}
	case "realtime":
		switch field {
		case "ws_url":
			cfg.Realtime.WSURL = value
		case "nats_url":
			cfg.Realtime.NATSURL = value
		default:
			return fmt.Errorf("unknown field %q in section [realtime]", field)
		}
	case "postgres":
		switch field {
		case "dsn":
			cfg.Postgres.DSN = value
		default:
			return fmt.Errorf("unknown field %q in section [postgres]", field)
		}
	case "redis":
		switch field {
		case "addr":
			cfg.Redis.Addr = value
		case "password":
			cfg.Redis.Password = value
		case "db":
			n, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("redis.db must be an integer")
			}
			cfg.Redis.DB = n
		default:
			return fmt.Errorf("unknown field %q in section [redis]", field)
		}
	case "engine":
		switch field {
		case "history_limit", "max_reconnect_attempts":
			n, err := strconv.Atoi(value)
			if err != nil || n < 0 {
				return fmt.Errorf("engine.%s must be a non-negative integer", field)
			}
			if field == "history_limit" {
				cfg.Engine.HistoryLimit = n
			} else {
				cfg.Engine.MaxReconnectAttempts = n
			}
		case "send_retry_delay", "presence_ttl":
			if _, err := time.ParseDuration(value); err != nil {
				return fmt.Errorf("engine.%s must be a duration: %w", field, err)
			}
			if field == "send_retry_delay" {
				cfg.Engine.SendRetryDelay = value
			} else {
				cfg.Engine.PresenceTTL = value
			}
		default:
			return fmt.Errorf("unknown field %q in section [engine]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, rest, realtime, postgres, redis, engine)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:   "campuschat",
	Short: "Campus marketplace chat CLI",
	Long:  "Command-line client for campus marketplace conversations.\nManage configuration, open a conversation and chat from the terminal.",
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
