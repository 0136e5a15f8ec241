package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.tradepost/config.toml.
type Config struct {
	Default  ConfigDefault  `toml:"default"`
	Store    ConfigStore    `toml:"store"`
	Realtime ConfigRealtime `toml:"realtime"`
	Chat     ConfigChat     `toml:"chat"`
	Toast    ConfigToast    `toml:"toast"`
	Log      ConfigLog      `toml:"log"`
}

// ConfigDefault holds the account and backend settings.
type ConfigDefault struct {
	BaseURL string `toml:"base_url"`
	Token   string `toml:"token"`
	Email   string `toml:"email"`
	UserID  string `toml:"user_id"`
}

// ConfigStore selects the local store backend.
type ConfigStore struct {
	Backend string `toml:"backend"` // memory | pebble | sqlite
	Path    string `toml:"path"`
}

// ConfigRealtime selects the optional push channel.
type ConfigRealtime struct {
	Transport     string `toml:"transport"` // none | ws | sse | redis | webhook
	RedisURL      string `toml:"redis_url"`
	WebhookSecret string `toml:"webhook_secret"`
	WebhookAddr   string `toml:"webhook_addr"`
}

type ConfigChat struct {
	PollInterval string `toml:"poll_interval"`
}

type ConfigToast struct {
	TTL string `toml:"ttl"`
}

type ConfigLog struct {
	Level string `toml:"level"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.tradepost, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".tradepost")
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

// setConfigValue sets a config field using dot notation (e.g. "default.token").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.token)")
	}
	section, field := parts[0], parts[1]

	unknown := func() error {
		return fmt.Errorf("unknown field %q in section [%s]", field, section)
	}
	oneOf := func(valid ...string) error {
		for _, v := range valid {
			if value == v {
				return nil
			}
		}
		return fmt.Errorf("invalid value %q for %s (valid: %s)", value, key, strings.Join(valid, ", "))
	}

	switch section {
	case "default":
		switch field {
		case "base_url":
			cfg.Default.BaseURL = value
		case "token":
			cfg.Default.Token = value
		case "email":
			cfg.Default.Email = value
		case "user_id":
			cfg.Default.UserID = value
		default:
			return unknown()
		}
	case "store":
		switch field {
		case "backend":
			if err := oneOf("memory", "pebble", "sqlite"); err != nil {
				return err
			}
			cfg.Store.Backend = value
		case "path":
			cfg.Store.Path = value
		default:
			return unknown()
		}
	case "realtime":
		switch field {
		case "transport":
			if err := oneOf("none", "ws", "sse", "redis", "webhook"); err != nil {
				return err
			}
			cfg.Realtime.Transport = value
		case "redis_url":
			cfg.Realtime.RedisURL = value
		case "webhook_secret":
			cfg.Realtime.WebhookSecret = value
		case "webhook_addr":
			cfg.Realtime.WebhookAddr = value
		default:
			return unknown()
		}
	case "chat":
		if field != "poll_interval" {
			return unknown()
		}
		if _, err := parseDuration(value, 0); err != nil {
			return err
		}
		cfg.Chat.PollInterval = value
	case "toast":
		if field != "ttl" {
			return unknown()
		}
		if _, err := parseDuration(value, 0); err != nil {
			return err
		}
		cfg.Toast.TTL = value
	case "log":
		if field != "level" {
			return unknown()
		}
		cfg.Log.Level = value
	default:
		return fmt.Errorf("unknown config section %q (valid: default, store, realtime, chat, toast, log)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var logLevelFlag string

var rootCmd = &cobra.Command{
	Use:          "tradepost",
	Short:        "Tradepost client CLI",
	Long:         "Command-line client for the Tradepost marketplace.\nRead and manage notifications, follow product chats, and manage local configuration.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "Log level (debug, info, warn, error); overrides [log].level")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
