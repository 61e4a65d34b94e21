package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.chatsync/config.toml.
type Config struct {
	Default  ConfigDefault  `toml:"default"`
	Personal ConfigIdentity `toml:"personal"`
	Company  ConfigIdentity `toml:"company"`
	Sync     ConfigSync     `toml:"sync"`
	Overlay  ConfigOverlay  `toml:"overlay"`
}

// ConfigDefault holds general settings.
type ConfigDefault struct {
	BaseURL string `toml:"base_url"`
	// Active is "personal" or "company".
	Active string `toml:"active"`
}

// ConfigIdentity is one identity of the principal and the token it
// authenticates with.
type ConfigIdentity struct {
	ID    string `toml:"id"`
	Token string `toml:"token"`
}

// ConfigSync tunes the engine. Durations use Go syntax ("3s", "500ms").
type ConfigSync struct {
	TypingWindow         string `toml:"typing_window"`
	ReconcileWindow      string `toml:"reconcile_window"`
	PageSize             int    `toml:"page_size"`
	MaxReconnectAttempts int    `toml:"max_reconnect_attempts"`
}

// ConfigOverlay selects where hidden and cleared conversations are kept.
type ConfigOverlay struct {
	Backend  string `toml:"backend"`
	Path     string `toml:"path"`
	RedisURL string `toml:"redis_url"`
	Prefix   string `toml:"prefix"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.chatsync, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".chatsync")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

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
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "default.base_url").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.base_url)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "base_url":
			cfg.Default.BaseURL = value
		case "active":
			cfg.Default.Active = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "personal", "company":
		id := &cfg.Personal
		if section == "company" {
			id = &cfg.Company
		}
		switch field {
		case "id":
			id.ID = value
		case "token":
			id.Token = value
		default:
			return fmt.Errorf("unknown field %q in section [%s]", field, section)
		}
	case "sync":
		switch field {
		case "typing_window":
			cfg.Sync.TypingWindow = value
		case "reconcile_window":
			cfg.Sync.ReconcileWindow = value
		case "page_size", "max_reconnect_attempts":
			n, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("%s must be an integer: %w", key, err)
			}
			if field == "page_size" {
				cfg.Sync.PageSize = n
			} else {
				cfg.Sync.MaxReconnectAttempts = n
			}
		default:
			return fmt.Errorf("unknown field %q in section [sync]", field)
		}
	case "overlay":
		switch field {
		case "backend":
			cfg.Overlay.Backend = value
		case "path":
			cfg.Overlay.Path = value
		case "redis_url":
			cfg.Overlay.RedisURL = value
		case "prefix":
			cfg.Overlay.Prefix = value
		default:
			return fmt.Errorf("unknown field %q in section [overlay]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, personal, company, sync, overlay)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var (
	verbose    bool
	jsonOutput bool
)

var rootCmd = &cobra.Command{
	Use:   "chatsync",
	Short: "Chat sync CLI",
	Long:  "Command-line client for one-to-one chat under a personal and a company identity.\nList and manage conversations, send messages, and watch real-time events.",
}

func main() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output raw JSON")
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
