package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/talentbridge/chatsync"
)

var showRaw bool

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configShowCmd.Flags().BoolVar(&showRaw, "raw", false, "Print the config file as stored")
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect or change chatsync settings",
}

// setting is one effective value and where it came from.
type setting struct {
	Key    string `json:"key"`
	Value  string `json:"value"`
	Source string `json:"source"`
}

func fromConfig(key, value, fallback string) setting {
	if value == "" {
		return setting{Key: key, Value: fallback, Source: "default"}
	}
	return setting{Key: key, Value: value, Source: "config"}
}

func intSetting(key string, value, fallback int) setting {
	if value == 0 {
		return setting{Key: key, Value: strconv.Itoa(fallback), Source: "default"}
	}
	return setting{Key: key, Value: strconv.Itoa(value), Source: "config"}
}

func maskToken(token string) string {
	if len(token) <= 4 {
		return "****"
	}
	return token[:4] + "****"
}

// effectiveSettings lists the values a command will run with, defaults
// applied. Tokens are masked.
func (c *Config) effectiveSettings(dir string) []setting {
	out := []setting{
		fromConfig("default.base_url", c.Default.BaseURL, "(unset)"),
		fromConfig("default.active", c.Default.Active, "personal"),
	}
	for _, section := range []string{"personal", "company"} {
		id := c.Personal
		if section == "company" {
			id = c.Company
		}
		if id.ID == "" {
			continue
		}
		out = append(out,
			setting{Key: section + ".id", Value: id.ID, Source: "config"},
			setting{Key: section + ".token", Value: maskToken(id.Token), Source: "config"},
		)
	}

	out = append(out,
		fromConfig("sync.typing_window", c.Sync.TypingWindow, chatsync.DefaultTypingWindow.String()),
		fromConfig("sync.reconcile_window", c.Sync.ReconcileWindow, chatsync.DefaultReconcileWindow.String()),
		intSetting("sync.page_size", c.Sync.PageSize, chatsync.DefaultPageSize),
		intSetting("sync.max_reconnect_attempts", c.Sync.MaxReconnectAttempts, chatsync.DefaultMaxReconnectAttempts),
		fromConfig("overlay.backend", c.Overlay.Backend, "bbolt"),
	)
	switch c.Overlay.Backend {
	case "", "bbolt":
		out = append(out, fromConfig("overlay.path", c.Overlay.Path, filepath.Join(dir, "overlay.db")))
	case "redis":
		out = append(out,
			fromConfig("overlay.redis_url", c.Overlay.RedisURL, "(unset)"),
			fromConfig("overlay.prefix", c.Overlay.Prefix, chatsync.DefaultRedisOverlayPrefix),
		)
	}
	return out
}

// validateSync checks the duration fields parse.
func (c *Config) validateSync() error {
	for key, v := range map[string]string{
		"sync.typing_window":    c.Sync.TypingWindow,
		"sync.reconcile_window": c.Sync.ReconcileWindow,
	} {
		if v == "" {
			continue
		}
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}
	return nil
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective settings, defaults included",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showRaw {
			path, err := configPath()
			if err != nil {
				return err
			}
			data, err := os.ReadFile(path)
			if err != nil {
				if os.IsNotExist(err) {
					fmt.Println("No configuration file found. Run 'chatsync init <base-url>' to create one.")
					return nil
				}
				return fmt.Errorf("cannot read config file: %w", err)
			}
			fmt.Print(string(data))
			return nil
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		dir, err := configDir()
		if err != nil {
			return err
		}
		settings := cfg.effectiveSettings(dir)
		if jsonOutput {
			return printJSON(settings)
		}
		for _, s := range settings {
			fmt.Printf("%-30s %-40s %s\n", s.Key, s.Value, s.Source)
		}
		if err := cfg.validateSync(); err != nil {
			fmt.Printf("\nwarning: %v\n", err)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a value using dot notation",
	Long:  "Set a configuration value using dot notation.\nExample: chatsync config set sync.typing_window 5s",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}
		if err := cfg.validateSync(); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Printf("%s = %s\n", key, value)
		return nil
	},
}
