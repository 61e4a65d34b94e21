package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <base-url>",
	Short: "Store the API base URL in ~/.chatsync/config.toml",
	Long:  "Initialize chatsync by storing the chat API base URL and default sync settings in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Default.BaseURL = args[0]
		if cfg.Default.Active == "" {
			cfg.Default.Active = "personal"
		}
		if cfg.Overlay.Backend == "" {
			dir, err := configDir()
			if err != nil {
				return err
			}
			cfg.Overlay.Backend = "bbolt"
			cfg.Overlay.Path = filepath.Join(dir, "overlay.db")
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Base URL saved to %s\n", path)
		return nil
	},
}
