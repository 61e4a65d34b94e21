package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/talentbridge/chatsync"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and connectivity",
	Long:  "Display the current configuration, the local overlay, and check that each identity can reach the chat service.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:   %s\n", valueOrDefault(cfg.Default.BaseURL, "(not set)"))
		fmt.Printf("  Active:     %s\n", valueOrDefault(cfg.Default.Active, "(not set)"))
		fmt.Printf("  Overlay:    %s\n", valueOrDefault(cfg.Overlay.Backend, "bbolt"))

		fmt.Println()
		fmt.Println("Identities:")
		for _, kind := range chatsync.Kinds {
			id := cfg.identity(kind)
			if id.ID == "" {
				fmt.Printf("  %-8s (not set)\n", kind.String()+":")
				continue
			}
			fmt.Printf("  %-8s %s (token %s)\n", kind.String()+":", id.ID, maskKey(id.Token))
		}

		if cfg.Default.BaseURL == "" || (cfg.Personal.ID == "" && cfg.Company.ID == "") {
			return nil
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		a, err := newApp(ctx)
		if err != nil {
			fmt.Printf("\n  Error: %v\n", err)
			return nil
		}
		defer a.close()

		state := a.overlay.State()
		fmt.Printf("  Hidden:     %d conversations\n", len(state.Hidden))
		fmt.Printf("  Cleared:    %d conversations\n", len(state.Cleared))

		fmt.Println()
		fmt.Println("Live status:")
		convs, err := a.engine.LoadConversations(ctx)
		if err != nil {
			fmt.Printf("  REST:       error: %v\n", err)
		} else {
			fmt.Printf("  REST:       ok (%d conversations)\n", len(convs))
		}
		for _, kind := range chatsync.Kinds {
			id := cfg.identity(kind)
			if id.ID == "" {
				continue
			}
			state := "connected"
			if err := a.engine.Connect(ctx, kind, id.Token); err != nil {
				state = "error: " + err.Error()
			}
			fmt.Printf("  %-11s %s\n", kind.String()+":", state)
			a.engine.Disconnect(kind)
		}
		return nil
	},
}

// maskKey shows the first 4 and last 4 characters of a token.
func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
