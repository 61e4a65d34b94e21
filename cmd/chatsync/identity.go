package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/talentbridge/chatsync"
)

func init() {
	rootCmd.AddCommand(identityCmd)
	identityCmd.AddCommand(identitySetCmd)
	identityCmd.AddCommand(identityUseCmd)
}

var identityCmd = &cobra.Command{
	Use:   "identity",
	Short: "Manage the personal and company identities",
}

var identitySetCmd = &cobra.Command{
	Use:   "set <personal|company> <id> <token>",
	Short: "Store an identity and its token",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := chatsync.ParseIdentityKind(args[0])
		if err != nil {
			return err
		}
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		entry := ConfigIdentity{ID: args[1], Token: args[2]}
		name := "personal"
		if kind == chatsync.KindCompany {
			cfg.Company = entry
			name = "company"
		} else {
			cfg.Personal = entry
		}
		if cfg.Default.Active == "" {
			cfg.Default.Active = name
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		fmt.Printf("Stored %s identity %s (token %s)\n", name, entry.ID, maskKey(entry.Token))
		return nil
	},
}

var identityUseCmd = &cobra.Command{
	Use:   "use <personal|company>",
	Short: "Switch the identity commands act as",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := chatsync.ParseIdentityKind(args[0])
		if err != nil {
			return err
		}
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if cfg.identity(kind).ID == "" {
			return fmt.Errorf("%s identity is not configured", args[0])
		}

		cfg.Default.Active = "personal"
		if kind == chatsync.KindCompany {
			cfg.Default.Active = "company"
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		fmt.Printf("Now acting as %s identity %s\n", cfg.Default.Active, cfg.identity(kind).ID)
		return nil
	},
}
