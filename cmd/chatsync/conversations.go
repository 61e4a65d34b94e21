package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/talentbridge/chatsync"
)

var (
	conversationsUnread    bool
	conversationsStartType string
)

func init() {
	rootCmd.AddCommand(conversationsCmd)
	conversationsCmd.AddCommand(conversationsListCmd)
	conversationsCmd.AddCommand(conversationsOpenCmd)
	conversationsCmd.AddCommand(conversationsStartCmd)
	conversationsCmd.AddCommand(conversationsDeleteCmd)
	conversationsCmd.AddCommand(conversationsReadCmd)

	conversationsListCmd.Flags().BoolVar(&conversationsUnread, "unread", false, "Show only unread conversations")
	conversationsStartCmd.Flags().StringVar(&conversationsStartType, "type", "user", "Participant type (user or company)")
}

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "Manage conversations",
	Long:  "List, open, start, read and delete conversations of the active identity.",
}

// withConversations runs fn with an engine whose store holds the active
// identity's conversations.
func withConversations(timeout time.Duration, fn func(ctx context.Context, a *app) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	if _, err := a.engine.LoadConversations(ctx); err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	return fn(ctx, a)
}

var conversationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withConversations(30*time.Second, func(ctx context.Context, a *app) error {
			self, _ := a.engine.Session().ActiveIdentity()
			var convs []*chatsync.Conversation
			for _, c := range a.engine.Conversations() {
				if conversationsUnread && c.UnreadCount[self.ID] == 0 {
					continue
				}
				convs = append(convs, c)
			}

			if jsonOutput {
				return printJSON(convs)
			}
			if len(convs) == 0 {
				fmt.Println("No conversations found.")
				return nil
			}
			for _, c := range convs {
				unread := ""
				if n := c.UnreadCount[self.ID]; n > 0 {
					unread = fmt.Sprintf(" (%d unread)", n)
				}
				last := ""
				if c.LastMessage != nil {
					last = " - " + truncate(c.LastMessage.Content, 40)
				}
				fmt.Printf("  %s: %s%s%s\n", c.ID, displayName(c), unread, last)
			}
			return nil
		})
	},
}

var conversationsOpenCmd = &cobra.Command{
	Use:   "open <conversation-id>",
	Short: "Show a conversation's history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withConversations(30*time.Second, func(ctx context.Context, a *app) error {
			msgs, err := a.engine.OpenConversation(ctx, args[0])
			if err != nil {
				return err
			}
			return printMessages(a, msgs)
		})
	},
}

var conversationsStartCmd = &cobra.Command{
	Use:   "start <participant-id>",
	Short: "Create or reopen a conversation with a participant",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := chatsync.ParseIdentityKind(conversationsStartType)
		if err != nil {
			return err
		}
		return withConversations(30*time.Second, func(ctx context.Context, a *app) error {
			conv, err := a.engine.CreateOrGetConversation(ctx, args[0], kind)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(conv)
			}
			fmt.Printf("Conversation %s with %s\n", conv.ID, displayName(conv))
			return nil
		})
	},
}

var conversationsDeleteCmd = &cobra.Command{
	Use:   "delete <conversation-id>",
	Short: "Delete a conversation",
	Long:  "Hide a conversation and clear its history on this client. Conversations with a deleted account are removed on the server.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withConversations(30*time.Second, func(ctx context.Context, a *app) error {
			if err := a.engine.Delete(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("Deleted conversation %s\n", args[0])
			return nil
		})
	},
}

var conversationsReadCmd = &cobra.Command{
	Use:   "read <conversation-id>",
	Short: "Mark every message in a conversation as read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withConversations(30*time.Second, func(ctx context.Context, a *app) error {
			if _, err := a.engine.LoadMessages(ctx, args[0]); err != nil {
				return err
			}
			if err := a.engine.MarkAllAsRead(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("Marked conversation %s as read\n", args[0])
			return nil
		})
	},
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
