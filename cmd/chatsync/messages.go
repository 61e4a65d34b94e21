package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/talentbridge/chatsync"
)

func init() {
	rootCmd.AddCommand(messagesCmd)
	messagesCmd.AddCommand(messagesListCmd)
	rootCmd.AddCommand(sendCmd)
}

var messagesCmd = &cobra.Command{
	Use:   "messages",
	Short: "Read conversation history",
}

var messagesListCmd = &cobra.Command{
	Use:   "list <conversation-id>",
	Short: "List the messages of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withConversations(30*time.Second, func(ctx context.Context, a *app) error {
			msgs, err := a.engine.LoadMessages(ctx, args[0])
			if err != nil {
				return err
			}
			return printMessages(a, msgs)
		})
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <message>",
	Short: "Send a message",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		content := strings.Join(args[1:], " ")
		return withConversations(30*time.Second, func(ctx context.Context, a *app) error {
			msg, err := a.engine.Send(ctx, args[0], content)
			if err != nil {
				return err
			}
			sent := msg
			for _, m := range a.engine.Messages(args[0]) {
				if m.Content == content && !m.IsTemp() {
					sent = m
				}
			}
			if jsonOutput {
				return printJSON(sent)
			}
			fmt.Printf("Message sent (id: %s, status: %s)\n", sent.ID, sent.Status)
			return nil
		})
	},
}

func printMessages(a *app, msgs []*chatsync.Message) error {
	if jsonOutput {
		return printJSON(msgs)
	}
	if len(msgs) == 0 {
		fmt.Println("No messages.")
		return nil
	}
	session := a.engine.Session()
	for _, m := range msgs {
		who := m.Sender.ID
		if session.Owns(m.Sender) {
			who = "you (" + m.Sender.Kind.String() + ")"
		}
		fmt.Printf("  [%s] %s: %s  (%s)\n", m.CreatedAt.Local().Format(time.DateTime), who, m.Content, m.Status)
	}
	return nil
}
