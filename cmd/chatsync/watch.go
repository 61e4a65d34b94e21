package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/talentbridge/chatsync"
)

func init() {
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream real-time events on every identity until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		err := runWatch(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}

func runWatch(ctx context.Context) error {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	loadCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	_, err = a.engine.LoadConversations(loadCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}

	changes := make(chan chatsync.Change, 64)
	forward := func(c chatsync.Change) {
		select {
		case changes <- c:
		default:
			a.log.Warn().Str("topic", string(c.Topic)).Msg("change dropped, printer is behind")
		}
	}
	for _, topic := range []chatsync.Topic{
		chatsync.TopicConversations,
		chatsync.TopicMessages,
		chatsync.TopicTyping,
		chatsync.TopicPresence,
		chatsync.TopicChannelState,
	} {
		a.engine.On(topic, forward)
	}

	if a.connectAll(ctx) == 0 {
		return fmt.Errorf("no channel could be connected")
	}
	if err := a.engine.SetPresence(ctx, "online"); err != nil {
		a.log.Warn().Err(err).Msg("presence not announced")
	}
	fmt.Println("Watching. Press Ctrl+C to stop.")

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		for {
			select {
			case <-gCtx.Done():
				return nil
			case c := <-changes:
				printChange(a, c)
			}
		}
	})

	g.Go(func() error {
		<-gCtx.Done()
		a.log.Info().Msg("shutting down channels")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := a.engine.SetPresence(shutdownCtx, "offline"); err != nil {
			a.log.Debug().Err(err).Msg("presence not announced")
		}
		return nil
	})

	return g.Wait()
}

func printChange(a *app, c chatsync.Change) {
	switch c.Topic {
	case chatsync.TopicMessages:
		msgs := a.engine.Messages(c.ConversationID)
		if len(msgs) == 0 {
			return
		}
		m := msgs[len(msgs)-1]
		fmt.Printf("[%s] %s %s: %s (%s)\n", c.ConversationID, m.CreatedAt.Local().Format(time.Kitchen), m.Sender.ID, m.Content, m.Status)
	case chatsync.TopicConversations:
		if c.ConversationID == "" {
			return
		}
		conv, ok := a.engine.Conversation(c.ConversationID)
		if !ok {
			fmt.Printf("[%s] removed\n", c.ConversationID)
			return
		}
		self, _ := a.engine.Session().SelfIn(conv)
		fmt.Printf("[%s] %s, %d unread\n", conv.ID, displayName(conv), conv.UnreadCount[self.ID])
	case chatsync.TopicTyping:
		if a.engine.IsPeerTyping(c.ConversationID) {
			fmt.Printf("[%s] typing...\n", c.ConversationID)
		}
	case chatsync.TopicPresence:
		p, _ := a.engine.Presence(c.ParticipantID)
		state := "offline"
		if p.Online {
			state = "online"
		}
		fmt.Printf("%s is %s\n", c.ParticipantID, state)
	case chatsync.TopicChannelState:
		fmt.Printf("%s channel %s\n", c.Kind, c.State)
	}
}
