//go:build integration

package chatsync_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/talentbridge/chatsync"
)

// helpers ---------------------------------------------------------------

func env(t *testing.T, name string) string {
	t.Helper()
	v := os.Getenv(name)
	if v == "" {
		t.Fatalf("%s environment variable is required", name)
	}
	return v
}

type principal struct {
	identity chatsync.Identity
	token    string
	engine   *chatsync.Engine
}

// newPrincipal builds an engine for one personal identity read from
// CHATSYNC_<prefix>_ID_TEST and CHATSYNC_<prefix>_TOKEN_TEST.
func newPrincipal(t *testing.T, prefix string) *principal {
	t.Helper()
	base := env(t, "CHATSYNC_BASE_URL_TEST")
	id := chatsync.Identity{ID: env(t, "CHATSYNC_"+prefix+"_ID_TEST"), Kind: chatsync.KindPersonal}
	token := env(t, "CHATSYNC_"+prefix+"_TOKEN_TEST")

	log := zerolog.New(zerolog.NewTestWriter(t)).With().Str("principal", prefix).Logger()
	client := chatsync.NewClient(token, chatsync.WithBaseURL(base))
	e, err := chatsync.NewEngine(chatsync.Deps{
		Conversations: client.Conversations,
		Messages:      client.Messages,
		Resolver:      client.Profiles,
		Dialer:        chatsync.WebSocketDialer(base, &chatsync.RealtimeConfig{Logger: log}),
	}, &chatsync.EngineOptions{Logger: log})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	t.Cleanup(e.Close)
	e.Bind(chatsync.SessionContext{Personal: &id, Active: chatsync.KindPersonal})
	return &principal{identity: id, token: token, engine: e}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// =======================================================================
// Two principals over REST and channels
// =======================================================================

func TestIntegration_Conversation_Lifecycle(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
	defer cancel()

	a := newPrincipal(t, "A")
	b := newPrincipal(t, "B")

	for _, p := range []*principal{a, b} {
		if err := p.engine.Connect(ctx, chatsync.KindPersonal, p.token); err != nil {
			t.Fatalf("Connect %s: %v", p.identity.ID, err)
		}
		if _, err := p.engine.LoadConversations(ctx); err != nil {
			t.Fatalf("LoadConversations %s: %v", p.identity.ID, err)
		}
	}

	conv, err := a.engine.CreateOrGetConversation(ctx, b.identity.ID, b.identity.Kind)
	if err != nil {
		t.Fatalf("CreateOrGetConversation: %v", err)
	}
	t.Logf("conversation %s other=%v", conv.ID, conv.OtherParticipant)

	again, err := a.engine.CreateOrGetConversation(ctx, b.identity.ID, b.identity.Kind)
	if err != nil {
		t.Fatalf("CreateOrGetConversation again: %v", err)
	}
	if again.ID != conv.ID {
		t.Fatalf("expected the same conversation, got %s and %s", conv.ID, again.ID)
	}

	content := fmt.Sprintf("integration %d", time.Now().UnixNano())

	t.Run("Send_Reconciles", func(t *testing.T) {
		temp, err := a.engine.Send(ctx, conv.ID, content)
		if err != nil {
			t.Fatalf("Send: %v", err)
		}
		if !temp.IsTemp() {
			t.Fatalf("expected a temp message, got %s", temp.ID)
		}
		waitFor(t, "server copy to replace the temp message", func() bool {
			for _, m := range a.engine.Messages(conv.ID) {
				if m.Content == content {
					return !m.IsTemp()
				}
			}
			return false
		})
	})

	t.Run("Receive_CountsUnread", func(t *testing.T) {
		waitFor(t, "message on the peer", func() bool {
			c, ok := b.engine.Conversation(conv.ID)
			return ok && c.LastMessage != nil && c.LastMessage.Content == content
		})
		c, _ := b.engine.Conversation(conv.ID)
		if c.UnreadCount[b.identity.ID] < 1 {
			t.Fatalf("expected unread for %s, got %v", b.identity.ID, c.UnreadCount)
		}
	})

	t.Run("MarkAllAsRead", func(t *testing.T) {
		if err := b.engine.MarkAllAsRead(ctx, conv.ID); err != nil {
			t.Fatalf("MarkAllAsRead: %v", err)
		}
		if err := b.engine.MarkAllAsRead(ctx, conv.ID); err != nil {
			t.Fatalf("MarkAllAsRead twice: %v", err)
		}
		c, _ := b.engine.Conversation(conv.ID)
		if n := c.UnreadCount[b.identity.ID]; n != 0 {
			t.Fatalf("expected zero unread, got %d", n)
		}
	})

	t.Run("Typing_ReachesPeer", func(t *testing.T) {
		if err := a.engine.StartTyping(ctx, conv.ID); err != nil {
			t.Fatalf("StartTyping: %v", err)
		}
		waitFor(t, "peer typing", func() bool { return b.engine.IsPeerTyping(conv.ID) })
		if err := a.engine.StopTyping(ctx, conv.ID); err != nil {
			t.Fatalf("StopTyping: %v", err)
		}
		waitFor(t, "peer typing to stop", func() bool { return !b.engine.IsPeerTyping(conv.ID) })
	})

	t.Run("SoftDelete_Hides", func(t *testing.T) {
		if err := b.engine.Delete(ctx, conv.ID); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		if _, ok := b.engine.Conversation(conv.ID); ok {
			t.Fatal("expected the conversation to be hidden")
		}
		if _, err := b.engine.LoadConversations(ctx); err != nil {
			t.Fatalf("LoadConversations: %v", err)
		}
		if _, ok := b.engine.Conversation(conv.ID); ok {
			t.Fatal("expected the conversation to stay hidden after reload")
		}
	})

	t.Run("InboundMessage_Unhides", func(t *testing.T) {
		if _, err := a.engine.Send(ctx, conv.ID, content+" again"); err != nil {
			t.Fatalf("Send: %v", err)
		}
		waitFor(t, "conversation to reappear", func() bool {
			_, ok := b.engine.Conversation(conv.ID)
			return ok
		})
		for _, m := range b.engine.Messages(conv.ID) {
			if m.Content == content {
				t.Fatalf("message %s from before the delete is visible", m.ID)
			}
		}
	})
}
