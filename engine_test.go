package chatsync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Fakes
// ============================================================================

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
	return c.t
}

// fakeConvAPI is an in-memory conversation server.
type fakeConvAPI struct {
	mu      sync.Mutex
	convs   map[string]*Conversation
	gate    chan struct{}
	deleted []string
	markErr error

	creates   atomic.Int32
	gets      atomic.Int32
	markCalls atomic.Int32
}

func newFakeConvAPI(convs ...*Conversation) *fakeConvAPI {
	f := &fakeConvAPI{convs: make(map[string]*Conversation)}
	for _, c := range convs {
		f.convs[c.ID] = c
	}
	return f
}

func (f *fakeConvAPI) put(c *Conversation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.convs[c.ID] = c
}

func (f *fakeConvAPI) CreateOrGet(_ context.Context, self Identity, other Participant) (*Conversation, error) {
	f.creates.Add(1)
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.convs {
		if c.Has(self.Participant()) && c.Has(other) {
			return c.clone(), nil
		}
	}
	c := &Conversation{
		ID:           fmt.Sprintf("c-%s", other.ID),
		Participants: [2]Participant{self.Participant(), other},
		UnreadCount:  map[string]int{self.ID: 0, other.ID: 0},
		CreatedAt:    t0,
	}
	f.convs[c.ID] = c
	return c.clone(), nil
}

func (f *fakeConvAPI) List(_ context.Context, self Identity, opts PageOptions) ([]*Conversation, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for id, c := range f.convs {
		if c.Has(self.Participant()) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	start := (opts.Page - 1) * opts.Limit
	if start >= len(ids) {
		return nil, false, nil
	}
	end := min(start+opts.Limit, len(ids))
	out := make([]*Conversation, 0, end-start)
	for _, id := range ids[start:end] {
		out = append(out, f.convs[id].clone())
	}
	return out, end < len(ids), nil
}

func (f *fakeConvAPI) Get(_ context.Context, _ Identity, id string) (*Conversation, error) {
	f.gets.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.convs[id]
	if !ok {
		return nil, &APIError{Status: http.StatusNotFound, Code: "NOT_FOUND"}
	}
	return c.clone(), nil
}

func (f *fakeConvAPI) Delete(_ context.Context, _ Identity, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.convs, id)
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeConvAPI) MarkAllRead(_ context.Context, _ Identity, _ string) error {
	f.markCalls.Add(1)
	return f.markErr
}

// fakeMsgAPI stores history per conversation and answers sends with a server
// copy stamped by clock.
type fakeMsgAPI struct {
	clock *testClock

	mu      sync.Mutex
	history map[string][]*Message
	sendErr error
	reads   []string

	sends atomic.Int32
}

func (f *fakeMsgAPI) Send(_ context.Context, sender Identity, conversationID, content string) (*Message, error) {
	n := f.sends.Add(1)
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	return &Message{
		ID:             fmt.Sprintf("srv-%d", n),
		ConversationID: conversationID,
		Sender:         sender.Participant(),
		Content:        content,
		Status:         StatusSent,
		CreatedAt:      f.clock.now().Add(200 * time.Millisecond),
	}, nil
}

func (f *fakeMsgAPI) List(_ context.Context, _ Identity, conversationID string, opts PageOptions) ([]*Message, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	all := f.history[conversationID]
	start := (opts.Page - 1) * opts.Limit
	if start >= len(all) {
		return nil, false, nil
	}
	end := min(start+opts.Limit, len(all))
	out := make([]*Message, 0, end-start)
	for _, m := range all[start:end] {
		out = append(out, m.clone())
	}
	return out, end < len(all), nil
}

func (f *fakeMsgAPI) MarkRead(_ context.Context, _ Identity, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads = append(f.reads, messageID)
	return nil
}

// ============================================================================
// Harness
// ============================================================================

type harness struct {
	e      *Engine
	convs  *fakeConvAPI
	msgs   *fakeMsgAPI
	dialer *fakeDialer
	port   *MemoryOverlayPort
	clock  *testClock
	// resolveErr, when set, fails every participant lookup.
	resolveErr error

	changesMu sync.Mutex
	changes   []Change
}

func newHarness(t *testing.T, opts *EngineOptions, convs ...*Conversation) *harness {
	t.Helper()
	clock := &testClock{t: t0}
	h := &harness{
		convs:  newFakeConvAPI(convs...),
		msgs:   &fakeMsgAPI{clock: clock, history: make(map[string][]*Message)},
		dialer: newFakeDialer(),
		port:   NewMemoryOverlayPort(),
		clock:  clock,
	}
	overlay, err := LoadOverlay(context.Background(), h.port, zerolog.Nop())
	require.NoError(t, err)

	if opts == nil {
		opts = &EngineOptions{}
	}
	opts.Now = clock.now
	opts.PageSize = 2
	resolver := ResolverFunc(func(_ context.Context, id string, kind IdentityKind) (*ParticipantInfo, error) {
		if h.resolveErr != nil {
			return nil, h.resolveErr
		}
		if id == "gone" {
			return nil, nil
		}
		return &ParticipantInfo{ID: id, Kind: kind, Name: "Name " + id}, nil
	})

	h.e, err = NewEngine(Deps{
		Conversations: h.convs,
		Messages:      h.msgs,
		Resolver:      resolver,
		Overlay:       overlay,
		Dialer:        h.dialer.dial,
	}, opts)
	require.NoError(t, err)
	t.Cleanup(h.e.Close)

	self, company := testSelf, testCompany
	h.e.Bind(SessionContext{Personal: &self, Company: &company, Active: KindPersonal})

	record := func(c Change) {
		h.changesMu.Lock()
		h.changes = append(h.changes, c)
		h.changesMu.Unlock()
	}
	for _, topic := range []Topic{TopicConversations, TopicMessages, TopicTyping, TopicPresence, TopicChannelState} {
		h.e.On(topic, record)
	}
	return h
}

func (h *harness) count(topic Topic) int {
	h.changesMu.Lock()
	defer h.changesMu.Unlock()
	n := 0
	for _, c := range h.changes {
		if c.Topic == topic {
			n++
		}
	}
	return n
}

func (h *harness) connect(t *testing.T, kind IdentityKind) *fakeTransport {
	t.Helper()
	require.NoError(t, h.e.Connect(context.Background(), kind, "tok-"+kind.String()))
	return h.dialer.last(kind)
}

func (h *harness) load(t *testing.T) {
	t.Helper()
	_, err := h.e.LoadConversations(context.Background())
	require.NoError(t, err)
}

func (h *harness) unread(t *testing.T, conversationID, identityID string) int {
	t.Helper()
	c, ok := h.e.conversations.Get(conversationID)
	require.True(t, ok, "conversation %s not stored", conversationID)
	return c.UnreadCount[identityID]
}

func deliver(tr *fakeTransport, msg *Message) {
	tr.handler(Event{Type: EventMessageNew, Message: msg.clone()})
}

// serverConv is a conversation between u1 and peer as the server returns it.
func serverConv(id string, peer Participant, unread int) *Conversation {
	return &Conversation{
		ID:           id,
		Participants: [2]Participant{testSelf.Participant(), peer},
		UnreadCount:  map[string]int{testSelf.ID: unread, peer.ID: 0},
		CreatedAt:    t0.Add(-time.Hour),
	}
}

func peerMsg(id, conversationID string, at time.Time) *Message {
	return &Message{ID: id, ConversationID: conversationID, Sender: testOther, Content: "hey " + id, CreatedAt: at}
}

// ============================================================================
// Construction
// ============================================================================

func TestNewEngineRequiresAPIs(t *testing.T) {
	_, err := NewEngine(Deps{}, nil)
	require.Error(t, err)
}

func TestEngineSession(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.e.SetActiveIdentity(KindCompany))
	require.Equal(t, KindCompany, h.e.Session().Active)

	h.e.Bind(SessionContext{Personal: &testSelf})
	require.ErrorIs(t, h.e.SetActiveIdentity(KindCompany), ErrNoIdentity)
	_, bound := h.e.channels.Identity(KindCompany)
	require.False(t, bound)
}

// ============================================================================
// Conversations
// ============================================================================

func TestEngineLoadConversations(t *testing.T) {
	at := t0.Add(time.Minute)
	recent := serverConv("c-b", Participant{ID: "p3", Kind: KindPersonal}, 0)
	recent.LastMessageAt = &at
	h := newHarness(t, nil,
		serverConv("c-a", testOther, 1),
		recent,
		serverConv("c-c", Participant{ID: "gone", Kind: KindPersonal}, 0),
		&Conversation{ID: "c-foreign", Participants: [2]Participant{{ID: "x", Kind: KindPersonal}, {ID: "y", Kind: KindPersonal}}},
	)
	tr := h.connect(t, KindPersonal)

	convs, err := h.e.LoadConversations(context.Background())
	require.NoError(t, err)
	require.Len(t, convs, 3, "all pages fetched, foreign conversation excluded")
	require.Equal(t, "c-b", convs[0].ID)

	byID := map[string]*Conversation{}
	for _, c := range convs {
		byID[c.ID] = c
	}
	require.Equal(t, "Name p2", byID["c-a"].OtherParticipant.Name)
	require.True(t, byID["c-c"].OtherParticipant.Deleted)

	joins := tr.snapshot().joins
	sort.Strings(joins)
	require.Equal(t, []string{"c-a", "c-b", "c-c"}, joins)

	t.Run("reload is idempotent", func(t *testing.T) {
		first, err := h.e.Snapshot()
		require.NoError(t, err)
		h.load(t)
		second, err := h.e.Snapshot()
		require.NoError(t, err)
		require.JSONEq(t, string(first), string(second))
		require.Len(t, tr.snapshot().joins, 3, "no duplicate room joins")
	})
}

func TestEngineCreateOrGetCoalesces(t *testing.T) {
	h := newHarness(t, nil)
	gate := make(chan struct{})
	h.convs.gate = gate
	tr := h.connect(t, KindPersonal)

	const n = 4
	ids := make(chan string, n)
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			c, err := h.e.CreateOrGetConversation(context.Background(), "p2", KindPersonal)
			if err != nil {
				errs <- err
				return
			}
			ids <- c.ID
		}()
	}
	require.Eventually(t, func() bool { return h.convs.creates.Load() == 1 }, time.Second, time.Millisecond)
	// Let the remaining callers attach to the in-flight create.
	time.Sleep(50 * time.Millisecond)
	close(gate)

	for i := 0; i < n; i++ {
		select {
		case id := <-ids:
			require.Equal(t, "c-p2", id)
		case err := <-errs:
			t.Fatal(err)
		case <-time.After(2 * time.Second):
			t.Fatal("create did not return")
		}
	}
	require.EqualValues(t, 1, h.convs.creates.Load())
	require.Len(t, h.e.Conversations(), 1)
	require.Equal(t, []string{"c-p2"}, tr.snapshot().joins)
}

func TestEngineCreateOrGetUnhides(t *testing.T) {
	h := newHarness(t, nil, serverConv("c1", testOther, 0))
	h.load(t)
	h.msgs.history["c1"] = []*Message{peerMsg("old", "c1", t0.Add(-time.Minute))}

	require.NoError(t, h.e.Delete(context.Background(), "c1"))
	require.Empty(t, h.e.Conversations())

	h.clock.advance(time.Minute)
	c, err := h.e.CreateOrGetConversation(context.Background(), "p2", KindPersonal)
	require.NoError(t, err)
	require.Equal(t, "c1", c.ID)
	require.Len(t, h.e.Conversations(), 1)

	msgs, err := h.e.LoadMessages(context.Background(), "c1")
	require.NoError(t, err)
	require.Empty(t, msgs, "history before the cleared stamp stays hidden")
}

func TestEngineDelete(t *testing.T) {
	gone := serverConv("c-gone", testOther, 0)
	gone.DeletedParticipants = map[string]time.Time{testOther.ID: t0}
	h := newHarness(t, nil, serverConv("c-live", Participant{ID: "p3", Kind: KindPersonal}, 2), gone)
	tr := h.connect(t, KindPersonal)
	h.load(t)
	ctx := context.Background()

	t.Run("soft delete hides locally", func(t *testing.T) {
		require.NoError(t, h.e.Delete(ctx, "c-live"))
		_, ok := h.e.Conversation("c-live")
		require.False(t, ok)
		require.True(t, h.e.overlay.IsHidden("c-live"))
		require.NotContains(t, h.convs.deleted, "c-live")
		require.NoError(t, h.e.Delete(ctx, "c-live"), "deleting a hidden conversation again is a no-op")

		h.load(t)
		_, ok = h.e.Conversation("c-live")
		require.False(t, ok, "reload keeps it hidden")
	})

	t.Run("hard delete when the other account is gone", func(t *testing.T) {
		require.NoError(t, h.e.Delete(ctx, "c-gone"))
		require.Equal(t, []string{"c-gone"}, h.convs.deleted)
		require.False(t, h.e.overlay.IsHidden("c-gone"))
		require.False(t, h.e.conversations.Has("c-gone"))
		require.Contains(t, tr.snapshot().leaves, "c-gone")
	})

	t.Run("unknown", func(t *testing.T) {
		require.ErrorIs(t, h.e.Delete(ctx, "nope"), ErrUnknownConversation)
	})
}

func TestEngineDeleteWithFailedLookup(t *testing.T) {
	h := newHarness(t, nil, serverConv("c-live", testOther, 0))
	h.resolveErr = errors.New("profile service timeout")
	h.load(t)

	c, ok := h.e.Conversation("c-live")
	require.True(t, ok)
	require.False(t, c.OtherParticipant.Deleted)
	require.Equal(t, "Unknown participant", c.OtherParticipant.Name)

	require.NoError(t, h.e.Delete(context.Background(), "c-live"))
	require.Empty(t, h.convs.deleted, "a live counterpart is never hard-deleted")
	require.True(t, h.e.overlay.IsHidden("c-live"))
}

func TestEngineHardDeleteForgetsParticipant(t *testing.T) {
	gone := serverConv("c-gone", testOther, 0)
	gone.DeletedParticipants = map[string]time.Time{testOther.ID: t0}
	h := newHarness(t, nil, gone)
	h.load(t)
	ctx := context.Background()

	h.e.participants.Lookup(ctx, testOther)
	_, err := h.e.participants.cache.Get(testOther.key())
	require.NoError(t, err)

	require.NoError(t, h.e.Delete(ctx, "c-gone"))
	_, err = h.e.participants.cache.Get(testOther.key())
	require.Error(t, err)
}

func TestEngineDeleteOverlaySaveFails(t *testing.T) {
	h := newHarness(t, nil, serverConv("c1", testOther, 0))
	port := &flakyPort{MemoryOverlayPort: NewMemoryOverlayPort(), fail: errors.New("disk full")}
	overlay, err := LoadOverlay(context.Background(), port, zerolog.Nop())
	require.NoError(t, err)
	h.e.overlay = overlay
	h.load(t)
	h.msgs.history["c1"] = []*Message{peerMsg("m1", "c1", t0.Add(-time.Minute))}
	_, err = h.e.LoadMessages(context.Background(), "c1")
	require.NoError(t, err)

	require.ErrorIs(t, h.e.Delete(context.Background(), "c1"), port.fail)
	_, ok := h.e.Conversation("c1")
	require.True(t, ok, "a failed hide leaves the conversation visible")
	require.Len(t, h.e.Messages("c1"), 1)
}

func TestEngineHiddenRoomsAcrossRestart(t *testing.T) {
	hideFirst := func(t *testing.T, h *harness) {
		t.Helper()
		require.NoError(t, h.e.overlay.Hide(context.Background(), "c1", t0))
	}

	t.Run("connect then load", func(t *testing.T) {
		h := newHarness(t, nil, serverConv("c1", testOther, 0))
		hideFirst(t, h)
		tr := h.connect(t, KindPersonal)
		h.load(t)

		_, ok := h.e.Conversation("c1")
		require.False(t, ok)
		require.False(t, h.e.conversations.Has("c1"))
		require.Equal(t, []string{"c1"}, tr.snapshot().joins)
		require.Equal(t, []string{"c1"}, h.e.Rooms(KindPersonal))

		deliver(tr, peerMsg("m1", "c1", t0.Add(time.Second)))
		_, ok = h.e.Conversation("c1")
		require.True(t, ok, "inbound message unhides after a restart")
	})

	t.Run("load then connect", func(t *testing.T) {
		h := newHarness(t, nil, serverConv("c1", testOther, 0))
		hideFirst(t, h)
		h.load(t)
		tr := h.connect(t, KindPersonal)
		require.Equal(t, []string{"c1"}, tr.snapshot().joins)
	})

	t.Run("soft delete keeps the room on reconnect", func(t *testing.T) {
		h := newHarness(t, nil, serverConv("c1", testOther, 0))
		h.connect(t, KindPersonal)
		h.load(t)
		require.NoError(t, h.e.Delete(context.Background(), "c1"))

		tr := h.connect(t, KindPersonal)
		require.Equal(t, []string{"c1"}, tr.snapshot().joins)
	})
}

// ============================================================================
// Messages
// ============================================================================

func TestEngineSendReconcilesEcho(t *testing.T) {
	h := newHarness(t, nil, serverConv("c1", testOther, 0))
	tr := h.connect(t, KindPersonal)
	h.load(t)

	temp, err := h.e.Send(context.Background(), "c1", "hello")
	require.NoError(t, err)
	require.True(t, temp.IsTemp())
	require.Equal(t, StatusSending, temp.Status)
	require.Equal(t, []string{"c1:hello"}, tr.snapshot().sent)
	require.Zero(t, h.msgs.sends.Load())

	echo := &Message{ID: "m1", ConversationID: "c1", Sender: testSelf.Participant(), Content: "hello", CreatedAt: t0.Add(300 * time.Millisecond)}
	deliver(tr, echo)

	msgs := h.e.Messages("c1")
	require.Len(t, msgs, 1)
	require.Equal(t, "m1", msgs[0].ID)
	require.Equal(t, StatusSent, msgs[0].Status)
	require.Zero(t, h.unread(t, "c1", testSelf.ID))

	c, _ := h.e.Conversation("c1")
	require.Equal(t, "m1", c.LastMessage.ID)
}

func TestEngineSendFallsBackToREST(t *testing.T) {
	t.Run("channel error", func(t *testing.T) {
		h := newHarness(t, nil, serverConv("c1", testOther, 0))
		tr := h.connect(t, KindPersonal)
		tr.sendErr = errors.New("write: broken pipe")
		h.load(t)

		_, err := h.e.Send(context.Background(), "c1", "hello")
		require.NoError(t, err)
		require.EqualValues(t, 1, h.msgs.sends.Load())
		msgs := h.e.Messages("c1")
		require.Len(t, msgs, 1)
		require.Equal(t, "srv-1", msgs[0].ID)
	})

	t.Run("no channel", func(t *testing.T) {
		h := newHarness(t, nil, serverConv("c1", testOther, 0))
		h.load(t)
		_, err := h.e.Send(context.Background(), "c1", "hello")
		require.NoError(t, err)
		require.Equal(t, []string{"srv-1"}, msgIDs(h.e.Messages("c1")))
	})

	t.Run("rest error keeps temp sending", func(t *testing.T) {
		h := newHarness(t, nil, serverConv("c1", testOther, 0))
		h.msgs.sendErr = &APIError{Status: http.StatusBadGateway, Code: "UPSTREAM"}
		h.load(t)
		temp, err := h.e.Send(context.Background(), "c1", "hello")
		require.Error(t, err)
		require.NotNil(t, temp)
		msgs := h.e.Messages("c1")
		require.Len(t, msgs, 1)
		require.Equal(t, temp.ID, msgs[0].ID)
		require.Equal(t, StatusSending, msgs[0].Status)
	})

	t.Run("validation", func(t *testing.T) {
		h := newHarness(t, nil)
		_, err := h.e.Send(context.Background(), "c1", "   ")
		require.ErrorIs(t, err, ErrEmptyContent)
		_, err = h.e.Send(context.Background(), "c1", "hi")
		require.ErrorIs(t, err, ErrUnknownConversation)
	})
}

func TestEngineCountedMemoryIsBounded(t *testing.T) {
	h := newHarness(t, nil, serverConv("c1", testOther, 0))
	h.e.countedLimit = 2
	tr := h.connect(t, KindPersonal)
	h.load(t)

	for i := 1; i <= 3; i++ {
		deliver(tr, peerMsg(fmt.Sprintf("m%d", i), "c1", t0.Add(time.Duration(i)*time.Second)))
	}
	require.Equal(t, 3, h.unread(t, "c1", testSelf.ID))

	h.e.countedMu.Lock()
	kept := append([]string(nil), h.e.counted["c1"].order...)
	h.e.countedMu.Unlock()
	require.Equal(t, []string{"m2:" + testSelf.ID, "m3:" + testSelf.ID}, kept)

	deliver(tr, peerMsg("m3", "c1", t0.Add(3*time.Second)))
	require.Equal(t, 3, h.unread(t, "c1", testSelf.ID), "recent duplicates still dedupe")
}

func TestEngineUnreadCounting(t *testing.T) {
	t.Run("peer message counts once per addressee", func(t *testing.T) {
		h := newHarness(t, nil, serverConv("c1", testOther, 0))
		tr := h.connect(t, KindPersonal)
		h.load(t)

		m := peerMsg("m1", "c1", t0.Add(time.Second))
		deliver(tr, m)
		deliver(tr, m)
		require.Equal(t, 1, h.unread(t, "c1", testSelf.ID))
		require.Len(t, h.e.Messages("c1"), 1)
	})

	t.Run("mirrored channels never double count", func(t *testing.T) {
		mine := &Conversation{
			ID:           "c-self",
			Participants: [2]Participant{testSelf.Participant(), testCompany.Participant()},
			UnreadCount:  map[string]int{testSelf.ID: 0, testCompany.ID: 0},
		}
		h := newHarness(t, nil, mine)
		personal := h.connect(t, KindPersonal)
		company := h.connect(t, KindCompany)
		h.load(t)

		m := &Message{ID: "m1", ConversationID: "c-self", Sender: testSelf.Participant(), Content: "to my company", CreatedAt: t0.Add(time.Second)}
		deliver(personal, m)
		deliver(company, m)
		deliver(company, m)

		require.Zero(t, h.unread(t, "c-self", testSelf.ID))
		require.Equal(t, 1, h.unread(t, "c-self", testCompany.ID))
	})

	t.Run("unread keys stay within participants", func(t *testing.T) {
		h := newHarness(t, nil, serverConv("c1", testOther, 0))
		tr := h.connect(t, KindPersonal)
		h.load(t)
		stranger := &Message{ID: "m9", ConversationID: "c1", Sender: Participant{ID: "zz", Kind: KindPersonal}, CreatedAt: t0.Add(time.Second)}
		deliver(tr, stranger)

		c, _ := h.e.Conversation("c1")
		for id := range c.UnreadCount {
			require.Contains(t, []string{testSelf.ID, testOther.ID}, id)
		}
	})

	t.Run("unknown conversation is fetched without extra count", func(t *testing.T) {
		h := newHarness(t, nil)
		tr := h.connect(t, KindPersonal)
		h.convs.put(serverConv("c-new", testOther, 1))

		deliver(tr, peerMsg("m1", "c-new", t0.Add(time.Second)))
		deliver(tr, peerMsg("m1", "c-new", t0.Add(time.Second)))

		require.Equal(t, 1, h.unread(t, "c-new", testSelf.ID))
		require.EqualValues(t, 1, h.convs.gets.Load())
		require.Contains(t, tr.snapshot().joins, "c-new")
		require.Len(t, h.e.Messages("c-new"), 1)
	})
}

func TestEngineHiddenConversationInbound(t *testing.T) {
	h := newHarness(t, nil, serverConv("c1", testOther, 0))
	tr := h.connect(t, KindPersonal)
	h.load(t)
	require.NoError(t, h.e.Delete(context.Background(), "c1"))
	stamp := h.clock.now()

	t.Run("own message keeps it hidden", func(t *testing.T) {
		own := &Message{ID: "m-own", ConversationID: "c1", Sender: testSelf.Participant(), Content: "x", CreatedAt: stamp.Add(time.Second)}
		deliver(tr, own)
		require.True(t, h.e.overlay.IsHidden("c1"))
	})

	t.Run("stale message keeps it hidden", func(t *testing.T) {
		deliver(tr, peerMsg("m-old", "c1", stamp.Add(-time.Second)))
		require.True(t, h.e.overlay.IsHidden("c1"))
	})

	t.Run("peer message unhides with server unread", func(t *testing.T) {
		h.convs.put(serverConv("c1", testOther, 1))
		deliver(tr, peerMsg("m-new", "c1", stamp.Add(time.Second)))

		c, ok := h.e.Conversation("c1")
		require.True(t, ok)
		require.Equal(t, 1, c.UnreadCount[testSelf.ID])
		require.Equal(t, []string{"m-new"}, msgIDs(h.e.Messages("c1")))

		_, cleared := h.e.overlay.ClearedAt("c1")
		require.True(t, cleared, "cleared stamp survives unhide")
	})
}

func TestEngineMarkAllAsRead(t *testing.T) {
	h := newHarness(t, nil, serverConv("c1", testOther, 2))
	h.msgs.history["c1"] = []*Message{
		peerMsg("m1", "c1", t0.Add(-2*time.Minute)),
		peerMsg("m2", "c1", t0.Add(-time.Minute)),
		{ID: "m3", ConversationID: "c1", Sender: testSelf.Participant(), Content: "mine", CreatedAt: t0},
	}
	h.load(t)
	_, err := h.e.OpenConversation(context.Background(), "c1")
	require.NoError(t, err)
	require.Equal(t, "c1", h.e.OpenConversationID())

	require.NoError(t, h.e.MarkAllAsRead(context.Background(), "c1"))
	require.Zero(t, h.unread(t, "c1", testSelf.ID))
	for _, m := range h.e.Messages("c1") {
		require.Equal(t, m.Sender == testOther, m.ReadByParticipant(testSelf.ID), m.ID)
	}

	before := h.count(TopicConversations) + h.count(TopicMessages)
	require.NoError(t, h.e.MarkAllAsRead(context.Background(), "c1"))
	require.Equal(t, before, h.count(TopicConversations)+h.count(TopicMessages), "second call changes nothing")
	require.EqualValues(t, 2, h.convs.markCalls.Load())

	t.Run("forbidden is swallowed", func(t *testing.T) {
		h := newHarness(t, nil, serverConv("c1", testOther, 3))
		h.convs.markErr = &APIError{Status: http.StatusForbidden, Code: "FORBIDDEN"}
		h.load(t)
		require.NoError(t, h.e.MarkAllAsRead(context.Background(), "c1"))
		require.Equal(t, 3, h.unread(t, "c1", testSelf.ID))
	})

	t.Run("other errors surface", func(t *testing.T) {
		h := newHarness(t, nil, serverConv("c1", testOther, 3))
		h.convs.markErr = &APIError{Status: http.StatusInternalServerError}
		h.load(t)
		require.Error(t, h.e.MarkAllAsRead(context.Background(), "c1"))
	})
}

func TestEngineMarkMessageRead(t *testing.T) {
	h := newHarness(t, nil, serverConv("c1", testOther, 0))
	tr := h.connect(t, KindPersonal)
	h.load(t)
	deliver(tr, peerMsg("m1", "c1", t0.Add(time.Second)))
	require.Equal(t, 1, h.unread(t, "c1", testSelf.ID))

	require.NoError(t, h.e.MarkMessageRead(context.Background(), "c1", "m1"))
	require.Zero(t, h.unread(t, "c1", testSelf.ID))
	require.Equal(t, []string{"c1:m1"}, tr.snapshot().reads)
	require.Equal(t, []string{"m1"}, h.msgs.reads)

	require.NoError(t, h.e.MarkMessageRead(context.Background(), "c1", "m1"))
	require.Zero(t, h.unread(t, "c1", testSelf.ID))
}

func TestEngineReadReceiptEvent(t *testing.T) {
	h := newHarness(t, nil, serverConv("c1", testOther, 0))
	tr := h.connect(t, KindPersonal)
	h.load(t)
	_, err := h.e.Send(context.Background(), "c1", "ping")
	require.NoError(t, err)
	deliver(tr, &Message{ID: "m1", ConversationID: "c1", Sender: testSelf.Participant(), Content: "ping", CreatedAt: t0})

	tr.handler(Event{Type: EventMessageRead, Read: &ReadPayload{ConversationID: "c1", MessageID: "m1", ParticipantID: testOther.ID}})
	msgs := h.e.Messages("c1")
	require.Len(t, msgs, 1)
	require.Equal(t, StatusRead, msgs[0].Status)
	require.True(t, msgs[0].ReadByParticipant(testOther.ID))
}

// ============================================================================
// Typing and presence
// ============================================================================

func TestEngineTyping(t *testing.T) {
	h := newHarness(t, &EngineOptions{TypingWindow: 30 * time.Millisecond}, serverConv("c1", testOther, 0))
	tr := h.connect(t, KindPersonal)
	h.load(t)

	t.Run("local typing stops by itself", func(t *testing.T) {
		require.NoError(t, h.e.StartTyping(context.Background(), "c1"))
		require.True(t, h.e.IsTyping("c1"))
		require.False(t, h.e.IsPeerTyping("c1"))
		require.Eventually(t, func() bool { return !h.e.IsTyping("c1") }, time.Second, 5*time.Millisecond)
		require.Eventually(t, func() bool { return len(tr.snapshot().typing) == 2 }, time.Second, 5*time.Millisecond)
		require.Equal(t, []typingEmit{{"c1", true}, {"c1", false}}, tr.snapshot().typing)
	})

	t.Run("peer typing cleared by their message", func(t *testing.T) {
		tr.handler(Event{Type: EventTyping, Typing: &TypingPayload{ConversationID: "c1", Participant: testOther, IsTyping: true}})
		require.True(t, h.e.IsPeerTyping("c1"))
		require.Equal(t, []Participant{testOther}, h.e.TypingParticipants("c1"))

		deliver(tr, peerMsg("m1", "c1", t0.Add(time.Second)))
		require.False(t, h.e.IsPeerTyping("c1"))
	})

	t.Run("own typing echo ignored", func(t *testing.T) {
		tr.handler(Event{Type: EventTyping, Typing: &TypingPayload{ConversationID: "c1", Participant: testSelf.Participant(), IsTyping: true}})
		require.False(t, h.e.IsPeerTyping("c1"))
	})

	t.Run("send stops typing", func(t *testing.T) {
		require.NoError(t, h.e.StartTyping(context.Background(), "c1"))
		_, err := h.e.Send(context.Background(), "c1", "done")
		require.NoError(t, err)
		require.False(t, h.e.IsTyping("c1"))
	})
}

func TestEnginePresence(t *testing.T) {
	h := newHarness(t, nil)
	tr := h.connect(t, KindPersonal)
	company := h.connect(t, KindCompany)

	seen := t0.Add(-time.Minute)
	tr.handler(Event{Type: EventPresence, Presence: &PresencePayload{Participant: testOther, Online: false, LastSeen: seen}})
	p, ok := h.e.Presence(testOther.ID)
	require.True(t, ok)
	require.Equal(t, Presence{Online: false, LastSeen: seen}, p)

	tr.handler(Event{Type: EventPeerJoined, Room: &RoomPayload{ConversationID: "c1", Participant: testOther}})
	p, _ = h.e.Presence(testOther.ID)
	require.True(t, p.Online)
	require.Equal(t, seen, p.LastSeen)
	require.Equal(t, 2, h.count(TopicPresence))

	require.NoError(t, h.e.SetPresence(context.Background(), "online"))
	require.Equal(t, []string{"online"}, tr.snapshot().presence)
	require.Equal(t, []string{"online"}, company.snapshot().presence)
}

func TestEngineChannelState(t *testing.T) {
	h := newHarness(t, nil)
	tr := h.connect(t, KindPersonal)
	tr.handler(Event{Type: EventReconnecting, Attempt: 1})
	tr.handler(Event{Type: EventConnected, Reconnect: true})
	require.Equal(t, 2, h.count(TopicChannelState))

	h.e.Disconnect(KindPersonal)
	require.False(t, h.e.Connected(KindPersonal))
}
