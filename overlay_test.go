package chatsync

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestOverlay(t *testing.T) {
	ctx := context.Background()
	port := NewMemoryOverlayPort()
	o, err := LoadOverlay(ctx, port, zerolog.Nop())
	require.NoError(t, err)

	t.Run("hide stamps cleared and persists", func(t *testing.T) {
		require.NoError(t, o.Hide(ctx, "c1", t0))
		require.True(t, o.IsHidden("c1"))
		at, ok := o.ClearedAt("c1")
		require.True(t, ok)
		require.Equal(t, t0, at)
		require.Equal(t, 1, port.Saves())
	})

	t.Run("cleared filter", func(t *testing.T) {
		require.False(t, o.Visible(&Message{ConversationID: "c1", CreatedAt: t0}))
		require.False(t, o.Visible(&Message{ConversationID: "c1", CreatedAt: t0.Add(-time.Second)}))
		require.True(t, o.Visible(&Message{ConversationID: "c1", CreatedAt: t0.Add(time.Millisecond)}))
		require.True(t, o.Visible(&Message{ConversationID: "other", CreatedAt: t0}))
	})

	t.Run("unhide keeps cleared", func(t *testing.T) {
		was, err := o.Unhide(ctx, "c1")
		require.NoError(t, err)
		require.True(t, was)
		require.False(t, o.IsHidden("c1"))
		_, ok := o.ClearedAt("c1")
		require.True(t, ok)

		was, err = o.Unhide(ctx, "c1")
		require.NoError(t, err)
		require.False(t, was)
		require.Equal(t, 2, port.Saves(), "no save for a no-op unhide")
	})

	t.Run("forget drops everything", func(t *testing.T) {
		require.NoError(t, o.Forget(ctx, "c1"))
		_, ok := o.ClearedAt("c1")
		require.False(t, ok)
	})

	t.Run("reload from port", func(t *testing.T) {
		require.NoError(t, o.Hide(ctx, "c2", t0))
		again, err := LoadOverlay(ctx, port, zerolog.Nop())
		require.NoError(t, err)
		require.True(t, again.IsHidden("c2"))
	})
}

// flakyPort fails every Save while fail is set.
type flakyPort struct {
	*MemoryOverlayPort
	fail error
}

func (p *flakyPort) Save(ctx context.Context, s OverlayState) error {
	if p.fail != nil {
		return p.fail
	}
	return p.MemoryOverlayPort.Save(ctx, s)
}

func TestOverlaySaveFailureKeepsState(t *testing.T) {
	ctx := context.Background()
	port := &flakyPort{MemoryOverlayPort: NewMemoryOverlayPort()}
	o, err := LoadOverlay(ctx, port, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, o.Hide(ctx, "kept", t0))

	port.fail = errors.New("disk full")

	require.ErrorIs(t, o.Hide(ctx, "c1", t0), port.fail)
	require.False(t, o.IsHidden("c1"))
	_, ok := o.ClearedAt("c1")
	require.False(t, ok)

	was, err := o.Unhide(ctx, "kept")
	require.ErrorIs(t, err, port.fail)
	require.False(t, was)
	require.True(t, o.IsHidden("kept"))

	require.ErrorIs(t, o.Forget(ctx, "kept"), port.fail)
	_, ok = o.ClearedAt("kept")
	require.True(t, ok)

	saved, err := port.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, o.State(), saved)
}

// exerciseOverlayPort checks a port keeps both records across a save and a
// fresh load.
func exerciseOverlayPort(t *testing.T, open func() OverlayPort) {
	t.Helper()
	ctx := context.Background()

	empty, err := open().Load(ctx)
	require.NoError(t, err)
	require.Empty(t, empty.Hidden)
	require.Empty(t, empty.Cleared)

	state := newOverlayState()
	state.Hidden["a"] = struct{}{}
	state.Hidden["b"] = struct{}{}
	state.Cleared["a"] = t0
	state.Cleared["z"] = t0.Add(time.Hour)
	require.NoError(t, open().Save(ctx, state))

	got, err := open().Load(ctx)
	require.NoError(t, err)
	require.Equal(t, state.Hidden, got.Hidden)
	require.Len(t, got.Cleared, 2)
	require.True(t, got.Cleared["a"].Equal(t0))
	require.True(t, got.Cleared["z"].Equal(t0.Add(time.Hour)))

	delete(state.Hidden, "b")
	require.NoError(t, open().Save(ctx, state))
	got, err = open().Load(ctx)
	require.NoError(t, err)
	require.Len(t, got.Hidden, 1)
}

func TestBoltOverlayPort(t *testing.T) {
	path := filepath.Join(t.TempDir(), "overlay.db")
	exerciseOverlayPort(t, func() OverlayPort {
		port, err := NewBoltOverlayPort(path)
		require.NoError(t, err)
		t.Cleanup(func() { _ = port.Close() })
		return &closingPort{port}
	})
}

// closingPort closes the bolt file after each call so the next open sees
// only what reached disk.
type closingPort struct{ *BoltOverlayPort }

func (p *closingPort) Load(ctx context.Context) (OverlayState, error) {
	defer p.Close()
	return p.BoltOverlayPort.Load(ctx)
}

func (p *closingPort) Save(ctx context.Context, s OverlayState) error {
	defer p.Close()
	return p.BoltOverlayPort.Save(ctx, s)
}

func TestRedisOverlayPort(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	exerciseOverlayPort(t, func() OverlayPort {
		return NewRedisOverlayPort(client, "test")
	})
	require.True(t, mr.Exists("test:hidden"))
	require.True(t, mr.Exists("test:cleared"))

	other, err := NewRedisOverlayPort(client, "someone-else").Load(context.Background())
	require.NoError(t, err)
	require.Empty(t, other.Hidden)
}

func TestDialRedisOverlayPort(t *testing.T) {
	mr := miniredis.RunT(t)
	port, err := DialRedisOverlayPort(context.Background(), "redis://"+mr.Addr(), "")
	require.NoError(t, err)
	defer port.Close()
	require.Equal(t, DefaultRedisOverlayPrefix, port.prefix)

	_, err = DialRedisOverlayPort(context.Background(), "not a url", "")
	require.Error(t, err)
}
