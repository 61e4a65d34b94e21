package chatsync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// OverlayState is the locally persisted view layered over server state.
// Hidden ids are soft-deleted conversations; Cleared stamps hide history at
// or before the given instant.
type OverlayState struct {
	Hidden  map[string]struct{}
	Cleared map[string]time.Time
}

func newOverlayState() OverlayState {
	return OverlayState{
		Hidden:  make(map[string]struct{}),
		Cleared: make(map[string]time.Time),
	}
}

func (s OverlayState) clone() OverlayState {
	c := newOverlayState()
	for id := range s.Hidden {
		c.Hidden[id] = struct{}{}
	}
	for id, at := range s.Cleared {
		c.Cleared[id] = at
	}
	return c
}

// OverlayPort loads and saves the overlay. Save always receives the full
// state.
type OverlayPort interface {
	Load(ctx context.Context) (OverlayState, error)
	Save(ctx context.Context, state OverlayState) error
}

// Overlay is the in-memory hidden/cleared state, written through to its
// port on every mutation. A mutation the port fails to save leaves the
// in-memory state unchanged.
type Overlay struct {
	port OverlayPort
	log  zerolog.Logger

	mu    sync.Mutex
	state OverlayState
}

// LoadOverlay reads the persisted state from port.
func LoadOverlay(ctx context.Context, port OverlayPort, log zerolog.Logger) (*Overlay, error) {
	if port == nil {
		port = NewMemoryOverlayPort()
	}
	state, err := port.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load overlay: %w", err)
	}
	if state.Hidden == nil {
		state.Hidden = make(map[string]struct{})
	}
	if state.Cleared == nil {
		state.Cleared = make(map[string]time.Time)
	}
	return &Overlay{
		port:  port,
		log:   log.With().Str("component", "overlay").Logger(),
		state: state,
	}, nil
}

// Hide adds id to the hidden set and stamps its cleared time.
func (o *Overlay) Hide(ctx context.Context, id string, at time.Time) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	next := o.state.clone()
	next.Hidden[id] = struct{}{}
	next.Cleared[id] = at
	return o.commit(ctx, next)
}

// Unhide removes id from the hidden set. The cleared stamp is kept. It
// reports whether id was hidden.
func (o *Overlay) Unhide(ctx context.Context, id string) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.state.Hidden[id]; !ok {
		return false, nil
	}
	next := o.state.clone()
	delete(next.Hidden, id)
	if err := o.commit(ctx, next); err != nil {
		return false, err
	}
	return true, nil
}

// Forget drops every overlay entry for id.
func (o *Overlay) Forget(ctx context.Context, id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, hidden := o.state.Hidden[id]
	_, cleared := o.state.Cleared[id]
	if !hidden && !cleared {
		return nil
	}
	next := o.state.clone()
	delete(next.Hidden, id)
	delete(next.Cleared, id)
	return o.commit(ctx, next)
}

func (o *Overlay) IsHidden(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.state.Hidden[id]
	return ok
}

// ClearedAt returns the cleared stamp for id.
func (o *Overlay) ClearedAt(id string) (time.Time, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	at, ok := o.state.Cleared[id]
	return at, ok
}

// Visible reports whether msg survives the cleared filter of its
// conversation.
func (o *Overlay) Visible(msg *Message) bool {
	at, ok := o.ClearedAt(msg.ConversationID)
	return !ok || msg.CreatedAt.After(at)
}

// State returns a copy of the current state.
func (o *Overlay) State() OverlayState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state.clone()
}

// commit saves next and installs it. Callers hold o.mu.
func (o *Overlay) commit(ctx context.Context, next OverlayState) error {
	if err := o.port.Save(ctx, next.clone()); err != nil {
		o.log.Error().Err(err).Msg("overlay save failed")
		return fmt.Errorf("save overlay: %w", err)
	}
	o.state = next
	return nil
}

// ── Memory port ──────────────────────────────────────────

// MemoryOverlayPort keeps the overlay in process memory.
type MemoryOverlayPort struct {
	mu    sync.Mutex
	state OverlayState
	saves int
}

func NewMemoryOverlayPort() *MemoryOverlayPort {
	return &MemoryOverlayPort{state: newOverlayState()}
}

func (p *MemoryOverlayPort) Load(context.Context) (OverlayState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state.clone(), nil
}

func (p *MemoryOverlayPort) Save(_ context.Context, state OverlayState) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = state.clone()
	p.saves++
	return nil
}

// Saves returns how many times Save was called.
func (p *MemoryOverlayPort) Saves() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.saves
}
