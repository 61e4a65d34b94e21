package chatsync

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"go.etcd.io/bbolt"
)

var (
	bucketOverlay = []byte("overlay")
	keyHidden     = []byte("hidden")
	keyCleared    = []byte("cleared")
)

// ── Records ──────────────────────────────────────────────

type dbHidden struct {
	IDs []string `msgpack:"ids"`
}

func (h *dbHidden) MarshalBinary() ([]byte, error) {
	type alias dbHidden
	return msgpack.Marshal((*alias)(h))
}

func (h *dbHidden) UnmarshalBinary(data []byte) error {
	type alias dbHidden
	return msgpack.Unmarshal(data, (*alias)(h))
}

// dbCleared stores stamps as unix nanoseconds.
type dbCleared struct {
	Stamps map[string]int64 `msgpack:"stamps"`
}

func (c *dbCleared) MarshalBinary() ([]byte, error) {
	type alias dbCleared
	return msgpack.Marshal((*alias)(c))
}

func (c *dbCleared) UnmarshalBinary(data []byte) error {
	type alias dbCleared
	return msgpack.Unmarshal(data, (*alias)(c))
}

func encodeOverlay(state OverlayState) (hidden, cleared []byte, err error) {
	h := dbHidden{IDs: make([]string, 0, len(state.Hidden))}
	for id := range state.Hidden {
		h.IDs = append(h.IDs, id)
	}
	sort.Strings(h.IDs)

	c := dbCleared{Stamps: make(map[string]int64, len(state.Cleared))}
	for id, at := range state.Cleared {
		c.Stamps[id] = at.UnixNano()
	}

	if hidden, err = h.MarshalBinary(); err != nil {
		return nil, nil, err
	}
	if cleared, err = c.MarshalBinary(); err != nil {
		return nil, nil, err
	}
	return hidden, cleared, nil
}

// decodeOverlay treats a nil record as empty.
func decodeOverlay(hidden, cleared []byte) (OverlayState, error) {
	state := newOverlayState()
	if hidden != nil {
		var h dbHidden
		if err := h.UnmarshalBinary(hidden); err != nil {
			return state, fmt.Errorf("decode hidden: %w", err)
		}
		for _, id := range h.IDs {
			state.Hidden[id] = struct{}{}
		}
	}
	if cleared != nil {
		var c dbCleared
		if err := c.UnmarshalBinary(cleared); err != nil {
			return state, fmt.Errorf("decode cleared: %w", err)
		}
		for id, ns := range c.Stamps {
			state.Cleared[id] = time.Unix(0, ns).UTC()
		}
	}
	return state, nil
}

// ── Bolt port ────────────────────────────────────────────

// BoltOverlayPort persists the overlay in a bbolt file.
type BoltOverlayPort struct {
	db *bbolt.DB
}

var _ OverlayPort = (*BoltOverlayPort)(nil)

func NewBoltOverlayPort(path string) (*BoltOverlayPort, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketOverlay)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BoltOverlayPort{db: db}, nil
}

func (p *BoltOverlayPort) Close() error {
	return p.db.Close()
}

func (p *BoltOverlayPort) Load(context.Context) (OverlayState, error) {
	var hidden, cleared []byte
	err := p.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketOverlay)
		// Values are only valid inside the transaction.
		if v := b.Get(keyHidden); v != nil {
			hidden = append([]byte(nil), v...)
		}
		if v := b.Get(keyCleared); v != nil {
			cleared = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return OverlayState{}, err
	}
	return decodeOverlay(hidden, cleared)
}

func (p *BoltOverlayPort) Save(_ context.Context, state OverlayState) error {
	hidden, cleared, err := encodeOverlay(state)
	if err != nil {
		return err
	}
	return p.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketOverlay)
		if err := b.Put(keyHidden, hidden); err != nil {
			return err
		}
		return b.Put(keyCleared, cleared)
	})
}
