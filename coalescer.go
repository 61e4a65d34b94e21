package chatsync

import (
	"context"

	"golang.org/x/sync/singleflight"
)

// coalescer runs at most one call per key. Callers arriving while a call is
// in flight wait for it and share its result.
type coalescer[T any] struct {
	group singleflight.Group
}

func newCoalescer[T any]() *coalescer[T] {
	return &coalescer[T]{}
}

// Do runs fn for key unless a call for key is already in flight. shared is
// true when more than one caller received the result. A waiter whose ctx
// ends stops waiting; the call itself keeps running.
func (c *coalescer[T]) Do(ctx context.Context, key string, fn func() (T, error)) (val T, shared bool, err error) {
	ch := c.group.DoChan(key, func() (any, error) {
		return fn()
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return val, res.Shared, res.Err
		}
		val, _ = res.Val.(T)
		return val, res.Shared, nil
	case <-ctx.Done():
		return val, false, ctx.Err()
	}
}
