package chatsync

import (
	"context"
	"errors"
	"fmt"
	"strings"

	redis "github.com/redis/go-redis/v9"
)

const DefaultRedisOverlayPrefix = "chatsync:overlay:"

// RedisOverlayPort persists the overlay as two msgpack values under prefix.
// Use a prefix per principal when several share one Redis.
type RedisOverlayPort struct {
	client *redis.Client
	prefix string
}

var _ OverlayPort = (*RedisOverlayPort)(nil)

func NewRedisOverlayPort(client *redis.Client, prefix string) *RedisOverlayPort {
	if prefix == "" {
		prefix = DefaultRedisOverlayPrefix
	}
	if !strings.HasSuffix(prefix, ":") {
		prefix += ":"
	}
	return &RedisOverlayPort{client: client, prefix: prefix}
}

// DialRedisOverlayPort connects to rawURL and verifies the server answers.
func DialRedisOverlayPort(ctx context.Context, rawURL, prefix string) (*RedisOverlayPort, error) {
	opt, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	c := redis.NewClient(opt)
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return NewRedisOverlayPort(c, prefix), nil
}

func (p *RedisOverlayPort) Close() error {
	return p.client.Close()
}

func (p *RedisOverlayPort) Load(ctx context.Context) (OverlayState, error) {
	hidden, err := p.get(ctx, string(keyHidden))
	if err != nil {
		return OverlayState{}, err
	}
	cleared, err := p.get(ctx, string(keyCleared))
	if err != nil {
		return OverlayState{}, err
	}
	return decodeOverlay(hidden, cleared)
}

func (p *RedisOverlayPort) Save(ctx context.Context, state OverlayState) error {
	hidden, cleared, err := encodeOverlay(state)
	if err != nil {
		return err
	}
	_, err = p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, p.prefix+string(keyHidden), hidden, 0)
		pipe.Set(ctx, p.prefix+string(keyCleared), cleared, 0)
		return nil
	})
	return err
}

func (p *RedisOverlayPort) get(ctx context.Context, key string) ([]byte, error) {
	b, err := p.client.Get(ctx, p.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis: get %s: %w", key, err)
	}
	return b, nil
}
