package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/talentbridge/chatsync"
)

// newLogger writes human-readable logs to stderr.
func newLogger() zerolog.Logger {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(level).With().Timestamp().Logger()
}

func (c *Config) identity(kind chatsync.IdentityKind) ConfigIdentity {
	if kind == chatsync.KindCompany {
		return c.Company
	}
	return c.Personal
}

// session builds the principal's identities from the config.
func (c *Config) session() (chatsync.SessionContext, error) {
	var s chatsync.SessionContext
	if c.Personal.ID != "" {
		s.Personal = &chatsync.Identity{ID: c.Personal.ID, Kind: chatsync.KindPersonal}
	}
	if c.Company.ID != "" {
		s.Company = &chatsync.Identity{ID: c.Company.ID, Kind: chatsync.KindCompany}
	}
	if s.Personal == nil && s.Company == nil {
		return s, fmt.Errorf("no identity configured. Run 'chatsync identity set personal <id> <token>' first")
	}
	if c.Default.Active != "" {
		kind, err := chatsync.ParseIdentityKind(c.Default.Active)
		if err != nil {
			return s, err
		}
		if _, ok := s.Identity(kind); !ok {
			return s, fmt.Errorf("active identity %q is not configured", c.Default.Active)
		}
		s.Active = kind
	}
	return s, nil
}

func (c *Config) engineOptions(log zerolog.Logger) (*chatsync.EngineOptions, error) {
	opts := &chatsync.EngineOptions{PageSize: c.Sync.PageSize, Logger: log}
	var err error
	if c.Sync.TypingWindow != "" {
		if opts.TypingWindow, err = time.ParseDuration(c.Sync.TypingWindow); err != nil {
			return nil, fmt.Errorf("sync.typing_window: %w", err)
		}
	}
	if c.Sync.ReconcileWindow != "" {
		if opts.ReconcileWindow, err = time.ParseDuration(c.Sync.ReconcileWindow); err != nil {
			return nil, fmt.Errorf("sync.reconcile_window: %w", err)
		}
	}
	return opts, nil
}

// openOverlayPort opens the configured overlay backend. The returned closer
// is never nil.
func openOverlayPort(ctx context.Context, c *Config) (chatsync.OverlayPort, io.Closer, error) {
	switch c.Overlay.Backend {
	case "", "bbolt":
		path := c.Overlay.Path
		if path == "" {
			dir, err := configDir()
			if err != nil {
				return nil, nil, err
			}
			path = filepath.Join(dir, "overlay.db")
		}
		port, err := chatsync.NewBoltOverlayPort(path)
		if err != nil {
			return nil, nil, err
		}
		return port, port, nil
	case "redis":
		if c.Overlay.RedisURL == "" {
			return nil, nil, fmt.Errorf("overlay.redis_url is not set")
		}
		port, err := chatsync.DialRedisOverlayPort(ctx, c.Overlay.RedisURL, c.Overlay.Prefix)
		if err != nil {
			return nil, nil, err
		}
		return port, port, nil
	case "memory":
		return chatsync.NewMemoryOverlayPort(), io.NopCloser(nil), nil
	}
	return nil, nil, fmt.Errorf("unknown overlay backend %q (valid: bbolt, redis, memory)", c.Overlay.Backend)
}

// app bundles what a command needs to talk to the chat service.
type app struct {
	cfg     *Config
	log     zerolog.Logger
	client  *chatsync.Client
	engine  *chatsync.Engine
	overlay *chatsync.Overlay
	port    io.Closer
}

// newApp loads the config and wires an engine bound to the configured
// identities. Call close when done.
func newApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Default.BaseURL == "" {
		return nil, fmt.Errorf("no base URL. Run 'chatsync init <base-url>' first")
	}
	session, err := cfg.session()
	if err != nil {
		return nil, err
	}
	active, _ := session.ActiveIdentity()
	log := newLogger()

	client := chatsync.NewClient(cfg.identity(active.Kind).Token,
		chatsync.WithBaseURL(cfg.Default.BaseURL),
		chatsync.WithUserAgent("chatsync-cli"))

	port, closer, err := openOverlayPort(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open overlay: %w", err)
	}
	overlay, err := chatsync.LoadOverlay(ctx, port, log)
	if err != nil {
		_ = closer.Close()
		return nil, err
	}

	opts, err := cfg.engineOptions(log)
	if err != nil {
		_ = closer.Close()
		return nil, err
	}
	engine, err := chatsync.NewEngine(chatsync.Deps{
		Conversations: client.Conversations,
		Messages:      client.Messages,
		Resolver:      client.Profiles,
		Overlay:       overlay,
		Dialer: chatsync.WebSocketDialer(client.BaseURL(), &chatsync.RealtimeConfig{
			MaxReconnectAttempts: cfg.Sync.MaxReconnectAttempts,
			Logger:               log,
		}),
	}, opts)
	if err != nil {
		_ = closer.Close()
		return nil, err
	}
	engine.Bind(session)

	return &app{cfg: cfg, log: log, client: client, engine: engine, overlay: overlay, port: closer}, nil
}

func (a *app) close() {
	a.engine.Close()
	if err := a.port.Close(); err != nil {
		a.log.Warn().Err(err).Msg("overlay close failed")
	}
}

// connectAll opens the channel of every configured identity. Failures are
// logged and skipped.
func (a *app) connectAll(ctx context.Context) int {
	connected := 0
	for _, kind := range chatsync.Kinds {
		id := a.cfg.identity(kind)
		if id.ID == "" {
			continue
		}
		if err := a.engine.Connect(ctx, kind, id.Token); err != nil {
			a.log.Warn().Err(err).Stringer("kind", kind).Msg("channel not connected")
			continue
		}
		connected++
	}
	return connected
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func displayName(c *chatsync.Conversation) string {
	if c.OtherParticipant == nil {
		return "(unknown)"
	}
	if c.OtherParticipant.Name == "" {
		return c.OtherParticipant.ID
	}
	return c.OtherParticipant.Name
}
