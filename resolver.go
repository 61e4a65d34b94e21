package chatsync

import (
	"context"
	"time"

	"github.com/c-pro/geche"
	"github.com/rs/zerolog"
)

// ParticipantResolver looks up display info for a participant. It returns
// nil, nil when the participant does not exist.
type ParticipantResolver interface {
	Resolve(ctx context.Context, participantID string, kind IdentityKind) (*ParticipantInfo, error)
}

// ResolverFunc adapts a function to ParticipantResolver.
type ResolverFunc func(ctx context.Context, participantID string, kind IdentityKind) (*ParticipantInfo, error)

func (f ResolverFunc) Resolve(ctx context.Context, participantID string, kind IdentityKind) (*ParticipantInfo, error) {
	return f(ctx, participantID, kind)
}

const (
	DefaultParticipantTTL = 10 * time.Minute
	participantCleanup    = time.Minute
)

// ParticipantCache memoizes resolver results. Misses and failures are not
// cached, so a later lookup retries the resolver. Only a resolver answering
// nil produces a deleted placeholder; a failed lookup is not proof that the
// account is gone.
type ParticipantCache struct {
	resolver ParticipantResolver
	cache    geche.Geche[string, ParticipantInfo]
	log      zerolog.Logger
}

// NewParticipantCache wraps resolver with a TTL cache. The cache's cleanup
// goroutine stops when ctx is cancelled.
func NewParticipantCache(ctx context.Context, resolver ParticipantResolver, ttl time.Duration, log zerolog.Logger) *ParticipantCache {
	if ttl <= 0 {
		ttl = DefaultParticipantTTL
	}
	return &ParticipantCache{
		resolver: resolver,
		cache:    geche.NewMapTTLCache[string, ParticipantInfo](ctx, ttl, participantCleanup),
		log:      log.With().Str("component", "resolver").Logger(),
	}
}

// Lookup returns display info for p. A participant the resolver does not know
// gets a deleted placeholder; a failed or impossible lookup gets an
// unavailable one.
func (pc *ParticipantCache) Lookup(ctx context.Context, p Participant) *ParticipantInfo {
	key := p.key()
	if info, err := pc.cache.Get(key); err == nil {
		return &info
	}
	if pc.resolver == nil {
		return UnavailablePlaceholder(p)
	}

	info, err := pc.resolver.Resolve(ctx, p.ID, p.Kind)
	if err != nil {
		pc.log.Warn().Err(err).Str("participant", key).Msg("participant lookup failed")
		return UnavailablePlaceholder(p)
	}
	if info == nil {
		return DeletedPlaceholder(p)
	}
	pc.cache.Set(key, *info)
	return info
}

// Forget drops a cached entry.
func (pc *ParticipantCache) Forget(p Participant) {
	_ = pc.cache.Del(p.key())
}
