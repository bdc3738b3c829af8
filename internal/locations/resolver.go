package locations

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"example.com/hearth/services/arbiter/internal/platform"
)

// Resolver looks up the current room for a device or person from the
// automation platform's presence data, caching answers for a short TTL so
// arbitration never waits on the platform twice in one window.
type Resolver struct {
	client platform.Client
	ttl    time.Duration
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	room      string
	expiresAt time.Time
}

// NewResolver creates a location resolver
func NewResolver(client platform.Client, ttl time.Duration) *Resolver {
	return &Resolver{
		client:  client,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]cacheEntry),
	}
}

// Resolve returns the room an entity is currently in, or "" when unknown.
// Lookup failures resolve to "" as well: an unknown location contributes
// nothing to scoring, it never aborts arbitration.
func (r *Resolver) Resolve(ctx context.Context, entityID string) string {
	if entityID == "" {
		return ""
	}

	r.mu.Lock()
	entry, ok := r.entries[entityID]
	r.mu.Unlock()

	if ok && r.now().Before(entry.expiresAt) {
		return entry.room
	}

	room, err := r.client.EntityLocation(ctx, entityID)
	if err != nil {
		log.Warn().Err(err).Str("entity", entityID).Msg("Failed to resolve location")
		return ""
	}

	r.mu.Lock()
	r.entries[entityID] = cacheEntry{room: room, expiresAt: r.now().Add(r.ttl)}
	r.mu.Unlock()

	return room
}
