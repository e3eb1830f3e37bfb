package backend

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"strconv"
	"time"
)

var (
	// ErrNoBackend is the internal-mode sentinel: callers must route to
	// the internal message bus instead.
	ErrNoBackend = errors.New("no signaling backend configured")

	// ErrNoBackendsConfigured means an external mode was requested with an
	// empty backend list. This is a configuration error, not a per-call
	// condition.
	ErrNoBackendsConfigured = errors.New("signaling backend list is empty")
)

// Room is the narrow view of a chat room this package needs. The durable
// assigned index is authoritative; -1 means not yet assigned.
type Room interface {
	Token() string
	Name() string
	RoomType() int
	LobbyState() int
	LobbyTimer() int64
	ReadOnly() int
	ActiveSince() int64
	AssignedBackendIndex() int
	SetAssignedBackendIndex(ctx context.Context, index int) error
}

// Cache is a shared, TTL-bounded, best-effort cache. Set failures are
// swallowed by implementations; Get reports a miss instead of an error.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool)
	Set(ctx context.Context, key, value string, ttl time.Duration)
}

// Router resolves which backend owns a room.
type Router struct {
	registry *Registry
	cache    Cache
	cacheTTL time.Duration

	// pick returns a random index in [0, n). Swappable for tests.
	pick func(n int) int
}

func NewRouter(registry *Registry, cache Cache, cacheTTL time.Duration) *Router {
	return &Router{
		registry: registry,
		cache:    cache,
		cacheTTL: cacheTTL,
		pick:     rand.Intn,
	}
}

// Resolve picks the backend for a room according to the configured mode.
// Internal mode returns ErrNoBackend. Random mode picks uniformly per call.
// Cluster mode returns a sticky assignment: durable room field first, then
// the shared cache, then a fresh random pick written to both.
func (rt *Router) Resolve(ctx context.Context, room Room) (Backend, error) {
	backends := rt.registry.List()

	switch rt.registry.Mode() {
	case ModeInternal:
		return Backend{}, ErrNoBackend
	case ModeExternalRandom:
		if len(backends) == 0 {
			return Backend{}, ErrNoBackendsConfigured
		}
		idx := rt.pick(len(backends))
		if idx < 0 || idx >= len(backends) {
			idx = 0
		}
		return backends[idx], nil
	}

	// Sticky cluster mode.
	if len(backends) == 0 {
		return Backend{}, ErrNoBackendsConfigured
	}
	if room == nil {
		return Backend{}, fmt.Errorf("cluster mode requires a room")
	}

	// 1. Durable assignment on the room wins. An index pointing past the
	// current list means the backend was removed from configuration, so
	// the assignment is stale.
	if idx := room.AssignedBackendIndex(); idx >= 0 && idx < len(backends) {
		return backends[idx], nil
	}

	key := assignmentKey(room.Token())

	// 2. Shared cache. On a hit, opportunistically persist onto the room;
	// a concurrent writer doing the same is harmless.
	if value, ok := rt.cache.Get(ctx, key); ok {
		if idx, err := strconv.Atoi(value); err == nil && idx >= 0 && idx < len(backends) {
			if err := room.SetAssignedBackendIndex(ctx, idx); err != nil {
				log.Printf("Failed to persist backend %d for room %s: %v", idx, room.Token(), err)
			}
			return backends[idx], nil
		}
	}

	// 3. Fresh pick, written to both locations. Concurrent first
	// assignments may race; either answer is acceptable and the durable
	// value wins once it exists.
	idx := rt.pick(len(backends))
	if idx < 0 || idx >= len(backends) {
		idx = 0
	}
	rt.cache.Set(ctx, key, strconv.Itoa(idx), rt.cacheTTL)
	if err := room.SetAssignedBackendIndex(ctx, idx); err != nil {
		log.Printf("Failed to persist backend %d for room %s: %v", idx, room.Token(), err)
	}
	return backends[idx], nil
}

func assignmentKey(token string) string {
	return "signaling:assignment:" + token
}
