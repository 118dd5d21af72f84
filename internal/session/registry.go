// Package session keeps interactive sessions (wizards, chats) addressable by id
// and evicts the ones left idle.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/facebookgo/clock"
	"github.com/google/uuid"
)

// DefaultIdleTTL is how long an untouched session survives.
const DefaultIdleTTL = 30 * time.Minute

// Closer is implemented by every session kind.
type Closer interface {
	Close()
}

type entry[T Closer] struct {
	value    T
	lastSeen time.Time
}

// Registry maps generated ids to sessions.
type Registry[T Closer] struct {
	name  string
	clock clock.Clock
	ttl   time.Duration

	mu      sync.Mutex
	entries map[string]*entry[T]
}

// NewRegistry creates a registry. name only appears in logs.
func NewRegistry[T Closer](name string, clk clock.Clock, ttl time.Duration) *Registry[T] {
	if clk == nil {
		clk = clock.New()
	}
	if ttl <= 0 {
		ttl = DefaultIdleTTL
	}
	return &Registry[T]{
		name:    name,
		clock:   clk,
		ttl:     ttl,
		entries: make(map[string]*entry[T]),
	}
}

// NewID returns a fresh session id.
func NewID() string {
	return uuid.NewString()
}

// Put stores v under id.
func (r *Registry[T]) Put(id string, v T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[id] = &entry[T]{value: v, lastSeen: r.clock.Now()}
	slog.Debug("Registry.Put: session stored", "registry", r.name, "id", id, "count", len(r.entries))
}

// Get returns the session and marks it as used.
func (r *Registry[T]) Get(id string) (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		var zero T
		return zero, false
	}
	e.lastSeen = r.clock.Now()
	return e.value, true
}

// Remove closes and forgets the session. It reports whether it existed.
func (r *Registry[T]) Remove(id string) bool {
	r.mu.Lock()
	e, ok := r.entries[id]
	delete(r.entries, id)
	r.mu.Unlock()
	if !ok {
		return false
	}
	e.value.Close()
	slog.Debug("Registry.Remove: session removed", "registry", r.name, "id", id)
	return true
}

// Len returns the number of live sessions.
func (r *Registry[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// EvictIdle closes sessions not used within the TTL and returns how many went.
func (r *Registry[T]) EvictIdle() int {
	cutoff := r.clock.Now().Add(-r.ttl)
	var stale []T
	r.mu.Lock()
	for id, e := range r.entries {
		if e.lastSeen.Before(cutoff) {
			stale = append(stale, e.value)
			delete(r.entries, id)
		}
	}
	r.mu.Unlock()
	for _, v := range stale {
		v.Close()
	}
	if len(stale) > 0 {
		slog.Info("Registry.EvictIdle: evicted idle sessions", "registry", r.name, "count", len(stale))
	}
	return len(stale)
}

// Run evicts idle sessions every half TTL until ctx is done.
func (r *Registry[T]) Run(ctx context.Context) error {
	ticker := r.clock.Ticker(r.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.EvictIdle()
		}
	}
}

// CloseAll closes every session.
func (r *Registry[T]) CloseAll() {
	r.mu.Lock()
	all := make([]T, 0, len(r.entries))
	for _, e := range r.entries {
		all = append(all, e.value)
	}
	r.entries = make(map[string]*entry[T])
	r.mu.Unlock()
	for _, v := range all {
		v.Close()
	}
	slog.Debug("Registry.CloseAll: sessions closed", "registry", r.name, "count", len(all))
}
