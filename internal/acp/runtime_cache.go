package acp

import (
	"sort"
	"sync"
	"time"

	"github.com/openclaw/openclaw/internal/acp/runtime"
)

// CachedRuntimeState is the in-memory record the cache holds per session.
// The manager exclusively owns handles; the cache only tracks them.
type CachedRuntimeState struct {
	Runtime                 runtime.AcpRuntime
	Handle                  runtime.AcpRuntimeHandle
	Backend                 string
	Agent                   string
	Mode                    runtime.AcpRuntimeSessionMode
	Cwd                     string
	LastTouchedAt           time.Time
	AppliedControlSignature string
}

// IdleCandidate is a cache entry eligible for idle eviction.
type IdleCandidate struct {
	SessionKey    string
	LastTouchedAt time.Time
}

// RuntimeCacheSnapshot reports runtime cache statistics for observability.
type RuntimeCacheSnapshot struct {
	ActiveSessions int
	IdleTTLMs      int64
	EvictedTotal   int
	LastEvictedAt  *int64
}

// RuntimeCache holds opened runtime handles keyed by normalized session key.
// Eviction decisions (idle candidate selection) live here; actually closing
// a runtime and removing its cache entry is the manager's job (§4.2).
type RuntimeCache struct {
	mu            sync.RWMutex
	entries       map[string]*CachedRuntimeState
	evictedTotal  int
	lastEvictedAt *time.Time
}

// NewRuntimeCache creates an empty runtime handle cache.
func NewRuntimeCache() *RuntimeCache {
	return &RuntimeCache{entries: make(map[string]*CachedRuntimeState)}
}

// Get returns the cached state for key, touching lastTouchedAt, or nil.
func (c *RuntimeCache) Get(key string) *CachedRuntimeState {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return nil
	}
	entry.LastTouchedAt = time.Now()
	return entry
}

// Peek returns the cached state for key without affecting idle accounting.
func (c *RuntimeCache) Peek(key string) *CachedRuntimeState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entries[key]
}

// Set stores state for key, stamping LastTouchedAt if unset.
func (c *RuntimeCache) Set(key string, state *CachedRuntimeState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if state.LastTouchedAt.IsZero() {
		state.LastTouchedAt = time.Now()
	}
	c.entries[key] = state
}

// Clear removes key from the cache. It does not close the runtime.
func (c *RuntimeCache) Clear(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Has reports whether key is cached.
func (c *RuntimeCache) Has(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.entries[key]
	return ok
}

// Size returns the number of cached handles.
func (c *RuntimeCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// IncrementEvicted records one eviction for observability.
func (c *RuntimeCache) IncrementEvicted() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evictedTotal++
	now := time.Now()
	c.lastEvictedAt = &now
}

// CollectIdleCandidates returns cache entries idle for at least maxIdle,
// ordered stably by ascending LastTouchedAt (stalest first).
func (c *RuntimeCache) CollectIdleCandidates(maxIdle time.Duration, now time.Time) []IdleCandidate {
	c.mu.RLock()
	defer c.mu.RUnlock()

	candidates := make([]IdleCandidate, 0)
	for key, entry := range c.entries {
		if now.Sub(entry.LastTouchedAt) >= maxIdle {
			candidates = append(candidates, IdleCandidate{SessionKey: key, LastTouchedAt: entry.LastTouchedAt})
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].LastTouchedAt.Before(candidates[j].LastTouchedAt)
	})
	return candidates
}

// GetSnapshot returns observability data about the cache.
func (c *RuntimeCache) GetSnapshot(idleTTL time.Duration) RuntimeCacheSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap := RuntimeCacheSnapshot{
		ActiveSessions: len(c.entries),
		IdleTTLMs:      idleTTL.Milliseconds(),
		EvictedTotal:   c.evictedTotal,
	}
	if c.lastEvictedAt != nil {
		ms := c.lastEvictedAt.UnixMilli()
		snap.LastEvictedAt = &ms
	}
	return snap
}
