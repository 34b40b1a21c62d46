// Package acp implements the ACP session control plane: a per-session
// actor-queue plus cached runtime-handle layer with admission control,
// idle eviction, identity reconciliation, and observability, fronting a
// pluggable runtime.AcpRuntime backend.
package acp

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/openclaw/openclaw/internal/acp/runtime"
	"github.com/openclaw/openclaw/internal/config"
)

// activeTurnState tracks an in-flight runTurn so cancelSession can abort it
// and closeSession can wait for the abort to land before tearing down the
// handle.
type activeTurnState struct {
	runtime         runtime.AcpRuntime
	handle          runtime.AcpRuntimeHandle
	abortController context.CancelFunc
	cancelDone      chan struct{}
	cancelErr       error
}

// turnLatencyStats aggregates completed-turn timing for observability.
type turnLatencyStats struct {
	mu        sync.RWMutex
	completed int
	failed    int
	totalMs   int64
	maxMs     int64
}

func (s *turnLatencyStats) recordCompletion(startedAt time.Time, err error) {
	durationMs := time.Since(startedAt).Milliseconds()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalMs += durationMs
	if durationMs > s.maxMs {
		s.maxMs = durationMs
	}
	if err != nil {
		s.failed++
	} else {
		s.completed++
	}
}

func (s *turnLatencyStats) snapshot() (completed, failed int, totalMs, maxMs int64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.completed, s.failed, s.totalMs, s.maxMs
}

// Manager orchestrates the ACP session lifecycle: ensure/run/cancel/close
// over the actor queue, runtime handle cache, and metadata store, enforcing
// admission control and identity reconciliation (§4.5).
type Manager struct {
	cfg          *config.Config
	actorQueue   *ActorQueue
	runtimeCache *RuntimeCache
	metaStore    MetadataStore

	mu                  sync.RWMutex
	activeTurnBySession map[string]*activeTurnState
	errorCountsByCode   map[string]int

	sessionLimitMu      sync.Mutex
	pendingSessionInits int

	turnStats *turnLatencyStats
}

// NewManager constructs a fresh, unshared manager instance. Tests should
// prefer this over the global singleton so state never leaks between runs.
func NewManager(cfg *config.Config, metaStore MetadataStore) *Manager {
	if metaStore == nil {
		metaStore = NewFileMetadataStore("")
	}
	return &Manager{
		cfg:                 cfg,
		actorQueue:          NewActorQueue(),
		runtimeCache:        NewRuntimeCache(),
		metaStore:           metaStore,
		activeTurnBySession: make(map[string]*activeTurnState),
		errorCountsByCode:   make(map[string]int),
		turnStats:           &turnLatencyStats{},
	}
}

// SessionResolutionKind is the outcome of ResolveSession.
type SessionResolutionKind string

const (
	ResolutionNone  SessionResolutionKind = "none"
	ResolutionStale SessionResolutionKind = "stale"
	ResolutionReady SessionResolutionKind = "ready"
)

// SessionResolution is the result of resolving a session key against
// persisted metadata and the runtime cache.
type SessionResolution struct {
	Kind SessionResolutionKind
	Meta *SessionAcpMeta
}

// AcpSessionStatus is the externally visible status of an ACP session.
type AcpSessionStatus struct {
	SessionKey     string
	Backend        string
	Agent          string
	Identity       *SessionIdentity
	State          string
	Mode           runtime.AcpRuntimeSessionMode
	RuntimeOptions map[string]any
	Capabilities   runtime.AcpRuntimeCapabilities
	RuntimeStatus  *runtime.AcpRuntimeStatus
	LastActivityAt int64
	LastError      string
}

// ManagerObservabilitySnapshot is returned by GetObservabilitySnapshot.
type ManagerObservabilitySnapshot struct {
	RuntimeCache RuntimeCacheSnapshot
	Turns        TurnsSnapshot
	ErrorsByCode map[string]int
}

// TurnsSnapshot reports turn execution statistics.
type TurnsSnapshot struct {
	Active           int
	QueueDepth       int
	Completed        int
	Failed           int
	AverageLatencyMs int64
	MaxLatencyMs     int64
}

func isAcpShaped(sessionKey string) bool {
	return len(sessionKey) > 0 && hasAcpPrefix(sessionKey)
}

func hasAcpPrefix(sessionKey string) bool {
	// "agent:<agentId>:acp:" — checked structurally rather than importing
	// the sessions package, to avoid a dependency cycle with callers that
	// build session keys from channel context.
	const marker = ":acp:"
	for i := 0; i+len(marker) <= len(sessionKey); i++ {
		if sessionKey[i:i+len(marker)] == marker {
			return true
		}
	}
	return false
}

// ResolveSession determines whether sessionKey has a live ACP session:
// none (never seen), stale (ACP-shaped key with no metadata), or ready.
func (m *Manager) ResolveSession(sessionKey string) (SessionResolution, error) {
	if sessionKey == "" {
		return SessionResolution{Kind: ResolutionNone}, nil
	}

	meta, err := m.metaStore.Read(sessionKey)
	if err != nil {
		return SessionResolution{}, err
	}
	if meta == nil {
		if isAcpShaped(sessionKey) {
			return SessionResolution{Kind: ResolutionStale}, nil
		}
		return SessionResolution{Kind: ResolutionNone}, nil
	}
	return SessionResolution{Kind: ResolutionReady, Meta: meta}, nil
}

// GetObservabilitySnapshot reports runtime cache, turn, and error metrics.
func (m *Manager) GetObservabilitySnapshot() ManagerObservabilitySnapshot {
	completed, failed, totalMs, maxMs := m.turnStats.snapshot()
	avg := int64(0)
	if total := completed + failed; total > 0 {
		avg = totalMs / int64(total)
	}

	m.mu.RLock()
	active := len(m.activeTurnBySession)
	m.mu.RUnlock()

	return ManagerObservabilitySnapshot{
		RuntimeCache: m.runtimeCache.GetSnapshot(m.idleTTL()),
		Turns: TurnsSnapshot{
			Active:           active,
			QueueDepth:       m.actorQueue.TotalPendingCount(),
			Completed:        completed,
			Failed:           failed,
			AverageLatencyMs: avg,
			MaxLatencyMs:     maxMs,
		},
		ErrorsByCode: m.errorCounts(),
	}
}

func (m *Manager) errorCounts() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]int, len(m.errorCountsByCode))
	for k, v := range m.errorCountsByCode {
		out[k] = v
	}
	return out
}

func (m *Manager) recordError(code string) {
	if code == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errorCountsByCode[code]++
}

func (m *Manager) idleTTL() time.Duration {
	ttlMinutes := m.cfg.ACP.Runtime.TTLMinutes
	if ttlMinutes <= 0 {
		ttlMinutes = 30
	}
	return time.Duration(ttlMinutes * float64(time.Minute))
}

// evictIdleRuntimeHandles closes and uncaches handles idle past the
// configured TTL. Called at the start of InitializeSession and
// RunTrackedTurn; the other Manager operations do not evict.
func (m *Manager) evictIdleRuntimeHandles(ctx context.Context) int {
	ttl := m.idleTTL()
	if m.runtimeCache.Size() == 0 {
		return 0
	}

	candidates := m.runtimeCache.CollectIdleCandidates(ttl, time.Now())

	var evicted int
	var mu sync.Mutex
	var g errgroup.Group
	for _, candidate := range candidates {
		candidate := candidate
		m.mu.RLock()
		_, hasActiveTurn := m.activeTurnBySession[candidate.SessionKey]
		m.mu.RUnlock()
		if hasActiveTurn {
			continue
		}

		g.Go(func() error {
			return m.actorQueue.Run(candidate.SessionKey, func() error {
				cached := m.runtimeCache.Peek(candidate.SessionKey)
				if cached == nil {
					return nil
				}
				if time.Since(cached.LastTouchedAt) < ttl {
					return nil
				}

				m.runtimeCache.Clear(candidate.SessionKey)

				closeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
				defer cancel()
				if err := cached.Runtime.Close(closeCtx, cached.Handle, "idle-evicted"); err != nil {
					slog.Warn("acp: idle-evicted runtime close failed", "session_key", candidate.SessionKey, "error", err)
				}
				m.runtimeCache.IncrementEvicted()
				mu.Lock()
				evicted++
				mu.Unlock()
				return nil
			})
		})
	}
	_ = g.Wait()

	return evicted
}

// acquireSessionInitSlot enforces admission control (§4.5.1): reject a new
// handle when cacheSize+pendingInits >= maxConcurrentSessions.
func (m *Manager) acquireSessionInitSlot() (func(), error) {
	maxSessions := m.cfg.ACP.MaxConcurrentSessions
	if maxSessions <= 0 {
		return func() {}, nil
	}

	m.sessionLimitMu.Lock()
	defer m.sessionLimitMu.Unlock()

	active := m.runtimeCache.Size() + m.pendingSessionInits
	if active >= maxSessions {
		return nil, runtime.NewSessionLimitError(active, maxSessions)
	}

	m.pendingSessionInits++
	released := false
	return func() {
		m.sessionLimitMu.Lock()
		defer m.sessionLimitMu.Unlock()
		if released {
			return
		}
		released = true
		if m.pendingSessionInits > 0 {
			m.pendingSessionInits--
		}
	}, nil
}

func validateCwd(cwd string) error {
	if cwd == "" {
		return nil
	}
	if !filepath.IsAbs(cwd) {
		return runtime.NewInvalidRuntimeOptionError(fmt.Sprintf("cwd must be an absolute path, got %q", cwd))
	}
	return nil
}

func nowMs() int64 { return time.Now().UnixMilli() }
