package acp

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/openclaw/openclaw/internal/acp/runtime"
	"github.com/openclaw/openclaw/internal/tracing"
)

// endSpan records err (if any) onto span and ends it. A nil err marks the
// span Ok; a non-nil err marks it Error and attaches the message.
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// InitializeSessionInput is the input to InitializeSession.
type InitializeSessionInput struct {
	SessionKey     string
	Backend        string
	Agent          string
	Mode           runtime.AcpRuntimeSessionMode
	Cwd            string
	RuntimeOptions map[string]any
}

// InitializeSessionResult is the result of InitializeSession.
type InitializeSessionResult struct {
	Meta    *SessionAcpMeta
	Handle  runtime.AcpRuntimeHandle
	Created bool
}

func (m *Manager) agentAllowed(agent string) bool {
	allowed := m.cfg.ACP.AllowedAgents
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if a == agent {
			return true
		}
	}
	return false
}

// AgentAllowed reports whether agent is permitted to run under the
// configured allowedAgents allowlist (empty allowlist permits everything).
// Exported so the inbound dispatch routing decision can check it without
// duplicating InitializeSession's membership rule (§4.10 step 5).
func (m *Manager) AgentAllowed(agent string) bool {
	return m.agentAllowed(agent)
}

// InitializeSession ensures a runtime handle exists for input.SessionKey,
// reusing a cached one if present (§4.5, ensureSession).
func (m *Manager) InitializeSession(ctx context.Context, input InitializeSessionInput) (*InitializeSessionResult, error) {
	if input.SessionKey == "" {
		return nil, runtime.NewSessionInitError("session key is required", nil)
	}
	if err := validateCwd(input.Cwd); err != nil {
		return nil, err
	}
	if !m.agentAllowed(input.Agent) {
		return nil, runtime.NewSessionInitError(fmt.Sprintf("agent %q is not in allowedAgents", input.Agent), nil)
	}

	m.evictIdleRuntimeHandles(ctx)

	backendID := input.Backend
	if backendID == "" {
		backendID = m.cfg.ACP.Backend
	}
	if backendID == "" {
		backendID = "acp-go-sdk"
	}
	mode := input.Mode
	if mode == "" {
		mode = runtime.AcpSessionModePersistent
	}

	var result *InitializeSessionResult
	err := m.actorQueue.Run(input.SessionKey, func() error {
		if cached := m.runtimeCache.Get(input.SessionKey); cached != nil {
			if cached.Backend == backendID && cached.Agent == input.Agent && cached.Mode == mode && cached.Cwd == input.Cwd {
				meta, readErr := m.metaStore.Read(input.SessionKey)
				if readErr != nil {
					return readErr
				}
				result = &InitializeSessionResult{Meta: meta, Handle: cached.Handle, Created: false}
				return nil
			}
			// (backend, agent, mode, cwd) changed since the handle was cached —
			// the cache entry is stale and must be cleared and re-ensured
			// rather than reused (§4.5 step 3, invariant I4: a cwd change
			// invalidates the cached handle).
			m.runtimeCache.Clear(input.SessionKey)
		}

		release, slotErr := m.acquireSessionInitSlot()
		if slotErr != nil {
			return slotErr
		}
		defer release()

		backend, backendErr := runtime.RequireAcpRuntimeBackend(backendID)
		if backendErr != nil {
			return backendErr
		}

		ctx, span := tracing.Tracer().Start(ctx, "acp.ensureSession")
		span.SetAttributes(
			attribute.String("acp.session_key", input.SessionKey),
			attribute.String("acp.backend", backendID),
			attribute.String("acp.agent", input.Agent),
		)
		handle, ensureErr := backend.Runtime.EnsureSession(ctx, runtime.AcpRuntimeEnsureInput{
			SessionKey: input.SessionKey,
			Agent:      input.Agent,
			Mode:       mode,
			Cwd:        input.Cwd,
		})
		endSpan(span, ensureErr)
		if ensureErr != nil {
			return runtime.NewSessionInitError("ensureSession failed", ensureErr)
		}

		signature := ""
		if len(input.RuntimeOptions) > 0 {
			signature = computeControlSignature(input.RuntimeOptions)
			if applyErr := m.applyRuntimeOptions(ctx, backend.Runtime, handle, input.RuntimeOptions); applyErr != nil {
				slog.Warn("acp: failed to apply initial runtime options", "session_key", input.SessionKey, "error", applyErr)
				signature = ""
			}
		}

		m.runtimeCache.Set(input.SessionKey, &CachedRuntimeState{
			Runtime:                 backend.Runtime,
			Handle:                  handle,
			Backend:                 backendID,
			Agent:                   input.Agent,
			Mode:                    mode,
			Cwd:                     input.Cwd,
			AppliedControlSignature: signature,
		})

		now := nowMs()
		meta, upsertErr := m.metaStore.Upsert(input.SessionKey, func(current *SessionAcpMeta) *SessionAcpMeta {
			next := current
			if next == nil {
				next = &SessionAcpMeta{SessionKey: input.SessionKey}
			}
			next.Backend = backendID
			next.Agent = input.Agent
			next.RuntimeSessionName = handle.RuntimeSessionName
			next.Mode = mode
			next.Cwd = input.Cwd
			next.RuntimeOptions = input.RuntimeOptions
			next.State = "idle"
			next.LastActivityAt = now
			next.LastError = ""
			next.Identity = mergeIdentity(next.Identity, &SessionIdentity{
				State:          "pending",
				Source:         "ensure",
				AcpxSessionID:  handle.BackendSessionID,
				AgentSessionID: handle.AgentSessionID,
				LastUpdatedAt:  now,
			})
			return next
		})
		if upsertErr != nil {
			return upsertErr
		}

		result = &InitializeSessionResult{Meta: meta, Handle: handle, Created: true}
		return nil
	})
	if err != nil {
		m.recordError(runtime.GetAcpErrorCode(err))
		return nil, err
	}
	return result, nil
}

// reapplyControlsIfChanged recomputes meta's persisted runtimeOptions
// signature and, if it differs from the cached handle's last-applied one,
// reapplies every option through setConfigOption — rejecting any key the
// backend doesn't advertise — then records the new signature (§4.5.3, P7).
func (m *Manager) reapplyControlsIfChanged(ctx context.Context, sessionKey string, cached *CachedRuntimeState, meta *SessionAcpMeta) error {
	signature := computeControlSignature(meta.RuntimeOptions)
	if signature == cached.AppliedControlSignature {
		return nil
	}
	if len(meta.RuntimeOptions) == 0 {
		cached.AppliedControlSignature = signature
		return nil
	}

	caps, capsErr := cached.Runtime.GetCapabilities(ctx, &cached.Handle)
	if capsErr == nil {
		for key := range meta.RuntimeOptions {
			if !containsControl(caps.ConfigOptionKeys, key) {
				return runtime.NewUnsupportedControlError(cached.Backend, key)
			}
		}
	}
	if err := m.applyRuntimeOptions(ctx, cached.Runtime, cached.Handle, meta.RuntimeOptions); err != nil {
		return err
	}
	cached.AppliedControlSignature = signature
	return nil
}

func (m *Manager) applyRuntimeOptions(ctx context.Context, rt runtime.AcpRuntime, handle runtime.AcpRuntimeHandle, options map[string]any) error {
	for key, value := range options {
		if err := rt.SetConfigOption(ctx, handle, key, fmt.Sprintf("%v", value)); err != nil {
			return err
		}
	}
	return nil
}

// GetSessionStatus reports the live status of a session, best-effort
// refreshing identity from the backend's GetStatus.
func (m *Manager) GetSessionStatus(ctx context.Context, sessionKey string) (*AcpSessionStatus, error) {
	meta, err := m.metaStore.Read(sessionKey)
	if err != nil {
		return nil, err
	}
	if meta == nil {
		return nil, nil
	}

	status := &AcpSessionStatus{
		SessionKey:     sessionKey,
		Backend:        meta.Backend,
		Agent:          meta.Agent,
		Identity:       meta.Identity,
		State:          meta.State,
		Mode:           meta.Mode,
		RuntimeOptions: meta.RuntimeOptions,
		LastActivityAt: meta.LastActivityAt,
		LastError:      meta.LastError,
	}

	cached := m.runtimeCache.Peek(sessionKey)
	if cached == nil {
		return status, nil
	}

	caps, capsErr := cached.Runtime.GetCapabilities(ctx, &cached.Handle)
	if capsErr == nil {
		status.Capabilities = caps
	}

	rtStatus, statusErr := cached.Runtime.GetStatus(ctx, cached.Handle)
	if statusErr != nil || rtStatus == nil {
		return status, nil
	}
	status.RuntimeStatus = rtStatus

	if rtStatus.BackendSessionID != "" || rtStatus.AgentSessionID != "" {
		now := nowMs()
		updated, upsertErr := m.metaStore.Upsert(sessionKey, func(current *SessionAcpMeta) *SessionAcpMeta {
			if current == nil {
				return nil
			}
			current.Identity = mergeIdentity(current.Identity, &SessionIdentity{
				State:          "resolved",
				Source:         "status",
				AcpxSessionID:  rtStatus.BackendSessionID,
				AgentSessionID: rtStatus.AgentSessionID,
				AcpxRecordID:   rtStatus.AcpxRecordID,
				LastUpdatedAt:  now,
			})
			return current
		})
		if upsertErr == nil && updated != nil {
			status.Identity = updated.Identity
		}
	}

	return status, nil
}

// SetSessionRuntimeMode applies a runtime control-mode change (§4.5.3)
// through the backend's SetMode and persists it as the session's mode.
// SetMode is called on every invocation; no control signature is consulted.
func (m *Manager) SetSessionRuntimeMode(ctx context.Context, sessionKey, mode string) error {
	return m.actorQueue.Run(sessionKey, func() error {
		cached := m.runtimeCache.Peek(sessionKey)
		if cached == nil {
			return runtime.NewSessionInitError(fmt.Sprintf("no active runtime for session %q", sessionKey), nil)
		}

		caps, err := cached.Runtime.GetCapabilities(ctx, &cached.Handle)
		if err == nil && !containsControl(caps.Controls, runtime.AcpControlSessionSetMode) {
			return runtime.NewUnsupportedControlError(cached.Backend, runtime.AcpControlSessionSetMode)
		}
		if err := cached.Runtime.SetMode(ctx, cached.Handle, mode); err != nil {
			return err
		}

		cached.Mode = runtime.AcpRuntimeSessionMode(mode)
		_, upsertErr := m.metaStore.Upsert(sessionKey, func(current *SessionAcpMeta) *SessionAcpMeta {
			if current == nil {
				return nil
			}
			current.Mode = runtime.AcpRuntimeSessionMode(mode)
			current.LastActivityAt = nowMs()
			return current
		})
		return upsertErr
	})
}

func containsControl(controls []string, control string) bool {
	for _, c := range controls {
		if c == control {
			return true
		}
	}
	return false
}

// SetSessionConfigOption applies a single runtime config option and
// persists it into the session's runtime options, resetting the applied
// control signature so it reapplies on the next turn (§4.5.3).
func (m *Manager) SetSessionConfigOption(ctx context.Context, sessionKey, key, value string) error {
	if key == "" {
		return runtime.NewInvalidRuntimeOptionError("option key is required")
	}
	return m.actorQueue.Run(sessionKey, func() error {
		cached := m.runtimeCache.Peek(sessionKey)
		if cached == nil {
			return runtime.NewSessionInitError(fmt.Sprintf("no active runtime for session %q", sessionKey), nil)
		}

		caps, err := cached.Runtime.GetCapabilities(ctx, &cached.Handle)
		if err == nil && !containsControl(caps.Controls, runtime.AcpControlSessionSetConfigOption) {
			return runtime.NewUnsupportedControlError(cached.Backend, runtime.AcpControlSessionSetConfigOption)
		}
		if err := cached.Runtime.SetConfigOption(ctx, cached.Handle, key, value); err != nil {
			return err
		}

		_, upsertErr := m.metaStore.Upsert(sessionKey, func(current *SessionAcpMeta) *SessionAcpMeta {
			if current == nil {
				return nil
			}
			if current.RuntimeOptions == nil {
				current.RuntimeOptions = make(map[string]any)
			}
			current.RuntimeOptions[key] = value
			current.LastActivityAt = nowMs()
			return current
		})
		if upsertErr != nil {
			return upsertErr
		}
		cached.AppliedControlSignature = ""
		return nil
	})
}

// UpdateSessionRuntimeOptions merges options into the session's persisted
// runtime options without immediately applying them to the backend; they
// take effect the next time the signature is recomputed and reapplied.
func (m *Manager) UpdateSessionRuntimeOptions(sessionKey string, options map[string]any) (*SessionAcpMeta, error) {
	return m.metaStore.Upsert(sessionKey, func(current *SessionAcpMeta) *SessionAcpMeta {
		if current == nil {
			return nil
		}
		if current.RuntimeOptions == nil {
			current.RuntimeOptions = make(map[string]any, len(options))
		}
		for k, v := range options {
			current.RuntimeOptions[k] = v
		}
		current.LastActivityAt = nowMs()
		return current
	})
}

// ResetSessionRuntimeOptions clears all persisted runtime options and the
// cached applied-control signature. Nothing is sent to the backend and the
// runtime handle stays open, so options already applied to a live runtime
// are not reverted.
func (m *Manager) ResetSessionRuntimeOptions(sessionKey string) (*SessionAcpMeta, error) {
	if cached := m.runtimeCache.Peek(sessionKey); cached != nil {
		cached.AppliedControlSignature = ""
	}
	return m.metaStore.Upsert(sessionKey, func(current *SessionAcpMeta) *SessionAcpMeta {
		if current == nil {
			return nil
		}
		current.RuntimeOptions = nil
		current.LastActivityAt = nowMs()
		return current
	})
}

// RunTrackedTurnInput is the input to RunTrackedTurn.
type RunTrackedTurnInput struct {
	SessionKey string
	Text       string
	Mode       runtime.AcpRuntimePromptMode
	RequestID  string
}

// RunTrackedTurnResult is the result of RunTrackedTurn.
type RunTrackedTurnResult struct {
	Events      <-chan runtime.AcpRuntimeEvent
	AutoClosed  bool
}

// RunTrackedTurn runs a turn against sessionKey's cached runtime, tracking
// it as the session's active turn so CancelSession can abort it and
// CloseSession can wait for it to settle (§4.5.4). The turn itself runs
// outside the actor lane (it may stream for a long time); only handle
// lookup, active-turn bookkeeping, and post-turn bookkeeping are
// serialized per session.
func (m *Manager) RunTrackedTurn(ctx context.Context, input RunTrackedTurnInput) (*RunTrackedTurnResult, error) {
	m.evictIdleRuntimeHandles(ctx)

	resolution, resolveErr := m.ResolveSession(input.SessionKey)
	if resolveErr != nil {
		m.recordError(runtime.GetAcpErrorCode(resolveErr))
		return nil, resolveErr
	}
	if resolution.Kind != ResolutionReady {
		err := runtime.NewSessionInitError("ACP metadata is missing", nil)
		m.recordError(runtime.GetAcpErrorCode(err))
		return nil, err
	}

	var cached *CachedRuntimeState
	err := m.actorQueue.Run(input.SessionKey, func() error {
		cached = m.runtimeCache.Get(input.SessionKey)
		if cached == nil {
			return runtime.NewSessionInitError(fmt.Sprintf("no active runtime for session %q", input.SessionKey), nil)
		}
		if err := m.reapplyControlsIfChanged(ctx, input.SessionKey, cached, resolution.Meta); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		m.recordError(runtime.GetAcpErrorCode(err))
		return nil, err
	}

	turnCtx, cancel := context.WithCancel(ctx)
	state := &activeTurnState{
		runtime:         cached.Runtime,
		handle:          cached.Handle,
		abortController: cancel,
		cancelDone:      make(chan struct{}),
	}

	m.mu.Lock()
	m.activeTurnBySession[input.SessionKey] = state
	m.mu.Unlock()

	startedAt := time.Now()
	_, _ = m.metaStore.Upsert(input.SessionKey, func(current *SessionAcpMeta) *SessionAcpMeta {
		if current == nil {
			return nil
		}
		current.State = "running"
		current.LastActivityAt = nowMs()
		return current
	})

	turnCtx, turnSpan := tracing.Tracer().Start(turnCtx, "acp.runTurn")
	turnSpan.SetAttributes(
		attribute.String("acp.session_key", input.SessionKey),
		attribute.String("acp.request_id", input.RequestID),
	)
	rawEvents, turnErr := cached.Runtime.RunTurn(turnCtx, runtime.AcpRuntimeTurnInput{
		Handle:    cached.Handle,
		Text:      input.Text,
		Mode:      input.Mode,
		RequestID: input.RequestID,
		Signal:    cancel,
	})
	if turnErr != nil {
		endSpan(turnSpan, turnErr)
		m.finishTurn(input.SessionKey, turnErr)
		m.turnStats.recordCompletion(startedAt, turnErr)
		m.recordError(runtime.GetAcpErrorCode(turnErr))
		return nil, runtime.NewTurnError("runTurn failed", turnErr)
	}

	out := make(chan runtime.AcpRuntimeEvent)
	go func() {
		defer close(out)
		var terminalErr error
		for ev := range rawEvents {
			switch e := ev.(type) {
			case *runtime.AcpEventError:
				terminalErr = fmt.Errorf("%s: %s", e.Code, e.Message)
			}
			out <- ev
		}
		endSpan(turnSpan, terminalErr)
		close(state.cancelDone)
		m.finishTurn(input.SessionKey, terminalErr)
		m.turnStats.recordCompletion(startedAt, terminalErr)
		if terminalErr != nil {
			m.recordError(runtime.ErrCodeTurnFailed)
		}

		if cached.Mode == runtime.AcpSessionModeOneshot {
			closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer closeCancel()
			_, _ = m.CloseSession(closeCtx, CloseSessionInput{SessionKey: input.SessionKey, Reason: "oneshot-complete", ClearMeta: false})
		}
	}()

	return &RunTrackedTurnResult{Events: out}, nil
}

func (m *Manager) finishTurn(sessionKey string, turnErr error) {
	m.mu.Lock()
	delete(m.activeTurnBySession, sessionKey)
	m.mu.Unlock()

	state := "idle"
	lastError := ""
	if turnErr != nil {
		state = "error"
		lastError = turnErr.Error()
	}
	_, _ = m.metaStore.Upsert(sessionKey, func(current *SessionAcpMeta) *SessionAcpMeta {
		if current == nil {
			return nil
		}
		current.State = state
		current.LastError = lastError
		current.LastActivityAt = nowMs()
		return current
	})
}

// CancelSession aborts sessionKey's active turn, if any. It is a no-op,
// not an error, when there is nothing running.
func (m *Manager) CancelSession(ctx context.Context, sessionKey, reason string) error {
	m.mu.RLock()
	state, ok := m.activeTurnBySession[sessionKey]
	m.mu.RUnlock()
	if !ok {
		return nil
	}

	state.abortController()
	ctx, cancelSpan := tracing.Tracer().Start(ctx, "acp.cancelSession")
	cancelSpan.SetAttributes(attribute.String("acp.session_key", sessionKey), attribute.String("acp.reason", reason))
	cancelErr := state.runtime.Cancel(ctx, state.handle, reason)
	endSpan(cancelSpan, cancelErr)
	if cancelErr != nil {
		slog.Warn("acp: backend cancel returned error", "session_key", sessionKey, "error", cancelErr)
	}

	select {
	case <-state.cancelDone:
	case <-time.After(5 * time.Second):
	case <-ctx.Done():
	}
	return nil
}

// CloseSessionInput is the input to CloseSession.
type CloseSessionInput struct {
	SessionKey            string
	Reason                string
	ClearMeta             bool
	AllowBackendUnavailable bool
}

// CloseSessionResult is the result of CloseSession.
type CloseSessionResult struct {
	Closed        bool
	MetaCleared   bool
	BackendErr    error
}

// CloseSession tears down sessionKey's cached runtime handle and, if
// ClearMeta is set, deletes its persisted metadata (§4.5.4). A turn still
// in flight is cancelled first.
func (m *Manager) CloseSession(ctx context.Context, input CloseSessionInput) (*CloseSessionResult, error) {
	if err := m.CancelSession(ctx, input.SessionKey, "closing"); err != nil {
		slog.Warn("acp: cancel-before-close failed", "session_key", input.SessionKey, "error", err)
	}

	result := &CloseSessionResult{}
	err := m.actorQueue.Run(input.SessionKey, func() error {
		cached := m.runtimeCache.Peek(input.SessionKey)
		if cached == nil {
			if input.ClearMeta {
				if _, err := m.metaStore.Upsert(input.SessionKey, func(*SessionAcpMeta) *SessionAcpMeta { return nil }); err != nil {
					return err
				}
				result.MetaCleared = true
			}
			return nil
		}

		m.runtimeCache.Clear(input.SessionKey)

		closeErr := cached.Runtime.Close(ctx, cached.Handle, input.Reason)
		if closeErr != nil {
			result.BackendErr = closeErr
			if !input.AllowBackendUnavailable {
				return runtime.NewBackendUnavailableError("runtime close failed", closeErr)
			}
			slog.Warn("acp: ignoring backend close failure", "session_key", input.SessionKey, "error", closeErr)
		}
		result.Closed = true

		if input.ClearMeta {
			if _, err := m.metaStore.Upsert(input.SessionKey, func(*SessionAcpMeta) *SessionAcpMeta { return nil }); err != nil {
				return err
			}
			result.MetaCleared = true
			return nil
		}

		_, err := m.metaStore.Upsert(input.SessionKey, func(current *SessionAcpMeta) *SessionAcpMeta {
			if current == nil {
				return nil
			}
			current.State = "idle"
			current.LastActivityAt = nowMs()
			return current
		})
		return err
	})
	if err != nil {
		m.recordError(runtime.GetAcpErrorCode(err))
		return result, err
	}
	return result, nil
}

// ReconcilePendingSessionIdentities calls GetStatus for every session whose
// persisted identity is still "pending" and has a live cached runtime,
// merging any identity the backend now reports. It returns the number of
// those sessions whose identity is resolved afterwards. Intended to run
// periodically, not on every operation (§9).
func (m *Manager) ReconcilePendingSessionIdentities(ctx context.Context) (int, error) {
	entries, err := m.metaStore.List()
	if err != nil {
		return 0, err
	}

	reconciled := 0
	for sessionKey, meta := range entries {
		if meta.Identity == nil || meta.Identity.State != "pending" {
			continue
		}
		status, statusErr := m.GetSessionStatus(ctx, sessionKey)
		if statusErr == nil && status != nil && status.Identity != nil && status.Identity.State == "resolved" {
			reconciled++
		}
	}
	return reconciled, nil
}
