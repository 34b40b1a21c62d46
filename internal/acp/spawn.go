package acp

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/openclaw/openclaw/internal/acp/runtime"
	"github.com/openclaw/openclaw/internal/config"
)

const (
	// SpawnAcceptedNote accompanies an accepted oneshot spawn.
	SpawnAcceptedNote = "task queued in an isolated ACP session that closes once it completes."

	// SpawnSessionAcceptedNote accompanies an accepted persistent spawn.
	SpawnSessionAcceptedNote = "ACP session stays active after this task; use the returned session key for follow-ups."
)

// SpawnMode is the requested lifecycle for a spawned ACP session.
type SpawnMode string

const (
	// SpawnModeRun closes the session once its one task completes.
	SpawnModeRun SpawnMode = "run"
	// SpawnModeSession keeps the session active after its first task.
	SpawnModeSession SpawnMode = "session"
)

// SpawnParams are the caller-supplied parameters for a spawn.
type SpawnParams struct {
	Task           string
	AgentID        string
	Cwd            string
	Mode           SpawnMode
	RuntimeOptions map[string]any // merged into the child session before its first turn
}

// SpawnResult is the outcome of a spawn request.
type SpawnResult struct {
	Status          string // "accepted" | "forbidden" | "error"
	ChildSessionKey string
	RunID           string
	Mode            SpawnMode
	Note            string
	Error           string
}

// SpawnSession creates a fresh ACP session outside of any channel
// conversation (delegated subagent runs, one-shot tool invocations) and
// immediately runs its first turn. Oneshot spawns close themselves once
// the turn reaches a terminal event.
func SpawnSession(ctx context.Context, mgr *Manager, cfg *config.Config, params SpawnParams) (*SpawnResult, error) {
	if !cfg.ACP.Enabled {
		return &SpawnResult{Status: "forbidden", Error: "ACP is disabled (acp.enabled=false)"}, nil
	}

	spawnMode := resolveSpawnMode(params.Mode)

	targetAgent, err := resolveSpawnAgentID(params.AgentID, cfg)
	if err != nil {
		return &SpawnResult{Status: "error", Error: err.Error()}, nil
	}

	sessionKey := fmt.Sprintf("agent:%s:acp:%s", targetAgent, uuid.New().String())
	runtimeMode := resolveSessionMode(spawnMode)

	initResult, initErr := mgr.InitializeSession(ctx, InitializeSessionInput{
		SessionKey: sessionKey,
		Backend:    cfg.ACP.Backend,
		Agent:      targetAgent,
		Mode:       runtimeMode,
		Cwd:        params.Cwd,
	})
	if initErr != nil {
		return &SpawnResult{Status: "error", Error: initErr.Error()}, nil
	}
	_ = initResult

	if len(params.RuntimeOptions) > 0 {
		if _, optErr := mgr.UpdateSessionRuntimeOptions(sessionKey, params.RuntimeOptions); optErr != nil {
			return &SpawnResult{Status: "error", Error: optErr.Error()}, nil
		}
	}

	runID := uuid.New().String()
	turnResult, turnErr := mgr.RunTrackedTurn(ctx, RunTrackedTurnInput{
		SessionKey: sessionKey,
		Text:       params.Task,
		Mode:       runtime.AcpPromptModePrompt,
		RequestID:  runID,
	})
	if turnErr != nil {
		_, _ = mgr.CloseSession(ctx, CloseSessionInput{
			SessionKey:              sessionKey,
			Reason:                  "spawn-failed",
			AllowBackendUnavailable: true,
		})
		return &SpawnResult{Status: "error", Error: turnErr.Error()}, nil
	}

	// Drain events so the turn never blocks on an unread channel; the
	// caller that wants the stream should call RunTrackedTurn directly
	// instead of going through SpawnSession.
	go func() {
		for range turnResult.Events {
		}
	}()

	note := SpawnAcceptedNote
	if spawnMode == SpawnModeSession {
		note = SpawnSessionAcceptedNote
	}

	return &SpawnResult{
		Status:          "accepted",
		ChildSessionKey: sessionKey,
		RunID:           runID,
		Mode:            spawnMode,
		Note:            note,
	}, nil
}

func resolveSpawnMode(requested SpawnMode) SpawnMode {
	if requested == SpawnModeRun || requested == SpawnModeSession {
		return requested
	}
	return SpawnModeRun
}

func resolveSessionMode(mode SpawnMode) runtime.AcpRuntimeSessionMode {
	if mode == SpawnModeSession {
		return runtime.AcpSessionModePersistent
	}
	return runtime.AcpSessionModeOneshot
}

func resolveSpawnAgentID(requested string, cfg *config.Config) (string, error) {
	if requested != "" {
		return requested, nil
	}
	if cfg.ACP.DefaultAgent != "" {
		return cfg.ACP.DefaultAgent, nil
	}
	return "", fmt.Errorf("ACP target agent is not configured: pass an agent id or set acp.default_agent")
}
