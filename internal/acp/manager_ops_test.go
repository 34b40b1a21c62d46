package acp

import (
	"context"
	"testing"

	"github.com/openclaw/openclaw/internal/config"
)

func newTestManager(allowedAgents []string) *Manager {
	cfg := &config.Config{}
	cfg.ACP.AllowedAgents = allowedAgents
	return NewManager(cfg, NewFileMetadataStore(""))
}

func TestAgentAllowed_EmptyAllowlistPermitsEverything(t *testing.T) {
	m := newTestManager(nil)
	if !m.AgentAllowed("anything") {
		t.Error("expected an empty allowedAgents list to permit any agent")
	}
}

func TestAgentAllowed_NonEmptyAllowlistRestricts(t *testing.T) {
	m := newTestManager([]string{"support-bot", "ops-bot"})

	if !m.AgentAllowed("support-bot") {
		t.Error("expected support-bot to be allowed")
	}
	if m.AgentAllowed("random-bot") {
		t.Error("expected random-bot to be rejected by a non-empty allowlist")
	}
}

func TestResolveSession_UnknownKeyIsNone(t *testing.T) {
	m := newTestManager(nil)
	resolution, err := m.ResolveSession("agent:default:telegram:direct:123")
	if err != nil {
		t.Fatalf("ResolveSession() error = %v", err)
	}
	if resolution.Kind != ResolutionNone {
		t.Errorf("Kind = %q, want %q for a session with no metadata", resolution.Kind, ResolutionNone)
	}
}

func TestGetSessionStatus_UnknownKeyReturnsNil(t *testing.T) {
	m := newTestManager(nil)
	status, err := m.GetSessionStatus(context.Background(), "agent:default:telegram:direct:123")
	if err != nil {
		t.Fatalf("GetSessionStatus() error = %v", err)
	}
	if status != nil {
		t.Errorf("GetSessionStatus() = %+v, want nil for an unknown session", status)
	}
}
