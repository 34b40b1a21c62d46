package inbound

import (
	"testing"

	"github.com/openclaw/openclaw/internal/bus"
	"github.com/openclaw/openclaw/internal/config"
)

func newTestDispatcher(cfg *config.Config) *Dispatcher {
	reply := NewReplyDispatcher(&recordingSender{}, ReplyDispatcherConfig{})
	return NewDispatcher(nil, cfg, nil, reply, Hooks{})
}

func TestAbortCommand_DefaultsToSlashAbort(t *testing.T) {
	d := newTestDispatcher(&config.Config{})
	if got := d.abortCommand(); got != "/abort" {
		t.Errorf("abortCommand() = %q, want /abort", got)
	}
}

func TestAbortCommand_HonorsConfigOverride(t *testing.T) {
	cfg := &config.Config{}
	cfg.Commands.AbortCommand = "/stop"
	d := newTestDispatcher(cfg)
	if got := d.abortCommand(); got != "/stop" {
		t.Errorf("abortCommand() = %q, want /stop", got)
	}
}

func TestSessionKeyFor_PrefersExplicitSessionKey(t *testing.T) {
	msg := bus.InboundMessage{SessionKey: "agent:default:acp:spawned-1", AgentID: "default", Channel: "telegram", ChatID: "123"}
	if got := sessionKeyFor(msg); got != "agent:default:acp:spawned-1" {
		t.Errorf("sessionKeyFor() = %q, want the explicit SessionKey preserved", got)
	}
}

func TestSessionKeyFor_BuildsCanonicalKeyWhenUnset(t *testing.T) {
	msg := bus.InboundMessage{AgentID: "default", Channel: "telegram", ChatID: "123", PeerKind: "direct"}
	want := "agent:default:telegram:direct:123"
	if got := sessionKeyFor(msg); got != want {
		t.Errorf("sessionKeyFor() = %q, want %q", got, want)
	}
}

func TestRequireMentionFor_PerChannelDefaults(t *testing.T) {
	cfg := &config.Config{}
	d := newTestDispatcher(cfg)

	if !d.requireMentionFor("telegram") {
		t.Error("expected telegram to require mention by default (nil pointer -> true)")
	}
	if d.requireMentionFor("whatsapp") {
		t.Error("expected whatsapp, which has no require-mention concept, to default to false")
	}
	if d.requireMentionFor("slack") {
		t.Error("expected slack's zero-value bool RequireMention to be false")
	}
}

func TestRequireMentionFor_HonorsExplicitChannelOverride(t *testing.T) {
	cfg := &config.Config{}
	no := false
	cfg.Channels.Telegram.RequireMention = &no
	d := newTestDispatcher(cfg)

	if d.requireMentionFor("telegram") {
		t.Error("expected an explicit false override to be honored")
	}
}

func TestResolveReplyTarget_NoRouteMetadataUsesOrigin(t *testing.T) {
	d := newTestDispatcher(&config.Config{})
	msg := bus.InboundMessage{Channel: "telegram", ChatID: "123"}

	got := d.resolveReplyTarget(msg)
	if got.Channel != "telegram" || got.ChatID != "123" || got.SuppressTyping {
		t.Errorf("resolveReplyTarget() = %+v, want origin channel/chat with typing not suppressed", got)
	}
}

func TestResolveReplyTarget_RouteMetadataRedirectsAndSuppressesTyping(t *testing.T) {
	d := newTestDispatcher(&config.Config{})
	msg := bus.InboundMessage{
		Channel: "telegram",
		ChatID:  "123",
		Metadata: map[string]string{
			"route_reply_channel": "slack",
			"route_reply_chat_id": "C001",
		},
	}

	got := d.resolveReplyTarget(msg)
	if got.Channel != "slack" || got.ChatID != "C001" || !got.SuppressTyping {
		t.Errorf("resolveReplyTarget() = %+v, want redirected target with typing suppressed", got)
	}
}

func TestBoolOrDefault(t *testing.T) {
	if !boolOrDefault(nil, true) {
		t.Error("expected nil pointer to fall back to the default")
	}
	no := false
	if boolOrDefault(&no, true) {
		t.Error("expected an explicit false to override the default")
	}
}
