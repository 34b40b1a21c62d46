package inbound

import (
	"testing"

	"github.com/openclaw/openclaw/internal/channels"
)

func TestEvaluate_DM(t *testing.T) {
	tests := []struct {
		name     string
		cfg      AccessConfig
		senderID string
		isPaired bool
		want     Decision
	}{
		{
			name:     "open allows anyone",
			cfg:      AccessConfig{DMPolicy: channels.DMPolicyOpen},
			senderID: "anyone",
			want:     Decision{Allow: true},
		},
		{
			name:     "disabled rejects everyone",
			cfg:      AccessConfig{DMPolicy: channels.DMPolicyDisabled},
			senderID: "anyone",
			want:     Decision{Reason: "direct messages are disabled"},
		},
		{
			name:     "allowlist matches listed sender",
			cfg:      AccessConfig{DMPolicy: channels.DMPolicyAllowlist, AllowFrom: []string{"Alice"}},
			senderID: "@alice",
			want:     Decision{Allow: true},
		},
		{
			name:     "allowlist rejects unlisted sender",
			cfg:      AccessConfig{DMPolicy: channels.DMPolicyAllowlist, AllowFrom: []string{"alice"}},
			senderID: "bob",
			want:     Decision{Reason: "sender is not on the allowlist"},
		},
		{
			name:     "pairing allows an already-paired sender",
			cfg:      AccessConfig{DMPolicy: channels.DMPolicyPairing},
			senderID: "bob",
			isPaired: true,
			want:     Decision{Allow: true},
		},
		{
			name:     "pairing requires pairing for an unpaired, unlisted sender",
			cfg:      AccessConfig{DMPolicy: channels.DMPolicyPairing},
			senderID: "bob",
			want:     Decision{RequiresPairing: true, Reason: "sender is not paired"},
		},
		{
			name:     "pairing allowlist entry bypasses the pairing requirement",
			cfg:      AccessConfig{DMPolicy: channels.DMPolicyPairing, AllowFrom: []string{"bob"}},
			senderID: "bob",
			want:     Decision{Allow: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Evaluate(tt.cfg, "direct", tt.senderID, tt.isPaired)
			if got != tt.want {
				t.Errorf("Evaluate() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestEvaluate_Group(t *testing.T) {
	tests := []struct {
		name     string
		cfg      AccessConfig
		senderID string
		want     Decision
	}{
		{
			name: "open allows anyone",
			cfg:  AccessConfig{GroupPolicy: channels.GroupPolicyOpen},
			want: Decision{Allow: true},
		},
		{
			name: "unset policy defaults to open",
			cfg:  AccessConfig{},
			want: Decision{Allow: true},
		},
		{
			name: "disabled rejects everyone",
			cfg:  AccessConfig{GroupPolicy: channels.GroupPolicyDisabled},
			want: Decision{Reason: "group messages are disabled"},
		},
		{
			name:     "allowlist falls back to AllowFrom when GroupAllowFrom unset",
			cfg:      AccessConfig{GroupPolicy: channels.GroupPolicyAllowlist, AllowFrom: []string{"carol"}},
			senderID: "carol",
			want:     Decision{Allow: true},
		},
		{
			name:     "allowlist prefers explicit GroupAllowFrom over AllowFrom",
			cfg:      AccessConfig{GroupPolicy: channels.GroupPolicyAllowlist, AllowFrom: []string{"carol"}, GroupAllowFrom: []string{"dave"}},
			senderID: "carol",
			want:     Decision{Reason: "sender is not on the group allowlist"},
		},
		{
			name:     "StoreAllowFrom never applies to groups",
			cfg:      AccessConfig{GroupPolicy: channels.GroupPolicyAllowlist, StoreAllowFrom: []string{"erin"}},
			senderID: "erin",
			want:     Decision{Reason: "sender is not on the group allowlist"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Evaluate(tt.cfg, "group", tt.senderID, false)
			if got != tt.want {
				t.Errorf("Evaluate() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestMatchesAllow_CompoundSenderID(t *testing.T) {
	cfg := AccessConfig{AllowFrom: []string{"username"}}
	set := cfg.effectiveAllowFrom()

	if !matchesAllow(set, "12345|username") {
		t.Error("expected compound id|username sender to match on the username half")
	}
	if matchesAllow(set, "12345|someoneelse") {
		t.Error("expected compound sender with no matching half to be rejected")
	}
}

func TestCommandAuthorized(t *testing.T) {
	cfg := AccessConfig{AllowFrom: []string{"alice"}, GroupAllowFrom: []string{"bob"}}

	if !commandAuthorized(cfg, "direct", "alice") {
		t.Error("expected alice to be authorized in a DM")
	}
	if commandAuthorized(cfg, "direct", "bob") {
		t.Error("expected bob (group-only allowlist) to be unauthorized in a DM")
	}
	if !commandAuthorized(cfg, "group", "bob") {
		t.Error("expected bob to be authorized in a group")
	}
	if commandAuthorized(cfg, "group", "alice") {
		t.Error("expected alice (DM-only allowlist) to be unauthorized in a group with an explicit GroupAllowFrom")
	}
}
