// Package inbound implements the ACP-facing inbound pipeline: access
// control, dedup, debounce, group history, mention gating, and dispatch
// fan-out into the session manager, plus the reply dispatcher that fans
// results back out to the originating channel.
package inbound

import (
	"strings"

	"github.com/openclaw/openclaw/internal/channels"
)

// AccessConfig is the resolved policy for one channel account.
type AccessConfig struct {
	DMPolicy           channels.DMPolicy
	GroupPolicy        channels.GroupPolicy
	AllowFrom          []string
	StoreAllowFrom     []string // pairing-store-derived entries, DM-only
	GroupAllowFrom     []string // explicit; falls back to AllowFrom when unset
}

// normalizeAllow lowercases and strips a leading "@" for allowlist matching,
// mirroring the compound-senderID matching BaseChannel.IsAllowed already does.
func normalizeAllow(id string) string {
	return strings.ToLower(strings.TrimPrefix(id, "@"))
}

// effectiveAllowFrom is allowFrom ∪ storeAllowFrom, normalized. Pairing-store
// entries are DM-scoped and never propagate into group allow lists.
func (a AccessConfig) effectiveAllowFrom() map[string]bool {
	set := make(map[string]bool, len(a.AllowFrom)+len(a.StoreAllowFrom))
	for _, id := range a.AllowFrom {
		set[normalizeAllow(id)] = true
	}
	for _, id := range a.StoreAllowFrom {
		set[normalizeAllow(id)] = true
	}
	return set
}

// effectiveGroupAllowFrom is the explicit GroupAllowFrom if set, else
// AllowFrom. It deliberately excludes StoreAllowFrom (§4.6).
func (a AccessConfig) effectiveGroupAllowFrom() map[string]bool {
	source := a.GroupAllowFrom
	if len(source) == 0 {
		source = a.AllowFrom
	}
	set := make(map[string]bool, len(source))
	for _, id := range source {
		set[normalizeAllow(id)] = true
	}
	return set
}

func matchesAllow(set map[string]bool, senderID string) bool {
	id := normalizeAllow(senderID)
	if set[id] {
		return true
	}
	if idx := strings.Index(id, "|"); idx > 0 {
		if set[id[:idx]] || set[id[idx+1:]] {
			return true
		}
	}
	return false
}

// Decision is the outcome of evaluating access control for one message.
type Decision struct {
	Allow           bool
	RequiresPairing bool
	Reason          string
}

// Evaluate applies the DM or group policy to a message, depending on
// peerKind ("direct" | "group").
func Evaluate(cfg AccessConfig, peerKind, senderID string, isPaired bool) Decision {
	if peerKind == "group" {
		switch cfg.GroupPolicy {
		case channels.GroupPolicyDisabled, "":
			if cfg.GroupPolicy == "" {
				return Decision{Allow: true}
			}
			return Decision{Reason: "group messages are disabled"}
		case channels.GroupPolicyAllowlist:
			if matchesAllow(cfg.effectiveGroupAllowFrom(), senderID) {
				return Decision{Allow: true}
			}
			return Decision{Reason: "sender is not on the group allowlist"}
		case channels.GroupPolicyOpen:
			return Decision{Allow: true}
		default:
			return Decision{Allow: true}
		}
	}

	switch cfg.DMPolicy {
	case channels.DMPolicyDisabled:
		return Decision{Reason: "direct messages are disabled"}
	case channels.DMPolicyAllowlist:
		if matchesAllow(cfg.effectiveAllowFrom(), senderID) {
			return Decision{Allow: true}
		}
		return Decision{Reason: "sender is not on the allowlist"}
	case channels.DMPolicyPairing:
		if matchesAllow(cfg.effectiveAllowFrom(), senderID) || isPaired {
			return Decision{Allow: true}
		}
		return Decision{RequiresPairing: true, Reason: "sender is not paired"}
	case channels.DMPolicyOpen, "":
		return Decision{Allow: true}
	default:
		return Decision{Allow: true}
	}
}
