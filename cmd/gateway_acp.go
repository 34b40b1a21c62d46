package cmd

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/openclaw/openclaw/internal/acp"
	"github.com/openclaw/openclaw/internal/acp/runtime"
	"github.com/openclaw/openclaw/internal/acp/sdk"
	"github.com/openclaw/openclaw/internal/bus"
	"github.com/openclaw/openclaw/internal/config"
	"github.com/openclaw/openclaw/internal/inbound"
	"github.com/openclaw/openclaw/internal/store"
)

// runAcpInboundConsumer replaces the embedded-agent inbound consumer when
// acp.enabled=true: every bus.InboundMessage is routed through the ACP
// session control plane and inbound dispatch pipeline instead of directly
// into the agent router.
func runAcpInboundConsumer(ctx context.Context, msgBus *bus.MessageBus, cfg *config.Config, dataDir string, pairingStore store.PairingStore) {
	slog.Info("acp inbound consumer started", "backend", cfg.ACP.Backend)

	sdk.Register(cfg)

	metaStore := acp.NewFileMetadataStore(filepath.Join(dataDir, "acp-sessions"))
	mgr := acp.GetOrCreateGlobalManager(cfg, metaStore)

	reply := inbound.NewReplyDispatcher(inbound.BusSender{Bus: msgBus}, inbound.ReplyDispatcherConfig{
		TextChunkLimit: cfg.ACP.Stream.MaxChunkChars,
	})

	// FallbackResolver is left nil: with no embedded-agent runner wired into
	// this build, a message routed away from ACP dispatch is logged and
	// dropped rather than silently handled by nothing.
	dispatcher := inbound.NewDispatcher(mgr, cfg, pairingStore, reply, inbound.Hooks{
		OnIdentityResolved: func(sessionKey string, identity *acp.SessionIdentity) {
			slog.Debug("acp: identity resolved", "session_key", sessionKey, "state", identity.State)
		},
	})

	go runPendingIdentityReconciler(ctx, mgr)

	for {
		msg, ok := msgBus.ConsumeInbound(ctx)
		if !ok {
			return
		}
		if err := dispatcher.Dispatch(ctx, msg); err != nil {
			if runtime.GetAcpErrorCode(err) == "" {
				slog.Error("acp: dispatch failed", "channel", msg.Channel, "error", err)
			} else {
				slog.Warn("acp: dispatch rejected", "channel", msg.Channel, "error", err)
			}
		}
	}
}

// runPendingIdentityReconciler periodically resolves identities left
// "pending" after a session's first ensure/status call, per
// ReconcilePendingSessionIdentities' own doc comment: "intended to run
// periodically, not on every operation."
func runPendingIdentityReconciler(ctx context.Context, mgr *acp.Manager) {
	ticker := time.NewTicker(2 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := mgr.ReconcilePendingSessionIdentities(ctx)
			if err != nil {
				slog.Warn("acp: pending identity reconciliation failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Debug("acp: reconciled pending identities", "count", n)
			}
		}
	}
}
