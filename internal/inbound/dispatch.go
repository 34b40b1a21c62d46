package inbound

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/openclaw/openclaw/internal/acp"
	"github.com/openclaw/openclaw/internal/acp/runtime"
	"github.com/openclaw/openclaw/internal/bus"
	"github.com/openclaw/openclaw/internal/channels"
	"github.com/openclaw/openclaw/internal/config"
	"github.com/openclaw/openclaw/internal/sessions"
	"github.com/openclaw/openclaw/internal/store"
)

// Hooks are optional callbacks the dispatcher invokes at fixed points in
// the pipeline. Every field may be nil.
type Hooks struct {
	OnMessageReceived  func(msg bus.InboundMessage)
	OnIdentityResolved func(sessionKey string, identity *acp.SessionIdentity)
	OnOneshotClosed    func(sessionKey string)
	OnSpeakFinal       func(sessionKey, text string) // TTS hook

	// FallbackResolver handles a message when the routing decision (§4.10
	// step 5) doesn't send it to the ACP session manager: the session key
	// isn't ACP-shaped and either ACP dispatch is disabled or the agent isn't
	// in allowedAgents. An ACP-shaped key in that situation gets a policy-error
	// reply instead. It returns the final reply to send, or (nil, nil) to send
	// nothing.
	FallbackResolver func(ctx context.Context, msg bus.InboundMessage) (*ReplyPayload, error)
}

// replyTarget is where a turn's replies actually land, which may differ
// from the message's origin channel/chat when the route-reply adapter
// redirects it to a different outbound surface (§4.10 step 5, third bullet).
type replyTarget struct {
	Channel        string
	ChatID         string
	SuppressTyping bool
}

// Dispatcher is the inbound pipeline fan-out point: one InboundMessage in,
// zero or more ReplyPayloads out through a ReplyDispatcher, driven by the
// ACP session manager.
type Dispatcher struct {
	mgr       *acp.Manager
	cfg       *config.Config
	pairing   store.PairingStore
	dedup     *Deduper
	debouncer *Debouncer
	reply     *ReplyDispatcher
	hooks     Hooks

	mu          sync.Mutex
	histories   map[string]*HistoryAggregator
	pendingMeta map[string]bus.InboundMessage
}

// NewDispatcher wires a dispatcher over mgr/cfg, publishing replies through
// reply and consulting pairing for DMPolicyPairing gating.
func NewDispatcher(mgr *acp.Manager, cfg *config.Config, pairing store.PairingStore, reply *ReplyDispatcher, hooks Hooks) *Dispatcher {
	d := &Dispatcher{
		mgr:         mgr,
		cfg:         cfg,
		pairing:     pairing,
		dedup:       NewDeduper(),
		reply:       reply,
		hooks:       hooks,
		histories:   make(map[string]*HistoryAggregator),
		pendingMeta: make(map[string]bus.InboundMessage),
	}
	d.debouncer = NewDebouncer(streamCoalesceIdleWindow(cfg), d.dispatchFrame)
	return d
}

func streamCoalesceIdleWindow(cfg *config.Config) time.Duration {
	ms := cfg.ACP.Stream.CoalesceIdleMs
	if ms <= 0 {
		ms = 1200
	}
	return time.Duration(ms) * time.Millisecond
}

func (d *Dispatcher) historyFor(conversationKey string, limit int) *HistoryAggregator {
	d.mu.Lock()
	defer d.mu.Unlock()
	h, ok := d.histories[conversationKey]
	if !ok {
		h = NewHistoryAggregator(limit)
		d.histories[conversationKey] = h
	}
	return h
}

// abortCommand returns the literal text that triggers a fast abort,
// defaulting to "/abort" when the operator hasn't configured one.
func (d *Dispatcher) abortCommand() string {
	if d.cfg.Commands.AbortCommand != "" {
		return d.cfg.Commands.AbortCommand
	}
	return "/abort"
}

// sessionKeyFor returns the session key for an inbound message: msg.SessionKey
// verbatim when the caller has already set one (e.g. a spawned run or
// subagent delegation handing this dispatcher an ACP-shaped key built by
// sessions.BuildAcpSessionKey), otherwise the canonical per-channel key.
func sessionKeyFor(msg bus.InboundMessage) string {
	if msg.SessionKey != "" {
		return msg.SessionKey
	}
	return sessions.BuildSessionKey(msg.AgentID, msg.Channel, sessions.PeerKindFromGroup(msg.PeerKind == "group"), msg.ChatID)
}

// Dispatch is the pipeline entry point: fast-abort, dedupe, access gate,
// command gate, mention gate, then enqueue the frame for debounce/coalescing
// (§4.10). The routing decision between ACP and the fallback resolver
// happens later, in dispatchFrame, once the session key is known.
func (d *Dispatcher) Dispatch(ctx context.Context, msg bus.InboundMessage) error {
	if d.hooks.OnMessageReceived != nil {
		d.hooks.OnMessageReceived(msg)
	}

	// 1. Fast abort: cancel the caller's active session(s) and acknowledge,
	// bypassing every later stage including the resolver (§4.10 step 1).
	if strings.TrimSpace(msg.Content) == d.abortCommand() {
		return d.fastAbort(ctx, msg)
	}

	// 2. Dedupe on origin-provided message id.
	if msgID, ok := msg.Metadata["message_id"]; ok && d.dedup.SeenBefore(msg.Channel+":"+msgID) {
		return nil
	}

	isGroup := msg.PeerKind == "group"
	isControlCommand := strings.HasPrefix(strings.TrimSpace(msg.Content), "/")

	accessCfg := d.resolveAccessConfig(msg)
	isPaired := d.pairing != nil && d.pairing.IsPaired(msg.SenderID, msg.Channel)
	decision := Evaluate(accessCfg, msg.PeerKind, msg.SenderID, isPaired)
	if decision.RequiresPairing && d.pairing != nil {
		return SendPairingPrompt(ctx, d.pairing, d.reply, msg)
	}
	if !decision.Allow {
		slog.Debug("inbound: rejected by access control", "channel", msg.Channel, "sender_id", msg.SenderID, "reason", decision.Reason)
		return nil
	}

	conversationKey := msg.Channel + ":" + msg.ChatID

	// Command gating (§4.6, §4.9): a control command needs its sender on
	// the relevant allowlist (group allowlist in groups, DM allowlist
	// otherwise). An unauthorized command in a group is dropped silently
	// rather than falling through as a plain message.
	authorizedCommand := isControlCommand && commandAuthorized(accessCfg, msg.PeerKind, msg.SenderID)
	if isGroup && isControlCommand && d.cfg.Commands.UseAccessGroups && !authorizedCommand {
		slog.Debug("inbound: unauthorized control command dropped", "channel", msg.Channel, "sender_id", msg.SenderID)
		return nil
	}

	if isGroup {
		mentionCtx := MentionContext{
			ExplicitMention:    strings.Contains(msg.Metadata["raw_text"], "@"+msg.Metadata["bot_username"]),
			IsReplyToBot:       msg.Metadata["is_bot_reply"] == "true",
			Text:               msg.Content,
			IsControlCommand:   isControlCommand,
			RequireMention:     d.requireMentionFor(msg.Channel),
			AllowCommandBypass: d.cfg.Commands.UseAccessGroups && authorizedCommand,
		}
		if !ShouldProcess(mentionCtx) {
			d.historyFor(conversationKey, msg.HistoryLimit).Record(conversationKey, channels.HistoryEntry{
				Sender:    msg.SenderID,
				Body:      msg.Content,
				Timestamp: time.Now(),
				MessageID: msg.Metadata["message_id"],
			})
			return nil
		}
	}

	// Session-management commands (distinct from the fast-abort command)
	// bypass the turn pipeline entirely and answer directly from the
	// session manager, the same way fast abort does.
	if isControlCommand && (!isGroup || authorizedCommand) {
		if handled, err := d.runSessionCommand(ctx, msg); handled {
			return err
		}
	}

	d.pendingMessage(conversationKey, msg)
	d.debouncer.Submit(InboundFrame{
		ConversationKey:  conversationKey,
		Text:             msg.Content,
		Media:            msg.Media,
		IsControlCommand: isControlCommand,
	})
	return nil
}

// fastAbort cancels the caller's active ACP session, if any, and replies
// with a fixed abort acknowledgement without invoking any resolver.
func (d *Dispatcher) fastAbort(ctx context.Context, msg bus.InboundMessage) error {
	sessionKey := sessionKeyFor(msg)
	if err := d.mgr.CancelSession(ctx, sessionKey, "user-abort"); err != nil {
		slog.Warn("inbound: fast-abort cancel failed", "session_key", sessionKey, "error", err)
	}
	return d.reply.Send(ctx, ReplyFinal, ReplyPayload{Channel: msg.Channel, ChatID: msg.ChatID, Text: "Aborted."})
}

// runSessionCommand answers a session-management control command (/status,
// /mode, /config, /reset-options; there is no reconcile command) directly from the ACP
// session manager, without starting a turn. Returns handled=false for any
// text that isn't one of these recognized commands, so the caller falls
// through to the normal turn pipeline.
func (d *Dispatcher) runSessionCommand(ctx context.Context, msg bus.InboundMessage) (handled bool, err error) {
	fields := strings.Fields(strings.TrimSpace(msg.Content))
	if len(fields) == 0 {
		return false, nil
	}
	sessionKey := sessionKeyFor(msg)

	reply := func(text string) error {
		return d.reply.Send(ctx, ReplyFinal, ReplyPayload{Channel: msg.Channel, ChatID: msg.ChatID, Text: text})
	}

	switch fields[0] {
	case "/status":
		status, statusErr := d.mgr.GetSessionStatus(ctx, sessionKey)
		if statusErr != nil {
			return true, reply(fmt.Sprintf("ACP error (%s): %s", runtime.GetAcpErrorCode(statusErr), statusErr.Error()))
		}
		if status == nil {
			return true, reply("no active session")
		}
		return true, reply(fmt.Sprintf("session %s: backend=%s agent=%s mode=%s state=%s", sessionKey, status.Backend, status.Agent, status.Mode, status.State))

	case "/mode":
		if len(fields) < 2 {
			return true, reply("usage: /mode <mode>")
		}
		if modeErr := d.mgr.SetSessionRuntimeMode(ctx, sessionKey, fields[1]); modeErr != nil {
			return true, reply(fmt.Sprintf("ACP error (%s): %s", runtime.GetAcpErrorCode(modeErr), modeErr.Error()))
		}
		return true, reply("mode set to " + fields[1])

	case "/config":
		if len(fields) < 3 {
			return true, reply("usage: /config <key> <value>")
		}
		if cfgErr := d.mgr.SetSessionConfigOption(ctx, sessionKey, fields[1], strings.Join(fields[2:], " ")); cfgErr != nil {
			return true, reply(fmt.Sprintf("ACP error (%s): %s", runtime.GetAcpErrorCode(cfgErr), cfgErr.Error()))
		}
		return true, reply(fields[1] + " set")

	case "/reset-options":
		if _, resetErr := d.mgr.ResetSessionRuntimeOptions(sessionKey); resetErr != nil {
			return true, reply(fmt.Sprintf("ACP error (%s): %s", runtime.GetAcpErrorCode(resetErr), resetErr.Error()))
		}
		return true, reply("runtime options reset")

	default:
		return false, nil
	}
}

// commandAuthorized reports whether senderID may invoke a control command
// in this context, checking the group allowlist for group messages and the
// DM allowlist otherwise (§4.6).
func commandAuthorized(cfg AccessConfig, peerKind, senderID string) bool {
	if peerKind == "group" {
		return matchesAllow(cfg.effectiveGroupAllowFrom(), senderID)
	}
	return matchesAllow(cfg.effectiveAllowFrom(), senderID)
}

// requireMentionFor reports the per-channel configured "require mention in
// groups" flag, defaulting to true for channels that support the setting
// and to false for ones that have no concept of it.
func (d *Dispatcher) requireMentionFor(channel string) bool {
	ch := d.cfg.Channels
	switch channel {
	case "telegram":
		return boolOrDefault(ch.Telegram.RequireMention, true)
	case "discord":
		return boolOrDefault(ch.Discord.RequireMention, true)
	case "slack":
		return ch.Slack.RequireMention
	case "feishu":
		return boolOrDefault(ch.Feishu.RequireMention, true)
	default:
		// whatsapp, zalo: no per-channel require-mention concept configured.
		return false
	}
}

func boolOrDefault(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

// pendingMessage stashes the original InboundMessage's routing metadata
// (agent, history limit) so dispatchFrame — invoked later, asynchronously,
// from the debouncer — can still build a correct session key and history
// context for it.
func (d *Dispatcher) pendingMessage(conversationKey string, msg bus.InboundMessage) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pendingMeta == nil {
		d.pendingMeta = make(map[string]bus.InboundMessage)
	}
	d.pendingMeta[conversationKey] = msg
}

// resolveReplyTarget implements the route-reply adapter (§4.10 step 5,
// third bullet): when the inbound message carries routing metadata naming a
// different outbound surface than it arrived on, replies redirect there and
// typing indicators are suppressed, since there's nothing to animate on the
// origin surface.
func (d *Dispatcher) resolveReplyTarget(msg bus.InboundMessage) replyTarget {
	routeChannel := msg.Metadata["route_reply_channel"]
	if routeChannel == "" || routeChannel == msg.Channel {
		return replyTarget{Channel: msg.Channel, ChatID: msg.ChatID}
	}
	routeChatID := msg.Metadata["route_reply_chat_id"]
	if routeChatID == "" {
		routeChatID = msg.ChatID
	}
	return replyTarget{Channel: routeChannel, ChatID: routeChatID, SuppressTyping: true}
}

// dispatchFrame runs once per debounced/coalesced frame: applies the
// routing decision, then either runs the turn through the ACP session
// manager or invokes the fallback resolver, streaming results to the reply
// dispatcher.
func (d *Dispatcher) dispatchFrame(frame InboundFrame) {
	d.mu.Lock()
	msg, ok := d.pendingMeta[frame.ConversationKey]
	delete(d.pendingMeta, frame.ConversationKey)
	d.mu.Unlock()
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	content := frame.Text
	if msg.PeerKind == "group" {
		annotated := fmt.Sprintf("[From: %s]\n%s", msg.SenderID, frame.Text)
		content = d.historyFor(frame.ConversationKey, msg.HistoryLimit).BuildAndClear(frame.ConversationKey, annotated)
	}

	sessionKey := sessionKeyFor(msg)
	target := d.resolveReplyTarget(msg)

	// 5. Routing decision (§4.10 step 5).
	if sessions.IsAcpSession(sessionKey) {
		resolution, resolveErr := d.mgr.ResolveSession(sessionKey)
		if resolveErr != nil || resolution.Kind != acp.ResolutionReady {
			d.sendPolicyError(ctx, target, runtime.NewSessionInitError("ACP metadata is missing", resolveErr))
			return
		}
		if !d.cfg.ACP.Dispatch.Enabled || !d.mgr.AgentAllowed(msg.AgentID) {
			d.sendPolicyError(ctx, target, runtime.NewDispatchDisabledError("ACP dispatch is disabled or agent is not in allowedAgents"))
			return
		}
	} else if !d.cfg.ACP.Dispatch.Enabled || !d.mgr.AgentAllowed(msg.AgentID) {
		d.runFallback(ctx, msg, target)
		return
	}

	initResult, err := d.mgr.InitializeSession(ctx, acp.InitializeSessionInput{
		SessionKey: sessionKey,
		Backend:    d.cfg.ACP.Backend,
		Agent:      msg.AgentID,
	})
	if err != nil {
		slog.Error("inbound: session init failed", "session_key", sessionKey, "error", err)
		d.sendPolicyError(ctx, target, err)
		return
	}
	if initResult.Meta != nil && initResult.Meta.Identity != nil && d.hooks.OnIdentityResolved != nil {
		d.hooks.OnIdentityResolved(sessionKey, initResult.Meta.Identity)
	}

	turnResult, err := d.mgr.RunTrackedTurn(ctx, acp.RunTrackedTurnInput{
		SessionKey: sessionKey,
		Text:       content,
		Mode:       runtime.AcpPromptModePrompt,
		RequestID:  fmt.Sprintf("%s-%d", sessionKey, time.Now().UnixNano()),
	})
	if err != nil {
		slog.Error("inbound: run turn failed", "session_key", sessionKey, "error", err)
		d.sendPolicyError(ctx, target, err)
		return
	}

	d.streamTurn(ctx, msg, target, turnResult.Events)
}

// sendPolicyError emits the deterministic "ACP error (<CODE>): <message>"
// reply the routing decision falls back to on a policy rejection or
// initialization failure (§4.10 step 5, §7 user-visible behavior).
func (d *Dispatcher) sendPolicyError(ctx context.Context, target replyTarget, err error) {
	code := runtime.GetAcpErrorCode(err)
	_ = d.reply.Send(ctx, ReplyFinal, ReplyPayload{
		Channel:        target.Channel,
		ChatID:         target.ChatID,
		SuppressTyping: target.SuppressTyping,
		Text:           fmt.Sprintf("ACP error (%s): %s", code, err.Error()),
	})
}

// runFallback invokes the configured fallback resolver when routing away
// from ACP (§4.10 step 5, last bullet). Absent a resolver, the message is
// dropped with a log line rather than silently vanishing unnoticed.
func (d *Dispatcher) runFallback(ctx context.Context, msg bus.InboundMessage, target replyTarget) {
	if d.hooks.FallbackResolver == nil {
		slog.Debug("inbound: no fallback resolver configured, dropping message", "channel", msg.Channel, "chat_id", msg.ChatID)
		return
	}
	payload, err := d.hooks.FallbackResolver(ctx, msg)
	if err != nil {
		slog.Error("inbound: fallback resolver failed", "channel", msg.Channel, "error", err)
		return
	}
	if payload == nil {
		return
	}
	payload.Channel = target.Channel
	payload.ChatID = target.ChatID
	payload.SuppressTyping = payload.SuppressTyping || target.SuppressTyping
	_ = d.reply.Send(ctx, ReplyFinal, *payload)
}

// streamTurn forwards a turn's events to the reply dispatcher, coalescing
// text deltas into blocks and suppressing reasoning-tagged payloads from
// ever reaching the channel.
func (d *Dispatcher) streamTurn(ctx context.Context, msg bus.InboundMessage, target replyTarget, events <-chan runtime.AcpRuntimeEvent) {
	maxChunk := d.cfg.ACP.Stream.MaxChunkChars
	if maxChunk <= 0 {
		maxChunk = 3500
	}

	var buf strings.Builder
	flush := func(kind ReplyKind) {
		if buf.Len() == 0 {
			return
		}
		_ = d.reply.Send(ctx, kind, ReplyPayload{Channel: target.Channel, ChatID: target.ChatID, SuppressTyping: target.SuppressTyping, Text: buf.String()})
		buf.Reset()
	}

	for ev := range events {
		switch e := ev.(type) {
		case *runtime.AcpEventTextDelta:
			if e.IsReasoning {
				continue
			}
			buf.WriteString(e.Text)
			if buf.Len() >= maxChunk {
				flush(ReplyBlock)
			}
		case *runtime.AcpEventToolResult:
			media := make([]bus.MediaAttachment, 0, len(e.MediaURLs))
			for _, u := range e.MediaURLs {
				media = append(media, bus.MediaAttachment{URL: u})
			}
			_ = d.reply.Send(ctx, ReplyToolResult, ReplyPayload{Channel: target.Channel, ChatID: target.ChatID, SuppressTyping: target.SuppressTyping, Text: e.Text, Media: media, IsReasoning: e.IsReasoning})
		case *runtime.AcpEventError:
			flush(ReplyBlock)
			_ = d.reply.Send(ctx, ReplyFinal, ReplyPayload{Channel: target.Channel, ChatID: target.ChatID, SuppressTyping: target.SuppressTyping, Text: fmt.Sprintf("error: %s", e.Message)})
			return
		case *runtime.AcpEventDone:
			finalText := buf.String()
			flush(ReplyFinal)
			if d.hooks.OnSpeakFinal != nil {
				d.hooks.OnSpeakFinal(sessionKeyFor(msg), finalText)
			}
			return
		}
	}
	flush(ReplyFinal)
}

// resolveAccessConfig maps an inbound message's channel to that channel's
// configured DM/group policy and allowlists (§4.6). Unknown channels fall
// back to BaseChannel's permissive "open" default.
func (d *Dispatcher) resolveAccessConfig(msg bus.InboundMessage) AccessConfig {
	ch := d.cfg.Channels
	switch msg.Channel {
	case "telegram":
		return AccessConfig{
			DMPolicy:       channels.DMPolicy(orDefault(ch.Telegram.DMPolicy, string(channels.DMPolicyPairing))),
			GroupPolicy:    channels.GroupPolicy(orDefault(ch.Telegram.GroupPolicy, string(channels.GroupPolicyOpen))),
			AllowFrom:      ch.Telegram.AllowFrom,
			GroupAllowFrom: ch.Telegram.GroupAllowFrom,
		}
	case "discord":
		return AccessConfig{
			DMPolicy:       channels.DMPolicy(orDefault(ch.Discord.DMPolicy, string(channels.DMPolicyOpen))),
			GroupPolicy:    channels.GroupPolicy(orDefault(ch.Discord.GroupPolicy, string(channels.GroupPolicyOpen))),
			AllowFrom:      ch.Discord.AllowFrom,
			GroupAllowFrom: ch.Discord.GroupAllowFrom,
		}
	case "slack":
		return AccessConfig{
			DMPolicy:       channels.DMPolicy(orDefault(ch.Slack.DMPolicy, string(channels.DMPolicyOpen))),
			GroupPolicy:    channels.GroupPolicy(orDefault(ch.Slack.GroupPolicy, string(channels.GroupPolicyOpen))),
			AllowFrom:      ch.Slack.AllowFrom,
			GroupAllowFrom: ch.Slack.GroupAllowFrom,
		}
	case "whatsapp":
		return AccessConfig{
			DMPolicy:       channels.DMPolicy(orDefault(ch.WhatsApp.DMPolicy, string(channels.DMPolicyOpen))),
			GroupPolicy:    channels.GroupPolicy(orDefault(ch.WhatsApp.GroupPolicy, string(channels.GroupPolicyOpen))),
			AllowFrom:      ch.WhatsApp.AllowFrom,
			GroupAllowFrom: ch.WhatsApp.GroupAllowFrom,
		}
	case "zalo":
		return AccessConfig{
			DMPolicy:  channels.DMPolicy(orDefault(ch.Zalo.DMPolicy, string(channels.DMPolicyPairing))),
			AllowFrom: ch.Zalo.AllowFrom,
		}
	case "feishu":
		return AccessConfig{
			DMPolicy:       channels.DMPolicy(orDefault(ch.Feishu.DMPolicy, string(channels.DMPolicyPairing))),
			GroupPolicy:    channels.GroupPolicy(orDefault(ch.Feishu.GroupPolicy, string(channels.GroupPolicyOpen))),
			AllowFrom:      ch.Feishu.AllowFrom,
			GroupAllowFrom: ch.Feishu.GroupAllowFrom,
		}
	default:
		return AccessConfig{DMPolicy: channels.DMPolicyOpen, GroupPolicy: channels.GroupPolicyOpen}
	}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
