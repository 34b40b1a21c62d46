package inbound

import (
	"context"
	"math/rand"
	"strings"
	"time"

	"github.com/mattn/go-runewidth"

	"github.com/openclaw/openclaw/internal/bus"
)

// TypingController abstracts a channel's typing-indicator lifecycle so the
// reply dispatcher can start/stop it without depending on any one channel.
type TypingController interface {
	Start()
	Stop()
}

// ReplyPayload is one unit the reply dispatcher sends back to a channel.
type ReplyPayload struct {
	Channel  string
	ChatID   string
	Text     string
	Media    []bus.MediaAttachment
	Metadata map[string]string

	// IsReasoning marks this payload as the backend's internal chain-of-thought
	// rather than a user-facing answer. Send drops it unconditionally (§4.10
	// point 6, §4.11) regardless of which sink (tool result, block, final) it
	// was headed for, and regardless of whether it came from an ACP event or
	// a fallback resolver.
	IsReasoning bool
	// SuppressTyping skips starting/stopping the typing indicator for this
	// send — used by the route-reply adapter when the reply is being
	// redirected to a surface the typing indicator can't represent (§4.10
	// step 5, third bullet).
	SuppressTyping bool
	// AudioAsVoice requests the media attachment be delivered as a voice
	// note rather than a regular audio file, where the channel supports it.
	AudioAsVoice bool
}

// ReplyKind distinguishes the three sinks a turn's output can land in.
type ReplyKind int

const (
	// ReplyToolResult is an intermediate tool-call result surfaced mid-turn.
	ReplyToolResult ReplyKind = iota
	// ReplyBlock is one coalesced block of a streamed response.
	ReplyBlock
	// ReplyFinal is the last chunk of a completed turn.
	ReplyFinal
)

// Sender publishes an OutboundMessage to a channel. Implementations
// typically wrap bus.MessageBus.PublishOutbound.
type Sender interface {
	Send(ctx context.Context, msg bus.OutboundMessage) error
}

// BusSender adapts a *bus.MessageBus to the Sender interface.
type BusSender struct {
	Bus *bus.MessageBus
}

func (s BusSender) Send(ctx context.Context, msg bus.OutboundMessage) error {
	s.Bus.PublishOutbound(msg)
	return nil
}

// ReplyDispatcherConfig bounds chunking and pacing.
type ReplyDispatcherConfig struct {
	TextChunkLimit int           // max characters per outbound message; 0 = unbounded
	HumanDelayMin  time.Duration // minimum pacing delay before sending a block
	HumanDelayMax  time.Duration // maximum pacing delay before sending a block
}

// ReplyDispatcher fans a turn's streamed output back out to its originating
// channel through the tri-sink contract: tool results, coalesced blocks,
// and the final reply. Media is attached only once — the first delivery
// that carries it — so later chunks never repeat an image or file.
type ReplyDispatcher struct {
	sender    Sender
	cfg       ReplyDispatcherConfig
	typing    TypingController
	rng       *rand.Rand
	mediaSent map[string]bool
}

// NewReplyDispatcher builds a dispatcher sending through sender.
func NewReplyDispatcher(sender Sender, cfg ReplyDispatcherConfig) *ReplyDispatcher {
	return &ReplyDispatcher{
		sender:    sender,
		cfg:       cfg,
		rng:       rand.New(rand.NewSource(1)),
		mediaSent: make(map[string]bool),
	}
}

// WithTyping attaches a typing indicator controller; Send starts it before
// each block or final delivery (not for tool results, nor when the payload
// sets SuppressTyping) and stops it once the final reply lands.
func (d *ReplyDispatcher) WithTyping(t TypingController) *ReplyDispatcher {
	d.typing = t
	return d
}

// Send delivers payload through kind's sink, chunking text per
// TextChunkLimit and attaching media only on the first delivery for a given
// conversation (text-only on every subsequent chunk, per the
// media-goes-once rule).
func (d *ReplyDispatcher) Send(ctx context.Context, kind ReplyKind, payload ReplyPayload) error {
	if payload.IsReasoning {
		return nil
	}

	if d.typing != nil && kind != ReplyToolResult && !payload.SuppressTyping {
		d.typing.Start()
		if kind == ReplyFinal {
			defer d.typing.Stop()
		}
	}

	if kind == ReplyBlock {
		d.pace(ctx)
	}

	convKey := payload.Channel + ":" + payload.ChatID
	media := payload.Media
	if d.mediaSent[convKey] {
		media = nil
	} else if len(payload.Media) > 0 {
		d.mediaSent[convKey] = true
	}

	chunks := chunkText(payload.Text, d.cfg.TextChunkLimit)
	if len(chunks) == 0 {
		chunks = []string{""}
	}

	for i, chunk := range chunks {
		chunkMedia := media
		if i > 0 {
			chunkMedia = nil // text-only on every chunk after the first when media is present
		}
		msg := bus.OutboundMessage{
			Channel:  payload.Channel,
			ChatID:   payload.ChatID,
			Content:  chunk,
			Media:    chunkMedia,
			Metadata: payload.Metadata,
		}
		if payload.AudioAsVoice && len(chunkMedia) > 0 {
			if msg.Metadata == nil {
				msg.Metadata = make(map[string]string, 1)
			}
			msg.Metadata["audio_as_voice"] = "true"
		}
		if err := d.sender.Send(ctx, msg); err != nil {
			return err
		}
	}

	if kind == ReplyFinal {
		delete(d.mediaSent, convKey)
	}
	return nil
}

// pace sleeps a small random human-like delay before sending a streamed
// block, so output doesn't arrive in an inhumanly even cadence.
func (d *ReplyDispatcher) pace(ctx context.Context) {
	if d.cfg.HumanDelayMax <= 0 {
		return
	}
	span := d.cfg.HumanDelayMax - d.cfg.HumanDelayMin
	delay := d.cfg.HumanDelayMin
	if span > 0 {
		delay += time.Duration(d.rng.Int63n(int64(span)))
	}
	select {
	case <-time.After(delay):
	case <-ctx.Done():
	}
}

// chunkText splits text into pieces whose display width (not byte length —
// CJK and other wide runes count double) stays within limit, breaking on
// whitespace where possible. limit <= 0 disables chunking.
//
// TODO: decide how a media-only final reply that also failed mid-turn
// should be chunked when text is empty but an error note still needs
// delivering — currently it falls through as a single empty-text chunk.
func chunkText(text string, limit int) []string {
	if limit <= 0 || runewidth.StringWidth(text) <= limit {
		return []string{text}
	}

	var chunks []string
	for runewidth.StringWidth(text) > limit {
		head := runewidth.Truncate(text, limit, "")
		cut := len(head)
		if idx := strings.LastIndexAny(head, " \n"); idx > len(head)/2 {
			cut = idx
		}
		chunks = append(chunks, strings.TrimSpace(text[:cut]))
		text = strings.TrimSpace(text[cut:])
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}
