package inbound

import (
	"context"
	"strings"
	"testing"

	"github.com/openclaw/openclaw/internal/bus"
)

type recordingSender struct {
	sent []bus.OutboundMessage
}

func (r *recordingSender) Send(ctx context.Context, msg bus.OutboundMessage) error {
	r.sent = append(r.sent, msg)
	return nil
}

func TestReplyDispatcher_Send_DropsReasoningPayload(t *testing.T) {
	sender := &recordingSender{}
	d := NewReplyDispatcher(sender, ReplyDispatcherConfig{})

	err := d.Send(context.Background(), ReplyFinal, ReplyPayload{Channel: "telegram", ChatID: "1", Text: "internal chain of thought", IsReasoning: true})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if len(sender.sent) != 0 {
		t.Fatalf("expected a reasoning-tagged payload to never reach the sender, got %d sends", len(sender.sent))
	}
}

func TestReplyDispatcher_Send_MediaOnlyOnFirstChunk(t *testing.T) {
	sender := &recordingSender{}
	d := NewReplyDispatcher(sender, ReplyDispatcherConfig{TextChunkLimit: 5})

	media := []bus.MediaAttachment{{URL: "https://example.com/a.png"}}
	text := "one two three four five"
	if err := d.Send(context.Background(), ReplyBlock, ReplyPayload{Channel: "telegram", ChatID: "1", Text: text, Media: media}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if len(sender.sent) < 2 {
		t.Fatalf("expected text chunked into multiple outbound messages, got %d", len(sender.sent))
	}
	if len(sender.sent[0].Media) != 1 {
		t.Errorf("expected the first chunk to carry the media attachment")
	}
	for i, msg := range sender.sent[1:] {
		if len(msg.Media) != 0 {
			t.Errorf("chunk %d carried media, want media only on the first chunk", i+1)
		}
	}
}

func TestReplyDispatcher_Send_MediaNotRepeatedAcrossSends(t *testing.T) {
	sender := &recordingSender{}
	d := NewReplyDispatcher(sender, ReplyDispatcherConfig{})

	media := []bus.MediaAttachment{{URL: "https://example.com/a.png"}}
	payload := ReplyPayload{Channel: "telegram", ChatID: "1", Text: "first", Media: media}
	if err := d.Send(context.Background(), ReplyBlock, payload); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	payload2 := ReplyPayload{Channel: "telegram", ChatID: "1", Text: "second", Media: media}
	if err := d.Send(context.Background(), ReplyFinal, payload2); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if len(sender.sent) != 2 {
		t.Fatalf("expected exactly 2 outbound messages, got %d", len(sender.sent))
	}
	if len(sender.sent[0].Media) != 1 {
		t.Error("expected the first send to carry media")
	}
	if len(sender.sent[1].Media) != 0 {
		t.Error("expected the second send, in the same conversation, to not repeat media")
	}
}

func TestReplyDispatcher_Send_AudioAsVoiceSetsMetadata(t *testing.T) {
	sender := &recordingSender{}
	d := NewReplyDispatcher(sender, ReplyDispatcherConfig{})

	media := []bus.MediaAttachment{{URL: "https://example.com/a.ogg"}}
	err := d.Send(context.Background(), ReplyFinal, ReplyPayload{Channel: "telegram", ChatID: "1", Text: "", Media: media, AudioAsVoice: true})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("expected exactly 1 outbound message, got %d", len(sender.sent))
	}
	if sender.sent[0].Metadata["audio_as_voice"] != "true" {
		t.Errorf("expected audio_as_voice=true metadata, got %q", sender.sent[0].Metadata["audio_as_voice"])
	}
}

func TestChunkText_SplitsOnWhitespace(t *testing.T) {
	text := "aaaaa bbbbb ccccc ddddd"
	chunks := chunkText(text, 12)

	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d: %v", len(chunks), chunks)
	}
	for _, c := range chunks {
		if strings.TrimSpace(c) != c {
			t.Errorf("chunk %q was not trimmed", c)
		}
	}
	if strings.Join(chunks, " ") != text {
		t.Errorf("rejoined chunks = %q, want %q", strings.Join(chunks, " "), text)
	}
}

func TestChunkText_NoLimitReturnsSingleChunk(t *testing.T) {
	text := strings.Repeat("x", 10000)
	chunks := chunkText(text, 0)
	if len(chunks) != 1 || chunks[0] != text {
		t.Errorf("expected chunking disabled at limit<=0 to return the text unchanged")
	}
}
