package inbound

import (
	"strings"
	"testing"
	"time"

	"github.com/openclaw/openclaw/internal/channels"
)

func TestHistoryAggregator_BuildAndClear(t *testing.T) {
	h := NewHistoryAggregator(10)
	const key = "telegram:123"

	h.Record(key, channels.HistoryEntry{Sender: "alice", Body: "hi", Timestamp: time.Now(), MessageID: "1"})
	h.Record(key, channels.HistoryEntry{Sender: "bob", Body: "anyone there?", Timestamp: time.Now(), MessageID: "2"})

	if got := h.Pending(key); got != 2 {
		t.Fatalf("Pending() = %d, want 2", got)
	}

	merged := h.BuildAndClear(key, "@bot what's up")
	if !strings.Contains(merged, "alice") || !strings.Contains(merged, "bob") {
		t.Errorf("BuildAndClear() = %q, want it to include both buffered senders", merged)
	}
	if !strings.HasSuffix(merged, "@bot what's up") {
		t.Errorf("BuildAndClear() = %q, want it to end with the current message", merged)
	}
	if got := h.Pending(key); got != 0 {
		t.Fatalf("Pending() after BuildAndClear = %d, want 0 (buffer must be cleared)", got)
	}
}

func TestHistoryAggregator_ZeroLimitNeverBuffers(t *testing.T) {
	h := NewHistoryAggregator(0)
	const key = "telegram:123"

	h.Record(key, channels.HistoryEntry{Sender: "alice", Body: "hi"})
	if got := h.Pending(key); got != 0 {
		t.Fatalf("Pending() = %d, want 0 when historyLimit is 0", got)
	}

	merged := h.BuildAndClear(key, "current")
	if merged != "current" {
		t.Errorf("BuildAndClear() = %q, want exactly the current content with no history prefix", merged)
	}
}
