package inbound

import (
	"github.com/openclaw/openclaw/internal/channels"
)

// HistoryAggregator formats and clears per-conversation pending history
// around a dispatched turn (§4.8): messages buffered while the bot was not
// addressed get folded into the next dispatched turn's content, then the
// buffer is cleared so they are never replayed into a later turn.
type HistoryAggregator struct {
	pending      *channels.PendingHistory
	historyLimit int
}

// NewHistoryAggregator wraps a PendingHistory buffer with a fixed limit.
func NewHistoryAggregator(historyLimit int) *HistoryAggregator {
	return &HistoryAggregator{pending: channels.NewPendingHistory(), historyLimit: historyLimit}
}

// Record buffers one skipped (non-dispatched) message for conversationKey.
func (h *HistoryAggregator) Record(conversationKey string, entry channels.HistoryEntry) {
	h.pending.Record(conversationKey, entry, h.historyLimit)
}

// BuildAndClear formats conversationKey's buffered history in front of
// currentContent and clears the buffer, since it is about to be dispatched
// as part of the current turn and must not be replayed into a later one.
func (h *HistoryAggregator) BuildAndClear(conversationKey, currentContent string) string {
	merged := h.pending.BuildContext(conversationKey, currentContent, h.historyLimit)
	h.pending.Clear(conversationKey)
	return merged
}

// Pending reports how many entries are buffered for a conversation, for
// tests that assert the buffer was actually cleared after dispatch.
func (h *HistoryAggregator) Pending(conversationKey string) int {
	return h.pending.Len(conversationKey)
}
