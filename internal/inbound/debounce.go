package inbound

import (
	"strings"
	"sync"
	"time"
)

// InboundFrame is one raw inbound unit before debounce/history merging.
type InboundFrame struct {
	ConversationKey string
	Text            string
	Media           []string
	IsControlCommand bool
}

// mergeFrames combines multiple frames' text with newlines, appends every
// frame's media, and sets the control-command flag if any frame had it
// (frames buffered by Debouncer are text-only, so in practice neither is set).
func mergeFrames(frames []InboundFrame) InboundFrame {
	if len(frames) == 1 {
		return frames[0]
	}
	var texts []string
	merged := InboundFrame{ConversationKey: frames[0].ConversationKey}
	for _, f := range frames {
		if f.Text != "" {
			texts = append(texts, f.Text)
		}
		if len(f.Media) > 0 {
			merged.Media = append(merged.Media, f.Media...)
		}
		if f.IsControlCommand {
			merged.IsControlCommand = true
		}
	}
	merged.Text = strings.Join(texts, "\n")
	return merged
}

// Debouncer buffers frames per conversation and flushes the merged result
// once IdleWindow passes with no new frame. Empty, media-bearing, and
// control-command frames skip debouncing and flush immediately, since
// merging an attachment or a command into a later typed frame would either
// lose it or delay an action the sender expects to run now.
type Debouncer struct {
	mu         sync.Mutex
	pending    map[string][]InboundFrame
	timers     map[string]*time.Timer
	idleWindow time.Duration
	onFlush    func(InboundFrame)
}

// NewDebouncer creates a debouncer that calls onFlush once idleWindow has
// elapsed since the last frame for a conversation.
func NewDebouncer(idleWindow time.Duration, onFlush func(InboundFrame)) *Debouncer {
	return &Debouncer{
		pending:    make(map[string][]InboundFrame),
		timers:     make(map[string]*time.Timer),
		idleWindow: idleWindow,
		onFlush:    onFlush,
	}
}

// Submit adds frame to its conversation's pending buffer, resetting the
// idle timer, or flushes immediately when the frame bypasses debounce.
func (d *Debouncer) Submit(frame InboundFrame) {
	if frame.Text == "" || len(frame.Media) > 0 || frame.IsControlCommand {
		d.flushPending(frame.ConversationKey)
		d.onFlush(frame)
		return
	}

	d.mu.Lock()
	key := frame.ConversationKey
	d.pending[key] = append(d.pending[key], frame)
	if t, ok := d.timers[key]; ok {
		t.Stop()
	}
	d.timers[key] = time.AfterFunc(d.idleWindow, func() { d.flushAndEmit(key) })
	d.mu.Unlock()
}

func (d *Debouncer) flushAndEmit(key string) {
	d.mu.Lock()
	frames := d.pending[key]
	delete(d.pending, key)
	delete(d.timers, key)
	d.mu.Unlock()

	if len(frames) == 0 {
		return
	}
	d.onFlush(mergeFrames(frames))
}

// flushPending emits (and clears) any already-buffered frames for key ahead
// of an immediate-flush frame, so nothing typed earlier gets silently
// dropped by the control/media frame's jump of the queue.
func (d *Debouncer) flushPending(key string) {
	d.mu.Lock()
	frames := d.pending[key]
	delete(d.pending, key)
	if t, ok := d.timers[key]; ok {
		t.Stop()
		delete(d.timers, key)
	}
	d.mu.Unlock()

	if len(frames) > 0 {
		d.onFlush(mergeFrames(frames))
	}
}
