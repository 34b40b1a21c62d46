package inbound

import "testing"

func TestDeduper_SeenBefore(t *testing.T) {
	d := NewDeduper()

	if d.SeenBefore("msg-1") {
		t.Fatal("expected first sighting of msg-1 to report false")
	}
	if !d.SeenBefore("msg-1") {
		t.Fatal("expected second sighting of msg-1 to report true")
	}
	if d.SeenBefore("msg-2") {
		t.Fatal("expected first sighting of msg-2 to report false")
	}
	if d.Size() != 2 {
		t.Fatalf("Size() = %d, want 2", d.Size())
	}
}

func TestDeduper_EmptyIDNeverDedupes(t *testing.T) {
	d := NewDeduper()
	if d.SeenBefore("") {
		t.Fatal("expected empty id to never be reported as seen")
	}
	if d.SeenBefore("") {
		t.Fatal("expected empty id to never be reported as seen, even repeatedly")
	}
	if d.Size() != 0 {
		t.Fatalf("Size() = %d, want 0 (empty id must not be tracked)", d.Size())
	}
}

func TestDeduper_EvictsOverCapacity(t *testing.T) {
	d := NewDeduper()
	for i := 0; i < dedupMaxSize+10; i++ {
		d.SeenBefore(string(rune(i)) + "-unique")
	}
	if d.Size() > dedupMaxSize {
		t.Fatalf("Size() = %d, want <= %d after exceeding capacity", d.Size(), dedupMaxSize)
	}
}
