package acp

import "testing"

func TestMergeIdentity_NilIncomingNeverRegresses(t *testing.T) {
	current := &SessionIdentity{State: "resolved", AcpxSessionID: "abc"}
	got := mergeIdentity(current, nil)
	if got != current {
		t.Errorf("mergeIdentity(current, nil) = %+v, want current unchanged", got)
	}
}

func TestMergeIdentity_NilCurrentTakesIncoming(t *testing.T) {
	incoming := &SessionIdentity{State: "pending", AcpxSessionID: "xyz"}
	got := mergeIdentity(nil, incoming)
	if got != incoming {
		t.Errorf("mergeIdentity(nil, incoming) = %+v, want incoming", got)
	}
}

func TestMergeIdentity_StateOnlyAdvancesForward(t *testing.T) {
	current := &SessionIdentity{State: "resolved", LastUpdatedAt: 10}
	incoming := &SessionIdentity{State: "pending", LastUpdatedAt: 20}

	got := mergeIdentity(current, incoming)
	if got.State != "resolved" {
		t.Errorf("State = %q, want resolved (must never regress from resolved to pending)", got.State)
	}
}

func TestMergeIdentity_NewerTimestampWinsPerField(t *testing.T) {
	current := &SessionIdentity{AcpxSessionID: "old", LastUpdatedAt: 10}
	incoming := &SessionIdentity{AcpxSessionID: "new", LastUpdatedAt: 20}

	got := mergeIdentity(current, incoming)
	if got.AcpxSessionID != "new" {
		t.Errorf("AcpxSessionID = %q, want %q (newer LastUpdatedAt should win)", got.AcpxSessionID, "new")
	}
	if got.LastUpdatedAt != 20 {
		t.Errorf("LastUpdatedAt = %d, want 20", got.LastUpdatedAt)
	}
}

func TestMergeIdentity_OlderTimestampDoesNotOverwrite(t *testing.T) {
	current := &SessionIdentity{AcpxSessionID: "current", LastUpdatedAt: 20}
	incoming := &SessionIdentity{AcpxSessionID: "stale", LastUpdatedAt: 5}

	got := mergeIdentity(current, incoming)
	if got.AcpxSessionID != "current" {
		t.Errorf("AcpxSessionID = %q, want %q (stale incoming must not overwrite)", got.AcpxSessionID, "current")
	}
}

func TestMergeIdentity_EmptyIncomingFieldsDoNotClearCurrent(t *testing.T) {
	current := &SessionIdentity{AcpxSessionID: "keep-me", LastUpdatedAt: 10}
	incoming := &SessionIdentity{LastUpdatedAt: 20} // no AcpxSessionID set

	got := mergeIdentity(current, incoming)
	if got.AcpxSessionID != "keep-me" {
		t.Errorf("AcpxSessionID = %q, want %q (empty incoming field must not clear current)", got.AcpxSessionID, "keep-me")
	}
}
