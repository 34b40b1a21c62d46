package acp

import "testing"

func TestComputeControlSignature_EmptyOptionsIsEmptyString(t *testing.T) {
	if got := computeControlSignature(nil); got != "" {
		t.Errorf("computeControlSignature(nil) = %q, want empty string", got)
	}
	if got := computeControlSignature(map[string]any{}); got != "" {
		t.Errorf("computeControlSignature({}) = %q, want empty string", got)
	}
}

func TestComputeControlSignature_KeyOrderIndependent(t *testing.T) {
	a := map[string]any{"mode": "fast", "temperature": 0.5}
	b := map[string]any{"temperature": 0.5, "mode": "fast"}

	sigA := computeControlSignature(a)
	sigB := computeControlSignature(b)
	if sigA != sigB {
		t.Errorf("signatures differ for the same options in different map iteration order: %q vs %q", sigA, sigB)
	}
}

func TestComputeControlSignature_DifferentValuesDifferentSignature(t *testing.T) {
	a := computeControlSignature(map[string]any{"mode": "fast"})
	b := computeControlSignature(map[string]any{"mode": "slow"})
	if a == b {
		t.Errorf("expected different option values to produce different signatures, both = %q", a)
	}
}

func TestComputeControlSignature_Deterministic(t *testing.T) {
	opts := map[string]any{"a": 1, "b": "two", "c": true}
	first := computeControlSignature(opts)
	second := computeControlSignature(opts)
	if first != second {
		t.Errorf("computeControlSignature is not deterministic across calls: %q vs %q", first, second)
	}
}
