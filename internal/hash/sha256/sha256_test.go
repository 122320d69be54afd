// Package sha256 includes tests for the SHA-256 fingerprinter.
package sha256

import "testing"

// TestHasherHashDeterministic ensures repeated hashing yields the same digest.
func TestHasherHashDeterministic(t *testing.T) {
	t.Parallel()

	h := New()
	got, err := h.Hash([]byte("hello world"))
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}
	want := "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"
	if got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
	again, err := h.Hash([]byte("hello world"))
	if err != nil {
		t.Fatalf("Hash() repeat error = %v", err)
	}
	if again != got {
		t.Fatalf("expected deterministic hash, got %s vs %s", got, again)
	}
}

// TestHasherDistinguishesContent checks a one-byte change alters the digest.
func TestHasherDistinguishesContent(t *testing.T) {
	t.Parallel()

	h := New()
	a, _ := h.Hash([]byte("%PDF-1.7 rate schedule A"))
	b, _ := h.Hash([]byte("%PDF-1.7 rate schedule B"))
	if a == b {
		t.Fatalf("expected different digests, both %s", a)
	}
}
