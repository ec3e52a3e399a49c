package session

import (
	"errors"
	"testing"
)

func TestRegistryClaimAndRelease(t *testing.T) {
	r := NewRegistry()
	release, err := r.Claim("a.md")
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if _, err := r.Claim("a.md"); !errors.Is(err, ErrOwnerConflict) {
		t.Fatalf("expected ErrOwnerConflict, got %v", err)
	}
	if _, err := r.Claim("b.md"); err != nil {
		t.Fatalf("other documents must be independent: %v", err)
	}

	release()
	if r.Owned("a.md") {
		t.Fatalf("expected a.md to be released")
	}
	again, err := r.Claim("a.md")
	if err != nil {
		t.Fatalf("reclaim failed: %v", err)
	}
	// a stale release must not drop the new claim
	release()
	if !r.Owned("a.md") {
		t.Fatalf("stale release dropped a newer claim")
	}
	again()
}
