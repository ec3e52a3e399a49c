package wire

import (
	"strings"
	"testing"
)

func TestDecodeRejectsMissingType(t *testing.T) {
	if _, err := Decode([]byte(`{"from":"x"}`)); err == nil {
		t.Fatalf("expected an error for an untyped envelope")
	}
	if _, err := Decode([]byte(`not json`)); err == nil {
		t.Fatalf("expected an error for garbage")
	}
}

func TestEnvelopeOmitsEmptyFields(t *testing.T) {
	raw, err := Envelope{Type: SyncRequest}.Marshal()
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if string(raw) != `{"type":"sync-request"}` {
		t.Fatalf("unexpected encoding %s", raw)
	}

	cursor := 4
	raw, err = Envelope{Type: Presence, Presence: &PresenceRecord{Name: "a", Color: "#fff", Cursor: &cursor}}.Marshal()
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	env, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if env.Presence == nil || env.Presence.Cursor == nil || *env.Presence.Cursor != 4 {
		t.Fatalf("cursor lost in %s", raw)
	}
	if strings.Contains(string(raw), "state") {
		t.Fatalf("expected no state field in %s", raw)
	}
}
