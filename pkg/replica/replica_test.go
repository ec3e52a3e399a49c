package replica

import (
	"strings"
	"testing"
)

func TestSeedOnlyWhenEmpty(t *testing.T) {
	r := New()
	defer r.Destroy()

	ok, err := r.Seed("Hello")
	if err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	if !ok {
		t.Fatalf("expected first seed to apply")
	}
	ok, err = r.Seed("Something else")
	if err != nil {
		t.Fatalf("second seed failed: %v", err)
	}
	if ok {
		t.Fatalf("expected second seed to be rejected")
	}
	if got := r.Content(); got != "Hello" {
		t.Fatalf("expected content Hello, got %q", got)
	}
}

func TestSeedIgnoresBlankText(t *testing.T) {
	r := New()
	defer r.Destroy()
	ok, err := r.Seed("  \n\t")
	if err != nil || ok {
		t.Fatalf("expected blank seed to be a no-op, got ok=%v err=%v", ok, err)
	}
	if !r.IsEmpty() {
		t.Fatalf("expected replica to stay empty")
	}
}

func TestNoSeedAfterRemoteEdit(t *testing.T) {
	remote := New()
	defer remote.Destroy()
	update, err := remote.Edit(nil, "World")
	if err != nil {
		t.Fatalf("remote edit failed: %v", err)
	}

	local := New()
	defer local.Destroy()
	if !local.ApplyRemoteUpdate(update) {
		t.Fatalf("expected remote update to change content")
	}
	ok, err := local.Seed("Hello")
	if err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	if ok {
		t.Fatalf("seed must not apply to a replica holding remote content")
	}
	if got := local.Content(); got != "World" {
		t.Fatalf("expected World, got %q", got)
	}
}

func TestConvergenceAnyOrderWithDuplicates(t *testing.T) {
	a := New()
	defer a.Destroy()
	b := New()
	defer b.Destroy()

	var updates [][]byte
	_, v := a.View()
	u, err := a.Edit(v, "line one\n")
	if err != nil {
		t.Fatalf("edit failed: %v", err)
	}
	updates = append(updates, u)
	_, v = a.View()
	u, err = a.Edit(v, "line one\nline two\n")
	if err != nil {
		t.Fatalf("edit failed: %v", err)
	}
	updates = append(updates, u)
	_, v = a.View()
	u, err = a.Edit(v, "line zero\nline one\nline two\n")
	if err != nil {
		t.Fatalf("edit failed: %v", err)
	}
	updates = append(updates, u)

	// reverse order plus duplicates; changes with missing dependencies wait
	for i := len(updates) - 1; i >= 0; i-- {
		b.ApplyRemoteUpdate(updates[i])
	}
	for _, u := range updates {
		b.ApplyRemoteUpdate(u)
	}

	if a.Content() != b.Content() {
		t.Fatalf("replicas diverged: %q vs %q", a.Content(), b.Content())
	}
}

func TestConcurrentEditsMerge(t *testing.T) {
	a := New()
	defer a.Destroy()
	seedUpdate, err := a.Edit(nil, "middle")
	if err != nil {
		t.Fatalf("edit failed: %v", err)
	}
	b := New()
	defer b.Destroy()
	b.ApplyRemoteUpdate(seedUpdate)

	_, va := a.View()
	ua, err := a.Edit(va, "start middle")
	if err != nil {
		t.Fatalf("edit a failed: %v", err)
	}
	_, vb := b.View()
	ub, err := b.Edit(vb, "middle end")
	if err != nil {
		t.Fatalf("edit b failed: %v", err)
	}
	a.ApplyRemoteUpdate(ub)
	b.ApplyRemoteUpdate(ua)

	if a.Content() != b.Content() {
		t.Fatalf("replicas diverged: %q vs %q", a.Content(), b.Content())
	}
	if a.Content() != "start middle end" {
		t.Fatalf("expected both edits kept, got %q", a.Content())
	}
}

func TestEditAgainstStaleVersionKeepsRemoteChanges(t *testing.T) {
	a := New()
	defer a.Destroy()
	base, err := a.Edit(nil, "alpha beta")
	if err != nil {
		t.Fatalf("edit failed: %v", err)
	}
	b := New()
	defer b.Destroy()
	b.ApplyRemoteUpdate(base)

	// the surface on b rendered this version
	rendered, staleVersion := b.View()

	_, va := a.View()
	remote, err := a.Edit(va, "alpha beta gamma")
	if err != nil {
		t.Fatalf("remote edit failed: %v", err)
	}
	b.ApplyRemoteUpdate(remote)

	// local keystroke computed from the stale render
	if _, err := b.Edit(staleVersion, "ALPHA"+strings.TrimPrefix(rendered, "alpha")); err != nil {
		t.Fatalf("stale edit failed: %v", err)
	}
	if got := b.Content(); got != "ALPHA beta gamma" {
		t.Fatalf("expected remote suffix to survive, got %q", got)
	}
}

func TestMalformedUpdateIsDiscarded(t *testing.T) {
	r := New()
	defer r.Destroy()
	if _, err := r.Seed("keep me"); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	if r.ApplyRemoteUpdate([]byte("definitely not automerge")) {
		t.Fatalf("expected malformed update to be discarded")
	}
	if got := r.Content(); got != "keep me" {
		t.Fatalf("content changed after malformed update: %q", got)
	}
}

func TestSnapshotAppliesAsUpdate(t *testing.T) {
	a := New()
	defer a.Destroy()
	if _, err := a.Seed("# Title\n\nbody"); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	b := New()
	defer b.Destroy()
	if !b.ApplyRemoteUpdate(a.Snapshot()) {
		t.Fatalf("expected snapshot to change content")
	}
	if b.Content() != a.Content() {
		t.Fatalf("expected %q, got %q", a.Content(), b.Content())
	}

	loaded, err := Load(a.Snapshot())
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if loaded.Content() != a.Content() {
		t.Fatalf("loaded content mismatch: %q", loaded.Content())
	}
}

func TestChangeListeners(t *testing.T) {
	r := New()
	var origins []Origin
	cancel := r.OnChange(func(o Origin) { origins = append(origins, o) })

	if _, err := r.Seed("one"); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	_, v := r.View()
	if _, err := r.Edit(v, "one two"); err != nil {
		t.Fatalf("edit failed: %v", err)
	}
	other := New()
	defer other.Destroy()
	other.ApplyRemoteUpdate(r.Snapshot())
	_, ov := other.View()
	u, err := other.Edit(ov, "one two three")
	if err != nil {
		t.Fatalf("edit failed: %v", err)
	}
	r.ApplyRemoteUpdate(u)
	cancel()
	_, v = r.View()
	if _, err := r.Edit(v, "after cancel"); err != nil {
		t.Fatalf("edit failed: %v", err)
	}

	want := []Origin{Seeded, Local, Remote}
	if len(origins) != len(want) {
		t.Fatalf("expected origins %v, got %v", want, origins)
	}
	for i := range want {
		if origins[i] != want[i] {
			t.Fatalf("expected origins %v, got %v", want, origins)
		}
	}
	r.Destroy()
}

func TestDestroyIsIdempotent(t *testing.T) {
	r := New()
	r.Destroy()
	r.Destroy()
	if r.ApplyRemoteUpdate([]byte{1, 2, 3}) {
		t.Fatalf("expected destroyed replica to ignore updates")
	}
	if _, err := r.Seed("x"); err != ErrDestroyed {
		t.Fatalf("expected ErrDestroyed, got %v", err)
	}
	if _, err := r.Edit(nil, "x"); err != ErrDestroyed {
		t.Fatalf("expected ErrDestroyed, got %v", err)
	}
	if r.Content() != "" || r.Snapshot() != nil {
		t.Fatalf("expected destroyed replica to report nothing")
	}
}
