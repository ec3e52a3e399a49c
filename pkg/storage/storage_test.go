package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func TestFileStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	got, err := s.LoadSeedContent(ctx, "notes/today.md")
	if err != nil || got != "" {
		t.Fatalf("expected missing file to load as empty, got %q %v", got, err)
	}
	if err := s.Persist(ctx, "notes/today.md", "# Today\n"); err != nil {
		t.Fatalf("persist failed: %v", err)
	}
	if err := s.Persist(ctx, "notes/today.md", "# Today\n- one\n"); err != nil {
		t.Fatalf("second persist failed: %v", err)
	}
	got, err = s.LoadSeedContent(ctx, "notes/today.md")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if got != "# Today\n- one\n" {
		t.Fatalf("unexpected content %q", got)
	}
	matches, _ := filepath.Glob(filepath.Join(s.Root(), "notes", ".mdcollab-*"))
	if len(matches) != 0 {
		t.Fatalf("expected temp files to be cleaned up, found %v", matches)
	}
}

func TestFileStoreRejectsEscapingIDs(t *testing.T) {
	ctx := context.Background()
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	for _, id := range []string{"", "../outside.md", "/etc/passwd", "a/../../b", `a\b`} {
		if err := s.Persist(ctx, id, "x"); !errors.Is(err, ErrInvalidID) {
			t.Errorf("expected ErrInvalidID persisting %q, got %v", id, err)
		}
		if _, err := s.LoadSeedContent(ctx, id); !errors.Is(err, ErrInvalidID) {
			t.Errorf("expected ErrInvalidID loading %q, got %v", id, err)
		}
	}
}

func TestSQLiteStore(t *testing.T) {
	ctx := context.Background()
	s, err := OpenSQLite(ctx, filepath.Join(t.TempDir(), "docs.sqlite3"))
	if err != nil {
		t.Fatalf("failed to open: %v", err)
	}
	defer s.Close()

	if got, err := s.LoadSeedContent(ctx, "a.md"); err != nil || got != "" {
		t.Fatalf("expected empty seed, got %q %v", got, err)
	}
	if _, err := s.LoadSnapshot(ctx, "a.md"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := s.SaveSnapshot(ctx, "a.md", []byte{0x85, 0x6f, 0x4a, 0x83}); err != nil {
		t.Fatalf("save snapshot failed: %v", err)
	}
	if err := s.Persist(ctx, "a.md", "hello"); err != nil {
		t.Fatalf("persist failed: %v", err)
	}
	if err := s.Persist(ctx, "a.md", "hello world"); err != nil {
		t.Fatalf("persist failed: %v", err)
	}
	if got, err := s.LoadSeedContent(ctx, "a.md"); err != nil || got != "hello world" {
		t.Fatalf("expected hello world, got %q %v", got, err)
	}
	if err := s.SaveSnapshot(ctx, "a.md", []byte{1, 2, 3}); err != nil {
		t.Fatalf("save snapshot failed: %v", err)
	}
	snap, err := s.LoadSnapshot(ctx, "a.md")
	if err != nil {
		t.Fatalf("load snapshot failed: %v", err)
	}
	if string(snap) != string([]byte{1, 2, 3}) {
		t.Fatalf("expected latest snapshot, got %v", snap)
	}
	if got, _ := s.LoadSeedContent(ctx, "a.md"); got != "hello world" {
		t.Fatalf("snapshot must not touch content, got %q", got)
	}
}

func TestOpenPicksStore(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	fs, err := Open(ctx, dir)
	if err != nil {
		t.Fatalf("open dir failed: %v", err)
	}
	if _, ok := fs.(*FileStore); !ok {
		t.Fatalf("expected FileStore, got %T", fs)
	}

	db, err := Open(ctx, "sqlite://"+filepath.Join(dir, "x.sqlite3"))
	if err != nil {
		t.Fatalf("open sqlite failed: %v", err)
	}
	defer db.Close()
	if _, ok := db.(*SQLiteStore); !ok {
		t.Fatalf("expected SQLiteStore, got %T", db)
	}

	dsn, id, err := SplitLocator("sqlite://x.sqlite3#notes/a.md")
	if err != nil || dsn != "sqlite://x.sqlite3" || id != "notes/a.md" {
		t.Fatalf("unexpected split %q %q %v", dsn, id, err)
	}
	if _, _, err := SplitLocator("sqlite://x.sqlite3"); err == nil {
		t.Fatalf("expected error for locator without document")
	}
}
