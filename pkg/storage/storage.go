// Package storage keeps document content between sessions, either as plain
// files under a directory or in a sqlite database that also keeps replica
// snapshots.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidID = errors.New("invalid document id")
	ErrNotFound  = errors.New("not found")
)

const sqliteScheme = "sqlite://"

type Store interface {
	LoadSeedContent(ctx context.Context, documentID string) (string, error)
	Persist(ctx context.Context, documentID, content string) error
	Close() error
}

// Open picks a store from dsn: "sqlite://path" opens a sqlite database and
// anything else is a directory for a FileStore.
func Open(ctx context.Context, dsn string) (Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("storage location is required")
	}
	if path, ok := strings.CutPrefix(dsn, sqliteScheme); ok {
		return OpenSQLite(ctx, path)
	}
	return NewFileStore(dsn)
}

// SplitLocator splits "sqlite://db#doc" into the store dsn and a document id.
func SplitLocator(locator string) (dsn, documentID string, err error) {
	dsn, documentID, ok := strings.Cut(locator, "#")
	if !ok || documentID == "" {
		return "", "", fmt.Errorf("locator %q has no #document suffix", locator)
	}
	return dsn, documentID, nil
}
