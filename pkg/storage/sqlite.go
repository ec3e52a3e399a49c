package storage

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore keeps document content in a documents table and replica
// snapshots in a snapshots table; each document points at its latest snapshot.
type SQLiteStore struct {
	db *sql.DB
}

func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	slog.Debug("opening database", "path", path)
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	s := &SQLiteStore{db: db}
	if err := s.init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS documents (
		id text not null primary key,
		content text not null,
		snapshot_id text,
		updated_at integer not null
		)`,
	); err != nil {
		return fmt.Errorf("failed to create documents table: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS snapshots (
		id text not null primary key,
		document_id text not null,
		content text not null,
		created_at integer not null
		)`,
	); err != nil {
		return fmt.Errorf("failed to create snapshots table: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LoadSeedContent(ctx context.Context, documentID string) (string, error) {
	if documentID == "" {
		return "", ErrInvalidID
	}
	var content string
	if err := s.db.QueryRowContext(ctx,
		`SELECT content FROM documents WHERE id = ?`, documentID,
	).Scan(&content); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("failed to query document: %w", err)
	}
	return content, nil
}

func (s *SQLiteStore) Persist(ctx context.Context, documentID, content string) error {
	if documentID == "" {
		return ErrInvalidID
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO documents(id, content, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET content = excluded.content, updated_at = excluded.updated_at`,
		documentID, content, time.Now().UnixMilli(),
	); err != nil {
		return fmt.Errorf("failed to persist document: %w", err)
	}
	return nil
}

// SaveSnapshot stores a replica snapshot and makes it the document's latest.
func (s *SQLiteStore) SaveSnapshot(ctx context.Context, documentID string, snapshot []byte) error {
	if documentID == "" {
		return ErrInvalidID
	}
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to start tx: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			slog.Error("failed to rollback", "err", err)
		}
	}()

	now := time.Now()
	snapshotID := fmt.Sprintf("%d", now.UnixNano())
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO snapshots(id, document_id, content, created_at) VALUES (?, ?, ?, ?)`,
		snapshotID, documentID, base64.StdEncoding.EncodeToString(snapshot), now.UnixMilli(),
	); err != nil {
		return fmt.Errorf("failed to insert snapshot: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO documents(id, content, snapshot_id, updated_at) VALUES (?, '', ?, ?)
		ON CONFLICT(id) DO UPDATE SET snapshot_id = excluded.snapshot_id`,
		documentID, snapshotID, now.UnixMilli(),
	); err != nil {
		return fmt.Errorf("failed to point document at snapshot: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// LoadSnapshot returns the latest snapshot of documentID, or ErrNotFound.
func (s *SQLiteStore) LoadSnapshot(ctx context.Context, documentID string) ([]byte, error) {
	var raw string
	if err := s.db.QueryRowContext(ctx,
		`SELECT sn.content FROM snapshots sn INNER JOIN documents d ON sn.id = d.snapshot_id WHERE d.id = ?`,
		documentID,
	).Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("snapshot of %s: %w", documentID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query snapshot: %w", err)
	}
	decoded, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return decoded, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
