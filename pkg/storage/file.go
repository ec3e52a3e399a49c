package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// FileStore keeps each document as a file under root. Document ids are
// slash separated relative paths.
type FileStore struct {
	root string
}

func NewFileStore(root string) (*FileStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage dir: %w", err)
	}
	return &FileStore{root: root}, nil
}

func (s *FileStore) Root() string {
	return s.root
}

func (s *FileStore) path(documentID string) (string, error) {
	if documentID == "" || strings.Contains(documentID, `\`) {
		return "", fmt.Errorf("%w: %q", ErrInvalidID, documentID)
	}
	local := filepath.FromSlash(documentID)
	if !filepath.IsLocal(local) {
		return "", fmt.Errorf("%w: %q", ErrInvalidID, documentID)
	}
	return filepath.Join(s.root, local), nil
}

// LoadSeedContent returns the stored text, or "" when the file does not exist.
func (s *FileStore) LoadSeedContent(_ context.Context, documentID string) (string, error) {
	p, err := s.path(documentID)
	if err != nil {
		return "", err
	}
	raw, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("failed to read %s: %w", documentID, err)
	}
	return string(raw), nil
}

// Persist replaces the file through a rename so readers never see a partial
// write.
func (s *FileStore) Persist(_ context.Context, documentID, content string) error {
	p, err := s.path(documentID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("failed to create dir for %s: %w", documentID, err)
	}
	f, err := os.CreateTemp(filepath.Dir(p), ".mdcollab-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(f.Name())
	if _, err := f.WriteString(content); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write %s: %w", documentID, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(f.Name(), p); err != nil {
		return fmt.Errorf("failed to replace %s: %w", documentID, err)
	}
	return nil
}

func (s *FileStore) Close() error {
	return nil
}
