package session

import (
	"context"
	"fmt"
)

// SurfaceMode is chosen before a surface is built. Switching modes means
// building a new surface.
type SurfaceMode int

const (
	Solo SurfaceMode = iota
	Collaborative
)

func (m SurfaceMode) String() string {
	switch m {
	case Solo:
		return "solo"
	case Collaborative:
		return "collaborative"
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// Surface is the text-editing component. SetPlainText is a programmatic
// render and must not be reported back through OnLocalChange.
type Surface interface {
	PlainText() string
	SetPlainText(text string)
	// OnLocalChange registers fn for user edits; fn receives the new text.
	// The returned func unregisters it.
	OnLocalChange(fn func(text string)) func()
}

type SurfaceFactory func(mode SurfaceMode, initial string) (Surface, error)

// Storage is the persistent store the surrounding application provides.
type Storage interface {
	LoadSeedContent(ctx context.Context, documentID string) (string, error)
	Persist(ctx context.Context, documentID, content string) error
}

// SnapshotStore is optionally implemented by a Storage that can keep the
// replica history next to the document.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, documentID string, snapshot []byte) error
}
