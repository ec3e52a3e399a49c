// Package replica holds the CRDT-backed shared state of one document.
//
// The document is an automerge doc whose root key "content" holds a Text
// object. Updates exchanged with peers are opaque automerge chunks: either a
// sequence of saved changes (local edits) or a full document save (sync
// answers). Both are applied with LoadIncremental, which is idempotent and
// queues changes whose dependencies have not arrived yet.
package replica

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/automerge/automerge-go"
	"github.com/google/uuid"
	"github.com/sergi/go-diff/diffmatchpatch"
)

// ContentKey is the root map key holding the document text.
const ContentKey = "content"

var ErrDestroyed = errors.New("replica destroyed")

// Origin tells change listeners where a content change came from.
type Origin int

const (
	Local Origin = iota
	Remote
	Seeded
)

func (o Origin) String() string {
	switch o {
	case Local:
		return "local"
	case Remote:
		return "remote"
	case Seeded:
		return "seeded"
	}
	return fmt.Sprintf("origin(%d)", int(o))
}

// Version is the set of heads a reader observed the content at.
type Version []automerge.ChangeHash

func (v Version) equal(other []automerge.ChangeHash) bool {
	if len(v) != len(other) {
		return false
	}
	seen := make(map[string]struct{}, len(v))
	for _, h := range v {
		seen[h.String()] = struct{}{}
	}
	for _, h := range other {
		if _, ok := seen[h.String()]; !ok {
			return false
		}
	}
	return true
}

type Option func(*Replica)

func WithLogger(logger *slog.Logger) Option {
	return func(r *Replica) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithActorID pins the automerge actor id (a hex string).
func WithActorID(actorID string) Option {
	return func(r *Replica) {
		r.actorID = actorID
	}
}

type Replica struct {
	mu        sync.Mutex
	doc       *automerge.Doc
	actorID   string
	destroyed bool
	logger    *slog.Logger

	listeners map[int]func(Origin)
	nextID    int
}

// New allocates an empty replica.
func New(opts ...Option) *Replica {
	r := &Replica{
		doc:       automerge.New(),
		logger:    slog.Default(),
		listeners: make(map[int]func(Origin)),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.actorID == "" {
		id := uuid.New()
		r.actorID = hex.EncodeToString(id[:])
	}
	if err := r.doc.SetActorID(r.actorID); err != nil {
		r.logger.Warn("failed to set actor id, keeping generated one", "actor", r.actorID, "err", err)
		r.actorID = r.doc.ActorID()
	}
	return r
}

// Load restores a replica from a Snapshot.
func Load(raw []byte, opts ...Option) (*Replica, error) {
	doc, err := automerge.Load(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to load doc: %w", err)
	}
	r := &Replica{
		doc:       doc,
		logger:    slog.Default(),
		listeners: make(map[int]func(Origin)),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.actorID = doc.ActorID()
	return r, nil
}

func (r *Replica) ActorID() string {
	return r.actorID
}

// OnChange registers a listener called after every content change. The
// returned func unregisters it.
func (r *Replica) OnChange(fn func(Origin)) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.destroyed {
		return func() {}
	}
	id := r.nextID
	r.nextID++
	r.listeners[id] = fn
	return func() {
		r.mu.Lock()
		delete(r.listeners, id)
		r.mu.Unlock()
	}
}

func (r *Replica) notify(origin Origin) {
	r.mu.Lock()
	if r.destroyed {
		r.mu.Unlock()
		return
	}
	fns := make([]func(Origin), 0, len(r.listeners))
	for _, fn := range r.listeners {
		fns = append(fns, fn)
	}
	r.mu.Unlock()
	for _, fn := range fns {
		fn(origin)
	}
}

// ApplyRemoteUpdate merges an opaque update. Malformed input is logged and
// discarded. It reports whether the materialized content changed.
func (r *Replica) ApplyRemoteUpdate(update []byte) bool {
	r.mu.Lock()
	if r.destroyed {
		r.mu.Unlock()
		return false
	}
	if len(update) == 0 {
		r.mu.Unlock()
		return false
	}
	before := textOf(r.doc, r.logger)
	if err := r.doc.LoadIncremental(update); err != nil {
		r.mu.Unlock()
		r.logger.Warn("discarding malformed update", "actor", r.actorID, "bytes", len(update), "err", err)
		return false
	}
	changed := textOf(r.doc, r.logger) != before
	r.mu.Unlock()
	if changed {
		r.notify(Remote)
	}
	return changed
}

// Content returns the current materialized text.
func (r *Replica) Content() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.destroyed {
		return ""
	}
	return textOf(r.doc, r.logger)
}

// View returns the content together with the version it was read at.
func (r *Replica) View() (string, Version) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.destroyed {
		return "", nil
	}
	return textOf(r.doc, r.logger), Version(r.doc.Heads())
}

func (r *Replica) IsEmpty() bool {
	return r.Content() == ""
}

// Seed inserts text only when the replica is empty and text is not blank. It
// reports whether the text was inserted; a non-empty replica is never
// overwritten.
func (r *Replica) Seed(text string) (bool, error) {
	r.mu.Lock()
	if r.destroyed {
		r.mu.Unlock()
		return false, ErrDestroyed
	}
	if strings.TrimSpace(text) == "" || textOf(r.doc, r.logger) != "" {
		r.mu.Unlock()
		return false, nil
	}
	if err := writeText(r.doc, "", text); err != nil {
		r.mu.Unlock()
		return false, fmt.Errorf("failed to seed: %w", err)
	}
	if _, err := r.doc.Commit("seed", automerge.CommitOptions{AllowEmpty: true}); err != nil {
		r.mu.Unlock()
		return false, fmt.Errorf("failed to commit seed: %w", err)
	}
	r.mu.Unlock()
	r.notify(Seeded)
	return true, nil
}

// Edit records a local edit. base is the version the editing surface last
// rendered and text is what the surface holds now. The edit is made against
// base and merged back, so remote changes the surface had not rendered yet are
// kept. The returned update is nil when nothing changed.
func (r *Replica) Edit(base Version, text string) ([]byte, error) {
	r.mu.Lock()
	if r.destroyed {
		r.mu.Unlock()
		return nil, ErrDestroyed
	}

	target := r.doc
	forked := false
	if !base.equal(r.doc.Heads()) {
		var err error
		if len(base) == 0 {
			target = automerge.New()
		} else if target, err = r.doc.Fork(base...); err != nil {
			r.mu.Unlock()
			return nil, fmt.Errorf("failed to fork at base version: %w", err)
		}
		// the fork has its own actor id, distinct from r.actorID
		forked = true
	}

	old := textOf(target, r.logger)
	if old == text {
		r.mu.Unlock()
		return nil, nil
	}
	if err := writeText(target, old, text); err != nil {
		r.mu.Unlock()
		return nil, fmt.Errorf("failed to apply edit: %w", err)
	}
	if _, err := target.Commit("edit", automerge.CommitOptions{AllowEmpty: true}); err != nil {
		r.mu.Unlock()
		return nil, fmt.Errorf("failed to commit edit: %w", err)
	}
	changes, err := target.Changes(base...)
	if err != nil {
		r.mu.Unlock()
		return nil, fmt.Errorf("failed to collect changes: %w", err)
	}
	if forked {
		if err := r.doc.Apply(changes...); err != nil {
			r.mu.Unlock()
			return nil, fmt.Errorf("failed to merge edit: %w", err)
		}
	}
	var update []byte
	for _, c := range changes {
		update = append(update, c.Save()...)
	}
	r.mu.Unlock()
	r.notify(Local)
	return update, nil
}

// Snapshot returns the full saved document, usable as an update.
func (r *Replica) Snapshot() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.destroyed {
		return nil
	}
	return r.doc.Save()
}

func (r *Replica) Heads() Version {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.destroyed {
		return nil
	}
	return Version(r.doc.Heads())
}

// Changes returns the full change history, oldest first.
func (r *Replica) Changes() ([]*automerge.Change, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.destroyed {
		return nil, ErrDestroyed
	}
	return r.doc.Changes()
}

// Fork returns an independent copy of the underlying document for inspection.
func (r *Replica) Fork() (*automerge.Doc, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.destroyed {
		return nil, ErrDestroyed
	}
	return r.doc.Fork()
}

// Destroy releases the document. It is safe to call more than once.
func (r *Replica) Destroy() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.destroyed {
		return
	}
	r.destroyed = true
	r.doc = nil
	r.listeners = nil
}

func textOf(doc *automerge.Doc, logger *slog.Logger) string {
	v, err := doc.Path(ContentKey).Get()
	if err != nil {
		logger.Error("failed to read content", "err", err)
		return ""
	}
	if v.Kind() != automerge.KindText {
		return ""
	}
	s, err := v.Text().Get()
	if err != nil {
		logger.Error("failed to read content text", "err", err)
		return ""
	}
	return s
}

// writeText turns old into text on doc. A missing content object is created
// whole; otherwise the difference is applied as splices so concurrent edits
// elsewhere in the text merge.
func writeText(doc *automerge.Doc, old, text string) error {
	v, err := doc.Path(ContentKey).Get()
	if err != nil {
		return err
	}
	if v.Kind() != automerge.KindText {
		return doc.Path(ContentKey).Set(automerge.NewText(text))
	}
	t := doc.Path(ContentKey).Text()
	dmp := diffmatchpatch.New()
	pos := 0
	for _, d := range dmp.DiffMain(old, text, false) {
		n := utf8.RuneCountInString(d.Text)
		switch d.Type {
		case diffmatchpatch.DiffEqual:
			pos += n
		case diffmatchpatch.DiffDelete:
			if err := t.Delete(pos, n); err != nil {
				return err
			}
		case diffmatchpatch.DiffInsert:
			if err := t.Insert(pos, d.Text); err != nil {
				return err
			}
			pos += n
		}
	}
	return nil
}
