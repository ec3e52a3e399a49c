// Package surface provides an in-memory editing surface. Terminal and test
// front ends drive it with Type and Append, and watch renders with OnRender.
package surface

import (
	"sort"
	"sync"

	"github.com/astromechza/mdcollab/pkg/session"
)

type Buffer struct {
	mode session.SurfaceMode

	mu        sync.Mutex
	text      string
	closed    bool
	nextID    int
	localFns  map[int]func(string)
	renderFns map[int]func(string)
}

var _ session.Surface = (*Buffer)(nil)

func New(mode session.SurfaceMode, initial string) *Buffer {
	return &Buffer{
		mode:      mode,
		text:      initial,
		localFns:  make(map[int]func(string)),
		renderFns: make(map[int]func(string)),
	}
}

// Factory returns a session.SurfaceFactory building Buffers. Each new buffer
// is passed to the hooks before it is returned.
func Factory(hooks ...func(*Buffer)) session.SurfaceFactory {
	return func(mode session.SurfaceMode, initial string) (session.Surface, error) {
		b := New(mode, initial)
		for _, hook := range hooks {
			hook(b)
		}
		return b, nil
	}
}

func (b *Buffer) Mode() session.SurfaceMode {
	return b.mode
}

func (b *Buffer) PlainText() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.text
}

// SetPlainText replaces the text programmatically. Render listeners see it,
// local change listeners do not.
func (b *Buffer) SetPlainText(text string) {
	b.mu.Lock()
	if b.closed || b.text == text {
		b.mu.Unlock()
		return
	}
	b.text = text
	fns := listeners(b.renderFns)
	b.mu.Unlock()
	for _, fn := range fns {
		fn(text)
	}
}

// Type replaces the text as a user edit would.
func (b *Buffer) Type(text string) {
	b.mu.Lock()
	b.typeLocked(text)
}

// Append adds s to the end of the text as a user edit.
func (b *Buffer) Append(s string) {
	b.mu.Lock()
	b.typeLocked(b.text + s)
}

// typeLocked is entered with b.mu held and releases it before notifying.
func (b *Buffer) typeLocked(text string) {
	if b.closed || b.text == text {
		b.mu.Unlock()
		return
	}
	b.text = text
	fns := listeners(b.localFns)
	b.mu.Unlock()
	for _, fn := range fns {
		fn(text)
	}
}

func (b *Buffer) OnLocalChange(fn func(text string)) func() {
	return b.register(b.localFns, fn)
}

// OnRender registers fn for programmatic renders.
func (b *Buffer) OnRender(fn func(text string)) func() {
	return b.register(b.renderFns, fn)
}

func (b *Buffer) register(set map[int]func(string), fn func(string)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return func() {}
	}
	id := b.nextID
	b.nextID++
	set[id] = fn
	return func() {
		b.mu.Lock()
		delete(set, id)
		b.mu.Unlock()
	}
}

// Close detaches all listeners; later edits and renders are ignored.
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	clear(b.localFns)
	clear(b.renderFns)
	return nil
}

func listeners(set map[int]func(string)) []func(string) {
	ids := make([]int, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(string), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, set[id])
	}
	return fns
}
