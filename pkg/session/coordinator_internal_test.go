package session

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/astromechza/mdcollab/pkg/replica"
	"github.com/astromechza/mdcollab/pkg/transport"
	"github.com/astromechza/mdcollab/pkg/wire"
)

type stubTransport struct {
	mu      sync.Mutex
	sent    [][]byte
	settled bool
	closed  bool
}

func (s *stubTransport) SendUpdate(update []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, update)
	return nil
}

func (s *stubTransport) SetPresence(wire.PresenceRecord) error { return nil }

func (s *stubTransport) MarkSettled() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settled = true
}

func (s *stubTransport) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type textSurface struct {
	mu   sync.Mutex
	text string
}

func (s *textSurface) PlainText() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.text
}

func (s *textSurface) SetPlainText(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.text = text
}

func (s *textSurface) OnLocalChange(func(string)) func() { return func() {} }

type seedStore struct {
	seed string
}

func (s seedStore) LoadSeedContent(context.Context, string) (string, error) { return s.seed, nil }

func (s seedStore) Persist(context.Context, string, string) error { return nil }

func TestCallbacksAfterCloseAreIgnored(t *testing.T) {
	stub := &stubTransport{}
	var mu sync.Mutex
	var states []State
	c, err := Open(context.Background(), Config{
		DocumentID: "a.md",
		RelayURL:   "ws://relay.invalid",
		Registry:   NewRegistry(),
		Storage:    seedStore{seed: "seed\n"},
		NewSurface: func(SurfaceMode, string) (Surface, error) { return &textSurface{}, nil },
		Dial: func(string, string, transport.Options) (Transport, error) {
			return stub, nil
		},
		OnState: func(s State) {
			mu.Lock()
			defer mu.Unlock()
			states = append(states, s)
		},
	})
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}

	c.onTransportStatus(transport.Synced, nil)
	if st := c.State(); st.Phase != Ready {
		t.Fatalf("expected ready, got %+v", st)
	}
	stub.mu.Lock()
	settled, sent := stub.settled, len(stub.sent)
	stub.mu.Unlock()
	if !settled || sent != 1 {
		t.Fatalf("expected the seed sent and held answers released, got settled=%v sent=%d", settled, sent)
	}

	other := replica.New()
	defer other.Destroy()
	if _, err := other.Seed("remote text\n"); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	if err := c.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	<-c.events.Done()
	mu.Lock()
	delivered := len(states)
	mu.Unlock()

	c.onRemoteUpdate(other.Snapshot())
	c.onTransportStatus(transport.Error, fmt.Errorf("%w: gone", transport.ErrRetriesExhausted))
	c.onTransportStatus(transport.Synced, nil)
	c.onPresenceChange(1, []wire.Peer{{ID: "late"}})
	c.onSyncTimeout()
	c.onLocalChange("typed after close")

	st := c.State()
	if st.Phase != Closed || st.PeerCount != 0 || st.LastError != nil {
		t.Fatalf("late callbacks changed a closed coordinator: %+v", st)
	}
	if got := c.Content(); got != "seed\n" {
		t.Fatalf("expected final content to stay, got %q", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(states) != delivered || states[len(states)-1].Phase != Closed {
		t.Fatalf("expected closed to stay the last state, got %d extra", len(states)-delivered)
	}
}
