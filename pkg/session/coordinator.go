// Package session coordinates one collaboratively edited document: it owns the
// replica and the relay transport, decides when initial content is seeded and
// falls back to standalone editing when collaboration cannot be established.
//
// The seeding protocol is: wait for the transport to report synced (bounded by
// SyncTimeout), inspect the replica, seed it from storage only if it is still
// empty, bind the editing surface, then enter Ready. Any failure on the way
// enters Degraded with the surface built from the stored content.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/astromechza/mdcollab/pkg/eventq"
	"github.com/astromechza/mdcollab/pkg/replica"
	"github.com/astromechza/mdcollab/pkg/transport"
	"github.com/astromechza/mdcollab/pkg/wire"
)

type Phase int

const (
	Initializing Phase = iota
	Syncing
	Ready
	Degraded
	Closed
)

func (p Phase) String() string {
	switch p {
	case Initializing:
		return "initializing"
	case Syncing:
		return "syncing"
	case Ready:
		return "ready"
	case Degraded:
		return "degraded"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

var (
	ErrSyncTimeout           = errors.New("timed out waiting for relay sync")
	ErrCollaborationDisabled = errors.New("no relay configured")
	ErrClosed                = errors.New("session closed")
)

const (
	DefaultSyncTimeout     = 8 * time.Second
	DefaultPersistDebounce = 500 * time.Millisecond
	persistTimeout         = 10 * time.Second
)

// State is the status indicator view of a coordinator. PeerCount excludes the
// local client.
type State struct {
	DocumentID string
	Phase      Phase
	Mode       SurfaceMode
	Transport  transport.Status
	PeerCount  int
	Peers      []wire.Peer
	LastError  error
}

// Transport is the part of transport.Session the coordinator drives.
type Transport interface {
	SendUpdate(update []byte) error
	SetPresence(record wire.PresenceRecord) error
	// MarkSettled releases the sync answers held while the replica was
	// being seeded.
	MarkSettled()
	Close() error
}

type DialFunc func(documentID, relayURL string, opts transport.Options) (Transport, error)

func DialRelay(documentID, relayURL string, opts transport.Options) (Transport, error) {
	s, err := transport.Open(documentID, relayURL, opts)
	if err != nil {
		return nil, err
	}
	return s, nil
}

type Config struct {
	DocumentID string
	// RelayURL is the relay base url. Empty opens the document standalone.
	RelayURL   string
	Registry   *Registry
	Storage    Storage
	NewSurface SurfaceFactory
	Presence   *wire.PresenceRecord

	// SyncTimeout bounds the wait for the first synced status.
	SyncTimeout     time.Duration
	PersistDebounce time.Duration
	Transport       transport.Options
	Dial            DialFunc
	OnState         func(State)
	Logger          *slog.Logger
}

func (c Config) validate() error {
	switch {
	case c.DocumentID == "":
		return fmt.Errorf("document id is required")
	case c.Registry == nil:
		return fmt.Errorf("registry is required")
	case c.Storage == nil:
		return fmt.Errorf("storage is required")
	case c.NewSurface == nil:
		return fmt.Errorf("surface factory is required")
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.SyncTimeout <= 0 {
		c.SyncTimeout = DefaultSyncTimeout
	}
	if c.PersistDebounce <= 0 {
		c.PersistDebounce = DefaultPersistDebounce
	}
	if c.Dial == nil {
		c.Dial = DialRelay
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

type Coordinator struct {
	cfg     Config
	logger  *slog.Logger
	events  *eventq.Queue
	release func()
	settled chan struct{}

	mu              sync.Mutex
	tearingDown     bool
	phase           Phase
	mode            SurfaceMode
	transportStatus transport.Status
	peers           []wire.Peer
	lastErr         error
	seed            string
	baseline        string
	replica         *replica.Replica
	unwatchReplica  func()
	transport       Transport
	surface         Surface
	unbind          func()
	version         replica.Version
	syncTimer       *time.Timer
	stateFns        []func(State)
	settleOnce      sync.Once

	persistMu      sync.Mutex
	persistTimer   *time.Timer
	pendingSince   time.Time
	persistStopped bool

	writeMu   sync.Mutex
	persisted string
}

// Open claims documentID, loads its stored content and starts the session
// protocol. It returns before the protocol settles; use WaitSettled or OnState
// to follow it. A second Open for a document that is still open fails with
// ErrOwnerConflict.
func Open(ctx context.Context, cfg Config) (*Coordinator, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	release, err := cfg.Registry.Claim(cfg.DocumentID)
	if err != nil {
		return nil, err
	}
	seed, err := cfg.Storage.LoadSeedContent(ctx, cfg.DocumentID)
	if err != nil {
		release()
		return nil, fmt.Errorf("failed to load seed content: %w", err)
	}

	logger := cfg.Logger.With("doc", cfg.DocumentID)
	c := &Coordinator{
		cfg:       cfg,
		logger:    logger,
		events:    eventq.New(),
		release:   release,
		settled:   make(chan struct{}),
		phase:     Initializing,
		seed:      seed,
		baseline:  seed,
		persisted: seed,
	}
	if cfg.OnState != nil {
		c.stateFns = append(c.stateFns, cfg.OnState)
	}
	c.replica = replica.New(replica.WithLogger(logger))
	c.unwatchReplica = c.replica.OnChange(func(replica.Origin) { c.schedulePersist() })

	c.mu.Lock()
	defer c.mu.Unlock()
	c.emitLocked()

	if cfg.RelayURL == "" {
		c.degradeLocked(ErrCollaborationDisabled)
		return c, nil
	}

	opts := cfg.Transport
	opts.Snapshot = c.replica.Snapshot
	opts.HoldSyncAnswers = true
	opts.Presence = cfg.Presence
	if opts.Logger == nil {
		opts.Logger = cfg.Logger
	}
	opts.OnStatus = c.onTransportStatus
	opts.OnRemoteUpdate = c.onRemoteUpdate
	opts.OnPresenceChange = c.onPresenceChange
	t, err := cfg.Dial(cfg.DocumentID, cfg.RelayURL, opts)
	if err != nil {
		c.degradeLocked(fmt.Errorf("failed to open transport: %w", err))
		return c, nil
	}
	c.transport = t
	c.transportStatus = transport.Connecting
	c.phase = Syncing
	c.syncTimer = time.AfterFunc(cfg.SyncTimeout, c.onSyncTimeout)
	c.logger.Info("waiting for relay sync", "timeout", cfg.SyncTimeout)
	c.emitLocked()
	return c, nil
}

func (c *Coordinator) DocumentID() string {
	return c.cfg.DocumentID
}

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked()
}

// OnState registers a handler for every state change. Handlers run serially
// on a goroutine of their own.
func (c *Coordinator) OnState(fn func(State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stateFns = append(c.stateFns, fn)
}

// WaitSettled blocks until the coordinator leaves Initializing/Syncing.
func (c *Coordinator) WaitSettled(ctx context.Context) (State, error) {
	select {
	case <-c.settled:
		return c.State(), nil
	case <-ctx.Done():
		return c.State(), ctx.Err()
	}
}

// Surface returns the surface currently bound, nil before the protocol
// settles. A mode change replaces it.
func (c *Coordinator) Surface() Surface {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.surface
}

// Content is the document's current text in every phase.
func (c *Coordinator) Content() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.contentLocked()
}

func (c *Coordinator) SetPresence(record wire.PresenceRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tearingDown {
		return ErrClosed
	}
	c.cfg.Presence = &record
	if c.transport == nil {
		return nil
	}
	return c.transport.SetPresence(record)
}

// Close cancels the sync wait, drops the transport, releases the replica and
// writes the final content. It is idempotent.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.tearingDown {
		c.mu.Unlock()
		return nil
	}
	c.tearingDown = true
	if c.syncTimer != nil {
		c.syncTimer.Stop()
	}
	if c.transport != nil {
		_ = c.transport.Close()
		c.transport = nil
	}
	content := c.contentLocked()
	var snapshot []byte
	if !c.replica.IsEmpty() {
		snapshot = c.replica.Snapshot()
	}
	c.detachLocked()
	c.unwatchReplica()
	c.replica.Destroy()
	c.baseline = content
	c.phase = Closed
	c.peers = nil
	c.settle()
	final := c.stateLocked()
	fns := slices.Clone(c.stateFns)
	c.stateFns = nil
	c.mu.Unlock()

	c.events.Stop(func() {
		for _, fn := range fns {
			fn(final)
		}
	})
	c.stopPersist()

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	var errs []error
	if err := c.writeContent(ctx, content); err != nil {
		errs = append(errs, err)
	}
	if ss, ok := c.cfg.Storage.(SnapshotStore); ok && len(snapshot) > 0 {
		if err := ss.SaveSnapshot(ctx, c.cfg.DocumentID, snapshot); err != nil {
			errs = append(errs, fmt.Errorf("failed to save snapshot: %w", err))
		}
	}
	c.release()
	c.logger.Info("session closed")
	return errors.Join(errs...)
}

func (c *Coordinator) onTransportStatus(status transport.Status, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tearingDown {
		return
	}
	c.transportStatus = status
	exhausted := errors.Is(err, transport.ErrRetriesExhausted)
	switch c.phase {
	case Syncing:
		if status == transport.Synced {
			c.completeSyncLocked()
			return
		}
		if exhausted {
			c.degradeLocked(err)
			return
		}
	case Ready:
		if exhausted {
			c.degradeLocked(err)
			return
		}
	case Degraded, Closed:
		return
	}
	if err != nil {
		c.lastErr = err
	}
	c.emitLocked()
}

func (c *Coordinator) onRemoteUpdate(update []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tearingDown || (c.phase != Syncing && c.phase != Ready) {
		return
	}
	if c.replica.ApplyRemoteUpdate(update) && c.phase == Ready {
		c.renderLocked()
	}
}

func (c *Coordinator) onPresenceChange(count int, peers []wire.Peer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tearingDown {
		return
	}
	c.peers = peers
	c.emitLocked()
}

func (c *Coordinator) onSyncTimeout() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tearingDown || c.phase != Syncing {
		return
	}
	c.degradeLocked(ErrSyncTimeout)
}

func (c *Coordinator) onLocalChange(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tearingDown {
		return
	}
	switch c.phase {
	case Ready:
		update, err := c.replica.Edit(c.version, text)
		if err != nil {
			c.logger.Error("failed to record local edit", "err", err)
			return
		}
		content, version := c.replica.View()
		c.version = version
		if content != text {
			c.surface.SetPlainText(content)
		}
		if update != nil {
			if err := c.transport.SendUpdate(update); err != nil {
				c.logger.Warn("failed to send update", "err", err)
			}
		}
	case Degraded:
		c.baseline = text
		c.schedulePersist()
	}
}

func (c *Coordinator) completeSyncLocked() {
	c.syncTimer.Stop()
	seeded, err := c.replica.Seed(c.seed)
	if err != nil {
		c.degradeLocked(err)
		return
	}
	if seeded {
		c.logger.Info("seeded empty replica from storage", "bytes", len(c.seed))
		if err := c.transport.SendUpdate(c.replica.Snapshot()); err != nil {
			c.logger.Warn("failed to send seed", "err", err)
		}
	} else {
		c.logger.Info("keeping collaborative content over stored copy")
	}

	content, version := c.replica.View()
	surface, err := c.cfg.NewSurface(Collaborative, content)
	if err != nil {
		c.degradeLocked(fmt.Errorf("failed to bind surface: %w", err))
		return
	}
	c.attachLocked(surface, Collaborative)
	c.version = version
	c.transport.MarkSettled()
	c.phase = Ready
	c.lastErr = nil
	c.logger.Info("session ready")
	c.settle()
	c.emitLocked()
	c.schedulePersist()
}

// degradeLocked abandons collaboration for the rest of this session. The
// replica's content becomes the baseline when collaboration was already
// running, the stored content otherwise.
func (c *Coordinator) degradeLocked(reason error) {
	if c.phase == Degraded || c.phase == Closed {
		return
	}
	if c.syncTimer != nil {
		c.syncTimer.Stop()
	}
	wasReady := c.phase == Ready
	if wasReady {
		c.baseline = c.replica.Content()
	} else {
		c.baseline = c.seed
	}
	c.detachLocked()
	if c.transport != nil {
		_ = c.transport.Close()
		c.transport = nil
	}
	c.transportStatus = transport.Closed
	c.peers = nil

	surface, err := c.cfg.NewSurface(Solo, c.baseline)
	if err != nil {
		c.logger.Error("failed to build standalone surface", "err", err)
	} else {
		c.attachLocked(surface, Solo)
	}
	c.phase = Degraded
	c.lastErr = reason
	c.logger.Warn("collaboration degraded", "reason", reason)
	c.settle()
	c.emitLocked()
	if wasReady {
		c.schedulePersist()
	}
}

func (c *Coordinator) attachLocked(surface Surface, mode SurfaceMode) {
	c.surface = surface
	c.mode = mode
	c.unbind = surface.OnLocalChange(c.onLocalChange)
}

func (c *Coordinator) detachLocked() {
	if c.unbind != nil {
		c.unbind()
		c.unbind = nil
	}
	if closer, ok := c.surface.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			c.logger.Warn("failed to close surface", "err", err)
		}
	}
	c.surface = nil
}

func (c *Coordinator) renderLocked() {
	content, version := c.replica.View()
	c.version = version
	if c.surface != nil {
		c.surface.SetPlainText(content)
	}
}

func (c *Coordinator) contentLocked() string {
	switch c.phase {
	case Ready:
		return c.replica.Content()
	case Degraded:
		if c.surface != nil {
			return c.surface.PlainText()
		}
		return c.baseline
	case Closed:
		return c.baseline
	}
	return c.seed
}

func (c *Coordinator) settle() {
	c.settleOnce.Do(func() { close(c.settled) })
}

func (c *Coordinator) stateLocked() State {
	return State{
		DocumentID: c.cfg.DocumentID,
		Phase:      c.phase,
		Mode:       c.mode,
		Transport:  c.transportStatus,
		PeerCount:  len(c.peers),
		Peers:      append([]wire.Peer(nil), c.peers...),
		LastError:  c.lastErr,
	}
}

func (c *Coordinator) emitLocked() {
	state := c.stateLocked()
	fns := slices.Clone(c.stateFns)
	c.events.Post(func() {
		for _, fn := range fns {
			fn(state)
		}
	})
}
