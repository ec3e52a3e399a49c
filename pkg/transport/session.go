// Package transport maintains one relay connection for one document.
//
// A Session connects asynchronously, reconnects with exponential backoff,
// exchanges state with the peers already on the document and tracks their
// presence. All handlers run on a single event queue goroutine in the order the
// events happened; once the session is closed no handler runs again.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"

	"github.com/astromechza/mdcollab/pkg/eventq"
	"github.com/astromechza/mdcollab/pkg/wire"
)

type Status int

const (
	Connecting Status = iota
	Connected
	Synced
	Disconnected
	Error
	Closed
)

func (s Status) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Synced:
		return "synced"
	case Disconnected:
		return "disconnected"
	case Error:
		return "error"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

var (
	ErrClosed           = errors.New("transport session closed")
	ErrRetriesExhausted = errors.New("relay retry budget exhausted")
)

// HandshakeError is returned when the relay refuses the websocket upgrade.
type HandshakeError struct {
	StatusCode int
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("relay rejected handshake with status %d", e.StatusCode)
}

const (
	DefaultInitialInterval = 500 * time.Millisecond
	DefaultMaxInterval     = 10 * time.Second
	DefaultRetryBudget     = 2 * time.Minute
	DefaultReadTimeout     = 30 * time.Second
	DefaultWriteWait       = 5 * time.Second
	DefaultSendQueue       = 256
)

type Options struct {
	Dialer *websocket.Dialer
	Header http.Header

	// InitialInterval and MaxInterval bound the reconnect backoff.
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// RetryBudget is how long an outage may last before the session gives up
	// and stays in Error. Negative means retry forever.
	RetryBudget time.Duration
	// MaxRetries additionally caps consecutive failed attempts. Zero means no
	// cap.
	MaxRetries int

	// ReadTimeout is how long the connection may stay silent; the relay pings
	// well within it.
	ReadTimeout time.Duration
	WriteWait   time.Duration
	SendQueue   int

	// Snapshot returns the full local document state. It answers peers' sync
	// requests and is pushed to peers after every reconnect.
	Snapshot func() []byte
	// HoldSyncAnswers makes a synced session hold its answers to sync
	// requests until MarkSettled is called.
	HoldSyncAnswers bool
	Presence        *wire.PresenceRecord
	Logger          *slog.Logger

	// Handlers registered before the first connection attempt, so no early
	// event is missed.
	OnStatus         StatusHandler
	OnRemoteUpdate   UpdateHandler
	OnPresenceChange PresenceHandler
}

func (o Options) withDefaults() Options {
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
	if o.InitialInterval <= 0 {
		o.InitialInterval = DefaultInitialInterval
	}
	if o.MaxInterval <= 0 {
		o.MaxInterval = DefaultMaxInterval
	}
	if o.RetryBudget == 0 {
		o.RetryBudget = DefaultRetryBudget
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = DefaultReadTimeout
	}
	if o.WriteWait <= 0 {
		o.WriteWait = DefaultWriteWait
	}
	if o.SendQueue <= 0 {
		o.SendQueue = DefaultSendQueue
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

func (o Options) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.InitialInterval
	b.MaxInterval = o.MaxInterval
	b.MaxElapsedTime = 0
	if o.RetryBudget > 0 {
		b.MaxElapsedTime = o.RetryBudget
	}
	b.Reset()
	if o.MaxRetries > 0 {
		return backoff.WithMaxRetries(b, uint64(o.MaxRetries))
	}
	return b
}

type (
	StatusHandler   func(status Status, err error)
	UpdateHandler   func(update []byte)
	PresenceHandler func(count int, peers []wire.Peer)
)

type frame struct {
	kind int
	data []byte
}

type Session struct {
	documentID string
	endpoint   string
	opts       Options
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	events *eventq.Queue

	mu       sync.Mutex
	status   Status
	closed   bool
	self     string
	peers    map[string]wire.Peer
	presence *wire.PresenceRecord
	conn     *websocket.Conn
	out      chan frame
	// pending holds the peers whose sync answer is still awaited; nil when no
	// sync exchange is running.
	pending    map[string]struct{}
	everSynced bool
	settled    bool
	// held are peers whose sync request waits for MarkSettled.
	held        map[string]struct{}
	statusFns   []StatusHandler
	updateFns   []UpdateHandler
	presenceFns []PresenceHandler
}

// Endpoint builds the websocket url of a document on a relay base url such as
// ws://localhost:8080.
func Endpoint(relayURL, documentID string) (string, error) {
	u, err := url.Parse(relayURL)
	if err != nil {
		return "", fmt.Errorf("failed to parse relay url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported relay url scheme %q", u.Scheme)
	}
	base := strings.TrimSuffix(u.EscapedPath(), "/")
	escaped := base + "/docs/" + url.PathEscape(documentID) + "/ws"
	u.RawPath = escaped
	if u.Path, err = url.PathUnescape(escaped); err != nil {
		return "", fmt.Errorf("failed to build relay path: %w", err)
	}
	return u.String(), nil
}

// Open starts connecting to the relay and returns immediately. Status changes
// are reported to the status handlers.
func Open(documentID, relayURL string, opts Options) (*Session, error) {
	if documentID == "" {
		return nil, fmt.Errorf("document id is required")
	}
	endpoint, err := Endpoint(relayURL, documentID)
	if err != nil {
		return nil, err
	}
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		documentID: documentID,
		endpoint:   endpoint,
		opts:       opts,
		logger:     opts.Logger.With("doc", documentID),
		ctx:        ctx,
		cancel:     cancel,
		events:     eventq.New(),
		status:     Connecting,
		peers:      make(map[string]wire.Peer),
		presence:   opts.Presence,
	}
	if opts.OnStatus != nil {
		s.statusFns = append(s.statusFns, opts.OnStatus)
	}
	if opts.OnRemoteUpdate != nil {
		s.updateFns = append(s.updateFns, opts.OnRemoteUpdate)
	}
	if opts.OnPresenceChange != nil {
		s.presenceFns = append(s.presenceFns, opts.OnPresenceChange)
	}
	go s.run()
	return s, nil
}

func (s *Session) DocumentID() string {
	return s.documentID
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// PeerID is the id the relay assigned to the current connection.
func (s *Session) PeerID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.self
}

// Peers returns the other peers on the document, sorted by id.
func (s *Session) Peers() []wire.Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerListLocked()
}

func (s *Session) peerListLocked() []wire.Peer {
	peers := make([]wire.Peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].ID < peers[j].ID })
	return peers
}

func (s *Session) OnStatus(fn StatusHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusFns = append(s.statusFns, fn)
}

func (s *Session) OnRemoteUpdate(fn UpdateHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updateFns = append(s.updateFns, fn)
}

func (s *Session) OnPresenceChange(fn PresenceHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.presenceFns = append(s.presenceFns, fn)
}

// SendUpdate forwards a local update to the peers. Updates made while no
// connection is up reach peers through the snapshot pushed on reconnect.
func (s *Session) SendUpdate(update []byte) error {
	if len(update) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.sendLocked(frame{kind: websocket.BinaryMessage, data: update})
	return nil
}

// SetPresence publishes the local presence record, now and after every
// reconnect.
func (s *Session) SetPresence(record wire.PresenceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.presence = &record
	s.sendEnvelopeLocked(wire.Envelope{Type: wire.Presence, Presence: s.presence})
	return nil
}

// MarkSettled tells the session its local state is final enough to hand to
// joining peers, and answers the sync requests held until now.
func (s *Session) MarkSettled() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.settled {
		return
	}
	s.settled = true
	for peer := range s.held {
		s.answerSyncLocked(peer)
	}
	s.held = nil
}

// Close disconnects and releases the connection. It is idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.status = Closed
	fns := append([]StatusHandler(nil), s.statusFns...)
	s.statusFns, s.updateFns, s.presenceFns = nil, nil, nil
	s.mu.Unlock()

	s.cancel()
	s.events.Stop(func() {
		for _, fn := range fns {
			fn(Closed, nil)
		}
	})
	return nil
}

// sendLocked queues f on the live connection. A full queue means the relay
// stopped draining, so the connection is recycled and the reconnect snapshot
// carries the dropped update.
func (s *Session) sendLocked(f frame) {
	if s.out == nil {
		return
	}
	select {
	case s.out <- f:
	default:
		s.logger.Warn("relay send queue full, recycling connection")
		_ = s.conn.Close()
	}
}

func (s *Session) sendEnvelopeLocked(env wire.Envelope) {
	raw, err := env.Marshal()
	if err != nil {
		s.logger.Error("failed to encode envelope", "err", err)
		return
	}
	s.sendLocked(frame{kind: websocket.TextMessage, data: raw})
}

func (s *Session) setStatusLocked(status Status, err error) {
	if s.closed || s.status == status {
		return
	}
	s.status = status
	s.logger.Info("transport status", "status", status, "err", err)
	fns := append([]StatusHandler(nil), s.statusFns...)
	s.events.Post(func() {
		for _, fn := range fns {
			fn(status, err)
		}
	})
}

func (s *Session) setStatus(status Status, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setStatusLocked(status, err)
}

func (s *Session) emitUpdateLocked(update []byte) {
	fns := append([]UpdateHandler(nil), s.updateFns...)
	s.events.Post(func() {
		for _, fn := range fns {
			fn(update)
		}
	})
}

func (s *Session) emitPresenceLocked() {
	peers := s.peerListLocked()
	fns := append([]PresenceHandler(nil), s.presenceFns...)
	s.events.Post(func() {
		for _, fn := range fns {
			fn(len(peers), peers)
		}
	})
}

func (s *Session) run() {
	b := s.opts.backOff()
	for {
		s.setStatus(Connecting, nil)
		synced, err := s.connectOnce()
		if s.ctx.Err() != nil {
			return
		}
		if synced {
			b.Reset()
		}
		delay := b.NextBackOff()
		if delay == backoff.Stop {
			s.logger.Warn("giving up on relay", "err", err)
			s.setStatus(Error, fmt.Errorf("%w: %w", ErrRetriesExhausted, err))
			return
		}
		var rejected *HandshakeError
		if errors.As(err, &rejected) {
			s.setStatus(Error, err)
		} else {
			s.logger.Debug("relay connection ended", "err", err)
			s.setStatus(Disconnected, err)
		}
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-s.ctx.Done():
			t.Stop()
			return
		}
	}
}

// connectOnce runs one connection until it ends. It reports whether the
// connection reached Synced.
func (s *Session) connectOnce() (bool, error) {
	conn, resp, err := s.opts.Dialer.DialContext(s.ctx, s.endpoint, s.opts.Header)
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 {
			return false, &HandshakeError{StatusCode: resp.StatusCode}
		}
		return false, fmt.Errorf("failed to dial relay: %w", err)
	}

	out := make(chan frame, s.opts.SendQueue)
	stop := make(chan struct{})
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		return false, ErrClosed
	}
	s.conn = conn
	s.out = out
	s.setStatusLocked(Connected, nil)
	s.mu.Unlock()

	wg := new(sync.WaitGroup)
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.writeLoop(conn, out, stop)
	}()

	readTimeout := s.opts.ReadTimeout
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(s.opts.WriteWait))
		if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
			return err
		}
		return nil
	})

	var readErr error
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			readErr = err
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		s.handleFrame(kind, data)
	}

	close(stop)
	wg.Wait()
	_ = conn.Close()

	s.mu.Lock()
	synced := s.everSynced && s.status == Synced
	s.conn = nil
	s.out = nil
	s.pending = nil
	s.held = nil
	s.self = ""
	if len(s.peers) > 0 {
		s.peers = make(map[string]wire.Peer)
		s.emitPresenceLocked()
	}
	s.mu.Unlock()
	return synced, fmt.Errorf("relay connection lost: %w", readErr)
}

func (s *Session) writeLoop(conn *websocket.Conn, out chan frame, stop chan struct{}) {
	for {
		select {
		case f := <-out:
			_ = conn.SetWriteDeadline(time.Now().Add(s.opts.WriteWait))
			if err := conn.WriteMessage(f.kind, f.data); err != nil {
				s.logger.Debug("failed to write to relay", "err", err)
				_ = conn.Close()
				return
			}
		case <-s.ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(s.opts.WriteWait))
			_ = conn.Close()
			return
		case <-stop:
			return
		}
	}
}

func (s *Session) handleFrame(kind int, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	switch kind {
	case websocket.BinaryMessage:
		s.emitUpdateLocked(data)
	case websocket.TextMessage:
		env, err := wire.Decode(data)
		if err != nil {
			s.logger.Warn("discarding malformed relay message", "err", err)
			return
		}
		s.handleEnvelopeLocked(env)
	}
}

func (s *Session) handleEnvelopeLocked(env wire.Envelope) {
	switch env.Type {
	case wire.Welcome:
		s.self = env.Peer
		s.peers = make(map[string]wire.Peer, len(env.Peers))
		for _, p := range env.Peers {
			s.peers[p.ID] = p
		}
		if s.presence != nil {
			s.sendEnvelopeLocked(wire.Envelope{Type: wire.Presence, Presence: s.presence})
		}
		if s.opts.Snapshot != nil && len(s.peers) > 0 {
			if state := s.opts.Snapshot(); len(state) > 0 {
				s.sendLocked(frame{kind: websocket.BinaryMessage, data: state})
			}
		}
		s.emitPresenceLocked()
		if len(s.peers) == 0 {
			s.markSyncedLocked()
			return
		}
		s.pending = make(map[string]struct{}, len(s.peers))
		for id := range s.peers {
			s.pending[id] = struct{}{}
		}
		s.sendEnvelopeLocked(wire.Envelope{Type: wire.SyncRequest})

	case wire.PeerJoined:
		if env.Peer == "" || env.Peer == s.self {
			return
		}
		if _, ok := s.peers[env.Peer]; !ok {
			s.peers[env.Peer] = wire.Peer{ID: env.Peer}
			s.emitPresenceLocked()
		}

	case wire.PeerLeft:
		delete(s.held, env.Peer)
		if _, ok := s.peers[env.Peer]; ok {
			delete(s.peers, env.Peer)
			s.emitPresenceLocked()
		}
		s.answeredLocked(env.Peer, false)

	case wire.Presence:
		p := s.peers[env.From]
		p.ID = env.From
		p.Presence = env.Presence
		s.peers[env.From] = p
		s.emitPresenceLocked()

	case wire.Peers:
		s.peers = make(map[string]wire.Peer, len(env.Peers))
		for _, p := range env.Peers {
			s.peers[p.ID] = p
		}
		s.emitPresenceLocked()

	case wire.SyncRequest:
		if s.opts.Snapshot == nil || env.From == "" {
			return
		}
		if s.opts.HoldSyncAnswers && !s.settled && s.status == Synced {
			if s.held == nil {
				s.held = make(map[string]struct{})
			}
			s.held[env.From] = struct{}{}
			return
		}
		s.answerSyncLocked(env.From)

	case wire.SyncState:
		if len(env.State) > 0 {
			s.emitUpdateLocked(env.State)
		}
		s.answeredLocked(env.From, env.Synced)
	}
}

func (s *Session) answerSyncLocked(peer string) {
	s.sendEnvelopeLocked(wire.Envelope{
		Type:   wire.SyncState,
		To:     peer,
		State:  s.opts.Snapshot(),
		Synced: s.status == Synced,
	})
}

// answeredLocked records that peer answered (or left). The exchange completes
// when a synced peer answered or no peer is left to wait for.
func (s *Session) answeredLocked(peer string, peerSynced bool) {
	if s.pending == nil {
		return
	}
	if _, ok := s.pending[peer]; !ok && !peerSynced {
		return
	}
	delete(s.pending, peer)
	if peerSynced || len(s.pending) == 0 {
		s.markSyncedLocked()
	}
}

func (s *Session) markSyncedLocked() {
	s.pending = nil
	s.everSynced = true
	s.setStatusLocked(Synced, nil)
}
