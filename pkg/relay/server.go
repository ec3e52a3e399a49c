// Package relay is a bare message relay keyed by document id. It forwards
// opaque update frames and JSON control envelopes between the connections of
// one document and holds no document state of its own.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/astromechza/mdcollab/pkg/wire"
)

const (
	DefaultPingInterval    = 10 * time.Second
	DefaultPongWait        = 25 * time.Second
	DefaultWriteWait       = 5 * time.Second
	DefaultSendQueue       = 256
	DefaultMaxMessageBytes = 16 << 20
	DefaultHeartbeat       = 5 * time.Second
	DefaultPublishQueue    = 1024
)

var ErrServerClosed = errors.New("relay server closed")

type Options struct {
	// PingInterval is how often each connection is pinged.
	PingInterval time.Duration
	// PongWait is the grace period after which a silent connection is
	// terminated. It must be longer than PingInterval.
	PongWait  time.Duration
	WriteWait time.Duration
	// SendQueue bounds the frames buffered per connection; a connection whose
	// queue is full is dropped.
	SendQueue       int
	MaxMessageBytes int64
	// Backplane fans messages out to other relay instances. Optional.
	Backplane Backplane
	// Heartbeat is how often this instance announces its local peers on the
	// backplane. Peers of an instance not heard from for PeerExpiry are
	// dropped.
	Heartbeat    time.Duration
	PeerExpiry   time.Duration
	PublishQueue int

	CheckOrigin func(r *http.Request) bool
	Logger      *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.PingInterval <= 0 {
		o.PingInterval = DefaultPingInterval
	}
	if o.PongWait <= o.PingInterval {
		o.PongWait = o.PingInterval*2 + o.PingInterval/2
	}
	if o.WriteWait <= 0 {
		o.WriteWait = DefaultWriteWait
	}
	if o.SendQueue <= 0 {
		o.SendQueue = DefaultSendQueue
	}
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if o.Heartbeat <= 0 {
		o.Heartbeat = DefaultHeartbeat
	}
	if o.PeerExpiry <= o.Heartbeat {
		o.PeerExpiry = 3 * o.Heartbeat
	}
	if o.PublishQueue <= 0 {
		o.PublishQueue = DefaultPublishQueue
	}
	if o.CheckOrigin == nil {
		o.CheckOrigin = func(r *http.Request) bool { return true }
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

type Server struct {
	opts       Options
	logger     *slog.Logger
	router     *mux.Router
	upgrader   websocket.Upgrader
	instanceID string

	// outbox orders backplane publishes without holding locks over the
	// network round trip.
	outbox chan Message
	stop   chan struct{}
	wg     sync.WaitGroup

	mu     sync.Mutex
	groups map[string]*group
	closed bool
	// instances is when each other relay instance was last heard from.
	instances map[string]time.Time
}

func NewServer(ctx context.Context, opts Options) (*Server, error) {
	opts = opts.withDefaults()
	s := &Server{
		opts:       opts,
		logger:     opts.Logger,
		instanceID: uuid.NewString(),
		groups:     make(map[string]*group),
		instances:  make(map[string]time.Time),
		stop:       make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     opts.CheckOrigin,
		},
	}

	r := mux.NewRouter()
	r.UseEncodedPath()
	r.Use(func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			m := httpsnoop.CaptureMetrics(handler, writer, request)
			s.logger.Info("handled", "method", request.Method, "url", request.URL, "duration", m.Duration, "status", m.Code)
		})
	})
	r.Methods(http.MethodGet).Path("/healthz").HandlerFunc(s.health)
	r.Methods(http.MethodGet).Path("/docs/{doc}/ws").HandlerFunc(s.serveWS)
	r.Methods(http.MethodGet).Path("/docs/{doc}/peers").HandlerFunc(s.peers)
	s.router = r

	if opts.Backplane != nil {
		if err := opts.Backplane.Subscribe(ctx, s.handleBackplane); err != nil {
			return nil, fmt.Errorf("failed to subscribe to backplane: %w", err)
		}
		s.outbox = make(chan Message, opts.PublishQueue)
		s.wg.Add(2)
		go s.publishLoop()
		go s.heartbeatLoop()
	}
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Shutdown terminates every connection and closes the backplane.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var conns []*conn
	for _, g := range s.groups {
		g.mu.Lock()
		for _, c := range g.conns {
			conns = append(conns, c)
		}
		g.mu.Unlock()
	}
	s.mu.Unlock()

	close(s.stop)
	s.wg.Wait()

	for _, c := range conns {
		c.terminate()
	}
	if s.opts.Backplane != nil {
		// an empty roster tells the other instances these peers are gone
		if err := s.opts.Backplane.Publish(ctx, Message{Origin: s.instanceID, Kind: KindHeartbeat}); err != nil {
			s.logger.Warn("failed to announce shutdown on backplane", "err", err)
		}
		if err := s.opts.Backplane.Close(); err != nil {
			return fmt.Errorf("failed to close backplane: %w", err)
		}
	}
	return ctx.Err()
}

func documentID(r *http.Request) (string, error) {
	raw := mux.Vars(r)["doc"]
	id, err := url.PathUnescape(raw)
	if err != nil {
		return "", fmt.Errorf("failed to unescape document id: %w", err)
	}
	if id == "" {
		return "", fmt.Errorf("empty document id")
	}
	return id, nil
}

func (s *Server) health(writer http.ResponseWriter, request *http.Request) {
	s.mu.Lock()
	groups := len(s.groups)
	s.mu.Unlock()
	writeJSON(writer, http.StatusOK, map[string]any{"ok": true, "documents": groups})
}

func (s *Server) peers(writer http.ResponseWriter, request *http.Request) {
	id, err := documentID(request)
	if err != nil {
		http.Error(writer, "malformed document id", http.StatusBadRequest)
		return
	}
	var peers []wire.Peer
	s.mu.Lock()
	if g, ok := s.groups[id]; ok {
		g.mu.Lock()
		peers = g.peersExcept("")
		g.mu.Unlock()
	}
	s.mu.Unlock()
	writeJSON(writer, http.StatusOK, map[string]any{"document": id, "peers": peers, "count": len(peers)})
}

func (s *Server) serveWS(writer http.ResponseWriter, request *http.Request) {
	id, err := documentID(request)
	if err != nil {
		http.Error(writer, "malformed document id", http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		http.Error(writer, ErrServerClosed.Error(), http.StatusServiceUnavailable)
		return
	}

	ws, err := s.upgrader.Upgrade(writer, request, nil)
	if err != nil {
		s.logger.Error("failed to upgrade", "doc", id, "err", err)
		return
	}
	c := newConn(uuid.NewString(), id, ws, s.opts.SendQueue)

	g, err := s.join(c)
	if err != nil {
		s.logger.Warn("rejecting connection", "doc", id, "err", err)
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()),
			time.Now().Add(s.opts.WriteWait))
		_ = ws.Close()
		return
	}
	s.logger.Info("relay connection opened", "doc", id, "peer", c.id)

	go c.writePump(s.opts.PingInterval, s.opts.WriteWait, s.logger)
	c.readPump(s.opts.PongWait, s.opts.MaxMessageBytes, func(kind int, data []byte) {
		s.handleFrame(g, c, kind, data)
	})

	s.leave(g, c)
	c.terminate()
	s.logger.Info("relay connection closed", "doc", id, "peer", c.id)
}

func (s *Server) join(c *conn) (*group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrServerClosed
	}
	g, ok := s.groups[c.doc]
	if !ok {
		g = newGroup(c.doc)
		s.groups[c.doc] = g
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.add(c, s.logger)
	s.publish(Message{Kind: KindJoin, Document: c.doc, Peer: &wire.Peer{ID: c.id}})
	return g, nil
}

func (s *Server) leave(g *group, c *conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.remove(c, s.logger) {
		return
	}
	s.publish(Message{Kind: KindLeave, Document: c.doc, Peer: &wire.Peer{ID: c.id}})
	if g.empty() {
		delete(s.groups, g.id)
		s.logger.Debug("discarded empty document group", "doc", g.id)
	}
}

func (s *Server) handleFrame(g *group, c *conn, kind int, data []byte) {
	switch kind {
	case websocket.BinaryMessage:
		g.mu.Lock()
		g.broadcast(c.id, frame{kind: websocket.BinaryMessage, data: data}, s.logger)
		g.mu.Unlock()
		s.publish(Message{Kind: KindUpdate, Document: g.id, From: c.id, Update: data})
	case websocket.TextMessage:
		env, err := wire.Decode(data)
		if err != nil {
			s.logger.Warn("discarding malformed control message", "doc", g.id, "peer", c.id, "err", err)
			return
		}
		env.From = c.id
		s.handleEnvelope(g, c, env)
	}
}

func (s *Server) handleEnvelope(g *group, c *conn, env wire.Envelope) {
	g.mu.Lock()
	defer g.mu.Unlock()
	switch env.Type {
	case wire.Welcome, wire.PeerJoined, wire.PeerLeft:
		s.logger.Warn("ignoring relay-only message from client", "doc", g.id, "peer", c.id, "type", env.Type)
		return
	case wire.Peers:
		peers := g.peersExcept(c.id)
		g.deliver(c, wire.Envelope{Type: wire.Peers, Peers: peers, Count: len(peers)}, s.logger)
		return
	case wire.Presence:
		c.presence = env.Presence
	}

	if env.To != "" {
		if target, ok := g.conns[env.To]; ok {
			g.deliver(target, env, s.logger)
			return
		}
	} else {
		g.broadcastEnvelope(c.id, env, s.logger)
	}
	s.publish(Message{Kind: KindEnvelope, Document: g.id, From: c.id, Envelope: &env})
}

// publish queues m for the backplane. A full queue drops m; the next
// heartbeat repairs any membership it carried.
func (s *Server) publish(m Message) {
	if s.outbox == nil {
		return
	}
	select {
	case <-s.stop:
		return
	default:
	}
	m.Origin = s.instanceID
	select {
	case s.outbox <- m:
	default:
		s.logger.Warn("backplane queue full, dropping message", "doc", m.Document, "kind", m.Kind)
	}
}

func (s *Server) publishLoop() {
	defer s.wg.Done()
	for {
		select {
		case m := <-s.outbox:
			ctx, cancel := context.WithTimeout(context.Background(), s.opts.Heartbeat)
			if err := s.opts.Backplane.Publish(ctx, m); err != nil {
				s.logger.Error("failed to publish to backplane", "doc", m.Document, "kind", m.Kind, "err", err)
			}
			cancel()
		case <-s.stop:
			return
		}
	}
}

func (s *Server) heartbeatLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.opts.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			s.heartbeat(now)
		case <-s.stop:
			return
		}
	}
}

// heartbeat publishes the local roster and forgets instances that went quiet.
// The roster is queued under mu so it is ordered after every join and leave
// it reflects.
func (s *Server) heartbeat(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	roster := make(map[string][]wire.Peer)
	for id, g := range s.groups {
		g.mu.Lock()
		if peers := g.localPeers(); len(peers) > 0 {
			roster[id] = peers
		}
		g.mu.Unlock()
	}
	s.publish(Message{Kind: KindHeartbeat, Roster: roster})

	for origin, seen := range s.instances {
		if now.Sub(seen) <= s.opts.PeerExpiry {
			continue
		}
		s.logger.Warn("relay instance went quiet, dropping its peers", "instance", origin, "last_seen", seen)
		delete(s.instances, origin)
		s.syncInstanceLocked(origin, nil)
	}
}

// syncInstanceLocked replaces the peers known from origin with roster.
func (s *Server) syncInstanceLocked(origin string, roster map[string][]wire.Peer) {
	for id, peers := range roster {
		if _, ok := s.groups[id]; !ok && len(peers) > 0 {
			s.groups[id] = newGroup(id)
		}
	}
	for id, g := range s.groups {
		g.mu.Lock()
		g.syncRemote(origin, roster[id], s.logger)
		empty := g.empty()
		g.mu.Unlock()
		if empty {
			delete(s.groups, id)
		}
	}
}

func (s *Server) handleBackplane(m Message) {
	if m.Origin == s.instanceID {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.instances[m.Origin] = time.Now()
	if m.Kind == KindHeartbeat {
		s.syncInstanceLocked(m.Origin, m.Roster)
		return
	}
	g, ok := s.groups[m.Document]
	if !ok {
		if m.Kind != KindJoin {
			return
		}
		g = newGroup(m.Document)
		s.groups[m.Document] = g
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	switch m.Kind {
	case KindJoin:
		if m.Peer != nil {
			g.addRemote(m.Origin, *m.Peer, s.logger)
		}
	case KindLeave:
		if m.Peer != nil {
			g.removeRemote(m.Peer.ID, s.logger)
		}
	case KindUpdate:
		g.broadcast(m.From, frame{kind: websocket.BinaryMessage, data: m.Update}, s.logger)
	case KindEnvelope:
		if m.Envelope == nil {
			return
		}
		env := *m.Envelope
		if env.Type == wire.Presence {
			g.setRemotePresence(env.From, env.Presence)
		}
		if env.To != "" {
			if target, ok := g.conns[env.To]; ok {
				g.deliver(target, env, s.logger)
			}
			return
		}
		g.broadcastEnvelope(env.From, env, s.logger)
	}
	if g.empty() {
		delete(s.groups, g.id)
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
