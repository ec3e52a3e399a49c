package relay

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/astromechza/mdcollab/pkg/wire"
)

// group is the set of connections on one document. All methods are called
// with mu held, which serializes joins, leaves and broadcasts per document.
type group struct {
	id    string
	conns map[string]*conn
	// remote holds peers connected to other relay instances.
	remote map[string]remotePeer

	mu sync.Mutex
}

type remotePeer struct {
	peer   wire.Peer
	origin string
}

func newGroup(id string) *group {
	return &group{
		id:     id,
		conns:  make(map[string]*conn),
		remote: make(map[string]remotePeer),
	}
}

func (g *group) empty() bool {
	return len(g.conns) == 0 && len(g.remote) == 0
}

// peersExcept lists every peer on the document apart from self, sorted by id.
func (g *group) peersExcept(self string) []wire.Peer {
	peers := make([]wire.Peer, 0, len(g.conns)+len(g.remote))
	for id, c := range g.conns {
		if id == self {
			continue
		}
		peers = append(peers, wire.Peer{ID: id, Presence: c.presence})
	}
	for id, rp := range g.remote {
		if id == self {
			continue
		}
		peers = append(peers, rp.peer)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].ID < peers[j].ID })
	return peers
}

func (g *group) add(c *conn, logger *slog.Logger) {
	peers := g.peersExcept(c.id)
	g.deliver(c, wire.Envelope{Type: wire.Welcome, Peer: c.id, Peers: peers, Count: len(peers)}, logger)
	g.conns[c.id] = c
	g.broadcastEnvelope(c.id, wire.Envelope{Type: wire.PeerJoined, Peer: c.id}, logger)
}

func (g *group) remove(c *conn, logger *slog.Logger) bool {
	if _, ok := g.conns[c.id]; !ok {
		return false
	}
	delete(g.conns, c.id)
	g.broadcastEnvelope(c.id, wire.Envelope{Type: wire.PeerLeft, Peer: c.id}, logger)
	return true
}

// localPeers lists the connections on this instance for a heartbeat roster.
func (g *group) localPeers() []wire.Peer {
	peers := make([]wire.Peer, 0, len(g.conns))
	for id, c := range g.conns {
		peers = append(peers, wire.Peer{ID: id, Presence: c.presence})
	}
	return peers
}

// addRemote records a peer of another instance. A peer already known keeps
// the presence its envelopes set.
func (g *group) addRemote(origin string, p wire.Peer, logger *slog.Logger) {
	if rp, ok := g.remote[p.ID]; ok {
		rp.origin = origin
		if rp.peer.Presence == nil {
			rp.peer.Presence = p.Presence
		}
		g.remote[p.ID] = rp
		return
	}
	g.remote[p.ID] = remotePeer{peer: p, origin: origin}
	g.broadcastEnvelope(p.ID, wire.Envelope{Type: wire.PeerJoined, Peer: p.ID}, logger)
}

func (g *group) removeRemote(id string, logger *slog.Logger) {
	if _, ok := g.remote[id]; !ok {
		return
	}
	delete(g.remote, id)
	g.broadcastEnvelope(id, wire.Envelope{Type: wire.PeerLeft, Peer: id}, logger)
}

// syncRemote makes the peers known from origin exactly peers.
func (g *group) syncRemote(origin string, peers []wire.Peer, logger *slog.Logger) {
	keep := make(map[string]struct{}, len(peers))
	for _, p := range peers {
		keep[p.ID] = struct{}{}
	}
	for id, rp := range g.remote {
		if _, ok := keep[id]; !ok && rp.origin == origin {
			g.removeRemote(id, logger)
		}
	}
	for _, p := range peers {
		if _, local := g.conns[p.ID]; !local {
			g.addRemote(origin, p, logger)
		}
	}
}

func (g *group) setRemotePresence(id string, presence *wire.PresenceRecord) {
	if rp, ok := g.remote[id]; ok {
		rp.peer.Presence = presence
		g.remote[id] = rp
	}
}

// broadcast queues f on every connection except the one with id from.
// Broadcasting to zero peers is a no-op.
func (g *group) broadcast(from string, f frame, logger *slog.Logger) {
	for id, c := range g.conns {
		if id == from {
			continue
		}
		if !c.enqueue(f) {
			logger.Warn("dropping slow relay connection", "doc", g.id, "peer", id)
			c.terminate()
		}
	}
}

// broadcastEnvelope sends env to every connection except from, with the peer
// count computed for each recipient.
func (g *group) broadcastEnvelope(from string, env wire.Envelope, logger *slog.Logger) {
	for id, c := range g.conns {
		if id == from {
			continue
		}
		g.deliver(c, env, logger)
	}
}

func (g *group) deliver(c *conn, env wire.Envelope, logger *slog.Logger) {
	switch env.Type {
	case wire.PeerJoined, wire.PeerLeft:
		env.Count = len(g.conns) + len(g.remote)
		if _, ok := g.conns[c.id]; ok {
			env.Count--
		}
	}
	raw, err := env.Marshal()
	if err != nil {
		logger.Error("failed to encode envelope", "doc", g.id, "err", err)
		return
	}
	if !c.enqueue(frame{kind: websocket.TextMessage, data: raw}) {
		logger.Warn("dropping slow relay connection", "doc", g.id, "peer", c.id)
		c.terminate()
	}
}
