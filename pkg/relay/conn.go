package relay

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/astromechza/mdcollab/pkg/wire"
)

type frame struct {
	kind int
	data []byte
}

type conn struct {
	id  string
	doc string
	ws  *websocket.Conn

	send chan frame
	done chan struct{}
	once sync.Once

	// presence is guarded by the owning group's mutex.
	presence *wire.PresenceRecord
}

func newConn(id, doc string, ws *websocket.Conn, queue int) *conn {
	return &conn{
		id:   id,
		doc:  doc,
		ws:   ws,
		send: make(chan frame, queue),
		done: make(chan struct{}),
	}
}

// enqueue never blocks. It reports false when the send queue is full.
func (c *conn) enqueue(f frame) bool {
	select {
	case <-c.done:
		return true
	default:
	}
	select {
	case c.send <- f:
		return true
	default:
		return false
	}
}

// terminate stops the write pump and closes the socket, which in turn ends
// the read pump and triggers the group cleanup.
func (c *conn) terminate() {
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

func (c *conn) readPump(pongWait time.Duration, limit int64, handle func(kind int, data []byte)) {
	c.ws.SetReadLimit(limit)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		handle(kind, data)
	}
}

func (c *conn) writePump(pingInterval, writeWait time.Duration, logger *slog.Logger) {
	t := time.NewTicker(pingInterval)
	defer t.Stop()
	defer c.terminate()
	for {
		select {
		case f := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(f.kind, f.data); err != nil {
				logger.Debug("failed to write to relay connection", "doc", c.doc, "peer", c.id, "err", err)
				return
			}
		case <-t.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				logger.Debug("failed to ping relay connection", "doc", c.doc, "peer", c.id, "err", err)
				return
			}
		case <-c.done:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}
