package relay

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/patchbay-dev/patchbay/internal/log"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

// Conn is one accepted WebSocket connection. Reads and writes run on their
// own pumps; relay state hanging off the connection is guarded by the
// service mutex.
type Conn struct {
	ID     string
	svc    *Service
	ws     *websocket.Conn
	send   chan []byte
	logger *slog.Logger
	remote string

	closeOnce   sync.Once
	closed      atomic.Bool
	closeReason string

	// Guarded by Service.mu.
	sessionToken string
	channels     map[string]struct{}

	// role is assigned once, by the shape of the connection's first
	// substantive message, and holds in every channel the connection
	// belongs to. classSeq orders classifications so "the" target of a
	// channel is deterministic. Also guarded by Service.mu.
	role     Role
	classSeq uint64
}

func (s *Service) newConn(ws *websocket.Conn, remote string) *Conn {
	id := uuid.NewString()
	return &Conn{
		ID:       id,
		svc:      s,
		ws:       ws,
		send:     make(chan []byte, s.cfg.SendBuffer),
		logger:   log.WithConn(id),
		remote:   remote,
		channels: make(map[string]struct{}),
	}
}

// SafeSend queues data for the write pump without panicking if the
// connection closed underneath us. Returns false when the frame was not
// accepted (closed connection or full buffer).
func (c *Conn) SafeSend(data []byte) (sent bool) {
	// Close can race the closed check; the recover absorbs a send on the
	// just-closed channel.
	defer func() {
		if r := recover(); r != nil {
			sent = false
		}
	}()

	if c.closed.Load() {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// Close shuts the send channel exactly once. Frames already buffered are
// still flushed by the write pump, then a close frame carrying reason goes
// out.
func (c *Conn) Close(reason string) {
	c.closeOnce.Do(func() {
		c.closeReason = reason
		c.closed.Store(true)
		close(c.send)
	})
}

func (c *Conn) isClosed() bool {
	return c.closed.Load()
}

// readPump relays inbound frames into the service until the peer goes away,
// then reports the disconnect.
func (c *Conn) readPump() {
	defer func() {
		c.svc.handleDisconnect(c)
		_ = c.ws.Close()
	}()

	c.ws.SetReadLimit(c.svc.cfg.MaxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warn("read error", "error", err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		c.svc.handleFrame(c, data)
	}
}

// writePump drains the send channel onto the wire and keeps the peer alive
// with pings.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, c.closeReason)
				_ = c.ws.WriteMessage(websocket.CloseMessage, msg)
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
