package transport

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sebas/patchbay/internal/signaling/events"
)

const (
	// writeWait is the deadline for a single outbound write.
	writeWait = 10 * time.Second
	// pongWait is how long to wait for a pong before dropping the connection.
	pongWait = 60 * time.Second
	// pingPeriod must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
	// maxMessageSize bounds inbound frames. SDP bodies run a few KB; this
	// leaves generous headroom.
	maxMessageSize = 128 * 1024
	// sendBuffer is the per-connection outbound queue depth.
	sendBuffer = 64
)

// Conn is one live client connection: the transport address the presence
// registry hands out is this connection's ID.
type Conn struct {
	id       string
	identity string
	ws       *websocket.Conn
	hub      *Hub

	// sendMu serializes enqueue against shutdown so a frame is never
	// sent on the closed queue.
	sendMu sync.Mutex
	send   chan []byte
	closed bool
}

// ID returns the connection's transport address.
func (c *Conn) ID() string { return c.id }

// Identity returns the identity bound at connect time.
func (c *Conn) Identity() string { return c.identity }

// enqueue queues an encoded frame without blocking. A full queue drops the
// frame; a slow consumer must not stall the signaling loop. Frames arriving
// after shutdown are dropped.
func (c *Conn) enqueue(frame []byte) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		slog.Warn("[Transport] Send queue full, frame dropped", "conn", c.id, "identity", c.identity)
		return false
	}
}

// shutdown closes the send queue exactly once. The hub may still hold this
// conn in a Send or Broadcast snapshot; sendMu keeps those enqueues from
// racing the close.
func (c *Conn) shutdown() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// readPump decodes inbound frames and feeds them to the hub until the
// connection dies. Runs in its own goroutine, one per connection.
func (c *Conn) readPump() {
	defer c.hub.drop(c)

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("[Transport] Read error", "conn", c.id, "error", err)
			}
			return
		}

		msg, err := events.Unmarshal(data)
		if err != nil {
			// Boundary rejection: non-conforming payloads never reach
			// the router.
			slog.Warn("[Transport] Rejected malformed message", "conn", c.id, "identity", c.identity, "error", err)
			continue
		}

		c.hub.dispatch(c, msg)
	}
}

// writePump drains the send queue and keeps the connection alive with pings.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
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
