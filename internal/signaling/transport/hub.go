// Package transport carries the signaling wire protocol over WebSocket.
// Each client holds one persistent connection; the connection ID is the
// transport address the rest of the system routes by.
package transport

import (
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/sebas/patchbay/internal/signaling/events"
)

// ErrConnGone is returned by Send when no live connection holds the address.
var ErrConnGone = errors.New("connection gone")

// Handler consumes decoded signaling traffic. Implemented by router.Router.
type Handler interface {
	HandleConnect(identity, address string)
	HandleDisconnect(identity, address string)
	Handle(address string, msg events.Message)
}

// Hub owns all live connections and the session-group membership used for
// chat fan-out. Group traffic is a transport concern and is consumed here;
// everything else goes to the Handler.
type Hub struct {
	handler  Handler
	upgrader websocket.Upgrader

	mu     sync.RWMutex
	conns  map[string]*Conn            // address -> conn
	groups map[string]map[string]*Conn // groupID -> address -> conn
}

// NewHub creates a hub. SetHandler must be called before the hub
// accepts connections.
func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		conns:  make(map[string]*Conn),
		groups: make(map[string]map[string]*Conn),
	}
}

// SetHandler installs the consumer of non-group traffic. The router is
// built after the hub, so the handler arrives late.
func (h *Hub) SetHandler(handler Handler) {
	h.handler = handler
}

// ServeWS upgrades an HTTP request to a signaling connection. The identity
// rides the query string; requests without one are refused before upgrade.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	identity := r.URL.Query().Get("identity")
	if identity == "" {
		http.Error(w, "identity query parameter required", http.StatusBadRequest)
		return
	}
	if h.handler == nil {
		http.Error(w, "signaling not ready", http.StatusServiceUnavailable)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("[Transport] Upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	conn := &Conn{
		id:       uuid.NewString(),
		identity: identity,
		ws:       ws,
		send:     make(chan []byte, sendBuffer),
		hub:      h,
	}

	h.mu.Lock()
	h.conns[conn.id] = conn
	h.mu.Unlock()

	slog.Info("[Transport] Connected", "identity", identity, "conn", conn.id, "remote", r.RemoteAddr)

	go conn.writePump()
	go conn.readPump()

	h.handler.HandleConnect(identity, conn.id)
}

// Send delivers msg to the connection at address.
func (h *Hub) Send(address string, msg events.Message) error {
	h.mu.RLock()
	conn, ok := h.conns[address]
	h.mu.RUnlock()
	if !ok {
		return ErrConnGone
	}

	frame, err := events.Marshal(msg)
	if err != nil {
		return err
	}
	if !conn.enqueue(frame) {
		return ErrConnGone
	}
	return nil
}

// Broadcast delivers msg to every live connection.
func (h *Hub) Broadcast(msg events.Message) {
	frame, err := events.Marshal(msg)
	if err != nil {
		slog.Error("[Transport] Broadcast marshal failed", "type", msg.Type(), "error", err)
		return
	}

	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		c.enqueue(frame)
	}
}

// Count returns the number of live connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// dispatch consumes group traffic locally and hands everything else to the
// handler.
func (h *Hub) dispatch(c *Conn, msg events.Message) {
	switch m := msg.(type) {
	case *events.JoinGroup:
		h.join(m.GroupID, c)
	case *events.LeaveGroup:
		h.leave(m.GroupID, c)
	case *events.GroupMessage:
		if m.From == "" {
			m.From = c.identity
		}
		h.fanOut(m)
	default:
		h.handler.Handle(c.id, msg)
	}
}

func (h *Hub) join(groupID string, c *Conn) {
	h.mu.Lock()
	members, ok := h.groups[groupID]
	if !ok {
		members = make(map[string]*Conn)
		h.groups[groupID] = members
	}
	members[c.id] = c
	h.mu.Unlock()

	slog.Debug("[Transport] Joined group", "group", groupID, "identity", c.identity)
}

func (h *Hub) leave(groupID string, c *Conn) {
	h.mu.Lock()
	if members, ok := h.groups[groupID]; ok {
		delete(members, c.id)
		if len(members) == 0 {
			delete(h.groups, groupID)
		}
	}
	h.mu.Unlock()

	slog.Debug("[Transport] Left group", "group", groupID, "identity", c.identity)
}

// fanOut sends a group message to every member, including the sender; the
// sender's own copy doubles as delivery confirmation.
func (h *Hub) fanOut(m *events.GroupMessage) {
	frame, err := events.Marshal(m)
	if err != nil {
		slog.Error("[Transport] Group marshal failed", "group", m.GroupID, "error", err)
		return
	}

	h.mu.RLock()
	members := make([]*Conn, 0, len(h.groups[m.GroupID]))
	for _, c := range h.groups[m.GroupID] {
		members = append(members, c)
	}
	h.mu.RUnlock()

	for _, c := range members {
		c.enqueue(frame)
	}
}

// drop removes a dead connection everywhere and reconciles presence and
// occupancy through the handler.
func (h *Hub) drop(c *Conn) {
	h.mu.Lock()
	if _, ok := h.conns[c.id]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.conns, c.id)
	for groupID, members := range h.groups {
		delete(members, c.id)
		if len(members) == 0 {
			delete(h.groups, groupID)
		}
	}
	h.mu.Unlock()

	c.shutdown()
	_ = c.ws.Close()

	slog.Info("[Transport] Disconnected", "identity", c.identity, "conn", c.id)
	h.handler.HandleDisconnect(c.identity, c.id)
}

// Close drops every connection.
func (h *Hub) Close() {
	h.mu.Lock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		h.drop(c)
	}
}
