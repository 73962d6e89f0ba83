package client

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sebas/patchbay/internal/signaling/events"
)

// DefaultStatusTimeout bounds how long a call-status query waits when
// the caller's context has no deadline of its own.
const DefaultStatusTimeout = 5 * time.Second

// WSSignaler is a Signaler over a WebSocket connection to the
// signaling server. It owns the read loop and serializes writes.
type WSSignaler struct {
	conn *websocket.Conn
	log  *slog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string][]chan bool
	handler func(events.Message)
	closed  bool
}

// Dial connects to the signaling server at rawURL, signing in as
// identity.
func Dial(ctx context.Context, rawURL, identity string) (*WSSignaler, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing signaling url: %w", err)
	}
	q := u.Query()
	q.Set("identity", identity)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dialing signaling server: %w", err)
	}

	s := &WSSignaler{
		conn:    conn,
		log:     slog.Default(),
		pending: make(map[string][]chan bool),
	}
	go s.readLoop()
	return s, nil
}

// SetHandler installs the callback invoked for every message that is
// not a call-status reply. It must be set before messages are expected.
func (s *WSSignaler) SetHandler(fn func(events.Message)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = fn
}

// Send marshals and writes msg to the server.
func (s *WSSignaler) Send(msg events.Message) error {
	data, err := events.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", msg.Type(), err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("writing %s: %w", msg.Type(), err)
	}
	return nil
}

// CheckCallStatus asks the server whether identity is in a call and
// waits for the reply. The wait is bounded by ctx, or by
// DefaultStatusTimeout when ctx carries no deadline.
func (s *WSSignaler) CheckCallStatus(ctx context.Context, identity string) (bool, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultStatusTimeout)
		defer cancel()
	}

	reply := make(chan bool, 1)
	s.mu.Lock()
	s.pending[identity] = append(s.pending[identity], reply)
	s.mu.Unlock()

	if err := s.Send(&events.CheckCallStatus{Identity: identity}); err != nil {
		s.dropPending(identity, reply)
		return false, err
	}

	select {
	case inCall, ok := <-reply:
		if !ok {
			return false, fmt.Errorf("awaiting call status for %s: connection closed", identity)
		}
		return inCall, nil
	case <-ctx.Done():
		s.dropPending(identity, reply)
		return false, fmt.Errorf("awaiting call status for %s: %w", identity, ctx.Err())
	}
}

// dropPending removes a reply channel that will no longer be read.
func (s *WSSignaler) dropPending(identity string, ch chan bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	waiters := s.pending[identity]
	for i, w := range waiters {
		if w == ch {
			s.pending[identity] = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(s.pending[identity]) == 0 {
		delete(s.pending, identity)
	}
}

// readLoop decodes inbound frames and routes them: call-status replies
// resolve their waiters, everything else goes to the handler.
func (s *WSSignaler) readLoop() {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.failWaiters()
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if !closed {
				s.log.Warn("[Signaler] Connection lost", "error", err)
			}
			return
		}

		msg, err := events.Unmarshal(data)
		if err != nil {
			s.log.Warn("[Signaler] Dropping malformed message", "error", err)
			continue
		}

		if status, ok := msg.(*events.CallStatus); ok {
			s.resolve(status)
			continue
		}

		s.mu.Lock()
		handler := s.handler
		s.mu.Unlock()
		if handler != nil {
			handler(msg)
		}
	}
}

// resolve answers the oldest waiter for the status identity.
func (s *WSSignaler) resolve(status *events.CallStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	waiters := s.pending[status.Identity]
	if len(waiters) == 0 {
		return
	}
	waiters[0] <- status.IsInCall
	s.pending[status.Identity] = waiters[1:]
	if len(s.pending[status.Identity]) == 0 {
		delete(s.pending, status.Identity)
	}
}

// failWaiters unblocks every pending status query after the connection
// drops; each waiter then times out through its context.
func (s *WSSignaler) failWaiters() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for identity, waiters := range s.pending {
		for _, w := range waiters {
			close(w)
		}
		delete(s.pending, identity)
	}
}

// Close shuts the connection down.
func (s *WSSignaler) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return s.conn.Close()
}
