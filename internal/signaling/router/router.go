// Package router implements the signaling protocol state machine: it consults
// the presence registry and occupancy tracker to relay offer/answer/ICE
// exchanges between exactly two parties per session, rejecting conflicting
// attempts and reconciling state when either party disappears.
package router

import (
	"log/slog"
	"time"

	"github.com/sebas/patchbay/internal/signaling/events"
	"github.com/sebas/patchbay/internal/signaling/occupancy"
	"github.com/sebas/patchbay/internal/signaling/presence"
)

// DefaultBusyDebounce is the window within which repeated busy notifications
// to the same connection are suppressed. Two near-simultaneous offer-style
// events must not double-notify the caller.
const DefaultBusyDebounce = time.Second

// Sender delivers wire messages to connections. Implemented by the
// transport hub.
type Sender interface {
	// Send delivers msg to the connection at address. A send to a vanished
	// address is a no-op error; the router treats it as unreachable.
	Send(address string, msg events.Message) error
	// Broadcast delivers msg to every live connection.
	Broadcast(msg events.Message)
}

// CallRecorder receives call-log write-throughs. Calls are fire-and-forget:
// recorder failures never block or reverse signaling state.
// Implemented by calllog.Recorder.
type CallRecorder interface {
	CallStarted(sessionID, caller, callee string, at time.Time) error
	CallEnded(sessionID string, at time.Time) error
}

// Router owns the server-side signaling state machine. All registry and
// tracker mutations triggered by connection events funnel through here.
type Router struct {
	reg      *presence.Registry
	tracker  *occupancy.Tracker
	sender   Sender
	recorder CallRecorder
	busy     *debouncer
}

// Config assembles the router's collaborators.
type Config struct {
	Registry *presence.Registry
	Tracker  *occupancy.Tracker
	Sender   Sender
	Recorder CallRecorder
	// BusyDebounce overrides DefaultBusyDebounce when positive.
	BusyDebounce time.Duration
}

// New creates a router and wires the presence snapshot broadcast.
func New(cfg Config) *Router {
	window := cfg.BusyDebounce
	if window <= 0 {
		window = DefaultBusyDebounce
	}

	r := &Router{
		reg:      cfg.Registry,
		tracker:  cfg.Tracker,
		sender:   cfg.Sender,
		recorder: cfg.Recorder,
		busy:     newDebouncer(window),
	}

	// Every effective presence change pushes a fresh snapshot to all
	// connected parties.
	r.reg.SetOnChange(func(identities []string) {
		r.sender.Broadcast(&events.OnlineUsers{Identities: identities})
	})

	return r
}

// HandleConnect registers a new connection for identity. A second connection
// silently supersedes the registry entry; the first is not forcibly closed.
func (r *Router) HandleConnect(identity, address string) {
	if identity == "" {
		slog.Warn("[Router] Connection without identity ignored", "address", address)
		return
	}
	r.reg.Set(identity, address)
}

// HandleDisconnect reconciles state when a connection closes. Occupancy and
// presence are cleared only if the registry still maps identity to this
// exact address; a close from a superseded connection is a no-op.
func (r *Router) HandleDisconnect(identity, address string) {
	current, ok := r.reg.Resolve(identity)
	if !ok || current != address {
		return
	}

	if r.tracker.IsOccupied(identity) {
		r.tracker.Clear(identity)
		slog.Info("[Router] Cleared occupancy on disconnect", "identity", identity)
	}
	r.reg.Clear(identity, address)
}

// Handle dispatches one inbound wire message from the connection at addr.
// Unroutable message types are logged and dropped; the router never tears
// down a connection as an error-handling strategy.
func (r *Router) Handle(addr string, msg events.Message) {
	switch m := msg.(type) {
	case *events.UserOnline:
		r.reg.Set(m.Identity, m.Address)
	case *events.UserOffline:
		r.reg.Clear(m.Identity, m.Address)
	case *events.Offer:
		r.handleOffer(addr, m)
	case *events.Answer:
		r.handleAnswer(m)
	case *events.Candidate:
		r.handleCandidate(m)
	case *events.EndCall:
		r.handleEndCall(addr, m)
	case *events.CallRejected:
		r.handleRejected(m)
	case *events.CheckCallStatus:
		r.handleCheckStatus(addr, m)
	default:
		slog.Warn("[Router] Unroutable message dropped", "type", msg.Type(), "address", addr)
	}
}

// handleOffer runs the busy check and relays the offer to the callee.
// The busy check happens only here, not at answer time: a race where both
// sides offer simultaneously resolves to whichever busy check ran first.
func (r *Router) handleOffer(addr string, m *events.Offer) {
	if r.tracker.IsOccupied(m.To) {
		if r.busy.Allow(addr) {
			r.send(addr, &events.CallFailed{
				SessionID: m.SessionID,
				Reason:    events.ReasonBusy,
				Message:   "user is busy on another call",
			})
		}
		slog.Info("[Router] Offer refused, callee busy", "from", m.From, "to", m.To, "session_id", m.SessionID)
		return
	}

	target, ok := r.reg.Resolve(m.To)
	if !ok {
		slog.Info("[Router] Offer refused, callee offline", "from", m.From, "to", m.To, "session_id", m.SessionID)
		r.send(addr, &events.CallFailed{
			SessionID: m.SessionID,
			Reason:    events.ReasonOffline,
			Message:   "user is offline",
		})
		return
	}

	r.send(target, m)
	r.record(func() error {
		return r.recorder.CallStarted(m.SessionID, m.From, m.To, time.Now())
	})
	slog.Info("[Router] Offer relayed", "from", m.From, "to", m.To, "session_id", m.SessionID)
}

// handleAnswer relays the answer to the caller and commits both legs to the
// occupancy tracker. An unreachable caller means the answer is silently
// dropped; the caller times out client-side.
func (r *Router) handleAnswer(m *events.Answer) {
	target, ok := r.reg.Resolve(m.To)
	if !ok {
		slog.Debug("[Router] Answer dropped, caller unreachable", "to", m.To, "session_id", m.SessionID)
		return
	}

	r.send(target, m)

	r.tracker.Mark(m.From, m.SessionID, m.To)
	r.tracker.Mark(m.To, m.SessionID, m.From)
	slog.Info("[Router] Call active", "caller", m.To, "callee", m.From, "session_id", m.SessionID)
}

// handleCandidate relays an ICE candidate verbatim. Unreachable targets are
// silently dropped; a mid-call loss surfaces on the peer connection itself.
func (r *Router) handleCandidate(m *events.Candidate) {
	target, ok := r.reg.Resolve(m.To)
	if !ok {
		return
	}
	r.send(target, m)
}

// handleEndCall tears down a session. Occupancy is cleared by session id
// (both legs) and then by identity for both named parties, so an
// asymmetric pairing never leaves a leg behind. The remaining party is
// notified when reachable, and the sender is always acknowledged.
func (r *Router) handleEndCall(addr string, m *events.EndCall) {
	r.tracker.ClearSession(m.SessionID)
	if m.From != "" {
		r.tracker.Clear(m.From)
	}
	if m.To != "" {
		r.tracker.Clear(m.To)
	}

	if target, ok := r.reg.Resolve(m.To); ok {
		r.send(target, &events.CallEnded{From: m.From, SessionID: m.SessionID})
	}
	r.send(addr, &events.CallEndedConfirmation{SessionID: m.SessionID})

	r.record(func() error {
		return r.recorder.CallEnded(m.SessionID, time.Now())
	})
	slog.Info("[Router] Call ended", "from", m.From, "to", m.To, "session_id", m.SessionID, "reason", m.Reason)
}

func (r *Router) handleRejected(m *events.CallRejected) {
	target, ok := r.reg.Resolve(m.To)
	if !ok {
		return
	}
	r.send(target, m)
	slog.Info("[Router] Call rejected", "from", m.From, "to", m.To, "session_id", m.SessionID)
}

// handleCheckStatus answers on the requesting connection itself, which is
// the request's reply channel.
func (r *Router) handleCheckStatus(addr string, m *events.CheckCallStatus) {
	r.send(addr, &events.CallStatus{
		Identity: m.Identity,
		IsInCall: r.tracker.IsOccupied(m.Identity),
	})
}

func (r *Router) send(addr string, msg events.Message) {
	if err := r.sender.Send(addr, msg); err != nil {
		slog.Debug("[Router] Send failed", "address", addr, "type", msg.Type(), "error", err)
	}
}

// record runs a call-log write-through without letting it touch signaling
// state. Failures are logged and swallowed.
func (r *Router) record(fn func() error) {
	if r.recorder == nil {
		return
	}
	go func() {
		if err := fn(); err != nil {
			slog.Warn("[Router] Call log write failed", "error", err)
		}
	}()
}
