// Package client implements the call lifecycle of a single signaling
// peer: placing and receiving calls, queuing offers that arrive while
// busy, and driving a PeerLink through offer/answer/ICE negotiation.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sebas/patchbay/internal/signaling/events"
)

var (
	// ErrNotIdle is returned when an outgoing call is attempted while
	// another call is in progress.
	ErrNotIdle = errors.New("client: party is not idle")
	// ErrPeerBusy is returned when the remote party is already in a call.
	ErrPeerBusy = errors.New("client: remote party is busy")
	// ErrNoPendingOffer is returned when there is no offer to act on.
	ErrNoPendingOffer = errors.New("client: no pending offer")
	// ErrNotActive is returned when an operation requires an established call.
	ErrNotActive = errors.New("client: no active call")
)

// Signaler is the party's view of the signaling connection.
type Signaler interface {
	// Send delivers a signaling message to the server.
	Send(msg events.Message) error
	// CheckCallStatus asks the server whether identity is currently in a
	// call and waits for the reply, bounded by ctx.
	CheckCallStatus(ctx context.Context, identity string) (bool, error)
}

// LinkCallbacks carries the notifications a PeerLink emits while a
// session is live.
type LinkCallbacks struct {
	// OnLocalCandidate fires for each locally gathered ICE candidate.
	OnLocalCandidate func(events.ICECandidate)
	// OnStateChange fires when the peer connection health changes.
	OnStateChange func(LinkState)
}

// PeerLink is one negotiation-capable peer connection. Implementations
// own the underlying transport and any captured media.
type PeerLink interface {
	CreateOffer(ctx context.Context) (events.SessionDescription, error)
	AcceptOffer(ctx context.Context, offer events.SessionDescription) (events.SessionDescription, error)
	AcceptAnswer(ctx context.Context, answer events.SessionDescription) error
	AddRemoteCandidate(c events.ICECandidate) error
	Close() error
}

// LinkFactory builds a PeerLink for a new session. Media acquisition
// happens inside NewLink, so a failure here means the call cannot
// proceed on this side.
type LinkFactory interface {
	NewLink(ctx context.Context, cb LinkCallbacks) (PeerLink, error)
}

// QueuedOffer is an incoming offer held while the local party is
// already ringing or in a call.
type QueuedOffer struct {
	SessionID  string
	From       string
	Offer      events.SessionDescription
	EnqueuedAt time.Time
}

// Party drives the call lifecycle for one signed-in identity. All
// methods are safe for concurrent use.
type Party struct {
	identity string
	sig      Signaler
	links    LinkFactory
	log      *slog.Logger

	mu        sync.Mutex
	state     State
	sessionID string
	partner   string
	link      PeerLink
	pending   *QueuedOffer
	queue     []QueuedOffer
	// early buffers remote ICE candidates that arrive before the link
	// for their originator exists, in arrival order.
	early map[string][]events.ICECandidate
}

// NewParty creates a party for identity, sending through sig and
// building peer links with links.
func NewParty(identity string, sig Signaler, links LinkFactory) *Party {
	return &Party{
		identity: identity,
		sig:      sig,
		links:    links,
		log:      slog.Default(),
		state:    StateIdle,
		early:    make(map[string][]events.ICECandidate),
	}
}

// State returns the current lifecycle state.
func (p *Party) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// SessionID returns the current session id, or "" outside a call.
func (p *Party) SessionID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessionID
}

// Partner returns the remote identity of the current session, or "".
func (p *Party) Partner() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.partner
}

// QueuedCalls returns the offers waiting behind the current call, in
// arrival order.
func (p *Party) QueuedCalls() []QueuedOffer {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]QueuedOffer, len(p.queue))
	copy(out, p.queue)
	return out
}

// PendingOffer returns the offer currently ringing, or nil.
func (p *Party) PendingOffer() *QueuedOffer {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending == nil {
		return nil
	}
	cp := *p.pending
	return &cp
}

// Initiate places an outgoing call to callee. It first asks the server
// whether the callee is already in a call, then acquires media, creates
// the offer and sends it. On success the party is Offering until the
// answer arrives.
func (p *Party) Initiate(ctx context.Context, callee string) error {
	p.mu.Lock()
	if p.state != StateIdle {
		p.mu.Unlock()
		return ErrNotIdle
	}
	p.mu.Unlock()

	// The status wait must run unlocked: the reply shares the signaling
	// connection with inbound traffic, and the read loop delivers that
	// traffic through HandleMessage, which takes p.mu. Holding the lock
	// here would stall the read loop and the reply behind it.
	busy, err := p.sig.CheckCallStatus(ctx, callee)
	if err != nil {
		return fmt.Errorf("checking call status of %s: %w", callee, err)
	}
	if busy {
		return ErrPeerBusy
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// An offer may have rung while the lock was released.
	if p.state != StateIdle {
		return ErrNotIdle
	}

	sessionID := events.SynthesizeSessionID(p.identity, callee, time.Now())

	link, err := p.newLink(ctx, sessionID, callee)
	if err != nil {
		return fmt.Errorf("acquiring media for call to %s: %w", callee, err)
	}

	offer, err := link.CreateOffer(ctx)
	if err != nil {
		link.Close()
		return fmt.Errorf("creating offer for %s: %w", callee, err)
	}

	if err := p.sig.Send(&events.Offer{
		SessionID: sessionID,
		From:      p.identity,
		To:        callee,
		Offer:     offer,
	}); err != nil {
		link.Close()
		return fmt.Errorf("sending offer to %s: %w", callee, err)
	}

	p.state = StateOffering
	p.sessionID = sessionID
	p.partner = callee
	p.link = link
	p.log.Info("[Client] Outgoing call placed", "to", callee, "sessionId", sessionID)
	return nil
}

// HandleMessage dispatches a server-to-client or relayed signaling
// message into the lifecycle. Messages that do not belong to the
// current session are ignored.
func (p *Party) HandleMessage(ctx context.Context, msg events.Message) error {
	switch m := msg.(type) {
	case *events.Offer:
		p.handleOffer(m)
		return nil
	case *events.Answer:
		return p.handleAnswer(ctx, m)
	case *events.Candidate:
		return p.handleCandidate(m)
	case *events.CallRejected:
		p.handleRejected(m)
		return nil
	case *events.CallEnded:
		p.handleRemoteEnded(m)
		return nil
	case *events.CallEndedConfirmation:
		return nil
	case *events.CallFailed:
		p.handleFailed(m)
		return nil
	default:
		return nil
	}
}

func (p *Party) handleOffer(m *events.Offer) {
	p.mu.Lock()
	defer p.mu.Unlock()

	q := QueuedOffer{
		SessionID:  m.SessionID,
		From:       m.From,
		Offer:      m.Offer,
		EnqueuedAt: time.Now(),
	}

	if p.state == StateIdle {
		p.pending = &q
		p.state = StateRinging
		p.log.Info("[Client] Incoming call ringing", "from", m.From, "sessionId", m.SessionID)
		return
	}

	p.queue = append(p.queue, q)
	p.log.Info("[Client] Incoming call queued", "from", m.From, "sessionId", m.SessionID, "queued", len(p.queue))
}

// Accept answers the currently ringing offer. Any other queued offers
// are rejected, since the party has chosen this call over them. If
// media acquisition fails the offerer is sent a rejection and the
// party returns to Idle.
func (p *Party) Accept(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StateRinging || p.pending == nil {
		return ErrNoPendingOffer
	}
	offer := *p.pending

	rejected := p.queue
	p.queue = nil
	for _, q := range rejected {
		p.sendRejectLocked(q)
	}

	return p.answerLocked(ctx, offer)
}

// answerLocked establishes the session for offer. Callers hold p.mu
// and have already decided the offer should be answered.
func (p *Party) answerLocked(ctx context.Context, offer QueuedOffer) error {
	link, err := p.newLink(ctx, offer.SessionID, offer.From)
	if err != nil {
		p.sendRejectLocked(offer)
		p.abandonOfferLocked()
		return fmt.Errorf("acquiring media for call from %s: %w", offer.From, err)
	}

	answer, err := link.AcceptOffer(ctx, offer.Offer)
	if err != nil {
		link.Close()
		p.sendRejectLocked(offer)
		p.abandonOfferLocked()
		return fmt.Errorf("answering offer from %s: %w", offer.From, err)
	}

	if err := p.sig.Send(&events.Answer{
		SessionID: offer.SessionID,
		From:      p.identity,
		To:        offer.From,
		Answer:    answer,
	}); err != nil {
		link.Close()
		p.abandonOfferLocked()
		return fmt.Errorf("sending answer to %s: %w", offer.From, err)
	}

	p.pending = nil
	p.state = StateActive
	p.sessionID = offer.SessionID
	p.partner = offer.From
	p.link = link
	p.replayEarlyLocked(offer.From)
	p.log.Info("[Client] Call answered", "from", offer.From, "sessionId", offer.SessionID)
	return nil
}

// Decline rejects the offer with sessionID, whether it is the ringing
// offer or a queued one. The originator is notified either way.
func (p *Party) Decline(sessionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.pending != nil && p.pending.SessionID == sessionID {
		p.sendRejectLocked(*p.pending)
		delete(p.early, p.pending.From)
		p.pending = nil
		p.state = StateIdle
		return nil
	}

	for i, q := range p.queue {
		if q.SessionID == sessionID {
			p.sendRejectLocked(q)
			delete(p.early, q.From)
			p.queue = append(p.queue[:i], p.queue[i+1:]...)
			return nil
		}
	}
	return ErrNoPendingOffer
}

// SwitchTo ends the active call and answers the queued offer with
// sessionID. Only that entry leaves the queue; other queued offers stay
// untouched.
func (p *Party) SwitchTo(ctx context.Context, sessionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StateActive {
		return ErrNotActive
	}

	idx := -1
	for i, q := range p.queue {
		if q.SessionID == sessionID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ErrNoPendingOffer
	}
	next := p.queue[idx]
	p.queue = append(p.queue[:idx], p.queue[idx+1:]...)

	// Promote before teardown so the chosen offer's buffered candidates
	// survive the prune.
	p.pending = &next
	p.endCurrentLocked("switching to another call")

	p.state = StateRinging
	return p.answerLocked(ctx, next)
}

// Hangup ends the active or outgoing call and notifies the peer.
func (p *Party) Hangup(reason string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StateActive && p.state != StateOffering {
		return ErrNotActive
	}
	p.endCurrentLocked(reason)
	p.state = StateIdle
	return nil
}

// endCurrentLocked notifies the peer, closes the link and clears the
// session fields. It does not set the next state; callers do.
func (p *Party) endCurrentLocked(reason string) {
	if p.sessionID != "" {
		if err := p.sig.Send(&events.EndCall{
			SessionID: p.sessionID,
			From:      p.identity,
			To:        p.partner,
			Reason:    reason,
		}); err != nil {
			p.log.Warn("[Client] Failed to send end-call", "sessionId", p.sessionID, "error", err)
		}
	}
	p.teardownLocked()
}

// teardownLocked closes the link and clears session fields without
// notifying anyone.
func (p *Party) teardownLocked() {
	if p.link != nil {
		if err := p.link.Close(); err != nil {
			p.log.Warn("[Client] Peer link close failed", "sessionId", p.sessionID, "error", err)
		}
		p.link = nil
	}
	p.sessionID = ""
	p.partner = ""
	p.pruneEarlyLocked()
}

// abandonOfferLocked clears the ringing offer that could not be answered
// and returns the party to Idle, dropping any candidates buffered for it.
func (p *Party) abandonOfferLocked() {
	p.pending = nil
	p.state = StateIdle
	p.pruneEarlyLocked()
}

// pruneEarlyLocked drops candidate buffers whose originator has no offer
// ringing or queued; with the session gone nothing can replay them.
func (p *Party) pruneEarlyLocked() {
	for from := range p.early {
		if p.pending != nil && p.pending.From == from {
			continue
		}
		keep := false
		for _, q := range p.queue {
			if q.From == from {
				keep = true
				break
			}
		}
		if !keep {
			delete(p.early, from)
		}
	}
}

func (p *Party) handleAnswer(ctx context.Context, m *events.Answer) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StateOffering || m.SessionID != p.sessionID {
		p.log.Debug("[Client] Ignoring answer for stale session", "sessionId", m.SessionID)
		return nil
	}
	if err := p.link.AcceptAnswer(ctx, m.Answer); err != nil {
		p.endCurrentLocked("negotiation failed")
		p.state = StateIdle
		return fmt.Errorf("applying answer from %s: %w", m.From, err)
	}
	p.state = StateActive
	p.replayEarlyLocked(m.From)
	p.log.Info("[Client] Call established", "with", m.From, "sessionId", m.SessionID)
	return nil
}

func (p *Party) handleCandidate(m *events.Candidate) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.link != nil && m.From == p.partner {
		if m.SessionID != "" && m.SessionID != p.sessionID {
			p.log.Debug("[Client] Ignoring candidate for stale session", "sessionId", m.SessionID)
			return nil
		}
		return p.link.AddRemoteCandidate(m.Candidate)
	}

	// No link for this originator yet: hold the candidate until the
	// session with them is established.
	p.early[m.From] = append(p.early[m.From], m.Candidate)
	return nil
}

// replayEarlyLocked applies candidates buffered for from, in arrival
// order, then discards the buffer.
func (p *Party) replayEarlyLocked(from string) {
	buffered := p.early[from]
	delete(p.early, from)
	for _, c := range buffered {
		if err := p.link.AddRemoteCandidate(c); err != nil {
			p.log.Warn("[Client] Buffered candidate rejected", "from", from, "error", err)
		}
	}
}

func (p *Party) handleRejected(m *events.CallRejected) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StateOffering || m.SessionID != p.sessionID {
		return
	}
	p.log.Info("[Client] Call rejected by peer", "by", m.From, "sessionId", m.SessionID)
	p.teardownLocked()
	p.state = StateIdle
}

func (p *Party) handleRemoteEnded(m *events.CallEnded) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if m.SessionID != p.sessionID {
		p.log.Debug("[Client] Ignoring call-ended for stale session", "sessionId", m.SessionID)
		return
	}
	p.log.Info("[Client] Call ended by peer", "sessionId", m.SessionID, "by", m.From)
	p.teardownLocked()
	p.state = StateIdle
}

func (p *Party) handleFailed(m *events.CallFailed) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StateOffering {
		return
	}
	if m.SessionID != "" && m.SessionID != p.sessionID {
		return
	}
	p.log.Info("[Client] Call failed", "sessionId", p.sessionID, "reason", m.Reason)
	p.teardownLocked()
	p.state = StateIdle
}

// newLink builds a PeerLink whose callbacks are bound to the session
// being created. Candidates gathered after the session ends are dropped
// by the session id check on the receiving side.
func (p *Party) newLink(ctx context.Context, sessionID, peer string) (PeerLink, error) {
	return p.links.NewLink(ctx, LinkCallbacks{
		OnLocalCandidate: func(c events.ICECandidate) {
			if err := p.sig.Send(&events.Candidate{
				SessionID: sessionID,
				From:      p.identity,
				To:        peer,
				Candidate: c,
			}); err != nil {
				p.log.Warn("[Client] Failed to send candidate", "to", peer, "error", err)
			}
		},
		OnStateChange: func(s LinkState) {
			if s == LinkFailed {
				p.handleLinkFailure(sessionID)
			}
		},
	})
}

// handleLinkFailure hangs up when the peer connection for the current
// session fails with no way to recover.
func (p *Party) handleLinkFailure(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.sessionID != sessionID {
		return
	}
	p.log.Warn("[Client] Peer connection failed", "sessionId", sessionID)
	p.endCurrentLocked("connection failed")
	p.state = StateIdle
}

func (p *Party) sendRejectLocked(q QueuedOffer) {
	if err := p.sig.Send(&events.CallRejected{
		SessionID: q.SessionID,
		From:      p.identity,
		To:        q.From,
	}); err != nil {
		p.log.Warn("[Client] Failed to send call-rejected", "to", q.From, "error", err)
	}
}

// Close tears down any live session without notifying the peer, for
// use when the signaling connection itself is gone.
func (p *Party) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.teardownLocked()
	p.pending = nil
	p.queue = nil
	p.early = make(map[string][]events.ICECandidate)
	p.state = StateIdle
}
