package client

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/sebas/patchbay/internal/signaling/events"
)

type fakeSignaler struct {
	mu   sync.Mutex
	sent []events.Message
	busy map[string]bool
	// onStatus runs inside CheckCallStatus before the reply, the way a
	// read loop delivers traffic that precedes the status response.
	onStatus func()
}

func newFakeSignaler() *fakeSignaler {
	return &fakeSignaler{busy: make(map[string]bool)}
}

func (f *fakeSignaler) Send(msg events.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeSignaler) CheckCallStatus(ctx context.Context, identity string) (bool, error) {
	if f.onStatus != nil {
		f.onStatus()
	}
	return f.busy[identity], nil
}

func (f *fakeSignaler) messages() []events.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]events.Message, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeSignaler) rejectionsTo() []string {
	var out []string
	for _, m := range f.messages() {
		if r, ok := m.(*events.CallRejected); ok {
			out = append(out, r.To)
		}
	}
	return out
}

type fakeLink struct {
	mu       sync.Mutex
	added    []events.ICECandidate
	answers  int
	closed   bool
}

func (l *fakeLink) CreateOffer(ctx context.Context) (events.SessionDescription, error) {
	return events.SessionDescription{SDPType: "offer", SDP: "v=0"}, nil
}

func (l *fakeLink) AcceptOffer(ctx context.Context, offer events.SessionDescription) (events.SessionDescription, error) {
	return events.SessionDescription{SDPType: "answer", SDP: "v=0"}, nil
}

func (l *fakeLink) AcceptAnswer(ctx context.Context, answer events.SessionDescription) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.answers++
	return nil
}

func (l *fakeLink) AddRemoteCandidate(c events.ICECandidate) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.added = append(l.added, c)
	return nil
}

func (l *fakeLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

func (l *fakeLink) candidates() []events.ICECandidate {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]events.ICECandidate, len(l.added))
	copy(out, l.added)
	return out
}

type fakeFactory struct {
	mu    sync.Mutex
	fail  bool
	links []*fakeLink
}

func (f *fakeFactory) NewLink(ctx context.Context, cb LinkCallbacks) (PeerLink, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, errors.New("no camera available")
	}
	l := &fakeLink{}
	f.links = append(f.links, l)
	return l, nil
}

func (f *fakeFactory) lastLink() *fakeLink {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.links) == 0 {
		return nil
	}
	return f.links[len(f.links)-1]
}

func newTestParty(t *testing.T) (*Party, *fakeSignaler, *fakeFactory) {
	t.Helper()
	sig := newFakeSignaler()
	factory := &fakeFactory{}
	return NewParty("alice", sig, factory), sig, factory
}

func incomingOffer(from, sessionID string) *events.Offer {
	return &events.Offer{
		From:      from,
		To:        "alice",
		SessionID: sessionID,
		Offer:     events.SessionDescription{SDPType: "offer", SDP: "v=0"},
	}
}

// establish drives the party into an active outgoing call with bob.
func establish(t *testing.T, p *Party, sig *fakeSignaler) string {
	t.Helper()
	if err := p.Initiate(context.Background(), "bob"); err != nil {
		t.Fatalf("Initiate() error = %v", err)
	}
	sessionID := p.SessionID()
	err := p.HandleMessage(context.Background(), &events.Answer{
		From:      "bob",
		To:        "alice",
		SessionID: sessionID,
		Answer:    events.SessionDescription{SDPType: "answer", SDP: "v=0"},
	})
	if err != nil {
		t.Fatalf("HandleMessage(answer) error = %v", err)
	}
	if got := p.State(); got != StateActive {
		t.Fatalf("state = %v after answer, want Active", got)
	}
	return sessionID
}

func TestInitiate(t *testing.T) {
	p, sig, _ := newTestParty(t)

	if err := p.Initiate(context.Background(), "bob"); err != nil {
		t.Fatalf("Initiate() error = %v", err)
	}

	if got := p.State(); got != StateOffering {
		t.Errorf("state = %v, want Offering", got)
	}
	if p.Partner() != "bob" {
		t.Errorf("partner = %q, want bob", p.Partner())
	}

	msgs := sig.messages()
	if len(msgs) != 1 {
		t.Fatalf("sent %d messages, want 1", len(msgs))
	}
	offer, ok := msgs[0].(*events.Offer)
	if !ok {
		t.Fatalf("sent %T, want *events.Offer", msgs[0])
	}
	if offer.To != "bob" || offer.SessionID == "" {
		t.Errorf("offer = %+v, want bob with a session id", offer)
	}
}

func TestInitiateBusyPeer(t *testing.T) {
	p, sig, _ := newTestParty(t)
	sig.busy["bob"] = true

	err := p.Initiate(context.Background(), "bob")
	if !errors.Is(err, ErrPeerBusy) {
		t.Fatalf("Initiate() error = %v, want ErrPeerBusy", err)
	}
	if got := p.State(); got != StateIdle {
		t.Errorf("state = %v after busy check, want Idle", got)
	}
	if len(sig.messages()) != 0 {
		t.Error("offer sent despite busy peer")
	}
}

func TestInitiateWhileNotIdle(t *testing.T) {
	p, _, _ := newTestParty(t)
	if err := p.Initiate(context.Background(), "bob"); err != nil {
		t.Fatalf("Initiate() error = %v", err)
	}

	err := p.Initiate(context.Background(), "carol")
	if !errors.Is(err, ErrNotIdle) {
		t.Errorf("second Initiate() error = %v, want ErrNotIdle", err)
	}
}

func TestInitiateMediaFailure(t *testing.T) {
	p, sig, factory := newTestParty(t)
	factory.fail = true

	if err := p.Initiate(context.Background(), "bob"); err == nil {
		t.Fatal("Initiate() = nil error with failing media")
	}
	if got := p.State(); got != StateIdle {
		t.Errorf("state = %v after media failure, want Idle", got)
	}
	if len(sig.messages()) != 0 {
		t.Error("offer sent despite media failure")
	}
}

func TestIncomingOfferRings(t *testing.T) {
	p, _, _ := newTestParty(t)

	p.HandleMessage(context.Background(), incomingOffer("bob", "sess-1"))

	if got := p.State(); got != StateRinging {
		t.Errorf("state = %v, want Ringing", got)
	}
	pending := p.PendingOffer()
	if pending == nil || pending.From != "bob" {
		t.Errorf("pending = %+v, want offer from bob", pending)
	}
}

func TestOffersQueueInArrivalOrder(t *testing.T) {
	p, sig, _ := newTestParty(t)
	establish(t, p, sig)

	p.HandleMessage(context.Background(), incomingOffer("o1", "sess-o1"))
	p.HandleMessage(context.Background(), incomingOffer("o2", "sess-o2"))
	p.HandleMessage(context.Background(), incomingOffer("o3", "sess-o3"))

	queued := p.QueuedCalls()
	if len(queued) != 3 {
		t.Fatalf("queue has %d entries, want 3", len(queued))
	}
	for i, want := range []string{"o1", "o2", "o3"} {
		if queued[i].From != want {
			t.Errorf("queue[%d].From = %q, want %q", i, queued[i].From, want)
		}
	}
}

func TestAcceptRejectsOtherQueued(t *testing.T) {
	p, sig, _ := newTestParty(t)

	p.HandleMessage(context.Background(), incomingOffer("bob", "sess-1"))
	p.HandleMessage(context.Background(), incomingOffer("carol", "sess-2"))
	p.HandleMessage(context.Background(), incomingOffer("dave", "sess-3"))

	if err := p.Accept(context.Background()); err != nil {
		t.Fatalf("Accept() error = %v", err)
	}

	if got := p.State(); got != StateActive {
		t.Errorf("state = %v, want Active", got)
	}
	if p.Partner() != "bob" {
		t.Errorf("partner = %q, want bob", p.Partner())
	}
	if len(p.QueuedCalls()) != 0 {
		t.Error("queue not emptied by accept")
	}

	rejected := sig.rejectionsTo()
	if len(rejected) != 2 {
		t.Fatalf("rejected %d callers, want 2", len(rejected))
	}
	want := map[string]bool{"carol": true, "dave": true}
	for _, to := range rejected {
		if !want[to] {
			t.Errorf("rejected %q, want carol and dave only", to)
		}
	}
}

func TestSwitchToRemovesOnlyChosenEntry(t *testing.T) {
	p, sig, _ := newTestParty(t)
	current := establish(t, p, sig)

	p.HandleMessage(context.Background(), incomingOffer("o1", "sess-o1"))
	p.HandleMessage(context.Background(), incomingOffer("o2", "sess-o2"))
	p.HandleMessage(context.Background(), incomingOffer("o3", "sess-o3"))

	if err := p.SwitchTo(context.Background(), "sess-o2"); err != nil {
		t.Fatalf("SwitchTo() error = %v", err)
	}

	if p.Partner() != "o2" {
		t.Errorf("partner = %q, want o2", p.Partner())
	}
	if got := p.State(); got != StateActive {
		t.Errorf("state = %v, want Active", got)
	}

	queued := p.QueuedCalls()
	if len(queued) != 2 || queued[0].From != "o1" || queued[1].From != "o3" {
		t.Errorf("queue = %+v, want o1 and o3 untouched in order", queued)
	}

	if got := sig.rejectionsTo(); len(got) != 0 {
		t.Errorf("switching rejected %v, queued entries must not be rejected", got)
	}

	var endedCurrent bool
	for _, m := range sig.messages() {
		if e, ok := m.(*events.EndCall); ok && e.SessionID == current {
			endedCurrent = true
		}
	}
	if !endedCurrent {
		t.Error("previous session was not ended before switching")
	}
}

func TestDeclineQueuedNotifiesOriginator(t *testing.T) {
	p, sig, _ := newTestParty(t)
	establish(t, p, sig)

	p.HandleMessage(context.Background(), incomingOffer("o1", "sess-o1"))
	p.HandleMessage(context.Background(), incomingOffer("o2", "sess-o2"))

	if err := p.Decline("sess-o1"); err != nil {
		t.Fatalf("Decline() error = %v", err)
	}

	if got := p.State(); got != StateActive {
		t.Errorf("state = %v, declining a queued offer must not touch the active call", got)
	}
	queued := p.QueuedCalls()
	if len(queued) != 1 || queued[0].From != "o2" {
		t.Errorf("queue = %+v, want only o2", queued)
	}
	if got := sig.rejectionsTo(); len(got) != 1 || got[0] != "o1" {
		t.Errorf("rejections = %v, want [o1]", got)
	}
}

func TestDeclineRingingOffer(t *testing.T) {
	p, sig, _ := newTestParty(t)
	p.HandleMessage(context.Background(), incomingOffer("bob", "sess-1"))

	if err := p.Decline("sess-1"); err != nil {
		t.Fatalf("Decline() error = %v", err)
	}
	if got := p.State(); got != StateIdle {
		t.Errorf("state = %v, want Idle", got)
	}
	if got := sig.rejectionsTo(); len(got) != 1 || got[0] != "bob" {
		t.Errorf("rejections = %v, want [bob]", got)
	}
}

func TestEarlyCandidatesReplayedInOrder(t *testing.T) {
	p, _, factory := newTestParty(t)

	p.HandleMessage(context.Background(), incomingOffer("bob", "sess-1"))

	for _, c := range []string{"cand-1", "cand-2", "cand-3"} {
		p.HandleMessage(context.Background(), &events.Candidate{
			From:      "bob",
			To:        "alice",
			SessionID: "sess-1",
			Candidate: events.ICECandidate{Candidate: c},
		})
	}

	if err := p.Accept(context.Background()); err != nil {
		t.Fatalf("Accept() error = %v", err)
	}

	link := factory.lastLink()
	got := link.candidates()
	if len(got) != 3 {
		t.Fatalf("link received %d candidates, want 3", len(got))
	}
	for i, want := range []string{"cand-1", "cand-2", "cand-3"} {
		if got[i].Candidate != want {
			t.Errorf("candidate[%d] = %q, want %q (arrival order)", i, got[i].Candidate, want)
		}
	}
}

func TestAcceptMediaFailureRejectsOfferer(t *testing.T) {
	p, sig, factory := newTestParty(t)
	p.HandleMessage(context.Background(), incomingOffer("bob", "sess-1"))
	factory.fail = true

	if err := p.Accept(context.Background()); err == nil {
		t.Fatal("Accept() = nil error with failing media")
	}

	if got := p.State(); got != StateIdle {
		t.Errorf("state = %v after media failure, want Idle", got)
	}
	if got := sig.rejectionsTo(); len(got) != 1 || got[0] != "bob" {
		t.Errorf("rejections = %v, want [bob]", got)
	}
}

func TestStaleAnswerIgnored(t *testing.T) {
	p, _, factory := newTestParty(t)
	if err := p.Initiate(context.Background(), "bob"); err != nil {
		t.Fatalf("Initiate() error = %v", err)
	}

	p.HandleMessage(context.Background(), &events.Answer{
		From:      "bob",
		To:        "alice",
		SessionID: "sess-stale",
		Answer:    events.SessionDescription{SDPType: "answer", SDP: "v=0"},
	})

	if got := p.State(); got != StateOffering {
		t.Errorf("state = %v after stale answer, want Offering", got)
	}
	if factory.lastLink().answers != 0 {
		t.Error("stale answer applied to the link")
	}
}

func TestRemoteEndedReturnsIdle(t *testing.T) {
	p, sig, factory := newTestParty(t)
	sessionID := establish(t, p, sig)

	// A stale teardown for another session changes nothing.
	p.HandleMessage(context.Background(), &events.CallEnded{From: "bob", SessionID: "sess-other"})
	if got := p.State(); got != StateActive {
		t.Fatalf("state = %v after stale call-ended, want Active", got)
	}

	p.HandleMessage(context.Background(), &events.CallEnded{From: "bob", SessionID: sessionID})
	if got := p.State(); got != StateIdle {
		t.Errorf("state = %v, want Idle", got)
	}
	if !factory.lastLink().closed {
		t.Error("peer link not closed on remote teardown")
	}
}

func TestRejectedWhileOfferingReturnsIdle(t *testing.T) {
	p, _, factory := newTestParty(t)
	if err := p.Initiate(context.Background(), "bob"); err != nil {
		t.Fatalf("Initiate() error = %v", err)
	}
	sessionID := p.SessionID()

	p.HandleMessage(context.Background(), &events.CallRejected{
		From:      "bob",
		To:        "alice",
		SessionID: sessionID,
	})

	if got := p.State(); got != StateIdle {
		t.Errorf("state = %v, want Idle", got)
	}
	if !factory.lastLink().closed {
		t.Error("peer link not closed after rejection")
	}
}

func TestCallFailedWhileOfferingReturnsIdle(t *testing.T) {
	p, _, _ := newTestParty(t)
	if err := p.Initiate(context.Background(), "bob"); err != nil {
		t.Fatalf("Initiate() error = %v", err)
	}

	p.HandleMessage(context.Background(), &events.CallFailed{
		Reason:  events.ReasonBusy,
		Message: "user is busy on another call",
	})

	if got := p.State(); got != StateIdle {
		t.Errorf("state = %v, want Idle", got)
	}
}

func TestHangup(t *testing.T) {
	p, sig, factory := newTestParty(t)
	sessionID := establish(t, p, sig)

	if err := p.Hangup("done"); err != nil {
		t.Fatalf("Hangup() error = %v", err)
	}

	if got := p.State(); got != StateIdle {
		t.Errorf("state = %v, want Idle", got)
	}
	if !factory.lastLink().closed {
		t.Error("peer link not closed on hangup")
	}

	var ended *events.EndCall
	for _, m := range sig.messages() {
		if e, ok := m.(*events.EndCall); ok {
			ended = e
		}
	}
	if ended == nil {
		t.Fatal("no end-call sent")
	}
	if ended.SessionID != sessionID || ended.To != "bob" {
		t.Errorf("end-call = %+v, want session %q to bob", ended, sessionID)
	}
}

func TestStateTransitions(t *testing.T) {
	tests := []struct {
		from State
		to   State
		want bool
	}{
		{StateIdle, StateOffering, true},
		{StateIdle, StateRinging, true},
		{StateIdle, StateActive, false},
		{StateOffering, StateActive, true},
		{StateOffering, StateRinging, false},
		{StateRinging, StateActive, true},
		{StateRinging, StateIdle, true},
		{StateActive, StateIdle, true},
		{StateActive, StateOffering, false},
	}

	for _, tt := range tests {
		if got := tt.from.CanTransitionTo(tt.to); got != tt.want {
			t.Errorf("CanTransitionTo(%v -> %v) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestInitiateAdmitsOfferDuringStatusWait(t *testing.T) {
	p, sig, _ := newTestParty(t)
	sig.onStatus = func() {
		if err := p.HandleMessage(context.Background(), incomingOffer("carol", "sess-carol")); err != nil {
			t.Errorf("HandleMessage(offer) error = %v", err)
		}
	}

	err := p.Initiate(context.Background(), "bob")
	if !errors.Is(err, ErrNotIdle) {
		t.Fatalf("Initiate() error = %v, want ErrNotIdle", err)
	}

	if got := p.State(); got != StateRinging {
		t.Errorf("state = %v, want Ringing for carol's offer", got)
	}
	pending := p.PendingOffer()
	if pending == nil || pending.From != "carol" {
		t.Errorf("pending = %+v, want the offer from carol", pending)
	}
}

func TestInitiateProceedsAfterCandidateDuringStatusWait(t *testing.T) {
	p, sig, _ := newTestParty(t)
	sig.onStatus = func() {
		if err := p.HandleMessage(context.Background(), &events.Candidate{
			From:      "carol",
			To:        "alice",
			SessionID: "sess-carol",
			Candidate: events.ICECandidate{Candidate: "cand-1"},
		}); err != nil {
			t.Errorf("HandleMessage(candidate) error = %v", err)
		}
	}

	if err := p.Initiate(context.Background(), "bob"); err != nil {
		t.Fatalf("Initiate() error = %v", err)
	}
	if got := p.State(); got != StateOffering {
		t.Errorf("state = %v, want Offering", got)
	}
}

func TestTeardownDropsOrphanedCandidateBuffers(t *testing.T) {
	p, sig, _ := newTestParty(t)
	establish(t, p, sig)

	// Candidates from a session that never rings here.
	for _, c := range []string{"cand-1", "cand-2"} {
		if err := p.HandleMessage(context.Background(), &events.Candidate{
			From:      "carol",
			To:        "alice",
			SessionID: "sess-carol",
			Candidate: events.ICECandidate{Candidate: c},
		}); err != nil {
			t.Fatalf("HandleMessage(candidate) error = %v", err)
		}
	}

	if err := p.Hangup("done"); err != nil {
		t.Fatalf("Hangup() error = %v", err)
	}

	p.mu.Lock()
	buffers := len(p.early)
	p.mu.Unlock()
	if buffers != 0 {
		t.Errorf("candidate buffers = %d after teardown, want 0", buffers)
	}
}

func TestTeardownKeepsBuffersForQueuedOffer(t *testing.T) {
	p, sig, _ := newTestParty(t)
	establish(t, p, sig)

	p.HandleMessage(context.Background(), incomingOffer("carol", "sess-carol"))
	if err := p.HandleMessage(context.Background(), &events.Candidate{
		From:      "carol",
		To:        "alice",
		SessionID: "sess-carol",
		Candidate: events.ICECandidate{Candidate: "cand-1"},
	}); err != nil {
		t.Fatalf("HandleMessage(candidate) error = %v", err)
	}

	if err := p.Hangup("done"); err != nil {
		t.Fatalf("Hangup() error = %v", err)
	}

	p.mu.Lock()
	buffered := len(p.early["carol"])
	p.mu.Unlock()
	if buffered != 1 {
		t.Errorf("buffered candidates for carol = %d, want 1 while her offer is queued", buffered)
	}
}

func TestSwitchToReplaysBufferedCandidates(t *testing.T) {
	p, sig, factory := newTestParty(t)
	establish(t, p, sig)

	p.HandleMessage(context.Background(), incomingOffer("carol", "sess-carol"))
	if err := p.HandleMessage(context.Background(), &events.Candidate{
		From:      "carol",
		To:        "alice",
		SessionID: "sess-carol",
		Candidate: events.ICECandidate{Candidate: "cand-1"},
	}); err != nil {
		t.Fatalf("HandleMessage(candidate) error = %v", err)
	}

	if err := p.SwitchTo(context.Background(), "sess-carol"); err != nil {
		t.Fatalf("SwitchTo() error = %v", err)
	}

	got := factory.lastLink().candidates()
	if len(got) != 1 || got[0].Candidate != "cand-1" {
		t.Errorf("replayed candidates = %v, want [cand-1]", got)
	}
}
