package client

import (
	"context"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/sebas/patchbay/internal/signaling/events"
)

// WebRTCFactory builds PeerLinks on pion peer connections. Each link
// negotiates one audio and one video transceiver; actual capture is
// attached by the application through the underlying connection.
type WebRTCFactory struct {
	config webrtc.Configuration
}

// NewWebRTCFactory creates a factory using the given STUN/TURN servers.
func NewWebRTCFactory(iceServers ...string) *WebRTCFactory {
	cfg := webrtc.Configuration{}
	if len(iceServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: iceServers}}
	}
	return &WebRTCFactory{config: cfg}
}

// NewLink creates a peer connection wired to cb.
func (f *WebRTCFactory) NewLink(ctx context.Context, cb LinkCallbacks) (PeerLink, error) {
	pc, err := webrtc.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("creating peer connection: %w", err)
	}

	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionSendrecv,
		}); err != nil {
			pc.Close()
			return nil, fmt.Errorf("adding %s transceiver: %w", kind, err)
		}
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || cb.OnLocalCandidate == nil {
			return
		}
		init := c.ToJSON()
		cb.OnLocalCandidate(events.ICECandidate{
			Candidate:     init.Candidate,
			SDPMid:        init.SDPMid,
			SDPMLineIndex: init.SDPMLineIndex,
		})
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if cb.OnStateChange == nil {
			return
		}
		switch s {
		case webrtc.PeerConnectionStateConnected:
			cb.OnStateChange(LinkConnected)
		case webrtc.PeerConnectionStateDisconnected:
			cb.OnStateChange(LinkDisconnected)
		case webrtc.PeerConnectionStateFailed:
			cb.OnStateChange(LinkFailed)
		}
	})

	return &webrtcLink{pc: pc}, nil
}

// webrtcLink adapts a pion peer connection to the PeerLink interface.
type webrtcLink struct {
	pc *webrtc.PeerConnection
}

func (l *webrtcLink) CreateOffer(ctx context.Context) (events.SessionDescription, error) {
	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return events.SessionDescription{}, fmt.Errorf("creating offer: %w", err)
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return events.SessionDescription{}, fmt.Errorf("setting local description: %w", err)
	}
	return events.SessionDescription{SDPType: "offer", SDP: offer.SDP}, nil
}

func (l *webrtcLink) AcceptOffer(ctx context.Context, offer events.SessionDescription) (events.SessionDescription, error) {
	if err := l.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  offer.SDP,
	}); err != nil {
		return events.SessionDescription{}, fmt.Errorf("setting remote offer: %w", err)
	}
	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return events.SessionDescription{}, fmt.Errorf("creating answer: %w", err)
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return events.SessionDescription{}, fmt.Errorf("setting local description: %w", err)
	}
	return events.SessionDescription{SDPType: "answer", SDP: answer.SDP}, nil
}

func (l *webrtcLink) AcceptAnswer(ctx context.Context, answer events.SessionDescription) error {
	if err := l.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answer.SDP,
	}); err != nil {
		return fmt.Errorf("setting remote answer: %w", err)
	}
	return nil
}

func (l *webrtcLink) AddRemoteCandidate(c events.ICECandidate) error {
	init := webrtc.ICECandidateInit{Candidate: c.Candidate}
	init.SDPMid = c.SDPMid
	init.SDPMLineIndex = c.SDPMLineIndex
	if err := l.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("adding remote candidate: %w", err)
	}
	return nil
}

func (l *webrtcLink) Close() error {
	return l.pc.Close()
}
