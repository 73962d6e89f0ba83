// Package events defines the signaling wire protocol: a closed set of tagged
// JSON messages exchanged between clients and the signaling server.
// Payloads are validated at the boundary; non-conforming messages never reach
// the router.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pion/sdp/v3"
)

// Type tags a wire message.
type Type string

// Client → server messages.
const (
	TypeUserOnline      Type = "user-online"
	TypeUserOffline     Type = "user-offline"
	TypeOffer           Type = "offer"
	TypeAnswer          Type = "answer"
	TypeICECandidate    Type = "ice-candidate"
	TypeEndCall         Type = "end-call"
	TypeCallRejected    Type = "call-rejected"
	TypeCheckCallStatus Type = "check-call-status"
	TypeJoinGroup       Type = "join-group"
	TypeLeaveGroup      Type = "leave-group"
	TypeGroupMessage    Type = "group-message"
)

// Server → client messages.
const (
	TypeOnlineUsers   Type = "online-users"
	TypeCallFailed    Type = "call-failed"
	TypeCallEnded     Type = "call-ended"
	TypeCallEndedConf Type = "call-ended-confirmation"
	TypeCallStatus    Type = "call-status"
)

// Failure reasons carried by CallFailed.
const (
	ReasonBusy    = "busy"
	ReasonOffline = "offline"
)

var (
	// ErrUnknownType is returned for a message type outside the closed set.
	ErrUnknownType = errors.New("unknown message type")
	// ErrMissingField is returned when a mandatory payload field is absent.
	ErrMissingField = errors.New("missing mandatory field")
)

// Envelope is the outer frame of every wire message.
type Envelope struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Message is implemented by every payload in the closed set.
type Message interface {
	Type() Type
	Validate() error
}

// SessionDescription carries an SDP offer or answer.
type SessionDescription struct {
	SDPType string `json:"type"` // "offer" or "answer"
	SDP     string `json:"sdp"`
}

// Validate checks the description is well-formed, parsing the SDP body.
func (d SessionDescription) Validate() error {
	if d.SDPType != "offer" && d.SDPType != "answer" {
		return fmt.Errorf("%w: sdp type %q", ErrMissingField, d.SDPType)
	}
	if d.SDP == "" {
		return fmt.Errorf("%w: sdp", ErrMissingField)
	}
	var parsed sdp.SessionDescription
	if err := parsed.Unmarshal([]byte(d.SDP)); err != nil {
		return fmt.Errorf("malformed sdp: %w", err)
	}
	return nil
}

// ICECandidate mirrors the browser RTCIceCandidateInit shape.
// SDPMid and SDPMLineIndex may legitimately be absent.
type ICECandidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// UserOnline is an explicit presence refresh.
type UserOnline struct {
	Identity string `json:"identity"`
	Address  string `json:"address"`
}

func (UserOnline) Type() Type { return TypeUserOnline }

func (m UserOnline) Validate() error {
	if m.Identity == "" {
		return fmt.Errorf("%w: identity", ErrMissingField)
	}
	if m.Address == "" {
		return fmt.Errorf("%w: address", ErrMissingField)
	}
	return nil
}

// UserOffline is an explicit presence removal. The address must match the
// registry's current entry or the event is a no-op.
type UserOffline struct {
	Identity string `json:"identity"`
	Address  string `json:"address"`
}

func (UserOffline) Type() Type { return TypeUserOffline }

func (m UserOffline) Validate() error {
	if m.Identity == "" {
		return fmt.Errorf("%w: identity", ErrMissingField)
	}
	if m.Address == "" {
		return fmt.Errorf("%w: address", ErrMissingField)
	}
	return nil
}

// Offer initiates a call attempt.
type Offer struct {
	To        string             `json:"to"`
	From      string             `json:"from"`
	SessionID string             `json:"sessionId"`
	Offer     SessionDescription `json:"offer"`
}

func (Offer) Type() Type { return TypeOffer }

func (m Offer) Validate() error {
	if m.To == "" || m.From == "" {
		return fmt.Errorf("%w: to/from", ErrMissingField)
	}
	if m.SessionID == "" {
		return fmt.Errorf("%w: sessionId", ErrMissingField)
	}
	return m.Offer.Validate()
}

// Answer accepts an offer and promotes the session to active.
type Answer struct {
	To        string             `json:"to"`
	From      string             `json:"from"`
	SessionID string             `json:"sessionId"`
	Answer    SessionDescription `json:"answer"`
}

func (Answer) Type() Type { return TypeAnswer }

func (m Answer) Validate() error {
	if m.To == "" || m.From == "" {
		return fmt.Errorf("%w: to/from", ErrMissingField)
	}
	if m.SessionID == "" {
		return fmt.Errorf("%w: sessionId", ErrMissingField)
	}
	return m.Answer.Validate()
}

// Candidate relays one ICE candidate between the peers of a session.
type Candidate struct {
	To        string       `json:"to"`
	From      string       `json:"from"`
	SessionID string       `json:"sessionId"`
	Candidate ICECandidate `json:"candidate"`
}

func (Candidate) Type() Type { return TypeICECandidate }

func (m Candidate) Validate() error {
	if m.To == "" || m.From == "" {
		return fmt.Errorf("%w: to/from", ErrMissingField)
	}
	if m.Candidate.Candidate == "" {
		return fmt.Errorf("%w: candidate", ErrMissingField)
	}
	return nil
}

// EndCall tears down a session from either side.
type EndCall struct {
	To        string `json:"to"`
	From      string `json:"from"`
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason,omitempty"`
}

func (EndCall) Type() Type { return TypeEndCall }

func (m EndCall) Validate() error {
	if m.From == "" {
		return fmt.Errorf("%w: from", ErrMissingField)
	}
	if m.SessionID == "" {
		return fmt.Errorf("%w: sessionId", ErrMissingField)
	}
	return nil
}

// CallRejected declines an offered session.
type CallRejected struct {
	To        string `json:"to"`
	From      string `json:"from"`
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason,omitempty"`
}

func (CallRejected) Type() Type { return TypeCallRejected }

func (m CallRejected) Validate() error {
	if m.To == "" || m.From == "" {
		return fmt.Errorf("%w: to/from", ErrMissingField)
	}
	return nil
}

// CheckCallStatus asks whether an identity is currently in a call.
// The reply is a CallStatus on the same connection.
type CheckCallStatus struct {
	Identity string `json:"identity"`
}

func (CheckCallStatus) Type() Type { return TypeCheckCallStatus }

func (m CheckCallStatus) Validate() error {
	if m.Identity == "" {
		return fmt.Errorf("%w: identity", ErrMissingField)
	}
	return nil
}

// JoinGroup subscribes the connection to a fan-out group.
type JoinGroup struct {
	GroupID string `json:"groupId"`
}

func (JoinGroup) Type() Type { return TypeJoinGroup }

func (m JoinGroup) Validate() error {
	if m.GroupID == "" {
		return fmt.Errorf("%w: groupId", ErrMissingField)
	}
	return nil
}

// LeaveGroup unsubscribes the connection from a fan-out group.
type LeaveGroup struct {
	GroupID string `json:"groupId"`
}

func (LeaveGroup) Type() Type { return TypeLeaveGroup }

func (m LeaveGroup) Validate() error {
	if m.GroupID == "" {
		return fmt.Errorf("%w: groupId", ErrMissingField)
	}
	return nil
}

// GroupMessage fans a payload out to every member of a group.
type GroupMessage struct {
	GroupID string          `json:"groupId"`
	From    string          `json:"from"`
	Body    json.RawMessage `json:"body"`
}

func (GroupMessage) Type() Type { return TypeGroupMessage }

func (m GroupMessage) Validate() error {
	if m.GroupID == "" {
		return fmt.Errorf("%w: groupId", ErrMissingField)
	}
	return nil
}

// OnlineUsers is the presence snapshot broadcast on every registry change.
type OnlineUsers struct {
	Identities []string `json:"identities"`
}

func (OnlineUsers) Type() Type { return TypeOnlineUsers }

func (OnlineUsers) Validate() error { return nil }

// CallFailed tells the offering party the attempt cannot proceed.
type CallFailed struct {
	SessionID string `json:"sessionId,omitempty"`
	Reason    string `json:"reason"`
	Message   string `json:"message"`
}

func (CallFailed) Type() Type { return TypeCallFailed }

func (m CallFailed) Validate() error {
	if m.Reason != ReasonBusy && m.Reason != ReasonOffline {
		return fmt.Errorf("%w: reason %q", ErrMissingField, m.Reason)
	}
	return nil
}

// CallEnded notifies the remaining party that the session was torn down.
type CallEnded struct {
	From      string `json:"from"`
	SessionID string `json:"sessionId"`
}

func (CallEnded) Type() Type { return TypeCallEnded }

func (CallEnded) Validate() error { return nil }

// CallEndedConfirmation acknowledges an EndCall to its sender.
type CallEndedConfirmation struct {
	SessionID string `json:"sessionId"`
}

func (CallEndedConfirmation) Type() Type { return TypeCallEndedConf }

func (CallEndedConfirmation) Validate() error { return nil }

// CallStatus is the reply to CheckCallStatus.
type CallStatus struct {
	Identity string `json:"identity"`
	IsInCall bool   `json:"isInCall"`
}

func (CallStatus) Type() Type { return TypeCallStatus }

func (CallStatus) Validate() error { return nil }

// Marshal frames a message into a wire envelope.
func Marshal(m Message) ([]byte, error) {
	payload, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return json.Marshal(Envelope{Type: m.Type(), Payload: payload})
}

// Unmarshal decodes and validates a wire envelope.
// Messages outside the closed set or failing Validate are rejected here.
func Unmarshal(data []byte) (Message, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	var msg Message
	switch env.Type {
	case TypeUserOnline:
		msg = &UserOnline{}
	case TypeUserOffline:
		msg = &UserOffline{}
	case TypeOffer:
		msg = &Offer{}
	case TypeAnswer:
		msg = &Answer{}
	case TypeICECandidate:
		msg = &Candidate{}
	case TypeEndCall:
		msg = &EndCall{}
	case TypeCallRejected:
		msg = &CallRejected{}
	case TypeCheckCallStatus:
		msg = &CheckCallStatus{}
	case TypeJoinGroup:
		msg = &JoinGroup{}
	case TypeLeaveGroup:
		msg = &LeaveGroup{}
	case TypeGroupMessage:
		msg = &GroupMessage{}
	case TypeOnlineUsers:
		msg = &OnlineUsers{}
	case TypeCallFailed:
		msg = &CallFailed{}
	case TypeCallEnded:
		msg = &CallEnded{}
	case TypeCallEndedConf:
		msg = &CallEndedConfirmation{}
	case TypeCallStatus:
		msg = &CallStatus{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}

	if err := json.Unmarshal(env.Payload, msg); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", env.Type, err)
	}
	if err := msg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", env.Type, err)
	}
	return msg, nil
}

// SynthesizeSessionID builds a deterministic session id from the call
// endpoints and a timestamp. Used only when initiating a call whose caller
// supplied no id; relay paths always propagate the id they received.
func SynthesizeSessionID(caller, callee string, at time.Time) string {
	return fmt.Sprintf("%s_%s_%d", caller, callee, at.UnixMilli())
}
