package domain

import "encoding/json"

// EventName identifies a signaling event on the wire. The relay forwards
// events verbatim; only the endpoints interpret them.
type EventName string

const (
	EventCallInvite       EventName = "call-invite"
	EventCallAccepted     EventName = "call-accepted"
	EventCallRejected     EventName = "call-rejected"
	EventCallEnded        EventName = "call-ended"
	EventCallOffer        EventName = "call-offer"
	EventCallAnswer       EventName = "call-answer"
	EventCallICECandidate EventName = "call-ice-candidate"

	EventShareStarted      EventName = "screen-share-started"
	EventShareStopped      EventName = "screen-share-stopped"
	EventShareOffer        EventName = "screen-offer"
	EventShareAnswer       EventName = "screen-answer"
	EventShareICECandidate EventName = "screen-ice-candidate"

	EventUserJoined EventName = "user-joined"
)

// Envelope is one addressed signaling event. From is stamped by the
// transport, never taken from the payload.
type Envelope struct {
	From    UserID          `json:"from"`
	Event   EventName       `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

type SDPType string

const (
	SDPOffer  SDPType = "offer"
	SDPAnswer SDPType = "answer"
)

// Description is a session description exchanged during offer/answer.
type Description struct {
	Type SDPType
	SDP  string
}

// ICECandidate carries one candidate as its browser-compatible JSON form
// (the serialized RTCIceCandidateInit).
type ICECandidate struct {
	Candidate string
}

// Payload shapes, one per event. Senders marshal these; Envelope.Payload
// holds the raw bytes until the receiving side knows the event name.

type InvitePayload struct {
	FromUsername string `json:"fromUsername"`
	Video        bool   `json:"isVideo"`
}

type AcceptPayload struct {
	Video bool `json:"isVideo"`
}

type DescriptionPayload struct {
	SDP string `json:"sdp"`
}

type CandidatePayload struct {
	Candidate string `json:"candidate"`
}

type SharePayload struct {
	Username string `json:"username,omitempty"`
}

type UserJoinedPayload struct {
	UserID string `json:"userId"`
}
