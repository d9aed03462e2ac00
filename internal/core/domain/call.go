package domain

import "time"

// CallState is the local user's position in the directed-call state machine.
// Idle is both the initial and the terminal state.
type CallState string

const (
	CallIdle            CallState = "idle"
	CallRingingOutgoing CallState = "ringing_outgoing"
	CallRingingIncoming CallState = "ringing_incoming"
	CallNegotiating     CallState = "negotiating"
	CallActive          CallState = "active"
	CallEnding          CallState = "ending"
)

type CallDirection string

const (
	DirectionOutgoing CallDirection = "outgoing"
	DirectionIncoming CallDirection = "incoming"
)

// NegotiationRole says which side of the offer/answer exchange an entry is on.
type NegotiationRole string

const (
	RoleOfferer  NegotiationRole = "offerer"
	RoleAnswerer NegotiationRole = "answerer"
)

// ConnectionState is the UI-facing view of the underlying peer connection.
type ConnectionState string

const (
	ConnIdle        ConnectionState = "idle"
	ConnNegotiating ConnectionState = "negotiating"
	ConnConnected   ConnectionState = "connected"
	ConnFailed      ConnectionState = "failed"
)

type ShareDirection string

const (
	SharingOut ShareDirection = "sharing_out"
	ViewingIn  ShareDirection = "viewing_in"
)

// CallInvite is a pending inbound call. At most one exists at a time; a
// second invite while this one is pending is auto-rejected.
type CallInvite struct {
	From         UserID
	FromUsername string
	Video        bool
	CreatedAt    time.Time
}

// CallSession describes the local user's current directed call.
type CallSession struct {
	Peer      UserID
	Username  string
	Direction CallDirection
	Video     bool
	State     CallState
}

// MediaToggleState is process-wide and applied identically to every active
// peer entry.
type MediaToggleState struct {
	Muted    bool
	VideoOff bool
}
