package domain

import "errors"

var (
	// ErrAlreadyInCall is returned by StartCall outside the Idle state.
	ErrAlreadyInCall = errors.New("already in a call")

	// ErrBadState is returned when an operation is invalid in the current
	// call state (e.g. AnswerCall without a ringing invite).
	ErrBadState = errors.New("operation not valid in current call state")

	// ErrDuplicateEntry is returned when a peer connection entry already
	// exists for the peer id.
	ErrDuplicateEntry = errors.New("peer connection entry already exists")

	// ErrNegotiationFailed covers bad SDP or ICE failure. It terminates
	// only the affected entry.
	ErrNegotiationFailed = errors.New("negotiation failed")

	// ErrPermissionDenied means the user refused local media capture.
	// No signaling is sent; the call attempt is aborted.
	ErrPermissionDenied = errors.New("media permission denied")

	// ErrDeviceUnavailable means no usable capture device was found.
	ErrDeviceUnavailable = errors.New("media device unavailable")

	// ErrTransportUnavailable means the signaling channel is down.
	// Operations fail fast and call state collapses to Idle.
	ErrTransportUnavailable = errors.New("signaling transport unavailable")
)
