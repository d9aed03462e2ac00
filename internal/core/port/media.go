package port

import (
	"context"

	"github.com/parley-im/parley/internal/core/domain"
)

type TrackKind string

const (
	TrackAudio TrackKind = "audio"
	TrackVideo TrackKind = "video"
)

// MediaEngine abstracts the platform's peer-connection and capture
// primitives so the call engine never touches pion (or a browser) directly
// and can be driven by a fake in tests.
type MediaEngine interface {
	// NewConnection allocates a native peer connection.
	NewConnection() (PeerConnection, error)

	// CaptureUserMedia acquires microphone (and camera when video is true)
	// tracks. Fails with domain.ErrPermissionDenied or
	// domain.ErrDeviceUnavailable.
	CaptureUserMedia(ctx context.Context, video bool) (MediaStream, error)

	// CaptureDisplay acquires a display-capture stream for screen sharing.
	CaptureDisplay(ctx context.Context) (MediaStream, error)
}

// PeerConnection is one native connection to a single remote peer.
// Callback registration must happen before negotiation starts; callbacks
// may fire from arbitrary goroutines.
type PeerConnection interface {
	AddTrack(track LocalTrack) error

	// CreateOffer builds an offer and installs it as the local description,
	// which starts candidate gathering.
	CreateOffer(ctx context.Context) (domain.Description, error)

	// CreateAnswer builds an answer to a previously applied remote offer
	// and installs it as the local description.
	CreateAnswer(ctx context.Context) (domain.Description, error)

	SetRemoteDescription(desc domain.Description) error
	AddICECandidate(candidate domain.ICECandidate) error

	OnICECandidate(fn func(domain.ICECandidate))
	OnRemoteTrack(fn func(RemoteTrack))
	OnStateChange(fn func(domain.ConnectionState))

	Close() error
}

// MediaStream is a set of local capture tracks with shared lifetime.
type MediaStream interface {
	Tracks() []LocalTrack
	Close() error
}

// LocalTrack is a captured local track. SetEnabled toggles transmission
// without renegotiation and is idempotent.
type LocalTrack interface {
	ID() string
	Kind() TrackKind
	SetEnabled(enabled bool)
	Enabled() bool
	Close() error
}

// RemoteTrack is a track received from the remote peer, surfaced to the UI.
type RemoteTrack interface {
	ID() string
	Kind() TrackKind
}
