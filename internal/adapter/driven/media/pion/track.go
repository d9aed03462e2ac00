package pion

import (
	"sync"

	"github.com/pion/mediadevices"
	"github.com/pion/webrtc/v4"

	"github.com/parley-im/parley/internal/core/port"
)

// localTrack wraps a captured mediadevices track. Enabled state is
// toggled by swapping the track in and out of every RTP sender it is
// attached to; no renegotiation happens because the transceiver stays up.
type localTrack struct {
	track mediadevices.Track

	mu      sync.Mutex
	senders []*webrtc.RTPSender
	enabled bool
}

func newLocalTrack(track mediadevices.Track) *localTrack {
	return &localTrack{track: track, enabled: true}
}

func (t *localTrack) ID() string { return t.track.ID() }

func (t *localTrack) Kind() port.TrackKind {
	if t.track.Kind() == webrtc.RTPCodecTypeVideo {
		return port.TrackVideo
	}
	return port.TrackAudio
}

// attach records a sender so later SetEnabled calls reach it. When the
// track is currently disabled the sender starts out silenced.
func (t *localTrack) attach(sender *webrtc.RTPSender) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.senders = append(t.senders, sender)
	if !t.enabled {
		_ = sender.ReplaceTrack(nil)
	}
}

func (t *localTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.enabled == enabled {
		return
	}
	t.enabled = enabled

	var replacement webrtc.TrackLocal
	if enabled {
		replacement = t.track
	}
	for _, s := range t.senders {
		// Errors here mean the connection is gone; nothing to do.
		_ = s.ReplaceTrack(replacement)
	}
}

func (t *localTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *localTrack) Close() error { return t.track.Close() }

// mediaStream adapts a mediadevices stream to port.MediaStream.
type mediaStream struct {
	tracks []port.LocalTrack
}

func newMediaStream(stream mediadevices.MediaStream) *mediaStream {
	raw := stream.GetTracks()
	tracks := make([]port.LocalTrack, 0, len(raw))
	for _, tr := range raw {
		tracks = append(tracks, newLocalTrack(tr))
	}
	return &mediaStream{tracks: tracks}
}

func (s *mediaStream) Tracks() []port.LocalTrack { return s.tracks }

func (s *mediaStream) Close() error {
	var firstErr error
	for _, t := range s.tracks {
		if err := t.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
