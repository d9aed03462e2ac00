package service

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/parley-im/parley/internal/core/domain"
	"github.com/parley-im/parley/internal/core/port"
)

// mediaController owns the local capture streams and the process-wide
// mute/video-off toggles. Toggles flip the enabled flag on matching local
// tracks across every stream currently attached to a connection — no
// renegotiation. A stream captured after a toggle was set inherits the
// toggle state on registration.
type mediaController struct {
	media port.MediaEngine
	log   zerolog.Logger

	mu      sync.Mutex
	toggles domain.MediaToggleState
	streams map[port.MediaStream]struct{}
}

func newMediaController(media port.MediaEngine, log zerolog.Logger) *mediaController {
	return &mediaController{
		media:   media,
		log:     log,
		streams: make(map[port.MediaStream]struct{}),
	}
}

// captureUserMedia acquires mic (+camera when video) and registers the
// stream so toggles apply to it.
func (c *mediaController) captureUserMedia(ctx context.Context, video bool) (port.MediaStream, error) {
	stream, err := c.media.CaptureUserMedia(ctx, video)
	if err != nil {
		return nil, err
	}
	c.register(stream)
	return stream, nil
}

// captureDisplay acquires a display stream for screen sharing.
func (c *mediaController) captureDisplay(ctx context.Context) (port.MediaStream, error) {
	stream, err := c.media.CaptureDisplay(ctx)
	if err != nil {
		return nil, err
	}
	c.register(stream)
	return stream, nil
}

func (c *mediaController) register(stream port.MediaStream) {
	c.mu.Lock()
	c.streams[stream] = struct{}{}
	toggles := c.toggles
	c.mu.Unlock()
	applyToggles(stream, toggles)
}

// release unregisters and closes a capture stream. No-op when the stream
// was already released.
func (c *mediaController) release(stream port.MediaStream) {
	if stream == nil {
		return
	}
	c.mu.Lock()
	_, ok := c.streams[stream]
	delete(c.streams, stream)
	c.mu.Unlock()

	if ok {
		if err := stream.Close(); err != nil {
			c.log.Warn().Err(err).Msg("Closing capture stream")
		}
	}
}

// setMuted flips audio transmission across every registered stream.
// Idempotent: reports false when the state did not change.
func (c *mediaController) setMuted(muted bool) bool {
	return c.toggle(port.TrackAudio, muted)
}

// setVideoOff flips video transmission across every registered stream.
func (c *mediaController) setVideoOff(off bool) bool {
	return c.toggle(port.TrackVideo, off)
}

func (c *mediaController) toggle(kind port.TrackKind, disabled bool) bool {
	c.mu.Lock()
	switch kind {
	case port.TrackAudio:
		if c.toggles.Muted == disabled {
			c.mu.Unlock()
			return false
		}
		c.toggles.Muted = disabled
	case port.TrackVideo:
		if c.toggles.VideoOff == disabled {
			c.mu.Unlock()
			return false
		}
		c.toggles.VideoOff = disabled
	}
	streams := make([]port.MediaStream, 0, len(c.streams))
	for stream := range c.streams {
		streams = append(streams, stream)
	}
	c.mu.Unlock()

	for _, stream := range streams {
		for _, track := range stream.Tracks() {
			if track.Kind() == kind {
				track.SetEnabled(!disabled)
			}
		}
	}
	c.log.Debug().Str("kind", string(kind)).Bool("disabled", disabled).Msg("Local tracks toggled")
	return true
}

func (c *mediaController) state() domain.MediaToggleState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.toggles
}

// applyToggles brings a freshly captured stream in line with the current
// toggle state.
func applyToggles(stream port.MediaStream, toggles domain.MediaToggleState) {
	for _, track := range stream.Tracks() {
		switch track.Kind() {
		case port.TrackAudio:
			track.SetEnabled(!toggles.Muted)
		case port.TrackVideo:
			track.SetEnabled(!toggles.VideoOff)
		}
	}
}
