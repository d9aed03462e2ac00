// Package pion implements port.MediaEngine on pion/webrtc and
// pion/mediadevices.
package pion

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"     // register camera driver
	_ "github.com/pion/mediadevices/pkg/driver/microphone" // register microphone driver
	_ "github.com/pion/mediadevices/pkg/driver/screen"     // register screen driver
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/parley-im/parley/internal/core/domain"
	"github.com/parley-im/parley/internal/core/port"
)

type Options struct {
	// ICEServers in URL form, e.g. "stun:stun.l.google.com:19302".
	ICEServers []string
}

// Engine builds peer connections with VP8+Opus and captures local
// devices through mediadevices. Implements port.MediaEngine.
type Engine struct {
	api      *webrtc.API
	selector *mediadevices.CodecSelector
	config   webrtc.Configuration
	log      zerolog.Logger
}

func NewEngine(opts Options, logger zerolog.Logger) (*Engine, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 params: %w", err)
	}
	vpxParams.BitRate = 1_500_000 // 1.5 Mbps

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}

	selector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	mediaEngine := &webrtc.MediaEngine{}
	selector.Populate(mediaEngine)

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	// Generous ICE timeouts: the default 5 s disconnectedTimeout drops
	// calls during brief relay or NAT hiccups.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)
	se.SetIncludeLoopbackCandidate(true)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(se),
	)

	servers := opts.ICEServers
	if len(servers) == 0 {
		servers = []string{"stun:stun.l.google.com:19302"}
	}
	config := webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: servers}},
	}

	return &Engine{
		api:      api,
		selector: selector,
		config:   config,
		log:      logger.With().Str("component", "pion").Logger(),
	}, nil
}

func (e *Engine) NewConnection() (port.PeerConnection, error) {
	pc, err := e.api.NewPeerConnection(e.config)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	return newPeerConn(pc, e.log), nil
}

// CaptureUserMedia opens mic and camera. GetUserMedia fails as a unit
// when either device cannot be opened, so a video request degrades in
// steps: video+audio, video-only, audio-only.
func (e *Engine) CaptureUserMedia(ctx context.Context, video bool) (port.MediaStream, error) {
	type attempt struct {
		video bool
		audio bool
		label string
	}
	attempts := []attempt{{false, true, "audio-only"}}
	if video {
		attempts = []attempt{
			{true, true, "video+audio"},
			{true, false, "video-only"},
			{false, true, "audio-only"},
		}
	}

	var lastErr error
	for _, a := range attempts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		constraints := mediadevices.MediaStreamConstraints{Codec: e.selector}
		if a.video {
			constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
				// MJPEG camera nodes can emit malformed frames that
				// poison the VP8 encoder. Raw formats only.
				c.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				c.Width = prop.IntRanged{Max: 640}
				c.Height = prop.IntRanged{Max: 480}
			}
		}
		if a.audio {
			constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			e.log.Warn().Err(err).Str("attempt", a.label).Msg("GetUserMedia failed")
			lastErr = err
			continue
		}
		e.log.Info().Str("attempt", a.label).Int("tracks", len(stream.GetTracks())).Msg("Local media captured")
		return newMediaStream(stream), nil
	}
	return nil, captureError(lastErr)
}

// captureError classifies a driver failure. The v4l2 and ALSA drivers
// surface the open error on the device node, so denied access is told
// apart from a missing or busy device. Some driver paths flatten the
// error chain, hence the message check.
func captureError(err error) error {
	if errors.Is(err, fs.ErrPermission) || strings.Contains(err.Error(), "permission denied") {
		return fmt.Errorf("%w: %v", domain.ErrPermissionDenied, err)
	}
	return fmt.Errorf("%w: %v", domain.ErrDeviceUnavailable, err)
}

func (e *Engine) CaptureDisplay(ctx context.Context) (port.MediaStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stream, err := mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
		Codec: e.selector,
		Video: func(_ *mediadevices.MediaTrackConstraints) {},
	})
	if err != nil {
		return nil, captureError(err)
	}
	e.log.Info().Int("tracks", len(stream.GetTracks())).Msg("Display captured")
	return newMediaStream(stream), nil
}
