package pion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/parley-im/parley/internal/core/domain"
	"github.com/parley-im/parley/internal/core/port"
)

// gatherWait bounds how long CreateOffer/CreateAnswer wait for ICE
// gathering before returning the description; trickle delivers the rest.
const gatherWait = 500 * time.Millisecond

// peerConn adapts one *webrtc.PeerConnection to port.PeerConnection.
type peerConn struct {
	pc  *webrtc.PeerConnection
	log zerolog.Logger

	mu     sync.Mutex
	closed bool
}

func newPeerConn(pc *webrtc.PeerConnection, logger zerolog.Logger) *peerConn {
	return &peerConn{pc: pc, log: logger}
}

func (c *peerConn) AddTrack(track port.LocalTrack) error {
	lt, ok := track.(*localTrack)
	if !ok {
		return fmt.Errorf("foreign track %T", track)
	}
	sender, err := c.pc.AddTrack(lt.track)
	if err != nil {
		return fmt.Errorf("add track: %w", err)
	}
	lt.attach(sender)
	return nil
}

func (c *peerConn) CreateOffer(ctx context.Context) (domain.Description, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return domain.Description{}, fmt.Errorf("create offer: %w", err)
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return domain.Description{}, fmt.Errorf("set local description: %w", err)
	}
	c.waitGathering(ctx)
	return domain.Description{Type: domain.SDPOffer, SDP: c.pc.LocalDescription().SDP}, nil
}

func (c *peerConn) CreateAnswer(ctx context.Context) (domain.Description, error) {
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return domain.Description{}, fmt.Errorf("create answer: %w", err)
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return domain.Description{}, fmt.Errorf("set local description: %w", err)
	}
	c.waitGathering(ctx)
	return domain.Description{Type: domain.SDPAnswer, SDP: c.pc.LocalDescription().SDP}, nil
}

// waitGathering blocks briefly so the description carries the candidates
// gathered so far.
func (c *peerConn) waitGathering(ctx context.Context) {
	waitCtx, cancel := context.WithTimeout(ctx, gatherWait)
	defer cancel()

	done := webrtc.GatheringCompletePromise(c.pc)
	select {
	case <-done:
	case <-waitCtx.Done():
	}
}

func (c *peerConn) SetRemoteDescription(desc domain.Description) error {
	sdpType := webrtc.SDPTypeOffer
	if desc.Type == domain.SDPAnswer {
		sdpType = webrtc.SDPTypeAnswer
	}
	if err := c.pc.SetRemoteDescription(webrtc.SessionDescription{Type: sdpType, SDP: desc.SDP}); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrNegotiationFailed, err)
	}
	return nil
}

func (c *peerConn) AddICECandidate(candidate domain.ICECandidate) error {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal([]byte(candidate.Candidate), &init); err != nil {
		return fmt.Errorf("decode candidate: %w", err)
	}
	if err := c.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrNegotiationFailed, err)
	}
	return nil
}

func (c *peerConn) OnICECandidate(fn func(domain.ICECandidate)) {
	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		raw, err := json.Marshal(cand.ToJSON())
		if err != nil {
			c.log.Error().Err(err).Msg("Failed to marshal candidate")
			return
		}
		fn(domain.ICECandidate{Candidate: string(raw)})
	})
}

func (c *peerConn) OnRemoteTrack(fn func(port.RemoteTrack)) {
	c.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		c.log.Debug().Str("kind", track.Kind().String()).Str("track_id", track.ID()).Msg("Remote track")

		if track.Kind() == webrtc.RTPCodecTypeVideo {
			go c.keyframeLoop(track)
		}
		fn(&remoteTrack{track: track})
	})
}

// keyframeLoop drains the track and keeps the remote side refreshing:
// an immediate PLI for a fast first keyframe, one every 3 seconds after
// that, and an extra one whenever a sequence gap shows packet loss.
func (c *peerConn) keyframeLoop(track *webrtc.TrackRemote) {
	sendPLI := func() {
		_ = c.pc.WriteRTCP([]rtcp.Packet{
			&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())},
		})
	}
	sendPLI()

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(3 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				sendPLI()
			}
		}
	}()
	defer close(done)

	var lastSeq uint16
	var haveSeq bool
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				c.log.Debug().Err(err).Msg("Remote track read ended")
			}
			return
		}
		if haveSeq && pkt.SequenceNumber != lastSeq+1 {
			sendPLI()
		}
		lastSeq = pkt.SequenceNumber
		haveSeq = true
	}
}

func (c *peerConn) OnStateChange(fn func(domain.ConnectionState)) {
	c.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		fn(mapConnState(state))
	})
}

func mapConnState(state webrtc.PeerConnectionState) domain.ConnectionState {
	switch state {
	case webrtc.PeerConnectionStateConnected:
		return domain.ConnConnected
	case webrtc.PeerConnectionStateFailed:
		return domain.ConnFailed
	case webrtc.PeerConnectionStateNew, webrtc.PeerConnectionStateClosed:
		// Closed is the tail end of a deliberate hangup, not a failure.
		return domain.ConnIdle
	default:
		// Connecting and Disconnected: negotiation in flight or ICE
		// restarting.
		return domain.ConnNegotiating
	}
}

func (c *peerConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.pc.Close()
}

type remoteTrack struct {
	track *webrtc.TrackRemote
}

func (t *remoteTrack) ID() string { return t.track.ID() }

func (t *remoteTrack) Kind() port.TrackKind {
	if t.track.Kind() == webrtc.RTPCodecTypeVideo {
		return port.TrackVideo
	}
	return port.TrackAudio
}
