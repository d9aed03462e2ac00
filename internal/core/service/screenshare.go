package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/parley-im/parley/internal/core/domain"
)

// StartSharing captures the display and announces the share. Viewers get
// individual offers as they join (handleUserJoined); the announcement is
// the UI-facing signal. Idempotent while already sharing.
func (e *CallEngine) StartSharing(ctx context.Context) error {
	e.mu.Lock()
	if e.sharing != nil {
		e.mu.Unlock()
		return nil
	}
	e.shareGen++
	gen := e.shareGen
	// Placeholder blocks a concurrent StartSharing while capture runs.
	e.sharing = &shareState{}
	e.mu.Unlock()

	stream, err := e.mediaCtl.captureDisplay(ctx)
	if err != nil {
		e.mu.Lock()
		if e.shareGen == gen {
			e.sharing = nil
		}
		e.mu.Unlock()
		return err
	}

	e.mu.Lock()
	if e.shareGen != gen {
		e.mu.Unlock()
		e.mediaCtl.release(stream)
		return domain.ErrBadState
	}
	e.sharing.stream = stream
	e.mu.Unlock()

	if err := e.gw.Send(ctx, domain.UserID{}, domain.EventShareStarted, domain.SharePayload{Username: e.username}); err != nil {
		e.teardownShareOut(gen)
		return fmt.Errorf("announcing screen share: %w", domain.ErrTransportUnavailable)
	}

	e.IsSharing.Set(true)
	e.log.Info().Msg("Screen share started")
	return nil
}

// StopSharing disposes every outgoing viewer entry, stops the display
// capture, and announces the stop. Idempotent.
func (e *CallEngine) StopSharing(ctx context.Context) error {
	e.mu.Lock()
	if e.sharing == nil {
		e.mu.Unlock()
		return nil
	}
	gen := e.shareGen
	e.mu.Unlock()

	if err := e.gw.Send(ctx, domain.UserID{}, domain.EventShareStopped, nil); err != nil {
		e.log.Warn().Err(err).Msg("Announcing share stop failed")
	}
	e.teardownShareOut(gen)
	e.log.Info().Msg("Screen share stopped")
	return nil
}

// teardownShareOut tears down the outgoing share if gen is still current.
// Viewer-side entries (shares we watch) are left alone.
func (e *CallEngine) teardownShareOut(gen uint64) {
	e.mu.Lock()
	if e.shareGen != gen || e.sharing == nil {
		e.mu.Unlock()
		return
	}
	stream := e.sharing.stream
	e.sharing = nil
	e.shareGen++
	e.mu.Unlock()

	e.shares.removeWhere(func(entry *peerEntry) bool {
		return entry.role == domain.RoleOfferer
	})
	e.mediaCtl.release(stream)
	e.IsSharing.Set(false)
}

// handleUserJoined offers a running share to the newcomer after a short
// deliberate delay, so their signaling channel has settled.
func (e *CallEngine) handleUserJoined(joined domain.UserID) {
	if joined == e.self {
		return
	}
	e.mu.Lock()
	sharing := e.sharing != nil && e.sharing.stream != nil
	gen := e.shareGen
	e.mu.Unlock()
	if !sharing {
		return
	}

	time.AfterFunc(e.opts.ReofferDelay, func() {
		e.offerShareTo(gen, joined)
	})
}

func (e *CallEngine) offerShareTo(gen uint64, viewer domain.UserID) {
	e.mu.Lock()
	if e.shareGen != gen || e.sharing == nil || e.sharing.stream == nil {
		e.mu.Unlock()
		return
	}
	stream := e.sharing.stream
	e.mu.Unlock()

	entry, err := e.newShareEntry(viewer, "", domain.RoleOfferer)
	if err != nil {
		if !errors.Is(err, domain.ErrDuplicateEntry) {
			e.log.Warn().Err(err).Str("viewer", viewer.String()).Msg("Creating share entry failed")
		}
		return
	}
	if err := attachStream(entry.conn, stream); err != nil {
		e.shares.remove(viewer)
		e.log.Warn().Err(err).Str("viewer", viewer.String()).Msg("Attaching display tracks failed")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	offer, err := entry.conn.CreateOffer(ctx)
	if err != nil {
		e.shares.remove(viewer)
		e.log.Warn().Err(err).Str("viewer", viewer.String()).Msg("Creating share offer failed")
		return
	}
	if err := e.gw.Send(ctx, viewer, domain.EventShareOffer, domain.DescriptionPayload{SDP: offer.SDP}); err != nil {
		e.shares.remove(viewer)
		e.log.Warn().Err(err).Str("viewer", viewer.String()).Msg("Sending share offer failed")
		return
	}
	e.log.Debug().Str("viewer", viewer.String()).Msg("Share offer sent")
}

// handleShareStarted records the announcement so the UI can list the share
// before the sharer's offer lands.
func (e *CallEngine) handleShareStarted(from domain.UserID, username string) {
	if from == e.self {
		return
	}
	e.mu.Lock()
	e.announced[from] = username
	e.mu.Unlock()
	e.publishShares()
	e.log.Info().Str("sharer", from.String()).Str("username", username).Msg("Peer started sharing")
}

// handleShareStopped removes only this sharer's viewing entry; unrelated
// shares and the local outgoing share are untouched.
func (e *CallEngine) handleShareStopped(from domain.UserID) {
	e.mu.Lock()
	delete(e.announced, from)
	e.mu.Unlock()

	if entry, ok := e.shares.get(from); ok && entry.role == domain.RoleAnswerer {
		e.shares.remove(from)
	}
	e.publishShares()
	e.log.Info().Str("sharer", from.String()).Msg("Peer stopped sharing")
}

// handleShareOffer answers an inbound share offer from a sharer. A repeat
// offer on an existing entry is a renegotiation and is applied in place.
func (e *CallEngine) handleShareOffer(from domain.UserID, sdp string) {
	entry, ok := e.shares.get(from)
	if ok && entry.role != domain.RoleAnswerer {
		// We are already sharing to this peer on this keyspace; a
		// simultaneous share back is not supported per entry set.
		e.log.Warn().Str("peer", from.String()).Msg("Share offer collides with outgoing share entry")
		return
	}
	if !ok {
		e.mu.Lock()
		username := e.announced[from]
		e.mu.Unlock()
		var err error
		entry, err = e.newShareEntry(from, username, domain.RoleAnswerer)
		if err != nil {
			e.log.Warn().Err(err).Str("sharer", from.String()).Msg("Creating viewer entry failed")
			return
		}
	}

	if err := e.shares.applyRemoteDescription(from, domain.Description{Type: domain.SDPOffer, SDP: sdp}); err != nil {
		e.shares.remove(from)
		e.publishShares()
		e.log.Warn().Err(err).Str("sharer", from.String()).Msg("Applying share offer failed")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	answer, err := entry.conn.CreateAnswer(ctx)
	if err != nil {
		e.shares.remove(from)
		e.publishShares()
		e.log.Warn().Err(err).Str("sharer", from.String()).Msg("Creating share answer failed")
		return
	}
	if err := e.gw.Send(ctx, from, domain.EventShareAnswer, domain.DescriptionPayload{SDP: answer.SDP}); err != nil {
		e.shares.remove(from)
		e.publishShares()
		e.log.Warn().Err(err).Str("sharer", from.String()).Msg("Sending share answer failed")
		return
	}
	e.publishShares()
	e.log.Debug().Str("sharer", from.String()).Msg("Share answer sent")
}

// handleShareAnswer applies a viewer's answer to our outgoing share entry.
func (e *CallEngine) handleShareAnswer(from domain.UserID, sdp string) {
	entry, ok := e.shares.get(from)
	if !ok || entry.role != domain.RoleOfferer {
		return
	}
	if e.shares.descriptionSet(from) {
		return
	}
	if err := e.shares.applyRemoteDescription(from, domain.Description{Type: domain.SDPAnswer, SDP: sdp}); err != nil {
		// Isolated: this viewer drops out, the rest of the fan-out stays.
		e.shares.remove(from)
		e.log.Warn().Err(err).Str("viewer", from.String()).Msg("Applying share answer failed")
	}
}
