package service

import (
	"context"
	"fmt"
	"time"

	"github.com/parley-im/parley/internal/core/domain"
)

// StartCall invites target to a directed call. Valid only while Idle.
func (e *CallEngine) StartCall(ctx context.Context, target domain.UserID, username string, video bool) error {
	if target == e.self {
		return fmt.Errorf("calling yourself: %w", domain.ErrBadState)
	}

	e.mu.Lock()
	if e.session != nil || e.invite != nil {
		e.mu.Unlock()
		return domain.ErrAlreadyInCall
	}
	e.attempt++
	gen := e.attempt
	sess := &callSession{
		peer:      target,
		username:  username,
		direction: domain.DirectionOutgoing,
		video:     video,
		state:     domain.CallRingingOutgoing,
	}
	if e.opts.RingTimeout > 0 {
		sess.ringTimer = time.AfterFunc(e.opts.RingTimeout, func() {
			e.ringTimedOut(gen, target)
		})
	}
	e.session = sess
	e.mu.Unlock()

	payload := domain.InvitePayload{FromUsername: e.username, Video: video}
	if err := e.gw.Send(ctx, target, domain.EventCallInvite, payload); err != nil {
		e.teardownCall(gen)
		return fmt.Errorf("sending call invite: %w", domain.ErrTransportUnavailable)
	}

	e.IsInCall.Set(true)
	e.log.Info().Str("peer", target.String()).Bool("video", video).Msg("Outgoing call ringing")
	return nil
}

// AnswerCall accepts the pending inbound invite: acquires local media and
// prepares the answerer side of the negotiation. The caller creates its
// offer upon receiving our accept signal.
func (e *CallEngine) AnswerCall(ctx context.Context) error {
	e.mu.Lock()
	if e.invite == nil {
		e.mu.Unlock()
		return domain.ErrBadState
	}
	gen := e.attempt
	e.mu.Unlock()
	return e.answerInvite(ctx, gen)
}

func (e *CallEngine) answerInvite(ctx context.Context, gen uint64) error {
	e.mu.Lock()
	if e.attempt != gen || e.invite == nil {
		e.mu.Unlock()
		return domain.ErrBadState
	}
	inv := *e.invite
	e.mu.Unlock()

	// Capture without holding the lock: permission prompts can take a
	// while and the caller may hang up meanwhile.
	stream, err := e.mediaCtl.captureUserMedia(ctx, inv.Video)
	if err != nil {
		// Local media failure aborts the attempt. No signaling is sent;
		// the caller's ring timeout reclaims its side.
		e.mu.Lock()
		if e.attempt == gen {
			e.invite = nil
			e.attempt++
		}
		e.mu.Unlock()
		e.IncomingCall.Set(nil)
		return err
	}

	e.mu.Lock()
	if e.attempt != gen || e.invite == nil {
		e.mu.Unlock()
		e.mediaCtl.release(stream)
		return domain.ErrBadState
	}
	e.invite = nil
	e.session = &callSession{
		peer:        inv.From,
		username:    inv.FromUsername,
		direction:   domain.DirectionIncoming,
		video:       inv.Video,
		state:       domain.CallNegotiating,
		localStream: stream,
	}
	e.mu.Unlock()

	entry, err := e.newCallEntry(inv.From, inv.FromUsername, domain.RoleAnswerer)
	if err != nil {
		e.teardownCall(gen)
		return err
	}
	// Attach before the offer arrives so the generated answer carries the
	// right media lines.
	if err := attachStream(entry.conn, stream); err != nil {
		e.teardownCall(gen)
		return fmt.Errorf("%w: %w", domain.ErrNegotiationFailed, err)
	}

	if err := e.gw.Send(ctx, inv.From, domain.EventCallAccepted, domain.AcceptPayload{Video: inv.Video}); err != nil {
		e.teardownCall(gen)
		return fmt.Errorf("sending call accept: %w", domain.ErrTransportUnavailable)
	}

	e.IncomingCall.Set(nil)
	e.IsInCall.Set(true)
	e.ConnState.Set(domain.ConnNegotiating)
	e.log.Info().Str("peer", inv.From.String()).Msg("Call answered, negotiating")
	return nil
}

// RejectCall declines the pending inbound invite. No-op without one.
func (e *CallEngine) RejectCall(ctx context.Context) error {
	e.mu.Lock()
	inv := e.invite
	if inv == nil {
		e.mu.Unlock()
		return nil
	}
	e.invite = nil
	e.attempt++
	e.mu.Unlock()

	e.IncomingCall.Set(nil)
	if err := e.gw.Send(ctx, inv.From, domain.EventCallRejected, nil); err != nil {
		e.log.Warn().Err(err).Str("peer", inv.From.String()).Msg("Sending call reject failed")
	}
	e.log.Info().Str("peer", inv.From.String()).Msg("Incoming call rejected")
	return nil
}

// EndCall hangs up the current call: disposes every entry for the session,
// notifies the peer, and returns to Idle. Idempotent in any state.
func (e *CallEngine) EndCall(ctx context.Context) error {
	e.mu.Lock()
	sess := e.session
	if sess == nil {
		e.mu.Unlock()
		return nil
	}
	sess.state = domain.CallEnding
	gen := e.attempt
	peer := sess.peer
	e.mu.Unlock()

	if err := e.gw.Send(ctx, peer, domain.EventCallEnded, nil); err != nil {
		e.log.Warn().Err(err).Str("peer", peer.String()).Msg("Sending call end failed")
	}
	e.teardownCall(gen)
	e.log.Info().Str("peer", peer.String()).Msg("Call ended")
	return nil
}

// handleInvite processes an inbound call-invite.
func (e *CallEngine) handleInvite(from domain.UserID, p domain.InvitePayload) {
	e.mu.Lock()

	// Duplicate delivery of the invite we are already showing.
	if e.invite != nil && e.invite.From == from {
		e.mu.Unlock()
		return
	}

	// Invite glare: both sides called each other at once. The side with
	// the lexicographically smaller user id stays the caller (and will be
	// the offerer); the other abandons its own attempt and answers.
	if e.session != nil && e.session.state == domain.CallRingingOutgoing && e.session.peer == from {
		if e.self.Less(from) {
			e.mu.Unlock()
			e.log.Info().Str("peer", from.String()).Msg("Invite glare, keeping outgoing call")
			return
		}
		if e.session.ringTimer != nil {
			e.session.ringTimer.Stop()
		}
		e.session = nil
		e.attempt++
		gen := e.attempt
		e.invite = &domain.CallInvite{
			From:         from,
			FromUsername: p.FromUsername,
			Video:        p.Video,
			CreatedAt:    time.Now(),
		}
		e.mu.Unlock()
		e.log.Info().Str("peer", from.String()).Msg("Invite glare, yielding and answering")
		go func() {
			if err := e.answerInvite(context.Background(), gen); err != nil {
				e.log.Warn().Err(err).Str("peer", from.String()).Msg("Answering glare invite failed")
			}
		}()
		return
	}

	// Busy: the first pending invite (or the running call) is
	// authoritative, subsequent invites are auto-rejected.
	if e.session != nil || e.invite != nil {
		e.mu.Unlock()
		if err := e.gw.Send(context.Background(), from, domain.EventCallRejected, nil); err != nil {
			e.log.Warn().Err(err).Str("peer", from.String()).Msg("Auto-rejecting invite failed")
		}
		e.log.Info().Str("peer", from.String()).Msg("Busy, invite auto-rejected")
		return
	}

	e.attempt++
	inv := &domain.CallInvite{
		From:         from,
		FromUsername: p.FromUsername,
		Video:        p.Video,
		CreatedAt:    time.Now(),
	}
	e.invite = inv
	e.mu.Unlock()

	e.IncomingCall.Set(inv)
	e.log.Info().Str("peer", from.String()).Str("username", p.FromUsername).Bool("video", p.Video).Msg("Incoming call ringing")
}

// handleAccepted runs on the caller when the callee accepted. Media
// capture and offer creation happen off the dispatch loop; the candidate
// buffer covers anything the peer sends early.
func (e *CallEngine) handleAccepted(from domain.UserID) {
	e.mu.Lock()
	if e.session == nil || e.session.peer != from || e.session.state != domain.CallRingingOutgoing {
		e.mu.Unlock()
		return
	}
	if e.session.ringTimer != nil {
		e.session.ringTimer.Stop()
	}
	e.session.state = domain.CallNegotiating
	gen := e.attempt
	video := e.session.video
	username := e.session.username
	e.mu.Unlock()

	e.ConnState.Set(domain.ConnNegotiating)
	go e.completeOutgoingCall(gen, from, username, video)
}

func (e *CallEngine) completeOutgoingCall(gen uint64, peer domain.UserID, username string, video bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	stream, err := e.mediaCtl.captureUserMedia(ctx, video)
	if err != nil {
		e.log.Warn().Err(err).Str("peer", peer.String()).Msg("Local media failed after accept")
		// The callee is already waiting; release it before collapsing.
		if e.teardownCall(gen) {
			_ = e.gw.Send(context.Background(), peer, domain.EventCallEnded, nil)
		}
		return
	}

	e.mu.Lock()
	if e.attempt != gen || e.session == nil || e.session.state != domain.CallNegotiating {
		e.mu.Unlock()
		e.mediaCtl.release(stream)
		return
	}
	e.session.localStream = stream
	e.mu.Unlock()

	entry, err := e.newCallEntry(peer, username, domain.RoleOfferer)
	if err != nil {
		e.log.Warn().Err(err).Str("peer", peer.String()).Msg("Creating offerer entry failed")
		if e.teardownCall(gen) {
			_ = e.gw.Send(context.Background(), peer, domain.EventCallEnded, nil)
		}
		return
	}
	if err := attachStream(entry.conn, stream); err != nil {
		e.log.Warn().Err(err).Str("peer", peer.String()).Msg("Attaching local tracks failed")
		if e.teardownCall(gen) {
			_ = e.gw.Send(context.Background(), peer, domain.EventCallEnded, nil)
		}
		return
	}

	offer, err := entry.conn.CreateOffer(ctx)
	if err != nil {
		e.log.Warn().Err(err).Str("peer", peer.String()).Msg("Creating offer failed")
		if e.teardownCall(gen) {
			_ = e.gw.Send(context.Background(), peer, domain.EventCallEnded, nil)
		}
		return
	}
	if err := e.gw.Send(ctx, peer, domain.EventCallOffer, domain.DescriptionPayload{SDP: offer.SDP}); err != nil {
		e.log.Warn().Err(err).Str("peer", peer.String()).Msg("Sending offer failed")
		e.teardownCall(gen)
		return
	}
	e.log.Debug().Str("peer", peer.String()).Msg("Offer sent")
}

// handleOffer runs on the answerer once the caller's offer arrives.
func (e *CallEngine) handleOffer(from domain.UserID, sdp string) {
	entry, ok := e.calls.get(from)
	if !ok {
		e.log.Debug().Str("peer", from.String()).Msg("Offer for unknown call entry, ignoring")
		return
	}
	if e.calls.descriptionSet(from) {
		return
	}

	if err := e.calls.applyRemoteDescription(from, domain.Description{Type: domain.SDPOffer, SDP: sdp}); err != nil {
		e.failCallEntry(from, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	answer, err := entry.conn.CreateAnswer(ctx)
	if err != nil {
		e.failCallEntry(from, fmt.Errorf("%w: %w", domain.ErrNegotiationFailed, err))
		return
	}
	if err := e.gw.Send(ctx, from, domain.EventCallAnswer, domain.DescriptionPayload{SDP: answer.SDP}); err != nil {
		e.log.Warn().Err(err).Str("peer", from.String()).Msg("Sending answer failed")
		e.failCallEntry(from, domain.ErrTransportUnavailable)
		return
	}
	e.log.Debug().Str("peer", from.String()).Msg("Answer sent")
}

// handleAnswer runs on the offerer when the callee's answer arrives.
func (e *CallEngine) handleAnswer(from domain.UserID, sdp string) {
	if e.calls.descriptionSet(from) {
		return
	}
	if err := e.calls.applyRemoteDescription(from, domain.Description{Type: domain.SDPAnswer, SDP: sdp}); err != nil {
		e.failCallEntry(from, err)
	}
}

// failCallEntry tears down a single failed entry without touching the rest
// of the engine state.
func (e *CallEngine) failCallEntry(peer domain.UserID, err error) {
	e.log.Warn().Err(err).Str("peer", peer.String()).Msg("Call negotiation failed")
	e.calls.remove(peer)
	e.ConnState.Set(domain.ConnFailed)
	e.publishActiveCalls()
}

// handleRemoteHangup collapses local state when the peer rejects or ends
// the call. This is the only externally triggered transition to Idle.
func (e *CallEngine) handleRemoteHangup(from domain.UserID, rejected bool) {
	e.mu.Lock()
	matchesInvite := e.invite != nil && e.invite.From == from
	matchesSession := e.session != nil && e.session.peer == from
	gen := e.attempt
	e.mu.Unlock()

	if !matchesInvite && !matchesSession {
		return
	}
	if e.teardownCall(gen) {
		event := "ended"
		if rejected {
			event = "rejected"
		}
		e.log.Info().Str("peer", from.String()).Msgf("Call %s by remote", event)
	}
}

// ringTimedOut abandons an outgoing call nobody answered.
func (e *CallEngine) ringTimedOut(gen uint64, peer domain.UserID) {
	e.mu.Lock()
	valid := e.attempt == gen && e.session != nil && e.session.state == domain.CallRingingOutgoing
	e.mu.Unlock()
	if !valid {
		return
	}
	if e.teardownCall(gen) {
		_ = e.gw.Send(context.Background(), peer, domain.EventCallEnded, nil)
		e.log.Info().Str("peer", peer.String()).Msg("Outgoing call timed out")
	}
}

// teardownCall resets the directed-call state and disposes its entries.
// gen 0 is unconditional; otherwise the teardown only applies while the
// attempt it belongs to is still current. Reports whether state changed.
func (e *CallEngine) teardownCall(gen uint64) bool {
	e.mu.Lock()
	if gen != 0 && e.attempt != gen {
		e.mu.Unlock()
		return false
	}
	sess := e.session
	inv := e.invite
	if sess == nil && inv == nil {
		e.mu.Unlock()
		return false
	}
	e.session = nil
	e.invite = nil
	e.attempt++
	if sess != nil && sess.ringTimer != nil {
		sess.ringTimer.Stop()
	}
	e.mu.Unlock()

	e.calls.removeAll()
	if sess != nil {
		e.mediaCtl.release(sess.localStream)
	}
	e.IncomingCall.Set(nil)
	e.IsInCall.Set(false)
	e.ConnState.Set(domain.ConnIdle)
	e.publishActiveCalls()
	return true
}
