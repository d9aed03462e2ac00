package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/parley-im/parley/internal/core/domain"
	"github.com/parley-im/parley/internal/core/port"
)

const (
	defaultRingTimeout  = 45 * time.Second
	defaultReofferDelay = 500 * time.Millisecond
)

// Options tunes the call engine. The zero value gets sensible defaults.
type Options struct {
	// RingTimeout bounds how long an unanswered outgoing call rings before
	// the attempt is abandoned. Negative disables the timeout.
	RingTimeout time.Duration

	// ReofferDelay is the pause before offering a running screen share to a
	// freshly joined user, so their signaling channel has settled. This is
	// race avoidance, not a guarantee.
	ReofferDelay time.Duration
}

// ActiveCall is the UI-facing view of one connected call peer.
type ActiveCall struct {
	Peer         domain.UserID
	Username     string
	RemoteTracks []port.RemoteTrack
	VideoEnabled bool
}

// ScreenShare is the UI-facing view of one share the local user is viewing.
type ScreenShare struct {
	Peer         domain.UserID
	Username     string
	Direction    domain.ShareDirection
	RemoteTracks []port.RemoteTrack
}

// callSession is the local user's single directed call.
type callSession struct {
	peer        domain.UserID
	username    string
	direction   domain.CallDirection
	video       bool
	state       domain.CallState
	localStream port.MediaStream
	ringTimer   *time.Timer
}

// shareState is the local user's outgoing screen share.
type shareState struct {
	stream port.MediaStream
}

// CallEngine orchestrates the local user's directed call and screen shares:
// one instance per process, constructed once and torn down with Close. It
// owns the peer connection registries and is the only component that
// mutates them. Inbound signaling is consumed from a single Subscribe loop,
// so events from one sender are processed in arrival order; slow work
// (media capture, offer creation) runs on short-lived goroutines that
// re-check a generation counter before committing results, since the user
// may have hung up while they were in flight.
type CallEngine struct {
	self     domain.UserID
	username string
	media    port.MediaEngine
	gw       port.SignalGateway
	opts     Options
	log      zerolog.Logger

	mediaCtl *mediaController
	calls    *registry
	shares   *registry

	mu        sync.Mutex
	session   *callSession
	invite    *domain.CallInvite
	attempt   uint64
	sharing   *shareState
	shareGen  uint64
	announced map[domain.UserID]string

	// Reactive outputs consumed by the UI collaborator.
	IncomingCall *Observable[*domain.CallInvite]
	IsInCall     *Observable[bool]
	ActiveCalls  *Observable[[]ActiveCall]
	ConnState    *Observable[domain.ConnectionState]
	IsMuted      *Observable[bool]
	IsVideoOff   *Observable[bool]
	ScreenShares *Observable[[]ScreenShare]
	IsSharing    *Observable[bool]

	done      chan struct{}
	subCancel func()
}

// NewCallEngine builds the engine for the local user and starts consuming
// signaling immediately.
func NewCallEngine(self domain.UserID, username string, media port.MediaEngine, gw port.SignalGateway, opts Options, log zerolog.Logger) *CallEngine {
	if opts.RingTimeout == 0 {
		opts.RingTimeout = defaultRingTimeout
	}
	if opts.ReofferDelay == 0 {
		opts.ReofferDelay = defaultReofferDelay
	}

	e := &CallEngine{
		self:      self,
		username:  username,
		media:     media,
		gw:        gw,
		opts:      opts,
		log:       log.With().Str("user", self.String()).Logger(),
		mediaCtl:  newMediaController(media, log),
		calls:     newRegistry("call", log),
		shares:    newRegistry("share", log),
		announced: make(map[domain.UserID]string),

		IncomingCall: NewObservable[*domain.CallInvite](nil),
		IsInCall:     NewObservable(false),
		ActiveCalls:  NewObservable[[]ActiveCall](nil),
		ConnState:    NewObservable(domain.ConnIdle),
		IsMuted:      NewObservable(false),
		IsVideoOff:   NewObservable(false),
		ScreenShares: NewObservable[[]ScreenShare](nil),
		IsSharing:    NewObservable(false),

		done: make(chan struct{}),
	}

	ch, cancel := gw.Subscribe()
	e.subCancel = cancel
	go e.run(ch)
	return e
}

// SetMuted toggles local audio transmission across every active entry.
// Idempotent.
func (e *CallEngine) SetMuted(muted bool) {
	if e.mediaCtl.setMuted(muted) {
		e.IsMuted.Set(muted)
	}
}

// SetVideoOff toggles local video transmission across every active entry.
// Idempotent.
func (e *CallEngine) SetVideoOff(off bool) {
	if e.mediaCtl.setVideoOff(off) {
		e.IsVideoOff.Set(off)
		e.publishActiveCalls()
	}
}

// ToggleState returns the current mute/video-off state.
func (e *CallEngine) ToggleState() domain.MediaToggleState {
	return e.mediaCtl.state()
}

// Session returns a snapshot of the current directed call, if any.
func (e *CallEngine) Session() (domain.CallSession, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return domain.CallSession{}, false
	}
	return domain.CallSession{
		Peer:      e.session.peer,
		Username:  e.session.username,
		Direction: e.session.direction,
		Video:     e.session.video,
		State:     e.session.state,
	}, true
}

// Close hangs up, stops sharing, and stops the signaling loop. Idempotent.
func (e *CallEngine) Close() {
	select {
	case <-e.done:
		return
	default:
		close(e.done)
	}
	e.subCancel()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = e.EndCall(ctx)
	_ = e.StopSharing(ctx)
	e.shares.removeAll()
	e.log.Info().Msg("Call engine closed")
}

// run consumes inbound signaling envelopes until Close or gateway shutdown.
func (e *CallEngine) run(ch <-chan domain.Envelope) {
	for {
		select {
		case <-e.done:
			return
		case env, ok := <-ch:
			if !ok {
				return
			}
			e.dispatch(env)
		}
	}
}

func (e *CallEngine) dispatch(env domain.Envelope) {
	switch env.Event {
	case domain.EventCallInvite:
		var p domain.InvitePayload
		if e.decode(env, &p) {
			e.handleInvite(env.From, p)
		}
	case domain.EventCallAccepted:
		var p domain.AcceptPayload
		if e.decode(env, &p) {
			e.handleAccepted(env.From)
		}
	case domain.EventCallRejected:
		e.handleRemoteHangup(env.From, true)
	case domain.EventCallEnded:
		e.handleRemoteHangup(env.From, false)
	case domain.EventCallOffer:
		var p domain.DescriptionPayload
		if e.decode(env, &p) {
			e.handleOffer(env.From, p.SDP)
		}
	case domain.EventCallAnswer:
		var p domain.DescriptionPayload
		if e.decode(env, &p) {
			e.handleAnswer(env.From, p.SDP)
		}
	case domain.EventCallICECandidate:
		var p domain.CandidatePayload
		if e.decode(env, &p) {
			if err := e.calls.addRemoteCandidate(env.From, domain.ICECandidate{Candidate: p.Candidate}); err != nil {
				e.log.Warn().Err(err).Str("peer", env.From.String()).Msg("Call candidate rejected")
			}
		}
	case domain.EventShareStarted:
		var p domain.SharePayload
		if e.decode(env, &p) {
			e.handleShareStarted(env.From, p.Username)
		}
	case domain.EventShareStopped:
		e.handleShareStopped(env.From)
	case domain.EventShareOffer:
		var p domain.DescriptionPayload
		if e.decode(env, &p) {
			e.handleShareOffer(env.From, p.SDP)
		}
	case domain.EventShareAnswer:
		var p domain.DescriptionPayload
		if e.decode(env, &p) {
			e.handleShareAnswer(env.From, p.SDP)
		}
	case domain.EventShareICECandidate:
		var p domain.CandidatePayload
		if e.decode(env, &p) {
			if err := e.shares.addRemoteCandidate(env.From, domain.ICECandidate{Candidate: p.Candidate}); err != nil {
				e.log.Warn().Err(err).Str("peer", env.From.String()).Msg("Share candidate rejected")
			}
		}
	case domain.EventUserJoined:
		var p domain.UserJoinedPayload
		if e.decode(env, &p) {
			if joined, err := domain.ParseUserID(p.UserID); err == nil {
				e.handleUserJoined(joined)
			}
		}
	default:
		e.log.Debug().Str("event", string(env.Event)).Msg("Ignoring unknown signaling event")
	}
}

func (e *CallEngine) decode(env domain.Envelope, out any) bool {
	if len(env.Payload) == 0 {
		return true
	}
	if err := json.Unmarshal(env.Payload, out); err != nil {
		e.log.Warn().Err(err).Str("event", string(env.Event)).Msg("Malformed signaling payload")
		return false
	}
	return true
}

// newCallEntry allocates a connection for peer in the call registry and
// wires its callbacks to signaling and the reactive surface.
func (e *CallEngine) newCallEntry(peer domain.UserID, username string, role domain.NegotiationRole) (*peerEntry, error) {
	return e.newEntry(e.calls, peer, username, role, domain.EventCallICECandidate, func(state domain.ConnectionState) {
		e.handleCallConnState(peer, state)
	})
}

// newShareEntry is the screen-share counterpart of newCallEntry.
func (e *CallEngine) newShareEntry(peer domain.UserID, username string, role domain.NegotiationRole) (*peerEntry, error) {
	return e.newEntry(e.shares, peer, username, role, domain.EventShareICECandidate, func(state domain.ConnectionState) {
		e.handleShareConnState(peer, state)
	})
}

func (e *CallEngine) newEntry(reg *registry, peer domain.UserID, username string, role domain.NegotiationRole, candidateEvent domain.EventName, onState func(domain.ConnectionState)) (*peerEntry, error) {
	conn, err := e.media.NewConnection()
	if err != nil {
		return nil, fmt.Errorf("allocating peer connection: %w", err)
	}
	entry, err := reg.create(peer, username, role, conn)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	conn.OnICECandidate(func(candidate domain.ICECandidate) {
		payload := domain.CandidatePayload{Candidate: candidate.Candidate}
		if err := e.gw.Send(context.Background(), peer, candidateEvent, payload); err != nil {
			e.log.Warn().Err(err).Str("peer", peer.String()).Msg("Sending local candidate failed")
		}
	})
	conn.OnRemoteTrack(func(track port.RemoteTrack) {
		reg.addRemoteTrack(peer, track)
		if reg == e.calls {
			e.publishActiveCalls()
		} else {
			e.publishShares()
		}
	})
	conn.OnStateChange(onState)
	return entry, nil
}

func (e *CallEngine) handleCallConnState(peer domain.UserID, state domain.ConnectionState) {
	switch state {
	case domain.ConnConnected:
		e.mu.Lock()
		active := e.session != nil && e.session.peer == peer
		if active && e.session.state == domain.CallNegotiating {
			e.session.state = domain.CallActive
		}
		e.mu.Unlock()
		if active {
			e.ConnState.Set(domain.ConnConnected)
			e.publishActiveCalls()
			e.log.Info().Str("peer", peer.String()).Msg("Call connected")
		}
	case domain.ConnFailed:
		// A closing connection fires state callbacks after teardown has
		// already removed the entry; only a failure belonging to the
		// current session may surface.
		e.mu.Lock()
		active := e.session != nil && e.session.peer == peer
		e.mu.Unlock()
		if !active {
			return
		}
		// Terminates only this entry; the session stays so the user sees
		// the failure and hangs up.
		e.calls.remove(peer)
		e.ConnState.Set(domain.ConnFailed)
		e.publishActiveCalls()
		e.log.Warn().Str("peer", peer.String()).Msg("Call connection failed")
	}
}

func (e *CallEngine) handleShareConnState(peer domain.UserID, state domain.ConnectionState) {
	if state == domain.ConnFailed {
		// One viewer's failure never affects the rest of the fan-out.
		e.shares.remove(peer)
		e.publishShares()
		e.log.Warn().Str("peer", peer.String()).Msg("Share connection failed")
	}
}

func attachStream(conn port.PeerConnection, stream port.MediaStream) error {
	for _, track := range stream.Tracks() {
		if err := conn.AddTrack(track); err != nil {
			return fmt.Errorf("attaching %s track: %w", track.Kind(), err)
		}
	}
	return nil
}

func (e *CallEngine) publishActiveCalls() {
	e.mu.Lock()
	video := e.session != nil && e.session.video
	e.mu.Unlock()
	videoEnabled := video && !e.mediaCtl.state().VideoOff

	var calls []ActiveCall
	for _, view := range e.calls.views() {
		calls = append(calls, ActiveCall{
			Peer:         view.peer,
			Username:     view.username,
			RemoteTracks: view.remoteTracks,
			VideoEnabled: videoEnabled,
		})
	}
	e.ActiveCalls.Set(calls)
}

func (e *CallEngine) publishShares() {
	e.mu.Lock()
	announced := make(map[domain.UserID]string, len(e.announced))
	for id, name := range e.announced {
		announced[id] = name
	}
	e.mu.Unlock()

	var shares []ScreenShare
	for _, view := range e.shares.views() {
		if view.role != domain.RoleAnswerer {
			continue
		}
		username := view.username
		if name, ok := announced[view.peer]; ok && name != "" {
			username = name
		}
		delete(announced, view.peer)
		shares = append(shares, ScreenShare{
			Peer:         view.peer,
			Username:     username,
			Direction:    domain.ViewingIn,
			RemoteTracks: view.remoteTracks,
		})
	}
	// Sharers that announced but have not offered yet.
	for id, name := range announced {
		shares = append(shares, ScreenShare{Peer: id, Username: name, Direction: domain.ViewingIn})
	}
	e.ScreenShares.Set(shares)
}
