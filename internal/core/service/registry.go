package service

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/parley-im/parley/internal/core/domain"
	"github.com/parley-im/parley/internal/core/port"
)

// peerEntry is one native peer connection to a single remote peer, plus the
// negotiation bookkeeping around it. Candidates that arrive before the
// remote description are buffered in pending and flushed exactly once, in
// arrival order, when the description is applied.
//
// Entries do not own the local capture stream: mic/camera and display
// streams are shared across entries and disposed by whoever acquired them.
type peerEntry struct {
	peer     domain.UserID
	username string
	conn     port.PeerConnection
	role     domain.NegotiationRole

	remoteDescSet bool
	pending       []domain.ICECandidate
	remoteTracks  []port.RemoteTrack
}

// registry owns the peer connection entries for one concern (directed
// calls and screen shares each get their own instance, so a user can be in
// a call and sharing at the same time). An entry is never dropped from the
// map without its connection being closed.
type registry struct {
	label string
	log   zerolog.Logger

	mu      sync.Mutex
	entries map[domain.UserID]*peerEntry
}

func newRegistry(label string, log zerolog.Logger) *registry {
	return &registry{
		label:   label,
		log:     log,
		entries: make(map[domain.UserID]*peerEntry),
	}
}

// create allocates an entry for peer. The caller wires the connection
// callbacks; create only guards against duplicates.
func (r *registry) create(peer domain.UserID, username string, role domain.NegotiationRole, conn port.PeerConnection) (*peerEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[peer]; exists {
		return nil, fmt.Errorf("%s entry for %s: %w", r.label, peer, domain.ErrDuplicateEntry)
	}

	entry := &peerEntry{
		peer:     peer,
		username: username,
		conn:     conn,
		role:     role,
	}
	r.entries[peer] = entry
	r.log.Debug().Str("peer", peer.String()).Str("role", string(role)).Str("registry", r.label).Msg("Peer entry created")
	return entry, nil
}

// applyRemoteDescription sets the remote description for peer and, on
// success, flushes the buffered candidates in FIFO order. The flush happens
// at most once per entry; later candidates are applied directly.
func (r *registry) applyRemoteDescription(peer domain.UserID, desc domain.Description) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[peer]
	if !ok {
		return fmt.Errorf("%s entry for %s not found: %w", r.label, peer, domain.ErrNegotiationFailed)
	}

	if err := entry.conn.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("setting remote %s for %s: %w", desc.Type, peer, domain.ErrNegotiationFailed)
	}
	entry.remoteDescSet = true

	buffered := entry.pending
	entry.pending = nil
	for _, candidate := range buffered {
		if err := entry.conn.AddICECandidate(candidate); err != nil {
			return fmt.Errorf("applying buffered candidate for %s: %w", peer, domain.ErrNegotiationFailed)
		}
	}
	if len(buffered) > 0 {
		r.log.Debug().Str("peer", peer.String()).Int("count", len(buffered)).Msg("Flushed buffered candidates")
	}
	return nil
}

// addRemoteCandidate applies the candidate if the remote description is
// already set, otherwise buffers it. A candidate is never applied ahead of
// the description that unblocks it. Unknown peers are ignored: the entry
// may already be torn down while candidates are still in flight.
func (r *registry) addRemoteCandidate(peer domain.UserID, candidate domain.ICECandidate) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[peer]
	if !ok {
		return nil
	}

	if !entry.remoteDescSet {
		entry.pending = append(entry.pending, candidate)
		return nil
	}
	if err := entry.conn.AddICECandidate(candidate); err != nil {
		return fmt.Errorf("applying candidate for %s: %w", peer, domain.ErrNegotiationFailed)
	}
	return nil
}

// addRemoteTrack records a track received on peer's connection.
func (r *registry) addRemoteTrack(peer domain.UserID, track port.RemoteTrack) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.entries[peer]; ok {
		entry.remoteTracks = append(entry.remoteTracks, track)
	}
}

// descriptionSet reports whether peer's remote description was applied.
// Lets handlers drop duplicate deliveries of the same description.
func (r *registry) descriptionSet(peer domain.UserID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[peer]
	return ok && entry.remoteDescSet
}

// get returns a snapshot view of the entry for peer.
func (r *registry) get(peer domain.UserID) (*peerEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[peer]
	return entry, ok
}

// remove closes peer's connection and drops the entry. No-op on unknown id.
func (r *registry) remove(peer domain.UserID) {
	r.mu.Lock()
	entry, ok := r.entries[peer]
	if ok {
		delete(r.entries, peer)
	}
	r.mu.Unlock()

	if ok {
		if err := entry.conn.Close(); err != nil {
			r.log.Warn().Err(err).Str("peer", peer.String()).Msg("Closing peer connection")
		}
		r.log.Debug().Str("peer", peer.String()).Str("registry", r.label).Msg("Peer entry removed")
	}
}

// removeWhere closes and drops every entry the predicate matches.
// Returns the removed peer ids.
func (r *registry) removeWhere(match func(*peerEntry) bool) []domain.UserID {
	r.mu.Lock()
	var removed []*peerEntry
	for peer, entry := range r.entries {
		if match(entry) {
			removed = append(removed, entry)
			delete(r.entries, peer)
		}
	}
	r.mu.Unlock()

	ids := make([]domain.UserID, 0, len(removed))
	for _, entry := range removed {
		if err := entry.conn.Close(); err != nil {
			r.log.Warn().Err(err).Str("peer", entry.peer.String()).Msg("Closing peer connection")
		}
		ids = append(ids, entry.peer)
	}
	return ids
}

// removeAll closes and drops every entry.
func (r *registry) removeAll() []domain.UserID {
	return r.removeWhere(func(*peerEntry) bool { return true })
}

// entryView is a copied, lock-free view of an entry for observers.
type entryView struct {
	peer         domain.UserID
	username     string
	role         domain.NegotiationRole
	remoteTracks []port.RemoteTrack
}

// views returns stable copies of the entries for observers.
func (r *registry) views() []entryView {
	r.mu.Lock()
	defer r.mu.Unlock()
	views := make([]entryView, 0, len(r.entries))
	for _, entry := range r.entries {
		views = append(views, entryView{
			peer:         entry.peer,
			username:     entry.username,
			role:         entry.role,
			remoteTracks: append([]port.RemoteTrack(nil), entry.remoteTracks...),
		})
	}
	return views
}

func (r *registry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
