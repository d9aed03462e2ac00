package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/parley-im/parley/internal/core/domain"
	"github.com/parley-im/parley/internal/core/port"
)

// fakeTrack is a local capture track whose enabled flag the tests inspect.
type fakeTrack struct {
	id   string
	kind port.TrackKind

	mu      sync.Mutex
	enabled bool
	closed  bool
}

func newFakeTrack(id string, kind port.TrackKind) *fakeTrack {
	return &fakeTrack{id: id, kind: kind, enabled: true}
}

func (t *fakeTrack) ID() string           { return t.id }
func (t *fakeTrack) Kind() port.TrackKind { return t.kind }

func (t *fakeTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = enabled
}

func (t *fakeTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *fakeTrack) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

type fakeStream struct {
	tracks []port.LocalTrack

	mu     sync.Mutex
	closes int
}

func newFakeStream(tracks ...port.LocalTrack) *fakeStream {
	return &fakeStream{tracks: tracks}
}

func (s *fakeStream) Tracks() []port.LocalTrack { return s.tracks }

func (s *fakeStream) Close() error {
	s.mu.Lock()
	s.closes++
	s.mu.Unlock()
	for _, t := range s.tracks {
		_ = t.Close()
	}
	return nil
}

func (s *fakeStream) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

// fakeConn records negotiation calls in order so tests can assert that
// candidates are never applied ahead of the remote description.
type fakeConn struct {
	mu         sync.Mutex
	ops        []string // "desc:<type>" and "cand:<value>" in call order
	descs      []domain.Description
	candidates []domain.ICECandidate
	tracks     []port.LocalTrack
	closed     bool

	offerErr  error
	answerErr error
	descErr   error

	onCandidate func(domain.ICECandidate)
	onTrack     func(port.RemoteTrack)
	onState     func(domain.ConnectionState)
}

func (c *fakeConn) AddTrack(track port.LocalTrack) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tracks = append(c.tracks, track)
	return nil
}

func (c *fakeConn) CreateOffer(ctx context.Context) (domain.Description, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.offerErr != nil {
		return domain.Description{}, c.offerErr
	}
	return domain.Description{Type: domain.SDPOffer, SDP: "offer-sdp"}, nil
}

func (c *fakeConn) CreateAnswer(ctx context.Context) (domain.Description, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.answerErr != nil {
		return domain.Description{}, c.answerErr
	}
	return domain.Description{Type: domain.SDPAnswer, SDP: "answer-sdp"}, nil
}

func (c *fakeConn) SetRemoteDescription(desc domain.Description) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.descErr != nil {
		return c.descErr
	}
	c.descs = append(c.descs, desc)
	c.ops = append(c.ops, "desc:"+string(desc.Type))
	return nil
}

func (c *fakeConn) AddICECandidate(candidate domain.ICECandidate) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.candidates = append(c.candidates, candidate)
	c.ops = append(c.ops, "cand:"+candidate.Candidate)
	return nil
}

func (c *fakeConn) OnICECandidate(fn func(domain.ICECandidate)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onCandidate = fn
}

func (c *fakeConn) OnRemoteTrack(fn func(port.RemoteTrack)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onTrack = fn
}

func (c *fakeConn) OnStateChange(fn func(domain.ConnectionState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = fn
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) opLog() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.ops...)
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// fireState drives the connection state callback the way a native stack
// would, from an arbitrary goroutine.
func (c *fakeConn) fireState(state domain.ConnectionState) {
	c.mu.Lock()
	fn := c.onState
	c.mu.Unlock()
	if fn != nil {
		fn(state)
	}
}

func (c *fakeConn) fireRemoteTrack(track port.RemoteTrack) {
	c.mu.Lock()
	fn := c.onTrack
	c.mu.Unlock()
	if fn != nil {
		fn(track)
	}
}

type fakeRemoteTrack struct {
	id   string
	kind port.TrackKind
}

func (t *fakeRemoteTrack) ID() string           { return t.id }
func (t *fakeRemoteTrack) Kind() port.TrackKind { return t.kind }

// fakeMedia hands out fakeConns and fakeStreams and remembers them.
type fakeMedia struct {
	mu         sync.Mutex
	conns      []*fakeConn
	streams    []*fakeStream
	captureErr error
	displayErr error
	nextTrack  int
}

func newFakeMedia() *fakeMedia { return &fakeMedia{} }

func (m *fakeMedia) NewConnection() (port.PeerConnection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn := &fakeConn{}
	m.conns = append(m.conns, conn)
	return conn, nil
}

func (m *fakeMedia) CaptureUserMedia(ctx context.Context, video bool) (port.MediaStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.captureErr != nil {
		return nil, m.captureErr
	}
	tracks := []port.LocalTrack{newFakeTrack(m.trackID("audio"), port.TrackAudio)}
	if video {
		tracks = append(tracks, newFakeTrack(m.trackID("video"), port.TrackVideo))
	}
	stream := newFakeStream(tracks...)
	m.streams = append(m.streams, stream)
	return stream, nil
}

func (m *fakeMedia) CaptureDisplay(ctx context.Context) (port.MediaStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.displayErr != nil {
		return nil, m.displayErr
	}
	stream := newFakeStream(newFakeTrack(m.trackID("display"), port.TrackVideo))
	m.streams = append(m.streams, stream)
	return stream, nil
}

func (m *fakeMedia) trackID(kind string) string {
	m.nextTrack++
	return fmt.Sprintf("%s-%d", kind, m.nextTrack)
}

func (m *fakeMedia) connCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

func (m *fakeMedia) conn(i int) *fakeConn {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i >= len(m.conns) {
		return nil
	}
	return m.conns[i]
}

func (m *fakeMedia) lastStream() *fakeStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.streams) == 0 {
		return nil
	}
	return m.streams[len(m.streams)-1]
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, msg string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}
