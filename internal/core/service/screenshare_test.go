package service

import (
	"context"
	"testing"
	"time"

	"github.com/parley-im/parley/internal/adapter/driven/gateway/memory"
	"github.com/parley-im/parley/internal/core/domain"
)

func joinPayload(p *scriptedPeer) domain.UserJoinedPayload {
	return domain.UserJoinedPayload{UserID: p.id.String()}
}

func TestShareFanOutAndStop(t *testing.T) {
	broker := memory.NewBroker()
	a := newTestEngine(t, broker, fastOpts())
	viewers := []*scriptedPeer{
		newScriptedPeer(t, broker),
		newScriptedPeer(t, broker),
		newScriptedPeer(t, broker),
	}

	if err := a.StartSharing(context.Background()); err != nil {
		t.Fatalf("StartSharing: %v", err)
	}
	if !a.IsSharing.Get() {
		t.Error("IsSharing = false after StartSharing")
	}
	for _, v := range viewers {
		v.expect(t, domain.EventShareStarted)
	}

	// Idempotent while already sharing.
	if err := a.StartSharing(context.Background()); err != nil {
		t.Errorf("second StartSharing: %v", err)
	}

	// Each joiner gets its own offer and answers it.
	for _, v := range viewers {
		v.send(t, a.id, domain.EventUserJoined, joinPayload(v))
		v.expect(t, domain.EventShareOffer)
		v.send(t, a.id, domain.EventShareAnswer, domain.DescriptionPayload{SDP: "answer-sdp"})
	}
	waitFor(t, "three outgoing share entries", func() bool { return a.shares.count() == 3 })
	for _, v := range viewers {
		waitFor(t, "viewer answer applied", func() bool { return a.shares.descriptionSet(v.id) })
	}

	stream := a.media.lastStream()
	if err := a.StopSharing(context.Background()); err != nil {
		t.Fatalf("StopSharing: %v", err)
	}

	// Exactly the three viewer entries are disposed, plus the capture.
	if a.shares.count() != 0 {
		t.Errorf("share entries after stop = %d, want 0", a.shares.count())
	}
	if stream.closeCount() != 1 {
		t.Errorf("display stream closed %d times, want 1", stream.closeCount())
	}
	if a.IsSharing.Get() {
		t.Error("IsSharing = true after StopSharing")
	}
	for _, v := range viewers {
		v.expect(t, domain.EventShareStopped)
	}

	// Stop again: no-op.
	if err := a.StopSharing(context.Background()); err != nil {
		t.Errorf("second StopSharing: %v", err)
	}
}

func TestShareOfferFailureIsolatedToViewer(t *testing.T) {
	broker := memory.NewBroker()
	a := newTestEngine(t, broker, fastOpts())
	good := newScriptedPeer(t, broker)
	bad := newScriptedPeer(t, broker)

	if err := a.StartSharing(context.Background()); err != nil {
		t.Fatalf("StartSharing: %v", err)
	}

	good.send(t, a.id, domain.EventUserJoined, joinPayload(good))
	good.expect(t, domain.EventShareOffer)
	good.send(t, a.id, domain.EventShareAnswer, domain.DescriptionPayload{SDP: "answer-sdp"})
	waitFor(t, "good viewer applied", func() bool { return a.shares.descriptionSet(good.id) })

	bad.send(t, a.id, domain.EventUserJoined, joinPayload(bad))
	bad.expect(t, domain.EventShareOffer)

	// Poison the bad viewer's connection before its answer lands.
	entry, ok := a.shares.get(bad.id)
	if !ok {
		t.Fatal("no entry for bad viewer")
	}
	conn := entry.conn.(*fakeConn)
	conn.mu.Lock()
	conn.descErr = context.DeadlineExceeded
	conn.mu.Unlock()

	bad.send(t, a.id, domain.EventShareAnswer, domain.DescriptionPayload{SDP: "garbage"})

	waitFor(t, "bad viewer removed", func() bool {
		_, ok := a.shares.get(bad.id)
		return !ok
	})
	if _, ok := a.shares.get(good.id); !ok {
		t.Error("good viewer entry removed, want untouched")
	}
	if !a.IsSharing.Get() {
		t.Error("share stopped by one viewer's failure")
	}
}

func TestViewerSideShareLifecycle(t *testing.T) {
	broker := memory.NewBroker()
	b := newTestEngine(t, broker, fastOpts())
	sharer := newScriptedPeer(t, broker)

	// Announcement lists the share before any offer lands.
	sharer.send(t, b.id, domain.EventShareStarted, domain.SharePayload{Username: "alice"})
	waitFor(t, "announced share", func() bool {
		shares := b.ScreenShares.Get()
		return len(shares) == 1 && shares[0].Username == "alice"
	})

	sharer.send(t, b.id, domain.EventShareOffer, domain.DescriptionPayload{SDP: "offer-sdp"})
	sharer.expect(t, domain.EventShareAnswer)

	waitFor(t, "viewing entry", func() bool { return b.shares.count() == 1 })
	entry, _ := b.shares.get(sharer.id)
	if entry.role != domain.RoleAnswerer {
		t.Errorf("entry role = %s, want answerer", entry.role)
	}

	// A remote track arriving surfaces on the reactive list.
	entry.conn.(*fakeConn).fireRemoteTrack(&fakeRemoteTrack{id: "display", kind: "video"})
	waitFor(t, "remote track listed", func() bool {
		shares := b.ScreenShares.Get()
		return len(shares) == 1 && len(shares[0].RemoteTracks) == 1
	})

	sharer.send(t, b.id, domain.EventShareStopped, nil)
	waitFor(t, "viewing entry removed", func() bool {
		return b.shares.count() == 0 && len(b.ScreenShares.Get()) == 0
	})
}

func TestShareIndependentOfDirectedCall(t *testing.T) {
	broker := memory.NewBroker()
	a := newTestEngine(t, broker, fastOpts())
	target := newScriptedPeer(t, broker)

	if err := a.StartCall(context.Background(), target.id, "bob", false); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	if err := a.StartSharing(context.Background()); err != nil {
		t.Fatalf("StartSharing while in call: %v", err)
	}

	// Hanging up leaves the share running, and vice versa.
	if err := a.EndCall(context.Background()); err != nil {
		t.Fatalf("EndCall: %v", err)
	}
	if !a.IsSharing.Get() {
		t.Error("EndCall stopped the screen share")
	}
	if err := a.StopSharing(context.Background()); err != nil {
		t.Fatalf("StopSharing: %v", err)
	}
	if a.IsSharing.Get() {
		t.Error("IsSharing = true after StopSharing")
	}
}

func TestLateJoinerGetsOfferAfterDelay(t *testing.T) {
	broker := memory.NewBroker()
	a := newTestEngine(t, broker, Options{RingTimeout: -1, ReofferDelay: 20 * time.Millisecond})

	if err := a.StartSharing(context.Background()); err != nil {
		t.Fatalf("StartSharing: %v", err)
	}

	late := newScriptedPeer(t, broker)
	start := time.Now()
	late.send(t, a.id, domain.EventUserJoined, joinPayload(late))
	late.expect(t, domain.EventShareOffer)
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Errorf("offer after %v, want the configured delay honored", elapsed)
	}

	// A duplicate join announcement does not produce a second entry.
	late.send(t, a.id, domain.EventUserJoined, joinPayload(late))
	time.Sleep(50 * time.Millisecond)
	if a.shares.count() != 1 {
		t.Errorf("share entries = %d, want 1", a.shares.count())
	}
}
