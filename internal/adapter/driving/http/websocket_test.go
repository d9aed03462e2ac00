package http

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/parley-im/parley/internal/adapter/driven/gateway/ws"
	"github.com/parley-im/parley/internal/adapter/driven/gateway/wsclient"
	repo "github.com/parley-im/parley/internal/adapter/driven/persistence/memory"
	"github.com/parley-im/parley/internal/core/domain"
	"github.com/parley-im/parley/internal/core/service"
)

func startRelay(t *testing.T) (*httptest.Server, string) {
	t.Helper()
	hub := ws.NewHub()
	go hub.Run()
	t.Cleanup(hub.Stop)

	chat := service.NewChatService(repo.NewMessageRepository(), hub)
	h := NewHandler(chat, hub)

	srv := httptest.NewServer(h.NewRouter())
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	return srv, wsURL
}

func dialClient(t *testing.T, wsURL string, id domain.UserID, name string) (*wsclient.Gateway, <-chan domain.Envelope) {
	t.Helper()
	gw, err := wsclient.Dial(context.Background(), wsURL, id, name, zerolog.Nop())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = gw.Close() })
	ch, cancel := gw.Subscribe()
	t.Cleanup(cancel)
	return gw, ch
}

func nextEvent(t *testing.T, ch <-chan domain.Envelope, event domain.EventName) domain.Envelope {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case env, ok := <-ch:
			if !ok {
				t.Fatalf("channel closed waiting for %s", event)
			}
			if env.Event == event {
				return env
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", event)
		}
	}
}

func TestRelayTargetedSignal(t *testing.T) {
	_, wsURL := startRelay(t)

	alice := domain.NewUserID()
	bob := domain.NewUserID()
	ga, _ := dialClient(t, wsURL, alice, "alice")
	_, chB := dialClient(t, wsURL, bob, "bob")

	// Give the second registration a moment to land in the hub.
	time.Sleep(50 * time.Millisecond)

	err := ga.Send(context.Background(), bob, domain.EventCallInvite, domain.InvitePayload{FromUsername: "alice", Video: true})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	env := nextEvent(t, chB, domain.EventCallInvite)
	if env.From != alice {
		t.Errorf("From = %s, want %s", env.From, alice)
	}
	var p domain.InvitePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatal(err)
	}
	if p.FromUsername != "alice" || !p.Video {
		t.Errorf("payload = %+v, want alice/video", p)
	}
}

func TestRelayBroadcastAndJoinAnnouncement(t *testing.T) {
	_, wsURL := startRelay(t)

	alice := domain.NewUserID()
	bob := domain.NewUserID()
	ga, chA := dialClient(t, wsURL, alice, "alice")

	time.Sleep(20 * time.Millisecond)
	_, chB := dialClient(t, wsURL, bob, "bob")

	// The earlier client hears about the newcomer.
	env := nextEvent(t, chA, domain.EventUserJoined)
	var joined domain.UserJoinedPayload
	if err := json.Unmarshal(env.Payload, &joined); err != nil {
		t.Fatal(err)
	}
	if joined.UserID != bob.String() {
		t.Errorf("joined = %s, want %s", joined.UserID, bob)
	}

	// Empty target fans out to everyone but the sender.
	if err := ga.Send(context.Background(), domain.UserID{}, domain.EventShareStarted, domain.SharePayload{Username: "alice"}); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	nextEvent(t, chB, domain.EventShareStarted)

	select {
	case env := <-chA:
		if env.Event == domain.EventShareStarted {
			t.Error("sender received its own broadcast")
		}
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRelayChatFrame(t *testing.T) {
	_, wsURL := startRelay(t)

	receiver := domain.NewUserID()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"?user="+receiver.String()+"&username=recv", nil)
	if err != nil {
		t.Fatalf("dial receiver: %v", err)
	}
	defer conn.Close()

	sender := domain.NewUserID()
	sendConn, _, err := websocket.DefaultDialer.Dial(wsURL+"?user="+sender.String()+"&username=send", nil)
	if err != nil {
		t.Fatalf("dial sender: %v", err)
	}
	defer sendConn.Close()

	time.Sleep(50 * time.Millisecond)

	frame := ws.Frame{Type: ws.FrameChat, RoomID: domain.NewRoomID().String(), Content: "hello"}
	if err := sendConn.WriteJSON(frame); err != nil {
		t.Fatalf("write chat: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var got ws.Frame
		if err := conn.ReadJSON(&got); err != nil {
			t.Fatalf("read: %v", err)
		}
		if got.Type != ws.FrameChat {
			continue // skip join announcements
		}
		if got.Content != "hello" {
			t.Errorf("content = %q, want hello", got.Content)
		}
		if got.SenderID != sender.String() {
			t.Errorf("sender = %s, want %s", got.SenderID, sender)
		}
		return
	}
}

func TestSendAfterOverflowDropsQuietly(t *testing.T) {
	// No write pump draining the buffer, so the first overflowing Send
	// drops the connection. The hub may keep delivering to the client
	// until its read loop unregisters it; those sends must be no-ops,
	// not panics.
	c := newWSClient(domain.NewUserID(), "alice", nil)

	for i := 0; i < sendBuffer; i++ {
		c.Send(ws.Frame{Type: ws.FrameChat, Content: "fill"})
	}
	c.Send(ws.Frame{Type: ws.FrameChat, Content: "overflow"})

	c.Send(ws.Frame{Type: ws.FrameChat, Content: "after close"})
	c.CloseSend()
	c.Send(ws.Frame{Type: ws.FrameChat, Content: "after CloseSend"})

	n := 0
	for range c.sendCh {
		n++
	}
	if n != sendBuffer {
		t.Errorf("buffered frames = %d, want %d", n, sendBuffer)
	}
}
