// Package wsclient implements port.SignalGateway over a websocket
// connection to the relay server.
package wsclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/parley-im/parley/internal/adapter/driven/gateway/ws"
	"github.com/parley-im/parley/internal/core/domain"
	"github.com/rs/zerolog"
)

const subscriberBuffer = 64

// Gateway is a client-side signaling transport. One read loop fans
// inbound envelopes out to subscribers; sends are serialized with a
// mutex because gorilla allows only one concurrent writer.
type Gateway struct {
	conn *websocket.Conn
	log  zerolog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	subs    map[int]chan domain.Envelope
	nextSub int
	closed  bool
}

// Dial connects to the relay at serverURL (e.g. ws://host:8080/ws) and
// identifies as the given user.
func Dial(ctx context.Context, serverURL string, self domain.UserID, username string, logger zerolog.Logger) (*Gateway, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("bad server url: %w", err)
	}
	q := u.Query()
	q.Set("user", self.String())
	q.Set("username", username)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial signaling server: %w", err)
	}

	g := &Gateway{
		conn: conn,
		log:  logger.With().Str("component", "wsclient").Logger(),
		subs: make(map[int]chan domain.Envelope),
	}
	go g.readLoop()
	return g, nil
}

func (g *Gateway) Send(ctx context.Context, target domain.UserID, event domain.EventName, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", event, err)
	}
	frame := ws.Frame{
		Type:    ws.FrameSignal,
		Event:   string(event),
		Payload: raw,
	}
	if !target.IsZero() {
		frame.Target = target.String()
	}

	g.writeMu.Lock()
	defer g.writeMu.Unlock()
	if err := g.conn.WriteJSON(frame); err != nil {
		return fmt.Errorf("send %s: %w", event, err)
	}
	return nil
}

func (g *Gateway) Subscribe() (<-chan domain.Envelope, func()) {
	ch := make(chan domain.Envelope, subscriberBuffer)

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := g.nextSub
	g.nextSub++
	g.subs[id] = ch
	g.mu.Unlock()

	cancel := func() {
		g.mu.Lock()
		if sub, ok := g.subs[id]; ok {
			delete(g.subs, id)
			close(sub)
		}
		g.mu.Unlock()
	}
	return ch, cancel
}

func (g *Gateway) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	g.mu.Unlock()
	return g.conn.Close()
}

func (g *Gateway) readLoop() {
	for {
		var frame ws.Frame
		if err := g.conn.ReadJSON(&frame); err != nil {
			g.log.Debug().Err(err).Msg("Read loop ended")
			break
		}
		if frame.Type != ws.FrameSignal {
			continue
		}
		from, err := domain.ParseUserID(frame.From)
		if err != nil {
			g.log.Warn().Str("from", frame.From).Msg("Envelope with bad sender id")
			continue
		}
		g.fanOut(domain.Envelope{
			From:    from,
			Event:   domain.EventName(frame.Event),
			Payload: frame.Payload,
		})
	}

	g.mu.Lock()
	g.closed = true
	for id, sub := range g.subs {
		delete(g.subs, id)
		close(sub)
	}
	g.mu.Unlock()
}

func (g *Gateway) fanOut(env domain.Envelope) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, sub := range g.subs {
		select {
		case sub <- env:
		default:
			g.log.Warn().Str("event", string(env.Event)).Msg("Subscriber backlog full, dropping envelope")
		}
	}
}
