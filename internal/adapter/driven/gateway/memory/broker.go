// Package memory provides an in-process signaling broker. Every user
// gets a Gateway endpoint; envelopes route directly between them with
// no sockets involved. Used by tests and single-process setups.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/parley-im/parley/internal/core/domain"
)

const endpointBuffer = 256

// Broker routes envelopes between registered endpoints. A zero target
// broadcasts to every endpoint except the sender, matching the relay
// server's semantics.
type Broker struct {
	mu        sync.Mutex
	endpoints map[domain.UserID]*Gateway
}

func NewBroker() *Broker {
	return &Broker{endpoints: make(map[domain.UserID]*Gateway)}
}

// Gateway returns the endpoint for the given user, creating it on first
// use.
func (b *Broker) Gateway(self domain.UserID) *Gateway {
	b.mu.Lock()
	defer b.mu.Unlock()
	if g, ok := b.endpoints[self]; ok {
		return g
	}
	g := &Gateway{
		broker: b,
		self:   self,
		inbox:  make(chan domain.Envelope, endpointBuffer),
		subs:   make(map[int]chan domain.Envelope),
	}
	go g.pump()
	b.endpoints[self] = g
	return g
}

func (b *Broker) route(from, target domain.UserID, event domain.EventName, payload json.RawMessage) error {
	env := domain.Envelope{From: from, Event: event, Payload: payload}

	b.mu.Lock()
	defer b.mu.Unlock()
	if target.IsZero() {
		for id, g := range b.endpoints {
			if id == from {
				continue
			}
			g.deliver(env)
		}
		return nil
	}
	g, ok := b.endpoints[target]
	if !ok {
		return fmt.Errorf("no endpoint for %s: %w", target, domain.ErrTransportUnavailable)
	}
	g.deliver(env)
	return nil
}

func (b *Broker) drop(self domain.UserID) {
	b.mu.Lock()
	delete(b.endpoints, self)
	b.mu.Unlock()
}

// Gateway is one user's endpoint on the broker. Implements
// port.SignalGateway.
type Gateway struct {
	broker *Broker
	self   domain.UserID
	inbox  chan domain.Envelope

	mu      sync.Mutex
	subs    map[int]chan domain.Envelope
	nextSub int
	closed  bool
}

func (g *Gateway) Send(ctx context.Context, target domain.UserID, event domain.EventName, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", event, err)
	}
	return g.broker.route(g.self, target, event, raw)
}

func (g *Gateway) Subscribe() (<-chan domain.Envelope, func()) {
	ch := make(chan domain.Envelope, endpointBuffer)

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
	close(g.inbox)
	g.mu.Unlock()

	g.broker.drop(g.self)
	return nil
}

// deliver holds the mutex across the (non-blocking) send so Close cannot
// close the inbox mid-send.
func (g *Gateway) deliver(env domain.Envelope) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}
	select {
	case g.inbox <- env:
	default:
	}
}

// pump preserves arrival order: one goroutine drains the inbox and fans
// out to subscribers in sequence.
func (g *Gateway) pump() {
	for env := range g.inbox {
		g.mu.Lock()
		for _, sub := range g.subs {
			select {
			case sub <- env:
			default:
			}
		}
		g.mu.Unlock()
	}

	g.mu.Lock()
	for id, sub := range g.subs {
		delete(g.subs, id)
		close(sub)
	}
	g.mu.Unlock()
}
