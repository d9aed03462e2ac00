package ws

import (
	"context"
	"encoding/json"

	"github.com/parley-im/parley/internal/core/domain"
	"github.com/rs/zerolog/log"
)

type relayReq struct {
	from    domain.UserID
	target  domain.UserID
	event   string
	payload []byte
}

// Hub routes frames between connected clients. Chat messages fan out to
// everyone; signaling frames are addressed to a single user, or to all
// other users when the target is empty. Implements port.RealTimeGateway.
type Hub struct {
	clients    map[domain.UserID]Client
	broadcast  chan domain.Message
	relay      chan relayReq
	register   chan Client
	unregister chan Client
	quit       chan struct{}
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[domain.UserID]Client),
		broadcast:  make(chan domain.Message, 64),
		relay:      make(chan relayReq, 256),
		register:   make(chan Client),
		unregister: make(chan Client),
		quit:       make(chan struct{}),
	}
}

func (h *Hub) BroadcastMessage(ctx context.Context, msg domain.Message) error {
	select {
	case h.broadcast <- msg:
	case <-h.quit:
	default:
		log.Warn().Msg("Broadcast channel full, dropping message")
	}
	return nil
}

// Relay queues a signaling frame for delivery. A zero target means every
// connected user except the sender.
func (h *Hub) Relay(from, target domain.UserID, event string, payload []byte) {
	select {
	case h.relay <- relayReq{from: from, target: target, event: event, payload: payload}:
	case <-h.quit:
	default:
		log.Warn().Str("event", event).Msg("Relay channel full, dropping signal")
	}
}

func (h *Hub) Run() {
	for {
		select {
		case <-h.quit:
			for id, client := range h.clients {
				client.CloseSend()
				delete(h.clients, id)
			}
			return

		case client := <-h.register:
			if prev, ok := h.clients[client.UserID()]; ok {
				// New connection for the same user replaces the old one.
				prev.CloseSend()
			}
			h.clients[client.UserID()] = client
			log.Info().Str("user_id", client.UserID().String()).Str("username", client.Username()).Msg("Client registered")
			h.announceJoin(client)

		case client := <-h.unregister:
			if cur, ok := h.clients[client.UserID()]; ok && cur == client {
				delete(h.clients, client.UserID())
				client.CloseSend()
				log.Info().Str("user_id", client.UserID().String()).Msg("Client unregistered")
			}

		case message := <-h.broadcast:
			frame := Frame{
				Type:     FrameChat,
				SenderID: message.SenderID.String(),
				RoomID:   message.RoomID.String(),
				Content:  message.Content,
			}
			for _, client := range h.clients {
				client.Send(frame)
			}

		case req := <-h.relay:
			h.deliver(req)
		}
	}
}

func (h *Hub) deliver(req relayReq) {
	frame := Frame{
		Type:    FrameSignal,
		From:    req.from.String(),
		Event:   req.event,
		Payload: req.payload,
	}
	if req.target.IsZero() {
		for id, client := range h.clients {
			if id == req.from {
				continue
			}
			client.Send(frame)
		}
		return
	}
	if client, ok := h.clients[req.target]; ok {
		frame.Target = req.target.String()
		client.Send(frame)
		return
	}
	log.Debug().
		Str("event", req.event).
		Str("target", req.target.String()).
		Msg("Signal target not connected, dropping")
}

// announceJoin tells everyone else a user arrived so active screen
// sharers can offer to the newcomer.
func (h *Hub) announceJoin(joined Client) {
	payload, err := json.Marshal(domain.UserJoinedPayload{UserID: joined.UserID().String()})
	if err != nil {
		return
	}
	frame := Frame{
		Type:    FrameSignal,
		From:    joined.UserID().String(),
		Event:   string(domain.EventUserJoined),
		Payload: payload,
	}
	for id, client := range h.clients {
		if id == joined.UserID() {
			continue
		}
		client.Send(frame)
	}
}

func (h *Hub) Register(c Client) {
	select {
	case h.register <- c:
	case <-h.quit:
	}
}

func (h *Hub) Unregister(c Client) {
	select {
	case h.unregister <- c:
	case <-h.quit:
	}
}

func (h *Hub) Stop() {
	close(h.quit)
}
