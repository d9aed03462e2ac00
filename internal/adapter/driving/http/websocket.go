package http

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/parley-im/parley/internal/adapter/driven/gateway/ws"
	"github.com/parley-im/parley/internal/core/domain"
	"github.com/rs/zerolog/log"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// TODO: only for dev
	CheckOrigin: func(r *http.Request) bool { return true },
}

const sendBuffer = 64

// WSClient adapts one gorilla websocket connection to the hub's Client
// interface. Outbound frames go through a buffered channel drained by a
// write pump so the hub loop never blocks on a slow socket.
type WSClient struct {
	id       domain.UserID
	username string
	conn     *websocket.Conn

	sendMu sync.Mutex
	sendCh chan ws.Frame
	closed bool
}

func newWSClient(id domain.UserID, username string, conn *websocket.Conn) *WSClient {
	return &WSClient{
		id:       id,
		username: username,
		conn:     conn,
		sendCh:   make(chan ws.Frame, sendBuffer),
	}
}

func (c *WSClient) UserID() domain.UserID { return c.id }
func (c *WSClient) Username() string      { return c.username }

// Send queues a frame for the write pump. A full buffer drops the
// connection; frames arriving after that are discarded, since the hub
// may still hold the client until its read loop unregisters it.
func (c *WSClient) Send(frame ws.Frame) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.sendCh <- frame:
	default:
		log.Warn().Str("user_id", c.id.String()).Msg("Send buffer full, dropping connection")
		c.closed = true
		close(c.sendCh)
	}
}

func (c *WSClient) CloseSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.sendCh)
}

func (c *WSClient) writePump() {
	for frame := range c.sendCh {
		if err := c.conn.WriteJSON(frame); err != nil {
			log.Debug().Err(err).Str("user_id", c.id.String()).Msg("Write failed")
			break
		}
	}
	c.conn.Close()
}

// ServeWS upgrades the request and pumps frames between the socket and
// the hub. The user id comes from the ?user= query param so a client
// keeps its identity across reconnects; a missing or invalid id gets a
// fresh one.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("Error while upgrading ws")
		return
	}

	clientID, err := domain.ParseUserID(r.URL.Query().Get("user"))
	if err != nil || clientID.IsZero() {
		clientID = domain.NewUserID()
	}
	username := r.URL.Query().Get("username")
	if username == "" {
		username = clientID.String()[:8]
	}

	client := newWSClient(clientID, username, conn)

	l := log.With().Str("user_id", clientID.String()).Str("username", username).Logger()
	l.Info().Msg("New client connected")

	go client.writePump()
	h.Hub.Register(client)

	defer func() {
		l.Info().Msg("Client disconnected")
		h.Hub.Unregister(client)
		conn.Close()
	}()

	for {
		var frame ws.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				l.Error().Err(err).Msg("Unexpected close error")
			}
			break
		}

		switch frame.Type {
		case ws.FrameSignal:
			var target domain.UserID
			if frame.Target != "" {
				if target, err = domain.ParseUserID(frame.Target); err != nil {
					l.Warn().Str("target", frame.Target).Msg("Bad signal target")
					continue
				}
			}
			h.Hub.Relay(clientID, target, frame.Event, frame.Payload)

		case ws.FrameChat:
			roomID, err := domain.ParseRoomID(frame.RoomID)
			if err != nil {
				roomID = domain.NewRoomID()
			}
			if err := h.ChatService.SendMessage(r.Context(), clientID, roomID, frame.Content); err != nil {
				l.Error().Err(err).Msg("Failed to process message")
			}

		default:
			l.Warn().Str("type", frame.Type).Msg("Unknown frame type")
		}
	}
}
