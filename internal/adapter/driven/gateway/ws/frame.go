package ws

import "encoding/json"

// Frame is the wire format on the websocket between clients and the hub.
// A frame is either a chat message or a signaling event. Signaling frames
// are relayed verbatim to the target user (or everyone when Target is
// empty); the hub stamps From with the authenticated sender, clients
// cannot spoof it.
type Frame struct {
	Type string `json:"type"` // "chat" | "signal"

	// Chat fields.
	SenderID string `json:"senderId,omitempty"`
	RoomID   string `json:"roomId,omitempty"`
	Content  string `json:"content,omitempty"`

	// Signaling fields.
	From    string          `json:"from,omitempty"`
	Target  string          `json:"target,omitempty"`
	Event   string          `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

const (
	FrameChat   = "chat"
	FrameSignal = "signal"
)
