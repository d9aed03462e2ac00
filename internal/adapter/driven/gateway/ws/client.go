package ws

import "github.com/parley-im/parley/internal/core/domain"

// Client is a connected websocket peer from the hub's point of view.
// Send must not block the hub loop; implementations buffer writes and
// drop the connection when the buffer overruns.
type Client interface {
	UserID() domain.UserID
	Username() string
	Send(frame Frame)
	CloseSend()
}
