package port

import (
	"context"

	"github.com/parley-im/parley/internal/core/domain"
)

// SignalGateway is the call engine's view of the signaling transport:
// addressed, best-effort delivery of named events between users, ordered
// per sender-receiver pair. The engine tolerates duplicates and treats
// send failure as transport loss.
type SignalGateway interface {
	Send(ctx context.Context, target domain.UserID, event domain.EventName, payload any) error

	// Subscribe returns a channel of inbound envelopes and a cancel func.
	// A single receive loop feeds the channel, so envelopes from one
	// sender arrive in order.
	Subscribe() (<-chan domain.Envelope, func())

	Close() error
}

// RealTimeGateway is the server-side fan-out surface used by the chat
// collaborator.
type RealTimeGateway interface {
	BroadcastMessage(ctx context.Context, msg domain.Message) error
}
