package port

import (
	"context"

	"github.com/parley-im/parley/internal/core/domain"
)

type MessageRepository interface {
	Save(ctx context.Context, msg domain.Message) error

	// Recent returns up to limit most recent messages, oldest first.
	Recent(ctx context.Context, limit int) ([]domain.Message, error)
}
