package memory

import (
	"context"
	"sync"

	"github.com/parley-im/parley/internal/core/domain"
)

type MessageRepository struct {
	mu       sync.Mutex
	messages []domain.Message
}

func NewMessageRepository() *MessageRepository {
	return &MessageRepository{
		messages: make([]domain.Message, 0),
	}
}

func (r *MessageRepository) Save(ctx context.Context, msg domain.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
	return nil
}

// Recent returns up to limit most recent messages, oldest first.
func (r *MessageRepository) Recent(ctx context.Context, limit int) ([]domain.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	start := 0
	if limit > 0 && len(r.messages) > limit {
		start = len(r.messages) - limit
	}
	out := make([]domain.Message, len(r.messages)-start)
	copy(out, r.messages[start:])
	return out, nil
}
