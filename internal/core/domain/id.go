package domain

import (
	"github.com/google/uuid"
)

type UserID uuid.UUID
type RoomID uuid.UUID
type MessageID uuid.UUID

func NewUserID() UserID {
	return UserID(uuid.New())
}

func NewRoomID() RoomID {
	return RoomID(uuid.New())
}

func NewMessageID() MessageID {
	return MessageID(uuid.New())
}

func ParseUserID(s string) (UserID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return UserID{}, err
	}
	return UserID(id), nil
}

func ParseRoomID(s string) (RoomID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return RoomID{}, err
	}
	return RoomID(id), nil
}

func (id UserID) String() string {
	return uuid.UUID(id).String()
}

func (id UserID) IsZero() bool {
	return uuid.UUID(id) == uuid.UUID{}
}

// Less orders user ids lexicographically by their string form. Used for
// deterministic tie-breaking when both sides of a pair initiate at once.
func (id UserID) Less(other UserID) bool {
	return id.String() < other.String()
}

func (id RoomID) String() string {
	return uuid.UUID(id).String()
}

func (id MessageID) String() string {
	return uuid.UUID(id).String()
}
