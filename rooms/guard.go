package rooms

import (
	"context"
	"errors"
	"time"

	"fleetingfiles/core"
	"fleetingfiles/session"
)

// Guard is the check at the top of every room-scoped operation.
type Guard struct {
	rooms core.RoomStore
	now   func() time.Time
}

func NewGuard(rooms core.RoomStore) *Guard {
	return &Guard{rooms: rooms, now: time.Now}
}

// RequireMembership resolves the session to its live room. A missing session
// yields ErrNoActiveRoom; a session whose room is gone, recreated, being
// purged or past its TTL yields ErrRoomExpired.
func (g *Guard) RequireMembership(ctx context.Context, s *session.Session) (*core.Room, error) {
	if s == nil {
		return nil, core.ErrNoActiveRoom
	}

	room, err := g.rooms.GetRoom(ctx, s.RoomName)
	if errors.Is(err, core.ErrNotFound) {
		return nil, core.ErrRoomExpired
	}
	if err != nil {
		return nil, err
	}
	if room.ID != s.RoomID || !room.Live(g.now()) {
		return nil, core.ErrRoomExpired
	}
	return room, nil
}

// CheckFileOwnership reports whether file belongs to room.
func (g *Guard) CheckFileOwnership(file *core.File, room *core.Room) bool {
	return file != nil && room != nil && file.RoomID == room.ID
}
