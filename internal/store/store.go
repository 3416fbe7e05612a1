// Package store holds room metadata and membership shared by every relay
// instance.
//
// A room exists while its member set is non-empty. AddMember and
// RemoveMember return the total member count across all instances, and the
// RemoveMember call that drops a room to zero members also deletes it.
//
// Room creation and membership mutation are separate operations, so a room
// can be torn down by one instance while another instance is between
// CreateRoomIfAbsent and AddMember. The relay is best-effort and accepts this.
package store

import (
	"context"
	"errors"
	"sort"
	"time"
)

// ErrUnavailable wraps every failure of the backing service. When a call
// returns it, callers must assume no membership change took place.
var ErrUnavailable = errors.New("room store unavailable")

// RoomInfo describes one room in the directory.
type RoomInfo struct {
	ID          string
	Name        string
	MemberCount int64
	CreatedAt   time.Time
}

// Store is the cross-process room store.
type Store interface {
	// CreateRoomIfAbsent creates the room record unless one already exists.
	// An existing name and creation time are never overwritten.
	CreateRoomIfAbsent(ctx context.Context, roomID, name string) error

	// AddMember adds userID to the room and returns the new member count.
	AddMember(ctx context.Context, roomID, userID, username string) (int64, error)

	// RemoveMember removes userID from the room and returns the new member
	// count, deleting the room when the count reaches zero. Once the removal
	// is committed the count is returned even if the deletion fails.
	RemoveMember(ctx context.Context, roomID, userID string) (int64, error)

	// ListRooms returns every room with at least one member, ordered by
	// creation time, oldest first.
	ListRooms(ctx context.Context) ([]RoomInfo, error)

	// Close releases the store's resources.
	Close() error
}

// sortRooms orders rooms by creation time, breaking ties by id.
func sortRooms(rooms []RoomInfo) {
	sort.Slice(rooms, func(i, j int) bool {
		if rooms[i].CreatedAt.Equal(rooms[j].CreatedAt) {
			return rooms[i].ID < rooms[j].ID
		}
		return rooms[i].CreatedAt.Before(rooms[j].CreatedAt)
	})
}
