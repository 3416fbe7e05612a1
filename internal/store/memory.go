package store

import (
	"context"
	"sync"
	"time"
)

type memberRecord struct {
	Username string
	JoinedAt time.Time
}

type memoryRoom struct {
	name      string
	createdAt time.Time
	members   map[string]memberRecord
}

// MemoryStore is an in-process Store for single-instance deployments and
// tests. It offers the same semantics as RedisStore without a server.
type MemoryStore struct {
	mu    sync.Mutex
	rooms map[string]*memoryRoom
	now   func() time.Time
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rooms: make(map[string]*memoryRoom),
		now:   time.Now,
	}
}

// CreateRoomIfAbsent implements Store.
func (s *MemoryStore) CreateRoomIfAbsent(ctx context.Context, roomID, name string) error {
	if err := ctx.Err(); err != nil {
		return unavailable("create room", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if room, ok := s.rooms[roomID]; ok {
		if room.createdAt.IsZero() {
			room.name = name
			room.createdAt = s.now()
		}
		return nil
	}
	s.rooms[roomID] = &memoryRoom{
		name:      name,
		createdAt: s.now(),
		members:   make(map[string]memberRecord),
	}
	return nil
}

// AddMember implements Store. Adding to a room without a record creates the
// member set only, mirroring the key layout of RedisStore.
func (s *MemoryStore) AddMember(ctx context.Context, roomID, userID, username string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, unavailable("add member", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[roomID]
	if !ok {
		room = &memoryRoom{members: make(map[string]memberRecord)}
		s.rooms[roomID] = room
	}
	room.members[userID] = memberRecord{Username: username, JoinedAt: s.now()}
	return int64(len(room.members)), nil
}

// RemoveMember implements Store.
func (s *MemoryStore) RemoveMember(ctx context.Context, roomID, userID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, unavailable("remove member", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[roomID]
	if !ok {
		return 0, nil
	}
	delete(room.members, userID)

	count := int64(len(room.members))
	if count == 0 {
		delete(s.rooms, roomID)
	}
	return count, nil
}

// ListRooms implements Store. Member sets without a room record and rooms
// without members are not listed.
func (s *MemoryStore) ListRooms(ctx context.Context) ([]RoomInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable("list rooms", err)
	}

	s.mu.Lock()
	rooms := make([]RoomInfo, 0, len(s.rooms))
	for roomID, room := range s.rooms {
		if room.createdAt.IsZero() || len(room.members) == 0 {
			continue
		}
		rooms = append(rooms, RoomInfo{
			ID:          roomID,
			Name:        room.name,
			MemberCount: int64(len(room.members)),
			CreatedAt:   room.createdAt,
		})
	}
	s.mu.Unlock()

	sortRooms(rooms)
	return rooms, nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	return nil
}
