// Package registry tracks the connections attached to this process: which
// user owns which socket and which room each of them is in.
package registry

import (
	"sort"
	"sync"
	"time"
)

// Socket is the registry's view of a connection. The registry never closes
// or owns it; the connection handler does.
type Socket interface {
	// Send queues payload for delivery and reports whether it was accepted.
	Send(payload []byte) bool
	// IsOpen reports whether the connection can still accept writes.
	IsOpen() bool
}

// Entry is the local state of one attached user.
type Entry struct {
	Socket   Socket
	Username string
	RoomID   string
	JoinedAt time.Time
}

// Member pairs a user id with its entry for room fanout.
type Member struct {
	UserID string
	Entry  Entry
}

// Registry is a process-local, concurrency-safe table of attached users.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Entry
	now     func() time.Time
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		entries: make(map[string]Entry),
		now:     time.Now,
	}
}

// Register inserts or replaces the entry for userID.
func (r *Registry) Register(userID string, socket Socket, username, roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries[userID] = Entry{
		Socket:   socket,
		Username: username,
		RoomID:   roomID,
		JoinedAt: r.now(),
	}
}

// Lookup returns the entry for userID.
func (r *Registry) Lookup(userID string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[userID]
	return entry, ok
}

// LookupBySocket returns the user attached to socket. It scans every entry,
// which is bounded by this process's connection count.
func (r *Registry) LookupBySocket(socket Socket) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for userID, entry := range r.entries {
		if entry.Socket == socket {
			return userID, true
		}
	}
	return "", false
}

// Remove deletes the entry for userID, if any.
func (r *Registry) Remove(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.entries, userID)
}

// ListByRoom returns a snapshot of the local members of roomID, ordered by
// user id.
func (r *Registry) ListByRoom(roomID string) []Member {
	r.mu.RLock()
	members := make([]Member, 0)
	for userID, entry := range r.entries {
		if entry.RoomID == roomID {
			members = append(members, Member{UserID: userID, Entry: entry})
		}
	}
	r.mu.RUnlock()

	sort.Slice(members, func(i, j int) bool {
		return members[i].UserID < members[j].UserID
	})
	return members
}

// Len returns the number of registered users.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.entries)
}

// Rooms returns the distinct rooms that have at least one local member.
func (r *Registry) Rooms() []string {
	r.mu.RLock()
	seen := make(map[string]struct{})
	for _, entry := range r.entries {
		seen[entry.RoomID] = struct{}{}
	}
	r.mu.RUnlock()

	rooms := make([]string, 0, len(seen))
	for roomID := range seen {
		rooms = append(rooms, roomID)
	}
	sort.Strings(rooms)
	return rooms
}
