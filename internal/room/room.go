package room

import (
	"sync"

	"casesync/internal/models"
)

// Member is what the registry needs from a connection. Enqueue must not
// block: a false return means the member is unreachable right now and the
// event is dropped for it (at-most-once delivery).
type Member interface {
	ID() string
	UserID() string
	Name() string
	Enqueue(payload []byte) bool
}

// Room groups the connections that receive each other's events. All
// mutable room state (membership, sequence counter, handler state) is
// owned by this struct and touched only under mu: the sequence assignment
// in Publish is the single serialization point per room.
type Room struct {
	key  string
	kind models.RoomKind

	mu        sync.Mutex
	members   map[string]Member // by connection id
	userConns map[string]int    // connections per user, for presence edges
	seq       int64
	handler   Handler

	// persistMu is acquired while mu is still held and released after the
	// history write, so writes land in sequence order without mu spanning
	// Redis I/O.
	persistMu sync.Mutex
}

func newRoom(key string, kind models.RoomKind, handler Handler) *Room {
	return &Room{
		key:       key,
		kind:      kind,
		members:   make(map[string]Member),
		userConns: make(map[string]int),
		handler:   handler,
	}
}

func (r *Room) memberCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}
