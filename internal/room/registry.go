// Package room organizes connections into named rooms and fans events out
// to their members in a total per-room order.
package room

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"casesync/internal/models"
)

// Authorizer is the external authorization collaborator, checked
// synchronously before any membership is granted.
type Authorizer interface {
	CanJoin(userID, roomKey string) bool
}

// Presence receives membership edges: the first connection of a user
// entering a room and the last one leaving it.
type Presence interface {
	HandleJoin(userID, roomKey string)
	HandleLeave(userID, roomKey string)
}

// EventStore persists sequenced events for catch-up queries. LastSeq
// reports the highest sequence ever recorded for a room key, so a
// recreated room can resume its counter instead of reusing numbers.
type EventStore interface {
	Record(ctx context.Context, evt models.Event) error
	Since(ctx context.Context, roomKey string, sinceSeq int64) ([]models.Event, error)
	LastSeq(ctx context.Context, roomKey string) (int64, error)
}

// Deps wires the registry's collaborators. Merger, Activity and Timeline
// feed the lazily-created kind handlers; Events and Mirror may be nil.
type Deps struct {
	Authorizer Authorizer
	Presence   Presence
	Events     EventStore
	Mirror     func(evt models.Event)
	Merger     DocMerger
	Activity   ActivityAppender
	Timeline   TimelineStore
}

// Registry maps room keys to live rooms. Rooms are created on the first
// authorized join and destroyed when the last member leaves; cross-room
// operations never contend with each other.
type Registry struct {
	mu    sync.Mutex
	rooms map[string]*Room
	deps  Deps
}

func NewRegistry(deps Deps) *Registry {
	return &Registry{
		rooms: make(map[string]*Room),
		deps:  deps,
	}
}

// Subscription is the handle returned from Join. Leaving through the
// handle is idempotent.
type Subscription struct {
	registry *Registry
	roomKey  string
	member   Member
	once     sync.Once
}

func (s *Subscription) RoomKey() string { return s.roomKey }

func (s *Subscription) Leave() {
	s.once.Do(func() {
		s.registry.Leave(s.member, s.roomKey)
	})
}

// Join grants membership after the authorization check. It is idempotent:
// re-joining changes nothing and emits nothing. The returned data is the
// kind handler's join payload (e.g. the current document state), nil for
// kinds without one.
func (r *Registry) Join(m Member, roomKey string) (*Subscription, any, error) {
	kind := models.ParseRoomKind(roomKey)
	if kind == "" {
		return nil, nil, ErrRoomNotFound
	}
	if r.deps.Authorizer != nil && !r.deps.Authorizer.CanJoin(m.UserID(), roomKey) {
		slog.Warn("[ROOM] Join denied", "user", m.UserID(), "room", roomKey)
		return nil, nil, ErrJoinDenied
	}

	r.mu.Lock()
	rm, ok := r.rooms[roomKey]
	r.mu.Unlock()
	if !ok {
		// The history outlives the room, so the counter must resume past
		// it: a reconnecting client's last-seen sequence stays meaningful
		// across a destroy/recreate cycle.
		seed := r.seedSeq(roomKey)
		r.mu.Lock()
		if existing, exists := r.rooms[roomKey]; exists {
			rm = existing
		} else {
			rm = newRoom(roomKey, kind, r.newHandler(kind, roomKey))
			rm.seq = seed
			r.rooms[roomKey] = rm
			slog.Info("[ROOM] Created room", "room", roomKey, "kind", kind, "seq", seed)
		}
		r.mu.Unlock()
	}

	rm.mu.Lock()
	if _, already := rm.members[m.ID()]; already {
		rm.mu.Unlock()
		return &Subscription{registry: r, roomKey: roomKey, member: m}, nil, nil
	}
	rm.members[m.ID()] = m
	rm.userConns[m.UserID()]++
	firstOfUser := rm.userConns[m.UserID()] == 1
	handler := rm.handler
	rm.mu.Unlock()

	var joinData any
	if handler != nil {
		joinData = handler.OnJoin(m)
	}
	if firstOfUser && r.deps.Presence != nil {
		r.deps.Presence.HandleJoin(m.UserID(), roomKey)
	}

	slog.Info("[ROOM] Member joined", "user", m.UserID(), "conn", m.ID(), "room", roomKey)
	return &Subscription{registry: r, roomKey: roomKey, member: m}, joinData, nil
}

// seedSeq reads the highest persisted sequence for a room key. A read
// failure seeds at zero; the history replay for that key is already
// suspect if the store is down.
func (r *Registry) seedSeq(roomKey string) int64 {
	if r.deps.Events == nil {
		return 0
	}
	seq, err := r.deps.Events.LastSeq(context.Background(), roomKey)
	if err != nil {
		slog.Error("[ROOM] Failed to read last sequence", "room", roomKey, "error", err)
		return 0
	}
	return seq
}

// Leave removes one connection from a room. The room and any state scoped
// to it are released when the last member leaves.
func (r *Registry) Leave(m Member, roomKey string) {
	r.mu.Lock()
	rm, ok := r.rooms[roomKey]
	r.mu.Unlock()
	if !ok {
		return
	}
	r.leaveRoom(rm, m)
}

func (r *Registry) leaveRoom(rm *Room, m Member) {
	rm.mu.Lock()
	if _, ok := rm.members[m.ID()]; !ok {
		rm.mu.Unlock()
		return
	}
	delete(rm.members, m.ID())
	rm.userConns[m.UserID()]--
	lastOfUser := rm.userConns[m.UserID()] == 0
	if lastOfUser {
		delete(rm.userConns, m.UserID())
	}
	empty := len(rm.members) == 0
	handler := rm.handler
	rm.mu.Unlock()

	if handler != nil {
		handler.OnLeave(m)
	}
	if lastOfUser && r.deps.Presence != nil {
		r.deps.Presence.HandleLeave(m.UserID(), rm.key)
	}

	if empty {
		r.mu.Lock()
		// Re-check under the registry lock: someone may have joined since.
		if rm.memberCount() == 0 {
			delete(r.rooms, rm.key)
			if handler != nil {
				handler.Release()
			}
			slog.Info("[ROOM] Destroyed empty room", "room", rm.key)
		}
		r.mu.Unlock()
	}

	slog.Info("[ROOM] Member left", "user", m.UserID(), "conn", m.ID(), "room", rm.key)
}

// DropConnection removes a connection from every room it had joined, as
// part of the close cascade. Each room's members see the user go offline
// via the presence tracker.
func (r *Registry) DropConnection(m Member) {
	r.mu.Lock()
	affected := make([]*Room, 0, 4)
	for _, rm := range r.rooms {
		rm.mu.Lock()
		_, in := rm.members[m.ID()]
		rm.mu.Unlock()
		if in {
			affected = append(affected, rm)
		}
	}
	r.mu.Unlock()

	for _, rm := range affected {
		r.leaveRoom(rm, m)
	}
}

// Members returns a snapshot of a room's current member connections.
func (r *Registry) Members(roomKey string) []Member {
	r.mu.Lock()
	rm, ok := r.rooms[roomKey]
	r.mu.Unlock()
	if !ok {
		return nil
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()
	out := make([]Member, 0, len(rm.members))
	for _, m := range rm.members {
		out = append(out, m)
	}
	return out
}

// RoomsOf lists the rooms a user currently has at least one connection in.
func (r *Registry) RoomsOf(userID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var keys []string
	for key, rm := range r.rooms {
		rm.mu.Lock()
		if rm.userConns[userID] > 0 {
			keys = append(keys, key)
		}
		rm.mu.Unlock()
	}
	return keys
}

// Publish assigns the room's next sequence number to the event and fans it
// out to every current member, skipping excludeConn so a sender does not
// hear its own action echoed. Unreachable members are dropped, not waited
// for. Log-worthy kinds are additionally persisted for catch-up and
// mirrored to the relay.
func (r *Registry) Publish(roomKey, kind, userID string, data any, excludeConn string) (int64, error) {
	r.mu.Lock()
	rm, ok := r.rooms[roomKey]
	r.mu.Unlock()
	if !ok {
		return 0, ErrRoomNotFound
	}

	rm.mu.Lock()
	rm.seq++
	evt := models.Event{
		Kind:      kind,
		RoomKey:   roomKey,
		Seq:       rm.seq,
		UserID:    userID,
		Timestamp: time.Now().UnixMilli(),
		Data:      data,
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		rm.mu.Unlock()
		return 0, err
	}
	dropped := 0
	for id, m := range rm.members {
		if id == excludeConn {
			continue
		}
		if !m.Enqueue(payload) {
			dropped++
		}
	}
	// Hand off to persistMu before releasing mu: history writes then land
	// in sequence order without mu ever spanning Redis I/O.
	persist := logWorthy(kind) && r.deps.Events != nil
	if persist {
		rm.persistMu.Lock()
	}
	rm.mu.Unlock()

	if dropped > 0 {
		slog.Warn("[ROOM] Dropped deliveries", "room", roomKey, "kind", kind, "seq", evt.Seq, "dropped", dropped)
	}

	if persist {
		if err := r.deps.Events.Record(context.Background(), evt); err != nil {
			slog.Error("[ROOM] Failed to record event", "room", roomKey, "seq", evt.Seq, "error", err)
		}
		rm.persistMu.Unlock()
	}
	if r.deps.Mirror != nil {
		r.deps.Mirror(evt)
	}
	return evt.Seq, nil
}

// EventsSince answers a catch-up query for a member of the room.
func (r *Registry) EventsSince(m Member, roomKey string, sinceSeq int64) ([]models.Event, error) {
	if !r.isMember(m, roomKey) {
		return nil, ErrRoomNotFound
	}
	if r.deps.Events == nil {
		return nil, nil
	}
	return r.deps.Events.Since(context.Background(), roomKey, sinceSeq)
}

// Dispatch routes a room-scoped client message to the room's kind handler.
// The connection must already be a member.
func (r *Registry) Dispatch(m Member, msg models.ClientMessage) (any, error) {
	r.mu.Lock()
	rm, ok := r.rooms[msg.RoomKey]
	r.mu.Unlock()
	if !ok {
		return nil, ErrRoomNotFound
	}

	rm.mu.Lock()
	_, member := rm.members[m.ID()]
	handler := rm.handler
	rm.mu.Unlock()
	if !member {
		return nil, ErrRoomNotFound
	}
	if handler == nil {
		return nil, ErrUnknownType
	}
	return handler.HandleMessage(m, msg)
}

func (r *Registry) isMember(m Member, roomKey string) bool {
	r.mu.Lock()
	rm, ok := r.rooms[roomKey]
	r.mu.Unlock()
	if !ok {
		return false
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	_, in := rm.members[m.ID()]
	return in
}

// logWorthy kinds are persisted for catch-up; typing and presence are
// ephemeral and self-heal on their own.
func logWorthy(kind string) bool {
	switch kind {
	case models.KindTyping, models.KindPresenceChanged:
		return false
	}
	return true
}
