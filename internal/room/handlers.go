package room

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"casesync/internal/models"
)

// Handler is a room kind's sub-handler, instantiated lazily on the first
// join and released when the room is destroyed.
type Handler interface {
	// OnJoin may return a payload for the join ack (the document handler
	// returns the current buffer state).
	OnJoin(m Member) any
	OnLeave(m Member)
	Release()
	HandleMessage(m Member, msg models.ClientMessage) (any, error)
}

// DocMerger is the document merger as seen by the doc room handler.
type DocMerger interface {
	Attach(roomKey, connID string) (models.DocStateData, error)
	Detach(roomKey, connID string)
	Release(roomKey string)
	SubmitPatch(roomKey, userID string, baseVersion int64, content string) (models.DocStateData, error)
}

// ActivityAppender feeds derived activity items into the durable feed.
type ActivityAppender interface {
	Append(ctx context.Context, scope string, item models.ActivityItem) (models.ActivityItem, error)
}

// TimelineStore is the durable timeline as seen by the timeline handler.
type TimelineStore interface {
	Append(ctx context.Context, ev models.TimelineEvent) (models.TimelineEvent, error)
	Update(ctx context.Context, ev models.TimelineEvent) (models.TimelineEvent, error)
	Delete(ctx context.Context, caseID, id string) error
}

func (r *Registry) newHandler(kind models.RoomKind, roomKey string) Handler {
	switch kind {
	case models.RoomCase:
		return &caseHandler{registry: r, roomKey: roomKey}
	case models.RoomDoc:
		return &docHandler{registry: r, roomKey: roomKey}
	case models.RoomChat:
		return &chatHandler{registry: r, roomKey: roomKey, typing: make(map[string]bool)}
	case models.RoomTimeline:
		return &timelineHandler{registry: r, roomKey: roomKey}
	default:
		return nil
	}
}

// appendActivity records a derived activity item and broadcasts it to the
// room, excluding the actor's own connection.
func (r *Registry) appendActivity(roomKey string, m Member, item models.ActivityItem) {
	if r.deps.Activity == nil {
		return
	}
	stored, err := r.deps.Activity.Append(context.Background(), roomKey, item)
	if err != nil {
		// The broadcast already went out; the feed self-heals on the next
		// successful append.
		return
	}
	_, _ = r.Publish(roomKey, models.KindActivityItem, m.UserID(), stored, m.ID())
}

// caseHandler serves case:<id> rooms: live case-field edits.
type caseHandler struct {
	registry *Registry
	roomKey  string
}

func (h *caseHandler) OnJoin(Member) any { return nil }
func (h *caseHandler) OnLeave(Member)    {}
func (h *caseHandler) Release()          {}

func (h *caseHandler) HandleMessage(m Member, msg models.ClientMessage) (any, error) {
	switch msg.Type {
	case models.KindFieldUpdated:
		var d models.FieldUpdateData
		if err := json.Unmarshal(msg.Data, &d); err != nil || d.Field == "" {
			return nil, ErrBadPayload
		}
		seq, err := h.registry.Publish(h.roomKey, models.KindFieldUpdated, m.UserID(), d, m.ID())
		if err != nil {
			return nil, err
		}
		h.registry.appendActivity(h.roomKey, m, models.ActivityItem{
			Title:     fmt.Sprintf("%s updated %s", m.Name(), d.Field),
			Category:  "case_update",
			ActorID:   m.UserID(),
			SourceRef: h.roomKey,
		})
		return models.PublishAck{Seq: seq}, nil
	default:
		return nil, ErrUnknownType
	}
}

// docHandler serves doc:<id> rooms: collaborative editing through the
// merger. The join ack carries the current buffer so the editor can seed
// itself.
type docHandler struct {
	registry *Registry
	roomKey  string
}

func (h *docHandler) OnJoin(m Member) any {
	if h.registry.deps.Merger == nil {
		return nil
	}
	state, err := h.registry.deps.Merger.Attach(h.roomKey, m.ID())
	if err != nil {
		return nil
	}
	return state
}

func (h *docHandler) OnLeave(m Member) {
	if h.registry.deps.Merger != nil {
		h.registry.deps.Merger.Detach(h.roomKey, m.ID())
	}
}

func (h *docHandler) Release() {
	if h.registry.deps.Merger != nil {
		h.registry.deps.Merger.Release(h.roomKey)
	}
}

func (h *docHandler) HandleMessage(m Member, msg models.ClientMessage) (any, error) {
	switch msg.Type {
	case models.KindDocPatch:
		if h.registry.deps.Merger == nil {
			return nil, ErrUnknownType
		}
		var d models.DocPatchData
		if err := json.Unmarshal(msg.Data, &d); err != nil {
			return nil, ErrBadPayload
		}
		state, err := h.registry.deps.Merger.SubmitPatch(h.roomKey, m.UserID(), d.BaseVersion, d.Content)
		if err != nil {
			// Stale versions included: the error carries the authoritative
			// state back to the submitter only, never broadcast.
			return nil, err
		}
		if _, err := h.registry.Publish(h.roomKey, models.KindDocPatch, m.UserID(), state, m.ID()); err != nil {
			return nil, err
		}
		return state, nil
	default:
		return nil, ErrUnknownType
	}
}

// chatHandler serves chat:<id> rooms: messages plus a per-user typing
// aggregate. The aggregate is keyed by user, not connection, so the last
// typing event from any of a user's tabs wins.
type chatHandler struct {
	registry *Registry
	roomKey  string

	mu     sync.Mutex
	typing map[string]bool
}

func (h *chatHandler) OnJoin(Member) any { return nil }

func (h *chatHandler) OnLeave(m Member) {
	h.mu.Lock()
	delete(h.typing, m.UserID())
	h.mu.Unlock()
}

func (h *chatHandler) Release() {}

func (h *chatHandler) HandleMessage(m Member, msg models.ClientMessage) (any, error) {
	switch msg.Type {
	case models.KindMessageSent:
		var d models.MessageSentData
		if err := json.Unmarshal(msg.Data, &d); err != nil || d.Text == "" {
			return nil, ErrBadPayload
		}
		d.ID = uuid.NewString()
		d.AuthorID = m.UserID()
		d.AuthorName = m.Name()
		d.CreatedAt = time.Now().UTC().Format(time.RFC3339)
		if _, err := h.registry.Publish(h.roomKey, models.KindMessageSent, m.UserID(), d, m.ID()); err != nil {
			return nil, err
		}
		// A sent message implies the author stopped typing.
		h.setTyping(m, false)
		return d, nil

	case models.KindTyping:
		var d models.TypingData
		if err := json.Unmarshal(msg.Data, &d); err != nil {
			return nil, ErrBadPayload
		}
		h.setTyping(m, d.Typing)
		return nil, nil

	default:
		return nil, ErrUnknownType
	}
}

// setTyping updates and broadcasts the aggregate under one lock so the
// emitted events always match the state order.
func (h *chatHandler) setTyping(m Member, typing bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if typing {
		h.typing[m.UserID()] = true
	} else {
		delete(h.typing, m.UserID())
	}
	_, _ = h.registry.Publish(h.roomKey, models.KindTyping, m.UserID(), models.TypingData{
		UserID:   m.UserID(),
		UserName: m.Name(),
		Typing:   typing,
	}, m.ID())
}

// TypingUsers reports who the room currently considers typing.
func (h *chatHandler) TypingUsers() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	users := make([]string, 0, len(h.typing))
	for id := range h.typing {
		users = append(users, id)
	}
	return users
}

// timelineHandler serves timeline:<caseId> rooms: durable timeline events
// broadcast live and retained in the timeline store.
type timelineHandler struct {
	registry *Registry
	roomKey  string
}

func (h *timelineHandler) OnJoin(Member) any { return nil }
func (h *timelineHandler) OnLeave(Member)    {}
func (h *timelineHandler) Release()          {}

func (h *timelineHandler) HandleMessage(m Member, msg models.ClientMessage) (any, error) {
	store := h.registry.deps.Timeline
	if store == nil {
		return nil, ErrUnknownType
	}

	switch msg.Type {
	case models.KindTimelineAdded:
		var ev models.TimelineEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil || ev.Title == "" {
			return nil, ErrBadPayload
		}
		ev.CaseID = entityID(h.roomKey)
		ev.CreatedBy = m.UserID()
		stored, err := store.Append(context.Background(), ev)
		if err != nil {
			return nil, err
		}
		if _, err := h.registry.Publish(h.roomKey, models.KindTimelineAdded, m.UserID(), stored, m.ID()); err != nil {
			return nil, err
		}
		h.registry.appendActivity(h.roomKey, m, models.ActivityItem{
			Title:     fmt.Sprintf("%s added timeline event %q", m.Name(), stored.Title),
			Category:  "timeline",
			ActorID:   m.UserID(),
			SourceRef: stored.ID,
		})
		return stored, nil

	case models.KindTimelineUpdated:
		var ev models.TimelineEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil || ev.ID == "" {
			return nil, ErrBadPayload
		}
		stored, err := store.Update(context.Background(), ev)
		if err != nil {
			return nil, err
		}
		if _, err := h.registry.Publish(h.roomKey, models.KindTimelineUpdated, m.UserID(), stored, m.ID()); err != nil {
			return nil, err
		}
		return stored, nil

	case models.KindTimelineDeleted:
		var d struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(msg.Data, &d); err != nil || d.ID == "" {
			return nil, ErrBadPayload
		}
		if err := store.Delete(context.Background(), entityID(h.roomKey), d.ID); err != nil {
			return nil, err
		}
		if _, err := h.registry.Publish(h.roomKey, models.KindTimelineDeleted, m.UserID(), d, m.ID()); err != nil {
			return nil, err
		}
		return nil, nil

	default:
		return nil, ErrUnknownType
	}
}

// entityID strips the kind prefix from a room key.
func entityID(roomKey string) string {
	for i := 0; i < len(roomKey); i++ {
		if roomKey[i] == ':' {
			return roomKey[i+1:]
		}
	}
	return roomKey
}
