package models

import "time"

// Presence statuses.
type Status string

const (
	StatusOnline  Status = "online"
	StatusAway    Status = "away"
	StatusBusy    Status = "busy"
	StatusOffline Status = "offline"
)

func ValidStatus(s string) bool {
	switch Status(s) {
	case StatusOnline, StatusAway, StatusBusy, StatusOffline:
		return true
	}
	return false
}

// PresenceRecord tracks one user's availability within one room scope.
// At most one record exists per (user, room); a connected user with no
// record is treated as online.
type PresenceRecord struct {
	UserID        string    `json:"userId"`
	RoomKey       string    `json:"roomKey"`
	Status        Status    `json:"status"`
	ActivityLabel string    `json:"activityLabel,omitempty"`
	ChangedAt     time.Time `json:"changedAt"`

	// Explicit marks a status the user asked for. Focus-driven automatic
	// transitions never override an explicit busy or offline.
	Explicit bool `json:"-"`
}

// TimelineEvent is a durable, ordered record scoped to a case. It survives
// room teardown; only its status fields mutate after creation.
type TimelineEvent struct {
	ID          string   `json:"id"`
	CaseID      string   `json:"caseId"`
	Date        string   `json:"date"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Importance  string   `json:"importance,omitempty"`
	SourceRefs  []string `json:"sourceRefs,omitempty"`
	Completed   bool     `json:"completed"`
	CreatedBy   string   `json:"createdBy"`
	CreatedAt   int64    `json:"createdAt"` // unix millis
}

// ActivityItem is one entry in a scope's append-only activity feed.
// The read flag is tracked by the log, not stored on the item itself.
type ActivityItem struct {
	ID          string `json:"id"`
	Scope       string `json:"scope"`
	Seq         int64  `json:"seq"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Category    string `json:"category,omitempty"`
	SourceRef   string `json:"sourceRef,omitempty"`
	ActorID     string `json:"actorId,omitempty"`
	CreatedAt   int64  `json:"createdAt"` // unix millis
	Read        bool   `json:"read"`
}

// Room kinds, parsed from the key prefix ("{kind}:{entityId}").
type RoomKind string

const (
	RoomCase     RoomKind = "case"
	RoomDoc      RoomKind = "doc"
	RoomChat     RoomKind = "chat"
	RoomTimeline RoomKind = "timeline"
)

// ParseRoomKind extracts the kind prefix from a room key. The empty kind
// means the key is malformed.
func ParseRoomKind(roomKey string) RoomKind {
	for i := 0; i < len(roomKey); i++ {
		if roomKey[i] == ':' {
			if i == 0 || i == len(roomKey)-1 {
				return ""
			}
			switch k := RoomKind(roomKey[:i]); k {
			case RoomCase, RoomDoc, RoomChat, RoomTimeline:
				return k
			}
			return ""
		}
	}
	return ""
}
