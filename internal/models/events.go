package models

import (
	"github.com/goccy/go-json"
)

// Event kinds broadcast to room members.
const (
	KindFieldUpdated    = "field_updated"
	KindDocPatch        = "doc_patch"
	KindMessageSent     = "message_sent"
	KindTyping          = "typing"
	KindTimelineAdded   = "timeline_event_added"
	KindTimelineUpdated = "timeline_event_updated"
	KindTimelineDeleted = "timeline_event_deleted"
	KindPresenceChanged = "presence_changed"
	KindActivityItem    = "activity_item"
)

// Client-to-server message types that are not broadcast kinds.
const (
	TypeJoin              = "join"
	TypeLeave             = "leave"
	TypeSetPresence       = "set_presence"
	TypeFocus             = "focus"
	TypeHeartbeat         = "heartbeat"
	TypeCatchUp           = "catch_up"
	TypeActivityList      = "activity_list"
	TypeMarkRead          = "activity_mark_read"
	TypeMarkAllRead       = "activity_mark_all_read"
	TypeUnreadCount       = "activity_unread_count"
	TypeAck               = "ack"
	TypeError             = "error"
)

// Event is the sequenced unit of broadcast. Seq is assigned by the room's
// broadcaster at fan-out time and is monotonic per room, starting at 1.
// Events are immutable once sequenced.
type Event struct {
	Kind      string `json:"kind"`
	RoomKey   string `json:"roomKey"`
	Seq       int64  `json:"seq"`
	UserID    string `json:"userId,omitempty"`
	Timestamp int64  `json:"timestamp"` // unix millis
	Data      any    `json:"data,omitempty"`
}

// ClientMessage is the inbound wire envelope. Data stays raw until the
// room's kind handler decodes it.
type ClientMessage struct {
	Type          string          `json:"type"`
	RoomKey       string          `json:"roomKey,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
}

// Reply is sent only to the originating connection, never broadcast.
type Reply struct {
	Type          string `json:"type"` // "ack" or "error"
	CorrelationID string `json:"correlationId,omitempty"`
	Data          any    `json:"data,omitempty"`
}

type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// PublishAck confirms a broadcast submission with its assigned sequence.
type PublishAck struct {
	Seq int64 `json:"seq"`
}

// Payloads, client->server unless noted.

type FieldUpdateData struct {
	Field string `json:"field"`
	Value any    `json:"value"`
}

type DocPatchData struct {
	BaseVersion int64  `json:"baseVersion"`
	Content     string `json:"content"`
}

// DocStateData is the server->client doc_patch payload and the body of
// both Accepted acks and StaleVersion errors.
type DocStateData struct {
	Version  int64  `json:"version"`
	Content  string `json:"content"`
	AuthorID string `json:"authorId,omitempty"`
}

type MessageSentData struct {
	ID          string   `json:"id"`
	Text        string   `json:"text"`
	Attachments []string `json:"attachments,omitempty"`
	AuthorID    string   `json:"authorId"`
	AuthorName  string   `json:"authorName"`
	CreatedAt   string   `json:"createdAt"`
}

type TypingData struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName,omitempty"`
	Typing   bool   `json:"typing"`
}

type SetPresenceData struct {
	Status        string `json:"status"`
	ActivityLabel string `json:"activityLabel,omitempty"`
}

type FocusData struct {
	Foreground bool `json:"foreground"`
}

// PresenceChangedData is broadcast-only. Timestamp lets receivers discard
// stale transitions that arrive out of order.
type PresenceChangedData struct {
	UserID        string `json:"userId"`
	Status        string `json:"status"`
	ActivityLabel string `json:"activityLabel,omitempty"`
	Timestamp     int64  `json:"timestamp"`
}

type CatchUpData struct {
	SinceSeq int64 `json:"sinceSeq"`
}

type CatchUpResult struct {
	Events []Event `json:"events"`
}

type ActivityListData struct {
	Scope    string `json:"scope"`
	Cursor   string `json:"cursor,omitempty"`
	PageSize int    `json:"pageSize,omitempty"`
}

type MarkReadData struct {
	Scope  string `json:"scope"`
	ItemID string `json:"itemId,omitempty"`
}

type ActivityPage struct {
	Items      []ActivityItem `json:"items"`
	NextCursor string         `json:"nextCursor,omitempty"`
	HasMore    bool           `json:"hasMore"`
}

type UnreadCountData struct {
	Scope string `json:"scope"`
	Count int64  `json:"count"`
}
