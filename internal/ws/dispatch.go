package ws

import (
	"context"
	"errors"
	"log/slog"

	"github.com/goccy/go-json"

	"casesync/internal/docsync"
	"casesync/internal/models"
	"casesync/internal/room"
)

// handleMessage routes one inbound frame. Connection-level operations
// (join/leave, presence, catch-up, activity queries) are handled here;
// everything room-scoped goes through the registry to the room's kind
// handler. Errors go back to this connection only, never broadcast.
func (c *Client) handleMessage(raw []byte) {
	var msg models.ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		slog.Error("[CLIENT] Error unmarshaling message", "user", c.identity.UserID, "conn", c.id, "error", err)
		c.replyError("", "bad_payload", "message did not parse", nil)
		return
	}
	if msg.Type == "" {
		c.replyError(msg.CorrelationID, "bad_payload", "missing message type", nil)
		return
	}

	// Focus changes are not user-initiated activity; everything else
	// resets the idle timer.
	if msg.Type != models.TypeFocus && c.manager.presence != nil {
		c.manager.presence.Touch(c.identity.UserID)
	}

	switch msg.Type {
	case models.TypeJoin:
		c.handleJoin(msg)
	case models.TypeLeave:
		c.handleLeave(msg)
	case models.TypeSetPresence:
		c.handleSetPresence(msg)
	case models.TypeFocus:
		c.handleFocus(msg)
	case models.TypeHeartbeat:
		c.reply(msg.CorrelationID, nil)
	case models.TypeCatchUp:
		c.handleCatchUp(msg)
	case models.TypeActivityList:
		c.handleActivityList(msg)
	case models.TypeMarkRead, models.TypeMarkAllRead, models.TypeUnreadCount:
		c.handleActivityFlags(msg)
	default:
		data, err := c.manager.registry.Dispatch(c, msg)
		if err != nil {
			c.replyDispatchError(msg.CorrelationID, err)
			return
		}
		c.reply(msg.CorrelationID, data)
	}
}

func (c *Client) handleJoin(msg models.ClientMessage) {
	if msg.RoomKey == "" {
		c.replyError(msg.CorrelationID, "bad_payload", "roomKey required", nil)
		return
	}
	sub, joinData, err := c.manager.registry.Join(c, msg.RoomKey)
	if err != nil {
		c.replyDispatchError(msg.CorrelationID, err)
		return
	}
	c.addSubscription(sub)
	c.reply(msg.CorrelationID, joinData)
}

func (c *Client) handleLeave(msg models.ClientMessage) {
	if sub := c.dropSubscription(msg.RoomKey); sub != nil {
		sub.Leave()
	}
	c.reply(msg.CorrelationID, nil)
}

func (c *Client) handleSetPresence(msg models.ClientMessage) {
	var d models.SetPresenceData
	if err := json.Unmarshal(msg.Data, &d); err != nil || !models.ValidStatus(d.Status) {
		c.replyError(msg.CorrelationID, "bad_payload", "invalid presence status", nil)
		return
	}
	c.manager.presence.SetStatus(c.identity.UserID, models.Status(d.Status), d.ActivityLabel)
	c.reply(msg.CorrelationID, nil)
}

func (c *Client) handleFocus(msg models.ClientMessage) {
	var d models.FocusData
	if err := json.Unmarshal(msg.Data, &d); err != nil {
		c.replyError(msg.CorrelationID, "bad_payload", "invalid focus payload", nil)
		return
	}
	c.manager.presence.SetFocus(c.identity.UserID, d.Foreground)
	c.reply(msg.CorrelationID, nil)
}

func (c *Client) handleCatchUp(msg models.ClientMessage) {
	var d models.CatchUpData
	if err := json.Unmarshal(msg.Data, &d); err != nil {
		c.replyError(msg.CorrelationID, "bad_payload", "invalid catch_up payload", nil)
		return
	}
	events, err := c.manager.registry.EventsSince(c, msg.RoomKey, d.SinceSeq)
	if err != nil {
		c.replyDispatchError(msg.CorrelationID, err)
		return
	}
	c.reply(msg.CorrelationID, models.CatchUpResult{Events: events})
}

func (c *Client) handleActivityList(msg models.ClientMessage) {
	if c.manager.activity == nil {
		c.replyError(msg.CorrelationID, "unavailable", "activity feed not configured", nil)
		return
	}
	var d models.ActivityListData
	if err := json.Unmarshal(msg.Data, &d); err != nil || d.Scope == "" {
		c.replyError(msg.CorrelationID, "bad_payload", "scope required", nil)
		return
	}
	items, next, hasMore, err := c.manager.activity.List(context.Background(), d.Scope, d.Cursor, d.PageSize)
	if err != nil {
		c.replyError(msg.CorrelationID, "internal", "failed to list activity", nil)
		return
	}
	c.reply(msg.CorrelationID, models.ActivityPage{Items: items, NextCursor: next, HasMore: hasMore})
}

func (c *Client) handleActivityFlags(msg models.ClientMessage) {
	if c.manager.activity == nil {
		c.replyError(msg.CorrelationID, "unavailable", "activity feed not configured", nil)
		return
	}
	var d models.MarkReadData
	if err := json.Unmarshal(msg.Data, &d); err != nil || d.Scope == "" {
		c.replyError(msg.CorrelationID, "bad_payload", "scope required", nil)
		return
	}

	ctx := context.Background()
	switch msg.Type {
	case models.TypeMarkRead:
		if d.ItemID == "" {
			c.replyError(msg.CorrelationID, "bad_payload", "itemId required", nil)
			return
		}
		if err := c.manager.activity.MarkRead(ctx, d.Scope, d.ItemID); err != nil {
			c.replyError(msg.CorrelationID, "internal", "failed to mark read", nil)
			return
		}
		c.reply(msg.CorrelationID, nil)
	case models.TypeMarkAllRead:
		if err := c.manager.activity.MarkAllRead(ctx, d.Scope); err != nil {
			c.replyError(msg.CorrelationID, "internal", "failed to mark all read", nil)
			return
		}
		c.reply(msg.CorrelationID, nil)
	case models.TypeUnreadCount:
		n, err := c.manager.activity.UnreadCount(ctx, d.Scope)
		if err != nil {
			c.replyError(msg.CorrelationID, "internal", "failed to count unread", nil)
			return
		}
		c.reply(msg.CorrelationID, models.UnreadCountData{Scope: d.Scope, Count: n})
	}
}

// replyDispatchError maps internal errors onto wire codes. A stale
// document patch carries the authoritative state so the editor can rebase
// without losing keystrokes.
func (c *Client) replyDispatchError(corrID string, err error) {
	var stale *docsync.StaleVersionError
	switch {
	case errors.As(err, &stale):
		c.replyError(corrID, "stale_version", err.Error(), models.DocStateData{
			Version: stale.Version,
			Content: stale.Content,
		})
	case errors.Is(err, room.ErrJoinDenied):
		c.replyError(corrID, "access_denied", "access denied", nil)
	case errors.Is(err, room.ErrRoomNotFound):
		c.replyError(corrID, "room_not_found", "room not joined", nil)
	case errors.Is(err, room.ErrBadPayload):
		c.replyError(corrID, "bad_payload", "payload did not decode", nil)
	case errors.Is(err, room.ErrUnknownType):
		c.replyError(corrID, "unknown_type", "no handler for message type", nil)
	default:
		slog.Error("[CLIENT] Dispatch failed", "user", c.identity.UserID, "conn", c.id, "error", err)
		c.replyError(corrID, "internal", "internal error", nil)
	}
}

func (c *Client) reply(corrID string, data any) {
	c.sendReply(models.Reply{Type: models.TypeAck, CorrelationID: corrID, Data: data})
}

func (c *Client) replyError(corrID, code, message string, details any) {
	c.sendReply(models.Reply{
		Type:          models.TypeError,
		CorrelationID: corrID,
		Data:          models.ErrorData{Code: code, Message: message, Details: details},
	})
}

func (c *Client) sendReply(reply models.Reply) {
	payload, err := json.Marshal(reply)
	if err != nil {
		slog.Error("[CLIENT] Failed to marshal reply", "user", c.identity.UserID, "conn", c.id, "error", err)
		return
	}
	c.Enqueue(payload)
}
