package redis

import (
	"errors"
	"log/slog"

	"github.com/goccy/go-json"

	"casesync/internal/models"
	"casesync/internal/room"
)

// Injector hands relayed events to the local registry, where they get
// sequenced exactly like locally-originated ones.
type Injector interface {
	Publish(roomKey, kind, userID string, data any, excludeConn string) (int64, error)
}

// PresenceApplier merges presence transitions that originated on another
// instance into the local tracker.
type PresenceApplier interface {
	ApplyRemote(roomKey string, data models.PresenceChangedData)
}

// SubscribeToEvents relays events published by the rest of the platform
// (another instance's presence transitions, the CRUD API appending a
// timeline event) into local rooms. Envelopes carrying this process's own
// origin tag are echoes of MirrorEvent and are skipped.
func SubscribeToEvents(client *Client, inj Injector, pres PresenceApplier) {
	slog.Info("[REDIS] Starting Redis pub/sub subscription...")

	pubsub := client.rdb.PSubscribe(client.ctx, "room:*")
	defer pubsub.Close()

	// Wait for subscription confirmation
	if _, err := pubsub.Receive(client.ctx); err != nil {
		slog.Error("[REDIS] Failed to receive subscription confirmation", "error", err)
		return
	}

	slog.Info("[REDIS] Subscribed to Redis pub/sub", "pattern", "room:*")

	ch := pubsub.Channel()
	for msg := range ch {
		var env Envelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			slog.Error("[REDIS] Error unmarshaling envelope", "channel", msg.Channel, "error", err)
			continue
		}
		if env.Origin == client.origin {
			continue
		}

		evt := env.Event
		if evt.Kind == models.KindPresenceChanged && pres != nil {
			applyRemotePresence(pres, evt)
		}
		_, err := inj.Publish(evt.RoomKey, evt.Kind, evt.UserID, evt.Data, "")
		if errors.Is(err, room.ErrRoomNotFound) {
			// Nobody here cares about this room right now.
			continue
		}
		if err != nil {
			slog.Error("[REDIS] Failed to inject relayed event", "room", evt.RoomKey, "kind", evt.Kind, "error", err)
		}
	}

	slog.Info("[REDIS] Redis pub/sub channel closed")
}

// applyRemotePresence re-decodes a relayed event's payload into a presence
// transition and merges it. The tracker discards it if stale.
func applyRemotePresence(pres PresenceApplier, evt models.Event) {
	raw, err := json.Marshal(evt.Data)
	if err != nil {
		return
	}
	var d models.PresenceChangedData
	if err := json.Unmarshal(raw, &d); err != nil || d.UserID == "" {
		return
	}
	pres.ApplyRemote(evt.RoomKey, d)
}
