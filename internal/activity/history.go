package activity

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/goccy/go-json"

	"casesync/internal/models"
)

const keyHistory = "hist:"

// History retains each room's recent sequenced events so a reconnecting
// client can replay everything since the last sequence it saw. Retention
// is bounded; a gap older than the bound is recovered from the durable
// stores instead.
type History struct {
	client *redis.Client
	limit  int
}

func NewHistory(client *redis.Client, limit int) *History {
	return &History{client: client, limit: limit}
}

// Record appends a sequenced event to the room's history. Events arrive
// here already in sequence order because the broadcaster persists them
// under the room lock.
func (h *History) Record(ctx context.Context, evt models.Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal history event: %w", err)
	}

	key := keyHistory + evt.RoomKey
	pipe := h.client.TxPipeline()
	pipe.RPush(ctx, key, payload)
	if h.limit > 0 {
		pipe.LTrim(ctx, key, int64(-h.limit), -1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record history event: %w", err)
	}
	return nil
}

// LastSeq reports the highest sequence recorded for the room, zero when
// no history exists. Trimming drops the oldest entries, so the tail of
// the list always holds the maximum.
func (h *History) LastSeq(ctx context.Context, roomKey string) (int64, error) {
	raw, err := h.client.LRange(ctx, keyHistory+roomKey, -1, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("read history tail: %w", err)
	}
	if len(raw) == 0 {
		return 0, nil
	}
	var evt models.Event
	if err := json.Unmarshal([]byte(raw[0]), &evt); err != nil {
		return 0, fmt.Errorf("decode history event: %w", err)
	}
	return evt.Seq, nil
}

// Since returns the room's retained events with a sequence greater than
// sinceSeq, oldest first.
func (h *History) Since(ctx context.Context, roomKey string, sinceSeq int64) ([]models.Event, error) {
	raw, err := h.client.LRange(ctx, keyHistory+roomKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}

	events := make([]models.Event, 0, len(raw))
	for _, payload := range raw {
		var evt models.Event
		if err := json.Unmarshal([]byte(payload), &evt); err != nil {
			return nil, fmt.Errorf("decode history event: %w", err)
		}
		if evt.Seq > sinceSeq {
			events = append(events, evt)
		}
	}
	return events, nil
}
