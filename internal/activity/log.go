// Package activity holds the durable side of the realtime layer: per-scope
// activity feeds with read tracking, per-case timeline events, and the
// per-room event history used for catch-up after a reconnect.
//
// Each scope's history is independent and ordered by its own Redis counter,
// so appends from different rooms never contend.
package activity

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"casesync/internal/models"
)

const (
	keySeq    = "act:seq:"
	keyFeed   = "act:z:"
	keyItem   = "act:item:"
	keyUnread = "act:unread:"
)

// Log is the append-only activity feed. Items are never reordered;
// MarkRead only flips the read flag.
type Log struct {
	client *redis.Client
	limit  int
}

// NewLog creates a feed bounded to limit items per scope. A limit of 0
// disables eviction.
func NewLog(client *redis.Client, limit int) *Log {
	return &Log{client: client, limit: limit}
}

// Append assigns an id and scope-local sequence and stores the item unread.
func (l *Log) Append(ctx context.Context, scope string, item models.ActivityItem) (models.ActivityItem, error) {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.CreatedAt == 0 {
		item.CreatedAt = time.Now().UnixMilli()
	}
	item.Scope = scope

	seq, err := l.client.Incr(ctx, keySeq+scope).Result()
	if err != nil {
		return models.ActivityItem{}, fmt.Errorf("next activity seq: %w", err)
	}
	item.Seq = seq

	payload, err := json.Marshal(item)
	if err != nil {
		return models.ActivityItem{}, fmt.Errorf("marshal activity item: %w", err)
	}

	pipe := l.client.TxPipeline()
	pipe.Set(ctx, keyItem+item.ID, payload, 0)
	pipe.ZAdd(ctx, keyFeed+scope, &redis.Z{Score: float64(seq), Member: item.ID})
	pipe.SAdd(ctx, keyUnread+scope, item.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return models.ActivityItem{}, fmt.Errorf("store activity item: %w", err)
	}

	if err := l.evict(ctx, scope); err != nil {
		return models.ActivityItem{}, err
	}
	return item, nil
}

// List pages the feed newest-first. The cursor is opaque; an empty cursor
// starts from the newest item. Cursor positions stay stable under
// concurrent appends because they anchor on sequence, not offset.
func (l *Log) List(ctx context.Context, scope, cursor string, pageSize int) ([]models.ActivityItem, string, bool, error) {
	if pageSize <= 0 {
		pageSize = 20
	}

	max := "+inf"
	if cursor != "" {
		seq, err := decodeCursor(cursor)
		if err != nil {
			return nil, "", false, err
		}
		max = "(" + strconv.FormatInt(seq, 10)
	}

	ids, err := l.client.ZRevRangeByScore(ctx, keyFeed+scope, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   max,
		Count: int64(pageSize + 1),
	}).Result()
	if err != nil {
		return nil, "", false, fmt.Errorf("list activity: %w", err)
	}

	hasMore := len(ids) > pageSize
	if hasMore {
		ids = ids[:pageSize]
	}
	if len(ids) == 0 {
		return nil, "", false, nil
	}

	items := make([]models.ActivityItem, 0, len(ids))
	for _, id := range ids {
		payload, err := l.client.Get(ctx, keyItem+id).Result()
		if err == redis.Nil {
			continue // evicted between the range and the fetch
		}
		if err != nil {
			return nil, "", false, fmt.Errorf("fetch activity item %s: %w", id, err)
		}
		var item models.ActivityItem
		if err := json.Unmarshal([]byte(payload), &item); err != nil {
			return nil, "", false, fmt.Errorf("decode activity item %s: %w", id, err)
		}
		unread, err := l.client.SIsMember(ctx, keyUnread+scope, id).Result()
		if err != nil {
			return nil, "", false, fmt.Errorf("check unread %s: %w", id, err)
		}
		item.Read = !unread
		items = append(items, item)
	}

	next := ""
	if hasMore && len(items) > 0 {
		next = encodeCursor(items[len(items)-1].Seq)
	}
	return items, next, hasMore, nil
}

// MarkRead flips one item to read. Unknown ids are a no-op.
func (l *Log) MarkRead(ctx context.Context, scope, itemID string) error {
	if err := l.client.SRem(ctx, keyUnread+scope, itemID).Err(); err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	return nil
}

// MarkAllRead clears the scope's unread set.
func (l *Log) MarkAllRead(ctx context.Context, scope string) error {
	if err := l.client.Del(ctx, keyUnread+scope).Err(); err != nil {
		return fmt.Errorf("mark all read: %w", err)
	}
	return nil
}

func (l *Log) UnreadCount(ctx context.Context, scope string) (int64, error) {
	n, err := l.client.SCard(ctx, keyUnread+scope).Result()
	if err != nil {
		return 0, fmt.Errorf("unread count: %w", err)
	}
	return n, nil
}

// evict trims the scope to the configured limit, removing oldest read
// items first. Unread items go only when the entire overflow is unread.
func (l *Log) evict(ctx context.Context, scope string) error {
	if l.limit <= 0 {
		return nil
	}
	card, err := l.client.ZCard(ctx, keyFeed+scope).Result()
	if err != nil {
		return fmt.Errorf("feed size: %w", err)
	}
	over := card - int64(l.limit)
	if over <= 0 {
		return nil
	}

	ids, err := l.client.ZRange(ctx, keyFeed+scope, 0, card-1).Result()
	if err != nil {
		return fmt.Errorf("feed range: %w", err)
	}

	var victims []string
	var unreadOldest []string
	for _, id := range ids {
		if int64(len(victims)) == over {
			break
		}
		unread, err := l.client.SIsMember(ctx, keyUnread+scope, id).Result()
		if err != nil {
			return fmt.Errorf("check unread %s: %w", id, err)
		}
		if unread {
			unreadOldest = append(unreadOldest, id)
			continue
		}
		victims = append(victims, id)
	}
	// Not enough read items: fall back to the oldest unread ones.
	for _, id := range unreadOldest {
		if int64(len(victims)) == over {
			break
		}
		victims = append(victims, id)
	}

	pipe := l.client.TxPipeline()
	for _, id := range victims {
		pipe.ZRem(ctx, keyFeed+scope, id)
		pipe.Del(ctx, keyItem+id)
		pipe.SRem(ctx, keyUnread+scope, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("evict activity items: %w", err)
	}
	return nil
}

func encodeCursor(seq int64) string {
	return base64.RawURLEncoding.EncodeToString([]byte(strconv.FormatInt(seq, 10)))
}

func decodeCursor(cursor string) (int64, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return 0, fmt.Errorf("bad cursor: %w", err)
	}
	seq, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad cursor: %w", err)
	}
	return seq, nil
}
