package activity

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"casesync/internal/models"
)

const (
	keyTimelineSeq  = "tl:seq:"
	keyTimeline     = "tl:z:"
	keyTimelineItem = "tl:item:"
)

var ErrTimelineEventNotFound = errors.New("timeline event not found")

// TimelineStore holds per-case timeline events. Unlike the activity feed,
// entries can be updated (status changes) and deleted, but their position
// in the timeline never changes after creation.
type TimelineStore struct {
	client *redis.Client
}

func NewTimelineStore(client *redis.Client) *TimelineStore {
	return &TimelineStore{client: client}
}

func (s *TimelineStore) Append(ctx context.Context, ev models.TimelineEvent) (models.TimelineEvent, error) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt == 0 {
		ev.CreatedAt = time.Now().UnixMilli()
	}

	seq, err := s.client.Incr(ctx, keyTimelineSeq+ev.CaseID).Result()
	if err != nil {
		return models.TimelineEvent{}, fmt.Errorf("next timeline seq: %w", err)
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return models.TimelineEvent{}, fmt.Errorf("marshal timeline event: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, keyTimelineItem+ev.ID, payload, 0)
	pipe.ZAdd(ctx, keyTimeline+ev.CaseID, &redis.Z{Score: float64(seq), Member: ev.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return models.TimelineEvent{}, fmt.Errorf("store timeline event: %w", err)
	}
	return ev, nil
}

func (s *TimelineStore) Get(ctx context.Context, id string) (models.TimelineEvent, error) {
	payload, err := s.client.Get(ctx, keyTimelineItem+id).Result()
	if err == redis.Nil {
		return models.TimelineEvent{}, ErrTimelineEventNotFound
	}
	if err != nil {
		return models.TimelineEvent{}, fmt.Errorf("fetch timeline event: %w", err)
	}
	var ev models.TimelineEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return models.TimelineEvent{}, fmt.Errorf("decode timeline event: %w", err)
	}
	return ev, nil
}

// Update replaces a stored event's mutable fields. The id, case and
// timeline position are preserved from the stored copy.
func (s *TimelineStore) Update(ctx context.Context, ev models.TimelineEvent) (models.TimelineEvent, error) {
	stored, err := s.Get(ctx, ev.ID)
	if err != nil {
		return models.TimelineEvent{}, err
	}

	stored.Date = ev.Date
	stored.Title = ev.Title
	stored.Description = ev.Description
	stored.Importance = ev.Importance
	stored.SourceRefs = ev.SourceRefs
	stored.Completed = ev.Completed

	payload, err := json.Marshal(stored)
	if err != nil {
		return models.TimelineEvent{}, fmt.Errorf("marshal timeline event: %w", err)
	}
	if err := s.client.Set(ctx, keyTimelineItem+stored.ID, payload, 0).Err(); err != nil {
		return models.TimelineEvent{}, fmt.Errorf("store timeline event: %w", err)
	}
	return stored, nil
}

func (s *TimelineStore) Delete(ctx context.Context, caseID, id string) error {
	removed, err := s.client.ZRem(ctx, keyTimeline+caseID, id).Result()
	if err != nil {
		return fmt.Errorf("remove timeline event: %w", err)
	}
	if removed == 0 {
		return ErrTimelineEventNotFound
	}
	if err := s.client.Del(ctx, keyTimelineItem+id).Err(); err != nil {
		return fmt.Errorf("remove timeline event: %w", err)
	}
	return nil
}

// List pages a case's timeline newest-first with the same opaque cursor
// scheme as the activity feed.
func (s *TimelineStore) List(ctx context.Context, caseID, cursor string, pageSize int) ([]models.TimelineEvent, string, bool, error) {
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

	ids, err := s.client.ZRevRangeByScore(ctx, keyTimeline+caseID, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   max,
		Count: int64(pageSize + 1),
	}).Result()
	if err != nil {
		return nil, "", false, fmt.Errorf("list timeline: %w", err)
	}

	hasMore := len(ids) > pageSize
	if hasMore {
		ids = ids[:pageSize]
	}

	events := make([]models.TimelineEvent, 0, len(ids))
	var lastSeq int64
	for _, id := range ids {
		score, err := s.client.ZScore(ctx, keyTimeline+caseID, id).Result()
		if err != nil {
			return nil, "", false, fmt.Errorf("timeline score %s: %w", id, err)
		}
		lastSeq = int64(score)

		ev, err := s.Get(ctx, id)
		if errors.Is(err, ErrTimelineEventNotFound) {
			continue
		}
		if err != nil {
			return nil, "", false, err
		}
		events = append(events, ev)
	}

	next := ""
	if hasMore {
		next = encodeCursor(lastSeq)
	}
	return events, next, hasMore, nil
}
