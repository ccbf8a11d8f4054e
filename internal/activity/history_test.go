package activity

import (
	"context"
	"testing"

	"casesync/internal/models"
)

func record(t *testing.T, h *History, roomKey string, n int) {
	t.Helper()
	for i := 1; i <= n; i++ {
		err := h.Record(context.Background(), models.Event{
			Kind:    models.KindMessageSent,
			RoomKey: roomKey,
			Seq:     int64(i),
		})
		if err != nil {
			t.Fatalf("Record %d failed: %v", i, err)
		}
	}
}

func TestHistorySinceFiltersBySequence(t *testing.T) {
	h := NewHistory(setupRedis(t), 0)
	record(t, h, "chat:1", 5)

	events, err := h.Since(context.Background(), "chat:1", 2)
	if err != nil {
		t.Fatalf("Since failed: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("Since(2) returned %d events, want 3", len(events))
	}
	for i, evt := range events {
		if evt.Seq != int64(i+3) {
			t.Errorf("event %d seq = %d, want %d", i, evt.Seq, i+3)
		}
	}
}

func TestHistorySinceEmptyRoom(t *testing.T) {
	h := NewHistory(setupRedis(t), 0)
	events, err := h.Since(context.Background(), "chat:404", 0)
	if err != nil {
		t.Fatalf("Since failed: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("empty room returned %d events", len(events))
	}
}

func TestHistoryBounded(t *testing.T) {
	h := NewHistory(setupRedis(t), 3)
	record(t, h, "chat:1", 5)

	events, err := h.Since(context.Background(), "chat:1", 0)
	if err != nil {
		t.Fatalf("Since failed: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("bounded history kept %d events, want 3", len(events))
	}
	if events[0].Seq != 3 || events[2].Seq != 5 {
		t.Errorf("retained seqs %d..%d, want 3..5", events[0].Seq, events[2].Seq)
	}
}

func TestHistoryLastSeq(t *testing.T) {
	h := NewHistory(setupRedis(t), 0)

	if seq, err := h.LastSeq(context.Background(), "chat:404"); err != nil || seq != 0 {
		t.Fatalf("LastSeq(empty) = %d, %v, want 0", seq, err)
	}

	record(t, h, "chat:1", 5)
	seq, err := h.LastSeq(context.Background(), "chat:1")
	if err != nil {
		t.Fatalf("LastSeq failed: %v", err)
	}
	if seq != 5 {
		t.Errorf("LastSeq = %d, want 5", seq)
	}
}

func TestHistoryLastSeqSurvivesTrim(t *testing.T) {
	h := NewHistory(setupRedis(t), 2)
	record(t, h, "chat:1", 6)

	seq, err := h.LastSeq(context.Background(), "chat:1")
	if err != nil {
		t.Fatalf("LastSeq failed: %v", err)
	}
	if seq != 6 {
		t.Errorf("LastSeq after trim = %d, want 6", seq)
	}
}

func TestHistoriesAreIndependentPerRoom(t *testing.T) {
	h := NewHistory(setupRedis(t), 0)
	record(t, h, "chat:1", 2)
	record(t, h, "chat:2", 4)

	a, _ := h.Since(context.Background(), "chat:1", 0)
	b, _ := h.Since(context.Background(), "chat:2", 0)
	if len(a) != 2 || len(b) != 4 {
		t.Errorf("per-room history sizes = %d,%d, want 2,4", len(a), len(b))
	}
}
