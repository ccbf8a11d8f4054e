// Package presence tracks per-user availability within each room scope.
package presence

import (
	"log/slog"
	"sync"
	"time"

	"casesync/internal/models"
)

type key struct {
	userID  string
	roomKey string
}

// Publisher delivers a presence_changed event to a room's members.
type Publisher func(roomKey string, data models.PresenceChangedData)

type emission struct {
	roomKey string
	data    models.PresenceChangedData
}

// Tracker is the sole mutator of PresenceRecords. All state lives behind
// one mutex; transitions are ordered per (user, room) by timestamp, and a
// stale transition never overwrites a newer one. Events are published only
// after the mutex is released, so the publisher may take its own locks.
type Tracker struct {
	mu           sync.Mutex
	records      map[key]*models.PresenceRecord
	lastActivity map[string]time.Time

	publish     Publisher
	idleTimeout time.Duration
	now         func() time.Time
}

func NewTracker(publish Publisher, idleTimeout time.Duration) *Tracker {
	return &Tracker{
		records:      make(map[key]*models.PresenceRecord),
		lastActivity: make(map[string]time.Time),
		publish:      publish,
		idleTimeout:  idleTimeout,
		now:          time.Now,
	}
}

// HandleJoin is called by the registry when a user's first connection
// enters a room. Idempotent: an existing record is left untouched and no
// duplicate presence_changed is emitted.
func (t *Tracker) HandleJoin(userID, roomKey string) {
	t.mu.Lock()
	k := key{userID, roomKey}
	if _, ok := t.records[k]; ok {
		t.mu.Unlock()
		return
	}

	now := t.now()
	t.records[k] = &models.PresenceRecord{
		UserID:    userID,
		RoomKey:   roomKey,
		Status:    models.StatusOnline,
		ChangedAt: now,
	}
	t.lastActivity[userID] = now
	out := []emission{{roomKey, transition(userID, models.StatusOnline, "", now)}}
	t.mu.Unlock()

	t.flush(out)
}

// HandleLeave is called when a user's last connection leaves a room,
// whether voluntarily or via connection loss. The room-scoped record is
// released and members see the user go offline.
func (t *Tracker) HandleLeave(userID, roomKey string) {
	t.mu.Lock()
	k := key{userID, roomKey}
	if _, ok := t.records[k]; !ok {
		t.mu.Unlock()
		return
	}
	delete(t.records, k)
	out := []emission{{roomKey, transition(userID, models.StatusOffline, "", t.now())}}
	t.mu.Unlock()

	t.flush(out)
}

// SetStatus honors an explicit client request, including "appear offline".
// Busy and offline set the explicit flag so automatic focus transitions
// cannot override them; explicit online or away clears it.
func (t *Tracker) SetStatus(userID string, status models.Status, label string) {
	t.mu.Lock()
	now := t.now()
	t.lastActivity[userID] = now
	explicit := status == models.StatusBusy || status == models.StatusOffline

	var out []emission
	for k, rec := range t.records {
		if k.userID != userID {
			continue
		}
		rec.Status = status
		rec.ActivityLabel = label
		rec.ChangedAt = now
		rec.Explicit = explicit
		out = append(out, emission{k.roomKey, transition(userID, status, label, now)})
	}
	t.mu.Unlock()

	t.flush(out)
}

// SetFocus applies the automatic focus transitions: losing foreground takes
// online -> away, regaining it takes away -> online, but never past an
// explicit busy or appear-offline.
func (t *Tracker) SetFocus(userID string, foreground bool) {
	t.mu.Lock()
	now := t.now()
	if foreground {
		t.lastActivity[userID] = now
	}

	var out []emission
	for k, rec := range t.records {
		if k.userID != userID || rec.Explicit {
			continue
		}
		switch {
		case !foreground && rec.Status == models.StatusOnline:
			rec.Status = models.StatusAway
			rec.ChangedAt = now
			out = append(out, emission{k.roomKey, transition(userID, models.StatusAway, rec.ActivityLabel, now)})
		case foreground && rec.Status == models.StatusAway:
			rec.Status = models.StatusOnline
			rec.ChangedAt = now
			out = append(out, emission{k.roomKey, transition(userID, models.StatusOnline, rec.ActivityLabel, now)})
		}
	}
	t.mu.Unlock()

	t.flush(out)
}

// Touch records user-initiated activity for the idle timer.
func (t *Tracker) Touch(userID string) {
	t.mu.Lock()
	t.lastActivity[userID] = t.now()
	t.mu.Unlock()
}

// Sweep applies the idle timeout: online -> away for any user inactive past
// the window, regardless of focus signals.
func (t *Tracker) Sweep() {
	t.mu.Lock()
	now := t.now()
	var out []emission
	for k, rec := range t.records {
		if rec.Status != models.StatusOnline || rec.Explicit {
			continue
		}
		last, ok := t.lastActivity[k.userID]
		if ok && now.Sub(last) < t.idleTimeout {
			continue
		}
		rec.Status = models.StatusAway
		rec.ChangedAt = now
		out = append(out, emission{k.roomKey, transition(k.userID, models.StatusAway, rec.ActivityLabel, now)})
	}
	t.mu.Unlock()

	t.flush(out)
}

// RunSweeper runs Sweep periodically until stop is closed.
func (t *Tracker) RunSweeper(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.Sweep()
		case <-stop:
			return
		}
	}
}

// ApplyRemote merges a presence transition that arrived from outside the
// local process. Last write wins on the carried timestamp, not on arrival
// order: stale transitions are discarded.
func (t *Tracker) ApplyRemote(roomKey string, data models.PresenceChangedData) {
	t.mu.Lock()
	defer t.mu.Unlock()

	k := key{data.UserID, roomKey}
	rec, ok := t.records[k]
	ts := time.UnixMilli(data.Timestamp)
	if ok && !ts.After(rec.ChangedAt) {
		slog.Debug("[PRESENCE] Discarding stale transition",
			"user", data.UserID, "room", roomKey, "status", data.Status)
		return
	}
	if !ok {
		rec = &models.PresenceRecord{UserID: data.UserID, RoomKey: roomKey}
		t.records[k] = rec
	}
	rec.Status = models.Status(data.Status)
	rec.ActivityLabel = data.ActivityLabel
	rec.ChangedAt = ts
}

// CurrentStatus reports a user's status within one room scope. An unknown
// (user, room) pair reads as offline.
func (t *Tracker) CurrentStatus(userID, roomKey string) models.Status {
	t.mu.Lock()
	defer t.mu.Unlock()

	if rec, ok := t.records[key{userID, roomKey}]; ok {
		return rec.Status
	}
	return models.StatusOffline
}

// OnlineCount counts the users in a room who are neither away nor
// appearing offline.
func (t *Tracker) OnlineCount(roomKey string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for k, rec := range t.records {
		if k.roomKey != roomKey {
			continue
		}
		if rec.Status == models.StatusOnline || rec.Status == models.StatusBusy {
			n++
		}
	}
	return n
}

func transition(userID string, status models.Status, label string, at time.Time) models.PresenceChangedData {
	return models.PresenceChangedData{
		UserID:        userID,
		Status:        string(status),
		ActivityLabel: label,
		Timestamp:     at.UnixMilli(),
	}
}

func (t *Tracker) flush(out []emission) {
	if t.publish == nil {
		return
	}
	for _, e := range out {
		t.publish(e.roomKey, e.data)
	}
}
