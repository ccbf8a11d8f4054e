package room

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/goccy/go-json"

	"casesync/internal/docsync"
	"casesync/internal/models"
)

type fakeMember struct {
	id     string
	userID string
	name   string

	mu     sync.Mutex
	got    [][]byte
	reject bool
}

func (f *fakeMember) ID() string     { return f.id }
func (f *fakeMember) UserID() string { return f.userID }
func (f *fakeMember) Name() string   { return f.name }

func (f *fakeMember) Enqueue(payload []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reject {
		return false
	}
	buf := make([]byte, len(payload))
	copy(buf, payload)
	f.got = append(f.got, buf)
	return true
}

func (f *fakeMember) events(t *testing.T) []models.Event {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.Event, 0, len(f.got))
	for _, payload := range f.got {
		var evt models.Event
		if err := json.Unmarshal(payload, &evt); err != nil {
			t.Fatalf("member %s received undecodable payload: %v", f.id, err)
		}
		out = append(out, evt)
	}
	return out
}

func member(id, userID string) *fakeMember {
	return &fakeMember{id: id, userID: userID, name: "User " + userID}
}

type fakePresence struct {
	mu     sync.Mutex
	joins  []string
	leaves []string
}

func (p *fakePresence) HandleJoin(userID, roomKey string) {
	p.mu.Lock()
	p.joins = append(p.joins, userID+"|"+roomKey)
	p.mu.Unlock()
}

func (p *fakePresence) HandleLeave(userID, roomKey string) {
	p.mu.Lock()
	p.leaves = append(p.leaves, userID+"|"+roomKey)
	p.mu.Unlock()
}

type fakeStore struct {
	mu     sync.Mutex
	events []models.Event
}

func (s *fakeStore) Record(_ context.Context, evt models.Event) error {
	s.mu.Lock()
	s.events = append(s.events, evt)
	s.mu.Unlock()
	return nil
}

func (s *fakeStore) Since(_ context.Context, roomKey string, sinceSeq int64) ([]models.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Event
	for _, evt := range s.events {
		if evt.RoomKey == roomKey && evt.Seq > sinceSeq {
			out = append(out, evt)
		}
	}
	return out, nil
}

func (s *fakeStore) LastSeq(_ context.Context, roomKey string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var last int64
	for _, evt := range s.events {
		if evt.RoomKey == roomKey && evt.Seq > last {
			last = evt.Seq
		}
	}
	return last, nil
}

type denyAll struct{}

func (denyAll) CanJoin(string, string) bool { return false }

func mustJoin(t *testing.T, r *Registry, m Member, roomKey string) *Subscription {
	t.Helper()
	sub, _, err := r.Join(m, roomKey)
	if err != nil {
		t.Fatalf("Join(%s, %s) failed: %v", m.ID(), roomKey, err)
	}
	return sub
}

func raw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return data
}

func TestPublishTotalOrderPerRoom(t *testing.T) {
	r := NewRegistry(Deps{})
	members := []*fakeMember{member("c1", "u1"), member("c2", "u2"), member("c3", "u3")}
	for _, m := range members {
		mustJoin(t, r, m, "case:1")
	}

	for i := 0; i < 5; i++ {
		seq, err := r.Publish("case:1", models.KindFieldUpdated, "u1", models.FieldUpdateData{Field: fmt.Sprintf("f%d", i)}, "")
		if err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
		if seq != int64(i+1) {
			t.Fatalf("expected seq %d, got %d", i+1, seq)
		}
	}

	for _, m := range members {
		events := m.events(t)
		if len(events) != 5 {
			t.Fatalf("member %s saw %d events, want 5", m.id, len(events))
		}
		for i, evt := range events {
			if evt.Seq != int64(i+1) {
				t.Errorf("member %s saw seq %d at position %d", m.id, evt.Seq, i)
			}
			if evt.RoomKey != "case:1" {
				t.Errorf("member %s saw room %s", m.id, evt.RoomKey)
			}
		}
	}
}

func TestPublishExcludesSender(t *testing.T) {
	r := NewRegistry(Deps{})
	a := member("c1", "u1")
	b := member("c2", "u2")
	mustJoin(t, r, a, "case:1")
	mustJoin(t, r, b, "case:1")

	if _, err := r.Publish("case:1", models.KindFieldUpdated, "u1", nil, "c1"); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	if len(a.events(t)) != 0 {
		t.Errorf("sender received its own event")
	}
	if len(b.events(t)) != 1 {
		t.Errorf("other member did not receive the event")
	}
}

func TestJoinIsIdempotent(t *testing.T) {
	pres := &fakePresence{}
	r := NewRegistry(Deps{Presence: pres})
	m := member("c1", "u1")

	mustJoin(t, r, m, "case:1")
	mustJoin(t, r, m, "case:1")

	if got := len(r.Members("case:1")); got != 1 {
		t.Errorf("membership size = %d after double join, want 1", got)
	}
	if len(pres.joins) != 1 {
		t.Errorf("presence saw %d joins, want 1 (no duplicate presence_changed)", len(pres.joins))
	}
}

func TestDeniedJoinNeverCreatesRoom(t *testing.T) {
	r := NewRegistry(Deps{Authorizer: denyAll{}})
	_, _, err := r.Join(member("c1", "u1"), "case:1")
	if !errors.Is(err, ErrJoinDenied) {
		t.Fatalf("expected ErrJoinDenied, got %v", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.rooms) != 0 {
		t.Errorf("denied join created a room")
	}
}

func TestMalformedRoomKeyRejected(t *testing.T) {
	r := NewRegistry(Deps{})
	for _, key := range []string{"", "case", ":1", "case:", "unknown:1"} {
		if _, _, err := r.Join(member("c1", "u1"), key); !errors.Is(err, ErrRoomNotFound) {
			t.Errorf("Join(%q) = %v, want ErrRoomNotFound", key, err)
		}
	}
}

func TestLastLeaveDestroysRoom(t *testing.T) {
	merger := docsync.NewMerger(nil)
	r := NewRegistry(Deps{Merger: merger})
	a := member("c1", "u1")
	b := member("c2", "u2")
	subA := mustJoin(t, r, a, "doc:42")
	subB := mustJoin(t, r, b, "doc:42")

	subA.Leave()
	if got := len(r.Members("doc:42")); got != 1 {
		t.Fatalf("membership size = %d after one leave, want 1", got)
	}

	subB.Leave()
	r.mu.Lock()
	_, exists := r.rooms["doc:42"]
	r.mu.Unlock()
	if exists {
		t.Errorf("room survived its last member")
	}

	// The DocumentSession went with the room.
	if _, err := merger.SubmitPatch("doc:42", "u1", 0, "x"); err == nil {
		t.Errorf("document session survived room destruction")
	}
}

func TestSubscriptionLeaveIsIdempotent(t *testing.T) {
	pres := &fakePresence{}
	r := NewRegistry(Deps{Presence: pres})
	sub := mustJoin(t, r, member("c1", "u1"), "case:1")

	sub.Leave()
	sub.Leave()

	if len(pres.leaves) != 1 {
		t.Errorf("presence saw %d leaves, want 1", len(pres.leaves))
	}
}

func TestDropConnectionLeavesEveryRoom(t *testing.T) {
	pres := &fakePresence{}
	r := NewRegistry(Deps{Presence: pres})
	m := member("c1", "u1")
	mustJoin(t, r, m, "case:1")
	mustJoin(t, r, m, "chat:2")

	r.DropConnection(m)

	if got := len(r.Members("case:1")) + len(r.Members("chat:2")); got != 0 {
		t.Errorf("connection still a member of %d rooms after drop", got)
	}
	if len(pres.leaves) != 2 {
		t.Errorf("presence saw %d leaves, want 2", len(pres.leaves))
	}
	if got := len(r.RoomsOf("u1")); got != 0 {
		t.Errorf("RoomsOf reports %d rooms after drop", got)
	}
}

func TestDispatchRequiresMembership(t *testing.T) {
	r := NewRegistry(Deps{})
	mustJoin(t, r, member("c1", "u1"), "case:1")

	outsider := member("c2", "u2")
	_, err := r.Dispatch(outsider, models.ClientMessage{
		Type:    models.KindFieldUpdated,
		RoomKey: "case:1",
		Data:    raw(t, models.FieldUpdateData{Field: "status", Value: "open"}),
	})
	if !errors.Is(err, ErrRoomNotFound) {
		t.Errorf("dispatch from non-member = %v, want ErrRoomNotFound", err)
	}

	_, err = r.Dispatch(outsider, models.ClientMessage{Type: models.KindFieldUpdated, RoomKey: "case:99"})
	if !errors.Is(err, ErrRoomNotFound) {
		t.Errorf("dispatch to unknown room = %v, want ErrRoomNotFound", err)
	}
}

func TestUnreachableMemberIsDroppedNotWaitedFor(t *testing.T) {
	r := NewRegistry(Deps{})
	ok := member("c1", "u1")
	bad := member("c2", "u2")
	bad.reject = true
	mustJoin(t, r, ok, "case:1")
	mustJoin(t, r, bad, "case:1")

	if _, err := r.Publish("case:1", models.KindFieldUpdated, "u3", nil, ""); err != nil {
		t.Fatalf("Publish failed despite unreachable member: %v", err)
	}
	if len(ok.events(t)) != 1 {
		t.Errorf("reachable member missed the event")
	}
}

func TestEventsSince(t *testing.T) {
	store := &fakeStore{}
	r := NewRegistry(Deps{Events: store})
	m := member("c1", "u1")
	mustJoin(t, r, m, "case:1")

	for i := 0; i < 3; i++ {
		if _, err := r.Publish("case:1", models.KindFieldUpdated, "u1", nil, ""); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}

	events, err := r.EventsSince(m, "case:1", 1)
	if err != nil {
		t.Fatalf("EventsSince failed: %v", err)
	}
	if len(events) != 2 || events[0].Seq != 2 || events[1].Seq != 3 {
		t.Fatalf("EventsSince(1) = %+v, want seqs [2 3]", events)
	}

	if _, err := r.EventsSince(member("c9", "u9"), "case:1", 0); !errors.Is(err, ErrRoomNotFound) {
		t.Errorf("catch-up from non-member = %v, want ErrRoomNotFound", err)
	}
}

func TestSequenceResumesAfterRoomRecreation(t *testing.T) {
	store := &fakeStore{}
	r := NewRegistry(Deps{Events: store})
	sub := mustJoin(t, r, member("c1", "u1"), "chat:1")

	for i := 0; i < 2; i++ {
		if _, err := r.Publish("chat:1", models.KindMessageSent, "u1", nil, ""); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}
	sub.Leave() // last member: the room is destroyed, the history is not

	rejoined := member("c2", "u1")
	mustJoin(t, r, rejoined, "chat:1")
	seq, err := r.Publish("chat:1", models.KindMessageSent, "u1", nil, "")
	if err != nil {
		t.Fatalf("Publish after recreation failed: %v", err)
	}
	if seq != 3 {
		t.Fatalf("seq after recreation = %d, want 3 (never reused)", seq)
	}

	// A client that saw seq 2 before the room emptied catches up to the
	// post-recreation event.
	events, err := r.EventsSince(rejoined, "chat:1", 2)
	if err != nil {
		t.Fatalf("EventsSince failed: %v", err)
	}
	if len(events) != 1 || events[0].Seq != 3 {
		t.Errorf("EventsSince(2) = %+v, want the seq-3 event", events)
	}
}

func TestPersistedHistoryStaysInSequenceOrder(t *testing.T) {
	store := &fakeStore{}
	r := NewRegistry(Deps{Events: store})
	mustJoin(t, r, member("c1", "u1"), "chat:1")

	const writers = 4
	const perWriter = 25
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWriter; j++ {
				if _, err := r.Publish("chat:1", models.KindMessageSent, "u1", nil, ""); err != nil {
					t.Errorf("Publish failed: %v", err)
				}
			}
		}()
	}
	wg.Wait()

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.events) != writers*perWriter {
		t.Fatalf("store holds %d events, want %d", len(store.events), writers*perWriter)
	}
	for i, evt := range store.events {
		if evt.Seq != int64(i+1) {
			t.Fatalf("store position %d holds seq %d; replay would be out of order", i, evt.Seq)
		}
	}
}

func TestDocPatchWithoutMerger(t *testing.T) {
	r := NewRegistry(Deps{})
	m := member("c1", "u1")
	mustJoin(t, r, m, "doc:1")

	_, err := r.Dispatch(m, models.ClientMessage{
		Type:    models.KindDocPatch,
		RoomKey: "doc:1",
		Data:    raw(t, models.DocPatchData{BaseVersion: 0, Content: "x"}),
	})
	if !errors.Is(err, ErrUnknownType) {
		t.Errorf("doc_patch without a merger = %v, want ErrUnknownType", err)
	}
}

func TestEphemeralKindsNotPersisted(t *testing.T) {
	store := &fakeStore{}
	r := NewRegistry(Deps{Events: store})
	mustJoin(t, r, member("c1", "u1"), "chat:1")

	r.Publish("chat:1", models.KindTyping, "u1", nil, "")
	r.Publish("chat:1", models.KindPresenceChanged, "u1", nil, "")
	r.Publish("chat:1", models.KindMessageSent, "u1", nil, "")

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.events) != 1 || store.events[0].Kind != models.KindMessageSent {
		t.Errorf("persisted %+v, want only message_sent", store.events)
	}
}

func TestDocPatchScenario(t *testing.T) {
	r := NewRegistry(Deps{Merger: docsync.NewMerger(nil)})
	a := member("cA", "userA")
	b := member("cB", "userB")

	_, stateA, err := r.Join(a, "doc:42")
	if err != nil {
		t.Fatalf("A join failed: %v", err)
	}
	if state, ok := stateA.(models.DocStateData); !ok || state.Version != 0 || state.Content != "" {
		t.Fatalf("A join state = %+v, want empty v0", stateA)
	}
	mustJoin(t, r, b, "doc:42")

	// A submits against version 0: accepted, version 1.
	got, err := r.Dispatch(a, models.ClientMessage{
		Type:    models.KindDocPatch,
		RoomKey: "doc:42",
		Data:    raw(t, models.DocPatchData{BaseVersion: 0, Content: "Hello"}),
	})
	if err != nil {
		t.Fatalf("A's patch rejected: %v", err)
	}
	if state := got.(models.DocStateData); state.Version != 1 || state.Content != "Hello" {
		t.Fatalf("A's accepted state = %+v", state)
	}

	// B still holds version 0: rejected with the authoritative content.
	_, err = r.Dispatch(b, models.ClientMessage{
		Type:    models.KindDocPatch,
		RoomKey: "doc:42",
		Data:    raw(t, models.DocPatchData{BaseVersion: 0, Content: "World"}),
	})
	var stale *docsync.StaleVersionError
	if !errors.As(err, &stale) {
		t.Fatalf("B's stale patch error = %v, want StaleVersionError", err)
	}
	if stale.Version != 1 || stale.Content != "Hello" {
		t.Fatalf("stale error carries %+v, want v1 Hello", stale)
	}

	// B rebases and resubmits: accepted, version 2, broadcast to A.
	got, err = r.Dispatch(b, models.ClientMessage{
		Type:    models.KindDocPatch,
		RoomKey: "doc:42",
		Data:    raw(t, models.DocPatchData{BaseVersion: 1, Content: "Hello World"}),
	})
	if err != nil {
		t.Fatalf("B's rebased patch rejected: %v", err)
	}
	if state := got.(models.DocStateData); state.Version != 2 {
		t.Fatalf("B's accepted state = %+v, want version 2", state)
	}

	events := a.events(t)
	last := events[len(events)-1]
	if last.Kind != models.KindDocPatch {
		t.Fatalf("A's last event kind = %s", last.Kind)
	}
	data := last.Data.(map[string]any)
	if data["version"].(float64) != 2 || data["content"].(string) != "Hello World" {
		t.Errorf("A's last doc_patch = %+v, want v2 'Hello World'", data)
	}
}

func TestTypingAggregateLastEventWins(t *testing.T) {
	r := NewRegistry(Deps{})
	tab1 := member("tab1", "userA")
	tab2 := member("tab2", "userA")
	other := member("cW", "userW")
	mustJoin(t, r, tab1, "chat:9")
	mustJoin(t, r, tab2, "chat:9")
	mustJoin(t, r, other, "chat:9")

	start := models.ClientMessage{Type: models.KindTyping, RoomKey: "chat:9", Data: raw(t, models.TypingData{Typing: true})}
	stop := models.ClientMessage{Type: models.KindTyping, RoomKey: "chat:9", Data: raw(t, models.TypingData{Typing: false})}

	if _, err := r.Dispatch(tab1, start); err != nil {
		t.Fatalf("typing start failed: %v", err)
	}
	if _, err := r.Dispatch(tab2, stop); err != nil {
		t.Fatalf("typing stop failed: %v", err)
	}

	r.mu.Lock()
	handler := r.rooms["chat:9"].handler.(*chatHandler)
	r.mu.Unlock()
	if users := handler.TypingUsers(); len(users) != 0 {
		t.Errorf("aggregate reports %v still typing, want none", users)
	}

	events := other.events(t)
	if len(events) != 2 {
		t.Fatalf("observer saw %d typing events, want 2", len(events))
	}
	last := events[1].Data.(map[string]any)
	if last["typing"].(bool) {
		t.Errorf("final observed state is typing, want not typing")
	}
}

func TestChatMessageFillsAuthorAndStopsTyping(t *testing.T) {
	r := NewRegistry(Deps{})
	a := member("c1", "u1")
	b := member("c2", "u2")
	mustJoin(t, r, a, "chat:3")
	mustJoin(t, r, b, "chat:3")

	if _, err := r.Dispatch(a, models.ClientMessage{
		Type: models.KindTyping, RoomKey: "chat:3", Data: raw(t, models.TypingData{Typing: true}),
	}); err != nil {
		t.Fatalf("typing failed: %v", err)
	}

	got, err := r.Dispatch(a, models.ClientMessage{
		Type: models.KindMessageSent, RoomKey: "chat:3", Data: raw(t, models.MessageSentData{Text: "hi"}),
	})
	if err != nil {
		t.Fatalf("message_sent failed: %v", err)
	}
	msg := got.(models.MessageSentData)
	if msg.ID == "" || msg.AuthorID != "u1" || msg.AuthorName != "User u1" {
		t.Errorf("message not filled in: %+v", msg)
	}

	r.mu.Lock()
	handler := r.rooms["chat:3"].handler.(*chatHandler)
	r.mu.Unlock()
	if users := handler.TypingUsers(); len(users) != 0 {
		t.Errorf("author still typing after sending: %v", users)
	}
}

type fakeActivity struct {
	mu    sync.Mutex
	items []models.ActivityItem
}

func (f *fakeActivity) Append(_ context.Context, scope string, item models.ActivityItem) (models.ActivityItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item.Scope = scope
	item.Seq = int64(len(f.items) + 1)
	item.ID = fmt.Sprintf("item-%d", item.Seq)
	f.items = append(f.items, item)
	return item, nil
}

func TestFieldUpdateBroadcastsAndLogsActivity(t *testing.T) {
	feed := &fakeActivity{}
	r := NewRegistry(Deps{Activity: feed})
	a := member("c1", "u1")
	b := member("c2", "u2")
	mustJoin(t, r, a, "case:7")
	mustJoin(t, r, b, "case:7")

	if _, err := r.Dispatch(a, models.ClientMessage{
		Type:    models.KindFieldUpdated,
		RoomKey: "case:7",
		Data:    raw(t, models.FieldUpdateData{Field: "status", Value: "closed"}),
	}); err != nil {
		t.Fatalf("field_updated failed: %v", err)
	}

	feed.mu.Lock()
	items := len(feed.items)
	feed.mu.Unlock()
	if items != 1 {
		t.Fatalf("activity feed has %d items, want 1", items)
	}

	events := b.events(t)
	if len(events) != 2 {
		t.Fatalf("other member saw %d events, want field_updated + activity_item", len(events))
	}
	if events[0].Kind != models.KindFieldUpdated || events[1].Kind != models.KindActivityItem {
		t.Errorf("event kinds = %s, %s", events[0].Kind, events[1].Kind)
	}
	if len(a.events(t)) != 0 {
		t.Errorf("sender received echoes of its own action")
	}
}
