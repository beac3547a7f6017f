package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"glyph-sync-server/internal/crdt"
	"glyph-sync-server/internal/domain"
	"glyph-sync-server/internal/repository"
	"glyph-sync-server/internal/websocket"
)

type broadcast struct {
	room    string
	msg     *websocket.Message
	exclude string
}

type mockHub struct {
	mu         sync.Mutex
	broadcasts []broadcast
	presence   map[string][]byte
}

func newMockHub() *mockHub {
	return &mockHub{presence: make(map[string][]byte)}
}

func (h *mockHub) BroadcastToRoom(room string, msg *websocket.Message, exclude string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.broadcasts = append(h.broadcasts, broadcast{room, msg, exclude})
	return nil
}

func (h *mockHub) SetPresence(room, clientID string, payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if payload == nil {
		delete(h.presence, room+"/"+clientID)
		return
	}
	h.presence[room+"/"+clientID] = payload
}

func (h *mockHub) sent() []broadcast {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]broadcast(nil), h.broadcasts...)
}

type mockRoomRepo struct {
	mu      sync.Mutex
	rooms   map[string]*domain.RoomState
	saveErr error
	saves   int
}

func newMockRoomRepo() *mockRoomRepo {
	return &mockRoomRepo{rooms: make(map[string]*domain.RoomState)}
}

func (m *mockRoomRepo) Load(ctx context.Context, room string) (*domain.RoomState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.rooms[room]; ok {
		cp := *s
		return &cp, nil
	}
	return nil, repository.ErrRoomNotFound
}

func (m *mockRoomRepo) Save(ctx context.Context, state *domain.RoomState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	if m.saveErr != nil {
		return m.saveErr
	}
	cp := *state
	m.rooms[state.Room] = &cp
	return nil
}

func (m *mockRoomRepo) Delete(ctx context.Context, room string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rooms, room)
	return nil
}

type mockRoomMetrics struct {
	mu            sync.Mutex
	applied       int
	rejected      int
	persistErrors int
	active        int
}

func (m *mockRoomMetrics) UpdateApplied() {
	m.mu.Lock()
	m.applied++
	m.mu.Unlock()
}

func (m *mockRoomMetrics) UpdateRejected() {
	m.mu.Lock()
	m.rejected++
	m.mu.Unlock()
}

func (m *mockRoomMetrics) RoomsActive(n int) {
	m.mu.Lock()
	m.active = n
	m.mu.Unlock()
}

func (m *mockRoomMetrics) ObservePersist(d time.Duration, err error) {
	if err != nil {
		m.mu.Lock()
		m.persistErrors++
		m.mu.Unlock()
	}
}

type fixture struct {
	svc       *RoomService
	hub       *mockHub
	repo      *mockRoomRepo
	snapshots repository.SnapshotRepository
	metrics   *mockRoomMetrics
	now       time.Time
}

func newFixture(t *testing.T, cfg RoomServiceConfig) *fixture {
	t.Helper()
	f := &fixture{
		hub:       newMockHub(),
		repo:      newMockRoomRepo(),
		snapshots: repository.NewMemorySnapshotRepository(),
		metrics:   &mockRoomMetrics{},
		now:       time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	f.svc = NewRoomService(f.repo, f.snapshots, f.hub, nil, f.metrics, cfg, nil)
	f.svc.now = func() time.Time { return f.now }
	return f
}

// clientUpdate returns the update a client replica produces for one write.
func clientUpdate(t *testing.T, clientID, field string, value any) []byte {
	t.Helper()
	doc := crdt.New(clientID)
	defer doc.Destroy()

	var update []byte
	doc.Subscribe(func(c crdt.Change) { update = c.Update })
	if err := doc.Set(field, value, domain.OriginUserAction); err != nil {
		t.Fatalf("set: %v", err)
	}
	return update
}

func TestApplyUpdateMergesAndRelays(t *testing.T) {
	f := newFixture(t, RoomServiceConfig{})
	ctx := context.Background()

	update := clientUpdate(t, "c1", "label", "cat")
	if err := f.svc.ApplyUpdate(ctx, "task:1", "c1", update); err != nil {
		t.Fatalf("ApplyUpdate: %v", err)
	}

	state, err := f.svc.State(ctx, "task:1")
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if state["label"] != "cat" {
		t.Errorf("expected label cat, got %v", state["label"])
	}

	sent := f.hub.sent()
	if len(sent) != 1 {
		t.Fatalf("expected 1 broadcast, got %d", len(sent))
	}
	if sent[0].exclude != "c1" || sent[0].msg.Type != websocket.TypeUpdate {
		t.Errorf("unexpected broadcast %+v", sent[0])
	}
	if f.metrics.applied != 1 {
		t.Errorf("expected 1 applied update, got %d", f.metrics.applied)
	}
}

func TestApplyUpdateRejectsMalformed(t *testing.T) {
	f := newFixture(t, RoomServiceConfig{})
	ctx := context.Background()

	err := f.svc.ApplyUpdate(ctx, "task:1", "c1", []byte("not an update"))
	if !errors.Is(err, crdt.ErrMalformedUpdate) {
		t.Fatalf("expected ErrMalformedUpdate, got %v", err)
	}
	if len(f.hub.sent()) != 0 {
		t.Error("malformed update must not be relayed")
	}
	if f.metrics.rejected != 1 {
		t.Errorf("expected 1 rejection, got %d", f.metrics.rejected)
	}
}

func TestInvalidRoomName(t *testing.T) {
	f := newFixture(t, RoomServiceConfig{})

	for _, room := range []string{"", "task:", "notes:1", "task:a b"} {
		if _, err := f.svc.Acquire(context.Background(), room); !errors.Is(err, ErrInvalidRoom) {
			t.Errorf("room %q: expected ErrInvalidRoom, got %v", room, err)
		}
	}
}

func TestSyncReturnsMergedState(t *testing.T) {
	f := newFixture(t, RoomServiceConfig{})
	ctx := context.Background()

	if err := f.svc.ApplyUpdate(ctx, "task:1", "c1", clientUpdate(t, "c1", "a", 1)); err != nil {
		t.Fatal(err)
	}

	client := crdt.New("c2")
	defer client.Destroy()
	if err := client.Set("b", 2, domain.OriginUserAction); err != nil {
		t.Fatal(err)
	}

	reply, err := f.svc.Sync(ctx, "task:1", client.EncodeState())
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if err := client.MergeRemote(reply); err != nil {
		t.Fatalf("merge reply: %v", err)
	}

	got := client.Snapshot()
	if got["a"] != 1.0 || got["b"] != 2.0 {
		t.Errorf("unexpected client state after sync: %v", got)
	}
}

func TestApplyAwarenessStoresAndRelays(t *testing.T) {
	f := newFixture(t, RoomServiceConfig{})
	ctx := context.Background()

	state := &domain.PresenceState{ClientID: "c1", User: domain.PresenceUser{ID: "u", Name: "U"}}
	if err := f.svc.ApplyAwareness(ctx, "task:1", &websocket.AwarenessPayload{ClientID: "c1", State: state}); err != nil {
		t.Fatal(err)
	}
	if _, ok := f.hub.presence["task:1/c1"]; !ok {
		t.Error("expected presence to be stored")
	}

	if err := f.svc.ApplyAwareness(ctx, "task:1", &websocket.AwarenessPayload{ClientID: "c1"}); err != nil {
		t.Fatal(err)
	}
	if _, ok := f.hub.presence["task:1/c1"]; ok {
		t.Error("expected presence to be cleared")
	}
	if n := len(f.hub.sent()); n != 2 {
		t.Errorf("expected 2 broadcasts, got %d", n)
	}
}

func TestFlushPersistsAndEvictsIdleRooms(t *testing.T) {
	f := newFixture(t, RoomServiceConfig{IdleTTL: time.Minute})
	ctx := context.Background()

	if err := f.svc.ApplyUpdate(ctx, "task:1", "c1", clientUpdate(t, "c1", "label", "cat")); err != nil {
		t.Fatal(err)
	}

	f.svc.Flush(ctx, false)
	stored, err := f.repo.Load(ctx, "task:1")
	if err != nil {
		t.Fatalf("room was not persisted: %v", err)
	}
	if stored.Updates != 1 {
		t.Errorf("expected 1 update recorded, got %d", stored.Updates)
	}

	f.svc.ClientLeft("task:1", "c1", 0)
	f.now = f.now.Add(30 * time.Second)
	f.svc.Flush(ctx, false)
	if len(f.svc.ActiveRooms()) != 1 {
		t.Fatal("room evicted before idle TTL")
	}

	f.now = f.now.Add(time.Minute)
	f.svc.Flush(ctx, false)
	if len(f.svc.ActiveRooms()) != 0 {
		t.Fatal("idle room was not evicted")
	}
	if f.metrics.active != 0 {
		t.Errorf("expected 0 active rooms, got %d", f.metrics.active)
	}

	state, err := f.svc.State(ctx, "task:1")
	if err != nil {
		t.Fatal(err)
	}
	if state["label"] != "cat" {
		t.Errorf("reloaded room lost state: %v", state)
	}
}

func TestRejoinCancelsIdleEviction(t *testing.T) {
	f := newFixture(t, RoomServiceConfig{IdleTTL: time.Second})
	ctx := context.Background()

	if _, err := f.svc.Acquire(ctx, "task:1"); err != nil {
		t.Fatal(err)
	}
	f.svc.ClientLeft("task:1", "c1", 0)
	if _, err := f.svc.Acquire(ctx, "task:1"); err != nil {
		t.Fatal(err)
	}

	f.now = f.now.Add(time.Hour)
	f.svc.Flush(ctx, false)
	if len(f.svc.ActiveRooms()) != 1 {
		t.Error("room in use must not be evicted")
	}
}

func TestPersistFailureKeepsRoomDirty(t *testing.T) {
	f := newFixture(t, RoomServiceConfig{})
	ctx := context.Background()
	f.repo.saveErr = errors.New("couch unavailable")

	if err := f.svc.ApplyUpdate(ctx, "task:1", "c1", clientUpdate(t, "c1", "a", 1)); err != nil {
		t.Fatal(err)
	}
	f.svc.Flush(ctx, true)

	if len(f.svc.ActiveRooms()) != 1 {
		t.Error("dirty room must not be evicted")
	}
	if f.metrics.persistErrors != 1 {
		t.Errorf("expected 1 persist error, got %d", f.metrics.persistErrors)
	}

	f.repo.saveErr = nil
	f.svc.Flush(ctx, true)
	if len(f.svc.ActiveRooms()) != 0 {
		t.Error("room should be released once persisted")
	}
	if _, err := f.repo.Load(ctx, "task:1"); err != nil {
		t.Errorf("expected stored room, got %v", err)
	}
}

func TestSnapshotsTakenAndPruned(t *testing.T) {
	f := newFixture(t, RoomServiceConfig{SnapshotEvery: 2, KeepSnapshots: 2})
	ctx := context.Background()

	for i, field := range []string{"a", "b"} {
		if err := f.svc.ApplyUpdate(ctx, "task:1", "c1", clientUpdate(t, "c1", field, i)); err != nil {
			t.Fatal(err)
		}
	}
	f.svc.Flush(ctx, false)

	snaps, err := f.svc.Snapshots(ctx, "task:1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(snaps) != 1 || snaps[0].Seq != 1 || snaps[0].Fields != 2 {
		t.Fatalf("unexpected snapshots after flush: %+v", snaps)
	}

	for i := 0; i < 3; i++ {
		if _, err := f.svc.TakeSnapshot(ctx, "task:1"); err != nil {
			t.Fatal(err)
		}
	}
	snaps, err = f.svc.Snapshots(ctx, "task:1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(snaps) != 2 || snaps[0].Seq != 4 {
		t.Errorf("expected seqs [4 3], got %+v", snaps)
	}
}

func TestDeliverRemote(t *testing.T) {
	f := newFixture(t, RoomServiceConfig{})
	ctx := context.Background()

	if _, err := f.svc.Acquire(ctx, "task:1"); err != nil {
		t.Fatal(err)
	}

	msg, err := websocket.NewMessage(websocket.TypeUpdate, "task:1", &websocket.UpdatePayload{
		ClientID: "remote",
		Update:   clientUpdate(t, "remote", "label", "far"),
	})
	if err != nil {
		t.Fatal(err)
	}
	f.svc.DeliverRemote("task:1", msg)

	state, _ := f.svc.State(ctx, "task:1")
	if state["label"] != "far" {
		t.Errorf("relayed update not merged: %v", state)
	}

	leave, _ := websocket.NewMessage(websocket.TypeAwareness, "task:1", &websocket.AwarenessPayload{ClientID: "remote"})
	f.svc.DeliverRemote("task:1", leave)

	sent := f.hub.sent()
	if len(sent) != 2 {
		t.Fatalf("expected 2 local broadcasts, got %d", len(sent))
	}
	var payload websocket.AwarenessPayload
	if err := json.Unmarshal(sent[1].msg.Payload, &payload); err != nil {
		t.Fatal(err)
	}
	if payload.ClientID != "remote" || payload.State != nil {
		t.Errorf("unexpected awareness relay %+v", payload)
	}
}

func TestRunFlushesOnShutdown(t *testing.T) {
	f := newFixture(t, RoomServiceConfig{PersistInterval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())

	if err := f.svc.ApplyUpdate(ctx, "task:9", "c1", clientUpdate(t, "c1", "a", true)); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- f.svc.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop")
	}

	if _, err := f.repo.Load(context.Background(), "task:9"); err != nil {
		t.Errorf("room not flushed on shutdown: %v", err)
	}
}
