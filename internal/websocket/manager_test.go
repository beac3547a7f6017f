package websocket

import (
	"context"
	"sync"
	"testing"
	"time"
)

type leftEvent struct {
	room      string
	clientID  string
	remaining int
}

type mockListener struct {
	mu     sync.Mutex
	events []leftEvent
}

func (l *mockListener) ClientLeft(room, clientID string, remaining int) {
	l.mu.Lock()
	l.events = append(l.events, leftEvent{room, clientID, remaining})
	l.mu.Unlock()
}

func (l *mockListener) all() []leftEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]leftEvent(nil), l.events...)
}

func recv(t *testing.T, c *Client) *Message {
	t.Helper()
	select {
	case data, ok := <-c.Send:
		if !ok {
			t.Fatalf("send channel of %s closed", c.ID)
		}
		msg, err := DecodeMessage(data)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		return msg
	default:
		t.Fatalf("no message queued for %s", c.ID)
		return nil
	}
}

func TestPresenceReplayedToLateJoiner(t *testing.T) {
	m := NewManager(DefaultConfig(), nil)
	a := NewClient("a", "task:1", nil, m)
	m.registerClient(a)
	m.SetPresence("task:1", "a", []byte(`{"client_id":"a","state":{"clientId":"a"}}`))

	b := NewClient("b", "task:1", nil, m)
	m.registerClient(b)

	msg := recv(t, b)
	if msg.Type != TypeAwareness {
		t.Fatalf("expected awareness replay, got %s", msg.Type)
	}
	var p AwarenessPayload
	if err := msg.UnmarshalPayload(&p); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if p.ClientID != "a" {
		t.Errorf("expected presence of a, got %q", p.ClientID)
	}
	if len(a.Send) != 0 {
		t.Errorf("first client should not receive its own presence")
	}
}

func TestUnregisterClearsGhostPresence(t *testing.T) {
	m := NewManager(DefaultConfig(), nil)
	listener := &mockListener{}
	m.SetRoomListener(listener)

	a := NewClient("a", "task:1", nil, m)
	b := NewClient("b", "task:1", nil, m)
	m.registerClient(a)
	m.registerClient(b)
	m.SetPresence("task:1", "a", []byte(`{"client_id":"a"}`))

	m.unregisterClient(a)

	msg := recv(t, b)
	var p AwarenessPayload
	if err := msg.UnmarshalPayload(&p); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if p.ClientID != "a" || p.State != nil {
		t.Errorf("expected null presence for a, got %+v", p)
	}
	if _, ok := <-a.Send; ok {
		t.Error("departed client's send channel should be closed")
	}
	m.dispatcher.wait()
	if events := listener.all(); len(events) != 1 || events[0] != (leftEvent{"task:1", "a", 1}) {
		t.Errorf("unexpected listener events: %+v", events)
	}

	m.unregisterClient(b)
	if rooms := m.Rooms(); len(rooms) != 0 {
		t.Errorf("empty room should be removed, got %v", rooms)
	}
	if len(m.presence) != 0 {
		t.Errorf("presence should be empty, got %v", m.presence)
	}
}

func TestRoomCapacityAndDuplicates(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxClientsPerRoom = 1
	m := NewManager(cfg, nil)

	a := NewClient("a", "task:1", nil, m)
	m.registerClient(a)

	full := NewClient("b", "task:1", nil, m)
	m.registerClient(full)
	if _, ok := <-full.Send; ok {
		t.Error("client over capacity should be rejected")
	}

	dup := NewClient("a", "task:2", nil, m)
	m.registerClient(dup)
	if _, ok := <-dup.Send; ok {
		t.Error("duplicate client id should be rejected")
	}
	if m.RoomClients("task:1") != 1 || m.RoomClients("task:2") != 0 {
		t.Errorf("unexpected room sizes")
	}
}

func TestBroadcastExcludesSender(t *testing.T) {
	m := NewManager(DefaultConfig(), nil)
	a := NewClient("a", "task:1", nil, m)
	b := NewClient("b", "task:1", nil, m)
	other := NewClient("c", "task:2", nil, m)
	m.registerClient(a)
	m.registerClient(b)
	m.registerClient(other)

	msg, err := NewMessage(TypeUpdate, "task:1", &UpdatePayload{ClientID: "a", Update: []byte("x")})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.BroadcastToRoom("task:1", msg, "a"); err != nil {
		t.Fatal(err)
	}

	if got := recv(t, b); got.Type != TypeUpdate {
		t.Errorf("expected update, got %s", got.Type)
	}
	if len(a.Send) != 0 || len(other.Send) != 0 {
		t.Error("sender and other rooms must not receive the update")
	}
}

func TestRunStopsAndRejectsJoins(t *testing.T) {
	m := NewManager(DefaultConfig(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	a := NewClient("a", "task:1", nil, m)
	if !m.Join(a) {
		t.Fatal("join should succeed while running")
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop")
	}
	if m.Join(NewClient("b", "task:1", nil, m)) {
		t.Error("join after shutdown should fail")
	}
	if _, ok := <-a.Send; ok {
		t.Error("shutdown should close client channels")
	}
}

// roomGatedHandler blocks every message for slowRoom until release is closed.
type roomGatedHandler struct {
	slowRoom string
	release  chan struct{}

	mu   sync.Mutex
	seen []string
}

func (h *roomGatedHandler) HandleWebSocketMessage(c *Client, msg *Message) error {
	if c.Room == h.slowRoom {
		<-h.release
	}
	var p UpdatePayload
	if err := msg.UnmarshalPayload(&p); err != nil {
		return err
	}
	h.mu.Lock()
	h.seen = append(h.seen, c.Room+"/"+string(p.Update))
	h.mu.Unlock()
	return nil
}

func (h *roomGatedHandler) all() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.seen...)
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSlowRoomDoesNotStallOthers(t *testing.T) {
	m := NewManager(DefaultConfig(), nil)
	h := &roomGatedHandler{slowRoom: "task:slow", release: make(chan struct{})}
	m.SetMessageHandler(h)
	listener := &mockListener{}
	m.SetRoomListener(listener)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	slow := NewClient("s", "task:slow", nil, m)
	fast := NewClient("f", "task:fast", nil, m)
	if !m.Join(slow) || !m.Join(fast) {
		t.Fatal("join should succeed while running")
	}

	send := func(c *Client, update string) {
		msg, err := NewMessage(TypeUpdate, c.Room, &UpdatePayload{ClientID: c.ID, Update: []byte(update)})
		if err != nil {
			t.Fatal(err)
		}
		data, err := msg.Encode()
		if err != nil {
			t.Fatal(err)
		}
		m.HandleMessage <- &ClientMessage{Client: c, Message: data}
	}

	send(slow, "1")
	send(slow, "2")
	send(fast, "1")

	eventually(t, func() bool {
		seen := h.all()
		return len(seen) == 1 && seen[0] == "task:fast/1"
	})

	// the run loop still takes registrations and departures
	late := NewClient("l", "task:fast", nil, m)
	if !m.Join(late) {
		t.Fatal("join should succeed while a room is busy")
	}
	m.unregister(late)
	eventually(t, func() bool { return len(listener.all()) == 1 })

	close(h.release)
	eventually(t, func() bool { return len(h.all()) == 3 })
	if seen := h.all(); seen[1] != "task:slow/1" || seen[2] != "task:slow/2" {
		t.Errorf("messages of one room must keep their order, got %v", seen)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run returned %v", err)
	}
}

func TestRoomBacklogDropsExcessMessages(t *testing.T) {
	d := newRoomDispatcher(1)
	release := make(chan struct{})

	var ran sync.WaitGroup
	ran.Add(1)
	if !d.dispatch("r", func() { ran.Done(); <-release }, true) {
		t.Fatal("first job should be queued")
	}
	ran.Wait()

	if !d.dispatch("r", func() {}, true) {
		t.Fatal("second job fits the backlog")
	}
	if d.dispatch("r", func() {}, true) {
		t.Error("third job should be dropped")
	}
	if !d.dispatch("r", func() {}, false) {
		t.Error("non-droppable jobs are always queued")
	}
	if !d.dispatch("other", func() {}, true) {
		t.Error("other rooms have their own backlog")
	}

	close(release)
	d.wait()
}
