package session

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"glyph-sync-server/internal/binding"
	"glyph-sync-server/internal/channel"
	"glyph-sync-server/internal/domain"
	"glyph-sync-server/internal/handler"
	"glyph-sync-server/internal/repository"
	"glyph-sync-server/internal/service"
	"glyph-sync-server/internal/storage"
	"glyph-sync-server/internal/websocket"
)

const (
	waitFor = 3 * time.Second
	tick    = 10 * time.Millisecond
)

func startRelay(t *testing.T) string {
	t.Helper()
	url, _ := startGatedRelay(t)
	return url
}

// startGatedRelay answers 503 to every request while down is set.
func startGatedRelay(t *testing.T) (string, *atomic.Bool) {
	t.Helper()
	down := &atomic.Bool{}

	manager := websocket.NewManager(websocket.DefaultConfig(), nil)
	rooms := service.NewRoomService(
		repository.NewMemoryRoomRepository(),
		repository.NewMemorySnapshotRepository(),
		manager, nil, nil, service.RoomServiceConfig{}, nil,
	)
	manager.SetMessageHandler(handler.NewWebSocketMessageHandler(rooms))
	manager.SetRoomListener(rooms)

	ctx, cancel := context.WithCancel(context.Background())
	go manager.Run(ctx)

	r := mux.NewRouter()
	r.HandleFunc("/ws/{room}", handler.NewWebSocketHandler(manager, 1024, 1024, nil).HandleConnection)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if down.Load() {
			http.Error(w, "relay down", http.StatusServiceUnavailable)
			return
		}
		r.ServeHTTP(w, req)
	}))
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws", down
}

func unreachableURL(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return "ws://" + addr + "/ws"
}

func offline(t *testing.T, opts ...Option) *Session {
	t.Helper()
	s := New(Config{ClientID: "c1", User: domain.PresenceUser{ID: "u1", Name: "Ada"}, Offline: true}, opts...)
	t.Cleanup(s.Close)
	return s
}

func TestOpenTaskOffline(t *testing.T) {
	s := offline(t)

	task, err := s.OpenTask(context.Background(), "t1", binding.Snapshots{Input: map[string]any{"text": "hi"}})
	require.NoError(t, err)
	assert.Nil(t, task.Channel)
	assert.Same(t, task, s.Task())

	require.NoError(t, task.Bindings.Set("output.label", "cat"))
	v, ok := task.Bindings.Resolve("output.label")
	require.True(t, ok)
	assert.Equal(t, "cat", v)

	assert.True(t, task.Undo.Status().CanUndo)
	require.True(t, task.Undo.Undo())
	_, ok = task.Doc.Get("label")
	assert.False(t, ok)
}

func TestOpenTaskRequiresID(t *testing.T) {
	s := offline(t)
	_, err := s.OpenTask(context.Background(), "", binding.Snapshots{})
	assert.ErrorIs(t, err, channel.ErrMissingTaskID)
}

func TestSwitchingTasksReleasesPrevious(t *testing.T) {
	s := offline(t)

	first, err := s.OpenTask(context.Background(), "t1", binding.Snapshots{})
	require.NoError(t, err)
	require.NoError(t, first.Bindings.Set("output.label", "cat"))

	second, err := s.OpenTask(context.Background(), "t2", binding.Snapshots{})
	require.NoError(t, err)

	assert.True(t, first.Doc.Destroyed())
	assert.False(t, first.Undo.Status().CanUndo)
	assert.False(t, second.Undo.Status().CanUndo)
	_, ok := second.Doc.Get("label")
	assert.False(t, ok)
}

func TestCloseIsIdempotent(t *testing.T) {
	s := New(Config{Offline: true})
	task, err := s.OpenTask(context.Background(), "t1", binding.Snapshots{})
	require.NoError(t, err)

	s.Close()
	s.Close()

	assert.True(t, task.Doc.Destroyed())
	assert.Nil(t, s.Task())
	_, err = s.OpenTask(context.Background(), "t2", binding.Snapshots{})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSessionsAreIsolated(t *testing.T) {
	a := offline(t)
	b := offline(t)

	_, err := a.Schemas.Compile("s", []byte(`{"type": "object"}`))
	require.NoError(t, err)
	_, err = a.Shortcuts.Register(domain.Shortcut{ID: "save", Key: "ctrl+s", Enabled: true})
	require.NoError(t, err)

	assert.Equal(t, 1, a.Schemas.Len())
	assert.Equal(t, 0, b.Schemas.Len())
	assert.Equal(t, 0, b.Shortcuts.Len())
	assert.NotEmpty(t, New(Config{}).ClientID())
}

func TestOutputSchemaWiredIntoBindings(t *testing.T) {
	s := New(Config{Offline: true, OutputSchemaID: "labels", BlockInvalid: true})
	t.Cleanup(s.Close)
	_, err := s.Schemas.Compile("labels", []byte(`{"type": "object", "properties": {"label": {"enum": ["cat"]}}}`))
	require.NoError(t, err)

	task, err := s.OpenTask(context.Background(), "t1", binding.Snapshots{})
	require.NoError(t, err)

	assert.ErrorIs(t, task.Bindings.Set("output.label", "dog"), binding.ErrValidationFailed)
	assert.NoError(t, task.Bindings.Set("output.label", "cat"))
}

func TestOnlineSessionsConverge(t *testing.T) {
	url := startRelay(t)
	dir := t.TempDir()

	newOnline := func(id string) *Session {
		cfg := channel.DefaultConfig()
		cfg.ServerURL = url
		cfg.InitialBackoff = 10 * time.Millisecond
		s := New(Config{ClientID: id, User: domain.PresenceUser{ID: id, Name: id}, Channel: cfg},
			WithStoreFactory(func(taskID string) (storage.Store, error) {
				return storage.OpenBolt(filepath.Join(dir, id+"-"+taskID+".db"))
			}))
		t.Cleanup(s.Close)
		return s
	}

	a := newOnline("a")
	b := newOnline("b")

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	ta, err := a.OpenTask(ctx, "42", binding.Snapshots{})
	require.NoError(t, err)
	tb, err := b.OpenTask(ctx, "42", binding.Snapshots{})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return ta.Channel.Status().Synced && tb.Channel.Status().Synced }, waitFor, tick)

	require.NoError(t, ta.Bindings.Set("output.label", "cat"))
	require.Eventually(t, func() bool {
		v, ok := tb.Bindings.Resolve("output.label")
		return ok && v == "cat"
	}, waitFor, tick)

	a.CloseTask()
	assert.False(t, ta.Channel.Status().Connected)
}

func TestOpenTaskBoundsFirstDial(t *testing.T) {
	cfg := channel.DefaultConfig()
	cfg.ServerURL = unreachableURL(t)
	cfg.InitialBackoff = 10 * time.Millisecond
	s := New(Config{ClientID: "c1", Channel: cfg, ConnectTimeout: 100 * time.Millisecond})
	t.Cleanup(s.Close)

	start := time.Now()
	task, err := s.OpenTask(context.Background(), "t1", binding.Snapshots{})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.False(t, task.Channel.Status().Connected)

	// the task stays usable offline
	require.NoError(t, task.Bindings.Set("output.label", "cat"))
	assert.Equal(t, 1, task.Channel.Pending())
}

func TestSessionUsableWhileDialing(t *testing.T) {
	cfg := channel.DefaultConfig()
	cfg.ServerURL = unreachableURL(t)
	cfg.InitialBackoff = 10 * time.Millisecond
	s := New(Config{ClientID: "c1", Channel: cfg, ConnectTimeout: time.Minute})
	t.Cleanup(s.Close)

	opened := make(chan error, 1)
	go func() {
		_, err := s.OpenTask(context.Background(), "t1", binding.Snapshots{})
		opened <- err
	}()

	require.Eventually(t, func() bool { return s.Task() != nil }, waitFor, tick)

	start := time.Now()
	s.CloseTask()
	assert.Less(t, time.Since(start), waitFor)
	assert.Nil(t, s.Task())

	select {
	case err := <-opened:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("OpenTask kept dialing after its task was closed")
	}
}

func TestReopenedTaskWritesWinAfterReconnect(t *testing.T) {
	url, down := startGatedRelay(t)

	newOnline := func(id string) *Session {
		cfg := channel.DefaultConfig()
		cfg.ServerURL = url
		cfg.InitialBackoff = 10 * time.Millisecond
		cfg.MaxBackoff = 50 * time.Millisecond
		s := New(Config{
			ClientID:       id,
			User:           domain.PresenceUser{ID: id, Name: id},
			Channel:        cfg,
			ConnectTimeout: 200 * time.Millisecond,
		})
		t.Cleanup(s.Close)
		return s
	}
	alice := newOnline("alice")
	bob := newOnline("bob")

	ctx := context.Background()
	ta, err := alice.OpenTask(ctx, "7", binding.Snapshots{})
	require.NoError(t, err)
	tb, err := bob.OpenTask(ctx, "7", binding.Snapshots{})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return ta.Channel.Status().Synced && tb.Channel.Status().Synced }, waitFor, tick)

	for _, v := range []string{"old", "older", "older-still"} {
		require.NoError(t, ta.Bindings.Set("output.label", v))
	}
	require.Eventually(t, func() bool {
		v, _ := tb.Bindings.Resolve("output.label")
		return v == "older-still"
	}, waitFor, tick)

	alice.CloseTask()
	down.Store(true)

	ta, err = alice.OpenTask(ctx, "7", binding.Snapshots{})
	require.NoError(t, err)
	require.False(t, ta.Channel.Status().Connected)
	require.NoError(t, ta.Bindings.Set("output.label", "NEW"))

	down.Store(false)
	require.Eventually(t, func() bool { return ta.Channel.Status().Synced }, waitFor, tick)

	require.Eventually(t, func() bool {
		a, _ := ta.Bindings.Resolve("output.label")
		b, _ := tb.Bindings.Resolve("output.label")
		return a == "NEW" && b == "NEW"
	}, waitFor, tick)
}
