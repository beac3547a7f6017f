package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"glyph-sync-server/internal/crdt"
	"glyph-sync-server/internal/domain"
	"glyph-sync-server/internal/repository"
	"glyph-sync-server/internal/websocket"
)

var ErrInvalidRoom = errors.New("invalid room name")

// Hub is the part of the websocket manager the room service talks to.
type Hub interface {
	BroadcastToRoom(room string, msg *websocket.Message, excludeClientID string) error
	SetPresence(room, clientID string, payload []byte)
}

type RoomMetrics interface {
	UpdateApplied()
	UpdateRejected()
	RoomsActive(n int)
	ObservePersist(d time.Duration, err error)
}

type nopRoomMetrics struct{}

func (nopRoomMetrics) UpdateApplied()                    {}
func (nopRoomMetrics) UpdateRejected()                   {}
func (nopRoomMetrics) RoomsActive(int)                   {}
func (nopRoomMetrics) ObservePersist(time.Duration, error) {}

type RoomServiceConfig struct {
	InstanceID      string
	PersistInterval time.Duration
	IdleTTL         time.Duration
	SnapshotEvery   int64
	KeepSnapshots   int
}

func DefaultRoomServiceConfig() RoomServiceConfig {
	return RoomServiceConfig{
		InstanceID:      "local",
		PersistInterval: 2 * time.Second,
		IdleTTL:         30 * time.Second,
		SnapshotEvery:   200,
		KeepSnapshots:   10,
	}
}

type rejectCounter struct{ m RoomMetrics }

func (c rejectCounter) Inc() { c.m.UpdateRejected() }

type roomReplica struct {
	doc         *crdt.Document
	unsubscribe func()

	dirty         atomic.Bool
	updates       atomic.Int64
	sinceSnapshot atomic.Int64

	// guarded by RoomService.mu
	idleSince time.Time
	seq       int64
}

// RoomService owns one server-side replica per active room, persists it to
// CouchDB and relays traffic between local clients and other instances.
type RoomService struct {
	roomRepo     repository.RoomRepository
	snapshotRepo repository.SnapshotRepository
	hub          Hub
	fanout       Fanout
	metrics      RoomMetrics
	cfg          RoomServiceConfig
	logger       *slog.Logger
	now          func() time.Time

	mu    sync.Mutex
	rooms map[string]*roomReplica
	loads singleflight.Group
}

func NewRoomService(
	roomRepo repository.RoomRepository,
	snapshotRepo repository.SnapshotRepository,
	hub Hub,
	fanout Fanout,
	metrics RoomMetrics,
	cfg RoomServiceConfig,
	logger *slog.Logger,
) *RoomService {
	if fanout == nil {
		fanout = NewNopFanout()
	}
	if metrics == nil {
		metrics = nopRoomMetrics{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultRoomServiceConfig()
	if cfg.InstanceID == "" {
		cfg.InstanceID = def.InstanceID
	}
	if cfg.PersistInterval <= 0 {
		cfg.PersistInterval = def.PersistInterval
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = def.IdleTTL
	}
	if cfg.KeepSnapshots <= 0 {
		cfg.KeepSnapshots = def.KeepSnapshots
	}
	return &RoomService{
		roomRepo:     roomRepo,
		snapshotRepo: snapshotRepo,
		hub:          hub,
		fanout:       fanout,
		metrics:      metrics,
		cfg:          cfg,
		logger:       logger.With("component", "room_service"),
		now:          time.Now,
		rooms:        make(map[string]*roomReplica),
	}
}

// Acquire returns the replica for room, loading it from CouchDB on first use.
func (s *RoomService) Acquire(ctx context.Context, room string) (*crdt.Document, error) {
	if _, ok := domain.TaskFromRoom(room); !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRoom, room)
	}

	s.mu.Lock()
	if r, ok := s.rooms[room]; ok {
		r.idleSince = time.Time{}
		s.mu.Unlock()
		return r.doc, nil
	}
	s.mu.Unlock()

	v, err, _ := s.loads.Do(room, func() (interface{}, error) {
		return s.load(ctx, room)
	})
	if err != nil {
		return nil, err
	}
	return v.(*roomReplica).doc, nil
}

func (s *RoomService) load(ctx context.Context, room string) (*roomReplica, error) {
	s.mu.Lock()
	if r, ok := s.rooms[room]; ok {
		s.mu.Unlock()
		return r, nil
	}
	s.mu.Unlock()

	doc := crdt.New("server:"+s.cfg.InstanceID,
		crdt.WithLogger(s.logger.With("room", room)),
		crdt.WithRejectCounter(rejectCounter{s.metrics}),
	)

	var updates int64
	stored, err := s.roomRepo.Load(ctx, room)
	switch {
	case err == nil:
		if err := doc.Merge(stored.State, domain.OriginSystem); err != nil {
			s.logger.Error("stored room state is corrupt, starting empty", "room", room, "error", err)
		}
		updates = stored.Updates
	case errors.Is(err, repository.ErrRoomNotFound):
	default:
		doc.Destroy()
		return nil, fmt.Errorf("load room %s: %w", room, err)
	}

	var seq int64
	if latest, err := s.snapshotRepo.List(ctx, room, 1); err == nil && len(latest) > 0 {
		seq = latest[0].Seq
	}

	r := &roomReplica{doc: doc, seq: seq}
	r.updates.Store(updates)
	r.unsubscribe = doc.Subscribe(func(crdt.Change) {
		r.dirty.Store(true)
		r.updates.Add(1)
		r.sinceSnapshot.Add(1)
	})

	s.mu.Lock()
	s.rooms[room] = r
	n := len(s.rooms)
	s.mu.Unlock()

	s.metrics.RoomsActive(n)
	s.logger.Info("room loaded", "room", room, "fields", len(doc.Fields()))
	return r, nil
}

// Sync merges a client's full state and returns the room's state after the
// merge.
func (s *RoomService) Sync(ctx context.Context, room string, clientState []byte) ([]byte, error) {
	doc, err := s.Acquire(ctx, room)
	if err != nil {
		return nil, err
	}
	if len(clientState) > 0 {
		if err := doc.MergeRemote(clientState); err != nil {
			return nil, err
		}
	}
	return doc.EncodeState(), nil
}

// ApplyUpdate merges an update from a local client and relays it to the rest
// of the room on every instance. Malformed updates are neither merged nor
// relayed.
func (s *RoomService) ApplyUpdate(ctx context.Context, room, senderID string, update []byte) error {
	doc, err := s.Acquire(ctx, room)
	if err != nil {
		return err
	}
	if err := doc.MergeRemote(update); err != nil {
		return err
	}
	s.metrics.UpdateApplied()

	msg, err := websocket.NewMessage(websocket.TypeUpdate, room, &websocket.UpdatePayload{ClientID: senderID, Update: update})
	if err != nil {
		return err
	}
	s.hub.BroadcastToRoom(room, msg, senderID)
	if err := s.fanout.Publish(ctx, room, msg); err != nil {
		s.logger.Warn("fan-out publish failed", "room", room, "error", err)
	}
	return nil
}

// ApplyAwareness records and relays a presence payload.
func (s *RoomService) ApplyAwareness(ctx context.Context, room string, payload *websocket.AwarenessPayload) error {
	msg, err := websocket.NewMessage(websocket.TypeAwareness, room, payload)
	if err != nil {
		return err
	}
	if payload.State == nil {
		s.hub.SetPresence(room, payload.ClientID, nil)
	} else {
		s.hub.SetPresence(room, payload.ClientID, msg.Payload)
	}
	s.hub.BroadcastToRoom(room, msg, payload.ClientID)
	if err := s.fanout.Publish(ctx, room, msg); err != nil {
		s.logger.Warn("fan-out publish failed", "room", room, "error", err)
	}
	return nil
}

// ClientLeft publishes the departed client's null presence to other instances
// and marks the room idle once no local client remains.
func (s *RoomService) ClientLeft(room, clientID string, remaining int) {
	if msg, err := websocket.NewMessage(websocket.TypeAwareness, room, &websocket.AwarenessPayload{ClientID: clientID}); err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.fanout.Publish(ctx, room, msg); err != nil {
			s.logger.Warn("fan-out publish failed", "room", room, "error", err)
		}
		cancel()
	}

	if remaining > 0 {
		return
	}
	s.mu.Lock()
	if r, ok := s.rooms[room]; ok {
		r.idleSince = s.now()
	}
	s.mu.Unlock()
}

// DeliverRemote handles a message relayed from another instance.
func (s *RoomService) DeliverRemote(room string, msg *websocket.Message) {
	switch msg.Type {
	case websocket.TypeUpdate:
		var payload websocket.UpdatePayload
		if err := msg.UnmarshalPayload(&payload); err != nil {
			s.logger.Warn("dropping relayed update", "room", room, "error", err)
			return
		}
		s.mu.Lock()
		r, loaded := s.rooms[room]
		s.mu.Unlock()
		if loaded {
			if err := r.doc.MergeRemote(payload.Update); err != nil {
				return
			}
		}
		s.hub.BroadcastToRoom(room, msg, "")

	case websocket.TypeAwareness:
		var payload websocket.AwarenessPayload
		if err := msg.UnmarshalPayload(&payload); err != nil {
			s.logger.Warn("dropping relayed awareness", "room", room, "error", err)
			return
		}
		if payload.State == nil {
			s.hub.SetPresence(room, payload.ClientID, nil)
		} else {
			s.hub.SetPresence(room, payload.ClientID, msg.Payload)
		}
		s.hub.BroadcastToRoom(room, msg, "")
	}
}

// State returns a decoded view of a room, loading it if necessary.
func (s *RoomService) State(ctx context.Context, room string) (map[string]any, error) {
	doc, err := s.Acquire(ctx, room)
	if err != nil {
		return nil, err
	}
	return doc.Snapshot(), nil
}

func (s *RoomService) Snapshots(ctx context.Context, room string, limit int) ([]*domain.RoomSnapshot, error) {
	if _, ok := domain.TaskFromRoom(room); !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRoom, room)
	}
	return s.snapshotRepo.List(ctx, room, limit)
}

// TakeSnapshot stores the current room state in the snapshot history and
// prunes old entries.
func (s *RoomService) TakeSnapshot(ctx context.Context, room string) (*domain.RoomSnapshot, error) {
	if _, err := s.Acquire(ctx, room); err != nil {
		return nil, err
	}
	s.mu.Lock()
	r, ok := s.rooms[room]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", ErrInvalidRoom, room)
	}
	r.seq++
	seq := r.seq
	s.mu.Unlock()

	return s.snapshot(ctx, room, r, seq)
}

func (s *RoomService) snapshot(ctx context.Context, room string, r *roomReplica, seq int64) (*domain.RoomSnapshot, error) {
	snap := &domain.RoomSnapshot{
		Room:      room,
		Seq:       seq,
		State:     r.doc.EncodeState(),
		Fields:    len(r.doc.Fields()),
		CreatedAt: s.now(),
	}
	if err := s.snapshotRepo.Save(ctx, snap); err != nil {
		return nil, err
	}
	r.sinceSnapshot.Store(0)
	if err := s.snapshotRepo.Prune(ctx, room, s.cfg.KeepSnapshots); err != nil {
		s.logger.Warn("snapshot prune failed", "room", room, "error", err)
	}
	return snap, nil
}

func (s *RoomService) ActiveRooms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	rooms := make([]string, 0, len(s.rooms))
	for room := range s.rooms {
		rooms = append(rooms, room)
	}
	sort.Strings(rooms)
	return rooms
}

// Run persists dirty rooms every PersistInterval and evicts rooms that have
// been idle longer than IdleTTL. Everything is flushed when ctx ends.
func (s *RoomService) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.PersistInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			s.Flush(flushCtx, true)
			cancel()
			return nil
		case <-ticker.C:
			s.Flush(ctx, false)
		}
	}
}

// Flush persists every dirty room. With evictAll set every room is released
// afterwards; otherwise only rooms idle past IdleTTL are.
func (s *RoomService) Flush(ctx context.Context, evictAll bool) {
	s.mu.Lock()
	type item struct {
		room string
		r    *roomReplica
	}
	items := make([]item, 0, len(s.rooms))
	for room, r := range s.rooms {
		items = append(items, item{room, r})
	}
	s.mu.Unlock()

	for _, it := range items {
		if it.r.dirty.Load() {
			s.persist(ctx, it.room, it.r)
		}
	}

	now := s.now()
	s.mu.Lock()
	for _, it := range items {
		r, ok := s.rooms[it.room]
		if !ok || r != it.r || r.dirty.Load() {
			continue
		}
		idle := !r.idleSince.IsZero() && now.Sub(r.idleSince) >= s.cfg.IdleTTL
		if evictAll || idle {
			delete(s.rooms, it.room)
			r.unsubscribe()
			r.doc.Destroy()
			s.logger.Info("room released", "room", it.room)
		}
	}
	n := len(s.rooms)
	s.mu.Unlock()

	s.metrics.RoomsActive(n)
}

func (s *RoomService) persist(ctx context.Context, room string, r *roomReplica) {
	start := s.now()
	r.dirty.Store(false)

	// fold in whatever other instances stored so the document stays convergent
	if stored, err := s.roomRepo.Load(ctx, room); err == nil {
		r.doc.Merge(stored.State, domain.OriginSystem)
	}

	err := s.roomRepo.Save(ctx, &domain.RoomState{
		Room:      room,
		State:     r.doc.EncodeState(),
		Updates:   r.updates.Load(),
		UpdatedAt: s.now(),
	})
	s.metrics.ObservePersist(s.now().Sub(start), err)
	if err != nil {
		r.dirty.Store(true)
		s.logger.Error("failed to persist room", "room", room, "error", err)
		return
	}

	if s.cfg.SnapshotEvery > 0 && r.sinceSnapshot.Load() >= s.cfg.SnapshotEvery {
		s.mu.Lock()
		r.seq++
		seq := r.seq
		s.mu.Unlock()
		if _, err := s.snapshot(ctx, room, r, seq); err != nil {
			s.logger.Error("failed to snapshot room", "room", room, "error", err)
		}
	}
}
