package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"glyph-sync-server/internal/domain"
)

// In-memory repositories back single-node development servers that run
// without CouchDB. Nothing survives a restart.

type memoryRoomRepository struct {
	mu    sync.RWMutex
	rooms map[string]domain.RoomState
}

func NewMemoryRoomRepository() RoomRepository {
	return &memoryRoomRepository{rooms: make(map[string]domain.RoomState)}
}

func (r *memoryRoomRepository) Load(ctx context.Context, room string) (*domain.RoomState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	state, ok := r.rooms[room]
	if !ok {
		return nil, ErrRoomNotFound
	}
	state.State = append([]byte(nil), state.State...)
	return &state, nil
}

func (r *memoryRoomRepository) Save(ctx context.Context, state *domain.RoomState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := *state
	cp.State = append([]byte(nil), state.State...)
	r.rooms[state.Room] = cp
	return nil
}

func (r *memoryRoomRepository) Delete(ctx context.Context, room string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.rooms[room]; !ok {
		return ErrRoomNotFound
	}
	delete(r.rooms, room)
	return nil
}

type memorySnapshotRepository struct {
	mu        sync.RWMutex
	snapshots map[string]map[int64]domain.RoomSnapshot
}

func NewMemorySnapshotRepository() SnapshotRepository {
	return &memorySnapshotRepository{snapshots: make(map[string]map[int64]domain.RoomSnapshot)}
}

func (r *memorySnapshotRepository) Save(ctx context.Context, snapshot *domain.RoomSnapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	snapshot.ID = fmt.Sprintf("snapshot:%s:%d", snapshot.Room, snapshot.Seq)
	if r.snapshots[snapshot.Room] == nil {
		r.snapshots[snapshot.Room] = make(map[int64]domain.RoomSnapshot)
	}
	cp := *snapshot
	cp.State = append([]byte(nil), snapshot.State...)
	r.snapshots[snapshot.Room][snapshot.Seq] = cp
	return nil
}

func (r *memorySnapshotRepository) List(ctx context.Context, room string, limit int) ([]*domain.RoomSnapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*domain.RoomSnapshot, 0, len(r.snapshots[room]))
	for _, s := range r.snapshots[room] {
		s := s
		out = append(out, &s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq > out[j].Seq })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memorySnapshotRepository) Get(ctx context.Context, room string, seq int64) (*domain.RoomSnapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.snapshots[room][seq]
	if !ok {
		return nil, ErrSnapshotNotFound
	}
	return &s, nil
}

func (r *memorySnapshotRepository) Prune(ctx context.Context, room string, keepLast int) error {
	snapshots, _ := r.List(ctx, room, 0)
	if len(snapshots) <= keepLast {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range snapshots[keepLast:] {
		delete(r.snapshots[room], s.Seq)
	}
	return nil
}
