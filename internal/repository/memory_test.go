package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"glyph-sync-server/internal/domain"
)

func TestMemoryRoomRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRoomRepository()

	_, err := repo.Load(ctx, "task:1")
	assert.ErrorIs(t, err, ErrRoomNotFound)

	state := &domain.RoomState{Room: "task:1", State: []byte("abc"), Updates: 3, UpdatedAt: time.Now()}
	require.NoError(t, repo.Save(ctx, state))
	state.State[0] = 'z'

	got, err := repo.Load(ctx, "task:1")
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), got.State)
	assert.Equal(t, int64(3), got.Updates)

	require.NoError(t, repo.Delete(ctx, "task:1"))
	assert.ErrorIs(t, repo.Delete(ctx, "task:1"), ErrRoomNotFound)
}

func TestMemorySnapshotRepositoryPrune(t *testing.T) {
	ctx := context.Background()
	repo := NewMemorySnapshotRepository()

	for seq := int64(1); seq <= 5; seq++ {
		require.NoError(t, repo.Save(ctx, &domain.RoomSnapshot{Room: "task:1", Seq: seq}))
	}
	require.NoError(t, repo.Save(ctx, &domain.RoomSnapshot{Room: "task:2", Seq: 1}))

	latest, err := repo.List(ctx, "task:1", 2)
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, int64(5), latest[0].Seq)
	assert.Equal(t, "snapshot:task:1:5", latest[0].ID)

	require.NoError(t, repo.Prune(ctx, "task:1", 3))
	all, err := repo.List(ctx, "task:1", 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	_, err = repo.Get(ctx, "task:1", 1)
	assert.ErrorIs(t, err, ErrSnapshotNotFound)
	s, err := repo.Get(ctx, "task:1", 4)
	require.NoError(t, err)
	assert.Equal(t, int64(4), s.Seq)

	other, err := repo.List(ctx, "task:2", 0)
	require.NoError(t, err)
	assert.Len(t, other, 1)
}
