package repository

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"glyph-sync-server/internal/domain"

	"github.com/go-kivik/kivik/v4"
)

var ErrSnapshotNotFound = errors.New("snapshot not found")

type SnapshotRepository interface {
	Save(ctx context.Context, snapshot *domain.RoomSnapshot) error
	List(ctx context.Context, room string, limit int) ([]*domain.RoomSnapshot, error)
	Get(ctx context.Context, room string, seq int64) (*domain.RoomSnapshot, error)
	Prune(ctx context.Context, room string, keepLast int) error
}

type snapshotDoc struct {
	ID        string `json:"_id"`
	Rev       string `json:"_rev,omitempty"`
	DocType   string `json:"doc_type"`
	Room      string `json:"room"`
	Seq       int64  `json:"seq"`
	State     []byte `json:"state"`
	Fields    int    `json:"fields"`
	CreatedAt string `json:"created_at"`
}

func (d snapshotDoc) toDomain() *domain.RoomSnapshot {
	createdAt, _ := time.Parse(time.RFC3339Nano, d.CreatedAt)
	return &domain.RoomSnapshot{
		ID:        d.ID,
		Room:      d.Room,
		Seq:       d.Seq,
		State:     d.State,
		Fields:    d.Fields,
		CreatedAt: createdAt,
	}
}

type snapshotRepository struct {
	db *kivik.DB
}

func NewSnapshotRepository(client *kivik.Client, dbName string) SnapshotRepository {
	return &snapshotRepository{
		db: client.DB(dbName),
	}
}

func snapshotDocID(room string, seq int64) string {
	return fmt.Sprintf("snapshot:%s:%d", room, seq)
}

func (r *snapshotRepository) Save(ctx context.Context, snapshot *domain.RoomSnapshot) error {
	doc := snapshotDoc{
		ID:        snapshotDocID(snapshot.Room, snapshot.Seq),
		DocType:   "snapshot",
		Room:      snapshot.Room,
		Seq:       snapshot.Seq,
		State:     snapshot.State,
		Fields:    snapshot.Fields,
		CreatedAt: snapshot.CreatedAt.UTC().Format(time.RFC3339Nano),
	}

	if _, err := r.db.Put(ctx, doc.ID, doc); err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	snapshot.ID = doc.ID
	return nil
}

// List returns the newest snapshots first.
func (r *snapshotRepository) List(ctx context.Context, room string, limit int) ([]*domain.RoomSnapshot, error) {
	query := map[string]interface{}{
		"selector": map[string]interface{}{
			"doc_type": "snapshot",
			"room":     room,
		},
	}

	rows := r.db.Find(ctx, query)
	defer rows.Close()

	var snapshots []*domain.RoomSnapshot
	for rows.Next() {
		var doc snapshotDoc
		if err := rows.ScanDoc(&doc); err != nil {
			continue
		}
		snapshots = append(snapshots, doc.toDomain())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}

	sort.Slice(snapshots, func(i, j int) bool { return snapshots[i].Seq > snapshots[j].Seq })
	if limit > 0 && len(snapshots) > limit {
		snapshots = snapshots[:limit]
	}
	return snapshots, nil
}

func (r *snapshotRepository) Get(ctx context.Context, room string, seq int64) (*domain.RoomSnapshot, error) {
	var doc snapshotDoc
	if err := r.db.Get(ctx, snapshotDocID(room, seq)).ScanDoc(&doc); err != nil {
		if kivik.HTTPStatus(err) == http.StatusNotFound {
			return nil, ErrSnapshotNotFound
		}
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}
	return doc.toDomain(), nil
}

func (r *snapshotRepository) Prune(ctx context.Context, room string, keepLast int) error {
	snapshots, err := r.List(ctx, room, 0)
	if err != nil {
		return err
	}
	if len(snapshots) <= keepLast {
		return nil
	}

	for _, s := range snapshots[keepLast:] {
		rev, err := r.db.GetRev(ctx, s.ID)
		if err != nil {
			continue
		}
		if _, err := r.db.Delete(ctx, s.ID, rev); err != nil {
			return fmt.Errorf("failed to prune snapshot %s: %w", s.ID, err)
		}
	}
	return nil
}
