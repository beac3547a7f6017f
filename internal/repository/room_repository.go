package repository

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"glyph-sync-server/internal/domain"

	"github.com/go-kivik/kivik/v4"
)

var ErrRoomNotFound = errors.New("room not found")

type RoomRepository interface {
	Load(ctx context.Context, room string) (*domain.RoomState, error)
	Save(ctx context.Context, state *domain.RoomState) error
	Delete(ctx context.Context, room string) error
}

type roomDoc struct {
	ID        string `json:"_id"`
	Rev       string `json:"_rev,omitempty"`
	DocType   string `json:"doc_type"`
	Room      string `json:"room"`
	State     []byte `json:"state"`
	Updates   int64  `json:"updates"`
	UpdatedAt string `json:"updated_at"`
}

type roomRepository struct {
	db *kivik.DB
}

func NewRoomRepository(client *kivik.Client, dbName string) RoomRepository {
	return &roomRepository{
		db: client.DB(dbName),
	}
}

func roomDocID(room string) string {
	return fmt.Sprintf("room:%s", room)
}

func (r *roomRepository) Load(ctx context.Context, room string) (*domain.RoomState, error) {
	var doc roomDoc
	if err := r.db.Get(ctx, roomDocID(room)).ScanDoc(&doc); err != nil {
		if kivik.HTTPStatus(err) == http.StatusNotFound {
			return nil, ErrRoomNotFound
		}
		return nil, fmt.Errorf("failed to load room: %w", err)
	}

	updatedAt, _ := time.Parse(time.RFC3339Nano, doc.UpdatedAt)
	return &domain.RoomState{
		Room:      doc.Room,
		State:     doc.State,
		Updates:   doc.Updates,
		UpdatedAt: updatedAt,
	}, nil
}

func (r *roomRepository) Save(ctx context.Context, state *domain.RoomState) error {
	docID := roomDocID(state.Room)

	doc := roomDoc{
		ID:        docID,
		DocType:   "room",
		Room:      state.Room,
		State:     state.State,
		Updates:   state.Updates,
		UpdatedAt: state.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}

	rev, err := r.db.GetRev(ctx, docID)
	switch {
	case err == nil:
		doc.Rev = rev
	case kivik.HTTPStatus(err) != http.StatusNotFound:
		return fmt.Errorf("failed to fetch room revision: %w", err)
	}

	if _, err := r.db.Put(ctx, docID, doc); err != nil {
		return fmt.Errorf("failed to save room: %w", err)
	}
	return nil
}

func (r *roomRepository) Delete(ctx context.Context, room string) error {
	docID := roomDocID(room)

	rev, err := r.db.GetRev(ctx, docID)
	if err != nil {
		if kivik.HTTPStatus(err) == http.StatusNotFound {
			return ErrRoomNotFound
		}
		return fmt.Errorf("failed to fetch room revision: %w", err)
	}
	if _, err := r.db.Delete(ctx, docID, rev); err != nil {
		return fmt.Errorf("failed to delete room: %w", err)
	}
	return nil
}
