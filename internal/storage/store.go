// Package storage persists replica snapshots on the local machine.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
)

var (
	ErrNotFound = errors.New("snapshot not found")
	ErrClosed   = errors.New("store closed")
)

// Store keeps one opaque snapshot per key. Keys have the form
// {namespace}:task:{taskId}.
type Store interface {
	Load(ctx context.Context, key string) ([]byte, error)
	Save(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Open selects a backend by name. Badger keeps its files under dir/badger,
// bolt uses dir/glyph.db and memory is an in-memory badger instance.
func Open(backend, dir string, syncWrites bool, logger *slog.Logger) (Store, error) {
	switch backend {
	case "badger":
		return OpenBadger(BadgerConfig{Path: filepath.Join(dir, "badger"), SyncWrites: syncWrites, Logger: logger})
	case "bolt":
		return OpenBolt(filepath.Join(dir, "glyph.db"))
	case "memory":
		return OpenBadger(BadgerConfig{InMemory: true, Logger: logger})
	default:
		return nil, fmt.Errorf("unknown storage backend %q", backend)
	}
}
