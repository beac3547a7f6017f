// Package shortcut tracks keyboard shortcut bindings and reports keys bound
// to more than one action.
package shortcut

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/go-playground/validator/v10"

	"glyph-sync-server/internal/domain"
)

var (
	ErrConflict = errors.New("shortcut key already bound")
	ErrNotFound = errors.New("shortcut not registered")
)

type Option func(*Registry)

// WithBlockingConflicts makes Register refuse a key that is already bound to
// another enabled shortcut. By default conflicts are only logged and reported.
func WithBlockingConflicts() Option {
	return func(r *Registry) {
		r.blocking = true
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

type binding struct {
	shortcut domain.Shortcut
	key      string
	seq      uint64
}

type Registry struct {
	blocking bool
	logger   *slog.Logger
	validate *validator.Validate

	mu       sync.RWMutex
	bindings map[string]binding
	seq      uint64
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		logger:   slog.Default(),
		validate: validator.New(),
		bindings: make(map[string]binding),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "shortcut")
	return r
}

// Register binds s, replacing any earlier binding with the same id. It
// returns the conflicts involving the registered key after the change.
func (r *Registry) Register(s domain.Shortcut) ([]domain.ShortcutConflict, error) {
	if err := r.validate.Struct(s); err != nil {
		return nil, fmt.Errorf("invalid shortcut: %w", err)
	}
	key, err := Normalize(s.Key)
	if err != nil {
		return nil, fmt.Errorf("shortcut %s: %w: %q", s.ID, err, s.Key)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.blocking && s.Enabled {
		for id, b := range r.bindings {
			if id != s.ID && b.shortcut.Enabled && b.key == key {
				return nil, fmt.Errorf("%w: %s is bound to %s", ErrConflict, key, id)
			}
		}
	}

	seq := r.seq
	if prev, ok := r.bindings[s.ID]; ok && prev.key == key {
		seq = prev.seq
	} else {
		r.seq++
	}
	r.bindings[s.ID] = binding{shortcut: s, key: key, seq: seq}

	var out []domain.ShortcutConflict
	for _, c := range r.conflictsLocked() {
		if c.Key == key {
			out = append(out, c)
		}
	}
	if len(out) > 0 {
		r.logger.Warn("shortcut conflict", "key", key, "ids", out[0].IDs)
	}
	return out, nil
}

func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.bindings[id]; !ok {
		return ErrNotFound
	}
	delete(r.bindings, id)
	return nil
}

func (r *Registry) Get(id string) (domain.Shortcut, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bindings[id]
	return b.shortcut, ok
}

// Lookup returns the ids of enabled shortcuts bound to combo.
func (r *Registry) Lookup(combo string) []string {
	key, err := Normalize(combo)
	if err != nil {
		return nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	var matches []binding
	for _, b := range r.bindings {
		if b.shortcut.Enabled && b.key == key {
			matches = append(matches, b)
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].seq < matches[j].seq })
	ids := make([]string, len(matches))
	for i, b := range matches {
		ids[i] = b.shortcut.ID
	}
	return ids
}

// Conflicts lists every key bound to more than one enabled shortcut, sorted
// by key, with ids in registration order.
func (r *Registry) Conflicts() []domain.ShortcutConflict {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conflictsLocked()
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bindings)
}

func (r *Registry) conflictsLocked() []domain.ShortcutConflict {
	byKey := make(map[string][]binding)
	for _, b := range r.bindings {
		if b.shortcut.Enabled {
			byKey[b.key] = append(byKey[b.key], b)
		}
	}

	out := make([]domain.ShortcutConflict, 0)
	for key, list := range byKey {
		if len(list) < 2 {
			continue
		}
		sort.Slice(list, func(i, j int) bool { return list[i].seq < list[j].seq })
		ids := make([]string, len(list))
		for i, b := range list {
			ids[i] = b.shortcut.ID
		}
		out = append(out, domain.ShortcutConflict{Key: key, IDs: ids})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
