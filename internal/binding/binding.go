// Package binding resolves template binding paths against the fixed root
// namespaces. Only the output root is writable; it is backed by the shared
// document and every write is tagged as a user action.
package binding

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"glyph-sync-server/internal/crdt"
	"glyph-sync-server/internal/domain"
	"glyph-sync-server/internal/schema"
)

const (
	RootInput   = "input"
	RootOutput  = "output"
	RootContext = "context"
	RootConfig  = "config"
	RootUser    = "user"
)

var (
	ErrReadOnlyRoot     = errors.New("binding root is read-only")
	ErrUnknownRoot      = errors.New("unknown binding root")
	ErrEmptyPath        = errors.New("binding path must name a field")
	ErrNotAnObject      = errors.New("intermediate value is not an object")
	ErrIndexOutOfRange  = errors.New("array index out of range")
	ErrValidationFailed = errors.New("output failed schema validation")
)

// Snapshots are the read-only roots. They are copied when a Layer is built so
// later changes by the caller are not observed.
type Snapshots struct {
	Input   map[string]any
	Context map[string]any
	Config  map[string]any
	User    map[string]any
}

// ValidationError carries the schema errors that blocked a write.
type ValidationError struct {
	Errors []domain.SchemaError
}

func (e *ValidationError) Error() string {
	if len(e.Errors) == 0 {
		return ErrValidationFailed.Error()
	}
	first := e.Errors[0]
	return fmt.Sprintf("%s: %s %s", ErrValidationFailed, first.InstancePath, first.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidationFailed
}

type Option func(*Layer)

// WithOutputSchema validates the output root against the schema compiled
// under id in registry.
func WithOutputSchema(registry *schema.Registry, id string) Option {
	return func(l *Layer) {
		l.registry = registry
		l.schemaID = id
	}
}

// WithBlockInvalid rejects writes that would leave the output invalid.
func WithBlockInvalid(block bool) Option {
	return func(l *Layer) {
		l.blockInvalid = block
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *Layer) {
		if logger != nil {
			l.logger = logger
		}
	}
}

type Layer struct {
	doc      *crdt.Document
	readOnly map[string]map[string]any
	logger   *slog.Logger

	registry     *schema.Registry
	schemaID     string
	blockInvalid bool
}

func New(doc *crdt.Document, snaps Snapshots, opts ...Option) *Layer {
	l := &Layer{
		doc: doc,
		readOnly: map[string]map[string]any{
			RootInput:   copyMap(snaps.Input),
			RootContext: copyMap(snaps.Context),
			RootConfig:  copyMap(snaps.Config),
			RootUser:    copyMap(snaps.User),
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Resolve looks up "root.a.b" or "$.root.a.b". Unknown roots and missing keys
// resolve to (nil, false). Numeric segments index into arrays.
func (l *Layer) Resolve(path string) (any, bool) {
	root, rest := split(path)
	var current any
	switch {
	case root == RootOutput:
		if len(rest) == 0 {
			return l.doc.Snapshot(), true
		}
		v, ok := l.doc.Get(rest[0])
		if !ok {
			return nil, false
		}
		current, rest = v, rest[1:]
	default:
		m, ok := l.readOnly[root]
		if !ok {
			return nil, false
		}
		current = m
	}

	for _, seg := range rest {
		next, ok := step(current, seg)
		if !ok {
			return nil, false
		}
		current = next
	}
	return copyValue(current), true
}

// Set writes value under the output root. Nested paths rewrite the whole
// top-level field in one transaction.
func (l *Layer) Set(path string, value any) error {
	return l.write(path, value, false)
}

// Delete removes the value at path under the output root.
func (l *Layer) Delete(path string) error {
	return l.write(path, nil, true)
}

func (l *Layer) write(path string, value any, remove bool) error {
	root, rest := split(path)
	if err := checkWritable(root); err != nil {
		return err
	}
	if len(rest) == 0 {
		return ErrEmptyPath
	}

	field := rest[0]
	var werr error
	err := l.doc.Transact(domain.OriginUserAction, func(tx *crdt.Tx) {
		next, deleted := copyValue(value), remove
		if len(rest) > 1 {
			current, _ := tx.Get(field)
			updated, err := assign(current, rest[1:], next, remove)
			if err != nil {
				werr = fmt.Errorf("set %s: %w", path, err)
				return
			}
			next, deleted = updated, false
		}

		if l.blockInvalid && l.registry != nil {
			candidate := l.doc.Snapshot()
			if deleted {
				delete(candidate, field)
			} else {
				candidate[field] = copyValue(next)
			}
			if errs, ok := l.validate(candidate); !ok {
				werr = &ValidationError{Errors: errs}
				return
			}
		}

		if deleted {
			tx.Delete(field)
			return
		}
		tx.Set(field, next)
	})
	if err != nil {
		return err
	}
	return werr
}

// ValidateOutput checks the current output against the configured schema. It
// reports true when no schema is configured.
func (l *Layer) ValidateOutput() (bool, []domain.SchemaError, error) {
	if l.registry == nil {
		return true, nil, nil
	}
	if _, ok := l.registry.Get(l.schemaID); !ok {
		return false, nil, fmt.Errorf("%w: %q", schema.ErrUnknownSchema, l.schemaID)
	}
	errs, ok := l.validate(l.doc.Snapshot())
	return ok, errs, nil
}

func (l *Layer) validate(output map[string]any) ([]domain.SchemaError, bool) {
	v, ok := l.registry.Get(l.schemaID)
	if !ok {
		l.logger.Warn("output schema not compiled", "schema_id", l.schemaID)
		return nil, true
	}
	if v.Validate(output) {
		return nil, true
	}
	return v.Errors(), false
}

func checkWritable(root string) error {
	switch root {
	case RootOutput:
		return nil
	case RootInput, RootContext, RootConfig, RootUser:
		return fmt.Errorf("%w: %s", ErrReadOnlyRoot, root)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownRoot, root)
	}
}

func split(path string) (string, []string) {
	path = strings.TrimPrefix(strings.TrimSpace(path), "$.")
	if path == "" {
		return "", nil
	}
	parts := strings.Split(path, ".")
	return parts[0], parts[1:]
}

func step(v any, seg string) (any, bool) {
	switch t := v.(type) {
	case map[string]any:
		next, ok := t[seg]
		return next, ok
	case []any:
		i, err := strconv.Atoi(seg)
		if err != nil || i < 0 || i >= len(t) {
			return nil, false
		}
		return t[i], true
	default:
		return nil, false
	}
}

// assign returns a copy of current with value placed at path. Missing
// intermediate objects are created. Numeric segments index into existing
// arrays; an index equal to the length appends.
func assign(current any, path []string, value any, remove bool) (any, error) {
	if arr, ok := current.([]any); ok {
		return assignIndex(arr, path, value, remove)
	}

	var m map[string]any
	switch t := current.(type) {
	case nil:
		m = make(map[string]any)
	case map[string]any:
		m = copyMap(t)
	default:
		return nil, fmt.Errorf("%w at %q", ErrNotAnObject, path[0])
	}

	key := path[0]
	if len(path) == 1 {
		if remove {
			delete(m, key)
		} else {
			m[key] = value
		}
		return m, nil
	}

	child, err := assign(m[key], path[1:], value, remove)
	if err != nil {
		return nil, err
	}
	m[key] = child
	return m, nil
}

func assignIndex(arr []any, path []string, value any, remove bool) (any, error) {
	i, err := strconv.Atoi(path[0])
	if err != nil || i < 0 {
		return nil, fmt.Errorf("%w at %q", ErrNotAnObject, path[0])
	}
	out := copyValue(arr).([]any)

	if len(path) == 1 {
		switch {
		case remove && i < len(out):
			return append(out[:i], out[i+1:]...), nil
		case remove:
			return out, nil
		case i < len(out):
			out[i] = value
			return out, nil
		case i == len(out):
			return append(out, value), nil
		}
		return nil, fmt.Errorf("%w: %d of %d", ErrIndexOutOfRange, i, len(out))
	}

	if i >= len(out) {
		return nil, fmt.Errorf("%w: %d of %d", ErrIndexOutOfRange, i, len(out))
	}
	child, err := assign(out[i], path[1:], value, remove)
	if err != nil {
		return nil, err
	}
	out[i] = child
	return out, nil
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return copyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = copyValue(item)
		}
		return out
	default:
		return v
	}
}
