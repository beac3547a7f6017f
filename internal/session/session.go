// Package session owns everything an editor needs while working on tasks:
// the schema, template and shortcut registries, plus the document, undo,
// presence and sync stack of the currently open task. Nothing here is global;
// two sessions in one process are fully isolated.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"glyph-sync-server/internal/binding"
	"glyph-sync-server/internal/channel"
	"glyph-sync-server/internal/crdt"
	"glyph-sync-server/internal/domain"
	"glyph-sync-server/internal/presence"
	"glyph-sync-server/internal/schema"
	"glyph-sync-server/internal/shortcut"
	"glyph-sync-server/internal/storage"
	"glyph-sync-server/internal/template"
	"glyph-sync-server/internal/undo"
)

var ErrClosed = errors.New("session closed")

// StoreFactory opens the local store for one task.
type StoreFactory func(taskID string) (storage.Store, error)

type Config struct {
	ClientID string
	User     domain.PresenceUser
	// Channel carries the server URL, namespace and reconnect policy. TaskID
	// is filled in per task.
	Channel channel.Config
	// Offline keeps tasks local: no channel is created.
	Offline bool
	// OutputSchemaID, when set, validates the output root of every task.
	OutputSchemaID string
	BlockInvalid   bool
	// ConnectTimeout bounds the first dial made by OpenTask. Dialing goes on
	// in the background afterwards when the channel auto-reconnects.
	ConnectTimeout time.Duration
}

const defaultConnectTimeout = 10 * time.Second

type Option func(*Session)

func WithStoreFactory(f StoreFactory) Option {
	return func(s *Session) {
		s.openStore = f
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithSchemaRegistry(r *schema.Registry) Option {
	return func(s *Session) {
		if r != nil {
			s.Schemas = r
		}
	}
}

func WithShortcutRegistry(r *shortcut.Registry) Option {
	return func(s *Session) {
		if r != nil {
			s.Shortcuts = r
		}
	}
}

func WithTemplateValidator(v *template.Validator) Option {
	return func(s *Session) {
		if v != nil {
			s.Templates = v
		}
	}
}

func WithUndoOptions(opts ...undo.Option) Option {
	return func(s *Session) {
		s.undoOpts = append(s.undoOpts, opts...)
	}
}

// Task is the per-task stack. It is torn down as a unit when the session
// switches tasks.
type Task struct {
	ID       string
	Doc      *crdt.Document
	Undo     *undo.Engine
	Presence *presence.Tracker
	Channel  *channel.Channel
	Bindings *binding.Layer
}

type Session struct {
	Schemas   *schema.Registry
	Templates *template.Validator
	Shortcuts *shortcut.Registry

	cfg       Config
	logger    *slog.Logger
	openStore StoreFactory
	undoOpts  []undo.Option

	mu     sync.Mutex
	task   *Task
	closed bool
}

func New(cfg Config, opts ...Option) *Session {
	if cfg.ClientID == "" {
		cfg.ClientID = uuid.NewString()
	}
	s := &Session{cfg: cfg, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "session", "client_id", cfg.ClientID)
	if s.Schemas == nil {
		s.Schemas = schema.NewRegistry(schema.WithLogger(s.logger))
	}
	if s.Templates == nil {
		s.Templates = template.New()
	}
	if s.Shortcuts == nil {
		s.Shortcuts = shortcut.NewRegistry(shortcut.WithLogger(s.logger))
	}
	return s
}

func (s *Session) ClientID() string {
	return s.cfg.ClientID
}

// Task returns the open task, or nil.
func (s *Session) Task() *Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.task
}

// OpenTask tears down the current task, if any, and builds the stack for
// taskID. Unless the session is offline the channel is dialed for at most
// ConnectTimeout before OpenTask returns; a failed connect leaves the task
// open and offline. The session lock is not held while dialing.
func (s *Session) OpenTask(ctx context.Context, taskID string, snaps binding.Snapshots) (*Task, error) {
	if taskID == "" {
		return nil, channel.ErrMissingTaskID
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	s.closeTaskLocked()
	task, err := s.buildTask(taskID, snaps)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.task = task
	s.mu.Unlock()

	s.logger.Info("task opened", "task_id", taskID)
	if task.Channel == nil {
		return task, nil
	}

	timeout := s.cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := task.Channel.Connect(connectCtx); err != nil {
		s.logger.Warn("task opened offline", "task_id", taskID, "error", err)
	}
	return task, nil
}

// buildTask wires the per-task stack. Each instance gets its own replica id
// so a reopened task never reuses the clock of an earlier instance.
func (s *Session) buildTask(taskID string, snaps binding.Snapshots) (*Task, error) {
	doc := crdt.New(s.cfg.ClientID+"/"+uuid.NewString(),
		crdt.WithLogger(s.logger),
		crdt.WithPhysicalClock(time.Now),
	)
	tracker := presence.New(s.cfg.ClientID, s.cfg.User)
	engine := undo.New(doc, append([]undo.Option{undo.WithLogger(s.logger)}, s.undoOpts...)...)

	bindOpts := []binding.Option{binding.WithLogger(s.logger), binding.WithBlockInvalid(s.cfg.BlockInvalid)}
	if s.cfg.OutputSchemaID != "" {
		bindOpts = append(bindOpts, binding.WithOutputSchema(s.Schemas, s.cfg.OutputSchemaID))
	}

	task := &Task{
		ID:       taskID,
		Doc:      doc,
		Undo:     engine,
		Presence: tracker,
		Bindings: binding.New(doc, snaps, bindOpts...),
	}
	if s.cfg.Offline {
		return task, nil
	}

	cfg := s.cfg.Channel
	cfg.TaskID = taskID
	chOpts := []channel.Option{channel.WithLogger(s.logger)}
	var store storage.Store
	if s.openStore != nil {
		var err error
		store, err = s.openStore(taskID)
		if err != nil {
			engine.Close()
			doc.Destroy()
			return nil, fmt.Errorf("open store for task %s: %w", taskID, err)
		}
		chOpts = append(chOpts, channel.WithStore(store))
	}
	ch, err := channel.New(doc, tracker, cfg, chOpts...)
	if err != nil {
		if store != nil {
			store.Close()
		}
		engine.Close()
		doc.Destroy()
		return nil, err
	}
	task.Channel = ch
	return task, nil
}

// CloseTask releases the open task. It is safe to call with no task open.
func (s *Session) CloseTask() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeTaskLocked()
}

func (s *Session) closeTaskLocked() {
	t := s.task
	if t == nil {
		return
	}
	s.task = nil

	t.Undo.Clear()
	t.Undo.Close()
	if t.Channel != nil {
		t.Channel.Destroy()
	}
	t.Presence.Clear()
	t.Doc.Destroy()
	s.logger.Info("task closed", "task_id", t.ID)
}

// Close releases the open task and empties the registries. Calling it again
// is a no-op.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.closeTaskLocked()
	s.Schemas.Clear()
}
