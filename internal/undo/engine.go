// Package undo provides per-user undo/redo over a replicated document.
//
// Only user-action changes are captured. Remote-sync and system changes never
// enter the history, which keeps one collaborator's undo from reverting
// another collaborator's work through the history itself.
package undo

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"glyph-sync-server/internal/crdt"
	"glyph-sync-server/internal/domain"
)

const DefaultCaptureTimeout = 500 * time.Millisecond

type Status struct {
	CanUndo       bool `json:"canUndo"`
	CanRedo       bool `json:"canRedo"`
	UndoStackSize int  `json:"undoStackSize"`
	RedoStackSize int  `json:"redoStackSize"`
}

type Option func(*Engine)

func WithCaptureTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d >= 0 {
			e.captureTimeout = d
		}
	}
}

// WithClock replaces time.Now for capture grouping.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

type Engine struct {
	doc            *crdt.Document
	captureTimeout time.Duration
	now            func() time.Time
	logger         *slog.Logger
	unsubscribe    func()

	mu          sync.Mutex
	undoStack   []*group
	redoStack   []*group
	lastChange  time.Time
	stopCapture bool
	replaying   bool
	closed      bool
	subs        map[uint64]func(Status)
	nextSub     uint64
}

func New(doc *crdt.Document, opts ...Option) *Engine {
	e := &Engine{
		doc:            doc,
		captureTimeout: DefaultCaptureTimeout,
		now:            time.Now,
		logger:         slog.Default(),
		subs:           make(map[uint64]func(Status)),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "undo")
	e.unsubscribe = doc.Subscribe(e.observe)
	return e
}

func (e *Engine) observe(c crdt.Change) {
	if !c.Origin.Undoable() {
		return
	}

	e.mu.Lock()
	if e.replaying || e.closed {
		e.mu.Unlock()
		return
	}

	now := e.now()
	var g *group
	if n := len(e.undoStack); n > 0 && !e.stopCapture && !e.lastChange.IsZero() && now.Sub(e.lastChange) < e.captureTimeout {
		g = e.undoStack[n-1]
	} else {
		g = newGroup()
		e.undoStack = append(e.undoStack, g)
	}
	g.capture(c.Fields)
	e.stopCapture = false
	e.lastChange = now
	e.redoStack = nil

	status, subs := e.snapshotLocked()
	e.mu.Unlock()

	emit(subs, status)
}

// Undo reverts the most recent capture group. It reports false when there was
// nothing to undo or the document rejected the write.
func (e *Engine) Undo() bool {
	return e.replay(&e.undoStack, &e.redoStack, func(tx *crdt.Tx, g *group) { g.applyBefore(tx) })
}

// Redo re-applies the most recently undone capture group.
func (e *Engine) Redo() bool {
	return e.replay(&e.redoStack, &e.undoStack, func(tx *crdt.Tx, g *group) { g.applyAfter(tx) })
}

func (e *Engine) replay(from, to *[]*group, apply func(*crdt.Tx, *group)) bool {
	e.mu.Lock()
	if e.closed || len(*from) == 0 {
		e.mu.Unlock()
		return false
	}
	n := len(*from)
	g := (*from)[n-1]
	*from = (*from)[:n-1]
	e.replaying = true
	e.mu.Unlock()

	err := e.doc.Transact(domain.OriginUserAction, func(tx *crdt.Tx) { apply(tx, g) })

	e.mu.Lock()
	e.replaying = false
	if err != nil {
		*from = append(*from, g)
		e.mu.Unlock()
		e.logger.Warn("replay failed", "error", err)
		return false
	}
	*to = append(*to, g)
	e.lastChange = time.Time{}
	status, subs := e.snapshotLocked()
	e.mu.Unlock()

	emit(subs, status)
	return true
}

// StopCapturing makes the next captured change start a new group.
func (e *Engine) StopCapturing() {
	e.mu.Lock()
	e.stopCapture = true
	e.mu.Unlock()
}

// Clear empties both stacks, e.g. when the editor switches tasks.
func (e *Engine) Clear() {
	e.mu.Lock()
	e.undoStack = nil
	e.redoStack = nil
	e.lastChange = time.Time{}
	status, subs := e.snapshotLocked()
	e.mu.Unlock()

	emit(subs, status)
}

func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.statusLocked()
}

func (e *Engine) Subscribe(fn func(Status)) func() {
	e.mu.Lock()
	id := e.nextSub
	e.nextSub++
	e.subs[id] = fn
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			delete(e.subs, id)
			e.mu.Unlock()
		})
	}
}

// Close detaches the engine from the document. It is safe to call twice.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.undoStack = nil
	e.redoStack = nil
	e.subs = make(map[uint64]func(Status))
	e.mu.Unlock()

	e.unsubscribe()
}

func (e *Engine) statusLocked() Status {
	return Status{
		CanUndo:       len(e.undoStack) > 0,
		CanRedo:       len(e.redoStack) > 0,
		UndoStackSize: len(e.undoStack),
		RedoStackSize: len(e.redoStack),
	}
}

func (e *Engine) snapshotLocked() (Status, []func(Status)) {
	ids := make([]uint64, 0, len(e.subs))
	for id := range e.subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	subs := make([]func(Status), 0, len(ids))
	for _, id := range ids {
		subs = append(subs, e.subs[id])
	}
	return e.statusLocked(), subs
}

func emit(subs []func(Status), s Status) {
	for _, fn := range subs {
		fn(s)
	}
}
