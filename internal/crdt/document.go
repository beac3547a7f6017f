// Package crdt implements the replicated annotation output document.
//
// A Document is a map from field name to JSON value where every field is an
// independent last-writer-wins register ordered by a Lamport clock and the
// writing client's id. Replicas that have seen the same set of updates, in
// any order and with any duplication, hold identical state. There is no
// atomicity across fields.
package crdt

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"glyph-sync-server/internal/domain"
)

var (
	ErrDestroyed     = errors.New("document destroyed")
	ErrEmptyField    = errors.New("field name is required")
	ErrInvalidOrigin = errors.New("invalid origin")
)

// Counter is satisfied by prometheus.Counter.
type Counter interface {
	Inc()
}

type FieldChange struct {
	Field  string
	Old    any
	HadOld bool
	New    any
	HasNew bool
}

// Change is delivered to subscribers after a write or merge has been applied.
// Update holds the opaque encoding of exactly the entries that changed.
type Change struct {
	Origin domain.Origin
	Fields []FieldChange
	Update []byte
}

type Option func(*Document)

func WithLogger(logger *slog.Logger) Option {
	return func(d *Document) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithRejectCounter counts remote updates dropped as malformed.
func WithRejectCounter(c Counter) Option {
	return func(d *Document) {
		d.rejected = c
	}
}

// WithPhysicalClock raises the clock of every local write to at least the
// current Unix time in milliseconds. A replica reopened without its history
// then still orders new writes after the ones it wrote before.
func WithPhysicalClock(now func() time.Time) Option {
	return func(d *Document) {
		d.now = now
	}
}

type Document struct {
	clientID string
	logger   *slog.Logger
	rejected Counter
	now      func() time.Time

	// writeMu serializes mutations together with their notifications so
	// subscribers observe changes in apply order.
	writeMu sync.Mutex

	mu        sync.RWMutex
	entries   map[string]entry
	clock     uint64
	subs      map[uint64]func(Change)
	nextSub   uint64
	destroyed bool
}

func New(clientID string, opts ...Option) *Document {
	d := &Document{
		clientID: clientID,
		logger:   slog.Default(),
		entries:  make(map[string]entry),
		subs:     make(map[uint64]func(Change)),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("component", "crdt", "client_id", clientID)
	return d
}

func (d *Document) tickLocked() uint64 {
	d.clock++
	if d.now != nil {
		if ms := d.now().UnixMilli(); ms > 0 && uint64(ms) > d.clock {
			d.clock = uint64(ms)
		}
	}
	return d.clock
}

func (d *Document) ClientID() string {
	return d.clientID
}

// Get returns a decoded copy of the field's value; absent fields report false.
func (d *Document) Get(field string) (any, bool) {
	d.mu.RLock()
	e, ok := d.entries[field]
	d.mu.RUnlock()
	if !ok || e.Deleted {
		return nil, false
	}
	return decodeValue(e.Value), true
}

// Snapshot returns a decoded copy of every live field.
func (d *Document) Snapshot() map[string]any {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make(map[string]any, len(d.entries))
	for field, e := range d.entries {
		if e.Deleted {
			continue
		}
		out[field] = decodeValue(e.Value)
	}
	return out
}

func (d *Document) Fields() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	fields := make([]string, 0, len(d.entries))
	for field, e := range d.entries {
		if !e.Deleted {
			fields = append(fields, field)
		}
	}
	sort.Strings(fields)
	return fields
}

// Set writes a single field. The local replica is updated before Set returns.
func (d *Document) Set(field string, value any, origin domain.Origin) error {
	return d.Transact(origin, func(tx *Tx) {
		tx.Set(field, value)
	})
}

func (d *Document) Delete(field string, origin domain.Origin) error {
	return d.Transact(origin, func(tx *Tx) {
		tx.Delete(field)
	})
}

// Transact applies every write made through tx as one change with one update.
// Subscribers must not write to the document from their callbacks.
func (d *Document) Transact(origin domain.Origin, fn func(tx *Tx)) error {
	if !origin.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidOrigin, origin)
	}

	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	if d.isDestroyed() {
		return ErrDestroyed
	}

	tx := &Tx{doc: d, writes: make(map[string]pendingWrite)}
	fn(tx)
	if tx.err != nil {
		return tx.err
	}
	if len(tx.order) == 0 {
		return nil
	}

	d.mu.Lock()
	clock := d.tickLocked()
	written := make(map[string]entry, len(tx.order))
	changes := make([]FieldChange, 0, len(tx.order))
	for _, field := range tx.order {
		w := tx.writes[field]
		prev, existed := d.entries[field]
		if w.deleted && (!existed || prev.Deleted) {
			continue
		}
		e := entry{Clock: clock, Client: d.clientID, Deleted: w.deleted, Value: w.value}
		d.entries[field] = e
		written[field] = e
		changes = append(changes, fieldChange(field, prev, existed, e))
	}
	subs := d.subscribersLocked()
	d.mu.Unlock()

	if len(changes) == 0 {
		return nil
	}
	notify(subs, Change{Origin: origin, Fields: changes, Update: encodeUpdate(written)})
	return nil
}

// MergeRemote merges an update received from a peer with origin remote-sync.
// Malformed updates are dropped and logged; local state is left untouched.
func (d *Document) MergeRemote(update []byte) error {
	return d.Merge(update, domain.OriginRemoteSync)
}

// Merge applies an opaque update with the given origin. Entries that lose to
// local state are ignored, so merging is idempotent and order-independent.
func (d *Document) Merge(update []byte, origin domain.Origin) error {
	if !origin.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidOrigin, origin)
	}

	incoming, err := decodeUpdate(update)
	if err != nil {
		d.logger.Warn("dropping remote update", "error", err, "bytes", len(update))
		if d.rejected != nil {
			d.rejected.Inc()
		}
		return err
	}

	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	if d.isDestroyed() {
		return ErrDestroyed
	}

	fields := make([]string, 0, len(incoming))
	for field := range incoming {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	d.mu.Lock()
	applied := make(map[string]entry)
	changes := make([]FieldChange, 0, len(fields))
	for _, field := range fields {
		e := incoming[field]
		if e.Clock > d.clock {
			d.clock = e.Clock
		}
		prev, existed := d.entries[field]
		if existed && !e.wins(prev) {
			continue
		}
		d.entries[field] = e
		applied[field] = e
		if (!existed || prev.Deleted) && e.Deleted {
			continue
		}
		changes = append(changes, fieldChange(field, prev, existed, e))
	}
	subs := d.subscribersLocked()
	d.mu.Unlock()

	if len(changes) == 0 {
		return nil
	}
	notify(subs, Change{Origin: origin, Fields: changes, Update: encodeUpdate(applied)})
	return nil
}

// EncodeState encodes the whole replica, tombstones included, as one update.
func (d *Document) EncodeState() []byte {
	d.mu.RLock()
	defer d.mu.RUnlock()

	entries := make(map[string]entry, len(d.entries))
	for field, e := range d.entries {
		entries[field] = e
	}
	return encodeUpdate(entries)
}

// Subscribe registers fn for every applied change. The returned function
// removes the subscription and is safe to call more than once.
func (d *Document) Subscribe(fn func(Change)) func() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.destroyed {
		return func() {}
	}
	id := d.nextSub
	d.nextSub++
	d.subs[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.subs, id)
			d.mu.Unlock()
		})
	}
}

// Destroy releases the replica and its subscribers. Calling it again is a no-op.
func (d *Document) Destroy() {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.destroyed {
		return
	}
	d.destroyed = true
	d.entries = make(map[string]entry)
	d.subs = make(map[uint64]func(Change))
}

func (d *Document) Destroyed() bool {
	return d.isDestroyed()
}

func (d *Document) isDestroyed() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.destroyed
}

func (d *Document) subscribersLocked() []func(Change) {
	ids := make([]uint64, 0, len(d.subs))
	for id := range d.subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	subs := make([]func(Change), 0, len(ids))
	for _, id := range ids {
		subs = append(subs, d.subs[id])
	}
	return subs
}

func notify(subs []func(Change), change Change) {
	for _, fn := range subs {
		fn(change)
	}
}

func fieldChange(field string, prev entry, existed bool, next entry) FieldChange {
	fc := FieldChange{Field: field}
	if existed && !prev.Deleted {
		fc.Old = decodeValue(prev.Value)
		fc.HadOld = true
	}
	if !next.Deleted {
		fc.New = decodeValue(next.Value)
		fc.HasNew = true
	}
	return fc
}

func decodeValue(raw json.RawMessage) any {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	return v
}

type pendingWrite struct {
	value   json.RawMessage
	deleted bool
}

// Tx collects the writes of one Transact call.
type Tx struct {
	doc    *Document
	writes map[string]pendingWrite
	order  []string
	err    error
}

func (tx *Tx) Set(field string, value any) {
	if tx.err != nil {
		return
	}
	if field == "" {
		tx.err = ErrEmptyField
		return
	}
	raw, err := json.Marshal(value)
	if err != nil {
		tx.err = fmt.Errorf("encode field %q: %w", field, err)
		return
	}
	tx.record(field, pendingWrite{value: raw})
}

func (tx *Tx) Delete(field string) {
	if tx.err != nil {
		return
	}
	if field == "" {
		tx.err = ErrEmptyField
		return
	}
	tx.record(field, pendingWrite{deleted: true})
}

// Get reads through pending writes of this transaction.
func (tx *Tx) Get(field string) (any, bool) {
	if w, ok := tx.writes[field]; ok {
		if w.deleted {
			return nil, false
		}
		return decodeValue(w.value), true
	}
	return tx.doc.Get(field)
}

func (tx *Tx) record(field string, w pendingWrite) {
	if _, seen := tx.writes[field]; !seen {
		tx.order = append(tx.order, field)
	}
	tx.writes[field] = w
}
