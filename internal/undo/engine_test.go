package undo

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"glyph-sync-server/internal/crdt"
	"glyph-sync-server/internal/domain"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time           { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newEngine(t *testing.T) (*crdt.Document, *Engine, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)}
	doc := crdt.New("alice")
	e := New(doc, WithClock(clock.Now))
	t.Cleanup(func() {
		e.Close()
		doc.Destroy()
	})
	return doc, e, clock
}

func TestUndoRedoRoundTrip(t *testing.T) {
	doc, e, clock := newEngine(t)

	require.NoError(t, doc.Set("label", "cat", domain.OriginUserAction))
	clock.Advance(time.Second)
	require.NoError(t, doc.Set("label", "dog", domain.OriginUserAction))

	require.True(t, e.Undo())
	v, _ := doc.Get("label")
	assert.Equal(t, "cat", v)

	require.True(t, e.Redo())
	v, _ = doc.Get("label")
	assert.Equal(t, "dog", v)

	// undo; redo; undo leaves the same state as a single undo
	require.True(t, e.Undo())
	v, _ = doc.Get("label")
	assert.Equal(t, "cat", v)

	require.True(t, e.Undo())
	_, ok := doc.Get("label")
	assert.False(t, ok)
	assert.False(t, e.Undo())
}

func TestUndoEmptyStackIsNoop(t *testing.T) {
	_, e, _ := newEngine(t)

	assert.False(t, e.Undo())
	assert.False(t, e.Redo())
	assert.Equal(t, Status{}, e.Status())
}

func TestCaptureWindowGrouping(t *testing.T) {
	tests := []struct {
		name   string
		gap    time.Duration
		groups int
	}{
		{name: "inside window", gap: 100 * time.Millisecond, groups: 1},
		{name: "just inside window", gap: 499 * time.Millisecond, groups: 1},
		{name: "exactly window", gap: 500 * time.Millisecond, groups: 2},
		{name: "past window", gap: 2 * time.Second, groups: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc, e, clock := newEngine(t)

			require.NoError(t, doc.Set("a", 1, domain.OriginUserAction))
			clock.Advance(tt.gap)
			require.NoError(t, doc.Set("b", 2, domain.OriginUserAction))

			assert.Equal(t, tt.groups, e.Status().UndoStackSize)
		})
	}
}

func TestGroupedUndoRestoresFirstPreImage(t *testing.T) {
	doc, e, clock := newEngine(t)

	require.NoError(t, doc.Set("label", "a", domain.OriginUserAction))
	clock.Advance(time.Second)
	require.NoError(t, doc.Set("label", "b", domain.OriginUserAction))
	clock.Advance(50 * time.Millisecond)
	require.NoError(t, doc.Set("label", "c", domain.OriginUserAction))
	clock.Advance(50 * time.Millisecond)
	require.NoError(t, doc.Set("note", "x", domain.OriginUserAction))

	require.Equal(t, 2, e.Status().UndoStackSize)
	require.True(t, e.Undo())

	v, _ := doc.Get("label")
	assert.Equal(t, "a", v)
	_, ok := doc.Get("note")
	assert.False(t, ok)

	require.True(t, e.Redo())
	v, _ = doc.Get("label")
	assert.Equal(t, "c", v)
	v, _ = doc.Get("note")
	assert.Equal(t, "x", v)
}

func TestStopCapturingStartsNewGroup(t *testing.T) {
	doc, e, clock := newEngine(t)

	require.NoError(t, doc.Set("a", 1, domain.OriginUserAction))
	e.StopCapturing()
	clock.Advance(10 * time.Millisecond)
	require.NoError(t, doc.Set("b", 2, domain.OriginUserAction))

	assert.Equal(t, 2, e.Status().UndoStackSize)
}

func TestOnlyUserActionsAreCaptured(t *testing.T) {
	doc, e, _ := newEngine(t)

	require.NoError(t, doc.Set("a", 1, domain.OriginSystem))

	remote := crdt.New("bob")
	defer remote.Destroy()
	require.NoError(t, remote.Set("b", 2, domain.OriginUserAction))
	require.NoError(t, doc.MergeRemote(remote.EncodeState()))

	assert.Equal(t, Status{}, e.Status())
}

func TestUndoDoesNotTouchOtherClientsFields(t *testing.T) {
	doc, e, _ := newEngine(t)

	require.NoError(t, doc.Set("mine", "x", domain.OriginUserAction))

	remote := crdt.New("bob")
	defer remote.Destroy()
	require.NoError(t, remote.Set("theirs", "y", domain.OriginUserAction))
	require.NoError(t, doc.MergeRemote(remote.EncodeState()))

	require.True(t, e.Undo())
	_, ok := doc.Get("mine")
	assert.False(t, ok)
	v, ok := doc.Get("theirs")
	require.True(t, ok)
	assert.Equal(t, "y", v)
}

func TestUndoAfterRemoteOverwrite(t *testing.T) {
	doc, e, _ := newEngine(t)

	require.NoError(t, doc.Set("label", "cat", domain.OriginUserAction))

	remote := crdt.New("bob")
	defer remote.Destroy()
	require.NoError(t, remote.MergeRemote(doc.EncodeState()))
	require.NoError(t, remote.Set("label", "dog", domain.OriginUserAction))
	require.NoError(t, doc.MergeRemote(remote.EncodeState()))

	v, _ := doc.Get("label")
	require.Equal(t, "dog", v)
	require.Equal(t, 1, e.Status().UndoStackSize)

	require.True(t, e.Undo())
	_, ok := doc.Get("label")
	assert.False(t, ok)

	require.True(t, e.Redo())
	v, _ = doc.Get("label")
	assert.Equal(t, "cat", v)
}

func TestNewChangeClearsRedo(t *testing.T) {
	doc, e, clock := newEngine(t)

	require.NoError(t, doc.Set("a", 1, domain.OriginUserAction))
	require.True(t, e.Undo())
	require.True(t, e.Status().CanRedo)

	clock.Advance(10 * time.Millisecond)
	require.NoError(t, doc.Set("a", 2, domain.OriginUserAction))

	st := e.Status()
	assert.False(t, st.CanRedo)
	assert.Equal(t, 1, st.UndoStackSize)
}

func TestChangeAfterUndoStartsNewGroup(t *testing.T) {
	doc, e, clock := newEngine(t)

	require.NoError(t, doc.Set("a", 1, domain.OriginUserAction))
	clock.Advance(time.Second)
	require.NoError(t, doc.Set("b", 1, domain.OriginUserAction))
	require.True(t, e.Undo())

	clock.Advance(10 * time.Millisecond)
	require.NoError(t, doc.Set("c", 1, domain.OriginUserAction))

	assert.Equal(t, 2, e.Status().UndoStackSize)
}

func TestStatusSubscribers(t *testing.T) {
	doc, e, _ := newEngine(t)

	var got []Status
	unsubscribe := e.Subscribe(func(s Status) { got = append(got, s) })

	require.NoError(t, doc.Set("a", 1, domain.OriginUserAction))
	require.True(t, e.Undo())
	e.Clear()
	unsubscribe()
	unsubscribe()
	require.NoError(t, doc.Set("a", 2, domain.OriginUserAction))

	require.Len(t, got, 3)
	assert.Equal(t, Status{CanUndo: true, UndoStackSize: 1}, got[0])
	assert.Equal(t, Status{CanRedo: true, RedoStackSize: 1}, got[1])
	assert.Equal(t, Status{}, got[2])
}

func TestCloseStopsCapture(t *testing.T) {
	doc, e, _ := newEngine(t)

	e.Close()
	e.Close()
	require.NoError(t, doc.Set("a", 1, domain.OriginUserAction))

	assert.Equal(t, Status{}, e.Status())
	assert.False(t, e.Undo())
}
