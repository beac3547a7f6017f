package binding

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"glyph-sync-server/internal/crdt"
	"glyph-sync-server/internal/domain"
	"glyph-sync-server/internal/schema"
	"glyph-sync-server/internal/undo"
)

func newLayer(t *testing.T, opts ...Option) (*Layer, *crdt.Document) {
	t.Helper()
	doc := crdt.New("client-a")
	t.Cleanup(doc.Destroy)
	snaps := Snapshots{
		Input:   map[string]any{"text": "a cat on a mat", "image": map[string]any{"width": 640.0}, "tags": []any{"x", "y"}},
		Context: map[string]any{"taskId": "t1"},
		Config:  map[string]any{"labels": []any{"cat", "dog"}},
		User:    map[string]any{"name": "ada"},
	}
	return New(doc, snaps, opts...), doc
}

func TestResolveReadOnlyRoots(t *testing.T) {
	l, _ := newLayer(t)

	tests := []struct {
		path string
		want any
	}{
		{"input.text", "a cat on a mat"},
		{"$.input.text", "a cat on a mat"},
		{"input.image.width", 640.0},
		{"input.tags.1", "y"},
		{"context.taskId", "t1"},
		{"user.name", "ada"},
	}
	for _, tt := range tests {
		got, ok := l.Resolve(tt.path)
		require.True(t, ok, tt.path)
		assert.Equal(t, tt.want, got, tt.path)
	}
}

func TestResolveMissingIsUndefined(t *testing.T) {
	l, _ := newLayer(t)

	for _, path := range []string{
		"secrets.token",
		"input.nope",
		"input.text.deeper",
		"input.image.height.value",
		"input.tags.9",
		"output.label",
		"",
	} {
		v, ok := l.Resolve(path)
		assert.False(t, ok, path)
		assert.Nil(t, v, path)
	}
}

func TestSnapshotsAreCopied(t *testing.T) {
	input := map[string]any{"text": "before"}
	doc := crdt.New("a")
	l := New(doc, Snapshots{Input: input})

	input["text"] = "after"
	got, _ := l.Resolve("input.text")
	assert.Equal(t, "before", got)

	img, _ := l.Resolve("input")
	img.(map[string]any)["text"] = "mutated"
	got, _ = l.Resolve("input.text")
	assert.Equal(t, "before", got)
}

func TestSetOutputWritesUserAction(t *testing.T) {
	l, doc := newLayer(t)

	var origins []domain.Origin
	doc.Subscribe(func(c crdt.Change) { origins = append(origins, c.Origin) })

	require.NoError(t, l.Set("$.output.label", "cat"))
	got, ok := l.Resolve("output.label")
	require.True(t, ok)
	assert.Equal(t, "cat", got)
	assert.Equal(t, []domain.Origin{domain.OriginUserAction}, origins)
}

func TestSetNestedRewritesTopLevelField(t *testing.T) {
	l, doc := newLayer(t)

	require.NoError(t, l.Set("output.box.x", 10))
	require.NoError(t, l.Set("output.box.y", 20))

	box, ok := doc.Get("box")
	require.True(t, ok)
	assert.Equal(t, map[string]any{"x": 10.0, "y": 20.0}, box)

	v, ok := l.Resolve("output.box.y")
	require.True(t, ok)
	assert.Equal(t, 20.0, v)
}

func TestSetThroughScalarFails(t *testing.T) {
	l, _ := newLayer(t)
	require.NoError(t, l.Set("output.label", "cat"))

	err := l.Set("output.label.inner", 1)
	assert.ErrorIs(t, err, ErrNotAnObject)
}

func TestSetReadOnlyRoots(t *testing.T) {
	l, _ := newLayer(t)

	for _, path := range []string{"input.text", "context.taskId", "config.labels", "user.name"} {
		err := l.Set(path, "x")
		assert.ErrorIs(t, err, ErrReadOnlyRoot, path)
	}
	assert.ErrorIs(t, l.Set("secrets.token", "x"), ErrUnknownRoot)
	assert.ErrorIs(t, l.Set("output", "x"), ErrEmptyPath)
}

func TestDelete(t *testing.T) {
	l, doc := newLayer(t)
	require.NoError(t, l.Set("output.label", "cat"))
	require.NoError(t, l.Set("output.box.x", 1))
	require.NoError(t, l.Set("output.box.y", 2))

	require.NoError(t, l.Delete("output.label"))
	require.NoError(t, l.Delete("output.box.x"))

	_, ok := doc.Get("label")
	assert.False(t, ok)
	box, _ := doc.Get("box")
	assert.Equal(t, map[string]any{"y": 2.0}, box)
}

func TestWritesAreUndoable(t *testing.T) {
	l, doc := newLayer(t)
	engine := undo.New(doc)
	t.Cleanup(engine.Close)

	require.NoError(t, l.Set("output.label", "cat"))
	require.True(t, engine.Undo())

	_, ok := l.Resolve("output.label")
	assert.False(t, ok)
}

const labelSchema = `{
	"type": "object",
	"properties": {"label": {"type": "string", "enum": ["cat", "dog"]}}
}`

func TestValidateOutput(t *testing.T) {
	reg := schema.NewRegistry()
	_, err := reg.Compile("labels", []byte(labelSchema))
	require.NoError(t, err)

	l, _ := newLayer(t, WithOutputSchema(reg, "labels"))

	require.NoError(t, l.Set("output.label", "bird"))
	ok, errs, err := l.ValidateOutput()
	require.NoError(t, err)
	assert.False(t, ok)
	require.NotEmpty(t, errs)
	assert.Equal(t, "/label", errs[0].InstancePath)

	require.NoError(t, l.Set("output.label", "dog"))
	ok, _, err = l.ValidateOutput()
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestValidateOutputUnknownSchema(t *testing.T) {
	l, _ := newLayer(t, WithOutputSchema(schema.NewRegistry(), "missing"))
	_, _, err := l.ValidateOutput()
	assert.ErrorIs(t, err, schema.ErrUnknownSchema)
}

func TestBlockInvalidRejectsWrite(t *testing.T) {
	reg := schema.NewRegistry()
	_, err := reg.Compile("labels", []byte(labelSchema))
	require.NoError(t, err)

	l, doc := newLayer(t, WithOutputSchema(reg, "labels"), WithBlockInvalid(true))

	err = l.Set("output.label", "bird")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrValidationFailed))
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.NotEmpty(t, verr.Errors)

	_, ok := doc.Get("label")
	assert.False(t, ok)

	require.NoError(t, l.Set("output.label", "cat"))
}

func TestWithoutSchemaOutputIsValid(t *testing.T) {
	l, _ := newLayer(t)
	ok, errs, err := l.ValidateOutput()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, errs)
}

func TestSetIntoArrays(t *testing.T) {
	l, doc := newLayer(t)
	require.NoError(t, l.Set("output.boxes", []any{
		map[string]any{"x": 1.0},
		map[string]any{"x": 2.0},
	}))

	require.NoError(t, l.Set("output.boxes.1.x", 5))
	v, ok := l.Resolve("output.boxes.1.x")
	require.True(t, ok)
	assert.Equal(t, 5.0, v)

	require.NoError(t, l.Set("output.boxes.2", map[string]any{"x": 9}))
	require.NoError(t, l.Set("output.boxes.0", "first"))

	boxes, ok := doc.Get("boxes")
	require.True(t, ok)
	assert.Equal(t, []any{"first", map[string]any{"x": 5.0}, map[string]any{"x": 9.0}}, boxes)

	require.NoError(t, l.Delete("output.boxes.1"))
	boxes, _ = doc.Get("boxes")
	assert.Equal(t, []any{"first", map[string]any{"x": 9.0}}, boxes)

	assert.ErrorIs(t, l.Set("output.boxes.7.x", 1), ErrIndexOutOfRange)
	assert.ErrorIs(t, l.Set("output.boxes.5", 1), ErrIndexOutOfRange)
	assert.ErrorIs(t, l.Set("output.boxes.name", 1), ErrNotAnObject)
}
