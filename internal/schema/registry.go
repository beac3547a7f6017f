// Package schema compiles JSON Schemas once and validates annotation data
// against them.
package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"sync"

	"github.com/go-openapi/strfmt"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"glyph-sync-server/internal/domain"
)

var (
	// ErrInvalidSchema marks a schema that cannot be compiled. It is never
	// returned for data that merely fails validation.
	ErrInvalidSchema = errors.New("invalid schema")
	ErrUnknownSchema = errors.New("schema not compiled")
	ErrEmptyID       = errors.New("schema id is required")
)

type Metrics interface {
	SchemaCompiled()
	SchemaValidated(valid bool)
}

type nopMetrics struct{}

func (nopMetrics) SchemaCompiled()      {}
func (nopMetrics) SchemaValidated(bool) {}

type Option func(*Registry)

// WithStrict toggles rejection of unknown keywords at compile time. Strict
// mode is on by default.
func WithStrict(strict bool) Option {
	return func(r *Registry) {
		r.strict = strict
	}
}

// WithFormats supplies the registry consulted for formats draft-07 does not
// define itself, such as uuid4, hexcolor or isbn.
func WithFormats(formats strfmt.Registry) Option {
	return func(r *Registry) {
		if formats != nil {
			r.formats = formats
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func WithMetrics(m Metrics) Option {
	return func(r *Registry) {
		if m != nil {
			r.metrics = m
		}
	}
}

type Stats struct {
	Compiles  int64 `json:"compiles"`
	CacheHits int64 `json:"cacheHits"`
	Cached    int   `json:"cached"`
}

// Registry caches compiled validators by schema id. It is safe for concurrent
// use.
type Registry struct {
	strict  bool
	formats strfmt.Registry
	logger  *slog.Logger
	metrics Metrics

	mu         sync.RWMutex
	validators map[string]*Validator
	lastErrors map[string][]domain.SchemaError
	compiles   int64
	hits       int64
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		strict:     true,
		formats:    strfmt.Default,
		logger:     slog.Default(),
		metrics:    nopMetrics{},
		validators: make(map[string]*Validator),
		lastErrors: make(map[string][]domain.SchemaError),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "schema")
	return r
}

// Compile builds a validator for schemaJSON and caches it under id. A second
// call with the same id returns the cached validator without recompiling.
func (r *Registry) Compile(id string, schemaJSON []byte) (*Validator, error) {
	if id == "" {
		return nil, ErrEmptyID
	}

	r.mu.RLock()
	v, ok := r.validators[id]
	r.mu.RUnlock()
	if ok {
		r.mu.Lock()
		r.hits++
		r.mu.Unlock()
		return v, nil
	}

	v, err := r.compile(id, schemaJSON)
	if err != nil {
		r.logger.Warn("schema compile failed", "schema_id", id, "error", err)
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.validators[id]; ok {
		r.hits++
		return existing, nil
	}
	r.validators[id] = v
	r.compiles++
	r.metrics.SchemaCompiled()
	return v, nil
}

func (r *Registry) compile(id string, schemaJSON []byte) (*Validator, error) {
	var raw any
	if err := json.Unmarshal(schemaJSON, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSchema, err)
	}
	root, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: schema must be a JSON object", ErrInvalidSchema)
	}
	if err := checkSchema(root, "#", r.strict); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSchema, err)
	}

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSchema, err)
	}

	loc := "https://glyph.invalid/schemas/" + url.PathEscape(id) + ".json"
	c := jsonschema.NewCompiler()
	c.DefaultDraft(jsonschema.Draft7)
	c.AssertFormat()
	for _, f := range r.extraFormats() {
		c.RegisterFormat(f)
	}
	if err := c.AddResource(loc, doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSchema, err)
	}
	compiled, err := c.Compile(loc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSchema, err)
	}

	return &Validator{
		id:       id,
		registry: r,
		raw:      root,
		compiled: compiled,
	}, nil
}

// strfmt names that draft-07 does not know about.
var bridgedFormats = []string{
	"uuid3", "uuid4", "uuid5", "isbn", "isbn10", "isbn13", "creditcard", "ssn",
	"hexcolor", "rgbcolor", "mac", "bsonobjectid", "ulid", "cidr",
}

func (r *Registry) extraFormats() []*jsonschema.Format {
	var out []*jsonschema.Format
	for _, name := range bridgedFormats {
		if !r.formats.ContainsName(name) {
			continue
		}
		name := name
		out = append(out, &jsonschema.Format{
			Name: name,
			Validate: func(v any) error {
				s, ok := v.(string)
				if !ok {
					return nil
				}
				if !r.formats.Validates(name, s) {
					return fmt.Errorf("not a valid %s", name)
				}
				return nil
			},
		})
	}
	return out
}

func (r *Registry) Get(id string) (*Validator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.validators[id]
	return v, ok
}

// Validate runs the validator compiled under id.
func (r *Registry) Validate(id string, data any) (bool, error) {
	v, ok := r.Get(id)
	if !ok {
		return false, fmt.Errorf("%w: %q", ErrUnknownSchema, id)
	}
	return v.Validate(data), nil
}

// Errors returns the errors of the most recent validation under id.
func (r *Registry) Errors(id string) []domain.SchemaError {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]domain.SchemaError(nil), r.lastErrors[id]...)
}

func (r *Registry) setErrors(id string, errs []domain.SchemaError) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastErrors[id] = errs
}

// Clear drops every cached validator and recorded error.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.validators = make(map[string]*Validator)
	r.lastErrors = make(map[string][]domain.SchemaError)
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.validators)
}

func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.validators))
	for id := range r.validators {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Stats{Compiles: r.compiles, CacheHits: r.hits, Cached: len(r.validators)}
}
