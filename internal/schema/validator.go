package schema

import (
	"bytes"
	"encoding/json"
	stderrors "errors"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/santhosh-tekuri/jsonschema/v6/kind"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"glyph-sync-server/internal/domain"
)

var printer = message.NewPrinter(language.English)

// Validator is a compiled schema. Validate records its errors on the owning
// registry under the validator's id. A compiled schema is immutable, so one
// Validator may be used from several goroutines.
type Validator struct {
	id       string
	registry *Registry
	raw      map[string]any
	compiled *jsonschema.Schema
}

func (v *Validator) ID() string {
	return v.id
}

// Validate checks data against the schema. When data is a map, defaults
// declared under properties are written into it before validation.
func (v *Validator) Validate(data any) bool {
	if m, ok := data.(map[string]any); ok {
		applyDefaults(v.raw, m)
	}

	normalized, err := normalize(data)
	if err != nil {
		errs := []domain.SchemaError{{
			InstancePath: "",
			Message:      "value is not representable as JSON: " + err.Error(),
			Keyword:      "type",
			Params:       map[string]any{},
		}}
		v.registry.setErrors(v.id, errs)
		v.registry.metrics.SchemaValidated(false)
		return false
	}

	var errs []domain.SchemaError
	if err := v.compiled.Validate(normalized); err != nil {
		errs = v.convert(err)
	}
	v.registry.setErrors(v.id, errs)
	v.registry.metrics.SchemaValidated(len(errs) == 0)
	return len(errs) == 0
}

// Errors returns the errors of the validator's most recent run.
func (v *Validator) Errors() []domain.SchemaError {
	return v.registry.Errors(v.id)
}

func (v *Validator) convert(err error) []domain.SchemaError {
	var ve *jsonschema.ValidationError
	if !stderrors.As(err, &ve) {
		return []domain.SchemaError{{Message: err.Error(), Keyword: "schema", Params: map[string]any{}}}
	}

	var out []domain.SchemaError
	seen := make(map[string]bool)
	for _, leaf := range leaves(ve) {
		for _, se := range toSchemaErrors(leaf) {
			key := se.InstancePath + "\x00" + se.Keyword + "\x00" + se.Message
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, se)
		}
	}
	if len(out) == 0 {
		out = append(out, domain.SchemaError{Message: ve.Error(), Keyword: "schema", Params: map[string]any{}})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].InstancePath < out[j].InstancePath
	})
	return out
}

// leaves collects the innermost failures. Combinators whose branches all
// failed are reported as themselves rather than as every branch's errors.
func leaves(ve *jsonschema.ValidationError) []*jsonschema.ValidationError {
	switch ve.ErrorKind.(type) {
	case *kind.AnyOf, *kind.OneOf, *kind.Not, *kind.Contains, *kind.PropertyNames:
		return []*jsonschema.ValidationError{ve}
	}
	if len(ve.Causes) == 0 {
		return []*jsonschema.ValidationError{ve}
	}
	var out []*jsonschema.ValidationError
	for _, c := range ve.Causes {
		out = append(out, leaves(c)...)
	}
	return out
}

func toSchemaErrors(ve *jsonschema.ValidationError) []domain.SchemaError {
	path := pointer(ve.InstanceLocation)
	base := domain.SchemaError{
		InstancePath: path,
		Message:      ve.ErrorKind.LocalizedString(printer),
		Keyword:      keywordOf(ve.ErrorKind),
		Params:       map[string]any{},
	}

	switch k := ve.ErrorKind.(type) {
	case *kind.Required:
		out := make([]domain.SchemaError, 0, len(k.Missing))
		for _, prop := range k.Missing {
			out = append(out, domain.SchemaError{
				InstancePath: path,
				Message:      "missing property '" + prop + "'",
				Keyword:      "required",
				Params:       map[string]any{"missingProperty": prop},
			})
		}
		return out
	case *kind.AdditionalProperties:
		out := make([]domain.SchemaError, 0, len(k.Properties))
		for _, prop := range k.Properties {
			out = append(out, domain.SchemaError{
				InstancePath: path,
				Message:      "additional property '" + prop + "' not allowed",
				Keyword:      "additionalProperties",
				Params:       map[string]any{"additionalProperty": prop},
			})
		}
		return out
	case *kind.Type:
		base.Params["type"] = strings.Join(k.Want, ",")
	case *kind.Enum:
		base.Params["allowedValues"] = k.Want
	case *kind.Const:
		base.Params["allowedValue"] = k.Want
	case *kind.Format:
		base.Params["format"] = k.Want
	case *kind.Pattern:
		base.Params["pattern"] = k.Want
	case *kind.MinLength:
		base.Params["limit"] = k.Want
	case *kind.MaxLength:
		base.Params["limit"] = k.Want
	case *kind.MinItems:
		base.Params["limit"] = k.Want
	case *kind.MaxItems:
		base.Params["limit"] = k.Want
	case *kind.MinProperties:
		base.Params["limit"] = k.Want
	case *kind.MaxProperties:
		base.Params["limit"] = k.Want
	}
	return []domain.SchemaError{base}
}

// keywordOf is the last element of the failing keyword's schema path, e.g.
// "enum" for properties/label/enum.
func keywordOf(k jsonschema.ErrorKind) string {
	path := k.KeywordPath()
	if len(path) == 0 {
		return "schema"
	}
	return path[len(path)-1]
}

// pointer renders an instance location as a JSON pointer. The document root
// is the empty string.
func pointer(location []string) string {
	if len(location) == 0 {
		return ""
	}
	parts := make([]string, len(location))
	for i, p := range location {
		parts[i] = strings.ReplaceAll(strings.ReplaceAll(p, "~", "~0"), "/", "~1")
	}
	return "/" + strings.Join(parts, "/")
}

// normalize turns arbitrary Go values into the plain JSON model the
// validator expects, with numbers kept as json.Number.
func normalize(data any) (any, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(bytes.NewReader(raw))
}

// applyDefaults fills absent properties from their declared defaults,
// descending into nested objects that are present or were just defaulted.
func applyDefaults(schema map[string]any, data map[string]any) {
	props, ok := schema["properties"].(map[string]any)
	if !ok {
		return
	}
	for name, rawProp := range props {
		prop, ok := rawProp.(map[string]any)
		if !ok {
			continue
		}
		if _, present := data[name]; !present {
			if def, ok := prop["default"]; ok {
				data[name] = deepCopy(def)
			}
		}
		if child, ok := data[name].(map[string]any); ok {
			applyDefaults(prop, child)
		}
	}
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = deepCopy(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = deepCopy(val)
		}
		return out
	default:
		return v
	}
}
