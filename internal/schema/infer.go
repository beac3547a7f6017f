package schema

import (
	"encoding/json"
	"math"
	"sort"
	"strings"

	"glyph-sync-server/internal/domain"
)

const inferredDialect = "http://json-schema.org/draft-07/schema#"

// Infer derives a schema from sample outputs. Keys present in every sample
// become required. A field seen with more than one non-null type is reported
// as an ambiguity and typed after the first type observed; integer and number
// together widen to number without an ambiguity.
func Infer(samples []any) domain.SchemaInferenceResult {
	result := domain.SchemaInferenceResult{Ambiguities: []domain.SchemaAmbiguity{}}
	if len(samples) == 0 {
		result.Schema = map[string]any{"$schema": inferredDialect, "type": "object"}
		return result
	}

	values := make([]any, 0, len(samples))
	for _, s := range samples {
		n, err := normalize(s)
		if err != nil {
			continue
		}
		values = append(values, n)
	}

	inf := &inferrer{}
	schema := inf.infer(values, "")
	schema["$schema"] = inferredDialect
	result.Schema = schema
	result.Ambiguities = append(result.Ambiguities, inf.ambiguities...)
	return result
}

type inferrer struct {
	ambiguities []domain.SchemaAmbiguity
}

func (inf *inferrer) infer(values []any, path string) map[string]any {
	var order []string
	seen := make(map[string]bool)
	for _, v := range values {
		t := jsonType(v)
		if !seen[t] {
			seen[t] = true
			order = append(order, t)
		}
	}

	nullable := seen["null"]
	var kinds []string
	for _, t := range order {
		if t != "null" {
			kinds = append(kinds, t)
		}
	}
	if seen["integer"] && seen["number"] {
		kinds = without(kinds, "integer")
	}

	if len(kinds) == 0 {
		return map[string]any{"type": "null"}
	}
	if len(kinds) > 1 {
		at := path
		if at == "" {
			at = "/"
		}
		inf.ambiguities = append(inf.ambiguities, domain.SchemaAmbiguity{
			Path:        at,
			Description: "Field has multiple types: " + strings.Join(kinds, ", "),
			Options:     append([]string(nil), kinds...),
			Suggested:   kinds[0],
		})
	}

	primary := kinds[0]
	var node map[string]any
	switch primary {
	case "object":
		node = inf.object(values, path)
	case "array":
		node = inf.array(values, path)
	default:
		node = map[string]any{"type": primary}
	}
	if nullable {
		node["type"] = []any{primary, "null"}
	}
	return node
}

func (inf *inferrer) object(values []any, path string) map[string]any {
	var objects []map[string]any
	for _, v := range values {
		if m, ok := v.(map[string]any); ok {
			objects = append(objects, m)
		}
	}

	keySet := make(map[string]bool)
	for _, o := range objects {
		for k := range o {
			keySet[k] = true
		}
	}
	keys := make([]string, 0, len(keySet))
	for k := range keySet {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	properties := make(map[string]any, len(keys))
	required := make([]any, 0, len(keys))
	for _, key := range keys {
		var child []any
		for _, o := range objects {
			if v, ok := o[key]; ok {
				child = append(child, v)
			}
		}
		if len(child) == len(objects) {
			required = append(required, key)
		}
		properties[key] = inf.infer(child, path+"/"+key)
	}

	node := map[string]any{"type": "object", "properties": properties}
	if len(required) > 0 {
		node["required"] = required
	}
	return node
}

func (inf *inferrer) array(values []any, path string) map[string]any {
	var items []any
	for _, v := range values {
		if list, ok := v.([]any); ok {
			items = append(items, list...)
		}
	}
	node := map[string]any{"type": "array"}
	if len(items) > 0 {
		node["items"] = inf.infer(items, path+"[]")
	}
	return node
}

func jsonType(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case float64:
		if t == math.Trunc(t) && !math.IsInf(t, 0) {
			return "integer"
		}
		return "number"
	case json.Number:
		if _, err := t.Int64(); err == nil {
			return "integer"
		}
		return "number"
	case string:
		return "string"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return "null"
	}
}

func without(list []string, drop string) []string {
	out := list[:0:0]
	for _, s := range list {
		if s != drop {
			out = append(out, s)
		}
	}
	return out
}
