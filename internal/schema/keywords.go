package schema

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

var knownKeywords = map[string]bool{
	"$schema": true, "$id": true, "id": true, "$ref": true, "$comment": true,
	"title": true, "description": true, "default": true, "examples": true, "readOnly": true,
	"type": true, "format": true, "enum": true,
	"multipleOf": true, "maximum": true, "exclusiveMaximum": true, "minimum": true, "exclusiveMinimum": true,
	"maxLength": true, "minLength": true, "pattern": true,
	"items": true, "additionalItems": true, "maxItems": true, "minItems": true, "uniqueItems": true,
	"properties": true, "patternProperties": true, "additionalProperties": true,
	"required": true, "maxProperties": true, "minProperties": true, "dependencies": true,
	"allOf": true, "anyOf": true, "oneOf": true, "not": true, "definitions": true,
	"const": true, "contains": true, "propertyNames": true,
	"if": true, "then": true, "else": true,
	"writeOnly": true, "contentMediaType": true, "contentEncoding": true,
}

var typeNames = map[string]bool{
	"object": true, "array": true, "string": true, "number": true,
	"integer": true, "boolean": true, "null": true,
}

// checkSchema walks a decoded schema and reports the first structural problem.
// In strict mode unknown keywords are an error; vendor extensions (x-*) are
// always allowed.
func checkSchema(node map[string]any, path string, strict bool) error {
	keys := make([]string, 0, len(node))
	for k := range node {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		v := node[k]
		if !knownKeywords[k] {
			if strict && !strings.HasPrefix(k, "x-") {
				return fmt.Errorf("unknown keyword %q at %s", k, path)
			}
			continue
		}

		at := path + "/" + k
		switch k {
		case "type":
			if err := checkType(v, at); err != nil {
				return err
			}
		case "pattern":
			s, ok := v.(string)
			if !ok {
				return fmt.Errorf("%s must be a string", at)
			}
			if _, err := regexp.Compile(s); err != nil {
				return fmt.Errorf("%s: %v", at, err)
			}
		case "required":
			list, ok := v.([]any)
			if !ok {
				return fmt.Errorf("%s must be an array of strings", at)
			}
			for _, item := range list {
				if _, ok := item.(string); !ok {
					return fmt.Errorf("%s must be an array of strings", at)
				}
			}
		case "enum":
			if _, ok := v.([]any); !ok {
				return fmt.Errorf("%s must be an array", at)
			}
		case "properties", "patternProperties", "definitions":
			m, ok := v.(map[string]any)
			if !ok {
				return fmt.Errorf("%s must be an object", at)
			}
			for name, sub := range m {
				if k == "patternProperties" {
					if _, err := regexp.Compile(name); err != nil {
						return fmt.Errorf("%s/%s: %v", at, name, err)
					}
				}
				if err := checkSubschema(sub, at+"/"+name, strict); err != nil {
					return err
				}
			}
		case "items":
			if list, ok := v.([]any); ok {
				for i, sub := range list {
					if err := checkSubschema(sub, fmt.Sprintf("%s/%d", at, i), strict); err != nil {
						return err
					}
				}
				continue
			}
			if err := checkSubschema(v, at, strict); err != nil {
				return err
			}
		case "additionalItems", "additionalProperties":
			if err := checkSubschema(v, at, strict); err != nil {
				return err
			}
		case "allOf", "anyOf", "oneOf":
			list, ok := v.([]any)
			if !ok || len(list) == 0 {
				return fmt.Errorf("%s must be a non-empty array", at)
			}
			for i, sub := range list {
				if err := checkSubschema(sub, fmt.Sprintf("%s/%d", at, i), strict); err != nil {
					return err
				}
			}
		case "not", "contains", "propertyNames", "if", "then", "else":
			if err := checkSubschema(v, at, strict); err != nil {
				return err
			}
		case "exclusiveMinimum", "exclusiveMaximum", "minimum", "maximum", "multipleOf":
			if _, ok := v.(float64); !ok {
				return fmt.Errorf("%s must be a number", at)
			}
		case "dependencies":
			m, ok := v.(map[string]any)
			if !ok {
				return fmt.Errorf("%s must be an object", at)
			}
			for name, dep := range m {
				if _, ok := dep.([]any); ok {
					continue
				}
				if err := checkSubschema(dep, at+"/"+name, strict); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func checkSubschema(v any, path string, strict bool) error {
	if _, ok := v.(bool); ok {
		return nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return fmt.Errorf("%s must be a schema object", path)
	}
	return checkSchema(m, path, strict)
}

func checkType(v any, path string) error {
	switch t := v.(type) {
	case string:
		if !typeNames[t] {
			return fmt.Errorf("%s: unknown type %q", path, t)
		}
	case []any:
		for _, item := range t {
			s, ok := item.(string)
			if !ok || !typeNames[s] {
				return fmt.Errorf("%s: unknown type %v", path, item)
			}
		}
	default:
		return fmt.Errorf("%s must be a string or array", path)
	}
	return nil
}
