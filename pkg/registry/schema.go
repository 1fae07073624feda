// SPDX-FileCopyrightText: Copyright 2026 Meridian Authors
// SPDX-License-Identifier: Apache-2.0

// Package registry holds the schema-validated tool and dispatch machinery.
// Tools declare their inputs as a field-by-field schema that is compiled to
// JSON Schema and enforced with gojsonschema before any handler runs.
package registry

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// FieldKind enumerates the declared field types.
type FieldKind string

// Field kinds.
const (
	FieldString  FieldKind = "string"
	FieldNumber  FieldKind = "number"
	FieldInteger FieldKind = "integer"
	FieldBoolean FieldKind = "boolean"
	FieldEnum    FieldKind = "enum"
	FieldArray   FieldKind = "array"
	FieldObject  FieldKind = "object"
)

// Field declares one input field with its constraints.
type Field struct {
	Kind        FieldKind
	Description string
	Required    bool
	Default     any
	// Enum is the closed value set for FieldEnum.
	Enum []string
	// Minimum/Maximum bound numeric fields.
	Minimum *float64
	Maximum *float64
	// Pattern is a regex constraint on string fields.
	Pattern string
	// Items describes array elements.
	Items *Field
	// Properties describes nested object fields.
	Properties map[string]Field
}

// Schema is a declared tool input: named fields with constraints.
type Schema struct {
	Fields map[string]Field
}

// DynamicEnum builds a closed-set string field from a list of values, e.g.
// the set of registered workflow names.
func DynamicEnum(values []string) Field {
	sorted := append([]string(nil), values...)
	sort.Strings(sorted)
	return Field{Kind: FieldEnum, Required: true, Enum: sorted}
}

// JSONSchema compiles the declared schema to a JSON Schema document.
func (s *Schema) JSONSchema() map[string]any {
	properties := make(map[string]any, len(s.Fields))
	var required []string
	for name, field := range s.Fields {
		properties[name] = field.jsonSchema()
		if field.Required {
			required = append(required, name)
		}
	}
	sort.Strings(required)
	doc := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		doc["required"] = required
	}
	return doc
}

func (f Field) jsonSchema() map[string]any {
	doc := map[string]any{}
	switch f.Kind {
	case FieldEnum:
		doc["type"] = "string"
		doc["enum"] = f.Enum
	case FieldArray:
		doc["type"] = "array"
		if f.Items != nil {
			doc["items"] = f.Items.jsonSchema()
		}
	case FieldObject:
		doc["type"] = "object"
		if len(f.Properties) > 0 {
			properties := make(map[string]any, len(f.Properties))
			var required []string
			for name, nested := range f.Properties {
				properties[name] = nested.jsonSchema()
				if nested.Required {
					required = append(required, name)
				}
			}
			sort.Strings(required)
			doc["properties"] = properties
			if len(required) > 0 {
				doc["required"] = required
			}
		}
	default:
		doc["type"] = string(f.Kind)
	}
	if f.Description != "" {
		doc["description"] = f.Description
	}
	if f.Minimum != nil {
		doc["minimum"] = *f.Minimum
	}
	if f.Maximum != nil {
		doc["maximum"] = *f.Maximum
	}
	if f.Pattern != "" {
		doc["pattern"] = f.Pattern
	}
	return doc
}

// Validator enforces a compiled schema against tool arguments.
type Validator struct {
	schema   *Schema
	compiled *gojsonschema.Schema
}

// Compile builds a validator from the declared schema.
func Compile(schema *Schema) (*Validator, error) {
	doc, err := json.Marshal(schema.JSONSchema())
	if err != nil {
		return nil, fmt.Errorf("encoding schema: %w", err)
	}
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return nil, fmt.Errorf("compiling schema: %w", err)
	}
	return &Validator{schema: schema, compiled: compiled}, nil
}

// Validate applies defaults, checks args against the schema, and returns the
// normalized arguments. Errors name every failing field path.
func (v *Validator) Validate(args map[string]any) (map[string]any, error) {
	normalized := make(map[string]any, len(args))
	for k, val := range args {
		normalized[k] = val
	}
	for name, field := range v.schema.Fields {
		if _, present := normalized[name]; !present && field.Default != nil {
			normalized[name] = field.Default
		}
	}

	result, err := v.compiled.Validate(gojsonschema.NewGoLoader(normalized))
	if err != nil {
		return nil, fmt.Errorf("validating arguments: %w", err)
	}
	if !result.Valid() {
		messages := make([]string, 0, len(result.Errors()))
		for _, resultErr := range result.Errors() {
			messages = append(messages, fmt.Sprintf("%s: %s", resultErr.Field(), resultErr.Description()))
		}
		sort.Strings(messages)
		return nil, fmt.Errorf("invalid arguments: %s", strings.Join(messages, "; "))
	}
	return normalized, nil
}
