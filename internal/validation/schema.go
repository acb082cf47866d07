// Package validation applies per-endpoint request schemas before
// dispatch. Two schema dialects are supported: the field-path
// descriptor map used by the admin UI, and raw JSON Schema documents
// compiled with the jsonschema library. Field paths use the
// "$.a.b[0].c" form.
package validation

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Field types.
const (
	TypeString  = "string"
	TypeNumber  = "number"
	TypeBoolean = "boolean"
	TypeArray   = "array"
	TypeObject  = "object"
)

// Field formats.
const (
	FormatEmail    = "email"
	FormatURL      = "url"
	FormatDate     = "date"
	FormatDateTime = "datetime"
	FormatUUID     = "uuid"
)

// Field describes the constraints on one addressed value. Min and Max
// bound numeric values, string lengths, and array lengths.
type Field struct {
	Type       string   `json:"type"`
	Required   bool     `json:"required"`
	Min        *float64 `json:"min,omitempty"`
	Max        *float64 `json:"max,omitempty"`
	Pattern    string   `json:"pattern,omitempty"`
	Format     string   `json:"format,omitempty"`
	Enum       []any    `json:"enum,omitempty"`
	ArrayItems *Field   `json:"array_items,omitempty"`
	Nested     Schema   `json:"nested_schema,omitempty"`
}

// Schema maps field paths to descriptors.
type Schema map[string]Field

// ParseSchema decodes a stored validation schema. Documents carrying
// JSON Schema keywords at the top level compile through the jsonschema
// library; everything else is treated as a field-path map.
func ParseSchema(raw string) (*Compiled, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &probe); err != nil {
		return nil, fmt.Errorf("validation: schema is not a JSON object: %w", err)
	}
	if _, ok := probe["$schema"]; ok {
		return compileJSONSchema(raw)
	}
	if t, ok := probe["type"]; ok {
		// A top-level "type": "object" keyword marks JSON Schema; a
		// field named "type" decodes as a descriptor, not a string.
		var s string
		if json.Unmarshal(t, &s) == nil {
			return compileJSONSchema(raw)
		}
	}

	var schema Schema
	if err := json.Unmarshal([]byte(raw), &schema); err != nil {
		return nil, fmt.Errorf("validation: bad field schema: %w", err)
	}
	for path, f := range schema {
		if _, err := parsePath(path); err != nil {
			return nil, err
		}
		if err := checkDescriptor(path, f); err != nil {
			return nil, err
		}
	}
	return &Compiled{fields: schema}, nil
}

// checkDescriptor validates type and format names, recursing into array
// item and nested descriptors. path only labels errors here.
func checkDescriptor(path string, f Field) error {
	switch f.Type {
	case TypeString, TypeNumber, TypeBoolean, TypeArray, TypeObject, "":
	default:
		return fmt.Errorf("validation: %s: unknown type %q", path, f.Type)
	}
	switch f.Format {
	case "", FormatEmail, FormatURL, FormatDate, FormatDateTime, FormatUUID:
	default:
		return fmt.Errorf("validation: %s: unknown format %q", path, f.Format)
	}
	if f.ArrayItems != nil {
		if err := checkDescriptor(path+"[]", *f.ArrayItems); err != nil {
			return err
		}
	}
	for sub, nf := range f.Nested {
		if err := checkDescriptor(path+"."+sub, nf); err != nil {
			return err
		}
	}
	return nil
}

// pathSegment is one step of a field path: a key, optionally followed
// by an array index.
type pathSegment struct {
	key   string
	index int // -1 when absent
}

// parsePath splits "$.a.b[0].c" into segments. The leading "$." is
// optional.
func parsePath(path string) ([]pathSegment, error) {
	p := strings.TrimPrefix(path, "$.")
	p = strings.TrimPrefix(p, "$")
	if p == "" {
		return nil, fmt.Errorf("validation: empty field path %q", path)
	}
	var segs []pathSegment
	for _, part := range strings.Split(p, ".") {
		seg := pathSegment{key: part, index: -1}
		if i := strings.IndexByte(part, '['); i >= 0 {
			if !strings.HasSuffix(part, "]") {
				return nil, fmt.Errorf("validation: malformed path %q", path)
			}
			idx, err := strconv.Atoi(part[i+1 : len(part)-1])
			if err != nil || idx < 0 {
				return nil, fmt.Errorf("validation: bad index in path %q", path)
			}
			seg.key = part[:i]
			seg.index = idx
		}
		if seg.key == "" {
			return nil, fmt.Errorf("validation: malformed path %q", path)
		}
		segs = append(segs, seg)
	}
	return segs, nil
}

// lookup walks a decoded body along a path. The second return is false
// when any step is absent.
func lookup(body map[string]any, segs []pathSegment) (any, bool) {
	var cur any = body
	for _, seg := range segs {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = obj[seg.key]
		if !ok {
			return nil, false
		}
		if seg.index >= 0 {
			arr, ok := cur.([]any)
			if !ok || seg.index >= len(arr) {
				return nil, false
			}
			cur = arr[seg.index]
		}
	}
	return cur, true
}
