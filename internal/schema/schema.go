// Package schema validates agent payloads against a declared shape.
//
// A Contract is a small subset of JSON Schema: types, required properties,
// enumerations, numeric bounds and nesting. Payloads are expected in the form produced by
// encoding/json (map[string]interface{}, []interface{}, float64, ...).
package schema

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
)

// Type is a JSON value type.
type Type string

const (
	String  Type = "string"
	Number  Type = "number"
	Integer Type = "integer"
	Boolean Type = "boolean"
	Array   Type = "array"
	Object  Type = "object"
)

// ErrSchemaViolation is matched by every *ViolationError.
var ErrSchemaViolation = errors.New("schema violation")

// ViolationError names the offending field and the reason.
type ViolationError struct {
	Path   string
	Reason string
}

func (e *ViolationError) Error() string {
	path := e.Path
	if path == "" {
		path = "$"
	}
	return fmt.Sprintf("schema violation at %s: %s", path, e.Reason)
}

// Is makes errors.Is(err, ErrSchemaViolation) true.
func (e *ViolationError) Is(target error) bool {
	return target == ErrSchemaViolation
}

// Field describes one value.
type Field struct {
	Type        Type
	Description string
	Enum        []string
	Minimum     *float64 // numbers and integers only
	Maximum     *float64
	Properties  map[string]*Field
	Required    []string
	Items       *Field
}

// Contract is the declared shape of a payload. Its root is usually an object.
type Contract struct {
	Name string
	Root *Field
}

// Validate checks payload against c.
func (c *Contract) Validate(payload interface{}) error {
	if c == nil || c.Root == nil {
		return nil
	}
	return validate(c.Root, payload, "")
}

func validate(f *Field, v interface{}, path string) error {
	if v == nil {
		return &ViolationError{Path: path, Reason: fmt.Sprintf("expected %s, got null", f.Type)}
	}

	switch f.Type {
	case String:
		s, ok := v.(string)
		if !ok {
			return typeErr(path, f.Type, v)
		}
		if len(f.Enum) > 0 && !inEnum(f.Enum, s) {
			return &ViolationError{Path: path, Reason: fmt.Sprintf("value %q not in [%s]", s, strings.Join(f.Enum, ", "))}
		}
	case Number:
		n, ok := toFloat(v)
		if !ok {
			return typeErr(path, f.Type, v)
		}
		if err := f.checkBounds(path, n); err != nil {
			return err
		}
	case Integer:
		n, ok := toFloat(v)
		if !ok {
			return typeErr(path, f.Type, v)
		}
		if n != math.Trunc(n) {
			return &ViolationError{Path: path, Reason: fmt.Sprintf("expected integer, got %v", n)}
		}
		if err := f.checkBounds(path, n); err != nil {
			return err
		}
	case Boolean:
		if _, ok := v.(bool); !ok {
			return typeErr(path, f.Type, v)
		}
	case Array:
		items, ok := v.([]interface{})
		if !ok {
			return typeErr(path, f.Type, v)
		}
		if f.Items != nil {
			for i, item := range items {
				if err := validate(f.Items, item, fmt.Sprintf("%s[%d]", path, i)); err != nil {
					return err
				}
			}
		}
	case Object:
		obj, ok := v.(map[string]interface{})
		if !ok {
			return typeErr(path, f.Type, v)
		}
		for _, name := range f.Required {
			if _, present := obj[name]; !present {
				return &ViolationError{Path: join(path, name), Reason: "required field missing"}
			}
		}
		// Sorted so the first reported violation is deterministic.
		names := make([]string, 0, len(f.Properties))
		for name := range f.Properties {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			val, present := obj[name]
			if !present {
				continue
			}
			if err := validate(f.Properties[name], val, join(path, name)); err != nil {
				return err
			}
		}
	default:
		return &ViolationError{Path: path, Reason: fmt.Sprintf("contract declares unknown type %q", f.Type)}
	}
	return nil
}

// Bound returns a pointer for Minimum and Maximum.
func Bound(v float64) *float64 { return &v }

func (f *Field) checkBounds(path string, n float64) error {
	if f.Minimum != nil && n < *f.Minimum {
		return &ViolationError{Path: path, Reason: fmt.Sprintf("%v is below minimum %v", n, *f.Minimum)}
	}
	if f.Maximum != nil && n > *f.Maximum {
		return &ViolationError{Path: path, Reason: fmt.Sprintf("%v is above maximum %v", n, *f.Maximum)}
	}
	return nil
}

func join(path, name string) string {
	if path == "" {
		return name
	}
	return path + "." + name
}

func typeErr(path string, want Type, v interface{}) error {
	return &ViolationError{Path: path, Reason: fmt.Sprintf("expected %s, got %s", want, jsonType(v))}
}

func jsonType(v interface{}) string {
	switch v.(type) {
	case string:
		return "string"
	case bool:
		return "boolean"
	case float64, float32, int, int64, int32:
		return "number"
	case []interface{}:
		return "array"
	case map[string]interface{}:
		return "object"
	}
	return fmt.Sprintf("%T", v)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	}
	return 0, false
}

func inEnum(enum []string, s string) bool {
	for _, e := range enum {
		if e == s {
			return true
		}
	}
	return false
}

// JSONSchema renders the contract as a JSON Schema document for the backend.
func (c *Contract) JSONSchema() map[string]interface{} {
	if c == nil || c.Root == nil {
		return nil
	}
	return c.Root.jsonSchema()
}

func (f *Field) jsonSchema() map[string]interface{} {
	out := map[string]interface{}{"type": string(f.Type)}
	if f.Description != "" {
		out["description"] = f.Description
	}
	if len(f.Enum) > 0 {
		out["enum"] = append([]string(nil), f.Enum...)
	}
	if f.Minimum != nil {
		out["minimum"] = *f.Minimum
	}
	if f.Maximum != nil {
		out["maximum"] = *f.Maximum
	}
	if f.Items != nil {
		out["items"] = f.Items.jsonSchema()
	}
	if len(f.Properties) > 0 {
		props := make(map[string]interface{}, len(f.Properties))
		for name, p := range f.Properties {
			props[name] = p.jsonSchema()
		}
		out["properties"] = props
	}
	if len(f.Required) > 0 {
		out["required"] = append([]string(nil), f.Required...)
	}
	return out
}
