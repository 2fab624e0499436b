package storage

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Selector is a predicate over documents.
//
// Selector is a sealed interface: only the types of this package implement it,
// so engines can switch over every case exhaustively.
//
// Fields are addressed by path: "key" is the document key, "metadata.a.b" and
// "value.a.b" address nested members of the metadata and value objects.
type Selector interface {
	isSelector()
}

// Eq matches when the field equals Value. A nil Value matches missing and null fields.
type Eq struct {
	Field string
	Value any
}

// In matches when the field equals one of Values.
type In struct {
	Field  string
	Values []any
}

// Nin matches when the field is missing or equals none of Values.
type Nin struct {
	Field  string
	Values []any
}

// Gt matches when the field is strictly greater than Value.
type Gt struct {
	Field string
	Value any
}

// Lt matches when the field is strictly lower than Value.
type Lt struct {
	Field string
	Value any
}

// Exists matches when the presence of the field equals Exists.
type Exists struct {
	Field  string
	Exists bool
}

// Or matches when any of its selectors matches. An empty Or matches nothing.
type Or []Selector

// And matches when all of its selectors match. An empty And matches everything.
type And []Selector

type all struct{}

// All returns a selector matching every document.
func All() Selector { return all{} }

func (Eq) isSelector()     {}
func (In) isSelector()     {}
func (Nin) isSelector()    {}
func (Gt) isSelector()     {}
func (Lt) isSelector()     {}
func (Exists) isSelector() {}
func (Or) isSelector()     {}
func (And) isSelector()    {}
func (all) isSelector()    {}

// KeysSelector matches the documents with any of the given keys.
func KeysSelector(keys ...string) Selector {
	values := make([]any, len(keys))
	for i, k := range keys {
		values[i] = k
	}
	return In{Field: "key", Values: values}
}

var fieldPattern = regexp.MustCompile(`^(key|(metadata|value)(\.[A-Za-z0-9_]+)+)$`)

// splitField validates a field path and returns its root and nested path.
func splitField(field string) (string, []string, error) {
	if !fieldPattern.MatchString(field) {
		return "", nil, fmt.Errorf("invalid selector field %q", field)
	}
	parts := strings.Split(field, ".")
	return parts[0], parts[1:], nil
}

// docView lazily decodes a document for in-memory selector evaluation.
type docView struct {
	doc      Document
	metadata any
	value    any
	decoded  bool
}

func (v *docView) lookup(field string) (any, bool, error) {
	root, path, err := splitField(field)
	if err != nil {
		return nil, false, err
	}
	if root == "key" {
		return v.doc.Key, true, nil
	}
	if !v.decoded {
		v.decoded = true
		if len(v.doc.Metadata) > 0 {
			_ = json.Unmarshal(v.doc.Metadata, &v.metadata)
		}
		if len(v.doc.Value) > 0 {
			_ = json.Unmarshal(v.doc.Value, &v.value)
		}
	}
	cur := v.metadata
	if root == "value" {
		cur = v.value
	}
	for _, name := range path {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false, nil
		}
		if cur, ok = obj[name]; !ok {
			return nil, false, nil
		}
	}
	return cur, true, nil
}

// matches evaluates the selector against a document.
func matches(sel Selector, v *docView) (bool, error) {
	switch s := sel.(type) {
	case nil, all:
		return true, nil
	case Eq:
		val, ok, err := v.lookup(s.Field)
		if err != nil {
			return false, err
		}
		if s.Value == nil {
			return !ok || val == nil, nil
		}
		return ok && equalValues(val, s.Value), nil
	case In:
		val, ok, err := v.lookup(s.Field)
		if err != nil || !ok {
			return false, err
		}
		for _, want := range s.Values {
			if equalValues(val, want) {
				return true, nil
			}
		}
		return false, nil
	case Nin:
		val, ok, err := v.lookup(s.Field)
		if err != nil || !ok {
			return err == nil, err
		}
		for _, want := range s.Values {
			if equalValues(val, want) {
				return false, nil
			}
		}
		return true, nil
	case Gt:
		val, ok, err := v.lookup(s.Field)
		if err != nil || !ok {
			return false, err
		}
		c, comparable := compareValues(val, s.Value)
		return comparable && c > 0, nil
	case Lt:
		val, ok, err := v.lookup(s.Field)
		if err != nil || !ok {
			return false, err
		}
		c, comparable := compareValues(val, s.Value)
		return comparable && c < 0, nil
	case Exists:
		val, ok, err := v.lookup(s.Field)
		if err != nil {
			return false, err
		}
		present := ok && val != nil
		return present == s.Exists, nil
	case Or:
		for _, sub := range s {
			if ok, err := matches(sub, v); err != nil || ok {
				return ok, err
			}
		}
		return false, nil
	case And:
		for _, sub := range s {
			if ok, err := matches(sub, v); err != nil || !ok {
				return ok, err
			}
		}
		return true, nil
	default:
		return false, fmt.Errorf("unsupported selector type: %T", sel)
	}
}

// normalize maps Go values onto the types produced by JSON decoding.
func normalize(v any) any {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int8:
		return float64(n)
	case int16:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case uint:
		return float64(n)
	case uint8:
		return float64(n)
	case uint16:
		return float64(n)
	case uint32:
		return float64(n)
	case uint64:
		return float64(n)
	case float32:
		return float64(n)
	case json.Number:
		if f, err := n.Float64(); err == nil {
			return f
		}
		return n.String()
	}
	return v
}

func equalValues(a, b any) bool {
	c, ok := compareValues(a, b)
	return ok && c == 0
}

// compareValues orders two scalar values of the same kind.
func compareValues(a, b any) (int, bool) {
	a, b = normalize(a), normalize(b)
	switch x := a.(type) {
	case string:
		if y, ok := b.(string); ok {
			return strings.Compare(x, y), true
		}
	case float64:
		if y, ok := b.(float64); ok {
			switch {
			case x < y:
				return -1, true
			case x > y:
				return 1, true
			}
			return 0, true
		}
	case bool:
		if y, ok := b.(bool); ok {
			if x == y {
				return 0, true
			}
			if !x {
				return -1, true
			}
			return 1, true
		}
	}
	return 0, false
}
