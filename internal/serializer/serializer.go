// Package serializer shapes decoded rows into nested documents.
//
// A Serializer is a declared list of output keys, each filled from a
// dotted path into the source row, a nested serializer, or a function of
// the whole row. Serializers are immutable once built and safe to share.
package serializer

import (
	"fmt"
	"strings"
	"time"
)

// DateLayout is the document encoding of dates.
const DateLayout = "2006-01-02"

type field struct {
	name string
	fill func(src map[string]any) (any, error)
}

// Serializer maps a source row to a document.
type Serializer struct {
	fields []field
}

// New returns an empty serializer.
func New() *Serializer {
	return &Serializer{}
}

func (s *Serializer) with(name string, fill func(map[string]any) (any, error)) *Serializer {
	fields := make([]field, len(s.fields), len(s.fields)+1)
	copy(fields, s.fields)
	return &Serializer{fields: append(fields, field{name: name, fill: fill})}
}

// Get copies the value at path (defaults to name when empty).
func (s *Serializer) Get(name, path string) *Serializer {
	if path == "" {
		path = name
	}
	return s.with(name, func(src map[string]any) (any, error) {
		v, _ := Lookup(src, path)
		return v, nil
	})
}

// Date formats the time value at path as YYYY-MM-DD.
func (s *Serializer) Date(name, path string) *Serializer {
	if path == "" {
		path = name
	}
	return s.with(name, func(src map[string]any) (any, error) {
		v, _ := Lookup(src, path)
		return FormatDate(v)
	})
}

// Func fills name from the whole source row.
func (s *Serializer) Func(name string, fn func(src map[string]any) any) *Serializer {
	return s.with(name, func(src map[string]any) (any, error) {
		return fn(src), nil
	})
}

// Nested serializes the map at path with inner. A missing or nil map
// yields nil.
func (s *Serializer) Nested(name, path string, inner *Serializer) *Serializer {
	return s.with(name, func(src map[string]any) (any, error) {
		v, _ := Lookup(src, path)
		if v == nil {
			return nil, nil
		}
		m, ok := v.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%s: expected object at %s, got %T", name, path, v)
		}
		return inner.Serialize(m)
	})
}

// List serializes every map of the list at path with inner. A missing
// list yields an empty one.
func (s *Serializer) List(name, path string, inner *Serializer) *Serializer {
	return s.with(name, func(src map[string]any) (any, error) {
		v, _ := Lookup(src, path)
		switch items := v.(type) {
		case nil:
			return []map[string]any{}, nil
		case []map[string]any:
			return inner.SerializeMany(items)
		case []any:
			maps := make([]map[string]any, len(items))
			for i, item := range items {
				m, ok := item.(map[string]any)
				if !ok {
					return nil, fmt.Errorf("%s: expected object in list %s, got %T", name, path, item)
				}
				maps[i] = m
			}
			return inner.SerializeMany(maps)
		default:
			return nil, fmt.Errorf("%s: expected list at %s, got %T", name, path, v)
		}
	})
}

// Serialize builds one document.
func (s *Serializer) Serialize(src map[string]any) (map[string]any, error) {
	doc := make(map[string]any, len(s.fields))
	for _, f := range s.fields {
		v, err := f.fill(src)
		if err != nil {
			return nil, err
		}
		doc[f.name] = v
	}
	return doc, nil
}

// SerializeMany builds one document per source row.
func (s *Serializer) SerializeMany(items []map[string]any) ([]map[string]any, error) {
	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		doc, err := s.Serialize(item)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, nil
}

// Keys returns the output keys in declaration order.
func (s *Serializer) Keys() []string {
	keys := make([]string, len(s.fields))
	for i, f := range s.fields {
		keys[i] = f.name
	}
	return keys
}

// Lookup resolves a dotted path through nested maps.
func Lookup(src map[string]any, path string) (any, bool) {
	var cur any = src
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// FormatDate renders a date value as YYYY-MM-DD. Strings pass through.
func FormatDate(v any) (any, error) {
	switch d := v.(type) {
	case nil:
		return nil, nil
	case time.Time:
		return d.Format(DateLayout), nil
	case *time.Time:
		if d == nil {
			return nil, nil
		}
		return d.Format(DateLayout), nil
	case string:
		return d, nil
	default:
		return nil, fmt.Errorf("cannot format %T as date", v)
	}
}
