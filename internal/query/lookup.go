package query

import (
	"fmt"
	"strings"

	cerrors "github.com/cpdb/esindex/internal/errors"
)

// Op is a filter operator.
type Op int

const (
	OpEq Op = iota
	OpIn
)

// Lookup is one filter predicate: alias.column = value or
// alias.column = ANY(values).
type Lookup struct {
	Alias  string
	Column string
	Op     Op
	Values []any
}

// ParseLookup builds a Lookup from a key of the form [alias.]column[__op].
// Supported operators are equality (no suffix) and "in". Values must be
// strings or integers; "in" takes a slice of them.
func ParseLookup(key string, value any) (Lookup, error) {
	l := Lookup{Column: key}
	if i := strings.LastIndex(key, "__"); i >= 0 {
		l.Column = key[:i]
		switch op := key[i+2:]; op {
		case "in":
			l.Op = OpIn
		case "exact":
			l.Op = OpEq
		default:
			return Lookup{}, cerrors.NewQueryError(cerrors.CodeUnsupportedLookup,
				"lookup not supported: "+op)
		}
	}
	if i := strings.Index(l.Column, "."); i >= 0 {
		l.Alias, l.Column = l.Column[:i], l.Column[i+1:]
	}
	if l.Column == "" {
		return Lookup{}, cerrors.NewQueryError(cerrors.CodeUnsupportedLookup,
			fmt.Sprintf("lookup %q names no column", key))
	}

	values, list, err := normalize(value)
	if err != nil {
		return Lookup{}, cerrors.NewQueryError(cerrors.CodeUnsupportedValue,
			fmt.Sprintf("lookup %s: %v", key, err))
	}
	if list != (l.Op == OpIn) {
		return Lookup{}, cerrors.NewQueryError(cerrors.CodeUnsupportedValue,
			fmt.Sprintf("lookup %s: value %T does not match operator", key, value))
	}
	l.Values = values
	return l, nil
}

// MustLookup is ParseLookup for static filters; it panics on error.
func MustLookup(key string, value any) Lookup {
	l, err := ParseLookup(key, value)
	if err != nil {
		panic(err)
	}
	return l
}

// normalize converts supported values to string or int64 and reports
// whether the input was a list.
func normalize(value any) ([]any, bool, error) {
	switch v := value.(type) {
	case string:
		return []any{v}, false, nil
	case int:
		return []any{int64(v)}, false, nil
	case int32:
		return []any{int64(v)}, false, nil
	case int64:
		return []any{v}, false, nil
	case []string:
		out := make([]any, len(v))
		for i, s := range v {
			out[i] = s
		}
		return out, true, nil
	case []int:
		out := make([]any, len(v))
		for i, n := range v {
			out[i] = int64(n)
		}
		return out, true, nil
	case []int32:
		out := make([]any, len(v))
		for i, n := range v {
			out[i] = int64(n)
		}
		return out, true, nil
	case []int64:
		out := make([]any, len(v))
		for i, n := range v {
			out[i] = n
		}
		return out, true, nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			scalar, list, err := normalize(item)
			if err != nil || list {
				return nil, false, fmt.Errorf("unsupported list element %T", item)
			}
			out[i] = scalar[0]
		}
		return out, true, nil
	default:
		return nil, false, fmt.Errorf("unsupported value type %T", value)
	}
}

// render writes the predicate against alias, binding every value.
func (l Lookup) render(r *renderer, alias string) string {
	col := alias + "." + l.Column
	if l.Op == OpEq {
		return col + " = " + r.bind(l.Values[0])
	}
	if len(l.Values) == 0 {
		return "FALSE"
	}
	params := make([]string, len(l.Values))
	for i, v := range l.Values {
		params[i] = r.bind(v)
	}
	return col + " = ANY(ARRAY[" + strings.Join(params, ", ") + "])"
}
