package query

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	cerrors "github.com/cpdb/esindex/internal/errors"
	"github.com/cpdb/esindex/internal/pgarray"
	"github.com/shopspring/decimal"
)

// ValueKind selects how a column's driver value is decoded.
type ValueKind int

const (
	KindRaw ValueKind = iota
	KindInt
	KindDecimal
	KindDate
	KindGeometry
)

// String returns the kind name.
func (k ValueKind) String() string {
	switch k {
	case KindRaw:
		return "raw"
	case KindInt:
		return "int"
	case KindDecimal:
		return "decimal"
	case KindDate:
		return "date"
	case KindGeometry:
		return "geometry"
	default:
		return "unknown"
	}
}

// kindForType maps a declared Postgres column type onto a value kind.
// Integers need no conversion: the driver and the array parser both
// produce int64 already.
func kindForType(typ string) ValueKind {
	switch strings.ToLower(typ) {
	case "numeric", "decimal":
		return KindDecimal
	case "date":
		return KindDate
	default:
		return KindRaw
	}
}

// decodeFunc converts a driver value (or an already parsed array token)
// into its domain value.
type decodeFunc func(v any) (any, error)

func decoderFor(kind ValueKind) decodeFunc {
	switch kind {
	case KindInt:
		return decodeInt
	case KindDecimal:
		return decodeDecimal
	case KindDate:
		return decodeDate
	case KindGeometry:
		return decodeGeometry
	default:
		return decodeRaw
	}
}

func decodeRaw(v any) (any, error) {
	if b, ok := v.([]byte); ok {
		return string(b), nil
	}
	return v, nil
}

func decodeInt(v any) (any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case int64:
		return x, nil
	case int32:
		return int64(x), nil
	case int:
		return int64(x), nil
	case []byte:
		return strconv.ParseInt(string(x), 10, 64)
	case string:
		return strconv.ParseInt(x, 10, 64)
	default:
		return nil, fmt.Errorf("cannot decode %T as integer", v)
	}
}

func decodeDecimal(v any) (any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case decimal.Decimal:
		return x, nil
	case int64:
		return decimal.NewFromInt(x), nil
	case []byte:
		return decimal.NewFromString(string(x))
	case string:
		return decimal.NewFromString(x)
	case float64:
		return decimal.NewFromFloat(x), nil
	default:
		return nil, fmt.Errorf("cannot decode %T as decimal", v)
	}
}

func decodeDate(v any) (any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case time.Time:
		return time.Date(x.Year(), x.Month(), x.Day(), 0, 0, 0, 0, time.UTC), nil
	case []byte:
		return time.Parse("2006-01-02", string(x))
	case string:
		return time.Parse("2006-01-02", x)
	default:
		return nil, fmt.Errorf("cannot decode %T as date", v)
	}
}

func decodeGeometry(v any) (any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case *Point:
		return x, nil
	case []byte:
		return ParseGML(string(x))
	case string:
		return ParseGML(x)
	default:
		return nil, fmt.Errorf("cannot decode %T as geometry", v)
	}
}

// rowArrayDecoder parses array_agg(ROW(...)) text and zips it with names,
// then applies the per-column decoders. Already decoded input is returned
// unchanged.
func rowArrayDecoder(names []string, columns []decodeFunc) decodeFunc {
	return func(v any) (any, error) {
		var text string
		switch x := v.(type) {
		case nil:
			return []map[string]any{}, nil
		case []map[string]any:
			return x, nil
		case []byte:
			text = string(x)
		case string:
			text = x
		default:
			return nil, fmt.Errorf("cannot decode %T as row array", v)
		}

		items, err := pgarray.ParseRowArray(text, names)
		if err != nil {
			return nil, cerrors.NewParseError("row array", err)
		}
		for _, item := range items {
			for i, name := range names {
				if columns == nil || columns[i] == nil {
					continue
				}
				decoded, err := columns[i](item[name])
				if err != nil {
					return nil, fmt.Errorf("column %s: %w", name, err)
				}
				item[name] = decoded
			}
		}
		return items, nil
	}
}
