package pgarray

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestParseEmptyArray(t *testing.T) {
	rows, err := Parse("{}")
	require.NoError(t, err)
	assert.Equal(t, []Tuple{}, rows)
}

func TestParseTypedRow(t *testing.T) {
	rows, err := Parse(`{"(1,abc,2020-01-01,t)"}`)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, Tuple{int64(1), "abc", date(2020, 1, 1), true}, rows[0])
}

func TestParseDropsAllNullRows(t *testing.T) {
	rows, err := Parse(`{"(2,,,)","(,,,)"}`)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, Tuple{int64(2), nil, nil, nil}, rows[0])

	rows, err = Parse(`{"(,,,)"}`)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestParseRowArray(t *testing.T) {
	out, err := ParseRowArray(`{"(1,,2020-01-01,t)","(,,,)"}`, []string{"id", "name", "date", "flag"})
	require.NoError(t, err)
	assert.Equal(t, []map[string]any{
		{"id": int64(1), "name": nil, "date": date(2020, 1, 1), "flag": true},
	}, out)
}

func TestParseRowArrayFieldCountMismatch(t *testing.T) {
	_, err := ParseRowArray(`{"(1,2)"}`, []string{"id"})
	require.Error(t, err)
	var pe *ParseError
	require.True(t, errors.As(err, &pe))
}

func TestParseDecimalKeepsDigits(t *testing.T) {
	rows, err := Parse(`{"(66.6667,-0.5,12)"}`)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	d, ok := rows[0][0].(decimal.Decimal)
	require.True(t, ok, "expected decimal, got %T", rows[0][0])
	assert.Equal(t, "66.6667", d.String())
	assert.Equal(t, "-0.5", rows[0][1].(decimal.Decimal).String())
	assert.Equal(t, int64(12), rows[0][2])
}

func TestParseQuotedStrings(t *testing.T) {
	src := `{"(1,\"Foo \"\"Bar\"\", Jr\",f)","(2,\"\",t)"}`
	rows, err := Parse(src)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, Tuple{int64(1), `Foo "Bar", Jr`, false}, rows[0])
	assert.Equal(t, Tuple{int64(2), "", true}, rows[1])
}

func TestParseEscapedBackslash(t *testing.T) {
	rows, err := Parse(`{"(\"a\\\\b\")"}`)
	require.NoError(t, err)
	assert.Equal(t, Tuple{`a\b`}, rows[0])
}

func TestParseMixedTokensFallBackToString(t *testing.T) {
	rows, err := Parse(`{"(12abc,2020-13-45,1.2.3,ST-110)"}`)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, Tuple{"12abc", "2020-13-45", "1.2.3", "ST-110"}, rows[0])
}

func TestParseQuotedTimestampStaysText(t *testing.T) {
	rows, err := Parse(`{"(\"2020-01-01 10:00:00+00\",UTF-8)"}`)
	require.NoError(t, err)
	assert.Equal(t, Tuple{"2020-01-01 10:00:00+00", "UTF-8"}, rows[0])
}

func TestParseSkipsNullElements(t *testing.T) {
	rows, err := Parse(`{NULL,"(1)"}`)
	require.NoError(t, err)
	assert.Equal(t, []Tuple{{int64(1)}}, rows)
}

func TestParseErrors(t *testing.T) {
	tests := []string{
		``,
		`[]`,
		`{"(1,2)"`,
		`{"(1,2`,
		`{"(1,2)""(3)"}`,
		`{"(1,2)",}`,
		`{,"(1)"}`,
		`{"(1,2)"} `,
		`{"(\"abc)"}`,
		`{"(a"b)"}`,
	}
	for _, src := range tests {
		_, err := Parse(src)
		require.Error(t, err, "input %q", src)

		var pe *ParseError
		require.True(t, errors.As(err, &pe), "input %q", src)
		assert.Equal(t, src, pe.Source)
		assert.Contains(t, pe.Error(), "position")
	}
}

// encode renders tuples the way Postgres prints array_agg(ROW(...)),
// quoting every string field.
func encode(rows [][]any) string {
	var sb strings.Builder
	sb.WriteString("{")
	for i, row := range rows {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString(`"(`)
		for j, v := range row {
			if j > 0 {
				sb.WriteString(",")
			}
			switch x := v.(type) {
			case nil:
			case int64:
				sb.WriteString(decimal.NewFromInt(x).String())
			case bool:
				if x {
					sb.WriteString("t")
				} else {
					sb.WriteString("f")
				}
			case string:
				x = strings.ReplaceAll(x, `\`, `\\\\`)
				x = strings.ReplaceAll(x, `"`, `\"\"`)
				sb.WriteString(`\"` + x + `\"`)
			}
		}
		sb.WriteString(`)"`)
	}
	sb.WriteString("}")
	return sb.String()
}

func TestProperty_ParseRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("encoded rows decode to the same values", prop.ForAll(
		func(ids []int64, names []string, flags []bool) bool {
			n := len(ids)
			if len(names) < n {
				n = len(names)
			}
			if len(flags) < n {
				n = len(flags)
			}
			rows := make([][]any, n)
			for i := 0; i < n; i++ {
				rows[i] = []any{ids[i], names[i], flags[i]}
			}

			parsed, err := Parse(encode(rows))
			if err != nil || len(parsed) != n {
				return false
			}
			for i := range rows {
				for j := range rows[i] {
					if parsed[i][j] != rows[i][j] {
						return false
					}
				}
			}
			return true
		},
		gen.SliceOf(gen.Int64()),
		gen.SliceOf(gen.AnyString()),
		gen.SliceOf(gen.Bool()),
	))

	properties.Property("all-null rows never survive", prop.ForAll(
		func(width, count int) bool {
			rows := make([][]any, count)
			for i := range rows {
				rows[i] = make([]any, width)
			}
			parsed, err := Parse(encode(rows))
			return err == nil && len(parsed) == 0
		},
		gen.IntRange(1, 8),
		gen.IntRange(0, 5),
	))

	properties.TestingRun(t)
}
