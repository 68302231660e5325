package query

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	cerrors "github.com/cpdb/esindex/internal/errors"
	"github.com/cpdb/esindex/internal/schema"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	catalog    *schema.Catalog
	allegation *schema.Table
	category   *schema.Table
	officer    *schema.Table
	involved   *schema.Table
	victim     *schema.Table
	lonely     *schema.Table
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		category: schema.MustTable("data_allegationcategory",
			schema.PK("id", "integer"),
			schema.Col("category", "varchar"),
			schema.Col("allegation_name", "varchar"),
		),
		allegation: schema.MustTable("data_allegation",
			schema.PK("crid", "varchar"),
			schema.Col("summary", "text"),
			schema.Col("incident_date", "date"),
			schema.Col("point", "geometry"),
			schema.FK("most_common_category_id", "data_allegationcategory"),
		),
		officer: schema.MustTable("data_officer",
			schema.PK("id", "integer"),
			schema.Col("first_name", "varchar"),
			schema.Col("complaint_percentile", "numeric"),
		),
		involved: schema.MustTable("data_officerallegation",
			schema.PK("id", "integer"),
			schema.FK("allegation_id", "data_allegation"),
			schema.FK("officer_id", "data_officer"),
			schema.Col("final_finding", "varchar"),
		),
		victim: schema.MustTable("data_victim",
			schema.PK("id", "integer"),
			schema.FK("allegation_id", "data_allegation"),
			schema.Col("gender", "varchar"),
		),
		lonely: schema.MustTable("lonely",
			schema.PK("id", "integer"),
			schema.Col("name", "text"),
		),
	}
	cat, err := schema.NewCatalog(f.category, f.allegation, f.officer, f.involved, f.victim, f.lonely)
	require.NoError(t, err)
	f.catalog = cat
	return f
}

func TestDistinctQuerySQL(t *testing.T) {
	f := newFixture(t)
	plan, err := NewDistinct(f.catalog, f.allegation).
		Join("oa", f.involved).
		Field("crid", Plain("crid")).
		Field("summary", Plain("summary")).
		Field("finding", Plain("final_finding").On("oa")).
		Build()
	require.NoError(t, err)

	assert.Equal(t, "SELECT DISTINCT ON (base.crid) base.crid AS crid, base.summary AS summary, "+
		"oa.final_finding AS finding FROM data_allegation AS base "+
		"LEFT JOIN data_officerallegation AS oa ON oa.allegation_id = base.crid", plan.SQL)
	assert.Empty(t, plan.Args)
	assert.Equal(t, []string{"crid", "summary", "finding"}, plan.Columns)
}

func TestJoinResolutionIsSymmetric(t *testing.T) {
	f := newFixture(t)

	plan, err := NewDistinct(f.catalog, f.allegation).
		Join("oa", f.involved).
		Field("crid", Plain("crid")).
		Build()
	require.NoError(t, err)
	assert.Contains(t, plan.SQL, "LEFT JOIN data_officerallegation AS oa ON oa.allegation_id = base.crid")

	plan, err = NewDistinct(f.catalog, f.involved).
		Join("a", f.allegation).
		Field("id", Plain("id")).
		Build()
	require.NoError(t, err)
	assert.Contains(t, plan.SQL, "LEFT JOIN data_allegation AS a ON a.crid = base.allegation_id")
}

func TestJoinWithoutForeignKey(t *testing.T) {
	f := newFixture(t)
	_, err := NewDistinct(f.catalog, f.allegation).
		Join("l", f.lonely).
		Field("crid", Plain("crid")).
		Build()
	require.Error(t, err)
	assert.True(t, errors.Is(err, cerrors.NewForeignKeyNotFound("", "")))
	assert.Contains(t, err.Error(), "data_allegation")
	assert.Contains(t, err.Error(), "lonely")
}

func TestAggregateQuerySQL(t *testing.T) {
	f := newFixture(t)
	q := NewAggregate(f.catalog, f.allegation).
		Join("v", f.victim).
		Field("crid", Plain("crid")).
		Field("victims", RowArray("v")).
		Field("category", Foreign("most_common_category", "category")).
		Field("officer_count", Count(f.involved, MustLookup("final_finding", "SU")))

	plan, err := q.Build()
	require.NoError(t, err)
	assert.Equal(t, "SELECT base.crid AS crid, "+
		"array_agg(DISTINCT ROW(v.id, v.allegation_id, v.gender))::text AS victims, "+
		"(SELECT category_fk.category FROM data_allegationcategory AS category_fk "+
		"WHERE category_fk.id = base.most_common_category_id) AS category, "+
		"(SELECT COUNT(*) FROM data_officerallegation AS officer_count_sub "+
		"WHERE officer_count_sub.allegation_id = base.crid AND officer_count_sub.final_finding = $1) AS officer_count "+
		"FROM data_allegation AS base LEFT JOIN data_victim AS v ON v.allegation_id = base.crid "+
		"GROUP BY base.crid, base.most_common_category_id", plan.SQL)
	assert.Equal(t, []any{"SU"}, plan.Args)

	narrowed, err := q.Where("crid__in", []string{"1", "2"})
	require.NoError(t, err)
	plan, err = narrowed.Build()
	require.NoError(t, err)
	assert.Contains(t, plan.SQL, " WHERE base.crid = ANY(ARRAY[$2, $3]) GROUP BY ")
	assert.Equal(t, []any{"SU", "1", "2"}, plan.Args)

	// The declared query is not narrowed by Where.
	plan, err = q.Build()
	require.NoError(t, err)
	assert.NotContains(t, plan.SQL, "WHERE base.crid")
}

func TestWhereLookups(t *testing.T) {
	f := newFixture(t)
	q := NewDistinct(f.catalog, f.allegation).
		Join("oa", f.involved).
		Field("crid", Plain("crid"))

	eq, err := q.Where("oa.final_finding", "SU")
	require.NoError(t, err)
	plan, err := eq.Build()
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(plan.SQL, " WHERE oa.final_finding = $1"), plan.SQL)

	empty, err := q.Where("crid__in", []string{})
	require.NoError(t, err)
	plan, err = empty.Build()
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(plan.SQL, " WHERE FALSE"), plan.SQL)
	assert.Empty(t, plan.Args)

	_, err = q.Where("crid__gt", 1)
	require.Error(t, err)
	assert.Equal(t, cerrors.CodeUnsupportedLookup, cerrors.GetCode(err))
	assert.Contains(t, err.Error(), "lookup not supported: gt")

	_, err = q.Where("crid", 1.5)
	assert.Equal(t, cerrors.CodeUnsupportedValue, cerrors.GetCode(err))

	_, err = q.Where("crid__in", "1")
	assert.Equal(t, cerrors.CodeUnsupportedValue, cerrors.GetCode(err))

	bad, err := q.Where("missing", "x")
	require.NoError(t, err)
	_, err = bad.Build()
	assert.Equal(t, cerrors.CodeUnknownColumn, cerrors.GetCode(err))
}

func TestParseLookupNormalizesIntegers(t *testing.T) {
	l, err := ParseLookup("id__in", []int{1, 2})
	require.NoError(t, err)
	assert.Equal(t, Lookup{Column: "id", Op: OpIn, Values: []any{int64(1), int64(2)}}, l)

	l, err = ParseLookup("oa.officer_id", int32(7))
	require.NoError(t, err)
	assert.Equal(t, Lookup{Alias: "oa", Column: "officer_id", Op: OpEq, Values: []any{int64(7)}}, l)

	assert.Panics(t, func() { MustLookup("id__range", []int{1}) })
}

func TestAggregateRejectsUngroupedJoinField(t *testing.T) {
	f := newFixture(t)
	_, err := NewAggregate(f.catalog, f.allegation).
		Join("oa", f.involved).
		Field("crid", Plain("crid")).
		Field("finding", Plain("final_finding").On("oa")).
		Field("involved", RowArray("oa")).
		Build()
	require.Error(t, err)
	assert.Equal(t, cerrors.CodeUngroupedField, cerrors.GetCode(err))
}

func TestDistinctRejectsRowArray(t *testing.T) {
	f := newFixture(t)
	_, err := NewDistinct(f.catalog, f.allegation).
		Join("v", f.victim).
		Field("victims", RowArray("v")).
		Build()
	assert.Equal(t, cerrors.CodeAggregateDistinct, cerrors.GetCode(err))
}

func TestFieldResolutionErrors(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name  string
		field Field
		code  string
	}{
		{"undeclared join", RowArray("nope"), cerrors.CodeJoinNotDeclared},
		{"row array over base", RowArray(DefaultAlias), cerrors.CodeJoinNotDeclared},
		{"unknown column", Plain("nope"), cerrors.CodeUnknownColumn},
		{"plain on undeclared alias", Plain("id").On("nope"), cerrors.CodeJoinNotDeclared},
		{"count without fk", Count(f.lonely), cerrors.CodeForeignKeyNotFound},
		{"count on undeclared alias", Count(f.involved).RelatedTo("nope"), cerrors.CodeJoinNotDeclared},
		{"foreign relation missing", Foreign("officer", "first_name"), cerrors.CodeForeignKeyNotFound},
		{"foreign column missing", Foreign("most_common_category", "nope"), cerrors.CodeUnknownColumn},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewAggregate(f.catalog, f.allegation).Field("x", tt.field).Build()
			require.Error(t, err)
			assert.Equal(t, tt.code, cerrors.GetCode(err))
		})
	}
}

func TestDuplicateFieldName(t *testing.T) {
	f := newFixture(t)
	_, err := NewDistinct(f.catalog, f.allegation).
		Field("crid", Plain("crid")).
		Field("crid", Plain("summary")).
		Build()
	assert.Equal(t, cerrors.CodeDuplicateField, cerrors.GetCode(err))
}

func TestCountRelatedToJoin(t *testing.T) {
	f := newFixture(t)
	plan, err := NewDistinct(f.catalog, f.involved).
		Join("o", f.officer).
		Field("id", Plain("id")).
		Field("allegation_count", Count(f.involved).RelatedTo("o")).
		Build()
	require.NoError(t, err)
	assert.Contains(t, plan.SQL, "(SELECT COUNT(*) FROM data_officerallegation AS allegation_count_sub "+
		"WHERE allegation_count_sub.officer_id = o.id) AS allegation_count")
}

func TestSubqueryJoinForwardsDecoders(t *testing.T) {
	f := newFixture(t)
	inner := NewDistinct(f.catalog, f.involved).
		Join("o", f.officer).
		Field("allegation_id", Plain("allegation_id")).
		Field("officer_id", Plain("officer_id")).
		Field("percentile", Plain("complaint_percentile").On("o"))

	plan, err := NewAggregate(f.catalog, f.allegation).
		JoinSubquery("co", NewSubquery(inner, "allegation_id")).
		Field("crid", Plain("crid")).
		Field("coaccused", RowArray("co")).
		Build()
	require.NoError(t, err)
	assert.Equal(t, "SELECT base.crid AS crid, "+
		"array_agg(DISTINCT ROW(co.allegation_id, co.officer_id, co.percentile))::text AS coaccused "+
		"FROM data_allegation AS base LEFT JOIN (SELECT DISTINCT ON (base.id) "+
		"base.allegation_id AS allegation_id, base.officer_id AS officer_id, o.complaint_percentile AS percentile "+
		"FROM data_officerallegation AS base LEFT JOIN data_officer AS o ON o.id = base.officer_id) "+
		"AS co ON base.crid = co.allegation_id GROUP BY base.crid", plan.SQL)

	row, err := plan.Decode([]any{[]byte("1"), `{"(1,8,66.6667)","(,,)"}`})
	require.NoError(t, err)
	assert.Equal(t, "1", row["crid"])
	items := row["coaccused"].([]map[string]any)
	require.Len(t, items, 1)
	assert.Equal(t, int64(8), items[0]["officer_id"])
	assert.True(t, decimal.RequireFromString("66.6667").Equal(items[0]["percentile"].(decimal.Decimal)))

	row, err = plan.Decode([]any{"2", nil})
	require.NoError(t, err)
	assert.Equal(t, []map[string]any{}, row["coaccused"])
}

func TestSubqueryErrors(t *testing.T) {
	f := newFixture(t)
	inner := NewDistinct(f.catalog, f.involved).Field("allegation_id", Plain("allegation_id"))

	_, err := NewAggregate(f.catalog, f.allegation).
		JoinSubquery("co", NewSubquery(inner, "missing")).
		Field("crid", Plain("crid")).
		Build()
	assert.Equal(t, cerrors.CodeUnknownColumn, cerrors.GetCode(err))

	_, err = NewAggregate(f.catalog, f.allegation).
		JoinSubquery("co", NewSubquery(inner, "allegation_id").LeftOn("missing")).
		Field("crid", Plain("crid")).
		Build()
	assert.Equal(t, cerrors.CodeUnknownColumn, cerrors.GetCode(err))
}

func TestPlainFieldDecodesByColumnType(t *testing.T) {
	f := newFixture(t)
	plan, err := NewDistinct(f.catalog, f.allegation).
		Join("oa", f.involved).
		Field("crid", Plain("crid")).
		Field("incident_date", Plain("incident_date")).
		Field("point", Geometry("point")).
		Build()
	require.NoError(t, err)
	assert.Contains(t, plan.SQL, "ST_AsGML(base.point) AS point")

	gml := `<gml:Point srsName="EPSG:4326"><gml:coordinates>12,21</gml:coordinates></gml:Point>`
	row, err := plan.Decode([]any{"1", time.Date(2020, 1, 1, 5, 0, 0, 0, time.UTC), gml})
	require.NoError(t, err)
	assert.Equal(t, time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC), row["incident_date"])
	assert.Equal(t, &Point{Lon: 12, Lat: 21}, row["point"])

	row, err = plan.Decode([]any{"1", nil, nil})
	require.NoError(t, err)
	assert.Nil(t, row["incident_date"])
	assert.Nil(t, row["point"])

	_, err = plan.Decode([]any{"1", nil, "<gml:Point/>"})
	assert.Equal(t, cerrors.CodeDecodeFailed, cerrors.GetCode(err))

	_, err = plan.Decode([]any{"1"})
	assert.Equal(t, cerrors.CodeDecodeFailed, cerrors.GetCode(err))
}

func TestDecimalKeepsDigits(t *testing.T) {
	out, err := Plain("x").As(KindDecimal).Decode([]byte("66.6667"))
	require.NoError(t, err)
	assert.Equal(t, "66.6667", out.(decimal.Decimal).String())
}

func TestParseGML3(t *testing.T) {
	p, err := ParseGML(`<gml:Point srsName="EPSG:4326"><gml:pos srsDimension="2">-87.6 41.8</gml:pos></gml:Point>`)
	require.NoError(t, err)
	assert.Equal(t, &Point{Lon: -87.6, Lat: 41.8}, p)

	_, err = ParseGML("not xml")
	assert.Equal(t, cerrors.CodeMalformedGML, cerrors.GetCode(err))
}

func TestProperty_RowArrayNeverGrouped(t *testing.T) {
	f := newFixture(t)
	columns := []string{"crid", "summary", "incident_date", "point", "most_common_category_id"}

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("row array fields stay out of GROUP BY, base fields appear once", prop.ForAll(
		func(picks []int, at int) bool {
			q := NewAggregate(f.catalog, f.allegation).Join("v", f.victim)
			used := map[string]bool{}
			for i, p := range picks {
				if i == at%(len(picks)+1) {
					q.Field("victims", RowArray("v"))
				}
				q.Field(fmt.Sprintf("f%d", i), Plain(columns[p]))
				used[columns[p]] = true
			}
			if at%(len(picks)+1) == len(picks) {
				q.Field("victims", RowArray("v"))
			}

			plan, err := q.Build()
			if err != nil {
				return false
			}
			parts := strings.SplitN(plan.SQL, " GROUP BY ", 2)
			if len(parts) != 2 {
				return false
			}
			keys := strings.Split(parts[1], ", ")
			if keys[0] != "base.crid" {
				return false
			}
			for _, k := range keys {
				if strings.Contains(k, "victims") || strings.HasPrefix(k, "v.") {
					return false
				}
			}
			for _, c := range columns {
				n := 0
				for _, k := range keys {
					if k == "base."+c {
						n++
					}
				}
				want := 0
				if used[c] || c == "crid" {
					want = 1
				}
				if n != want {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, len(columns)-1)),
		gen.IntRange(0, 10),
	))

	properties.TestingRun(t)
}
