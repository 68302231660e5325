// Package officers indexes officer documents, their coaccusals and the CR
// events of the officer timeline.
package officers

import (
	"context"
	"sort"
	"time"

	"github.com/cpdb/esindex/internal/apps/cpdb"
	"github.com/cpdb/esindex/internal/docstore"
	"github.com/cpdb/esindex/internal/indexer"
	"github.com/cpdb/esindex/internal/query"
	"github.com/cpdb/esindex/internal/schema"
	"github.com/cpdb/esindex/internal/serializer"
)

const (
	// App is the name the officers indexers are registered under.
	App = "officers"
	// Alias serves officer documents.
	Alias = "officers"
)

// Factories returns the officers indexers in run order. The coaccusals
// indexer appends to officer documents and must follow OfficersIndexer.
func Factories() []indexer.Factory {
	return []indexer.Factory{
		{Name: "OfficersIndexer", New: func(ctx context.Context, src indexer.Source) (indexer.Indexer, error) {
			return NewOfficersIndexer(ctx, src)
		}},
		{Name: "OfficerCoaccusalsIndexer", New: func(ctx context.Context, src indexer.Source) (indexer.Indexer, error) {
			return NewOfficerCoaccusalsIndexer(ctx, src)
		}},
		{Name: "CRNewTimelineEventIndexer", New: func(ctx context.Context, src indexer.Source) (indexer.Indexer, error) {
			return NewCRNewTimelineEventIndexer(src), nil
		}},
		{Name: "CRNewTimelineEventPartialIndexer", Partial: true, New: func(ctx context.Context, src indexer.Source) (indexer.Indexer, error) {
			return NewCRNewTimelineEventPartialIndexer(src), nil
		}},
	}
}

// Query declares the officer row query with badge numbers and unit
// history aggregated.
func Query(catalog *schema.Catalog) *query.Query {
	oa := catalog.MustTable(cpdb.OfficerAllegation)
	return query.NewAggregate(catalog, catalog.MustTable(cpdb.Officer)).
		Join("badge", catalog.MustTable(cpdb.OfficerBadgeNumber)).
		Join("history", catalog.MustTable(cpdb.OfficerHistory)).
		Field("id", query.Plain("id")).
		Field("first_name", query.Plain("first_name")).
		Field("last_name", query.Plain("last_name")).
		Field("gender", query.Plain("gender")).
		Field("race", query.Plain("race")).
		Field("birth_year", query.Plain("birth_year")).
		Field("appointed_date", query.Plain("appointed_date")).
		Field("rank", query.Plain("rank")).
		Field("active", query.Plain("active")).
		Field("complaint_percentile", query.Plain("complaint_percentile")).
		Field("civilian_allegation_percentile", query.Plain("civilian_allegation_percentile")).
		Field("internal_allegation_percentile", query.Plain("internal_allegation_percentile")).
		Field("trr_percentile", query.Plain("trr_percentile")).
		Field("unit", query.Foreign("last_unit", "unit_name")).
		Field("allegation_count", query.Count(oa)).
		Field("sustained_count", query.Count(oa, query.MustLookup("final_finding", "SU"))).
		Field("badges", query.RowArray("badge")).
		Field("history", query.RowArray("history"))
}

// UnitQuery selects every police unit name.
func UnitQuery() *query.Raw {
	return query.NewRaw("SELECT id, unit_name FROM " + cpdb.PoliceUnit).
		Column("id", query.KindInt).
		Column("unit_name", query.KindRaw)
}

// CoaccusalCountQuery counts, per officer, the distinct other officers
// accused on the same allegations.
func CoaccusalCountQuery() *query.Raw {
	return query.NewRaw(
		"SELECT a.officer_id, COUNT(DISTINCT b.officer_id) AS coaccusal_count" +
			" FROM " + cpdb.OfficerAllegation + " AS a" +
			" JOIN " + cpdb.OfficerAllegation + " AS b" +
			" ON b.allegation_id = a.allegation_id AND b.officer_id <> a.officer_id" +
			" GROUP BY a.officer_id").
		Column("officer_id", query.KindInt).
		Column("coaccusal_count", query.KindInt)
}

// LoadUnits maps unit ids to unit names.
func LoadUnits(ctx context.Context, src query.Querier) (map[int64]string, error) {
	rows, err := query.Execute(ctx, src, UnitQuery())
	if err != nil {
		return nil, err
	}
	byID, err := cpdb.KeyByID(rows, "id")
	if err != nil {
		return nil, err
	}
	units := make(map[int64]string, len(byID))
	for id, row := range byID {
		units[id] = cpdb.String(row["unit_name"])
	}
	return units, nil
}

// LoadCoaccusalCounts maps officer ids to their coaccusal counts.
func LoadCoaccusalCounts(ctx context.Context, src query.Querier) (map[int64]int64, error) {
	rows, err := query.Execute(ctx, src, CoaccusalCountQuery())
	if err != nil {
		return nil, err
	}
	byID, err := cpdb.KeyByID(rows, "officer_id")
	if err != nil {
		return nil, err
	}
	counts := make(map[int64]int64, len(byID))
	for id, row := range byID {
		n, _ := cpdb.Int64(row["coaccusal_count"])
		counts[id] = n
	}
	return counts, nil
}

var historySerializer = serializer.New().
	Get("unit_id", "").
	Get("unit_name", "").
	Date("effective_date", "").
	Date("end_date", "")

// OfficersIndexer builds one document per officer.
type OfficersIndexer struct {
	src   indexer.Source
	query *query.Query

	units      map[int64]string
	coaccusals map[int64]int64

	now        func() time.Time
	serializer *serializer.Serializer
}

// NewOfficersIndexer loads the unit and coaccusal-count side maps.
func NewOfficersIndexer(ctx context.Context, src indexer.Source) (*OfficersIndexer, error) {
	units, err := LoadUnits(ctx, src)
	if err != nil {
		return nil, err
	}
	coaccusals, err := LoadCoaccusalCounts(ctx, src)
	if err != nil {
		return nil, err
	}
	return newOfficersIndexer(src, units, coaccusals, time.Now), nil
}

func newOfficersIndexer(src indexer.Source, units map[int64]string, coaccusals map[int64]int64, now func() time.Time) *OfficersIndexer {
	ix := &OfficersIndexer{src: src, units: units, coaccusals: coaccusals, now: now}
	if src != nil {
		ix.query = Query(src.Catalog())
	}
	ix.serializer = serializer.New().
		Get("id", "").
		Func("full_name", func(r map[string]any) any { return cpdb.FullName(r) }).
		Get("gender", "").
		Get("race", "").
		Get("birth_year", "").
		Func("age", func(r map[string]any) any { return cpdb.Age(r["birth_year"], ix.now()) }).
		Date("appointed_date", "").
		Get("rank", "").
		Get("active", "").
		Get("unit", "").
		Get("allegation_count", "").
		Get("sustained_count", "").
		Get("coaccusal_count", "").
		Func("percentile", func(r map[string]any) any { return cpdb.Percentiles(r) }).
		Get("current_badge", "").
		Get("historic_badges", "").
		List("history", "history", historySerializer).
		Func("coaccusals", func(map[string]any) any { return []any{} })
	return ix
}

func (ix *OfficersIndexer) Name() string           { return "OfficersIndexer" }
func (ix *OfficersIndexer) Alias() string          { return Alias }
func (ix *OfficersIndexer) ParentProperty() string { return "" }

func (ix *OfficersIndexer) Mapping() map[string]any {
	return map[string]any{
		"full_name":       map[string]any{"type": "text", "analyzer": "standard"},
		"current_badge":   map[string]any{"type": "keyword"},
		"historic_badges": map[string]any{"type": "keyword"},
		"appointed_date":  map[string]any{"type": "date", "format": "yyyy-MM-dd"},
		"coaccusals":      map[string]any{"type": "nested"},
		"history":         map[string]any{"type": "nested"},
	}
}

func (ix *OfficersIndexer) Rows(ctx context.Context) (indexer.RowIter, error) {
	return query.Execute(ctx, ix.src, ix.query)
}

// Extract splits badges into the current one and the rest and resolves
// history units by name.
func (ix *OfficersIndexer) Extract(row query.Row) ([]docstore.Document, error) {
	src := make(map[string]any, len(row)+4)
	for k, v := range row {
		src[k] = v
	}

	current, historic := splitBadges(row["badges"])
	src["current_badge"] = current
	src["historic_badges"] = historic
	src["history"] = ix.history(row["history"])

	id, _ := cpdb.Int64(row["id"])
	src["coaccusal_count"] = ix.coaccusals[id]

	doc, err := ix.serializer.Serialize(src)
	if err != nil {
		return nil, err
	}
	return []docstore.Document{doc}, nil
}

// splitBadges returns the current star, if any, and the other stars in
// ascending order.
func splitBadges(v any) (any, []string) {
	items, _ := v.([]map[string]any)
	var (
		current  any
		historic = []string{}
	)
	for _, b := range items {
		star := cpdb.String(b["star"])
		if star == "" {
			continue
		}
		if isTrue(b["current"]) {
			current = star
			continue
		}
		historic = append(historic, star)
	}
	sort.Strings(historic)
	return current, historic
}

// isTrue accepts driver booleans and the t/f tokens of row array text.
func isTrue(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case string:
		return b == "t" || b == "true"
	default:
		return false
	}
}

// history orders unit assignments by effective date, oldest first.
func (ix *OfficersIndexer) history(v any) []map[string]any {
	items, _ := v.([]map[string]any)
	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		h := make(map[string]any, len(item)+1)
		for k, v := range item {
			h[k] = v
		}
		if id, ok := cpdb.Int64(item["unit_id"]); ok {
			h["unit_name"] = ix.units[id]
		}
		out = append(out, h)
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, _ := out[i]["effective_date"].(time.Time)
		b, _ := out[j]["effective_date"].(time.Time)
		return a.Before(b)
	})
	return out
}
