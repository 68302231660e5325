package cpdb

import (
	"context"
	"fmt"

	"github.com/cpdb/esindex/internal/indexer"
	"github.com/cpdb/esindex/internal/query"
	"github.com/cpdb/esindex/internal/schema"
)

// Side maps are built once per run, before any row is extracted, and are
// read-only afterwards.

// Officers maps officer ids to officer rows.
type Officers map[int64]query.Row

// Categories maps allegation category ids to category rows.
type Categories map[int64]query.Row

// OfficerQuery selects every officer with allegation and sustained counts.
func OfficerQuery(catalog *schema.Catalog) *query.Query {
	oa := catalog.MustTable(OfficerAllegation)
	return query.NewDistinct(catalog, catalog.MustTable(Officer)).
		Field("id", query.Plain("id")).
		Field("first_name", query.Plain("first_name")).
		Field("last_name", query.Plain("last_name")).
		Field("gender", query.Plain("gender")).
		Field("race", query.Plain("race")).
		Field("birth_year", query.Plain("birth_year")).
		Field("appointed_date", query.Plain("appointed_date")).
		Field("rank", query.Plain("rank")).
		Field("complaint_percentile", query.Plain("complaint_percentile")).
		Field("civilian_allegation_percentile", query.Plain("civilian_allegation_percentile")).
		Field("internal_allegation_percentile", query.Plain("internal_allegation_percentile")).
		Field("trr_percentile", query.Plain("trr_percentile")).
		Field("allegation_count", query.Count(oa)).
		Field("sustained_count", query.Count(oa, query.MustLookup("final_finding", "SU")))
}

// CategoryQuery selects every allegation category.
func CategoryQuery(catalog *schema.Catalog) *query.Query {
	return query.NewDistinct(catalog, catalog.MustTable(AllegationCategory)).
		Field("id", query.Plain("id")).
		Field("category", query.Plain("category")).
		Field("allegation_name", query.Plain("allegation_name"))
}

// LoadOfficers runs OfficerQuery into a side map.
func LoadOfficers(ctx context.Context, src indexer.Source) (Officers, error) {
	rows, err := query.Execute(ctx, src, OfficerQuery(src.Catalog()))
	if err != nil {
		return nil, err
	}
	m, err := KeyByID(rows, "id")
	return Officers(m), err
}

// LoadCategories runs CategoryQuery into a side map.
func LoadCategories(ctx context.Context, src indexer.Source) (Categories, error) {
	rows, err := query.Execute(ctx, src, CategoryQuery(src.Catalog()))
	if err != nil {
		return nil, err
	}
	m, err := KeyByID(rows, "id")
	return Categories(m), err
}

// KeyByID drains rows into a map keyed by the integer column key.
func KeyByID(rows indexer.RowIter, key string) (map[int64]query.Row, error) {
	defer rows.Close()
	out := make(map[int64]query.Row)
	for rows.Next() {
		row := rows.Row()
		id, ok := Int64(row[key])
		if !ok {
			return nil, fmt.Errorf("side map: row has no integer %s: %v", key, row[key])
		}
		out[id] = row
	}
	return out, rows.Err()
}

// GroupBy drains rows into lists keyed by the string form of column key.
// Rows with a null key are skipped.
func GroupBy(rows indexer.RowIter, key string) (map[string][]query.Row, error) {
	defer rows.Close()
	out := make(map[string][]query.Row)
	for rows.Next() {
		row := rows.Row()
		if row[key] == nil {
			continue
		}
		k := String(row[key])
		out[k] = append(out[k], row)
	}
	return out, rows.Err()
}

// Lookup returns the row of id, or nil.
func (o Officers) Lookup(id any) query.Row {
	n, ok := Int64(id)
	if !ok {
		return nil
	}
	return o[n]
}

// Lookup returns the row of id, or nil.
func (c Categories) Lookup(id any) query.Row {
	n, ok := Int64(id)
	if !ok {
		return nil
	}
	return c[n]
}
