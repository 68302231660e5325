// Package cr indexes complaint records (CRs) into the cr alias.
package cr

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
	// App is the name the cr indexers are registered under.
	App = "cr"
	// Alias serves CR documents.
	Alias = "cr"

	partialBatchSize = 500
)

// Factories returns the cr indexers in run order.
func Factories() []indexer.Factory {
	return []indexer.Factory{
		{Name: "CRIndexer", New: func(ctx context.Context, src indexer.Source) (indexer.Indexer, error) {
			return NewCRIndexer(ctx, src)
		}},
		{Name: "CRPartialIndexer", Partial: true, New: func(ctx context.Context, src indexer.Source) (indexer.Indexer, error) {
			return NewCRPartialIndexer(ctx, src)
		}},
	}
}

// Query declares the CR row query: one row per allegation with its officer
// allegations, complainants, victims and attachments aggregated.
func Query(catalog *schema.Catalog) *query.Query {
	return query.NewAggregate(catalog, catalog.MustTable(cpdb.Allegation)).
		Join("oa", catalog.MustTable(cpdb.OfficerAllegation)).
		Join("complainant", catalog.MustTable(cpdb.Complainant)).
		Join("victim", catalog.MustTable(cpdb.Victim)).
		Join("attachment", catalog.MustTable(cpdb.AttachmentFile)).
		Field("crid", query.Plain("crid")).
		Field("summary", query.Plain("summary")).
		Field("incident_date", query.Plain("incident_date")).
		Field("add1", query.Plain("add1")).
		Field("add2", query.Plain("add2")).
		Field("city", query.Plain("city")).
		Field("location", query.Plain("location")).
		Field("beat", query.Foreign("beat", "name")).
		Field("point", query.Geometry("point")).
		Field("coaccused", query.RowArray("oa")).
		Field("complainants", query.RowArray("complainant")).
		Field("victims", query.RowArray("victim")).
		Field("attachments", query.RowArray("attachment"))
}

// InvestigatorQuery selects every investigator assignment with the
// investigator's name.
func InvestigatorQuery(catalog *schema.Catalog) *query.Query {
	return query.NewDistinct(catalog, catalog.MustTable(cpdb.InvestigatorAllegation)).
		Field("allegation_id", query.Plain("allegation_id")).
		Field("current_rank", query.Plain("current_rank")).
		Field("investigator_type", query.Plain("investigator_type")).
		Field("first_name", query.Foreign("investigator", "first_name")).
		Field("last_name", query.Foreign("investigator", "last_name")).
		Field("officer_id", query.Foreign("investigator", "officer_id"))
}

var (
	personSerializer = serializer.New().
				Get("gender", "").
				Get("race", "").
				Get("age", "")

	attachmentSerializer = serializer.New().
				Get("title", "").
				Get("url", "").
				Get("file_type", "").
				Get("preview_image_url", "")

	involvementSerializer = serializer.New().
				Func("involved_type", func(map[string]any) any { return "investigator" }).
				Get("officer_id", "").
				Func("full_name", func(r map[string]any) any { return cpdb.FullName(r) }).
				Get("current_rank", "").
				Get("investigator_type", "")
)

// CRIndexer builds one document per allegation.
type CRIndexer struct {
	src   indexer.Source
	query *query.Query

	officers      cpdb.Officers
	categories    cpdb.Categories
	investigators map[string][]query.Row

	now        func() time.Time
	serializer *serializer.Serializer
}

// NewCRIndexer loads the officer, category and investigator side maps.
func NewCRIndexer(ctx context.Context, src indexer.Source) (*CRIndexer, error) {
	officers, err := cpdb.LoadOfficers(ctx, src)
	if err != nil {
		return nil, err
	}
	categories, err := cpdb.LoadCategories(ctx, src)
	if err != nil {
		return nil, err
	}
	rows, err := query.Execute(ctx, src, InvestigatorQuery(src.Catalog()))
	if err != nil {
		return nil, err
	}
	investigators, err := cpdb.GroupBy(rows, "allegation_id")
	if err != nil {
		return nil, err
	}
	return newCRIndexer(src, officers, categories, investigators, time.Now), nil
}

func newCRIndexer(src indexer.Source, officers cpdb.Officers, categories cpdb.Categories,
	investigators map[string][]query.Row, now func() time.Time) *CRIndexer {
	ix := &CRIndexer{
		src:           src,
		officers:      officers,
		categories:    categories,
		investigators: investigators,
		now:           now,
	}
	if src != nil {
		ix.query = Query(src.Catalog())
	}
	ix.serializer = serializer.New().
		Get("id", "crid").
		Get("crid", "").
		Get("category", "").
		Get("most_common_category", "").
		Date("incident_date", "").
		Func("address", func(r map[string]any) any { return cpdb.Address(r) }).
		Get("location", "").
		Get("beat", "").
		Get("summary", "").
		Func("point", func(r map[string]any) any { return cpdb.PointDoc(r["point"]) }).
		List("coaccused", "coaccused", ix.coaccusedSerializer()).
		List("complainants", "complainants", personSerializer).
		List("victims", "victims", personSerializer).
		List("involvements", "involvements", involvementSerializer).
		List("attachments", "attachments", attachmentSerializer)
	return ix
}

// coaccusedSerializer reads an officer allegation item enriched with the
// officer row under "officer" and the category row under "category_row".
func (ix *CRIndexer) coaccusedSerializer() *serializer.Serializer {
	return serializer.New().
		Get("id", "officer_id").
		Func("full_name", func(r map[string]any) any { return cpdb.FullName(officerOf(r)) }).
		Get("gender", "officer.gender").
		Get("race", "officer.race").
		Get("rank", "officer.rank").
		Get("birth_year", "officer.birth_year").
		Func("age", func(r map[string]any) any { return cpdb.Age(officerOf(r)["birth_year"], ix.now()) }).
		Get("allegation_count", "officer.allegation_count").
		Get("sustained_count", "officer.sustained_count").
		Func("final_finding", func(r map[string]any) any { return cpdb.FindingDisplay(r["final_finding"]) }).
		Get("final_outcome", "").
		Get("recc_outcome", "").
		Get("disciplined", "").
		Get("category", "category_row.category").
		Get("allegation_name", "category_row.allegation_name").
		Date("start_date", "").
		Date("end_date", "").
		Func("percentile", func(r map[string]any) any { return cpdb.Percentiles(officerOf(r)) })
}

func officerOf(item map[string]any) map[string]any {
	o, _ := item["officer"].(map[string]any)
	return o
}

func (ix *CRIndexer) Name() string           { return "CRIndexer" }
func (ix *CRIndexer) Alias() string          { return Alias }
func (ix *CRIndexer) ParentProperty() string { return "" }

func (ix *CRIndexer) Mapping() map[string]any {
	return map[string]any{
		"crid":          map[string]any{"type": "keyword"},
		"category":      map[string]any{"type": "keyword"},
		"incident_date": map[string]any{"type": "date", "format": "yyyy-MM-dd"},
		"summary":       map[string]any{"type": "text"},
		"point":         map[string]any{"type": "geo_point"},
		"coaccused":     map[string]any{"type": "nested"},
	}
}

func (ix *CRIndexer) Rows(ctx context.Context) (indexer.RowIter, error) {
	return query.Execute(ctx, ix.src, ix.query)
}

// Extract joins the row with the side maps and serializes it.
func (ix *CRIndexer) Extract(row query.Row) ([]docstore.Document, error) {
	src := make(map[string]any, len(row)+4)
	for k, v := range row {
		src[k] = v
	}

	coaccused := ix.enrichCoaccused(row["coaccused"])
	src["coaccused"] = coaccused
	mcc := ix.mostCommonCategory(coaccused)
	src["most_common_category"] = mcc
	src["category"] = "Unknown"
	if mcc != nil {
		src["category"] = mcc["category"]
	}

	crid := cpdb.String(row["crid"])
	involvements := make([]map[string]any, 0, len(ix.investigators[crid]))
	for _, inv := range ix.investigators[crid] {
		involvements = append(involvements, inv)
	}
	src["involvements"] = involvements

	doc, err := ix.serializer.Serialize(src)
	if err != nil {
		return nil, err
	}
	return []docstore.Document{doc}, nil
}

// enrichCoaccused attaches officer and category rows to each officer
// allegation, ordered by officer id.
func (ix *CRIndexer) enrichCoaccused(v any) []map[string]any {
	items, _ := v.([]map[string]any)
	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		enriched := make(map[string]any, len(item)+2)
		for k, v := range item {
			enriched[k] = v
		}
		enriched["officer"] = map[string]any(ix.officers.Lookup(item["officer_id"]))
		enriched["category_row"] = map[string]any(ix.categories.Lookup(item["allegation_category_id"]))
		out = append(out, enriched)
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, _ := cpdb.Int64(out[i]["officer_id"])
		b, _ := cpdb.Int64(out[j]["officer_id"])
		return a < b
	})
	return out
}

// mostCommonCategory picks the category shared by most officer
// allegations; ties go to the lowest category id.
func (ix *CRIndexer) mostCommonCategory(coaccused []map[string]any) map[string]any {
	counts := make(map[int64]int)
	for _, item := range coaccused {
		if id, ok := cpdb.Int64(item["allegation_category_id"]); ok {
			counts[id]++
		}
	}
	var (
		best      int64
		bestCount int
	)
	for id, n := range counts {
		if n > bestCount || (n == bestCount && id < best) {
			best, bestCount = id, n
		}
	}
	if bestCount == 0 {
		return nil
	}
	cat := ix.categories[best]
	if cat == nil {
		return nil
	}
	return map[string]any{
		"category":        cat["category"],
		"allegation_name": cat["allegation_name"],
	}
}

// CRPartialIndexer refreshes the documents of selected crids.
type CRPartialIndexer struct {
	*CRIndexer
}

// NewCRPartialIndexer loads the same side maps as NewCRIndexer.
func NewCRPartialIndexer(ctx context.Context, src indexer.Source) (*CRPartialIndexer, error) {
	ix, err := NewCRIndexer(ctx, src)
	if err != nil {
		return nil, err
	}
	return &CRPartialIndexer{CRIndexer: ix}, nil
}

func (ix *CRPartialIndexer) Name() string   { return "CRPartialIndexer" }
func (ix *CRPartialIndexer) BatchSize() int { return partialBatchSize }

func (ix *CRPartialIndexer) batchQuery(keys []string) (*query.Query, error) {
	return ix.query.Where("crid__in", keys)
}

func (ix *CRPartialIndexer) BatchRows(ctx context.Context, keys []string) (indexer.RowIter, error) {
	q, err := ix.batchQuery(keys)
	if err != nil {
		return nil, err
	}
	return query.Execute(ctx, ix.src, q)
}

func (ix *CRPartialIndexer) CountRows(ctx context.Context, keys []string) (int64, error) {
	q, err := ix.batchQuery(keys)
	if err != nil {
		return 0, err
	}
	return query.CountRows(ctx, ix.src, q)
}

func (ix *CRPartialIndexer) DocsFilter(keys []string) docstore.Filter {
	return docstore.Terms("crid", anySlice(keys)...)
}

func anySlice(keys []string) []any {
	out := make([]any, len(keys))
	for i, k := range keys {
		out[i] = k
	}
	return out
}
