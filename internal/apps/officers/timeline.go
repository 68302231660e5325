package officers

import (
	"context"

	"github.com/cpdb/esindex/internal/apps/cpdb"
	"github.com/cpdb/esindex/internal/docstore"
	"github.com/cpdb/esindex/internal/indexer"
	"github.com/cpdb/esindex/internal/query"
	"github.com/cpdb/esindex/internal/schema"
	"github.com/cpdb/esindex/internal/serializer"
)

const (
	// TimelineAlias serves officer timeline events.
	TimelineAlias = "timeline_events"

	// KindCR tags timeline events built from officer allegations.
	KindCR = "CR"

	timelineBatchSize = 1000
)

// TimelineQuery declares one row per officer allegation with the
// allegation's date, point and number of accused officers.
func TimelineQuery(catalog *schema.Catalog) *query.Query {
	oa := catalog.MustTable(cpdb.OfficerAllegation)
	return query.NewDistinct(catalog, oa).
		Join("allegation", catalog.MustTable(cpdb.Allegation)).
		Field("id", query.Plain("id")).
		Field("officer_id", query.Plain("officer_id")).
		Field("crid", query.Plain("allegation_id")).
		Field("final_finding", query.Plain("final_finding")).
		Field("final_outcome", query.Plain("final_outcome")).
		Field("category", query.Foreign("allegation_category", "category")).
		Field("subcategory", query.Foreign("allegation_category", "allegation_name")).
		Field("date", query.Plain("incident_date").On("allegation")).
		Field("point", query.Geometry("point").On("allegation")).
		Field("coaccused_count", query.Count(oa).RelatedTo("allegation"))
}

var timelineSerializer = serializer.New().
	Func("kind", func(map[string]any) any { return KindCR }).
	Get("officer_id", "").
	Get("crid", "").
	Date("date", "").
	Get("category", "").
	Get("subcategory", "").
	Func("finding", func(r map[string]any) any { return cpdb.FindingDisplay(r["final_finding"]) }).
	Get("outcome", "final_outcome").
	Get("coaccused_count", "").
	Func("point", func(r map[string]any) any { return cpdb.PointDoc(r["point"]) })

// CRNewTimelineEventIndexer builds one CR event per officer allegation.
// Events have no natural id and are indexed under generated ids.
type CRNewTimelineEventIndexer struct {
	src   indexer.Source
	query *query.Query
}

// NewCRNewTimelineEventIndexer needs no side maps.
func NewCRNewTimelineEventIndexer(src indexer.Source) *CRNewTimelineEventIndexer {
	return &CRNewTimelineEventIndexer{src: src, query: TimelineQuery(src.Catalog())}
}

func (ix *CRNewTimelineEventIndexer) Name() string           { return "CRNewTimelineEventIndexer" }
func (ix *CRNewTimelineEventIndexer) Alias() string          { return TimelineAlias }
func (ix *CRNewTimelineEventIndexer) ParentProperty() string { return "" }

func (ix *CRNewTimelineEventIndexer) Mapping() map[string]any {
	return map[string]any{
		"kind":       map[string]any{"type": "keyword"},
		"crid":       map[string]any{"type": "keyword"},
		"officer_id": map[string]any{"type": "long"},
		"date":       map[string]any{"type": "date", "format": "yyyy-MM-dd"},
		"point":      map[string]any{"type": "geo_point"},
	}
}

func (ix *CRNewTimelineEventIndexer) Rows(ctx context.Context) (indexer.RowIter, error) {
	return query.Execute(ctx, ix.src, ix.query)
}

func (ix *CRNewTimelineEventIndexer) Extract(row query.Row) ([]docstore.Document, error) {
	doc, err := timelineSerializer.Serialize(row)
	if err != nil {
		return nil, err
	}
	return []docstore.Document{doc}, nil
}

// CRNewTimelineEventPartialIndexer replaces the CR events of selected
// crids.
type CRNewTimelineEventPartialIndexer struct {
	*CRNewTimelineEventIndexer
}

func NewCRNewTimelineEventPartialIndexer(src indexer.Source) *CRNewTimelineEventPartialIndexer {
	return &CRNewTimelineEventPartialIndexer{CRNewTimelineEventIndexer: NewCRNewTimelineEventIndexer(src)}
}

func (ix *CRNewTimelineEventPartialIndexer) Name() string   { return "CRNewTimelineEventPartialIndexer" }
func (ix *CRNewTimelineEventPartialIndexer) BatchSize() int { return timelineBatchSize }

func (ix *CRNewTimelineEventPartialIndexer) batchQuery(keys []string) (*query.Query, error) {
	return ix.query.Where("allegation_id__in", keys)
}

func (ix *CRNewTimelineEventPartialIndexer) BatchRows(ctx context.Context, keys []string) (indexer.RowIter, error) {
	q, err := ix.batchQuery(keys)
	if err != nil {
		return nil, err
	}
	return query.Execute(ctx, ix.src, q)
}

func (ix *CRNewTimelineEventPartialIndexer) CountRows(ctx context.Context, keys []string) (int64, error) {
	q, err := ix.batchQuery(keys)
	if err != nil {
		return 0, err
	}
	return query.CountRows(ctx, ix.src, q)
}

// DocsFilter selects the CR events of keys; other event kinds sharing a
// crid are left alone.
func (ix *CRNewTimelineEventPartialIndexer) DocsFilter(keys []string) docstore.Filter {
	crids := make([]any, len(keys))
	for i, k := range keys {
		crids[i] = k
	}
	return docstore.Filter{Terms: map[string][]any{
		"crid": crids,
		"kind": {KindCR},
	}}
}
