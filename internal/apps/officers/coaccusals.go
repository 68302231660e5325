package officers

import (
	"context"

	"github.com/cpdb/esindex/internal/apps/cpdb"
	"github.com/cpdb/esindex/internal/docstore"
	"github.com/cpdb/esindex/internal/indexer"
	"github.com/cpdb/esindex/internal/query"
	"github.com/cpdb/esindex/internal/serializer"
)

// CoaccusalQuery yields one row per ordered pair of officers accused on
// the same allegation, with the number of allegations they share.
func CoaccusalQuery() *query.Raw {
	return query.NewRaw(
		"SELECT a.officer_id, b.officer_id AS coaccusal_id, COUNT(DISTINCT a.allegation_id) AS coaccusal_count" +
			" FROM " + cpdb.OfficerAllegation + " AS a" +
			" JOIN " + cpdb.OfficerAllegation + " AS b" +
			" ON b.allegation_id = a.allegation_id AND b.officer_id <> a.officer_id" +
			" GROUP BY a.officer_id, b.officer_id" +
			" ORDER BY a.officer_id, b.officer_id").
		Column("officer_id", query.KindInt).
		Column("coaccusal_id", query.KindInt).
		Column("coaccusal_count", query.KindInt)
}

var coaccusalSerializer = serializer.New().
	Get("id", "coaccusal_id").
	Func("full_name", func(r map[string]any) any { return cpdb.FullName(coaccusedOf(r)) }).
	Get("rank", "officer.rank").
	Get("allegation_count", "officer.allegation_count").
	Get("sustained_count", "officer.sustained_count").
	Get("coaccusal_count", "").
	Func("percentile", func(r map[string]any) any { return cpdb.Percentiles(coaccusedOf(r)) })

func coaccusedOf(r map[string]any) map[string]any {
	o, _ := r["officer"].(map[string]any)
	return o
}

// OfficerCoaccusalsIndexer appends one coaccusal entry per coaccused
// officer to the coaccusals property of the officer document.
type OfficerCoaccusalsIndexer struct {
	src      indexer.Source
	officers cpdb.Officers
}

// NewOfficerCoaccusalsIndexer loads the officer side map.
func NewOfficerCoaccusalsIndexer(ctx context.Context, src indexer.Source) (*OfficerCoaccusalsIndexer, error) {
	officers, err := cpdb.LoadOfficers(ctx, src)
	if err != nil {
		return nil, err
	}
	return &OfficerCoaccusalsIndexer{src: src, officers: officers}, nil
}

func (ix *OfficerCoaccusalsIndexer) Name() string            { return "OfficerCoaccusalsIndexer" }
func (ix *OfficerCoaccusalsIndexer) Alias() string           { return Alias }
func (ix *OfficerCoaccusalsIndexer) ParentProperty() string  { return "coaccusals" }
func (ix *OfficerCoaccusalsIndexer) Mapping() map[string]any { return nil }

func (ix *OfficerCoaccusalsIndexer) Rows(ctx context.Context) (indexer.RowIter, error) {
	return query.Execute(ctx, ix.src, CoaccusalQuery())
}

func (ix *OfficerCoaccusalsIndexer) Extract(row query.Row) ([]docstore.Document, error) {
	src := map[string]any{
		"coaccusal_id":    row["coaccusal_id"],
		"coaccusal_count": row["coaccusal_count"],
		"officer":         map[string]any(ix.officers.Lookup(row["coaccusal_id"])),
	}
	entry, err := coaccusalSerializer.Serialize(src)
	if err != nil {
		return nil, err
	}
	return []docstore.Document{{
		indexer.IDField: row["officer_id"],
		"coaccusals":    entry,
	}}, nil
}
