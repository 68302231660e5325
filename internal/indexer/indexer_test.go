package indexer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cpdb/esindex/internal/docstore"
	cerrors "github.com/cpdb/esindex/internal/errors"
	"github.com/cpdb/esindex/internal/observability"
	"github.com/cpdb/esindex/internal/query"
)

// spyStore counts writes while delegating to a real store.
type spyStore struct {
	docstore.Store

	mu          sync.Mutex
	bulkCalls   int
	bulkOps     int
	deleteCalls int
	deleted     int64
	mappings    []string
}

func (s *spyStore) Bulk(ctx context.Context, ops []docstore.BulkOp) (docstore.BulkResult, error) {
	s.mu.Lock()
	s.bulkCalls++
	s.bulkOps += len(ops)
	s.mu.Unlock()
	return s.Store.Bulk(ctx, ops)
}

func (s *spyStore) DeleteByQuery(ctx context.Context, index string, filter docstore.Filter) (int64, error) {
	n, err := s.Store.DeleteByQuery(ctx, index, filter)
	s.mu.Lock()
	s.deleteCalls++
	s.deleted += n
	s.mu.Unlock()
	return n, err
}

func (s *spyStore) PutMapping(ctx context.Context, index string, properties map[string]any) error {
	s.mu.Lock()
	s.mappings = append(s.mappings, index)
	s.mu.Unlock()
	return s.Store.PutMapping(ctx, index, properties)
}

func (s *spyStore) writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bulkCalls + s.deleteCalls
}

func newSpyStore(t *testing.T) (*spyStore, *docstore.SQLite) {
	t.Helper()
	db, err := docstore.NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return &spyStore{Store: db}, db
}

// fakeIndexer serves rows from memory, keyed by the crid field.
type fakeIndexer struct {
	name     string
	alias    string
	parent   string
	mapping  map[string]any
	rows     []query.Row
	batch    int
	failAt   int
	extract  func(query.Row) []docstore.Document
	countAdj int64

	extracted int
}

func (f *fakeIndexer) Name() string            { return f.name }
func (f *fakeIndexer) Alias() string           { return f.alias }
func (f *fakeIndexer) Mapping() map[string]any { return f.mapping }
func (f *fakeIndexer) ParentProperty() string  { return f.parent }
func (f *fakeIndexer) BatchSize() int          { return f.batch }

func (f *fakeIndexer) Rows(context.Context) (RowIter, error) {
	return NewSliceRows(f.rows...), nil
}

func (f *fakeIndexer) Extract(row query.Row) ([]docstore.Document, error) {
	f.extracted++
	if f.failAt > 0 && f.extracted == f.failAt {
		return nil, errors.New("boom")
	}
	if f.extract != nil {
		return f.extract(row), nil
	}
	doc := docstore.Document{}
	for k, v := range row {
		doc[k] = v
	}
	return []docstore.Document{doc}, nil
}

func (f *fakeIndexer) matching(keys []string) []query.Row {
	want := make(map[string]bool, len(keys))
	for _, k := range keys {
		want[k] = true
	}
	var out []query.Row
	for _, r := range f.rows {
		if want[fmt.Sprint(r["crid"])] {
			out = append(out, r)
		}
	}
	return out
}

func (f *fakeIndexer) BatchRows(_ context.Context, keys []string) (RowIter, error) {
	return NewSliceRows(f.matching(keys)...), nil
}

func (f *fakeIndexer) CountRows(_ context.Context, keys []string) (int64, error) {
	return int64(len(f.matching(keys))) + f.countAdj, nil
}

func (f *fakeIndexer) DocsFilter(keys []string) docstore.Filter {
	values := make([]any, len(keys))
	for i, k := range keys {
		values[i] = k
	}
	return docstore.Terms("crid", values...)
}

func crRows(ids ...string) []query.Row {
	rows := make([]query.Row, len(ids))
	for i, id := range ids {
		rows[i] = query.Row{"id": id, "crid": id, "summary": "summary " + id}
	}
	return rows
}

func testOptions() Options {
	return Options{
		BulkSize:  500,
		BatchSize: 2,
		Settings:  map[string]any{"number_of_shards": 1, "number_of_replicas": 1, "refresh_interval": "1s"},
	}
}

func newTestAlias(store docstore.Store, alias string, names ...string) *IndexAlias {
	a := NewIndexAlias(store, "cr", alias, testOptions(), zap.NewNop().Sugar(), observability.NewRunStats(), nil)
	i := 0
	a.newIndex = func(alias string) string {
		name := names[i]
		i++
		return name
	}
	return a
}

func TestMigrateBuildsAndSwapsAlias(t *testing.T) {
	store, db := newSpyStore(t)
	ctx := context.Background()
	ix := &fakeIndexer{name: "CRIndexer", alias: "cr", mapping: map[string]any{"crid": map[string]any{"type": "keyword"}}, rows: crRows("1", "2", "3")}

	a := newTestAlias(store, "cr", "cr_1", "cr_2")
	require.NoError(t, a.Migrate(ctx, []Indexer{ix}))

	targets, err := db.AliasTargets(ctx, "cr")
	require.NoError(t, err)
	assert.Equal(t, []string{"cr_1"}, targets)

	n, err := db.Count(ctx, "cr", docstore.Filter{})
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	settings, err := db.Settings(ctx, "cr_1")
	require.NoError(t, err)
	assert.Equal(t, "1s", settings["refresh_interval"])
	assert.Equal(t, float64(1), settings["number_of_replicas"])
	assert.Equal(t, float64(1), settings["number_of_shards"])

	mapping, err := db.Mapping(ctx, "cr_1")
	require.NoError(t, err)
	assert.Contains(t, mapping, "crid")

	// A second run replaces the first index.
	ix.rows = crRows("1", "2")
	require.NoError(t, a.Migrate(ctx, []Indexer{ix}))
	targets, err = db.AliasTargets(ctx, "cr")
	require.NoError(t, err)
	assert.Equal(t, []string{"cr_2"}, targets)
	exists, err := db.IndexExists(ctx, "cr_1")
	require.NoError(t, err)
	assert.False(t, exists)

	n, err = db.Count(ctx, "cr", docstore.Filter{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	hits, err := db.Search(ctx, "cr", docstore.Terms("crid", "2"), 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "2", hits[0].ID)
}

func TestMigrateFailureKeepsAlias(t *testing.T) {
	store, db := newSpyStore(t)
	ctx := context.Background()

	a := newTestAlias(store, "cr", "cr_1", "cr_2")
	require.NoError(t, a.Migrate(ctx, []Indexer{&fakeIndexer{name: "CRIndexer", alias: "cr", rows: crRows("1")}}))

	failing := &fakeIndexer{name: "CRIndexer", alias: "cr", rows: crRows("1", "2"), failAt: 2}
	require.Error(t, a.Migrate(ctx, []Indexer{failing}))

	targets, err := db.AliasTargets(ctx, "cr")
	require.NoError(t, err)
	assert.Equal(t, []string{"cr_1"}, targets)
	exists, err := db.IndexExists(ctx, "cr_2")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestMigrateFlushesInChunks(t *testing.T) {
	store, _ := newSpyStore(t)
	a := newTestAlias(store, "cr", "cr_1")
	a.opts.BulkSize = 2

	ix := &fakeIndexer{name: "CRIndexer", alias: "cr", rows: crRows("1", "2", "3", "4", "5")}
	require.NoError(t, a.Migrate(context.Background(), []Indexer{ix}))
	assert.Equal(t, 3, store.bulkCalls)
	assert.Equal(t, 5, store.bulkOps)
}

func TestMigrateParentPropertyAppends(t *testing.T) {
	store, db := newSpyStore(t)
	ctx := context.Background()

	officers := &fakeIndexer{
		name:    "OfficersIndexer",
		alias:   "officers",
		mapping: map[string]any{"full_name": map[string]any{"type": "text"}},
		rows:    []query.Row{{"id": 8, "full_name": "Jerome Finnigan"}},
	}
	coaccusals := &fakeIndexer{
		name:    "OfficerCoaccusalsIndexer",
		alias:   "officers",
		parent:  "coaccusals",
		mapping: map[string]any{"coaccusals": map[string]any{"type": "nested"}},
		rows: []query.Row{
			{"officer_id": 8, "coaccusal_id": 9},
			{"officer_id": 8, "coaccusal_id": 10},
			{"officer_id": 11, "coaccusal_id": 8},
		},
		extract: func(r query.Row) []docstore.Document {
			return []docstore.Document{{
				"id":         r["officer_id"],
				"coaccusals": map[string]any{"id": r["coaccusal_id"]},
			}}
		},
	}

	a := newTestAlias(store, "officers", "officers_1")
	require.NoError(t, a.Migrate(ctx, []Indexer{officers, coaccusals}))

	// Only the officers indexer owns the mapping.
	assert.Equal(t, []string{"officers_1"}, store.mappings)

	hits, err := db.Search(ctx, "officers", docstore.Terms("id", 8), 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "Jerome Finnigan", hits[0].Source["full_name"])
	assert.Equal(t, []any{
		map[string]any{"id": float64(9)},
		map[string]any{"id": float64(10)},
	}, hits[0].Source["coaccusals"])

	// Officer 11 had no document; the upsert creates it.
	hits, err = db.Search(ctx, "officers", docstore.Terms("id", 11), 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, []any{map[string]any{"id": float64(8)}}, hits[0].Source["coaccusals"])
}

func seedAlias(t *testing.T, store docstore.Store, ids ...string) {
	t.Helper()
	a := newTestAlias(store, "cr", "cr_1")
	require.NoError(t, a.Migrate(context.Background(), []Indexer{&fakeIndexer{name: "CRIndexer", alias: "cr", rows: crRows(ids...)}}))
}

func newTestPartial(store docstore.Store) *PartialRun {
	return NewPartialRun(store, testOptions(), zap.NewNop().Sugar(), observability.NewRunStats())
}

func TestPartialReplacesMatchingDocuments(t *testing.T) {
	store, db := newSpyStore(t)
	ctx := context.Background()
	seedAlias(t, store, "1", "2", "3", "4")
	before := store.writes()

	rows := crRows("1", "2", "3", "4")
	rows[0]["summary"] = "updated"
	ix := &fakeIndexer{name: "CRPartialIndexer", alias: "cr", rows: rows}

	require.NoError(t, newTestPartial(store).Run(ctx, ix, []string{"1", "2", "3", "1"}))

	// Three keys in batches of two: two deletes and two inserts.
	assert.Equal(t, 4, store.writes()-before)
	assert.Equal(t, int64(3), store.deleted)

	n, err := db.Count(ctx, "cr", docstore.Filter{})
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)

	hits, err := db.Search(ctx, "cr", docstore.Terms("crid", "1"), 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "updated", hits[0].Source["summary"])
}

func TestPartialCountMismatchWritesNothing(t *testing.T) {
	store, _ := newSpyStore(t)
	ctx := context.Background()
	seedAlias(t, store, "1", "2", "3")
	before := store.writes()

	// Key 4 exists in the source but was never indexed. It sits in the
	// last batch, so validation must cover every batch before writing.
	ix := &fakeIndexer{name: "CRPartialIndexer", alias: "cr", rows: crRows("1", "2", "3", "4")}
	err := newTestPartial(store).Run(ctx, ix, []string{"1", "2", "3", "4"})
	require.Error(t, err)

	assert.Equal(t, cerrors.ErrCategoryIntegrity, cerrors.GetCategory(err))
	assert.Equal(t, cerrors.CodeCountMismatch, cerrors.GetCode(err))
	var ie *cerrors.IndexError
	require.True(t, errors.As(err, &ie))
	assert.Equal(t, int64(2), ie.Details["expected"])
	assert.Equal(t, int64(1), ie.Details["actual"])
	assert.Equal(t, []string{"3", "4"}, ie.Details["keys"])
	assert.Equal(t, []string{"3"}, ie.Details["indexed_ids"])

	assert.Equal(t, before, store.writes())
}

func TestPartialBatchChangedSinceValidation(t *testing.T) {
	store, _ := newSpyStore(t)
	ctx := context.Background()
	seedAlias(t, store, "1", "2")
	before := store.writes()

	// The indexed and source counts agree, but the fetched rows do not
	// match the validated count.
	ix := &fakeIndexer{name: "CRPartialIndexer", alias: "cr", rows: crRows("1"), countAdj: 1}
	err := newTestPartial(store).Run(ctx, ix, []string{"1", "2"})
	require.Error(t, err)
	assert.Equal(t, cerrors.CodeCountMismatch, cerrors.GetCode(err))
	assert.Equal(t, before, store.writes())
}

func TestPartialNoKeys(t *testing.T) {
	store, _ := newSpyStore(t)
	ix := &fakeIndexer{name: "CRPartialIndexer", alias: "cr"}
	require.NoError(t, newTestPartial(store).Run(context.Background(), ix, []string{"", ""}))
	assert.Zero(t, store.writes())
}

func TestBatches(t *testing.T) {
	keys := []string{"a", "b", "c", "d", "e"}
	assert.Equal(t, [][]string{{"a", "b"}, {"c", "d"}, {"e"}}, Batches(keys, 2))
	assert.Equal(t, [][]string{{"a", "b", "c", "d", "e"}}, Batches(keys, 10))
	assert.Len(t, Batches(keys, 0), 5)
	assert.Nil(t, Batches(nil, 3))
}

func TestToOp(t *testing.T) {
	plain := &fakeIndexer{name: "CRIndexer"}
	op, err := toOp(plain, "cr_1", docstore.Document{"id": 12, "crid": "12"})
	require.NoError(t, err)
	assert.Equal(t, docstore.OpIndex, op.Type)
	assert.Equal(t, "12", op.ID)

	op, err = toOp(plain, "cr_1", docstore.Document{"crid": "12"})
	require.NoError(t, err)
	assert.Empty(t, op.ID)

	nested := &fakeIndexer{name: "OfficerCoaccusalsIndexer", parent: "coaccusals"}
	op, err = toOp(nested, "officers_1", docstore.Document{"id": 8, "coaccusals": "x"})
	require.NoError(t, err)
	assert.Equal(t, docstore.OpUpdate, op.Type)
	assert.Equal(t, &docstore.Append{Property: "coaccusals", Value: "x"}, op.Append)
	assert.Equal(t, docstore.Document{"id": 8, "coaccusals": []any{"x"}}, op.Upsert)

	_, err = toOp(nested, "officers_1", docstore.Document{"coaccusals": "x"})
	assert.Error(t, err)
	_, err = toOp(nested, "officers_1", docstore.Document{"id": 8})
	assert.Error(t, err)
}
