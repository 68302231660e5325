// Package indexer moves rows from the relational source into document
// store indices.
//
// A full run builds a fresh index behind an alias and swaps the alias once
// every indexer of that alias has written. A partial run refreshes the
// documents of a set of keys in place, validating every batch before the
// first delete.
package indexer

import (
	"context"
	"fmt"

	"github.com/cpdb/esindex/internal/docstore"
	"github.com/cpdb/esindex/internal/query"
)

// IDField is the document field used as the document id.
const IDField = "id"

// RowIter is a single-pass row sequence. *query.Rows implements it.
type RowIter interface {
	Next() bool
	Row() query.Row
	Err() error
	Close() error
}

// Indexer turns source rows into documents of one alias.
type Indexer interface {
	// Name identifies the indexer in logs and metrics.
	Name() string
	// Alias is the alias the documents are served under.
	Alias() string
	// Mapping returns the index properties; nil leaves dynamic mapping.
	Mapping() map[string]any
	// ParentProperty names the array property of an existing parent
	// document that extracted documents are appended to. Empty for
	// indexers writing their own documents.
	ParentProperty() string
	// Rows streams every source row.
	Rows(ctx context.Context) (RowIter, error)
	// Extract converts one row into zero or more documents.
	Extract(row query.Row) ([]docstore.Document, error)
}

// PartialIndexer can refresh the documents of selected keys.
type PartialIndexer interface {
	Indexer
	// BatchSize is the number of keys per batch; zero uses the configured
	// default.
	BatchSize() int
	// BatchRows streams the source rows of keys.
	BatchRows(ctx context.Context, keys []string) (RowIter, error)
	// CountRows counts the source rows of keys.
	CountRows(ctx context.Context, keys []string) (int64, error)
	// DocsFilter selects the indexed documents of keys.
	DocsFilter(keys []string) docstore.Filter
}

// State is a step of a run, logged as it is reached.
type State string

const (
	StateCreated       State = "created"
	StateSideMaps      State = "side-maps-populated"
	StateMappingBuilt  State = "mapping-built"
	StateStreaming     State = "streaming-rows"
	StateBulkWritten   State = "bulk-written"
	StateAliasSwapped  State = "alias-swapped"
	StateDone          State = "done"
	StateValidated     State = "batches-validated"
	StateBatchReplaced State = "batch-replaced"
)

// toOp converts an extracted document into a bulk operation on index.
func toOp(ix Indexer, index string, doc docstore.Document) (docstore.BulkOp, error) {
	id, hasID := documentID(doc)
	prop := ix.ParentProperty()
	if prop == "" {
		return docstore.BulkOp{Type: docstore.OpIndex, Index: index, ID: id, Doc: doc}, nil
	}
	if !hasID {
		return docstore.BulkOp{}, fmt.Errorf("indexer %s: document for parent property %s has no %s", ix.Name(), prop, IDField)
	}
	value, ok := doc[prop]
	if !ok {
		return docstore.BulkOp{}, fmt.Errorf("indexer %s: document %s has no %s", ix.Name(), id, prop)
	}
	return docstore.BulkOp{
		Type:   docstore.OpUpdate,
		Index:  index,
		ID:     id,
		Append: &docstore.Append{Property: prop, Value: value},
		Upsert: docstore.Document{IDField: doc[IDField], prop: []any{value}},
	}, nil
}

func documentID(doc docstore.Document) (string, bool) {
	v, ok := doc[IDField]
	if !ok || v == nil {
		return "", false
	}
	return fmt.Sprint(v), true
}

// SliceRows iterates over rows held in memory.
type SliceRows struct {
	rows []query.Row
	pos  int
}

// NewSliceRows wraps rows.
func NewSliceRows(rows ...query.Row) *SliceRows {
	return &SliceRows{rows: rows, pos: -1}
}

func (s *SliceRows) Next() bool {
	s.pos++
	return s.pos < len(s.rows)
}

func (s *SliceRows) Row() query.Row { return s.rows[s.pos] }
func (s *SliceRows) Err() error     { return nil }
func (s *SliceRows) Close() error   { return nil }

// Batches splits keys into consecutive batches of at most size keys.
func Batches(keys []string, size int) [][]string {
	if size < 1 {
		size = 1
	}
	var out [][]string
	for start := 0; start < len(keys); start += size {
		end := start + size
		if end > len(keys) {
			end = len(keys)
		}
		out = append(out, keys[start:end])
	}
	return out
}
