// Package docstore is the document-store side of indexing: index and alias
// lifecycle, bulk writes, and term-filtered count, delete and search.
//
// Errors returned by a Store come from the backend and are not wrapped.
package docstore

import (
	"context"
	"sort"
)

// Document is a JSON-encodable document body.
type Document = map[string]any

// OpType is the bulk action of one operation.
type OpType string

const (
	// OpIndex creates or replaces a document.
	OpIndex OpType = "index"
	// OpUpdate appends to an array property of an existing document,
	// inserting Upsert when the document does not exist.
	OpUpdate OpType = "update"
)

// Append adds Value to the array Property of the target document.
type Append struct {
	Property string
	Value    any
}

// BulkOp is one entry of a bulk write.
type BulkOp struct {
	Type   OpType
	Index  string
	ID     string
	Doc    Document
	Append *Append
	Upsert Document
}

// BulkResult summarizes a bulk write.
type BulkResult struct {
	Indexed int
	Updated int
}

// Filter restricts documents by exact terms. A document matches when, for
// every field, its value equals one of the listed values.
type Filter struct {
	Terms map[string][]any
}

// Terms returns a single-field filter.
func Terms(field string, values ...any) Filter {
	return Filter{Terms: map[string][]any{field: values}}
}

// Fields returns the filtered fields in a stable order.
func (f Filter) Fields() []string {
	fields := make([]string, 0, len(f.Terms))
	for k := range f.Terms {
		fields = append(fields, k)
	}
	sort.Strings(fields)
	return fields
}

// Hit is one search result.
type Hit struct {
	ID     string
	Source Document
}

// Store is a document index backend. Index arguments of Count,
// DeleteByQuery and Search accept an index or an alias name.
type Store interface {
	CreateIndex(ctx context.Context, index string, settings map[string]any) error
	DeleteIndex(ctx context.Context, index string) error
	IndexExists(ctx context.Context, index string) (bool, error)
	OpenIndex(ctx context.Context, index string) error
	CloseIndex(ctx context.Context, index string) error
	PutSettings(ctx context.Context, index string, settings map[string]any) error
	PutMapping(ctx context.Context, index string, properties map[string]any) error
	Refresh(ctx context.Context, index string) error

	// AliasTargets lists the indices the alias points at.
	AliasTargets(ctx context.Context, alias string) ([]string, error)
	// SwapAlias atomically points alias at add and away from remove.
	SwapAlias(ctx context.Context, alias, add string, remove []string) error

	Bulk(ctx context.Context, ops []BulkOp) (BulkResult, error)
	Count(ctx context.Context, index string, filter Filter) (int64, error)
	DeleteByQuery(ctx context.Context, index string, filter Filter) (int64, error)
	Search(ctx context.Context, index string, filter Filter, size int) ([]Hit, error)

	Close() error
}
