package indexer

import (
	"context"

	"github.com/cpdb/esindex/internal/archive"
	"github.com/cpdb/esindex/internal/docstore"
	"github.com/cpdb/esindex/internal/observability"
)

// DefaultBulkSize is the number of operations per bulk request when none
// is configured.
const DefaultBulkSize = 500

// bulkWriter buffers operations of one indexer and flushes them in
// chunks so memory stays bounded by the chunk size.
type bulkWriter struct {
	store    docstore.Store
	ix       Indexer
	size     int
	stats    *observability.RunStats
	snapshot *archive.Snapshot

	pending []docstore.BulkOp
	written int
}

func newBulkWriter(store docstore.Store, ix Indexer, size int, stats *observability.RunStats) *bulkWriter {
	if size < 1 {
		size = DefaultBulkSize
	}
	return &bulkWriter{store: store, ix: ix, size: size, stats: stats}
}

func (w *bulkWriter) add(ctx context.Context, op docstore.BulkOp) error {
	if w.snapshot != nil {
		if err := w.snapshot.Add(w.ix.Name(), op); err != nil {
			return err
		}
	}
	w.pending = append(w.pending, op)
	if len(w.pending) >= w.size {
		return w.flush(ctx)
	}
	return nil
}

func (w *bulkWriter) flush(ctx context.Context) error {
	if len(w.pending) == 0 {
		return nil
	}
	if _, err := w.store.Bulk(ctx, w.pending); err != nil {
		return err
	}
	w.written += len(w.pending)
	w.stats.RecordDocuments(w.ix.Alias(), w.ix.Name(), len(w.pending))
	w.pending = w.pending[:0]
	return nil
}

// extractAll drains rows through Extract into operations on index. It
// returns the number of rows read.
func extractAll(ix Indexer, rows RowIter, index string, emit func(docstore.BulkOp) error) (int64, error) {
	defer rows.Close()

	var n int64
	for rows.Next() {
		n++
		docs, err := ix.Extract(rows.Row())
		if err != nil {
			return n, err
		}
		for _, doc := range docs {
			op, err := toOp(ix, index, doc)
			if err != nil {
				return n, err
			}
			if err := emit(op); err != nil {
				return n, err
			}
		}
	}
	return n, rows.Err()
}
