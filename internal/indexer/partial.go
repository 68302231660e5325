package indexer

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/cpdb/esindex/internal/docstore"
	cerrors "github.com/cpdb/esindex/internal/errors"
	"github.com/cpdb/esindex/internal/observability"
)

// sampleSize bounds the indexed ids attached to a count mismatch.
const sampleSize = 10

// PartialRun refreshes the documents of updating keys in place.
//
// Every batch is validated before anything is deleted: the source row
// count of the batch must equal the number of indexed documents for the
// same keys. Batches are then replaced one at a time by deleting the
// indexed documents and inserting freshly extracted ones, so documents
// whose rows disappeared upstream do not linger.
type PartialRun struct {
	store  docstore.Store
	opts   Options
	logger *zap.SugaredLogger
	stats  *observability.RunStats
}

// NewPartialRun creates a partial runner.
func NewPartialRun(store docstore.Store, opts Options, logger *zap.SugaredLogger, stats *observability.RunStats) *PartialRun {
	return &PartialRun{store: store, opts: opts, logger: logger, stats: stats}
}

// Run reindexes keys with ix. A count mismatch in any batch fails the run
// before any write.
func (p *PartialRun) Run(ctx context.Context, ix PartialIndexer, keys []string) error {
	log := p.logger.With("alias", ix.Alias(), "indexer", ix.Name())
	keys = uniqueKeys(keys)
	if len(keys) == 0 {
		log.Infow("No keys to update")
		return nil
	}

	size := ix.BatchSize()
	if size < 1 {
		size = p.opts.BatchSize
	}
	batches := Batches(keys, size)

	expected := make([]int64, len(batches))
	for i, batch := range batches {
		n, err := p.validate(ctx, ix, batch)
		if err != nil {
			return err
		}
		expected[i] = n
	}
	log.Infow("Run state", "state", StateValidated, "keys", len(keys), "batches", len(batches))

	index, err := p.writeIndex(ctx, ix.Alias())
	if err != nil {
		return err
	}

	for i, batch := range batches {
		if err := p.replace(ctx, ix, index, batch, expected[i]); err != nil {
			return err
		}
		log.Debugw("Run state", "state", StateBatchReplaced, "batch", i+1, "keys", len(batch))
	}

	if err := p.store.Refresh(ctx, index); err != nil {
		return fmt.Errorf("indexer: failed to refresh %s: %w", index, err)
	}
	log.Infow("Run state", "state", StateDone, "index", index)
	return nil
}

// validate compares the source and indexed counts of one batch.
func (p *PartialRun) validate(ctx context.Context, ix PartialIndexer, keys []string) (int64, error) {
	want, err := ix.CountRows(ctx, keys)
	if err != nil {
		return 0, err
	}
	filter := ix.DocsFilter(keys)
	got, err := p.store.Count(ctx, ix.Alias(), filter)
	if err != nil {
		return 0, err
	}
	if want == got {
		return want, nil
	}

	p.stats.RecordMismatch(ix.Alias(), ix.Name())
	details := map[string]interface{}{
		"indexer":  ix.Name(),
		"alias":    ix.Alias(),
		"expected": want,
		"actual":   got,
		"keys":     keys,
	}
	if hits, err := p.store.Search(ctx, ix.Alias(), filter, sampleSize); err == nil {
		ids := make([]string, len(hits))
		for i, h := range hits {
			ids[i] = h.ID
		}
		details["indexed_ids"] = ids
	}
	return 0, cerrors.NewIntegrityError(
		fmt.Sprintf("%s: source has %d rows for batch but %d documents are indexed", ix.Name(), want, got),
		details)
}

// replace swaps the indexed documents of one validated batch.
func (p *PartialRun) replace(ctx context.Context, ix PartialIndexer, index string, keys []string, expected int64) error {
	rows, err := ix.BatchRows(ctx, keys)
	if err != nil {
		return err
	}
	var staged []docstore.BulkOp
	n, err := extractAll(ix, rows, index, func(op docstore.BulkOp) error {
		staged = append(staged, op)
		return nil
	})
	p.stats.RecordRows(ix.Alias(), ix.Name(), int(n))
	if err != nil {
		return err
	}
	if n != expected {
		p.stats.RecordMismatch(ix.Alias(), ix.Name())
		return cerrors.NewIntegrityError(
			fmt.Sprintf("%s: batch changed since validation: fetched %d rows, validated %d", ix.Name(), n, expected),
			map[string]interface{}{
				"indexer":  ix.Name(),
				"alias":    ix.Alias(),
				"expected": expected,
				"actual":   n,
				"keys":     keys,
			})
	}

	deleted, err := p.store.DeleteByQuery(ctx, index, ix.DocsFilter(keys))
	if err != nil {
		return err
	}
	p.stats.RecordDeleted(ix.Alias(), ix.Name(), deleted)

	w := newBulkWriter(p.store, ix, p.opts.BulkSize, p.stats)
	for _, op := range staged {
		if err := w.add(ctx, op); err != nil {
			return err
		}
	}
	return w.flush(ctx)
}

// writeIndex resolves the single index behind alias.
func (p *PartialRun) writeIndex(ctx context.Context, alias string) (string, error) {
	targets, err := p.store.AliasTargets(ctx, alias)
	if err != nil {
		return "", err
	}
	if len(targets) != 1 {
		return "", fmt.Errorf("indexer: alias %s points at %d indices, need exactly one", alias, len(targets))
	}
	return targets[0], nil
}

func uniqueKeys(keys []string) []string {
	seen := make(map[string]bool, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	return out
}
