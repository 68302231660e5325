package indexer

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cpdb/esindex/internal/archive"
	"github.com/cpdb/esindex/internal/docstore"
	"github.com/cpdb/esindex/internal/observability"
)

// Build settings applied to the new index while it is written.
const (
	buildRefreshInterval = "-1"
	buildReplicas        = 0
)

// Options tune index builds.
type Options struct {
	// BulkSize is the number of operations per bulk request.
	BulkSize int
	// BatchSize is the default number of keys per partial batch.
	BatchSize int
	// Settings are applied when an index is created and restored once it
	// is built.
	Settings map[string]any
}

// IndexAlias rebuilds the index behind one alias: create a new index, write
// every indexer of the alias into it, then repoint the alias and drop the
// previous index. Readers see either the old index or the complete new one.
type IndexAlias struct {
	store    docstore.Store
	app      string
	alias    string
	opts     Options
	logger   *zap.SugaredLogger
	stats    *observability.RunStats
	archive  *archive.Writer
	newIndex func(alias string) string
}

// NewIndexAlias prepares a migration of alias. archive may be nil.
func NewIndexAlias(store docstore.Store, app, alias string, opts Options,
	logger *zap.SugaredLogger, stats *observability.RunStats, archive *archive.Writer) *IndexAlias {
	return &IndexAlias{
		store:    store,
		app:      app,
		alias:    alias,
		opts:     opts,
		logger:   logger.With("app", app, "alias", alias),
		stats:    stats,
		archive:  archive,
		newIndex: NewIndexName,
	}
}

// NewIndexName returns a fresh physical index name for alias.
func NewIndexName(alias string) string {
	return alias + "_" + uuid.NewString()
}

// Migrate builds a new index from indexers and swaps the alias onto it.
// On failure the new index is deleted and the alias is left untouched.
func (a *IndexAlias) Migrate(ctx context.Context, indexers []Indexer) (err error) {
	index := a.newIndex(a.alias)
	if err := a.store.CreateIndex(ctx, index, a.buildSettings()); err != nil {
		return fmt.Errorf("indexer: failed to create index %s: %w", index, err)
	}
	a.logger.Infow("Index created", "index", index)

	var snap *archive.Snapshot
	if a.archive != nil {
		if snap, err = a.archive.Begin(a.app, a.alias, index); err != nil {
			a.discard(index)
			return err
		}
	}
	defer func() {
		if err != nil {
			if snap != nil {
				snap.Abort()
			}
			a.discard(index)
		}
	}()

	for _, ix := range indexers {
		if err := a.write(ctx, ix, index, snap); err != nil {
			return err
		}
	}

	if err := a.store.Refresh(ctx, index); err != nil {
		return fmt.Errorf("indexer: failed to refresh %s: %w", index, err)
	}
	if err := a.store.PutSettings(ctx, index, a.servingSettings()); err != nil {
		return fmt.Errorf("indexer: failed to restore settings of %s: %w", index, err)
	}
	if snap != nil {
		if _, err := snap.Commit(ctx); err != nil {
			snap = nil
			return err
		}
		snap = nil
	}

	old, err := a.store.AliasTargets(ctx, a.alias)
	if err != nil {
		return fmt.Errorf("indexer: failed to read alias %s: %w", a.alias, err)
	}
	if err := a.store.SwapAlias(ctx, a.alias, index, old); err != nil {
		return fmt.Errorf("indexer: failed to swap alias %s: %w", a.alias, err)
	}
	a.logger.Infow("Run state", "state", StateAliasSwapped, "index", index, "previous", old)

	for _, prev := range old {
		if prev == index {
			continue
		}
		if err := a.store.CloseIndex(ctx, prev); err != nil {
			a.logger.Warnw("Failed to close previous index", "index", prev, "error", err)
			continue
		}
		if err := a.store.DeleteIndex(ctx, prev); err != nil {
			a.logger.Warnw("Failed to delete previous index", "index", prev, "error", err)
		}
	}
	a.logger.Infow("Run state", "state", StateDone, "index", index)
	return nil
}

// write streams one indexer into index.
func (a *IndexAlias) write(ctx context.Context, ix Indexer, index string, snap *archive.Snapshot) error {
	log := a.logger.With("indexer", ix.Name())

	// Nested-property indexers write into a parent's index and must not
	// replace its mapping.
	if ix.ParentProperty() == "" {
		if mapping := ix.Mapping(); mapping != nil {
			if err := a.store.PutMapping(ctx, index, mapping); err != nil {
				return fmt.Errorf("indexer: failed to put mapping of %s: %w", ix.Name(), err)
			}
		}
	}
	log.Debugw("Run state", "state", StateMappingBuilt)

	rows, err := ix.Rows(ctx)
	if err != nil {
		return err
	}
	log.Debugw("Run state", "state", StateStreaming)

	w := newBulkWriter(a.store, ix, a.opts.BulkSize, a.stats)
	w.snapshot = snap
	n, err := extractAll(ix, rows, index, func(op docstore.BulkOp) error {
		return w.add(ctx, op)
	})
	a.stats.RecordRows(ix.Alias(), ix.Name(), int(n))
	if err != nil {
		return err
	}
	if err := w.flush(ctx); err != nil {
		return err
	}
	log.Infow("Run state", "state", StateBulkWritten, "rows", n, "documents", w.written)
	return nil
}

func (a *IndexAlias) buildSettings() map[string]any {
	settings := make(map[string]any, len(a.opts.Settings)+2)
	for k, v := range a.opts.Settings {
		settings[k] = v
	}
	settings["refresh_interval"] = buildRefreshInterval
	settings["number_of_replicas"] = buildReplicas
	return settings
}

func (a *IndexAlias) servingSettings() map[string]any {
	settings := map[string]any{"refresh_interval": "1s", "number_of_replicas": 1}
	for _, k := range []string{"refresh_interval", "number_of_replicas"} {
		if v, ok := a.opts.Settings[k]; ok {
			settings[k] = v
		}
	}
	return settings
}

// discard drops a partially built index. The run's error is what gets
// reported, so failures here are only logged.
func (a *IndexAlias) discard(index string) {
	if err := a.store.DeleteIndex(context.Background(), index); err != nil {
		a.logger.Warnw("Failed to delete unfinished index", "index", index, "error", err)
	}
}
