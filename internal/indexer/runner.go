package indexer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/cpdb/esindex/internal/archive"
	"github.com/cpdb/esindex/internal/docstore"
	cerrors "github.com/cpdb/esindex/internal/errors"
	"github.com/cpdb/esindex/internal/observability"
)

// RunnerConfig wires a Runner.
type RunnerConfig struct {
	Registry *Registry
	Source   Source
	Store    docstore.Store
	Options  Options
	// Concurrency bounds how many aliases are migrated at once.
	Concurrency int
	Logger      *zap.SugaredLogger
	Stats       *observability.RunStats
	// Archive receives snapshots of full runs; nil disables them.
	Archive *archive.Writer
}

// Runner executes reindex requests for registered apps.
type Runner struct {
	cfg RunnerConfig
}

// NewRunner creates a runner.
func NewRunner(cfg RunnerConfig) *Runner {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.Stats == nil {
		cfg.Stats = observability.NewRunStats()
	}
	return &Runner{cfg: cfg}
}

// Reindex runs app. Without keys every full indexer of the app rebuilds
// its alias; with keys every partial indexer refreshes those keys.
func (r *Runner) Reindex(ctx context.Context, app string, keys []string) (err error) {
	mode := "full"
	if len(keys) > 0 {
		mode = "partial"
	}
	start := time.Now()
	log := r.cfg.Logger.With("app", app, "mode", mode)
	defer func() {
		r.cfg.Stats.RecordRun(app, mode, time.Since(start), err)
		if err != nil {
			log.Errorw("Reindex failed", "error", err, "elapsed", time.Since(start))
		} else {
			log.Infow("Reindex finished", "elapsed", time.Since(start))
		}
	}()

	factories, err := r.cfg.Registry.Factories(app)
	if err != nil {
		return err
	}

	var selected []Factory
	for _, f := range factories {
		if f.Partial == (mode == "partial") {
			selected = append(selected, f)
		}
	}
	if len(selected) == 0 {
		if mode == "partial" {
			return cerrors.New(cerrors.ErrCategoryConfig, cerrors.CodeNoPartialIndexer,
				fmt.Sprintf("app %q cannot refresh selected keys", app))
		}
		log.Warnw("App has no indexers for this mode")
		return nil
	}

	indexers, err := r.build(ctx, selected)
	if err != nil {
		return err
	}
	if mode == "partial" {
		return r.partial(ctx, indexers, keys)
	}
	return r.full(ctx, app, indexers)
}

// build runs the constructors, and with them every side-map pass, before
// any row is streamed.
func (r *Runner) build(ctx context.Context, factories []Factory) ([]Indexer, error) {
	indexers := make([]Indexer, 0, len(factories))
	for _, f := range factories {
		r.cfg.Logger.Debugw("Run state", "indexer", f.Name, "state", StateCreated)
		ix, err := f.New(ctx, r.cfg.Source)
		if err != nil {
			return nil, err
		}
		r.cfg.Logger.Debugw("Run state", "indexer", f.Name, "state", StateSideMaps)
		indexers = append(indexers, ix)
	}
	return indexers, nil
}

type aliasGroup struct {
	alias    string
	indexers []Indexer
}

// groupByAlias keeps the first-seen alias order and the indexer order
// within each alias.
func groupByAlias(indexers []Indexer) []aliasGroup {
	var groups []aliasGroup
	pos := make(map[string]int)
	for _, ix := range indexers {
		i, ok := pos[ix.Alias()]
		if !ok {
			i = len(groups)
			pos[ix.Alias()] = i
			groups = append(groups, aliasGroup{alias: ix.Alias()})
		}
		groups[i].indexers = append(groups[i].indexers, ix)
	}
	return groups
}

// full migrates independent aliases concurrently. Indexers sharing an
// alias run in order inside one migration.
func (r *Runner) full(ctx context.Context, app string, indexers []Indexer) error {
	sem := semaphore.NewWeighted(int64(r.cfg.Concurrency))
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	for _, g := range groupByAlias(indexers) {
		if err := sem.Acquire(ctx, 1); err != nil {
			mu.Lock()
			if firstErr == nil {
				firstErr = err
			}
			mu.Unlock()
			break
		}
		wg.Add(1)
		go func(g aliasGroup) {
			defer wg.Done()
			defer sem.Release(1)
			migration := NewIndexAlias(r.cfg.Store, app, g.alias, r.cfg.Options, r.cfg.Logger, r.cfg.Stats, r.cfg.Archive)
			if err := migration.Migrate(ctx, g.indexers); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}(g)
	}
	wg.Wait()
	return firstErr
}

// partial refreshes keys with each partial indexer in turn.
func (r *Runner) partial(ctx context.Context, indexers []Indexer, keys []string) error {
	run := NewPartialRun(r.cfg.Store, r.cfg.Options, r.cfg.Logger, r.cfg.Stats)
	for _, ix := range indexers {
		pix, ok := ix.(PartialIndexer)
		if !ok {
			r.cfg.Logger.Warnw("Indexer registered as partial does not support keys", "indexer", ix.Name())
			continue
		}
		if err := run.Run(ctx, pix, keys); err != nil {
			return err
		}
	}
	return nil
}
