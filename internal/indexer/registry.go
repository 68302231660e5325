package indexer

import (
	"context"
	"fmt"
	"sort"

	cerrors "github.com/cpdb/esindex/internal/errors"
	"github.com/cpdb/esindex/internal/query"
	"github.com/cpdb/esindex/internal/schema"
)

// Source is the relational source handed to indexer constructors.
// *source.Source implements it.
type Source interface {
	query.Querier
	Catalog() *schema.Catalog
}

// Factory builds an indexer. Constructors run their side-map passes
// before returning, so Extract only does map lookups.
type Factory struct {
	Name string
	// Partial marks indexers run when keys are given. Their indexers
	// must implement PartialIndexer.
	Partial bool
	New     func(ctx context.Context, src Source) (Indexer, error)
}

// Registry maps app names to their indexer factories, in run order.
type Registry struct {
	apps map[string][]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{apps: make(map[string][]Factory)}
}

// Register appends factories to app.
func (r *Registry) Register(app string, factories ...Factory) {
	r.apps[app] = append(r.apps[app], factories...)
}

// Apps returns the registered app names, sorted.
func (r *Registry) Apps() []string {
	names := make([]string, 0, len(r.apps))
	for name := range r.apps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Factories returns the factories of app.
func (r *Registry) Factories(app string) ([]Factory, error) {
	f, ok := r.apps[app]
	if !ok {
		return nil, cerrors.New(cerrors.ErrCategoryConfig, cerrors.CodeUnknownApp,
			fmt.Sprintf("no indexers registered for app %q", app)).
			WithDetails(map[string]interface{}{"apps": r.Apps()})
	}
	return f, nil
}
