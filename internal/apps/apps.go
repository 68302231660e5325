// Package apps registers the CPDB indexers by app name.
package apps

import (
	"github.com/cpdb/esindex/internal/apps/cr"
	"github.com/cpdb/esindex/internal/apps/officers"
	"github.com/cpdb/esindex/internal/indexer"
)

// Register adds every app to reg.
func Register(reg *indexer.Registry) {
	reg.Register(cr.App, cr.Factories()...)
	reg.Register(officers.App, officers.Factories()...)
}

// NewRegistry returns a registry holding every app.
func NewRegistry() *indexer.Registry {
	reg := indexer.NewRegistry()
	Register(reg)
	return reg
}
