// Package source opens the relational database the indexers read from.
package source

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/cpdb/esindex/internal/config"
	"github.com/cpdb/esindex/internal/schema"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// Source is a read-only handle on the relational database together with
// the catalog of tables the queries are built against.
type Source struct {
	db      *sql.DB
	catalog *schema.Catalog
}

// Open connects to Postgres through the pgx database/sql driver and checks
// the connection.
func Open(ctx context.Context, cfg config.PostgresConfig, catalog *schema.Catalog) (*Source, error) {
	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Source{db: db, catalog: catalog}, nil
}

// New wraps an already open database.
func New(db *sql.DB, catalog *schema.Catalog) *Source {
	return &Source{db: db, catalog: catalog}
}

// QueryContext runs a query; Source satisfies query.Querier.
func (s *Source) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, query, args...)
}

// VerifySchema reads the declared tables back from information_schema and
// fails with a SCHEMA_DRIFT error when a declared table, column, primary key
// or foreign key is missing.
func (s *Source) VerifySchema(ctx context.Context) error {
	actual, err := schema.Introspect(ctx, s.db, s.catalog.Names()...)
	if err != nil {
		return err
	}
	return schema.Verify(s.catalog, actual)
}

// Catalog returns the table catalog.
func (s *Source) Catalog() *schema.Catalog { return s.catalog }

// Close closes the database.
func (s *Source) Close() error { return s.db.Close() }
