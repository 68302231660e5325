// Package main implements the cpdb-reindex binary.
// It rebuilds the Elasticsearch indices of one app, or refreshes the
// documents of selected keys when --keys is given.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/cpdb/esindex/internal/apps"
	"github.com/cpdb/esindex/internal/apps/cpdb"
	"github.com/cpdb/esindex/internal/archive"
	"github.com/cpdb/esindex/internal/config"
	"github.com/cpdb/esindex/internal/docstore"
	"github.com/cpdb/esindex/internal/indexer"
	"github.com/cpdb/esindex/internal/logging"
	"github.com/cpdb/esindex/internal/observability"
	"github.com/cpdb/esindex/internal/source"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	var (
		configFile  string
		debug       bool
		listApps    bool
		showVersion bool
	)

	flag.StringVar(&configFile, "config", "", "Path to configuration file (YAML or JSON)")
	flag.BoolVar(&debug, "debug", false, "Enable development logging")
	flag.BoolVar(&listApps, "list", false, "List registered apps and their indexers")
	flag.BoolVar(&showVersion, "version", false, "Show version information")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "cpdb-reindex - rebuild CPDB search indices from Postgres\n\n")
		fmt.Fprintf(os.Stderr, "Usage: cpdb-reindex [options] reindex <app> [--keys k1,k2,...]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  cpdb-reindex reindex cr\n")
		fmt.Fprintf(os.Stderr, "  cpdb-reindex --config /etc/cpdb/reindex.yaml reindex cr --keys 1000,1001\n")
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(os.Stderr, "  CPDB_POSTGRES_DSN          Postgres connection string\n")
		fmt.Fprintf(os.Stderr, "  CPDB_ELASTICSEARCH_ADDRESSES Comma separated Elasticsearch addresses\n")
		fmt.Fprintf(os.Stderr, "  CPDB_POSTGRES_VERIFY_SCHEMA Check declared tables against the database\n")
	fmt.Fprintf(os.Stderr, "  CPDB_STORE_TYPE            Document store (elasticsearch, sqlite)\n")
		fmt.Fprintf(os.Stderr, "  CPDB_ARCHIVE_ENABLED       Snapshot full runs to object storage\n")
	}

	flag.Parse()

	if showVersion {
		fmt.Printf("cpdb-reindex version %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	registry := apps.NewRegistry()
	if listApps {
		printApps(registry)
		os.Exit(0)
	}

	app, keys, err := parseCommand(flag.Args())
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n\n", err)
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := loadConfig(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if debug {
		cfg.Debug = true
	}

	logger, err := logging.New(cfg.Debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, registry, app, keys, logger); err != nil {
		logger.Errorw("Reindex failed", "app", app, "error", err)
		os.Exit(1)
	}
}

// parseCommand reads "reindex <app> [--keys k1,k2]".
func parseCommand(args []string) (string, []string, error) {
	if len(args) < 2 || args[0] != "reindex" {
		return "", nil, fmt.Errorf("expected: reindex <app>")
	}
	app := args[1]

	fs := flag.NewFlagSet("reindex", flag.ContinueOnError)
	rawKeys := fs.String("keys", "", "Comma separated keys for a partial run")
	if err := fs.Parse(args[2:]); err != nil {
		return "", nil, err
	}

	var keys []string
	for _, k := range strings.Split(*rawKeys, ",") {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	// An empty --keys must not turn a partial run into a full rebuild.
	keysSet := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "keys" {
			keysSet = true
		}
	})
	if keysSet && len(keys) == 0 {
		return "", nil, fmt.Errorf("--keys was given without any key")
	}
	return app, keys, nil
}

func loadConfig(path string) (*config.Config, error) {
	if err := config.LoadDotEnv(); err != nil {
		return nil, err
	}

	cfg := config.DefaultConfig()
	if path != "" {
		var err error
		if cfg, err = config.LoadFromFile(path); err != nil {
			return nil, err
		}
	}
	config.LoadFromEnv(cfg)
	cfg.Resolve()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func run(ctx context.Context, cfg *config.Config, registry *indexer.Registry, app string, keys []string, logger *zap.SugaredLogger) error {
	src, err := source.Open(ctx, cfg.Postgres, cpdb.Catalog())
	if err != nil {
		return err
	}
	defer src.Close()

	if cfg.Postgres.VerifySchema {
		if err := src.VerifySchema(ctx); err != nil {
			return err
		}
		logger.Infow("Schema verified", "tables", len(src.Catalog().Names()))
	}

	store, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	snapshots, err := archive.FromConfig(ctx, cfg.Archive, logger)
	if err != nil {
		return err
	}

	stats := observability.NewRunStats()
	runner := indexer.NewRunner(indexer.RunnerConfig{
		Registry: registry,
		Source:   src,
		Store:    store,
		Options: indexer.Options{
			BulkSize:  cfg.Indexing.BulkSize,
			BatchSize: cfg.Indexing.PartialBatchSize,
			Settings:  cfg.IndexSettings(),
		},
		Concurrency: cfg.Indexing.Concurrency,
		Logger:      logger,
		Stats:       stats,
		Archive:     snapshots,
	})

	runErr := runner.Reindex(ctx, app, keys)

	for _, s := range stats.GetIndexerStats() {
		logger.Infow("Indexer summary",
			"alias", s.Alias,
			"indexer", s.Indexer,
			"rows", s.Rows,
			"documents", s.Documents,
			"deleted", s.Deleted)
	}
	if cfg.Metrics.Textfile != "" {
		if err := stats.WriteTextfile(cfg.Metrics.Textfile); err != nil {
			logger.Warnw("Failed to write metrics textfile", "path", cfg.Metrics.Textfile, "error", err)
		}
	}
	return runErr
}

func openStore(cfg *config.Config, logger *zap.SugaredLogger) (docstore.Store, error) {
	switch cfg.Store.Type {
	case config.StoreSQLite:
		return docstore.NewSQLite(cfg.Store.SQLitePath)
	default:
		return docstore.NewElastic(docstore.ElasticConfig{
			Addresses: cfg.Elasticsearch.Addresses,
			Username:  cfg.Elasticsearch.Username,
			Password:  cfg.Elasticsearch.Password,
		}, logger)
	}
}

func printApps(registry *indexer.Registry) {
	for _, app := range registry.Apps() {
		fmt.Println(app)
		factories, _ := registry.Factories(app)
		for _, f := range factories {
			mode := "full"
			if f.Partial {
				mode = "partial"
			}
			fmt.Printf("  %-36s %s\n", f.Name, mode)
		}
	}
}
