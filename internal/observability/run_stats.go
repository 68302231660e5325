// Package observability records indexing run statistics and exports them
// as Prometheus metrics in the node-exporter textfile format.
package observability

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// IndexerStats holds counters for one indexer.
type IndexerStats struct {
	Indexer   string
	Alias     string
	Rows      int64
	Documents int64
	Deleted   int64
	LastRun   time.Time
}

// RunStats tracks per-indexer counters for a process. It is safe for
// concurrent use by indexers running on different aliases.
type RunStats struct {
	mu       sync.RWMutex
	indexers map[string]*IndexerStats

	registry   *prometheus.Registry
	rows       *prometheus.CounterVec
	documents  *prometheus.CounterVec
	deleted    *prometheus.CounterVec
	runs       *prometheus.CounterVec
	mismatches *prometheus.CounterVec
	duration   *prometheus.HistogramVec
}

// NewRunStats creates a tracker with its own metric registry.
func NewRunStats() *RunStats {
	s := &RunStats{
		indexers: make(map[string]*IndexerStats),
		registry: prometheus.NewRegistry(),
		rows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cpdb",
			Subsystem: "indexer",
			Name:      "rows_read_total",
		}, []string{"alias", "indexer"}),
		documents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cpdb",
			Subsystem: "indexer",
			Name:      "documents_written_total",
		}, []string{"alias", "indexer"}),
		deleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cpdb",
			Subsystem: "indexer",
			Name:      "documents_deleted_total",
		}, []string{"alias", "indexer"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cpdb",
			Subsystem: "reindex",
			Name:      "runs_total",
		}, []string{"app", "mode", "result"}),
		mismatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cpdb",
			Subsystem: "indexer",
			Name:      "count_mismatches_total",
		}, []string{"alias", "indexer"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "cpdb",
			Subsystem: "reindex",
			Name:      "duration_seconds",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}, []string{"app", "mode"}),
	}
	s.registry.MustRegister(s.rows, s.documents, s.deleted, s.runs, s.mismatches, s.duration)
	return s
}

func (s *RunStats) entry(alias, indexer string) *IndexerStats {
	key := alias + "/" + indexer
	st, ok := s.indexers[key]
	if !ok {
		st = &IndexerStats{Indexer: indexer, Alias: alias}
		s.indexers[key] = st
	}
	st.LastRun = time.Now()
	return st
}

// RecordRows records rows read from the relational source.
func (s *RunStats) RecordRows(alias, indexer string, n int) {
	s.mu.Lock()
	s.entry(alias, indexer).Rows += int64(n)
	s.mu.Unlock()
	s.rows.WithLabelValues(alias, indexer).Add(float64(n))
}

// RecordDocuments records documents written to the store.
func (s *RunStats) RecordDocuments(alias, indexer string, n int) {
	s.mu.Lock()
	s.entry(alias, indexer).Documents += int64(n)
	s.mu.Unlock()
	s.documents.WithLabelValues(alias, indexer).Add(float64(n))
}

// RecordDeleted records stale documents removed by a partial run.
func (s *RunStats) RecordDeleted(alias, indexer string, n int64) {
	s.mu.Lock()
	s.entry(alias, indexer).Deleted += n
	s.mu.Unlock()
	s.deleted.WithLabelValues(alias, indexer).Add(float64(n))
}

// RecordMismatch records a failed count validation.
func (s *RunStats) RecordMismatch(alias, indexer string) {
	s.mismatches.WithLabelValues(alias, indexer).Inc()
}

// RecordRun records the outcome and duration of a reindex command.
func (s *RunStats) RecordRun(app, mode string, elapsed time.Duration, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	s.runs.WithLabelValues(app, mode, result).Inc()
	s.duration.WithLabelValues(app, mode).Observe(elapsed.Seconds())
}

// Runs returns the run counter of app, mode and result.
func (s *RunStats) Runs(app, mode, result string) prometheus.Counter {
	return s.runs.WithLabelValues(app, mode, result)
}

// GetIndexerStats returns a copy of all indexer stats sorted by alias and
// indexer name.
func (s *RunStats) GetIndexerStats() []IndexerStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := make([]IndexerStats, 0, len(s.indexers))
	for _, st := range s.indexers {
		stats = append(stats, *st)
	}
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].Alias != stats[j].Alias {
			return stats[i].Alias < stats[j].Alias
		}
		return stats[i].Indexer < stats[j].Indexer
	})
	return stats
}

// Registry exposes the metric registry.
func (s *RunStats) Registry() *prometheus.Registry {
	return s.registry
}

// WriteTextfile writes all metrics to path for the node-exporter textfile
// collector. The file is replaced atomically.
func (s *RunStats) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, s.registry)
}
