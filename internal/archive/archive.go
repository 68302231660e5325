// Package archive writes snapshots of full reindex runs to object storage.
//
// A snapshot is a snappy-framed NDJSON file holding every bulk operation
// written to the new index, plus a JSON manifest sidecar. Object layout:
//
//	<prefix>/<app>/<alias>/<run id>.ndjson.sz
//	<prefix>/<app>/<alias>/<run id>.manifest.json
package archive

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/golang/snappy"
	"github.com/google/uuid"
	"github.com/spaolacci/murmur3"
	"go.uber.org/zap"

	"github.com/cpdb/esindex/internal/docstore"
	"github.com/cpdb/esindex/internal/storage"
)

const (
	dataSuffix     = ".ndjson.sz"
	manifestSuffix = ".manifest.json"
)

// Entry is one archived bulk operation.
type Entry struct {
	Indexer  string            `json:"indexer"`
	Op       docstore.OpType   `json:"op"`
	ID       string            `json:"id,omitempty"`
	Doc      docstore.Document `json:"doc,omitempty"`
	Property string            `json:"property,omitempty"`
	Value    any               `json:"value,omitempty"`
}

// Manifest describes one snapshot.
type Manifest struct {
	RunID     string    `json:"run_id"`
	App       string    `json:"app"`
	Alias     string    `json:"alias"`
	Index     string    `json:"index"`
	Entries   int64     `json:"entries"`
	SizeBytes int64     `json:"size_bytes"`
	ETag      string    `json:"etag"`
	Object    string    `json:"object"`
	CreatedAt time.Time `json:"created_at"`

	// Fingerprint is the wrapping sum of murmur3 hashes of every encoded
	// entry. It does not depend on entry order, so two runs over the same
	// data compare equal.
	Fingerprint string `json:"fingerprint"`
}

// Writer starts snapshots against an object store.
type Writer struct {
	store  storage.ObjectStorage
	prefix string
	tmpDir string
	logger *zap.SugaredLogger
}

// NewWriter creates a writer. Temporary files go to os.TempDir.
func NewWriter(store storage.ObjectStorage, prefix string, logger *zap.SugaredLogger) *Writer {
	return &Writer{store: store, prefix: strings.Trim(prefix, "/"), logger: logger}
}

// Snapshot accumulates entries for one alias migration.
type Snapshot struct {
	w        *Writer
	manifest Manifest
	file     *os.File
	zw       *snappy.Writer
	buf      *bufio.Writer
	hash     uint64
}

// Begin opens a snapshot for the index being built behind alias.
func (w *Writer) Begin(app, alias, index string) (*Snapshot, error) {
	file, err := os.CreateTemp(w.tmpDir, "snapshot-*"+dataSuffix)
	if err != nil {
		return nil, fmt.Errorf("archive: failed to create snapshot file: %w", err)
	}
	zw := snappy.NewBufferedWriter(file)
	return &Snapshot{
		w: w,
		manifest: Manifest{
			RunID: uuid.NewString(),
			App:   app,
			Alias: alias,
			Index: index,
		},
		file: file,
		zw:   zw,
		buf:  bufio.NewWriter(zw),
	}, nil
}

// Add appends one bulk operation on behalf of indexer.
func (s *Snapshot) Add(indexer string, op docstore.BulkOp) error {
	e := Entry{Indexer: indexer, Op: op.Type, ID: op.ID, Doc: op.Doc}
	if op.Append != nil {
		e.Property = op.Append.Property
		e.Value = op.Append.Value
	}
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("archive: failed to encode entry: %w", err)
	}
	s.hash += murmur3.Sum64(line)
	s.manifest.Entries++
	if _, err := s.buf.Write(line); err != nil {
		return fmt.Errorf("archive: failed to write entry: %w", err)
	}
	return s.buf.WriteByte('\n')
}

// Commit uploads the data object and then its manifest. The manifest is
// written last so a listed manifest always has its data.
func (s *Snapshot) Commit(ctx context.Context) (*Manifest, error) {
	defer s.cleanup()

	if err := s.buf.Flush(); err != nil {
		return nil, fmt.Errorf("archive: failed to flush snapshot: %w", err)
	}
	if err := s.zw.Close(); err != nil {
		return nil, fmt.Errorf("archive: failed to close snapshot: %w", err)
	}
	if err := s.file.Close(); err != nil {
		return nil, fmt.Errorf("archive: failed to close snapshot: %w", err)
	}

	m := s.manifest
	base := s.w.objectBase(m.App, m.Alias, m.RunID)
	obj, err := s.w.store.Upload(ctx, s.file.Name(), base+dataSuffix)
	if err != nil {
		return nil, err
	}
	m.Object = obj.Path
	m.ETag = obj.ETag
	m.SizeBytes = obj.Size
	m.Fingerprint = strconv.FormatUint(s.hash, 16)
	m.CreatedAt = time.Now().UTC()

	if err := s.w.putManifest(ctx, base+manifestSuffix, &m); err != nil {
		return nil, err
	}
	s.w.logger.Infow("Snapshot archived",
		"app", m.App, "alias", m.Alias, "index", m.Index,
		"entries", m.Entries, "bytes", m.SizeBytes, "object", m.Object)
	return &m, nil
}

// Abort discards the snapshot.
func (s *Snapshot) Abort() {
	s.zw.Close()
	s.file.Close()
	s.cleanup()
}

func (s *Snapshot) cleanup() {
	os.Remove(s.file.Name())
}

func (w *Writer) objectBase(app, alias, runID string) string {
	return path.Join(w.prefix, app, alias, runID)
}

func (w *Writer) putManifest(ctx context.Context, objectPath string, m *Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("archive: failed to encode manifest: %w", err)
	}
	tmp, err := os.CreateTemp(w.tmpDir, "manifest-*.json")
	if err != nil {
		return fmt.Errorf("archive: failed to create manifest file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("archive: failed to write manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("archive: failed to write manifest: %w", err)
	}
	_, err = w.store.Upload(ctx, tmp.Name(), objectPath)
	return err
}

// Manifests lists the snapshots of app, oldest object path first.
func (w *Writer) Manifests(ctx context.Context, app string) ([]*Manifest, error) {
	objects, err := w.store.ListObjects(ctx, path.Join(w.prefix, app))
	if err != nil {
		return nil, err
	}
	var out []*Manifest
	for _, obj := range objects {
		if !strings.HasSuffix(obj, manifestSuffix) {
			continue
		}
		m, err := w.readManifest(ctx, obj)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func (w *Writer) readManifest(ctx context.Context, objectPath string) (*Manifest, error) {
	local, err := w.download(ctx, objectPath)
	if err != nil {
		return nil, err
	}
	defer os.Remove(local)

	data, err := os.ReadFile(local)
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("archive: invalid manifest %s: %w", objectPath, err)
	}
	return &m, nil
}

// Entries reads back every entry of a snapshot.
func (w *Writer) Entries(ctx context.Context, m *Manifest) ([]Entry, error) {
	local, err := w.download(ctx, m.Object)
	if err != nil {
		return nil, err
	}
	defer os.Remove(local)

	file, err := os.Open(local)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var entries []Entry
	scanner := bufio.NewScanner(snappy.NewReader(file))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			return nil, fmt.Errorf("archive: invalid entry in %s: %w", m.Object, err)
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("archive: failed to read %s: %w", m.Object, err)
	}
	return entries, nil
}

func (w *Writer) download(ctx context.Context, objectPath string) (string, error) {
	tmp, err := os.CreateTemp(w.tmpDir, "download-*")
	if err != nil {
		return "", err
	}
	tmp.Close()
	if err := w.store.Download(ctx, objectPath, tmp.Name()); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return tmp.Name(), nil
}
