package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS indices (
	name     TEXT PRIMARY KEY,
	settings TEXT NOT NULL DEFAULT '{}',
	mapping  TEXT NOT NULL DEFAULT '{}',
	closed   INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS aliases (
	alias TEXT NOT NULL,
	idx   TEXT NOT NULL,
	PRIMARY KEY (alias, idx)
);
CREATE TABLE IF NOT EXISTS documents (
	idx    TEXT NOT NULL,
	id     TEXT NOT NULL,
	source TEXT NOT NULL,
	PRIMARY KEY (idx, id)
);
`

// ErrIndexNotFound is returned for operations on a missing index.
var ErrIndexNotFound = errors.New("index not found")

// ErrIndexClosed is returned when reading or writing a closed index.
var ErrIndexClosed = errors.New("index closed")

// SQLite implements Store on a single SQLite database. Documents are JSON
// text and term filters use json_extract, so it serves local development
// and tests with the same contract as Elasticsearch.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (or creates) the store at path. Use ":memory:" for an
// in-process store.
func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	// One connection keeps ":memory:" databases shared across calls.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create sqlite store schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) CreateIndex(ctx context.Context, index string, settings map[string]any) error {
	if settings == nil {
		settings = map[string]any{}
	}
	raw, err := json.Marshal(settings)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO indices (name, settings) VALUES (?, ?)`, index, string(raw))
	if err != nil {
		return fmt.Errorf("create index %s: %w", index, err)
	}
	return nil
}

func (s *SQLite) DeleteIndex(ctx context.Context, index string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, q := range []string{
		`DELETE FROM documents WHERE idx = ?`,
		`DELETE FROM aliases WHERE idx = ?`,
		`DELETE FROM indices WHERE name = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, index); err != nil {
			return fmt.Errorf("delete index %s: %w", index, err)
		}
	}
	return tx.Commit()
}

func (s *SQLite) IndexExists(ctx context.Context, index string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM indices WHERE name = ?`, index).Scan(&n)
	return n > 0, err
}

func (s *SQLite) OpenIndex(ctx context.Context, index string) error {
	return s.setClosed(ctx, index, false)
}

func (s *SQLite) CloseIndex(ctx context.Context, index string) error {
	return s.setClosed(ctx, index, true)
}

func (s *SQLite) setClosed(ctx context.Context, index string, closed bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE indices SET closed = ? WHERE name = ?`, closed, index)
	if err != nil {
		return err
	}
	return requireRow(res, index)
}

// PutSettings merges settings into the stored ones.
func (s *SQLite) PutSettings(ctx context.Context, index string, settings map[string]any) error {
	return s.merge(ctx, index, "settings", settings)
}

// PutMapping merges properties into the stored mapping.
func (s *SQLite) PutMapping(ctx context.Context, index string, properties map[string]any) error {
	return s.merge(ctx, index, "mapping", properties)
}

func (s *SQLite) merge(ctx context.Context, index, column string, values map[string]any) error {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT `+column+` FROM indices WHERE name = ?`, index).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", column, index, ErrIndexNotFound)
	}
	if err != nil {
		return err
	}
	current := map[string]any{}
	if err := json.Unmarshal([]byte(raw), &current); err != nil {
		return err
	}
	for k, v := range values {
		current[k] = v
	}
	merged, err := json.Marshal(current)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `UPDATE indices SET `+column+` = ? WHERE name = ?`, string(merged), index)
	return err
}

// Settings returns the stored settings of an index.
func (s *SQLite) Settings(ctx context.Context, index string) (map[string]any, error) {
	return s.load(ctx, index, "settings")
}

// Mapping returns the stored mapping properties of an index.
func (s *SQLite) Mapping(ctx context.Context, index string) (map[string]any, error) {
	return s.load(ctx, index, "mapping")
}

func (s *SQLite) load(ctx context.Context, index, column string) (map[string]any, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT `+column+` FROM indices WHERE name = ?`, index).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s %s: %w", column, index, ErrIndexNotFound)
	}
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	return out, json.Unmarshal([]byte(raw), &out)
}

// Refresh is a no-op; writes are visible once committed.
func (s *SQLite) Refresh(ctx context.Context, index string) error {
	_, err := s.resolve(ctx, index)
	return err
}

func (s *SQLite) AliasTargets(ctx context.Context, alias string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT idx FROM aliases WHERE alias = ? ORDER BY idx`, alias)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var idx string
		if err := rows.Scan(&idx); err != nil {
			return nil, err
		}
		out = append(out, idx)
	}
	return out, rows.Err()
}

func (s *SQLite) SwapAlias(ctx context.Context, alias, add string, remove []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var n int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM indices WHERE name = ?`, add).Scan(&n); err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("swap alias %s: %s: %w", alias, add, ErrIndexNotFound)
	}
	for _, idx := range remove {
		if _, err := tx.ExecContext(ctx, `DELETE FROM aliases WHERE alias = ? AND idx = ?`, alias, idx); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO aliases (alias, idx) VALUES (?, ?)`, alias, add); err != nil {
		return err
	}
	return tx.Commit()
}

// Bulk applies ops in one transaction.
func (s *SQLite) Bulk(ctx context.Context, ops []BulkOp) (BulkResult, error) {
	var result BulkResult
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return result, err
	}
	defer tx.Rollback()

	for _, op := range ops {
		if err := s.writable(ctx, tx, op.Index); err != nil {
			return BulkResult{}, err
		}
		switch op.Type {
		case OpIndex:
			id := op.ID
			if id == "" {
				id = uuid.NewString()
			}
			if err := putDoc(ctx, tx, op.Index, id, op.Doc); err != nil {
				return BulkResult{}, err
			}
			result.Indexed++
		case OpUpdate:
			if op.Append == nil || op.ID == "" {
				return BulkResult{}, fmt.Errorf("bulk update on %s needs an id and an append", op.Index)
			}
			if err := appendDoc(ctx, tx, op); err != nil {
				return BulkResult{}, err
			}
			result.Updated++
		default:
			return BulkResult{}, fmt.Errorf("unknown bulk op type %q", op.Type)
		}
	}
	return result, tx.Commit()
}

func (s *SQLite) writable(ctx context.Context, tx *sql.Tx, index string) error {
	var closed bool
	err := tx.QueryRowContext(ctx, `SELECT closed FROM indices WHERE name = ?`, index).Scan(&closed)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", index, ErrIndexNotFound)
	}
	if err != nil {
		return err
	}
	if closed {
		return fmt.Errorf("%s: %w", index, ErrIndexClosed)
	}
	return nil
}

func putDoc(ctx context.Context, tx *sql.Tx, index, id string, doc Document) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode document %s: %w", id, err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO documents (idx, id, source) VALUES (?, ?, ?)
		 ON CONFLICT (idx, id) DO UPDATE SET source = excluded.source`,
		index, id, string(raw))
	return err
}

func appendDoc(ctx context.Context, tx *sql.Tx, op BulkOp) error {
	var raw string
	err := tx.QueryRowContext(ctx, `SELECT source FROM documents WHERE idx = ? AND id = ?`, op.Index, op.ID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return putDoc(ctx, tx, op.Index, op.ID, op.Upsert)
	}
	if err != nil {
		return err
	}

	doc := Document{}
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return err
	}
	list, _ := doc[op.Append.Property].([]any)
	// Round-trip the value so stored documents hold plain JSON types.
	encoded, err := json.Marshal(op.Append.Value)
	if err != nil {
		return err
	}
	var value any
	if err := json.Unmarshal(encoded, &value); err != nil {
		return err
	}
	doc[op.Append.Property] = append(list, value)
	return putDoc(ctx, tx, op.Index, op.ID, doc)
}

// resolve expands an alias to its indices; a plain index resolves to itself.
func (s *SQLite) resolve(ctx context.Context, name string) ([]string, error) {
	targets, err := s.AliasTargets(ctx, name)
	if err != nil {
		return nil, err
	}
	if len(targets) > 0 {
		return targets, nil
	}
	ok, err := s.IndexExists(ctx, name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrIndexNotFound)
	}
	return []string{name}, nil
}

// where renders the index restriction and term filter.
func (s *SQLite) where(ctx context.Context, index string, filter Filter) (string, []any, error) {
	indices, err := s.resolve(ctx, index)
	if err != nil {
		return "", nil, err
	}
	var conds []string
	var args []any
	conds = append(conds, "idx IN ("+placeholders(len(indices))+")")
	for _, idx := range indices {
		args = append(args, idx)
	}
	for _, field := range filter.Fields() {
		values := filter.Terms[field]
		if len(values) == 0 {
			conds = append(conds, "0")
			continue
		}
		conds = append(conds, "json_extract(source, ?) IN ("+placeholders(len(values))+")")
		args = append(args, "$."+field)
		args = append(args, values...)
	}
	return strings.Join(conds, " AND "), args, nil
}

func (s *SQLite) Count(ctx context.Context, index string, filter Filter) (int64, error) {
	where, args, err := s.where(ctx, index, filter)
	if err != nil {
		return 0, err
	}
	var n int64
	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents WHERE `+where, args...).Scan(&n)
	return n, err
}

func (s *SQLite) DeleteByQuery(ctx context.Context, index string, filter Filter) (int64, error) {
	where, args, err := s.where(ctx, index, filter)
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE `+where, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLite) Search(ctx context.Context, index string, filter Filter, size int) ([]Hit, error) {
	where, args, err := s.where(ctx, index, filter)
	if err != nil {
		return nil, err
	}
	args = append(args, size)
	rows, err := s.db.QueryContext(ctx, `SELECT id, source FROM documents WHERE `+where+` ORDER BY id LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var h Hit
		var raw string
		if err := rows.Scan(&h.ID, &raw); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(raw), &h.Source); err != nil {
			return nil, err
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

func (s *SQLite) Close() error { return s.db.Close() }

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func requireRow(res sql.Result, index string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", index, ErrIndexNotFound)
	}
	return nil
}
