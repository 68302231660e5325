package query

import (
	"context"
	"database/sql"

	cerrors "github.com/cpdb/esindex/internal/errors"
)

// Querier is satisfied by *sql.DB, *sql.Conn and *sql.Tx.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Row is one decoded result row keyed by field name.
type Row map[string]any

// Rows is a lazy, single-pass sequence of decoded rows.
type Rows struct {
	rows *sql.Rows
	plan *Plan
	cur  Row
	err  error
}

// Execute runs the statement once and returns its rows.
func Execute(ctx context.Context, db Querier, stmt Statement) (*Rows, error) {
	plan, err := stmt.Build()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, plan.SQL, plan.Args...)
	if err != nil {
		return nil, cerrors.Wrap(cerrors.ErrCategoryQuery, cerrors.CodeExecutionFailed,
			"execute query", err).WithDetails(map[string]interface{}{"sql": plan.SQL})
	}
	if len(plan.Columns) == 0 {
		cols, err := rows.Columns()
		if err != nil {
			rows.Close()
			return nil, cerrors.Wrap(cerrors.ErrCategoryQuery, cerrors.CodeExecutionFailed, "read columns", err)
		}
		plan = &Plan{SQL: plan.SQL, Args: plan.Args, Columns: cols}
	}
	return &Rows{rows: rows, plan: plan}, nil
}

// Next advances to the next row. It returns false at the end of the
// result or on error; check Err afterwards.
func (r *Rows) Next() bool {
	if r.err != nil || !r.rows.Next() {
		return false
	}
	values := make([]any, len(r.plan.Columns))
	ptrs := make([]any, len(values))
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := r.rows.Scan(ptrs...); err != nil {
		r.err = cerrors.Wrap(cerrors.ErrCategoryQuery, cerrors.CodeDecodeFailed, "scan row", err)
		return false
	}
	row, err := r.plan.Decode(values)
	if err != nil {
		r.err = err
		return false
	}
	r.cur = row
	return true
}

// Row returns the current row.
func (r *Rows) Row() Row { return r.cur }

// Err returns the first error met while iterating.
func (r *Rows) Err() error {
	if r.err != nil {
		return r.err
	}
	if err := r.rows.Err(); err != nil {
		return cerrors.Wrap(cerrors.ErrCategoryQuery, cerrors.CodeExecutionFailed, "iterate rows", err)
	}
	return nil
}

// Close releases the underlying result set.
func (r *Rows) Close() error { return r.rows.Close() }

// Collect drains rows into a slice and closes them.
func Collect(rows *Rows) ([]Row, error) {
	defer rows.Close()
	var out []Row
	for rows.Next() {
		out = append(out, rows.Row())
	}
	return out, rows.Err()
}

// CountRows runs SELECT COUNT(*) over the statement's result.
func CountRows(ctx context.Context, db Querier, stmt Statement) (int64, error) {
	plan, err := stmt.Build()
	if err != nil {
		return 0, err
	}
	text := "SELECT COUNT(*) FROM (" + plan.SQL + ") AS counted"
	rows, err := db.QueryContext(ctx, text, plan.Args...)
	if err != nil {
		return 0, cerrors.Wrap(cerrors.ErrCategoryQuery, cerrors.CodeExecutionFailed,
			"count query", err).WithDetails(map[string]interface{}{"sql": text})
	}
	defer rows.Close()

	var n int64
	if rows.Next() {
		if err := rows.Scan(&n); err != nil {
			return 0, cerrors.Wrap(cerrors.ErrCategoryQuery, cerrors.CodeDecodeFailed, "scan count", err)
		}
	}
	if err := rows.Err(); err != nil {
		return 0, cerrors.Wrap(cerrors.ErrCategoryQuery, cerrors.CodeExecutionFailed, "count query", err)
	}
	return n, nil
}
