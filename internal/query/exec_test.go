package query

import (
	"context"
	"database/sql"
	"testing"
	"time"

	cerrors "github.com/cpdb/esindex/internal/errors"
	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`
		CREATE TABLE officer (
			id INTEGER PRIMARY KEY,
			name TEXT,
			appointed DATE,
			percentile TEXT,
			badges TEXT
		);
		INSERT INTO officer VALUES
			(1, 'Jerome', '2001-05-02', '66.6667', '{"(1,123,t)","(2,456,f)"}'),
			(2, 'Ann', NULL, NULL, '{}'),
			(3, 'Luis', '1999-12-31', '0.0001', NULL);
	`)
	require.NoError(t, err)
	return db
}

func TestExecuteDecodesDeclaredColumns(t *testing.T) {
	db := openTestDB(t)
	stmt := NewRaw("SELECT id, name, appointed, percentile, badges FROM officer ORDER BY id").
		Column("id", KindInt).
		Column("name", KindRaw).
		Column("appointed", KindDate).
		Column("percentile", KindDecimal).
		RowArrayColumn("badges", "id", "number", "current")

	rows, err := Execute(context.Background(), db, stmt)
	require.NoError(t, err)
	out, err := Collect(rows)
	require.NoError(t, err)
	require.Len(t, out, 3)

	first := out[0]
	assert.Equal(t, int64(1), first["id"])
	assert.Equal(t, "Jerome", first["name"])
	assert.Equal(t, time.Date(2001, 5, 2, 0, 0, 0, 0, time.UTC), first["appointed"])
	assert.Equal(t, "66.6667", first["percentile"].(decimal.Decimal).String())
	assert.Equal(t, []map[string]any{
		{"id": int64(1), "number": int64(123), "current": true},
		{"id": int64(2), "number": int64(456), "current": false},
	}, first["badges"])

	assert.Nil(t, out[1]["appointed"])
	assert.Nil(t, out[1]["percentile"])
	assert.Equal(t, []map[string]any{}, out[1]["badges"])
	assert.Equal(t, []map[string]any{}, out[2]["badges"])
}

func TestExecuteUsesDriverColumnsWhenUndeclared(t *testing.T) {
	db := openTestDB(t)
	rows, err := Execute(context.Background(), db, NewRaw("SELECT id, name FROM officer WHERE id = ?", 2))
	require.NoError(t, err)
	out, err := Collect(rows)
	require.NoError(t, err)
	assert.Equal(t, []Row{{"id": int64(2), "name": "Ann"}}, out)
}

func TestExecuteIsLazy(t *testing.T) {
	db := openTestDB(t)
	rows, err := Execute(context.Background(), db, NewRaw("SELECT id FROM officer ORDER BY id").Column("id", KindInt))
	require.NoError(t, err)

	require.True(t, rows.Next())
	assert.Equal(t, int64(1), rows.Row()["id"])
	require.NoError(t, rows.Close())
	assert.False(t, rows.Next())
}

func TestExecuteErrors(t *testing.T) {
	db := openTestDB(t)

	_, err := Execute(context.Background(), db, NewRaw("SELECT nope FROM missing"))
	assert.Equal(t, cerrors.CodeExecutionFailed, cerrors.GetCode(err))

	_, err = Execute(context.Background(), db, NewRaw("  "))
	assert.Equal(t, cerrors.CodeExecutionFailed, cerrors.GetCode(err))

	rows, err := Execute(context.Background(), db,
		NewRaw("SELECT name FROM officer WHERE id = 1").RowArrayColumn("name", "x"))
	require.NoError(t, err)
	_, err = Collect(rows)
	require.Error(t, err)
	assert.Equal(t, cerrors.CodeDecodeFailed, cerrors.GetCode(err))
}

func TestCountWrapsStatement(t *testing.T) {
	db := openTestDB(t)
	n, err := CountRows(context.Background(), db, NewRaw("SELECT id FROM officer WHERE id > ?", 1))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = CountRows(context.Background(), db, NewRaw("SELECT id FROM officer WHERE id > ?", 10))
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}
