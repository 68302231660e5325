package schema

import (
	"context"
	"database/sql"
	"fmt"
)

// Querier is the subset of *sql.DB used for introspection.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

const columnsSQL = `
SELECT c.table_name, c.column_name, c.data_type, c.is_nullable = 'YES'
FROM information_schema.columns c
WHERE c.table_schema = current_schema() AND c.table_name = ANY($1)
ORDER BY c.table_name, c.ordinal_position`

const constraintsSQL = `
SELECT tc.table_name, kcu.column_name, tc.constraint_type, COALESCE(ccu.table_name, '')
FROM information_schema.table_constraints tc
JOIN information_schema.key_column_usage kcu
  ON kcu.constraint_name = tc.constraint_name AND kcu.table_schema = tc.table_schema
LEFT JOIN information_schema.constraint_column_usage ccu
  ON tc.constraint_type = 'FOREIGN KEY'
 AND ccu.constraint_name = tc.constraint_name AND ccu.table_schema = tc.table_schema
WHERE tc.table_schema = current_schema()
  AND tc.constraint_type IN ('PRIMARY KEY', 'FOREIGN KEY')
  AND tc.table_name = ANY($1)`

type columnRow struct {
	table, column, dataType string
	nullable                bool
}

type constraintRow struct {
	table, column, kind, references string
}

// Introspect reads column, primary key and foreign key metadata for the
// named tables from information_schema. Foreign keys pointing outside the
// requested set are kept as plain columns.
func Introspect(ctx context.Context, db Querier, names ...string) (*Catalog, error) {
	rows, err := db.QueryContext(ctx, columnsSQL, names)
	if err != nil {
		return nil, fmt.Errorf("schema: failed to read columns: %w", err)
	}
	var cols []columnRow
	for rows.Next() {
		var r columnRow
		if err := rows.Scan(&r.table, &r.column, &r.dataType, &r.nullable); err != nil {
			rows.Close()
			return nil, fmt.Errorf("schema: failed to scan column: %w", err)
		}
		cols = append(cols, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("schema: failed to read columns: %w", err)
	}

	rows, err = db.QueryContext(ctx, constraintsSQL, names)
	if err != nil {
		return nil, fmt.Errorf("schema: failed to read constraints: %w", err)
	}
	var cons []constraintRow
	for rows.Next() {
		var r constraintRow
		if err := rows.Scan(&r.table, &r.column, &r.kind, &r.references); err != nil {
			rows.Close()
			return nil, fmt.Errorf("schema: failed to scan constraint: %w", err)
		}
		cons = append(cons, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("schema: failed to read constraints: %w", err)
	}

	return buildCatalog(cols, cons)
}

// buildCatalog assembles tables from raw information_schema rows.
func buildCatalog(cols []columnRow, cons []constraintRow) (*Catalog, error) {
	order := []string{}
	columns := map[string][]Column{}
	for _, r := range cols {
		if _, seen := columns[r.table]; !seen {
			order = append(order, r.table)
		}
		columns[r.table] = append(columns[r.table], Column{
			Name:     r.column,
			Type:     r.dataType,
			Nullable: r.nullable,
		})
	}

	for _, c := range cons {
		tableCols := columns[c.table]
		for i := range tableCols {
			if tableCols[i].Name != c.column {
				continue
			}
			switch c.kind {
			case "PRIMARY KEY":
				tableCols[i].PrimaryKey = true
			case "FOREIGN KEY":
				if _, known := columns[c.references]; known {
					tableCols[i].References = c.references
				}
			}
		}
	}

	tables := make([]*Table, 0, len(order))
	for _, name := range order {
		t, err := NewTable(name, columns[name]...)
		if err != nil {
			return nil, err
		}
		tables = append(tables, t)
	}
	return NewCatalog(tables...)
}
