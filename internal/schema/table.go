// Package schema reflects relational table metadata (columns, primary keys
// and foreign keys) for the query builder.
package schema

import (
	"fmt"
	"sort"
	"strings"

	cerrors "github.com/cpdb/esindex/internal/errors"
)

// Column describes a single column of a table.
type Column struct {
	// Name is the physical column name
	Name string `json:"name" yaml:"name"`

	// Type is the Postgres type name (informational only)
	Type string `json:"type" yaml:"type"`

	// Nullable indicates whether the column can contain NULL values
	Nullable bool `json:"nullable" yaml:"nullable"`

	// PrimaryKey marks the table's single primary key column
	PrimaryKey bool `json:"primary_key" yaml:"primary_key"`

	// References is the table a foreign key points at; empty otherwise
	References string `json:"references,omitempty" yaml:"references,omitempty"`

	// Relation is the relation name of a foreign key (column name without "_id")
	Relation string `json:"relation,omitempty" yaml:"relation,omitempty"`
}

// IsForeignKey reports whether the column references another table.
func (c Column) IsForeignKey() bool {
	return c.References != ""
}

// Col declares a plain column.
func Col(name, typ string) Column {
	return Column{Name: name, Type: typ, Nullable: true}
}

// PK declares the primary key column.
func PK(name, typ string) Column {
	return Column{Name: name, Type: typ, PrimaryKey: true}
}

// FK declares a foreign key column referencing table.
func FK(name, table string) Column {
	return Column{Name: name, Type: "integer", Nullable: true, References: table}
}

// Table is a relational table's identity, primary key, and columns.
type Table struct {
	name    string
	columns []Column
	byName  map[string]int
	pk      int
}

// NewTable validates the column list and builds a Table.
// Exactly one primary key column is required.
func NewTable(name string, columns ...Column) (*Table, error) {
	if name == "" {
		return nil, cerrors.NewSchemaError(cerrors.CodeInvalidTable, "table name is required")
	}

	t := &Table{
		name:    name,
		columns: make([]Column, len(columns)),
		byName:  make(map[string]int, len(columns)),
		pk:      -1,
	}

	for i, c := range columns {
		if _, dup := t.byName[c.Name]; dup {
			return nil, cerrors.NewSchemaError(cerrors.CodeInvalidTable,
				fmt.Sprintf("table %s: duplicate column %s", name, c.Name))
		}
		if c.IsForeignKey() && c.Relation == "" {
			c.Relation = strings.TrimSuffix(c.Name, "_id")
		}
		if c.PrimaryKey {
			if t.pk >= 0 {
				return nil, cerrors.NewSchemaError(cerrors.CodeInvalidTable,
					fmt.Sprintf("table %s: multiple primary keys (%s, %s)", name, t.columns[t.pk].Name, c.Name))
			}
			t.pk = i
		}
		t.columns[i] = c
		t.byName[c.Name] = i
	}

	if t.pk < 0 {
		return nil, cerrors.NewSchemaError(cerrors.CodeInvalidTable,
			fmt.Sprintf("table %s: no primary key", name))
	}
	return t, nil
}

// MustTable is NewTable for static declarations; it panics on invalid input.
func MustTable(name string, columns ...Column) *Table {
	t, err := NewTable(name, columns...)
	if err != nil {
		panic(err)
	}
	return t
}

// Name returns the physical table name.
func (t *Table) Name() string { return t.name }

// PrimaryKey returns the primary key column.
func (t *Table) PrimaryKey() Column { return t.columns[t.pk] }

// Columns returns a copy of the column list in declaration order.
func (t *Table) Columns() []Column {
	out := make([]Column, len(t.columns))
	copy(out, t.columns)
	return out
}

// ColumnNames returns all column names in declaration order.
func (t *Table) ColumnNames() []string {
	names := make([]string, len(t.columns))
	for i, c := range t.columns {
		names[i] = c.Name
	}
	return names
}

// Column looks up a column by name.
func (t *Table) Column(name string) (Column, bool) {
	i, ok := t.byName[name]
	if !ok {
		return Column{}, false
	}
	return t.columns[i], true
}

// FindForeignKeyTo returns the first column that references target.
func (t *Table) FindForeignKeyTo(target string) (Column, error) {
	for _, c := range t.columns {
		if c.References == target {
			return c, nil
		}
	}
	return Column{}, cerrors.NewForeignKeyNotFound(t.name, target)
}

// FindForeignKeyWithName returns the foreign key whose relation name or
// column name equals name.
func (t *Table) FindForeignKeyWithName(name string) (Column, error) {
	for _, c := range t.columns {
		if c.IsForeignKey() && (c.Relation == name || c.Name == name) {
			return c, nil
		}
	}
	return Column{}, cerrors.NewSchemaError(cerrors.CodeForeignKeyNotFound,
		fmt.Sprintf("table %s has no foreign key named %s", t.name, name)).
		WithDetails(map[string]interface{}{"from": t.name, "relation": name})
}

// Catalog resolves table names to tables.
type Catalog struct {
	tables map[string]*Table
}

// NewCatalog builds a catalog from tables. Foreign keys must reference
// tables present in the catalog.
func NewCatalog(tables ...*Table) (*Catalog, error) {
	c := &Catalog{tables: make(map[string]*Table, len(tables))}
	for _, t := range tables {
		c.tables[t.name] = t
	}
	for _, t := range tables {
		for _, col := range t.columns {
			if col.IsForeignKey() {
				if _, ok := c.tables[col.References]; !ok {
					return nil, cerrors.NewSchemaError(cerrors.CodeTableNotFound,
						fmt.Sprintf("%s.%s references unknown table %s", t.name, col.Name, col.References))
				}
			}
		}
	}
	return c, nil
}

// Table returns the named table.
func (c *Catalog) Table(name string) (*Table, error) {
	t, ok := c.tables[name]
	if !ok {
		return nil, cerrors.NewSchemaError(cerrors.CodeTableNotFound, "unknown table "+name)
	}
	return t, nil
}

// MustTable returns the named table or panics.
func (c *Catalog) MustTable(name string) *Table {
	t, err := c.Table(name)
	if err != nil {
		panic(err)
	}
	return t
}

// Names returns the sorted table names.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.tables))
	for n := range c.tables {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
