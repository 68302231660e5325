// Package query compiles field declarations, joins and filters over the
// reflected schema into one parameterized Postgres statement, runs it, and
// decodes every column through its field.
package query

import (
	"fmt"
	"strconv"
	"strings"

	cerrors "github.com/cpdb/esindex/internal/errors"
	"github.com/cpdb/esindex/internal/schema"
)

// DefaultAlias is the alias of the base table unless overridden.
const DefaultAlias = "base"

// Shape selects how a query collapses rows to one per base primary key.
type Shape int

const (
	// ShapeDistinct uses DISTINCT ON (base.pk).
	ShapeDistinct Shape = iota
	// ShapeAggregate uses GROUP BY and is required for row array fields.
	ShapeAggregate
)

// Statement is anything that compiles to an executable Plan.
type Statement interface {
	Build() (*Plan, error)
}

// Plan is a compiled statement: SQL text, bound arguments, and one decoder
// per result column.
type Plan struct {
	SQL     string
	Args    []any
	Columns []string

	decoders []decodeFunc
}

// Decode pairs positional values with the plan's columns.
func (p *Plan) Decode(values []any) (Row, error) {
	if len(values) != len(p.Columns) {
		return nil, cerrors.NewQueryError(cerrors.CodeDecodeFailed,
			fmt.Sprintf("row has %d values, expected %d", len(values), len(p.Columns)))
	}
	row := make(Row, len(values))
	for i, v := range values {
		dec := decodeRaw
		if p.decoders != nil && p.decoders[i] != nil {
			dec = p.decoders[i]
		}
		out, err := dec(v)
		if err != nil {
			return nil, cerrors.Wrap(cerrors.ErrCategoryQuery, cerrors.CodeDecodeFailed,
				"decode column "+p.Columns[i], err)
		}
		row[p.Columns[i]] = out
	}
	return row, nil
}

// renderer collects bound arguments. Postgres numbers parameters
// explicitly, so fragments may be rendered in any order.
type renderer struct {
	args []any
}

func (r *renderer) bind(v any) string {
	r.args = append(r.args, v)
	return "$" + strconv.Itoa(len(r.args))
}

// source is a named row source visible to fields: the base table, a joined
// table, or a joined subquery.
type source struct {
	alias    string
	table    *schema.Table
	names    []string
	decoders []decodeFunc
}

func tableSource(alias string, t *schema.Table) *source {
	cols := t.Columns()
	s := &source{alias: alias, table: t, names: make([]string, len(cols)), decoders: make([]decodeFunc, len(cols))}
	for i, c := range cols {
		s.names[i] = c.Name
		s.decoders[i] = decoderFor(kindForType(c.Type))
	}
	return s
}

func (s *source) decoder(column string) (decodeFunc, bool) {
	for i, n := range s.names {
		if n == column {
			return s.decoders[i], true
		}
	}
	return nil, false
}

func (s *source) describe() string {
	if s.table != nil {
		return s.table.Name()
	}
	return "subquery"
}

// scope is what a field sees while it is initialized.
type scope struct {
	catalog   *schema.Catalog
	base      *schema.Table
	baseAlias string
	sources   map[string]*source
}

func (s *scope) source(alias string) (*source, error) {
	src, ok := s.sources[alias]
	if !ok {
		return nil, cerrors.NewSchemaError(cerrors.CodeJoinNotDeclared,
			fmt.Sprintf("alias %s is not declared on %s", alias, s.base.Name()))
	}
	return src, nil
}

type joinDecl struct {
	alias string
	table *schema.Table
	sub   *Subquery
}

type fieldDecl struct {
	name  string
	field Field
}

// Query is a select over a base table with joins, fields and filters.
// Builder methods mutate and return the receiver; Where returns a copy so a
// declared query can be narrowed per batch.
type Query struct {
	shape   Shape
	catalog *schema.Catalog
	base    *schema.Table
	alias   string
	joins   []joinDecl
	fields  []fieldDecl
	where   []Lookup
	err     error
}

// NewDistinct starts a query yielding one row per base primary key via
// DISTINCT ON.
func NewDistinct(catalog *schema.Catalog, base *schema.Table) *Query {
	return &Query{shape: ShapeDistinct, catalog: catalog, base: base, alias: DefaultAlias}
}

// NewAggregate starts a query yielding one row per base primary key via
// GROUP BY.
func NewAggregate(catalog *schema.Catalog, base *schema.Table) *Query {
	return &Query{shape: ShapeAggregate, catalog: catalog, base: base, alias: DefaultAlias}
}

// Alias renames the base table alias.
func (q *Query) Alias(alias string) *Query {
	q.alias = alias
	return q
}

// Join declares a LEFT JOIN of table under alias. The join condition is
// resolved from foreign keys at build time.
func (q *Query) Join(alias string, table *schema.Table) *Query {
	q.joins = append(q.joins, joinDecl{alias: alias, table: table})
	return q
}

// JoinSubquery declares a LEFT JOIN of a subquery under alias.
func (q *Query) JoinSubquery(alias string, sub *Subquery) *Query {
	q.joins = append(q.joins, joinDecl{alias: alias, sub: sub})
	return q
}

// Field adds a select-list field under a unique result name.
func (q *Query) Field(name string, f Field) *Query {
	for _, d := range q.fields {
		if d.name == name && q.err == nil {
			q.err = cerrors.NewSchemaError(cerrors.CodeDuplicateField,
				fmt.Sprintf("field %s declared twice on %s", name, q.base.Name()))
		}
	}
	q.fields = append(q.fields, fieldDecl{name: name, field: f})
	return q
}

// Where returns a copy of the query narrowed by a lookup. The key syntax is
// documented on ParseLookup; unsupported operators fail here, before any SQL
// is built.
func (q *Query) Where(key string, value any) (*Query, error) {
	l, err := ParseLookup(key, value)
	if err != nil {
		return nil, err
	}
	return q.Filter(l), nil
}

// Filter returns a copy of the query narrowed by already parsed lookups.
func (q *Query) Filter(lookups ...Lookup) *Query {
	cp := *q
	cp.joins = append([]joinDecl(nil), q.joins...)
	cp.fields = append([]fieldDecl(nil), q.fields...)
	cp.where = append(append([]Lookup(nil), q.where...), lookups...)
	return &cp
}

// Base returns the base table.
func (q *Query) Base() *schema.Table { return q.base }

// Build compiles the query.
func (q *Query) Build() (*Plan, error) {
	r := &renderer{}
	c, err := q.compile(r)
	if err != nil {
		return nil, err
	}
	return &Plan{SQL: c.sql, Args: r.args, Columns: c.names, decoders: c.decoders}, nil
}

type compiled struct {
	sql      string
	names    []string
	decoders []decodeFunc
}

func (q *Query) compile(r *renderer) (*compiled, error) {
	if q.err != nil {
		return nil, q.err
	}
	if q.base == nil {
		return nil, cerrors.NewSchemaError(cerrors.CodeInvalidTable, "query has no base table")
	}
	if len(q.fields) == 0 {
		return nil, cerrors.NewSchemaError(cerrors.CodeFieldNamesMissing,
			"query on "+q.base.Name()+" selects no fields")
	}

	s := &scope{
		catalog:   q.catalog,
		base:      q.base,
		baseAlias: q.alias,
		sources:   map[string]*source{q.alias: tableSource(q.alias, q.base)},
	}

	var from strings.Builder
	from.WriteString(q.base.Name() + " AS " + q.alias)
	for _, j := range q.joins {
		if _, dup := s.sources[j.alias]; dup {
			return nil, cerrors.NewSchemaError(cerrors.CodeJoinNotDeclared,
				fmt.Sprintf("alias %s declared twice", j.alias))
		}
		var (
			clause string
			src    *source
			err    error
		)
		if j.sub != nil {
			clause, src, err = j.sub.join(r, j.alias, q.alias, q.base)
		} else {
			clause, err = joinTable(q.alias, q.base, j.alias, j.table)
			src = tableSource(j.alias, j.table)
		}
		if err != nil {
			return nil, err
		}
		s.sources[j.alias] = src
		from.WriteString(" " + clause)
	}

	c := &compiled{
		names:    make([]string, len(q.fields)),
		decoders: make([]decodeFunc, len(q.fields)),
	}
	exprs := make([]string, len(q.fields))
	groupBy := []string{q.alias + "." + q.base.PrimaryKey().Name}
	seen := map[string]bool{groupBy[0]: true}

	for i, d := range q.fields {
		f, err := d.field.initialize(s, d.name)
		if err != nil {
			return nil, err
		}
		exprs[i] = f.render(r)
		c.names[i] = d.name
		c.decoders[i] = f.Decode

		key, grouped := f.groupKey()
		switch {
		case !grouped && q.shape == ShapeDistinct:
			return nil, cerrors.NewSchemaError(cerrors.CodeAggregateDistinct,
				fmt.Sprintf("field %s aggregates rows; use an aggregate query", d.name))
		case !grouped:
		case q.shape == ShapeAggregate && !strings.HasPrefix(key, q.alias+"."):
			// Joined columns outside an aggregate are not functionally
			// dependent on the base key.
			return nil, cerrors.NewSchemaError(cerrors.CodeUngroupedField,
				fmt.Sprintf("field %s (%s) must be aggregated or moved into a subquery", d.name, key))
		case !seen[key]:
			seen[key] = true
			groupBy = append(groupBy, key)
		}
	}

	var sb strings.Builder
	sb.WriteString("SELECT ")
	if q.shape == ShapeDistinct {
		sb.WriteString("DISTINCT ON (" + groupBy[0] + ") ")
	}
	sb.WriteString(strings.Join(exprs, ", "))
	sb.WriteString(" FROM " + from.String())

	if len(q.where) > 0 {
		conds := make([]string, len(q.where))
		for i, l := range q.where {
			alias := l.Alias
			if alias == "" {
				alias = q.alias
			}
			src, err := s.source(alias)
			if err != nil {
				return nil, err
			}
			if _, ok := src.decoder(l.Column); !ok {
				return nil, unknownColumn(src, l.Column)
			}
			conds[i] = l.render(r, alias)
		}
		sb.WriteString(" WHERE " + strings.Join(conds, " AND "))
	}

	if q.shape == ShapeAggregate {
		sb.WriteString(" GROUP BY " + strings.Join(groupBy, ", "))
	}
	c.sql = sb.String()
	return c, nil
}

// joinTable resolves the join condition between the base table and a joined
// table: joined → base first, then base → joined.
func joinTable(baseAlias string, base *schema.Table, alias string, joined *schema.Table) (string, error) {
	if joined == nil {
		return "", cerrors.NewSchemaError(cerrors.CodeInvalidTable, "join "+alias+" has no table")
	}
	if fk, err := joined.FindForeignKeyTo(base.Name()); err == nil {
		return fmt.Sprintf("LEFT JOIN %s AS %s ON %s.%s = %s.%s",
			joined.Name(), alias, alias, fk.Name, baseAlias, base.PrimaryKey().Name), nil
	}
	if fk, err := base.FindForeignKeyTo(joined.Name()); err == nil {
		return fmt.Sprintf("LEFT JOIN %s AS %s ON %s.%s = %s.%s",
			joined.Name(), alias, alias, joined.PrimaryKey().Name, baseAlias, fk.Name), nil
	}
	return "", cerrors.NewForeignKeyNotFound(base.Name(), joined.Name())
}

// Subquery lets a query's output serve as a joined row source. Its result
// columns keep their decoders, so outer fields decode them the same way.
type Subquery struct {
	query  *Query
	on     string
	leftOn string
}

// NewSubquery joins q on its output column on. The outer side defaults to
// the outer base primary key.
func NewSubquery(q *Query, on string) *Subquery {
	return &Subquery{query: q, on: on}
}

// LeftOn sets the outer base column matched against the subquery column.
func (s *Subquery) LeftOn(column string) *Subquery {
	s.leftOn = column
	return s
}

func (s *Subquery) join(r *renderer, alias, baseAlias string, base *schema.Table) (string, *source, error) {
	inner, err := s.query.compile(r)
	if err != nil {
		return "", nil, err
	}
	src := &source{alias: alias, names: inner.names, decoders: inner.decoders}
	if _, ok := src.decoder(s.on); !ok {
		return "", nil, unknownColumn(src, s.on)
	}
	left := s.leftOn
	if left == "" {
		left = base.PrimaryKey().Name
	}
	if _, ok := base.Column(left); !ok {
		return "", nil, cerrors.NewSchemaError(cerrors.CodeUnknownColumn,
			fmt.Sprintf("%s has no column %s", base.Name(), left))
	}
	clause := fmt.Sprintf("LEFT JOIN (%s) AS %s ON %s.%s = %s.%s",
		inner.sql, alias, baseAlias, left, alias, s.on)
	return clause, src, nil
}

// Raw is literal SQL with bound arguments and declared result columns.
// Columns not declared decode as raw driver values.
type Raw struct {
	sql      string
	args     []any
	columns  []string
	decoders []decodeFunc
}

// NewRaw wraps sql. Placeholders follow the driver's syntax.
func NewRaw(sql string, args ...any) *Raw {
	return &Raw{sql: sql, args: args}
}

// Column declares the next result column.
func (q *Raw) Column(name string, kind ValueKind) *Raw {
	q.columns = append(q.columns, name)
	q.decoders = append(q.decoders, decoderFor(kind))
	return q
}

// RowArrayColumn declares the next result column as array_agg(ROW(...))
// text zipped with names. The SQL must cast the aggregate with ::text.
func (q *Raw) RowArrayColumn(name string, names ...string) *Raw {
	q.columns = append(q.columns, name)
	q.decoders = append(q.decoders, rowArrayDecoder(names, nil))
	return q
}

// Build returns the plan; with no declared columns the driver's column
// names are used at execution time.
func (q *Raw) Build() (*Plan, error) {
	if strings.TrimSpace(q.sql) == "" {
		return nil, cerrors.NewQueryError(cerrors.CodeExecutionFailed, "raw query is empty")
	}
	return &Plan{SQL: q.sql, Args: q.args, Columns: q.columns, decoders: q.decoders}, nil
}
