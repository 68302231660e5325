package query

import (
	"fmt"
	"strings"

	cerrors "github.com/cpdb/esindex/internal/errors"
	"github.com/cpdb/esindex/internal/schema"
)

// Field is a select-list expression. The set of implementations is closed:
// PlainField, GeometryField, CountField, ForeignField and RowArrayField.
//
// A Field is declared unbound and initialized by the query it is added to,
// which resolves aliases, foreign keys and decoders against the query's
// joins. Initialization returns a bound copy; the declared value is never
// mutated, so one declaration can be shared by several queries.
type Field interface {
	// Decode converts the driver value of this field's column into its
	// domain value.
	Decode(raw any) (any, error)

	initialize(s *scope, name string) (Field, error)
	render(r *renderer) string
	groupKey() (string, bool)
}

// PlainField selects alias.column.
type PlainField struct {
	owner   string
	column  string
	kind    ValueKind
	kindSet bool

	name   string
	decode decodeFunc
}

// Plain selects a column of the base table.
func Plain(column string) PlainField {
	return PlainField{column: column}
}

// On selects the column from a joined alias instead of the base table.
func (f PlainField) On(alias string) PlainField {
	f.owner = alias
	return f
}

// As overrides the decoder inferred from the column type.
func (f PlainField) As(kind ValueKind) PlainField {
	f.kind = kind
	f.kindSet = true
	return f
}

func (f PlainField) Decode(raw any) (any, error) {
	if f.decode == nil {
		return decoderFor(f.kind)(raw)
	}
	return f.decode(raw)
}

func (f PlainField) initialize(s *scope, name string) (Field, error) {
	if f.owner == "" {
		f.owner = s.baseAlias
	}
	src, err := s.source(f.owner)
	if err != nil {
		return nil, err
	}
	dec, ok := src.decoder(f.column)
	if !ok {
		return nil, unknownColumn(src, f.column)
	}
	if f.kindSet {
		dec = decoderFor(f.kind)
	}
	f.name = name
	f.decode = dec
	return f, nil
}

func (f PlainField) render(*renderer) string {
	return f.owner + "." + f.column + " AS " + f.name
}

func (f PlainField) groupKey() (string, bool) {
	return f.owner + "." + f.column, true
}

// GeometryField selects a PostGIS column as GML and decodes it to a Point.
type GeometryField struct {
	owner  string
	column string
	name   string
}

// Geometry selects a geometry column of the base table.
func Geometry(column string) GeometryField {
	return GeometryField{column: column}
}

// On selects the column from a joined alias.
func (f GeometryField) On(alias string) GeometryField {
	f.owner = alias
	return f
}

func (f GeometryField) Decode(raw any) (any, error) {
	return decodeGeometry(raw)
}

func (f GeometryField) initialize(s *scope, name string) (Field, error) {
	if f.owner == "" {
		f.owner = s.baseAlias
	}
	src, err := s.source(f.owner)
	if err != nil {
		return nil, err
	}
	if _, ok := src.decoder(f.column); !ok {
		return nil, unknownColumn(src, f.column)
	}
	f.name = name
	return f, nil
}

func (f GeometryField) render(*renderer) string {
	return "ST_AsGML(" + f.owner + "." + f.column + ") AS " + f.name
}

func (f GeometryField) groupKey() (string, bool) {
	return f.owner + "." + f.column, true
}

// CountField counts the rows of another table that reference the related
// alias, optionally narrowed by equality lookups on that table.
type CountField struct {
	from    *schema.Table
	lookups []Lookup
	related string

	name       string
	fk         string
	relatedKey string
}

// Count counts rows of from whose foreign key points at the base row.
func Count(from *schema.Table, lookups ...Lookup) CountField {
	return CountField{from: from, lookups: lookups}
}

// RelatedTo correlates the count with a joined alias instead of the base.
func (f CountField) RelatedTo(alias string) CountField {
	f.related = alias
	return f
}

func (f CountField) Decode(raw any) (any, error) {
	return decodeInt(raw)
}

func (f CountField) initialize(s *scope, name string) (Field, error) {
	if f.from == nil {
		return nil, cerrors.NewSchemaError(cerrors.CodeInvalidTable,
			fmt.Sprintf("count field %s has no table", name))
	}
	if f.related == "" {
		f.related = s.baseAlias
	}
	src, err := s.source(f.related)
	if err != nil {
		return nil, err
	}
	if src.table == nil {
		return nil, cerrors.NewSchemaError(cerrors.CodeJoinNotDeclared,
			fmt.Sprintf("count field %s: alias %s is not a table join", name, f.related))
	}
	fk, err := f.from.FindForeignKeyTo(src.table.Name())
	if err != nil {
		return nil, err
	}
	for _, l := range f.lookups {
		if _, ok := f.from.Column(l.Column); !ok {
			return nil, cerrors.NewSchemaError(cerrors.CodeUnknownColumn,
				fmt.Sprintf("count field %s: %s has no column %s", name, f.from.Name(), l.Column))
		}
	}
	f.name = name
	f.fk = fk.Name
	f.relatedKey = f.related + "." + src.table.PrimaryKey().Name
	return f, nil
}

func (f CountField) render(r *renderer) string {
	alias := f.name + "_sub"
	conds := []string{alias + "." + f.fk + " = " + f.relatedKey}
	for _, l := range f.lookups {
		conds = append(conds, l.render(r, alias))
	}
	return fmt.Sprintf("(SELECT COUNT(*) FROM %s AS %s WHERE %s) AS %s",
		f.from.Name(), alias, strings.Join(conds, " AND "), f.name)
}

func (f CountField) groupKey() (string, bool) {
	return f.relatedKey, true
}

// ForeignField selects one column of the row a base-table foreign key
// points at.
type ForeignField struct {
	relation string
	column   string

	name   string
	target *schema.Table
	fk     string
	base   string
	decode decodeFunc
}

// Foreign selects column from the table referenced by the base-table
// foreign key named relation.
func Foreign(relation, column string) ForeignField {
	return ForeignField{relation: relation, column: column}
}

func (f ForeignField) Decode(raw any) (any, error) {
	if f.decode == nil {
		return decodeRaw(raw)
	}
	return f.decode(raw)
}

func (f ForeignField) initialize(s *scope, name string) (Field, error) {
	fk, err := s.base.FindForeignKeyWithName(f.relation)
	if err != nil {
		return nil, err
	}
	target, err := s.catalog.Table(fk.References)
	if err != nil {
		return nil, err
	}
	col, ok := target.Column(f.column)
	if !ok {
		return nil, cerrors.NewSchemaError(cerrors.CodeUnknownColumn,
			fmt.Sprintf("foreign field %s: %s has no column %s", name, target.Name(), f.column))
	}
	f.name = name
	f.target = target
	f.fk = fk.Name
	f.base = s.baseAlias
	f.decode = decoderFor(kindForType(col.Type))
	return f, nil
}

func (f ForeignField) render(*renderer) string {
	alias := f.name + "_fk"
	return fmt.Sprintf("(SELECT %s.%s FROM %s AS %s WHERE %s.%s = %s.%s) AS %s",
		alias, f.column, f.target.Name(), alias,
		alias, f.target.PrimaryKey().Name, f.base, f.fk, f.name)
}

func (f ForeignField) groupKey() (string, bool) {
	return f.base + "." + f.fk, true
}

// RowArrayField aggregates every column of a joined alias into
// array_agg(DISTINCT ROW(...)) and decodes it to a list of dicts. It is the
// only field exempt from GROUP BY.
//
// The aggregate is cast to text: drivers negotiate anonymous record arrays
// in binary, and the row array parser reads the text form.
type RowArrayField struct {
	join string

	name   string
	names  []string
	decode decodeFunc
}

// RowArray aggregates the rows of the join declared under alias.
func RowArray(alias string) RowArrayField {
	return RowArrayField{join: alias}
}

func (f RowArrayField) Decode(raw any) (any, error) {
	if f.decode == nil {
		return nil, cerrors.NewSchemaError(cerrors.CodeFieldNamesMissing,
			"row array field "+f.join+" is not bound to a query")
	}
	return f.decode(raw)
}

func (f RowArrayField) initialize(s *scope, name string) (Field, error) {
	if f.join == s.baseAlias {
		return nil, cerrors.NewSchemaError(cerrors.CodeJoinNotDeclared,
			fmt.Sprintf("row array field %s must aggregate a join, not the base table", name))
	}
	src, err := s.source(f.join)
	if err != nil {
		return nil, err
	}
	if len(src.names) == 0 {
		return nil, cerrors.NewSchemaError(cerrors.CodeFieldNamesMissing,
			fmt.Sprintf("row array field %s: join %s has no columns", name, f.join))
	}
	f.name = name
	f.names = src.names
	f.decode = rowArrayDecoder(src.names, src.decoders)
	return f, nil
}

func (f RowArrayField) render(*renderer) string {
	cols := make([]string, len(f.names))
	for i, n := range f.names {
		cols[i] = f.join + "." + n
	}
	return "array_agg(DISTINCT ROW(" + strings.Join(cols, ", ") + "))::text AS " + f.name
}

func (f RowArrayField) groupKey() (string, bool) {
	return "", false
}

// Names returns the column names each aggregated row is zipped with.
func (f RowArrayField) Names() []string {
	return f.names
}

func unknownColumn(src *source, column string) error {
	return cerrors.NewSchemaError(cerrors.CodeUnknownColumn,
		fmt.Sprintf("%s (%s) has no column %s", src.alias, src.describe(), column))
}
