package schema

import (
	"fmt"
	"strings"

	cerrors "github.com/cpdb/esindex/internal/errors"
)

// Verify checks that the database catalog have carries every table,
// column, primary key and foreign key declared in want. Column types are
// not compared and extra columns in have are ignored.
func Verify(want, have *Catalog) error {
	var problems []string
	for _, name := range want.Names() {
		declared := want.tables[name]
		actual, ok := have.tables[name]
		if !ok {
			problems = append(problems, "missing table "+name)
			continue
		}
		for _, c := range declared.columns {
			got, ok := actual.Column(c.Name)
			switch {
			case !ok:
				problems = append(problems, fmt.Sprintf("missing column %s.%s", name, c.Name))
			case c.PrimaryKey && !got.PrimaryKey:
				problems = append(problems, fmt.Sprintf("%s.%s is not the primary key", name, c.Name))
			case c.IsForeignKey() && got.References != c.References:
				problems = append(problems, fmt.Sprintf("%s.%s references %q, declared %s",
					name, c.Name, got.References, c.References))
			}
		}
	}
	if len(problems) == 0 {
		return nil
	}
	return cerrors.NewSchemaError(cerrors.CodeSchemaDrift,
		fmt.Sprintf("database schema differs from the declared catalog: %s", strings.Join(problems, "; "))).
		WithDetails(map[string]interface{}{"problems": problems})
}
