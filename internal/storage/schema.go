// TableSpec lives here so both the importer and the backend packages can use
// it without import cycles.
package storage

import "csvload/internal/schema"

// TableSpec describes a table to create from the shape of a coerced chunk.
type TableSpec struct {
	Name    string
	Columns []ColumnSpec

	// UniqueKey, when set, is created with a UNIQUE constraint so writes with
	// IgnoreConflicts skip rows whose key is already stored.
	UniqueKey string
}

// ColumnSpec is one column of a TableSpec. Backends map Kind to their own SQL type.
type ColumnSpec struct {
	Name string
	Kind schema.TypeKind
}

// SplitTable splits "schema.table" into its parts. An unqualified name
// returns defaultSchema.
func SplitTable(name, defaultSchema string) (string, string) {
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '.' {
			return name[:i], name[i+1:]
		}
	}
	return defaultSchema, name
}
