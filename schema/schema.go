// Package schema holds the immutable catalog types that describe where a
// channel writes and what its rows look like: SchemaObjectCoords,
// ColumnSpec, and TableSchema from the data model.
package schema

import "fmt"

// ColumnType enumerates the service's column semantic types.
type ColumnType string

// The column types supported by the service.
const (
	Number        ColumnType = "NUMBER"
	Boolean       ColumnType = "BOOLEAN"
	Varchar       ColumnType = "VARCHAR"
	Binary        ColumnType = "BINARY"
	Variant       ColumnType = "VARIANT"
	Date          ColumnType = "DATE"
	Time          ColumnType = "TIME"
	TimestampNTZ  ColumnType = "TIMESTAMP_NTZ"
	TimestampLTZ  ColumnType = "TIMESTAMP_LTZ"
	TimestampTZ   ColumnType = "TIMESTAMP_TZ"
)

// SchemaObjectCoords identifies a table, pipe, or channel in the service's
// catalog. It is immutable once constructed.
type SchemaObjectCoords struct {
	Database string
	Schema   string
	Name     string
}

// Validate reports whether all three coordinates are non-empty.
func (c SchemaObjectCoords) Validate() error {
	if c.Database == "" || c.Schema == "" || c.Name == "" {
		return fmt.Errorf("schema object coords incomplete: database=%q schema=%q name=%q", c.Database, c.Schema, c.Name)
	}
	return nil
}

// String renders the coordinates as database.schema.name, mostly for logs.
func (c SchemaObjectCoords) String() string {
	return fmt.Sprintf("%s.%s.%s", c.Database, c.Schema, c.Name)
}

// ColumnSpec describes one column of a TableSchema. Precision/Scale/Length
// are optional and their zero value means "unset" for that column.
type ColumnSpec struct {
	Name string
	Type ColumnType

	// Precision and Scale apply to Number columns. Scale rounds;
	// Precision bounds the integer-digit count.
	Precision int
	Scale     int
	HasScale  bool

	// Length bounds a Varchar column's rendered length, when set.
	Length    int
	HasLength bool
}

// TableSchema is the immutable column map a channel validates and
// normalizes rows against, plus the coordinates of the table it targets.
type TableSchema struct {
	Table   SchemaObjectCoords
	Columns map[string]ColumnSpec
}

// NewTableSchema builds a TableSchema from a column slice, indexing columns
// by name (case-sensitive, matching producer row keys exactly).
func NewTableSchema(table SchemaObjectCoords, columns []ColumnSpec) TableSchema {
	m := make(map[string]ColumnSpec, len(columns))
	for _, c := range columns {
		m[c.Name] = c
	}
	return TableSchema{Table: table, Columns: m}
}

// Lookup returns the ColumnSpec for name and whether it exists.
func (t TableSchema) Lookup(name string) (ColumnSpec, bool) {
	c, ok := t.Columns[name]
	return c, ok
}
