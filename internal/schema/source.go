// Package schema describes the sources tycostream serves and decodes the
// raw wire text produced by the upstream database into Go values.
package schema

// Column is one field of a source, in upstream declaration order.
type Column struct {
	Name string
	Type string
}

// SourceDefinition describes one upstream materialized view: its name, the
// primary key column, and the ordered column list. Instances are immutable
// after load.
type SourceDefinition struct {
	Name       string
	PrimaryKey string
	Columns    []Column
}

// FieldNames returns all column names in declaration order.
func (s *SourceDefinition) FieldNames() []string {
	names := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		names[i] = c.Name
	}
	return names
}

// ColumnType returns the SQL type of the named column, or "" if the column
// is not part of the source.
func (s *SourceDefinition) ColumnType(name string) string {
	for _, c := range s.Columns {
		if c.Name == name {
			return c.Type
		}
	}
	return ""
}

// Row is a decoded upstream row keyed by column name. Rows are immutable
// once published downstream.
type Row = map[string]any
