package schema

import "strings"

type Table struct {
	Name         string
	Columns      []*Column
	ForeignKeys  []*ForeignKey
	Dependencies []string // referenced tables, for ordering
}

type Column struct {
	Name       string
	DataType   string // normalized by the dialect
	ColumnType string // raw type as reported by the database
	Length     int
	IsNullable bool
	IsPK       bool
	IsAutoInc  bool
	IsUnique   bool
	IsUnsigned bool
	Comment    string
}

type ForeignKey struct {
	Column    string
	RefTable  string
	RefColumn string
}

// Column returns the named column, matching case-insensitively.
func (t *Table) Column(name string) *Column {
	for _, c := range t.Columns {
		if strings.EqualFold(c.Name, name) {
			return c
		}
	}
	return nil
}

// KeyColumns returns the primary key columns, falling back to the unique columns
// for tables without a primary key.
func (t *Table) KeyColumns() []*Column {
	var keys, unique []*Column
	for _, c := range t.Columns {
		if c.IsPK {
			keys = append(keys, c)
		} else if c.IsUnique && !c.IsNullable {
			unique = append(unique, c)
		}
	}
	if len(keys) > 0 {
		return keys
	}
	if len(unique) > 0 {
		return unique[:1]
	}
	return nil
}

func (t *Table) KeyNames() []string {
	keys := t.KeyColumns()
	names := make([]string, len(keys))
	for i, c := range keys {
		names[i] = c.Name
	}
	return names
}

func (t *Table) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// IsIntegerKey reports whether the table has a single integer key column,
// which is the precondition for range splitting.
func (t *Table) IsIntegerKey() bool {
	keys := t.KeyColumns()
	if len(keys) != 1 {
		return false
	}
	dt := strings.ToLower(keys[0].DataType)
	return strings.Contains(dt, "int") || dt == "number" || dt == "integer"
}

// ColumnDef is the per-column metadata a binary row decoder needs.
type ColumnDef struct {
	Name     string
	TypeCode byte
	Meta     uint16
	Unsigned bool
	Key      bool
	Nullable bool
}
