package schema

import "strings"

// TableMapper translates between logical table names (what the job migrates and the
// target receives) and actual source table names (what the change stream reports).
type TableMapper struct {
	toActual  map[string]string
	qualified map[string]string
	// bare resolves schema-less stream names; anySchema holds actuals whose schema is unknown
	bare      map[string]string
	anySchema map[string]string
	logicals  []string
}

// NewTableMapper builds a mapper for the logical tables in scope. mapping overrides the
// actual name of a logical table; unmapped tables map to themselves. Unqualified actual
// names belong to sourceSchema; an empty sourceSchema leaves them matching any schema.
func NewTableMapper(sourceSchema string, tables []string, mapping map[string]string) *TableMapper {
	m := &TableMapper{
		toActual:  make(map[string]string, len(tables)),
		qualified: make(map[string]string, len(tables)),
		bare:      make(map[string]string, len(tables)),
		anySchema: make(map[string]string),
	}
	for _, logical := range tables {
		actual := logical
		for k, v := range mapping {
			if strings.EqualFold(k, logical) {
				actual = v
			}
		}
		m.logicals = append(m.logicals, logical)
		m.toActual[strings.ToLower(logical)] = actual

		name := strings.ToLower(unqualified(actual))
		m.bare[name] = logical
		switch {
		case strings.Contains(actual, "."):
			m.qualified[strings.ToLower(actual)] = logical
		case sourceSchema != "":
			m.qualified[strings.ToLower(sourceSchema)+"."+name] = logical
		default:
			m.anySchema[name] = logical
		}
	}
	return m
}

// Actual returns the source table for a logical table.
func (m *TableMapper) Actual(logical string) string {
	if a, ok := m.toActual[strings.ToLower(logical)]; ok {
		return a
	}
	return logical
}

// Logical resolves a source table name. A schema-qualified name must match the qualified
// actual name, so a same-named table in another schema stays out of the job. ok is false
// for tables outside the job.
func (m *TableMapper) Logical(actual string) (string, bool) {
	name := strings.ToLower(actual)
	if !strings.Contains(name, ".") {
		l, ok := m.bare[name]
		return l, ok
	}
	if l, ok := m.qualified[name]; ok {
		return l, true
	}
	l, ok := m.anySchema[unqualified(name)]
	return l, ok
}

// Logicals returns the logical tables in scope, in configuration order.
func (m *TableMapper) Logicals() []string {
	return append([]string(nil), m.logicals...)
}
