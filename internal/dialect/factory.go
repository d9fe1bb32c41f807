package dialect

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Registry maps database/sql driver names to dialects. It is built once at startup
// and passed to the components that need it.
type Registry struct {
	mu       sync.RWMutex
	dialects map[string]Dialect
}

// NewRegistry returns a registry with every built-in dialect and its driver aliases.
func NewRegistry() *Registry {
	r := &Registry{dialects: make(map[string]Dialect)}
	r.Register(&MysqlDialect{}, "mysql")
	r.Register(&PostgresDialect{}, "postgres", "postgresql", "pgx")
	r.Register(&PostgresDialect{name: "opengauss"}, "opengauss")
	r.Register(&MSSQLDialect{}, "sqlserver", "mssql")
	r.Register(&OracleDialect{}, "oracle")
	r.Register(&SqliteDialect{}, "sqlite", "sqlite3")
	return r
}

// Register adds d under each of the given driver names.
func (r *Registry) Register(d Dialect, drivers ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, name := range drivers {
		r.dialects[strings.ToLower(name)] = d
	}
}

// Get returns the dialect for a driver name.
func (r *Registry) Get(driver string) (Dialect, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if d, ok := r.dialects[strings.ToLower(driver)]; ok {
		return d, nil
	}
	return nil, fmt.Errorf("unsupported database driver %q", driver)
}

// Drivers lists the registered driver names.
func (r *Registry) Drivers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.dialects))
	for n := range r.dialects {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Ensure interface implementation
var _ Dialect = (*MysqlDialect)(nil)
var _ Dialect = (*PostgresDialect)(nil)
var _ Dialect = (*MSSQLDialect)(nil)
var _ Dialect = (*OracleDialect)(nil)
var _ Dialect = (*SqliteDialect)(nil)
