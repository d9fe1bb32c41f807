package schema

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	"db-pipe/internal/dialect"
)

var ErrTableNotFound = errors.New("schema: table not found")

// Loader supplies table metadata by actual table name.
type Loader interface {
	Table(ctx context.Context, name string) (*Table, error)
}

// DBLoader analyzes a live schema on first use and caches the result.
type DBLoader struct {
	db      *sql.DB
	dialect dialect.Dialect
	schema  string

	mu     sync.Mutex
	tables map[string]*Table
	order  []*Table
}

func NewDBLoader(db *sql.DB, d dialect.Dialect, schemaName string) *DBLoader {
	return &DBLoader{db: db, dialect: d, schema: schemaName}
}

func (l *DBLoader) load(ctx context.Context) error {
	tables, err := Analyze(ctx, l.db, l.dialect, l.schema)
	if err != nil {
		return err
	}
	l.order = tables
	l.tables = make(map[string]*Table, len(tables))
	for _, t := range tables {
		l.tables[strings.ToUpper(t.Name)] = t
	}
	return nil
}

// Table returns metadata for name. A cache miss triggers one re-analysis so tables
// created after startup are found.
func (l *DBLoader) Table(ctx context.Context, name string) (*Table, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := strings.ToUpper(unqualified(name))
	if l.tables != nil {
		if t, ok := l.tables[key]; ok {
			return t, nil
		}
	}
	if err := l.load(ctx); err != nil {
		return nil, err
	}
	if t, ok := l.tables[key]; ok {
		return t, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrTableNotFound, name)
}

// Tables returns every table in dependency order.
func (l *DBLoader) Tables(ctx context.Context) ([]*Table, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.tables == nil {
		if err := l.load(ctx); err != nil {
			return nil, err
		}
	}
	return l.order, nil
}

// Invalidate drops the cache, e.g. after DDL was observed in the change stream.
func (l *DBLoader) Invalidate() {
	l.mu.Lock()
	l.tables = nil
	l.order = nil
	l.mu.Unlock()
}

// StaticLoader serves fixed metadata.
type StaticLoader map[string]*Table

func NewStaticLoader(tables ...*Table) StaticLoader {
	l := make(StaticLoader, len(tables))
	for _, t := range tables {
		l[strings.ToUpper(t.Name)] = t
	}
	return l
}

func (l StaticLoader) Table(_ context.Context, name string) (*Table, error) {
	if t, ok := l[strings.ToUpper(unqualified(name))]; ok {
		return t, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrTableNotFound, name)
}

func unqualified(name string) string {
	if i := strings.LastIndex(name, "."); i >= 0 {
		return name[i+1:]
	}
	return name
}
