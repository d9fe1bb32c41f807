// Package consistency compares a migrated table on source and target.
package consistency

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"db-pipe/internal/dialect"
)

const (
	Count      = "COUNT"
	CRC32Match = "CRC32_MATCH"
	DataMatch  = "DATA_MATCH"
)

// Side is one end of a comparison: a table reachable through a pool and its dialect.
type Side struct {
	DB      *sql.DB
	Dialect dialect.Dialect
	Table   string
}

// Scope names the compared columns and the unique key that orders rows.
type Scope struct {
	Columns []string
	Keys    []string
}

// Outcome is what an algorithm reports for one table.
type Outcome struct {
	SourceDigest string
	TargetDigest string
	Matched      bool
	MismatchKey  string
}

// Algorithm computes comparable digests for both sides of a table.
type Algorithm interface {
	Name() string
	// Supports reports whether the algorithm can compare tables living in these dialects.
	Supports(source, target dialect.Dialect) bool
	Compare(ctx context.Context, source, target Side, scope Scope) (Outcome, error)
}

// Registry holds the algorithms available to a job, keyed by upper-case name.
type Registry struct {
	algorithms map[string]Algorithm
}

// NewRegistry returns COUNT, CRC32_MATCH and DATA_MATCH.
func NewRegistry() *Registry {
	r := &Registry{algorithms: make(map[string]Algorithm)}
	r.Register(countAlgorithm{})
	r.Register(crc32Algorithm{})
	r.Register(&dataMatchAlgorithm{chunkSize: defaultChunkSize})
	return r
}

func (r *Registry) Register(a Algorithm) {
	r.algorithms[strings.ToUpper(a.Name())] = a
}

// Get returns the named algorithm; an empty name selects DATA_MATCH.
func (r *Registry) Get(name string) (Algorithm, error) {
	if name == "" {
		name = DataMatch
	}
	a, ok := r.algorithms[strings.ToUpper(name)]
	if !ok {
		return nil, fmt.Errorf("consistency: unknown algorithm %q (have %s)", name, strings.Join(r.Names(), ", "))
	}
	return a, nil
}

// Pick returns the named algorithm if it supports the dialect pair.
func (r *Registry) Pick(name string, source, target dialect.Dialect) (Algorithm, error) {
	a, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	if !a.Supports(source, target) {
		return nil, fmt.Errorf("consistency: %s cannot compare %s with %s", a.Name(), source.Name(), target.Name())
	}
	return a, nil
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.algorithms))
	for n := range r.algorithms {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func orderedSelect(d dialect.Dialect, table string, scope Scope) string {
	cols := make([]string, len(scope.Columns))
	for i, c := range scope.Columns {
		cols[i] = d.QuoteIdentifier(c)
	}
	keys := make([]string, len(scope.Keys))
	for i, k := range scope.Keys {
		keys[i] = d.QuoteIdentifier(k)
	}
	return fmt.Sprintf("SELECT %s FROM %s ORDER BY %s",
		strings.Join(cols, ", "), d.QuoteIdentifier(table), strings.Join(keys, ", "))
}
