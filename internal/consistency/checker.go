package consistency

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"db-pipe/internal/dialect"
	"db-pipe/internal/schema"
)

// Result is the outcome of checking one table. It is advisory: a mismatch is reported,
// not returned as an error.
type Result struct {
	Table        string
	Algorithm    string
	SourceDigest string
	TargetDigest string
	Matched      bool
	// MismatchKey is the comma-joined key of the first differing row, when the algorithm can tell.
	MismatchKey string
	Duration    time.Duration
}

// Endpoint is a database taking part in a check.
type Endpoint struct {
	DB      *sql.DB
	Dialect dialect.Dialect
	// Loader resolves columns and keys for targets that do not name them.
	Loader schema.Loader
}

// Target names a logical table and where it lives on each side.
type Target struct {
	Table       string
	SourceTable string
	TargetTable string
	UniqueKeys  []string
	Columns     []string
}

type Checker struct {
	source    Endpoint
	target    Endpoint
	algorithm Algorithm
}

func NewChecker(source, target Endpoint, a Algorithm) *Checker {
	return &Checker{source: source, target: target, algorithm: a}
}

func (c *Checker) Algorithm() string { return c.algorithm.Name() }

// Check re-reads the table on both sides and compares their digests.
func (c *Checker) Check(ctx context.Context, t Target) (Result, error) {
	if t.SourceTable == "" {
		t.SourceTable = t.Table
	}
	if t.TargetTable == "" {
		t.TargetTable = t.Table
	}
	scope, err := c.scope(ctx, t)
	if err != nil {
		return Result{}, err
	}

	started := time.Now()
	out, err := c.algorithm.Compare(ctx,
		Side{DB: c.source.DB, Dialect: c.source.Dialect, Table: t.SourceTable},
		Side{DB: c.target.DB, Dialect: c.target.Dialect, Table: t.TargetTable},
		scope)
	if err != nil {
		return Result{}, fmt.Errorf("check %s with %s: %w", t.Table, c.algorithm.Name(), err)
	}
	res := Result{
		Table:        t.Table,
		Algorithm:    c.algorithm.Name(),
		SourceDigest: out.SourceDigest,
		TargetDigest: out.TargetDigest,
		Matched:      out.Matched,
		MismatchKey:  out.MismatchKey,
		Duration:     time.Since(started),
	}

	ev := log.Info()
	if !res.Matched {
		ev = log.Warn().Str("mismatch_key", res.MismatchKey)
	}
	ev.Str("table", res.Table).Str("algorithm", res.Algorithm).
		Str("source", res.SourceDigest).Str("target", res.TargetDigest).
		Bool("matched", res.Matched).Msg("consistency check")
	return res, nil
}

func (c *Checker) scope(ctx context.Context, t Target) (Scope, error) {
	scope := Scope{Columns: t.Columns, Keys: t.UniqueKeys}
	if len(scope.Columns) > 0 && len(scope.Keys) > 0 {
		return scope, nil
	}
	if c.source.Loader == nil {
		return Scope{}, fmt.Errorf("check %s: columns and unique keys are required without a schema loader", t.Table)
	}
	meta, err := c.source.Loader.Table(ctx, t.SourceTable)
	if err != nil {
		return Scope{}, fmt.Errorf("check %s: %w", t.Table, err)
	}
	if len(scope.Columns) == 0 {
		scope.Columns = meta.ColumnNames()
	}
	if len(scope.Keys) == 0 {
		scope.Keys = meta.KeyNames()
	}
	if len(scope.Keys) == 0 {
		return Scope{}, fmt.Errorf("check %s: table has no unique key", t.Table)
	}
	return scope, nil
}
