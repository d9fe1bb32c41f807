package importer

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"strconv"

	"db-pipe/internal/dialect"
	"db-pipe/internal/pipeline"
	"db-pipe/internal/record"
)

// Sink applies one batch atomically. Applying the same batch twice must leave the target as
// applying it once.
type Sink interface {
	Apply(ctx context.Context, batch []record.Record) error
}

// SQLSink applies batches in one database transaction: INSERT and UPDATE become upserts by key,
// DELETE deletes by key, PLACEHOLDER does nothing.
type SQLSink struct {
	db      *sql.DB
	dialect dialect.Dialect
	// target maps a record's table to the target table; nil keeps the name.
	target func(table string) string
}

func NewSQLSink(db *sql.DB, d dialect.Dialect, target func(table string) string) *SQLSink {
	return &SQLSink{db: db, dialect: d, target: target}
}

func (s *SQLSink) Apply(ctx context.Context, batch []record.Record) error {
	var rows []record.Record
	for _, r := range batch {
		if r.Type != record.Placeholder {
			rows = append(rows, r)
		}
	}
	if len(rows) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return pipeline.Transient(fmt.Errorf("begin apply transaction: %w", err))
	}
	defer tx.Rollback() //nolint:errcheck

	for _, r := range rows {
		if err := s.apply(ctx, tx, r); err != nil {
			return s.classify(batch, r, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return s.classify(batch, rows[len(rows)-1], err)
	}
	return nil
}

func (s *SQLSink) apply(ctx context.Context, tx *sql.Tx, r record.Record) error {
	if err := r.Validate(); err != nil {
		return err
	}
	table := r.Table
	if s.target != nil {
		table = s.target(table)
	}
	switch r.Type {
	case record.Insert:
		return s.upsert(ctx, tx, table, r.After, keyNames(r.After, nil))
	case record.Update:
		after := r.After.WithKeys(r.Before.Keys())
		keys := keyNames(after, r.Before)
		if r.KeyChanged() {
			if err := s.delete(ctx, tx, table, r.Before.Keys()); err != nil {
				return err
			}
		}
		return s.upsert(ctx, tx, table, after, keys)
	case record.Delete:
		return s.delete(ctx, tx, table, r.Before.Keys())
	}
	return nil
}

// keyNames returns the key columns of the after image, falling back to those of the before image.
func keyNames(after, before record.Row) []string {
	if keys := after.Keys(); len(keys) > 0 {
		return keys.Names()
	}
	return before.Keys().Names()
}

func (s *SQLSink) upsert(ctx context.Context, tx *sql.Tx, table string, row record.Row, keys []string) error {
	if len(keys) == 0 {
		return fmt.Errorf("no key columns to upsert into %s", table)
	}
	for _, k := range keys {
		if _, ok := row.Get(k); !ok {
			return fmt.Errorf("after image of %s lacks key column %s", table, k)
		}
	}
	_, err := tx.ExecContext(ctx, s.dialect.UpsertQuery(table, row.Names(), keys), args(row)...)
	return err
}

func (s *SQLSink) delete(ctx context.Context, tx *sql.Tx, table string, keys record.Row) error {
	_, err := tx.ExecContext(ctx, s.dialect.DeleteQuery(table, keys.Names()), args(keys)...)
	return err
}

func args(row record.Row) []any {
	out := make([]any, len(row))
	for i, c := range row {
		out[i] = sqlValue(c.Value)
	}
	return out
}

// sqlValue adapts decoded values database/sql cannot bind as they are.
func sqlValue(v any) any {
	switch x := v.(type) {
	case uint64:
		if x > math.MaxInt64 {
			return strconv.FormatUint(x, 10)
		}
		return int64(x)
	case float32:
		return float64(x)
	}
	return v
}

// classify keeps retryable errors as they are and turns everything else into a conflict
// naming the batch.
func (s *SQLSink) classify(batch []record.Record, failed record.Record, err error) error {
	if pipeline.IsTransient(err) {
		return err
	}
	return &pipeline.ApplyConflictError{
		Table: failed.Table,
		First: batch[0].Position,
		Last:  batch[len(batch)-1].Position,
		Err:   err,
	}
}
