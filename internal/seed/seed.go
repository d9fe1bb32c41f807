// Package seed fills source tables with fake rows for rehearsing a migration.
package seed

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/rs/zerolog/log"

	"db-pipe/internal/dialect"
	"db-pipe/internal/schema"
)

type Result struct {
	Table     string
	Requested int
	Inserted  int
	Err       error
}

type Seeder struct {
	db      *sql.DB
	dialect dialect.Dialect
	faker   *gofakeit.Faker
	// keys of already seeded tables, for foreign key columns of their children
	pool map[string][]any
}

// New returns a seeder. The same seed produces the same rows.
func New(db *sql.DB, d dialect.Dialect, seed int64) *Seeder {
	return &Seeder{db: db, dialect: d, faker: gofakeit.New(seed), pool: make(map[string][]any)}
}

// Fill inserts count rows into each table. Tables must be in dependency order, as
// schema.Analyze returns them. onRow is called after every inserted row.
func (s *Seeder) Fill(ctx context.Context, tables []*schema.Table, count int, onRow func()) ([]Result, error) {
	results := make([]Result, 0, len(tables))
	for _, t := range tables {
		res := Result{Table: t.Name, Requested: count}
		res.Inserted, res.Err = s.fillTable(ctx, t, count, onRow)
		if res.Err != nil {
			if ctx.Err() != nil {
				return results, ctx.Err()
			}
			log.Warn().Err(res.Err).Str("table", t.Name).Int("inserted", res.Inserted).Msg("seeding incomplete")
		}
		results = append(results, res)
		if err := s.collectKeys(ctx, t); err != nil {
			log.Debug().Err(err).Str("table", t.Name).Msg("collect keys for children")
		}
	}
	return results, nil
}

func (s *Seeder) fillTable(ctx context.Context, t *schema.Table, count int, onRow func()) (int, error) {
	var cols []*schema.Column
	var names []string
	for _, c := range t.Columns {
		if !c.IsAutoInc {
			cols = append(cols, c)
			names = append(names, c.Name)
		}
	}
	if len(cols) == 0 {
		return 0, fmt.Errorf("no insertable columns")
	}

	next, err := s.nextKeys(ctx, t, cols)
	if err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	if err := s.dialect.DisableConstraints(tx); err != nil {
		log.Debug().Err(err).Str("table", t.Name).Msg("disable constraints")
	}

	query := s.dialect.InsertQuery(t.Name, names)
	seen := make(map[string]bool)
	unique := make(map[string]map[any]bool)
	inserted, attempts := 0, 0
	var lastErr error
	for inserted < count && attempts < count*10 {
		attempts++
		row := s.row(t, cols, next, attempts)
		if k := rowKey(cols, row); k != "" {
			if seen[k] {
				continue
			}
			seen[k] = true
		}
		if duplicate(cols, row, unique) {
			continue
		}
		if _, err := tx.ExecContext(ctx, query, row...); err != nil {
			if ctx.Err() != nil {
				return inserted, ctx.Err()
			}
			lastErr = err
			continue
		}
		inserted++
		if onRow != nil {
			onRow()
		}
	}

	if err := s.dialect.EnableConstraints(tx); err != nil {
		log.Debug().Err(err).Str("table", t.Name).Msg("enable constraints")
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit %s: %w", t.Name, err)
	}
	if inserted < count && lastErr != nil {
		return inserted, fmt.Errorf("inserted %d of %d rows: %w", inserted, count, lastErr)
	}
	return inserted, nil
}

// nextKeys returns the first free value of every integer primary key column that is
// not generated by the database.
func (s *Seeder) nextKeys(ctx context.Context, t *schema.Table, cols []*schema.Column) (map[string]int64, error) {
	next := make(map[string]int64)
	for _, c := range cols {
		if !c.IsPK || !isInteger(c.DataType) || s.foreignKey(t, c) != nil {
			continue
		}
		var hi sql.NullInt64
		q := fmt.Sprintf("SELECT MAX(%s) FROM %s", s.dialect.QuoteIdentifier(c.Name), s.dialect.QuoteIdentifier(t.Name))
		if err := s.db.QueryRowContext(ctx, q).Scan(&hi); err != nil {
			return nil, fmt.Errorf("max key of %s: %w", t.Name, err)
		}
		next[c.Name] = hi.Int64 + 1
	}
	return next, nil
}

func (s *Seeder) row(t *schema.Table, cols []*schema.Column, next map[string]int64, attempt int) []any {
	row := make([]any, len(cols))
	for i, c := range cols {
		if fk := s.foreignKey(t, c); fk != nil {
			row[i] = s.reference(c, fk, attempt)
			continue
		}
		if n, ok := next[c.Name]; ok && n <= intMax(c.DataType) {
			row[i] = n
			next[c.Name] = n + 1
			continue
		}
		row[i] = value(s.faker, c)
	}
	return row
}

func (s *Seeder) foreignKey(t *schema.Table, c *schema.Column) *schema.ForeignKey {
	for _, fk := range t.ForeignKeys {
		if strings.EqualFold(fk.Column, c.Name) {
			return fk
		}
	}
	return nil
}

// reference picks a key of the referenced table. Unique columns walk the pool in order
// so children do not collide.
func (s *Seeder) reference(c *schema.Column, fk *schema.ForeignKey, attempt int) any {
	keys := s.pool[strings.ToUpper(fk.RefTable)]
	if len(keys) == 0 {
		if c.IsNullable {
			return nil
		}
		// the referenced table is part of a cycle and not seeded yet
		return int64(1)
	}
	if c.IsUnique || c.IsPK {
		return keys[attempt%len(keys)]
	}
	return keys[s.faker.Number(0, len(keys)-1)]
}

func (s *Seeder) collectKeys(ctx context.Context, t *schema.Table) error {
	keys := t.KeyNames()
	if len(keys) != 1 {
		return nil
	}
	q := fmt.Sprintf("SELECT %s FROM %s", s.dialect.QuoteIdentifier(keys[0]), s.dialect.QuoteIdentifier(t.Name))
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return err
	}
	defer rows.Close()
	var pool []any
	for rows.Next() {
		var v any
		if err := rows.Scan(&v); err != nil {
			return err
		}
		if b, ok := v.([]byte); ok {
			v = string(b)
		}
		pool = append(pool, v)
	}
	s.pool[strings.ToUpper(t.Name)] = pool
	return rows.Err()
}

// rowKey renders the primary key values of a row, or "" for tables without one.
func rowKey(cols []*schema.Column, row []any) string {
	var parts []string
	for i, c := range cols {
		if c.IsPK {
			parts = append(parts, fmt.Sprint(row[i]))
		}
	}
	return strings.Join(parts, "|")
}

// duplicate reports whether row repeats a value of a unique column and records its values otherwise.
func duplicate(cols []*schema.Column, row []any, used map[string]map[any]bool) bool {
	for i, c := range cols {
		if c.IsUnique && !c.IsPK && used[c.Name][key(row[i])] {
			return true
		}
	}
	for i, c := range cols {
		if c.IsUnique && !c.IsPK {
			if used[c.Name] == nil {
				used[c.Name] = make(map[any]bool)
			}
			used[c.Name][key(row[i])] = true
		}
	}
	return false
}

func key(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}
