package ingest

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"db-pipe/internal/dialect"
	"db-pipe/internal/pipeline"
	"db-pipe/internal/position"
	"db-pipe/internal/record"
	"db-pipe/internal/schema"
)

// InventoryConfig describes one key range of one table to snapshot.
type InventoryConfig struct {
	// Table is the logical name records carry; SourceTable is the table actually read.
	Table       string
	SourceTable string
	Columns     []string
	// Key is the single ordered key column the range is defined on.
	Key       string
	Range     position.PrimaryKeyRange
	BatchSize int
}

// InventoryDumper pages through a key range of a source table, emitting one INSERT per row.
type InventoryDumper struct {
	cfg     InventoryConfig
	db      *sql.DB
	dialect dialect.Dialect
	out     *pipeline.Channel
	retryer pipeline.Retryer
	stopped atomic.Bool
}

func NewInventoryDumper(cfg InventoryConfig, db *sql.DB, d dialect.Dialect, out *pipeline.Channel, r pipeline.Retryer) *InventoryDumper {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1000
	}
	if cfg.SourceTable == "" {
		cfg.SourceTable = cfg.Table
	}
	return &InventoryDumper{cfg: cfg, db: db, dialect: d, out: out, retryer: r}
}

// Run dumps from the persisted position: a key range resumes after its lower bound,
// Finished returns at once and anything else starts the configured range from the beginning.
func (d *InventoryDumper) Run(ctx context.Context, from position.Position) error {
	rng := d.cfg.Range
	switch p := from.(type) {
	case position.Finished:
		log.Info().Str("table", d.cfg.Table).Msg("inventory range already finished")
		return nil
	case position.PrimaryKeyRange:
		rng = p
	}

	lower := rng.Lower
	total := 0
	for !d.stopped.Load() {
		var page []record.Record
		query, args := d.pageQuery(lower, rng.Upper)
		err := pipeline.Retry(ctx, d.retryer, "inventory read "+d.cfg.SourceTable, func(ctx context.Context) error {
			var err error
			page, err = d.readPage(ctx, query, args, rng)
			return err
		})
		if err != nil {
			return fmt.Errorf("inventory %s %v: %w", d.cfg.SourceTable, rng, err)
		}
		// rows are fully read, so no pooled connection is held while the channel blocks
		if err := d.out.Push(ctx, page...); err != nil {
			return err
		}
		total += len(page)
		if len(page) < d.cfg.BatchSize {
			log.Debug().Str("table", d.cfg.Table).Stringer("range", rng).Int("rows", total).Msg("inventory range finished")
			return d.out.Push(ctx, record.NewPlaceholder(position.Finished{}))
		}
		last, _ := page[len(page)-1].Position.(position.PrimaryKeyRange)
		lower = last.Lower
	}
	return nil
}

func (d *InventoryDumper) Stop() {
	d.stopped.Store(true)
}

// pageQuery renders SELECT ... WHERE key > ? AND key <= ? ORDER BY key with the dialect's row limit.
// A nil bound drops its condition.
func (d *InventoryDumper) pageQuery(lower, upper any) (string, []any) {
	cols := make([]string, len(d.cfg.Columns))
	for i, c := range d.cfg.Columns {
		cols[i] = d.dialect.QuoteIdentifier(c)
	}
	key := d.dialect.QuoteIdentifier(d.cfg.Key)
	var conds []string
	var args []any
	if lower != nil {
		conds = append(conds, fmt.Sprintf("%s > %s", key, d.dialect.Placeholder(len(args))))
		args = append(args, lower)
	}
	if upper != nil {
		conds = append(conds, fmt.Sprintf("%s <= %s", key, d.dialect.Placeholder(len(args))))
		args = append(args, upper)
	}
	q := fmt.Sprintf("SELECT %s FROM %s", strings.Join(cols, ", "), d.dialect.QuoteIdentifier(d.cfg.SourceTable))
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY " + key
	return d.dialect.GetLimitRowQuery(q, d.cfg.BatchSize), args
}

func (d *InventoryDumper) readPage(ctx context.Context, query string, args []any, rng position.PrimaryKeyRange) ([]record.Record, error) {
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	keyIdx := -1
	for i, c := range d.cfg.Columns {
		if strings.EqualFold(c, d.cfg.Key) {
			keyIdx = i
		}
	}
	if keyIdx < 0 {
		return nil, fmt.Errorf("key column %s is not selected", d.cfg.Key)
	}

	page := make([]record.Record, 0, d.cfg.BatchSize)
	for rows.Next() {
		values := make([]any, len(d.cfg.Columns))
		ptrs := make([]any, len(values))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(record.Row, len(values))
		for i, v := range values {
			if b, ok := v.([]byte); ok {
				// drivers reuse scan buffers
				v = append([]byte(nil), b...)
			}
			row[i] = record.Column{Name: d.cfg.Columns[i], Value: v, Key: i == keyIdx}
		}
		key, err := keyBound(rng.Type, values[keyIdx])
		if err != nil {
			return nil, err
		}
		page = append(page, record.Record{
			Type:     record.Insert,
			Table:    d.cfg.Table,
			After:    row,
			Position: rng.WithLower(key),
		})
	}
	return page, rows.Err()
}

// keyBound normalizes a scanned key value to the range's bound type.
func keyBound(t position.KeyType, v any) (any, error) {
	if t == position.StringKey {
		switch k := v.(type) {
		case string:
			return k, nil
		case []byte:
			return string(k), nil
		}
		return fmt.Sprint(v), nil
	}
	switch k := v.(type) {
	case int64:
		return k, nil
	case int32:
		return int64(k), nil
	case int:
		return int64(k), nil
	case uint64:
		return int64(k), nil
	case []byte:
		var n int64
		if _, err := fmt.Sscan(string(k), &n); err != nil {
			return nil, fmt.Errorf("integer key %q: %w", k, err)
		}
		return n, nil
	case string:
		var n int64
		if _, err := fmt.Sscan(k, &n); err != nil {
			return nil, fmt.Errorf("integer key %q: %w", k, err)
		}
		return n, nil
	}
	return nil, fmt.Errorf("unsupported integer key type %T", v)
}

// SplitRanges cuts the integer key space of table into (lo, hi] shards of about shardSize keys.
// Tables without a single integer key, or with fewer rows than shardSize, get one unbounded range.
func SplitRanges(ctx context.Context, db *sql.DB, d dialect.Dialect, table *schema.Table, sourceTable string, shardSize int64) ([]position.PrimaryKeyRange, error) {
	keys := table.KeyColumns()
	if len(keys) == 0 {
		return nil, fmt.Errorf("table %s has no primary or unique key", table.Name)
	}
	if !table.IsIntegerKey() {
		return []position.PrimaryKeyRange{{Type: position.StringKey}}, nil
	}
	whole := []position.PrimaryKeyRange{{Type: position.IntegerKey}}
	if shardSize <= 0 {
		return whole, nil
	}

	key := d.QuoteIdentifier(keys[0].Name)
	q := fmt.Sprintf("SELECT MIN(%s), MAX(%s) FROM %s", key, key, d.QuoteIdentifier(sourceTable))
	var lo, hi sql.NullInt64
	if err := db.QueryRowContext(ctx, q).Scan(&lo, &hi); err != nil {
		return nil, fmt.Errorf("key bounds of %s: %w", sourceTable, err)
	}
	if !lo.Valid || hi.Int64-lo.Int64 < shardSize {
		return whole, nil
	}

	var ranges []position.PrimaryKeyRange
	var lower *int64
	for start := lo.Int64 - 1; start < hi.Int64; start += shardSize {
		u := start + shardSize
		if u >= hi.Int64 {
			// the last shard stays open so rows inserted during the snapshot are not lost
			ranges = append(ranges, position.IntRange(lower, nil))
			break
		}
		ranges = append(ranges, position.IntRange(lower, &u))
		lower = &u
	}
	return ranges, nil
}
