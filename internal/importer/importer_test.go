package importer_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"db-pipe/internal/dialect"
	"db-pipe/internal/importer"
	"db-pipe/internal/pipeline"
	"db-pipe/internal/position"
	"db-pipe/internal/record"
)

func openTarget(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "target.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	db.SetMaxOpenConns(1)
	_, err = db.Exec(`CREATE TABLE t_order (order_id INTEGER PRIMARY KEY, status TEXT, amount TEXT)`)
	require.NoError(t, err)
	return db
}

type orderRow struct {
	ID     int64
	Status string
}

func orders(t *testing.T, db *sql.DB) []orderRow {
	t.Helper()
	rows, err := db.Query(`SELECT order_id, status FROM t_order ORDER BY order_id`)
	require.NoError(t, err)
	defer rows.Close()
	var out []orderRow
	for rows.Next() {
		var r orderRow
		require.NoError(t, rows.Scan(&r.ID, &r.Status))
		out = append(out, r)
	}
	require.NoError(t, rows.Err())
	return out
}

func lsn(v uint64) position.Position { return position.LSN{Value: v} }

func insert(id int64, status string, pos uint64) record.Record {
	return record.Record{Type: record.Insert, Table: "t_order", Position: lsn(pos), After: record.Row{
		{Name: "order_id", Value: id, Key: true},
		{Name: "status", Value: status},
		{Name: "amount", Value: decimal.RequireFromString("10.50")},
	}}
}

func update(oldID, newID int64, status string, pos uint64) record.Record {
	return record.Record{Type: record.Update, Table: "t_order", Position: lsn(pos),
		Before: record.Row{{Name: "order_id", Value: oldID, Key: true}},
		After: record.Row{
			{Name: "order_id", Value: newID, Key: true},
			{Name: "status", Value: status},
		}}
}

func remove(id int64, pos uint64) record.Record {
	return record.Record{Type: record.Delete, Table: "t_order", Position: lsn(pos),
		Before: record.Row{{Name: "order_id", Value: id, Key: true}}}
}

func TestSQLSinkApplyIsIdempotent(t *testing.T) {
	db := openTarget(t)
	sink := importer.NewSQLSink(db, &dialect.SqliteDialect{}, nil)
	batch := []record.Record{
		insert(1, "new", 1),
		insert(2, "new", 2),
		update(1, 1, "paid", 3),
		update(2, 20, "moved", 4),
		insert(3, "new", 5),
		remove(3, 6),
		record.NewPlaceholder(lsn(7)),
	}

	require.NoError(t, sink.Apply(context.Background(), batch))
	once := orders(t, db)
	require.NoError(t, sink.Apply(context.Background(), batch))
	assert.Equal(t, once, orders(t, db))
	assert.Equal(t, []orderRow{{1, "paid"}, {20, "moved"}}, once)

	var amount string
	require.NoError(t, db.QueryRow(`SELECT amount FROM t_order WHERE order_id = 1`).Scan(&amount))
	assert.Equal(t, "10.5", amount)
}

func TestSQLSinkAppliesPartialUpdateImage(t *testing.T) {
	db := openTarget(t)
	sink := importer.NewSQLSink(db, &dialect.SqliteDialect{}, nil)
	// a minimal row image logs only the changed columns after the update
	partial := record.Record{Type: record.Update, Table: "t_order", Position: lsn(2),
		Before: record.Row{{Name: "order_id", Value: int64(1), Key: true}},
		After:  record.Row{{Name: "status", Value: "paid"}},
	}

	require.NoError(t, sink.Apply(context.Background(), []record.Record{insert(1, "new", 1), partial}))
	assert.Equal(t, []orderRow{{1, "paid"}}, orders(t, db))

	var amount string
	require.NoError(t, db.QueryRow(`SELECT amount FROM t_order WHERE order_id = 1`).Scan(&amount))
	assert.Equal(t, "10.5", amount)
}

func TestSQLSinkConflictNamesBatch(t *testing.T) {
	db := openTarget(t)
	sink := importer.NewSQLSink(db, &dialect.SqliteDialect{}, func(string) string { return "t_missing" })

	err := sink.Apply(context.Background(), []record.Record{insert(1, "a", 10), insert(2, "b", 11)})
	var ce *pipeline.ApplyConflictError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "t_order", ce.Table)
	assert.Equal(t, lsn(10), ce.First)
	assert.Equal(t, lsn(11), ce.Last)
	assert.False(t, pipeline.IsTransient(err))
}

type ack struct {
	last    position.Position
	applied int
}

func TestImporterAppliesInOrderAndAcknowledges(t *testing.T) {
	db := openTarget(t)
	ch := pipeline.NewChannel(100)
	var mu sync.Mutex
	var acks []ack
	im := importer.New(importer.Config{BatchSize: 2, Window: 10 * time.Millisecond}, ch,
		importer.NewSQLSink(db, &dialect.SqliteDialect{}, nil),
		pipeline.NewFixedDelayRetryer(time.Millisecond, 3),
		func(_ context.Context, last position.Position, applied int) error {
			mu.Lock()
			acks = append(acks, ack{last, applied})
			mu.Unlock()
			return nil
		})

	require.NoError(t, ch.Push(context.Background(),
		insert(1, "new", 1),
		update(1, 1, "paid", 2),
		remove(1, 3),
		record.NewPlaceholder(lsn(4)),
	))
	ch.Close()
	require.NoError(t, im.Run(context.Background()))

	assert.Empty(t, orders(t, db))
	assert.Equal(t, []ack{{lsn(2), 2}, {lsn(4), 1}}, acks)
}

type flakySink struct {
	failures int
	calls    int
}

func (s *flakySink) Apply(context.Context, []record.Record) error {
	s.calls++
	if s.calls <= s.failures {
		return pipeline.Transient(sql.ErrConnDone)
	}
	return nil
}

func TestImporterRetriesTransientErrors(t *testing.T) {
	ch := pipeline.NewChannel(1)
	sink := &flakySink{failures: 2}
	im := importer.New(importer.Config{BatchSize: 1}, ch, sink, pipeline.NewFixedDelayRetryer(time.Millisecond, 5), nil)
	require.NoError(t, ch.Push(context.Background(), insert(1, "a", 1)))
	ch.Close()
	require.NoError(t, im.Run(context.Background()))
	assert.Equal(t, 3, sink.calls)

	ch = pipeline.NewChannel(1)
	sink = &flakySink{failures: 10}
	im = importer.New(importer.Config{BatchSize: 1}, ch, sink, pipeline.NewFixedDelayRetryer(time.Millisecond, 2), nil)
	require.NoError(t, ch.Push(context.Background(), insert(1, "a", 1)))
	ch.Close()
	err := im.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, sql.ErrConnDone)
	assert.Equal(t, 3, sink.calls)
}

func TestImporterStopsOnConflict(t *testing.T) {
	db := openTarget(t)
	ch := pipeline.NewChannel(10)
	acked := false
	im := importer.New(importer.Config{BatchSize: 10, Window: time.Millisecond}, ch,
		importer.NewSQLSink(db, &dialect.SqliteDialect{}, func(string) string { return "t_missing" }),
		pipeline.NewFixedDelayRetryer(time.Millisecond, 3),
		func(context.Context, position.Position, int) error { acked = true; return nil })
	require.NoError(t, ch.Push(context.Background(), insert(1, "a", 1)))
	ch.Close()

	err := im.Run(context.Background())
	var ce *pipeline.ApplyConflictError
	require.ErrorAs(t, err, &ce)
	assert.False(t, acked)
}
