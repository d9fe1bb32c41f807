package job_test

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"db-pipe/internal/capture"
	"db-pipe/internal/checkpoint"
	"db-pipe/internal/consistency"
	"db-pipe/internal/dialect"
	"db-pipe/internal/ingest"
	"db-pipe/internal/job"
	"db-pipe/internal/position"
	"db-pipe/internal/task"
	"db-pipe/internal/wal"
)

func openDB(t *testing.T, name string, rows int) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), name))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	db.SetMaxOpenConns(1)
	_, err = db.Exec(`CREATE TABLE t_order (order_id INTEGER PRIMARY KEY, status TEXT NOT NULL)`)
	require.NoError(t, err)
	for i := 1; i <= rows; i++ {
		_, err := db.Exec(`INSERT INTO t_order VALUES (?, ?)`, i, fmt.Sprintf("s%d", i))
		require.NoError(t, err)
	}
	return db
}

func database(db *sql.DB) job.Database {
	return job.Database{Driver: "sqlite", DB: db, Dialect: &dialect.SqliteDialect{}}
}

func count(t *testing.T, db *sql.DB) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM t_order`).Scan(&n))
	return n
}

func TestInventoryJobCopiesShardsAndChecks(t *testing.T) {
	source, target := openDB(t, "source.db", 100), openDB(t, "target.db", 0)
	store := checkpoint.NewFileStore(filepath.Join(t.TempDir(), "c.json"))
	j := job.New(job.Config{ID: "j1", ShardSize: 40, BatchSize: 15, SkipIncremental: true},
		database(source), database(target), store, capture.NewRegistry(), consistency.NewRegistry())

	report, err := j.Run(context.Background(), job.Hooks{})
	require.NoError(t, err)
	require.Len(t, report.Tasks, 3)
	var processed int64
	for _, tr := range report.Tasks {
		assert.Equal(t, task.Stopped, tr.State)
		assert.Equal(t, position.Finished{}, tr.Position)
		processed += tr.Processed
	}
	assert.Equal(t, int64(100), processed)
	assert.Equal(t, 100, count(t, target))

	report.Checks, err = j.Check(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Checks, 1)
	assert.Equal(t, consistency.DataMatch, report.Checks[0].Algorithm)
	assert.True(t, report.Succeeded())

	// the saved plan is reused: rows added since are copied by the open last shard
	_, err = source.Exec(`INSERT INTO t_order VALUES (500, 'late')`)
	require.NoError(t, err)
	saved, err := store.List(context.Background(), "j1/inventory/t_order/")
	require.NoError(t, err)
	require.Len(t, saved, 3)
	require.NoError(t, store.Save(context.Background(), checkpoint.Progress{TaskID: "j1/inventory/t_order/2", Position: position.IntRange(ptr(80), nil)}))

	again := job.New(job.Config{ID: "j1", ShardSize: 40, SkipIncremental: true},
		database(source), database(target), store, capture.NewRegistry(), consistency.NewRegistry())
	report, err = again.Run(context.Background(), job.Hooks{})
	require.NoError(t, err)
	require.Len(t, report.Tasks, 3)
	assert.Equal(t, 101, count(t, target))

	require.NoError(t, again.Reset(context.Background()))
	saved, err = store.List(context.Background(), "j1/")
	require.NoError(t, err)
	assert.Empty(t, saved)
}

func ptr(v int64) *int64 { return &v }

func TestCheckReportsMismatch(t *testing.T) {
	source, target := openDB(t, "source.db", 10), openDB(t, "target.db", 10)
	_, err := target.Exec(`UPDATE t_order SET status = 'x' WHERE order_id = 4`)
	require.NoError(t, err)
	j := job.New(job.Config{Tables: []string{"t_order"}, Algorithm: "crc32_match"},
		database(source), database(target), checkpoint.NewFileStore(filepath.Join(t.TempDir(), "c.json")),
		capture.NewRegistry(), consistency.NewRegistry())
	assert.NotEmpty(t, j.ID())

	results, err := j.Check(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.False(t, results[0].Matched)
	assert.False(t, job.Report{Checks: results}.Succeeded())
}

type walStream struct {
	mu     sync.Mutex
	events []*ingest.RawEvent
}

func (s *walStream) Next(context.Context) (*ingest.RawEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.events) == 0 {
		return nil, ingest.ErrNoEvent
	}
	ev := s.events[0]
	s.events = s.events[1:]
	return ev, nil
}

func (s *walStream) Close() error { return nil }

type walConnector struct {
	stream *walStream
	from   chan position.Position
}

func (c *walConnector) Open(_ context.Context, from position.Position) (ingest.Stream, error) {
	c.from <- from
	return c.stream, nil
}

func (c *walConnector) CurrentPosition(context.Context) (position.Position, error) {
	return position.LSN{Value: 100}, nil
}

func lsn(v uint64) position.Position { return position.LSN{Value: v} }

func TestJobReplaysChangesAfterInventory(t *testing.T) {
	// the source already holds the changes the stream replays, as if they happened during the copy
	source, target := openDB(t, "source.db", 10), openDB(t, "target.db", 0)
	_, err := source.Exec(`INSERT INTO t_order VALUES (11, 'new'); UPDATE t_order SET status = 'paid' WHERE order_id = 5; DELETE FROM t_order WHERE order_id = 6`)
	require.NoError(t, err)

	conn := &walConnector{from: make(chan position.Position, 1), stream: &walStream{events: []*ingest.RawEvent{
		{Data: []byte("BEGIN 9"), Position: lsn(101)},
		{Data: []byte("table public.t_order: INSERT: order_id[integer]:11 status[text]:'new'"), Position: lsn(102)},
		{Data: []byte("table public.t_order: UPDATE: order_id[integer]:5 status[text]:'paid'"), Position: lsn(103)},
		{Data: []byte("table public.t_order: DELETE: order_id[integer]:6"), Position: lsn(104)},
		{Data: []byte("table public.t_audit: INSERT: id[integer]:1"), Position: lsn(105)},
		{Data: []byte("COMMIT 9"), Position: lsn(106)},
	}}}
	captures := capture.NewRegistry()
	captures.Register(func(src capture.Source) (ingest.Connector, ingest.Decoder, error) {
		dec, err := wal.NewDecoder(wal.TestDecoding, src.Loader, wal.WithTableFilter(src.InScope))
		return conn, dec, err
	}, "sqlite")

	store := checkpoint.NewFileStore(filepath.Join(t.TempDir(), "c.json"))
	j := job.New(job.Config{ID: "j2", PollInterval: time.Millisecond, Tables: []string{"t_order"}},
		database(source), database(target), store, captures, consistency.NewRegistry())

	incremental := make(chan *task.Task, 1)
	hooks := job.Hooks{TaskStarted: func(t *task.Task, _ int64) {
		if t.Kind() == task.Incremental {
			incremental <- t
		}
	}}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	type outcome struct {
		report job.Report
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		r, err := j.Run(ctx, hooks)
		done <- outcome{r, err}
	}()

	var inc *task.Task
	select {
	case inc = <-incremental:
	case <-time.After(5 * time.Second):
		t.Fatal("incremental task did not start")
	}
	assert.Equal(t, lsn(100), <-conn.from)
	require.Eventually(t, func() bool {
		return inc.Progress().Position == lsn(106)
	}, 5*time.Second, 5*time.Millisecond)
	cancel()

	out := <-done
	require.NoError(t, out.err)
	require.Len(t, out.report.Tasks, 2)
	assert.Equal(t, task.Stopped, out.report.Tasks[1].State)
	assert.Equal(t, int64(3), out.report.Tasks[1].Processed)

	results, err := j.Check(context.Background())
	require.NoError(t, err)
	assert.True(t, results[0].Matched)
	assert.Equal(t, 10, count(t, target))
}
