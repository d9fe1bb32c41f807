package task_test

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"db-pipe/internal/checkpoint"
	"db-pipe/internal/dialect"
	"db-pipe/internal/importer"
	"db-pipe/internal/ingest"
	"db-pipe/internal/pipeline"
	"db-pipe/internal/position"
	"db-pipe/internal/schema"
	"db-pipe/internal/task"
	"db-pipe/internal/wal"
)

const orderDDL = `CREATE TABLE t_order (order_id INTEGER PRIMARY KEY, status TEXT NOT NULL)`

func openDB(t *testing.T, name string) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), name))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	db.SetMaxOpenConns(1)
	_, err = db.Exec(orderDDL)
	require.NoError(t, err)
	return db
}

func fill(t *testing.T, db *sql.DB, n int) {
	t.Helper()
	tx, err := db.Begin()
	require.NoError(t, err)
	for i := 1; i <= n; i++ {
		_, err := tx.Exec(`INSERT INTO t_order (order_id, status) VALUES (?, ?)`, i, fmt.Sprintf("s%d", i))
		require.NoError(t, err)
	}
	require.NoError(t, tx.Commit())
}

func keys(t *testing.T, db *sql.DB) []int64 {
	t.Helper()
	rows, err := db.Query(`SELECT order_id FROM t_order ORDER BY order_id`)
	require.NoError(t, err)
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		require.NoError(t, rows.Scan(&id))
		out = append(out, id)
	}
	return out
}

func retryer() pipeline.Retryer { return pipeline.NewFixedDelayRetryer(time.Millisecond, 3) }

func inventoryTask(source, target *sql.DB, store checkpoint.Store) *task.Task {
	ch := pipeline.NewChannel(64)
	d := &dialect.SqliteDialect{}
	dumper := ingest.NewInventoryDumper(ingest.InventoryConfig{
		Table:     "t_order",
		Columns:   []string{"order_id", "status"},
		Key:       "order_id",
		Range:     position.PrimaryKeyRange{Type: position.IntegerKey},
		BatchSize: 100,
	}, source, d, ch, retryer())
	return task.New(task.Config{
		ID:       "job/inventory/t_order/0",
		Kind:     task.Inventory,
		Importer: importer.Config{BatchSize: 50, Window: 5 * time.Millisecond},
		Retryer:  retryer(),
	}, dumper, ch, importer.NewSQLSink(target, d, nil), store)
}

func TestInventoryTaskResumesInterruptedRange(t *testing.T) {
	source, target := openDB(t, "source.db"), openDB(t, "target.db")
	fill(t, source, 1000)
	store := checkpoint.NewFileStore(filepath.Join(t.TempDir(), "checkpoints.json"))

	// a previous run applied keys up to 500 before it was interrupted
	lower := int64(500)
	require.NoError(t, store.Save(context.Background(), checkpoint.Progress{
		TaskID: "job/inventory/t_order/0", Position: position.IntRange(&lower, nil), Processed: 500,
	}))

	tk := inventoryTask(source, target, store)
	require.NoError(t, tk.Start(context.Background()))
	require.NoError(t, tk.Wait())
	assert.Equal(t, task.Stopped, tk.State())

	got := keys(t, target)
	require.Len(t, got, 500)
	assert.Equal(t, int64(501), got[0])
	assert.Equal(t, int64(1000), got[499])

	p := tk.Progress()
	assert.Equal(t, position.Finished{}, p.Position)
	assert.Equal(t, int64(1000), p.Processed)

	saved, err := store.Load(context.Background(), "job/inventory/t_order/0")
	require.NoError(t, err)
	assert.Equal(t, position.Finished{}, saved.Position)

	// a finished range does nothing on restart
	again := inventoryTask(source, target, store)
	require.NoError(t, again.Start(context.Background()))
	require.NoError(t, again.Wait())
	assert.Equal(t, int64(1000), again.Progress().Processed)
}

func TestTaskCannotStartTwice(t *testing.T) {
	source, target := openDB(t, "source.db"), openDB(t, "target.db")
	tk := inventoryTask(source, target, checkpoint.NewFileStore(filepath.Join(t.TempDir(), "c.json")))
	require.NoError(t, tk.Start(context.Background()))
	require.ErrorIs(t, tk.Start(context.Background()), task.ErrNotCreated)
	require.NoError(t, tk.Wait())
}

func TestTaskFailsOnApplyConflictAndKeepsLastGoodPosition(t *testing.T) {
	source := openDB(t, "source.db")
	fill(t, source, 10)
	target, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "empty.db"))
	require.NoError(t, err)
	defer target.Close()
	store := checkpoint.NewFileStore(filepath.Join(t.TempDir(), "c.json"))

	tk := inventoryTask(source, target, store)
	require.NoError(t, tk.Start(context.Background()))
	err = tk.Wait()
	var ce *pipeline.ApplyConflictError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, task.Failed, tk.State())
	assert.Equal(t, position.Placeholder{}, tk.Progress().Position)
	assert.Equal(t, err, tk.Stop(context.Background()))
}

type fakeStream struct {
	mu     sync.Mutex
	events []*ingest.RawEvent
	acked  position.Position
}

func (s *fakeStream) Next(context.Context) (*ingest.RawEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.events) == 0 {
		return nil, ingest.ErrNoEvent
	}
	ev := s.events[0]
	s.events = s.events[1:]
	return ev, nil
}

func (s *fakeStream) Acknowledge(_ context.Context, pos position.Position) error {
	s.mu.Lock()
	s.acked = pos
	s.mu.Unlock()
	return nil
}

func (s *fakeStream) Close() error { return nil }

type fakeConnector struct {
	stream  *fakeStream
	openErr error
}

func (c *fakeConnector) Open(context.Context, position.Position) (ingest.Stream, error) {
	if c.openErr != nil {
		return nil, c.openErr
	}
	return c.stream, nil
}

func (c *fakeConnector) CurrentPosition(context.Context) (position.Position, error) {
	return position.LSN{Value: 100}, nil
}

func incrementalTask(t *testing.T, conn ingest.Connector, target *sql.DB, store checkpoint.Store) *task.Task {
	t.Helper()
	loader := schema.NewStaticLoader(&schema.Table{Name: "t_order", Columns: []*schema.Column{
		{Name: "order_id", DataType: "integer", IsPK: true},
		{Name: "status", DataType: "text"},
	}})
	dec, err := wal.NewDecoder(wal.TestDecoding, loader)
	require.NoError(t, err)
	ch := pipeline.NewChannel(16)
	dumper := ingest.NewIncrementalDumper(ingest.IncrementalConfig{PollInterval: time.Millisecond}, conn, dec, nil, ch, retryer())
	unqualified := func(string) string { return "t_order" }
	return task.New(task.Config{
		ID:       "job/incremental",
		Kind:     task.Incremental,
		Start:    position.LSN{Value: 100},
		Importer: importer.Config{BatchSize: 10, Window: time.Millisecond},
		Retryer:  retryer(),
	}, dumper, ch, importer.NewSQLSink(target, &dialect.SqliteDialect{}, unqualified), store)
}

func TestIncrementalTaskReplaysChanges(t *testing.T) {
	target := openDB(t, "target.db")
	stream := &fakeStream{events: []*ingest.RawEvent{
		{Data: []byte("BEGIN 700"), Position: position.LSN{Value: 101}},
		{Data: []byte("table public.t_order: INSERT: order_id[integer]:1 status[text]:'new'"), Position: position.LSN{Value: 102}},
		{Data: []byte("table public.t_order: UPDATE: order_id[integer]:1 status[text]:'paid'"), Position: position.LSN{Value: 103}},
		{Data: []byte("table public.t_order: DELETE: order_id[integer]:1"), Position: position.LSN{Value: 104}},
		{Data: []byte("COMMIT 700"), Position: position.LSN{Value: 105}},
	}}
	store := checkpoint.NewFileStore(filepath.Join(t.TempDir(), "c.json"))
	tk := incrementalTask(t, &fakeConnector{stream: stream}, target, store)

	require.NoError(t, tk.Start(context.Background()))
	assert.Equal(t, task.Running, tk.State())
	require.Eventually(t, func() bool {
		return tk.Progress().Position == position.LSN{Value: 105}
	}, 5*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, tk.Stop(ctx))
	assert.Equal(t, task.Stopped, tk.State())
	assert.Empty(t, keys(t, target))

	p := tk.Progress()
	assert.Equal(t, int64(3), p.Processed)
	saved, err := store.Load(context.Background(), "job/incremental")
	require.NoError(t, err)
	assert.Equal(t, position.LSN{Value: 105}, saved.Position)

	stream.mu.Lock()
	assert.Equal(t, position.LSN{Value: 105}, stream.acked)
	stream.mu.Unlock()
}

func TestIncrementalTaskStopsCleanlyOnActiveSlot(t *testing.T) {
	conn := &fakeConnector{openErr: &pgconn.PgError{Code: "55006", Message: `replication slot "pipe" is active for PID 4242`}}
	tk := incrementalTask(t, conn, openDB(t, "target.db"), checkpoint.NewFileStore(filepath.Join(t.TempDir(), "c.json")))

	require.NoError(t, tk.Start(context.Background()))
	require.NoError(t, tk.Wait())
	assert.Equal(t, task.Stopped, tk.State())
	assert.Equal(t, position.LSN{Value: 100}, tk.Progress().Position)
}

func TestStopBeforeStart(t *testing.T) {
	tk := incrementalTask(t, &fakeConnector{stream: &fakeStream{}}, openDB(t, "target.db"), checkpoint.NewFileStore(filepath.Join(t.TempDir(), "c.json")))
	require.NoError(t, tk.Stop(context.Background()))
	assert.Equal(t, task.Stopped, tk.State())
	require.Error(t, tk.Start(context.Background()))
}

// gatedStore blocks Load until released.
type gatedStore struct {
	checkpoint.Store
	loading chan struct{}
	release chan struct{}
}

func (s *gatedStore) Load(ctx context.Context, id string) (checkpoint.Progress, error) {
	close(s.loading)
	<-s.release
	return s.Store.Load(ctx, id)
}

func TestStopWhileStartingLoadsProgress(t *testing.T) {
	store := &gatedStore{
		Store:   checkpoint.NewFileStore(filepath.Join(t.TempDir(), "c.json")),
		loading: make(chan struct{}),
		release: make(chan struct{}),
	}
	tk := incrementalTask(t, &fakeConnector{stream: &fakeStream{}}, openDB(t, "target.db"), store)

	started := make(chan error, 1)
	go func() { started <- tk.Start(context.Background()) }()
	<-store.loading
	assert.Equal(t, task.Starting, tk.State())

	require.NoError(t, tk.Stop(context.Background()))
	close(store.release)
	require.ErrorIs(t, <-started, task.ErrNotCreated)

	require.NoError(t, tk.Wait())
	assert.Equal(t, task.Stopped, tk.State())
}
