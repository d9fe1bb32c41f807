package checkpoint_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"db-pipe/internal/checkpoint"
	"db-pipe/internal/dialect"
	"db-pipe/internal/position"
)

func stores(t *testing.T) map[string]checkpoint.Store {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "target.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	sqlStore := checkpoint.NewSQLStore(db, &dialect.SqliteDialect{}, "")
	require.NoError(t, sqlStore.EnsureTable(context.Background()))
	// a second call finds the existing table
	require.NoError(t, sqlStore.EnsureTable(context.Background()))

	return map[string]checkpoint.Store{
		"sql":  sqlStore,
		"file": checkpoint.NewFileStore(filepath.Join(t.TempDir(), "state", "checkpoints.json")),
	}
}

func TestStores(t *testing.T) {
	lower := int64(500)
	updated := time.Date(2024, 3, 7, 3, 37, 17, 123456000, time.UTC)

	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := store.Load(ctx, "job1/inventory/t_order/0")
			require.ErrorIs(t, err, checkpoint.ErrNotFound)

			saved := []checkpoint.Progress{
				{TaskID: "job1/inventory/t_order/0", Position: position.IntRange(&lower, nil), Processed: 500, UpdatedAt: updated},
				{TaskID: "job1/incremental", Position: position.LogSequence{File: "mysql-bin.000003", Offset: 4}, Processed: 7, UpdatedAt: updated},
				{TaskID: "job2/incremental", Position: position.LSN{Value: 0x16B3748}, UpdatedAt: updated},
			}
			for _, p := range saved {
				require.NoError(t, store.Save(ctx, p))
			}

			got, err := store.Load(ctx, "job1/inventory/t_order/0")
			require.NoError(t, err)
			assert.Equal(t, saved[0], got)

			// overwrite
			saved[1].Position = position.LogSequence{File: "mysql-bin.000004", Offset: 120}
			saved[1].Processed = 9
			require.NoError(t, store.Save(ctx, saved[1]))

			list, err := store.List(ctx, "job1/")
			require.NoError(t, err)
			assert.Equal(t, []checkpoint.Progress{saved[1], saved[0]}, list)

			require.NoError(t, store.Delete(ctx, "job1/incremental"))
			require.NoError(t, store.Delete(ctx, "job1/incremental"))
			_, err = store.Load(ctx, "job1/incremental")
			require.ErrorIs(t, err, checkpoint.ErrNotFound)

			got, err = store.Load(ctx, "job2/incremental")
			require.NoError(t, err)
			assert.Equal(t, position.LSN{Value: 0x16B3748}, got.Position)
		})
	}
}
