package schema_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"db-pipe/internal/dialect"
	"db-pipe/internal/schema"
)

func TestSortTablesByFKCount_ComplexCircular(t *testing.T) {
	// A -> B -> C -> D -> E -> A is a cycle, F -> E hangs off it, G is independent
	tables := []*schema.Table{
		{Name: "A", Dependencies: []string{"B"}},
		{Name: "B", Dependencies: []string{"C"}},
		{Name: "C", Dependencies: []string{"D"}},
		{Name: "D", Dependencies: []string{"E"}},
		{Name: "E", Dependencies: []string{"A"}},
		{Name: "F", Dependencies: []string{"E"}},
		{Name: "G", Dependencies: []string{}},
	}

	sorted := schema.SortTablesByFKCount(tables)
	require.Len(t, sorted, len(tables))

	seen := make(map[string]int)
	for i, tbl := range sorted {
		seen[tbl.Name] = i
	}
	assert.Len(t, seen, len(tables))
	assert.Equal(t, "G", sorted[0].Name)
}

func TestSortTablesByFKCount_Simple(t *testing.T) {
	tables := []*schema.Table{
		{Name: "OrderItems", Dependencies: []string{"Orders"}},
		{Name: "Orders", Dependencies: []string{"Users"}},
		{Name: "Users", Dependencies: []string{}},
	}

	sorted := schema.SortTablesByFKCount(tables)

	require.Len(t, sorted, 3)
	assert.Equal(t, "Users", sorted[0].Name)
	assert.Equal(t, "Orders", sorted[1].Name)
	assert.Equal(t, "OrderItems", sorted[2].Name)
}

func openSqlite(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "schema.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestAnalyzeSqlite(t *testing.T) {
	db := openSqlite(t)
	_, err := db.Exec(`
CREATE TABLE t_user (id INTEGER PRIMARY KEY, email TEXT NOT NULL UNIQUE, name TEXT);
CREATE TABLE t_order (order_id INTEGER PRIMARY KEY, user_id INTEGER NOT NULL REFERENCES t_user(id), status VARCHAR(32));
`)
	require.NoError(t, err)

	d, err := dialect.NewRegistry().Get("sqlite")
	require.NoError(t, err)

	tables, err := schema.Analyze(context.Background(), db, d, "")
	require.NoError(t, err)
	require.Len(t, tables, 2)

	assert.Equal(t, "t_user", tables[0].Name)
	order := tables[1]
	assert.Equal(t, "t_order", order.Name)
	assert.Equal(t, []string{"order_id", "user_id", "status"}, order.ColumnNames())
	assert.Equal(t, []string{"order_id"}, order.KeyNames())
	assert.True(t, order.IsIntegerKey())
	assert.Equal(t, []string{"t_user"}, order.Dependencies)
	require.Len(t, order.ForeignKeys, 1)
	assert.Equal(t, "user_id", order.ForeignKeys[0].Column)
	assert.False(t, order.Column("user_id").IsNullable)
	assert.True(t, order.Column("STATUS").IsNullable)
}

func TestDBLoaderCachesAndRefreshes(t *testing.T) {
	db := openSqlite(t)
	_, err := db.Exec(`CREATE TABLE a (id INTEGER PRIMARY KEY)`)
	require.NoError(t, err)
	d, _ := dialect.NewRegistry().Get("sqlite")
	loader := schema.NewDBLoader(db, d, "")
	ctx := context.Background()

	tbl, err := loader.Table(ctx, "main.A")
	require.NoError(t, err)
	assert.Equal(t, "a", tbl.Name)

	_, err = db.Exec(`CREATE TABLE b (code TEXT PRIMARY KEY)`)
	require.NoError(t, err)
	tbl, err = loader.Table(ctx, "b")
	require.NoError(t, err)
	assert.False(t, tbl.IsIntegerKey())

	_, err = loader.Table(ctx, "missing")
	assert.ErrorIs(t, err, schema.ErrTableNotFound)
}

func TestTableMapper(t *testing.T) {
	m := schema.NewTableMapper("", []string{"t_order", "t_user"}, map[string]string{"t_order": "ds_1.t_order_1"})

	assert.Equal(t, "ds_1.t_order_1", m.Actual("t_order"))
	assert.Equal(t, "t_user", m.Actual("t_user"))

	l, ok := m.Logical("ds_1.t_order_1")
	assert.True(t, ok)
	assert.Equal(t, "t_order", l)
	l, ok = m.Logical("T_ORDER_1")
	assert.True(t, ok)
	assert.Equal(t, "t_order", l)
	_, ok = m.Logical("t_audit")
	assert.False(t, ok)
	assert.Equal(t, []string{"t_order", "t_user"}, m.Logicals())
}

func TestTableMapperQualifiesWithSourceSchema(t *testing.T) {
	m := schema.NewTableMapper("shop", []string{"t_user", "t_order"}, map[string]string{"t_order": "ds_1.t_order_1"})

	l, ok := m.Logical("shop.t_user")
	assert.True(t, ok)
	assert.Equal(t, "t_user", l)
	l, ok = m.Logical("T_USER")
	assert.True(t, ok)
	assert.Equal(t, "t_user", l)
	_, ok = m.Logical("archive.t_user")
	assert.False(t, ok)

	l, ok = m.Logical("DS_1.T_ORDER_1")
	assert.True(t, ok)
	assert.Equal(t, "t_order", l)
	_, ok = m.Logical("shop.t_order_1")
	assert.False(t, ok)
	assert.Equal(t, "t_user", m.Actual("t_user"))
}

func TestTableMapperWithoutSchemaMatchesAnySchema(t *testing.T) {
	m := schema.NewTableMapper("", []string{"t_user"}, nil)
	l, ok := m.Logical("main.t_user")
	assert.True(t, ok)
	assert.Equal(t, "t_user", l)
}
