package dialect_test

import (
	"testing"

	"db-pipe/internal/dialect"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func get(t *testing.T, driver string) dialect.Dialect {
	d, err := dialect.NewRegistry().Get(driver)
	require.NoError(t, err)
	return d
}

func TestRegistryAliases(t *testing.T) {
	r := dialect.NewRegistry()
	for driver, name := range map[string]string{
		"mysql": "mysql", "postgres": "postgres", "pgx": "postgres", "opengauss": "opengauss",
		"mssql": "sqlserver", "SQLServer": "sqlserver", "oracle": "oracle", "sqlite": "sqlite",
	} {
		d, err := r.Get(driver)
		require.NoError(t, err, driver)
		assert.Equal(t, name, d.Name())
	}
	_, err := r.Get("db2")
	assert.Error(t, err)
	assert.Contains(t, r.Drivers(), "sqlite3")
}

func TestUpsertQueries(t *testing.T) {
	cols := []string{"id", "status"}
	keys := []string{"id"}

	assert.Equal(t,
		"INSERT INTO `t_order` (`id`, `status`) VALUES (?, ?) ON DUPLICATE KEY UPDATE `status` = VALUES(`status`)",
		get(t, "mysql").UpsertQuery("t_order", cols, keys))
	assert.Equal(t,
		`INSERT INTO "public"."t_order" ("id", "status") VALUES ($1, $2) ON CONFLICT ("id") DO UPDATE SET "status" = EXCLUDED."status"`,
		get(t, "postgres").UpsertQuery("public.t_order", cols, keys))
	assert.Equal(t,
		`INSERT INTO "t" ("id") VALUES (?) ON CONFLICT ("id") DO NOTHING`,
		get(t, "sqlite").UpsertQuery("t", []string{"id"}, keys))
	assert.Equal(t,
		"MERGE INTO [t] tgt USING (VALUES (@p1, @p2)) AS src ([id], [status]) ON (tgt.[id] = src.[id])"+
			" WHEN MATCHED THEN UPDATE SET tgt.[status] = src.[status]"+
			" WHEN NOT MATCHED THEN INSERT ([id], [status]) VALUES (src.[id], src.[status]);",
		get(t, "mssql").UpsertQuery("t", cols, keys))
	assert.Equal(t,
		"MERGE INTO t tgt USING (SELECT :1 id, :2 status FROM dual) src ON (tgt.id = src.id)"+
			" WHEN MATCHED THEN UPDATE SET tgt.status = src.status"+
			" WHEN NOT MATCHED THEN INSERT (id, status) VALUES (src.id, src.status)",
		get(t, "oracle").UpsertQuery("t", cols, keys))
}

func TestDeleteAndLimitQueries(t *testing.T) {
	assert.Equal(t, `DELETE FROM "t" WHERE "a" = $1 AND "b" = $2`, get(t, "postgres").DeleteQuery("t", []string{"a", "b"}))
	assert.Equal(t, "SELECT TOP 10 id FROM t", get(t, "mssql").GetLimitRowQuery("SELECT id FROM t", 10))
	assert.Equal(t, "SELECT * FROM (SELECT id FROM t) WHERE ROWNUM <= 10", get(t, "oracle").GetLimitRowQuery("SELECT id FROM t", 10))
	assert.Equal(t, "SELECT id FROM t LIMIT 10", get(t, "mysql").GetLimitRowQuery("SELECT id FROM t", 10))
	assert.Equal(t, "DELETE FROM \"t\"", get(t, "sqlite").TruncateQuery("t"))
}

func TestQuoteIdentifierEscapes(t *testing.T) {
	assert.Equal(t, "`we``ird`", get(t, "mysql").QuoteIdentifier("we`ird"))
	assert.Equal(t, `"a"."b"`, get(t, "postgres").QuoteIdentifier("a.b"))
	assert.Equal(t, "[x]]y]", get(t, "mssql").QuoteIdentifier("x]y"))
}
