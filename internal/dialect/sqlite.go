package dialect

import (
	"database/sql"
	"fmt"
)

// SqliteDialect targets modernc.org/sqlite (driver name "sqlite"). Metadata comes from
// sqlite_master joined with the pragma table-valued functions; the schema argument is unused.
type SqliteDialect struct{}

func (d *SqliteDialect) Name() string { return "sqlite" }

func (d *SqliteDialect) GetTablesQuery(schema string) string {
	return `SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' AND ? IS NOT NULL ORDER BY name`
}

func (d *SqliteDialect) GetColumnsQuery(schema string) string {
	return `SELECT
    m.name,
    p.name,
    p.type,
    p.type,
    NULL,
    CASE WHEN p."notnull" = 0 THEN 'YES' ELSE 'NO' END,
    CASE WHEN p.pk > 0 THEN 'PRI' ELSE '' END,
    CASE WHEN p.pk = 1 AND upper(p.type) = 'INTEGER' THEN 'auto_increment' ELSE '' END,
    '',
    ''
FROM sqlite_master m JOIN pragma_table_info(m.name) p
WHERE m.type = 'table' AND m.name NOT LIKE 'sqlite_%' AND ? IS NOT NULL
ORDER BY m.name, p.cid`
}

func (d *SqliteDialect) GetPrimaryKeysQuery(schema string) string {
	return `SELECT m.name, p.name FROM sqlite_master m JOIN pragma_table_info(m.name) p WHERE m.type = 'table' AND p.pk > 0 AND ? IS NOT NULL`
}

func (d *SqliteDialect) GetForeignKeysQuery(schema string) string {
	return `SELECT m.name, 'fk_' || f.id, f."from", f."table", f."to" FROM sqlite_master m JOIN pragma_foreign_key_list(m.name) f WHERE m.type = 'table' AND ? IS NOT NULL`
}

// DisableConstraints defers foreign keys until commit; PRAGMA foreign_keys is a no-op inside a transaction.
func (d *SqliteDialect) DisableConstraints(tx *sql.Tx) error {
	_, err := tx.Exec("PRAGMA defer_foreign_keys = ON")
	return err
}

func (d *SqliteDialect) EnableConstraints(tx *sql.Tx) error {
	_, err := tx.Exec("PRAGMA defer_foreign_keys = OFF")
	return err
}

func (d *SqliteDialect) Placeholder(index int) string {
	return "?"
}

func (d *SqliteDialect) QuoteIdentifier(name string) string {
	return quoteEach(name, `"`, `"`)
}

func (d *SqliteDialect) InsertQuery(table string, cols []string) string {
	return insertQuery(d, table, cols)
}

func (d *SqliteDialect) UpsertQuery(table string, cols, keys []string) string {
	return onConflictUpsert(d, table, cols, keys)
}

func (d *SqliteDialect) DeleteQuery(table string, keys []string) string {
	return deleteQuery(d, table, keys)
}

// TruncateQuery uses DELETE; SQLite has no TRUNCATE.
func (d *SqliteDialect) TruncateQuery(table string) string {
	return fmt.Sprintf("DELETE FROM %s", d.QuoteIdentifier(table))
}

func (d *SqliteDialect) CountQuery(table string) string {
	return countQuery(d, table)
}

func (d *SqliteDialect) NormalizeType(sqlType string) string {
	return DefaultNormalizeType(sqlType)
}

func (d *SqliteDialect) GetSchemaName(input string) string {
	if input == "" {
		return "main"
	}
	return input
}

func (d *SqliteDialect) GetLimitRowQuery(query string, limit int) string {
	return fmt.Sprintf("%s LIMIT %d", query, limit)
}
