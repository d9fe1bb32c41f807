package dialect

import (
	"database/sql"
	"fmt"
	"strings"
)

type PostgresDialect struct {
	// name lets openGauss reuse the PostgreSQL SQL surface under its own registry name.
	name string
}

func (d *PostgresDialect) Name() string {
	if d.name == "" {
		return "postgres"
	}
	return d.name
}

func (d *PostgresDialect) GetTablesQuery(schema string) string {
	return `SELECT TABLE_NAME FROM information_schema.TABLES WHERE TABLE_SCHEMA = $1 AND TABLE_TYPE = 'BASE TABLE'`
}

// udt_name fills the COLUMN_TYPE slot.
func (d *PostgresDialect) GetColumnsQuery(schema string) string {
	return `SELECT
    c.table_name,
    c.column_name,
    c.data_type,
    c.udt_name,
    c.character_maximum_length,
    c.is_nullable,
    (SELECT 'PRI' FROM information_schema.table_constraints tc
     JOIN information_schema.key_column_usage kcu ON tc.constraint_name = kcu.constraint_name
     WHERE tc.constraint_type = 'PRIMARY KEY'
     AND kcu.table_schema = c.table_schema AND kcu.table_name = c.table_name AND kcu.column_name = c.column_name LIMIT 1) AS COLUMN_KEY,
    c.column_default,
    (SELECT 'UNIQUE' FROM information_schema.table_constraints tc
     JOIN information_schema.key_column_usage kcu ON tc.constraint_name = kcu.constraint_name
     WHERE tc.constraint_type = 'UNIQUE'
     AND kcu.table_schema = c.table_schema AND kcu.table_name = c.table_name AND kcu.column_name = c.column_name LIMIT 1) AS IS_UNIQUE,
    NULL AS COMMENT
FROM information_schema.columns c
WHERE c.table_schema = $1
ORDER BY c.table_name, c.ordinal_position`
}

func (d *PostgresDialect) GetPrimaryKeysQuery(schema string) string {
	return `SELECT kcu.table_name, kcu.column_name FROM information_schema.key_column_usage kcu JOIN information_schema.table_constraints tc ON kcu.constraint_name = tc.constraint_name WHERE kcu.table_schema = $1 AND tc.constraint_type = 'PRIMARY KEY'`
}

func (d *PostgresDialect) GetForeignKeysQuery(schema string) string {
	return `SELECT kcu.table_name, kcu.constraint_name, kcu.column_name, ccu.table_name AS referenced_table_name, ccu.column_name AS referenced_column_name FROM information_schema.key_column_usage kcu JOIN information_schema.constraint_column_usage ccu ON kcu.constraint_name = ccu.constraint_name JOIN information_schema.table_constraints tc ON kcu.constraint_name = tc.constraint_name WHERE kcu.table_schema = $1 AND tc.constraint_type = 'FOREIGN KEY'`
}

// DisableConstraints defers DEFERRABLE foreign keys to commit time.
// session_replication_role would cover the rest but needs superuser.
func (d *PostgresDialect) DisableConstraints(tx *sql.Tx) error {
	_, err := tx.Exec("SET CONSTRAINTS ALL DEFERRED")
	return err
}

func (d *PostgresDialect) EnableConstraints(tx *sql.Tx) error {
	_, err := tx.Exec("SET CONSTRAINTS ALL IMMEDIATE")
	return err
}

func (d *PostgresDialect) Placeholder(index int) string {
	return fmt.Sprintf("$%d", index+1)
}

func (d *PostgresDialect) QuoteIdentifier(name string) string {
	return quoteEach(name, `"`, `"`)
}

func (d *PostgresDialect) InsertQuery(table string, cols []string) string {
	return insertQuery(d, table, cols)
}

func (d *PostgresDialect) UpsertQuery(table string, cols, keys []string) string {
	return onConflictUpsert(d, table, cols, keys)
}

func (d *PostgresDialect) DeleteQuery(table string, keys []string) string {
	return deleteQuery(d, table, keys)
}

func (d *PostgresDialect) TruncateQuery(table string) string {
	return fmt.Sprintf("TRUNCATE TABLE %s CASCADE", d.QuoteIdentifier(table))
}

func (d *PostgresDialect) CountQuery(table string) string {
	return countQuery(d, table)
}

func (d *PostgresDialect) NormalizeType(sqlType string) string {
	t := strings.ToLower(sqlType)
	switch t {
	case "int4", "int2":
		return "int"
	case "int8":
		return "bigint"
	case "float4":
		return "float"
	case "float8":
		return "double"
	case "bpchar":
		return "char"
	default:
		return t
	}
}

func (d *PostgresDialect) GetSchemaName(input string) string {
	if input == "" {
		return "public"
	}
	return input
}

func (d *PostgresDialect) GetLimitRowQuery(query string, limit int) string {
	return fmt.Sprintf("%s LIMIT %d", query, limit)
}
