package dialect

import "database/sql"

// Dialect abstracts database-specific SQL for schema introspection, inventory reads and idempotent apply.
type Dialect interface {
	Name() string

	// Metadata Queries (Schema Introspection)
	GetTablesQuery(schema string) string
	GetColumnsQuery(schema string) string
	GetPrimaryKeysQuery(schema string) string
	GetForeignKeysQuery(schema string) string

	// Constraint hooks around bulk writes (truncate, seeding)
	DisableConstraints(tx *sql.Tx) error
	EnableConstraints(tx *sql.Tx) error

	// Query Generation
	Placeholder(index int) string // Returns ?, $1, @p1, :1
	QuoteIdentifier(name string) string
	InsertQuery(table string, cols []string) string
	// UpsertQuery inserts a row or overwrites the non-key columns of the row with the same keys.
	UpsertQuery(table string, cols, keys []string) string
	DeleteQuery(table string, keys []string) string
	TruncateQuery(table string) string
	CountQuery(table string) string
	GetLimitRowQuery(query string, limit int) string

	// Helpers
	NormalizeType(sqlType string) string
	GetSchemaName(input string) string
}
