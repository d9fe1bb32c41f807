package dialect

import (
	"database/sql"
	"fmt"
	"strings"
)

// OracleDialect works on the connected user's own tables; the schema argument is
// bound only to keep the metadata queries uniform (":1 IS NOT NULL").
type OracleDialect struct{}

func (d *OracleDialect) Name() string { return "oracle" }

func (d *OracleDialect) GetTablesQuery(schema string) string {
	return `SELECT TABLE_NAME FROM USER_TABLES WHERE :1 IS NOT NULL`
}

func (d *OracleDialect) GetColumnsQuery(schema string) string {
	return `
SELECT
    t.TABLE_NAME,
    t.COLUMN_NAME,
    CASE
        WHEN t.DATA_TYPE = 'NUMBER' AND COALESCE(t.DATA_SCALE, 0) > 0 THEN 'DECIMAL'
        WHEN t.DATA_TYPE = 'NUMBER' THEN 'INTEGER'
        ELSE t.DATA_TYPE
    END,
    t.DATA_TYPE || CASE WHEN t.DATA_LENGTH IS NOT NULL THEN '(' || t.DATA_LENGTH || ')' ELSE '' END,
    COALESCE(t.DATA_PRECISION, t.DATA_LENGTH),
    t.NULLABLE,
    CASE WHEN p.CONSTRAINT_NAME IS NOT NULL THEN 'PRI' ELSE '' END,
    CASE WHEN t.IDENTITY_COLUMN = 'YES' THEN 'auto_increment' ELSE '' END,
    CASE WHEN u.CONSTRAINT_NAME IS NOT NULL THEN 'UNIQUE' ELSE '' END,
    c.COMMENTS
FROM USER_TAB_COLUMNS t
LEFT JOIN (
    SELECT cc.TABLE_NAME, cc.COLUMN_NAME, cc.CONSTRAINT_NAME
    FROM USER_CONS_COLUMNS cc
    JOIN USER_CONSTRAINTS uc ON cc.CONSTRAINT_NAME = uc.CONSTRAINT_NAME
    WHERE uc.CONSTRAINT_TYPE = 'P'
) p ON t.TABLE_NAME = p.TABLE_NAME AND t.COLUMN_NAME = p.COLUMN_NAME
LEFT JOIN (
    SELECT cc.TABLE_NAME, cc.COLUMN_NAME, cc.CONSTRAINT_NAME
    FROM USER_CONS_COLUMNS cc
    JOIN USER_CONSTRAINTS uc ON cc.CONSTRAINT_NAME = uc.CONSTRAINT_NAME
    WHERE uc.CONSTRAINT_TYPE = 'U'
) u ON t.TABLE_NAME = u.TABLE_NAME AND t.COLUMN_NAME = u.COLUMN_NAME
LEFT JOIN USER_COL_COMMENTS c ON t.TABLE_NAME = c.TABLE_NAME AND t.COLUMN_NAME = c.COLUMN_NAME
WHERE :1 IS NOT NULL
ORDER BY t.TABLE_NAME, t.COLUMN_ID`
}

func (d *OracleDialect) GetPrimaryKeysQuery(schema string) string {
	return `
SELECT cc.TABLE_NAME, cc.COLUMN_NAME
FROM USER_CONS_COLUMNS cc
JOIN USER_CONSTRAINTS uc ON cc.CONSTRAINT_NAME = uc.CONSTRAINT_NAME
WHERE uc.CONSTRAINT_TYPE = 'P' AND :1 IS NOT NULL`
}

func (d *OracleDialect) GetForeignKeysQuery(schema string) string {
	return `
SELECT
    c.TABLE_NAME,
    c.CONSTRAINT_NAME,
    cc.COLUMN_NAME,
    r.TABLE_NAME AS REF_TABLE,
    rcc.COLUMN_NAME AS REF_COLUMN
FROM USER_CONSTRAINTS c
JOIN USER_CONS_COLUMNS cc
    ON c.CONSTRAINT_NAME = cc.CONSTRAINT_NAME
    AND c.OWNER = cc.OWNER
JOIN USER_CONSTRAINTS r
    ON c.R_CONSTRAINT_NAME = r.CONSTRAINT_NAME
    AND c.R_OWNER = r.OWNER
JOIN USER_CONS_COLUMNS rcc
    ON r.CONSTRAINT_NAME = rcc.CONSTRAINT_NAME
    AND r.OWNER = rcc.OWNER
    AND cc.POSITION = rcc.POSITION
WHERE c.CONSTRAINT_TYPE = 'R'
AND :1 IS NOT NULL`
}

type oracleConstraint struct {
	table string
	name  string
}

func (d *OracleDialect) foreignKeys(tx *sql.Tx, status string) ([]oracleConstraint, error) {
	rows, err := tx.Query("SELECT TABLE_NAME, CONSTRAINT_NAME FROM USER_CONSTRAINTS WHERE CONSTRAINT_TYPE = 'R' AND STATUS = :1", status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []oracleConstraint
	for rows.Next() {
		var c oracleConstraint
		if err := rows.Scan(&c.table, &c.name); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// DisableConstraints aligns NLS formats with the canonical "2006-01-02 15:04:05" values
// and disables enabled foreign keys. DDL commits implicitly in Oracle.
func (d *OracleDialect) DisableConstraints(tx *sql.Tx) error {
	if _, err := tx.Exec("ALTER SESSION SET NLS_DATE_FORMAT = 'YYYY-MM-DD HH24:MI:SS'"); err != nil {
		return fmt.Errorf("failed to set NLS_DATE_FORMAT: %w", err)
	}
	if _, err := tx.Exec("ALTER SESSION SET NLS_TIMESTAMP_FORMAT = 'YYYY-MM-DD HH24:MI:SS.FF6'"); err != nil {
		return fmt.Errorf("failed to set NLS_TIMESTAMP_FORMAT: %w", err)
	}
	constraints, err := d.foreignKeys(tx, "ENABLED")
	if err != nil {
		return err
	}
	for _, c := range constraints {
		if _, err := tx.Exec(fmt.Sprintf("ALTER TABLE %s DISABLE CONSTRAINT %s", c.table, c.name)); err != nil {
			return fmt.Errorf("failed to disable constraint %s on %s: %w", c.name, c.table, err)
		}
	}
	return nil
}

func (d *OracleDialect) EnableConstraints(tx *sql.Tx) error {
	constraints, err := d.foreignKeys(tx, "DISABLED")
	if err != nil {
		return err
	}
	for _, c := range constraints {
		if _, err := tx.Exec(fmt.Sprintf("ALTER TABLE %s ENABLE CONSTRAINT %s", c.table, c.name)); err != nil {
			return fmt.Errorf("failed to enable constraint %s on %s: %w", c.name, c.table, err)
		}
	}
	return nil
}

// Placeholder uses :1, :2, ... (1-based)
func (d *OracleDialect) Placeholder(index int) string {
	return fmt.Sprintf(":%d", index+1)
}

// QuoteIdentifier leaves names bare: quoting would make them case-sensitive.
func (d *OracleDialect) QuoteIdentifier(name string) string {
	return name
}

func (d *OracleDialect) InsertQuery(table string, cols []string) string {
	return insertQuery(d, table, cols)
}

func (d *OracleDialect) UpsertQuery(table string, cols, keys []string) string {
	selects := make([]string, len(cols))
	for i, c := range cols {
		selects[i] = fmt.Sprintf("%s %s", d.Placeholder(i), c)
	}
	source := fmt.Sprintf("(SELECT %s FROM dual) src", strings.Join(selects, ", "))
	return mergeUpsert(d, table, source, cols, keys, "")
}

func (d *OracleDialect) DeleteQuery(table string, keys []string) string {
	return deleteQuery(d, table, keys)
}

func (d *OracleDialect) TruncateQuery(table string) string {
	return fmt.Sprintf("TRUNCATE TABLE %s", table)
}

func (d *OracleDialect) CountQuery(table string) string {
	return countQuery(d, table)
}

func (d *OracleDialect) NormalizeType(sqlType string) string {
	s := strings.ToLower(sqlType)
	if strings.Contains(s, "char") || strings.Contains(s, "clob") {
		return "string"
	}
	if strings.Contains(s, "int") || strings.Contains(s, "number") || strings.Contains(s, "float") {
		return "integer"
	}
	if strings.Contains(s, "date") || strings.Contains(s, "time") || strings.Contains(s, "year") {
		return "datetime"
	}
	return s
}

func (d *OracleDialect) GetSchemaName(input string) string {
	return input
}

func (d *OracleDialect) GetLimitRowQuery(query string, limit int) string {
	return fmt.Sprintf("SELECT * FROM (%s) WHERE ROWNUM <= %d", query, limit)
}
