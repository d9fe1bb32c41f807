package dialect

import (
	"fmt"
	"strings"
)

// GeneratePlaceholders returns count comma-separated placeholders starting at index from.
func GeneratePlaceholders(from, count int, placeholderFunc func(int) string) string {
	placeholders := make([]string, count)
	for i := 0; i < count; i++ {
		placeholders[i] = placeholderFunc(from + i)
	}
	return strings.Join(placeholders, ", ")
}

// DefaultNormalizeType is a default implementation for type normalization (lowercase).
func DefaultNormalizeType(sqlType string) string {
	return strings.ToLower(sqlType)
}

// DefaultGetSchemaName is a default implementation for Getting Schema Name (identity).
func DefaultGetSchemaName(input string) string {
	return input
}

// quoteEach quotes every dot-separated part of a possibly schema-qualified name.
func quoteEach(name, open, close string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		p = strings.ReplaceAll(p, close, close+close)
		parts[i] = open + p + close
	}
	return strings.Join(parts, ".")
}

func quoteAll(d Dialect, names []string) []string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = d.QuoteIdentifier(n)
	}
	return quoted
}

func insertQuery(d Dialect, table string, cols []string) string {
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		d.QuoteIdentifier(table), strings.Join(quoteAll(d, cols), ", "), GeneratePlaceholders(0, len(cols), d.Placeholder))
}

// WhereKeys renders "k1 = p AND k2 = p" with placeholders starting at index from.
func WhereKeys(d Dialect, keys []string, from int) string {
	conds := make([]string, len(keys))
	for i, k := range keys {
		conds[i] = fmt.Sprintf("%s = %s", d.QuoteIdentifier(k), d.Placeholder(from+i))
	}
	return strings.Join(conds, " AND ")
}

func deleteQuery(d Dialect, table string, keys []string) string {
	return fmt.Sprintf("DELETE FROM %s WHERE %s", d.QuoteIdentifier(table), WhereKeys(d, keys, 0))
}

func countQuery(d Dialect, table string) string {
	return fmt.Sprintf("SELECT COUNT(*) FROM %s", d.QuoteIdentifier(table))
}

func nonKeys(cols, keys []string) []string {
	isKey := make(map[string]bool, len(keys))
	for _, k := range keys {
		isKey[strings.ToLower(k)] = true
	}
	var rest []string
	for _, c := range cols {
		if !isKey[strings.ToLower(c)] {
			rest = append(rest, c)
		}
	}
	return rest
}

// onConflictUpsert is shared by PostgreSQL, openGauss and SQLite.
func onConflictUpsert(d Dialect, table string, cols, keys []string) string {
	base := insertQuery(d, table, cols)
	rest := nonKeys(cols, keys)
	if len(rest) == 0 {
		return fmt.Sprintf("%s ON CONFLICT (%s) DO NOTHING", base, strings.Join(quoteAll(d, keys), ", "))
	}
	sets := make([]string, len(rest))
	for i, c := range rest {
		q := d.QuoteIdentifier(c)
		sets[i] = fmt.Sprintf("%s = EXCLUDED.%s", q, q)
	}
	return fmt.Sprintf("%s ON CONFLICT (%s) DO UPDATE SET %s", base, strings.Join(quoteAll(d, keys), ", "), strings.Join(sets, ", "))
}

// mergeUpsert renders a MERGE statement; source is the row-constructor for the incoming values.
func mergeUpsert(d Dialect, table, source string, cols, keys []string, terminator string) string {
	on := make([]string, len(keys))
	for i, k := range keys {
		q := d.QuoteIdentifier(k)
		on[i] = fmt.Sprintf("tgt.%s = src.%s", q, q)
	}
	quoted := quoteAll(d, cols)
	srcCols := make([]string, len(cols))
	for i, q := range quoted {
		srcCols[i] = "src." + q
	}
	var b strings.Builder
	fmt.Fprintf(&b, "MERGE INTO %s tgt USING %s ON (%s)", d.QuoteIdentifier(table), source, strings.Join(on, " AND "))
	if rest := nonKeys(cols, keys); len(rest) > 0 {
		sets := make([]string, len(rest))
		for i, c := range rest {
			q := d.QuoteIdentifier(c)
			sets[i] = fmt.Sprintf("tgt.%s = src.%s", q, q)
		}
		fmt.Fprintf(&b, " WHEN MATCHED THEN UPDATE SET %s", strings.Join(sets, ", "))
	}
	fmt.Fprintf(&b, " WHEN NOT MATCHED THEN INSERT (%s) VALUES (%s)%s", strings.Join(quoted, ", "), strings.Join(srcCols, ", "), terminator)
	return b.String()
}
