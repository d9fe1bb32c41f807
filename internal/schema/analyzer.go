package schema

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"db-pipe/internal/dialect"
)

// Analyze reads tables, columns and foreign keys of schemaName and returns the tables
// in dependency order.
func Analyze(ctx context.Context, db *sql.DB, d dialect.Dialect, schemaName string) ([]*Table, error) {
	target := d.GetSchemaName(schemaName)

	// keyed by upper-cased name so Oracle's upper-case catalog still matches
	tableMap := make(map[string]*Table)
	var tables []*Table

	rows, err := db.QueryContext(ctx, d.GetTablesQuery(target), target)
	if err != nil {
		return nil, fmt.Errorf("failed to query tables: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan table name: %w", err)
		}
		t := &Table{Name: name, Dependencies: []string{}}
		tableMap[strings.ToUpper(name)] = t
		tables = append(tables, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tables: %w", err)
	}

	if err := analyzeColumns(ctx, db, d, target, tableMap); err != nil {
		return nil, err
	}
	if err := analyzeForeignKeys(ctx, db, d, target, tableMap); err != nil {
		return nil, err
	}
	return SortTablesByFKCount(tables), nil
}

func analyzeColumns(ctx context.Context, db *sql.DB, d dialect.Dialect, target string, tableMap map[string]*Table) error {
	colRows, err := db.QueryContext(ctx, d.GetColumnsQuery(target), target)
	if err != nil {
		return fmt.Errorf("failed to query columns: %w", err)
	}
	defer colRows.Close()

	for colRows.Next() {
		var tName, cName, dType, cType, cLen, isNull, cKey, extra, isUnique, comment sql.NullString
		if err := colRows.Scan(&tName, &cName, &dType, &cType, &cLen, &isNull, &cKey, &extra, &isUnique, &comment); err != nil {
			return fmt.Errorf("failed to scan column (table: %s): %w", tName.String, err)
		}
		if !tName.Valid || !cName.Valid {
			continue
		}
		t, ok := tableMap[strings.ToUpper(tName.String)]
		if !ok {
			continue
		}

		extraLower := strings.ToLower(extra.String)
		col := &Column{
			Name:       cName.String,
			DataType:   d.NormalizeType(dType.String),
			ColumnType: cType.String,
			IsNullable: isNull.String == "YES" || isNull.String == "Y",
			IsPK:       strings.Contains(cKey.String, "PRI"),
			IsAutoInc: strings.Contains(extraLower, "auto_increment") ||
				strings.Contains(extraLower, "identity") ||
				strings.Contains(extraLower, "nextval"),
			IsUnique:   strings.Contains(isUnique.String, "UNIQUE"),
			IsUnsigned: strings.Contains(strings.ToLower(cType.String), "unsigned"),
			Comment:    comment.String,
		}
		if cLen.Valid && cLen.String != "" {
			var fLength float64
			if _, err := fmt.Sscanf(cLen.String, "%f", &fLength); err == nil {
				col.Length = int(fLength)
			}
		}
		t.Columns = append(t.Columns, col)
	}
	if err := colRows.Err(); err != nil {
		return fmt.Errorf("error iterating columns: %w", err)
	}
	return nil
}

func analyzeForeignKeys(ctx context.Context, db *sql.DB, d dialect.Dialect, target string, tableMap map[string]*Table) error {
	fkRows, err := db.QueryContext(ctx, d.GetForeignKeysQuery(target), target)
	if err != nil {
		return fmt.Errorf("failed to query foreign keys: %w", err)
	}
	defer fkRows.Close()

	for fkRows.Next() {
		var tName, cConst, cName, rTable, rCol sql.NullString
		if err := fkRows.Scan(&tName, &cConst, &cName, &rTable, &rCol); err != nil {
			return fmt.Errorf("failed to scan foreign key: %w", err)
		}
		if !tName.Valid || !rTable.Valid || strings.EqualFold(tName.String, rTable.String) {
			continue
		}
		t, ok := tableMap[strings.ToUpper(tName.String)]
		if !ok {
			continue
		}
		// references outside the analyzed schema are ignored
		ref, ok := tableMap[strings.ToUpper(rTable.String)]
		if !ok {
			continue
		}
		t.Dependencies = append(t.Dependencies, ref.Name)
		t.ForeignKeys = append(t.ForeignKeys, &ForeignKey{
			Column:    cName.String,
			RefTable:  ref.Name,
			RefColumn: rCol.String,
		})
	}
	if err := fkRows.Err(); err != nil {
		return fmt.Errorf("error iterating foreign keys: %w", err)
	}
	return nil
}

// SortTablesByFKCount sorts tables by dependency order.
// Cycles are broken by picking the table with the fewest unresolved dependencies,
// preferring tables that take part in a two-table cycle.
func SortTablesByFKCount(tables []*Table) []*Table {
	var sorted []*Table
	processed := make(map[string]bool)
	byName := make(map[string]*Table, len(tables))
	for _, t := range tables {
		byName[t.Name] = t
	}

	for len(sorted) < len(tables) {
		added := false

		for _, t := range tables {
			if processed[t.Name] {
				continue
			}
			ready := true
			for _, dep := range t.Dependencies {
				if !processed[dep] {
					ready = false
					break
				}
			}
			if ready {
				sorted = append(sorted, t)
				processed[t.Name] = true
				added = true
			}
		}
		if added {
			continue
		}

		var best *Table
		bestScore := -999999
		for _, t := range tables {
			if processed[t.Name] {
				continue
			}
			score := 0
			circular := false
			for _, dep := range t.Dependencies {
				if processed[dep] {
					continue
				}
				score -= 100
				if cand, ok := byName[dep]; ok && !circular {
					for _, back := range cand.Dependencies {
						if back == t.Name {
							circular = true
							break
						}
					}
				}
			}
			if circular {
				score += 500
			}
			if score > bestScore || (score == bestScore && (best == nil || t.Name > best.Name)) {
				bestScore = score
				best = t
			}
		}
		if best == nil {
			log.Error().Int("remaining", len(tables)-len(sorted)).Msg("table ordering deadlocked")
			break
		}
		sorted = append(sorted, best)
		processed[best.Name] = true
		log.Debug().Str("table", best.Name).Int("score", bestScore).Msg("breaking circular dependency")
	}

	return sorted
}
