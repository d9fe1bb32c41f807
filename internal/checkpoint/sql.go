package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"db-pipe/internal/dialect"
)

const DefaultTable = "pipe_checkpoint"

// SQLStore keeps progress in a table of the target database, next to the migrated data.
type SQLStore struct {
	db      *sql.DB
	dialect dialect.Dialect
	table   string
}

func NewSQLStore(db *sql.DB, d dialect.Dialect, table string) *SQLStore {
	if table == "" {
		table = DefaultTable
	}
	return &SQLStore{db: db, dialect: d, table: table}
}

// EnsureTable creates the checkpoint table unless it already exists.
func (s *SQLStore) EnsureTable(ctx context.Context) error {
	var n int64
	if err := s.db.QueryRowContext(ctx, s.dialect.CountQuery(s.table)).Scan(&n); err == nil {
		return nil
	}
	q := func(n string) string { return s.dialect.QuoteIdentifier(n) }
	ddl := fmt.Sprintf(`CREATE TABLE %s (
    %s VARCHAR(255) NOT NULL PRIMARY KEY,
    %s VARCHAR(1024) NOT NULL,
    %s %s NOT NULL,
    %s VARCHAR(64) NOT NULL
)`, q(s.table), q("task_id"), q("position"), q("processed"), bigint(s.dialect), q("updated_at"))
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("checkpoint: create %s: %w", s.table, err)
	}
	log.Info().Str("table", s.table).Msg("checkpoint table created")
	return nil
}

func bigint(d dialect.Dialect) string {
	if d.Name() == "oracle" {
		return "NUMBER(19)"
	}
	return "BIGINT"
}

func (s *SQLStore) selectQuery(where string) string {
	q := func(n string) string { return s.dialect.QuoteIdentifier(n) }
	return fmt.Sprintf("SELECT %s, %s, %s, %s FROM %s WHERE %s",
		q("task_id"), q("position"), q("processed"), q("updated_at"), q(s.table), where)
}

func scanEntry(scan func(dest ...any) error) (entry, error) {
	var e entry
	var updated string
	if err := scan(&e.TaskID, &e.Position, &e.Processed, &updated); err != nil {
		return e, err
	}
	t, err := time.Parse(time.RFC3339Nano, updated)
	if err != nil {
		return e, fmt.Errorf("checkpoint: updated_at %q: %w", updated, err)
	}
	e.UpdatedAt = t
	return e, nil
}

func (s *SQLStore) Load(ctx context.Context, taskID string) (Progress, error) {
	row := s.db.QueryRowContext(ctx, s.selectQuery(dialect.WhereKeys(s.dialect, []string{"task_id"}, 0)), taskID)
	e, err := scanEntry(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return Progress{}, fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	if err != nil {
		return Progress{}, fmt.Errorf("checkpoint: load %s: %w", taskID, err)
	}
	return e.progress()
}

func (s *SQLStore) Save(ctx context.Context, p Progress) error {
	e := toEntry(p)
	q := s.dialect.UpsertQuery(s.table, []string{"task_id", "position", "processed", "updated_at"}, []string{"task_id"})
	if _, err := s.db.ExecContext(ctx, q, e.TaskID, e.Position, e.Processed, e.UpdatedAt.Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("checkpoint: save %s: %w", p.TaskID, err)
	}
	return nil
}

func (s *SQLStore) List(ctx context.Context, prefix string) ([]Progress, error) {
	where := fmt.Sprintf("%s LIKE %s ORDER BY %s", s.dialect.QuoteIdentifier("task_id"), s.dialect.Placeholder(0), s.dialect.QuoteIdentifier("task_id"))
	rows, err := s.db.QueryContext(ctx, s.selectQuery(where), prefix+"%")
	if err != nil {
		return nil, fmt.Errorf("checkpoint: list %s: %w", prefix, err)
	}
	defer rows.Close()
	var out []Progress
	for rows.Next() {
		e, err := scanEntry(rows.Scan)
		if err != nil {
			return nil, err
		}
		// LIKE treats _ and % in the prefix as wildcards
		if !strings.HasPrefix(e.TaskID, prefix) {
			continue
		}
		p, err := e.progress()
		if err != nil {
			return nil, fmt.Errorf("checkpoint %s: %w", e.TaskID, err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLStore) Delete(ctx context.Context, taskID string) error {
	_, err := s.db.ExecContext(ctx, s.dialect.DeleteQuery(s.table, []string{"task_id"}), taskID)
	if err != nil {
		return fmt.Errorf("checkpoint: delete %s: %w", taskID, err)
	}
	return nil
}
