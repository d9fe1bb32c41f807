package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"db-pipe/internal/dialect"
	"db-pipe/internal/schema"
)

var cleanRole string

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Delete all rows of the selected tables on the target (or source) database",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		db, err := openDatabase(ctx, cleanRole, dialect.NewRegistry())
		if err != nil {
			return err
		}
		defer db.DB.Close()

		log.Info().Msg("analyzing schema")
		tables, err := schema.Analyze(ctx, db.DB, db.Dialect, db.Schema)
		if err != nil {
			return err
		}
		tables, err = selectTables(tables, viper.GetStringSlice("tables"))
		if err != nil {
			return err
		}
		fmt.Printf("🦅 Cleaning %d tables on %s (%s)\n", len(tables), cleanRole, db.Driver)
		return cleanDatabase(ctx, db.DB, db.Dialect, tables)
	},
}

func init() {
	RootCmd.AddCommand(cleanCmd)
	cleanCmd.Flags().StringVar(&cleanRole, "role", roleTarget, "database to clean: source or target")
}

// selectTables keeps the requested tables in their analyzed order; no request keeps all.
func selectTables(all []*schema.Table, names []string) ([]*schema.Table, error) {
	if len(names) == 0 {
		return all, nil
	}
	wanted := make(map[string]bool, len(names))
	for _, n := range names {
		wanted[strings.ToLower(n)] = true
	}
	var out []*schema.Table
	for _, t := range all {
		if wanted[strings.ToLower(t.Name)] {
			out = append(out, t)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no matching tables found for inputs: %v", names)
	}
	return out, nil
}

// cleanDatabase empties tables children first inside one transaction with constraints deferred.
func cleanDatabase(ctx context.Context, db *sql.DB, d dialect.Dialect, tables []*schema.Table) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := d.DisableConstraints(tx); err != nil {
		log.Warn().Err(err).Msg("failed to disable constraints, continuing")
		// a failed statement aborts the whole transaction on PostgreSQL
		tx.Rollback()
		if tx, err = db.BeginTx(ctx, nil); err != nil {
			return err
		}
	}
	defer tx.Rollback()

	total := len(tables)
	for i := total - 1; i >= 0; i-- {
		name := tables[i].Name
		if _, err := tx.ExecContext(ctx, d.TruncateQuery(name)); err != nil {
			return fmt.Errorf("clean %s: %w", name, err)
		}
		if done := total - i; done%5 == 0 || done == total {
			log.Info().Msgf("cleaned %d/%d tables", done, total)
		}
	}

	if err := d.EnableConstraints(tx); err != nil {
		log.Warn().Err(err).Msg("failed to enable constraints")
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit cleaning transaction: %w", err)
	}
	log.Info().Msg("database cleaned")
	return nil
}
