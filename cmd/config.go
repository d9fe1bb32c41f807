package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"db-pipe/internal/capture"
	"db-pipe/internal/checkpoint"
	"db-pipe/internal/dialect"
	"db-pipe/internal/job"
)

const (
	roleSource = "source"
	roleTarget = "target"
)

type DBConfig struct {
	Name         string              `mapstructure:"name"`
	Role         string              `mapstructure:"role"`
	Driver       string              `mapstructure:"driver"`
	DSN          string              `mapstructure:"dsn"`
	Schema       string              `mapstructure:"schema"`
	MaxOpenConns int                 `mapstructure:"max_open_conns"`
	Replication  capture.Replication `mapstructure:"replication"`
}

// GetDBConfig returns the database configured for role. Exactly one database per role is allowed.
func GetDBConfig(role string) (*DBConfig, error) {
	var configs []DBConfig
	if err := viper.UnmarshalKey("databases", &configs); err != nil {
		return nil, fmt.Errorf("failed to parse databases config: %w", err)
	}

	var found *DBConfig
	for i := range configs {
		if !strings.EqualFold(configs[i].Role, role) {
			continue
		}
		if found != nil {
			return nil, fmt.Errorf("multiple %s databases found (only one is allowed)", role)
		}
		found = &configs[i]
	}
	if found == nil {
		return nil, fmt.Errorf("no %s database found in config (set role: %s)", role, role)
	}
	if found.DSN == "" || found.Driver == "" {
		return nil, fmt.Errorf("%s database %q needs driver and dsn", role, found.Name)
	}
	return found, nil
}

// openDatabase opens and pings the database of role and resolves its dialect and schema.
func openDatabase(ctx context.Context, role string, dialects *dialect.Registry) (job.Database, error) {
	cfg, err := GetDBConfig(role)
	if err != nil {
		return job.Database{}, err
	}
	d, err := dialects.Get(cfg.Driver)
	if err != nil {
		return job.Database{}, err
	}
	db, err := sql.Open(sqlDriver(cfg.Driver), cfg.DSN)
	if err != nil {
		return job.Database{}, fmt.Errorf("failed to open %s db: %w", role, err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return job.Database{}, fmt.Errorf("failed to connect to %s db: %w", role, err)
	}

	schemaName := cfg.Schema
	if schemaName == "" {
		if schemaName, err = currentSchema(ctx, db, cfg.Driver); err != nil {
			db.Close()
			return job.Database{}, err
		}
	}
	log.Info().Str("role", role).Str("name", cfg.Name).Str("driver", cfg.Driver).Str("schema", schemaName).Msg("connected")
	return job.Database{
		Driver:      cfg.Driver,
		DSN:         cfg.DSN,
		DB:          db,
		Dialect:     d,
		Schema:      schemaName,
		Replication: cfg.Replication,
	}, nil
}

// sqlDriver maps configured driver names to the database/sql driver that serves them.
func sqlDriver(driver string) string {
	switch strings.ToLower(driver) {
	case "postgresql", "pgx", "opengauss":
		return "postgres"
	case "mariadb":
		return "mysql"
	case "mssql":
		return "sqlserver"
	case "sqlite3":
		return "sqlite"
	}
	return strings.ToLower(driver)
}

func currentSchema(ctx context.Context, db *sql.DB, driver string) (string, error) {
	switch sqlDriver(driver) {
	case "mysql":
		var name sql.NullString
		if err := db.QueryRowContext(ctx, "SELECT DATABASE()").Scan(&name); err != nil {
			return "", fmt.Errorf("failed to get database name: %w", err)
		}
		if !name.Valid || name.String == "" {
			return "", fmt.Errorf("no database selected in DSN")
		}
		return name.String, nil
	case "sqlserver":
		return "dbo", nil
	case "oracle":
		var name string
		if err := db.QueryRowContext(ctx, "SELECT USER FROM DUAL").Scan(&name); err != nil {
			return "", fmt.Errorf("failed to get schema name: %w", err)
		}
		return name, nil
	case "sqlite":
		return "", nil
	}
	return "public", nil
}

// jobConfig merges the pipeline section, the table lists and command flags.
func jobConfig(id string) (job.Config, error) {
	var cfg job.Config
	if err := viper.UnmarshalKey("pipeline", &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse pipeline config: %w", err)
	}
	cfg.ID = id
	// flag-bound keys are not part of the unmarshalled section
	cfg.SkipIncremental = viper.GetBool("pipeline.skip_incremental")
	cfg.Algorithm = viper.GetString("pipeline.consistency_algorithm")
	cfg.Tables = viper.GetStringSlice("tables")
	cfg.TableMapping = viper.GetStringMapString("table_mapping")
	return cfg, nil
}

// checkpointStore keeps checkpoints in a file when checkpoint.file is set and in a table of
// the target database otherwise.
func checkpointStore(ctx context.Context, target job.Database) (checkpoint.Store, error) {
	if path := viper.GetString("checkpoint.file"); path != "" {
		return checkpoint.NewFileStore(path), nil
	}
	store := checkpoint.NewSQLStore(target.DB, target.Dialect, viper.GetString("checkpoint.table"))
	if err := store.EnsureTable(ctx); err != nil {
		return nil, err
	}
	return store, nil
}
