package job

import (
	"database/sql"
	"time"

	"db-pipe/internal/capture"
	"db-pipe/internal/dialect"
	"db-pipe/internal/importer"
	"db-pipe/internal/pipeline"
)

// Database is an opened pool with the settings a job needs to read or write it.
type Database struct {
	Driver      string
	DSN         string
	DB          *sql.DB
	Dialect     dialect.Dialect
	Schema      string
	Replication capture.Replication
}

type RetryConfig struct {
	MaxAttempts  int           `mapstructure:"max_attempts"`
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
}

// Config controls one migration job. Zero values take the defaults below.
type Config struct {
	// ID prefixes every task id; reusing it resumes the job from its checkpoints.
	ID string `mapstructure:"-"`
	// Tables are the logical tables to migrate; empty means every table of the source schema.
	Tables []string `mapstructure:"-"`
	// TableMapping maps a logical table to the actual source table.
	TableMapping map[string]string `mapstructure:"-"`

	ShardSize       int64         `mapstructure:"shard_size"`
	BatchSize       int           `mapstructure:"batch_size"`
	ChannelCapacity int           `mapstructure:"channel_capacity"`
	Concurrency     int           `mapstructure:"concurrency"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	ApplyWindow     time.Duration `mapstructure:"apply_window"`
	ApplyTimeout    time.Duration `mapstructure:"apply_timeout"`
	CheckpointTO    time.Duration `mapstructure:"checkpoint_timeout"`
	// StopTimeout bounds the drain of the incremental task once the job is cancelled.
	StopTimeout time.Duration `mapstructure:"stop_timeout"`
	Retry       RetryConfig   `mapstructure:"retry"`
	// Algorithm is the consistency check algorithm; empty selects DATA_MATCH.
	Algorithm       string `mapstructure:"consistency_algorithm"`
	SkipIncremental bool   `mapstructure:"skip_incremental"`
}

func (c *Config) defaults() {
	if c.ShardSize <= 0 {
		c.ShardSize = 100000
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 1000
	}
	if c.ChannelCapacity <= 0 {
		c.ChannelCapacity = 2 * c.BatchSize
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 30 * time.Second
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = 5
	}
	if c.Retry.InitialDelay <= 0 {
		c.Retry.InitialDelay = 200 * time.Millisecond
	}
	if c.Retry.MaxDelay <= 0 {
		c.Retry.MaxDelay = 10 * time.Second
	}
}

func (c Config) importer() importer.Config {
	return importer.Config{
		BatchSize:         c.BatchSize,
		Window:            c.ApplyWindow,
		ApplyTimeout:      c.ApplyTimeout,
		CheckpointTimeout: c.CheckpointTO,
	}
}

func (c Config) retryer() pipeline.Retryer {
	return pipeline.NewExponentialBackoffRetryer(c.Retry.MaxAttempts, c.Retry.InitialDelay, c.Retry.MaxDelay)
}
