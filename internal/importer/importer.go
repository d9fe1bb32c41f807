// Package importer applies records from a channel to the target and acknowledges progress.
package importer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"db-pipe/internal/pipeline"
	"db-pipe/internal/position"
	"db-pipe/internal/record"
)

type Config struct {
	BatchSize int
	// Window bounds how long a partial batch waits for more records.
	Window            time.Duration
	ApplyTimeout      time.Duration
	CheckpointTimeout time.Duration
}

func (c *Config) defaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 1000
	}
	if c.Window <= 0 {
		c.Window = 100 * time.Millisecond
	}
	if c.ApplyTimeout <= 0 {
		c.ApplyTimeout = 30 * time.Second
	}
	if c.CheckpointTimeout <= 0 {
		c.CheckpointTimeout = 10 * time.Second
	}
}

// AckFunc persists progress after a batch was applied. last is the position of the batch's
// final record and applied the number of row changes in it.
type AckFunc func(ctx context.Context, last position.Position, applied int) error

// Importer drains a channel in batches until it is closed and empty.
type Importer struct {
	cfg     Config
	in      *pipeline.Channel
	sink    Sink
	retryer pipeline.Retryer
	ack     AckFunc
}

func New(cfg Config, in *pipeline.Channel, sink Sink, r pipeline.Retryer, ack AckFunc) *Importer {
	cfg.defaults()
	return &Importer{cfg: cfg, in: in, sink: sink, retryer: r, ack: ack}
}

// Run applies batches in channel order. It returns nil once the channel is closed and drained,
// and the first fatal error otherwise.
func (im *Importer) Run(ctx context.Context) error {
	for {
		batch, err := im.in.Fetch(ctx, im.cfg.BatchSize, im.cfg.Window)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}
		if err := im.applyBatch(ctx, batch); err != nil {
			return err
		}
	}
}

func (im *Importer) applyBatch(ctx context.Context, batch []record.Record) error {
	err := pipeline.Retry(ctx, im.retryer, "apply batch", func(ctx context.Context) error {
		return withTimeout(ctx, im.cfg.ApplyTimeout, func(ctx context.Context) error {
			return im.sink.Apply(ctx, batch)
		})
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("apply %d records: %w", len(batch), err)
	}

	applied := 0
	for _, r := range batch {
		if r.Type != record.Placeholder {
			applied++
		}
	}
	last := batch[len(batch)-1].Position
	log.Debug().Int("records", len(batch)).Int("applied", applied).Stringer("position", last).Msg("batch applied")
	if im.ack == nil {
		return nil
	}
	err = pipeline.Retry(ctx, im.retryer, "persist checkpoint", func(ctx context.Context) error {
		return withTimeout(ctx, im.cfg.CheckpointTimeout, func(ctx context.Context) error {
			return im.ack(ctx, last, applied)
		})
	})
	if err != nil {
		return fmt.Errorf("persist checkpoint at %v: %w", last, err)
	}
	return nil
}

// withTimeout runs op under a deadline; running out of time is retryable unless the parent
// context is done too.
func withTimeout(ctx context.Context, d time.Duration, op func(ctx context.Context) error) error {
	tctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	err := op(tctx)
	if err != nil && ctx.Err() == nil && errors.Is(tctx.Err(), context.DeadlineExceeded) {
		return pipeline.Transient(err)
	}
	return err
}
