package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"db-pipe/internal/pipeline"
	"db-pipe/internal/position"
	"db-pipe/internal/record"
	"db-pipe/internal/schema"
)

const defaultPollInterval = 50 * time.Millisecond

type IncrementalConfig struct {
	// PollInterval is the sleep after a poll that returned no event.
	PollInterval time.Duration
}

// IncrementalDumper tails a replication stream, decodes it and pushes records in log order.
type IncrementalDumper struct {
	cfg       IncrementalConfig
	connector Connector
	decoder   Decoder
	mapper    *schema.TableMapper
	out       *pipeline.Channel
	retryer   pipeline.Retryer
	stopped   atomic.Bool

	mu     sync.Mutex
	stream Stream
	// last is the position of the last pushed record; a reopened stream starts there
	last position.Position
}

// NewIncrementalDumper wires a connector and its decoder. mapper may be nil, in which case
// every table is in scope and keeps its source name.
func NewIncrementalDumper(cfg IncrementalConfig, conn Connector, dec Decoder, mapper *schema.TableMapper, out *pipeline.Channel, r pipeline.Retryer) *IncrementalDumper {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	return &IncrementalDumper{cfg: cfg, connector: conn, decoder: dec, mapper: mapper, out: out, retryer: r}
}

// Run streams until Stop, a fatal error, or a benign reconnect. It returns nil when another
// consumer already owns the replication stream.
func (d *IncrementalDumper) Run(ctx context.Context, from position.Position) error {
	if from == nil {
		from = position.Placeholder{}
	}
	d.last = from

	if err := d.reopen(ctx); err != nil {
		return d.exit(err)
	}
	defer d.closeStream()

	for !d.stopped.Load() {
		ev, err := d.current().Next(ctx)
		if errors.Is(err, ErrNoEvent) {
			if !sleep(ctx, d.cfg.PollInterval) {
				return ctx.Err()
			}
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !pipeline.IsTransient(err) {
				return d.exit(err)
			}
			log.Warn().Err(err).Stringer("position", d.last).Msg("replication stream broken, reopening")
			d.closeStream()
			if err := d.reopen(ctx); err != nil {
				return d.exit(err)
			}
			continue
		}

		records, err := d.decoder.Decode(ctx, ev)
		if err != nil {
			// skipping bytes would desynchronize everything after this event
			return fmt.Errorf("decode event after %v: %w", d.last, err)
		}
		if len(records) == 0 {
			continue
		}
		d.mapTables(records)
		if err := d.out.Push(ctx, records...); err != nil {
			return err
		}
		for i := len(records) - 1; i >= 0; i-- {
			if p := records[i].Position; p != nil && p.Kind() != position.KindPlaceholder {
				d.last = p
				break
			}
		}
	}
	return nil
}

// Stop requests the loop to end after the in-flight read.
func (d *IncrementalDumper) Stop() {
	d.stopped.Store(true)
}

// Acknowledge forwards a checkpointed position to streams that report progress upstream.
func (d *IncrementalDumper) Acknowledge(ctx context.Context, pos position.Position) error {
	d.mu.Lock()
	s := d.stream
	d.mu.Unlock()
	if ack, ok := s.(Acknowledger); ok {
		return ack.Acknowledge(ctx, pos)
	}
	return nil
}

// reopen opens the stream at the last pushed position under the retry policy.
func (d *IncrementalDumper) reopen(ctx context.Context) error {
	if seeker, ok := d.decoder.(Seeker); ok {
		if err := seeker.Seek(d.last); err != nil {
			return err
		}
	}
	return pipeline.Retry(ctx, d.retryer, "open replication stream", func(ctx context.Context) error {
		s, err := d.connector.Open(ctx, d.last)
		if err != nil {
			return err
		}
		d.mu.Lock()
		d.stream = s
		d.mu.Unlock()
		return nil
	})
}

func (d *IncrementalDumper) current() Stream {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stream
}

func (d *IncrementalDumper) closeStream() {
	d.mu.Lock()
	s := d.stream
	d.stream = nil
	d.mu.Unlock()
	if s != nil {
		if err := s.Close(); err != nil {
			log.Debug().Err(err).Msg("close replication stream")
		}
	}
}

// exit turns a benign reconnect into a clean stop.
func (d *IncrementalDumper) exit(err error) error {
	if pipeline.IsBenignReconnect(err) {
		log.Info().Err(err).Msg("replication stream is owned by another consumer, stopping")
		return nil
	}
	return err
}

// mapTables renames records to their logical tables; records of tables outside the job only
// advance the position.
func (d *IncrementalDumper) mapTables(records []record.Record) {
	if d.mapper == nil {
		return
	}
	for i, r := range records {
		if r.Type == record.Placeholder {
			continue
		}
		logical, ok := d.mapper.Logical(r.Table)
		if !ok {
			records[i] = record.NewPlaceholder(r.Position)
			continue
		}
		records[i].Table = logical
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
