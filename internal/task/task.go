// Package task runs one dumper and one importer connected by a channel, with resumable progress.
package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"db-pipe/internal/checkpoint"
	"db-pipe/internal/importer"
	"db-pipe/internal/ingest"
	"db-pipe/internal/pipeline"
	"db-pipe/internal/position"
)

type Kind string

const (
	Inventory   Kind = "inventory"
	Incremental Kind = "incremental"
)

type State string

const (
	Created  State = "CREATED"
	Starting State = "STARTING"
	Running  State = "RUNNING"
	Stopping State = "STOPPING"
	Stopped  State = "STOPPED"
	Failed   State = "FAILED"
)

var ErrNotCreated = errors.New("task: already started")

type Config struct {
	ID   string
	Kind Kind
	// Start is where a task without saved progress begins.
	Start    position.Position
	Importer importer.Config
	Retryer  pipeline.Retryer
}

// Task owns a dumper, an importer and the channel between them.
type Task struct {
	cfg     Config
	dumper  ingest.Dumper
	channel *pipeline.Channel
	sink    importer.Sink
	store   checkpoint.Store

	mu       sync.RWMutex
	state    State
	err      error
	progress checkpoint.Progress

	cancel context.CancelFunc
	done   chan struct{}
}

// New assembles a task. dumper must push into channel.
func New(cfg Config, dumper ingest.Dumper, channel *pipeline.Channel, sink importer.Sink, store checkpoint.Store) *Task {
	if cfg.Retryer == nil {
		cfg.Retryer = pipeline.NewExponentialBackoffRetryer(5, 100*time.Millisecond, 10*time.Second)
	}
	if cfg.Start == nil {
		cfg.Start = position.Placeholder{}
	}
	return &Task{
		cfg:      cfg,
		dumper:   dumper,
		channel:  channel,
		sink:     sink,
		store:    store,
		state:    Created,
		progress: checkpoint.Progress{TaskID: cfg.ID, Position: cfg.Start},
		done:     make(chan struct{}),
	}
}

func (t *Task) ID() string { return t.cfg.ID }

func (t *Task) Kind() Kind { return t.cfg.Kind }

// Start resumes from saved progress and runs both halves in the background.
func (t *Task) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.state != Created {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrNotCreated, t.cfg.ID, t.state)
	}
	t.state = Starting
	t.mu.Unlock()

	saved, err := t.store.Load(ctx, t.cfg.ID)
	switch {
	case errors.Is(err, checkpoint.ErrNotFound):
	case err != nil:
		t.mu.Lock()
		if t.state == Starting {
			t.state = Created
		}
		t.mu.Unlock()
		return fmt.Errorf("task %s: load progress: %w", t.cfg.ID, err)
	default:
		log.Info().Str("task", t.cfg.ID).Stringer("position", saved.Position).Int64("processed", saved.Processed).Msg("resuming")
	}

	runCtx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	// Stop during the load has already finished the task
	if t.state != Starting {
		state := t.state
		t.mu.Unlock()
		cancel()
		return fmt.Errorf("%w: %s is %s", ErrNotCreated, t.cfg.ID, state)
	}
	if err == nil {
		t.progress = saved
	}
	from := t.progress.Position
	t.state = Running
	t.cancel = cancel
	t.mu.Unlock()

	imp := importer.New(t.cfg.Importer, t.channel, t.sink, t.cfg.Retryer, t.acknowledge)
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		// closing lets the importer drain what was pushed and return
		defer t.channel.Close()
		if err := t.dumper.Run(gctx, from); err != nil {
			return fmt.Errorf("dumper: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := imp.Run(gctx); err != nil {
			return fmt.Errorf("importer: %w", err)
		}
		return nil
	})

	go func() {
		err := g.Wait()
		cancel()
		t.finish(ctx, err)
	}()
	return nil
}

func (t *Task) finish(parent context.Context, err error) {
	t.mu.Lock()
	stopping := t.state == Stopping
	if err != nil && errors.Is(err, context.Canceled) && (stopping || parent.Err() != nil) {
		err = nil
	}
	if err != nil {
		t.state = Failed
		t.err = fmt.Errorf("task %s: %w", t.cfg.ID, err)
	} else {
		t.state = Stopped
	}
	final := t.progress
	t.mu.Unlock()

	if err != nil {
		log.Error().Err(err).Str("task", t.cfg.ID).Stringer("position", final.Position).Msg("task failed")
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if serr := t.store.Save(ctx, final); serr != nil {
			log.Warn().Err(serr).Str("task", t.cfg.ID).Msg("persist final progress")
		}
		cancel()
		log.Info().Str("task", t.cfg.ID).Stringer("position", final.Position).Int64("processed", final.Processed).Msg("task stopped")
	}
	close(t.done)
}

// acknowledge records an applied batch and persists it before the importer moves on.
func (t *Task) acknowledge(ctx context.Context, last position.Position, applied int) error {
	t.mu.Lock()
	if last != nil && last.Kind() != position.KindPlaceholder {
		t.progress.Position = last
	}
	t.progress.Processed += int64(applied)
	t.progress.UpdatedAt = time.Now()
	snapshot := t.progress
	t.mu.Unlock()

	if err := t.store.Save(ctx, snapshot); err != nil {
		// saving is retried by the importer; Processed must not count the batch twice
		t.mu.Lock()
		t.progress.Processed -= int64(applied)
		t.mu.Unlock()
		return pipeline.Transient(err)
	}
	if ack, ok := t.dumper.(ingest.Acknowledger); ok {
		if err := ack.Acknowledge(ctx, snapshot.Position); err != nil {
			log.Warn().Err(err).Str("task", t.cfg.ID).Msg("acknowledge position upstream")
		}
	}
	return nil
}

// Wait blocks until the task stopped or failed and returns the failure.
func (t *Task) Wait() error {
	<-t.done
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.err
}

// Done is closed when the task has stopped or failed.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Stop asks the dumper to stop and waits for the importer to drain. If ctx expires first,
// both halves are cancelled.
func (t *Task) Stop(ctx context.Context) error {
	t.mu.Lock()
	switch t.state {
	case Created, Starting:
		t.state = Stopped
		t.mu.Unlock()
		close(t.done)
		return nil
	case Running:
		t.state = Stopping
	}
	cancel := t.cancel
	t.mu.Unlock()

	t.dumper.Stop()
	select {
	case <-t.done:
	case <-ctx.Done():
		log.Warn().Str("task", t.cfg.ID).Msg("stop timed out, cancelling")
		if cancel != nil {
			cancel()
		}
		<-t.done
	}
	return t.Wait()
}

// Progress returns a snapshot of the latest acknowledged progress.
func (t *Task) Progress() checkpoint.Progress {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.progress
}

func (t *Task) State() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}
