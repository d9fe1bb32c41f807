// Package job plans a migration into tasks, runs them and checks the result.
package job

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"db-pipe/internal/capture"
	"db-pipe/internal/checkpoint"
	"db-pipe/internal/consistency"
	"db-pipe/internal/importer"
	"db-pipe/internal/ingest"
	"db-pipe/internal/pipeline"
	"db-pipe/internal/position"
	"db-pipe/internal/schema"
	"db-pipe/internal/task"
)

// Hooks observe a running job. Every field is optional.
type Hooks struct {
	// TaskStarted is called after a task started. estimate is the expected number of
	// rows for inventory tasks with a bounded range and zero otherwise.
	TaskStarted func(t *task.Task, estimate int64)
}

// TaskReport is the final state of one task.
type TaskReport struct {
	ID        string
	Kind      task.Kind
	State     task.State
	Position  position.Position
	Processed int64
	Err       error
}

type Report struct {
	JobID  string
	Tasks  []TaskReport
	Checks []consistency.Result
}

// Succeeded reports whether no task failed and every check matched.
func (r Report) Succeeded() bool {
	for _, t := range r.Tasks {
		if t.State == task.Failed {
			return false
		}
	}
	for _, c := range r.Checks {
		if !c.Matched {
			return false
		}
	}
	return true
}

type Job struct {
	cfg        Config
	source     Database
	target     Database
	store      checkpoint.Store
	captures   *capture.Registry
	algorithms *consistency.Registry

	loader *schema.DBLoader
	mapper *schema.TableMapper
}

// New prepares a job. A missing cfg.ID gets a fresh one.
func New(cfg Config, source, target Database, store checkpoint.Store, captures *capture.Registry, algorithms *consistency.Registry) *Job {
	cfg.defaults()
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	return &Job{
		cfg:        cfg,
		source:     source,
		target:     target,
		store:      store,
		captures:   captures,
		algorithms: algorithms,
		loader:     schema.NewDBLoader(source.DB, source.Dialect, source.Schema),
	}
}

func (j *Job) ID() string { return j.cfg.ID }

// tables resolves the logical tables and their source metadata.
func (j *Job) tables(ctx context.Context) ([]string, map[string]*schema.Table, error) {
	logicals := j.cfg.Tables
	if len(logicals) == 0 {
		all, err := j.loader.Tables(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("analyze source schema: %w", err)
		}
		for _, t := range all {
			logicals = append(logicals, t.Name)
		}
	}
	if j.mapper == nil {
		j.mapper = schema.NewTableMapper(j.source.Schema, logicals, j.cfg.TableMapping)
	}
	meta := make(map[string]*schema.Table, len(logicals))
	for _, l := range logicals {
		t, err := j.loader.Table(ctx, j.mapper.Actual(l))
		if err != nil {
			return nil, nil, err
		}
		if len(t.KeyColumns()) == 0 {
			return nil, nil, fmt.Errorf("table %s has no primary or unique key", l)
		}
		meta[l] = t
	}
	return logicals, meta, nil
}

func (j *Job) taskID(parts ...string) string {
	return j.cfg.ID + "/" + strings.Join(parts, "/")
}

// Run captures the current log position, copies every table and then replays changes
// until ctx is cancelled. With SkipIncremental it returns once the copy is done.
func (j *Job) Run(ctx context.Context, hooks Hooks) (Report, error) {
	report := Report{JobID: j.cfg.ID}
	logicals, meta, err := j.tables(ctx)
	if err != nil {
		return report, err
	}
	log.Info().Str("job", j.cfg.ID).Strs("tables", logicals).Msg("job planned")

	var incremental *task.Task
	if !j.cfg.SkipIncremental {
		// built before the snapshot so changes made during it are replayed
		if incremental, err = j.incrementalTask(ctx); err != nil {
			return report, err
		}
	}

	inventory, err := j.inventoryTasks(ctx, logicals, meta)
	if err != nil {
		return report, err
	}
	err = j.runInventory(ctx, inventory, hooks)
	for _, it := range inventory {
		report.Tasks = append(report.Tasks, taskReport(it.task))
	}
	if err != nil || incremental == nil {
		return report, err
	}

	if err := incremental.Start(ctx); err != nil {
		return report, err
	}
	if hooks.TaskStarted != nil {
		hooks.TaskStarted(incremental, 0)
	}
	select {
	case <-incremental.Done():
	case <-ctx.Done():
		stopCtx, cancel := context.WithTimeout(context.Background(), j.cfg.StopTimeout)
		_ = incremental.Stop(stopCtx)
		cancel()
	}
	err = incremental.Wait()
	report.Tasks = append(report.Tasks, taskReport(incremental))
	return report, err
}

func taskReport(t *task.Task) TaskReport {
	p := t.Progress()
	r := TaskReport{ID: t.ID(), Kind: t.Kind(), State: t.State(), Position: p.Position, Processed: p.Processed}
	if r.State == task.Failed {
		r.Err = t.Wait()
	}
	return r
}

type inventoryTask struct {
	task     *task.Task
	estimate int64
}

// inventoryTasks builds one task per key range. Ranges saved by an earlier run are reused so a
// resumed job keeps its original shards even if the table grew meanwhile.
func (j *Job) inventoryTasks(ctx context.Context, logicals []string, meta map[string]*schema.Table) ([]inventoryTask, error) {
	var out []inventoryTask
	for _, l := range logicals {
		t := meta[l]
		actual := j.mapper.Actual(l)
		prefix := j.taskID("inventory", l) + "/"

		saved, err := j.store.List(ctx, prefix)
		if err != nil {
			return nil, fmt.Errorf("load inventory plan of %s: %w", l, err)
		}
		type shard struct {
			id  string
			rng position.PrimaryKeyRange
		}
		var shards []shard
		if len(saved) > 0 {
			for _, p := range saved {
				rng, _ := p.Position.(position.PrimaryKeyRange)
				shards = append(shards, shard{id: p.TaskID, rng: rng})
			}
			sort.Slice(shards, func(a, b int) bool { return shardIndex(shards[a].id) < shardIndex(shards[b].id) })
		} else {
			ranges, err := ingest.SplitRanges(ctx, j.source.DB, j.source.Dialect, t, actual, j.cfg.ShardSize)
			if err != nil {
				return nil, err
			}
			for i, rng := range ranges {
				s := shard{id: prefix + strconv.Itoa(i), rng: rng}
				if err := j.store.Save(ctx, checkpoint.Progress{TaskID: s.id, Position: rng}); err != nil {
					return nil, fmt.Errorf("save inventory plan of %s: %w", l, err)
				}
				shards = append(shards, s)
			}
		}

		keyType := position.StringKey
		if t.IsIntegerKey() {
			keyType = position.IntegerKey
		}
		for _, s := range shards {
			// finished shards keep only their id; the dumper returns at once for them
			rng := s.rng
			if rng.Type == 0 {
				rng.Type = keyType
			}
			ch := pipeline.NewChannel(j.cfg.ChannelCapacity)
			dumper := ingest.NewInventoryDumper(ingest.InventoryConfig{
				Table:       l,
				SourceTable: actual,
				Columns:     t.ColumnNames(),
				Key:         t.KeyNames()[0],
				Range:       rng,
				BatchSize:   j.cfg.BatchSize,
			}, j.source.DB, j.source.Dialect, ch, j.cfg.retryer())
			tk := task.New(task.Config{
				ID:       s.id,
				Kind:     task.Inventory,
				Start:    rng,
				Importer: j.cfg.importer(),
				Retryer:  j.cfg.retryer(),
			}, dumper, ch, importer.NewSQLSink(j.target.DB, j.target.Dialect, nil), j.store)
			out = append(out, inventoryTask{task: tk, estimate: estimate(rng)})
		}
	}
	return out, nil
}

func shardIndex(id string) int {
	n, _ := strconv.Atoi(id[strings.LastIndexByte(id, '/')+1:])
	return n
}

func estimate(rng position.PrimaryKeyRange) int64 {
	lo, lok := rng.Lower.(int64)
	hi, hok := rng.Upper.(int64)
	if !lok || !hok {
		return 0
	}
	return hi - lo
}

func (j *Job) runInventory(ctx context.Context, tasks []inventoryTask, hooks Hooks) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(j.cfg.Concurrency)
	for _, it := range tasks {
		it := it
		g.Go(func() error {
			if err := it.task.Start(gctx); err != nil {
				return err
			}
			if hooks.TaskStarted != nil {
				hooks.TaskStarted(it.task, it.estimate)
			}
			return it.task.Wait()
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	// a cancelled job stops its tasks cleanly but has not copied everything
	return ctx.Err()
}

// incrementalTask wires the source's change capture. The start position is captured and
// saved on the first run so restarts replay from the same point.
func (j *Job) incrementalTask(ctx context.Context) (*task.Task, error) {
	mapper := j.mapper
	conn, dec, err := j.captures.Open(capture.Source{
		Driver:      j.source.Driver,
		DSN:         j.source.DSN,
		Replication: j.source.Replication,
		Loader:      j.loader,
		InScope: func(table string) bool {
			_, ok := mapper.Logical(table)
			return ok
		},
	})
	if err != nil {
		return nil, err
	}

	id := j.taskID("incremental")
	saved, err := j.store.Load(ctx, id)
	start := saved.Position
	switch {
	case errors.Is(err, checkpoint.ErrNotFound):
		if start, err = conn.CurrentPosition(ctx); err != nil {
			return nil, fmt.Errorf("current log position: %w", err)
		}
		if err := j.store.Save(ctx, checkpoint.Progress{TaskID: id, Position: start}); err != nil {
			return nil, fmt.Errorf("save incremental start: %w", err)
		}
		log.Info().Str("job", j.cfg.ID).Stringer("position", start).Msg("incremental start captured")
	case err != nil:
		return nil, err
	}

	ch := pipeline.NewChannel(j.cfg.ChannelCapacity)
	dumper := ingest.NewIncrementalDumper(ingest.IncrementalConfig{PollInterval: j.cfg.PollInterval},
		conn, dec, j.mapper, ch, j.cfg.retryer())
	return task.New(task.Config{
		ID:       id,
		Kind:     task.Incremental,
		Start:    start,
		Importer: j.cfg.importer(),
		Retryer:  j.cfg.retryer(),
	}, dumper, ch, importer.NewSQLSink(j.target.DB, j.target.Dialect, nil), j.store), nil
}

// Check compares every table of the job on source and target.
func (j *Job) Check(ctx context.Context) ([]consistency.Result, error) {
	logicals, meta, err := j.tables(ctx)
	if err != nil {
		return nil, err
	}
	a, err := j.algorithms.Pick(j.cfg.Algorithm, j.source.Dialect, j.target.Dialect)
	if err != nil {
		return nil, err
	}
	checker := consistency.NewChecker(
		consistency.Endpoint{DB: j.source.DB, Dialect: j.source.Dialect, Loader: j.loader},
		consistency.Endpoint{DB: j.target.DB, Dialect: j.target.Dialect},
		a)

	results := make([]consistency.Result, 0, len(logicals))
	for _, l := range logicals {
		t := meta[l]
		res, err := checker.Check(ctx, consistency.Target{
			Table:       l,
			SourceTable: j.mapper.Actual(l),
			TargetTable: l,
			UniqueKeys:  t.KeyNames(),
			Columns:     t.ColumnNames(),
		})
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

// Reset deletes every checkpoint of the job so the next run starts over.
func (j *Job) Reset(ctx context.Context) error {
	saved, err := j.store.List(ctx, j.cfg.ID+"/")
	if err != nil {
		return err
	}
	for _, p := range saved {
		if err := j.store.Delete(ctx, p.TaskID); err != nil {
			return err
		}
	}
	return nil
}
