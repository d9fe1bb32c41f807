package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gosuri/uiprogress"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"db-pipe/internal/capture"
	"db-pipe/internal/consistency"
	"db-pipe/internal/dialect"
	"db-pipe/internal/job"
	"db-pipe/internal/task"
)

var (
	jobID        string
	restart      bool
	checkAfter   bool
	showProgress bool
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Copy the source tables to the target, then replay changes until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		j, cleanup, err := buildJob(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		fmt.Printf("🦅 Job %s (resume with --job-id %s)\n", j.ID(), j.ID())
		if restart {
			if err := j.Reset(ctx); err != nil {
				return fmt.Errorf("reset checkpoints: %w", err)
			}
		}

		start := time.Now()
		var hooks job.Hooks
		if showProgress {
			uiprogress.Start()
			hooks.TaskStarted = trackTask
		}
		report, runErr := j.Run(ctx, hooks)
		if showProgress {
			uiprogress.Stop()
		}
		if runErr != nil {
			log.Error().Err(runErr).Str("job", j.ID()).Msg("migration stopped with an error")
		}

		if checkAfter && runErr == nil {
			// the interrupt that ended replay must not cancel the checks
			checks, err := j.Check(context.WithoutCancel(ctx))
			if err != nil {
				return err
			}
			report.Checks = checks
		}

		printReport(report, time.Since(start))
		if runErr != nil {
			return runErr
		}
		if !report.Succeeded() {
			return fmt.Errorf("job %s did not succeed", j.ID())
		}
		return nil
	},
}

func init() {
	RootCmd.AddCommand(migrateCmd)

	migrateCmd.Flags().StringVar(&jobID, "job-id", "", "job id to resume (a new one is generated when empty)")
	migrateCmd.Flags().BoolVar(&restart, "restart", false, "discard the job's checkpoints and start over")
	migrateCmd.Flags().BoolVar(&checkAfter, "check", false, "run consistency checks when the job ends")
	migrateCmd.Flags().BoolVar(&showProgress, "progress", true, "show progress bars")
	migrateCmd.Flags().Bool("skip-incremental", false, "stop after the inventory copy")
	viper.BindPFlag("pipeline.skip_incremental", migrateCmd.Flags().Lookup("skip-incremental"))
}

// buildJob opens both databases and the checkpoint store. cleanup closes the pools.
func buildJob(ctx context.Context) (*job.Job, func(), error) {
	dialects := dialect.NewRegistry()
	source, err := openDatabase(ctx, roleSource, dialects)
	if err != nil {
		return nil, nil, err
	}
	target, err := openDatabase(ctx, roleTarget, dialects)
	if err != nil {
		source.DB.Close()
		return nil, nil, err
	}
	cleanup := func() {
		source.DB.Close()
		target.DB.Close()
	}

	store, err := checkpointStore(ctx, target)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	cfg, err := jobConfig(jobID)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return job.New(cfg, source, target, store, capture.NewRegistry(), consistency.NewRegistry()), cleanup, nil
}

// trackTask adds a progress bar fed by the task's acknowledged progress.
func trackTask(t *task.Task, estimate int64) {
	total := int(estimate)
	if total <= 0 {
		total = 1
	}
	bar := uiprogress.AddBar(total).PrependElapsed()
	bar.PrependFunc(func(b *uiprogress.Bar) string {
		return fmt.Sprintf("%-40s", t.ID())
	})
	bar.AppendFunc(func(b *uiprogress.Bar) string {
		return fmt.Sprintf("%d rows %s", t.Progress().Processed, t.State())
	})

	go func() {
		tick := time.NewTicker(200 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-t.Done():
				bar.Set(bar.Total)
				return
			case <-tick.C:
				if n := int(t.Progress().Processed); n < bar.Total {
					bar.Set(n)
				}
			}
		}
	}()
}

func printReport(r job.Report, elapsed time.Duration) {
	fmt.Println("\n📊 Summary Report:")
	var total int64
	for i, t := range r.Tasks {
		icon := "✓"
		if t.State == task.Failed {
			icon = "!"
		}
		fmt.Printf("[%s] [%02d/%02d] %-40s : %d rows - %s at %v\n",
			icon, i+1, len(r.Tasks), t.ID, t.Processed, t.State, t.Position)
		if t.Err != nil {
			fmt.Printf("    └ Error: %v\n", t.Err)
		}
		total += t.Processed
	}
	if len(r.Checks) > 0 {
		printChecks(r.Checks)
	}
	fmt.Println("--------------------------------------------------")
	fmt.Printf("Total Operations: %d\n", total)
	fmt.Printf("Time Elapsed: %s\n", elapsed.Round(time.Millisecond))
}
