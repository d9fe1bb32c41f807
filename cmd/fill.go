package cmd

import (
	"fmt"
	"time"

	"github.com/gosuri/uiprogress"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"db-pipe/internal/dialect"
	"db-pipe/internal/schema"
	"db-pipe/internal/seed"
)

var (
	fillCount int
	clean    bool
	dryRun   bool
	seedFlag int64
)

var fillCmd = &cobra.Command{
	Use:   "fill",
	Short: "Fill the source database with random rows to rehearse a migration",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		db, err := openDatabase(ctx, roleSource, dialect.NewRegistry())
		if err != nil {
			return err
		}
		defer db.DB.Close()
		fmt.Printf("🦅 Connected via %s (schema %q)\n", db.Driver, db.Schema)

		targetCount := viper.GetInt("settings.default_count")

		log.Info().Msg("analyzing schema")
		all, err := schema.Analyze(ctx, db.DB, db.Dialect, db.Schema)
		if err != nil {
			return err
		}
		tables, err := selectTables(all, viper.GetStringSlice("tables"))
		if err != nil {
			return err
		}

		if clean {
			if err := cleanDatabase(ctx, db.DB, db.Dialect, tables); err != nil {
				return err
			}
		}

		if dryRun {
			fmt.Printf("🔍 Analysis Results:\n")
			for i, t := range tables {
				fmt.Printf("[%02d] %s (Dependencies: %v)\n", i+1, t.Name, t.Dependencies)
			}
			return nil
		}

		log.Info().Int("count", targetCount).Int("tables", len(tables)).Msg("seeding")
		start := time.Now()

		uiprogress.Start()
		bar := uiprogress.AddBar(max(targetCount*len(tables), 1)).AppendCompleted().PrependElapsed()
		bar.PrependFunc(func(b *uiprogress.Bar) string {
			return "Processing: "
		})
		results, err := seed.New(db.DB, db.Dialect, seedFlag).Fill(ctx, tables, targetCount, func() {
			bar.Incr()
		})
		uiprogress.Stop()
		if err != nil {
			return err
		}

		fmt.Println("\n📊 Summary Report (Dependency Order):")
		total := 0
		for i, r := range results {
			icon := "✓"
			if r.Err != nil || r.Inserted < r.Requested {
				icon = "!"
			}
			fmt.Printf("[%s] [%02d/%02d] %-20s : %d rows (Target: %d)\n",
				icon, i+1, len(results), r.Table, r.Inserted, r.Requested)
			if r.Err != nil {
				fmt.Printf("    └ Error: %v\n", r.Err)
			}
			total += r.Inserted
		}
		fmt.Println("--------------------------------------------------")
		fmt.Printf("Total Operations: %d\n", total)
		log.Info().Dur("elapsed", time.Since(start)).Msg("seeding done")
		return nil
	},
}

func init() {
	RootCmd.AddCommand(fillCmd)

	fillCmd.Flags().IntVar(&fillCount, "count", 0, "Number of records to generate per table (overrides config)")
	fillCmd.Flags().BoolVar(&clean, "clean", false, "Clean tables before filling")
	fillCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Simulate the process without writing to DB")
	fillCmd.Flags().Int64Var(&seedFlag, "seed", time.Now().UnixNano(), "random seed, reuse it to generate the same rows")

	viper.BindPFlag("settings.default_count", fillCmd.Flags().Lookup("count"))
	viper.SetDefault("settings.default_count", 100)
}
