package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"db-pipe/internal/consistency"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Compare the migrated tables on source and target",
	RunE: func(cmd *cobra.Command, args []string) error {
		j, cleanup, err := buildJob(cmd.Context())
		if err != nil {
			return err
		}
		defer cleanup()

		start := time.Now()
		results, err := j.Check(cmd.Context())
		if err != nil {
			return err
		}
		printChecks(results)
		fmt.Printf("Time Elapsed: %s\n", time.Since(start).Round(time.Millisecond))
		for _, r := range results {
			if !r.Matched {
				return fmt.Errorf("source and target differ")
			}
		}
		return nil
	},
}

func init() {
	RootCmd.AddCommand(checkCmd)
	checkCmd.Flags().String("algorithm", "", "COUNT, CRC32_MATCH or DATA_MATCH (default)")
	viper.BindPFlag("pipeline.consistency_algorithm", checkCmd.Flags().Lookup("algorithm"))
}

func printChecks(results []consistency.Result) {
	fmt.Println("\n🔍 Consistency Checks:")
	for i, r := range results {
		icon := "✓"
		status := "MATCHED"
		if !r.Matched {
			icon, status = "!", "MISMATCH"
		}
		fmt.Printf("[%s] [%02d/%02d] %-20s : %s %s (source %s, target %s)\n",
			icon, i+1, len(results), r.Table, r.Algorithm, status, r.SourceDigest, r.TargetDigest)
		if r.MismatchKey != "" {
			fmt.Printf("    └ First difference at key %s\n", r.MismatchKey)
		}
	}
}
