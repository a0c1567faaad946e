package cmd

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/canvasgrab/scrape-diagnostics/internal/app"
	"github.com/canvasgrab/scrape-diagnostics/internal/config"
)

// newStatsCmd builds the stats subcommand. It scans all persisted
// session records and prints per-method aggregates.
func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Summarize extraction-method performance across all recorded sessions.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			services, err := app.New(cfg)
			if err != nil {
				return err
			}
			defer services.Close()

			report, err := services.Aggregator().ComputeMethodStatistics(cmd.Context())
			if err != nil {
				return fmt.Errorf("compute statistics: %w", err)
			}

			out := cmd.OutOrStdout()
			if report.RecordsScanned == 0 && report.SessionsSummarized == 0 {
				fmt.Fprintln(out, "no session records found")
				return nil
			}

			fmt.Fprintf(out, "sessions summarized: %d\n", report.SessionsSummarized)
			fmt.Fprintf(out, "records scanned: %d (skipped %d)\n", report.RecordsScanned, report.RecordsSkipped)

			methods := make([]string, 0, len(report.Methods))
			for m := range report.Methods {
				methods = append(methods, m)
			}
			sort.Strings(methods)
			for _, m := range methods {
				s := report.Methods[m]
				fmt.Fprintf(out, "%-24s attempts=%-5d success=%-5d failure=%-5d avg=%.2fms\n",
					m, s.Attempts, s.Successes, s.Failures, s.AverageDurationMs)
			}
			return nil
		},
	}
}
