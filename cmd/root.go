// Package cmd wires the scrapediag command-line interface.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scrapediag",
		Short: "Extraction diagnostics and worker-health tooling.",
		Long: `scrapediag operates on the trace records written by the extraction
diagnostics subsystem: per-session JSON records, the rolling summary
log, and per-task failure artifacts.`,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml if present)")

	cmd.AddCommand(newStatsCmd())

	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
