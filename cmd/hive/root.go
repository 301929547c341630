package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/hiveops/hive/internal/config"
)

var (
	cfgPath string
	cfg     config.Config
)

// Shared color helpers for command output
var (
	green  = color.New(color.FgGreen).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
)

var rootCmd = &cobra.Command{
	Use:   "hive",
	Short: "Autonomous multi-agent engineering colony",
	Long: `hive coordinates a colony of coding agents living in tmux panes.

A queen agent plans, worker agents execute in parallel, a reviewer
daemon judges the results, and a QA router dispatches violation
batches to fast or heavy fix workers. Every command and status
crossing a pane boundary is recorded in an append-only event log.

Provision the tmux session yourself before running:
  tmux new-session -s hive
hive never creates the session; it refuses to run against panes it
did not observe.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
		return nil
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "hive.yaml", "Path to the hive config file")
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
