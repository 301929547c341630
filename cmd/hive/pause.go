package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var pauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Pause the PR pipeline",
	Long: `Drop the pause marker into the repository root.

While the marker exists, finished runs still commit and push their
feature branches but no pull requests are opened. Remove the marker
with 'hive resume' to re-enable PRs.`,
	Run: func(cmd *cobra.Command, args []string) {
		marker := filepath.Join(cfg.Git.RepoPath, cfg.Git.PauseFile)
		if _, err := os.Stat(marker); err == nil {
			fmt.Printf("%s pipeline already paused (%s)\n", yellow("!"), marker)
			return
		}
		if err := os.WriteFile(marker, []byte("PR pipeline paused by hive pause\n"), 0o644); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s pipeline paused, PRs suppressed\n", green("✓"))
		fmt.Printf("\nTo resume: hive resume\n")
	},
}

func init() {
	rootCmd.AddCommand(pauseCmd)
}
