package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume the PR pipeline",
	Long:  `Remove the pause marker so finished runs open pull requests again.`,
	Run: func(cmd *cobra.Command, args []string) {
		marker := filepath.Join(cfg.Git.RepoPath, cfg.Git.PauseFile)
		if _, err := os.Stat(marker); os.IsNotExist(err) {
			fmt.Printf("%s pipeline is not paused\n", yellow("!"))
			return
		}
		if err := os.Remove(marker); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s pipeline resumed\n", green("✓"))
	},
}

func init() {
	rootCmd.AddCommand(resumeCmd)
}
