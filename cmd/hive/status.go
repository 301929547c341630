package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/hiveops/hive/internal/storage/sqlite"
	"github.com/hiveops/hive/internal/types"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show colony task and escalation status",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()

		store, err := sqlite.New(cfg.Storage.Path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to open task store: %v\n", err)
			os.Exit(1)
		}
		defer store.Close()

		statuses := []types.TaskStatus{
			types.TaskStatusQueued,
			types.TaskStatusInProgress,
			types.TaskStatusReviewPending,
			types.TaskStatusApproved,
			types.TaskStatusRejected,
			types.TaskStatusReworkNeeded,
			types.TaskStatusEscalated,
			types.TaskStatusFailed,
		}

		fmt.Printf("%s\n", cyan("Tasks"))
		total := 0
		for _, status := range statuses {
			tasks, err := store.GetByStatus(ctx, status)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			if len(tasks) == 0 {
				continue
			}
			total += len(tasks)
			fmt.Printf("  %-15s %d\n", status, len(tasks))
		}
		if total == 0 {
			fmt.Printf("  none\n")
		}

		pending, err := store.GetEscalations(ctx, types.EscalationStatusPending)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("\n%s\n", cyan("Pending escalations"))
		if len(pending) == 0 {
			fmt.Printf("  %s none\n", green("✓"))
			return
		}
		for _, esc := range pending {
			fmt.Printf("  %s %s task=%s: %s\n", red("✗"), esc.ID, esc.TaskID, esc.Reason)
		}
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
