package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hiveops/hive/internal/autofix"
	"github.com/hiveops/hive/internal/storage"
	"github.com/hiveops/hive/internal/storage/sqlite"
	"github.com/hiveops/hive/internal/types"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a heavy fix worker for one task",
	Long: `Work one violation batch to completion.

This is the command the QA router spawns into a fresh tmux pane for
batches too complex for the fast pool. Headless mode (the default)
drives the AI fix loop unattended; --interactive hands the pane to an
operator and only validates once they are done.`,
	Run: func(cmd *cobra.Command, args []string) {
		taskID, _ := cmd.Flags().GetString("task")
		interactive, _ := cmd.Flags().GetBool("interactive")

		if taskID == "" {
			fmt.Fprintf(os.Stderr, "Error: --task is required\n")
			os.Exit(1)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		store, err := sqlite.New(cfg.Storage.Path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to open task store: %v\n", err)
			os.Exit(1)
		}
		defer store.Close()

		task, err := store.GetTask(ctx, taskID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		claimed, err := store.Claim(ctx, taskID, types.TaskStatusQueued, types.TaskStatusInProgress)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if !claimed {
			fmt.Printf("%s task %s already claimed, nothing to do\n", yellow("!"), taskID)
			return
		}

		if interactive {
			workInteractive(ctx, store, task)
			return
		}
		workHeadless(ctx, store, task)
	},
}

func init() {
	workerCmd.Flags().String("task", "", "ID of the task to work")
	workerCmd.Flags().Bool("headless", true, "Run the fix loop unattended")
	workerCmd.Flags().Bool("interactive", false, "Hand the pane to an operator")
	rootCmd.AddCommand(workerCmd)
}

func workHeadless(ctx context.Context, store storage.TaskStore, task *types.Task) {
	fixer, err := newFastFixer()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		failTask(ctx, store, task.ID, err.Error())
		os.Exit(1)
	}

	violations, _ := violationsFrom(task)
	fixed, report := fixer.TryFix(ctx, task, violationOutput(violations))
	if !fixed {
		fmt.Printf("%s fix loop gave up: %s\n", red("✗"), report.Reason)
		if _, escErr := store.CreateEscalation(ctx, &types.Escalation{
			TaskID: task.ID,
			Reason: report.Reason,
		}); escErr != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to record escalation: %v\n", escErr)
		}
		failTask(ctx, store, task.ID, report.Reason)
		os.Exit(1)
	}

	if err := store.SetStatus(ctx, task.ID, types.TaskStatusReviewPending, nil); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("%s task %s fixed, handed to review\n", green("✓"), task.ID)
}

// workInteractive prints the batch and waits for the operator, then
// validates whatever they left in the tree.
func workInteractive(ctx context.Context, store storage.TaskStore, task *types.Task) {
	violations, _ := violationsFrom(task)

	fmt.Printf("%s %s\n", cyan("task:"), task.Description)
	fmt.Printf("%s %s\n", cyan("dir: "), task.ServiceDirectory)
	for _, v := range violations {
		fmt.Printf("  [%s/%s] %s:%d %s\n", v.Type, v.Severity, v.FilePath, v.Line, v.Message)
	}
	fmt.Printf("\nFix the violations, then press Enter to validate (Ctrl+C aborts)...\n")

	done := make(chan struct{})
	go func() {
		_, _ = bufio.NewReader(os.Stdin).ReadString('\n')
		close(done)
	}()
	select {
	case <-ctx.Done():
		failTask(context.Background(), store, task.ID, "operator aborted interactive session")
		os.Exit(130)
	case <-done:
	}

	runner := autofix.NewRunner(autofix.DefaultValidators())
	results, passed := runner.RunAll(ctx, task.ServiceDirectory)
	if !passed {
		fmt.Printf("%s validation still failing:\n%s\n", red("✗"), autofix.FailureOutput(results))
		failTask(ctx, store, task.ID, "interactive session ended with failing validators")
		os.Exit(1)
	}

	if err := store.SetStatus(ctx, task.ID, types.TaskStatusReviewPending, nil); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("%s task %s validated, handed to review\n", green("✓"), task.ID)
}

func failTask(ctx context.Context, store storage.TaskStore, taskID, reason string) {
	if err := store.SetStatus(ctx, taskID, types.TaskStatusFailed, map[string]interface{}{
		"reason": reason,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to mark %s failed: %v\n", taskID, err)
	}
}
