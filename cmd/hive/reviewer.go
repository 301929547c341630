package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hiveops/hive/internal/ai"
	"github.com/hiveops/hive/internal/autofix"
	"github.com/hiveops/hive/internal/bus"
	"github.com/hiveops/hive/internal/review"
	"github.com/hiveops/hive/internal/reviewer"
	"github.com/hiveops/hive/internal/storage/sqlite"
	"github.com/hiveops/hive/internal/types"
)

var reviewerCmd = &cobra.Command{
	Use:   "reviewer",
	Short: "The code review daemon",
}

var reviewerStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Run the code review daemon",
	Long: `Start the reviewer that continuously claims review-pending tasks.

The reviewer will:
1. Poll for tasks awaiting review
2. Run objective static analysis plus an AI collaborator review
3. Auto-fix rejected work and re-review the result
4. Publish decision events for downstream consumers
5. Continue until stopped with Ctrl+C

Requires ANTHROPIC_API_KEY for the collaborator and fix generator.`,
	Run: func(cmd *cobra.Command, args []string) {
		testMode, _ := cmd.Flags().GetBool("test-mode")
		disableAutofix, _ := cmd.Flags().GetBool("disable-autofix")

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		store, err := sqlite.New(cfg.Storage.Path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to open task store: %v\n", err)
			os.Exit(1)
		}
		defer store.Close()

		client, err := ai.NewClient(ai.Config{Retry: ai.DefaultRetryConfig()})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			fmt.Fprintf(os.Stderr, "Hint: export ANTHROPIC_API_KEY or add it to .env\n")
			os.Exit(1)
		}

		collaborator, err := ai.NewReviewer(client)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		engine, err := review.NewEngine(review.NewStaticAnalyzer(), collaborator, review.Config{
			ApproveThreshold:    cfg.Review.ApproveThreshold,
			RejectThreshold:     cfg.Review.RejectThreshold,
			EscalateThreshold:   cfg.Review.EscalateThreshold,
			ConfidenceThreshold: cfg.Review.ConfidenceThreshold,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		var fixer *autofix.Loop
		if !disableAutofix {
			generator, genErr := ai.NewFixGen(client)
			if genErr != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", genErr)
				os.Exit(1)
			}
			fixer, err = autofix.New(generator, autofix.NewRunner(autofix.DefaultValidators()), autofix.Config{
				MaxAttempts: cfg.AutoFix.MaxAttempts,
			})
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
		}

		daemon, err := reviewer.New(store, engine, fixer, bus.New(), reviewer.Config{
			PollInterval: cfg.Reviewer.PollInterval,
			TestMode:     testMode || cfg.Reviewer.TestMode,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		if err := daemon.Start(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s reviewer started, Ctrl+C to stop\n", green("✓"))

		<-ctx.Done()
		stop()
		if err := daemon.Stop(context.Background()); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: reviewer shutdown: %v\n", err)
		}
	},
}

var reviewerStatusCmd = &cobra.Command{
	Use:     "status",
	Aliases: []string{"dashboard"},
	Short:   "Show the review queue and decided task counts",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()

		store, err := sqlite.New(cfg.Storage.Path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to open task store: %v\n", err)
			os.Exit(1)
		}
		defer store.Close()

		pending, err := store.GetByStatus(ctx, types.TaskStatusReviewPending)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s %d task(s) awaiting review\n", cyan("queue:"), len(pending))
		for _, task := range pending {
			fmt.Printf("  %s %s\n", task.ID, task.Description)
		}

		decided := map[string]types.TaskStatus{
			"approved":  types.TaskStatusApproved,
			"rejected":  types.TaskStatusRejected,
			"rework":    types.TaskStatusReworkNeeded,
			"escalated": types.TaskStatusEscalated,
		}
		fmt.Printf("\n%s\n", cyan("Decisions"))
		for _, label := range []string{"approved", "rejected", "rework", "escalated"} {
			tasks, err := store.GetByStatus(ctx, decided[label])
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("  %-10s %d\n", label, len(tasks))
		}
	},
}

func init() {
	reviewerStartCmd.Flags().Bool("test-mode", false, "Shorten the poll interval for local testing")
	reviewerStartCmd.Flags().Bool("disable-autofix", false, "Review only, never attempt automatic fixes")
	reviewerCmd.AddCommand(reviewerStartCmd)
	reviewerCmd.AddCommand(reviewerStatusCmd)
	rootCmd.AddCommand(reviewerCmd)
}
