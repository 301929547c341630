package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hiveops/hive/internal/config"
	"github.com/hiveops/hive/internal/eventlog"
	"github.com/hiveops/hive/internal/gitops"
	"github.com/hiveops/hive/internal/orchestrator"
	"github.com/hiveops/hive/internal/protocol"
	"github.com/hiveops/hive/internal/storage/sqlite"
	"github.com/hiveops/hive/internal/timeout"
	"github.com/hiveops/hive/internal/tmux"
)

var runCmd = &cobra.Command{
	Use:     "run <goal>",
	Aliases: []string{"orchestrate"},
	Short:   "Run one orchestrated mission end to end",
	Long: `Run a mission from goal to pull request.

The orchestrator will:
1. Verify the tmux session and agent panes exist
2. Create a feature branch for the goal
3. Ask the queen agent for a plan
4. Delegate subtasks to the worker agents in parallel
5. Gather worker results and, if all succeeded, commit and open a PR

Ctrl+C stops the run at the next phase boundary; the agents in their
panes keep running.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		goal := args[0]
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		worktrees, _ := cmd.Flags().GetBool("worktrees")

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		transport, err := tmux.New(ctx, tmux.Config{
			Session: cfg.Session.Name,
			Panes:   cfg.Session.Panes,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			fmt.Fprintf(os.Stderr, "Hint: start the session first: tmux new-session -s %s\n", cfg.Session.Name)
			os.Exit(1)
		}

		store, err := sqlite.New(cfg.Storage.Path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to open task store: %v\n", err)
			os.Exit(1)
		}
		defer store.Close()

		log := eventlog.New(cfg.Logs.Dir)
		defer log.Close()

		dispatcher := protocol.NewDispatcher(transport, log, protocol.ReaderConfig{
			PollInterval: cfg.Protocol.PollInterval,
			CaptureTail:  cfg.Protocol.CaptureTail,
		})

		git, err := gitops.New(ctx, gitops.Config{
			RepoPath:   cfg.Git.RepoPath,
			BaseBranch: cfg.Git.BaseBranch,
			Remote:     cfg.Git.Remote,
			PauseFile:  cfg.Git.PauseFile,
			HoldLabel:  cfg.Git.HoldLabel,
			DryRun:     cfg.Git.DryRun || dryRun,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		orch, err := orchestrator.New(transport, dispatcher, git, store, log, timeoutPolicy(cfg.Orchestrator), orchestrator.Config{
			QueenAgent:  cfg.Orchestrator.QueenAgent,
			Workers:     cfg.Orchestrator.Workers,
			Worktrees:   cfg.Orchestrator.Worktrees || worktrees,
			WorktreeDir: cfg.Orchestrator.WorktreeDir,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("%s %s\n", cyan("goal:"), goal)
		result, err := orch.Run(ctx, goal)
		if err != nil {
			if ctx.Err() != nil {
				fmt.Fprintf(os.Stderr, "%s run interrupted: %v\n", yellow("!"), err)
				os.Exit(130)
			}
			fmt.Fprintf(os.Stderr, "%s run failed: %v\n", red("✗"), err)
			os.Exit(1)
		}

		fmt.Printf("%s run %s complete\n", green("✓"), result.RunID)
		fmt.Printf("  Branch: %s\n", result.Branch)
		fmt.Printf("  Commit: %s\n", result.CommitSHA)
		if result.PRURL != "" {
			fmt.Printf("  PR:     %s\n", result.PRURL)
		} else {
			fmt.Printf("  PR:     skipped (pipeline paused)\n")
		}

		agents := make([]string, 0, len(result.Footers))
		for agent := range result.Footers {
			agents = append(agents, agent)
		}
		sort.Strings(agents)
		for _, agent := range agents {
			fmt.Printf("  %s: %s\n", agent, result.Footers[agent].Changes)
		}
	},
}

// timeoutPolicy builds the dispatch deadline policy from the
// orchestrator config knobs; unset knobs keep the class defaults.
func timeoutPolicy(oc config.OrchestratorConfig) *timeout.Policy {
	tc := timeout.DefaultConfig()
	if oc.PlanTimeout > 0 {
		tc.Defaults[timeout.ClassPlan] = oc.PlanTimeout
	}
	if oc.WorkTimeout > 0 {
		tc.Defaults[timeout.ClassWork] = oc.WorkTimeout
	}
	return timeout.NewPolicy(tc)
}

func init() {
	runCmd.Flags().Bool("dry-run", false, "Plan and delegate, but only print git/PR actions")
	runCmd.Flags().Bool("worktrees", false, "Give each worker an isolated git worktree")
	rootCmd.AddCommand(runCmd)
}
