package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hiveops/hive/internal/ai"
	"github.com/hiveops/hive/internal/autofix"
	"github.com/hiveops/hive/internal/bus"
	"github.com/hiveops/hive/internal/qa"
	"github.com/hiveops/hive/internal/rag"
	"github.com/hiveops/hive/internal/storage"
	"github.com/hiveops/hive/internal/storage/sqlite"
	"github.com/hiveops/hive/internal/tmux"
	"github.com/hiveops/hive/internal/types"
)

var qaCmd = &cobra.Command{
	Use:   "qa",
	Short: "QA routing: submit violation batches and run the worker pools",
}

var qaStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Run the QA router, worker pools, and health monitor",
	Long: `Start the QA service that drains queued violation batches.

The service will:
1. Poll for queued tasks carrying style/config/architectural/security
   violations
2. Score each batch (complexity, historical pattern confidence) and
   route it to the fast in-process pool or a spawned heavy worker pane
3. Monitor heavy worker heartbeats and escalate silent workers
4. Continue until stopped with Ctrl+C

Saturated pools leave tasks queued; they are retried on the next poll.`,
	Run: func(cmd *cobra.Command, args []string) {
		pollInterval, _ := cmd.Flags().GetDuration("polling-interval")
		maxFast, _ := cmd.Flags().GetInt("max-fast")
		maxHeavy, _ := cmd.Flags().GetInt("max-heavy")
		if pollInterval <= 0 {
			pollInterval = cfg.QA.MonitorInterval
		}
		if maxFast <= 0 {
			maxFast = cfg.QA.FastPoolSize
		}
		if maxHeavy <= 0 {
			maxHeavy = cfg.QA.HeavyPoolSize
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		store, err := sqlite.New(cfg.Storage.Path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to open task store: %v\n", err)
			os.Exit(1)
		}
		defer store.Close()

		transport, err := tmux.New(ctx, tmux.Config{
			Session: cfg.Session.Name,
			Panes:   cfg.Session.Panes,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			fmt.Fprintf(os.Stderr, "Hint: start the session first: tmux new-session -s %s\n", cfg.Session.Name)
			os.Exit(1)
		}

		var patterns rag.PatternIndex
		if index, ragErr := rag.Load(cfg.Patterns.Dir); ragErr != nil {
			fmt.Fprintf(os.Stderr, "Warning: pattern index unavailable, routing without history: %v\n", ragErr)
		} else {
			patterns = index
			fmt.Printf("%s pattern index loaded (%d entries)\n", cyan("qa:"), index.Size())
		}

		decisionCfg := qa.DefaultDecisionConfig()
		decisionCfg.ComplexityThreshold = cfg.QA.ComplexityThreshold
		decisionCfg.RAGConfidenceThreshold = cfg.QA.RAGConfidenceThreshold
		engine := qa.NewEngine(patterns, decisionCfg)

		fixer, err := newFastFixer()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			fmt.Fprintf(os.Stderr, "Hint: export ANTHROPIC_API_KEY or add it to .env\n")
			os.Exit(1)
		}

		poolCfg := qa.PoolConfig{
			FastCapacity:  maxFast,
			HeavyCapacity: maxHeavy,
		}
		fast, err := qa.NewFastPool(fastHandler(store, fixer), poolCfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		heavy, err := qa.NewHeavyPool(transport, poolCfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		router, err := qa.NewRouter(engine, fast, heavy)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		events := bus.New()
		// The transport doubles as the monitor's pane probe: heavy
		// workers that keep printing stay alive without touching the
		// store.
		monitor, err := qa.NewMonitor(heavy, store, events, transport, qa.MonitorConfig{
			Interval:         cfg.QA.MonitorInterval,
			HeartbeatTimeout: cfg.QA.HeartbeatTimeout,
			CaptureTail:      cfg.Protocol.CaptureTail,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		monitor.Start(ctx)
		defer monitor.Stop()

		fmt.Printf("%s QA service started, Ctrl+C to stop\n", green("✓"))

		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				drainQueue(ctx, store, router)
			}
		}
	},
}

var qaSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Queue a violation batch for QA routing",
	Long: `Queue a batch of violations against a service directory.

The violations file is a JSON array of objects with type, severity,
file_path, line, and message fields, as produced by the lint and
scan tooling.`,
	Run: func(cmd *cobra.Command, args []string) {
		file, _ := cmd.Flags().GetString("file")
		dir, _ := cmd.Flags().GetString("dir")
		description, _ := cmd.Flags().GetString("description")

		if file == "" || dir == "" {
			fmt.Fprintf(os.Stderr, "Error: --file and --dir are required\n")
			os.Exit(1)
		}

		data, err := os.ReadFile(file)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		var violations []types.Violation
		if err := json.Unmarshal(data, &violations); err != nil {
			fmt.Fprintf(os.Stderr, "Error: invalid violations file: %v\n", err)
			os.Exit(1)
		}
		if description == "" {
			description = fmt.Sprintf("fix %d violations in %s", len(violations), dir)
		}

		store, err := sqlite.New(cfg.Storage.Path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to open task store: %v\n", err)
			os.Exit(1)
		}
		defer store.Close()

		task := &types.Task{
			ID:               types.NewTaskID(),
			Description:      description,
			Status:           types.TaskStatusQueued,
			Payload:          map[string]interface{}{"violations": violations},
			ServiceDirectory: dir,
		}
		if err := store.CreateTask(context.Background(), task); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s queued %s (%d violations)\n", green("✓"), task.ID, len(violations))
	},
}

var qaStatusCmd = &cobra.Command{
	Use:     "status",
	Aliases: []string{"dashboard"},
	Short:   "Show queued batches and pending escalations",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()

		store, err := sqlite.New(cfg.Storage.Path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to open task store: %v\n", err)
			os.Exit(1)
		}
		defer store.Close()

		queued, err := store.GetByStatus(ctx, types.TaskStatusQueued)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		batches := 0
		fmt.Printf("%s\n", cyan("Queued violation batches"))
		for _, task := range queued {
			violations, ok := violationsFrom(task)
			if !ok {
				continue
			}
			batches++
			fmt.Printf("  %s %d violation(s): %s\n", task.ID, len(violations), task.Description)
		}
		if batches == 0 {
			fmt.Printf("  %s none\n", green("✓"))
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
	qaStartCmd.Flags().Duration("polling-interval", 0, "Queue poll interval (default from config)")
	qaStartCmd.Flags().Int("max-fast", 0, "Fast pool capacity (default from config)")
	qaStartCmd.Flags().Int("max-heavy", 0, "Heavy pool capacity (default from config)")
	qaSubmitCmd.Flags().String("file", "", "Path to the violations JSON file")
	qaSubmitCmd.Flags().String("dir", "", "Service directory the violations refer to")
	qaSubmitCmd.Flags().String("description", "", "Task description (default derived from the batch)")
	qaCmd.AddCommand(qaStartCmd)
	qaCmd.AddCommand(qaSubmitCmd)
	qaCmd.AddCommand(qaStatusCmd)
	rootCmd.AddCommand(qaCmd)
}

// newFastFixer builds the AI-backed fix loop the fast pool runs.
func newFastFixer() (*autofix.Loop, error) {
	client, err := ai.NewClient(ai.Config{Retry: ai.DefaultRetryConfig()})
	if err != nil {
		return nil, err
	}
	generator, err := ai.NewFixGen(client)
	if err != nil {
		return nil, err
	}
	return autofix.New(generator, autofix.NewRunner(autofix.DefaultValidators()), autofix.Config{
		MaxAttempts: cfg.AutoFix.MaxAttempts,
	})
}

// fastHandler runs one fast-fix session: claim the task, drive the
// fix loop against its service directory, and hand the result to
// review. A fix that gives up records an escalation and fails the
// task so the batch reaches a human.
func fastHandler(store storage.TaskStore, fixer *autofix.Loop) qa.FastHandler {
	return func(ctx context.Context, task *types.Task, violations []types.Violation) error {
		claimed, err := store.Claim(ctx, task.ID, types.TaskStatusQueued, types.TaskStatusInProgress)
		if err != nil {
			return err
		}
		if !claimed {
			return nil
		}

		fixed, report := fixer.TryFix(ctx, task, violationOutput(violations))
		if !fixed {
			if _, escErr := store.CreateEscalation(ctx, &types.Escalation{
				TaskID: task.ID,
				Reason: report.Reason,
			}); escErr != nil {
				fmt.Fprintf(os.Stderr, "Warning: failed to record escalation for %s: %v\n", task.ID, escErr)
			}
			if stErr := store.SetStatus(ctx, task.ID, types.TaskStatusFailed, map[string]interface{}{
				"reason": report.Reason,
			}); stErr != nil {
				return stErr
			}
			return fmt.Errorf("fast fix gave up on %s: %s", task.ID, report.Reason)
		}
		return store.SetStatus(ctx, task.ID, types.TaskStatusReviewPending, nil)
	}
}

// drainQueue routes every queued violation batch. Tasks without a
// violations payload belong to the orchestrator and are left alone.
func drainQueue(ctx context.Context, store storage.TaskStore, router *qa.Router) {
	queued, err := store.GetByStatus(ctx, types.TaskStatusQueued)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: queue poll failed: %v\n", err)
		return
	}
	for _, task := range queued {
		violations, ok := violationsFrom(task)
		if !ok {
			continue
		}
		decision, accepted, err := router.Route(ctx, task, violations)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: routing %s failed: %v\n", task.ID, err)
			continue
		}
		if !accepted {
			fmt.Printf("%s %s stays queued: %s pool saturated\n", yellow("!"), task.ID, decision.WorkerType)
			continue
		}
		fmt.Printf("%s %s -> %s (%s)\n", cyan("qa:"), task.ID, decision.WorkerType, decision.Reason)
	}
}

// violationsFrom decodes the violations payload stored on a task.
func violationsFrom(task *types.Task) ([]types.Violation, bool) {
	raw, ok := task.Payload["violations"]
	if !ok {
		return nil, false
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, false
	}
	var violations []types.Violation
	if err := json.Unmarshal(data, &violations); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: task %s has a malformed violations payload: %v\n", task.ID, err)
		return nil, false
	}
	return violations, true
}

// leadingLintCode matches messages that already carry their tool's
// diagnostic code, e.g. "F401 'os' imported but unused".
var leadingLintCode = regexp.MustCompile(`^[A-Z]+\d+\s`)

// violationCodes are the diagnostic codes stamped onto prose
// violation messages so the fix-loop parsers can read them.
var violationCodes = map[types.ViolationType]string{
	types.ViolationTypeStyle:         "HVS1",
	types.ViolationTypeConfig:        "HVC1",
	types.ViolationTypeArchitectural: "HVA1",
	types.ViolationTypeSecurity:      "HVX1",
}

// violationOutput renders violations in the diagnostic line shape the
// fix-loop parsers understand. Messages from lint tooling keep their
// own code; prose messages get one derived from the violation type.
func violationOutput(violations []types.Violation) string {
	lines := make([]string, 0, len(violations))
	for _, v := range violations {
		msg := v.Message
		if !leadingLintCode.MatchString(msg) {
			code, ok := violationCodes[v.Type]
			if !ok {
				code = violationCodes[types.ViolationTypeStyle]
			}
			msg = code + " " + msg
		}
		line := v.Line
		if line <= 0 {
			line = 1
		}
		lines = append(lines, fmt.Sprintf("%s:%d:1: %s", v.FilePath, line, msg))
	}
	return strings.Join(lines, "\n")
}
