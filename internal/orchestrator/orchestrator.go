// Package orchestrator implements the queen: one run takes a goal
// through preflight, planning, concurrent worker delegation, result
// gathering, and the commit/PR stage. Interrupts stop the run at the
// next phase boundary; the terminal agents themselves keep running.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hiveops/hive/internal/eventlog"
	"github.com/hiveops/hive/internal/gitops"
	"github.com/hiveops/hive/internal/storage"
	"github.com/hiveops/hive/internal/timeout"
	"github.com/hiveops/hive/internal/types"
)

// Phase is the queen's run state.
type Phase string

const (
	PhasePlanning   Phase = "planning"
	PhaseDelegating Phase = "delegating"
	PhaseGathering  Phase = "gathering"
	PhaseCommitting Phase = "committing"
	PhaseDone       Phase = "done"
	PhaseFailed     Phase = "failed"
)

// IsTerminal reports whether the run has finished.
func (p Phase) IsTerminal() bool {
	return p == PhaseDone || p == PhaseFailed
}

// SessionChecker is the transport slice preflight needs.
type SessionChecker interface {
	EnsureSession(ctx context.Context) error
}

// CommandDispatcher sends one wrapped command and waits for its footer.
type CommandDispatcher interface {
	Dispatch(ctx context.Context, agent, taskID, body string, timeout time.Duration) (*types.StatusFooter, error)
}

// GitWorkflow is the slice of the git pipeline a run needs.
type GitWorkflow interface {
	CreateFeatureBranch(ctx context.Context, goal string) (string, error)
	CommitAndPush(ctx context.Context, branch, message string) (string, error)
	CreatePR(ctx context.Context, req gitops.PRRequest) (string, error)
	AddWorktree(ctx context.Context, dir, branch string) error
	Paused() bool
}

// Config holds orchestrator settings
type Config struct {
	// QueenAgent is the planning pane's agent name
	QueenAgent string

	// Workers are the delegation targets, in dispatch order
	Workers []string

	// Worktrees gives each worker an isolated checkout on a dedicated
	// branch under WorktreeDir
	Worktrees bool

	// WorktreeDir is where per-worker worktrees are created
	WorktreeDir string
}

// DefaultConfig returns the default orchestrator configuration
func DefaultConfig() Config {
	return Config{
		QueenAgent: "queen",
		Workers:    []string{"worker-backend", "worker-frontend", "worker-infra"},
	}
}

// Assignment is one planned unit of delegated work.
type Assignment struct {
	Agent       string
	Description string
}

// Result is the terminal record of one run.
type Result struct {
	RunID     string
	Goal      string
	Phase     Phase
	Branch    string
	CommitSHA string
	PRURL     string

	// Footers holds the final footer per worker agent
	Footers map[string]*types.StatusFooter
}

// Orchestrator drives runs.
type Orchestrator struct {
	session    SessionChecker
	dispatcher CommandDispatcher
	git        GitWorkflow
	store      storage.TaskStore
	log        *eventlog.Log
	timeouts   *timeout.Policy
	cfg        Config
}

// New creates an orchestrator.
func New(session SessionChecker, dispatcher CommandDispatcher, git GitWorkflow, store storage.TaskStore, log *eventlog.Log, timeouts *timeout.Policy, cfg Config) (*Orchestrator, error) {
	if session == nil {
		return nil, fmt.Errorf("session checker is required")
	}
	if dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	if git == nil {
		return nil, fmt.Errorf("git workflow is required")
	}
	if store == nil {
		return nil, fmt.Errorf("task store is required")
	}
	if timeouts == nil {
		timeouts = timeout.NewPolicy(timeout.DefaultConfig())
	}
	if cfg.QueenAgent == "" {
		cfg.QueenAgent = DefaultConfig().QueenAgent
	}
	if len(cfg.Workers) == 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	return &Orchestrator{
		session:    session,
		dispatcher: dispatcher,
		git:        git,
		store:      store,
		log:        log,
		timeouts:   timeouts,
		cfg:        cfg,
	}, nil
}

// Run executes one goal end to end. A cancelled context stops the run
// at the next phase boundary and the result reports the failed phase;
// already-dispatched agents are left running.
func (o *Orchestrator) Run(ctx context.Context, goal string) (*Result, error) {
	if strings.TrimSpace(goal) == "" {
		return nil, fmt.Errorf("goal is required")
	}

	result := &Result{
		RunID:   types.NewTaskID(),
		Goal:    goal,
		Footers: make(map[string]*types.StatusFooter),
	}

	if err := o.preflight(ctx); err != nil {
		result.Phase = PhaseFailed
		return result, err
	}

	branch, err := o.git.CreateFeatureBranch(ctx, goal)
	if err != nil {
		result.Phase = PhaseFailed
		return result, fmt.Errorf("preflight branch: %w", err)
	}
	result.Branch = branch

	// PLANNING
	o.enterPhase(result, PhasePlanning)
	assignments, err := o.plan(ctx, result.RunID, goal)
	if err != nil {
		return o.fail(result, err)
	}
	if err := o.interrupted(ctx, result); err != nil {
		return result, err
	}

	// DELEGATING
	o.enterPhase(result, PhaseDelegating)
	footers, err := o.delegate(ctx, goal, branch, assignments)
	result.Footers = footers
	if err != nil {
		return o.fail(result, err)
	}
	if err := o.interrupted(ctx, result); err != nil {
		return result, err
	}

	// GATHERING
	o.enterPhase(result, PhaseGathering)
	if failed := failedAgents(footers); len(failed) > 0 {
		return o.fail(result, fmt.Errorf("workers did not succeed: %s", strings.Join(failed, ", ")))
	}
	if err := o.interrupted(ctx, result); err != nil {
		return result, err
	}

	// COMMITTING
	o.enterPhase(result, PhaseCommitting)
	sha, err := o.git.CommitAndPush(ctx, branch, commitMessage(goal, assignments))
	if err != nil {
		return o.fail(result, fmt.Errorf("commit: %w", err))
	}
	result.CommitSHA = sha

	url, err := o.git.CreatePR(ctx, gitops.PRRequest{
		Branch: branch,
		Title:  goal,
		Body:   prBody(goal, footers),
	})
	if err != nil {
		return o.fail(result, fmt.Errorf("pull request: %w", err))
	}
	result.PRURL = url

	o.enterPhase(result, PhaseDone)
	return result, nil
}

// preflight verifies the colony is reachable before any state changes.
func (o *Orchestrator) preflight(ctx context.Context) error {
	if err := o.session.EnsureSession(ctx); err != nil {
		return fmt.Errorf("preflight: %w", err)
	}
	if o.git.Paused() {
		fmt.Fprintf(os.Stderr, "Warning: pause file present, run will push but not open a PR\n")
	}
	return nil
}

// plan asks the queen for worker assignments. The plan footer must
// report success; anything else fails the run. An unparseable plan
// body falls back to fanning the goal out to every worker.
func (o *Orchestrator) plan(ctx context.Context, runID, goal string) ([]Assignment, error) {
	budget := o.timeouts.For(timeout.ClassPlan, 1)
	start := time.Now()

	footer, err := o.dispatcher.Dispatch(ctx, o.cfg.QueenAgent, runID, planPrompt(goal, o.cfg.Workers), budget)
	if err != nil {
		return nil, fmt.Errorf("plan dispatch: %w", err)
	}
	o.timeouts.Observe(timeout.ClassPlan, time.Since(start))

	if footer.Status != types.FooterStatusSuccess {
		return nil, fmt.Errorf("planning ended %s: %s", footer.Status, footer.Changes)
	}

	assignments := ParseAssignments(footer.Changes, o.cfg.Workers)
	if len(assignments) == 0 {
		fmt.Fprintf(os.Stderr, "Warning: plan had no parseable assignments, delegating goal to all workers\n")
		for _, worker := range o.cfg.Workers {
			assignments = append(assignments, Assignment{Agent: worker, Description: goal})
		}
	}
	return assignments, nil
}

// delegate fans the assignments out concurrently and waits for every
// footer. Worker failures are not errors here; gathering judges the
// footers.
func (o *Orchestrator) delegate(ctx context.Context, goal, branch string, assignments []Assignment) (map[string]*types.StatusFooter, error) {
	budget := o.timeouts.For(timeout.ClassWork, 1)

	var mu sync.Mutex
	footers := make(map[string]*types.StatusFooter, len(assignments))

	g, gctx := errgroup.WithContext(ctx)
	for _, a := range assignments {
		a := a
		g.Go(func() error {
			description := a.Description
			if o.cfg.Worktrees {
				if dir, wtErr := o.addWorktree(gctx, branch, a.Agent); wtErr != nil {
					fmt.Fprintf(os.Stderr, "Warning: no worktree for %s, working in the main checkout: %v\n", a.Agent, wtErr)
				} else {
					description = fmt.Sprintf("%s\nWork in: %s", description, dir)
				}
			}

			task := &types.Task{
				ID:          types.NewTaskID(),
				Description: description,
				Status:      types.TaskStatusQueued,
				Payload:     map[string]interface{}{"goal": goal, "agent": a.Agent},
			}
			if err := o.store.CreateTask(gctx, task); err != nil {
				return fmt.Errorf("create task for %s: %w", a.Agent, err)
			}
			if err := o.store.SetStatus(gctx, task.ID, types.TaskStatusInProgress, nil); err != nil {
				return fmt.Errorf("start task for %s: %w", a.Agent, err)
			}

			start := time.Now()
			footer, err := o.dispatcher.Dispatch(gctx, a.Agent, task.ID, description, budget)
			if err != nil {
				return fmt.Errorf("dispatch to %s: %w", a.Agent, err)
			}
			o.timeouts.Observe(timeout.ClassWork, time.Since(start))

			next := types.TaskStatusReviewPending
			if footer.Status != types.FooterStatusSuccess {
				next = types.TaskStatusFailed
			}
			if err := o.store.SetStatus(gctx, task.ID, next, map[string]interface{}{
				"footer_status": string(footer.Status),
			}); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: could not finish task %s: %v\n", task.ID, err)
			}

			mu.Lock()
			footers[a.Agent] = footer
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return footers, err
	}
	return footers, nil
}

// addWorktree gives one worker a dedicated checkout on its own branch.
func (o *Orchestrator) addWorktree(ctx context.Context, branch, agent string) (string, error) {
	dir := filepath.Join(o.cfg.WorktreeDir, agent)
	if err := o.git.AddWorktree(ctx, dir, branch+"-"+agent); err != nil {
		return "", err
	}
	return dir, nil
}

func (o *Orchestrator) enterPhase(result *Result, phase Phase) {
	result.Phase = phase
	if o.log == nil {
		return
	}
	if err := o.log.RecordRunPhase(result.RunID, string(phase)); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not record phase %s: %v\n", phase, err)
	}
}

func (o *Orchestrator) fail(result *Result, err error) (*Result, error) {
	o.enterPhase(result, PhaseFailed)
	return result, err
}

// interrupted turns a cancelled context into a failed run at the
// phase boundary.
func (o *Orchestrator) interrupted(ctx context.Context, result *Result) error {
	if ctx.Err() == nil {
		return nil
	}
	o.enterPhase(result, PhaseFailed)
	return fmt.Errorf("run interrupted during %s: %w", result.Phase, ctx.Err())
}

func failedAgents(footers map[string]*types.StatusFooter) []string {
	var failed []string
	for agent, footer := range footers {
		if footer == nil || footer.Status != types.FooterStatusSuccess {
			failed = append(failed, agent)
		}
	}
	return failed
}

// ParseAssignments extracts "agent: description" pairs from the plan
// footer, separated by semicolons. Unknown agents are dropped with a
// warning so a typo in the plan never dispatches into the void.
func ParseAssignments(changes string, workers []string) []Assignment {
	known := make(map[string]bool, len(workers))
	for _, w := range workers {
		known[w] = true
	}

	var assignments []Assignment
	for _, part := range strings.Split(changes, ";") {
		agent, desc, ok := strings.Cut(part, ":")
		if !ok {
			continue
		}
		agent = strings.TrimSpace(agent)
		desc = strings.TrimSpace(desc)
		if desc == "" {
			continue
		}
		if !known[agent] {
			fmt.Fprintf(os.Stderr, "Warning: plan references unknown agent %q, skipping\n", agent)
			continue
		}
		assignments = append(assignments, Assignment{Agent: agent, Description: desc})
	}
	return assignments
}

func planPrompt(goal string, workers []string) string {
	return fmt.Sprintf(
		"Plan the following goal as assignments for these workers: %s.\n"+
			"Goal: %s\n"+
			"In your CHANGES field, list assignments as 'worker: subtask' separated by semicolons.",
		strings.Join(workers, ", "), goal)
}

func commitMessage(goal string, assignments []Assignment) string {
	var b strings.Builder
	b.WriteString(goal)
	b.WriteString("\n")
	for _, a := range assignments {
		fmt.Fprintf(&b, "\n- %s: %s", a.Agent, a.Description)
	}
	return b.String()
}

func prBody(goal string, footers map[string]*types.StatusFooter) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Automated change for: %s\n\n", goal)
	for agent, footer := range footers {
		fmt.Fprintf(&b, "- %s: %s\n", agent, footer.Changes)
	}
	return b.String()
}
