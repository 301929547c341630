package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hiveops/hive/internal/eventlog"
	"github.com/hiveops/hive/internal/gitops"
	"github.com/hiveops/hive/internal/storage/sqlite"
	"github.com/hiveops/hive/internal/tmux"
	"github.com/hiveops/hive/internal/types"
)

type fakeSession struct {
	err error
}

func (f *fakeSession) EnsureSession(context.Context) error { return f.err }

// fakeDispatcher returns a scripted footer per agent.
type fakeDispatcher struct {
	mu       sync.Mutex
	footers  map[string]*types.StatusFooter
	dispatch []string
	onQueen  func()
}

func (f *fakeDispatcher) Dispatch(_ context.Context, agent, _, _ string, _ time.Duration) (*types.StatusFooter, error) {
	f.mu.Lock()
	f.dispatch = append(f.dispatch, agent)
	footer, ok := f.footers[agent]
	hook := f.onQueen
	f.mu.Unlock()

	if agent == "queen" && hook != nil {
		hook()
	}
	if !ok {
		return nil, fmt.Errorf("no script for agent %s", agent)
	}
	return footer, nil
}

type fakeGit struct {
	paused    bool
	branchErr error
	commits   int
	prs       int

	mu        sync.Mutex
	worktrees map[string]string
}

func (f *fakeGit) CreateFeatureBranch(_ context.Context, goal string) (string, error) {
	if f.branchErr != nil {
		return "", f.branchErr
	}
	return "feature/" + gitops.Slugify(goal) + "-123", nil
}

func (f *fakeGit) CommitAndPush(context.Context, string, string) (string, error) {
	f.commits++
	return "abc123", nil
}

func (f *fakeGit) CreatePR(_ context.Context, req gitops.PRRequest) (string, error) {
	f.prs++
	if f.paused {
		return "", nil
	}
	return "https://github.com/acme/repo/pull/1", nil
}

func (f *fakeGit) AddWorktree(_ context.Context, dir, branch string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.worktrees == nil {
		f.worktrees = make(map[string]string)
	}
	f.worktrees[dir] = branch
	return nil
}

func (f *fakeGit) Paused() bool { return f.paused }

func success(changes string) *types.StatusFooter {
	return &types.StatusFooter{Status: types.FooterStatusSuccess, Changes: changes, Next: "none"}
}

type fixture struct {
	orch  *Orchestrator
	disp  *fakeDispatcher
	git   *fakeGit
	store *sqlite.Store
	log   *eventlog.Log
}

func newFixture(t *testing.T, session *fakeSession, disp *fakeDispatcher, git *fakeGit) *fixture {
	t.Helper()
	store, err := sqlite.New(filepath.Join(t.TempDir(), "hive.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	log := eventlog.New(t.TempDir())
	t.Cleanup(func() { log.Close() })

	orch, err := New(session, disp, git, store, log, nil, Config{
		QueenAgent: "queen",
		Workers:    []string{"worker-backend", "worker-frontend"},
	})
	require.NoError(t, err)
	return &fixture{orch: orch, disp: disp, git: git, store: store, log: log}
}

func TestRunHappyPath(t *testing.T) {
	disp := &fakeDispatcher{footers: map[string]*types.StatusFooter{
		"queen":           success("worker-backend: build the API; worker-frontend: build the UI"),
		"worker-backend":  success("api built"),
		"worker-frontend": success("ui built"),
	}}
	f := newFixture(t, &fakeSession{}, disp, &fakeGit{})

	result, err := f.orch.Run(context.Background(), "Add login")
	require.NoError(t, err)

	assert.Equal(t, PhaseDone, result.Phase)
	assert.Equal(t, "abc123", result.CommitSHA)
	assert.NotEmpty(t, result.PRURL)
	assert.True(t, result.Phase.IsTerminal())
	require.Len(t, result.Footers, 2)
	assert.Equal(t, types.FooterStatusSuccess, result.Footers["worker-backend"].Status)

	// Queen planned before the workers were dispatched.
	assert.Equal(t, "queen", disp.dispatch[0])

	// Worker tasks ended review-pending.
	pending, err := f.store.GetByStatus(context.Background(), types.TaskStatusReviewPending)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestRunFailsWhenWorkerFails(t *testing.T) {
	disp := &fakeDispatcher{footers: map[string]*types.StatusFooter{
		"queen":           success("worker-backend: build the API; worker-frontend: build the UI"),
		"worker-backend":  success("api built"),
		"worker-frontend": {Status: types.FooterStatusFailed, Changes: "tests red", Next: "fix tests"},
	}}
	f := newFixture(t, &fakeSession{}, disp, &fakeGit{})

	result, err := f.orch.Run(context.Background(), "Add login")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "worker-frontend")
	assert.Equal(t, PhaseFailed, result.Phase)
	assert.Zero(t, f.git.commits, "no commit on failed gathering")

	failed, storeErr := f.store.GetByStatus(context.Background(), types.TaskStatusFailed)
	require.NoError(t, storeErr)
	assert.Len(t, failed, 1)
}

func TestRunFailsWhenPlanNotSuccess(t *testing.T) {
	disp := &fakeDispatcher{footers: map[string]*types.StatusFooter{
		"queen": {Status: types.FooterStatusBlocked, Changes: "cannot plan", Next: "clarify goal"},
	}}
	f := newFixture(t, &fakeSession{}, disp, &fakeGit{})

	result, err := f.orch.Run(context.Background(), "Add login")
	require.Error(t, err)
	assert.Equal(t, PhaseFailed, result.Phase)
	assert.Empty(t, disp.dispatch[1:], "no workers dispatched without a plan")
}

func TestRunPreflightRefusesUnprovisionedSession(t *testing.T) {
	f := newFixture(t, &fakeSession{err: tmux.ErrNotProvisioned}, &fakeDispatcher{}, &fakeGit{})

	result, err := f.orch.Run(context.Background(), "Add login")
	require.Error(t, err)
	assert.ErrorIs(t, err, tmux.ErrNotProvisioned)
	assert.Equal(t, PhaseFailed, result.Phase)
	assert.Empty(t, f.disp.dispatch)
}

func TestRunInterruptedStopsAtPhaseBoundary(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	disp := &fakeDispatcher{
		footers: map[string]*types.StatusFooter{
			"queen": success("worker-backend: build the API"),
		},
		onQueen: cancel,
	}
	f := newFixture(t, &fakeSession{}, disp, &fakeGit{})

	result, err := f.orch.Run(ctx, "Add login")
	require.Error(t, err)
	assert.Equal(t, PhaseFailed, result.Phase)
	assert.Equal(t, []string{"queen"}, f.disp.dispatch, "interrupt honoured before delegation")
}

func TestRunPlanFallbackFansOutGoal(t *testing.T) {
	disp := &fakeDispatcher{footers: map[string]*types.StatusFooter{
		"queen":           success("free-form prose with no assignments"),
		"worker-backend":  success("done"),
		"worker-frontend": success("done"),
	}}
	f := newFixture(t, &fakeSession{}, disp, &fakeGit{})

	result, err := f.orch.Run(context.Background(), "Add login")
	require.NoError(t, err)
	assert.Equal(t, PhaseDone, result.Phase)
	assert.Len(t, result.Footers, 2, "every worker got the goal")
}

func TestRunWorktreePerWorker(t *testing.T) {
	disp := &fakeDispatcher{footers: map[string]*types.StatusFooter{
		"queen":           success("worker-backend: build the API; worker-frontend: build the UI"),
		"worker-backend":  success("api built"),
		"worker-frontend": success("ui built"),
	}}
	git := &fakeGit{}

	store, err := sqlite.New(filepath.Join(t.TempDir(), "hive.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	orch, err := New(&fakeSession{}, disp, git, store, nil, nil, Config{
		QueenAgent:  "queen",
		Workers:     []string{"worker-backend", "worker-frontend"},
		Worktrees:   true,
		WorktreeDir: "/tmp/hive-wt",
	})
	require.NoError(t, err)

	result, err := orch.Run(context.Background(), "Add login")
	require.NoError(t, err)
	assert.Equal(t, PhaseDone, result.Phase)

	require.Len(t, git.worktrees, 2)
	branch, ok := git.worktrees["/tmp/hive-wt/worker-backend"]
	require.True(t, ok)
	assert.Equal(t, result.Branch+"-worker-backend", branch)
}

func TestRunRequiresGoal(t *testing.T) {
	f := newFixture(t, &fakeSession{}, &fakeDispatcher{}, &fakeGit{})
	_, err := f.orch.Run(context.Background(), "   ")
	assert.Error(t, err)
}

func TestParseAssignments(t *testing.T) {
	workers := []string{"worker-backend", "worker-frontend"}

	got := ParseAssignments("worker-backend: api; worker-frontend: ui", workers)
	require.Len(t, got, 2)
	assert.Equal(t, Assignment{Agent: "worker-backend", Description: "api"}, got[0])

	// Unknown agents and malformed parts are dropped.
	got = ParseAssignments("worker-db: schema; prose without colon; worker-backend: api", workers)
	require.Len(t, got, 1)
	assert.Equal(t, "worker-backend", got[0].Agent)

	assert.Empty(t, ParseAssignments("", workers))
}
