package gitops

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type call struct {
	name string
	args []string
}

// fakeRunner records every CLI invocation and returns canned output
// keyed by subcommand.
type fakeRunner struct {
	calls   []call
	outputs map[string]string
	errs    map[string]error
}

func (f *fakeRunner) run(_ context.Context, name string, args ...string) ([]byte, error) {
	f.calls = append(f.calls, call{name: name, args: args})
	key := strings.Join(args, " ")
	for prefix, err := range f.errs {
		if strings.Contains(key, prefix) {
			return nil, err
		}
	}
	for prefix, out := range f.outputs {
		if strings.Contains(key, prefix) {
			return []byte(out), nil
		}
	}
	return nil, nil
}

func (f *fakeRunner) sawSubcommand(sub string) bool {
	for _, c := range f.calls {
		if strings.Contains(strings.Join(c.args, " "), sub) {
			return true
		}
	}
	return false
}

func fixedNow() time.Time {
	return time.Unix(1756166400, 0) // 2025-08-26T00:00:00Z
}

func newTestWorkflow(t *testing.T, runner *fakeRunner, cfg Config) *Workflow {
	t.Helper()
	if cfg.RepoPath == "" {
		cfg.RepoPath = t.TempDir()
	}
	return newWithRunner(cfg, runner.run, fixedNow)
}

func TestSlugify(t *testing.T) {
	cases := map[string]string{
		"Add login endpoint":    "add-login-endpoint",
		"  Fix: crash / #42 ":   "fix-crash-42",
		"":                      "task",
		strings.Repeat("x", 80): strings.Repeat("x", 40),
	}
	for in, want := range cases {
		assert.Equal(t, want, Slugify(in), "%q", in)
	}
}

func TestBranchNameCarriesSlugAndTimestamp(t *testing.T) {
	w := newTestWorkflow(t, &fakeRunner{}, Config{})
	name := w.BranchName("Add login endpoint")
	assert.Equal(t, fmt.Sprintf("feature/add-login-endpoint-%d", fixedNow().Unix()), name)
}

func TestCreateFeatureBranch(t *testing.T) {
	runner := &fakeRunner{}
	w := newTestWorkflow(t, runner, Config{})

	branch, err := w.CreateFeatureBranch(context.Background(), "add login")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(branch, "feature/add-login-"))

	require.Len(t, runner.calls, 1)
	assert.Contains(t, strings.Join(runner.calls[0].args, " "), "checkout -b "+branch+" main")
}

func TestCommitAndPush(t *testing.T) {
	runner := &fakeRunner{outputs: map[string]string{"rev-parse HEAD": "abc123\n"}}
	w := newTestWorkflow(t, runner, Config{})

	hash, err := w.CommitAndPush(context.Background(), "feature/x-1", "Add login endpoint")
	require.NoError(t, err)
	assert.Equal(t, "abc123", hash)

	assert.True(t, runner.sawSubcommand("add -A"))
	assert.True(t, runner.sawSubcommand("commit -m"))
	assert.True(t, runner.sawSubcommand("push -u origin feature/x-1"))
}

func TestCommitRequiresMessage(t *testing.T) {
	w := newTestWorkflow(t, &fakeRunner{}, Config{})
	_, err := w.CommitAndPush(context.Background(), "feature/x-1", "")
	assert.Error(t, err)
}

func TestCreatePR(t *testing.T) {
	runner := &fakeRunner{outputs: map[string]string{"pr create": "https://github.com/acme/repo/pull/7\n"}}
	w := newTestWorkflow(t, runner, Config{})

	url, err := w.CreatePR(context.Background(), PRRequest{Branch: "feature/x-1", Title: "Add login", Body: "body"})
	require.NoError(t, err)
	assert.Equal(t, "https://github.com/acme/repo/pull/7", url)
	assert.True(t, runner.sawSubcommand("pr merge --auto"))
}

func TestPauseFileSuppressesPR(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "PAUSE"), nil, 0o644))

	runner := &fakeRunner{}
	w := newTestWorkflow(t, runner, Config{RepoPath: dir})

	url, err := w.CreatePR(context.Background(), PRRequest{Branch: "feature/x-1", Title: "t"})
	require.NoError(t, err)
	assert.Empty(t, url, "paused runs return an empty PR URL")
	assert.Empty(t, runner.calls, "no gh invocation while paused")
}

func TestHoldLabelSkipsAutoMerge(t *testing.T) {
	runner := &fakeRunner{outputs: map[string]string{"pr create": "https://github.com/acme/repo/pull/8\n"}}
	w := newTestWorkflow(t, runner, Config{})

	url, err := w.CreatePR(context.Background(), PRRequest{
		Branch: "feature/x-1",
		Title:  "t",
		Labels: []string{"hold"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, url)
	assert.False(t, runner.sawSubcommand("pr merge"), "hold label suppresses auto-merge")
}

func TestDryRunProducesSyntheticResults(t *testing.T) {
	runner := &fakeRunner{}
	w := newTestWorkflow(t, runner, Config{DryRun: true})

	branch, err := w.CreateFeatureBranch(context.Background(), "goal")
	require.NoError(t, err)
	assert.NotEmpty(t, branch)

	hash, err := w.CommitAndPush(context.Background(), branch, "msg")
	require.NoError(t, err)
	assert.Equal(t, "dry-run", hash)

	url, err := w.CreatePR(context.Background(), PRRequest{Branch: branch, Title: "t"})
	require.NoError(t, err)
	assert.NotEmpty(t, url)

	assert.Empty(t, runner.calls, "dry-run never shells out")
}

func TestWorktreeLifecycle(t *testing.T) {
	runner := &fakeRunner{}
	w := newTestWorkflow(t, runner, Config{})

	require.NoError(t, w.AddWorktree(context.Background(), "/tmp/wt", "feature/x-1"))
	require.NoError(t, w.RemoveWorktree(context.Background(), "/tmp/wt"))

	assert.True(t, runner.sawSubcommand("worktree add -B feature/x-1 /tmp/wt"))
	assert.True(t, runner.sawSubcommand("worktree remove --force /tmp/wt"))
}

func TestHasUncommittedChanges(t *testing.T) {
	runner := &fakeRunner{outputs: map[string]string{"status --porcelain": " M app/x.py\n"}}
	w := newTestWorkflow(t, runner, Config{})

	dirty, err := w.HasUncommittedChanges(context.Background())
	require.NoError(t, err)
	assert.True(t, dirty)

	clean := newTestWorkflow(t, &fakeRunner{}, Config{})
	dirty, err = clean.HasUncommittedChanges(context.Background())
	require.NoError(t, err)
	assert.False(t, dirty)
}
