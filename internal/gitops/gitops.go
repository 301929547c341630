// Package gitops drives the git and gh CLIs for the commit/PR stage:
// feature branches, commits, pushes, pull requests, and optional
// worktrees for parallel agents.
package gitops

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// Config holds git workflow configuration
type Config struct {
	// RepoPath is the repository root
	RepoPath string

	// BaseBranch is the branch feature branches fork from (default: main)
	BaseBranch string

	// Remote is the push target (default: origin)
	Remote string

	// PauseFile, when present in RepoPath, suppresses PR creation
	PauseFile string

	// HoldLabel on a PR suppresses auto-merge
	HoldLabel string

	// DryRun short-circuits all mutations with synthetic results
	DryRun bool
}

// DefaultConfig returns the default workflow configuration
func DefaultConfig() Config {
	return Config{
		BaseBranch: "main",
		Remote:     "origin",
		PauseFile:  "PAUSE",
		HoldLabel:  "hold",
	}
}

// runner executes one CLI invocation. Injected for testing.
type runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// Workflow implements the branch/commit/PR pipeline using the git CLI.
type Workflow struct {
	gitPath string
	ghPath  string // empty when gh is not installed
	cfg     Config
	run     runner
	now     func() time.Time
}

// New creates a workflow. It verifies that git is available; gh is
// optional and its absence only disables PR creation.
func New(ctx context.Context, cfg Config) (*Workflow, error) {
	if cfg.RepoPath == "" {
		return nil, fmt.Errorf("repo path is required")
	}
	if cfg.BaseBranch == "" {
		cfg.BaseBranch = DefaultConfig().BaseBranch
	}
	if cfg.Remote == "" {
		cfg.Remote = DefaultConfig().Remote
	}
	if cfg.PauseFile == "" {
		cfg.PauseFile = DefaultConfig().PauseFile
	}
	if cfg.HoldLabel == "" {
		cfg.HoldLabel = DefaultConfig().HoldLabel
	}

	gitPath, err := exec.LookPath("git")
	if err != nil {
		return nil, fmt.Errorf("git not found in PATH: %w", err)
	}
	if err := exec.CommandContext(ctx, gitPath, "version").Run(); err != nil {
		return nil, fmt.Errorf("git command failed: %w", err)
	}

	ghPath, err := exec.LookPath("gh")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: gh not found in PATH, PR creation disabled\n")
		ghPath = ""
	}

	return &Workflow{
		gitPath: gitPath,
		ghPath:  ghPath,
		cfg:     cfg,
		run:     execRunner,
		now:     time.Now,
	}, nil
}

// newWithRunner builds a workflow with an injected runner for tests.
func newWithRunner(cfg Config, run runner, now func() time.Time) *Workflow {
	if cfg.BaseBranch == "" {
		cfg.BaseBranch = DefaultConfig().BaseBranch
	}
	if cfg.Remote == "" {
		cfg.Remote = DefaultConfig().Remote
	}
	if cfg.PauseFile == "" {
		cfg.PauseFile = DefaultConfig().PauseFile
	}
	if cfg.HoldLabel == "" {
		cfg.HoldLabel = DefaultConfig().HoldLabel
	}
	if now == nil {
		now = time.Now
	}
	return &Workflow{gitPath: "git", ghPath: "gh", cfg: cfg, run: run, now: now}
}

var slugStripRegex = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify reduces a goal description to a branch-safe slug.
func Slugify(goal string) string {
	slug := strings.ToLower(strings.TrimSpace(goal))
	slug = slugStripRegex.ReplaceAllString(slug, "-")
	slug = strings.Trim(slug, "-")
	if len(slug) > 40 {
		slug = strings.Trim(slug[:40], "-")
	}
	if slug == "" {
		slug = "task"
	}
	return slug
}

// BranchName returns the feature branch name for a goal. The unix
// timestamp suffix keeps repeated runs of the same goal distinct.
func (w *Workflow) BranchName(goal string) string {
	return fmt.Sprintf("feature/%s-%d", Slugify(goal), w.now().Unix())
}

// CreateFeatureBranch creates and checks out a feature branch off the
// base branch, returning the branch name.
func (w *Workflow) CreateFeatureBranch(ctx context.Context, goal string) (string, error) {
	branch := w.BranchName(goal)
	if w.cfg.DryRun {
		fmt.Printf("[dry-run] would create branch %s from %s\n", branch, w.cfg.BaseBranch)
		return branch, nil
	}
	if _, err := w.git(ctx, "checkout", "-b", branch, w.cfg.BaseBranch); err != nil {
		return "", fmt.Errorf("create branch %s: %w", branch, err)
	}
	return branch, nil
}

// HasUncommittedChanges reports whether the working tree is dirty.
func (w *Workflow) HasUncommittedChanges(ctx context.Context) (bool, error) {
	output, err := w.git(ctx, "status", "--porcelain")
	if err != nil {
		return false, fmt.Errorf("git status failed in %s: %w", w.cfg.RepoPath, err)
	}
	return strings.TrimSpace(string(output)) != "", nil
}

// CommitAndPush stages everything, commits, and pushes the branch.
// Returns the commit hash.
func (w *Workflow) CommitAndPush(ctx context.Context, branch, message string) (string, error) {
	if message == "" {
		return "", fmt.Errorf("commit message is required")
	}
	if w.cfg.DryRun {
		fmt.Printf("[dry-run] would commit and push %s\n", branch)
		return "dry-run", nil
	}

	if _, err := w.git(ctx, "add", "-A"); err != nil {
		return "", fmt.Errorf("git add failed in %s: %w", w.cfg.RepoPath, err)
	}
	if _, err := w.git(ctx, "commit", "-m", message); err != nil {
		return "", fmt.Errorf("git commit failed in %s: %w", w.cfg.RepoPath, err)
	}

	hashOutput, err := w.git(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("failed to get commit hash in %s: %w", w.cfg.RepoPath, err)
	}
	hash := strings.TrimSpace(string(hashOutput))

	if _, err := w.git(ctx, "push", "-u", w.cfg.Remote, branch); err != nil {
		return "", fmt.Errorf("git push failed for %s: %w", branch, err)
	}
	return hash, nil
}

// PRRequest describes a pull request to open.
type PRRequest struct {
	Branch string
	Title  string
	Body   string
	Labels []string
}

// Paused reports whether the pause file is present in the repo root.
func (w *Workflow) Paused() bool {
	_, err := os.Stat(filepath.Join(w.cfg.RepoPath, w.cfg.PauseFile))
	return err == nil
}

// CreatePR opens a pull request via gh and returns its URL.
//
// When the pause file exists the PR is suppressed and the URL is
// empty; the branch stays pushed so a human can open the PR later.
// When the hold label is among the request labels, auto-merge is not
// enabled.
func (w *Workflow) CreatePR(ctx context.Context, req PRRequest) (string, error) {
	if w.Paused() {
		fmt.Fprintf(os.Stderr, "Warning: %s file present, skipping PR for %s\n", w.cfg.PauseFile, req.Branch)
		return "", nil
	}
	if w.cfg.DryRun {
		fmt.Printf("[dry-run] would open PR for %s\n", req.Branch)
		return fmt.Sprintf("https://example.invalid/pr/%s", req.Branch), nil
	}
	if w.ghPath == "" {
		return "", fmt.Errorf("gh not available, cannot open PR for %s", req.Branch)
	}

	args := []string{"pr", "create",
		"--head", req.Branch,
		"--base", w.cfg.BaseBranch,
		"--title", req.Title,
		"--body", req.Body,
	}
	for _, label := range req.Labels {
		args = append(args, "--label", label)
	}

	output, err := w.gh(ctx, args...)
	if err != nil {
		return "", fmt.Errorf("gh pr create failed for %s: %w", req.Branch, err)
	}
	url := lastLine(string(output))

	if w.holdRequested(req.Labels) {
		fmt.Printf("PR %s carries the %s label, auto-merge not enabled\n", url, w.cfg.HoldLabel)
		return url, nil
	}
	if _, err := w.gh(ctx, "pr", "merge", "--auto", "--squash", url); err != nil {
		// Auto-merge is a convenience; the PR itself succeeded.
		fmt.Fprintf(os.Stderr, "Warning: could not enable auto-merge for %s: %v\n", url, err)
	}
	return url, nil
}

func (w *Workflow) holdRequested(labels []string) bool {
	for _, label := range labels {
		if label == w.cfg.HoldLabel {
			return true
		}
	}
	return false
}

// AddWorktree checks out branch into its own worktree so agents can
// work in parallel without touching the main checkout. The branch is
// created (or reset to HEAD) because a branch can only be checked out
// by one worktree at a time.
func (w *Workflow) AddWorktree(ctx context.Context, dir, branch string) error {
	if w.cfg.DryRun {
		fmt.Printf("[dry-run] would add worktree %s for %s\n", dir, branch)
		return nil
	}
	if _, err := w.git(ctx, "worktree", "add", "-B", branch, dir); err != nil {
		return fmt.Errorf("git worktree add failed for %s: %w", branch, err)
	}
	return nil
}

// RemoveWorktree removes a worktree created by AddWorktree.
func (w *Workflow) RemoveWorktree(ctx context.Context, dir string) error {
	if w.cfg.DryRun {
		return nil
	}
	if _, err := w.git(ctx, "worktree", "remove", "--force", dir); err != nil {
		return fmt.Errorf("git worktree remove failed for %s: %w", dir, err)
	}
	return nil
}

func (w *Workflow) git(ctx context.Context, args ...string) ([]byte, error) {
	full := append([]string{"-C", w.cfg.RepoPath}, args...)
	return w.run(ctx, w.gitPath, full...)
}

func (w *Workflow) gh(ctx context.Context, args ...string) ([]byte, error) {
	return w.run(ctx, w.ghPath, args...)
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
