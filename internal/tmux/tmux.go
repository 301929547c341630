// Package tmux implements the terminal transport: a pre-provisioned
// tmux session with one named pane per agent. Commands are typed into
// panes as keystrokes and results are scraped from the rolling pane
// buffer. The transport never creates the session itself; agent
// identities stay explicit and agents survive orchestrator restarts.
package tmux

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// ErrNotProvisioned indicates the expected tmux session does not exist.
var ErrNotProvisioned = errors.New("tmux session not provisioned")

// Config holds transport settings
type Config struct {
	// Session is the tmux session name
	Session string

	// Panes maps agent names to tmux pane targets
	Panes map[string]string

	// SendDelay is the pause between sent lines to avoid
	// input-buffer overrun in the receiving pane
	SendDelay time.Duration
}

// DefaultConfig returns the default transport configuration
func DefaultConfig() Config {
	return Config{
		Session: "hive",
		Panes: map[string]string{
			"queen":           "hive:0.0",
			"worker-backend":  "hive:0.1",
			"worker-frontend": "hive:0.2",
			"worker-infra":    "hive:0.3",
		},
		SendDelay: 150 * time.Millisecond,
	}
}

// runner executes a tmux invocation and returns combined output.
// Swappable in tests.
type runner func(ctx context.Context, args ...string) ([]byte, error)

// Transport sends keystrokes to and captures output from tmux panes.
// The pane registry mutates at runtime (heavy-fix panes come and go
// while daemons send and capture), so it lives behind a lock.
type Transport struct {
	tmuxPath string
	cfg      Config
	run      runner
	sleep    func(time.Duration)

	mu    sync.RWMutex
	panes map[string]string
}

// New creates a transport after verifying tmux is available.
func New(ctx context.Context, cfg Config) (*Transport, error) {
	tmuxPath, err := exec.LookPath("tmux")
	if err != nil {
		return nil, fmt.Errorf("tmux not found in PATH: %w", err)
	}

	cmd := exec.CommandContext(ctx, tmuxPath, "-V")
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("tmux command failed: %w", err)
	}

	t := &Transport{
		tmuxPath: tmuxPath,
		cfg:      cfg,
		sleep:    time.Sleep,
		panes:    clonePanes(cfg.Panes),
	}
	t.run = func(ctx context.Context, args ...string) ([]byte, error) {
		return exec.CommandContext(ctx, t.tmuxPath, args...).CombinedOutput()
	}
	return t, nil
}

// newWithRunner builds a transport around an injected runner. Test hook.
func newWithRunner(cfg Config, run runner) *Transport {
	return &Transport{cfg: cfg, run: run, sleep: func(time.Duration) {}, panes: clonePanes(cfg.Panes)}
}

func clonePanes(panes map[string]string) map[string]string {
	out := make(map[string]string, len(panes))
	for agent, pane := range panes {
		out[agent] = pane
	}
	return out
}

// EnsureSession verifies the configured session exists. It returns
// ErrNotProvisioned rather than creating the session.
func (t *Transport) EnsureSession(ctx context.Context) error {
	if _, err := t.run(ctx, "has-session", "-t", t.cfg.Session); err != nil {
		return fmt.Errorf("session %q: %w", t.cfg.Session, ErrNotProvisioned)
	}
	return nil
}

// PaneFor resolves an agent name to its tmux pane target.
func (t *Transport) PaneFor(agent string) (string, error) {
	t.mu.RLock()
	pane, ok := t.panes[agent]
	t.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("unknown agent %q: %w", agent, ErrNotProvisioned)
	}
	return pane, nil
}

// Agents returns the registered agent names.
func (t *Transport) Agents() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	names := make([]string, 0, len(t.panes))
	for name := range t.panes {
		names = append(names, name)
	}
	return names
}

// Send transmits lines to the named agent's pane. Each line is sent
// literally followed by Enter, with a short delay between lines.
func (t *Transport) Send(ctx context.Context, agent string, lines []string) error {
	pane, err := t.PaneFor(agent)
	if err != nil {
		return err
	}
	for i, line := range lines {
		if i > 0 {
			t.sleep(t.cfg.SendDelay)
		}
		if out, err := t.run(ctx, "send-keys", "-t", pane, "-l", "--", line); err != nil {
			return fmt.Errorf("send-keys to %s failed: %s: %w", agent, strings.TrimSpace(string(out)), err)
		}
		if out, err := t.run(ctx, "send-keys", "-t", pane, "Enter"); err != nil {
			return fmt.Errorf("send-keys Enter to %s failed: %s: %w", agent, strings.TrimSpace(string(out)), err)
		}
	}
	return nil
}

// Capture returns the last tail rows of the agent's pane buffer in
// top-to-bottom order.
func (t *Transport) Capture(ctx context.Context, agent string, tail int) ([]string, error) {
	pane, err := t.PaneFor(agent)
	if err != nil {
		return nil, err
	}
	out, err := t.run(ctx, "capture-pane", "-p", "-J", "-t", pane, "-S", fmt.Sprintf("-%d", tail))
	if err != nil {
		return nil, fmt.Errorf("capture-pane from %s failed: %w", agent, err)
	}
	lines := strings.Split(strings.TrimRight(string(out), "\n"), "\n")
	return lines, nil
}

// SpawnPane splits a new pane off the session, registers it under the
// given agent name, and starts command in it. Returns the pane id.
// Used by the heavy-fix pool.
func (t *Transport) SpawnPane(ctx context.Context, agent, command string) (string, error) {
	out, err := t.run(ctx, "split-window", "-d", "-P", "-F", "#{pane_id}", "-t", t.cfg.Session, command)
	if err != nil {
		return "", fmt.Errorf("split-window failed: %s: %w", strings.TrimSpace(string(out)), err)
	}
	paneID := strings.TrimSpace(string(out))
	if paneID == "" {
		return "", fmt.Errorf("split-window returned empty pane id")
	}
	t.mu.Lock()
	t.panes[agent] = paneID
	t.mu.Unlock()
	return paneID, nil
}

// KillPane removes a spawned pane and unregisters its agent.
func (t *Transport) KillPane(ctx context.Context, agent string) error {
	pane, err := t.PaneFor(agent)
	if err != nil {
		return err
	}
	if out, err := t.run(ctx, "kill-pane", "-t", pane); err != nil {
		return fmt.Errorf("kill-pane %s failed: %s: %w", agent, strings.TrimSpace(string(out)), err)
	}
	t.mu.Lock()
	delete(t.panes, agent)
	t.mu.Unlock()
	return nil
}
