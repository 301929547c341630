package tmux

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
)

type call struct {
	args []string
}

// fakeRunner records tmux invocations and serves canned responses.
type fakeRunner struct {
	calls     []call
	captured  string
	hasErr    error
	spawnPane string
}

func (f *fakeRunner) run(_ context.Context, args ...string) ([]byte, error) {
	f.calls = append(f.calls, call{args: args})
	switch args[0] {
	case "has-session":
		return nil, f.hasErr
	case "capture-pane":
		return []byte(f.captured), nil
	case "split-window":
		return []byte(f.spawnPane + "\n"), nil
	}
	return nil, nil
}

func testConfig() Config {
	return Config{
		Session: "hive",
		Panes: map[string]string{
			"queen":          "hive:0.0",
			"worker-backend": "hive:0.1",
		},
	}
}

func TestEnsureSessionMissing(t *testing.T) {
	f := &fakeRunner{hasErr: fmt.Errorf("exit status 1")}
	tr := newWithRunner(testConfig(), f.run)

	err := tr.EnsureSession(context.Background())
	if !errors.Is(err, ErrNotProvisioned) {
		t.Errorf("expected ErrNotProvisioned, got %v", err)
	}
}

func TestEnsureSessionPresent(t *testing.T) {
	f := &fakeRunner{}
	tr := newWithRunner(testConfig(), f.run)

	if err := tr.EnsureSession(context.Background()); err != nil {
		t.Errorf("expected nil error, got %v", err)
	}
}

func TestSendUnknownAgent(t *testing.T) {
	tr := newWithRunner(testConfig(), (&fakeRunner{}).run)

	err := tr.Send(context.Background(), "worker-ml", []string{"hi"})
	if !errors.Is(err, ErrNotProvisioned) {
		t.Errorf("expected ErrNotProvisioned for unknown agent, got %v", err)
	}
}

func TestSendLinesFollowedByEnter(t *testing.T) {
	f := &fakeRunner{}
	tr := newWithRunner(testConfig(), f.run)

	lines := []string{"echo one", "echo two"}
	if err := tr.Send(context.Background(), "queen", lines); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	// Each line produces a literal send-keys plus an Enter.
	if len(f.calls) != 4 {
		t.Fatalf("expected 4 tmux calls, got %d", len(f.calls))
	}
	for i, line := range lines {
		lit := f.calls[i*2].args
		if lit[0] != "send-keys" || lit[len(lit)-1] != line {
			t.Errorf("call %d: expected literal send of %q, got %v", i*2, line, lit)
		}
		enter := f.calls[i*2+1].args
		if enter[len(enter)-1] != "Enter" {
			t.Errorf("call %d: expected Enter keystroke, got %v", i*2+1, enter)
		}
	}
	for _, c := range f.calls {
		if !containsArg(c.args, "hive:0.0") {
			t.Errorf("expected pane target hive:0.0 in %v", c.args)
		}
	}
}

func TestCaptureReturnsOrderedLines(t *testing.T) {
	f := &fakeRunner{captured: "first\nsecond\nthird\n"}
	tr := newWithRunner(testConfig(), f.run)

	lines, err := tr.Capture(context.Background(), "worker-backend", 50)
	if err != nil {
		t.Fatalf("Capture failed: %v", err)
	}
	want := []string{"first", "second", "third"}
	if len(lines) != len(want) {
		t.Fatalf("expected %d lines, got %d", len(want), len(lines))
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Errorf("line %d: got %q, want %q", i, lines[i], want[i])
		}
	}

	// Tail request reaches tmux as a negative start row.
	last := f.calls[len(f.calls)-1].args
	if !containsArg(last, "-50") {
		t.Errorf("expected -S -50 in capture args, got %v", last)
	}
}

func TestSpawnAndKillPane(t *testing.T) {
	f := &fakeRunner{spawnPane: "%7"}
	tr := newWithRunner(testConfig(), f.run)

	paneID, err := tr.SpawnPane(context.Background(), "heavy-fix-1", "cc-worker --task T-9")
	if err != nil {
		t.Fatalf("SpawnPane failed: %v", err)
	}
	if paneID != "%7" {
		t.Errorf("pane id = %q, want %%7", paneID)
	}
	if got, err := tr.PaneFor("heavy-fix-1"); err != nil || got != "%7" {
		t.Errorf("PaneFor(heavy-fix-1) = %q, %v", got, err)
	}

	if err := tr.KillPane(context.Background(), "heavy-fix-1"); err != nil {
		t.Fatalf("KillPane failed: %v", err)
	}
	if _, err := tr.PaneFor("heavy-fix-1"); !errors.Is(err, ErrNotProvisioned) {
		t.Errorf("expected agent unregistered after KillPane, got %v", err)
	}
}

func TestPaneRegistryConcurrentAccess(t *testing.T) {
	// Stateless runner: spawn/kill churn from one goroutine while
	// others send and capture. Run with -race.
	run := func(_ context.Context, args ...string) ([]byte, error) {
		if args[0] == "split-window" {
			return []byte("%9\n"), nil
		}
		return nil, nil
	}
	tr := newWithRunner(testConfig(), run)
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			agent := fmt.Sprintf("heavy-fix-%d", i)
			if _, err := tr.SpawnPane(ctx, agent, "hive worker --task T-1 --headless"); err != nil {
				t.Errorf("SpawnPane: %v", err)
				return
			}
			if err := tr.KillPane(ctx, agent); err != nil {
				t.Errorf("KillPane: %v", err)
				return
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			_ = tr.Send(ctx, "queen", []string{"status"})
			_, _ = tr.Capture(ctx, "worker-backend", 20)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			_ = tr.Agents()
			_, _ = tr.PaneFor("queen")
		}
	}()
	wg.Wait()
}

func containsArg(args []string, want string) bool {
	for _, a := range args {
		if strings.Contains(a, want) {
			return true
		}
	}
	return false
}
