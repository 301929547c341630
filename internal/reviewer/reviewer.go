// Package reviewer runs the review daemon: it polls for tasks in
// review-pending, reviews them through the review engine, drives the
// auto-fix loop on rejections, and publishes the outcome events.
package reviewer

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/hiveops/hive/internal/autofix"
	"github.com/hiveops/hive/internal/bus"
	"github.com/hiveops/hive/internal/review"
	"github.com/hiveops/hive/internal/storage"
	"github.com/hiveops/hive/internal/types"
)

// Config holds daemon settings
type Config struct {
	// PollInterval between queue sweeps (default: 30s)
	PollInterval time.Duration

	// TestMode shortens the poll interval to 5s
	TestMode bool

	// AgentName identifies this daemon in events
	AgentName string
}

// DefaultConfig returns the default daemon configuration
func DefaultConfig() Config {
	return Config{
		PollInterval: 30 * time.Second,
		AgentName:    "reviewer",
	}
}

// Metrics counts daemon outcomes since start.
type Metrics struct {
	StartTime   time.Time
	Reviewed    int
	Approved    int
	Rejected    int
	Escalated   int
	Reworked    int
	AutoFixed   int
	FixAttempts int
	Errors      int
}

// Daemon is the review agent.
type Daemon struct {
	store  storage.TaskStore
	engine *review.Engine
	fixer  *autofix.Loop // nil disables the auto-fix stage
	events bus.EventBus
	cfg    Config

	mu      sync.RWMutex
	running bool
	metrics Metrics

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a review daemon.
func New(store storage.TaskStore, engine *review.Engine, fixer *autofix.Loop, events bus.EventBus, cfg Config) (*Daemon, error) {
	if store == nil {
		return nil, fmt.Errorf("task store is required")
	}
	if engine == nil {
		return nil, fmt.Errorf("review engine is required")
	}
	if events == nil {
		return nil, fmt.Errorf("event bus is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	if cfg.TestMode {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.AgentName == "" {
		cfg.AgentName = DefaultConfig().AgentName
	}
	return &Daemon{
		store:   store,
		engine:  engine,
		fixer:   fixer,
		events:  events,
		cfg:     cfg,
		metrics: Metrics{StartTime: time.Now()},
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}, nil
}

// Start launches the poll loop.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("reviewer is already running")
	}
	d.running = true
	d.mu.Unlock()

	go d.loop(ctx)
	fmt.Printf("Reviewer: started (poll_interval=%v)\n", d.cfg.PollInterval)
	return nil
}

// Stop halts the loop, waits for the in-flight sweep, and prints the
// session summary.
func (d *Daemon) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("reviewer is not running")
	}
	d.mu.Unlock()

	close(d.stopCh)
	select {
	case <-d.doneCh:
	case <-ctx.Done():
		return ctx.Err()
	}

	d.mu.Lock()
	d.running = false
	d.mu.Unlock()

	fmt.Println(d.SessionSummary())
	return nil
}

// IsRunning reports whether the daemon loop is active.
func (d *Daemon) IsRunning() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.running
}

// Snapshot returns a copy of the current metrics.
func (d *Daemon) Snapshot() Metrics {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.metrics
}

// SessionSummary renders the metrics as a one-line report.
func (d *Daemon) SessionSummary() string {
	m := d.Snapshot()
	return fmt.Sprintf("Reviewer session since %s: reviewed=%d approved=%d rejected=%d rework=%d escalated=%d auto-fixed=%d fix-attempts=%d errors=%d",
		m.StartTime.Format(time.RFC3339),
		m.Reviewed, m.Approved, m.Rejected, m.Reworked, m.Escalated, m.AutoFixed, m.FixAttempts, m.Errors)
}

// warnf logs a non-fatal daemon error and counts it.
func (d *Daemon) warnf(format string, args ...interface{}) {
	d.mu.Lock()
	d.metrics.Errors++
	d.mu.Unlock()
	fmt.Fprintf(os.Stderr, "Warning: "+format, args...)
}

func (d *Daemon) loop(ctx context.Context) {
	defer close(d.doneCh)
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.Sweep(ctx)
		}
	}
}

// Sweep processes every review-pending task once.
func (d *Daemon) Sweep(ctx context.Context) {
	tasks, err := d.store.GetByStatus(ctx, types.TaskStatusReviewPending)
	if err != nil {
		d.warnf("could not list review-pending tasks: %v\n", err)
		return
	}
	for _, task := range tasks {
		if ctx.Err() != nil {
			return
		}
		d.Process(ctx, task)
	}
}

// Process reviews one task end to end. The final status transition is
// a compare-and-set from review-pending, so when two daemons race
// only one publishes events.
func (d *Daemon) Process(ctx context.Context, task *types.Task) {
	artifacts, err := d.store.LoadArtifacts(ctx, task.ID)
	if err != nil {
		d.warnf("could not load artifacts for task %s: %v\n", task.ID, err)
		return
	}

	if len(artifacts.CodeFiles) == 0 {
		d.escalateNoCode(ctx, task)
		return
	}

	verdict, err := d.engine.Review(ctx, d.request(task, artifacts))
	if err != nil {
		d.warnf("review failed for task %s: %v\n", task.ID, err)
		return
	}

	// A rejection gets one shot at mechanical repair before the
	// verdict stands.
	var extra map[string]interface{}
	if verdict.Decision == types.ReviewDecisionReject && d.fixer != nil && task.ServiceDirectory != "" {
		verdict, extra = d.tryAutoFix(ctx, task, artifacts, verdict)
	}

	d.finalize(ctx, task, verdict, extra)
}

func (d *Daemon) request(task *types.Task, artifacts *types.TaskArtifacts) *review.Request {
	return &review.Request{
		TaskID:      task.ID,
		Description: task.Description,
		CodeFiles:   artifacts.CodeFiles,
		TestResults: artifacts.TestResults,
		Transcript:  artifacts.Transcript,
	}
}

// tryAutoFix runs the fix loop on the rejected work. When the loop
// repairs something, the patched artifacts are re-reviewed and the
// new verdict replaces the rejection. When the fix session escalated
// (exhausted budget, identical failures, nothing parseable), the
// rejection is converted into an escalation so a human sees it
// instead of the task quietly landing rejected.
func (d *Daemon) tryAutoFix(ctx context.Context, task *types.Task, artifacts *types.TaskArtifacts, rejected *types.ReviewVerdict) (*types.ReviewVerdict, map[string]interface{}) {
	fixed, report := d.fixer.TryFix(ctx, task, artifacts.TestResults)

	var extra map[string]interface{}
	if report.Session != nil && report.Session.AttemptCount > 0 {
		d.mu.Lock()
		d.metrics.FixAttempts += report.Session.AttemptCount
		d.mu.Unlock()
		extra = map[string]interface{}{"fix_attempts": report.Session.AttemptCount}
	}

	if !fixed {
		fmt.Printf("Reviewer: auto-fix did not converge for task %s (%s)\n", task.ID, report.Reason)
		if report.Session != nil && report.Session.Outcome == types.FixOutcomeEscalated {
			return d.escalateFailedFix(ctx, task, rejected, report), extra
		}
		return rejected, extra
	}

	d.mu.Lock()
	d.metrics.AutoFixed++
	d.mu.Unlock()

	// Reload the patched files so the re-review sees the repairs.
	patched := reloadFiles(task.ServiceDirectory, artifacts)
	verdict, err := d.engine.Review(ctx, d.request(task, patched))
	if err != nil {
		d.warnf("re-review failed for task %s: %v\n", task.ID, err)
		return rejected, extra
	}
	return verdict, extra
}

// escalateFailedFix records the failed fix session as an escalation
// and rewrites the rejection into an escalate verdict.
func (d *Daemon) escalateFailedFix(ctx context.Context, task *types.Task, rejected *types.ReviewVerdict, report *autofix.Report) *types.ReviewVerdict {
	notes := fmt.Sprintf("auto-fix attempts %d/%d", report.Session.AttemptCount, report.Session.MaxAttempts)
	if report.LastValidatorOutput != "" {
		notes += "; last validator output: " + report.LastValidatorOutput
	}
	if _, err := d.store.CreateEscalation(ctx, &types.Escalation{
		TaskID: task.ID,
		Reason: report.Reason,
		Notes:  notes,
	}); err != nil {
		d.warnf("could not record escalation for task %s: %v\n", task.ID, err)
	}

	verdict := *rejected
	verdict.Decision = types.ReviewDecisionEscalate
	verdict.EscalationReason = report.Reason
	return &verdict
}

func (d *Daemon) escalateNoCode(ctx context.Context, task *types.Task) {
	verdict := &types.ReviewVerdict{
		TaskID:           task.ID,
		Decision:         types.ReviewDecisionEscalate,
		EscalationReason: "no code files",
	}
	if _, err := d.store.CreateEscalation(ctx, &types.Escalation{
		TaskID: task.ID,
		Reason: "no code files",
	}); err != nil {
		d.warnf("could not record escalation for task %s: %v\n", task.ID, err)
	}
	d.finalize(ctx, task, verdict, nil)
}

// finalize claims the terminal transition and publishes the event
// pair: REVIEW_COMPLETED always first, then the decision event, in
// order per task.
func (d *Daemon) finalize(ctx context.Context, task *types.Task, verdict *types.ReviewVerdict, extra map[string]interface{}) {
	next := review.StatusFor(verdict.Decision)

	won, err := d.store.Claim(ctx, task.ID, types.TaskStatusReviewPending, next)
	if err != nil {
		d.warnf("could not transition task %s to %s: %v\n", task.ID, next, err)
		return
	}
	if !won {
		// Another reviewer got there first; its events stand.
		return
	}

	d.mu.Lock()
	d.metrics.Reviewed++
	switch verdict.Decision {
	case types.ReviewDecisionApprove:
		d.metrics.Approved++
	case types.ReviewDecisionReject:
		d.metrics.Rejected++
	case types.ReviewDecisionRework:
		d.metrics.Reworked++
	case types.ReviewDecisionEscalate:
		d.metrics.Escalated++
	}
	d.mu.Unlock()

	payload := map[string]interface{}{
		"decision":      string(verdict.Decision),
		"overall_score": verdict.OverallScore,
		"confidence":    verdict.Confidence,
	}
	if verdict.EscalationReason != "" {
		payload["escalation_reason"] = verdict.EscalationReason
	}
	for k, v := range extra {
		payload[k] = v
	}

	d.events.Publish(bus.NewEvent(bus.TopicReviewCompleted, task.ID, d.cfg.AgentName, payload))
	if topic, ok := decisionTopic(verdict.Decision); ok {
		d.events.Publish(bus.NewEvent(topic, task.ID, d.cfg.AgentName, payload))
	}
}

func decisionTopic(decision types.ReviewDecision) (bus.Topic, bool) {
	switch decision {
	case types.ReviewDecisionApprove:
		return bus.TopicApproved, true
	case types.ReviewDecisionReject, types.ReviewDecisionRework:
		return bus.TopicRejected, true
	case types.ReviewDecisionEscalate:
		return bus.TopicEscalated, true
	default:
		return "", false
	}
}

// reloadFiles re-reads the artifact files from the service directory,
// falling back to the stored copy for anything unreadable.
func reloadFiles(serviceDir string, artifacts *types.TaskArtifacts) *types.TaskArtifacts {
	patched := &types.TaskArtifacts{
		CodeFiles:   make(map[string]string, len(artifacts.CodeFiles)),
		TestResults: artifacts.TestResults,
		Transcript:  artifacts.Transcript,
	}
	for path, content := range artifacts.CodeFiles {
		full := path
		if !strings.HasPrefix(path, "/") {
			full = serviceDir + "/" + path
		}
		if data, err := os.ReadFile(full); err == nil {
			patched.CodeFiles[path] = string(data)
		} else {
			patched.CodeFiles[path] = content
		}
	}
	return patched
}
