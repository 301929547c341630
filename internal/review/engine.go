// Package review implements the review engine: it orchestrates an
// objective analyzer and an LLM-backed reviewer, then coerces their
// output into a schema-valid verdict. The engine never inspects
// source itself; it only enforces the decision invariants.
package review

import (
	"context"
	"fmt"
	"os"

	"github.com/hiveops/hive/internal/types"
)

// Request bundles everything a review needs.
type Request struct {
	TaskID      string
	Description string
	CodeFiles   map[string]string
	TestResults string
	Transcript  string
}

// FileMetric is the objective analyzer's per-file result.
type FileMetric struct {
	Path   string   `json:"path"`
	Lines  int      `json:"lines"`
	Issues []string `json:"issues,omitempty"`
}

// ObjectiveAnalysis is the objective analyzer's output, fed to the
// LLM reviewer alongside the raw artifacts.
type ObjectiveAnalysis struct {
	Files  []FileMetric `json:"files"`
	Issues []string     `json:"issues,omitempty"`
}

// ObjectiveAnalyzer produces per-file metrics and issue lists.
type ObjectiveAnalyzer interface {
	Analyze(ctx context.Context, req *Request) (*ObjectiveAnalysis, error)
}

// ReviewCollaborator is the LLM-backed reviewer. It receives the
// artifacts plus the objective results and returns a structured
// verdict, which the engine then coerces.
type ReviewCollaborator interface {
	Review(ctx context.Context, req *Request, objective *ObjectiveAnalysis) (*types.ReviewVerdict, error)
}

// Config holds the decision thresholds.
type Config struct {
	// ApproveThreshold is the minimum overall score for approval
	ApproveThreshold float64

	// RejectThreshold is the score below which work is rejected
	RejectThreshold float64

	// EscalateThreshold caps the band (reject, escalate] routed to humans
	EscalateThreshold float64

	// ConfidenceThreshold forces escalation below it
	ConfidenceThreshold float64
}

// DefaultConfig returns the default thresholds
func DefaultConfig() Config {
	return Config{
		ApproveThreshold:    80,
		RejectThreshold:     40,
		EscalateThreshold:   60,
		ConfidenceThreshold: 0.7,
	}
}

// defaultMetricScore substitutes for metrics the reviewer omitted.
const defaultMetricScore = 50

// Engine coordinates the two collaborators and enforces verdict
// invariants.
type Engine struct {
	analyzer ObjectiveAnalyzer
	reviewer ReviewCollaborator
	cfg      Config
}

// NewEngine creates a review engine. The reviewer is required; the
// objective analyzer is optional and degrades to an empty analysis.
func NewEngine(analyzer ObjectiveAnalyzer, reviewer ReviewCollaborator, cfg Config) (*Engine, error) {
	if reviewer == nil {
		return nil, fmt.Errorf("reviewer is required")
	}
	if cfg.ApproveThreshold == 0 {
		cfg = DefaultConfig()
	}
	return &Engine{analyzer: analyzer, reviewer: reviewer, cfg: cfg}, nil
}

// Thresholds returns the active decision thresholds.
func (e *Engine) Thresholds() Config {
	return e.cfg
}

// Review runs both collaborators and returns a coerced verdict.
func (e *Engine) Review(ctx context.Context, req *Request) (*types.ReviewVerdict, error) {
	objective := &ObjectiveAnalysis{}
	if e.analyzer != nil {
		analysis, err := e.analyzer.Analyze(ctx, req)
		if err != nil {
			// BEST-EFFORT: the LLM reviewer can still produce a
			// verdict without objective metrics.
			fmt.Fprintf(os.Stderr, "Warning: objective analysis failed for task %s: %v\n", req.TaskID, err)
		} else {
			objective = analysis
		}
	}

	verdict, err := e.reviewer.Review(ctx, req, objective)
	if err != nil {
		return nil, fmt.Errorf("reviewer failed for task %s: %w", req.TaskID, err)
	}

	return e.coerce(req.TaskID, verdict), nil
}

// coerce forces the collaborator's verdict into the schema:
// unknown decisions escalate, missing metrics default to 50, missing
// confidence defaults to 0.5, and the thresholds are enforced post
// hoc so a stray approve never slips below the bar.
func (e *Engine) coerce(taskID string, verdict *types.ReviewVerdict) *types.ReviewVerdict {
	v := *verdict
	v.TaskID = taskID

	if !v.Decision.IsValid() {
		v.EscalationReason = fmt.Sprintf("unknown decision %q", verdict.Decision)
		v.Decision = types.ReviewDecisionEscalate
	}

	// A metric the reviewer left at zero counts as missing.
	for _, metric := range []*float64{
		&v.Metrics.CodeQuality, &v.Metrics.TestCoverage,
		&v.Metrics.Documentation, &v.Metrics.Security, &v.Metrics.Architecture,
	} {
		if *metric <= 0 {
			*metric = defaultMetricScore
		} else if *metric > 100 {
			*metric = 100
		}
	}
	v.OverallScore = v.Metrics.Overall()

	if v.Confidence <= 0 {
		v.Confidence = 0.5
	} else if v.Confidence > 1 {
		v.Confidence = 1
	}

	if v.Confidence < e.cfg.ConfidenceThreshold && v.Decision != types.ReviewDecisionEscalate {
		v.EscalationReason = fmt.Sprintf("confidence %.2f below threshold %.2f", v.Confidence, e.cfg.ConfidenceThreshold)
		v.Decision = types.ReviewDecisionEscalate
		return &v
	}

	// Post-hoc threshold enforcement. Never silently approve.
	switch v.Decision {
	case types.ReviewDecisionApprove:
		if v.OverallScore < e.cfg.ApproveThreshold {
			v.Decision = types.ReviewDecisionRework
		}
	case types.ReviewDecisionReject:
		if v.OverallScore >= e.cfg.ApproveThreshold {
			v.Decision = types.ReviewDecisionRework
		}
	}
	return &v
}

// StatusFor maps a review decision to the task status it implies.
func StatusFor(decision types.ReviewDecision) types.TaskStatus {
	switch decision {
	case types.ReviewDecisionApprove:
		return types.TaskStatusApproved
	case types.ReviewDecisionReject:
		return types.TaskStatusRejected
	case types.ReviewDecisionRework:
		return types.TaskStatusReworkNeeded
	default:
		return types.TaskStatusEscalated
	}
}
