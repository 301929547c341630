// Package types defines the core domain types shared across the hive:
// tasks, agents, dispatch records, review verdicts, fix sessions, and
// escalations. Types here carry no behavior beyond validation and the
// task status state machine.
package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewTaskID returns a new time-ordered opaque task identifier.
func NewTaskID() string {
	return ulid.Make().String()
}

// TaskStatus represents the lifecycle status of a task
type TaskStatus string

const (
	TaskStatusQueued        TaskStatus = "queued"
	TaskStatusInProgress    TaskStatus = "in-progress"
	TaskStatusReviewPending TaskStatus = "review-pending"
	TaskStatusApproved      TaskStatus = "approved"
	TaskStatusRejected      TaskStatus = "rejected"
	TaskStatusReworkNeeded  TaskStatus = "rework-needed"
	TaskStatusEscalated     TaskStatus = "escalated"
	TaskStatusFailed        TaskStatus = "failed"
)

// IsValid checks if the task status value is valid
func (s TaskStatus) IsValid() bool {
	switch s {
	case TaskStatusQueued, TaskStatusInProgress, TaskStatusReviewPending,
		TaskStatusApproved, TaskStatusRejected, TaskStatusReworkNeeded,
		TaskStatusEscalated, TaskStatusFailed:
		return true
	}
	return false
}

// ValidTransitions defines the valid transitions for the task state machine.
//
// State Machine Diagram:
//
//	queued -> in-progress -> review-pending -> approved
//	   ↑                        ↓
//	   └── rework-needed ← rejected
//	                            ↓
//	                        escalated
//	(any non-terminal state -> failed)
//
// Valid transitions:
//   - queued -> in-progress (atomic claim by an agent)
//   - in-progress -> review-pending (work complete, awaiting review)
//   - review-pending -> approved | rejected | rework-needed | escalated
//   - rejected -> rework-needed (auto-fix produced changes worth retrying)
//   - rework-needed -> queued (retry)
//   - any non-terminal -> failed
func (s TaskStatus) ValidTransitions() []TaskStatus {
	switch s {
	case TaskStatusQueued:
		return []TaskStatus{TaskStatusInProgress, TaskStatusFailed}
	case TaskStatusInProgress:
		return []TaskStatus{TaskStatusReviewPending, TaskStatusFailed}
	case TaskStatusReviewPending:
		return []TaskStatus{TaskStatusApproved, TaskStatusRejected,
			TaskStatusReworkNeeded, TaskStatusEscalated, TaskStatusFailed}
	case TaskStatusRejected:
		return []TaskStatus{TaskStatusReworkNeeded, TaskStatusFailed}
	case TaskStatusReworkNeeded:
		return []TaskStatus{TaskStatusQueued, TaskStatusFailed}
	case TaskStatusApproved:
		return []TaskStatus{} // Terminal state
	case TaskStatusEscalated:
		return []TaskStatus{} // Terminal pending HITL resolution
	case TaskStatusFailed:
		return []TaskStatus{} // Terminal state
	default:
		return []TaskStatus{}
	}
}

// CanTransitionTo checks if a transition from this status to the target is valid
func (s TaskStatus) CanTransitionTo(target TaskStatus) bool {
	for _, valid := range s.ValidTransitions() {
		if valid == target {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the status admits no further transitions.
func (s TaskStatus) IsTerminal() bool {
	return len(s.ValidTransitions()) == 0
}

// Task represents a unit of work tracked by the shared task store
type Task struct {
	ID               string                 `json:"id"`
	Description      string                 `json:"description"`
	Status           TaskStatus             `json:"status"`
	Payload          map[string]interface{} `json:"payload,omitempty"`
	CorrelationID    string                 `json:"correlation_id,omitempty"`
	ServiceDirectory string                 `json:"service_directory,omitempty"`
	CreatedAt        time.Time              `json:"created_at"`
}

// Validate checks if the task has valid field values
func (t *Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("id is required")
	}
	if strings.TrimSpace(t.Description) == "" {
		return fmt.Errorf("description is required")
	}
	if !t.Status.IsValid() {
		return fmt.Errorf("invalid status: %s", t.Status)
	}
	return nil
}

// TaskArtifacts bundles the reviewable outputs attached to a task.
type TaskArtifacts struct {
	CodeFiles   map[string]string `json:"code_files"`
	TestResults string            `json:"test_results,omitempty"`
	Transcript  string            `json:"transcript,omitempty"`
}

// AgentKind classifies an agent endpoint
type AgentKind string

const (
	AgentKindQueen    AgentKind = "queen"
	AgentKindWorker   AgentKind = "worker"
	AgentKindFastFix  AgentKind = "fast-fix"
	AgentKindHeavyFix AgentKind = "heavy-fix"
)

// AgentStatus represents the health state of an agent
type AgentStatus string

const (
	AgentStatusIdle      AgentStatus = "idle"
	AgentStatusBusy      AgentStatus = "busy"
	AgentStatusUnhealthy AgentStatus = "unhealthy"
	AgentStatusOffline   AgentStatus = "offline"
)

// Agent is a named endpoint of the terminal transport
type Agent struct {
	Name          string      `json:"name"`
	PaneHandle    string      `json:"pane_handle"`
	Kind          AgentKind   `json:"kind"`
	Status        AgentStatus `json:"status"`
	LastHeartbeat time.Time   `json:"last_heartbeat"`
	CurrentTaskID string      `json:"current_task_id,omitempty"`
}

// DispatchRecord tracks an outstanding command sent to an agent. The
// orchestrator owns live records; they are referenced until the footer
// is parsed or the timeout expires.
type DispatchRecord struct {
	TaskID    string        `json:"task_id"`
	AgentName string        `json:"agent_name"`
	Command   string        `json:"command"`
	SentAt    time.Time     `json:"sent_at"`
	Timeout   time.Duration `json:"timeout"`
}

// FooterStatus is the status reported by an agent in its sentinel footer
type FooterStatus string

const (
	FooterStatusSuccess FooterStatus = "success"
	FooterStatusPartial FooterStatus = "partial"
	FooterStatusBlocked FooterStatus = "blocked"
	FooterStatusFailed  FooterStatus = "failed"
	FooterStatusTimeout FooterStatus = "timeout"
)

// IsValid checks if the footer status value is valid
func (s FooterStatus) IsValid() bool {
	switch s {
	case FooterStatusSuccess, FooterStatusPartial, FooterStatusBlocked,
		FooterStatusFailed, FooterStatusTimeout:
		return true
	}
	return false
}

// StatusFooter is the structured response every dispatched command
// must terminate with. Every dispatch produces exactly one footer
// within its timeout or is recorded as timeout.
type StatusFooter struct {
	Status  FooterStatus `json:"status"`
	Changes string       `json:"changes"`
	Next    string       `json:"next"`
	LastCmd string       `json:"last_cmd,omitempty"`
}

// ReviewDecision is the outcome of a review
type ReviewDecision string

const (
	ReviewDecisionApprove  ReviewDecision = "approve"
	ReviewDecisionReject   ReviewDecision = "reject"
	ReviewDecisionRework   ReviewDecision = "rework"
	ReviewDecisionEscalate ReviewDecision = "escalate"
)

// IsValid checks if the review decision value is valid
func (d ReviewDecision) IsValid() bool {
	switch d {
	case ReviewDecisionApprove, ReviewDecisionReject, ReviewDecisionRework, ReviewDecisionEscalate:
		return true
	}
	return false
}

// ReviewMetrics holds the five per-dimension scores in [0,100]
type ReviewMetrics struct {
	CodeQuality   float64 `json:"code_quality"`
	TestCoverage  float64 `json:"test_coverage"`
	Documentation float64 `json:"documentation"`
	Security      float64 `json:"security"`
	Architecture  float64 `json:"architecture"`
}

// Overall returns the weighted overall score: 0.30 quality, 0.25
// coverage, 0.15 docs, 0.20 security, 0.10 architecture.
func (m ReviewMetrics) Overall() float64 {
	return 0.30*m.CodeQuality +
		0.25*m.TestCoverage +
		0.15*m.Documentation +
		0.20*m.Security +
		0.10*m.Architecture
}

// ReviewVerdict is the structured result of reviewing a task
type ReviewVerdict struct {
	TaskID           string         `json:"task_id"`
	Decision         ReviewDecision `json:"decision"`
	Metrics          ReviewMetrics  `json:"metrics"`
	OverallScore     float64        `json:"overall_score"`
	Summary          string         `json:"summary,omitempty"`
	Issues           []string       `json:"issues,omitempty"`
	Suggestions      []string       `json:"suggestions,omitempty"`
	Confidence       float64        `json:"confidence"`
	EscalationReason string         `json:"escalation_reason,omitempty"`
}

// FixOutcome is the terminal (or in-flight) state of a fix session
type FixOutcome string

const (
	FixOutcomeInProgress FixOutcome = "in-progress"
	FixOutcomeFixed      FixOutcome = "fixed"
	FixOutcomeEscalated  FixOutcome = "escalated"
	FixOutcomeFailed     FixOutcome = "failed"
)

// IsTerminal reports whether the outcome is final. Terminal outcomes
// are immutable.
func (o FixOutcome) IsTerminal() bool {
	return o == FixOutcomeFixed || o == FixOutcomeEscalated || o == FixOutcomeFailed
}

// Fix is a candidate repair produced by the fix generator: the full
// post-patch content for one file.
type Fix struct {
	FilePath string `json:"file_path"`
	Content  string `json:"content"`
	FixType  string `json:"fix_type"`
}

// AppliedFix records one fix written to disk during a session
type AppliedFix struct {
	FilePath  string    `json:"file_path"`
	FixType   string    `json:"fix_type"`
	Attempt   int       `json:"attempt"`
	AppliedAt time.Time `json:"applied_at"`
}

// FixSession tracks one bounded auto-fix attempt sequence for a task
type FixSession struct {
	TaskID       string       `json:"task_id"`
	ServicePath  string       `json:"service_path"`
	AttemptCount int          `json:"attempt_count"`
	MaxAttempts  int          `json:"max_attempts"`
	AppliedFixes []AppliedFix `json:"applied_fixes"`
	Outcome      FixOutcome   `json:"outcome"`
}

// ErrorSeverity classifies a parsed validator error
type ErrorSeverity string

const (
	SeverityInfo     ErrorSeverity = "info"
	SeverityWarn     ErrorSeverity = "warn"
	SeverityError    ErrorSeverity = "error"
	SeverityCritical ErrorSeverity = "critical"
)

// ParsedError is a single diagnostic extracted from validator output
type ParsedError struct {
	FilePath     string        `json:"file_path"`
	Line         int           `json:"line"`
	ErrorCode    string        `json:"error_code"`
	ErrorMessage string        `json:"error_message"`
	Severity     ErrorSeverity `json:"severity"`
	AutoFixable  bool          `json:"auto_fixable"`
}

// ViolationType classifies a QA violation for complexity weighting
type ViolationType string

const (
	ViolationTypeStyle         ViolationType = "style"
	ViolationTypeConfig        ViolationType = "config"
	ViolationTypeArchitectural ViolationType = "architectural"
	ViolationTypeSecurity      ViolationType = "security"
)

// Weight returns the complexity contribution of the violation type.
// Security outweighs everything else.
func (t ViolationType) Weight() float64 {
	switch t {
	case ViolationTypeStyle:
		return 0.1
	case ViolationTypeConfig:
		return 0.2
	case ViolationTypeArchitectural:
		return 0.5
	case ViolationTypeSecurity:
		return 0.7
	default:
		return 0.1
	}
}

// Violation is one lint/test finding in a QA batch
type Violation struct {
	Type     ViolationType `json:"type"`
	Severity ErrorSeverity `json:"severity"`
	FilePath string        `json:"file_path"`
	Line     int           `json:"line,omitempty"`
	Message  string        `json:"message"`
}

// WorkerType selects which pool handles a QA batch
type WorkerType string

const (
	WorkerTypeFastFix           WorkerType = "fast-fix"
	WorkerTypeHeavyFixHeadless  WorkerType = "heavy-fix-headless"
	WorkerTypeHeavyFixWithHuman WorkerType = "heavy-fix-with-human"
)

// PatternMatch is one retrieved historical fix pattern with its
// similarity to the query.
type PatternMatch struct {
	Type       string                 `json:"type"`
	Data       map[string]interface{} `json:"data"`
	Similarity float64                `json:"similarity"`
}

// WorkerDecision is the QA decision engine's routing output
type WorkerDecision struct {
	WorkerType      WorkerType     `json:"worker_type"`
	Reason          string         `json:"reason"`
	ComplexityScore float64        `json:"complexity_score"`
	RAGConfidence   float64        `json:"rag_confidence"`
	Context         []PatternMatch `json:"context,omitempty"`
}

// EscalationStatus tracks the HITL lifecycle of an escalation
type EscalationStatus string

const (
	EscalationStatusPending   EscalationStatus = "pending"
	EscalationStatusInReview  EscalationStatus = "in-review"
	EscalationStatusResolved  EscalationStatus = "resolved"
	EscalationStatusCannotFix EscalationStatus = "cannot-fix"
	EscalationStatusWontFix   EscalationStatus = "wont-fix"
	EscalationStatusCancelled EscalationStatus = "cancelled"
)

// IsValid checks if the escalation status value is valid
func (s EscalationStatus) IsValid() bool {
	switch s {
	case EscalationStatusPending, EscalationStatusInReview, EscalationStatusResolved,
		EscalationStatusCannotFix, EscalationStatusWontFix, EscalationStatusCancelled:
		return true
	}
	return false
}

// Escalation is a recorded hand-off to human review. Creation is
// idempotent by (task_id, reason); resolution happens only through
// external HITL action.
type Escalation struct {
	ID         string           `json:"id"`
	TaskID     string           `json:"task_id"`
	WorkerID   string           `json:"worker_id,omitempty"`
	Reason     string           `json:"reason"`
	Status     EscalationStatus `json:"status"`
	CreatedAt  time.Time        `json:"created_at"`
	ResolvedAt *time.Time       `json:"resolved_at,omitempty"`
	Notes      string           `json:"notes,omitempty"`
}

// Validate checks if the escalation has valid field values
func (e *Escalation) Validate() error {
	if e.TaskID == "" {
		return fmt.Errorf("task_id is required")
	}
	if e.Reason == "" {
		return fmt.Errorf("reason is required")
	}
	if !e.Status.IsValid() {
		return fmt.Errorf("invalid status: %s", e.Status)
	}
	return nil
}
