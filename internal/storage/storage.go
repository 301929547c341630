// Package storage defines the task store contract shared by the
// daemons. The store is the only shared mutable state in the hive;
// every status change goes through an atomic compare-and-set so no
// two agents ever process the same task.
package storage

import (
	"context"

	"github.com/hiveops/hive/internal/types"
)

// TaskStore is the capability interface the daemons depend on.
// Implementations must honour compare-and-set semantics on Claim.
type TaskStore interface {
	// CreateTask inserts a new task
	CreateTask(ctx context.Context, task *types.Task) error

	// GetTask returns a task by id
	GetTask(ctx context.Context, id string) (*types.Task, error)

	// GetByStatus returns all tasks with the given status, oldest first
	GetByStatus(ctx context.Context, status types.TaskStatus) ([]*types.Task, error)

	// Claim atomically moves a task from expected to new status.
	// Returns false (no error) when another agent won the race.
	Claim(ctx context.Context, taskID string, expected, next types.TaskStatus) (bool, error)

	// SetStatus transitions a task, validating against the state
	// machine, and records transition metadata.
	SetStatus(ctx context.Context, taskID string, status types.TaskStatus, metadata map[string]interface{}) error

	// SaveArtifacts attaches reviewable outputs to a task
	SaveArtifacts(ctx context.Context, taskID string, artifacts *types.TaskArtifacts) error

	// LoadArtifacts returns the artifacts for a task, or an empty
	// bundle when none were saved.
	LoadArtifacts(ctx context.Context, taskID string) (*types.TaskArtifacts, error)

	// CreateEscalation records a hand-off to human review. Idempotent
	// by (task_id, reason): re-submitting returns the existing record.
	CreateEscalation(ctx context.Context, esc *types.Escalation) (*types.Escalation, error)

	// GetEscalations returns escalations with the given status
	GetEscalations(ctx context.Context, status types.EscalationStatus) ([]*types.Escalation, error)

	// ResolveEscalation closes an escalation with a HITL outcome
	ResolveEscalation(ctx context.Context, id string, status types.EscalationStatus, notes string) error

	// Close releases the underlying resources
	Close() error
}

// Config holds storage settings
type Config struct {
	// Path is the SQLite database path
	Path string
}

// DefaultConfig returns the default storage configuration
func DefaultConfig() Config {
	return Config{Path: ".hive/hive.db"}
}
