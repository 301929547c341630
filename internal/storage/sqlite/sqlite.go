// Package sqlite implements storage.TaskStore on SQLite. WAL mode
// keeps concurrent daemon reads cheap; claims are single UPDATE
// statements guarded by the expected status, which gives the
// compare-and-set semantics the store contract requires.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/hiveops/hive/internal/types"
)

// Store is the SQLite-backed task store.
type Store struct {
	db *sql.DB
}

// New opens (creating if needed) the database at path.
func New(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	// WAL mode for better concurrency across daemons
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=ON")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateTask inserts a new task.
func (s *Store) CreateTask(ctx context.Context, task *types.Task) error {
	if err := task.Validate(); err != nil {
		return fmt.Errorf("invalid task: %w", err)
	}

	payload, err := marshalJSON(task.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload for %s: %w", task.ID, err)
	}

	createdAt := task.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, description, status, payload, correlation_id, service_directory, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.Description, string(task.Status), payload,
		task.CorrelationID, task.ServiceDirectory, createdAt, createdAt)
	if err != nil {
		return fmt.Errorf("failed to insert task %s: %w", task.ID, err)
	}
	return nil
}

// GetTask returns a task by id.
func (s *Store) GetTask(ctx context.Context, id string) (*types.Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, description, status, payload, correlation_id, service_directory, created_at
		FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task %s: %w", id, err)
	}
	return task, nil
}

// GetByStatus returns all tasks with the given status, oldest first.
func (s *Store) GetByStatus(ctx context.Context, status types.TaskStatus) ([]*types.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, description, status, payload, correlation_id, service_directory, created_at
		FROM tasks WHERE status = ? ORDER BY created_at ASC, id ASC`, string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks by status %s: %w", status, err)
	}
	defer rows.Close()

	var tasks []*types.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// Claim atomically moves a task from expected to next status. The
// guarded UPDATE is the compare-and-set: losers see zero rows
// affected and get false without an error.
func (s *Store) Claim(ctx context.Context, taskID string, expected, next types.TaskStatus) (bool, error) {
	if !expected.CanTransitionTo(next) {
		return false, fmt.Errorf("invalid transition %s -> %s for task %s", expected, next, taskID)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(next), time.Now(), taskID, string(expected))
	if err != nil {
		return false, fmt.Errorf("failed to claim task %s: %w", taskID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read claim result for %s: %w", taskID, err)
	}
	return n == 1, nil
}

// SetStatus transitions a task, validating against the state machine.
func (s *Store) SetStatus(ctx context.Context, taskID string, status types.TaskStatus, metadata map[string]interface{}) error {
	if !status.IsValid() {
		return fmt.Errorf("invalid status: %s", status)
	}

	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if !task.Status.CanTransitionTo(status) {
		return fmt.Errorf("invalid transition %s -> %s for task %s", task.Status, status, taskID)
	}

	meta, err := marshalJSON(metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata for %s: %w", taskID, err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, metadata = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(status), meta, time.Now(), taskID, string(task.Status))
	if err != nil {
		return fmt.Errorf("failed to set status for %s: %w", taskID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read status result for %s: %w", taskID, err)
	}
	if n == 0 {
		return fmt.Errorf("task %s changed concurrently, status not set", taskID)
	}
	return nil
}

// SaveArtifacts attaches reviewable outputs to a task.
func (s *Store) SaveArtifacts(ctx context.Context, taskID string, artifacts *types.TaskArtifacts) error {
	codeFiles, err := json.Marshal(artifacts.CodeFiles)
	if err != nil {
		return fmt.Errorf("marshal code files for %s: %w", taskID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO artifacts (task_id, code_files, test_results, transcript)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET
			code_files = excluded.code_files,
			test_results = excluded.test_results,
			transcript = excluded.transcript`,
		taskID, string(codeFiles), artifacts.TestResults, artifacts.Transcript)
	if err != nil {
		return fmt.Errorf("failed to save artifacts for %s: %w", taskID, err)
	}
	return nil
}

// LoadArtifacts returns the artifacts for a task. A task with no saved
// artifacts yields an empty bundle, not an error.
func (s *Store) LoadArtifacts(ctx context.Context, taskID string) (*types.TaskArtifacts, error) {
	var codeFiles string
	var testResults, transcript sql.NullString

	err := s.db.QueryRowContext(ctx, `
		SELECT code_files, test_results, transcript FROM artifacts WHERE task_id = ?`,
		taskID).Scan(&codeFiles, &testResults, &transcript)
	if err == sql.ErrNoRows {
		return &types.TaskArtifacts{CodeFiles: map[string]string{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load artifacts for %s: %w", taskID, err)
	}

	artifacts := &types.TaskArtifacts{
		CodeFiles:   map[string]string{},
		TestResults: testResults.String,
		Transcript:  transcript.String,
	}
	if err := json.Unmarshal([]byte(codeFiles), &artifacts.CodeFiles); err != nil {
		return nil, fmt.Errorf("corrupt code files for %s: %w", taskID, err)
	}
	return artifacts, nil
}

// CreateEscalation records a hand-off to human review, idempotent by
// (task_id, reason).
func (s *Store) CreateEscalation(ctx context.Context, esc *types.Escalation) (*types.Escalation, error) {
	if esc.Status == "" {
		esc.Status = types.EscalationStatusPending
	}
	if err := esc.Validate(); err != nil {
		return nil, fmt.Errorf("invalid escalation: %w", err)
	}
	if esc.ID == "" {
		esc.ID = uuid.New().String()
	}
	if esc.CreatedAt.IsZero() {
		esc.CreatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO escalations (id, task_id, worker_id, reason, status, created_at, notes)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id, reason) DO NOTHING`,
		esc.ID, esc.TaskID, esc.WorkerID, esc.Reason, string(esc.Status), esc.CreatedAt, esc.Notes)
	if err != nil {
		return nil, fmt.Errorf("failed to create escalation for %s: %w", esc.TaskID, err)
	}

	// Return the winning row, whether ours or a prior submission's.
	return s.getEscalationByKey(ctx, esc.TaskID, esc.Reason)
}

// GetEscalations returns escalations with the given status.
func (s *Store) GetEscalations(ctx context.Context, status types.EscalationStatus) ([]*types.Escalation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, worker_id, reason, status, created_at, resolved_at, notes
		FROM escalations WHERE status = ? ORDER BY created_at ASC`, string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to query escalations: %w", err)
	}
	defer rows.Close()

	var escalations []*types.Escalation
	for rows.Next() {
		esc, err := scanEscalation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan escalation: %w", err)
		}
		escalations = append(escalations, esc)
	}
	return escalations, rows.Err()
}

// ResolveEscalation closes an escalation with a HITL outcome.
func (s *Store) ResolveEscalation(ctx context.Context, id string, status types.EscalationStatus, notes string) error {
	if !status.IsValid() || status == types.EscalationStatusPending {
		return fmt.Errorf("invalid resolution status: %s", status)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE escalations SET status = ?, resolved_at = ?, notes = ? WHERE id = ?`,
		string(status), time.Now(), notes, id)
	if err != nil {
		return fmt.Errorf("failed to resolve escalation %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read resolution result for %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("escalation %s not found", id)
	}
	return nil
}

func (s *Store) getEscalationByKey(ctx context.Context, taskID, reason string) (*types.Escalation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, task_id, worker_id, reason, status, created_at, resolved_at, notes
		FROM escalations WHERE task_id = ? AND reason = ?`, taskID, reason)
	esc, err := scanEscalation(row)
	if err != nil {
		return nil, fmt.Errorf("failed to load escalation for %s: %w", taskID, err)
	}
	return esc, nil
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row scanner) (*types.Task, error) {
	var task types.Task
	var payload, correlationID, serviceDir sql.NullString
	var status string

	if err := row.Scan(&task.ID, &task.Description, &status, &payload,
		&correlationID, &serviceDir, &task.CreatedAt); err != nil {
		return nil, err
	}

	task.Status = types.TaskStatus(status)
	task.CorrelationID = correlationID.String
	task.ServiceDirectory = serviceDir.String
	if payload.Valid && payload.String != "" {
		if err := json.Unmarshal([]byte(payload.String), &task.Payload); err != nil {
			return nil, fmt.Errorf("corrupt payload for %s: %w", task.ID, err)
		}
	}
	return &task, nil
}

func scanEscalation(row scanner) (*types.Escalation, error) {
	var esc types.Escalation
	var workerID, notes sql.NullString
	var resolvedAt sql.NullTime
	var status string

	if err := row.Scan(&esc.ID, &esc.TaskID, &workerID, &esc.Reason, &status,
		&esc.CreatedAt, &resolvedAt, &notes); err != nil {
		return nil, err
	}

	esc.Status = types.EscalationStatus(status)
	esc.WorkerID = workerID.String
	esc.Notes = notes.String
	if resolvedAt.Valid {
		esc.ResolvedAt = &resolvedAt.Time
	}
	return &esc, nil
}

func marshalJSON(m map[string]interface{}) (string, error) {
	if len(m) == 0 {
		return "", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
