package sqlite

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hiveops/hive/internal/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(filepath.Join(t.TempDir(), "hive.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestTask(status types.TaskStatus) *types.Task {
	return &types.Task{
		ID:          types.NewTaskID(),
		Description: "add /health endpoint",
		Status:      status,
		CreatedAt:   time.Now(),
	}
}

func TestCreateAndGetTask(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	task := newTestTask(types.TaskStatusQueued)
	task.Payload = map[string]interface{}{"violations": []interface{}{"unused import"}}
	task.CorrelationID = "corr-1"
	require.NoError(t, store.CreateTask(ctx, task))

	got, err := store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.ID, got.ID)
	assert.Equal(t, types.TaskStatusQueued, got.Status)
	assert.Equal(t, "corr-1", got.CorrelationID)
	assert.Contains(t, got.Payload, "violations")

	_, err = store.GetTask(ctx, "missing")
	assert.Error(t, err)
}

func TestGetByStatusOrdersOldestFirst(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	older := newTestTask(types.TaskStatusReviewPending)
	older.CreatedAt = time.Now().Add(-time.Hour)
	newer := newTestTask(types.TaskStatusReviewPending)
	require.NoError(t, store.CreateTask(ctx, newer))
	require.NoError(t, store.CreateTask(ctx, older))
	require.NoError(t, store.CreateTask(ctx, newTestTask(types.TaskStatusQueued)))

	pending, err := store.GetByStatus(ctx, types.TaskStatusReviewPending)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, older.ID, pending[0].ID)
	assert.Equal(t, newer.ID, pending[1].ID)
}

func TestClaimIsCompareAndSet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	task := newTestTask(types.TaskStatusQueued)
	require.NoError(t, store.CreateTask(ctx, task))

	ok, err := store.Claim(ctx, task.ID, types.TaskStatusQueued, types.TaskStatusInProgress)
	require.NoError(t, err)
	assert.True(t, ok)

	// Second claim loses quietly.
	ok, err = store.Claim(ctx, task.ID, types.TaskStatusQueued, types.TaskStatusInProgress)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusInProgress, got.Status)
}

func TestClaimRejectsInvalidTransition(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	task := newTestTask(types.TaskStatusQueued)
	require.NoError(t, store.CreateTask(ctx, task))

	_, err := store.Claim(ctx, task.ID, types.TaskStatusQueued, types.TaskStatusApproved)
	assert.Error(t, err)
}

func TestConcurrentClaimsSingleWinner(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	task := newTestTask(types.TaskStatusQueued)
	require.NoError(t, store.CreateTask(ctx, task))

	const claimants = 8
	var wg sync.WaitGroup
	wins := make(chan bool, claimants)
	for i := 0; i < claimants; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := store.Claim(ctx, task.ID, types.TaskStatusQueued, types.TaskStatusInProgress)
			if err == nil && ok {
				wins <- true
			}
		}()
	}
	wg.Wait()
	close(wins)

	won := 0
	for range wins {
		won++
	}
	assert.Equal(t, 1, won, "exactly one claimant must win")
}

func TestSetStatusValidatesStateMachine(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	task := newTestTask(types.TaskStatusReviewPending)
	require.NoError(t, store.CreateTask(ctx, task))

	require.NoError(t, store.SetStatus(ctx, task.ID, types.TaskStatusApproved,
		map[string]interface{}{"overall_score": 85.0}))

	got, err := store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusApproved, got.Status)

	// Terminal state stays terminal.
	err = store.SetStatus(ctx, task.ID, types.TaskStatusQueued, nil)
	assert.Error(t, err)
}

func TestArtifactsRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	task := newTestTask(types.TaskStatusReviewPending)
	require.NoError(t, store.CreateTask(ctx, task))

	artifacts := &types.TaskArtifacts{
		CodeFiles:   map[string]string{"api/health.go": "package api"},
		TestResults: "ok 1.2s",
		Transcript:  "agent transcript",
	}
	require.NoError(t, store.SaveArtifacts(ctx, task.ID, artifacts))

	got, err := store.LoadArtifacts(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, artifacts.CodeFiles, got.CodeFiles)
	assert.Equal(t, artifacts.TestResults, got.TestResults)
}

func TestLoadArtifactsEmptyWhenUnsaved(t *testing.T) {
	store := newTestStore(t)

	got, err := store.LoadArtifacts(context.Background(), "never-saved")
	require.NoError(t, err)
	assert.Empty(t, got.CodeFiles)
}

func TestEscalationIdempotentByTaskAndReason(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first, err := store.CreateEscalation(ctx, &types.Escalation{
		TaskID: "T-5",
		Reason: "fix attempts exhausted",
	})
	require.NoError(t, err)
	assert.Equal(t, types.EscalationStatusPending, first.Status)

	second, err := store.CreateEscalation(ctx, &types.Escalation{
		TaskID: "T-5",
		Reason: "fix attempts exhausted",
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID, "re-submission must not create a second record")

	pending, err := store.GetEscalations(ctx, types.EscalationStatusPending)
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	// A different reason for the same task is a new escalation.
	third, err := store.CreateEscalation(ctx, &types.Escalation{
		TaskID: "T-5",
		Reason: "worker heartbeat lost",
	})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, third.ID)
}

func TestResolveEscalation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	esc, err := store.CreateEscalation(ctx, &types.Escalation{
		TaskID: "T-6",
		Reason: "no code files",
	})
	require.NoError(t, err)

	require.NoError(t, store.ResolveEscalation(ctx, esc.ID, types.EscalationStatusResolved, "fixed manually"))

	pending, err := store.GetEscalations(ctx, types.EscalationStatusPending)
	require.NoError(t, err)
	assert.Empty(t, pending)

	resolved, err := store.GetEscalations(ctx, types.EscalationStatusResolved)
	require.NoError(t, err)
	require.Len(t, resolved, 1)
	assert.NotNil(t, resolved[0].ResolvedAt)
	assert.Equal(t, "fixed manually", resolved[0].Notes)

	assert.Error(t, store.ResolveEscalation(ctx, "missing", types.EscalationStatusResolved, ""))
	assert.Error(t, store.ResolveEscalation(ctx, esc.ID, types.EscalationStatusPending, ""))
}
