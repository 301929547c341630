package qa

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hiveops/hive/internal/bus"
	"github.com/hiveops/hive/internal/storage/sqlite"
	"github.com/hiveops/hive/internal/types"
)

func TestMonitorReapsSilentWorker(t *testing.T) {
	ctx := context.Background()

	store, err := sqlite.New(t.TempDir() + "/qa.db")
	require.NoError(t, err)
	defer store.Close()

	task := qaTask("T-silent")
	require.NoError(t, store.CreateTask(ctx, task))
	require.NoError(t, store.SetStatus(ctx, task.ID, types.TaskStatusInProgress, nil))

	events := bus.New()
	escalations := events.Subscribe(bus.TopicQAEscalation)

	spawner := &fakeSpawner{}
	pool, err := NewHeavyPool(spawner, PoolConfig{HeavyCapacity: 2})
	require.NoError(t, err)

	base := time.Unix(5000, 0)
	pool.now = func() time.Time { return base }
	agent, ok, err := pool.TrySpawn(ctx, task, "cmd")
	require.NoError(t, err)
	require.True(t, ok)

	monitor, err := NewMonitor(pool, store, events, nil, MonitorConfig{
		Interval:         time.Minute,
		HeartbeatTimeout: 300 * time.Second,
	})
	require.NoError(t, err)
	monitor.now = func() time.Time { return base.Add(301 * time.Second) }

	monitor.Sweep(ctx)

	// Escalation recorded against the task.
	pending, err := store.GetEscalations(ctx, types.EscalationStatusPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, task.ID, pending[0].TaskID)
	assert.Equal(t, agent.Name, pending[0].WorkerID)

	// Event published and slot freed.
	select {
	case evt := <-escalations:
		assert.Equal(t, task.ID, evt.TaskID)
	case <-time.After(time.Second):
		t.Fatal("no escalation event published")
	}
	assert.Equal(t, 2, pool.Free())
	assert.Contains(t, spawner.killed, agent.Name)

	got, err := store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusFailed, got.Status)
}

// scriptedCapturer serves pane snapshots in order, repeating the last.
type scriptedCapturer struct {
	snapshots [][]string
	calls     int
}

func (c *scriptedCapturer) Capture(context.Context, string, int) ([]string, error) {
	i := c.calls
	if i >= len(c.snapshots) {
		i = len(c.snapshots) - 1
	}
	c.calls++
	return c.snapshots[i], nil
}

func TestMonitorReleasesFinishedWorker(t *testing.T) {
	ctx := context.Background()

	store, err := sqlite.New(t.TempDir() + "/qa.db")
	require.NoError(t, err)
	defer store.Close()

	task := qaTask("T-done")
	require.NoError(t, store.CreateTask(ctx, task))
	require.NoError(t, store.SetStatus(ctx, task.ID, types.TaskStatusInProgress, nil))

	events := bus.New()
	escalations := events.Subscribe(bus.TopicQAEscalation)
	heartbeats := events.Subscribe(bus.TopicMonitorHeartbeat)

	spawner := &fakeSpawner{}
	pool, err := NewHeavyPool(spawner, PoolConfig{HeavyCapacity: 1})
	require.NoError(t, err)

	base := time.Unix(5000, 0)
	pool.now = func() time.Time { return base }
	agent, ok, err := pool.TrySpawn(ctx, task, "cmd")
	require.NoError(t, err)
	require.True(t, ok)

	// The worker finished on its own and handed the task to review.
	require.NoError(t, store.SetStatus(ctx, task.ID, types.TaskStatusReviewPending, nil))

	monitor, err := NewMonitor(pool, store, events, nil, DefaultMonitorConfig())
	require.NoError(t, err)
	// Way past the heartbeat window: completion still wins over reaping.
	monitor.now = func() time.Time { return base.Add(time.Hour) }

	monitor.Sweep(ctx)

	assert.Equal(t, 1, pool.Free(), "finished worker gives its slot back")
	assert.Contains(t, spawner.killed, agent.Name)

	pending, err := store.GetEscalations(ctx, types.EscalationStatusPending)
	require.NoError(t, err)
	assert.Empty(t, pending, "a worker that finished is not escalated")

	got, err := store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusReviewPending, got.Status, "terminal transition stays the worker's")

	select {
	case evt := <-heartbeats:
		assert.Equal(t, "released", evt.Payload["worker_status"])
		assert.Equal(t, string(types.TaskStatusReviewPending), evt.Payload["task_status"])
	case <-time.After(time.Second):
		t.Fatal("no release event published")
	}
	select {
	case evt := <-escalations:
		t.Fatalf("unexpected escalation event for task %s", evt.TaskID)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMonitorPaneActivityCountsAsHeartbeat(t *testing.T) {
	ctx := context.Background()

	store, err := sqlite.New(t.TempDir() + "/qa.db")
	require.NoError(t, err)
	defer store.Close()

	task := qaTask("T-busy")
	require.NoError(t, store.CreateTask(ctx, task))
	require.NoError(t, store.SetStatus(ctx, task.ID, types.TaskStatusInProgress, nil))

	events := bus.New()
	pool, err := NewHeavyPool(&fakeSpawner{}, PoolConfig{HeavyCapacity: 1})
	require.NoError(t, err)

	base := time.Unix(5000, 0)
	pool.now = func() time.Time { return base }
	agent, ok, err := pool.TrySpawn(ctx, task, "cmd")
	require.NoError(t, err)
	require.True(t, ok)

	capturer := &scriptedCapturer{snapshots: [][]string{
		{"running pytest..."},
		{"running pytest...", "collected 124 items"},
		{"running pytest...", "collected 124 items"}, // pane went quiet
	}}
	monitor, err := NewMonitor(pool, store, events, capturer, DefaultMonitorConfig())
	require.NoError(t, err)

	// Both sweeps are past the original heartbeat window, but the pane
	// keeps producing output.
	clock := base.Add(301 * time.Second)
	monitor.now = func() time.Time { return clock }
	pool.now = monitor.now

	monitor.Sweep(ctx)
	clock = clock.Add(301 * time.Second)
	monitor.Sweep(ctx)

	assert.Zero(t, pool.Free(), "active pane keeps the worker alive")
	pending, err := store.GetEscalations(ctx, types.EscalationStatusPending)
	require.NoError(t, err)
	assert.Empty(t, pending)

	// Now the pane output froze; the next late sweep reaps.
	clock = clock.Add(301 * time.Second)
	monitor.Sweep(ctx)

	assert.Equal(t, 1, pool.Free())
	pending, err = store.GetEscalations(ctx, types.EscalationStatusPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, agent.Name, pending[0].WorkerID)
}

func TestMonitorReapMarksWorkerOffline(t *testing.T) {
	ctx := context.Background()

	store, err := sqlite.New(t.TempDir() + "/qa.db")
	require.NoError(t, err)
	defer store.Close()

	task := qaTask("T-silent")
	require.NoError(t, store.CreateTask(ctx, task))
	require.NoError(t, store.SetStatus(ctx, task.ID, types.TaskStatusInProgress, nil))

	events := bus.New()
	escalations := events.Subscribe(bus.TopicQAEscalation)

	pool, err := NewHeavyPool(&fakeSpawner{}, PoolConfig{HeavyCapacity: 1})
	require.NoError(t, err)

	base := time.Unix(5000, 0)
	pool.now = func() time.Time { return base }
	_, ok, err := pool.TrySpawn(ctx, task, "cmd")
	require.NoError(t, err)
	require.True(t, ok)

	monitor, err := NewMonitor(pool, store, events, nil, DefaultMonitorConfig())
	require.NoError(t, err)
	monitor.now = func() time.Time { return base.Add(10 * time.Minute) }

	monitor.Sweep(ctx)

	select {
	case evt := <-escalations:
		assert.Equal(t, string(types.AgentStatusOffline), evt.Payload["worker_status"])
	case <-time.After(time.Second):
		t.Fatal("no escalation event published")
	}
}

func TestMonitorSweepIsIdempotent(t *testing.T) {
	ctx := context.Background()

	store, err := sqlite.New(t.TempDir() + "/qa.db")
	require.NoError(t, err)
	defer store.Close()

	task := qaTask("T-silent")
	require.NoError(t, store.CreateTask(ctx, task))
	require.NoError(t, store.SetStatus(ctx, task.ID, types.TaskStatusInProgress, nil))

	events := bus.New()
	pool, err := NewHeavyPool(&fakeSpawner{}, PoolConfig{HeavyCapacity: 1})
	require.NoError(t, err)

	base := time.Unix(5000, 0)
	pool.now = func() time.Time { return base }
	_, ok, err := pool.TrySpawn(ctx, task, "cmd")
	require.NoError(t, err)
	require.True(t, ok)

	monitor, err := NewMonitor(pool, store, events, nil, DefaultMonitorConfig())
	require.NoError(t, err)
	monitor.now = func() time.Time { return base.Add(10 * time.Minute) }

	monitor.Sweep(ctx)
	monitor.Sweep(ctx)

	pending, err := store.GetEscalations(ctx, types.EscalationStatusPending)
	require.NoError(t, err)
	assert.Len(t, pending, 1, "repeated sweeps never duplicate the escalation")
}

func TestMonitorLeavesHealthyWorkersAlone(t *testing.T) {
	ctx := context.Background()

	store, err := sqlite.New(t.TempDir() + "/qa.db")
	require.NoError(t, err)
	defer store.Close()

	task := qaTask("T-healthy")
	require.NoError(t, store.CreateTask(ctx, task))

	events := bus.New()
	pool, err := NewHeavyPool(&fakeSpawner{}, PoolConfig{HeavyCapacity: 1})
	require.NoError(t, err)

	base := time.Unix(5000, 0)
	pool.now = func() time.Time { return base }
	_, ok, err := pool.TrySpawn(ctx, task, "cmd")
	require.NoError(t, err)
	require.True(t, ok)

	monitor, err := NewMonitor(pool, store, events, nil, DefaultMonitorConfig())
	require.NoError(t, err)
	monitor.now = func() time.Time { return base.Add(100 * time.Second) }

	monitor.Sweep(ctx)

	assert.Zero(t, pool.Free(), "agent keeps its slot")
	pending, err := store.GetEscalations(ctx, types.EscalationStatusPending)
	require.NoError(t, err)
	assert.Empty(t, pending)
}
