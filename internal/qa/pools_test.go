package qa

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hiveops/hive/internal/ai"
	"github.com/hiveops/hive/internal/types"
)

// fakeSpawner tracks spawned and killed panes.
type fakeSpawner struct {
	mu       sync.Mutex
	spawned  []string
	killed   []string
	spawnErr error
}

func (f *fakeSpawner) SpawnPane(_ context.Context, agentName, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.spawnErr != nil {
		return "", f.spawnErr
	}
	f.spawned = append(f.spawned, agentName)
	return "%" + agentName, nil
}

func (f *fakeSpawner) KillPane(_ context.Context, agentName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, agentName)
	return nil
}

func qaTask(id string) *types.Task {
	return &types.Task{ID: id, Description: "fix lint debt", Status: types.TaskStatusQueued}
}

func TestFastPoolRunsHandler(t *testing.T) {
	done := make(chan string, 1)
	pool, err := NewFastPool(func(_ context.Context, task *types.Task, _ []types.Violation) error {
		done <- task.ID
		return nil
	}, DefaultPoolConfig())
	require.NoError(t, err)

	accepted, err := pool.TrySubmit(context.Background(), qaTask("T-1"), nil)
	require.NoError(t, err)
	assert.True(t, accepted)

	select {
	case id := <-done:
		assert.Equal(t, "T-1", id)
	case <-time.After(time.Second):
		t.Fatal("handler never ran")
	}
}

func TestFastPoolSaturationRefusesWithoutError(t *testing.T) {
	block := make(chan struct{})
	pool, err := NewFastPool(func(context.Context, *types.Task, []types.Violation) error {
		<-block
		return nil
	}, PoolConfig{FastCapacity: 3})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		accepted, err := pool.TrySubmit(context.Background(), qaTask(fmt.Sprintf("T-%d", i)), nil)
		require.NoError(t, err)
		require.True(t, accepted)
	}

	// Fourth batch finds no slot; the task stays queued.
	accepted, err := pool.TrySubmit(context.Background(), qaTask("T-overflow"), nil)
	require.NoError(t, err)
	assert.False(t, accepted)

	close(block)
}

func TestFastPoolBreakerOpensAfterFailures(t *testing.T) {
	pool, err := NewFastPool(func(context.Context, *types.Task, []types.Violation) error {
		return errors.New("worker crashed")
	}, PoolConfig{FastCapacity: 5, BreakerFailureThreshold: 5, BreakerOpenTimeout: time.Minute})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		accepted, err := pool.TrySubmit(context.Background(), qaTask(fmt.Sprintf("T-%d", i)), nil)
		require.NoError(t, err)
		require.True(t, accepted)
	}

	require.Eventually(t, func() bool {
		return pool.BreakerState() == ai.BreakerOpen
	}, time.Second, 10*time.Millisecond)

	accepted, err := pool.TrySubmit(context.Background(), qaTask("T-blocked"), nil)
	require.NoError(t, err)
	assert.False(t, accepted, "open circuit refuses work")
}

func TestFastPoolOpTimeoutTripsBreaker(t *testing.T) {
	// Handler that never finishes on its own; only the per-batch
	// deadline gets it off the slot.
	pool, err := NewFastPool(func(ctx context.Context, _ *types.Task, _ []types.Violation) error {
		<-ctx.Done()
		return ctx.Err()
	}, PoolConfig{FastCapacity: 5, BreakerFailureThreshold: 3, BreakerOpenTimeout: time.Minute, FastOpTimeout: 10 * time.Millisecond})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		accepted, err := pool.TrySubmit(context.Background(), qaTask(fmt.Sprintf("T-%d", i)), nil)
		require.NoError(t, err)
		require.True(t, accepted)
	}

	require.Eventually(t, func() bool {
		return pool.BreakerState() == ai.BreakerOpen
	}, time.Second, 10*time.Millisecond, "deadline expiries count as breaker failures")

	require.Eventually(t, func() bool {
		return pool.Active() == 0
	}, time.Second, 10*time.Millisecond, "expired batches release their slots")
}

func TestHeavyPoolCapacity(t *testing.T) {
	spawner := &fakeSpawner{}
	pool, err := NewHeavyPool(spawner, PoolConfig{HeavyCapacity: 2})
	require.NoError(t, err)

	a1, ok, err := pool.TrySpawn(context.Background(), qaTask("T-1"), "cmd")
	require.NoError(t, err)
	require.True(t, ok)
	_, ok, err = pool.TrySpawn(context.Background(), qaTask("T-2"), "cmd")
	require.NoError(t, err)
	require.True(t, ok)

	// Third spawn finds the pool full.
	agent, ok, err := pool.TrySpawn(context.Background(), qaTask("T-3"), "cmd")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, agent)
	assert.Zero(t, pool.Free())

	// Releasing frees the slot and kills the pane.
	require.NoError(t, pool.Release(context.Background(), a1.Name))
	assert.Equal(t, 1, pool.Free())
	assert.Contains(t, spawner.killed, a1.Name)

	_, ok, err = pool.TrySpawn(context.Background(), qaTask("T-3"), "cmd")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestHeavyPoolSpawnFailureFreesSlot(t *testing.T) {
	spawner := &fakeSpawner{spawnErr: errors.New("tmux exploded")}
	pool, err := NewHeavyPool(spawner, PoolConfig{HeavyCapacity: 1})
	require.NoError(t, err)

	_, ok, err := pool.TrySpawn(context.Background(), qaTask("T-1"), "cmd")
	assert.Error(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, pool.Free(), "failed spawn does not leak the slot")
}

func TestHeavyPoolHeartbeat(t *testing.T) {
	pool, err := NewHeavyPool(&fakeSpawner{}, PoolConfig{HeavyCapacity: 1})
	require.NoError(t, err)

	base := time.Unix(1000, 0)
	pool.now = func() time.Time { return base }

	agent, ok, err := pool.TrySpawn(context.Background(), qaTask("T-1"), "cmd")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, base, agent.LastHeartbeat)

	pool.now = func() time.Time { return base.Add(time.Minute) }
	pool.Heartbeat(agent.Name)

	agents := pool.Agents()
	require.Len(t, agents, 1)
	assert.Equal(t, base.Add(time.Minute), agents[0].LastHeartbeat)

	// Heartbeats for reaped agents are ignored.
	pool.Heartbeat("heavy-fix-404")
}
