package qa

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hiveops/hive/internal/types"
)

func newTestRouter(t *testing.T, fastCap, heavyCap int) (*Router, *fakeSpawner) {
	t.Helper()
	fast, err := NewFastPool(func(context.Context, *types.Task, []types.Violation) error {
		return nil
	}, PoolConfig{FastCapacity: fastCap})
	require.NoError(t, err)

	spawner := &fakeSpawner{}
	heavy, err := NewHeavyPool(spawner, PoolConfig{HeavyCapacity: heavyCap})
	require.NoError(t, err)

	router, err := NewRouter(NewEngine(nil, DefaultDecisionConfig()), fast, heavy)
	require.NoError(t, err)
	return router, spawner
}

func TestRouteFastFix(t *testing.T) {
	router, spawner := newTestRouter(t, 3, 2)

	decision, accepted, err := router.Route(context.Background(), qaTask("T-1"),
		violationsOf(2, types.ViolationTypeStyle, types.SeverityWarn))
	require.NoError(t, err)
	assert.True(t, accepted)
	assert.Equal(t, types.WorkerTypeFastFix, decision.WorkerType)
	assert.Empty(t, spawner.spawned)
}

func TestRouteHeavySpawnsPane(t *testing.T) {
	router, spawner := newTestRouter(t, 3, 2)

	decision, accepted, err := router.Route(context.Background(), qaTask("T-1"),
		violationsOf(20, types.ViolationTypeArchitectural, types.SeverityError))
	require.NoError(t, err)
	assert.True(t, accepted)
	assert.Equal(t, types.WorkerTypeHeavyFixHeadless, decision.WorkerType)
	assert.Len(t, spawner.spawned, 1)
}

func TestRouteHeavySaturationLeavesTaskQueued(t *testing.T) {
	router, _ := newTestRouter(t, 3, 1)
	heavy := violationsOf(20, types.ViolationTypeArchitectural, types.SeverityError)

	_, accepted, err := router.Route(context.Background(), qaTask("T-1"), heavy)
	require.NoError(t, err)
	require.True(t, accepted)

	_, accepted, err = router.Route(context.Background(), qaTask("T-2"), heavy)
	require.NoError(t, err)
	assert.False(t, accepted, "saturated pool refuses without error")
}

func TestHeavyCommandShape(t *testing.T) {
	task := qaTask("T-9")
	assert.Contains(t, heavyCommand(task, types.WorkerTypeHeavyFixHeadless), "--headless")
	assert.Contains(t, heavyCommand(task, types.WorkerTypeHeavyFixWithHuman), "--interactive")
	assert.Contains(t, heavyCommand(task, types.WorkerTypeHeavyFixHeadless), "T-9")
}
