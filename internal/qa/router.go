package qa

import (
	"context"
	"fmt"

	"github.com/hiveops/hive/internal/types"
)

// Router dispatches decided batches to the matching pool.
type Router struct {
	engine *Engine
	fast   *FastPool
	heavy  *HeavyPool
}

// NewRouter creates a router over the two pools.
func NewRouter(engine *Engine, fast *FastPool, heavy *HeavyPool) (*Router, error) {
	if engine == nil {
		return nil, fmt.Errorf("decision engine is required")
	}
	if fast == nil {
		return nil, fmt.Errorf("fast pool is required")
	}
	if heavy == nil {
		return nil, fmt.Errorf("heavy pool is required")
	}
	return &Router{engine: engine, fast: fast, heavy: heavy}, nil
}

// Route decides and dispatches one batch. It returns the decision and
// whether a worker actually took the task; false with a nil error
// means every eligible slot was busy and the task stays queued.
func (r *Router) Route(ctx context.Context, task *types.Task, violations []types.Violation) (*types.WorkerDecision, bool, error) {
	decision := r.engine.Decide(ctx, violations)

	switch decision.WorkerType {
	case types.WorkerTypeFastFix:
		accepted, err := r.fast.TrySubmit(ctx, task, violations)
		return decision, accepted, err

	case types.WorkerTypeHeavyFixHeadless, types.WorkerTypeHeavyFixWithHuman:
		command := heavyCommand(task, decision.WorkerType)
		_, accepted, err := r.heavy.TrySpawn(ctx, task, command)
		return decision, accepted, err

	default:
		return decision, false, fmt.Errorf("unknown worker type %q", decision.WorkerType)
	}
}

// heavyCommand builds the shell command a spawned heavy agent runs.
// With-human routing keeps the pane interactive so an operator can
// take over.
func heavyCommand(task *types.Task, workerType types.WorkerType) string {
	if workerType == types.WorkerTypeHeavyFixWithHuman {
		return fmt.Sprintf("hive worker --task %s --interactive", task.ID)
	}
	return fmt.Sprintf("hive worker --task %s --headless", task.ID)
}
