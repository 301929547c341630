package qa

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/hiveops/hive/internal/ai"
	"github.com/hiveops/hive/internal/types"
)

// PoolConfig holds worker pool capacities and breaker settings.
type PoolConfig struct {
	// FastCapacity caps concurrent in-process fast-fix workers
	FastCapacity int

	// HeavyCapacity caps spawned heavy-fix terminal agents
	HeavyCapacity int

	// BreakerFailureThreshold opens the fast pool's circuit
	BreakerFailureThreshold int

	// BreakerOpenTimeout is how long the circuit stays open before
	// probing again
	BreakerOpenTimeout time.Duration

	// FastOpTimeout bounds one fast-fix batch; expiry counts as a
	// breaker failure
	FastOpTimeout time.Duration
}

// DefaultPoolConfig returns the default pool configuration
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		FastCapacity:            3,
		HeavyCapacity:           2,
		BreakerFailureThreshold: 5,
		BreakerOpenTimeout:      60 * time.Second,
		FastOpTimeout:           30 * time.Second,
	}
}

// FastHandler processes one fast-fix batch in-process.
type FastHandler func(ctx context.Context, task *types.Task, violations []types.Violation) error

// FastPool runs fast-fix work in-process behind a semaphore and a
// circuit breaker. Saturation and an open circuit both refuse the
// batch so it stays queued for a later tick.
type FastPool struct {
	sem       *semaphore.Weighted
	breaker   *ai.Breaker
	handler   FastHandler
	opTimeout time.Duration

	mu     sync.Mutex
	active int
}

// NewFastPool creates the fast-fix pool.
func NewFastPool(handler FastHandler, cfg PoolConfig) (*FastPool, error) {
	if handler == nil {
		return nil, fmt.Errorf("fast handler is required")
	}
	if cfg.FastCapacity <= 0 {
		cfg.FastCapacity = DefaultPoolConfig().FastCapacity
	}
	if cfg.BreakerFailureThreshold <= 0 {
		cfg.BreakerFailureThreshold = DefaultPoolConfig().BreakerFailureThreshold
	}
	if cfg.BreakerOpenTimeout <= 0 {
		cfg.BreakerOpenTimeout = DefaultPoolConfig().BreakerOpenTimeout
	}
	if cfg.FastOpTimeout <= 0 {
		cfg.FastOpTimeout = DefaultPoolConfig().FastOpTimeout
	}
	return &FastPool{
		sem:       semaphore.NewWeighted(int64(cfg.FastCapacity)),
		breaker:   ai.NewBreaker(cfg.BreakerFailureThreshold, 2, cfg.BreakerOpenTimeout),
		handler:   handler,
		opTimeout: cfg.FastOpTimeout,
	}, nil
}

// TrySubmit starts the batch on a pool slot. It returns false without
// error when the pool is saturated or the circuit is open; the caller
// leaves the task queued.
func (p *FastPool) TrySubmit(ctx context.Context, task *types.Task, violations []types.Violation) (bool, error) {
	if err := p.breaker.Allow(); err != nil {
		return false, nil
	}
	if !p.sem.TryAcquire(1) {
		return false, nil
	}

	p.mu.Lock()
	p.active++
	p.mu.Unlock()

	go func() {
		defer func() {
			p.sem.Release(1)
			p.mu.Lock()
			p.active--
			p.mu.Unlock()
		}()

		// Every batch runs under its own deadline so one wedged
		// worker cannot hold a slot forever; expiry is a breaker
		// failure like any other.
		opCtx, cancel := context.WithTimeout(ctx, p.opTimeout)
		defer cancel()

		if err := p.handler(opCtx, task, violations); err != nil {
			p.breaker.RecordFailure()
			fmt.Fprintf(os.Stderr, "Warning: fast-fix worker failed for task %s: %v\n", task.ID, err)
			return
		}
		p.breaker.RecordSuccess()
	}()
	return true, nil
}

// Active returns the number of in-flight fast workers.
func (p *FastPool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// BreakerState exposes the circuit state for the monitor.
func (p *FastPool) BreakerState() ai.BreakerState {
	return p.breaker.State()
}

// PaneSpawner is the slice of the terminal transport the heavy pool
// needs: start a pane running a command, and kill it again.
type PaneSpawner interface {
	SpawnPane(ctx context.Context, agentName, command string) (string, error)
	KillPane(ctx context.Context, agentName string) error
}

// HeavyPool manages spawned heavy-fix terminal agents. Each slot is
// one tmux pane; the agent reports progress through sentinel footers
// and its liveness through heartbeats.
type HeavyPool struct {
	spawner  PaneSpawner
	capacity int
	now      func() time.Time

	mu     sync.Mutex
	agents map[string]*types.Agent
	serial int
}

// NewHeavyPool creates the heavy-fix pool.
func NewHeavyPool(spawner PaneSpawner, cfg PoolConfig) (*HeavyPool, error) {
	if spawner == nil {
		return nil, fmt.Errorf("pane spawner is required")
	}
	if cfg.HeavyCapacity <= 0 {
		cfg.HeavyCapacity = DefaultPoolConfig().HeavyCapacity
	}
	return &HeavyPool{
		spawner:  spawner,
		capacity: cfg.HeavyCapacity,
		now:      time.Now,
		agents:   make(map[string]*types.Agent),
	}, nil
}

// TrySpawn starts a heavy agent for the task. It returns nil, false
// when all slots are occupied; the caller leaves the task queued.
func (p *HeavyPool) TrySpawn(ctx context.Context, task *types.Task, command string) (*types.Agent, bool, error) {
	p.mu.Lock()
	if len(p.agents) >= p.capacity {
		p.mu.Unlock()
		return nil, false, nil
	}
	p.serial++
	name := fmt.Sprintf("heavy-fix-%d", p.serial)
	// Reserve the slot before the spawn so a concurrent caller
	// cannot oversubscribe the pool.
	p.agents[name] = nil
	p.mu.Unlock()

	handle, err := p.spawner.SpawnPane(ctx, name, command)
	if err != nil {
		p.mu.Lock()
		delete(p.agents, name)
		p.mu.Unlock()
		return nil, false, fmt.Errorf("spawn heavy agent for task %s: %w", task.ID, err)
	}

	agent := &types.Agent{
		Name:          name,
		PaneHandle:    handle,
		Kind:          types.AgentKindHeavyFix,
		Status:        types.AgentStatusBusy,
		LastHeartbeat: p.now(),
		CurrentTaskID: task.ID,
	}
	p.mu.Lock()
	p.agents[name] = agent
	p.mu.Unlock()
	return agent, true, nil
}

// Heartbeat records liveness for an agent. Unknown names are ignored;
// the agent may already have been reaped by the monitor.
func (p *HeavyPool) Heartbeat(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if agent, ok := p.agents[name]; ok && agent != nil {
		agent.LastHeartbeat = p.now()
		if agent.Status == types.AgentStatusUnhealthy {
			agent.Status = types.AgentStatusBusy
		}
	}
}

// Agents returns a snapshot of the registered heavy agents.
func (p *HeavyPool) Agents() []*types.Agent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*types.Agent, 0, len(p.agents))
	for _, agent := range p.agents {
		if agent == nil {
			continue
		}
		snapshot := *agent
		out = append(out, &snapshot)
	}
	return out
}

// MarkUnhealthy flags an agent that missed its heartbeat window.
func (p *HeavyPool) MarkUnhealthy(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if agent, ok := p.agents[name]; ok && agent != nil {
		agent.Status = types.AgentStatusUnhealthy
	}
}

// MarkOffline flags an agent the monitor has given up on. The slot
// stays occupied until Release.
func (p *HeavyPool) MarkOffline(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if agent, ok := p.agents[name]; ok && agent != nil {
		agent.Status = types.AgentStatusOffline
	}
}

// Release kills the agent's pane and frees its slot.
func (p *HeavyPool) Release(ctx context.Context, name string) error {
	p.mu.Lock()
	agent, ok := p.agents[name]
	delete(p.agents, name)
	p.mu.Unlock()
	if !ok || agent == nil {
		return nil
	}
	if err := p.spawner.KillPane(ctx, name); err != nil {
		return fmt.Errorf("kill pane for %s: %w", name, err)
	}
	return nil
}

// Free returns the number of open heavy slots.
func (p *HeavyPool) Free() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.capacity - len(p.agents)
}
