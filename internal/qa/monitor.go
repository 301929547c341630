package qa

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/hiveops/hive/internal/bus"
	"github.com/hiveops/hive/internal/storage"
	"github.com/hiveops/hive/internal/types"
)

// MonitorConfig holds health-check settings.
type MonitorConfig struct {
	// Interval between health sweeps
	Interval time.Duration

	// HeartbeatTimeout marks an agent unhealthy past it
	HeartbeatTimeout time.Duration

	// CaptureTail is how many pane rows the liveness probe reads
	CaptureTail int
}

// DefaultMonitorConfig returns the default monitor configuration
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Interval:         30 * time.Second,
		HeartbeatTimeout: 300 * time.Second,
		CaptureTail:      40,
	}
}

// PaneCapturer is the slice of the terminal transport the monitor
// needs to observe a heavy worker's pane.
type PaneCapturer interface {
	Capture(ctx context.Context, agent string, tail int) ([]string, error)
}

// Monitor sweeps the heavy pool. Workers whose task already reached a
// terminal or review status are released quietly; workers whose pane
// is still producing output get their heartbeat refreshed; only
// workers that stayed silent past the timeout are marked offline,
// escalated, and reaped.
type Monitor struct {
	pool     *HeavyPool
	store    storage.TaskStore
	events   bus.EventBus
	capturer PaneCapturer // nil disables the pane liveness probe
	cfg      MonitorConfig
	now      func() time.Time

	// last observed pane content per agent; touched only by the
	// sweep goroutine
	paneState map[string]string

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewMonitor creates a heavy-pool monitor. The capturer is optional;
// without one, liveness rests on explicit Heartbeat calls alone.
func NewMonitor(pool *HeavyPool, store storage.TaskStore, events bus.EventBus, capturer PaneCapturer, cfg MonitorConfig) (*Monitor, error) {
	if pool == nil {
		return nil, fmt.Errorf("heavy pool is required")
	}
	if store == nil {
		return nil, fmt.Errorf("task store is required")
	}
	if events == nil {
		return nil, fmt.Errorf("event bus is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultMonitorConfig().Interval
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = DefaultMonitorConfig().HeartbeatTimeout
	}
	if cfg.CaptureTail <= 0 {
		cfg.CaptureTail = DefaultMonitorConfig().CaptureTail
	}
	return &Monitor{
		pool:      pool,
		store:     store,
		events:    events,
		capturer:  capturer,
		cfg:       cfg,
		now:       time.Now,
		paneState: make(map[string]string),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}, nil
}

// Start runs the sweep loop until Stop or context cancellation.
func (m *Monitor) Start(ctx context.Context) {
	go func() {
		defer close(m.doneCh)
		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.Sweep(ctx)
			}
		}
	}()
}

// Stop halts the loop and waits for the current sweep to finish.
func (m *Monitor) Stop() {
	close(m.stopCh)
	<-m.doneCh
}

// Sweep runs one health pass over the heavy pool.
func (m *Monitor) Sweep(ctx context.Context) {
	now := m.now()
	for _, agent := range m.pool.Agents() {
		if m.releaseIfDone(ctx, agent) {
			continue
		}
		if m.paneAlive(ctx, agent) {
			m.pool.Heartbeat(agent.Name)
			m.events.Publish(bus.NewEvent(bus.TopicMonitorHeartbeat, agent.CurrentTaskID, agent.Name, map[string]interface{}{
				"worker_status": string(types.AgentStatusBusy),
			}))
			continue
		}
		if now.Sub(agent.LastHeartbeat) <= m.cfg.HeartbeatTimeout {
			continue
		}
		m.reap(ctx, agent)
	}
}

// releaseIfDone frees the slot of a worker whose task already left the
// active statuses. The worker finished on its own; reaping it would
// fabricate an escalation for healthy work.
func (m *Monitor) releaseIfDone(ctx context.Context, agent *types.Agent) bool {
	task, err := m.store.GetTask(ctx, agent.CurrentTaskID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not check task %s for worker %s: %v\n", agent.CurrentTaskID, agent.Name, err)
		return false
	}
	if task.Status == types.TaskStatusQueued || task.Status == types.TaskStatusInProgress {
		return false
	}

	if err := m.pool.Release(ctx, agent.Name); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not release pane for %s: %v\n", agent.Name, err)
	}
	delete(m.paneState, agent.Name)

	m.events.Publish(bus.NewEvent(bus.TopicMonitorHeartbeat, task.ID, agent.Name, map[string]interface{}{
		"worker_status": "released",
		"task_status":   string(task.Status),
	}))
	return true
}

// paneAlive probes the worker's pane through the transport. Output
// that changed since the last sweep counts as a heartbeat; a worker
// can be deep in a long tool run without touching the store.
func (m *Monitor) paneAlive(ctx context.Context, agent *types.Agent) bool {
	if m.capturer == nil {
		return false
	}
	lines, err := m.capturer.Capture(ctx, agent.Name, m.cfg.CaptureTail)
	if err != nil {
		// An unreadable pane is not proof of death; the timeout
		// decides.
		return false
	}
	sum := sha256.Sum256([]byte(strings.Join(lines, "\n")))
	digest := hex.EncodeToString(sum[:8])
	prev, seen := m.paneState[agent.Name]
	m.paneState[agent.Name] = digest
	return !seen || prev != digest
}

// reap handles one silent agent: mark it offline, escalate its task,
// free the slot. Escalation creation is idempotent by (task_id,
// reason), so a sweep racing a late heartbeat never produces
// duplicates.
func (m *Monitor) reap(ctx context.Context, agent *types.Agent) {
	m.pool.MarkUnhealthy(agent.Name)

	reason := fmt.Sprintf("heavy worker %s missed heartbeat window (%v)", agent.Name, m.cfg.HeartbeatTimeout)
	esc, err := m.store.CreateEscalation(ctx, &types.Escalation{
		TaskID:   agent.CurrentTaskID,
		WorkerID: agent.Name,
		Reason:   reason,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not escalate silent worker %s: %v\n", agent.Name, err)
		return
	}

	// The worker is gone as far as the pool is concerned; the pane
	// kill below is cleanup, not a health change.
	m.pool.MarkOffline(agent.Name)

	// The task fails rather than escalates: escalated is reserved for
	// review outcomes, and the escalation record above is what drives
	// the human hand-off.
	if err := m.store.SetStatus(ctx, agent.CurrentTaskID, types.TaskStatusFailed, map[string]interface{}{
		"escalation_id": esc.ID,
		"worker":        agent.Name,
		"worker_status": string(types.AgentStatusOffline),
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not mark task %s failed: %v\n", agent.CurrentTaskID, err)
	}

	m.events.Publish(bus.NewEvent(bus.TopicQAEscalation, agent.CurrentTaskID, agent.Name, map[string]interface{}{
		"escalation_id": esc.ID,
		"reason":        reason,
		"worker_status": string(types.AgentStatusOffline),
	}))

	if err := m.pool.Release(ctx, agent.Name); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not release pane for %s: %v\n", agent.Name, err)
	}
	delete(m.paneState, agent.Name)
}
