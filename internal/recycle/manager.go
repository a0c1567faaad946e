// Package recycle decides when a worker process should be retired and
// replaced. It only decides and records; terminating and relaunching the
// worker is the caller's responsibility.
package recycle

import (
	"sync"

	"go.uber.org/zap"

	"github.com/canvasgrab/scrape-diagnostics/internal/diag"
	"github.com/canvasgrab/scrape-diagnostics/internal/health"
	"github.com/canvasgrab/scrape-diagnostics/internal/id/uuid"
	"github.com/canvasgrab/scrape-diagnostics/internal/logging"
	"github.com/canvasgrab/scrape-diagnostics/internal/metrics"
)

// Recycle policy defaults. One task per cycle is deliberately
// conservative: every task gets a fresh worker unless configured wider.
const (
	DefaultMaxTasksPerCycle = 1
	DefaultMemoryLimitMB    = 300
)

// Reasons reported for a positive recycle decision. The task limit is
// checked and reported first when both hold.
const (
	ReasonTaskLimit       = "task-limit"
	ReasonMemoryThreshold = "memory-threshold"
)

// State is the manager's lifecycle state.
type State string

// Manager states. Exhausted means a recycle decision was returned and
// the caller is expected to relaunch the worker and call Reset.
const (
	StateActive    State = "active"
	StateExhausted State = "exhausted"
)

// StateRecorder receives process-state updates for the task whose trace
// should explain a recycle or restart. *tracker.Tracker satisfies it.
type StateRecorder interface {
	MergeProcessState(taskID string, delta diag.ProcessStateDelta)
}

// Config controls the recycle policy.
type Config struct {
	MaxTasksPerCycle int     `mapstructure:"max_tasks_per_cycle"`
	MemoryLimitMB    float64 `mapstructure:"memory_limit_mb"`
}

// Manager counts completed tasks and watches memory pressure through an
// embedded health monitor. All methods are safe for concurrent use.
type Manager struct {
	cfg      Config
	monitor  *health.Monitor
	recorder StateRecorder
	idGen    *uuid.Generator
	logger   *zap.Logger

	mu       sync.Mutex
	tasks    int
	restarts int
	state    State
	cycleID  string
}

// New constructs a Manager and immediately baselines the embedded
// monitor. recorder may be nil when no trace integration is wanted.
func New(cfg Config, monitor *health.Monitor, recorder StateRecorder, logger *zap.Logger) *Manager {
	if cfg.MaxTasksPerCycle <= 0 {
		cfg.MaxTasksPerCycle = DefaultMaxTasksPerCycle
	}
	if cfg.MemoryLimitMB <= 0 {
		cfg.MemoryLimitMB = DefaultMemoryLimitMB
	}
	if monitor == nil {
		monitor = health.New(health.Config{Logger: logger})
	}
	m := &Manager{
		cfg:      cfg,
		monitor:  monitor,
		recorder: recorder,
		idGen:    uuid.New(),
		logger:   logging.OrNop(logger),
		state:    StateActive,
	}
	m.cycleID = m.newCycleID()
	m.monitor.Start()
	return m
}

func (m *Manager) newCycleID() string {
	id, err := m.idGen.NewID()
	if err != nil {
		// ID generation failing must never block the policy.
		m.logger.Warn("cycle id generation failed", zap.Error(err))
		return ""
	}
	return id
}

// RecordTaskComplete increments the task counter. Call exactly once per
// completed task regardless of its outcome.
func (m *Manager) RecordTaskComplete() {
	m.mu.Lock()
	m.tasks++
	m.mu.Unlock()
}

// TasksCompleted returns the current cycle's completed task count.
func (m *Manager) TasksCompleted() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tasks
}

// State returns the manager's lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// CycleID identifies the current worker lifetime.
func (m *Manager) CycleID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cycleID
}

// ShouldRecycle evaluates the recycle policy: true when the task counter
// reached the per-cycle limit or a fresh memory measurement exceeds the
// memory limit. When taskID is non-empty the decision is recorded into that
// task's process state so the trace explains the following restart.
func (m *Manager) ShouldRecycle(taskID string) bool {
	snap := m.monitor.Snapshot()

	m.mu.Lock()
	defer m.mu.Unlock()

	reason := ""
	switch {
	case m.tasks >= m.cfg.MaxTasksPerCycle:
		reason = ReasonTaskLimit
	case snap.HeapUsedMB > m.cfg.MemoryLimitMB:
		reason = ReasonMemoryThreshold
	}
	if reason == "" {
		return false
	}

	firstDecision := m.state != StateExhausted
	m.state = StateExhausted

	m.logger.Info("worker recycle indicated",
		zap.String("reason", reason),
		zap.Int("tasks_completed", m.tasks),
		zap.Int("max_tasks_per_cycle", m.cfg.MaxTasksPerCycle),
		zap.Float64("heap_used_mb", snap.HeapUsedMB),
		zap.Float64("memory_limit_mb", m.cfg.MemoryLimitMB),
		zap.String("cycle_id", m.cycleID),
	)
	if firstDecision {
		metrics.ObserveRecycle(reason)
	}

	if taskID != "" && m.recorder != nil {
		m.recorder.MergeProcessState(taskID, diag.ProcessStateDelta{
			TaskNumber:       diag.IntPtr(m.tasks),
			RecyclePending:   diag.BoolPtr(true),
			RecycleReason:    diag.StringPtr(reason),
			RecycleTaskCount: diag.IntPtr(m.tasks),
			RecycleMemoryMB:  diag.Float64Ptr(snap.HeapUsedMB),
			CycleID:          diag.StringPtr(m.cycleID),
		})
	}
	return true
}

// ReportStatus logs the running task count and a full memory report.
func (m *Manager) ReportStatus() {
	m.mu.Lock()
	tasks := m.tasks
	cycleID := m.cycleID
	m.mu.Unlock()

	m.logger.Info("recycler status",
		zap.Int("tasks_completed", tasks),
		zap.Int("max_tasks_per_cycle", m.cfg.MaxTasksPerCycle),
		zap.String("cycle_id", cycleID),
	)
	m.monitor.Report("recycler status")
}

// Reset starts a new worker lifetime: zeroes the task counter,
// re-baselines the monitor, and assigns a new cycle id. When taskID is
// non-empty a browser-restart event carrying the previous cycle's task
// count is recorded into that task's process state.
func (m *Manager) Reset(taskID string) {
	m.mu.Lock()
	prevTasks := m.tasks
	m.tasks = 0
	m.restarts++
	restarts := m.restarts
	m.state = StateActive
	m.cycleID = m.newCycleID()
	cycleID := m.cycleID
	m.mu.Unlock()

	m.monitor.Start()

	m.logger.Info("worker cycle reset",
		zap.Int("previous_cycle_tasks", prevTasks),
		zap.Int("browser_restarts", restarts),
		zap.String("cycle_id", cycleID),
	)

	if taskID != "" && m.recorder != nil {
		m.recorder.MergeProcessState(taskID, diag.ProcessStateDelta{
			BrowserRestarts:    diag.IntPtr(restarts),
			LastCycleTaskCount: diag.IntPtr(prevTasks),
			CycleID:            diag.StringPtr(cycleID),
		})
	}
}
