package health

import (
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/canvasgrab/scrape-diagnostics/internal/clock/system"
	"github.com/canvasgrab/scrape-diagnostics/internal/diag"
	"github.com/canvasgrab/scrape-diagnostics/internal/logging"
)

// growthWarnMB flags heap growth above this amount in Report. Growth is
// diagnostic only and never triggers recycling.
const growthWarnMB = 200

// Config controls Monitor construction. All fields are optional.
type Config struct {
	// Sampler provides memory snapshots; defaults to RuntimeSampler.
	Sampler Sampler
	// ForceGC optionally requests a collection pass before baselining.
	// Best-effort: the monitor works identically without it.
	ForceGC func()
	// Clock defaults to the real clock.
	Clock  diag.Clock
	Logger *zap.Logger
}

// Monitor tracks heap usage against a baseline recorded at Start. It is
// safe for concurrent use.
type Monitor struct {
	sampler Sampler
	forceGC func()
	clock   diag.Clock
	logger  *zap.Logger

	mu         sync.Mutex
	baseline   diag.MemorySnapshot
	baselineAt time.Time
}

// New constructs a Monitor. Call Start to record the baseline.
func New(cfg Config) *Monitor {
	if cfg.Sampler == nil {
		cfg.Sampler = NewRuntimeSampler()
	}
	if cfg.ForceGC == nil {
		cfg.ForceGC = runtime.GC
	}
	if cfg.Clock == nil {
		cfg.Clock = system.New()
	}
	return &Monitor{
		sampler: cfg.Sampler,
		forceGC: cfg.ForceGC,
		clock:   cfg.Clock,
		logger:  logging.OrNop(cfg.Logger),
	}
}

// Start requests a best-effort collection pass and records the current
// heap usage and time as the baseline.
func (m *Monitor) Start() {
	if m.forceGC != nil {
		m.forceGC()
	}
	snap := m.sampler.Sample()

	m.mu.Lock()
	m.baseline = snap
	m.baselineAt = m.clock.Now()
	m.mu.Unlock()

	m.logger.Info("memory baseline recorded",
		zap.Float64("heap_used_mb", snap.HeapUsedMB),
		zap.Float64("rss_mb", snap.RSSMB),
	)
}

// Snapshot returns a fresh memory measurement.
func (m *Monitor) Snapshot() diag.MemorySnapshot {
	return m.sampler.Sample()
}

// Baseline returns the snapshot and time recorded by the last Start.
func (m *Monitor) Baseline() (diag.MemorySnapshot, time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.baseline, m.baselineAt
}

// Report logs a human-readable memory snapshot labeled with label.
// Heap growth beyond the warning threshold is flagged but carries no
// recycling consequence.
func (m *Monitor) Report(label string) {
	snap := m.sampler.Sample()

	m.mu.Lock()
	baseline := m.baseline
	baselineAt := m.baselineAt
	m.mu.Unlock()

	elapsed := time.Duration(0)
	if !baselineAt.IsZero() {
		elapsed = m.clock.Now().Sub(baselineAt)
	}
	growth := snap.HeapUsedMB - baseline.HeapUsedMB

	fields := []zap.Field{
		zap.String("label", label),
		zap.Float64("heap_used_mb", snap.HeapUsedMB),
		zap.Float64("heap_total_mb", snap.HeapTotalMB),
		zap.Float64("rss_mb", snap.RSSMB),
		zap.Float64("external_mb", snap.ExternalMB),
		zap.Duration("elapsed", elapsed),
		zap.Float64("heap_growth_mb", growth),
	}
	if growth > growthWarnMB {
		m.logger.Warn("memory report: heap growth above warning threshold", fields...)
		return
	}
	m.logger.Info("memory report", fields...)
}

// ShouldRecycle reports whether the current heap usage exceeds
// maxMemoryMB. Each call takes a fresh measurement; cumulative growth is
// not considered.
func (m *Monitor) ShouldRecycle(maxMemoryMB float64) bool {
	snap := m.sampler.Sample()
	return snap.HeapUsedMB > maxMemoryMB
}
