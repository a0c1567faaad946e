// Package tracker records per-task extraction session traces and persists
// them when the task finishes.
package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/canvasgrab/scrape-diagnostics/internal/clock/system"
	"github.com/canvasgrab/scrape-diagnostics/internal/diag"
	"github.com/canvasgrab/scrape-diagnostics/internal/health"
	"github.com/canvasgrab/scrape-diagnostics/internal/logging"
	"github.com/canvasgrab/scrape-diagnostics/internal/metrics"
)

// Config controls where session records and artifacts land inside the
// artifact store.
type Config struct {
	// SessionsDir holds per-session JSON records. Default "sessions".
	SessionsDir string `mapstructure:"dir"`
	// SummaryFile is the NDJSON summary log inside SessionsDir.
	// Default "summary.ndjson".
	SummaryFile string `mapstructure:"summary_file"`
	// DiagnosticsDir holds per-task failure artifacts inside SessionsDir.
	// Default "diagnostics".
	DiagnosticsDir string `mapstructure:"diagnostics_dir"`
}

func (c *Config) applyDefaults() {
	if c.SessionsDir == "" {
		c.SessionsDir = "sessions"
	}
	if c.SummaryFile == "" {
		c.SummaryFile = "summary.ndjson"
	}
	if c.DiagnosticsDir == "" {
		c.DiagnosticsDir = "diagnostics"
	}
}

// Artifacts are the optional failure captures attached by SaveDiagnostics.
// Nil/empty fields are skipped; supplied fields overwrite prior ones.
type Artifacts struct {
	Screenshot    []byte
	HTMLSnapshot  []byte
	ConsoleLogs   []string
	NetworkErrors []string
}

// Tracker owns one live Session per active task. Per-session mutation
// relies on the caller's single-writer discipline per task id; the live
// map itself is safe for concurrent use across tasks.
//
// Every accessor referencing an unknown task id degrades to a warning
// plus a no-op: diagnostics must never crash the pipeline it observes.
type Tracker struct {
	store   diag.ArtifactStore
	sampler health.Sampler
	clock   diag.Clock
	cfg     Config
	logger  *zap.Logger

	mu   sync.RWMutex
	live map[string]*diag.Session
}

// New constructs a Tracker. store is required; a nil sampler defaults to
// the runtime sampler and a nil clock to the system clock.
func New(store diag.ArtifactStore, sampler health.Sampler, clock diag.Clock, cfg Config, logger *zap.Logger) *Tracker {
	if sampler == nil {
		sampler = health.NewRuntimeSampler()
	}
	if clock == nil {
		clock = system.New()
	}
	cfg.applyDefaults()
	return &Tracker{
		store:   store,
		sampler: sampler,
		clock:   clock,
		cfg:     cfg,
		logger:  logging.OrNop(logger),
		live:    make(map[string]*diag.Session),
	}
}

// Start creates a new live session for taskID. Double-starting the same
// task id is a caller bug: the existing session is kept and the call is a
// logged no-op.
func (t *Tracker) Start(taskID, jobID, target string) {
	now := t.clock.Now()
	session := &diag.Session{
		TaskID:    taskID,
		JobID:     jobID,
		Target:    target,
		StartedAt: now,
		Stages:    make(map[diag.Stage]*diag.StageCheckpoint),
	}

	t.mu.Lock()
	if _, exists := t.live[taskID]; exists {
		t.mu.Unlock()
		t.logger.Warn("session already started", zap.String("task_id", taskID))
		return
	}
	t.live[taskID] = session
	t.mu.Unlock()

	t.logger.Debug("session started",
		zap.String("task_id", taskID),
		zap.String("job_id", jobID),
		zap.String("target", target),
	)
}

// Session returns the live session for taskID, if any. The returned
// pointer follows the same single-writer discipline as the mutators.
func (t *Tracker) Session(taskID string) (*diag.Session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.live[taskID]
	return s, ok
}

// LiveCount returns the number of sessions not yet finalized.
func (t *Tracker) LiveCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.live)
}

func (t *Tracker) lookup(taskID, op string) (*diag.Session, bool) {
	t.mu.RLock()
	s, ok := t.live[taskID]
	t.mu.RUnlock()
	if !ok {
		t.logger.Warn("no session for task", zap.String("task_id", taskID), zap.String("op", op))
	}
	return s, ok
}

// Checkpoint records that the named stage reached a point of interest,
// stamped with the current time, elapsed session time, and a fresh
// memory sample. A prior checkpoint for the same stage is overwritten in
// place, with the supplied detail merged field by field; incremental
// extraction state survives the overwrite.
func (t *Tracker) Checkpoint(taskID string, stage diag.Stage, detail *diag.StageDetail) {
	s, ok := t.lookup(taskID, "checkpoint")
	if !ok {
		return
	}
	if !stage.Known() {
		t.logger.Warn("unknown stage name",
			zap.String("task_id", taskID),
			zap.String("stage", string(stage)),
		)
		return
	}

	now := t.clock.Now()
	cp := s.Stages[stage]
	if cp == nil {
		cp = &diag.StageCheckpoint{Stage: stage}
		s.Stages[stage] = cp
	}
	cp.Timestamp = now
	cp.ElapsedMs = now.Sub(s.StartedAt).Milliseconds()
	cp.Memory = t.sampler.Sample()
	if detail != nil {
		cp.Detail.Merge(*detail)
		mergeExtractionMode(cp, detail.Extraction)
	}
}

// mergeExtractionMode lets a checkpoint set the extraction mode without
// disturbing the attempt list owned by BeginAttempt/RecordAttemptResult.
func mergeExtractionMode(cp *diag.StageCheckpoint, src *diag.ExtractionDetail) {
	if src == nil {
		return
	}
	if cp.Detail.Extraction == nil {
		cp.Detail.Extraction = &diag.ExtractionDetail{Mode: src.Mode}
		return
	}
	if src.Mode != "" {
		cp.Detail.Extraction.Mode = src.Mode
	}
}

// BeginAttempt appends a fallback-method attempt with the given 1-based
// rank. The canvas-extraction checkpoint is created lazily, seeded with
// the attempt's start time. Ranks must be unique; a duplicate rank is a
// logged no-op.
func (t *Tracker) BeginAttempt(taskID, method string, rank int, startedAt time.Time) {
	s, ok := t.lookup(taskID, "begin_attempt")
	if !ok {
		return
	}

	cp := s.Stages[diag.StageCanvasExtraction]
	if cp == nil {
		cp = &diag.StageCheckpoint{
			Stage:     diag.StageCanvasExtraction,
			Timestamp: startedAt,
			ElapsedMs: startedAt.Sub(s.StartedAt).Milliseconds(),
			Memory:    t.sampler.Sample(),
		}
		s.Stages[diag.StageCanvasExtraction] = cp
	}
	if cp.Detail.Extraction == nil {
		cp.Detail.Extraction = &diag.ExtractionDetail{}
	}

	for _, attempt := range cp.Detail.Extraction.Methods {
		if attempt.Rank == rank {
			t.logger.Warn("duplicate attempt rank",
				zap.String("task_id", taskID),
				zap.String("method", method),
				zap.Int("rank", rank),
			)
			return
		}
	}

	cp.Detail.Extraction.Methods = append(cp.Detail.Extraction.Methods, &diag.MethodAttempt{
		Method:    method,
		Rank:      rank,
		StartedAt: startedAt,
	})
}

// RecordAttemptResult finalizes the attempt with the given rank. A rank
// that was never begun indicates a caller bug and is a logged no-op. On
// success the stage's successful method is set to the lowest successful
// rank seen so far.
func (t *Tracker) RecordAttemptResult(
	taskID string,
	rank int,
	success bool,
	errText string,
	dom *diag.DOMState,
	result *diag.ExtractionResult,
) {
	s, ok := t.lookup(taskID, "record_attempt_result")
	if !ok {
		return
	}

	cp := s.Stages[diag.StageCanvasExtraction]
	if cp == nil || cp.Detail.Extraction == nil {
		t.logger.Warn("attempt result before any attempt began",
			zap.String("task_id", taskID),
			zap.Int("rank", rank),
		)
		return
	}

	ext := cp.Detail.Extraction
	var attempt *diag.MethodAttempt
	for _, a := range ext.Methods {
		if a.Rank == rank {
			attempt = a
			break
		}
	}
	if attempt == nil {
		t.logger.Warn("attempt result for unknown rank",
			zap.String("task_id", taskID),
			zap.Int("rank", rank),
		)
		return
	}

	now := t.clock.Now()
	attempt.EndedAt = &now
	attempt.DurationMs = now.Sub(attempt.StartedAt).Milliseconds()
	attempt.Success = success
	attempt.Error = errText
	attempt.DOM = dom
	attempt.Result = result

	if success && (ext.SuccessfulMethod == "" || rank < successfulRank(ext)) {
		ext.SuccessfulMethod = attempt.Method
	}
	metrics.ObserveMethodAttempt(attempt.Method, success)
}

// successfulRank returns the rank of the currently recorded successful
// method, or a sentinel above all ranks when none is recorded.
func successfulRank(ext *diag.ExtractionDetail) int {
	for _, a := range ext.Methods {
		if a.Success && a.Method == ext.SuccessfulMethod {
			return a.Rank
		}
	}
	return int(^uint(0) >> 1)
}

// MergeProcessState layers the partial update onto the session's process
// state.
func (t *Tracker) MergeProcessState(taskID string, delta diag.ProcessStateDelta) {
	s, ok := t.lookup(taskID, "merge_process_state")
	if !ok {
		return
	}
	delta.Apply(&s.Process)
}

// Finish records the terminal outcome and end time. Calling it again
// overwrites the previous outcome; callers should call it at most once.
func (t *Tracker) Finish(taskID string, outcome diag.Outcome) {
	s, ok := t.lookup(taskID, "finish")
	if !ok {
		return
	}
	now := t.clock.Now()
	s.EndedAt = &now
	s.DurationMs = now.Sub(s.StartedAt).Milliseconds()
	s.Outcome = outcome
}

// End finalizes the session, persists the full record, appends the
// summary line, and removes the session from the live set. If Finish was
// never called the session ends with a default non-success outcome. A
// persistence failure leaves the session live so the caller may retry;
// ending an already ended task id is a safe no-op.
func (t *Tracker) End(ctx context.Context, taskID string) error {
	t.mu.RLock()
	s, ok := t.live[taskID]
	t.mu.RUnlock()
	if !ok {
		t.logger.Warn("end for unknown or already ended session", zap.String("task_id", taskID))
		return nil
	}

	if s.EndedAt == nil {
		now := t.clock.Now()
		s.EndedAt = &now
		s.DurationMs = now.Sub(s.StartedAt).Milliseconds()
	}

	record, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session %s: %w", taskID, err)
	}
	recordPath := path.Join(t.cfg.SessionsDir, fmt.Sprintf("%s_%d.json", taskID, s.StartedAt.UnixMilli()))
	if err := t.store.WriteFile(ctx, recordPath, record); err != nil {
		return fmt.Errorf("persist session %s: %w", taskID, err)
	}

	summary := s.Summarize(t.clock.Now())
	line, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("marshal summary %s: %w", taskID, err)
	}
	summaryPath := path.Join(t.cfg.SessionsDir, t.cfg.SummaryFile)
	if err := t.store.AppendLine(ctx, summaryPath, line); err != nil {
		return fmt.Errorf("append summary %s: %w", taskID, err)
	}

	t.mu.Lock()
	delete(t.live, taskID)
	t.mu.Unlock()

	metrics.ObserveSessionEnd(outcomeLabel(s.Outcome), time.Duration(s.DurationMs)*time.Millisecond)
	t.logger.Info("session ended",
		zap.String("task_id", taskID),
		zap.Bool("success", s.Outcome.Success),
		zap.Bool("skipped", s.Outcome.Skipped),
		zap.Int64("duration_ms", s.DurationMs),
		zap.String("record", recordPath),
	)
	return nil
}

func outcomeLabel(o diag.Outcome) string {
	switch {
	case o.Skipped:
		return metrics.OutcomeSkipped
	case o.Success:
		return metrics.OutcomeSuccess
	default:
		return metrics.OutcomeFailure
	}
}

// SaveDiagnostics writes the supplied failure artifacts under the task's
// diagnostics directory and attaches their references to the live
// session. Later calls overwrite per field.
func (t *Tracker) SaveDiagnostics(ctx context.Context, taskID string, art Artifacts) error {
	s, ok := t.lookup(taskID, "save_diagnostics")
	if !ok {
		return nil
	}
	if s.Diagnostics == nil {
		s.Diagnostics = &diag.Diagnostics{}
	}

	dir := path.Join(t.cfg.SessionsDir, t.cfg.DiagnosticsDir, taskID)
	if err := t.store.EnsureDir(ctx, dir); err != nil {
		return fmt.Errorf("diagnostics dir for %s: %w", taskID, err)
	}

	if len(art.Screenshot) > 0 {
		p := path.Join(dir, "screenshot.png")
		if err := t.store.WriteFile(ctx, p, art.Screenshot); err != nil {
			return fmt.Errorf("write screenshot for %s: %w", taskID, err)
		}
		s.Diagnostics.ScreenshotPath = p
	}
	if len(art.HTMLSnapshot) > 0 {
		p := path.Join(dir, "page.html")
		if err := t.store.WriteFile(ctx, p, art.HTMLSnapshot); err != nil {
			return fmt.Errorf("write html snapshot for %s: %w", taskID, err)
		}
		s.Diagnostics.HTMLPath = p
	}
	if len(art.ConsoleLogs) > 0 {
		p := path.Join(dir, "console.log")
		if err := t.store.WriteFile(ctx, p, joinLines(art.ConsoleLogs)); err != nil {
			return fmt.Errorf("write console logs for %s: %w", taskID, err)
		}
		s.Diagnostics.ConsoleLogs = art.ConsoleLogs
	}
	if len(art.NetworkErrors) > 0 {
		p := path.Join(dir, "network-errors.log")
		if err := t.store.WriteFile(ctx, p, joinLines(art.NetworkErrors)); err != nil {
			return fmt.Errorf("write network errors for %s: %w", taskID, err)
		}
		s.Diagnostics.NetworkErrors = art.NetworkErrors
	}
	return nil
}

func joinLines(lines []string) []byte {
	total := 0
	for _, l := range lines {
		total += len(l) + 1
	}
	buf := make([]byte, 0, total)
	for _, l := range lines {
		buf = append(buf, l...)
		buf = append(buf, '\n')
	}
	return buf
}
