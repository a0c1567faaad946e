// Package diag defines the core trace types shared across the diagnostics subsystem.
package diag

import (
	"time"
)

// Stage names a pipeline milestone recorded as a checkpoint.
type Stage string

// Known pipeline stages, in the order the pipeline executes them.
const (
	StageNavigation       Stage = "navigation"
	StagePageLoad         Stage = "page-load"
	StageCanvasExtraction Stage = "canvas-extraction"
	StageMetadataCapture  Stage = "metadata-capture"
	StageImageSave        Stage = "image-save"
)

// Known reports whether s is one of the enumerated pipeline stages.
func (s Stage) Known() bool {
	switch s {
	case StageNavigation, StagePageLoad, StageCanvasExtraction, StageMetadataCapture, StageImageSave:
		return true
	}
	return false
}

// MemorySnapshot is a point-in-time memory measurement, all figures in MB
// rounded to two decimals.
type MemorySnapshot struct {
	HeapUsedMB  float64 `json:"heap_used_mb"`
	HeapTotalMB float64 `json:"heap_total_mb"`
	ExternalMB  float64 `json:"external_mb"`
	RSSMB       float64 `json:"rss_mb"`
}

// NavigationDetail annotates the navigation stage with retry progress.
type NavigationDetail struct {
	Attempt     int `json:"attempt"`
	MaxAttempts int `json:"max_attempts"`
}

// MetadataDetail annotates the metadata-capture stage.
type MetadataDetail struct {
	Success    bool `json:"success"`
	TimedOut   bool `json:"timed_out"`
	FieldCount int  `json:"field_count,omitempty"`
}

// SaveDetail annotates the image-save stage.
type SaveDetail struct {
	Bytes int    `json:"bytes,omitempty"`
	Path  string `json:"path,omitempty"`
}

// ExtractionDetail annotates the canvas-extraction stage. Unlike the other
// stage details it is mutated incrementally as fallback methods run.
type ExtractionDetail struct {
	Mode             string           `json:"mode,omitempty"`
	Methods          []*MethodAttempt `json:"methods"`
	SuccessfulMethod string           `json:"successful_method,omitempty"`
}

// StageDetail is the tagged per-stage payload of a checkpoint. The stage
// name selects which field is meaningful; unrelated fields stay nil.
type StageDetail struct {
	Navigation *NavigationDetail `json:"navigation,omitempty"`
	Metadata   *MetadataDetail   `json:"metadata,omitempty"`
	Save       *SaveDetail       `json:"save,omitempty"`
	Extraction *ExtractionDetail `json:"extraction,omitempty"`
}

// StageCheckpoint records that a named stage reached a point of interest.
type StageCheckpoint struct {
	Stage     Stage          `json:"stage"`
	Timestamp time.Time      `json:"timestamp"`
	ElapsedMs int64          `json:"elapsed_ms"`
	Memory    MemorySnapshot `json:"memory"`
	Detail    StageDetail    `json:"detail,omitempty"`
}

// DOMState captures what the extraction method found in the page.
type DOMState struct {
	HasCanvas      bool     `json:"has_canvas"`
	HasShadowRoot  bool     `json:"has_shadow_root"`
	HasEmbed       bool     `json:"has_embed"`
	CanvasWidth    int      `json:"canvas_width,omitempty"`
	CanvasHeight   int      `json:"canvas_height,omitempty"`
	SelectorsTried []string `json:"selectors_tried,omitempty"`
}

// ExtractionResult describes the bytes an extraction method produced.
type ExtractionResult struct {
	Format         string `json:"format,omitempty"`
	Bytes          int    `json:"bytes,omitempty"`
	Width          int    `json:"width,omitempty"`
	Height         int    `json:"height,omitempty"`
	ChecksumStable bool   `json:"checksum_stable"`
}

// MethodAttempt records one fallback-chain method invocation. Rank is
// 1-based and unique within a session, assigned in call order.
type MethodAttempt struct {
	Method     string            `json:"method"`
	Rank       int               `json:"rank"`
	StartedAt  time.Time         `json:"started_at"`
	EndedAt    *time.Time        `json:"ended_at,omitempty"`
	DurationMs int64             `json:"duration_ms,omitempty"`
	Success    bool              `json:"success"`
	Error      string            `json:"error,omitempty"`
	DOM        *DOMState         `json:"dom,omitempty"`
	Result     *ExtractionResult `json:"result,omitempty"`
}

// ProcessState snapshots the worker process around a task. It is mutated
// by applying deltas, never replaced wholesale.
type ProcessState struct {
	BrowserRestarts    int             `json:"browser_restarts"`
	MemoryAtStart      *MemorySnapshot `json:"memory_at_start,omitempty"`
	MemoryAtEnd        *MemorySnapshot `json:"memory_at_end,omitempty"`
	TaskNumber         int             `json:"task_number,omitempty"`
	QueuePosition      *int            `json:"queue_position,omitempty"`
	RecyclePending     bool            `json:"recycle_pending,omitempty"`
	RecycleReason      string          `json:"recycle_reason,omitempty"`
	RecycleTaskCount   int             `json:"recycle_task_count,omitempty"`
	RecycleMemoryMB    float64         `json:"recycle_memory_mb,omitempty"`
	LastCycleTaskCount int             `json:"last_cycle_task_count,omitempty"`
	CycleID            string          `json:"cycle_id,omitempty"`
}

// Outcome is the terminal result of a session, written once at or before end.
type Outcome struct {
	Success      bool   `json:"success"`
	Error        string `json:"error,omitempty"`
	ErrorStack   string `json:"error_stack,omitempty"`
	Skipped      bool   `json:"skipped,omitempty"`
	SkipReason   string `json:"skip_reason,omitempty"`
	RetryAttempt int    `json:"retry_attempt,omitempty"`
}

// Diagnostics holds optional failure artifacts captured for a session.
type Diagnostics struct {
	ScreenshotPath string   `json:"screenshot_path,omitempty"`
	HTMLPath       string   `json:"html_path,omitempty"`
	ConsoleLogs    []string `json:"console_logs,omitempty"`
	NetworkErrors  []string `json:"network_errors,omitempty"`
}

// Session is the complete trace of one extraction task. It is owned by a
// single task for its lifetime and becomes an immutable historical record
// once persisted.
type Session struct {
	TaskID      string                     `json:"task_id"`
	JobID       string                     `json:"job_id"`
	Target      string                     `json:"target"`
	StartedAt   time.Time                  `json:"started_at"`
	EndedAt     *time.Time                 `json:"ended_at,omitempty"`
	DurationMs  int64                      `json:"duration_ms,omitempty"`
	Stages      map[Stage]*StageCheckpoint `json:"stages"`
	Process     ProcessState               `json:"process"`
	Outcome     Outcome                    `json:"outcome"`
	Diagnostics *Diagnostics               `json:"diagnostics,omitempty"`
}

// Summary is the compact per-session line appended to the rolling log.
type Summary struct {
	Timestamp           time.Time `json:"timestamp"`
	TaskID              string    `json:"task_id"`
	JobID               string    `json:"job_id"`
	DurationMs          int64     `json:"duration_ms"`
	Success             bool      `json:"success"`
	Skipped             bool      `json:"skipped"`
	Error               string    `json:"error,omitempty"`
	SuccessfulMethod    string    `json:"successful_method,omitempty"`
	TotalMethodAttempts int       `json:"total_method_attempts"`
	MetadataSuccess     bool      `json:"metadata_success"`
	MetadataTimedOut    bool      `json:"metadata_timed_out"`
	BrowserRestarts     int       `json:"browser_restarts"`
	MemoryUsedMB        float64   `json:"memory_used_mb"`
}

// Summarize flattens a finalized session into its summary-log line.
func (s *Session) Summarize(now time.Time) Summary {
	sum := Summary{
		Timestamp:       now,
		TaskID:          s.TaskID,
		JobID:           s.JobID,
		DurationMs:      s.DurationMs,
		Success:         s.Outcome.Success,
		Skipped:         s.Outcome.Skipped,
		Error:           s.Outcome.Error,
		BrowserRestarts: s.Process.BrowserRestarts,
	}
	if cp := s.Stages[StageCanvasExtraction]; cp != nil && cp.Detail.Extraction != nil {
		sum.SuccessfulMethod = cp.Detail.Extraction.SuccessfulMethod
		sum.TotalMethodAttempts = len(cp.Detail.Extraction.Methods)
	}
	if cp := s.Stages[StageMetadataCapture]; cp != nil && cp.Detail.Metadata != nil {
		sum.MetadataSuccess = cp.Detail.Metadata.Success
		sum.MetadataTimedOut = cp.Detail.Metadata.TimedOut
	}
	if s.Process.MemoryAtEnd != nil {
		sum.MemoryUsedMB = s.Process.MemoryAtEnd.HeapUsedMB
	}
	return sum
}
