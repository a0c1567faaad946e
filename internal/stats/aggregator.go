// Package stats computes per-method aggregates over persisted session records.
package stats

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"path"
	"strings"

	"go.uber.org/zap"

	"github.com/canvasgrab/scrape-diagnostics/internal/diag"
	"github.com/canvasgrab/scrape-diagnostics/internal/logging"
)

// Config locates the persisted session records.
type Config struct {
	// SessionsDir holds per-session JSON records. Default "sessions".
	SessionsDir string `mapstructure:"dir"`
	// SummaryFile is the NDJSON summary log inside SessionsDir.
	// Default "summary.ndjson".
	SummaryFile string `mapstructure:"summary_file"`
}

// MethodStats aggregates one extraction method across all sessions.
type MethodStats struct {
	Attempts          int     `json:"attempts"`
	Successes         int     `json:"successes"`
	Failures          int     `json:"failures"`
	AverageDurationMs float64 `json:"average_duration_ms"`
}

// Report is the result of one aggregation pass. An empty report (no
// historical data yet) is valid, not an error.
type Report struct {
	Methods            map[string]MethodStats `json:"methods"`
	SessionsSummarized int                    `json:"sessions_summarized"`
	RecordsScanned     int                    `json:"records_scanned"`
	RecordsSkipped     int                    `json:"records_skipped"`
}

// Aggregator reads persisted sessions from an artifact store. Read-only
// and batch: it never mutates the store.
type Aggregator struct {
	store  diag.ArtifactStore
	cfg    Config
	logger *zap.Logger
}

// New constructs an Aggregator.
func New(store diag.ArtifactStore, cfg Config, logger *zap.Logger) *Aggregator {
	if cfg.SessionsDir == "" {
		cfg.SessionsDir = "sessions"
	}
	if cfg.SummaryFile == "" {
		cfg.SummaryFile = "summary.ndjson"
	}
	return &Aggregator{store: store, cfg: cfg, logger: logging.OrNop(logger)}
}

// ComputeMethodStatistics scans every persisted session record and
// produces per-method attempt, success, failure counts and the average
// attempt duration. Malformed records are skipped and counted rather
// than aborting the scan. Method-level detail lives only in full
// records; the summary log contributes the coarse session count.
func (a *Aggregator) ComputeMethodStatistics(ctx context.Context) (Report, error) {
	report := Report{Methods: make(map[string]MethodStats)}

	names, err := a.store.List(ctx, a.cfg.SessionsDir)
	if err != nil {
		return Report{}, fmt.Errorf("list session records: %w", err)
	}

	durations := make(map[string]int64)
	for _, name := range names {
		if !strings.HasSuffix(name, ".json") {
			continue
		}
		data, err := a.store.ReadFile(ctx, path.Join(a.cfg.SessionsDir, name))
		if err != nil {
			report.RecordsSkipped++
			a.logger.Warn("unreadable session record", zap.String("record", name), zap.Error(err))
			continue
		}
		var session diag.Session
		if err := json.Unmarshal(data, &session); err != nil {
			report.RecordsSkipped++
			a.logger.Warn("malformed session record", zap.String("record", name), zap.Error(err))
			continue
		}
		report.RecordsScanned++

		cp := session.Stages[diag.StageCanvasExtraction]
		if cp == nil || cp.Detail.Extraction == nil {
			continue
		}
		for _, attempt := range cp.Detail.Extraction.Methods {
			stats := report.Methods[attempt.Method]
			stats.Attempts++
			if attempt.Success {
				stats.Successes++
			} else {
				stats.Failures++
			}
			durations[attempt.Method] += attempt.DurationMs
			report.Methods[attempt.Method] = stats
		}
	}

	for method, stats := range report.Methods {
		if stats.Attempts == 0 {
			continue
		}
		avg := float64(durations[method]) / float64(stats.Attempts)
		stats.AverageDurationMs = math.Round(avg*100) / 100
		report.Methods[method] = stats
	}

	report.SessionsSummarized = a.countSummaries(ctx)
	return report, nil
}

// countSummaries returns the number of lines in the summary log. A
// missing log means no sessions have completed yet.
func (a *Aggregator) countSummaries(ctx context.Context) int {
	data, err := a.store.ReadFile(ctx, path.Join(a.cfg.SessionsDir, a.cfg.SummaryFile))
	if err != nil {
		return 0
	}
	count := 0
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) != "" {
			count++
		}
	}
	return count
}
