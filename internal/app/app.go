// Package app initializes and holds the long-lived diagnostics services.
package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/canvasgrab/scrape-diagnostics/internal/config"
	"github.com/canvasgrab/scrape-diagnostics/internal/health"
	"github.com/canvasgrab/scrape-diagnostics/internal/logging"
	"github.com/canvasgrab/scrape-diagnostics/internal/recycle"
	"github.com/canvasgrab/scrape-diagnostics/internal/stats"
	"github.com/canvasgrab/scrape-diagnostics/internal/storage/local"
	"github.com/canvasgrab/scrape-diagnostics/internal/tracker"
)

// App wires the diagnostics services for one worker process: the session
// tracker the pipeline reports into, the recycling manager it consults
// after each task, and the offline statistics aggregator. Initialized
// once at startup and passed to whatever loop drives task execution.
type App struct {
	logger     *zap.Logger
	tracker    *tracker.Tracker
	recycler   *recycle.Manager
	aggregator *stats.Aggregator
	reaper     config.ReaperConfig
}

// New builds the service graph from configuration. It fails fast when
// the artifact store cannot be opened.
func New(cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	store, err := local.New(local.Config{BaseDir: cfg.Storage.BaseDir})
	if err != nil {
		return nil, fmt.Errorf("open artifact store: %w", err)
	}

	tr := tracker.New(store, nil, nil, tracker.Config{
		SessionsDir:    cfg.Sessions.Dir,
		SummaryFile:    cfg.Sessions.SummaryFile,
		DiagnosticsDir: cfg.Sessions.DiagnosticsDir,
	}, logger)

	monitor := health.New(health.Config{Logger: logger})
	recycler := recycle.New(cfg.Recycler, monitor, tr, logger)

	aggregator := stats.New(store, stats.Config{
		SessionsDir: cfg.Sessions.Dir,
		SummaryFile: cfg.Sessions.SummaryFile,
	}, logger)

	return &App{
		logger:     logger,
		tracker:    tr,
		recycler:   recycler,
		aggregator: aggregator,
		reaper:     cfg.Sessions.Reaper,
	}, nil
}

// Logger returns the shared zap logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Tracker returns the session tracker.
func (a *App) Tracker() *tracker.Tracker { return a.tracker }

// Recycler returns the process recycling manager.
func (a *App) Recycler() *recycle.Manager { return a.recycler }

// Aggregator returns the statistics aggregator.
func (a *App) Aggregator() *stats.Aggregator { return a.aggregator }

// RunReaper blocks, force-ending stale sessions per the configured
// policy. Returns immediately when the reaper is disabled.
func (a *App) RunReaper(ctx context.Context) {
	if !a.reaper.Enabled {
		return
	}
	a.tracker.RunReaper(ctx, a.reaper.Interval, a.reaper.MaxAge)
}

// Close flushes the logger. Safe to call once at shutdown.
func (a *App) Close() {
	_ = a.logger.Sync()
}
