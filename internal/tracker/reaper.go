package tracker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/canvasgrab/scrape-diagnostics/internal/diag"
)

// RunReaper periodically force-ends live sessions older than maxAge.
// A reaped session is finalized with a synthetic failure outcome and
// persisted through the normal End path, so abandoned tasks still leave
// a historical record. Blocks until ctx is done.
func (t *Tracker) RunReaper(ctx context.Context, interval, maxAge time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.reapOnce(ctx, maxAge)
		}
	}
}

func (t *Tracker) reapOnce(ctx context.Context, maxAge time.Duration) {
	cutoff := t.clock.Now().Add(-maxAge)

	t.mu.RLock()
	stale := make([]string, 0)
	for taskID, s := range t.live {
		if s.StartedAt.Before(cutoff) {
			stale = append(stale, taskID)
		}
	}
	t.mu.RUnlock()

	for _, taskID := range stale {
		t.logger.Warn("reaping stale session",
			zap.String("task_id", taskID),
			zap.Duration("max_age", maxAge),
		)
		t.Finish(taskID, diag.Outcome{Error: "session reaped after timeout"})
		if err := t.End(ctx, taskID); err != nil {
			t.logger.Error("reap persist failed", zap.String("task_id", taskID), zap.Error(err))
		}
	}
}
