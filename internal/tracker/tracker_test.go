package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/canvasgrab/scrape-diagnostics/internal/diag"
	"github.com/canvasgrab/scrape-diagnostics/internal/storage/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeSampler struct{ snap diag.MemorySnapshot }

func (s *fakeSampler) Sample() diag.MemorySnapshot { return s.snap }

func newTestTracker() (*Tracker, *memory.Store, *fakeClock) {
	store := memory.New()
	clock := newFakeClock()
	sampler := &fakeSampler{snap: diag.MemorySnapshot{HeapUsedMB: 64.25, HeapTotalMB: 128, RSSMB: 200}}
	tr := New(store, sampler, clock, Config{}, nil)
	return tr, store, clock
}

func TestCheckpointRecordsDistinctStages(t *testing.T) {
	t.Parallel()

	tr, _, clock := newTestTracker()
	tr.Start("task-1", "job-1", "https://example.com/art/99")

	stages := []diag.Stage{diag.StageNavigation, diag.StagePageLoad, diag.StageMetadataCapture}
	for _, stage := range stages {
		clock.Advance(250 * time.Millisecond)
		tr.Checkpoint("task-1", stage, nil)
	}
	clock.Advance(time.Second)
	tr.Finish("task-1", diag.Outcome{Success: true})

	s, ok := tr.Session("task-1")
	require.True(t, ok)
	require.Len(t, s.Stages, len(stages))
	for _, stage := range stages {
		cp := s.Stages[stage]
		require.NotNil(t, cp, "missing checkpoint for %s", stage)
		require.GreaterOrEqual(t, cp.ElapsedMs, int64(0))
		require.LessOrEqual(t, cp.ElapsedMs, s.DurationMs)
		require.Equal(t, 64.25, cp.Memory.HeapUsedMB)
	}
}

func TestCheckpointMergesDetailAndOverwrites(t *testing.T) {
	t.Parallel()

	tr, _, clock := newTestTracker()
	tr.Start("task-1", "job-1", "https://example.com")

	tr.Checkpoint("task-1", diag.StageNavigation, &diag.StageDetail{
		Navigation: &diag.NavigationDetail{Attempt: 1, MaxAttempts: 3},
	})
	clock.Advance(time.Second)
	tr.Checkpoint("task-1", diag.StageNavigation, &diag.StageDetail{
		Navigation: &diag.NavigationDetail{Attempt: 2, MaxAttempts: 3},
	})

	s, _ := tr.Session("task-1")
	require.Len(t, s.Stages, 1)
	cp := s.Stages[diag.StageNavigation]
	require.Equal(t, 2, cp.Detail.Navigation.Attempt)
	require.Equal(t, int64(1000), cp.ElapsedMs)
}

func TestCheckpointUnknownStageIgnored(t *testing.T) {
	t.Parallel()

	tr, _, _ := newTestTracker()
	tr.Start("task-1", "job-1", "https://example.com")
	tr.Checkpoint("task-1", diag.Stage("made-up"), nil)

	s, _ := tr.Session("task-1")
	require.Empty(t, s.Stages)
}

func TestStartTwiceKeepsFirstSession(t *testing.T) {
	t.Parallel()

	tr, _, _ := newTestTracker()
	tr.Start("task-1", "job-1", "https://example.com/a")
	tr.Start("task-1", "job-2", "https://example.com/b")

	s, ok := tr.Session("task-1")
	require.True(t, ok)
	require.Equal(t, "job-1", s.JobID)
	require.Equal(t, 1, tr.LiveCount())
}

func TestMissingSessionOperationsAreNoOps(t *testing.T) {
	t.Parallel()

	tr, store, _ := newTestTracker()

	tr.Checkpoint("ghost", diag.StageNavigation, nil)
	tr.BeginAttempt("ghost", "viewport-render", 1, time.Now())
	tr.RecordAttemptResult("ghost", 1, true, "", nil, nil)
	tr.MergeProcessState("ghost", diag.ProcessStateDelta{TaskNumber: diag.IntPtr(1)})
	tr.Finish("ghost", diag.Outcome{Success: true})
	require.NoError(t, tr.SaveDiagnostics(context.Background(), "ghost", Artifacts{Screenshot: []byte("png")}))
	require.NoError(t, tr.End(context.Background(), "ghost"))

	require.Equal(t, 0, tr.LiveCount())
	require.Equal(t, 0, store.FileCount())
}

func TestAttemptResultsInAnyOrder(t *testing.T) {
	t.Parallel()

	tr, _, clock := newTestTracker()
	tr.Start("task-1", "job-1", "https://example.com")

	methods := []string{"viewport-render", "blob-intercept", "devtools-capture"}
	for i, method := range methods {
		tr.BeginAttempt("task-1", method, i+1, clock.Now())
		clock.Advance(50 * time.Millisecond)
	}

	// Results arrive out of rank order; ranks 2 and 3 succeed.
	tr.RecordAttemptResult("task-1", 3, true, "", nil, nil)
	tr.RecordAttemptResult("task-1", 1, false, "canvas tainted", nil, nil)
	tr.RecordAttemptResult("task-1", 2, true, "", nil, &diag.ExtractionResult{Format: "png", Bytes: 1024})

	s, _ := tr.Session("task-1")
	ext := s.Stages[diag.StageCanvasExtraction].Detail.Extraction
	require.Len(t, ext.Methods, 3)
	require.Equal(t, "blob-intercept", ext.SuccessfulMethod,
		"lowest successful rank wins regardless of result order")

	for _, attempt := range ext.Methods {
		require.NotNil(t, attempt.EndedAt)
		require.GreaterOrEqual(t, attempt.DurationMs, int64(0))
	}
}

func TestAttemptResultAllFailuresLeavesMethodUnset(t *testing.T) {
	t.Parallel()

	tr, _, clock := newTestTracker()
	tr.Start("task-1", "job-1", "https://example.com")

	tr.BeginAttempt("task-1", "viewport-render", 1, clock.Now())
	tr.BeginAttempt("task-1", "blob-intercept", 2, clock.Now())
	tr.RecordAttemptResult("task-1", 1, false, "timeout", nil, nil)
	tr.RecordAttemptResult("task-1", 2, false, "no canvas", nil, nil)

	s, _ := tr.Session("task-1")
	ext := s.Stages[diag.StageCanvasExtraction].Detail.Extraction
	require.Empty(t, ext.SuccessfulMethod)
}

func TestAttemptResultUnknownRankIsNoOp(t *testing.T) {
	t.Parallel()

	tr, _, clock := newTestTracker()
	tr.Start("task-1", "job-1", "https://example.com")
	tr.BeginAttempt("task-1", "viewport-render", 1, clock.Now())

	tr.RecordAttemptResult("task-1", 7, true, "", nil, nil)

	s, _ := tr.Session("task-1")
	ext := s.Stages[diag.StageCanvasExtraction].Detail.Extraction
	require.Len(t, ext.Methods, 1)
	require.False(t, ext.Methods[0].Success)
	require.Nil(t, ext.Methods[0].EndedAt)
	require.Empty(t, ext.SuccessfulMethod)
}

func TestBeginAttemptSeedsStageWithAttemptStart(t *testing.T) {
	t.Parallel()

	tr, _, clock := newTestTracker()
	tr.Start("task-1", "job-1", "https://example.com")

	clock.Advance(2 * time.Second)
	started := clock.Now()
	tr.BeginAttempt("task-1", "viewport-render", 1, started)

	s, _ := tr.Session("task-1")
	cp := s.Stages[diag.StageCanvasExtraction]
	require.Equal(t, started, cp.Timestamp)
	require.Equal(t, int64(2000), cp.ElapsedMs)
}

func TestDuplicateRankIgnored(t *testing.T) {
	t.Parallel()

	tr, _, clock := newTestTracker()
	tr.Start("task-1", "job-1", "https://example.com")
	tr.BeginAttempt("task-1", "viewport-render", 1, clock.Now())
	tr.BeginAttempt("task-1", "blob-intercept", 1, clock.Now())

	s, _ := tr.Session("task-1")
	ext := s.Stages[diag.StageCanvasExtraction].Detail.Extraction
	require.Len(t, ext.Methods, 1)
	require.Equal(t, "viewport-render", ext.Methods[0].Method)
}

func TestMergeProcessState(t *testing.T) {
	t.Parallel()

	tr, _, _ := newTestTracker()
	tr.Start("task-1", "job-1", "https://example.com")

	tr.MergeProcessState("task-1", diag.ProcessStateDelta{
		TaskNumber:    diag.IntPtr(7),
		MemoryAtStart: &diag.MemorySnapshot{HeapUsedMB: 10},
	})
	tr.MergeProcessState("task-1", diag.ProcessStateDelta{
		BrowserRestarts: diag.IntPtr(2),
	})

	s, _ := tr.Session("task-1")
	require.Equal(t, 7, s.Process.TaskNumber)
	require.Equal(t, 2, s.Process.BrowserRestarts)
	require.NotNil(t, s.Process.MemoryAtStart)
	require.Equal(t, 10.0, s.Process.MemoryAtStart.HeapUsedMB)
	require.Nil(t, s.Process.MemoryAtEnd)
}

func TestEndPersistsRecordAndSummary(t *testing.T) {
	t.Parallel()

	tr, store, clock := newTestTracker()
	tr.Start("task-1", "job-1", "https://example.com")
	start := clock.Now()

	tr.BeginAttempt("task-1", "viewport-render", 1, clock.Now())
	clock.Advance(100 * time.Millisecond)
	tr.RecordAttemptResult("task-1", 1, true, "", nil, nil)
	tr.Checkpoint("task-1", diag.StageMetadataCapture, &diag.StageDetail{
		Metadata: &diag.MetadataDetail{Success: true},
	})
	clock.Advance(time.Second)
	tr.Finish("task-1", diag.Outcome{Success: true})

	ctx := context.Background()
	require.NoError(t, tr.End(ctx, "task-1"))
	require.Equal(t, 0, tr.LiveCount())

	recordPath := fmt.Sprintf("sessions/task-1_%d.json", start.UnixMilli())
	data, err := store.ReadFile(ctx, recordPath)
	require.NoError(t, err)

	var persisted diag.Session
	require.NoError(t, json.Unmarshal(data, &persisted))
	require.Equal(t, "task-1", persisted.TaskID)
	require.True(t, persisted.Outcome.Success)
	require.NotNil(t, persisted.EndedAt)

	summaryData, err := store.ReadFile(ctx, "sessions/summary.ndjson")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(summaryData), "\n"), "\n")
	require.Len(t, lines, 1)

	var summary diag.Summary
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &summary))
	require.Equal(t, "task-1", summary.TaskID)
	require.Equal(t, "job-1", summary.JobID)
	require.True(t, summary.Success)
	require.False(t, summary.Skipped)
	require.Equal(t, "viewport-render", summary.SuccessfulMethod)
	require.Equal(t, 1, summary.TotalMethodAttempts)
	require.True(t, summary.MetadataSuccess)
	require.Equal(t, int64(1100), summary.DurationMs)

	// Ending again is a safe no-op: no second summary line.
	require.NoError(t, tr.End(ctx, "task-1"))
	summaryData, err = store.ReadFile(ctx, "sessions/summary.ndjson")
	require.NoError(t, err)
	require.Len(t, strings.Split(strings.TrimRight(string(summaryData), "\n"), "\n"), 1)
}

func TestEndWithoutFinishUsesDefaultOutcome(t *testing.T) {
	t.Parallel()

	tr, store, clock := newTestTracker()
	tr.Start("task-1", "job-1", "https://example.com")
	start := clock.Now()
	clock.Advance(3 * time.Second)

	ctx := context.Background()
	require.NoError(t, tr.End(ctx, "task-1"))

	data, err := store.ReadFile(ctx, fmt.Sprintf("sessions/task-1_%d.json", start.UnixMilli()))
	require.NoError(t, err)
	var persisted diag.Session
	require.NoError(t, json.Unmarshal(data, &persisted))
	require.False(t, persisted.Outcome.Success)
	require.Equal(t, int64(3000), persisted.DurationMs)
}

func TestEndPersistFailureKeepsSessionLive(t *testing.T) {
	t.Parallel()

	tr, store, _ := newTestTracker()
	tr.Start("task-1", "job-1", "https://example.com")

	store.FailWrites = true
	err := tr.End(context.Background(), "task-1")
	require.Error(t, err)
	require.Equal(t, 1, tr.LiveCount())

	store.FailWrites = false
	require.NoError(t, tr.End(context.Background(), "task-1"))
	require.Equal(t, 0, tr.LiveCount())
}

func TestSaveDiagnosticsWritesArtifacts(t *testing.T) {
	t.Parallel()

	tr, store, _ := newTestTracker()
	tr.Start("task-1", "job-1", "https://example.com")

	ctx := context.Background()
	require.NoError(t, tr.SaveDiagnostics(ctx, "task-1", Artifacts{
		Screenshot:    []byte("fake-png"),
		HTMLSnapshot:  []byte("<html></html>"),
		ConsoleLogs:   []string{"error: canvas tainted"},
		NetworkErrors: []string{"GET /img 403"},
	}))

	s, _ := tr.Session("task-1")
	require.Equal(t, "sessions/diagnostics/task-1/screenshot.png", s.Diagnostics.ScreenshotPath)
	require.Equal(t, "sessions/diagnostics/task-1/page.html", s.Diagnostics.HTMLPath)

	data, err := store.ReadFile(ctx, "sessions/diagnostics/task-1/screenshot.png")
	require.NoError(t, err)
	require.Equal(t, []byte("fake-png"), data)

	logs, err := store.ReadFile(ctx, "sessions/diagnostics/task-1/console.log")
	require.NoError(t, err)
	require.Equal(t, "error: canvas tainted\n", string(logs))

	// Last write wins per field; untouched fields survive.
	require.NoError(t, tr.SaveDiagnostics(ctx, "task-1", Artifacts{Screenshot: []byte("newer-png")}))
	data, err = store.ReadFile(ctx, "sessions/diagnostics/task-1/screenshot.png")
	require.NoError(t, err)
	require.Equal(t, []byte("newer-png"), data)
	require.Equal(t, "sessions/diagnostics/task-1/page.html", s.Diagnostics.HTMLPath)
}

func TestConcurrentSessionsAcrossTasks(t *testing.T) {
	t.Parallel()

	tr, store, clock := newTestTracker()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			taskID := fmt.Sprintf("task-%d", n)
			tr.Start(taskID, "job-1", "https://example.com")
			tr.Checkpoint(taskID, diag.StageNavigation, nil)
			tr.BeginAttempt(taskID, "viewport-render", 1, clock.Now())
			tr.RecordAttemptResult(taskID, 1, true, "", nil, nil)
			tr.Finish(taskID, diag.Outcome{Success: true})
			if err := tr.End(ctx, taskID); err != nil {
				t.Errorf("End(%s) error = %v", taskID, err)
			}
		}(i)
	}
	wg.Wait()

	require.Equal(t, 0, tr.LiveCount())
	// 16 session records plus the shared summary log.
	require.Equal(t, 17, store.FileCount())
}

func TestReaperForceEndsStaleSessions(t *testing.T) {
	t.Parallel()

	tr, store, clock := newTestTracker()
	tr.Start("stale", "job-1", "https://example.com")
	clock.Advance(20 * time.Minute)
	tr.Start("fresh", "job-1", "https://example.com")

	tr.reapOnce(context.Background(), 15*time.Minute)

	require.Equal(t, 1, tr.LiveCount())
	_, stillLive := tr.Session("fresh")
	require.True(t, stillLive)

	summaryData, err := store.ReadFile(context.Background(), "sessions/summary.ndjson")
	require.NoError(t, err)
	var summary diag.Summary
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(string(summaryData))), &summary))
	require.Equal(t, "stale", summary.TaskID)
	require.False(t, summary.Success)
	require.Equal(t, "session reaped after timeout", summary.Error)
}
