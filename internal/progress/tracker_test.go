package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/autopilot/internal/events"
	"github.com/aristath/autopilot/internal/metrics"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func sequentialIDs() func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("s%d", n)
	}
}

func newTestTracker(t *testing.T, dir string, clock *fakeClock, opts ...Option) *Tracker {
	t.Helper()
	opts = append([]Option{WithClock(clock.Now), WithIDGenerator(sequentialIDs())}, opts...)
	tr, err := New(Config{Dir: dir}, opts...)
	require.NoError(t, err)
	return tr
}

func TestStartSession(t *testing.T) {
	dir := t.TempDir()
	clock := newFakeClock()
	tr := newTestTracker(t, dir, clock)
	ctx := context.Background()

	s, err := tr.StartSession(ctx, "demo", true, map[string]any{"owner": "ci"})
	require.NoError(t, err)

	assert.Equal(t, "s1", s.SessionID)
	assert.Equal(t, SessionInProgress, s.Status)
	assert.True(t, s.AutonomousMode)
	assert.Equal(t, clock.Now(), s.StartedAt)
	require.Len(t, s.Milestones, 1)
	assert.Equal(t, SessionStartedMilestone, s.Milestones[0].Name)
	assert.Equal(t, "s1_session_started_0", s.Milestones[0].ID)
	assert.Equal(t, MilestoneCompleted, s.Milestones[0].Status)
	assert.Nil(t, s.CompletedAt)

	assert.FileExists(t, filepath.Join(dir, "s1.json"))
}

func TestSessionScenario(t *testing.T) {
	clock := newFakeClock()
	tr := newTestTracker(t, t.TempDir(), clock)
	ctx := context.Background()

	s, err := tr.StartSession(ctx, "demo", false, nil)
	require.NoError(t, err)

	_, err = tr.UpdateProgress(ctx, s.SessionID, "t1", TaskCompleted, Result{Output: "ok"})
	require.NoError(t, err)

	status, err := tr.GetStatus(s.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 1, status.TasksCompleted)
	assert.Equal(t, 100.0, status.CompletionPercentage)

	clock.Advance(time.Minute)
	require.NoError(t, tr.SetSessionStatus(ctx, s.SessionID, SessionCompleted))

	status, err = tr.GetStatus(s.SessionID)
	require.NoError(t, err)
	assert.Equal(t, SessionCompleted, status.Status)
	assert.True(t, status.Status.Terminal())
	require.NotNil(t, status.CompletedAt)
	assert.Equal(t, clock.Now(), *status.CompletedAt)
}

func TestCompletionPercentage(t *testing.T) {
	tr := newTestTracker(t, t.TempDir(), newFakeClock())
	ctx := context.Background()

	s, err := tr.StartSession(ctx, "plan", false, map[string]any{"total_tasks": 4})
	require.NoError(t, err)
	assert.Equal(t, 4, s.TasksTotal)

	_, err = tr.UpdateProgress(ctx, s.SessionID, "a", TaskCompleted, Result{})
	require.NoError(t, err)
	_, err = tr.UpdateProgress(ctx, s.SessionID, "b", TaskInProgress, Result{})
	require.NoError(t, err)

	status, err := tr.GetStatus(s.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 25.0, status.CompletionPercentage)
	assert.Equal(t, 100*float64(status.TasksCompleted)/float64(status.TasksTotal), status.CompletionPercentage)
}

func TestUpdateProgress_TaskLifecycle(t *testing.T) {
	clock := newFakeClock()
	tr := newTestTracker(t, t.TempDir(), clock)
	ctx := context.Background()
	s, err := tr.StartSession(ctx, "plan", false, nil)
	require.NoError(t, err)
	start := clock.Now()

	task, err := tr.UpdateProgress(ctx, s.SessionID, "t1", TaskInProgress, Result{})
	require.NoError(t, err)
	assert.Equal(t, start, task.StartedAt)
	assert.Nil(t, task.Duration)
	assert.Nil(t, task.CompletedAt)

	clock.Advance(5 * time.Second)
	task, err = tr.UpdateProgress(ctx, s.SessionID, "t1", TaskRetrying, Result{Error: "timeout"})
	require.NoError(t, err)
	assert.Equal(t, 1, task.RetryCount)
	assert.Equal(t, "timeout", task.Error)
	assert.Nil(t, task.Duration)

	clock.Advance(5 * time.Second)
	task, err = tr.UpdateProgress(ctx, s.SessionID, "t1", TaskCompleted, Result{Output: "done"})
	require.NoError(t, err)
	require.NotNil(t, task.Duration)
	assert.Equal(t, 10.0, *task.Duration)
	assert.Equal(t, start, task.StartedAt)
	assert.Equal(t, "done", task.Output)

	// Repeating a completion does not double count.
	_, err = tr.UpdateProgress(ctx, s.SessionID, "t1", TaskCompleted, Result{})
	require.NoError(t, err)
	status, err := tr.GetStatus(s.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 1, status.TasksCompleted)

	_, err = tr.UpdateProgress(ctx, s.SessionID, "t1", TaskFailed, Result{})
	require.NoError(t, err)
	status, err = tr.GetStatus(s.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 0, status.TasksCompleted)
	assert.LessOrEqual(t, status.TasksCompleted, status.TasksTotal)
}

func TestUpdateProgress_SkippedHasNoDuration(t *testing.T) {
	tr := newTestTracker(t, t.TempDir(), newFakeClock())
	ctx := context.Background()
	s, err := tr.StartSession(ctx, "plan", false, nil)
	require.NoError(t, err)

	task, err := tr.UpdateProgress(ctx, s.SessionID, "t1", TaskSkipped, Result{})
	require.NoError(t, err)
	assert.NotNil(t, task.CompletedAt)
	assert.Nil(t, task.Duration)

	task, err = tr.UpdateProgress(ctx, s.SessionID, "t2", TaskError, Result{Error: "boom"})
	require.NoError(t, err)
	assert.NotNil(t, task.Duration)
}

func TestMilestones(t *testing.T) {
	clock := newFakeClock()
	tr := newTestTracker(t, t.TempDir(), clock)
	ctx := context.Background()
	s, err := tr.StartSession(ctx, "plan", false, nil)
	require.NoError(t, err)

	m, err := tr.AddMilestone(ctx, s.SessionID, "build", "compile everything", map[string]any{"stage": 1})
	require.NoError(t, err)
	assert.Equal(t, "s1_build_1", m.ID)
	assert.Equal(t, MilestonePending, m.Status)

	require.NoError(t, tr.StartMilestone(ctx, s.SessionID, m.ID))
	clock.Advance(time.Second)
	require.NoError(t, tr.CompleteMilestone(ctx, s.SessionID, m.ID))

	status, err := tr.GetStatus(s.SessionID)
	require.NoError(t, err)
	got := status.Milestones[1]
	assert.Equal(t, MilestoneCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, clock.Now(), *got.CompletedAt)

	// Never backward.
	err = tr.StartMilestone(ctx, s.SessionID, m.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	err = tr.FinishMilestone(ctx, s.SessionID, m.ID, MilestoneFailed)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	err = tr.CompleteMilestone(ctx, s.SessionID, "nope")
	assert.ErrorIs(t, err, ErrMilestoneNotFound)
}

func TestMilestones_FinishFromPending(t *testing.T) {
	tr := newTestTracker(t, t.TempDir(), newFakeClock())
	ctx := context.Background()
	s, err := tr.StartSession(ctx, "plan", false, nil)
	require.NoError(t, err)

	m, err := tr.AddMilestone(ctx, s.SessionID, "docs", "", nil)
	require.NoError(t, err)

	err = tr.FinishMilestone(ctx, s.SessionID, m.ID, MilestonePending)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	require.NoError(t, tr.FinishMilestone(ctx, s.SessionID, m.ID, MilestoneSkipped))
	status, err := tr.GetStatus(s.SessionID)
	require.NoError(t, err)
	assert.Equal(t, MilestoneSkipped, status.Milestones[1].Status)
}

func TestMilestoneIDsUseIndex(t *testing.T) {
	tr := newTestTracker(t, t.TempDir(), newFakeClock())
	ctx := context.Background()
	s, err := tr.StartSession(ctx, "plan", false, nil)
	require.NoError(t, err)

	a, err := tr.AddMilestone(ctx, s.SessionID, "step", "", nil)
	require.NoError(t, err)
	b, err := tr.AddMilestone(ctx, s.SessionID, "step", "", nil)
	require.NoError(t, err)

	assert.Equal(t, "s1_step_1", a.ID)
	assert.Equal(t, "s1_step_2", b.ID)
}

func TestSetSessionStatus_Transitions(t *testing.T) {
	tests := []struct {
		name    string
		path    []SessionStatus
		wantErr bool
	}{
		{"pause and resume", []SessionStatus{SessionPaused, SessionInProgress, SessionCompleted}, false},
		{"cancel while paused", []SessionStatus{SessionPaused, SessionCancelled}, false},
		{"fail", []SessionStatus{SessionFailed}, false},
		{"same status is a no-op", []SessionStatus{SessionInProgress}, false},
		{"no resurrection", []SessionStatus{SessionCompleted, SessionInProgress}, true},
		{"paused cannot complete", []SessionStatus{SessionPaused, SessionCompleted}, true},
		{"no way back to initializing", []SessionStatus{SessionInitializing}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := newTestTracker(t, t.TempDir(), newFakeClock())
			ctx := context.Background()
			s, err := tr.StartSession(ctx, "plan", false, nil)
			require.NoError(t, err)

			var last error
			for _, status := range tt.path {
				if last = tr.SetSessionStatus(ctx, s.SessionID, status); last != nil {
					break
				}
			}
			if tt.wantErr {
				assert.ErrorIs(t, last, ErrInvalidTransition)
			} else {
				assert.NoError(t, last)
			}

			status, err := tr.GetStatus(s.SessionID)
			require.NoError(t, err)
			assert.Equal(t, status.Status.Terminal(), status.CompletedAt != nil)
		})
	}
}

func TestSessionNotFound(t *testing.T) {
	tr := newTestTracker(t, t.TempDir(), newFakeClock())
	ctx := context.Background()

	_, err := tr.GetStatus("missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = tr.UpdateProgress(ctx, "missing", "t1", TaskCompleted, Result{})
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = tr.AddMilestone(ctx, "missing", "m", "", nil)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.ErrorIs(t, tr.SetSessionStatus(ctx, "missing", SessionFailed), ErrSessionNotFound)
	_, err = tr.GenerateReport("missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestInvalidSessionID(t *testing.T) {
	tr, err := New(Config{Dir: t.TempDir()}, WithIDGenerator(func() string { return "../escape" }))
	require.NoError(t, err)

	_, err = tr.StartSession(context.Background(), "plan", false, nil)
	assert.ErrorIs(t, err, ErrInvalidSessionID)
}

func TestGetStatusReturnsCopy(t *testing.T) {
	tr := newTestTracker(t, t.TempDir(), newFakeClock())
	ctx := context.Background()
	s, err := tr.StartSession(ctx, "plan", false, nil)
	require.NoError(t, err)
	_, err = tr.UpdateProgress(ctx, s.SessionID, "t1", TaskCompleted, Result{})
	require.NoError(t, err)

	snapshot, err := tr.GetStatus(s.SessionID)
	require.NoError(t, err)
	snapshot.Tasks["t1"].Status = TaskFailed
	*snapshot.Tasks["t1"].Duration = 999
	snapshot.Milestones[0].Status = MilestonePending
	snapshot.Metrics["x"] = 1

	fresh, err := tr.GetStatus(s.SessionID)
	require.NoError(t, err)
	assert.Equal(t, TaskCompleted, fresh.Tasks["t1"].Status)
	assert.Equal(t, 0.0, *fresh.Tasks["t1"].Duration)
	assert.Equal(t, MilestoneCompleted, fresh.Milestones[0].Status)
	assert.Empty(t, fresh.Metrics)
}

func TestPersistReloadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	clock := newFakeClock()
	ctx := context.Background()

	first := newTestTracker(t, dir, clock)
	s, err := first.StartSession(ctx, "demo", true, map[string]any{"total_tasks": 3})
	require.NoError(t, err)
	_, err = first.UpdateProgress(ctx, s.SessionID, "t1", TaskCompleted, Result{Output: "ok"})
	require.NoError(t, err)
	_, err = first.UpdateProgress(ctx, s.SessionID, "t2", TaskRetrying, Result{Error: "flaky"})
	require.NoError(t, err)
	m, err := first.AddMilestone(ctx, s.SessionID, "halfway", "", nil)
	require.NoError(t, err)
	require.NoError(t, first.StartMilestone(ctx, s.SessionID, m.ID))
	require.NoError(t, first.RecordMetric(ctx, s.SessionID, "tokens", 1200))
	clock.Advance(time.Minute)
	require.NoError(t, first.SetSessionStatus(ctx, s.SessionID, SessionPaused))

	want, err := first.GetStatus(s.SessionID)
	require.NoError(t, err)

	second := newTestTracker(t, dir, clock)
	n, err := second.LoadAllSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := second.GetStatus(s.SessionID)
	require.NoError(t, err)

	assert.Equal(t, want.Status, got.Status)
	assert.Equal(t, want.TasksTotal, got.TasksTotal)
	assert.Equal(t, want.TasksCompleted, got.TasksCompleted)
	assert.Equal(t, want.CompletionPercentage, got.CompletionPercentage)
	assert.True(t, want.StartedAt.Equal(got.StartedAt))
	require.Len(t, got.Tasks, len(want.Tasks))
	for id, task := range want.Tasks {
		assert.Equal(t, task.Status, got.Tasks[id].Status, id)
		assert.Equal(t, task.RetryCount, got.Tasks[id].RetryCount, id)
		assert.True(t, task.StartedAt.Equal(got.Tasks[id].StartedAt), id)
	}
	require.Len(t, got.Milestones, len(want.Milestones))
	for i, ms := range want.Milestones {
		assert.Equal(t, ms.ID, got.Milestones[i].ID)
		assert.Equal(t, ms.Status, got.Milestones[i].Status)
	}
	assert.Equal(t, 1200.0, got.Metrics["tokens"])

	// Reloaded sessions keep working.
	_, err = second.UpdateProgress(ctx, s.SessionID, "t2", TaskCompleted, Result{})
	require.NoError(t, err)
}

func TestLoadAllSessions_SkipsMalformed(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	clock := newFakeClock()

	first := newTestTracker(t, dir, clock)
	_, err := first.StartSession(ctx, "a", false, nil)
	require.NoError(t, err)
	_, err = first.StartSession(ctx, "b", false, nil)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{not json"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0644))

	second := newTestTracker(t, dir, clock)
	n, err := second.LoadAllSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, second.ListSessions(), 2)
}

func TestPersistedFileFormat(t *testing.T) {
	dir := t.TempDir()
	tr := newTestTracker(t, dir, newFakeClock())
	ctx := context.Background()
	s, err := tr.StartSession(ctx, "demo", false, nil)
	require.NoError(t, err)
	_, err = tr.UpdateProgress(ctx, s.SessionID, "t1", TaskCompleted, Result{})
	require.NoError(t, err)

	raw, err := os.ReadFile(filepath.Join(dir, s.SessionID+".json"))
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, "in_progress", doc["status"])
	assert.Equal(t, "2026-01-10T09:00:00Z", doc["started_at"])
	tasks := doc["tasks"].(map[string]any)
	assert.Equal(t, "completed", tasks["t1"].(map[string]any)["status"])

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestCleanupOldSessions(t *testing.T) {
	dir := t.TempDir()
	clock := newFakeClock()
	tr := newTestTracker(t, dir, clock)
	ctx := context.Background()

	old, err := tr.StartSession(ctx, "old", false, nil)
	require.NoError(t, err)
	require.NoError(t, tr.SetSessionStatus(ctx, old.SessionID, SessionCompleted))

	running, err := tr.StartSession(ctx, "running", false, nil)
	require.NoError(t, err)

	clock.Advance(48 * time.Hour)
	recent, err := tr.StartSession(ctx, "recent", false, nil)
	require.NoError(t, err)
	require.NoError(t, tr.SetSessionStatus(ctx, recent.SessionID, SessionFailed))

	removed, err := tr.CleanupOldSessions(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, []string{old.SessionID}, removed)

	_, err = tr.GetStatus(old.SessionID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.NoFileExists(t, filepath.Join(dir, old.SessionID+".json"))
	assert.FileExists(t, filepath.Join(dir, running.SessionID+".json"))
	assert.FileExists(t, filepath.Join(dir, recent.SessionID+".json"))
}

func TestGenerateReport(t *testing.T) {
	clock := newFakeClock()
	tr := newTestTracker(t, t.TempDir(), clock)
	ctx := context.Background()
	s, err := tr.StartSession(ctx, "plan", false, nil)
	require.NoError(t, err)

	_, err = tr.UpdateProgress(ctx, s.SessionID, "a", TaskInProgress, Result{})
	require.NoError(t, err)
	_, err = tr.UpdateProgress(ctx, s.SessionID, "b", TaskInProgress, Result{})
	require.NoError(t, err)
	_, err = tr.UpdateProgress(ctx, s.SessionID, "c", TaskPending, Result{})
	require.NoError(t, err)
	clock.Advance(4 * time.Second)
	_, err = tr.UpdateProgress(ctx, s.SessionID, "a", TaskRetrying, Result{})
	require.NoError(t, err)
	_, err = tr.UpdateProgress(ctx, s.SessionID, "a", TaskCompleted, Result{})
	require.NoError(t, err)
	clock.Advance(4 * time.Second)
	_, err = tr.UpdateProgress(ctx, s.SessionID, "b", TaskFailed, Result{Error: "x"})
	require.NoError(t, err)
	_, err = tr.AddMilestone(ctx, s.SessionID, "extra", "", nil)
	require.NoError(t, err)

	report, err := tr.GenerateReport(s.SessionID)
	require.NoError(t, err)

	assert.Equal(t, 3, report.TasksTotal)
	assert.Equal(t, 1, report.TasksCompleted)
	assert.InDelta(t, 100.0/3.0, report.CompletionRate, 1e-9)
	assert.Equal(t, map[string]int{"completed": 1, "failed": 1, "pending": 1}, report.TasksByStatus)
	assert.Equal(t, 2, report.MilestonesTotal)
	assert.Equal(t, 1, report.MilestonesCompleted)
	assert.Equal(t, 6.0, report.AverageTaskDuration)
	assert.Equal(t, 1, report.TotalRetries)
	assert.Equal(t, 8.0, report.Elapsed)
}

func TestEventsAndMetrics(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Close()
	all := bus.SubscribeAll(100)
	m := metrics.New(prometheus.NewRegistry())

	tr := newTestTracker(t, t.TempDir(), newFakeClock(), WithEvents(bus), WithMetrics(m))
	ctx := context.Background()
	s, err := tr.StartSession(ctx, "plan", false, nil)
	require.NoError(t, err)
	_, err = tr.UpdateProgress(ctx, s.SessionID, "t1", TaskCompleted, Result{})
	require.NoError(t, err)
	ms, err := tr.AddMilestone(ctx, s.SessionID, "m", "", nil)
	require.NoError(t, err)
	require.NoError(t, tr.CompleteMilestone(ctx, s.SessionID, ms.ID))
	require.NoError(t, tr.SetSessionStatus(ctx, s.SessionID, SessionCompleted))

	var types []string
	for len(all) > 0 {
		types = append(types, (<-all).EventType())
	}
	assert.Equal(t, []string{
		events.EventTypeSessionStarted,
		events.EventTypeTaskProgress,
		events.EventTypeMilestoneChanged,
		events.EventTypeMilestoneChanged,
		events.EventTypeSessionStatus,
	}, types)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionsStarted))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TaskUpdates.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionStatus.WithLabelValues("completed")))
}

type failingStore struct{ err error }

func (f failingStore) Save(context.Context, *SessionProgress) error { return f.err }
func (f failingStore) Delete(context.Context, string) error         { return f.err }
func (f failingStore) LoadAll(context.Context) ([]*SessionProgress, error) {
	return nil, f.err
}

func TestPersistFailureKeepsMemoryState(t *testing.T) {
	diskFull := errors.New("disk full")
	tr := newTestTracker(t, t.TempDir(), newFakeClock(), WithStore(failingStore{err: diskFull}))
	ctx := context.Background()

	s, err := tr.StartSession(ctx, "plan", false, nil)
	require.ErrorIs(t, err, diskFull)
	require.NotNil(t, s)

	task, err := tr.UpdateProgress(ctx, s.SessionID, "t1", TaskCompleted, Result{})
	assert.ErrorIs(t, err, diskFull)
	require.NotNil(t, task)

	status, err := tr.GetStatus(s.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 1, status.TasksCompleted)

	_, err = tr.LoadAllSessions(ctx)
	assert.ErrorIs(t, err, diskFull)
}

func TestConcurrentUpdates(t *testing.T) {
	tr := newTestTracker(t, t.TempDir(), newFakeClock())
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		s, err := tr.StartSession(ctx, "plan", false, nil)
		require.NoError(t, err)
		ids = append(ids, s.SessionID)
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := tr.UpdateProgress(ctx, id, fmt.Sprintf("t%d", i), TaskCompleted, Result{})
				assert.NoError(t, err)
			}()
		}
	}
	wg.Wait()

	for _, id := range ids {
		status, err := tr.GetStatus(id)
		require.NoError(t, err)
		assert.Equal(t, 20, status.TasksCompleted)
		assert.Equal(t, 20, status.TasksTotal)
		assert.Equal(t, 100.0, status.CompletionPercentage)
	}
}

func TestListSessions(t *testing.T) {
	clock := newFakeClock()
	tr := newTestTracker(t, t.TempDir(), clock)
	ctx := context.Background()

	_, err := tr.StartSession(ctx, "first", false, nil)
	require.NoError(t, err)
	clock.Advance(time.Second)
	_, err = tr.StartSession(ctx, "second", false, nil)
	require.NoError(t, err)

	list := tr.ListSessions()
	require.Len(t, list, 2)
	assert.Equal(t, "first", list[0].PlanName)
	assert.Equal(t, "second", list[1].PlanName)
}

func TestStatusJSON(t *testing.T) {
	for _, s := range []SessionStatus{SessionInitializing, SessionInProgress, SessionPaused, SessionCompleted, SessionFailed, SessionCancelled} {
		parsed, err := ParseSessionStatus(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, parsed)
	}
	_, err := ParseTaskStatus("exploded")
	assert.Error(t, err)

	var ms MilestoneStatus
	assert.Error(t, json.Unmarshal([]byte(`"backwards"`), &ms))
}
