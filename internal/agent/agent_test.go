package agent

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/autopilot/internal/history"
	"github.com/aristath/autopilot/internal/metrics"
)

const eps = 1e-9

func actions(steps []NextStep) []string {
	out := make([]string, len(steps))
	for i, s := range steps {
		out[i] = s.Action
	}
	return out
}

func stepByAction(t *testing.T, steps []NextStep, action string) NextStep {
	t.Helper()
	for _, s := range steps {
		if s.Action == action {
			return s
		}
	}
	t.Fatalf("step %q not planned", action)
	return NextStep{}
}

func TestPlanNextSteps_NoDependencies(t *testing.T) {
	a := New(DefaultConfig())

	steps := a.PlanNextSteps(Task{ID: "t1", Type: "build"}, nil)

	assert.Equal(t, []string{StepPrepareEnvironment, StepExecuteTask, StepValidateResults, StepUpdateContext}, actions(steps))
	assert.Empty(t, stepByAction(t, steps, StepPrepareEnvironment).Dependencies)
	assert.InDelta(t, 0.9, stepByAction(t, steps, StepPrepareEnvironment).Confidence, eps)
	assert.InDelta(t, 0.7, stepByAction(t, steps, StepExecuteTask).Confidence, eps)
	assert.InDelta(t, 0.85, stepByAction(t, steps, StepValidateResults).Confidence, eps)
	assert.InDelta(t, 0.95, stepByAction(t, steps, StepUpdateContext).Confidence, eps)
	assert.InDelta(t, 60, stepByAction(t, steps, StepExecuteTask).EstimatedDuration, eps)
}

func TestPlanNextSteps_WithDependencies(t *testing.T) {
	a := New(DefaultConfig())
	task := Task{ID: "t1", Dependencies: []string{"schema", "fixtures"}}

	steps := a.PlanNextSteps(task, map[string]any{"schema": "ok"})

	require.Len(t, steps, 5)
	assert.Equal(t, StepValidatePrerequisites, steps[0].Action)
	assert.InDelta(t, 0.5, steps[0].Confidence, eps)
	assert.Equal(t, []string{StepValidatePrerequisites}, stepByAction(t, steps, StepPrepareEnvironment).Dependencies)
}

func TestPlanNextSteps_DropsLowConfidence(t *testing.T) {
	a := New(DefaultConfig())
	task := Task{ID: "t1", Dependencies: []string{"missing"}}

	steps := a.PlanNextSteps(task, nil)

	assert.NotContains(t, actions(steps), StepValidatePrerequisites)
	assert.Empty(t, stepByAction(t, steps, StepPrepareEnvironment).Dependencies)
	for _, s := range steps {
		assert.GreaterOrEqual(t, s.Confidence, 0.5)
	}
}

func TestPlanNextSteps_DroppedExecuteUnblocksValidation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ExecuteConfidence = 0.6
	a := New(cfg)

	steps := a.PlanNextSteps(Task{ID: "t1", Complexity: ComplexityHigh}, nil)

	assert.Equal(t, []string{StepPrepareEnvironment, StepValidateResults, StepUpdateContext}, actions(steps))
	assert.Empty(t, stepByAction(t, steps, StepValidateResults).Dependencies)
}

func TestPlanNextSteps_HighComplexityKeepsExecute(t *testing.T) {
	a := New(DefaultConfig())

	steps := a.PlanNextSteps(Task{ID: "t1", Type: "deploy", Complexity: ComplexityHigh}, nil)

	assert.Equal(t, []string{StepPrepareEnvironment, StepExecuteTask, StepValidateResults, StepUpdateContext}, actions(steps))
	assert.InDelta(t, 0.5, stepByAction(t, steps, StepExecuteTask).Confidence, eps)
}

func TestPlanNextSteps_PriorityOrderAfterDrops(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ExecuteConfidence = 0.3
	a := New(cfg)

	steps := a.PlanNextSteps(Task{ID: "t1", Dependencies: []string{"missing"}}, nil)

	require.Equal(t, []string{StepPrepareEnvironment, StepValidateResults, StepUpdateContext}, actions(steps))
	for i := 1; i < len(steps); i++ {
		assert.Less(t, steps[i-1].Priority, steps[i].Priority)
	}
}

func TestNew_ZeroFieldsAreKept(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ComplexityAdjustment = 0
	cfg.SimilarTaskBonus = 0
	a := New(cfg)

	steps := a.PlanNextSteps(Task{ID: "t1", Type: "build", Complexity: ComplexityHigh}, map[string]any{
		"completed_tasks": []string{"build", "build"},
	})
	assert.InDelta(t, 0.7, stepByAction(t, steps, StepExecuteTask).Confidence, eps)

	zero := New(Config{}).PlanNextSteps(Task{ID: "t1", Complexity: ComplexityHigh}, nil)
	assert.InDelta(t, 0.5, stepByAction(t, zero, StepExecuteTask).Confidence, eps)
}

func TestPlanNextSteps_Ordering(t *testing.T) {
	a := New(DefaultConfig())

	for _, c := range []Complexity{ComplexityLow, ComplexityMedium, ComplexityHigh, ComplexityCritical} {
		t.Run(c.String(), func(t *testing.T) {
			steps := a.PlanNextSteps(Task{ID: "x", Complexity: c, Dependencies: []string{"d"}}, map[string]any{"d": true})
			pos := map[string]int{}
			for i, s := range steps {
				pos[s.Action] = i
				if i > 0 {
					assert.Less(t, steps[i-1].Priority, s.Priority)
				}
			}
			assert.Less(t, pos[StepPrepareEnvironment], pos[StepExecuteTask])
			assert.Less(t, pos[StepExecuteTask], pos[StepValidateResults])
		})
	}
}

func TestPlanNextSteps_ExecuteConfidence(t *testing.T) {
	a := New(DefaultConfig())

	tests := []struct {
		name string
		task Task
		data map[string]any
		want float64
	}{
		{"medium", Task{Type: "build"}, nil, 0.7},
		{"low", Task{Type: "build", Complexity: ComplexityLow}, nil, 0.9},
		{"high", Task{Type: "build", Complexity: ComplexityHigh}, nil, 0.5},
		{"similar tasks", Task{Type: "build"}, map[string]any{
			"completed_tasks": []any{
				map[string]any{"type": "build"},
				"build",
				map[string]any{"type": "test"},
			},
		}, 0.8},
		{"bonus capped", Task{Type: "build"}, map[string]any{
			"completed_tasks": []string{"build", "build", "build", "build", "build", "build"},
		}, 0.9},
		{"clamped", Task{Type: "build", Complexity: ComplexityLow}, map[string]any{
			"completed_tasks": []string{"build", "build", "build"},
		}, 1.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			steps := a.PlanNextSteps(tt.task, tt.data)
			assert.InDelta(t, tt.want, stepByAction(t, steps, StepExecuteTask).Confidence, eps)
		})
	}
}

func TestEvaluateCompletion(t *testing.T) {
	a := New(DefaultConfig())
	task := Task{ID: "t1"}

	tests := []struct {
		name string
		data map[string]any
		want float64
	}{
		{"complete and validated", map[string]any{
			"result":    map[string]any{"status": "completed"},
			"validated": true,
		}, 0.975},
		{"nothing reported", nil, 0.595},
		{"completed with error", map[string]any{
			"result": map[string]any{"status": "completed", "error": "boom"},
		}, 0.725},
		{"missing required context", map[string]any{
			"result":                map[string]any{"status": "completed"},
			"validated":             true,
			"required_context_keys": []string{"result", "artifact"},
		}, 0.875},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, a.EvaluateCompletion(task, tt.data).Score, eps)
		})
	}
}

func TestEvaluateCompletion_Rationale(t *testing.T) {
	a := New(DefaultConfig())

	done := a.EvaluateCompletion(Task{ID: "t1"}, map[string]any{
		"result":    map[string]any{"status": "completed"},
		"validated": true,
	})
	assert.Equal(t, "task t1 appears complete", done.Rationale)

	failing := a.EvaluateCompletion(Task{ID: "t1"}, map[string]any{
		"result": map[string]any{"status": "failed", "error": "x"},
	})
	assert.Contains(t, failing.Rationale, "execution has not reported completion")
	assert.Contains(t, failing.Rationale, "result reports an error")
	assert.Contains(t, failing.Rationale, "results are not validated")
}

func TestLearnFromFeedback_LearningRate(t *testing.T) {
	a := New(DefaultConfig())
	task := Task{ID: "t1", Type: "build"}

	a.LearnFromFeedback(task, nil, OutcomeSuccess)
	assert.InDelta(t, 0.11, a.Metrics().LearningRate, eps)

	for i := 0; i < 50; i++ {
		a.LearnFromFeedback(task, nil, OutcomeSuccess)
	}
	assert.InDelta(t, 0.5, a.Metrics().LearningRate, eps)

	a.LearnFromFeedback(task, nil, OutcomeFailure)
	assert.InDelta(t, 0.45, a.Metrics().LearningRate, eps)

	for i := 0; i < 100; i++ {
		a.LearnFromFeedback(task, nil, OutcomeFailure)
	}
	assert.InDelta(t, 0.01, a.Metrics().LearningRate, eps)

	m := a.Metrics()
	assert.Equal(t, 51, m.SuccessfulTasks)
	assert.Equal(t, 101, m.FailedTasks)
	assert.Len(t, a.FeedbackHistory(), 152)
}

func TestShouldAutonomouslyProceed(t *testing.T) {
	a := New(DefaultConfig())
	high := Confidence{Score: 0.9}
	low := Confidence{Score: 0.69}

	tests := []struct {
		name       string
		task       Task
		confidence Confidence
		threshold  float64
		want       bool
	}{
		{"confident", Task{}, high, 0.7, true},
		{"below threshold", Task{}, low, 0.7, false},
		{"below threshold with low risk", Task{RiskLevel: "low"}, low, 0.7, false},
		{"default threshold", Task{}, low, 0, false},
		{"critical risk", Task{RiskLevel: "Critical"}, high, 0.7, false},
		{"critical substring", Task{RiskLevel: "business-critical"}, high, 0.7, false},
		{"needs approval", Task{RequiresApproval: true}, high, 0.7, false},
		{"approved", Task{RequiresApproval: true, Approved: true}, high, 0.7, true},
		{"exact threshold", Task{}, Confidence{Score: 0.7}, 0.7, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, a.ShouldAutonomouslyProceed(tt.task, tt.confidence, tt.threshold))
		})
	}
}

func TestEstimateCompletionTime(t *testing.T) {
	a := New(DefaultConfig())

	tests := []struct {
		complexity Complexity
		want       time.Duration
	}{
		{ComplexityLow, 30 * time.Second},
		{ComplexityMedium, 60 * time.Second},
		{ComplexityHigh, 120 * time.Second},
		{ComplexityCritical, 180 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.complexity.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, a.EstimateCompletionTime(Task{Complexity: tt.complexity}, nil))
		})
	}
}

func TestEstimateCompletionTime_LowSuccessRate(t *testing.T) {
	a := New(DefaultConfig())
	a.LearnFromFeedback(Task{ID: "f", Type: "deploy"}, nil, OutcomeFailure)

	assert.Equal(t, 180*time.Second, a.EstimateCompletionTime(Task{Type: "other", Complexity: ComplexityHigh}, nil))
}

func TestEstimateCompletionTime_UsesReportedTimes(t *testing.T) {
	a := New(DefaultConfig())
	a.LearnFromFeedback(Task{ID: "b1", Type: "build"}, map[string]any{"completion_time": 40.0}, OutcomeSuccess)
	a.LearnFromFeedback(Task{ID: "b2", Type: "build"}, map[string]any{"completion_time": 80}, OutcomeSuccess)

	assert.Equal(t, 60*time.Second, a.EstimateCompletionTime(Task{Type: "build", Complexity: ComplexityCritical}, nil))
	assert.Equal(t, 30*time.Second, a.EstimateCompletionTime(Task{Type: "lint", Complexity: ComplexityLow}, nil))
}

func TestEstimateCompletionTime_KeepsRecentSamples(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DurationSamples = 2
	a := New(cfg)

	for _, secs := range []float64{10, 20, 90} {
		a.LearnFromFeedback(Task{ID: "b", Type: "build"}, map[string]any{"completion_time": secs}, OutcomeSuccess)
	}

	assert.Equal(t, 55*time.Second, a.EstimateCompletionTime(Task{Type: "build"}, nil))
	assert.Equal(t, 2, a.durations["build"].Len())
}

func TestRequestHelp(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a := New(DefaultConfig(),
		WithMetrics(m),
		WithClock(func() time.Time { return now }),
		WithIDGenerator(func() string { return "req-1" }))

	req := a.RequestHelp(Task{ID: "t1", Type: "network"}, "Permission error while fetching", map[string]any{"host": "db"}, UrgencyHigh)

	assert.Equal(t, "req-1", req.ID)
	assert.Equal(t, "pending", req.Status)
	assert.Equal(t, now, req.Timestamp)
	assert.Equal(t, map[string]any{"host": "db"}, req.Context)
	require.Len(t, req.SuggestedActions, 6)
	assert.Contains(t, req.SuggestedActions, "Verify credentials and access tokens")
	assert.Contains(t, req.SuggestedActions, "Check network connectivity and endpoint availability")
	assert.Equal(t, 1, a.Metrics().HelpRequests)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HelpRequests.WithLabelValues("high")))
}

func TestRequestHelp_Suggestions(t *testing.T) {
	a := New(DefaultConfig())

	tests := []struct {
		name  string
		task  Task
		issue string
		want  string
		count int
	}{
		{"dependency", Task{}, "missing dependency libfoo", "Install the missing dependencies", 2},
		{"file operation", Task{Type: "file_operation"}, "stuck", "Verify the file paths exist and are accessible", 1},
		{"fallback", Task{}, "not sure what to do", "Retry the task manually", 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := a.RequestHelp(tt.task, tt.issue, nil, UrgencyLow)
			assert.Len(t, req.SuggestedActions, tt.count)
			assert.Contains(t, req.SuggestedActions, tt.want)
		})
	}
}

func TestRequestHelp_TruncatesSnapshot(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SnapshotKeys = 2
	cfg.SnapshotValueLength = 5
	a := New(cfg)

	req := a.RequestHelp(Task{ID: "t"}, "help", map[string]any{
		"a": "abcdefghij",
		"b": []string{"one", "two"},
		"c": "dropped",
	}, UrgencyMedium)

	assert.Equal(t, map[string]any{"a": "abcde...", "b": "[one ..."}, req.Context)
}

func TestRequestHelp_UniqueIDs(t *testing.T) {
	a := New(DefaultConfig())

	first := a.RequestHelp(Task{ID: "t"}, "x", nil, UrgencyLow)
	second := a.RequestHelp(Task{ID: "t"}, "x", nil, UrgencyLow)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestSinkReceivesFeedbackAndHelp(t *testing.T) {
	var mu sync.Mutex
	kinds := map[string]int{}
	sink := history.SinkFunc(func(_ context.Context, rec history.Record) error {
		mu.Lock()
		defer mu.Unlock()
		kinds[rec.Kind]++
		return nil
	})
	a := New(DefaultConfig(), WithSink(sink))

	a.LearnFromFeedback(Task{ID: "t"}, nil, OutcomeSuccess)
	a.RequestHelp(Task{ID: "t"}, "x", nil, UrgencyLow)

	assert.Equal(t, map[string]int{history.KindFeedback: 1, history.KindHelp: 1}, kinds)
}

func TestEnumJSON(t *testing.T) {
	raw, err := json.Marshal(Task{ID: "t", Complexity: ComplexityHigh})
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"complexity":"high"`)

	var task Task
	require.NoError(t, json.Unmarshal([]byte(`{"id":"t","complexity":"low"}`), &task))
	assert.Equal(t, ComplexityLow, task.Complexity)

	assert.Error(t, json.Unmarshal([]byte(`{"complexity":"enormous"}`), &task))

	var u Urgency
	require.NoError(t, u.UnmarshalText([]byte("critical")))
	assert.Equal(t, UrgencyCritical, u)
}
