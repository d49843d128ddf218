package decision

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/autopilot/internal/history"
	"github.com/aristath/autopilot/internal/metrics"
)

const eps = 1e-9

// riskyData declares two missing dependencies and requires sudo, giving a
// mean risk of 0.34.
func riskyData() map[string]any {
	return map[string]any{
		"dependencies":  []any{"a", "b"},
		"sudo_required": true,
	}
}

func TestChooseAction_NoActionsWaits(t *testing.T) {
	e := New(DefaultConfig())

	result := e.ChooseAction(Context{CurrentTask: "t1"})

	assert.Equal(t, ActionWait, result.Action)
	assert.Equal(t, 0.0, result.Confidence)
	assert.Empty(t, result.Alternatives)
}

func TestChooseAction_PicksHighestScore(t *testing.T) {
	e := New(DefaultConfig())

	result := e.ChooseAction(Context{
		CurrentTask:      "build",
		AvailableActions: []Action{ActionExecute, ActionSkip, ActionWait},
		RiskTolerance:    0.5,
	})

	assert.Equal(t, ActionExecute, result.Action)
	// 0.7 base + 0.5*0.3 tolerance + 0.1 low resource risk
	assert.InDelta(t, 0.95, result.Confidence, eps)
	require.Len(t, result.Alternatives, 2)
	assert.ElementsMatch(t, []Action{ActionSkip, ActionWait},
		[]Action{result.Alternatives[0].Action, result.Alternatives[1].Action})
	for _, alt := range result.Alternatives {
		assert.InDelta(t, 0.55, alt.Score, eps, alt.Action.String())
	}
	assert.Empty(t, result.DelegateTo)
}

func TestChooseAction_TiesKeepCallerOrder(t *testing.T) {
	e := New(DefaultConfig())
	dc := Context{CurrentTask: "build", RiskTolerance: 0.5}

	dc.AvailableActions = []Action{ActionExecute, ActionSkip, ActionWait}
	result := e.ChooseAction(dc)
	require.Len(t, result.Alternatives, 2)
	assert.Equal(t, result.Alternatives[0].Score, result.Alternatives[1].Score)
	assert.Equal(t, []Action{ActionSkip, ActionWait}, []Action{result.Alternatives[0].Action, result.Alternatives[1].Action})

	dc.AvailableActions = []Action{ActionExecute, ActionWait, ActionSkip}
	result = e.ChooseAction(dc)
	require.Len(t, result.Alternatives, 2)
	assert.Equal(t, []Action{ActionWait, ActionSkip}, []Action{result.Alternatives[0].Action, result.Alternatives[1].Action})
}

func TestChooseAction_BelowThresholdFallsBack(t *testing.T) {
	e := New(DefaultConfig())

	tests := []struct {
		name           string
		actions        []Action
		want           Action
		wantConfidence float64
	}{
		{"escalate preferred", []Action{ActionExecute, ActionWait, ActionEscalate}, ActionEscalate, 0.098},
		{"wait when no escalate", []Action{ActionExecute, ActionWait}, ActionWait, 0.298},
		{"keeps best when no fallback", []Action{ActionExecute, ActionSkip}, ActionExecute, 0.498},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := e.ChooseAction(Context{
				CurrentTask:      "deploy",
				Data:             riskyData(),
				AvailableActions: tt.actions,
			})
			assert.Equal(t, tt.want, result.Action)
			assert.InDelta(t, tt.wantConfidence, result.Confidence, eps)
			for _, alt := range result.Alternatives {
				assert.NotEqual(t, result.Action, alt.Action)
			}
		})
	}
}

func TestNew_ZeroFieldsAreKept(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ConfidenceThreshold = 0
	e := New(cfg)

	result := e.ChooseAction(Context{
		CurrentTask:      "deploy",
		Data:             riskyData(),
		AvailableActions: []Action{ActionExecute, ActionWait, ActionEscalate},
	})
	assert.Equal(t, ActionExecute, result.Action, "a zero threshold never falls back")
	assert.InDelta(t, 0.498, result.Confidence, eps)

	zero := New(Config{}).ChooseAction(Context{CurrentTask: "build", AvailableActions: []Action{ActionExecute}, RiskTolerance: 0.5})
	assert.InDelta(t, 0.95, zero.Confidence, eps, "a zero Config uses the defaults")
}

func TestChooseAction_AlternativesCappedAtThree(t *testing.T) {
	e := New(DefaultConfig())

	result := e.ChooseAction(Context{
		AvailableActions: []Action{ActionExecute, ActionSkip, ActionDelegate, ActionWait, ActionEscalate, ActionRetry},
		RiskTolerance:    0.5,
	})

	assert.Equal(t, ActionExecute, result.Action)
	require.Len(t, result.Alternatives, 3)
	for i := 1; i < len(result.Alternatives); i++ {
		assert.GreaterOrEqual(t, result.Alternatives[i-1].Score, result.Alternatives[i].Score)
	}
	assert.Equal(t, ActionRetry, result.Alternatives[0].Action)
}

func TestChooseAction_DelegateTarget(t *testing.T) {
	e := New(DefaultConfig())

	tests := []struct {
		name           string
		agents         []string
		wantTarget     string
		wantConfidence float64
	}{
		{"second agent when several", []string{"self", "helper"}, "helper", 1.0},
		{"only agent", []string{"solo"}, "solo", 0.8},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := e.ChooseAction(Context{
				AvailableActions: []Action{ActionDelegate},
				AvailableAgents:  tt.agents,
				RiskTolerance:    1.0,
			})
			assert.Equal(t, ActionDelegate, result.Action)
			assert.Equal(t, tt.wantTarget, result.DelegateTo)
			assert.InDelta(t, tt.wantConfidence, result.Confidence, eps)
		})
	}
}

func TestCalculateConfidence_MatchesChooseAction(t *testing.T) {
	e := New(DefaultConfig())
	dc := Context{
		CurrentTask:      "deploy",
		Data:             riskyData(),
		AvailableActions: []Action{ActionRetry},
		RiskTolerance:    0.9,
	}

	result := e.ChooseAction(dc)
	assert.InDelta(t, result.Confidence, e.CalculateConfidence(dc, ActionRetry), eps)
}

func TestCalculateConfidence_Clamped(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RiskAdjustmentWeight = 1
	e := New(cfg)

	low := e.CalculateConfidence(Context{
		Data:                map[string]any{"dependencies": []string{"x"}, "sudo_required": true},
		ResourceConstraints: map[string]float64{"cpu": 0},
	}, ActionEscalate)
	assert.Equal(t, 0.0, low)

	high := e.CalculateConfidence(Context{RiskTolerance: 1}, ActionExecute)
	assert.Equal(t, 1.0, high)
}

func TestAssessRisk(t *testing.T) {
	e := New(DefaultConfig())

	risk := e.AssessRisk(Context{
		Data: map[string]any{
			"build_result":      map[string]any{"status": "error"},
			"test_result":       map[string]any{"status": "error"},
			"lint_result":       map[string]any{"status": "ok"},
			"dependencies":      []string{"build_result", "docs"},
			"api_keys_required": true,
			"estimated_time":    150.0,
		},
		TimeConstraint:      100,
		ResourceConstraints: map[string]float64{"cpu": 0.9, "memory": 0.4},
	})

	assert.InDelta(t, 0.4, risk.Execution, eps)
	assert.InDelta(t, 0.6, risk.Resource, eps)
	assert.InDelta(t, 0.5, risk.Dependency, eps)
	assert.InDelta(t, 0.3, risk.Permission, eps)
	assert.InDelta(t, 0.5, risk.Time, eps)
}

func TestAssessRisk_Caps(t *testing.T) {
	e := New(DefaultConfig())

	data := map[string]any{"estimated_time": 1000}
	for _, k := range []string{"a", "b", "c", "d", "e", "f"} {
		data[k+"_result"] = map[string]any{"status": "error"}
	}
	risk := e.AssessRisk(Context{Data: data, TimeConstraint: 10})

	assert.Equal(t, 1.0, risk.Execution)
	assert.Equal(t, 1.0, risk.Time)
	assert.Equal(t, 0.0, risk.Permission)
}

func TestAssessRisk_SudoOutranksAPIKeys(t *testing.T) {
	e := New(DefaultConfig())

	risk := e.AssessRisk(Context{Data: map[string]any{"sudo_required": true, "api_keys_required": true}})
	assert.InDelta(t, 0.7, risk.Permission, eps)
}

func TestAssessRisk_ResourceMonotonic(t *testing.T) {
	e := New(DefaultConfig())

	prev := -1.0
	for availability := 1.0; availability >= 0; availability -= 0.1 {
		risk := e.AssessRisk(Context{
			ResourceConstraints: map[string]float64{"cpu": 0.8, "disk": availability},
		})
		assert.GreaterOrEqual(t, risk.Resource, prev)
		prev = risk.Resource
	}
	assert.InDelta(t, 1.0, prev, 1e-6)
}

func TestEvaluateContext(t *testing.T) {
	e := New(DefaultConfig())

	result := e.EvaluateContext(Context{
		CurrentTask: "build",
		Data: map[string]any{
			"required_parameters": []string{"target", "arch", "os"},
			"parameters":          map[string]any{"target": "linux"},
		},
	})

	assert.Equal(t, ActionEvaluate, result.Action)
	// (1/3)*0.3 + 1*0.2 + 1*0.2 + 0.7*0.15 + 0.5*0.15
	assert.InDelta(t, 0.68, result.Confidence, eps)
	assert.InDelta(t, 1.0/3.0, result.Factors["task_clarity"], eps)
	assert.InDelta(t, 0.7, result.Factors["permission_status"], eps)
	assert.Contains(t, result.Rationale, "task_clarity")
	assert.NotContains(t, result.Rationale, "permission_status")

	ready := e.EvaluateContext(Context{CurrentTask: "build", Data: map[string]any{"permissions_granted": true}})
	assert.Equal(t, "context is well prepared", ready.Rationale)
}

func TestEvaluateContext_TaskClarity(t *testing.T) {
	e := New(DefaultConfig())

	tests := []struct {
		name string
		dc   Context
		want float64
	}{
		{"nothing known", Context{}, 0},
		{"named task only", Context{CurrentTask: "x"}, 0.5},
		{"supplied parameters", Context{Data: map[string]any{
			"parameters": map[string]any{"a": "1", "b": ""},
		}}, 0.5},
		{"required all present", Context{Data: map[string]any{
			"required_parameters": []any{"a"},
			"parameters":          map[string]any{"a": 3},
		}}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, e.EvaluateContext(tt.dc).Factors["task_clarity"], eps)
		})
	}
}

func TestEvaluateContext_PermissionStatus(t *testing.T) {
	e := New(DefaultConfig())

	tests := []struct {
		data map[string]any
		want float64
	}{
		{map[string]any{"permissions_granted": true, "sudo_required": true}, 1.0},
		{map[string]any{"sudo_required": true}, 0.3},
		{map[string]any{"api_keys_required": "yes"}, 0.5},
		{nil, 0.7},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.want, e.EvaluateContext(Context{Data: tt.data}).Factors["permission_status"], eps)
	}
}

func TestRecordOutcome_FeedsHistoricalSuccess(t *testing.T) {
	e := New(DefaultConfig())
	dc := Context{CurrentTask: "compile-1", Data: map[string]any{"task_type": "compile"}}

	assert.InDelta(t, 0.5, e.EvaluateContext(dc).Factors["historical_success"], eps)

	e.RecordOutcome("compile", true)
	e.RecordOutcome("compile", true)
	e.RecordOutcome("compile", false)
	assert.InDelta(t, 2.0/3.0, e.EvaluateContext(dc).Factors["historical_success"], eps)

	e.SetSuccessRate("compile", 1.5)
	assert.Equal(t, 1.0, e.EvaluateContext(dc).Factors["historical_success"])
}

func TestPatternsAreTelemetryOnly(t *testing.T) {
	e := New(DefaultConfig())
	dc := Context{
		CurrentTask:      "build",
		AvailableActions: []Action{ActionExecute, ActionRetry},
		RiskTolerance:    0.5,
	}

	first := e.ChooseAction(dc)
	for i := 0; i < 10; i++ {
		e.ChooseAction(dc)
	}
	last := e.ChooseAction(dc)

	assert.Equal(t, first.Confidence, last.Confidence)
	assert.Equal(t, 12, e.Patterns()["build_execute"])
	assert.Len(t, e.History(), 12)
}

func TestScoreHook(t *testing.T) {
	hook := func(_ Context, action Action, score float64) float64 {
		if action == ActionSkip {
			return score + 0.6
		}
		return score
	}
	e := New(DefaultConfig(), WithScoreHook(hook))

	result := e.ChooseAction(Context{
		AvailableActions: []Action{ActionExecute, ActionSkip},
		RiskTolerance:    0.5,
	})
	assert.Equal(t, ActionSkip, result.Action)
	assert.Equal(t, 1.0, result.Confidence)
}

func TestHistoryIsBounded(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HistorySize = 3
	e := New(cfg)

	for _, task := range []string{"a", "b", "c", "d", "e"} {
		e.ChooseAction(Context{CurrentTask: task})
	}

	hist := e.History()
	require.Len(t, hist, 3)
	assert.Equal(t, "c", hist[0].Task)
	assert.Equal(t, "e", hist[2].Task)
	assert.Len(t, e.Patterns(), 5)
}

func TestSinkAndMetrics(t *testing.T) {
	var mu sync.Mutex
	var records []history.Record
	sink := history.SinkFunc(func(_ context.Context, rec history.Record) error {
		mu.Lock()
		defer mu.Unlock()
		records = append(records, rec)
		return nil
	})
	m := metrics.New(prometheus.NewRegistry())
	e := New(DefaultConfig(), WithSink(sink), WithMetrics(m))

	e.ChooseAction(Context{CurrentTask: "t", AvailableActions: []Action{ActionExecute}, RiskTolerance: 0.5})
	e.EvaluateContext(Context{CurrentTask: "t"})

	require.Len(t, records, 1)
	assert.Equal(t, history.KindDecision, records[0].Kind)
	assert.Equal(t, "t", records[0].Subject)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Decisions.WithLabelValues("execute")))
}

func TestConcurrentDecisions(t *testing.T) {
	e := New(DefaultConfig())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.ChooseAction(Context{CurrentTask: "p", AvailableActions: []Action{ActionExecute, ActionWait}})
			e.RecordOutcome("p", true)
		}()
	}
	wg.Wait()

	assert.Equal(t, 20, e.Patterns()["p_execute"])
}

func TestResultJSON(t *testing.T) {
	e := New(DefaultConfig())
	result := e.ChooseAction(Context{
		AvailableActions: []Action{ActionDelegate, ActionWait},
		AvailableAgents:  []string{"a", "b"},
		RiskTolerance:    1,
	})

	raw, err := json.Marshal(result)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "delegate", decoded["action"])
	assert.Equal(t, "b", decoded["delegate_to"])
	assert.Contains(t, decoded, "risk_assessment")
	alts := decoded["alternative_actions"].([]any)
	require.Len(t, alts, 1)
	assert.Equal(t, "wait", alts[0].(map[string]any)["action"])

	var back Result
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, ActionDelegate, back.Action)
}

func TestParseAction(t *testing.T) {
	a, err := ParseAction("retry")
	require.NoError(t, err)
	assert.Equal(t, ActionRetry, a)

	_, err = ParseAction("teleport")
	assert.Error(t, err)
}
