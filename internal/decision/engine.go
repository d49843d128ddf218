// Package decision scores candidate control actions against a risk
// assessment and context-quality factors.
//
// Scoring is a pure function of the decision context, the configured
// thresholds and the learned per-task-type success rates. The per-task
// decision pattern counters are telemetry only and never feed back into
// scoring; use a ScoreHook for that.
package decision

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aristath/autopilot/internal/ctxmap"
	"github.com/aristath/autopilot/internal/history"
	"github.com/aristath/autopilot/internal/logging"
	"github.com/aristath/autopilot/internal/metrics"
)

// scorePrecision is the number of score steps per unit.
const scorePrecision = 1e9

// Fixed scoring adjustments.
const (
	errorRiskStep = 0.2
	sudoRisk      = 0.7
	apiKeyRisk    = 0.3

	executeLowResourceBonus  = 0.1
	executeLowResourceCutoff = 0.3
	executeDependencyPenalty = 0.2
	executeDependencyCutoff  = 0.5
	delegateMultiAgentBonus  = 0.2
	skipLowRiskBonus         = 0.1
	skipLowRiskCutoff        = 0.2

	alternativeCount = 3
	successRateKey   = "_success_rate"
)

// Weights are the context-quality factor weights used by EvaluateContext.
type Weights struct {
	TaskClarity            float64 `json:"task_clarity" yaml:"task_clarity" validate:"gte=0,lte=1"`
	ResourceAvailability   float64 `json:"resource_availability" yaml:"resource_availability" validate:"gte=0,lte=1"`
	DependencySatisfaction float64 `json:"dependency_satisfaction" yaml:"dependency_satisfaction" validate:"gte=0,lte=1"`
	PermissionStatus       float64 `json:"permission_status" yaml:"permission_status" validate:"gte=0,lte=1"`
	HistoricalSuccess      float64 `json:"historical_success" yaml:"historical_success" validate:"gte=0,lte=1"`
}

// Config holds the decision thresholds.
type Config struct {
	ConfidenceThreshold      float64            `json:"confidence_threshold" yaml:"confidence_threshold" validate:"gte=0,lte=1"`
	RiskAdjustmentWeight     float64            `json:"risk_adjustment_weight" yaml:"risk_adjustment_weight" validate:"gte=0,lte=1"`
	BaseScores               map[string]float64 `json:"base_scores" yaml:"base_scores"`
	Weights                  Weights            `json:"weights" yaml:"weights"`
	DefaultPermissionStatus  float64            `json:"default_permission_status" yaml:"default_permission_status" validate:"gte=0,lte=1"`
	DefaultHistoricalSuccess float64            `json:"default_historical_success" yaml:"default_historical_success" validate:"gte=0,lte=1"`
	HistorySize              int                `json:"history_size" yaml:"history_size" validate:"gte=0"`
}

// DefaultConfig returns the stock decision thresholds.
func DefaultConfig() Config {
	return Config{
		ConfidenceThreshold:  0.7,
		RiskAdjustmentWeight: 0.3,
		BaseScores: map[string]float64{
			"execute":  0.7,
			"skip":     0.3,
			"delegate": 0.5,
			"wait":     0.4,
			"escalate": 0.2,
			"retry":    0.6,
		},
		Weights: Weights{
			TaskClarity:            0.3,
			ResourceAvailability:   0.2,
			DependencySatisfaction: 0.2,
			PermissionStatus:       0.15,
			HistoricalSuccess:      0.15,
		},
		DefaultPermissionStatus:  0.7,
		DefaultHistoricalSuccess: 0.5,
		HistorySize:              history.DefaultCapacity,
	}
}

// ScoreHook may adjust the score of an action before clamping. It is the
// explicit extension point for feeding outcome data back into scoring.
type ScoreHook func(dc Context, action Action, score float64) float64

// Option customizes an Engine.
type Option func(*Engine)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithMetrics sets the prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option { return func(e *Engine) { e.metrics = m } }

// WithSink externalizes every decision record.
func WithSink(sink history.Sink) Option { return func(e *Engine) { e.sink = sink } }

// WithScoreHook installs a score adjustment hook.
func WithScoreHook(h ScoreHook) Option { return func(e *Engine) { e.hook = h } }

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// Engine is the decision engine. Scoring takes no locks; only the history,
// pattern counters and learned rates are guarded, so unrelated decisions run
// in parallel.
type Engine struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	sink    history.Sink
	hook    ScoreHook
	now     func() time.Time

	mu       sync.RWMutex
	history  *history.RingBuffer[Record]
	patterns map[string]int
	learned  map[string]float64
	outcomes map[string][2]int // task type -> {successes, total}
}

// withDefaults turns a zero Config into DefaultConfig. Any other Config is
// used as given; zero is a valid value for every field.
func (c Config) withDefaults() Config {
	if reflect.ValueOf(c).IsZero() {
		return DefaultConfig()
	}
	return c
}

// New creates a decision engine.
func New(cfg Config, opts ...Option) *Engine {
	cfg = cfg.withDefaults()
	e := &Engine{
		cfg:      cfg,
		logger:   logging.Nop(),
		now:      time.Now,
		history:  history.NewRingBuffer[Record](cfg.HistorySize),
		patterns: make(map[string]int),
		learned:  make(map[string]float64),
		outcomes: make(map[string][2]int),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// EvaluateContext scores how well-prepared a context is for execution.
func (e *Engine) EvaluateContext(dc Context) Result {
	factors := e.contextFactors(dc)
	w := e.cfg.Weights
	confidence := factors["task_clarity"]*w.TaskClarity +
		factors["resource_availability"]*w.ResourceAvailability +
		factors["dependency_satisfaction"]*w.DependencySatisfaction +
		factors["permission_status"]*w.PermissionStatus +
		factors["historical_success"]*w.HistoricalSuccess

	return Result{
		Action:         ActionEvaluate,
		Confidence:     ctxmap.Clamp01(confidence),
		Rationale:      evaluationRationale(factors),
		RiskAssessment: e.AssessRisk(dc),
		Factors:        factors,
		Timestamp:      e.now(),
	}
}

func (e *Engine) contextFactors(dc Context) map[string]float64 {
	return map[string]float64{
		"task_clarity":            taskClarity(dc),
		"resource_availability":   resourceAvailability(dc.ResourceConstraints),
		"dependency_satisfaction": dependencySatisfaction(dc.Data),
		"permission_status":       e.permissionStatus(dc.Data),
		"historical_success":      e.historicalSuccess(taskType(dc)),
	}
}

// taskClarity measures parameter completeness. Declared required parameters
// take precedence; otherwise the fraction of non-empty supplied parameters is
// used. A named task with no parameters at all is half clear.
func taskClarity(dc Context) float64 {
	params, _ := ctxmap.Map(dc.Data[ctxmap.KeyParameters])
	if required := ctxmap.Strings(dc.Data[ctxmap.KeyRequiredParameters]); len(required) > 0 {
		filled := 0
		for _, k := range required {
			if !ctxmap.Empty(params[k]) {
				filled++
			}
		}
		return float64(filled) / float64(len(required))
	}
	if len(params) > 0 {
		filled := 0
		for _, v := range params {
			if !ctxmap.Empty(v) {
				filled++
			}
		}
		return float64(filled) / float64(len(params))
	}
	if strings.TrimSpace(dc.CurrentTask) != "" {
		return 0.5
	}
	return 0
}

func resourceAvailability(constraints map[string]float64) float64 {
	if len(constraints) == 0 {
		return 1.0
	}
	sum := 0.0
	for _, v := range constraints {
		sum += ctxmap.Clamp01(v)
	}
	return sum / float64(len(constraints))
}

func (e *Engine) permissionStatus(data map[string]any) float64 {
	switch {
	case ctxmap.Truthy(data[ctxmap.KeyPermissionsGranted]):
		return 1.0
	case ctxmap.Truthy(data[ctxmap.KeySudoRequired]):
		return 0.3
	case ctxmap.Truthy(data[ctxmap.KeyAPIKeysRequired]):
		return 0.5
	default:
		return e.cfg.DefaultPermissionStatus
	}
}

func (e *Engine) historicalSuccess(taskType string) float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if rate, ok := e.learned[taskType+successRateKey]; ok {
		return rate
	}
	return e.cfg.DefaultHistoricalSuccess
}

func taskType(dc Context) string {
	if t := ctxmap.String(dc.Data[ctxmap.KeyTaskType]); t != "" {
		return t
	}
	return dc.CurrentTask
}

func evaluationRationale(factors map[string]float64) string {
	var weak []string
	for _, name := range sortedKeys(factors) {
		if factors[name] < 0.5 {
			weak = append(weak, fmt.Sprintf("%s=%.2f", name, factors[name]))
		}
	}
	if len(weak) == 0 {
		return "context is well prepared"
	}
	return "weak factors: " + strings.Join(weak, ", ")
}

// ChooseAction scores every available action and picks the best one,
// falling back to escalate (or wait) when the best score is below the
// confidence threshold.
func (e *Engine) ChooseAction(dc Context) Result {
	if len(dc.AvailableActions) == 0 {
		result := Result{
			Action:         ActionWait,
			Confidence:     0.0,
			Rationale:      "no actions available; waiting",
			RiskAssessment: e.AssessRisk(dc),
			Timestamp:      e.now(),
		}
		e.recordDecision(dc, result)
		return result
	}

	risk := e.AssessRisk(dc)
	scored := make([]Alternative, 0, len(dc.AvailableActions))
	for _, a := range dc.AvailableActions {
		scored = append(scored, Alternative{Action: a, Score: e.score(dc, a, risk)})
	}
	// Stable so ties keep the caller's ordering.
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })

	chosen := scored[0]
	rationale := fmt.Sprintf("%s scored highest (%.2f) with mean risk %.2f against tolerance %.2f",
		chosen.Action, chosen.Score, risk.Mean(), dc.RiskTolerance)

	if chosen.Score < e.cfg.ConfidenceThreshold {
		for _, fallback := range []Action{ActionEscalate, ActionWait} {
			if alt, ok := find(scored, fallback); ok {
				rationale = fmt.Sprintf("best action %s scored %.2f, below threshold %.2f; falling back to %s",
					chosen.Action, chosen.Score, e.cfg.ConfidenceThreshold, fallback)
				chosen = alt
				break
			}
		}
	}

	alternatives := make([]Alternative, 0, alternativeCount)
	for _, alt := range scored {
		if alt.Action == chosen.Action {
			continue
		}
		if len(alternatives) == alternativeCount {
			break
		}
		alternatives = append(alternatives, alt)
	}

	result := Result{
		Action:         chosen.Action,
		Confidence:     chosen.Score,
		Rationale:      rationale,
		RiskAssessment: risk,
		Alternatives:   alternatives,
		Timestamp:      e.now(),
	}
	if chosen.Action == ActionDelegate {
		result.DelegateTo = delegateTarget(dc.AvailableAgents)
	}

	e.recordDecision(dc, result)
	return result
}

// CalculateConfidence scores a single named action for the context.
func (e *Engine) CalculateConfidence(dc Context, action Action) float64 {
	return e.score(dc, action, e.AssessRisk(dc))
}

func (e *Engine) score(dc Context, action Action, risk RiskAssessment) float64 {
	meanRisk := risk.Mean()
	score := e.cfg.BaseScores[action.String()] + (dc.RiskTolerance-meanRisk)*e.cfg.RiskAdjustmentWeight

	switch action {
	case ActionExecute:
		if risk.Resource < executeLowResourceCutoff {
			score += executeLowResourceBonus
		}
		if risk.Dependency > executeDependencyCutoff {
			score -= executeDependencyPenalty
		}
	case ActionDelegate:
		if len(dc.AvailableAgents) > 1 {
			score += delegateMultiAgentBonus
		}
	case ActionSkip:
		if meanRisk < skipLowRiskCutoff {
			score += skipLowRiskBonus
		}
	}

	if e.hook != nil {
		score = e.hook(dc, action, score)
	}
	// Rounded so float error cannot split scores that tie on paper.
	return ctxmap.Clamp01(math.Round(score*scorePrecision) / scorePrecision)
}

func find(scored []Alternative, action Action) (Alternative, bool) {
	for _, alt := range scored {
		if alt.Action == action {
			return alt, true
		}
	}
	return Alternative{}, false
}

// delegateTarget prefers the second available agent, since the first is
// conventionally the current one.
func delegateTarget(agents []string) string {
	switch {
	case len(agents) > 1:
		return agents[1]
	case len(agents) == 1:
		return agents[0]
	default:
		return ""
	}
}

func (e *Engine) recordDecision(dc Context, result Result) {
	rec := Record{Task: dc.CurrentTask, Result: result}

	e.mu.Lock()
	e.history.Push(rec)
	e.patterns[fmt.Sprintf("%s_%s", dc.CurrentTask, result.Action)]++
	e.mu.Unlock()

	e.metrics.ObserveDecision(result.Action.String(), result.Confidence)
	if e.sink != nil {
		if err := e.sink.Append(context.Background(), history.Record{
			Kind:      history.KindDecision,
			Subject:   dc.CurrentTask,
			Timestamp: result.Timestamp,
			Payload:   rec,
		}); err != nil {
			e.logger.Warn("failed to externalize decision", "task", dc.CurrentTask, "error", err)
		}
	}
	e.logger.Debug("action chosen",
		"task", dc.CurrentTask,
		"action", result.Action.String(),
		"confidence", result.Confidence,
		"delegate_to", result.DelegateTo)
}

// RecordOutcome updates the learned success rate for a task type. It is the
// only input to the historical_success factor.
func (e *Engine) RecordOutcome(taskType string, success bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	counts := e.outcomes[taskType]
	if success {
		counts[0]++
	}
	counts[1]++
	e.outcomes[taskType] = counts
	e.learned[taskType+successRateKey] = float64(counts[0]) / float64(counts[1])
}

// SetSuccessRate seeds the learned success rate for a task type.
func (e *Engine) SetSuccessRate(taskType string, rate float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.learned[taskType+successRateKey] = ctxmap.Clamp01(rate)
}

// History returns the retained decisions, oldest first.
func (e *Engine) History() []Record {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.history.Slice()
}

// Patterns returns a copy of the "{task}_{action}" decision counters.
func (e *Engine) Patterns() map[string]int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]int, len(e.patterns))
	for k, v := range e.patterns {
		out[k] = v
	}
	return out
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
