// Package agent plans task steps, scores completion confidence, raises help
// requests and tunes a learning rate from feedback.
package agent

import (
	"context"
	"log/slog"
	"math"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aristath/autopilot/internal/ctxmap"
	"github.com/aristath/autopilot/internal/history"
	"github.com/aristath/autopilot/internal/logging"
	"github.com/aristath/autopilot/internal/metrics"
)

// CompletionWeights weigh the factors of EvaluateCompletion.
type CompletionWeights struct {
	ExecutionStatus     float64 `json:"execution_status" yaml:"execution_status" validate:"gte=0,lte=1"`
	Validation          float64 `json:"validation" yaml:"validation" validate:"gte=0,lte=1"`
	ContextCompleteness float64 `json:"context_completeness" yaml:"context_completeness" validate:"gte=0,lte=1"`
	ErrorFree           float64 `json:"error_free" yaml:"error_free" validate:"gte=0,lte=1"`
	HistoricalSuccess   float64 `json:"historical_success" yaml:"historical_success" validate:"gte=0,lte=1"`
}

// Config holds the agent thresholds.
type Config struct {
	StepConfidenceCutoff  float64            `json:"step_confidence_cutoff" yaml:"step_confidence_cutoff" validate:"gte=0,lte=1"`
	ProceedThreshold      float64            `json:"proceed_threshold" yaml:"proceed_threshold" validate:"gte=0,lte=1"`
	PrepareConfidence     float64            `json:"prepare_confidence" yaml:"prepare_confidence" validate:"gte=0,lte=1"`
	ExecuteConfidence     float64            `json:"execute_confidence" yaml:"execute_confidence" validate:"gte=0,lte=1"`
	ComplexityAdjustment  float64            `json:"complexity_adjustment" yaml:"complexity_adjustment" validate:"gte=0,lte=1"`
	SimilarTaskBonus      float64            `json:"similar_task_bonus" yaml:"similar_task_bonus" validate:"gte=0,lte=1"`
	SimilarTaskBonusCap   float64            `json:"similar_task_bonus_cap" yaml:"similar_task_bonus_cap" validate:"gte=0,lte=1"`
	ValidateConfidence    float64            `json:"validate_confidence" yaml:"validate_confidence" validate:"gte=0,lte=1"`
	UpdateConfidence      float64            `json:"update_confidence" yaml:"update_confidence" validate:"gte=0,lte=1"`
	Completion            CompletionWeights  `json:"completion" yaml:"completion"`
	BaseEstimateSeconds   float64            `json:"base_estimate_seconds" yaml:"base_estimate_seconds" validate:"gt=0"`
	ComplexityMultipliers map[string]float64 `json:"complexity_multipliers" yaml:"complexity_multipliers"`
	LowSuccessMultiplier  float64            `json:"low_success_multiplier" yaml:"low_success_multiplier" validate:"gte=1"`
	LearningRate          float64            `json:"learning_rate" yaml:"learning_rate" validate:"gt=0,lte=1"`
	LearningRateGrowth    float64            `json:"learning_rate_growth" yaml:"learning_rate_growth" validate:"gte=1"`
	LearningRateDecay     float64            `json:"learning_rate_decay" yaml:"learning_rate_decay" validate:"gt=0,lte=1"`
	MaxLearningRate       float64            `json:"max_learning_rate" yaml:"max_learning_rate" validate:"gt=0,lte=1"`
	MinLearningRate       float64            `json:"min_learning_rate" yaml:"min_learning_rate" validate:"gt=0,lte=1"`
	SnapshotKeys          int                `json:"snapshot_keys" yaml:"snapshot_keys" validate:"gte=0"`
	SnapshotValueLength   int                `json:"snapshot_value_length" yaml:"snapshot_value_length" validate:"gte=0"`
	HistorySize           int                `json:"history_size" yaml:"history_size" validate:"gte=0"`

	// DurationSamples bounds the completion times kept per task type for
	// estimates. Zero keeps history.DefaultCapacity samples.
	DurationSamples int `json:"duration_samples" yaml:"duration_samples" validate:"gte=0"`
}

// DefaultConfig returns the stock agent thresholds.
func DefaultConfig() Config {
	return Config{
		StepConfidenceCutoff: 0.5,
		ProceedThreshold:     0.7,
		PrepareConfidence:    0.9,
		ExecuteConfidence:    0.7,
		ComplexityAdjustment: 0.2,
		SimilarTaskBonus:     0.05,
		SimilarTaskBonusCap:  0.2,
		ValidateConfidence:   0.85,
		UpdateConfidence:     0.95,
		Completion: CompletionWeights{
			ExecutionStatus:     0.4,
			Validation:          0.2,
			ContextCompleteness: 0.2,
			ErrorFree:           0.15,
			HistoricalSuccess:   0.05,
		},
		BaseEstimateSeconds: 60,
		ComplexityMultipliers: map[string]float64{
			"low":      0.5,
			"medium":   1,
			"high":     2,
			"critical": 3,
		},
		LowSuccessMultiplier: 1.5,
		LearningRate:         0.1,
		LearningRateGrowth:   1.1,
		LearningRateDecay:    0.9,
		MaxLearningRate:      0.5,
		MinLearningRate:      0.01,
		SnapshotKeys:         20,
		SnapshotValueLength:  200,
		HistorySize:          history.DefaultCapacity,
		DurationSamples:      100,
	}
}

// withDefaults turns a zero Config into DefaultConfig. Any other Config is
// used as given; zero is a valid value for every field.
func (c Config) withDefaults() Config {
	if reflect.ValueOf(c).IsZero() {
		return DefaultConfig()
	}
	return c
}

// Option customizes an Agent.
type Option func(*Agent)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option { return func(a *Agent) { a.logger = l } }

// WithMetrics sets the prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option { return func(a *Agent) { a.metrics = m } }

// WithSink externalizes feedback and help requests.
func WithSink(sink history.Sink) Option { return func(a *Agent) { a.sink = sink } }

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option { return func(a *Agent) { a.now = now } }

// WithIDGenerator overrides the help request id generator.
func WithIDGenerator(gen func() string) Option { return func(a *Agent) { a.newID = gen } }

// Agent is the autonomous agent module. It is safe for concurrent use.
type Agent struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	sink    history.Sink
	now     func() time.Time
	newID   func() string

	mu           sync.RWMutex
	feedback     *history.RingBuffer[Feedback]
	durations    map[string]*history.RingBuffer[float64] // task type -> recent completion times, seconds
	successful   int
	failed       int
	helpRequests int
	learningRate float64
}

// New creates an agent.
func New(cfg Config, opts ...Option) *Agent {
	cfg = cfg.withDefaults()
	a := &Agent{
		cfg:          cfg,
		logger:       logging.Nop(),
		now:          time.Now,
		newID:        uuid.NewString,
		feedback:     history.NewRingBuffer[Feedback](cfg.HistorySize),
		durations:    make(map[string]*history.RingBuffer[float64]),
		learningRate: cfg.LearningRate,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// EvaluateCompletion scores how confident the agent is that a task is done.
func (a *Agent) EvaluateCompletion(task Task, data map[string]any) Confidence {
	result, _ := ctxmap.Map(data[ctxmap.KeyResult])

	factors := map[string]float64{
		"execution_status":     0.3,
		"validation":           0.5,
		"context_completeness": ctxmap.FractionPresent(data, ctxmap.Strings(data[ctxmap.KeyRequiredContextKeys])),
		"error_free":           1.0,
		"historical_success":   a.successRate(),
	}
	if ctxmap.String(result[ctxmap.KeyStatus]) == "completed" {
		factors["execution_status"] = 1.0
	}
	if ctxmap.Truthy(data[ctxmap.KeyValidated]) {
		factors["validation"] = 1.0
	}
	if _, ok := result[ctxmap.KeyError]; ok {
		factors["error_free"] = 0.0
	}

	w := a.cfg.Completion
	score := factors["execution_status"]*w.ExecutionStatus +
		factors["validation"]*w.Validation +
		factors["context_completeness"]*w.ContextCompleteness +
		factors["error_free"]*w.ErrorFree +
		factors["historical_success"]*w.HistoricalSuccess

	return Confidence{
		Score:     ctxmap.Clamp01(score),
		Rationale: completionRationale(task, factors),
		Factors:   factors,
	}
}

func completionRationale(task Task, factors map[string]float64) string {
	var issues []string
	if factors["execution_status"] < 1 {
		issues = append(issues, "execution has not reported completion")
	}
	if factors["validation"] < 1 {
		issues = append(issues, "results are not validated")
	}
	if factors["context_completeness"] < 1 {
		issues = append(issues, "required context is missing")
	}
	if factors["error_free"] < 1 {
		issues = append(issues, "result reports an error")
	}
	if factors["historical_success"] < 0.5 {
		issues = append(issues, "historical success rate is low")
	}
	if len(issues) == 0 {
		return "task " + task.ID + " appears complete"
	}
	return strings.Join(issues, "; ")
}

// LearnFromFeedback records an outcome and nudges the learning rate: up on
// success, down on failure, within the configured bounds.
func (a *Agent) LearnFromFeedback(task Task, feedback map[string]any, outcome Outcome) {
	entry := Feedback{
		TaskID:    task.ID,
		TaskType:  task.Type,
		Feedback:  feedback,
		Outcome:   outcome,
		Timestamp: a.now(),
	}

	a.mu.Lock()
	a.feedback.Push(entry)
	if outcome == OutcomeSuccess {
		a.successful++
		a.learningRate = math.Min(a.learningRate*a.cfg.LearningRateGrowth, a.cfg.MaxLearningRate)
	} else {
		a.failed++
		a.learningRate = math.Max(a.learningRate*a.cfg.LearningRateDecay, a.cfg.MinLearningRate)
	}
	if secs, ok := ctxmap.Float(feedback["completion_time"]); ok && secs > 0 {
		samples, ok := a.durations[task.Type]
		if !ok {
			samples = history.NewRingBuffer[float64](a.cfg.DurationSamples)
			a.durations[task.Type] = samples
		}
		samples.Push(secs)
	}
	rate := a.learningRate
	a.mu.Unlock()

	a.metrics.ObserveFeedback(outcome.String(), rate)
	a.record(history.KindFeedback, task.ID, entry.Timestamp, entry)
	a.logger.Debug("feedback recorded", "task", task.ID, "outcome", outcome.String(), "learning_rate", rate)
}

// ShouldAutonomouslyProceed gates unattended continuation. A threshold of
// zero or less uses the configured default.
func (a *Agent) ShouldAutonomouslyProceed(task Task, confidence Confidence, threshold float64) bool {
	if threshold <= 0 {
		threshold = a.cfg.ProceedThreshold
	}
	if confidence.Score < threshold {
		return false
	}
	if strings.Contains(strings.ToLower(task.RiskLevel), "critical") {
		return false
	}
	return !task.RequiresApproval || task.Approved
}

// EstimateCompletionTime predicts how long a task will take. Reported
// completion times for the same task type take precedence over the
// complexity-based estimate.
func (a *Agent) EstimateCompletionTime(task Task, _ map[string]any) time.Duration {
	a.mu.RLock()
	var observed []float64
	if samples, ok := a.durations[task.Type]; ok {
		observed = samples.Slice()
	}
	a.mu.RUnlock()

	var sum float64
	for _, d := range observed {
		sum += d
	}

	if len(observed) > 0 {
		return seconds(sum / float64(len(observed)))
	}

	multiplier, ok := a.cfg.ComplexityMultipliers[task.Complexity.String()]
	if !ok {
		multiplier = 1
	}
	estimate := a.cfg.BaseEstimateSeconds * multiplier
	if a.successRate() < 0.5 {
		estimate *= a.cfg.LowSuccessMultiplier
	}
	return seconds(estimate)
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// Metrics returns the agent's performance counters.
func (a *Agent) Metrics() PerformanceMetrics {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return PerformanceMetrics{
		SuccessfulTasks: a.successful,
		FailedTasks:     a.failed,
		HelpRequests:    a.helpRequests,
		LearningRate:    a.learningRate,
		SuccessRate:     a.successRateLocked(),
	}
}

// FeedbackHistory returns the retained feedback, oldest first.
func (a *Agent) FeedbackHistory() []Feedback {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.feedback.Slice()
}

func (a *Agent) successRate() float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.successRateLocked()
}

// successRateLocked is 0.5 until any feedback arrives.
func (a *Agent) successRateLocked() float64 {
	total := a.successful + a.failed
	if total == 0 {
		return 0.5
	}
	return float64(a.successful) / float64(total)
}

func (a *Agent) record(kind, subject string, ts time.Time, payload any) {
	if a.sink == nil {
		return
	}
	err := a.sink.Append(context.Background(), history.Record{
		Kind:      kind,
		Subject:   subject,
		Timestamp: ts,
		Payload:   payload,
	})
	if err != nil {
		a.logger.Warn("failed to externalize agent record", "kind", kind, "subject", subject, "error", err)
	}
}
