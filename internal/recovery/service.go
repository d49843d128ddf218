// Package recovery classifies raw failure text into typed errors and turns
// classifications into recovery actions through a per-type handler table.
//
// Classification is total: unmatched input falls back to the execution type
// and blank input to unknown. Strategy selection is a pure function of type,
// severity and retry budget; delays are computed here and honored by the
// caller.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/aristath/autopilot/internal/history"
	"github.com/aristath/autopilot/internal/logging"
	"github.com/aristath/autopilot/internal/metrics"
)

// Config holds the recovery thresholds. New uses DefaultConfig for a zero
// Config.
type Config struct {
	BaseConfidence      float64 `json:"base_confidence" yaml:"base_confidence" validate:"gte=0,lte=1"`
	ConfidenceStep      float64 `json:"confidence_step" yaml:"confidence_step" validate:"gte=0,lte=1"`
	BackoffBase         float64 `json:"backoff_base" yaml:"backoff_base" validate:"gte=1"`
	ResourceRetryDelay  float64 `json:"resource_retry_delay" yaml:"resource_retry_delay" validate:"gte=0"`
	ResourceMaxAttempts int     `json:"resource_max_attempts" yaml:"resource_max_attempts" validate:"gte=0"`
	UnknownRetryDelay   float64 `json:"unknown_retry_delay" yaml:"unknown_retry_delay" validate:"gte=0"`
	DefaultMaxRetries   int     `json:"default_max_retries" yaml:"default_max_retries" validate:"gte=0"`

	// AbortOnCritical routes non-recoverable (critical) errors to ABORT
	// instead of the per-type handler.
	AbortOnCritical bool `json:"abort_on_critical" yaml:"abort_on_critical"`
	HistorySize     int  `json:"history_size" yaml:"history_size" validate:"gte=0"`
}

// DefaultConfig returns the stock recovery thresholds.
func DefaultConfig() Config {
	return Config{
		BaseConfidence:      0.7,
		ConfidenceStep:      0.1,
		BackoffBase:         2.0,
		ResourceRetryDelay:  5.0,
		ResourceMaxAttempts: 2,
		UnknownRetryDelay:   1.0,
		DefaultMaxRetries:   3,
		HistorySize:         history.DefaultCapacity,
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

// Option customizes a Service.
type Option func(*Service)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.logger = l } }

// WithMetrics sets the prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option { return func(s *Service) { s.metrics = m } }

// WithSink externalizes every history record.
func WithSink(sink history.Sink) Option { return func(s *Service) { s.sink = sink } }

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// Service is the error recovery service. It is safe for concurrent use.
type Service struct {
	cfg      Config
	logger   *slog.Logger
	metrics  *metrics.Metrics
	sink     history.Sink
	now      func() time.Time
	handlers map[ErrorType]handlerFunc

	mu              sync.Mutex
	errorHistory    *history.RingBuffer[Classification]
	recoveryHistory *history.RingBuffer[Attempt]
	patterns        map[string]int
	byType          map[string]int
	bySeverity      map[string]int
	byStrategy      map[string]int
	totalErrors     int
	totalRecoveries int
}

// New creates a recovery service.
func New(cfg Config, opts ...Option) *Service {
	cfg = cfg.withDefaults()
	s := &Service{
		cfg:             cfg,
		logger:          logging.Nop(),
		now:             time.Now,
		errorHistory:    history.NewRingBuffer[Classification](cfg.HistorySize),
		recoveryHistory: history.NewRingBuffer[Attempt](cfg.HistorySize),
		patterns:        make(map[string]int),
		byType:          make(map[string]int),
		bySeverity:      make(map[string]int),
		byStrategy:      make(map[string]int),
	}
	s.handlers = map[ErrorType]handlerFunc{
		ErrorValidation: s.handleValidation,
		ErrorExecution:  s.handleExecution,
		ErrorResource:   s.handleResource,
		ErrorPermission: s.handlePermission,
		ErrorNetwork:    s.handleNetwork,
		ErrorDependency: s.handleDependency,
		ErrorUnknown:    s.handleUnknown,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DetectError turns a raw failure message into an ErrorInfo. It never fails.
func (s *Service) DetectError(message string) ErrorInfo {
	lower := strings.ToLower(message)
	errType := detectType(lower)
	return ErrorInfo{
		Message:   message,
		Type:      errType,
		Severity:  detectSeverity(lower, errType),
		Timestamp: s.now(),
		Context:   extractContext(message),
	}
}

// ClassifyError derives recoverability, a suggested strategy and a
// confidence score, and records the error in the history.
func (s *Service) ClassifyError(info ErrorInfo) Classification {
	recoverable := info.Severity != SeverityCritical
	strategy := suggestStrategy(info.Type, recoverable)

	confidence := s.cfg.BaseConfidence
	if info.Type != ErrorUnknown {
		confidence += s.cfg.ConfidenceStep
	}
	if len(info.Context) > 0 {
		confidence += s.cfg.ConfidenceStep
	}
	if info.Type == ErrorNetwork && strategy == StrategyRetry {
		confidence += s.cfg.ConfidenceStep
	}
	confidence = math.Min(confidence, 1.0)

	c := Classification{
		Error:             info,
		IsRecoverable:     recoverable,
		SuggestedStrategy: strategy,
		Confidence:        confidence,
		Rationale:         classificationRationale(info, recoverable, strategy),
	}

	s.mu.Lock()
	s.errorHistory.Push(c)
	s.totalErrors++
	s.patterns[fmt.Sprintf("%s_%s", info.Type, info.Severity)]++
	s.byType[info.Type.String()]++
	s.bySeverity[info.Severity.String()]++
	s.byStrategy[strategy.String()]++
	s.mu.Unlock()

	s.metrics.ObserveError(info.Type.String(), info.Severity.String())
	s.record(history.KindError, s.now(), c)
	s.logger.Debug("error classified",
		"type", info.Type.String(),
		"severity", info.Severity.String(),
		"strategy", strategy.String(),
		"confidence", confidence)
	return c
}

func suggestStrategy(t ErrorType, recoverable bool) Strategy {
	if !recoverable {
		return StrategyEscalate
	}
	switch t {
	case ErrorNetwork, ErrorResource:
		return StrategyRetry
	case ErrorPermission:
		return StrategyEscalate
	case ErrorDependency:
		return StrategyAlternative
	case ErrorValidation:
		return StrategySkip
	default:
		return StrategyRetry
	}
}

func classificationRationale(info ErrorInfo, recoverable bool, strategy Strategy) string {
	if !recoverable {
		return fmt.Sprintf("%s error with critical severity is not recoverable; escalating", info.Type)
	}
	return fmt.Sprintf("%s error with %s severity is recoverable; suggested strategy %s",
		info.Type, info.Severity, strategy)
}

// AttemptRecovery produces the next recovery action for a classification
// given how many retries have already happened. maxRetries <= 0 uses
// Config.DefaultMaxRetries.
func (s *Service) AttemptRecovery(c Classification, retryCount, maxRetries int) Action {
	if maxRetries <= 0 {
		maxRetries = s.cfg.DefaultMaxRetries
	}

	var action Action
	if s.cfg.AbortOnCritical && !c.IsRecoverable {
		action = Action{
			Strategy:          StrategyAbort,
			Description:       "critical failure, aborting execution",
			EscalationMessage: c.Error.Message,
		}
	} else {
		handler, ok := s.handlers[c.Error.Type]
		if !ok {
			handler = s.handleUnknown
		}
		action = handler(c, retryCount, maxRetries)
	}

	attempt := Attempt{
		Timestamp:      s.now(),
		Classification: c,
		Action:         action,
		RetryCount:     retryCount,
	}

	s.mu.Lock()
	s.recoveryHistory.Push(attempt)
	s.totalRecoveries++
	s.mu.Unlock()

	s.metrics.ObserveRecovery(action.Strategy.String())
	s.record(history.KindRecovery, attempt.Timestamp, attempt)
	s.logger.Info("recovery action selected",
		"type", c.Error.Type.String(),
		"strategy", action.Strategy.String(),
		"retry_count", retryCount,
		"max_retries", maxRetries,
		"retry_delay", action.RetryDelay)
	return action
}

// EscalateToHuman builds an escalation record with a static per-type
// recommendation. Nothing is sent.
func (s *Service) EscalateToHuman(c Classification, ctx map[string]any) Escalation {
	e := Escalation{
		ErrorType:      c.Error.Type,
		Severity:       c.Error.Severity,
		Message:        c.Error.Message,
		Rationale:      c.Rationale,
		Recommendation: recommendation(c.Error.Type),
		Context:        ctx,
		Timestamp:      s.now(),
	}
	s.logger.Warn("escalating to human",
		"type", c.Error.Type.String(),
		"severity", c.Error.Severity.String(),
		"message", c.Error.Message)
	return e
}

var recommendations = map[ErrorType]string{
	ErrorPermission: "Check file permissions and credentials; grant the required access or run with appropriate privileges.",
	ErrorNetwork:    "Verify network connectivity, proxy settings and remote service availability.",
	ErrorResource:   "Free up memory or disk space, or raise resource quotas before retrying.",
	ErrorDependency: "Install or update the missing dependencies and confirm versions are compatible.",
	ErrorValidation: "Review the input data and configuration against the expected format.",
	ErrorExecution:  "Inspect the execution logs and the failing command; fix the underlying error and retry.",
	ErrorUnknown:    "Investigate the error manually; no automated recommendation is available.",
}

func recommendation(t ErrorType) string {
	if r, ok := recommendations[t]; ok {
		return r
	}
	return recommendations[ErrorUnknown]
}

// Statistics aggregates counts by type, severity and suggested strategy.
func (s *Service) Statistics() Statistics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Statistics{
		TotalErrors:     s.totalErrors,
		TotalRecoveries: s.totalRecoveries,
		ByType:          copyCounts(s.byType),
		BySeverity:      copyCounts(s.bySeverity),
		ByStrategy:      copyCounts(s.byStrategy),
		Patterns:        copyCounts(s.patterns),
	}
}

// ErrorHistory returns the retained classifications, oldest first.
func (s *Service) ErrorHistory() []Classification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errorHistory.Slice()
}

// RecoveryHistory returns the retained recovery attempts, oldest first.
func (s *Service) RecoveryHistory() []Attempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recoveryHistory.Slice()
}

func (s *Service) record(kind string, at time.Time, payload any) {
	if s.sink == nil {
		return
	}
	if err := s.sink.Append(context.Background(), history.Record{Kind: kind, Timestamp: at, Payload: payload}); err != nil {
		s.logger.Warn("failed to externalize history record", "kind", kind, "error", err)
	}
}

func copyCounts(in map[string]int) map[string]int {
	out := make(map[string]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
