// Package metrics holds the prometheus collectors shared by the control-core
// services. A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "autopilot"

// Metrics bundles every collector exported by the control core.
type Metrics struct {
	ErrorsDetected  *prometheus.CounterVec
	RecoveryActions *prometheus.CounterVec
	Decisions       *prometheus.CounterVec
	DecisionScore   prometheus.Histogram
	HelpRequests    *prometheus.CounterVec
	Feedback        *prometheus.CounterVec
	LearningRate    prometheus.Gauge
	TaskUpdates     *prometheus.CounterVec
	SessionsStarted prometheus.Counter
	SessionStatus   *prometheus.CounterVec
	PersistDuration prometheus.Histogram
	PersistErrors   prometheus.Counter
}

// New creates the collectors and registers them with reg.
// Tests pass prometheus.NewRegistry() to stay isolated from the global registry.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ErrorsDetected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "recovery",
			Name:      "errors_classified_total",
			Help:      "Classified errors by type and severity",
		}, []string{"type", "severity"}),
		RecoveryActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "recovery",
			Name:      "actions_total",
			Help:      "Recovery actions produced by strategy",
		}, []string{"strategy"}),
		Decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "decision",
			Name:      "actions_total",
			Help:      "Actions chosen by the decision engine",
		}, []string{"action"}),
		DecisionScore: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "decision",
			Name:      "confidence",
			Help:      "Confidence of chosen actions",
			Buckets:   []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		}),
		HelpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "help_requests_total",
			Help:      "Human help requests by urgency",
		}, []string{"urgency"}),
		Feedback: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "feedback_total",
			Help:      "Feedback events by outcome",
		}, []string{"outcome"}),
		LearningRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "learning_rate",
			Help:      "Current self-tuning learning rate",
		}),
		TaskUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "progress",
			Name:      "task_updates_total",
			Help:      "Task progress updates by status",
		}, []string{"status"}),
		SessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "progress",
			Name:      "sessions_started_total",
			Help:      "Sessions started",
		}),
		SessionStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "progress",
			Name:      "session_status_changes_total",
			Help:      "Session status transitions by target status",
		}, []string{"status"}),
		PersistDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "progress",
			Name:      "persist_seconds",
			Help:      "Time spent rewriting a session file",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
		}),
		PersistErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "progress",
			Name:      "persist_errors_total",
			Help:      "Failed session file writes",
		}),
	}

	reg.MustRegister(
		m.ErrorsDetected,
		m.RecoveryActions,
		m.Decisions,
		m.DecisionScore,
		m.HelpRequests,
		m.Feedback,
		m.LearningRate,
		m.TaskUpdates,
		m.SessionsStarted,
		m.SessionStatus,
		m.PersistDuration,
		m.PersistErrors,
	)
	return m
}

// ObserveError counts a classified error.
func (m *Metrics) ObserveError(errType, severity string) {
	if m == nil {
		return
	}
	m.ErrorsDetected.WithLabelValues(errType, severity).Inc()
}

// ObserveRecovery counts a produced recovery action.
func (m *Metrics) ObserveRecovery(strategy string) {
	if m == nil {
		return
	}
	m.RecoveryActions.WithLabelValues(strategy).Inc()
}

// ObserveDecision counts a chosen action and records its confidence.
func (m *Metrics) ObserveDecision(action string, confidence float64) {
	if m == nil {
		return
	}
	m.Decisions.WithLabelValues(action).Inc()
	m.DecisionScore.Observe(confidence)
}

// ObserveHelpRequest counts a help request.
func (m *Metrics) ObserveHelpRequest(urgency string) {
	if m == nil {
		return
	}
	m.HelpRequests.WithLabelValues(urgency).Inc()
}

// ObserveFeedback counts a feedback event and publishes the new learning rate.
func (m *Metrics) ObserveFeedback(outcome string, learningRate float64) {
	if m == nil {
		return
	}
	m.Feedback.WithLabelValues(outcome).Inc()
	m.LearningRate.Set(learningRate)
}

// ObserveTaskUpdate counts a task progress update.
func (m *Metrics) ObserveTaskUpdate(status string) {
	if m == nil {
		return
	}
	m.TaskUpdates.WithLabelValues(status).Inc()
}

// ObserveSessionStarted counts a new session.
func (m *Metrics) ObserveSessionStarted() {
	if m == nil {
		return
	}
	m.SessionsStarted.Inc()
}

// ObserveSessionStatus counts a session status change.
func (m *Metrics) ObserveSessionStatus(status string) {
	if m == nil {
		return
	}
	m.SessionStatus.WithLabelValues(status).Inc()
}

// ObservePersist records a session write and whether it failed.
func (m *Metrics) ObservePersist(elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	m.PersistDuration.Observe(elapsed.Seconds())
	if err != nil {
		m.PersistErrors.Inc()
	}
}
