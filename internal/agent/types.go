package agent

import (
	"fmt"
	"time"
)

// Complexity grades how much work a task is expected to take. The zero value
// is medium.
type Complexity int

const (
	ComplexityMedium Complexity = iota
	ComplexityLow
	ComplexityHigh
	ComplexityCritical
)

var complexityNames = map[Complexity]string{
	ComplexityLow:      "low",
	ComplexityMedium:   "medium",
	ComplexityHigh:     "high",
	ComplexityCritical: "critical",
}

func (c Complexity) String() string {
	if s, ok := complexityNames[c]; ok {
		return s
	}
	return "medium"
}

func (c Complexity) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

func (c *Complexity) UnmarshalText(b []byte) error {
	v, ok := lookup(complexityNames, string(b))
	if !ok {
		return fmt.Errorf("unknown complexity %q", b)
	}
	*c = v
	return nil
}

// Urgency grades a help request.
type Urgency int

const (
	UrgencyLow Urgency = iota
	UrgencyMedium
	UrgencyHigh
	UrgencyCritical
)

var urgencyNames = map[Urgency]string{
	UrgencyLow:      "low",
	UrgencyMedium:   "medium",
	UrgencyHigh:     "high",
	UrgencyCritical: "critical",
}

func (u Urgency) String() string {
	if s, ok := urgencyNames[u]; ok {
		return s
	}
	return "medium"
}

func (u Urgency) MarshalText() ([]byte, error) { return []byte(u.String()), nil }

func (u *Urgency) UnmarshalText(b []byte) error {
	v, ok := lookup(urgencyNames, string(b))
	if !ok {
		return fmt.Errorf("unknown urgency %q", b)
	}
	*u = v
	return nil
}

// Outcome is the result reported with feedback.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeFailure
)

var outcomeNames = map[Outcome]string{
	OutcomeSuccess: "success",
	OutcomeFailure: "failure",
}

func (o Outcome) String() string {
	if s, ok := outcomeNames[o]; ok {
		return s
	}
	return "failure"
}

func (o Outcome) MarshalText() ([]byte, error) { return []byte(o.String()), nil }

func (o *Outcome) UnmarshalText(b []byte) error {
	v, ok := lookup(outcomeNames, string(b))
	if !ok {
		return fmt.Errorf("unknown outcome %q", b)
	}
	*o = v
	return nil
}

func lookup[K comparable](names map[K]string, s string) (K, bool) {
	for k, v := range names {
		if v == s {
			return k, true
		}
	}
	var zero K
	return zero, false
}

// Task is the unit of work the agent plans and evaluates.
type Task struct {
	ID               string     `json:"id"`
	Type             string     `json:"type"`
	Description      string     `json:"description,omitempty"`
	Dependencies     []string   `json:"dependencies,omitempty"`
	Complexity       Complexity `json:"complexity"`
	RiskLevel        string     `json:"risk_level,omitempty"`
	RequiresApproval bool       `json:"requires_approval,omitempty"`

	// Approved is the approval flag that lets a RequiresApproval task run
	// unattended.
	Approved bool `json:"approved,omitempty"`
}

// Step names of the planning skeleton.
const (
	StepValidatePrerequisites = "validate_prerequisites"
	StepPrepareEnvironment    = "prepare_environment"
	StepExecuteTask           = "execute_task"
	StepValidateResults       = "validate_results"
	StepUpdateContext         = "update_context"
)

// NextStep is one planned action.
type NextStep struct {
	Action            string   `json:"action"`
	Description       string   `json:"description"`
	Priority          int      `json:"priority"`
	EstimatedDuration float64  `json:"estimated_duration,omitempty"` // seconds
	Dependencies      []string `json:"dependencies,omitempty"`
	Confidence        float64  `json:"confidence"`
}

// Confidence is a completion verdict.
type Confidence struct {
	Score     float64            `json:"score"`
	Rationale string             `json:"rationale"`
	Factors   map[string]float64 `json:"factors"`
}

// HelpRequest is a pending escalation to a human.
type HelpRequest struct {
	ID               string         `json:"id"`
	TaskID           string         `json:"task_id"`
	TaskType         string         `json:"task_type,omitempty"`
	Issue            string         `json:"issue"`
	Urgency          Urgency        `json:"urgency"`
	Context          map[string]any `json:"context"`
	SuggestedActions []string       `json:"suggested_actions"`
	Status           string         `json:"status"`
	Timestamp        time.Time      `json:"timestamp"`
}

// Feedback is one entry of the feedback history.
type Feedback struct {
	TaskID    string         `json:"task_id"`
	TaskType  string         `json:"task_type"`
	Feedback  map[string]any `json:"feedback,omitempty"`
	Outcome   Outcome        `json:"outcome"`
	Timestamp time.Time      `json:"timestamp"`
}

// PerformanceMetrics summarizes the agent's track record.
type PerformanceMetrics struct {
	SuccessfulTasks int     `json:"successful_tasks"`
	FailedTasks     int     `json:"failed_tasks"`
	HelpRequests    int     `json:"help_requests"`
	LearningRate    float64 `json:"learning_rate"`
	SuccessRate     float64 `json:"success_rate"`
}
