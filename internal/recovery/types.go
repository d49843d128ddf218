package recovery

import (
	"fmt"
	"time"
)

// ErrorType is the operational classification of a failure. It drives
// recovery routing.
type ErrorType int

const (
	ErrorUnknown ErrorType = iota
	ErrorPermission
	ErrorNetwork
	ErrorResource
	ErrorDependency
	ErrorValidation
	ErrorExecution
)

var errorTypeNames = map[ErrorType]string{
	ErrorUnknown:    "unknown",
	ErrorPermission: "permission",
	ErrorNetwork:    "network",
	ErrorResource:   "resource",
	ErrorDependency: "dependency",
	ErrorValidation: "validation",
	ErrorExecution:  "execution",
}

func (t ErrorType) String() string {
	if s, ok := errorTypeNames[t]; ok {
		return s
	}
	return "unknown"
}

func (t ErrorType) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *ErrorType) UnmarshalText(b []byte) error {
	v, ok := lookup(errorTypeNames, string(b))
	if !ok {
		return fmt.Errorf("unknown error type %q", b)
	}
	*t = v
	return nil
}

// Severity grades how bad a failure is.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

var severityNames = map[Severity]string{
	SeverityLow:      "low",
	SeverityMedium:   "medium",
	SeverityHigh:     "high",
	SeverityCritical: "critical",
}

func (s Severity) String() string {
	if n, ok := severityNames[s]; ok {
		return n
	}
	return "medium"
}

func (s Severity) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Severity) UnmarshalText(b []byte) error {
	v, ok := lookup(severityNames, string(b))
	if !ok {
		return fmt.Errorf("unknown severity %q", b)
	}
	*s = v
	return nil
}

// Strategy is the remedial action chosen after a classified failure.
type Strategy int

const (
	StrategyRetry Strategy = iota
	StrategyAlternative
	StrategySkip
	StrategyEscalate
	// StrategyAbort is reserved for terminal routing and only produced when
	// Config.AbortOnCritical is set.
	StrategyAbort
)

var strategyNames = map[Strategy]string{
	StrategyRetry:       "retry",
	StrategyAlternative: "alternative",
	StrategySkip:        "skip",
	StrategyEscalate:    "escalate",
	StrategyAbort:       "abort",
}

func (s Strategy) String() string {
	if n, ok := strategyNames[s]; ok {
		return n
	}
	return "escalate"
}

func (s Strategy) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Strategy) UnmarshalText(b []byte) error {
	v, ok := lookup(strategyNames, string(b))
	if !ok {
		return fmt.Errorf("unknown recovery strategy %q", b)
	}
	*s = v
	return nil
}

func lookup[T comparable](names map[T]string, s string) (T, bool) {
	for k, v := range names {
		if v == s {
			return k, true
		}
	}
	var zero T
	return zero, false
}

// ErrorInfo is a detected failure. Type and Severity are fixed at detection.
type ErrorInfo struct {
	Message   string         `json:"message"`
	Type      ErrorType      `json:"error_type"`
	Severity  Severity       `json:"severity"`
	Timestamp time.Time      `json:"timestamp"`
	Context   map[string]any `json:"context"`
}

// Classification is the verdict on an ErrorInfo, derived deterministically
// from its type and severity.
type Classification struct {
	Error             ErrorInfo `json:"error_info"`
	IsRecoverable     bool      `json:"is_recoverable"`
	SuggestedStrategy Strategy  `json:"suggested_strategy"`
	Confidence        float64   `json:"confidence"`
	Rationale         string    `json:"rationale"`
}

// Action tells the orchestrator what to do next. Delays are computed, never
// slept on, by this package.
type Action struct {
	Strategy           Strategy `json:"strategy"`
	Description        string   `json:"description"`
	RetryDelay         float64  `json:"retry_delay,omitempty"` // seconds
	MaxAttempts        int      `json:"max_attempts,omitempty"`
	AlternativeCommand string   `json:"alternative_command,omitempty"`
	EscalationMessage  string   `json:"escalation_message,omitempty"`
}

// Delay returns RetryDelay as a time.Duration.
func (a Action) Delay() time.Duration {
	return time.Duration(a.RetryDelay * float64(time.Second))
}

// Attempt is one entry of the recovery history.
type Attempt struct {
	Timestamp      time.Time      `json:"timestamp"`
	Classification Classification `json:"classification"`
	Action         Action         `json:"action"`
	RetryCount     int            `json:"retry_count"`
}

// Escalation is the structured record handed to a human. No notification is
// sent; this is the seam for an external paging channel.
type Escalation struct {
	ErrorType      ErrorType      `json:"error_type"`
	Severity       Severity       `json:"severity"`
	Message        string         `json:"message"`
	Rationale      string         `json:"rationale"`
	Recommendation string         `json:"recommendation"`
	Context        map[string]any `json:"context,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
}

// Statistics aggregates everything classified since the service was created.
type Statistics struct {
	TotalErrors     int            `json:"total_errors"`
	TotalRecoveries int            `json:"total_recoveries"`
	ByType          map[string]int `json:"by_type"`
	BySeverity      map[string]int `json:"by_severity"`
	ByStrategy      map[string]int `json:"by_strategy"`
	Patterns        map[string]int `json:"patterns"`
}
