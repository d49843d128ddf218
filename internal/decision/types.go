package decision

import (
	"fmt"
	"time"
)

// Action is a control action the engine can choose.
type Action int

const (
	ActionExecute Action = iota
	ActionSkip
	ActionDelegate
	ActionWait
	ActionEscalate
	ActionRetry
	// ActionEvaluate only labels the result of EvaluateContext.
	ActionEvaluate
)

var actionNames = map[Action]string{
	ActionExecute:  "execute",
	ActionSkip:     "skip",
	ActionDelegate: "delegate",
	ActionWait:     "wait",
	ActionEscalate: "escalate",
	ActionRetry:    "retry",
	ActionEvaluate: "evaluate",
}

func (a Action) String() string {
	if s, ok := actionNames[a]; ok {
		return s
	}
	return fmt.Sprintf("action(%d)", int(a))
}

func (a Action) MarshalText() ([]byte, error) {
	s, ok := actionNames[a]
	if !ok {
		return nil, fmt.Errorf("unknown action %d", int(a))
	}
	return []byte(s), nil
}

func (a *Action) UnmarshalText(b []byte) error {
	v, err := ParseAction(string(b))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// ParseAction resolves an action from its serialized name.
func ParseAction(s string) (Action, error) {
	for k, v := range actionNames {
		if v == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown action %q", s)
}

// Context is the input to a single decision point.
type Context struct {
	CurrentTask         string             `json:"current_task"`
	CurrentAgent        string             `json:"current_agent,omitempty"`
	TargetAgent         string             `json:"target_agent,omitempty"`
	Data                map[string]any     `json:"context"`
	AvailableActions    []Action           `json:"available_actions"`
	AvailableAgents     []string           `json:"available_agents,omitempty"`
	RiskTolerance       float64            `json:"risk_tolerance"`
	TimeConstraint      float64            `json:"time_constraint,omitempty"` // seconds; 0 means none
	ResourceConstraints map[string]float64 `json:"resource_constraints,omitempty"`
}

// RiskAssessment holds the five named risk scores, each in [0, 1].
type RiskAssessment struct {
	Execution  float64 `json:"execution_risk"`
	Resource   float64 `json:"resource_risk"`
	Dependency float64 `json:"dependency_risk"`
	Permission float64 `json:"permission_risk"`
	Time       float64 `json:"time_risk"`
}

// Mean is the unweighted average of the five scores.
func (r RiskAssessment) Mean() float64 {
	return (r.Execution + r.Resource + r.Dependency + r.Permission + r.Time) / 5
}

// Alternative is a runner-up action with its score.
type Alternative struct {
	Action Action  `json:"action"`
	Score  float64 `json:"score"`
}

// Result is the chosen action and the reasoning behind it.
type Result struct {
	Action         Action             `json:"action"`
	Confidence     float64            `json:"confidence"`
	Rationale      string             `json:"rationale"`
	RiskAssessment RiskAssessment     `json:"risk_assessment"`
	Alternatives   []Alternative      `json:"alternative_actions"`
	DelegateTo     string             `json:"delegate_to,omitempty"`
	Factors        map[string]float64 `json:"factors,omitempty"`
	Timestamp      time.Time          `json:"timestamp"`
}

// Record is one entry of the decision history.
type Record struct {
	Task   string `json:"task"`
	Result Result `json:"result"`
}
