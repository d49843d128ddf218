package progress

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors. Callers match with errors.Is.
var (
	ErrSessionNotFound   = errors.New("session not found")
	ErrMilestoneNotFound = errors.New("milestone not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrInvalidSessionID  = errors.New("invalid session id")
)

// SessionStatus is the lifecycle state of a session.
type SessionStatus int

const (
	SessionInitializing SessionStatus = iota
	SessionInProgress
	SessionPaused
	SessionCompleted
	SessionFailed
	SessionCancelled
)

var sessionStatusNames = map[SessionStatus]string{
	SessionInitializing: "initializing",
	SessionInProgress:   "in_progress",
	SessionPaused:       "paused",
	SessionCompleted:    "completed",
	SessionFailed:       "failed",
	SessionCancelled:    "cancelled",
}

// sessionTransitions lists the allowed next states. Terminal states have
// no entry.
var sessionTransitions = map[SessionStatus][]SessionStatus{
	SessionInitializing: {SessionInProgress, SessionFailed, SessionCancelled},
	SessionInProgress:   {SessionPaused, SessionCompleted, SessionFailed, SessionCancelled},
	SessionPaused:       {SessionInProgress, SessionFailed, SessionCancelled},
}

func (s SessionStatus) String() string {
	if n, ok := sessionStatusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("session_status(%d)", int(s))
}

// Terminal reports whether the session can no longer change status.
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionFailed || s == SessionCancelled
}

func (s SessionStatus) MarshalText() ([]byte, error) { return marshal(sessionStatusNames, s, "session status") }

func (s *SessionStatus) UnmarshalText(b []byte) error {
	return unmarshal(sessionStatusNames, s, b, "session status")
}

// ParseSessionStatus resolves a session status from its serialized name.
func ParseSessionStatus(s string) (SessionStatus, error) {
	var v SessionStatus
	err := v.UnmarshalText([]byte(s))
	return v, err
}

// TaskStatus is the state of one task within a session.
type TaskStatus int

const (
	TaskPending TaskStatus = iota
	TaskInProgress
	TaskRetrying
	TaskCompleted
	TaskFailed
	TaskError
	TaskSkipped
)

var taskStatusNames = map[TaskStatus]string{
	TaskPending:    "pending",
	TaskInProgress: "in_progress",
	TaskRetrying:   "retrying",
	TaskCompleted:  "completed",
	TaskFailed:     "failed",
	TaskError:      "error",
	TaskSkipped:    "skipped",
}

func (s TaskStatus) String() string {
	if n, ok := taskStatusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("task_status(%d)", int(s))
}

// Terminal reports whether the task has finished, successfully or not.
func (s TaskStatus) Terminal() bool {
	return s.timed() || s == TaskSkipped
}

// timed reports whether the status records a duration.
func (s TaskStatus) timed() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskError
}

func (s TaskStatus) MarshalText() ([]byte, error) { return marshal(taskStatusNames, s, "task status") }

func (s *TaskStatus) UnmarshalText(b []byte) error {
	return unmarshal(taskStatusNames, s, b, "task status")
}

// ParseTaskStatus resolves a task status from its serialized name.
func ParseTaskStatus(s string) (TaskStatus, error) {
	var v TaskStatus
	err := v.UnmarshalText([]byte(s))
	return v, err
}

// MilestoneStatus is the state of a milestone.
type MilestoneStatus int

const (
	MilestonePending MilestoneStatus = iota
	MilestoneInProgress
	MilestoneCompleted
	MilestoneFailed
	MilestoneSkipped
)

var milestoneStatusNames = map[MilestoneStatus]string{
	MilestonePending:    "pending",
	MilestoneInProgress: "in_progress",
	MilestoneCompleted:  "completed",
	MilestoneFailed:     "failed",
	MilestoneSkipped:    "skipped",
}

var milestoneTransitions = map[MilestoneStatus][]MilestoneStatus{
	MilestonePending:    {MilestoneInProgress, MilestoneCompleted, MilestoneFailed, MilestoneSkipped},
	MilestoneInProgress: {MilestoneCompleted, MilestoneFailed, MilestoneSkipped},
}

func (s MilestoneStatus) String() string {
	if n, ok := milestoneStatusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("milestone_status(%d)", int(s))
}

// Terminal reports whether the milestone is finished.
func (s MilestoneStatus) Terminal() bool {
	return s == MilestoneCompleted || s == MilestoneFailed || s == MilestoneSkipped
}

func (s MilestoneStatus) MarshalText() ([]byte, error) {
	return marshal(milestoneStatusNames, s, "milestone status")
}

func (s *MilestoneStatus) UnmarshalText(b []byte) error {
	return unmarshal(milestoneStatusNames, s, b, "milestone status")
}

func marshal[K comparable](names map[K]string, v K, what string) ([]byte, error) {
	n, ok := names[v]
	if !ok {
		return nil, fmt.Errorf("unknown %s %v", what, v)
	}
	return []byte(n), nil
}

func unmarshal[K comparable](names map[K]string, dst *K, b []byte, what string) error {
	for k, n := range names {
		if n == string(b) {
			*dst = k
			return nil
		}
	}
	return fmt.Errorf("unknown %s %q", what, b)
}

func allowed[K comparable](table map[K][]K, from, to K) bool {
	for _, next := range table[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TaskProgress is one task within a session.
type TaskProgress struct {
	TaskID      string     `json:"task_id"`
	Status      TaskStatus `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Duration    *float64   `json:"duration,omitempty"` // seconds
	Output      string     `json:"output,omitempty"`
	Error       string     `json:"error,omitempty"`
	RetryCount  int        `json:"retry_count"`
}

func (t *TaskProgress) clone() TaskProgress {
	out := *t
	out.CompletedAt = copyTime(t.CompletedAt)
	if t.Duration != nil {
		d := *t.Duration
		out.Duration = &d
	}
	return out
}

// Result carries the output of a task update.
type Result struct {
	Output string
	Error  string
}

// Milestone is a named checkpoint within a session.
type Milestone struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Status      MilestoneStatus `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Metadata    map[string]any  `json:"metadata,omitempty"`
}

// SessionProgress is one execution run.
type SessionProgress struct {
	SessionID      string                   `json:"session_id"`
	PlanName       string                   `json:"plan_name"`
	Status         SessionStatus            `json:"status"`
	AutonomousMode bool                     `json:"autonomous_mode"`
	StartedAt      time.Time                `json:"started_at"`
	CompletedAt    *time.Time               `json:"completed_at,omitempty"`
	Tasks          map[string]*TaskProgress `json:"tasks"`
	Milestones     []*Milestone             `json:"milestones"`
	TasksTotal     int                      `json:"tasks_total"`
	TasksCompleted int                      `json:"tasks_completed"`
	Metrics        map[string]float64       `json:"metrics"`
	Metadata       map[string]any           `json:"metadata,omitempty"`

	// CompletionPercentage is derived on read and never trusted from disk.
	CompletionPercentage float64 `json:"completion_percentage"`
}

func (s *SessionProgress) completion() float64 {
	if s.TasksTotal == 0 {
		return 0
	}
	return 100 * float64(s.TasksCompleted) / float64(s.TasksTotal)
}

func (s *SessionProgress) milestone(id string) *Milestone {
	for _, m := range s.Milestones {
		if m.ID == id {
			return m
		}
	}
	return nil
}

// clone returns a deep copy with the completion percentage filled in.
func (s *SessionProgress) clone() *SessionProgress {
	out := *s
	out.CompletedAt = copyTime(s.CompletedAt)
	out.Tasks = make(map[string]*TaskProgress, len(s.Tasks))
	for id, t := range s.Tasks {
		tc := t.clone()
		out.Tasks[id] = &tc
	}
	out.Milestones = make([]*Milestone, len(s.Milestones))
	for i, m := range s.Milestones {
		mc := *m
		mc.CompletedAt = copyTime(m.CompletedAt)
		mc.Metadata = copyMap(m.Metadata)
		out.Milestones[i] = &mc
	}
	out.Metrics = make(map[string]float64, len(s.Metrics))
	for k, v := range s.Metrics {
		out.Metrics[k] = v
	}
	out.Metadata = copyMap(s.Metadata)
	out.CompletionPercentage = s.completion()
	return &out
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// copyMap is shallow: nested values are shared.
func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Summary is a one-line view of a session.
type Summary struct {
	SessionID            string        `json:"session_id"`
	PlanName             string        `json:"plan_name"`
	Status               SessionStatus `json:"status"`
	StartedAt            time.Time     `json:"started_at"`
	CompletionPercentage float64       `json:"completion_percentage"`
}

// Report aggregates a session's progress.
type Report struct {
	SessionID           string             `json:"session_id"`
	PlanName            string             `json:"plan_name"`
	Status              SessionStatus      `json:"status"`
	StartedAt           time.Time          `json:"started_at"`
	CompletedAt         *time.Time         `json:"completed_at,omitempty"`
	Elapsed             float64            `json:"elapsed"` // seconds
	TasksTotal          int                `json:"tasks_total"`
	TasksCompleted      int                `json:"tasks_completed"`
	TasksByStatus       map[string]int     `json:"tasks_by_status"`
	CompletionRate      float64            `json:"completion_rate"`
	MilestonesTotal     int                `json:"milestones_total"`
	MilestonesCompleted int                `json:"milestones_completed"`
	AverageTaskDuration float64            `json:"average_task_duration"` // seconds
	TotalRetries        int                `json:"total_retries"`
	Metrics             map[string]float64 `json:"metrics,omitempty"`
	GeneratedAt         time.Time          `json:"generated_at"`
}
