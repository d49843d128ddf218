package events

import (
	"time"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	// Subject is the session or task the event is about.
	Subject() string
}

// Topic constants
const (
	TopicSession   = "session"
	TopicTask      = "task"
	TopicMilestone = "milestone"
	TopicRecovery  = "recovery"
	TopicDecision  = "decision"
	TopicHelp      = "help"
)

// Event type constants
const (
	EventTypeSessionStarted   = "session.started"
	EventTypeSessionStatus    = "session.status"
	EventTypeSessionRemoved   = "session.removed"
	EventTypeTaskProgress     = "task.progress"
	EventTypeMilestoneChanged = "milestone.changed"
	EventTypeRecoveryAction   = "recovery.action"
	EventTypeDecisionMade     = "decision.made"
	EventTypeHelpRequested    = "help.requested"
)

// SessionStartedEvent is published when a tracker session begins.
type SessionStartedEvent struct {
	SessionID  string
	PlanName   string
	Autonomous bool
	Timestamp  time.Time
}

func (e SessionStartedEvent) EventType() string { return EventTypeSessionStarted }
func (e SessionStartedEvent) Subject() string   { return e.SessionID }

// SessionStatusEvent is published when a session changes status.
type SessionStatusEvent struct {
	SessionID string
	Status    string
	Timestamp time.Time
}

func (e SessionStatusEvent) EventType() string { return EventTypeSessionStatus }
func (e SessionStatusEvent) Subject() string   { return e.SessionID }

// SessionRemovedEvent is published when cleanup purges a session.
type SessionRemovedEvent struct {
	SessionID string
	Timestamp time.Time
}

func (e SessionRemovedEvent) EventType() string { return EventTypeSessionRemoved }
func (e SessionRemovedEvent) Subject() string   { return e.SessionID }

// TaskProgressEvent is published on every task progress update.
type TaskProgressEvent struct {
	SessionID  string
	TaskID     string
	Status     string
	RetryCount int
	Completion float64 // session completion percentage after the update
	Timestamp  time.Time
}

func (e TaskProgressEvent) EventType() string { return EventTypeTaskProgress }
func (e TaskProgressEvent) Subject() string   { return e.SessionID }

// MilestoneEvent is published when a milestone is added or transitions.
type MilestoneEvent struct {
	SessionID   string
	MilestoneID string
	Name        string
	Status      string
	Timestamp   time.Time
}

func (e MilestoneEvent) EventType() string { return EventTypeMilestoneChanged }
func (e MilestoneEvent) Subject() string   { return e.SessionID }

// RecoveryEvent is published when a failed task gets a recovery action.
type RecoveryEvent struct {
	TaskID     string
	ErrorType  string
	Strategy   string
	RetryCount int
	Delay      time.Duration
	Timestamp  time.Time
}

func (e RecoveryEvent) EventType() string { return EventTypeRecoveryAction }
func (e RecoveryEvent) Subject() string   { return e.TaskID }

// DecisionEvent is published when a control action is chosen.
type DecisionEvent struct {
	TaskID     string
	Action     string
	Confidence float64
	DelegateTo string
	Timestamp  time.Time
}

func (e DecisionEvent) EventType() string { return EventTypeDecisionMade }
func (e DecisionEvent) Subject() string   { return e.TaskID }

// HelpRequestedEvent is published when a human is asked for help.
type HelpRequestedEvent struct {
	RequestID string
	TaskID    string
	Urgency   string
	Issue     string
	Timestamp time.Time
}

func (e HelpRequestedEvent) EventType() string { return EventTypeHelpRequested }
func (e HelpRequestedEvent) Subject() string   { return e.TaskID }
