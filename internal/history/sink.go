package history

import (
	"context"
	"time"
)

// Record kinds written by the services.
const (
	KindError    = "error"
	KindRecovery = "recovery"
	KindDecision = "decision"
	KindFeedback = "feedback"
	KindHelp     = "help_request"
)

// Record is one externalized history entry. Payload must be JSON-serializable.
type Record struct {
	Kind      string    `json:"kind"`
	Subject   string    `json:"subject,omitempty"` // task or session the record is about
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// Sink receives every history record as it is appended. Implementations
// must be safe for concurrent use.
type Sink interface {
	Append(ctx context.Context, rec Record) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, rec Record) error

// Append calls f(ctx, rec).
func (f SinkFunc) Append(ctx context.Context, rec Record) error { return f(ctx, rec) }
