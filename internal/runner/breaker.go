package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// halfOpenRequests is how many trial executions a half-open breaker lets through.
const halfOpenRequests = 3

// errRunCancelled marks a step error caused by the run's own context being
// cancelled. Breakers do not count it as a failure. A deadline raised inside
// the executor is not marked and counts as one.
var errRunCancelled = errors.New("run cancelled")

// BreakerRegistry manages one circuit breaker per task type.
type BreakerRegistry struct {
	failures uint32
	timeout  time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewBreakerRegistry creates a registry whose breakers trip after failures
// consecutive failures and stay open for timeout.
func NewBreakerRegistry(failures uint32, timeout time.Duration, logger *slog.Logger) *BreakerRegistry {
	return &BreakerRegistry{
		failures: failures,
		timeout:  timeout,
		logger:   logger,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Get returns the breaker for a task type, creating it on first use.
func (r *BreakerRegistry) Get(taskType string) *gobreaker.CircuitBreaker {
	if taskType == "" {
		taskType = "default"
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[taskType]; ok {
		return cb
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        taskType,
		MaxRequests: halfOpenRequests,
		Timeout:     r.timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= r.failures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			r.logger.Warn("circuit breaker state changed", "task_type", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, errRunCancelled)
		},
	})

	r.breakers[taskType] = cb
	return cb
}

// States reports the current state of every breaker, keyed by task type.
func (r *BreakerRegistry) States() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]string, len(r.breakers))
	for name, cb := range r.breakers {
		out[name] = cb.State().String()
	}
	return out
}

// markCancelled tags err with errRunCancelled when ctx is done.
func markCancelled(ctx context.Context, err error) error {
	if err == nil || ctx.Err() == nil {
		return err
	}
	return fmt.Errorf("%w: %w", errRunCancelled, err)
}

// isBreakerRejection reports whether err came from an open or saturated breaker.
func isBreakerRejection(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
