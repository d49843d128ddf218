// Package runner is a reference runtime for the control core. For each task
// of a plan it consults the decision engine, plans steps with the agent,
// executes them under a per-type circuit breaker, drives retries from the
// recovery service and records everything in the progress tracker.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/autopilot/internal/agent"
	"github.com/aristath/autopilot/internal/decision"
	"github.com/aristath/autopilot/internal/events"
	"github.com/aristath/autopilot/internal/logging"
	"github.com/aristath/autopilot/internal/progress"
	"github.com/aristath/autopilot/internal/recovery"
)

var (
	// ErrAborted is returned by Run when a recovery action aborted the plan.
	ErrAborted = errors.New("plan aborted")
	// ErrInvalidPlan is returned for duplicate task ids, unknown
	// dependencies and dependency cycles.
	ErrInvalidPlan = errors.New("invalid plan")
	// ErrMissingService is returned by New when a service is nil.
	ErrMissingService = errors.New("missing service")
)

// Config tunes the runtime.
type Config struct {
	MaxParallel     int     `json:"max_parallel" yaml:"max_parallel" validate:"gte=1"`
	MaxRetries      int     `json:"max_retries" yaml:"max_retries" validate:"gte=0"`
	MaxRetryDelay   float64 `json:"max_retry_delay" yaml:"max_retry_delay" validate:"gt=0"` // seconds
	BreakerFailures uint32  `json:"breaker_failures" yaml:"breaker_failures" validate:"gte=1"`
	BreakerTimeout  float64 `json:"breaker_timeout" yaml:"breaker_timeout" validate:"gt=0"` // seconds
	RiskTolerance   float64 `json:"risk_tolerance" yaml:"risk_tolerance" validate:"gte=0,lte=1"`
	HelpQueueSize   int     `json:"help_queue_size" yaml:"help_queue_size" validate:"gte=1"`

	// Autonomous sessions pause when a completed task fails the proceed
	// gate. Supervised sessions raise a help request and keep going.
	Autonomous bool `json:"autonomous" yaml:"autonomous"`
}

// DefaultConfig returns the stock runtime settings.
func DefaultConfig() Config {
	return Config{
		MaxParallel:     4,
		MaxRetries:      3,
		MaxRetryDelay:   60,
		BreakerFailures: 5,
		BreakerTimeout:  30,
		RiskTolerance:   0.5,
		HelpQueueSize:   16,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxParallel <= 0 {
		c.MaxParallel = d.MaxParallel
	}
	if c.MaxRetryDelay <= 0 {
		c.MaxRetryDelay = d.MaxRetryDelay
	}
	if c.BreakerFailures == 0 {
		c.BreakerFailures = d.BreakerFailures
	}
	if c.BreakerTimeout <= 0 {
		c.BreakerTimeout = d.BreakerTimeout
	}
	if c.HelpQueueSize <= 0 {
		c.HelpQueueSize = d.HelpQueueSize
	}
	return c
}

// Executor performs one planned step of a task and returns its output.
type Executor interface {
	Execute(ctx context.Context, task agent.Task, step agent.NextStep, data map[string]any) (string, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, task agent.Task, step agent.NextStep, data map[string]any) (string, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, task agent.Task, step agent.NextStep, data map[string]any) (string, error) {
	return f(ctx, task, step, data)
}

// Services are the control-core services the runner drives.
type Services struct {
	Recovery *recovery.Service
	Decision *decision.Engine
	Agent    *agent.Agent
	Progress *progress.Tracker
}

// Option customizes a Runner.
type Option func(*Runner)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option { return func(r *Runner) { r.logger = l } }

// WithEvents publishes recovery, decision and help events.
func WithEvents(p events.Publisher) Option { return func(r *Runner) { r.bus = p } }

// WithHelpChannel forwards help requests to a started HelpChannel.
func WithHelpChannel(h *HelpChannel) Option { return func(r *Runner) { r.help = h } }

// WithTimer overrides the retry timer, for tests.
func WithTimer(newTimer func() backoff.Timer) Option { return func(r *Runner) { r.newTimer = newTimer } }

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option { return func(r *Runner) { r.now = now } }

// Runner executes plans. A Runner may run several plans concurrently.
type Runner struct {
	cfg      Config
	recovery *recovery.Service
	engine   *decision.Engine
	agent    *agent.Agent
	tracker  *progress.Tracker
	exec     Executor
	breakers *BreakerRegistry
	help     *HelpChannel
	bus      events.Publisher
	logger   *slog.Logger
	newTimer func() backoff.Timer
	now      func() time.Time
}

// New creates a runner.
func New(cfg Config, svc Services, exec Executor, opts ...Option) (*Runner, error) {
	switch {
	case svc.Recovery == nil:
		return nil, fmt.Errorf("%w: recovery", ErrMissingService)
	case svc.Decision == nil:
		return nil, fmt.Errorf("%w: decision", ErrMissingService)
	case svc.Agent == nil:
		return nil, fmt.Errorf("%w: agent", ErrMissingService)
	case svc.Progress == nil:
		return nil, fmt.Errorf("%w: progress", ErrMissingService)
	case exec == nil:
		return nil, fmt.Errorf("%w: executor", ErrMissingService)
	}

	cfg = cfg.withDefaults()
	r := &Runner{
		cfg:      cfg,
		recovery: svc.Recovery,
		engine:   svc.Decision,
		agent:    svc.Agent,
		tracker:  svc.Progress,
		exec:     exec,
		logger:   logging.Nop(),
		newTimer: func() backoff.Timer { return nil },
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.breakers = NewBreakerRegistry(cfg.BreakerFailures, seconds(cfg.BreakerTimeout), r.logger)
	return r, nil
}

// Plan is a named set of tasks. Context seeds the shared decision context.
type Plan struct {
	Name    string
	Tasks   []agent.Task
	Context map[string]any
}

// TaskResult is the outcome of one task.
type TaskResult struct {
	TaskID     string
	Status     progress.TaskStatus
	Decision   decision.Action
	Output     string
	Retries    int
	Recovery   *recovery.Action // terminal recovery action, if the task failed
	Confidence float64          // completion confidence of a completed task
	Help       *agent.HelpRequest
	Guidance   string
	Err        error
}

// Result is the outcome of a plan.
type Result struct {
	SessionID string
	Status    progress.SessionStatus
	Tasks     []TaskResult // plan order
}

// Run executes a plan in dependency waves, at most MaxParallel tasks at a
// time. A task runs once all of its dependencies have settled, whatever
// their outcome; the decision engine sees the failures.
func (r *Runner) Run(ctx context.Context, plan Plan) (*Result, error) {
	if err := validatePlan(plan); err != nil {
		return nil, err
	}

	session, err := r.tracker.StartSession(ctx, plan.Name, r.cfg.Autonomous, map[string]any{
		"total_tasks": len(plan.Tasks),
	})
	if session == nil {
		return nil, fmt.Errorf("start session: %w", err)
	}
	if err != nil {
		r.logger.Warn("session not persisted", "session", session.SessionID, "error", err)
	}
	sessionID := session.SessionID

	st := newRunState(plan)
	var runErr error
	for !st.paused() {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}
		eligible := st.eligible()
		if len(eligible) == 0 {
			break
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(r.cfg.MaxParallel)
		for _, task := range eligible {
			st.start(task.ID)
			g.Go(func() error {
				return r.runTask(gctx, sessionID, task, st)
			})
		}
		if err := g.Wait(); err != nil {
			runErr = err
			break
		}
	}

	results := st.results()
	r.recordMetrics(ctx, sessionID, results)
	status := st.sessionStatus(runErr)
	if err := r.tracker.SetSessionStatus(context.WithoutCancel(ctx), sessionID, status); err != nil {
		r.logger.Warn("failed to set session status", "session", sessionID, "status", status.String(), "error", err)
	}
	r.logger.Info("plan finished", "session", sessionID, "plan", plan.Name, "status", status.String())

	return &Result{SessionID: sessionID, Status: status, Tasks: results}, runErr
}

// recordMetrics stores run totals on the session so reports carry them.
func (r *Runner) recordMetrics(ctx context.Context, sessionID string, results []TaskResult) {
	var retries, help float64
	for _, res := range results {
		retries += float64(res.Retries)
		if res.Help != nil {
			help++
		}
	}
	ctx = context.WithoutCancel(ctx)
	for name, v := range map[string]float64{"retries": retries, "help_requests": help} {
		if err := r.tracker.RecordMetric(ctx, sessionID, name, v); err != nil {
			r.logger.Warn("failed to record session metric", "session", sessionID, "metric", name, "error", err)
		}
	}
}

// RunAll runs several plans concurrently, at most MaxParallel at a time.
// Results are in plan order; a plan that could not start has a nil result.
func (r *Runner) RunAll(ctx context.Context, plans []Plan) ([]*Result, error) {
	results := make([]*Result, len(plans))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.MaxParallel)
	for i, plan := range plans {
		g.Go(func() error {
			res, err := r.Run(gctx, plan)
			results[i] = res
			if err != nil {
				return fmt.Errorf("plan %q: %w", plan.Name, err)
			}
			return nil
		})
	}
	return results, g.Wait()
}

// BreakerStates reports the circuit breaker state per task type.
func (r *Runner) BreakerStates() map[string]string {
	return r.breakers.States()
}

func (r *Runner) publish(topic string, e events.Event) {
	if r.bus != nil {
		r.bus.Publish(topic, e)
	}
}
