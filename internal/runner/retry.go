package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/aristath/autopilot/internal/agent"
	"github.com/aristath/autopilot/internal/events"
	"github.com/aristath/autopilot/internal/progress"
	"github.com/aristath/autopilot/internal/recovery"
)

// recoveryBackOff is a backoff.BackOff whose intervals are set by the
// recovery service after each failure rather than by a fixed schedule.
type recoveryBackOff struct {
	next     time.Duration
	maxDelay time.Duration
}

func (b *recoveryBackOff) NextBackOff() time.Duration {
	if b.maxDelay > 0 && b.next > b.maxDelay {
		return b.maxDelay
	}
	return b.next
}

func (b *recoveryBackOff) Reset() { b.next = 0 }

// stepOutcome is the result of running one planned step to completion or
// to a terminal recovery action.
type stepOutcome struct {
	output         string
	retries        int
	action         *recovery.Action // terminal recovery action; nil on success or rejection
	classification recovery.Classification
	err            error
}

// executeStep runs a step through the task type's circuit breaker. Each
// failure is classified; RETRY actions sleep for the computed delay and try
// again, anything else ends the step.
func (r *Runner) executeStep(ctx context.Context, sessionID string, task agent.Task, step agent.NextStep, data map[string]any) stepOutcome {
	var out stepOutcome
	cb := r.breakers.Get(task.Type)
	policy := &recoveryBackOff{maxDelay: seconds(r.cfg.MaxRetryDelay)}

	operation := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}

		res, err := cb.Execute(func() (any, error) {
			output, err := r.exec.Execute(ctx, task, step, data)
			return output, markCancelled(ctx, err)
		})
		if err == nil {
			out.output, _ = res.(string)
			return nil
		}
		if isBreakerRejection(err) || ctx.Err() != nil {
			return backoff.Permanent(err)
		}

		cls := r.recovery.ClassifyError(r.recovery.DetectError(err.Error()))
		action := r.recovery.AttemptRecovery(cls, out.retries, r.cfg.MaxRetries)
		out.classification = cls
		r.publish(events.TopicRecovery, events.RecoveryEvent{
			TaskID:     task.ID,
			ErrorType:  cls.Error.Type.String(),
			Strategy:   action.Strategy.String(),
			RetryCount: out.retries,
			Delay:      action.Delay(),
			Timestamp:  r.now(),
		})

		if action.Strategy == recovery.StrategyRetry {
			if action.MaxAttempts > 0 && out.retries >= action.MaxAttempts {
				action = exhausted(action, out.retries, err)
				out.action = &action
				return backoff.Permanent(err)
			}
			out.retries++
			policy.next = action.Delay()
			if _, uerr := r.tracker.UpdateProgress(ctx, sessionID, task.ID, progress.TaskRetrying, progress.Result{Error: err.Error()}); uerr != nil {
				r.logger.Warn("failed to record retry", "session", sessionID, "task", task.ID, "error", uerr)
			}
			return err
		}

		out.action = &action
		return backoff.Permanent(err)
	}

	notify := func(err error, next time.Duration) {
		r.logger.Info("retrying step",
			"session", sessionID,
			"task", task.ID,
			"step", step.Action,
			"attempt", out.retries,
			"delay", next,
			"error", err)
	}

	out.err = backoff.RetryNotifyWithTimer(operation, backoff.WithContext(policy, ctx), notify, r.newTimer())
	return out
}

// exhausted turns a RETRY whose attempt budget is spent into an escalation.
func exhausted(action recovery.Action, retries int, err error) recovery.Action {
	return recovery.Action{
		Strategy:          recovery.StrategyEscalate,
		Description:       "retry budget exhausted",
		EscalationMessage: fmt.Sprintf("still failing after %d of %d attempts: %v", retries, action.MaxAttempts, err),
	}
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
