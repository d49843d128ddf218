package runner

import (
	"context"
	"errors"
	"fmt"

	"github.com/aristath/autopilot/internal/agent"
	"github.com/aristath/autopilot/internal/ctxmap"
	"github.com/aristath/autopilot/internal/decision"
	"github.com/aristath/autopilot/internal/events"
	"github.com/aristath/autopilot/internal/progress"
	"github.com/aristath/autopilot/internal/recovery"
)

// candidateActions are the actions offered to the decision engine per task.
var candidateActions = []decision.Action{
	decision.ActionExecute,
	decision.ActionSkip,
	decision.ActionWait,
	decision.ActionEscalate,
}

// runTask decides, executes and records a single task. It only returns an
// error when the plan must stop.
func (r *Runner) runTask(ctx context.Context, sessionID string, task agent.Task, st *runState) error {
	data := st.contextFor(task)
	res := TaskResult{TaskID: task.ID}

	choice := r.engine.ChooseAction(decision.Context{
		CurrentTask:      task.ID,
		Data:             data,
		AvailableActions: candidateActions,
		RiskTolerance:    r.cfg.RiskTolerance,
	})
	res.Decision = choice.Action
	r.publish(events.TopicDecision, events.DecisionEvent{
		TaskID:     task.ID,
		Action:     choice.Action.String(),
		Confidence: choice.Confidence,
		DelegateTo: choice.DelegateTo,
		Timestamp:  r.now(),
	})

	if choice.Action != decision.ActionExecute {
		res.Status = progress.TaskSkipped
		res.Err = fmt.Errorf("not executed: decision %s (%.2f): %s", choice.Action, choice.Confidence, choice.Rationale)
		if choice.Action == decision.ActionEscalate {
			r.escalate(ctx, task, &res, res.Err.Error(), data, agent.UrgencyMedium)
		}
		r.update(ctx, sessionID, task.ID, res.Status, progress.Result{Error: res.Err.Error()})
		st.finish(task, res)
		return nil
	}

	steps := r.agent.PlanNextSteps(task, data)
	if !plansExecution(steps) {
		res.Status = progress.TaskSkipped
		res.Err = fmt.Errorf("not executed: %s was dropped from the step plan", agent.StepExecuteTask)
		r.escalate(ctx, task, &res, res.Err.Error(), data, agent.UrgencyMedium)
		r.update(ctx, sessionID, task.ID, res.Status, progress.Result{Error: res.Err.Error()})
		st.finish(task, res)
		return nil
	}

	milestone := r.addMilestone(ctx, sessionID, task)
	r.update(ctx, sessionID, task.ID, progress.TaskInProgress, progress.Result{})
	started := r.now()

	validated := false
	var failed *stepOutcome
	var failedStep agent.NextStep
	for _, step := range steps {
		out := r.executeStep(ctx, sessionID, task, step, data)
		res.Retries += out.retries
		if out.err != nil {
			failed, failedStep = &out, step
			break
		}
		data[step.Action+ctxmap.ResultSuffix] = map[string]any{ctxmap.KeyStatus: "completed", "output": out.output}
		switch step.Action {
		case agent.StepExecuteTask:
			res.Output = out.output
		case agent.StepValidateResults:
			validated = true
		}
	}

	if failed != nil {
		return r.fail(ctx, sessionID, task, milestone, &res, failedStep, failed, data, st)
	}

	data[ctxmap.KeyResult] = map[string]any{ctxmap.KeyStatus: "completed", "output": res.Output}
	data[ctxmap.KeyValidated] = validated
	confidence := r.agent.EvaluateCompletion(task, data)
	res.Status = progress.TaskCompleted
	res.Confidence = confidence.Score

	r.update(ctx, sessionID, task.ID, progress.TaskCompleted, progress.Result{Output: res.Output})
	r.agent.LearnFromFeedback(task, map[string]any{
		"completion_time": r.now().Sub(started).Seconds(),
		"confidence":      confidence.Score,
	}, agent.OutcomeSuccess)
	r.engine.RecordOutcome(task.Type, true)
	r.finishMilestone(ctx, sessionID, milestone, progress.MilestoneCompleted)

	if !r.agent.ShouldAutonomouslyProceed(task, confidence, 0) {
		issue := fmt.Sprintf("completion confidence %.2f does not clear the proceed gate: %s", confidence.Score, confidence.Rationale)
		r.escalate(ctx, task, &res, issue, data, agent.UrgencyMedium)
		if r.cfg.Autonomous {
			r.logger.Warn("pausing autonomous session", "session", sessionID, "task", task.ID, "confidence", confidence.Score)
			st.setPaused()
		}
	}

	st.finish(task, res)
	return nil
}

func plansExecution(steps []agent.NextStep) bool {
	for _, s := range steps {
		if s.Action == agent.StepExecuteTask {
			return true
		}
	}
	return false
}

// fail records a failed step according to its terminal recovery action.
func (r *Runner) fail(ctx context.Context, sessionID string, task agent.Task, milestone string, res *TaskResult, step agent.NextStep, out *stepOutcome, data map[string]any, st *runState) error {
	res.Recovery = out.action
	res.Err = fmt.Errorf("step %s: %w", step.Action, out.err)
	res.Status = progress.TaskFailed
	milestoneStatus := progress.MilestoneFailed
	var abort error

	if out.action != nil {
		switch out.action.Strategy {
		case recovery.StrategySkip:
			res.Status = progress.TaskSkipped
			milestoneStatus = progress.MilestoneSkipped
		case recovery.StrategyAlternative:
			res.Err = fmt.Errorf("%w; suggested: %s", res.Err, out.action.AlternativeCommand)
		case recovery.StrategyEscalate:
			issue := out.action.EscalationMessage
			if issue == "" {
				issue = res.Err.Error()
			}
			r.escalate(ctx, task, res, issue, data, urgencyFor(out.classification))
		case recovery.StrategyAbort:
			r.escalate(ctx, task, res, res.Err.Error(), data, agent.UrgencyCritical)
			abort = fmt.Errorf("%w: task %s: %v", ErrAborted, task.ID, out.err)
		}
	}

	r.update(ctx, sessionID, task.ID, res.Status, progress.Result{Error: res.Err.Error()})
	if !errors.Is(out.err, context.Canceled) {
		r.agent.LearnFromFeedback(task, map[string]any{"error": out.err.Error()}, agent.OutcomeFailure)
		r.engine.RecordOutcome(task.Type, false)
	}
	r.finishMilestone(ctx, sessionID, milestone, milestoneStatus)

	r.logger.Warn("task failed",
		"session", sessionID,
		"task", task.ID,
		"step", step.Action,
		"status", res.Status.String(),
		"retries", res.Retries,
		"error", out.err)
	st.finish(task, *res)
	return abort
}

// escalate raises a help request and, when a help channel is configured,
// waits for guidance.
func (r *Runner) escalate(ctx context.Context, task agent.Task, res *TaskResult, issue string, data map[string]any, urgency agent.Urgency) {
	req := r.agent.RequestHelp(task, issue, data, urgency)
	res.Help = &req
	r.publish(events.TopicHelp, events.HelpRequestedEvent{
		RequestID: req.ID,
		TaskID:    task.ID,
		Urgency:   urgency.String(),
		Issue:     issue,
		Timestamp: req.Timestamp,
	})
	if r.help == nil {
		return
	}
	guidance, err := r.help.Ask(ctx, req)
	if err != nil {
		r.logger.Warn("help request unanswered", "task", task.ID, "request", req.ID, "error", err)
		return
	}
	res.Guidance = guidance
}

func urgencyFor(c recovery.Classification) agent.Urgency {
	switch c.Error.Severity {
	case recovery.SeverityCritical:
		return agent.UrgencyCritical
	case recovery.SeverityHigh:
		return agent.UrgencyHigh
	default:
		return agent.UrgencyMedium
	}
}

func (r *Runner) update(ctx context.Context, sessionID, taskID string, status progress.TaskStatus, result progress.Result) {
	// Terminal updates are recorded even when the run is being cancelled.
	if _, err := r.tracker.UpdateProgress(context.WithoutCancel(ctx), sessionID, taskID, status, result); err != nil {
		r.logger.Warn("failed to record task progress",
			"session", sessionID,
			"task", taskID,
			"status", status.String(),
			"error", err)
	}
}

func (r *Runner) addMilestone(ctx context.Context, sessionID string, task agent.Task) string {
	m, err := r.tracker.AddMilestone(ctx, sessionID, task.ID, "Execute task "+task.ID, map[string]any{
		ctxmap.KeyTaskType: task.Type,
	})
	if m == nil {
		r.logger.Warn("failed to add milestone", "session", sessionID, "task", task.ID, "error", err)
		return ""
	}
	if err := r.tracker.StartMilestone(ctx, sessionID, m.ID); err != nil {
		r.logger.Warn("failed to start milestone", "session", sessionID, "milestone", m.ID, "error", err)
	}
	return m.ID
}

func (r *Runner) finishMilestone(ctx context.Context, sessionID, id string, status progress.MilestoneStatus) {
	if id == "" {
		return
	}
	if err := r.tracker.FinishMilestone(context.WithoutCancel(ctx), sessionID, id, status); err != nil {
		r.logger.Warn("failed to finish milestone", "session", sessionID, "milestone", id, "error", err)
	}
}
