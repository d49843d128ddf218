package agent

import (
	"fmt"
	"math"
	"sort"

	"github.com/gammazero/toposort"

	"github.com/aristath/autopilot/internal/ctxmap"
)

// PlanNextSteps builds the step plan for a task: validate prerequisites
// (only when the task has dependencies), prepare, execute, validate results
// and update context. Steps below the confidence cutoff are dropped and a
// dependency on a dropped step counts as satisfied.
func (a *Agent) PlanNextSteps(task Task, data map[string]any) []NextStep {
	var steps []NextStep
	var prepareDeps []string

	if len(task.Dependencies) > 0 {
		steps = append(steps, NextStep{
			Action:      StepValidatePrerequisites,
			Description: fmt.Sprintf("Validate %d prerequisite(s) for %s", len(task.Dependencies), task.ID),
			Priority:    1,
			Confidence:  ctxmap.FractionPresent(data, task.Dependencies),
		})
		prepareDeps = []string{StepValidatePrerequisites}
	}

	steps = append(steps,
		NextStep{
			Action:       StepPrepareEnvironment,
			Description:  "Prepare the execution environment",
			Priority:     2,
			Dependencies: prepareDeps,
			Confidence:   a.cfg.PrepareConfidence,
		},
		NextStep{
			Action:            StepExecuteTask,
			Description:       describeExecution(task),
			Priority:          3,
			EstimatedDuration: a.EstimateCompletionTime(task, data).Seconds(),
			Dependencies:      []string{StepPrepareEnvironment},
			Confidence:        a.executeConfidence(task, data),
		},
		NextStep{
			Action:       StepValidateResults,
			Description:  "Validate the task results",
			Priority:     4,
			Dependencies: []string{StepExecuteTask},
			Confidence:   a.cfg.ValidateConfidence,
		},
		NextStep{
			Action:       StepUpdateContext,
			Description:  "Record results in the shared context",
			Priority:     5,
			Dependencies: []string{StepValidateResults},
			Confidence:   a.cfg.UpdateConfidence,
		},
	)

	kept := make([]NextStep, 0, len(steps))
	dropped := make(map[string]bool)
	for _, s := range steps {
		if belowCutoff(s.Confidence, a.cfg.StepConfidenceCutoff) {
			dropped[s.Action] = true
			a.logger.Debug("step dropped", "task", task.ID, "step", s.Action, "confidence", s.Confidence)
			continue
		}
		kept = append(kept, s)
	}
	for i := range kept {
		kept[i].Dependencies = withoutDropped(kept[i].Dependencies, dropped)
	}

	ordered, err := orderSteps(kept)
	if err != nil {
		// The skeleton is acyclic; fall back to plain priority order.
		a.logger.Warn("step ordering failed", "task", task.ID, "error", err)
		sort.SliceStable(kept, func(i, j int) bool { return kept[i].Priority < kept[j].Priority })
		return kept
	}
	return ordered
}

// cutoffTolerance absorbs float error in summed confidences, so 0.7-0.2
// meets a 0.5 cutoff.
const cutoffTolerance = 1e-9

func belowCutoff(confidence, cutoff float64) bool {
	return confidence < cutoff-cutoffTolerance
}

func describeExecution(task Task) string {
	if task.Description != "" {
		return "Execute: " + task.Description
	}
	return "Execute task " + task.ID
}

// executeConfidence is the base confidence adjusted for complexity plus a
// capped bonus per similar task already completed.
func (a *Agent) executeConfidence(task Task, data map[string]any) float64 {
	confidence := a.cfg.ExecuteConfidence
	switch task.Complexity {
	case ComplexityLow:
		confidence += a.cfg.ComplexityAdjustment
	case ComplexityHigh:
		confidence -= a.cfg.ComplexityAdjustment
	}
	bonus := a.cfg.SimilarTaskBonus * float64(similarCompleted(task, data))
	confidence += math.Min(bonus, a.cfg.SimilarTaskBonusCap)
	return ctxmap.Clamp01(math.Round(confidence*1e9) / 1e9)
}

// similarCompleted counts entries of "completed_tasks" with the task's
// type. Entries are either task maps carrying a "type" key or bare type
// names.
func similarCompleted(task Task, data map[string]any) int {
	if task.Type == "" {
		return 0
	}
	n := 0
	switch completed := data[ctxmap.KeyCompletedTasks].(type) {
	case []string:
		for _, t := range completed {
			if t == task.Type {
				n++
			}
		}
	case []any:
		for _, item := range completed {
			if m, ok := ctxmap.Map(item); ok {
				if ctxmap.String(m[ctxmap.KeyType]) == task.Type {
					n++
				}
			} else if ctxmap.String(item) == task.Type {
				n++
			}
		}
	case []map[string]any:
		for _, m := range completed {
			if ctxmap.String(m[ctxmap.KeyType]) == task.Type {
				n++
			}
		}
	}
	return n
}

func withoutDropped(deps []string, dropped map[string]bool) []string {
	if len(deps) == 0 {
		return nil
	}
	out := deps[:0:0]
	for _, d := range deps {
		if !dropped[d] {
			out = append(out, d)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// orderSteps returns steps in ascending priority. The toposort rejects
// cyclic dependencies; its order is used only when priorities contradict
// the dependencies.
func orderSteps(steps []NextStep) ([]NextStep, error) {
	byPriority := make([]NextStep, len(steps))
	copy(byPriority, steps)
	sort.SliceStable(byPriority, func(i, j int) bool { return byPriority[i].Priority < byPriority[j].Priority })

	index := make(map[string]NextStep, len(byPriority))
	var edges []toposort.Edge
	for _, s := range byPriority {
		index[s.Action] = s
		if len(s.Dependencies) == 0 {
			edges = append(edges, toposort.Edge{nil, s.Action})
			continue
		}
		for _, dep := range s.Dependencies {
			edges = append(edges, toposort.Edge{dep, s.Action})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("order steps: %w", err)
	}
	if dependenciesFirst(byPriority) {
		return byPriority, nil
	}

	ordered := make([]NextStep, 0, len(steps))
	for _, id := range sorted {
		if id == nil {
			continue
		}
		if s, ok := index[id.(string)]; ok {
			ordered = append(ordered, s)
		}
	}
	if len(ordered) != len(steps) {
		return nil, fmt.Errorf("order steps: sorted %d of %d steps", len(ordered), len(steps))
	}
	return ordered, nil
}

// dependenciesFirst reports whether every step follows the steps it
// depends on.
func dependenciesFirst(steps []NextStep) bool {
	seen := make(map[string]bool, len(steps))
	for _, s := range steps {
		for _, dep := range s.Dependencies {
			if !seen[dep] {
				return false
			}
		}
		seen[s.Action] = true
	}
	return true
}
