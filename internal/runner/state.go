package runner

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"

	"github.com/gammazero/toposort"

	"github.com/aristath/autopilot/internal/agent"
	"github.com/aristath/autopilot/internal/ctxmap"
	"github.com/aristath/autopilot/internal/progress"
)

// validatePlan rejects duplicate ids, unknown dependencies and cycles.
func validatePlan(plan Plan) error {
	ids := make(map[string]bool, len(plan.Tasks))
	for _, t := range plan.Tasks {
		if t.ID == "" {
			return fmt.Errorf("%w: task with empty id", ErrInvalidPlan)
		}
		if ids[t.ID] {
			return fmt.Errorf("%w: duplicate task %q", ErrInvalidPlan, t.ID)
		}
		ids[t.ID] = true
	}

	var edges []toposort.Edge
	for _, t := range plan.Tasks {
		if len(t.Dependencies) == 0 {
			edges = append(edges, toposort.Edge{nil, t.ID})
			continue
		}
		for _, dep := range t.Dependencies {
			if !ids[dep] {
				return fmt.Errorf("%w: task %q depends on unknown task %q", ErrInvalidPlan, t.ID, dep)
			}
			edges = append(edges, toposort.Edge{dep, t.ID})
		}
	}
	if _, err := toposort.Toposort(edges); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPlan, err)
	}
	return nil
}

// runState is the shared state of one plan run.
type runState struct {
	tasks []agent.Task

	mu        sync.Mutex
	data      map[string]any
	completed []map[string]any
	started   map[string]bool
	outcomes  map[string]*TaskResult
	pause     bool
}

func newRunState(plan Plan) *runState {
	data := make(map[string]any, len(plan.Context))
	maps.Copy(data, plan.Context)
	return &runState{
		tasks:    plan.Tasks,
		data:     data,
		started:  make(map[string]bool),
		outcomes: make(map[string]*TaskResult),
	}
}

// eligible returns the tasks not yet started whose dependencies have all
// settled.
func (s *runState) eligible() []agent.Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []agent.Task
	for _, t := range s.tasks {
		if s.started[t.ID] {
			continue
		}
		ready := true
		for _, dep := range t.Dependencies {
			if _, done := s.outcomes[dep]; !done {
				ready = false
				break
			}
		}
		if ready {
			out = append(out, t)
		}
	}
	return out
}

func (s *runState) start(id string) {
	s.mu.Lock()
	s.started[id] = true
	s.mu.Unlock()
}

// contextFor copies the shared context and adds the task's well-known keys.
func (s *runState) contextFor(task agent.Task) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	data := make(map[string]any, len(s.data)+4)
	maps.Copy(data, s.data)
	data[ctxmap.KeyTaskType] = task.Type
	if len(task.Dependencies) > 0 {
		data[ctxmap.KeyDependencies] = append([]string(nil), task.Dependencies...)
	}
	if task.RiskLevel != "" {
		data[ctxmap.KeyRiskLevel] = task.RiskLevel
	}
	if len(s.completed) > 0 {
		completed := make([]map[string]any, len(s.completed))
		copy(completed, s.completed)
		data[ctxmap.KeyCompletedTasks] = completed
	}
	return data
}

// finish records a task outcome and publishes it into the shared context:
// completed tasks under their id, every task under "{id}_result".
func (s *runState) finish(task agent.Task, res TaskResult) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.outcomes[task.ID] = &res
	switch res.Status {
	case progress.TaskCompleted:
		s.data[task.ID] = res.Output
		s.data[task.ID+ctxmap.ResultSuffix] = map[string]any{ctxmap.KeyStatus: "completed"}
		s.completed = append(s.completed, map[string]any{"id": task.ID, ctxmap.KeyType: task.Type})
	default:
		result := map[string]any{ctxmap.KeyStatus: res.Status.String()}
		if res.Err != nil {
			result[ctxmap.KeyStatus] = "error"
			result[ctxmap.KeyError] = res.Err.Error()
		}
		s.data[task.ID+ctxmap.ResultSuffix] = result
	}
}

func (s *runState) setPaused() {
	s.mu.Lock()
	s.pause = true
	s.mu.Unlock()
}

func (s *runState) paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pause
}

// results lists every task in plan order; tasks that never started are pending.
func (s *runState) results() []TaskResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]TaskResult, 0, len(s.tasks))
	for _, t := range s.tasks {
		if res, ok := s.outcomes[t.ID]; ok {
			out = append(out, *res)
			continue
		}
		out = append(out, TaskResult{TaskID: t.ID, Status: progress.TaskPending})
	}
	return out
}

func (s *runState) sessionStatus(runErr error) progress.SessionStatus {
	switch {
	case errors.Is(runErr, ErrAborted):
		return progress.SessionFailed
	case errors.Is(runErr, context.Canceled), errors.Is(runErr, context.DeadlineExceeded):
		return progress.SessionCancelled
	case runErr != nil:
		return progress.SessionFailed
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pause {
		return progress.SessionPaused
	}
	for _, res := range s.outcomes {
		if res.Status == progress.TaskFailed || res.Status == progress.TaskError {
			return progress.SessionFailed
		}
	}
	return progress.SessionCompleted
}
