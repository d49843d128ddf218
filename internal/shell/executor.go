package shell

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/aristath/autopilot/internal/agent"
)

// ErrNoCommand is returned when a task has no command configured.
var ErrNoCommand = errors.New("no command for task")

// maxErrorOutput bounds how much stderr is carried in an error message.
const maxErrorOutput = 2048

// Option customizes an Executor.
type Option func(*Executor)

// WithDir sets the working directory commands run in.
func WithDir(dir string) Option { return func(e *Executor) { e.dir = dir } }

// WithTimeout bounds each command. Zero means no limit.
func WithTimeout(d time.Duration) Option { return func(e *Executor) { e.timeout = d } }

// WithProcessManager tracks running commands in pm.
func WithProcessManager(pm *ProcessManager) Option { return func(e *Executor) { e.pm = pm } }

// WithEnv adds KEY=VALUE entries to every command's environment.
func WithEnv(env ...string) Option { return func(e *Executor) { e.env = append(e.env, env...) } }

// Executor runs each task's execute_task step as a `sh -c` command. The
// other planned steps are bookkeeping: validate_prerequisites checks that a
// command and working directory exist, the rest succeed without running
// anything.
type Executor struct {
	commands map[string]string
	dir      string
	timeout  time.Duration
	env      []string
	pm       *ProcessManager
}

// NewExecutor creates an executor for the given task id to command map.
func NewExecutor(commands map[string]string, opts ...Option) *Executor {
	e := &Executor{commands: make(map[string]string, len(commands))}
	for id, c := range commands {
		e.commands[id] = c
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute performs one planned step of task.
func (e *Executor) Execute(ctx context.Context, task agent.Task, step agent.NextStep, _ map[string]any) (string, error) {
	switch step.Action {
	case agent.StepValidatePrerequisites:
		return "", e.checkPrerequisites(task)
	case agent.StepExecuteTask:
		return e.runTask(ctx, task)
	default:
		return "", nil
	}
}

func (e *Executor) checkPrerequisites(task agent.Task) error {
	if strings.TrimSpace(e.commands[task.ID]) == "" {
		return fmt.Errorf("%w %s: validation failed", ErrNoCommand, task.ID)
	}
	if e.dir == "" {
		return nil
	}
	info, err := os.Stat(e.dir)
	if err != nil {
		return fmt.Errorf("working directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("working directory %s: not a directory", e.dir)
	}
	return nil
}

func (e *Executor) runTask(ctx context.Context, task agent.Task) (string, error) {
	script, ok := e.commands[task.ID]
	if !ok || strings.TrimSpace(script) == "" {
		return "", fmt.Errorf("%w %s", ErrNoCommand, task.ID)
	}

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	cmd := newCommand(ctx, "sh", "-c", script)
	cmd.Dir = e.dir
	cmd.Env = append(os.Environ(), "AUTOPILOT_TASK_ID="+task.ID, "AUTOPILOT_TASK_TYPE="+task.Type)
	cmd.Env = append(cmd.Env, e.env...)

	stdout, stderr, err := run(cmd, e.pm)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			if errors.Is(ctxErr, context.DeadlineExceeded) {
				return "", fmt.Errorf("command timed out after %s: %w", e.timeout, ctxErr)
			}
			return "", ctxErr
		}
		return "", commandError(err, stderr)
	}
	return strings.TrimSpace(string(stdout)), nil
}

// commandError keeps stderr in the message so the failure can be
// classified from its text.
func commandError(err error, stderr []byte) error {
	msg := strings.TrimSpace(string(stderr))
	if msg == "" {
		return fmt.Errorf("command failed: %w", err)
	}
	if len(msg) > maxErrorOutput {
		msg = msg[len(msg)-maxErrorOutput:]
	}
	return fmt.Errorf("command failed: %w: %s", err, msg)
}
