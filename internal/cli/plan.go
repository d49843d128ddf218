package cli

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/aristath/autopilot/internal/agent"
	"github.com/aristath/autopilot/internal/runner"
)

// planFile is the YAML form of a plan:
//
//	name: release
//	context:
//	  task_clarity: high
//	tasks:
//	  - id: build
//	    type: build
//	    command: go build ./...
//	  - id: test
//	    type: test
//	    command: go test ./...
//	    dependencies: [build]
type planFile struct {
	Name    string         `yaml:"name" validate:"required"`
	Context map[string]any `yaml:"context"`
	Tasks   []planTask     `yaml:"tasks" validate:"required,min=1,dive"`
}

type planTask struct {
	ID               string           `yaml:"id" validate:"required"`
	Type             string           `yaml:"type"`
	Description      string           `yaml:"description"`
	Command          string           `yaml:"command" validate:"required"`
	Dependencies     []string         `yaml:"dependencies"`
	Complexity       agent.Complexity `yaml:"complexity"`
	RiskLevel        string           `yaml:"risk_level" validate:"omitempty,oneof=low medium high"`
	RequiresApproval bool             `yaml:"requires_approval"`
	Approved         bool             `yaml:"approved"`
}

// loadPlan reads a plan file and returns the runner plan plus the shell
// command of every task.
func loadPlan(path string) (runner.Plan, map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return runner.Plan{}, nil, fmt.Errorf("failed to read plan: %w", err)
	}
	var pf planFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return runner.Plan{}, nil, fmt.Errorf("failed to parse plan %s: %w", path, err)
	}
	if err := validator.New().Struct(pf); err != nil {
		return runner.Plan{}, nil, fmt.Errorf("invalid plan %s: %w", path, err)
	}

	plan := runner.Plan{Name: pf.Name, Context: pf.Context}
	commands := make(map[string]string, len(pf.Tasks))
	for _, t := range pf.Tasks {
		taskType := t.Type
		if taskType == "" {
			taskType = "shell"
		}
		plan.Tasks = append(plan.Tasks, agent.Task{
			ID:               t.ID,
			Type:             taskType,
			Description:      t.Description,
			Dependencies:     t.Dependencies,
			Complexity:       t.Complexity,
			RiskLevel:        t.RiskLevel,
			RequiresApproval: t.RequiresApproval,
			Approved:         t.Approved,
		})
		commands[t.ID] = t.Command
	}
	return plan, commands, nil
}
