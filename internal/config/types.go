package config

import (
	"github.com/aristath/autopilot/internal/agent"
	"github.com/aristath/autopilot/internal/decision"
	"github.com/aristath/autopilot/internal/progress"
	"github.com/aristath/autopilot/internal/recovery"
	"github.com/aristath/autopilot/internal/runner"
)

// LoggingConfig selects the log level and destination.
type LoggingConfig struct {
	Level string `json:"level" yaml:"level" validate:"oneof=DEBUG INFO WARN ERROR debug info warn error"`
	File  string `json:"file,omitempty" yaml:"file,omitempty"` // empty logs to stderr
}

// AuditConfig controls the SQLite audit log of service histories.
type AuditConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path" validate:"required_if=Enabled true"`
}

// Config is the top-level configuration.
type Config struct {
	Recovery recovery.Config `json:"recovery" yaml:"recovery"`
	Decision decision.Config `json:"decision" yaml:"decision"`
	Agent    agent.Config    `json:"agent" yaml:"agent"`
	Progress progress.Config `json:"progress" yaml:"progress"`
	Runner   runner.Config   `json:"runner" yaml:"runner"`
	Logging  LoggingConfig   `json:"logging" yaml:"logging"`
	Audit    AuditConfig     `json:"audit" yaml:"audit"`
}
