package config

import (
	"github.com/aristath/autopilot/internal/agent"
	"github.com/aristath/autopilot/internal/decision"
	"github.com/aristath/autopilot/internal/logging"
	"github.com/aristath/autopilot/internal/progress"
	"github.com/aristath/autopilot/internal/recovery"
	"github.com/aristath/autopilot/internal/runner"
)

// DefaultConfig returns the default configuration of every service.
func DefaultConfig() *Config {
	return &Config{
		Recovery: recovery.DefaultConfig(),
		Decision: decision.DefaultConfig(),
		Agent:    agent.DefaultConfig(),
		Progress: progress.DefaultConfig(),
		Runner:   runner.DefaultConfig(),
		Logging: LoggingConfig{
			Level: logging.LevelInfo,
		},
		Audit: AuditConfig{
			Enabled: true,
			Path:    ".autopilot/audit.db",
		},
	}
}
