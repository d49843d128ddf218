// Package cli implements the autopilot command line: running plans and
// inspecting sessions, error classifications and the audit log.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/aristath/autopilot/internal/agent"
	"github.com/aristath/autopilot/internal/config"
	"github.com/aristath/autopilot/internal/decision"
	"github.com/aristath/autopilot/internal/events"
	"github.com/aristath/autopilot/internal/history"
	"github.com/aristath/autopilot/internal/logging"
	"github.com/aristath/autopilot/internal/metrics"
	"github.com/aristath/autopilot/internal/persistence"
	"github.com/aristath/autopilot/internal/progress"
	"github.com/aristath/autopilot/internal/recovery"
	"github.com/aristath/autopilot/internal/runner"
)

// app is the state shared by every subcommand. It is populated by the root
// command's PersistentPreRunE.
type app struct {
	configPath  string
	logLevel    string
	sessionsDir string
	jsonOutput  bool

	cfg     *config.Config
	logger  *slog.Logger
	closers []io.Closer
}

// Execute runs the autopilot command line.
func Execute(ctx context.Context) error {
	return NewRootCmd().ExecuteContext(ctx)
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	root, _ := newRootCmd()
	return root
}

func newRootCmd() (*cobra.Command, *app) {
	a := &app{}
	root := &cobra.Command{
		Use:   "autopilot",
		Short: "Autopilot - autonomous task execution with recovery and progress tracking",
		Long: `Autopilot runs plans of shell tasks autonomously. Every task goes through
the decision engine, failures are classified and recovered (retry, skip,
alternative, escalate or abort) and progress is persisted per session.

Example:
  autopilot run plan.yaml --autonomous
  autopilot sessions
  autopilot report <session-id>`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error { return a.load(cmd) },
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "config file (default is .autopilot/config.yaml, then ~/.autopilot/config.yaml)")
	flags.StringVar(&a.logLevel, "log-level", "", "log level: DEBUG, INFO, WARN or ERROR")
	flags.StringVar(&a.sessionsDir, "sessions-dir", "", "directory holding session progress files")
	flags.BoolVar(&a.jsonOutput, "json", false, "print JSON instead of tables")

	root.AddCommand(
		newRunCmd(a),
		newSessionsCmd(a),
		newStatusCmd(a),
		newReportCmd(a),
		newCleanupCmd(a),
		newClassifyCmd(a),
		newAuditCmd(a),
	)
	closeAfterRun(root, a)
	return root, a
}

// closeAfterRun releases the app's resources once a command's RunE returns,
// failed or not. Cobra skips post-run hooks after an error.
func closeAfterRun(cmd *cobra.Command, a *app) {
	for _, c := range cmd.Commands() {
		closeAfterRun(c, a)
	}
	if cmd.RunE == nil {
		return
	}
	run := cmd.RunE
	cmd.RunE = func(c *cobra.Command, args []string) error {
		defer a.close()
		return run(c, args)
	}
}

// load reads configuration and opens the logger. Flags override the file.
func (a *app) load(cmd *cobra.Command) error {
	var err error
	if a.configPath != "" {
		a.cfg, err = config.Load("", a.configPath)
	} else {
		a.cfg, err = config.LoadDefault()
	}
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if a.logLevel != "" {
		a.cfg.Logging.Level = a.logLevel
	}
	if a.sessionsDir != "" {
		a.cfg.Progress.Dir = a.sessionsDir
	}
	if err := a.cfg.Validate(); err != nil {
		return err
	}

	logger, closer, err := logging.NewFile(a.cfg.Logging.File, a.cfg.Logging.Level)
	if err != nil {
		return err
	}
	a.logger = logger
	a.closers = append(a.closers, closer)
	a.logger.Debug("configuration loaded", "command", cmd.Name(), "sessions_dir", a.cfg.Progress.Dir)
	return nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil && a.logger != nil {
			a.logger.Warn("failed to close resource", "error", err)
		}
	}
	a.closers = nil
}

// tracker creates a progress tracker and loads every stored session.
func (a *app) tracker(ctx context.Context, opts ...progress.Option) (*progress.Tracker, error) {
	opts = append([]progress.Option{progress.WithLogger(a.logger)}, opts...)
	t, err := progress.New(a.cfg.Progress, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to open sessions: %w", err)
	}
	if _, err := t.LoadAllSessions(ctx); err != nil {
		return nil, fmt.Errorf("failed to load sessions: %w", err)
	}
	return t, nil
}

// auditStore opens the audit log. It returns nil when auditing is disabled.
// The caller closes the store.
func (a *app) auditStore(ctx context.Context) (*persistence.SQLiteStore, error) {
	if !a.cfg.Audit.Enabled {
		return nil, nil
	}
	store, err := persistence.NewSQLiteStore(ctx, a.cfg.Audit.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	return store, nil
}

// auditSink returns the audit log as a history sink and a func closing it.
// The sink is nil when auditing is disabled.
func (a *app) auditSink(ctx context.Context) (history.Sink, func(), error) {
	store, err := a.auditStore(ctx)
	if err != nil || store == nil {
		return nil, func() {}, err
	}
	return store, func() {
		if err := store.Close(); err != nil {
			a.logger.Warn("failed to close audit log", "error", err)
		}
	}, nil
}

// services wires the control-core services to the shared logger, metrics,
// event bus and audit sink. The returned func releases the audit log.
func (a *app) services(ctx context.Context, m *metrics.Metrics, bus events.Publisher) (runner.Services, func(), error) {
	sink, closeSink, err := a.auditSink(ctx)
	if err != nil {
		return runner.Services{}, nil, err
	}

	recoveryOpts := []recovery.Option{recovery.WithLogger(a.logger), recovery.WithMetrics(m)}
	decisionOpts := []decision.Option{decision.WithLogger(a.logger), decision.WithMetrics(m)}
	agentOpts := []agent.Option{agent.WithLogger(a.logger), agent.WithMetrics(m)}
	if sink != nil {
		recoveryOpts = append(recoveryOpts, recovery.WithSink(sink))
		decisionOpts = append(decisionOpts, decision.WithSink(sink))
		agentOpts = append(agentOpts, agent.WithSink(sink))
	}

	trackerOpts := []progress.Option{progress.WithMetrics(m)}
	if bus != nil {
		trackerOpts = append(trackerOpts, progress.WithEvents(bus))
	}
	tracker, err := a.tracker(ctx, trackerOpts...)
	if err != nil {
		closeSink()
		return runner.Services{}, nil, err
	}

	return runner.Services{
		Recovery: recovery.New(a.cfg.Recovery, recoveryOpts...),
		Decision: decision.New(a.cfg.Decision, decisionOpts...),
		Agent:    agent.New(a.cfg.Agent, agentOpts...),
		Progress: tracker,
	}, closeSink, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
