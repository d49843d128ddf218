package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"

	"github.com/aristath/autopilot/internal/agent"
	"github.com/aristath/autopilot/internal/events"
	"github.com/aristath/autopilot/internal/metrics"
	"github.com/aristath/autopilot/internal/runner"
	"github.com/aristath/autopilot/internal/shell"
)

type runOptions struct {
	autonomous  bool
	interactive bool
	metricsAddr string
	metricsOut  string
	workdir     string
	timeout     time.Duration
	quiet       bool
}

func newRunCmd(a *app) *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run <plan.yaml>",
		Short: "Run a plan of shell tasks",
		Long: `Run executes every task of a plan in dependency order. Each task is
approved by the decision engine, its command runs in its own process group
and failures are classified and recovered. Progress is stored as a session.

Help requests are printed; with --interactive the operator's answer is read
from stdin and recorded as guidance.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runPlan(cmd, args[0], opts)
		},
	}
	cmd.Flags().BoolVar(&opts.autonomous, "autonomous", false, "pause instead of asking when a task fails the proceed gate")
	cmd.Flags().BoolVar(&opts.interactive, "interactive", false, "answer help requests on stdin")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address while running")
	cmd.Flags().StringVar(&opts.metricsOut, "metrics-out", "", "write final metrics in prometheus text format to this file")
	cmd.Flags().StringVar(&opts.workdir, "workdir", "", "working directory for task commands")
	cmd.Flags().DurationVar(&opts.timeout, "task-timeout", 0, "kill a task command after this long (0 means no limit)")
	cmd.Flags().BoolVar(&opts.quiet, "quiet", false, "do not print events while running")
	return cmd
}

func (a *app) runPlan(cmd *cobra.Command, path string, opts runOptions) error {
	ctx := cmd.Context()
	plan, commands, err := loadPlan(path)
	if err != nil {
		return err
	}

	cfg := a.cfg.Runner
	if cmd.Flags().Changed("autonomous") {
		cfg.Autonomous = opts.autonomous
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	m := metrics.New(reg)
	if opts.metricsAddr != "" {
		stop, err := serveMetrics(opts.metricsAddr, reg, a)
		if err != nil {
			return err
		}
		defer stop()
	}

	bus := events.NewEventBus()
	defer bus.Close()
	var printed sync.WaitGroup
	if !opts.quiet {
		ch := bus.SubscribeAll(256)
		printed.Add(1)
		go func() {
			defer printed.Done()
			printEvents(cmd.ErrOrStderr(), ch)
		}()
	}

	svc, closeServices, err := a.services(ctx, m, bus)
	if err != nil {
		return err
	}
	defer closeServices()

	pm := shell.NewProcessManager()
	defer func() {
		if err := pm.KillAll(); err != nil {
			a.logger.Warn("failed to kill task processes", "error", err)
		}
	}()
	exec := shell.NewExecutor(commands,
		shell.WithDir(opts.workdir),
		shell.WithTimeout(opts.timeout),
		shell.WithProcessManager(pm))

	helpCtx, stopHelp := context.WithCancel(ctx)
	help := runner.NewHelpChannel(cfg.HelpQueueSize, answerHelp(cmd, opts.interactive))
	help.Start(helpCtx)
	defer func() {
		stopHelp()
		help.Stop()
	}()

	r, err := runner.New(cfg, svc, exec,
		runner.WithLogger(a.logger),
		runner.WithEvents(bus),
		runner.WithHelpChannel(help))
	if err != nil {
		return err
	}

	res, runErr := r.Run(ctx, plan)

	bus.Close()
	printed.Wait()
	if dropped := bus.Dropped(); dropped > 0 {
		a.logger.Warn("events dropped while printing", "count", dropped)
	}

	if opts.metricsOut != "" {
		if err := writeMetrics(opts.metricsOut, reg); err != nil {
			a.logger.Warn("failed to write metrics", "path", opts.metricsOut, "error", err)
		}
	}

	if res != nil {
		out := cmd.OutOrStdout()
		if a.jsonOutput {
			if err := writeJSON(out, resultJSON(res)); err != nil {
				return err
			}
		} else {
			printResult(out, res)
		}
	}
	return runErr
}

// answerHelp prints each help request and, when interactive, reads one line
// of guidance from stdin.
func answerHelp(cmd *cobra.Command, interactive bool) runner.HelpFunc {
	in := bufio.NewReader(cmd.InOrStdin())
	return func(ctx context.Context, req agent.HelpRequest) (string, error) {
		var b strings.Builder
		fmt.Fprintf(&b, "%s  task %s (%s urgency)\n\n%s", StyleTitle.Render("Help requested"), req.TaskID, req.Urgency, req.Issue)
		if len(req.SuggestedActions) > 0 {
			b.WriteString("\n\nSuggested:")
			for _, s := range req.SuggestedActions {
				b.WriteString("\n  - " + s)
			}
		}
		fmt.Fprintln(cmd.ErrOrStderr(), StyleHelpBox.Render(b.String()))
		if !interactive {
			return "", nil
		}

		fmt.Fprint(cmd.ErrOrStderr(), StyleHelp.Render("guidance> "))
		line, err := in.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return "", err
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return strings.TrimSpace(line), nil
	}
}

func printEvents(w io.Writer, ch <-chan events.Event) {
	for e := range ch {
		var detail string
		switch ev := e.(type) {
		case events.TaskProgressEvent:
			detail = fmt.Sprintf("task %s %s", ev.TaskID, statusStyle(ev.Status).Render(ev.Status))
		case events.DecisionEvent:
			detail = fmt.Sprintf("task %s decision %s (%.2f)", ev.TaskID, ev.Action, ev.Confidence)
		case events.RecoveryEvent:
			detail = fmt.Sprintf("task %s %s error, %s", ev.TaskID, ev.ErrorType, ev.Strategy)
			if ev.Delay > 0 {
				detail += " in " + ev.Delay.String()
			}
		case events.MilestoneEvent:
			detail = fmt.Sprintf("milestone %s %s", ev.Name, statusStyle(ev.Status).Render(ev.Status))
		case events.SessionStatusEvent:
			detail = fmt.Sprintf("session %s", statusStyle(ev.Status).Render(ev.Status))
		default:
			detail = e.Subject()
		}
		fmt.Fprintf(w, "%s %s\n", StyleHelp.Render(fmt.Sprintf("[%s]", e.EventType())), detail)
	}
}

func printResult(w io.Writer, res *runner.Result) {
	fmt.Fprintf(w, "\n%s %s  %s\n", StyleTitle.Render("Session"), res.SessionID, statusStyle(res.Status.String()).Render(res.Status.String()))
	tbl := newTable(1, "TASK", "STATUS", "DECISION", "RETRIES", "DETAIL")
	for _, t := range res.Tasks {
		detail := t.Output
		if t.Err != nil {
			detail = t.Err.Error()
		}
		if t.Guidance != "" {
			detail += " (guidance: " + t.Guidance + ")"
		}
		tbl.add(t.TaskID, t.Status.String(), t.Decision.String(), strconv.Itoa(t.Retries), truncate(oneLine(detail), 100))
	}
	tbl.render(w)
}

type taskJSON struct {
	TaskID     string  `json:"task_id"`
	Status     string  `json:"status"`
	Decision   string  `json:"decision"`
	Output     string  `json:"output,omitempty"`
	Retries    int     `json:"retries"`
	Recovery   string  `json:"recovery,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	HelpID     string  `json:"help_request_id,omitempty"`
	Guidance   string  `json:"guidance,omitempty"`
	Error      string  `json:"error,omitempty"`
}

func resultJSON(res *runner.Result) map[string]any {
	tasks := make([]taskJSON, 0, len(res.Tasks))
	for _, t := range res.Tasks {
		tj := taskJSON{
			TaskID:     t.TaskID,
			Status:     t.Status.String(),
			Decision:   t.Decision.String(),
			Output:     t.Output,
			Retries:    t.Retries,
			Confidence: t.Confidence,
			Guidance:   t.Guidance,
		}
		if t.Recovery != nil {
			tj.Recovery = t.Recovery.Strategy.String()
		}
		if t.Help != nil {
			tj.HelpID = t.Help.ID
		}
		if t.Err != nil {
			tj.Error = t.Err.Error()
		}
		tasks = append(tasks, tj)
	}
	return map[string]any{
		"session_id": res.SessionID,
		"status":     res.Status.String(),
		"tasks":      tasks,
	}
}

// serveMetrics exposes reg on addr until the returned func is called.
func serveMetrics(addr string, reg *prometheus.Registry, a *app) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Warn("metrics server stopped", "error", err)
		}
	}()
	a.logger.Info("serving metrics", "addr", ln.Addr().String())

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}

// writeMetrics dumps every gathered metric family in text exposition format.
func writeMetrics(path string, reg *prometheus.Registry) error {
	families, err := reg.Gather()
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(f, mf); err != nil {
			return err
		}
	}
	return f.Close()
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
