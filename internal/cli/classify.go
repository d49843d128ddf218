package cli

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aristath/autopilot/internal/recovery"
)

// classification is what classify prints.
type classification struct {
	Classification recovery.Classification `json:"classification"`
	Action         recovery.Action         `json:"action"`
	Escalation     *recovery.Escalation    `json:"escalation,omitempty"`
}

func newClassifyCmd(a *app) *cobra.Command {
	var retryCount, maxRetries int
	cmd := &cobra.Command{
		Use:   "classify <message...>",
		Short: "Classify an error message and show the recovery action",
		Long: `Classify runs an error message through detection, classification and
recovery planning. The message is the remaining arguments joined by spaces.

Example:
  autopilot classify "connection refused while fetching deps" --retry-count 1`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sink, closeSink, err := a.auditSink(cmd.Context())
			if err != nil {
				return err
			}
			defer closeSink()

			opts := []recovery.Option{recovery.WithLogger(a.logger)}
			if sink != nil {
				opts = append(opts, recovery.WithSink(sink))
			}
			svc := recovery.New(a.cfg.Recovery, opts...)

			message := strings.Join(args, " ")
			res := classification{Classification: svc.ClassifyError(svc.DetectError(message))}
			res.Action = svc.AttemptRecovery(res.Classification, retryCount, maxRetries)
			if res.Action.Strategy == recovery.StrategyEscalate || res.Action.Strategy == recovery.StrategyAbort {
				esc := svc.EscalateToHuman(res.Classification, map[string]any{"retry_count": retryCount})
				res.Escalation = &esc
			}

			out := cmd.OutOrStdout()
			if a.jsonOutput {
				return writeJSON(out, res)
			}
			printClassification(cmd, res)
			return nil
		},
	}
	cmd.Flags().IntVar(&retryCount, "retry-count", 0, "retries already spent on this error")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 0, "retry budget (0 uses the configured default)")
	return cmd
}

func printClassification(cmd *cobra.Command, res classification) {
	out := cmd.OutOrStdout()
	info := res.Classification.Error

	var b strings.Builder
	fmt.Fprintf(&b, "Type:        %s\n", info.Type)
	fmt.Fprintf(&b, "Severity:    %s\n", info.Severity)
	fmt.Fprintf(&b, "Recoverable: %t\n", res.Classification.IsRecoverable)
	fmt.Fprintf(&b, "Confidence:  %.2f\n", res.Classification.Confidence)
	fmt.Fprintf(&b, "Rationale:   %s", res.Classification.Rationale)
	if len(info.Context) > 0 {
		keys := make([]string, 0, len(info.Context))
		for k := range info.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "\n  %s: %v", k, info.Context[k])
		}
	}
	fmt.Fprintln(out, StyleTitle.Render("Classification"))
	fmt.Fprintln(out, b.String())
	fmt.Fprintln(out)

	b.Reset()
	fmt.Fprintf(&b, "Strategy:    %s\n", res.Action.Strategy)
	fmt.Fprintf(&b, "Description: %s", res.Action.Description)
	if res.Action.Strategy == recovery.StrategyRetry {
		fmt.Fprintf(&b, "\nDelay:       %s", res.Action.Delay())
		if res.Action.MaxAttempts > 0 {
			fmt.Fprintf(&b, "\nMax attempts: %d", res.Action.MaxAttempts)
		}
	}
	if res.Action.AlternativeCommand != "" {
		fmt.Fprintf(&b, "\nAlternative: %s", res.Action.AlternativeCommand)
	}
	fmt.Fprintln(out, StyleTitle.Render("Recovery"))
	fmt.Fprintln(out, statusStyle(strategyStatus(res.Action.Strategy)).Render(b.String()))

	if res.Escalation != nil {
		fmt.Fprintln(out)
		fmt.Fprintln(out, StyleErrorBox.Render(fmt.Sprintf("%s\n\n%s", res.Escalation.Message, res.Escalation.Recommendation)))
	}
}

// strategyStatus maps a strategy onto the status palette.
func strategyStatus(s recovery.Strategy) string {
	switch s {
	case recovery.StrategyRetry:
		return "retrying"
	case recovery.StrategySkip, recovery.StrategyAlternative:
		return "pending"
	default:
		return "failed"
	}
}
