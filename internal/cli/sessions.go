package cli

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/aristath/autopilot/internal/progress"
)

const timeLayout = "2006-01-02 15:04:05"

func newSessionsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List stored sessions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			t, err := a.tracker(cmd.Context())
			if err != nil {
				return err
			}
			sessions := t.ListSessions()

			out := cmd.OutOrStdout()
			if a.jsonOutput {
				return writeJSON(out, sessions)
			}
			if len(sessions) == 0 {
				fmt.Fprintln(out, "No sessions found.")
				return nil
			}
			tbl := newTable(2, "SESSION", "PLAN", "STATUS", "STARTED", "DONE")
			for _, s := range sessions {
				tbl.add(s.SessionID, s.PlanName, s.Status.String(),
					s.StartedAt.Local().Format(timeLayout), percent(s.CompletionPercentage))
			}
			tbl.render(out)
			return nil
		},
	}
}

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status <session-id>",
		Short: "Show tasks and milestones of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := a.tracker(cmd.Context())
			if err != nil {
				return err
			}
			s, err := t.GetStatus(args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if a.jsonOutput {
				return writeJSON(out, s)
			}

			fmt.Fprintf(out, "%s %s\n", StyleTitle.Render(s.PlanName), statusStyle(s.Status.String()).Render(s.Status.String()))
			fmt.Fprintf(out, "Session:    %s\n", s.SessionID)
			fmt.Fprintf(out, "Started:    %s\n", s.StartedAt.Local().Format(timeLayout))
			if s.CompletedAt != nil {
				fmt.Fprintf(out, "Finished:   %s\n", s.CompletedAt.Local().Format(timeLayout))
			}
			fmt.Fprintf(out, "Autonomous: %t\n", s.AutonomousMode)
			fmt.Fprintf(out, "Progress:   %d/%d tasks (%s)\n\n", s.TasksCompleted, s.TasksTotal, percent(s.CompletionPercentage))

			ids := make([]string, 0, len(s.Tasks))
			for id := range s.Tasks {
				ids = append(ids, id)
			}
			sort.Slice(ids, func(i, j int) bool {
				return s.Tasks[ids[i]].StartedAt.Before(s.Tasks[ids[j]].StartedAt)
			})
			if len(ids) > 0 {
				tbl := newTable(1, "TASK", "STATUS", "RETRIES", "DURATION", "ERROR")
				for _, id := range ids {
					task := s.Tasks[id]
					tbl.add(id, task.Status.String(), strconv.Itoa(task.RetryCount), duration(task.Duration), task.Error)
				}
				tbl.render(out)
				fmt.Fprintln(out)
			}

			tbl := newTable(1, "MILESTONE", "STATUS", "DESCRIPTION")
			for _, m := range s.Milestones {
				tbl.add(m.Name, m.Status.String(), m.Description)
			}
			tbl.render(out)
			return nil
		},
	}
}

func newReportCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "report <session-id>",
		Short: "Summarize a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := a.tracker(cmd.Context())
			if err != nil {
				return err
			}
			r, err := t.GenerateReport(args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if a.jsonOutput {
				return writeJSON(out, r)
			}
			printReport(cmd, r)
			return nil
		},
	}
}

func printReport(cmd *cobra.Command, r *progress.Report) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s %s\n", StyleTitle.Render(r.PlanName), statusStyle(r.Status.String()).Render(r.Status.String()))
	fmt.Fprintf(out, "Session:          %s\n", r.SessionID)
	fmt.Fprintf(out, "Elapsed:          %s\n", time.Duration(r.Elapsed * float64(time.Second)).Round(time.Millisecond))
	fmt.Fprintf(out, "Tasks:            %d/%d completed (%s)\n", r.TasksCompleted, r.TasksTotal, percent(r.CompletionRate))
	fmt.Fprintf(out, "Milestones:       %d/%d completed\n", r.MilestonesCompleted, r.MilestonesTotal)
	fmt.Fprintf(out, "Avg task time:    %.2fs\n", r.AverageTaskDuration)
	fmt.Fprintf(out, "Total retries:    %d\n", r.TotalRetries)

	statuses := make([]string, 0, len(r.TasksByStatus))
	for s := range r.TasksByStatus {
		statuses = append(statuses, s)
	}
	sort.Strings(statuses)
	for _, s := range statuses {
		fmt.Fprintf(out, "  %-14s  %d\n", statusStyle(s).Render(s), r.TasksByStatus[s])
	}

	if len(r.Metrics) > 0 {
		names := make([]string, 0, len(r.Metrics))
		for name := range r.Metrics {
			names = append(names, name)
		}
		sort.Strings(names)
		fmt.Fprintln(out, StyleHelp.Render("metrics:"))
		for _, name := range names {
			fmt.Fprintf(out, "  %-14s  %g\n", name, r.Metrics[name])
		}
	}
}

func newCleanupCmd(a *app) *cobra.Command {
	var maxAgeHours float64
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove terminal sessions older than --max-age-hours",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if maxAgeHours < 0 {
				return fmt.Errorf("--max-age-hours must not be negative")
			}
			t, err := a.tracker(cmd.Context())
			if err != nil {
				return err
			}
			removed, err := t.CleanupOldSessions(cmd.Context(), time.Duration(maxAgeHours*float64(time.Hour)))

			out := cmd.OutOrStdout()
			if a.jsonOutput {
				if jerr := writeJSON(out, map[string]any{"removed": removed}); jerr != nil {
					return jerr
				}
				return err
			}
			for _, id := range removed {
				fmt.Fprintf(out, "removed %s\n", id)
			}
			fmt.Fprintf(out, "%d session(s) removed\n", len(removed))
			return err
		},
	}
	cmd.Flags().Float64Var(&maxAgeHours, "max-age-hours", 24, "remove sessions finished more than this many hours ago")
	return cmd
}

func percent(p float64) string { return fmt.Sprintf("%.1f%%", p) }

func duration(seconds *float64) string {
	if seconds == nil {
		return "-"
	}
	return time.Duration(*seconds * float64(time.Second)).Round(time.Millisecond).String()
}
