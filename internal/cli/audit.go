package cli

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/aristath/autopilot/internal/persistence"
)

var errAuditDisabled = errors.New("audit log is disabled (audit.enabled: false)")

func newAuditCmd(a *app) *cobra.Command {
	var (
		f          persistence.Filter
		sinceHours float64
		counts     bool
	)
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Query the audit log of classifications, decisions and help requests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := a.auditStore(cmd.Context())
			if err != nil {
				return err
			}
			if store == nil {
				return errAuditDisabled
			}
			defer store.Close()

			out := cmd.OutOrStdout()
			if counts {
				byKind, err := store.CountByKind(cmd.Context())
				if err != nil {
					return err
				}
				if a.jsonOutput {
					return writeJSON(out, byKind)
				}
				kinds := make([]string, 0, len(byKind))
				for k := range byKind {
					kinds = append(kinds, k)
				}
				sort.Strings(kinds)
				tbl := newTable(-1, "KIND", "COUNT")
				for _, k := range kinds {
					tbl.add(k, strconv.Itoa(byKind[k]))
				}
				tbl.render(out)
				return nil
			}

			if sinceHours > 0 {
				f.Since = time.Now().Add(-time.Duration(sinceHours * float64(time.Hour)))
			}
			entries, err := store.Query(cmd.Context(), f)
			if err != nil {
				return err
			}
			if a.jsonOutput {
				return writeJSON(out, entries)
			}
			if len(entries) == 0 {
				fmt.Fprintln(out, "No audit entries found.")
				return nil
			}
			tbl := newTable(-1, "ID", "TIME", "KIND", "SUBJECT", "PAYLOAD")
			for _, e := range entries {
				tbl.add(strconv.FormatInt(e.ID, 10), e.Timestamp.Local().Format(timeLayout), e.Kind, e.Subject, truncate(string(e.Payload), 80))
			}
			tbl.render(out)
			return nil
		},
	}
	cmd.Flags().StringVar(&f.Kind, "kind", "", "only entries of this kind (error, recovery, decision, feedback, help_request)")
	cmd.Flags().StringVar(&f.Subject, "subject", "", "only entries about this subject")
	cmd.Flags().Float64Var(&sinceHours, "since-hours", 0, "only entries from the last N hours")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "maximum number of entries")
	cmd.Flags().BoolVar(&counts, "counts", false, "print entry counts per kind instead")

	cmd.AddCommand(newAuditPruneCmd(a))
	return cmd
}

func newAuditPruneCmd(a *app) *cobra.Command {
	var olderThanHours float64
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete audit entries older than --older-than-hours",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if olderThanHours <= 0 {
				return fmt.Errorf("--older-than-hours must be positive")
			}
			store, err := a.auditStore(cmd.Context())
			if err != nil {
				return err
			}
			if store == nil {
				return errAuditDisabled
			}
			defer store.Close()

			n, err := store.Prune(cmd.Context(), time.Now().Add(-time.Duration(olderThanHours*float64(time.Hour))))
			if err != nil {
				return err
			}
			if a.jsonOutput {
				return writeJSON(cmd.OutOrStdout(), map[string]int64{"pruned": n})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d audit entries pruned\n", n)
			return nil
		},
	}
	cmd.Flags().Float64Var(&olderThanHours, "older-than-hours", 24*30, "delete entries older than this many hours")
	return cmd
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
