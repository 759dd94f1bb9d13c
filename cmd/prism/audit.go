package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/prismcli/prism/pkg/audit"
	"github.com/prismcli/prism/pkg/models"
)

func newAuditCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Query and manage the per-attempt API audit log",
	}

	cmd.AddCommand(
		newAuditSearchCmd(a),
		newAuditStatsCmd(a),
		newAuditCleanupCmd(a),
	)
	return cmd
}

// auditLogger returns the engine's audit log, or an error when auditing is
// disabled in the config.
func (a *app) auditLogger() (*audit.Logger, error) {
	e, err := a.engine()
	if err != nil {
		return nil, err
	}
	l := e.Audit()
	if l == nil {
		return nil, fmt.Errorf("audit logging is disabled (set audit.enabled in the config)")
	}
	return l, nil
}

func newAuditSearchCmd(a *app) *cobra.Command {
	var (
		model       string
		outcome     string
		fingerprint string
		batchID     string
		since       string
		limit       int
	)

	cmd := &cobra.Command{
		Use:   "search",
		Short: "Search audit log entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			sinceTime, err := parseSince(since, time.Time{})
			if err != nil {
				return err
			}
			l, err := a.auditLogger()
			if err != nil {
				return err
			}

			entries, err := l.Query(cmd.Context(), models.AuditQueryOpts{
				Model:       model,
				Outcome:     outcome,
				Fingerprint: fingerprint,
				BatchID:     batchID,
				Since:       sinceTime,
				Limit:       limit,
			})
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No audit entries found.")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tMODEL\tPROVIDER\tATTEMPT\tOUTCOME\tSTATUS\tLATENCY\tFINGERPRINT")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%d\t%dms\t%s\n",
					e.CreatedAt.Format("2006-01-02 15:04:05"), e.Model, e.Provider, e.Attempt,
					e.Outcome, e.StatusCode, e.LatencyMs, e.Fingerprint[:min(16, len(e.Fingerprint))])
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&model, "model", "", "filter by model")
	cmd.Flags().StringVar(&outcome, "outcome", "", "success or an error kind (rate_limited, network, ...)")
	cmd.Flags().StringVar(&fingerprint, "fingerprint", "", "filter by request fingerprint")
	cmd.Flags().StringVar(&batchID, "batch", "", "filter by batch ID")
	cmd.Flags().StringVar(&since, "since", "", "start date (YYYY-MM-DD)")
	cmd.Flags().IntVar(&limit, "limit", 50, "max entries to return")
	return cmd
}

func newAuditStatsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show attempt counts by model, outcome and day",
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := a.auditLogger()
			if err != nil {
				return err
			}
			stats, err := l.Stats(cmd.Context())
			if err != nil {
				return err
			}
			if len(stats) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No audit stats found.")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "DAY\tMODEL\tOUTCOME\tCOUNT")
			for _, s := range stats {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", s.Day, s.Model, s.Outcome, s.Count)
			}
			return w.Flush()
		},
	}
}

func newAuditCleanupCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Delete audit entries older than the retention period",
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := a.auditLogger()
			if err != nil {
				return err
			}
			deleted, err := l.Cleanup(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d audit entries.\n", deleted)
			return nil
		},
	}
}
