package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/prismcli/prism/pkg/models"
)

func newCostCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cost",
		Short: "Estimate and report image generation spend",
	}

	var flags requestFlags
	estimateCmd := &cobra.Command{
		Use:   "estimate <file|->",
		Short: "Estimate the cost of a prompt file without calling the API",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prompts, err := readPrompts(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}
			e, err := a.engine()
			if err != nil {
				return err
			}
			reqs := make([]models.GenerationRequest, len(prompts))
			for i, p := range prompts {
				reqs[i] = flags.request(p)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d prompt(s), estimated cost $%.3f\n", len(reqs), e.EstimateBatch(reqs))
			return nil
		},
	}
	flags.register(estimateCmd)

	var since string
	reportCmd := &cobra.Command{
		Use:   "report",
		Short: "Show spend by model and size",
		RunE: func(cmd *cobra.Command, args []string) error {
			sinceTime, err := parseSince(since, beginningOfMonth())
			if err != nil {
				return err
			}
			e, err := a.engine()
			if err != nil {
				return err
			}
			reports, err := e.History().CostReport(cmd.Context(), sinceTime)
			if err != nil {
				return err
			}
			if len(reports) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No cost data found.")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "MODEL\tSIZE\tIMAGES\tCACHED\tCOST")
			var total float64
			for _, r := range reports {
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t$%.3f\n", r.Model, r.Size, r.Images, r.CacheHits, r.TotalCost)
				total += r.TotalCost
			}
			fmt.Fprintf(w, "TOTAL\t\t\t\t$%.3f\n", total)
			return w.Flush()
		},
	}
	reportCmd.Flags().StringVar(&since, "since", "", "start date (YYYY-MM-DD, default: start of month)")

	pricesCmd := &cobra.Command{
		Use:   "prices",
		Short: "Show the per-image price table",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := a.engine()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "MODEL\tSIZE\tQUALITY\tPRICE")
			for _, p := range e.Pricing().Entries() {
				fmt.Fprintf(w, "%s\t%s\t%s\t$%.3f\n", p.Model, p.Size, defaultStr(p.Quality, "-"), p.PricePerImage)
			}
			return w.Flush()
		},
	}

	cmd.AddCommand(estimateCmd, reportCmd, pricesCmd)
	return cmd
}

func parseSince(s string, def time.Time) (time.Time, error) {
	if s == "" {
		return def, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --since date (use YYYY-MM-DD): %w", err)
	}
	return t, nil
}

func beginningOfMonth() time.Time {
	now := time.Now().UTC()
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
}

func defaultStr(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
