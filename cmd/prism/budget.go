package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newBudgetCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "budget",
		Short: "Show spend against budget policies",
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show budget usage vs limits",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := a.engine()
			if err != nil {
				return err
			}
			b := e.Budget()
			if b == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "Budget enforcement is disabled.")
				return nil
			}

			statuses, err := b.Status(cmd.Context())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "MODEL\tPERIOD\tCAP\tSPENT\tREMAINING")
			for _, s := range statuses {
				fmt.Fprintf(w, "%s\t%s\t$%.2f\t$%.2f\t$%.2f\n",
					defaultStr(s.Policy.Model, "*"), s.Policy.Period, s.Policy.MaxCostUSD, s.Spent, s.Remaining)
			}
			return w.Flush()
		},
	}

	cmd.AddCommand(statusCmd)
	return cmd
}
