package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/prismcli/prism/pkg/models"
)

func newHistoryCmd(a *app) *cobra.Command {
	var (
		search string
		model  string
		typ    string
		since  string
		limit  int
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List past generations",
		RunE: func(cmd *cobra.Command, args []string) error {
			sinceTime, err := parseSince(since, time.Time{})
			if err != nil {
				return err
			}
			e, err := a.engine()
			if err != nil {
				return err
			}
			records, err := e.History().List(cmd.Context(), models.HistoryQueryOpts{
				Search: search,
				Model:  model,
				Type:   models.GenerationType(typ),
				Since:  sinceTime,
				Limit:  limit,
			})
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), records)
			}
			if len(records) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No generations found.")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "WHEN\tTYPE\tMODEL\tSIZE\tCOST\tCACHED\tPROMPT\tFILE")
			for _, r := range records {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t$%.3f\t%t\t%s\t%s\n",
					humanize.Time(r.CreatedAt), r.Type, r.Model, defaultStr(r.Size, "-"),
					r.Cost, r.CacheHit, truncate(r.Prompt, 40), defaultStr(r.ImagePath, "-"))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&search, "search", "", "filter by prompt substring")
	cmd.Flags().StringVar(&model, "model", "", "filter by model")
	cmd.Flags().StringVar(&typ, "type", "", "generate, variation or analyze")
	cmd.Flags().StringVar(&since, "since", "", "start date (YYYY-MM-DD)")
	cmd.Flags().IntVar(&limit, "limit", 20, "max records")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print records as JSON")

	summaryCmd := &cobra.Command{
		Use:   "summary",
		Short: "Show generation counts and spend by model and type",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := a.engine()
			if err != nil {
				return err
			}
			summaries, err := e.History().Summary(cmd.Context())
			if err != nil {
				return err
			}
			if len(summaries) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No generations found.")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "MODEL\tTYPE\tCOUNT\tCACHED\tCOST")
			for _, s := range summaries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t$%.3f\n",
					s.Model, s.Type, humanize.Comma(int64(s.Count)), s.CacheHits, s.TotalCost)
			}
			return w.Flush()
		},
	}

	cmd.AddCommand(summaryCmd)
	return cmd
}
