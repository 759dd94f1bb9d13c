package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/prismcli/prism/pkg/cache"
	"github.com/prismcli/prism/pkg/models"
)

type cacheLister interface {
	List(ctx context.Context, limit int) ([]models.CacheEntry, error)
}

func newCacheCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and manage the response cache",
	}

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show cache statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := a.engine()
			if err != nil {
				return err
			}
			st, ok := e.Cache().(cache.Statter)
			if !ok {
				return fmt.Errorf("cache backend does not report statistics")
			}
			stats, err := st.Stats()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Entries: %s\nSize:    %s\nHits:    %d\nMisses:  %d\n",
				humanize.Comma(stats.Entries), humanize.Bytes(uint64(stats.Bytes)), stats.Hits, stats.Misses)
			return nil
		},
	}

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove every cache entry",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := a.engine()
			if err != nil {
				return err
			}
			n, err := e.Cache().Clear(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d cache entries.\n", n)
			return nil
		},
	}

	evictCmd := &cobra.Command{
		Use:   "evict <fingerprint>",
		Short: "Remove one cache entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := a.engine()
			if err != nil {
				return err
			}
			ok, err := e.Cache().Evict(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !ok {
				fmt.Fprintln(cmd.OutOrStdout(), "No entry with that fingerprint.")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Entry removed.")
			return nil
		},
	}

	var limit int
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List the most recent cache entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := a.engine()
			if err != nil {
				return err
			}
			l, ok := e.Cache().(cacheLister)
			if !ok {
				return fmt.Errorf("cache backend cannot list entries")
			}
			entries, err := l.List(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "Cache is empty.")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "FINGERPRINT\tMODEL\tSIZE\tIMAGES\tCREATED\tPROMPT")
			for _, en := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
					en.Fingerprint[:min(16, len(en.Fingerprint))], en.Summary.Model, en.Summary.Size,
					en.Summary.Count, humanize.Time(en.CreatedAt), truncate(en.Summary.Prompt, 40))
			}
			return w.Flush()
		},
	}
	listCmd.Flags().IntVar(&limit, "limit", 20, "max entries to list")

	cmd.AddCommand(statsCmd, clearCmd, evictCmd, listCmd)
	return cmd
}
