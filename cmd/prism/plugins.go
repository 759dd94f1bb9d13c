package main

import (
	"fmt"
	"slices"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/prismcli/prism/pkg/plugin"
)

func newPluginsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plugins",
		Short: "List built-in plugins",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List plugins and whether they are enabled",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.config()
			if err != nil {
				return err
			}
			enabled := cfg.Plugins.Enabled
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tENABLED\tDESCRIPTION")
			for _, p := range plugin.Builtins().List() {
				fmt.Fprintf(w, "%s\t%t\t%s\n", p.Name(), slices.Contains(enabled, p.Name()), p.Description())
			}
			return w.Flush()
		},
	}

	cmd.AddCommand(listCmd)
	return cmd
}
