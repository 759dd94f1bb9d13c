package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/spf13/cobra"

	"github.com/prismcli/prism/pkg/engine"
)

func newVariationsCmd(a *app) *cobra.Command {
	var (
		size string
		n    int
	)

	cmd := &cobra.Command{
		Use:   "variations <image.png>",
		Short: "Create variations of an existing PNG with dall-e-2",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := a.engine()
			if err != nil {
				return err
			}
			res, err := e.Variations(cmd.Context(), args[0], size, n)
			if err != nil {
				return err
			}
			for _, p := range res.Paths {
				fmt.Fprintln(cmd.OutOrStdout(), p)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d variation(s), cost $%.3f\n", len(res.Images), res.Cost)
			return nil
		},
	}
	cmd.Flags().StringVarP(&size, "size", "s", "1024x1024", "256x256, 512x512 or 1024x1024")
	cmd.Flags().IntVarP(&n, "number", "n", 1, "number of variations")
	return cmd
}

func newEditCmd(a *app) *cobra.Command {
	var (
		mask string
		size string
		n    int
	)

	cmd := &cobra.Command{
		Use:   "edit <image.png> <prompt>",
		Short: "Repaint parts of a PNG, optionally limited to the transparent areas of a mask",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := a.engine()
			if err != nil {
				return err
			}
			res, err := e.Edit(cmd.Context(), engine.EditOptions{
				ImagePath: args[0],
				MaskPath:  mask,
				Prompt:    strings.Join(args[1:], " "),
				Size:      size,
				Count:     n,
			})
			if err != nil {
				return err
			}
			for _, p := range res.Paths {
				fmt.Fprintln(cmd.OutOrStdout(), p)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d edit(s), cost $%.3f\n", len(res.Images), res.Cost)
			return nil
		},
	}
	cmd.Flags().StringVar(&mask, "mask", "", "PNG whose transparent pixels mark the area to repaint")
	cmd.Flags().StringVarP(&size, "size", "s", "1024x1024", "256x256, 512x512 or 1024x1024")
	cmd.Flags().IntVarP(&n, "number", "n", 1, "number of edited images")
	return cmd
}

func newAnalyzeCmd(a *app) *cobra.Command {
	var raw bool

	cmd := &cobra.Command{
		Use:   "analyze <image> [question]",
		Short: "Describe an image or answer a question about it with the vision model",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := a.engine()
			if err != nil {
				return err
			}
			answer, err := e.Analyze(cmd.Context(), args[0], strings.Join(args[1:], " "))
			if err != nil {
				return err
			}
			if raw {
				fmt.Fprintln(cmd.OutOrStdout(), answer)
				return nil
			}
			out, err := glamour.Render(answer, "auto")
			if err != nil {
				fmt.Fprintln(cmd.OutOrStdout(), answer)
				return nil
			}
			fmt.Fprint(cmd.OutOrStdout(), out)
			return nil
		},
	}
	cmd.Flags().BoolVar(&raw, "raw", false, "print the answer without markdown rendering")
	return cmd
}
