package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newEnhanceCmd(a *app) *cobra.Command {
	var (
		style      string
		variations int
		generate   bool
	)

	cmd := &cobra.Command{
		Use:   "enhance <prompt>",
		Short: "Rewrite a prompt with more visual detail, or suggest variations of it",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := a.engine()
			if err != nil {
				return err
			}
			prompt := strings.Join(args, " ")
			out := cmd.OutOrStdout()

			if variations > 0 {
				prompts, err := e.PromptVariations(cmd.Context(), prompt, variations)
				if err != nil {
					return err
				}
				for i, p := range prompts {
					fmt.Fprintf(out, "%d. %s\n", i+1, p)
				}
				return nil
			}

			enhanced, err := e.Enhance(cmd.Context(), prompt, style)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, enhanced)
			if !generate {
				return nil
			}
			fmt.Fprintln(out)
			return a.runPrompt(cmd, enhanced)
		},
	}
	cmd.Flags().StringVar(&style, "style", "", "target style, e.g. photorealistic or watercolor (default from config)")
	cmd.Flags().IntVar(&variations, "variations", 0, "print this many variations instead of one enhanced prompt")
	cmd.Flags().BoolVar(&generate, "generate", false, "generate an image from the enhanced prompt")
	return cmd
}
