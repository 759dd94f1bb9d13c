package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/prismcli/prism/pkg/engine"
	"github.com/prismcli/prism/pkg/models"
)

// requestFlags are the per-request options shared by generate, batch and
// cost estimate.
type requestFlags struct {
	model   string
	size    string
	quality string
	style   string
	n       int
}

func (f *requestFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.model, "model", "m", "", "model name or alias (default from config)")
	cmd.Flags().StringVarP(&f.size, "size", "s", "", "image size, e.g. 1024x1024")
	cmd.Flags().StringVarP(&f.quality, "quality", "q", "", "standard or hd")
	cmd.Flags().StringVar(&f.style, "style", "", "vivid or natural (dall-e-3 only)")
	cmd.Flags().IntVarP(&f.n, "number", "n", 0, "images per prompt")
}

func (f *requestFlags) request(prompt string) models.GenerationRequest {
	return models.GenerationRequest{
		Prompt:  prompt,
		Model:   f.model,
		Size:    f.size,
		Quality: f.quality,
		Style:   f.style,
		Count:   f.n,
	}
}

func newGenerateCmd(a *app) *cobra.Command {
	var (
		flags  requestFlags
		noSave bool
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "generate <prompt>",
		Short: "Generate images from a single prompt",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := a.engine()
			if err != nil {
				return err
			}
			report, err := e.Generate(cmd.Context(), flags.request(strings.Join(args, " ")), engine.BatchOptions{NoSave: noSave})
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), report)
			}
			return printReport(cmd.OutOrStdout(), report)
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVar(&noSave, "no-save", false, "do not write images to disk")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	return cmd
}

func newBatchCmd(a *app) *cobra.Command {
	var (
		flags       requestFlags
		concurrency int
		reportDir   string
		noSave      bool
		quiet       bool
	)

	cmd := &cobra.Command{
		Use:   "batch <file>",
		Short: "Generate images for every prompt in a file (one per line, - for stdin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prompts, err := readPrompts(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}
			if len(prompts) == 0 {
				return fmt.Errorf("no prompts in %s", args[0])
			}

			e, err := a.engine()
			if err != nil {
				return err
			}

			reqs := make([]models.GenerationRequest, len(prompts))
			for i, p := range prompts {
				reqs[i] = flags.request(p)
			}

			opts := engine.BatchOptions{Concurrency: concurrency, NoSave: noSave}
			var bar *progressbar.ProgressBar
			if !quiet {
				bar = progressbar.NewOptions(len(reqs),
					progressbar.OptionSetWriter(cmd.ErrOrStderr()),
					progressbar.OptionSetDescription("generating"),
					progressbar.OptionShowCount(),
					progressbar.OptionClearOnFinish(),
				)
				opts.OnProgress = func(models.ProgressEvent) { _ = bar.Add(1) }
			}

			report, err := e.GenerateBatch(cmd.Context(), reqs, opts)
			if bar != nil {
				_ = bar.Finish()
			}
			if err != nil {
				return err
			}

			if err := printReport(cmd.OutOrStdout(), report); err != nil {
				return err
			}
			if reportDir != "" {
				path, err := report.WriteJSON(reportDir)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Report written to %s\n", path)
			}
			if report.Cancelled > 0 {
				return fmt.Errorf("batch interrupted: %d of %d requests did not run", report.Cancelled, len(reqs))
			}
			if report.Succeeded == 0 && report.Failed > 0 {
				return fmt.Errorf("all %d requests failed", report.Failed)
			}
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "max in-flight API calls (default from config)")
	cmd.Flags().StringVar(&reportDir, "report", "", "write a JSON batch report to this directory")
	cmd.Flags().BoolVar(&noSave, "no-save", false, "do not write images to disk")
	cmd.Flags().BoolVar(&quiet, "quiet", false, "hide the progress bar")
	return cmd
}

// runPrompt generates images for a prompt built by a plugin command.
func (a *app) runPrompt(cmd *cobra.Command, prompt string) error {
	e, err := a.engine()
	if err != nil {
		return err
	}
	report, err := e.Generate(cmd.Context(), e.Request(prompt), engine.BatchOptions{})
	if err != nil {
		return err
	}
	return printReport(cmd.OutOrStdout(), report)
}

// readPrompts reads one prompt per line. Blank lines and lines starting
// with # are skipped.
func readPrompts(stdin io.Reader, path string) ([]string, error) {
	r := stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open prompts: %w", err)
		}
		defer f.Close()
		r = f
	}

	var prompts []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		prompts = append(prompts, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read prompts: %w", err)
	}
	return prompts, nil
}

func printReport(w io.Writer, r *engine.BatchReport) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tSTATUS\tSOURCE\tCOST\tPROMPT\tRESULT")
	for _, it := range r.Items {
		source := "api"
		if it.CacheHit {
			source = "cache"
		}
		result := strings.Join(it.Paths, ", ")
		if it.Status != models.StatusSuccess {
			source, result = "-", it.Error
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t$%.3f\t%s\t%s\n",
			it.Index, it.Status, source, it.Cost, truncate(it.Prompt, 40), result)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(w, "\n%d succeeded, %d failed, %d cancelled, %d from cache. Total cost: $%.3f\n",
		r.Succeeded, r.Failed, r.Cancelled, r.CacheHits, r.TotalCost)
	for _, it := range r.Items {
		if it.CacheError != "" {
			fmt.Fprintf(w, "warning: item %d was not cached: %s\n", it.Index, it.CacheError)
		}
	}
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
