package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/prismcli/prism/pkg/imageapi"
	"github.com/prismcli/prism/pkg/models"
)

// ErrUnsupported is returned when a provider client lacks an operation.
var ErrUnsupported = errors.New("operation not supported by provider")

// EditOptions describes a masked edit of an image on disk.
type EditOptions struct {
	ImagePath string
	// MaskPath is optional. Transparent pixels in the mask are repainted.
	MaskPath string
	Prompt   string
	Size     string
	Count    int
}

// Edit repaints the image at opts.ImagePath according to opts.Prompt.
func (e *Engine) Edit(ctx context.Context, opts EditOptions) (*ImageResult, error) {
	prompt := strings.TrimSpace(opts.Prompt)
	if prompt == "" {
		return nil, &models.APIError{Kind: models.ErrMalformed, Message: "edit prompt is empty"}
	}
	n := opts.Count
	if n < 1 {
		n = 1
	}
	if n > models.MaxCountDallE2 {
		return nil, fmt.Errorf("at most %d edits per request", models.MaxCountDallE2)
	}
	size := opts.Size
	if size == "" {
		size = "1024x1024"
	}
	if !slices.Contains(models.SupportedSizes(models.ModelDallE2), size) {
		return nil, fmt.Errorf("size %q not supported for edits", size)
	}

	cost := e.prices.EstimateEdit(size, n)
	if e.budget != nil {
		if err := e.budget.Check(ctx, models.ModelDallE2, cost); err != nil {
			return nil, err
		}
	}

	t, err := e.route(models.ModelDallE2)
	if err != nil {
		return nil, err
	}
	editor, ok := t.client.(Editor)
	if !ok {
		return nil, fmt.Errorf("edit via %s: %w", t.provider, ErrUnsupported)
	}

	img, err := os.Open(opts.ImagePath)
	if err != nil {
		return nil, fmt.Errorf("open image: %w", err)
	}
	defer img.Close()

	in := imageapi.EditInput{
		Image:     img,
		ImageName: filepath.Base(opts.ImagePath),
		Prompt:    prompt,
		Size:      size,
		Count:     n,
	}
	if opts.MaskPath != "" {
		mask, err := os.Open(opts.MaskPath)
		if err != nil {
			return nil, fmt.Errorf("open mask: %w", err)
		}
		defer mask.Close()
		in.Mask, in.MaskName = mask, filepath.Base(opts.MaskPath)
	}

	images, err := editor.Edit(ctx, in)
	if err != nil {
		return nil, err
	}

	res := &ImageResult{Images: images, Cost: cost}
	if e.saver != nil {
		res.Paths, err = e.saver.Save(ctx, "edit "+prompt, images)
		if err != nil {
			return res, err
		}
	}
	for i := range images {
		e.record(ctx, models.GenerationRecord{
			Type:      models.TypeEdit,
			Prompt:    prompt,
			Model:     models.ModelDallE2,
			Size:      size,
			ImagePath: at(res.Paths, i),
			Cost:      cost / float64(len(images)),
		})
	}
	return res, nil
}

// promptWriter returns the client that rewrites prompts.
func (e *Engine) promptWriter() (PromptWriter, string, error) {
	model := e.cfg.Enhance.Model
	t, err := e.route(model)
	if err != nil {
		return nil, "", err
	}
	w, ok := t.client.(PromptWriter)
	if !ok {
		return nil, "", fmt.Errorf("rewrite prompt via %s: %w", t.provider, ErrUnsupported)
	}
	return w, model, nil
}

// Enhance rewrites prompt with more visual detail. An empty style uses the
// configured default.
func (e *Engine) Enhance(ctx context.Context, prompt, style string) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", &models.APIError{Kind: models.ErrMalformed, Message: "prompt is empty"}
	}
	if style == "" {
		style = e.cfg.Enhance.Style
	}
	w, model, err := e.promptWriter()
	if err != nil {
		return "", err
	}
	enhanced, err := w.Enhance(ctx, prompt, style)
	if err != nil {
		return "", err
	}
	e.record(ctx, models.GenerationRecord{Type: models.TypeEnhance, Prompt: prompt, Model: model, Style: style})
	return enhanced, nil
}

// PromptVariations returns up to count rewrites of prompt.
func (e *Engine) PromptVariations(ctx context.Context, prompt string, count int) ([]string, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, &models.APIError{Kind: models.ErrMalformed, Message: "prompt is empty"}
	}
	if count < 1 {
		count = 1
	}
	w, model, err := e.promptWriter()
	if err != nil {
		return nil, err
	}
	out, err := w.PromptVariations(ctx, prompt, count)
	if err != nil {
		return nil, err
	}
	e.record(ctx, models.GenerationRecord{Type: models.TypeEnhance, Prompt: prompt, Model: model})
	return out, nil
}
