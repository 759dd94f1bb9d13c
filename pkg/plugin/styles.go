package plugin

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"
)

var stylePresets = map[string]string{
	"anime":       "in anime style, vibrant colors, cel shaded, Studio Ghibli inspired",
	"oil":         "oil painting, thick brushstrokes, impressionist style, rich textures",
	"watercolor":  "watercolor painting, soft edges, flowing colors, artistic",
	"pencil":      "detailed pencil sketch, graphite drawing, artistic shading",
	"cyberpunk":   "cyberpunk style, neon lights, futuristic, blade runner aesthetic",
	"renaissance": "renaissance painting style, classical composition, old master technique",
}

// StylePresets returns the preset names, sorted.
func StylePresets() []string {
	names := make([]string, 0, len(stylePresets))
	for k := range stylePresets {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// ApplyStyle appends the preset's modifiers to subject.
func ApplyStyle(preset, subject string) (string, error) {
	mod, ok := stylePresets[strings.ToLower(preset)]
	if !ok {
		return "", fmt.Errorf("unknown preset %q (available: %s)", preset, strings.Join(StylePresets(), ", "))
	}
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "", fmt.Errorf("subject is empty")
	}
	return subject + ", " + mod, nil
}

// Styles adds artistic style presets.
type Styles struct{}

func (Styles) Name() string        { return "styles" }
func (Styles) Description() string { return "Artistic style presets for image generation" }

func (Styles) Commands(run Runner) []*cobra.Command {
	return []*cobra.Command{{
		Use:   "style <preset> <subject>",
		Short: "Generate with an artistic style preset (" + strings.Join(StylePresets(), ", ") + ")",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt, err := ApplyStyle(args[0], strings.Join(args[1:], " "))
			if err != nil {
				return err
			}
			return run(cmd, prompt)
		},
	}}
}
