package plugin

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/spf13/cobra"
)

var promptTemplates = map[string]string{
	"portrait":     "Portrait of {subject}, professional photography, soft lighting",
	"landscape":    "{location} landscape, golden hour, dramatic sky, high detail",
	"product":      "{product} product shot, white background, studio lighting, commercial photography",
	"logo":         "Modern logo design for {company}, minimalist, vector style, professional",
	"character":    "{description} character design, full body, concept art, detailed",
	"architecture": "{building} architectural visualization, photorealistic, modern design",
}

var placeholder = regexp.MustCompile(`\{(\w+)\}`)

// TemplateNames returns the template names, sorted.
func TemplateNames() []string {
	names := make([]string, 0, len(promptTemplates))
	for k := range promptTemplates {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Template returns the raw template text.
func Template(name string) (string, bool) {
	t, ok := promptTemplates[name]
	return t, ok
}

// FillTemplate substitutes vars into the named template. Every placeholder
// must be supplied.
func FillTemplate(name string, vars map[string]string) (string, error) {
	t, ok := promptTemplates[name]
	if !ok {
		return "", fmt.Errorf("unknown template %q (available: %s)", name, strings.Join(TemplateNames(), ", "))
	}
	var missing []string
	out := placeholder.ReplaceAllStringFunc(t, func(m string) string {
		key := m[1 : len(m)-1]
		v, ok := vars[key]
		if !ok || strings.TrimSpace(v) == "" {
			missing = append(missing, key)
			return m
		}
		return v
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("template %q needs --var %s=...", name, strings.Join(missing, ", --var "))
	}
	return out, nil
}

// ParseVars turns k=v pairs into a map.
func ParseVars(pairs []string) (map[string]string, error) {
	vars := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid variable %q, want key=value", p)
		}
		vars[k] = v
	}
	return vars, nil
}

// Templates adds prompt templates with {var} placeholders.
type Templates struct{}

func (Templates) Name() string        { return "templates" }
func (Templates) Description() string { return "Prompt templates for common scenarios" }

func (Templates) Commands(run Runner) []*cobra.Command {
	var vars []string
	apply := &cobra.Command{
		Use:   "template <name>",
		Short: "Generate from a prompt template",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kv, err := ParseVars(vars)
			if err != nil {
				return err
			}
			prompt, err := FillTemplate(args[0], kv)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Prompt: %s\n", prompt)
			return run(cmd, prompt)
		},
	}
	apply.Flags().StringArrayVar(&vars, "var", nil, "template variable as key=value (repeatable)")

	list := &cobra.Command{
		Use:   "templates",
		Short: "List prompt templates",
		RunE: func(cmd *cobra.Command, _ []string) error {
			w := cmd.OutOrStdout()
			for _, name := range TemplateNames() {
				fmt.Fprintf(w, "%-14s %s\n", name, promptTemplates[name])
			}
			return nil
		},
	}
	return []*cobra.Command{apply, list}
}
