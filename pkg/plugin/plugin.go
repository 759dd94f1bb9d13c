// Package plugin holds the static registry of optional CLI extensions.
package plugin

import (
	"errors"
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

// Runner generates images for prompt on behalf of a plugin command.
type Runner func(cmd *cobra.Command, prompt string) error

// Plugin contributes commands to the CLI.
type Plugin interface {
	Name() string
	Description() string
	Commands(run Runner) []*cobra.Command
}

// Registry maps plugin names to plugins.
type Registry struct {
	plugins map[string]Plugin
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{plugins: make(map[string]Plugin)}
}

// Builtins returns a registry holding the bundled plugins.
func Builtins() *Registry {
	r := NewRegistry()
	_ = r.Register(Styles{})
	_ = r.Register(Templates{})
	return r
}

// Register adds p. Names must be unique.
func (r *Registry) Register(p Plugin) error {
	if _, dup := r.plugins[p.Name()]; dup {
		return fmt.Errorf("plugin %q already registered", p.Name())
	}
	r.plugins[p.Name()] = p
	return nil
}

// Get returns the named plugin.
func (r *Registry) Get(name string) (Plugin, bool) {
	p, ok := r.plugins[name]
	return p, ok
}

// List returns every plugin sorted by name.
func (r *Registry) List() []Plugin {
	out := make([]Plugin, 0, len(r.plugins))
	for _, p := range r.plugins {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Commands collects the commands of the enabled plugins, in the given order.
// Unknown names are skipped and reported in the error; the commands of the
// known plugins are still returned.
func (r *Registry) Commands(enabled []string, run Runner) ([]*cobra.Command, error) {
	var (
		cmds []*cobra.Command
		errs []error
	)
	for _, name := range enabled {
		p, ok := r.plugins[name]
		if !ok {
			errs = append(errs, fmt.Errorf("unknown plugin %q", name))
			continue
		}
		cmds = append(cmds, p.Commands(run)...)
	}
	return cmds, errors.Join(errs...)
}
