// Package router maps user-facing model names to image API providers.
package router

import (
	"errors"
	"fmt"

	"github.com/prismcli/prism/pkg/config"
)

// ErrNoProviders is returned when the configuration lists no providers.
var ErrNoProviders = errors.New("no providers configured")

// Route is one provider and upstream model to send a request to.
type Route struct {
	Provider config.ProviderConfig
	Model    string
}

// Router resolves model names to ordered provider chains.
type Router struct {
	providers map[string]config.ProviderConfig
	fallback  config.ProviderConfig
	routes    map[string][]config.RouteTarget
}

// New indexes the providers and routes of cfg.
func New(cfg *config.Config) *Router {
	r := &Router{
		providers: make(map[string]config.ProviderConfig, len(cfg.Providers)),
		routes:    make(map[string][]config.RouteTarget, len(cfg.Router.Routes)),
	}
	for i, p := range cfg.Providers {
		if i == 0 {
			r.fallback = p
		}
		r.providers[p.Name] = p
	}
	for _, rt := range cfg.Router.Routes {
		if _, dup := r.routes[rt.Model]; !dup {
			r.routes[rt.Model] = rt.Targets
		}
	}
	return r
}

// Resolve returns the routes for model in preference order. A model with no
// configured route goes to the first provider unchanged. Targets naming an
// unknown provider are skipped.
func (r *Router) Resolve(model string) ([]Route, error) {
	if len(r.providers) == 0 {
		return nil, ErrNoProviders
	}

	targets, ok := r.routes[model]
	if !ok {
		return []Route{{Provider: r.fallback, Model: model}}, nil
	}

	var routes []Route
	for _, t := range targets {
		p, ok := r.providers[t.Provider]
		if !ok {
			continue
		}
		upstream := t.Model
		if upstream == "" {
			upstream = model
		}
		routes = append(routes, Route{Provider: p, Model: upstream})
	}
	if len(routes) == 0 {
		return nil, fmt.Errorf("route %q: all providers unknown", model)
	}
	return routes, nil
}

// Primary returns the first route for model.
func (r *Router) Primary(model string) (Route, error) {
	routes, err := r.Resolve(model)
	if err != nil {
		return Route{}, err
	}
	return routes[0], nil
}
