package router

import (
	"errors"
	"testing"

	"github.com/prismcli/prism/pkg/config"
)

func twoProviders() []config.ProviderConfig {
	return []config.ProviderConfig{
		{Name: "openai", URL: "https://api.openai.com/v1", APIKey: "sk-1"},
		{Name: "azure", URL: "https://example.openai.azure.com/v1", APIKey: "sk-2"},
	}
}

func TestResolveNoRoutes(t *testing.T) {
	r := New(&config.Config{Providers: twoProviders()})
	routes, err := r.Resolve("dall-e-3")
	if err != nil {
		t.Fatal(err)
	}
	if len(routes) != 1 {
		t.Fatalf("expected 1 route, got %d", len(routes))
	}
	if routes[0].Provider.Name != "openai" || routes[0].Model != "dall-e-3" {
		t.Errorf("unexpected route: %+v", routes[0])
	}
}

func TestResolveWithAlias(t *testing.T) {
	cfg := &config.Config{
		Providers: twoProviders(),
		Router: config.RouterConfig{
			Routes: []config.RouteConfig{
				{
					Model: "cheap",
					Targets: []config.RouteTarget{
						{Provider: "azure", Model: "dall-e-2"},
						{Provider: "openai", Model: "dall-e-2"},
					},
				},
			},
		},
	}
	routes, err := New(cfg).Resolve("cheap")
	if err != nil {
		t.Fatal(err)
	}
	if len(routes) != 2 {
		t.Fatalf("expected 2 routes, got %d", len(routes))
	}
	if routes[0].Provider.Name != "azure" || routes[0].Model != "dall-e-2" {
		t.Errorf("unexpected first route: %+v", routes[0])
	}
	if routes[1].Provider.Name != "openai" {
		t.Errorf("unexpected second route: %+v", routes[1])
	}
}

func TestResolveEmptyTargetModelUsesRequested(t *testing.T) {
	cfg := &config.Config{
		Providers: twoProviders(),
		Router: config.RouterConfig{
			Routes: []config.RouteConfig{
				{Model: "dall-e-3", Targets: []config.RouteTarget{{Provider: "azure"}}},
			},
		},
	}
	route, err := New(cfg).Primary("dall-e-3")
	if err != nil {
		t.Fatal(err)
	}
	if route.Model != "dall-e-3" || route.Provider.Name != "azure" {
		t.Errorf("unexpected route: %+v", route)
	}
}

func TestResolveSkipsUnknownProvider(t *testing.T) {
	cfg := &config.Config{
		Providers: twoProviders(),
		Router: config.RouterConfig{
			Routes: []config.RouteConfig{
				{
					Model: "cheap",
					Targets: []config.RouteTarget{
						{Provider: "unknown", Model: "x"},
						{Provider: "openai", Model: "dall-e-2"},
					},
				},
			},
		},
	}
	routes, err := New(cfg).Resolve("cheap")
	if err != nil {
		t.Fatal(err)
	}
	if len(routes) != 1 || routes[0].Provider.Name != "openai" {
		t.Errorf("expected only openai, got %+v", routes)
	}
}

func TestResolveAllUnknownProviders(t *testing.T) {
	cfg := &config.Config{
		Providers: twoProviders(),
		Router: config.RouterConfig{
			Routes: []config.RouteConfig{
				{Model: "bad", Targets: []config.RouteTarget{{Provider: "unknown", Model: "x"}}},
			},
		},
	}
	if _, err := New(cfg).Resolve("bad"); err == nil {
		t.Fatal("expected error for all unknown providers")
	}
}

func TestResolveNoProviders(t *testing.T) {
	_, err := New(&config.Config{}).Primary("dall-e-3")
	if !errors.Is(err, ErrNoProviders) {
		t.Fatalf("expected ErrNoProviders, got %v", err)
	}
}
