package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/prismcli/prism/pkg/cache"
	"github.com/prismcli/prism/pkg/engine"
	"github.com/prismcli/prism/pkg/models"
)

type toolHandler func(ctx context.Context, s *Server, args json.RawMessage) ToolCallResult

type tool struct {
	def     ToolDefinition
	handler toolHandler
}

var requestProperties = map[string]any{
	"model":   map[string]any{"type": "string", "description": "dall-e-2, dall-e-3 or a configured alias"},
	"size":    map[string]any{"type": "string", "description": "e.g. 1024x1024"},
	"quality": map[string]any{"type": "string", "enum": []string{"standard", "hd", "high"}},
	"style":   map[string]any{"type": "string", "enum": []string{"vivid", "natural"}},
	"n":       map[string]any{"type": "integer", "minimum": 1, "maximum": 10},
}

func withProps(extra map[string]any) map[string]any {
	props := make(map[string]any, len(requestProperties)+len(extra))
	for k, v := range requestProperties {
		props[k] = v
	}
	for k, v := range extra {
		props[k] = v
	}
	return props
}

var noArgs = map[string]any{"type": "object", "properties": map[string]any{}}

var tools = []tool{
	{
		def: ToolDefinition{
			Name:        "prism_generate",
			Description: "Generate images from one or more prompts. Identical requests are served from the response cache.",
			InputSchema: map[string]any{
				"type":     "object",
				"required": []string{"prompts"},
				"properties": withProps(map[string]any{
					"prompts":        map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
					"include_images": map[string]any{"type": "boolean", "description": "Return image data inline"},
				}),
			},
		},
		handler: handleGenerate,
	},
	{
		def: ToolDefinition{
			Name:        "prism_estimate_cost",
			Description: "Estimate the USD cost of generating the given prompts without calling the API.",
			InputSchema: map[string]any{
				"type":     "object",
				"required": []string{"prompts"},
				"properties": withProps(map[string]any{
					"prompts": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				}),
			},
		},
		handler: handleEstimate,
	},
	{
		def: ToolDefinition{
			Name:        "prism_history",
			Description: "List recent generations, optionally filtered by prompt text or model.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"search": map[string]any{"type": "string"},
					"model":  map[string]any{"type": "string"},
					"limit":  map[string]any{"type": "integer", "minimum": 1},
				},
			},
		},
		handler: handleHistory,
	},
	{
		def: ToolDefinition{
			Name:        "prism_cache_stats",
			Description: "Show response cache statistics (entries, size, hits, misses).",
			InputSchema: noArgs,
		},
		handler: handleCacheStats,
	},
	{
		def: ToolDefinition{
			Name:        "prism_budget",
			Description: "Show spend against every configured budget policy.",
			InputSchema: noArgs,
		},
		handler: handleBudget,
	},
	{
		def: ToolDefinition{
			Name:        "prism_cost_report",
			Description: "Show spend grouped by model and size.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"since": map[string]any{"type": "string", "description": "YYYY-MM-DD, defaults to start of month"},
				},
			},
		},
		handler: handleCostReport,
	},
	{
		def: ToolDefinition{
			Name:        "prism_audit_search",
			Description: "Search the per-attempt audit log of remote API calls.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"model":    map[string]any{"type": "string"},
					"outcome":  map[string]any{"type": "string", "description": "success or an error kind such as rate_limited"},
					"batch_id": map[string]any{"type": "string"},
					"since":    map[string]any{"type": "string", "description": "YYYY-MM-DD"},
				},
			},
		},
		handler: handleAuditSearch,
	},
}

func toolDefinitions() []ToolDefinition {
	defs := make([]ToolDefinition, len(tools))
	for i, t := range tools {
		defs[i] = t.def
	}
	return defs
}

func toolByName(name string) (tool, bool) {
	for _, t := range tools {
		if t.def.Name == name {
			return t, true
		}
	}
	return tool{}, false
}

type generateArgs struct {
	Prompts       []string `json:"prompts"`
	Model         string   `json:"model"`
	Size          string   `json:"size"`
	Quality       string   `json:"quality"`
	Style         string   `json:"style"`
	N             int      `json:"n"`
	IncludeImages bool     `json:"include_images"`
}

func (a generateArgs) requests() []models.GenerationRequest {
	reqs := make([]models.GenerationRequest, 0, len(a.Prompts))
	for _, p := range a.Prompts {
		if strings.TrimSpace(p) == "" {
			continue
		}
		reqs = append(reqs, models.GenerationRequest{
			Prompt: p, Model: a.Model, Size: a.Size, Quality: a.Quality, Style: a.Style, Count: a.N,
		})
	}
	return reqs
}

func parseArgs(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}

func handleGenerate(ctx context.Context, s *Server, raw json.RawMessage) ToolCallResult {
	var args generateArgs
	if err := parseArgs(raw, &args); err != nil {
		return errorResult("Invalid arguments: " + err.Error())
	}
	reqs := args.requests()
	if len(reqs) == 0 {
		return errorResult("prompts is required")
	}

	report, err := s.engine.GenerateBatch(ctx, reqs, engine.BatchOptions{})
	if err != nil {
		return errorResult("Generation failed: " + err.Error())
	}

	res := textResult(formatBatchReport(report))
	if args.IncludeImages {
		for _, o := range report.Outcomes {
			for _, img := range o.Images {
				if img.B64JSON != "" {
					res.Content = append(res.Content, pngBlock(img.B64JSON))
				}
			}
		}
	}
	res.IsError = report.Succeeded == 0
	return res
}

func handleEstimate(_ context.Context, s *Server, raw json.RawMessage) ToolCallResult {
	var args generateArgs
	if err := parseArgs(raw, &args); err != nil {
		return errorResult("Invalid arguments: " + err.Error())
	}
	reqs := args.requests()
	if len(reqs) == 0 {
		return errorResult("prompts is required")
	}
	cost := s.engine.EstimateBatch(reqs)
	return textResult(fmt.Sprintf("Estimated cost for %d request(s): $%.3f", len(reqs), cost))
}

type historyArgs struct {
	Search string `json:"search"`
	Model  string `json:"model"`
	Limit  int    `json:"limit"`
}

func handleHistory(ctx context.Context, s *Server, raw json.RawMessage) ToolCallResult {
	h := s.engine.History()
	if h == nil {
		return textResult("History is not configured.")
	}
	var args historyArgs
	if err := parseArgs(raw, &args); err != nil {
		return errorResult("Invalid arguments: " + err.Error())
	}
	records, err := h.List(ctx, models.HistoryQueryOpts{Search: args.Search, Model: args.Model, Limit: args.Limit})
	if err != nil {
		return errorResult("Error fetching history: " + err.Error())
	}
	return textResult(formatHistory(records))
}

func handleCacheStats(_ context.Context, s *Server, _ json.RawMessage) ToolCallResult {
	st, ok := s.engine.Cache().(cache.Statter)
	if !ok {
		return textResult("Cache statistics are not available.")
	}
	stats, err := st.Stats()
	if err != nil {
		return errorResult("Error fetching cache stats: " + err.Error())
	}
	return textResult(formatCacheStats(stats))
}

func handleBudget(ctx context.Context, s *Server, _ json.RawMessage) ToolCallResult {
	b := s.engine.Budget()
	if b == nil {
		return textResult("Budget enforcement is not configured.")
	}
	statuses, err := b.Status(ctx)
	if err != nil {
		return errorResult("Error fetching budget status: " + err.Error())
	}
	return textResult(formatBudgetStatus(statuses))
}

type sinceArgs struct {
	Since string `json:"since"`
}

func handleCostReport(ctx context.Context, s *Server, raw json.RawMessage) ToolCallResult {
	h := s.engine.History()
	if h == nil {
		return textResult("History is not configured.")
	}
	var args sinceArgs
	if err := parseArgs(raw, &args); err != nil {
		return errorResult("Invalid arguments: " + err.Error())
	}
	since := beginningOfMonth()
	if args.Since != "" {
		t, err := time.Parse("2006-01-02", args.Since)
		if err != nil {
			return errorResult("Invalid since date (use YYYY-MM-DD): " + err.Error())
		}
		since = t
	}
	reports, err := h.CostReport(ctx, since)
	if err != nil {
		return errorResult("Error fetching cost report: " + err.Error())
	}
	return textResult(formatCostReport(reports))
}

type auditSearchArgs struct {
	Model   string `json:"model"`
	Outcome string `json:"outcome"`
	BatchID string `json:"batch_id"`
	Since   string `json:"since"`
}

func handleAuditSearch(ctx context.Context, s *Server, raw json.RawMessage) ToolCallResult {
	a := s.engine.Audit()
	if a == nil {
		return textResult("Audit logging is not configured.")
	}
	var args auditSearchArgs
	if err := parseArgs(raw, &args); err != nil {
		return errorResult("Invalid arguments: " + err.Error())
	}
	opts := models.AuditQueryOpts{Model: args.Model, Outcome: args.Outcome, BatchID: args.BatchID, Limit: 50}
	if args.Since != "" {
		t, err := time.Parse("2006-01-02", args.Since)
		if err != nil {
			return errorResult("Invalid since date (use YYYY-MM-DD): " + err.Error())
		}
		opts.Since = t
	}
	entries, err := a.Query(ctx, opts)
	if err != nil {
		return errorResult("Error searching audit log: " + err.Error())
	}
	return textResult(formatAuditEntries(entries))
}

func beginningOfMonth() time.Time {
	now := time.Now().UTC()
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
}
