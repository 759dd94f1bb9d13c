package mcp

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/prismcli/prism/pkg/engine"
	"github.com/prismcli/prism/pkg/models"
)

func formatBatchReport(r *engine.BatchReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Batch %s: %d succeeded, %d failed, %d cancelled, %d from cache, cost $%.3f\n",
		r.ID, r.Succeeded, r.Failed, r.Cancelled, r.CacheHits, r.TotalCost)
	for _, it := range r.Items {
		switch it.Status {
		case models.StatusSuccess:
			src := "generated"
			if it.CacheHit {
				src = "cached"
			}
			fmt.Fprintf(&b, "  [%d] %s (%s)", it.Index, it.Prompt, src)
			if len(it.Paths) > 0 {
				fmt.Fprintf(&b, " -> %s", strings.Join(it.Paths, ", "))
			}
			b.WriteByte('\n')
		default:
			fmt.Fprintf(&b, "  [%d] %s: %s %s\n", it.Index, it.Prompt, it.Status, it.Error)
		}
	}
	return b.String()
}

func formatHistory(records []models.GenerationRecord) string {
	if len(records) == 0 {
		return "No generations found."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-20s %-10s %-10s %8s  %s\n", "Time", "Type", "Model", "Cost", "Prompt")
	b.WriteString(strings.Repeat("-", 80) + "\n")
	for _, r := range records {
		prompt := r.Prompt
		if len(prompt) > 60 {
			prompt = prompt[:57] + "..."
		}
		fmt.Fprintf(&b, "%-20s %-10s %-10s %8.3f  %s\n",
			r.CreatedAt.Format("2006-01-02 15:04:05"), r.Type, r.Model, r.Cost, prompt)
	}
	return b.String()
}

func formatBudgetStatus(statuses []models.BudgetStatus) string {
	if len(statuses) == 0 {
		return "No budget policies found."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-12s %-8s %10s %10s %10s %6s\n", "Model", "Period", "Cap", "Spent", "Remaining", "Used%")
	b.WriteString(strings.Repeat("-", 62) + "\n")
	for _, s := range statuses {
		model := s.Policy.Model
		if model == "" {
			model = "*"
		}
		pct := s.Spent / s.Policy.MaxCostUSD * 100
		fmt.Fprintf(&b, "%-12s %-8s %10.2f %10.2f %10.2f %5.1f%%\n",
			model, s.Policy.Period, s.Policy.MaxCostUSD, s.Spent, s.Remaining, pct)
	}
	return b.String()
}

func formatCostReport(reports []models.CostReport) string {
	if len(reports) == 0 {
		return "No spend recorded."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-10s %-10s %7s %7s %10s\n", "Model", "Size", "Images", "Cached", "Cost")
	b.WriteString(strings.Repeat("-", 48) + "\n")
	var total float64
	for _, r := range reports {
		fmt.Fprintf(&b, "%-10s %-10s %7d %7d %10.3f\n", r.Model, r.Size, r.Images, r.CacheHits, r.TotalCost)
		total += r.TotalCost
	}
	fmt.Fprintf(&b, "%-37s %10.3f\n", "Total", total)
	return b.String()
}

func formatCacheStats(stats models.CacheStats) string {
	total := stats.Hits + stats.Misses
	hitRate := float64(0)
	if total > 0 {
		hitRate = float64(stats.Hits) / float64(total) * 100
	}
	return fmt.Sprintf("Cache Statistics\n"+
		"  Entries:  %d\n"+
		"  Size:     %s\n"+
		"  Hits:     %d\n"+
		"  Misses:   %d\n"+
		"  Hit Rate: %.1f%%\n",
		stats.Entries, humanize.Bytes(uint64(stats.Bytes)), stats.Hits, stats.Misses, hitRate)
}

func formatAuditEntries(entries []models.AuditEntry) string {
	if len(entries) == 0 {
		return "No audit entries found."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-20s %-10s %-14s %3s %6s %8s  %s\n", "Time", "Model", "Outcome", "#", "Status", "Latency", "Fingerprint")
	b.WriteString(strings.Repeat("-", 90) + "\n")
	for _, e := range entries {
		fp := e.Fingerprint
		if len(fp) > 12 {
			fp = fp[:12]
		}
		fmt.Fprintf(&b, "%-20s %-10s %-14s %3d %6d %6dms  %s\n",
			e.CreatedAt.Format("2006-01-02 15:04:05"), e.Model, e.Outcome, e.Attempt, e.StatusCode, e.LatencyMs, fp)
	}
	return b.String()
}
