// Package pricing estimates the USD cost of image requests.
package pricing

import (
	"sort"
	"strings"

	"github.com/prismcli/prism/pkg/models"
)

// Defaults are the published per-image prices.
var Defaults = []models.ModelPricing{
	{Model: models.ModelDallE3, Size: "1024x1024", Quality: models.QualityStandard, PricePerImage: 0.040},
	{Model: models.ModelDallE3, Size: "1792x1024", Quality: models.QualityStandard, PricePerImage: 0.080},
	{Model: models.ModelDallE3, Size: "1024x1792", Quality: models.QualityStandard, PricePerImage: 0.080},
	{Model: models.ModelDallE3, Size: "1024x1024", Quality: models.QualityHD, PricePerImage: 0.080},
	{Model: models.ModelDallE3, Size: "1792x1024", Quality: models.QualityHD, PricePerImage: 0.120},
	{Model: models.ModelDallE3, Size: "1024x1792", Quality: models.QualityHD, PricePerImage: 0.120},
	{Model: models.ModelDallE2, Size: "1024x1024", PricePerImage: 0.020},
	{Model: models.ModelDallE2, Size: "512x512", PricePerImage: 0.018},
	{Model: models.ModelDallE2, Size: "256x256", PricePerImage: 0.016},
}

// Table looks up per-image prices.
type Table struct {
	prices map[string]float64
}

// New builds a table from the defaults with overrides applied on top.
func New(overrides []models.ModelPricing) *Table {
	t := &Table{prices: make(map[string]float64, len(Defaults)+len(overrides))}
	for _, p := range Defaults {
		t.prices[key(p.Model, p.Size, p.Quality)] = p.PricePerImage
	}
	for _, p := range overrides {
		t.prices[key(p.Model, p.Size, p.Quality)] = p.PricePerImage
	}
	return t
}

func key(model, size, quality string) string {
	model = strings.ToLower(model)
	q := strings.ToLower(quality)
	if model == models.ModelDallE2 || q == "" {
		q = models.QualityStandard
	}
	if q == models.QualityHigh {
		q = models.QualityHD
	}
	return model + "|" + strings.ToLower(size) + "|" + q
}

// PerImage returns the price of a single image.
func (t *Table) PerImage(model, size, quality string) (float64, bool) {
	p, ok := t.prices[key(model, size, quality)]
	return p, ok
}

// Estimate returns the cost of a generation request. Unknown combinations cost 0.
func (t *Table) Estimate(req models.GenerationRequest) float64 {
	p, _ := t.PerImage(req.Model, req.Size, req.NormalizedQuality())
	n := req.Count
	if n < 1 {
		n = 1
	}
	return p * float64(n)
}

// EstimateVariation prices n variations, which are always produced by dall-e-2.
func (t *Table) EstimateVariation(size string, n int) float64 {
	p, _ := t.PerImage(models.ModelDallE2, size, "")
	return p * float64(n)
}

// EstimateEdit prices n masked edits. Edits run on dall-e-2 and are billed
// like variations.
func (t *Table) EstimateEdit(size string, n int) float64 {
	return t.EstimateVariation(size, n)
}

// EstimateBatch sums Estimate over reqs.
func (t *Table) EstimateBatch(reqs []models.GenerationRequest) float64 {
	var total float64
	for _, r := range reqs {
		total += t.Estimate(r)
	}
	return total
}

// Entries lists every known price, sorted by model, size and quality.
func (t *Table) Entries() []models.ModelPricing {
	out := make([]models.ModelPricing, 0, len(t.prices))
	for k, v := range t.prices {
		parts := strings.SplitN(k, "|", 3)
		out = append(out, models.ModelPricing{Model: parts[0], Size: parts[1], Quality: parts[2], PricePerImage: v})
	}
	sortPricing(out)
	return out
}

func sortPricing(ps []models.ModelPricing) {
	sort.Slice(ps, func(i, j int) bool {
		a, b := ps[i], ps[j]
		if a.Model != b.Model {
			return a.Model < b.Model
		}
		if a.Quality != b.Quality {
			return a.Quality > b.Quality
		}
		return a.Size < b.Size
	})
}
