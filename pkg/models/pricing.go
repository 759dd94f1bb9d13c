package models

// ModelPricing is the USD price of one image for a model, size and quality.
type ModelPricing struct {
	Model         string  `json:"model" yaml:"model" validate:"required"`
	Size          string  `json:"size" yaml:"size" validate:"required"`
	Quality       string  `json:"quality,omitempty" yaml:"quality"`
	PricePerImage float64 `json:"price_per_image" yaml:"price_per_image" validate:"gte=0"`
}

// CostReport is an aggregated spend row grouped by model and size.
type CostReport struct {
	Model     string  `json:"model"`
	Size      string  `json:"size"`
	Images    int     `json:"images"`
	CacheHits int     `json:"cache_hits"`
	TotalCost float64 `json:"total_cost"`
}
