package models

import "time"

// GenerationType distinguishes the API operation behind a history record.
type GenerationType string

const (
	TypeGenerate  GenerationType = "generate"
	TypeVariation GenerationType = "variation"
	TypeAnalyze   GenerationType = "analyze"
	TypeEdit      GenerationType = "edit"
	TypeEnhance   GenerationType = "enhance"
)

// GenerationRecord is one row in the local generation history.
type GenerationRecord struct {
	ID        int64          `json:"id"`
	BatchID   string         `json:"batch_id,omitempty"`
	Type      GenerationType `json:"type"`
	Prompt    string         `json:"prompt"`
	Model     string         `json:"model"`
	Size      string         `json:"size,omitempty"`
	Quality   string         `json:"quality,omitempty"`
	Style     string         `json:"style,omitempty"`
	ImagePath string         `json:"image_path,omitempty"`
	Cost      float64        `json:"cost"`
	CacheHit  bool           `json:"cache_hit"`
	CreatedAt time.Time      `json:"created_at"`
}

// HistoryQueryOpts filters history listings.
type HistoryQueryOpts struct {
	Search string
	Model  string
	Type   GenerationType
	Since  time.Time
	Limit  int
}

// HistorySummary aggregates history by model and generation type.
type HistorySummary struct {
	Model     string         `json:"model"`
	Type      GenerationType `json:"type"`
	Count     int            `json:"count"`
	CacheHits int            `json:"cache_hits"`
	TotalCost float64        `json:"total_cost"`
}
