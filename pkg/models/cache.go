package models

import "time"

// CacheEntry is a cached generation result keyed by request fingerprint.
type CacheEntry struct {
	Fingerprint string            `json:"fingerprint"`
	Images      []Image           `json:"images"`
	Summary     GenerationRequest `json:"summary"`
	CreatedAt   time.Time         `json:"created_at"`
}

// CacheStats reports cache size and lookup metrics.
type CacheStats struct {
	Entries int64 `json:"entries"`
	Bytes   int64 `json:"bytes"`
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
}
