// Package cache defines the response cache contract and request fingerprinting.
package cache

import (
	"context"
	"crypto/sha256"
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/prismcli/prism/pkg/models"
)

// Store is a durable fingerprint -> entry lookup. Implementations must be
// safe for concurrent use.
type Store interface {
	// Lookup returns the entry for fp. It never touches the network.
	Lookup(ctx context.Context, fp string) (*models.CacheEntry, bool, error)
	// Store writes entry, replacing any previous entry with the same
	// fingerprint. The write is durable when Store returns.
	Store(ctx context.Context, entry models.CacheEntry) error
	// Evict removes one entry and reports whether it existed.
	Evict(ctx context.Context, fp string) (bool, error)
	// Clear removes every entry and returns how many were deleted.
	Clear(ctx context.Context) (int64, error)
	// Ping reports whether the backing storage is usable.
	Ping(ctx context.Context) error
}

// Statter is implemented by stores that report size and hit counters.
type Statter interface {
	Stats() (models.CacheStats, error)
}

// fingerprintVersion is mixed into every key so a change to the
// canonical form never collides with old entries.
const fingerprintVersion = "prism.v1"

// NormalizePrompt trims, NFC-normalizes and case-folds text and collapses
// internal whitespace runs to a single space. Punctuation is preserved.
func NormalizePrompt(prompt string) string {
	s := norm.NFC.String(strings.TrimSpace(prompt))
	s = norm.NFC.String(cases.Fold().String(s))
	return strings.Join(strings.Fields(s), " ")
}

// Canonical returns the request with every field in canonical form.
func Canonical(req models.GenerationRequest) models.GenerationRequest {
	c := models.GenerationRequest{
		Prompt:  NormalizePrompt(req.Prompt),
		Model:   strings.ToLower(strings.TrimSpace(req.Model)),
		Size:    strings.ToLower(strings.TrimSpace(req.Size)),
		Quality: req.NormalizedQuality(),
		Style:   req.NormalizedStyle(),
		Count:   req.Count,
	}
	if c.Count < 1 {
		c.Count = 1
	}
	switch c.Model {
	case models.ModelDallE3:
		if c.Style == "" {
			c.Style = models.StyleVivid
		}
	default:
		c.Style = ""
		if c.Quality == "" {
			c.Quality = models.QualityStandard
		}
	}
	return c
}

// Fingerprint derives the cache key for a request. Requests that differ
// only in prompt whitespace or letter case share a fingerprint.
func Fingerprint(req models.GenerationRequest) string {
	c := Canonical(req)
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00%s\x00%s\x00%s\x00%d",
		fingerprintVersion, c.Prompt, c.Model, c.Size, c.Quality, c.Style, c.Count)
	return fmt.Sprintf("%x", h.Sum(nil))
}
