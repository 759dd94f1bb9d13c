package models

import (
	"fmt"
	"strings"
)

// Supported image models.
const (
	ModelDallE2 = "dall-e-2"
	ModelDallE3 = "dall-e-3"
)

// Image quality values. QualityHigh is accepted as an alias for QualityHD.
const (
	QualityStandard = "standard"
	QualityHD       = "hd"
	QualityHigh     = "high"
)

// Image styles (dall-e-3 only).
const (
	StyleVivid   = "vivid"
	StyleNatural = "natural"
)

// MaxCountDallE2 is the largest number of images dall-e-2 returns per call.
const MaxCountDallE2 = 10

var supportedSizes = map[string][]string{
	ModelDallE2: {"256x256", "512x512", "1024x1024"},
	ModelDallE3: {"1024x1024", "1792x1024", "1024x1792"},
}

// SupportedSizes returns the pixel dimensions accepted by a model.
func SupportedSizes(model string) []string {
	return supportedSizes[model]
}

// GenerationRequest describes one text-to-image request.
type GenerationRequest struct {
	Prompt  string `json:"prompt"`
	Model   string `json:"model"`
	Size    string `json:"size"`
	Quality string `json:"quality,omitempty"`
	Style   string `json:"style,omitempty"`
	Count   int    `json:"n"`
}

// NormalizedQuality maps the quality alias onto the API value.
func (r GenerationRequest) NormalizedQuality() string {
	q := strings.ToLower(strings.TrimSpace(r.Quality))
	switch q {
	case "", QualityStandard:
		return QualityStandard
	case QualityHigh, QualityHD:
		return QualityHD
	}
	return q
}

// NormalizedStyle returns the lower-cased style as the API expects it.
func (r GenerationRequest) NormalizedStyle() string {
	return strings.ToLower(strings.TrimSpace(r.Style))
}

// Validate reports whether the request can be sent to the remote API.
// Errors are returned as *APIError with kind ErrMalformed.
func (r GenerationRequest) Validate() error {
	if strings.TrimSpace(r.Prompt) == "" {
		return malformed("prompt is empty")
	}
	sizes, ok := supportedSizes[r.Model]
	if !ok {
		return malformed(fmt.Sprintf("unsupported model %q", r.Model))
	}
	if !contains(sizes, r.Size) {
		return malformed(fmt.Sprintf("size %q not supported by %s", r.Size, r.Model))
	}
	switch r.NormalizedQuality() {
	case QualityStandard, QualityHD:
	default:
		return malformed(fmt.Sprintf("unsupported quality %q", r.Quality))
	}
	if r.Model == ModelDallE2 && r.NormalizedQuality() == QualityHD {
		return malformed("hd quality requires dall-e-3")
	}
	if r.Style != "" {
		if r.Model != ModelDallE3 {
			return malformed("style requires dall-e-3")
		}
		switch r.NormalizedStyle() {
		case StyleVivid, StyleNatural:
		default:
			return malformed(fmt.Sprintf("unsupported style %q", r.Style))
		}
	}
	if r.Count < 1 {
		return malformed("count must be at least 1")
	}
	if r.Model == ModelDallE2 && r.Count > MaxCountDallE2 {
		return malformed(fmt.Sprintf("dall-e-2 returns at most %d images per request", MaxCountDallE2))
	}
	return nil
}

// Image is a single generated image: an inline base64 payload or a URL.
type Image struct {
	B64JSON       string `json:"b64_json,omitempty"`
	URL           string `json:"url,omitempty"`
	RevisedPrompt string `json:"revised_prompt,omitempty"`
}

func malformed(msg string) *APIError {
	return &APIError{Kind: ErrMalformed, Message: msg}
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
