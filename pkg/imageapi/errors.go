package imageapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/openai/openai-go"

	"github.com/prismcli/prism/pkg/models"
)

// Classify converts an error returned by the SDK into a *models.APIError.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var classified *models.APIError
	if errors.As(err, &classified) {
		return classified
	}
	if errors.Is(err, context.Canceled) {
		return &models.APIError{Kind: models.ErrCancelled, Message: err.Error(), Err: err}
	}

	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		var retryAfter time.Duration
		if apiErr.Response != nil {
			retryAfter = parseRetryAfter(apiErr.Response.Header, time.Now())
		}
		msg := apiErr.Message
		if msg == "" {
			msg = http.StatusText(apiErr.StatusCode)
		}
		e := ClassifyStatus(apiErr.StatusCode, apiErr.Code, msg)
		e.RetryAfter = retryAfter
		e.Err = err
		return e
	}

	return &models.APIError{Kind: models.ErrNetwork, Message: err.Error(), Err: err}
}

// ClassifyStatus maps an HTTP status and API error code onto the failure taxonomy.
func ClassifyStatus(status int, code, message string) *models.APIError {
	e := &models.APIError{StatusCode: status, Message: message}
	switch {
	case status == http.StatusTooManyRequests && code == "insufficient_quota":
		// Billing exhaustion also arrives as 429 but never clears on retry.
		e.Kind = models.ErrAuthentication
	case status == http.StatusTooManyRequests:
		e.Kind = models.ErrRateLimited
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		e.Kind = models.ErrAuthentication
	case status == http.StatusBadRequest && isContentPolicy(code, message):
		e.Kind = models.ErrContentPolicy
	case status == http.StatusRequestTimeout || status == http.StatusConflict:
		e.Kind = models.ErrNetwork
	case status >= 400 && status < 500:
		e.Kind = models.ErrMalformed
	default:
		e.Kind = models.ErrNetwork
	}
	return e
}

func isContentPolicy(code, message string) bool {
	if code == "content_policy_violation" {
		return true
	}
	m := strings.ToLower(message)
	return strings.Contains(m, "safety system") || strings.Contains(m, "content policy")
}

// parseRetryAfter reads retry-after-ms or Retry-After (seconds or HTTP date).
func parseRetryAfter(h http.Header, now time.Time) time.Duration {
	if v := h.Get("Retry-After-Ms"); v != "" {
		if ms, err := strconv.ParseFloat(v, 64); err == nil && ms > 0 {
			return time.Duration(ms * float64(time.Millisecond))
		}
	}
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs * float64(time.Second))
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
