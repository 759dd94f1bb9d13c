package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prismcli/prism/pkg/config"
	"github.com/prismcli/prism/pkg/engine"
	"github.com/prismcli/prism/pkg/models"
)

type fakeImager struct {
	calls atomic.Int64
	err   error
}

func (f *fakeImager) Generate(_ context.Context, req models.GenerationRequest) ([]models.Image, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	out := make([]models.Image, req.Count)
	for i := range out {
		out[i] = models.Image{
			B64JSON:       base64.StdEncoding.EncodeToString([]byte(req.Prompt)),
			RevisedPrompt: "revised " + req.Prompt,
		}
	}
	return out, nil
}

func (f *fakeImager) CreateVariation(context.Context, io.Reader, string, string, int) ([]models.Image, error) {
	return nil, nil
}

func (f *fakeImager) Analyze(context.Context, []byte, string, string) (string, error) {
	return "", nil
}

func setupServer(t *testing.T, fake *fakeImager, mutate func(*config.Config)) *httptest.Server {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.DBPath = filepath.Join(dir, "prism.db")
	cfg.SaveDir = filepath.Join(dir, "images")
	cfg.Dispatch.MaxAttempts = 2
	if mutate != nil {
		mutate(cfg)
	}

	e, err := engine.Open(cfg, nil,
		engine.WithClientFactory(func(config.ProviderConfig) engine.Imager { return fake }),
		engine.WithSleep(func(ctx context.Context, _ time.Duration) error { return ctx.Err() }),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	ts := httptest.NewServer(New(e, nil))
	t.Cleanup(ts.Close)
	return ts
}

func post(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url+"/v1/images/generations", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestGenerations(t *testing.T) {
	fake := &fakeImager{}
	ts := setupServer(t, fake, nil)

	resp := post(t, ts.URL, `{"prompt":"a red fox","n":1}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "miss", resp.Header.Get("X-Prism-Cache"))
	assert.Equal(t, "0.040", resp.Header.Get("X-Prism-Cost"))

	var body generationResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Data, 1)
	assert.Equal(t, "revised a red fox", body.Data[0].RevisedPrompt)
	assert.NotEmpty(t, body.Data[0].B64JSON)
	assert.NotZero(t, body.Created)

	resp = post(t, ts.URL, `{"prompt":"A Red  Fox"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hit", resp.Header.Get("X-Prism-Cache"))
	assert.Equal(t, "0.000", resp.Header.Get("X-Prism-Cost"))
	assert.EqualValues(t, 1, fake.calls.Load())
}

func TestGenerationsErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		body string
		want int
	}{
		{"invalid json", nil, `{nope`, http.StatusBadRequest},
		{"malformed request", nil, `{"prompt":"x","model":"dall-e-2","size":"1792x1024"}`, http.StatusBadRequest},
		{"auth", &models.APIError{Kind: models.ErrAuthentication, StatusCode: 401, Message: "bad key"}, `{"prompt":"x"}`, http.StatusUnauthorized},
		{"rate limited", &models.APIError{Kind: models.ErrRateLimited, StatusCode: 429, Message: "slow down"}, `{"prompt":"x"}`, http.StatusTooManyRequests},
		{"content policy", &models.APIError{Kind: models.ErrContentPolicy, StatusCode: 400, Message: "rejected"}, `{"prompt":"x"}`, http.StatusBadRequest},
		{"network", &models.APIError{Kind: models.ErrNetwork, Message: "reset"}, `{"prompt":"x"}`, http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := setupServer(t, &fakeImager{err: tt.err}, nil)
			resp := post(t, ts.URL, tt.body)
			assert.Equal(t, tt.want, resp.StatusCode)

			var body struct {
				Error struct {
					Message string `json:"message"`
					Type    string `json:"type"`
				} `json:"error"`
			}
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			assert.Equal(t, "prism_error", body.Error.Type)
			assert.NotEmpty(t, body.Error.Message)
		})
	}
}

func TestGenerationsBudgetExceeded(t *testing.T) {
	fake := &fakeImager{}
	ts := setupServer(t, fake, func(c *config.Config) {
		c.Budget.Enabled = true
		c.Budget.Policies = []models.BudgetPolicy{{MaxCostUSD: 0.01, Period: models.BudgetDaily}}
	})

	resp := post(t, ts.URL, `{"prompt":"a red fox"}`)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Zero(t, fake.calls.Load())

	resp, err := http.Get(ts.URL + "/v1/budget")
	require.NoError(t, err)
	defer resp.Body.Close()
	var statuses []models.BudgetStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&statuses))
	require.Len(t, statuses, 1)
	assert.InDelta(t, 0.01, statuses[0].Remaining, 1e-9)
}

func TestMethodNotAllowed(t *testing.T) {
	ts := setupServer(t, &fakeImager{}, nil)
	resp, err := http.Get(ts.URL + "/v1/images/generations")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestHealth(t *testing.T) {
	ts := setupServer(t, &fakeImager{}, nil)
	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestListenAndServeShutdown(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.DBPath = filepath.Join(dir, "prism.db")
	cfg.Serve.Listen = "127.0.0.1:0"
	e, err := engine.Open(cfg, nil)
	require.NoError(t, err)
	defer e.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- New(e, nil).ListenAndServe(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
