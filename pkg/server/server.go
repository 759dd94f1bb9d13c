// Package server exposes the engine over an OpenAI-compatible HTTP API so
// existing image clients can use prism's cache, budgets and retries.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/prismcli/prism/pkg/budget"
	"github.com/prismcli/prism/pkg/engine"
	"github.com/prismcli/prism/pkg/models"
)

const maxBodyBytes = 1 << 20

// Server is the local image API endpoint.
type Server struct {
	engine *engine.Engine
	log    *zap.Logger
	mux    *http.ServeMux
}

// New creates a Server wired to e.
func New(e *engine.Engine, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{engine: e, log: log, mux: http.NewServeMux()}
	s.mux.HandleFunc("/v1/images/generations", s.handleGenerations)
	s.mux.HandleFunc("/v1/budget", s.handleBudget)
	s.mux.HandleFunc("/healthz", s.handleHealth)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// ListenAndServe serves on the configured address until ctx is cancelled,
// then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := s.engine.Config().Serve.Listen
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("prism server listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		return err
	}
}

// generationRequest is the OpenAI images API request body.
type generationRequest struct {
	Prompt  string `json:"prompt"`
	Model   string `json:"model,omitempty"`
	Size    string `json:"size,omitempty"`
	Quality string `json:"quality,omitempty"`
	Style   string `json:"style,omitempty"`
	N       int    `json:"n,omitempty"`
}

type imageData struct {
	B64JSON       string `json:"b64_json,omitempty"`
	URL           string `json:"url,omitempty"`
	RevisedPrompt string `json:"revised_prompt,omitempty"`
}

type generationResponse struct {
	Created int64       `json:"created"`
	Data    []imageData `json:"data"`
}

func (s *Server) handleGenerations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	var req generationRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	report, err := s.engine.Generate(r.Context(), models.GenerationRequest{
		Prompt:  req.Prompt,
		Model:   req.Model,
		Size:    req.Size,
		Quality: req.Quality,
		Style:   req.Style,
		Count:   req.N,
	}, engine.BatchOptions{NoSave: !s.engine.Config().Serve.SaveImages})
	if err != nil {
		if errors.Is(err, budget.ErrBudgetExceeded) {
			writeJSONError(w, http.StatusTooManyRequests, err.Error())
			return
		}
		s.log.Error("generation failed", zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, "generation failed")
		return
	}

	o := report.Outcomes[0]
	if !o.OK() {
		code, msg := http.StatusServiceUnavailable, "request cancelled"
		if o.Err != nil {
			code, msg = statusFor(o.Err.Kind), o.Err.Message
		}
		writeJSONError(w, code, msg)
		return
	}

	resp := generationResponse{Created: report.FinishedAt.Unix(), Data: make([]imageData, len(o.Images))}
	for i, img := range o.Images {
		resp.Data[i] = imageData{B64JSON: img.B64JSON, URL: img.URL, RevisedPrompt: img.RevisedPrompt}
	}

	w.Header().Set("X-Prism-Cache", cacheHeader(o.CacheHit))
	w.Header().Set("X-Prism-Fingerprint", o.Fingerprint)
	w.Header().Set("X-Prism-Cost", fmt.Sprintf("%.3f", o.Cost))
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleBudget(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	b := s.engine.Budget()
	if b == nil {
		writeJSON(w, http.StatusOK, []models.BudgetStatus{})
		return
	}
	statuses, err := b.Status(r.Context())
	if err != nil {
		s.log.Error("budget status failed", zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, "budget status failed")
		return
	}
	writeJSON(w, http.StatusOK, statuses)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Cache().Ping(r.Context()); err != nil {
		writeJSONError(w, http.StatusServiceUnavailable, "cache unavailable: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// statusFor maps a generation error kind to the HTTP status returned to
// the client.
func statusFor(kind models.ErrorKind) int {
	switch kind {
	case models.ErrMalformed, models.ErrContentPolicy:
		return http.StatusBadRequest
	case models.ErrAuthentication:
		return http.StatusUnauthorized
	case models.ErrRateLimited:
		return http.StatusTooManyRequests
	case models.ErrNetwork:
		return http.StatusBadGateway
	default:
		return http.StatusServiceUnavailable
	}
}

func cacheHeader(hit bool) string {
	if hit {
		return "hit"
	}
	return "miss"
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	fmt.Fprintf(w, `{"error":{"message":%q,"type":"prism_error","code":%d}}`, message, code)
}
