// Package api provides the HTTP surface of MemoryRouter: an OpenAI-compatible
// chat completions endpoint with memory, and direct memory operations.
package api //nolint:revive // package name is intentional

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"

	"github.com/John-Rood/MemoryRouter-sub003/internal/embedding"
	"github.com/John-Rood/MemoryRouter-sub003/internal/memory"
	"github.com/John-Rood/MemoryRouter-sub003/internal/observability"
	"github.com/John-Rood/MemoryRouter-sub003/internal/pipeline"
	"github.com/John-Rood/MemoryRouter-sub003/pkg/types"
)

// MemoryKeyHeader carries the memory key of a chat completion.
const MemoryKeyHeader = "X-Memory-Key"

// Memory report headers.
const (
	HeaderTokensRetrieved = "X-MR-Tokens-Retrieved"
	HeaderChunksRetrieved = "X-MR-Chunks-Retrieved"
	HeaderOverheadMs      = "X-MR-Overhead-Ms"
	HeaderProcessingMs    = "X-MR-Processing-Ms"
	HeaderDegraded        = "X-MR-Degraded"
)

// Memory is the part of memory.Registry the handlers use.
type Memory interface {
	Store(ctx context.Context, key string, turn memory.Turn) (memory.StoreResult, error)
	Ingest(ctx context.Context, key string, turn memory.Turn) (memory.StoreResult, error)
	Retrieve(ctx context.Context, key string, req memory.RetrieveRequest) (memory.RetrieveResult, error)
	Stats(ctx context.Context, key string) (memory.Stats, error)
}

// HealthChecker reports whether a dependency is usable.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// Handler serves the API.
type Handler struct {
	pipeline    atomic.Pointer[pipeline.Pipeline]
	memory      Memory
	embedder    embedding.Embedder
	checks      map[string]HealthChecker
	logger      *observability.Logger
	maxBodySize int64
	retrieve    RetrieveDefaults
}

// RetrieveDefaults apply to retrieve requests that leave the fields empty.
type RetrieveDefaults struct {
	TokenBudget int
	TopK        int
	Mode        memory.Mode
}

// HandlerConfig contains optional handler settings.
type HandlerConfig struct {
	MaxBodySize int64
	Retrieve    RetrieveDefaults
	// Checks are pinged by the readiness probe.
	Checks map[string]HealthChecker
}

// NewHandler creates a handler. cfg may be nil.
func NewHandler(p *pipeline.Pipeline, mem Memory, embedder embedding.Embedder, logger *observability.Logger, cfg *HandlerConfig) *Handler {
	h := &Handler{
		memory:      mem,
		embedder:    embedder,
		logger:      logger,
		maxBodySize: DefaultMaxBodySize,
	}
	if cfg != nil {
		if cfg.MaxBodySize > 0 {
			h.maxBodySize = cfg.MaxBodySize
		}
		h.retrieve = cfg.Retrieve
		h.checks = cfg.Checks
	}
	h.pipeline.Store(p)
	return h
}

// SetPipeline swaps the pipeline used for new completions. Requests in
// flight finish on the previous one.
func (h *Handler) SetPipeline(p *pipeline.Pipeline) {
	h.pipeline.Store(p)
}

// ChatCompletions handles POST /v1/chat/completions.
func (h *Handler) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.Header.Get(MemoryKeyHeader))
	if key == "" {
		h.writeError(w, r, newInvalidRequest(MemoryKeyHeader+" header is required"))
		return
	}

	var req types.ChatRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.Stream {
		h.writeError(w, r, newInvalidRequest("streaming is not supported"))
		return
	}
	if err := req.Validate(); err != nil {
		h.writeError(w, r, newInvalidRequest(err.Error()))
		return
	}

	resp, report, err := h.pipeline.Load().Complete(r.Context(), key, &req)
	if report != nil {
		setReportHeaders(w, report)
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, types.MemoryChatResponse{ChatResponse: resp, Memory: report})
}

func setReportHeaders(w http.ResponseWriter, report *types.MemoryReport) {
	hd := w.Header()
	hd.Set(HeaderTokensRetrieved, strconv.Itoa(report.TokensRetrieved))
	hd.Set(HeaderChunksRetrieved, strconv.Itoa(report.ChunksRetrieved))
	hd.Set(HeaderOverheadMs, strconv.FormatFloat(report.Latency.MROverheadMs, 'f', 2, 64))
	hd.Set(HeaderProcessingMs, strconv.FormatFloat(report.Latency.MRProcessingMs, 'f', 2, 64))
	hd.Set(HeaderDegraded, strconv.FormatBool(report.Degraded))
}

// decode reads a size-limited JSON body into v.
func (h *Handler) decode(r *http.Request, v any) error {
	defer func() { _ = r.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(r.Body, h.maxBodySize+1))
	if err != nil {
		return newInvalidRequest("failed to read request body")
	}
	if int64(len(body)) > h.maxBodySize {
		return &apiError{status: http.StatusRequestEntityTooLarge, typ: "invalid_request_error", msg: "request body too large"}
	}
	if err := json.Unmarshal(body, v); err != nil {
		return newInvalidRequest("invalid JSON: " + err.Error())
	}
	return nil
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Debug("failed to write response", "error", err)
	}
}

// HealthLive handles GET /health/live.
func (h *Handler) HealthLive(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HealthReady handles GET /health/ready by pinging every configured check.
func (h *Handler) HealthReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := make(map[string]string, len(h.checks))
	for name, c := range h.checks {
		if err := c.Ping(ctx); err != nil {
			status = http.StatusServiceUnavailable
			checks[name] = err.Error()
			h.log(r).RedactedWarn("readiness check failed", "check", name, "error", err)
			continue
		}
		checks[name] = "ok"
	}

	state := "ok"
	if status != http.StatusOK {
		state = "unavailable"
	}
	h.writeJSON(w, status, map[string]any{"status": state, "checks": checks})
}

func (h *Handler) log(r *http.Request) *observability.Logger {
	return h.logger.WithRequestID(r.Context())
}
