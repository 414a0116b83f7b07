package api //nolint:revive // package name is intentional

import (
	"net/http"

	"github.com/John-Rood/MemoryRouter-sub003/internal/metrics"
)

// RouteInfo describes an API route.
type RouteInfo struct {
	Method      string `json:"method"`
	Path        string `json:"path"`
	Description string `json:"description"`
	// Label is the fixed metrics route label.
	Label   string `json:"-"`
	handler func(*Handler) http.HandlerFunc
}

// Routes lists every route the handler serves.
var Routes = []RouteInfo{
	{http.MethodPost, "/v1/chat/completions", "Chat completion with memory (X-Memory-Key)", "chat_completions",
		func(h *Handler) http.HandlerFunc { return h.ChatCompletions }},
	{http.MethodPost, "/v1/memory/{key}/store", "Store one turn", "memory_store",
		func(h *Handler) http.HandlerFunc { return h.StoreMemory }},
	{http.MethodPost, "/v1/memory/{key}/ingest", "Chunk and store a whole document", "memory_ingest",
		func(h *Handler) http.HandlerFunc { return h.IngestMemory }},
	{http.MethodPost, "/v1/memory/{key}/retrieve", "Retrieve context for a query", "memory_retrieve",
		func(h *Handler) http.HandlerFunc { return h.RetrieveMemory }},
	{http.MethodGet, "/v1/memory/{key}/stats", "Actor statistics", "memory_stats",
		func(h *Handler) http.HandlerFunc { return h.MemoryStats }},
	{http.MethodGet, "/health/live", "Liveness probe", "health_live",
		func(h *Handler) http.HandlerFunc { return h.HealthLive }},
	{http.MethodGet, "/health/ready", "Readiness probe", "health_ready",
		func(h *Handler) http.HandlerFunc { return h.HealthReady }},
}

// RegisterRoutes registers every route on mux, each wrapped with request
// metrics under its fixed label.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	for _, rt := range Routes {
		mux.Handle(rt.Method+" "+rt.Path, metrics.Middleware(rt.Label, rt.handler(h)))
	}
}
