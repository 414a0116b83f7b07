package api //nolint:revive // package name is intentional

import (
	"net/http"
	"strings"
	"time"

	"github.com/John-Rood/MemoryRouter-sub003/internal/memory"
	"github.com/John-Rood/MemoryRouter-sub003/internal/metrics"
)

// maxMemoryKeyLen bounds keys taken from the URL path.
const maxMemoryKeyLen = 256

// TurnRequest is the body of store and ingest.
type TurnRequest struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// RetrieveRequest is the body of retrieve.
type RetrieveRequest struct {
	Query       string      `json:"query"`
	TokenBudget int         `json:"token_budget,omitempty"`
	K           int         `json:"k,omitempty"`
	Mode        memory.Mode `json:"mode,omitempty"`
}

// RetrieveResponse is a retrieval result plus the rendered context.
type RetrieveResponse struct {
	memory.RetrieveResult
	MemoryKey string `json:"memory_key"`
	Context   string `json:"context"`
}

func pathKey(r *http.Request) (string, error) {
	key := strings.TrimSpace(r.PathValue("key"))
	if key == "" {
		return "", newInvalidRequest("memory key is required")
	}
	if len(key) > maxMemoryKeyLen {
		return "", newInvalidRequest("memory key is too long")
	}
	return key, nil
}

func (h *Handler) decodeTurn(r *http.Request) (memory.Turn, error) {
	var body TurnRequest
	if err := h.decode(r, &body); err != nil {
		return memory.Turn{}, err
	}
	if strings.TrimSpace(body.Content) == "" {
		return memory.Turn{}, newInvalidRequest("content is required")
	}
	return memory.Turn{Role: body.Role, Content: body.Content, Timestamp: body.Timestamp}, nil
}

// StoreMemory handles POST /v1/memory/{key}/store.
func (h *Handler) StoreMemory(w http.ResponseWriter, r *http.Request) {
	key, err := pathKey(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	turn, err := h.decodeTurn(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	res, err := h.memory.Store(r.Context(), key, turn)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.log(r).WithMemoryKey(key).Debug("turn stored",
		"content", h.logger.Content(turn.Content),
		"chunks", len(res.ChunkIDs),
		"retrying", res.Retrying,
	)
	h.writeJSON(w, http.StatusOK, res)
}

// IngestMemory handles POST /v1/memory/{key}/ingest. The content is chunked
// whole instead of going through the buffer.
func (h *Handler) IngestMemory(w http.ResponseWriter, r *http.Request) {
	key, err := pathKey(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	turn, err := h.decodeTurn(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	res, err := h.memory.Ingest(r.Context(), key, turn)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

// RetrieveMemory handles POST /v1/memory/{key}/retrieve. An empty query
// returns only unindexed text. A failed query embedding degrades the same way.
func (h *Handler) RetrieveMemory(w http.ResponseWriter, r *http.Request) {
	key, err := pathKey(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var body RetrieveRequest
	if err := h.decode(r, &body); err != nil {
		h.writeError(w, r, err)
		return
	}
	switch body.Mode {
	case "", memory.ModeFull, memory.ModeTiered:
	default:
		h.writeError(w, r, newInvalidRequest("mode must be full or tiered"))
		return
	}

	req := memory.RetrieveRequest{
		TokenBudget: firstPositive(body.TokenBudget, h.retrieve.TokenBudget),
		K:           firstPositive(body.K, h.retrieve.TopK),
		Mode:        body.Mode,
	}
	if req.Mode == "" {
		req.Mode = h.retrieve.Mode
	}

	degraded := false
	if strings.TrimSpace(body.Query) != "" {
		vec, err := h.embedder.Embed(r.Context(), body.Query)
		if err != nil {
			h.log(r).WithMemoryKey(key).RedactedWarn("query embedding failed, serving unindexed text", "error", err)
			metrics.RecordDegraded("embedding")
			degraded = true
		} else {
			req.Query = vec
		}
	}

	res, err := h.memory.Retrieve(r.Context(), key, req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	res.Degraded = res.Degraded || degraded
	h.writeJSON(w, http.StatusOK, RetrieveResponse{RetrieveResult: res, MemoryKey: key, Context: res.Text()})
}

// MemoryStats handles GET /v1/memory/{key}/stats.
func (h *Handler) MemoryStats(w http.ResponseWriter, r *http.Request) {
	key, err := pathKey(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	stats, err := h.memory.Stats(r.Context(), key)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, stats)
}

func firstPositive(vals ...int) int {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}
