package types //nolint:revive // package name is intentional

// ChatResponse represents an OpenAI-compatible chat completion response.
type ChatResponse struct {
	ID                string   `json:"id"`
	Object            string   `json:"object"`
	Created           int64    `json:"created"`
	Model             string   `json:"model"`
	Choices           []Choice `json:"choices"`
	Usage             *Usage   `json:"usage,omitempty"`
	SystemFingerprint string   `json:"system_fingerprint,omitempty"`
}

// Choice represents a single completion choice.
type Choice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

// Usage contains token usage statistics for the request.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// AssistantText returns the text of the first choice.
func (r *ChatResponse) AssistantText() string {
	if r == nil || len(r.Choices) == 0 {
		return ""
	}
	return r.Choices[0].Message.Text()
}

// WindowBreakdown counts retrieved chunks per recency tier. All tiers are
// always present, zeros included.
type WindowBreakdown struct {
	Hot      int `json:"hot"`
	Working  int `json:"working"`
	Longterm int `json:"longterm"`
	Archive  int `json:"archive"`
}

// LatencyReport breaks the request time down by stage, in milliseconds.
type LatencyReport struct {
	EmbeddingMs    float64 `json:"embedding_ms"`
	MRProcessingMs float64 `json:"mr_processing_ms"`
	MROverheadMs   float64 `json:"mr_overhead_ms"`
	ProviderMs     float64 `json:"provider_ms"`
}

// MemoryReport describes what memory contributed to a completion.
type MemoryReport struct {
	MemoryKey       string          `json:"memory_key"`
	TokensRetrieved int             `json:"tokens_retrieved"`
	ChunksRetrieved int             `json:"chunks_retrieved"`
	WindowBreakdown WindowBreakdown `json:"window_breakdown"`
	Latency         LatencyReport   `json:"latency"`
	Degraded        bool            `json:"degraded"`
}

// MemoryChatResponse is a ChatResponse carrying the memory report.
type MemoryChatResponse struct {
	*ChatResponse
	Memory *MemoryReport `json:"memory,omitempty"`
}
