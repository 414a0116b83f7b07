// Package memory hosts one actor per memory key. An actor owns the key's
// vector index, pending buffer and durable syncer, and runs every operation
// on its own goroutine in arrival order.
package memory

import (
	"sort"
	"strings"
	"time"

	"github.com/John-Rood/MemoryRouter-sub003/internal/kronos"
)

// Turn is one message to remember.
type Turn struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// text is the form a turn takes inside the buffer.
func (t Turn) text() string {
	if t.Role == "" {
		return t.Content
	}
	return t.Role + ": " + t.Content
}

// StoreResult describes the effect of Store or Ingest.
type StoreResult struct {
	// ChunkIDs are the ids of chunks indexed by this call, including
	// retried chunks from earlier calls.
	ChunkIDs []uint32 `json:"chunk_ids"`
	// Retrying is the number of finalized chunks still waiting for an
	// embedding after this call.
	Retrying     int  `json:"retrying"`
	BufferTokens int  `json:"buffer_tokens"`
	IndexSize    int  `json:"index_size"`
	SyncLag      int  `json:"sync_lag"`
	Degraded     bool `json:"degraded"`
}

// Mode selects how Retrieve ranks indexed chunks.
type Mode string

const (
	// ModeFull ranks the whole history by similarity.
	ModeFull Mode = "full"
	// ModeTiered reserves result slots per recency tier.
	ModeTiered Mode = "tiered"
)

// RetrieveRequest is a retrieval query. A nil Query skips the vector search
// and returns only unindexed text.
type RetrieveRequest struct {
	Query       []float32
	Now         time.Time
	TokenBudget int
	Mode        Mode
	// K caps the number of indexed chunks considered.
	K int
}

// Item sources.
const (
	SourceBuffer  = "buffer"
	SourcePending = "pending"
	SourceChunk   = "chunk"
)

// ContextItem is one piece of retrieved context.
type ContextItem struct {
	Source    string      `json:"source"`
	ChunkID   uint32      `json:"chunk_id,omitempty"`
	Role      string      `json:"role,omitempty"`
	Content   string      `json:"content"`
	Score     float64     `json:"score,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Tier      kronos.Tier `json:"tier,omitempty"`
	Tokens    int         `json:"tokens"`
}

// RetrieveResult is the context selected for a query. TokensRetrieved never
// exceeds the request's budget.
type RetrieveResult struct {
	TokensRetrieved int              `json:"tokens_retrieved"`
	ChunksRetrieved int              `json:"chunks_retrieved"`
	Breakdown       kronos.Breakdown `json:"window_breakdown"`
	Items           []ContextItem    `json:"items"`
	Degraded        bool             `json:"degraded"`
	ProcessingTime  time.Duration    `json:"-"`
}

// Text renders the retrieved context in time order: indexed chunks oldest
// first, then chunks awaiting embedding, then the buffer.
func (r RetrieveResult) Text() string {
	var chunks []ContextItem
	var pending, buffer []string
	for _, it := range r.Items {
		switch it.Source {
		case SourceChunk:
			chunks = append(chunks, it)
		case SourcePending:
			pending = append(pending, it.Content)
		default:
			buffer = append(buffer, it.Content)
		}
	}
	sort.SliceStable(chunks, func(i, j int) bool {
		return chunks[i].ChunkID < chunks[j].ChunkID
	})

	parts := make([]string, 0, len(r.Items))
	for _, it := range chunks {
		parts = append(parts, it.Content)
	}
	parts = append(parts, pending...)
	parts = append(parts, buffer...)
	return strings.Join(parts, "\n\n")
}

// Stats is a point-in-time view of an actor.
type Stats struct {
	Key            string    `json:"memory_key"`
	Available      bool      `json:"available"`
	IndexSize      int       `json:"index_size"`
	Dimension      int       `json:"dimension"`
	LastChunkID    uint32    `json:"last_chunk_id"`
	BufferTokens   int       `json:"buffer_tokens"`
	PendingChunks  int       `json:"pending_chunks"`
	SyncLag        int       `json:"sync_lag"`
	DurableCount   int       `json:"durable_count"`
	QueueDepth     int       `json:"queue_depth"`
	RehydratedFrom string    `json:"rehydrated_from"`
	StartedAt      time.Time `json:"started_at"`
}
