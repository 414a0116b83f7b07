// Package durable replicates finalized chunks and buffer state of a memory
// key to a relational store and rebuilds vector indexes from it.
package durable

import (
	"context"
	"time"
)

// ChunkRow is one finalized chunk as persisted in memory_chunks.
type ChunkRow struct {
	MemoryKey string
	ID        uint32
	Role      string
	Content   string
	Embedding []float32
	Timestamp float64 // epoch milliseconds
}

// BufferRow is the pending buffer of a key as persisted in memory_buffers.
type BufferRow struct {
	MemoryKey   string
	PendingText string
	TokenCount  int
	UpdatedAt   time.Time
}

// Cursor records how far a key has been persisted.
type Cursor struct {
	LastChunkID uint32 `json:"last_chunk_id"`
	Count       int    `json:"count"`
}

// Repository is the durable backing store for memory keys.
//
// InsertChunk must be idempotent on (memory_key, id) so a flush that failed
// halfway can simply be retried.
type Repository interface {
	InsertChunk(ctx context.Context, row ChunkRow) error
	// ListChunksByKey returns the chunks of key with id > afterID, ordered by id.
	ListChunksByKey(ctx context.Context, key string, afterID uint32) ([]ChunkRow, error)
	UpsertBuffer(ctx context.Context, row BufferRow) error
	// GetBuffer returns nil, nil when the key has no buffer row.
	GetBuffer(ctx context.Context, key string) (*BufferRow, error)
	Cursor(ctx context.Context, key string) (Cursor, error)
	Ping(ctx context.Context) error
	Close() error
}
