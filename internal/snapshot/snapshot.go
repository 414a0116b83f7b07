// Package snapshot persists serialized memory actors so a key can be
// rehydrated without replaying its whole durable history.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/John-Rood/MemoryRouter-sub003/internal/chunker"
)

// ErrNotFound is returned by Load when no snapshot exists for a key.
var ErrNotFound = errors.New("snapshot not found")

// Record carries the text of an indexed chunk.
type Record struct {
	ID      uint32 `json:"id"`
	Role    string `json:"role"`
	Content string `json:"content"`
}

// PendingChunk is a finalized chunk whose embedding has not succeeded yet.
type PendingChunk struct {
	Role      string  `json:"role"`
	Content   string  `json:"content"`
	Timestamp float64 `json:"timestamp"`
}

// Snapshot is the hibernated state of one memory key. Index holds the
// vectorindex binary encoding; Records holds one entry per indexed id.
type Snapshot struct {
	Key         string         `json:"memory_key"`
	Index       []byte         `json:"index"`
	Records     []Record       `json:"records"`
	Pending     []PendingChunk `json:"pending,omitempty"`
	Buffer      chunker.Buffer `json:"buffer"`
	LastChunkID uint32         `json:"last_chunk_id"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Store saves and loads snapshots by memory key.
type Store interface {
	Save(ctx context.Context, snap *Snapshot) error
	// Load returns ErrNotFound when the key has no snapshot.
	Load(ctx context.Context, key string) (*Snapshot, error)
	Delete(ctx context.Context, key string) error
}

// Encode serializes a snapshot.
func Encode(snap *Snapshot) ([]byte, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return data, nil
}

// Decode parses a snapshot produced by Encode.
func Decode(data []byte) (*Snapshot, error) {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, nil
}
