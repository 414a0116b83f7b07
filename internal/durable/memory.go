package durable

import (
	"context"
	"sort"
	"sync"
)

// MemoryRepository implements Repository with in-process maps. It backs
// single-node development setups and tests.
type MemoryRepository struct {
	mu      sync.RWMutex
	chunks  map[string][]ChunkRow
	buffers map[string]BufferRow
}

// NewMemoryRepository creates an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		chunks:  make(map[string][]ChunkRow),
		buffers: make(map[string]BufferRow),
	}
}

func (r *MemoryRepository) Ping(ctx context.Context) error {
	return nil
}

func (r *MemoryRepository) Close() error {
	return nil
}

func (r *MemoryRepository) InsertChunk(ctx context.Context, row ChunkRow) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	rows := r.chunks[row.MemoryKey]
	i := sort.Search(len(rows), func(i int) bool { return rows[i].ID >= row.ID })
	if i < len(rows) && rows[i].ID == row.ID {
		return nil
	}
	rows = append(rows, ChunkRow{})
	copy(rows[i+1:], rows[i:])
	rows[i] = copyRow(row)
	r.chunks[row.MemoryKey] = rows
	return nil
}

func (r *MemoryRepository) ListChunksByKey(ctx context.Context, key string, afterID uint32) ([]ChunkRow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	rows := r.chunks[key]
	i := sort.Search(len(rows), func(i int) bool { return rows[i].ID > afterID })
	out := make([]ChunkRow, 0, len(rows)-i)
	for _, row := range rows[i:] {
		out = append(out, copyRow(row))
	}
	return out, nil
}

func (r *MemoryRepository) UpsertBuffer(ctx context.Context, row BufferRow) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buffers[row.MemoryKey] = row
	return nil
}

func (r *MemoryRepository) GetBuffer(ctx context.Context, key string) (*BufferRow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	row, ok := r.buffers[key]
	if !ok {
		return nil, nil
	}
	return &row, nil
}

func (r *MemoryRepository) Cursor(ctx context.Context, key string) (Cursor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rows := r.chunks[key]
	if len(rows) == 0 {
		return Cursor{}, nil
	}
	return Cursor{LastChunkID: rows[len(rows)-1].ID, Count: len(rows)}, nil
}

func copyRow(row ChunkRow) ChunkRow {
	emb := make([]float32, len(row.Embedding))
	copy(emb, row.Embedding)
	row.Embedding = emb
	return row
}
