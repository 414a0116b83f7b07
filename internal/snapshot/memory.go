package snapshot

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"
)

// MemoryStore keeps encoded snapshots in process memory. Snapshots expire
// after ttl; a ttl of 0 keeps them until deleted.
type MemoryStore struct {
	cache *cache.Cache
}

// NewMemoryStore creates an in-process store.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		return &MemoryStore{cache: cache.New(cache.NoExpiration, 0)}
	}
	return &MemoryStore{cache: cache.New(ttl, ttl*2)}
}

func (s *MemoryStore) Save(ctx context.Context, snap *Snapshot) error {
	data, err := Encode(snap)
	if err != nil {
		return err
	}
	s.cache.Set(snap.Key, data, cache.DefaultExpiration)
	return nil
}

func (s *MemoryStore) Load(ctx context.Context, key string) (*Snapshot, error) {
	val, found := s.cache.Get(key)
	if !found {
		return nil, ErrNotFound
	}
	data, ok := val.([]byte)
	if !ok {
		return nil, ErrNotFound
	}
	return Decode(data)
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.cache.Delete(key)
	return nil
}
