package kvstore

import (
	"context"
	"sync"

	"github.com/patrickmn/go-cache"
)

// Memory keeps values in process memory. Nothing survives a restart; it
// serves tests and throwaway runs.
type Memory struct {
	cache *cache.Cache

	// writeMu makes SetAll visible as one write to concurrent readers.
	writeMu sync.RWMutex
}

// NewMemory creates an empty in-memory store. Entries never expire.
func NewMemory() *Memory {
	return &Memory{cache: cache.New(cache.NoExpiration, 0)}
}

// Get implements ports.KeyValueStore.
func (m *Memory) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, readErr(key, err)
	}

	m.writeMu.RLock()
	defer m.writeMu.RUnlock()

	v, found := m.cache.Get(key)
	if !found {
		return nil, notFound(key)
	}

	return clone(v.([]byte)), nil
}

// Set implements ports.KeyValueStore.
func (m *Memory) Set(ctx context.Context, key string, value []byte) error {
	return m.SetAll(ctx, map[string][]byte{key: value})
}

// SetAll implements ports.KeyValueStore.
func (m *Memory) SetAll(ctx context.Context, entries map[string][]byte) error {
	if err := ctx.Err(); err != nil {
		return writeErr(batchKey(entries), err)
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	for k, v := range entries {
		m.cache.Set(k, clone(v), cache.NoExpiration)
	}

	return nil
}

// Close implements ports.KeyValueStore.
func (m *Memory) Close() error {
	m.cache.Flush()
	return nil
}

// Name implements ports.HealthChecker.
func (m *Memory) Name() string {
	return "memory"
}

// Check implements ports.HealthChecker.
func (m *Memory) Check(context.Context) error {
	return nil
}

func clone(b []byte) []byte {
	if b == nil {
		return []byte{}
	}

	out := make([]byte, len(b))
	copy(out, b)

	return out
}
