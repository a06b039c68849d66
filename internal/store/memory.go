package store

import (
	"context"
	"sync"
)

// Compile-time interface check
var _ Backend = (*MemoryBackend)(nil)

// MemoryBackend keeps values in process memory. Nothing survives a restart.
type MemoryBackend struct {
	values map[string]string
	mu     sync.RWMutex
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		values: make(map[string]string),
	}
}

func (b *MemoryBackend) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	v, ok := b.values[key]
	return v, ok, nil
}

func (b *MemoryBackend) Set(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.values[key] = value
	return nil
}

func (b *MemoryBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.values = make(map[string]string)
	return nil
}
