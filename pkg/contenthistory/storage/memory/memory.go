package memory

import (
	"context"
	"sync"

	"github.com/tendant/content-history/pkg/contenthistory"
)

// Backend is an in-memory implementation of the contenthistory.SnapshotArchive
// interface. Useful for tests and single-process deployments.
type Backend struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// New creates a new in-memory archive backend
func New() contenthistory.SnapshotArchive {
	return &Backend{
		objects: make(map[string][]byte),
	}
}

// Store writes an archive record, overwriting any previous record at the key.
func (b *Backend) Store(ctx context.Context, key string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	stored := make([]byte, len(data))
	copy(stored, data)
	b.objects[key] = stored
	return nil
}

// Load retrieves an archive record by key.
func (b *Backend) Load(ctx context.Context, key string) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	data, exists := b.objects[key]
	if !exists {
		return nil, contenthistory.ErrArchiveNotFound
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// Delete removes an archive record. Deleting a missing key is not an error.
func (b *Backend) Delete(ctx context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.objects, key)
	return nil
}

// Keys returns all stored keys. Test helper.
func (b *Backend) Keys() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	keys := make([]string, 0, len(b.objects))
	for k := range b.objects {
		keys = append(keys, k)
	}
	return keys
}
