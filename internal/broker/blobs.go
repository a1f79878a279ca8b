package broker

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"
)

// Blobs is an in-memory object store for local development. Retrieval
// links are synthetic but stable per key.
type Blobs struct {
	mu      sync.Mutex
	objects map[string][]byte
}

// NewBlobs creates an empty blob store.
func NewBlobs() *Blobs {
	return &Blobs{objects: make(map[string][]byte)}
}

// Upload reads the blob into memory under the given key.
func (b *Blobs) Upload(ctx context.Context, key, contentType string, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("read blob %s: %w", key, err)
	}
	b.mu.Lock()
	b.objects[key] = data
	b.mu.Unlock()
	return nil
}

// SignedURL returns a synthetic retrieval link for a stored key.
func (b *Blobs) SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	b.mu.Lock()
	_, ok := b.objects[key]
	b.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("object %s not found", key)
	}
	return fmt.Sprintf("memory://blobs/%s?expires=%d", key, time.Now().Add(ttl).Unix()), nil
}

// Get returns a stored blob's bytes.
func (b *Blobs) Get(key string) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[key]
	return data, ok
}
