package cache

import (
	"context"
	"sync"
	"time"

	"posledger/internal/domain"
)

// ProductCache holds barcode lookups. A miss is (nil, false, nil); callers
// fall through to the catalog on any error.
type ProductCache interface {
	Get(ctx context.Context, barcode string) (*domain.Product, bool, error)
	Set(ctx context.Context, barcode string, value *domain.Product, ttl time.Duration) error
	Delete(ctx context.Context, barcodes ...string) error
}

type NoopProductCache struct{}

func (NoopProductCache) Get(_ context.Context, _ string) (*domain.Product, bool, error) {
	return nil, false, nil
}

func (NoopProductCache) Set(_ context.Context, _ string, _ *domain.Product, _ time.Duration) error {
	return nil
}

func (NoopProductCache) Delete(_ context.Context, _ ...string) error {
	return nil
}

type entry struct {
	product   domain.Product
	expiresAt time.Time
}

// MemoryProductCache is a process-local ProductCache. It backs the CLI and
// server when no reachable redis is configured.
type MemoryProductCache struct {
	mu      sync.Mutex
	entries map[string]entry
	now     func() time.Time
}

func NewMemoryProductCache() *MemoryProductCache {
	return &MemoryProductCache{entries: make(map[string]entry), now: time.Now}
}

func (c *MemoryProductCache) Get(_ context.Context, barcode string) (*domain.Product, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[barcode]
	if !ok {
		return nil, false, nil
	}
	if !e.expiresAt.IsZero() && !c.now().Before(e.expiresAt) {
		delete(c.entries, barcode)
		return nil, false, nil
	}
	product := e.product
	return &product, true, nil
}

func (c *MemoryProductCache) Set(_ context.Context, barcode string, value *domain.Product, ttl time.Duration) error {
	if value == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	e := entry{product: *value}
	if ttl > 0 {
		e.expiresAt = c.now().Add(ttl)
	}
	c.entries[barcode] = e
	return nil
}

func (c *MemoryProductCache) Delete(_ context.Context, barcodes ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, barcode := range barcodes {
		delete(c.entries, barcode)
	}
	return nil
}
