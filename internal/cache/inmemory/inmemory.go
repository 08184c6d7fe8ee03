package inmemory

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

type item struct {
	value     []byte
	expiresAt time.Time
}

type Cache struct {
	mu     sync.RWMutex
	items  map[string]item
	logger *zap.Logger

	// now is replaced in tests
	now func() time.Time
}

func NewCache(logger *zap.Logger) *Cache {
	return &Cache{
		items:  make(map[string]item),
		logger: logger,
		now:    time.Now,
	}
}

func (c *Cache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	it := item{value: append([]byte(nil), value...)}
	if ttl > 0 {
		it.expiresAt = c.now().Add(ttl)
	}
	c.items[key] = it
	c.sweepLocked()
	c.logger.Debug("Value added to cache", zap.String("key", key), zap.Duration("ttl", ttl))
	return nil
}

func (c *Cache) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	it, ok := c.items[key]
	if !ok || it.expired(c.now()) {
		c.logger.Debug("Value not found in cache", zap.String("key", key))
		return nil, nil
	}
	return append([]byte(nil), it.value...), nil
}

// sweepLocked drops expired items so the map does not grow without bound.
func (c *Cache) sweepLocked() {
	now := c.now()
	for key, it := range c.items {
		if it.expired(now) {
			delete(c.items, key)
		}
	}
}

func (it item) expired(now time.Time) bool {
	return !it.expiresAt.IsZero() && !now.Before(it.expiresAt)
}
