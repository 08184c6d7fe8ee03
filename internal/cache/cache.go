// Package cache holds short lived values such as resolved identities.
package cache

import (
	"context"
	"time"
)

const (
	InMemoryCacheType = "in-memory"
	RedisCacheType    = "redis"
)

type Cache interface {
	// Set stores value under key, a zero ttl never expires.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Get returns nil without an error on a miss.
	Get(ctx context.Context, key string) ([]byte, error)
}
