// Package cache provides the bounded TTL cache used to memoize polled chain
// data and tool results. Memory is the in-process implementation; the Redis
// backend in internal/storage/redis satisfies the same interface.
package cache

import (
	"context"
	"time"
)

// Well-known keys written by the realtime scheduler.
const (
	KeyBlock = "realtime:block"
	KeyFee   = "realtime:fee"
)

// Cache is a key/value store with per-entry expiry. A ttl <= 0 on Set means
// the implementation's default TTL.
type Cache[T any] interface {
	Get(ctx context.Context, key string) (T, bool, error)
	Set(ctx context.Context, key string, value T, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Len() int
	Close() error
}
