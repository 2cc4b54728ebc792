package cache

import (
	"context"
	"time"
)

// BytesCache is a TTL key/value cache. Implementations report a miss as ok=false
// with a nil error.
type BytesCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
