package interfaces

import (
	"context"
	"time"
)

// RangeLockStore is the key-value arbitration layer behind the crawl
// lock manager. Implementations back onto a shared remote cache; every
// operation can fail with a TRANSPORT fault and callers treat those as
// retryable.
type RangeLockStore interface {
	// Acquire sets the key with a TTL only if it is absent. Returns
	// false when another holder already owns a live key.
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Release deletes the key, reporting whether anything was removed.
	Release(ctx context.Context, key string) (bool, error)

	// Exists reports whether a live key is present.
	Exists(ctx context.Context, key string) (bool, error)

	// Scan returns all live keys under the prefix.
	Scan(ctx context.Context, prefix string) ([]string, error)

	// ReleaseAll atomically deletes every key under the prefix and
	// returns the number removed.
	ReleaseAll(ctx context.Context, prefix string) (int64, error)

	// Ping verifies the store connection.
	Ping(ctx context.Context) error

	// Close releases the underlying client.
	Close() error
}
