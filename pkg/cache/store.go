package cache

import (
	"context"
	"time"
)

// Store is the shared coordination store the download service runs on. All
// cross-instance state (dedup mappings, rate-limit windows, active-job sets,
// backlog counters, proxy locks, platform slot counters) goes through these
// operations so independent worker processes agree on it.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)
	TTL(ctx context.Context, key string) (time.Duration, error)
	Expire(ctx context.Context, key string, expiration time.Duration) error

	Increment(ctx context.Context, key string) (int64, error)
	Decrement(ctx context.Context, key string) (int64, error)

	SAdd(ctx context.Context, key string, members ...interface{}) error
	SRem(ctx context.Context, key string, members ...interface{}) error
	SCard(ctx context.Context, key string) (int64, error)
	SIsMember(ctx context.Context, key string, member interface{}) (bool, error)

	// SetNX writes key=value with an expiry only when the key is absent and
	// reports whether the write happened. This is the locking primitive the
	// proxy lease manager relies on.
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error)

	// CompareAndDelete removes key only when its current value equals
	// expected, reporting whether a deletion happened. A lock holder uses it
	// so a late release cannot clobber a lock someone else re-acquired.
	CompareAndDelete(ctx context.Context, key, expected string) (bool, error)
}
