package cache

import "errors"

// ErrCacheMiss is returned when a key does not exist in the store.
var ErrCacheMiss = errors.New("cache: key not found")
