// Package store provides the persistent key-value store behind the local
// cache and the offline ledger.
//
// Keys are namespaced the way the dashboard front end namespaced its browser
// storage: "realtime_<entityType>" for cache lists and a single
// "offline_updates" key for the ledger. Values are JSON strings.
package store

import (
	"context"
	"errors"
	"strings"

	"github.com/connectpng/roadmon/internal/envelope"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("key not found")

const (
	cachePrefix = "realtime_"

	// LedgerKey holds the offline ledger.
	LedgerKey = "offline_updates"
)

// CacheKey returns the key under which the cache list for et is stored.
func CacheKey(et envelope.EntityType) string {
	return cachePrefix + string(et)
}

// IsCacheKey reports whether key names a cache list.
func IsCacheKey(key string) bool {
	return strings.HasPrefix(key, cachePrefix)
}

// UpdateFunc receives the current value (found=false when absent) and
// returns the value to store.
type UpdateFunc func(old string, found bool) (string, error)

// Store is a string key-value store.
//
// Update must run the read-modify-write as one atomic step: no other
// Update or Put on the same store can interleave between reading old and
// writing the new value. If fn returns an error nothing is written.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Put(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
	Update(ctx context.Context, key string, fn UpdateFunc) error
	Close() error
}
