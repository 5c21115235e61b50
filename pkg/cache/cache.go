// Package cache provides the generic, thread-safe TTL cache backing the
// capability and tool catalogs. Statistics are always collected;
// Prometheus metrics are optional via functional options. Expired
// entries can be read deliberately to support stale-while-revalidate.
package cache

import (
	"github.com/jocax/qollective/errors"
)

// Cache is the interface the discovery and hybrid layers program
// against, parameterized by value type.
type Cache[V any] interface {
	// Get retrieves a fresh value by key.
	Get(key string) (V, bool)

	// Set stores a value. Returns true if a new entry was created.
	Set(key string, value V) (bool, error)

	// Delete removes an entry. Returns true if the key existed.
	Delete(key string) (bool, error)

	// Clear removes all entries.
	Clear() error

	// Size returns the current entry count, expired entries included
	// until cleanup runs.
	Size() int

	// Keys returns all unexpired keys.
	Keys() []string

	// Stats returns cache statistics.
	Stats() *Statistics

	// Close stops the background cleanup goroutine.
	Close() error
}

// EvictCallback is invoked when an entry leaves the cache.
type EvictCallback[V any] func(key string, value V)

func validateKey(key string) error {
	if key == "" {
		return errors.New(errors.KindValidation, "cache", "validateKey", "key cannot be empty")
	}
	return nil
}
