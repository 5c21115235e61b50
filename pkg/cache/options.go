package cache

import (
	"github.com/prometheus/client_golang/prometheus"
)

type options[V any] struct {
	evictCallback EvictCallback[V]
	metricsReg    prometheus.Registerer
	metricsName   string
	maxStaleAge   int64 // seconds past expiry a stale read may serve; 0 = never
}

// Option configures a cache at construction time.
type Option[V any] func(*options[V])

// WithEvictCallback registers a callback invoked for every removed
// entry.
func WithEvictCallback[V any](fn EvictCallback[V]) Option[V] {
	return func(o *options[V]) { o.evictCallback = fn }
}

// WithMetrics exposes the cache statistics as Prometheus metrics under
// the given cache name label.
func WithMetrics[V any](reg prometheus.Registerer, name string) Option[V] {
	return func(o *options[V]) {
		o.metricsReg = reg
		o.metricsName = name
	}
}

// WithMaxStaleAge bounds how long past expiry GetStale may serve an
// entry, in seconds.
func WithMaxStaleAge[V any](seconds int64) Option[V] {
	return func(o *options[V]) { o.maxStaleAge = seconds }
}
