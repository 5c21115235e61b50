package cache

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jocax/qollective/errors"
)

// cacheMetrics mirrors Statistics into Prometheus collectors.
type cacheMetrics struct {
	hits      prometheus.Counter
	misses    prometheus.Counter
	staleHits prometheus.Counter
	evictions prometheus.Counter
	size      prometheus.Gauge
}

func newCacheMetrics(reg prometheus.Registerer, name string) (*cacheMetrics, error) {
	labels := prometheus.Labels{"cache": name}
	m := &cacheMetrics{
		hits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "qollective",
			Subsystem:   "cache",
			Name:        "hits_total",
			Help:        "Fresh cache hits",
			ConstLabels: labels,
		}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "qollective",
			Subsystem:   "cache",
			Name:        "misses_total",
			Help:        "Cache misses",
			ConstLabels: labels,
		}),
		staleHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "qollective",
			Subsystem:   "cache",
			Name:        "stale_hits_total",
			Help:        "Stale reads served while a refresh was pending",
			ConstLabels: labels,
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "qollective",
			Subsystem:   "cache",
			Name:        "evictions_total",
			Help:        "Expiry-driven removals",
			ConstLabels: labels,
		}),
		size: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "qollective",
			Subsystem:   "cache",
			Name:        "entries",
			Help:        "Current entry count",
			ConstLabels: labels,
		}),
	}

	for _, c := range []prometheus.Collector{m.hits, m.misses, m.staleHits, m.evictions, m.size} {
		if err := reg.Register(c); err != nil {
			return nil, errors.Wrap(err, errors.KindConfig, "cache", "newCacheMetrics", "register collector")
		}
	}
	return m, nil
}
