package cache

import "sync/atomic"

// Statistics tracks cache activity. All counters are safe for
// concurrent use.
type Statistics struct {
	hits      atomic.Int64
	misses    atomic.Int64
	sets      atomic.Int64
	deletes   atomic.Int64
	evictions atomic.Int64
	staleHits atomic.Int64
	size      atomic.Int64
}

// NewStatistics creates an empty statistics record.
func NewStatistics() *Statistics { return &Statistics{} }

// Hit records a fresh cache hit.
func (s *Statistics) Hit() { s.hits.Add(1) }

// Miss records a cache miss.
func (s *Statistics) Miss() { s.misses.Add(1) }

// Set records a store.
func (s *Statistics) Set() { s.sets.Add(1) }

// Delete records an explicit removal.
func (s *Statistics) Delete() { s.deletes.Add(1) }

// Eviction records an expiry-driven removal.
func (s *Statistics) Eviction() { s.evictions.Add(1) }

// StaleHit records a deliberate read of an expired entry.
func (s *Statistics) StaleHit() { s.staleHits.Add(1) }

// UpdateSize records the current entry count.
func (s *Statistics) UpdateSize(n int64) { s.size.Store(n) }

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Sets      int64 `json:"sets"`
	Deletes   int64 `json:"deletes"`
	Evictions int64 `json:"evictions"`
	StaleHits int64 `json:"staleHits"`
	Size      int64 `json:"size"`
}

// Snapshot returns a consistent-enough copy for reporting.
func (s *Statistics) Snapshot() Snapshot {
	return Snapshot{
		Hits:      s.hits.Load(),
		Misses:    s.misses.Load(),
		Sets:      s.sets.Load(),
		Deletes:   s.deletes.Load(),
		Evictions: s.evictions.Load(),
		StaleHits: s.staleHits.Load(),
		Size:      s.size.Load(),
	}
}

// HitRatio returns hits/(hits+misses), 0 when no lookups happened.
func (s *Statistics) HitRatio() float64 {
	hits := s.hits.Load()
	total := hits + s.misses.Load()
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}
