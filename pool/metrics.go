package pool

import "sync/atomic"

// PoolMetrics tracks pool health counters. All fields are updated with
// relaxed atomics from the request path.
type PoolMetrics struct {
	TotalRequests atomic.Uint64
	CacheHits     atomic.Uint64
	CacheMisses   atomic.Uint64
	Evictions     atomic.Uint64
}

// CacheHitRate returns hits/total, or 0 before the first request.
func (m *PoolMetrics) CacheHitRate() float64 {
	total := m.TotalRequests.Load()
	if total == 0 {
		return 0
	}
	return float64(m.CacheHits.Load()) / float64(total)
}

// Snapshot returns the counters as a JSON-serializable map.
func (m *PoolMetrics) Snapshot() map[string]any {
	return map[string]any{
		"total_requests": m.TotalRequests.Load(),
		"cache_hits":     m.CacheHits.Load(),
		"cache_misses":   m.CacheMisses.Load(),
		"cache_hit_rate": m.CacheHitRate(),
		"evictions":      m.Evictions.Load(),
	}
}

// WorkerStats is a point-in-time view of one worker slot.
type WorkerStats struct {
	WorkerID      int    `json:"worker_id"`
	IsolateID     string `json:"isolate_id,omitempty"`
	HandlerName   string `json:"handler_name,omitempty"`
	Busy          bool   `json:"busy"`
	TotalRequests uint64 `json:"total_requests"`
	HeapUsedBytes uint64 `json:"heap_used_bytes"`
}
