package pool

import (
	"runtime"
	"time"
)

// PoolConfig configures an IsolatePool.
type PoolConfig struct {
	// NumWorkers is the hard upper bound on concurrently executing
	// requests. Must be >= 1.
	NumWorkers int
	// EnableCodeCache enables engine-level code caching on cold loads.
	EnableCodeCache bool
	// EnableMetrics enables per-request trace recording and debug timing
	// logs.
	EnableMetrics bool
	// RequestTimeout bounds a single handler execution. 0 disables.
	RequestTimeout time.Duration
	// QueueTimeout bounds how long a request may wait for a free worker.
	// 0 disables.
	QueueTimeout time.Duration
}

// DefaultPoolConfig returns the defaults used when no configuration is
// loaded: one worker per CPU, 30s execution timeout, 10s queue timeout.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		NumWorkers:      max(runtime.NumCPU(), 1),
		EnableCodeCache: true,
		EnableMetrics:   true,
		RequestTimeout:  30 * time.Second,
		QueueTimeout:    10 * time.Second,
	}
}

func (c *PoolConfig) normalize() {
	if c.NumWorkers < 1 {
		c.NumWorkers = 1
	}
	if c.RequestTimeout < 0 {
		c.RequestTimeout = 0
	}
	if c.QueueTimeout < 0 {
		c.QueueTimeout = 0
	}
}
