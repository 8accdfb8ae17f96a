// Package engine ties the isolate pools, the dispatch layer, and the
// trace archive together into one runtime.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/isorun/isorun/backend"
	"github.com/isorun/isorun/pool"
)

// Options configures a RuntimeEngine.
type Options struct {
	// ServerPool runs trusted platform handlers (dispatch, scheduled jobs
	// issued by the runtime itself).
	ServerPool pool.PoolConfig
	// UserPool runs untrusted user handlers and feeds the trace archive.
	UserPool pool.PoolConfig

	// ArchivePath is the SQLite file for the trace archive. Empty disables
	// archiving, as does a zero retention.
	ArchivePath          string
	ArchiveRetentionDays int
	// ArchiveInterval is how often the archiver drains the user pool's
	// request history. Zero means the 60s default.
	ArchiveInterval time.Duration
	// ArchiveGrace is how long a trace must sit in the ring before it is
	// eligible for draining, leaving in-flight requests time to finalize.
	// Zero means the 60s default.
	ArchiveGrace time.Duration
}

// RuntimeEngine owns the two isolate pools and the optional archive.
// Trusted and untrusted handlers never share a worker slot.
type RuntimeEngine struct {
	serverPool *pool.IsolatePool
	userPool   *pool.IsolatePool
	archive    *IntrospectArchive
	opts       Options
	logger     *zap.Logger
}

// New builds the engine: both pools plus, when configured, the archive.
func New(opts Options, factory backend.Factory, logger *zap.Logger) (*RuntimeEngine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.ArchiveInterval <= 0 {
		opts.ArchiveInterval = time.Minute
	}
	if opts.ArchiveGrace <= 0 {
		opts.ArchiveGrace = time.Minute
	}

	e := &RuntimeEngine{
		serverPool: pool.New(opts.ServerPool, factory, logger.Named("server_pool")),
		userPool:   pool.New(opts.UserPool, factory, logger.Named("user_pool")),
		opts:       opts,
		logger:     logger,
	}

	if opts.ArchivePath != "" && opts.ArchiveRetentionDays > 0 {
		archive, err := OpenArchive(opts.ArchivePath, opts.ArchiveRetentionDays)
		if err != nil {
			e.serverPool.Close()
			e.userPool.Close()
			return nil, fmt.Errorf("opening trace archive: %w", err)
		}
		e.archive = archive
	}

	return e, nil
}

// Pool returns the user pool, the one external callers execute against.
func (e *RuntimeEngine) Pool() *pool.IsolatePool { return e.userPool }

// ServerPool returns the trusted pool.
func (e *RuntimeEngine) ServerPool() *pool.IsolatePool { return e.serverPool }

// Archive returns the trace archive, or nil when archiving is disabled.
func (e *RuntimeEngine) Archive() *IntrospectArchive { return e.archive }

// Execute runs a request on the server pool.
func (e *RuntimeEngine) Execute(ctx context.Context, key pool.HandlerKey, data pool.RequestData) (*pool.IsolateResponse, error) {
	return e.serverPool.Execute(ctx, key, data)
}

// ExecuteUser runs a request on the user pool.
func (e *RuntimeEngine) ExecuteUser(ctx context.Context, key pool.HandlerKey, data pool.RequestData) (*pool.IsolateResponse, error) {
	return e.userPool.Execute(ctx, key, data)
}

// DrainRequestHistoryBefore drains finalized traces from the user pool.
func (e *RuntimeEngine) DrainRequestHistoryBefore(cutoffMs uint64) []pool.RequestTrace {
	return e.userPool.DrainRequestHistoryBefore(cutoffMs)
}

// RunArchiver periodically drains finalized traces into the archive until
// the context is cancelled. It is a no-op when archiving is disabled.
// Archive write failures are logged and the batch dropped; archiving never
// blocks or fails request execution.
func (e *RuntimeEngine) RunArchiver(ctx context.Context) {
	if e.archive == nil {
		return
	}

	ticker := time.NewTicker(e.opts.ArchiveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.flushArchive()
			return
		case <-ticker.C:
			cutoff := uint64(time.Now().UnixMilli()) - uint64(e.opts.ArchiveGrace.Milliseconds())
			traces := e.userPool.DrainRequestHistoryBefore(cutoff)
			if len(traces) == 0 {
				continue
			}
			if err := e.archive.RecordTraces(traces); err != nil {
				e.logger.Warn("archiving request traces failed",
					zap.Int("batch", len(traces)),
					zap.Error(err))
			}
		}
	}
}

// flushArchive writes whatever finalized traces remain, used on shutdown.
func (e *RuntimeEngine) flushArchive() {
	traces := e.userPool.DrainRequestHistoryBefore(uint64(time.Now().UnixMilli()))
	if len(traces) == 0 {
		return
	}
	if err := e.archive.RecordTraces(traces); err != nil {
		e.logger.Warn("final archive flush failed", zap.Error(err))
	}
}

// Close shuts down both pools and the archive.
func (e *RuntimeEngine) Close() {
	e.serverPool.Close()
	e.userPool.Close()
	if e.archive != nil {
		e.archive.Close()
	}
}

var globalEngine atomic.Pointer[RuntimeEngine]

// SetEngine installs the process-wide engine. It can be called exactly
// once; a second call fails loudly instead of silently replacing the
// running pools.
func SetEngine(e *RuntimeEngine) error {
	if e == nil {
		return fmt.Errorf("engine must not be nil")
	}
	if !globalEngine.CompareAndSwap(nil, e) {
		return fmt.Errorf("runtime engine already initialized")
	}
	return nil
}

// GlobalEngine returns the installed engine, or nil before SetEngine.
func GlobalEngine() *RuntimeEngine {
	return globalEngine.Load()
}

// PerfRequestValue is the canned request value used when a listener runs
// in performance measurement mode, bypassing per-request envelope
// construction.
func PerfRequestValue() json.RawMessage {
	return json.RawMessage(`{"url":"/","method":"GET","headers":{},"body":null}`)
}
