// Package pool implements the isolate pool: a bounded set of reusable
// worker slots that execute handler requests with warm reuse, queue
// admission control, timeouts, and per-request tracing.
//
// Mutual exclusion is structural: a worker slot lives on the idle channel
// when free, and possession of a slot received from that channel is the
// exclusive right to execute on it. No two requests can hold the same
// slot, so no worker ever runs two handlers at once.
package pool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/isorun/isorun/backend"
)

// IsolatePool schedules handler executions over NumWorkers reusable
// worker slots. Construction is cheap: isolates are created lazily on
// first cold load, never at pool creation.
type IsolatePool struct {
	cfg     PoolConfig
	factory backend.Factory
	logger  *zap.Logger

	idle    chan *workerSlot
	slots   []*workerSlot
	metrics *PoolMetrics
	history *traceBuffer

	requestSeq atomic.Uint64
	closed     atomic.Bool
}

// New creates a pool with the given configuration and backend factory.
// The factory is fixed for the pool's lifetime.
func New(cfg PoolConfig, factory backend.Factory, logger *zap.Logger) *IsolatePool {
	cfg.normalize()
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &IsolatePool{
		cfg:     cfg,
		factory: factory,
		logger:  logger,
		idle:    make(chan *workerSlot, cfg.NumWorkers),
		slots:   make([]*workerSlot, 0, cfg.NumWorkers),
		metrics: &PoolMetrics{},
		history: newTraceBuffer(),
	}

	for i := 0; i < cfg.NumWorkers; i++ {
		slot := &workerSlot{id: i}
		p.slots = append(p.slots, slot)
		p.idle <- slot
	}

	logger.Debug("isolate pool initialized",
		zap.Int("num_workers", cfg.NumWorkers),
		zap.Bool("code_cache", cfg.EnableCodeCache))

	return p
}

// Config returns the pool's configuration.
func (p *IsolatePool) Config() PoolConfig { return p.cfg }

// Metrics returns the pool's health counters.
func (p *IsolatePool) Metrics() *PoolMetrics { return p.metrics }

// Execute runs one request against the pool. It returns an error only for
// scheduler-level failures (pool closed, queue timeout, fatal isolate
// crash); handler failures are reported inside the response with
// Success=false.
func (p *IsolatePool) Execute(ctx context.Context, key HandlerKey, data RequestData) (*IsolateResponse, error) {
	if p.closed.Load() {
		return nil, fmt.Errorf("isolate pool is closed")
	}

	start := time.Now()
	requestID := fmt.Sprintf("req_%d", p.requestSeq.Add(1))
	sourceHash := hashHandlerSource(&data)
	p.metrics.TotalRequests.Add(1)

	slot, err := p.acquire(ctx, key, sourceHash)
	if err != nil {
		waited := time.Since(start)
		state := queueTimeoutState(waited)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			// Caller gave up; not the pool's queue ceiling.
			state = failedState(err.Error(), waited)
		}
		p.history.record(RequestTrace{
			ID:          requestID,
			HandlerName: key.Name,
			WorkerID:    -1,
			StartedAtMs: nowMillis(),
			State:       state,
			QueueWaitMs: uint64(waited.Milliseconds()),
		})
		return nil, err
	}
	queueWait := time.Since(start)

	slot.busy.Store(true)
	defer func() {
		slot.busy.Store(false)
		p.release(slot)
	}()

	// Admission-time re-check: a request that sat on the idle channel past
	// the queue ceiling must not run with stale data.
	if p.cfg.QueueTimeout > 0 && queueWait > p.cfg.QueueTimeout {
		p.history.record(RequestTrace{
			ID:          requestID,
			HandlerName: key.Name,
			WorkerID:    slot.id,
			StartedAtMs: nowMillis(),
			State:       queueTimeoutState(queueWait),
			QueueWaitMs: uint64(queueWait.Milliseconds()),
		})
		return nil, fmt.Errorf("request timed out in queue after %dms", queueWait.Milliseconds())
	}

	cacheHit, warm, err := slot.ensureIsolate(p.factory, key, sourceHash, &data)
	if cacheHit {
		p.metrics.CacheHits.Add(1)
	} else {
		p.metrics.CacheMisses.Add(1)
	}
	if err != nil {
		total := time.Since(start)
		p.history.record(RequestTrace{
			ID:          requestID,
			HandlerName: key.Name,
			WorkerID:    slot.id,
			StartedAtMs: nowMillis(),
			State:       failedState(err.Error(), total),
			QueueWaitMs: uint64(queueWait.Milliseconds()),
			TotalTimeUs: uint64(total.Microseconds()),
		})
		return &IsolateResponse{
			Success:     false,
			Error:       err.Error(),
			TotalTimeUs: uint64(total.Microseconds()),
		}, nil
	}

	trackRequest := p.cfg.EnableMetrics
	if trackRequest {
		p.history.record(RequestTrace{
			ID:          requestID,
			HandlerName: key.Name,
			IsolateID:   slot.currentIsolateID(),
			WorkerID:    slot.id,
			StartedAtMs: nowMillis(),
			State:       executingState(),
			QueueWaitMs: uint64(queueWait.Milliseconds()),
		})
	}

	heapBefore := slot.heapUsed()
	result, execDur, timedOut, panicErr, runErr := p.runInSlot(ctx, slot, &data)
	heapAfter := slot.heapUsed()
	total := time.Since(start)

	if p.cfg.EnableMetrics {
		p.logger.Debug("handler executed",
			zap.Int("worker_id", slot.id),
			zap.String("handler", key.Name),
			zap.Duration("warm", warm),
			zap.Duration("total", total),
			zap.Bool("cache_hit", cacheHit))
	}

	response := &IsolateResponse{
		WarmTimeUs:  uint64(warm.Microseconds()),
		TotalTimeUs: uint64(total.Microseconds()),
		CacheHit:    cacheHit,
	}

	var state RequestState
	switch {
	case panicErr != nil:
		// A crashed isolate never goes back into rotation; the slot is
		// recreated lazily on its next assignment.
		slot.discardIsolate()
		state = failedState(panicErr.Error(), total)
		p.finalizeTrace(trackRequest, requestID, state, warm, execDur, total, heapBefore, heapAfter, nil)
		return nil, fmt.Errorf("isolate crashed for %s: %w", key.Name, panicErr)
	case timedOut:
		slot.discardIsolate()
		response.Success = false
		response.Error = "handler execution timed out"
		state = failedState("timeout", total)
	case runErr != nil:
		response.Success = false
		response.Error = runErr.Error()
		state = failedState(runErr.Error(), total)
	default:
		response.Success = true
		response.Result = result
		state = completedState(total)
	}

	p.finalizeTrace(trackRequest, requestID, state, warm, execDur, total, heapBefore, heapAfter, response.Result)

	return response, nil
}

// runInSlot executes the loaded handler, guarding against stuck and
// panicking isolates. A watchdog interrupts the engine when the request
// timeout elapses, mirroring how QuickJS and V8 abort runaway scripts.
func (p *IsolatePool) runInSlot(ctx context.Context, slot *workerSlot, data *RequestData) (result json.RawMessage, execDur time.Duration, timedOut bool, panicErr error, runErr error) {
	mode := backend.ModeRequest
	if data.Mode == ExecutionModeModule {
		mode = backend.ModeModule
	}
	value := data.requestValueJSON()

	var interrupted atomic.Bool
	var watchdog *time.Timer
	if p.cfg.RequestTimeout > 0 {
		iso := slot.iso
		watchdog = time.AfterFunc(p.cfg.RequestTimeout, func() {
			interrupted.Store(true)
			iso.Interrupt()
		})
	}

	execStart := time.Now()
	func() {
		defer func() {
			if r := recover(); r != nil {
				panicErr = fmt.Errorf("isolate panic: %v", r)
			}
		}()
		result, runErr = slot.iso.Run(ctx, value, mode)
	}()
	execDur = time.Since(execStart)

	if watchdog != nil {
		stopped := watchdog.Stop()
		if !stopped || interrupted.Load() {
			timedOut = true
		}
	}
	if panicErr != nil && interrupted.Load() {
		// Interrupting mid-run can surface as a panic in some engines;
		// report it as a timeout, not a crash.
		panicErr = nil
		timedOut = true
	}
	return result, execDur, timedOut, panicErr, runErr
}

// finalizeTrace transitions the Executing trace into its terminal state
// and fills the telemetry fields, including response status/body lifted
// from the result JSON.
func (p *IsolatePool) finalizeTrace(track bool, requestID string, state RequestState, warm, exec, total time.Duration, heapBefore, heapAfter uint64, result json.RawMessage) {
	if !track {
		return
	}

	status, body := responseStatusBody(result)

	p.history.finalize(requestID, state, func(t *RequestTrace) {
		t.OpTimings = warmExecTimings(warm, exec)
		t.WarmTimeUs = uint64(warm.Microseconds())
		t.TotalTimeUs = uint64(total.Microseconds())
		t.HeapBeforeBytes = heapBefore
		t.HeapAfterBytes = heapAfter
		t.HeapDeltaBytes = int64(heapAfter) - int64(heapBefore)
		t.ResponseStatus = status
		t.ResponseBody = body
	})
}

// warmExecTimings renders the coarse execution phases as op timings.
func warmExecTimings(warm, exec time.Duration) []RequestOpTiming {
	timings := make([]RequestOpTiming, 0, 2)
	for _, phase := range []struct {
		name string
		d    time.Duration
	}{{"warm", warm}, {"execute", exec}} {
		ms := float64(phase.d.Microseconds()) / 1000.0
		timings = append(timings, RequestOpTiming{
			Name:    phase.name,
			Count:   1,
			TotalMs: ms,
			AvgMs:   ms,
		})
	}
	return timings
}

// responseStatusBody lifts status and body out of an HTTP-shaped handler
// result for the trace record.
func responseStatusBody(result json.RawMessage) (*uint16, *string) {
	if len(result) == 0 {
		return nil, nil
	}
	var shaped struct {
		Status *uint16 `json:"status"`
		Body   *string `json:"body"`
	}
	if err := json.Unmarshal(result, &shaped); err != nil {
		return nil, nil
	}
	if shaped.Status == nil && shaped.Body == nil {
		return nil, nil
	}
	status := uint16(200)
	if shaped.Status != nil {
		status = *shaped.Status
	}
	return &status, shaped.Body
}

// acquire returns an exclusive worker slot, preferring an idle slot that
// already holds this handler warm, then any idle slot, then waiting until
// one frees up or the queue timeout elapses.
func (p *IsolatePool) acquire(ctx context.Context, key HandlerKey, sourceHash uint64) (*workerSlot, error) {
	if slot := p.takeIdle(key, sourceHash); slot != nil {
		return slot, nil
	}

	var timeoutC <-chan time.Time
	if p.cfg.QueueTimeout > 0 {
		timer := time.NewTimer(p.cfg.QueueTimeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

	select {
	case slot := <-p.idle:
		return slot, nil
	case <-timeoutC:
		return nil, fmt.Errorf("request timed out in queue after %dms", p.cfg.QueueTimeout.Milliseconds())
	case <-ctx.Done():
		return nil, fmt.Errorf("request cancelled while queued: %w", ctx.Err())
	}
}

// takeIdle scans the currently idle slots without blocking. It stops as
// soon as a warm match is found; everything else goes straight back on
// the idle channel.
func (p *IsolatePool) takeIdle(key HandlerKey, sourceHash uint64) *workerSlot {
	var fallback []*workerSlot
	var pick *workerSlot

scan:
	for {
		select {
		case slot := <-p.idle:
			if slot.isWarmFor(key, sourceHash) {
				pick = slot
				break scan
			}
			fallback = append(fallback, slot)
		default:
			break scan
		}
	}

	if pick == nil && len(fallback) > 0 {
		pick = fallback[0]
		fallback = fallback[1:]
	}
	for _, slot := range fallback {
		p.idle <- slot
	}
	return pick
}

// release puts the slot back in rotation, or disposes it when the pool
// has shut down while the slot was busy.
func (p *IsolatePool) release(slot *workerSlot) {
	if p.closed.Load() {
		slot.discardIsolate()
		return
	}
	p.idle <- slot
}

// DrainRequestHistoryBefore atomically removes and returns all finalized
// traces started at or before the cutoff. Entries still executing block
// the drain at their position so the batch preserves insertion order.
func (p *IsolatePool) DrainRequestHistoryBefore(cutoffMs uint64) []RequestTrace {
	return p.history.drainBefore(cutoffMs)
}

// RecentRequests returns up to limit traces, newest first.
func (p *IsolatePool) RecentRequests(limit int) []RequestTrace {
	return p.history.recent(limit)
}

// WorkerStats returns a snapshot of every worker slot.
func (p *IsolatePool) WorkerStats() []WorkerStats {
	stats := make([]WorkerStats, 0, len(p.slots))
	for _, slot := range p.slots {
		stats = append(stats, slot.stats())
	}
	return stats
}

// Stats returns the pool configuration and metrics as a JSON-serializable
// map, for the stats endpoint.
func (p *IsolatePool) Stats() map[string]any {
	return map[string]any{
		"enabled": true,
		"config": map[string]any{
			"num_workers":        p.cfg.NumWorkers,
			"code_cache_enabled": p.cfg.EnableCodeCache,
			"metrics_enabled":    p.cfg.EnableMetrics,
			"request_timeout_ms": p.cfg.RequestTimeout.Milliseconds(),
			"queue_timeout_ms":   p.cfg.QueueTimeout.Milliseconds(),
		},
		"metrics": p.metrics.Snapshot(),
	}
}

// EvictAll tears down every idle isolate and returns how many were
// evicted. Busy slots are skipped; their isolates are rebuilt on the next
// cold load after their handler's source hash changes.
func (p *IsolatePool) EvictAll() int {
	evicted := 0
	var taken []*workerSlot

drain:
	for {
		select {
		case slot := <-p.idle:
			taken = append(taken, slot)
		default:
			break drain
		}
	}

	for _, slot := range taken {
		if slot.currentIsolateID() != "" {
			slot.discardIsolate()
			evicted++
		}
		p.idle <- slot
	}

	p.metrics.Evictions.Add(uint64(evicted))
	p.logger.Info("cache eviction complete",
		zap.Int("evicted", evicted),
		zap.Int("workers", len(p.slots)))
	return evicted
}

// KillIsolate tears down the idle isolate loaded with the named handler.
func (p *IsolatePool) KillIsolate(handlerName string) error {
	var taken []*workerSlot
	killed := false

drain:
	for {
		select {
		case slot := <-p.idle:
			taken = append(taken, slot)
		default:
			break drain
		}
	}

	for _, slot := range taken {
		if !killed {
			slot.mu.Lock()
			match := slot.iso != nil && slot.loadedKey.Name == handlerName
			slot.mu.Unlock()
			if match {
				slot.discardIsolate()
				killed = true
				p.logger.Info("killed isolate", zap.String("handler", handlerName))
			}
		}
		p.idle <- slot
	}

	if !killed {
		return fmt.Errorf("isolate not found: %s", handlerName)
	}
	return nil
}

// Close shuts the pool down. Idle isolates are disposed immediately; busy
// ones are disposed as their executions finish.
func (p *IsolatePool) Close() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}

	for {
		select {
		case slot := <-p.idle:
			slot.discardIsolate()
		default:
			return
		}
	}
}
