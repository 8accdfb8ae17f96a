package pool

import (
	"sync"
	"time"
)

// requestHistoryLimit caps the in-memory trace buffer per pool.
const requestHistoryLimit = 200

// RequestStateKind enumerates the states of a request trace.
type RequestStateKind string

const (
	StateExecuting    RequestStateKind = "executing"
	StateCompleted    RequestStateKind = "completed"
	StateFailed       RequestStateKind = "failed"
	StateQueueTimeout RequestStateKind = "queue_timeout"
)

// RequestState is the state machine on a trace. Executing is the only
// non-terminal state; no transition leaves a terminal state.
type RequestState struct {
	Kind       RequestStateKind `json:"kind"`
	DurationMs uint64           `json:"duration_ms,omitempty"`
	WaitedMs   uint64           `json:"waited_ms,omitempty"`
	Error      string           `json:"error,omitempty"`
}

// Terminal reports whether the state is final.
func (s RequestState) Terminal() bool {
	return s.Kind != StateExecuting
}

func executingState() RequestState {
	return RequestState{Kind: StateExecuting}
}

func completedState(d time.Duration) RequestState {
	return RequestState{Kind: StateCompleted, DurationMs: uint64(d.Milliseconds())}
}

func failedState(err string, d time.Duration) RequestState {
	return RequestState{Kind: StateFailed, Error: err, DurationMs: uint64(d.Milliseconds())}
}

func queueTimeoutState(waited time.Duration) RequestState {
	return RequestState{Kind: StateQueueTimeout, WaitedMs: uint64(waited.Milliseconds())}
}

// RequestOpTiming is one named timing inside a request execution. The pool
// records the coarse execution phases (warm, exec, decode) here.
type RequestOpTiming struct {
	Name    string  `json:"name"`
	Count   uint64  `json:"count"`
	TotalMs float64 `json:"total_ms"`
	AvgMs   float64 `json:"avg_ms"`
}

// RequestTrace is the observability record of one execution. It is created
// when a request is admitted into a worker slot, finalized exactly once,
// and eventually drained into the archive.
type RequestTrace struct {
	ID              string            `json:"id"`
	HandlerName     string            `json:"handler_name"`
	IsolateID       string            `json:"isolate_id"`
	WorkerID        int               `json:"worker_id"`
	StartedAtMs     uint64            `json:"started_at_ms"`
	State           RequestState      `json:"state"`
	OpTimings       []RequestOpTiming `json:"op_timings,omitempty"`
	QueueWaitMs     uint64            `json:"queue_wait_ms"`
	WarmTimeUs      uint64            `json:"warm_time_us"`
	TotalTimeUs     uint64            `json:"total_time_us"`
	HeapBeforeBytes uint64            `json:"heap_before_bytes"`
	HeapAfterBytes  uint64            `json:"heap_after_bytes"`
	HeapDeltaBytes  int64             `json:"heap_delta_bytes"`
	ResponseStatus  *uint16           `json:"response_status,omitempty"`
	ResponseBody    *string           `json:"response_body,omitempty"`
}

// traceBuffer is the shared request-history ring. It has its own lock,
// independent of worker assignment, so trace contention never blocks
// scheduling.
type traceBuffer struct {
	mu      sync.Mutex
	entries []RequestTrace
}

func newTraceBuffer() *traceBuffer {
	return &traceBuffer{}
}

// record appends a trace, dropping the oldest entry when the buffer is
// full.
func (b *traceBuffer) record(t RequestTrace) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = append(b.entries, t)
	if len(b.entries) > requestHistoryLimit {
		b.entries = b.entries[len(b.entries)-requestHistoryLimit:]
	}
}

// finalize transitions the trace identified by id and fills in the timing
// and telemetry fields. Terminal traces are never modified again.
func (b *traceBuffer) finalize(id string, state RequestState, upd func(*RequestTrace)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.entries {
		if b.entries[i].ID != id {
			continue
		}
		if b.entries[i].State.Terminal() {
			return
		}
		b.entries[i].State = state
		if upd != nil {
			upd(&b.entries[i])
		}
		return
	}
}

// drainBefore removes and returns finalized traces with StartedAtMs at or
// before the cutoff. It walks from the front and stops at the first entry
// that is newer than the cutoff or still executing, preserving insertion
// order for the drained batch.
func (b *traceBuffer) drainBefore(cutoffMs uint64) []RequestTrace {
	b.mu.Lock()
	defer b.mu.Unlock()

	var drained []RequestTrace
	for len(b.entries) > 0 {
		front := b.entries[0]
		if front.StartedAtMs > cutoffMs || !front.State.Terminal() {
			break
		}
		drained = append(drained, front)
		b.entries = b.entries[1:]
	}
	return drained
}

// recent returns up to limit traces, newest first.
func (b *traceBuffer) recent(limit int) []RequestTrace {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(b.entries)
	if limit > n {
		limit = n
	}
	out := make([]RequestTrace, 0, limit)
	for i := n - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, b.entries[i])
	}
	return out
}

func nowMillis() uint64 {
	return uint64(time.Now().UnixMilli())
}
