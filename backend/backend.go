// Package backend defines the boundary between the isolate pool and the
// embedded JavaScript engine. The pool treats an Isolate as an opaque
// execution capability: load handler code once, run many requests against
// it, and read heap telemetry around each run.
//
// Two implementations exist: internal/qjs (QuickJS, the default) and
// internal/v8iso (V8, built with -tags v8). Tests use an in-process fake.
package backend

import (
	"context"
	"encoding/json"
	"time"
)

// EngineOptions tunes the embedded engine. Zero values select the
// implementation defaults.
type EngineOptions struct {
	// MemoryLimitBytes caps the engine heap per isolate.
	MemoryLimitBytes uint64
	// PromiseDeadline bounds how long a run pumps the microtask queue
	// waiting for the handler's promise to settle.
	PromiseDeadline time.Duration
	// EnableCodeCache lets the factory reuse compiled-script cache blobs
	// across isolates of the same handler source. Honored by the V8
	// backend; QuickJS exposes no bytecode cache, so it is a no-op there.
	EnableCodeCache bool
}

// Mode selects how the handler is invoked for a run.
type Mode string

const (
	// ModeRequest invokes the handler with an HTTP-shaped request value.
	ModeRequest Mode = "request"
	// ModeModule evaluates the handler as a module invocation (scheduled
	// tasks, perf probes) and returns whatever the module produced.
	ModeModule Mode = "module"
)

// Factory creates isolates. One Factory instance is fixed at pool
// construction time; it is never swapped per request so warm reuse stays
// cheap.
type Factory interface {
	// NewIsolate creates an execution context with the given handler
	// loaded. handlerCode may be empty when handlerEntry names a file to
	// load the source from.
	NewIsolate(handlerCode, handlerEntry string) (Isolate, error)
}

// Isolate is a single reusable execution context holding one loaded
// handler. Implementations are not safe for concurrent use; the pool
// guarantees at most one Run at a time per isolate.
type Isolate interface {
	// Run executes the loaded handler with the given request value and
	// returns the handler's JSON result. An error means the handler threw
	// or the engine failed; it does not poison the isolate unless Run
	// panics or the caller interrupted it.
	Run(ctx context.Context, requestValue json.RawMessage, mode Mode) (json.RawMessage, error)

	// Interrupt aborts an in-flight Run from another goroutine. After an
	// interrupt the isolate must be discarded.
	Interrupt()

	// HeapUsed reports the engine heap in bytes, or 0 when the engine
	// cannot report it.
	HeapUsed() uint64

	// Close releases the execution context.
	Close()
}
