//go:build v8

// Package v8iso implements the isolate backend on V8 via
// github.com/tommie/v8go, selected with the "v8" build tag.
package v8iso

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"runtime"
	"strings"
	"sync"
	"time"

	v8 "github.com/tommie/v8go"

	"github.com/isorun/isorun/backend"
	"github.com/isorun/isorun/bundle"
)

const defaultPromiseDeadline = 30 * time.Second

// Factory creates V8 isolates. When code caching is enabled it keeps the
// compiled-script cache blob per handler source so repeat cold loads skip
// parsing.
type Factory struct {
	opts backend.EngineOptions

	mu        sync.Mutex
	codeCache map[uint64][]byte
}

// NewFactory returns a Factory with the given engine options.
func NewFactory(opts backend.EngineOptions) *Factory {
	return &Factory{opts: opts, codeCache: make(map[uint64][]byte)}
}

func (f *Factory) cachedBlob(key uint64) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.codeCache[key]
}

func (f *Factory) storeBlob(key uint64, blob []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.codeCache[key] = blob
}

func sourceCacheKey(source string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(source))
	return h.Sum64()
}

// NewIsolate creates a V8 isolate and context with the handler compiled
// and loaded.
func (f *Factory) NewIsolate(handlerCode, handlerEntry string) (backend.Isolate, error) {
	source := handlerCode
	if strings.TrimSpace(source) == "" {
		if handlerEntry == "" {
			return nil, fmt.Errorf("no handler source")
		}
		loaded, err := bundle.Entry(handlerEntry)
		if err != nil {
			return nil, err
		}
		source = loaded
	}

	var iso *v8.Isolate
	if f.opts.MemoryLimitBytes > 0 {
		heap := f.opts.MemoryLimitBytes
		iso = v8.NewIsolate(v8.WithResourceConstraints(heap/2, heap))
	} else {
		iso = v8.NewIsolate()
	}
	ctx := v8.NewContext(iso)

	wrapped := bundle.WrapHandlerModule(source)

	compileOpts := v8.CompileOptions{}
	var cacheKey uint64
	if f.opts.EnableCodeCache {
		cacheKey = sourceCacheKey(wrapped)
		if blob := f.cachedBlob(cacheKey); blob != nil {
			compileOpts.CachedData = &v8.CompilerCachedData{Bytes: blob}
		}
	}
	script, err := iso.CompileUnboundScript(wrapped, "handler.js", compileOpts)
	if err != nil {
		ctx.Close()
		iso.Dispose()
		return nil, fmt.Errorf("compiling handler: %w", err)
	}
	if f.opts.EnableCodeCache && compileOpts.CachedData == nil {
		if data := script.CreateCodeCache(); data != nil {
			f.storeBlob(cacheKey, data.Bytes)
		}
	}
	if _, err := script.Run(ctx); err != nil {
		ctx.Close()
		iso.Dispose()
		return nil, fmt.Errorf("loading handler: %w", err)
	}

	check, err := ctx.RunScript(
		"typeof globalThis.__handler_module__ !== 'undefined' || typeof globalThis.__handler === 'function'",
		"check.js")
	if err != nil || !check.Boolean() {
		ctx.Close()
		iso.Dispose()
		return nil, fmt.Errorf("handler defines no module exports and no __handler function")
	}

	deadline := f.opts.PromiseDeadline
	if deadline <= 0 {
		deadline = defaultPromiseDeadline
	}

	return &Isolate{iso: iso, ctx: ctx, promiseDeadline: deadline}, nil
}

// Isolate is one V8 isolate plus context with a loaded handler. Not safe
// for concurrent use; the pool serializes Runs.
type Isolate struct {
	iso             *v8.Isolate
	ctx             *v8.Context
	promiseDeadline time.Duration
}

const requestCallJS = `
globalThis.__call_result = (function() {
	var mod = globalThis.__handler_module__;
	var fn = (mod && typeof mod.fetch === 'function') ? mod.fetch
		: (typeof globalThis.__handler === 'function' ? globalThis.__handler : null);
	if (!fn) throw new Error('handler has no fetch function');
	return fn(globalThis.__request);
})();
`

const moduleCallJS = `
globalThis.__call_result = (function() {
	var mod = globalThis.__handler_module__;
	if (mod) {
		if (typeof mod.scheduled === 'function') return mod.scheduled(globalThis.__request);
		if (typeof mod.run === 'function') return mod.run(globalThis.__request);
		if (typeof mod.fetch === 'function') return mod.fetch(globalThis.__request);
	}
	if (typeof globalThis.__handler === 'function') return globalThis.__handler(globalThis.__request);
	throw new Error('handler has no invocable export');
})();
`

// Run invokes the loaded handler with the given request value and returns
// its result serialized as JSON. Returned promises are settled via
// microtask checkpoints before serialization.
func (i *Isolate) Run(ctx context.Context, requestValue json.RawMessage, mode backend.Mode) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	value := string(requestValue)
	if strings.TrimSpace(value) == "" {
		value = "null"
	}
	if _, err := i.ctx.RunScript(fmt.Sprintf("globalThis.__request = (%s);", value), "request.js"); err != nil {
		return nil, fmt.Errorf("installing request value: %w", err)
	}
	defer func() {
		_, _ = i.ctx.RunScript("delete globalThis.__request; delete globalThis.__call_result;", "cleanup.js")
	}()

	callJS := requestCallJS
	if mode == backend.ModeModule {
		callJS = moduleCallJS
	}
	if _, err := i.ctx.RunScript(callJS, "call.js"); err != nil {
		return nil, fmt.Errorf("invoking handler: %w", err)
	}

	deadline := time.Now().Add(i.promiseDeadline)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := i.awaitCallResult(deadline); err != nil {
		return nil, fmt.Errorf("awaiting handler result: %w", err)
	}

	out, err := i.ctx.RunScript(
		"JSON.stringify(globalThis.__call_result === undefined ? null : globalThis.__call_result)",
		"serialize.js")
	if err != nil {
		return nil, fmt.Errorf("serializing handler result: %w", err)
	}
	s := out.String()
	if s == "" || s == "undefined" {
		s = "null"
	}
	return json.RawMessage(s), nil
}

// awaitCallResult settles a promise stored in __call_result by running
// microtask checkpoints until it resolves or the deadline passes.
func (i *Isolate) awaitCallResult(deadline time.Time) error {
	isPromise, err := i.ctx.RunScript("globalThis.__call_result instanceof Promise", "ispromise.js")
	if err != nil || !isPromise.Boolean() {
		return nil
	}

	if _, err := i.ctx.RunScript(`
		delete globalThis.__awaited_result;
		delete globalThis.__awaited_state;
		Promise.resolve(globalThis.__call_result).then(
			function(r) { globalThis.__awaited_result = r; globalThis.__awaited_state = 'fulfilled'; },
			function(e) { globalThis.__awaited_result = e; globalThis.__awaited_state = 'rejected'; }
		);
	`, "await_setup.js"); err != nil {
		return fmt.Errorf("setting up promise await: %w", err)
	}

	for {
		i.ctx.PerformMicrotaskCheckpoint()

		state, err := i.ctx.RunScript("String(globalThis.__awaited_state)", "await_state.js")
		if err != nil {
			return fmt.Errorf("checking promise state: %w", err)
		}
		if state.String() != "undefined" {
			break
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("promise resolution timed out")
		}
		runtime.Gosched()
	}

	state, _ := i.ctx.RunScript("String(globalThis.__awaited_state)", "await_state.js")
	if state.String() == "rejected" {
		errMsg, _ := i.ctx.RunScript("String(globalThis.__awaited_result)", "await_err.js")
		_, _ = i.ctx.RunScript("delete globalThis.__awaited_result; delete globalThis.__awaited_state;", "await_cleanup.js")
		return fmt.Errorf("promise rejected: %s", errMsg)
	}

	_, err = i.ctx.RunScript(
		"globalThis.__call_result = globalThis.__awaited_result; delete globalThis.__awaited_result; delete globalThis.__awaited_state;",
		"await_finish.js")
	return err
}

// Interrupt terminates the current execution from another goroutine. The
// isolate must be discarded afterwards.
func (i *Isolate) Interrupt() {
	i.iso.TerminateExecution()
}

// HeapUsed reports the isolate's used heap in bytes.
func (i *Isolate) HeapUsed() uint64 {
	return uint64(i.iso.GetHeapStatistics().UsedHeapSize)
}

// Close releases the context and isolate.
func (i *Isolate) Close() {
	i.ctx.Close()
	i.iso.Dispose()
}
