//go:build !v8

// Package qjs implements the isolate backend on QuickJS via
// modernc.org/quickjs. It is the default engine; build with -tags v8 for
// the V8 backend instead.
package qjs

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"modernc.org/quickjs"

	"github.com/isorun/isorun/backend"
	"github.com/isorun/isorun/bundle"
)

const defaultPromiseDeadline = 30 * time.Second

// Factory creates QuickJS isolates.
type Factory struct {
	opts backend.EngineOptions
}

// NewFactory returns a Factory with the given engine options.
func NewFactory(opts backend.EngineOptions) *Factory {
	return &Factory{opts: opts}
}

// NewIsolate creates a VM with the handler compiled and loaded. The
// handler may export fetch/scheduled as an ES module default export, or
// assign globalThis.__handler directly.
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

	vm, err := quickjs.NewVM()
	if err != nil {
		return nil, fmt.Errorf("creating QuickJS VM: %w", err)
	}
	if f.opts.MemoryLimitBytes > 0 {
		vm.SetMemoryLimit(uintptr(f.opts.MemoryLimitBytes))
	}

	rt := &vmRuntime{vm: vm}

	wrapped := bundle.WrapHandlerModule(source)
	if err := rt.eval(wrapped); err != nil {
		vm.Close()
		return nil, fmt.Errorf("loading handler: %w", err)
	}

	ok, err := rt.evalBool(
		"typeof globalThis.__handler_module__ !== 'undefined' || typeof globalThis.__handler === 'function'")
	if err != nil || !ok {
		vm.Close()
		return nil, fmt.Errorf("handler defines no module exports and no __handler function")
	}

	deadline := f.opts.PromiseDeadline
	if deadline <= 0 {
		deadline = defaultPromiseDeadline
	}

	return &Isolate{vm: vm, rt: rt, promiseDeadline: deadline}, nil
}

// Isolate is one QuickJS VM with a loaded handler. Not safe for
// concurrent use; the pool serializes Runs.
type Isolate struct {
	vm              *quickjs.VM
	rt              *vmRuntime
	promiseDeadline time.Duration
}

const requestCallJS = `
(function() {
	var mod = globalThis.__handler_module__;
	var fn = (mod && typeof mod.fetch === 'function') ? mod.fetch
		: (typeof globalThis.__handler === 'function' ? globalThis.__handler : null);
	if (!fn) throw new Error('handler has no fetch function');
	return fn(globalThis.__request);
})()
`

const moduleCallJS = `
(function() {
	var mod = globalThis.__handler_module__;
	if (mod) {
		if (typeof mod.scheduled === 'function') return mod.scheduled(globalThis.__request);
		if (typeof mod.run === 'function') return mod.run(globalThis.__request);
		if (typeof mod.fetch === 'function') return mod.fetch(globalThis.__request);
	}
	if (typeof globalThis.__handler === 'function') return globalThis.__handler(globalThis.__request);
	throw new Error('handler has no invocable export');
})()
`

// Run invokes the loaded handler with the given request value, pumping
// the microtask queue until a returned promise settles, and returns the
// handler's result serialized as JSON.
func (i *Isolate) Run(ctx context.Context, requestValue json.RawMessage, mode backend.Mode) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	value := string(requestValue)
	if strings.TrimSpace(value) == "" {
		value = "null"
	}
	if err := i.rt.eval(fmt.Sprintf("globalThis.__request = (%s);", value)); err != nil {
		return nil, fmt.Errorf("installing request value: %w", err)
	}
	defer func() {
		_ = i.rt.eval("delete globalThis.__request; delete globalThis.__call_result;")
	}()

	callJS := requestCallJS
	if mode == backend.ModeModule {
		callJS = moduleCallJS
	}

	callResult, err := i.vm.EvalValue(callJS, quickjs.EvalGlobal)
	if err != nil {
		return nil, fmt.Errorf("invoking handler: %w", err)
	}
	if serr := i.rt.setGlobal("__call_result", callResult); serr != nil {
		callResult.Free()
		return nil, fmt.Errorf("storing call result: %w", serr)
	}
	callResult.Free()

	pumpPendingJobs(i.vm)

	deadline := time.Now().Add(i.promiseDeadline)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := awaitGlobal(i.rt, "__call_result", deadline); err != nil {
		return nil, fmt.Errorf("awaiting handler result: %w", err)
	}

	out, err := i.rt.evalString(
		"JSON.stringify(globalThis.__call_result === undefined ? null : globalThis.__call_result)")
	if err != nil {
		return nil, fmt.Errorf("serializing handler result: %w", err)
	}
	if out == "" || out == "undefined" {
		out = "null"
	}
	return json.RawMessage(out), nil
}

// Interrupt aborts the current evaluation from another goroutine. The
// isolate must be discarded afterwards.
func (i *Isolate) Interrupt() {
	i.vm.Interrupt()
}

// HeapUsed reports 0: the QuickJS wrapper exposes no heap statistics.
func (i *Isolate) HeapUsed() uint64 { return 0 }

// Close releases the VM.
func (i *Isolate) Close() {
	i.vm.Close()
}
