//go:build !v8

package qjs

import (
	"fmt"
	"runtime"
	"time"
)

// awaitGlobal resolves a potentially-promise value stored in a global
// variable by pumping the microtask queue until it settles or the
// deadline passes. The global is updated in place with the resolved
// value; a rejected promise becomes an error.
func awaitGlobal(rt *vmRuntime, globalVar string, deadline time.Time) error {
	isPromise, err := rt.evalBool(fmt.Sprintf("globalThis.%s instanceof Promise", globalVar))
	if err != nil || !isPromise {
		return nil
	}

	setupJS := fmt.Sprintf(`
		delete globalThis.__awaited_result;
		delete globalThis.__awaited_state;
		Promise.resolve(globalThis.%s).then(
			function(r) { globalThis.__awaited_result = r; globalThis.__awaited_state = 'fulfilled'; },
			function(e) { globalThis.__awaited_result = e; globalThis.__awaited_state = 'rejected'; }
		);
	`, globalVar)
	if err := rt.eval(setupJS); err != nil {
		return fmt.Errorf("setting up promise await: %w", err)
	}

	for {
		pumpPendingJobs(rt.vm)

		stateStr, err := rt.evalString("String(globalThis.__awaited_state)")
		if err != nil {
			return fmt.Errorf("checking promise state: %w", err)
		}
		if stateStr != "undefined" {
			break
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("promise resolution timed out")
		}
		runtime.Gosched()
	}

	stateStr, _ := rt.evalString("String(globalThis.__awaited_state)")
	if stateStr == "rejected" {
		errMsg, _ := rt.evalString("String(globalThis.__awaited_result)")
		_ = rt.eval("delete globalThis.__awaited_result; delete globalThis.__awaited_state;")
		return fmt.Errorf("promise rejected: %s", errMsg)
	}

	_ = rt.eval(fmt.Sprintf(
		"globalThis.%s = globalThis.__awaited_result; delete globalThis.__awaited_result; delete globalThis.__awaited_state;",
		globalVar))

	return nil
}
