//go:build !v8

package qjs

import (
	"fmt"

	"modernc.org/quickjs"
)

// vmRuntime wraps a QuickJS VM with the small eval surface the isolate
// needs.
type vmRuntime struct {
	vm *quickjs.VM
}

// eval evaluates JavaScript and discards the result.
func (r *vmRuntime) eval(js string) error {
	v, err := r.vm.EvalValue(js, quickjs.EvalGlobal)
	if err != nil {
		return err
	}
	v.Free()
	return nil
}

// evalString evaluates JavaScript and returns the result as a Go string.
func (r *vmRuntime) evalString(js string) (string, error) {
	result, err := r.vm.Eval(js, quickjs.EvalGlobal)
	if err != nil {
		return "", err
	}
	if result == nil {
		return "", nil
	}
	return fmt.Sprint(result), nil
}

// evalBool evaluates JavaScript and returns the result as a Go bool.
func (r *vmRuntime) evalBool(js string) (bool, error) {
	result, err := r.vm.Eval(js, quickjs.EvalGlobal)
	if err != nil {
		return false, err
	}
	b, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("expected bool, got %T", result)
	}
	return b, nil
}

// setGlobal sets a global property on the VM's global object.
func (r *vmRuntime) setGlobal(name string, value any) error {
	atom, err := r.vm.NewAtom(name)
	if err != nil {
		return fmt.Errorf("creating atom %q: %w", name, err)
	}
	glob := r.vm.GlobalObject()
	defer glob.Free()
	return glob.SetProperty(atom, value)
}
