//go:build linux || darwin

package loader

import "github.com/ebitengine/purego"

// NewCallback returns a C function pointer that calls fn. fn takes and
// returns integer or pointer sized values. Callbacks are never released.
func NewCallback(fn any) uintptr {
	return purego.NewCallback(fn)
}

// NewCallbackCDecl is NewCallback; unix has a single C calling convention.
func NewCallbackCDecl(fn any) uintptr {
	return purego.NewCallback(fn)
}
