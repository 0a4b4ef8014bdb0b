//go:build (linux || darwin) && !cgo

package loader

import "github.com/ebitengine/purego"

// Call invokes the C function at fn with integer or pointer arguments.
func Call(fn uintptr, args ...uintptr) uintptr {
	r1, _, _ := purego.SyscallN(fn, args...)
	return r1
}
