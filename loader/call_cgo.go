//go:build (linux || darwin) && cgo

package loader

/*
#include <stdint.h>

typedef uintptr_t (*doorstop_fn10_t)(
	uintptr_t, uintptr_t, uintptr_t, uintptr_t, uintptr_t,
	uintptr_t, uintptr_t, uintptr_t, uintptr_t, uintptr_t
);

static uintptr_t doorstop_call10(
	uintptr_t fn,
	uintptr_t a0, uintptr_t a1, uintptr_t a2, uintptr_t a3, uintptr_t a4,
	uintptr_t a5, uintptr_t a6, uintptr_t a7, uintptr_t a8, uintptr_t a9
) {
	return ((doorstop_fn10_t)fn)(a0, a1, a2, a3, a4, a5, a6, a7, a8, a9);
}
*/
import "C"

const maxCallArgs = 10

// Call invokes the C function at fn with up to ten integer or pointer
// arguments.
func Call(fn uintptr, args ...uintptr) uintptr {
	if len(args) > maxCallArgs {
		panic("loader: too many call arguments")
	}
	var a [maxCallArgs]uintptr
	copy(a[:], args)
	return uintptr(C.doorstop_call10(
		C.uintptr_t(fn),
		C.uintptr_t(a[0]),
		C.uintptr_t(a[1]),
		C.uintptr_t(a[2]),
		C.uintptr_t(a[3]),
		C.uintptr_t(a[4]),
		C.uintptr_t(a[5]),
		C.uintptr_t(a[6]),
		C.uintptr_t(a[7]),
		C.uintptr_t(a[8]),
		C.uintptr_t(a[9]),
	))
}
