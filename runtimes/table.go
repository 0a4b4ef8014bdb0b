// Package runtimes holds the function tables of the managed runtimes doorstop
// drives and typed wrappers that call through them.
package runtimes

import (
	"errors"
	"fmt"
	"runtime"
	"unsafe"
)

var ErrMissingSymbol = errors.New("runtimes: symbol not exported")

// Resolver looks up exported symbols of a loaded runtime library.
// *loader.Module implements it.
type Resolver interface {
	ProcAddressByName(name string) (uintptr, error)
}

type slot struct {
	name     string
	ptr      *uintptr
	optional bool
}

// resolve fills every slot from r. Optional slots that are missing stay
// zero; all missing required slots are reported together.
func resolve(r Resolver, slots []slot) error {
	var errs []error
	for _, s := range slots {
		addr, err := r.ProcAddressByName(s.name)
		if err == nil && addr != 0 {
			*s.ptr = addr
			continue
		}
		*s.ptr = 0
		if s.optional {
			continue
		}
		if err == nil {
			err = ErrMissingSymbol
		}
		errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
	}
	return errors.Join(errs...)
}

// pins keeps Go memory handed to native code in place for the duration of a
// call.
type pins struct {
	runtime.Pinner
}

func (p *pins) bytes(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	p.Pin(&b[0])
	return uintptr(unsafe.Pointer(&b[0]))
}

func (p *pins) cstring(s string) uintptr {
	b := make([]byte, len(s)+1)
	copy(b, s)
	return p.bytes(b)
}

func (p *pins) words(w []uintptr) uintptr {
	if len(w) == 0 {
		return 0
	}
	p.Pin(&w[0])
	return uintptr(unsafe.Pointer(&w[0]))
}

// cstrings returns a pinned char** for values.
func (p *pins) cstrings(values []string) uintptr {
	ptrs := make([]uintptr, len(values))
	for i, v := range values {
		ptrs[i] = p.cstring(v)
	}
	return p.words(ptrs)
}

func (p *pins) int32(v *int32) uintptr {
	p.Pin(v)
	return uintptr(unsafe.Pointer(v))
}

func (p *pins) uint32(v *uint32) uintptr {
	p.Pin(v)
	return uintptr(unsafe.Pointer(v))
}

func (p *pins) word(v *uintptr) uintptr {
	p.Pin(v)
	return uintptr(unsafe.Pointer(v))
}

func boolArg(v bool) uintptr {
	if v {
		return 1
	}
	return 0
}

// status truncates a native int return value.
func status(ret uintptr) int32 {
	return int32(uint32(ret))
}
