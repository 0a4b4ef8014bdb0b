//go:build windows

package loader

import (
	"errors"
	"fmt"
	"strings"
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"
)

const maxProcessModules = 4096

func findLoaded(substr string) (*Module, error) {
	modules, err := processModules()
	if err != nil {
		return nil, err
	}
	want := strings.ToLower(substr)
	for _, h := range modules {
		path, err := moduleFileName(h)
		if err != nil {
			continue
		}
		if strings.Contains(strings.ToLower(path), want) {
			return moduleForHandle(h, path)
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotLoaded, substr)
}

func executable() (*Module, error) {
	var h windows.Handle
	if err := windows.GetModuleHandleEx(0, nil, &h); err != nil {
		return nil, fmt.Errorf("GetModuleHandleEx: %w", err)
	}
	return borrow(uintptr(h))
}

func open(path string) (*Module, error) {
	h, err := windows.LoadLibrary(path)
	if err != nil {
		return nil, err
	}
	module, err := borrow(uintptr(h))
	if err != nil {
		return &Module{handle: uintptr(h), path: path}, nil
	}
	return module, nil
}

func borrow(handle uintptr) (*Module, error) {
	if handle == 0 {
		return nil, fmt.Errorf("%w: nil handle", ErrNotLoaded)
	}
	path, err := moduleFileName(windows.Handle(handle))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotLoaded, err)
	}
	return moduleForHandle(windows.Handle(handle), path)
}

func moduleForHandle(h windows.Handle, path string) (*Module, error) {
	var info windows.ModuleInfo
	if err := windows.GetModuleInformation(windows.CurrentProcess(), h, &info, uint32(unsafe.Sizeof(info))); err != nil {
		return nil, fmt.Errorf("GetModuleInformation(%s): %w", path, err)
	}
	return &Module{
		handle: uintptr(h),
		path:   path,
		base:   info.BaseOfDll,
		size:   uintptr(info.SizeOfImage),
	}, nil
}

func processModules() ([]windows.Handle, error) {
	modules := make([]windows.Handle, maxProcessModules)
	var needed uint32
	size := uint32(len(modules)) * uint32(unsafe.Sizeof(modules[0]))
	if err := windows.EnumProcessModules(windows.CurrentProcess(), &modules[0], size, &needed); err != nil {
		return nil, fmt.Errorf("EnumProcessModules: %w", err)
	}
	n := needed / uint32(unsafe.Sizeof(modules[0]))
	if n > uint32(len(modules)) {
		n = uint32(len(modules))
	}
	return modules[:n], nil
}

func moduleFileName(h windows.Handle) (string, error) {
	buf := make([]uint16, windows.MAX_LONG_PATH)
	n, err := windows.GetModuleFileName(h, &buf[0], uint32(len(buf)))
	if err != nil {
		return "", err
	}
	return windows.UTF16ToString(buf[:n]), nil
}

func procAddress(handle uintptr, name string) (uintptr, error) {
	addr, err := windows.GetProcAddress(windows.Handle(handle), name)
	if err != nil {
		return 0, fmt.Errorf("GetProcAddress(%s): %w", name, err)
	}
	if addr == 0 {
		return 0, errors.New("symbol address is nil")
	}
	return addr, nil
}

func release(handle uintptr) {
	_ = windows.FreeLibrary(windows.Handle(handle))
}

// Call invokes the function at fn with integer or pointer arguments.
func Call(fn uintptr, args ...uintptr) uintptr {
	r1, _, _ := syscall.SyscallN(fn, args...)
	return r1
}

// NewCallback returns a stdcall function pointer that calls fn.
func NewCallback(fn any) uintptr {
	return windows.NewCallback(fn)
}

// NewCallbackCDecl returns a cdecl function pointer that calls fn.
func NewCallbackCDecl(fn any) uintptr {
	return windows.NewCallbackCDecl(fn)
}

// DynamicLinkerSymbol returns the kernel32 address of name. Hooks use it as
// the real implementation they forward to.
func DynamicLinkerSymbol(name string) (uintptr, error) {
	kernel32, err := windows.LoadLibrary("kernel32.dll")
	if err != nil {
		return 0, err
	}
	return procAddress(uintptr(kernel32), name)
}
