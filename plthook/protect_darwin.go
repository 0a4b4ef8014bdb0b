//go:build darwin

package plthook

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"
	"golang.org/x/sys/unix"
)

const (
	vmRegionBasicInfo64      = 9
	vmRegionBasicInfoCount64 = 9
	kernSuccess              = 0
)

var (
	machOnce   sync.Once
	machRegion uintptr
	machTask   uint32
	machErr    error
)

func loadMachAPI() error {
	machOnce.Do(func() {
		lib, err := purego.Dlopen("/usr/lib/libSystem.B.dylib", purego.RTLD_NOW|purego.RTLD_GLOBAL)
		if err != nil {
			machErr = fmt.Errorf("dlopen libSystem: %w", err)
			return
		}
		if machRegion, err = purego.Dlsym(lib, "mach_vm_region"); err != nil {
			machErr = fmt.Errorf("dlsym mach_vm_region: %w", err)
			return
		}
		task, err := purego.Dlsym(lib, "mach_task_self_")
		if err != nil {
			machErr = fmt.Errorf("dlsym mach_task_self_: %w", err)
			return
		}
		machTask = *(*uint32)(unsafe.Pointer(task))
	})
	return machErr
}

// currentProtection queries the VM protection of the region holding addr.
func currentProtection(addr uintptr) (int, error) {
	if err := loadMachAPI(); err != nil {
		return 0, err
	}
	var (
		address = uint64(addr)
		size    uint64
		info    [vmRegionBasicInfoCount64]int32
		count   = uint32(vmRegionBasicInfoCount64)
		object  uint32
	)
	kr, _, _ := purego.SyscallN(machRegion,
		uintptr(machTask),
		uintptr(unsafe.Pointer(&address)),
		uintptr(unsafe.Pointer(&size)),
		vmRegionBasicInfo64,
		uintptr(unsafe.Pointer(&info[0])),
		uintptr(unsafe.Pointer(&count)),
		uintptr(unsafe.Pointer(&object)),
	)
	if int32(kr) != kernSuccess {
		return 0, fmt.Errorf("mach_vm_region(%#x): kern_return %d", addr, int32(kr))
	}
	if address > uint64(addr) {
		return 0, errors.New("address is not mapped")
	}
	// VM_PROT_* share values with PROT_*.
	return int(info[0]), nil
}

type pageProtector struct{}

func (pageProtector) MakeWritable(addr, size uintptr) (func() error, error) {
	prot, err := currentProtection(addr)
	if err != nil {
		return nil, err
	}
	if prot&unix.PROT_WRITE != 0 {
		return func() error { return nil }, nil
	}

	start, length := pageSpan(addr, size, uintptr(unix.Getpagesize()))
	pages := unsafe.Slice((*byte)(unsafe.Pointer(start)), length)
	if err := unix.Mprotect(pages, prot|unix.PROT_WRITE); err != nil {
		return nil, fmt.Errorf("mprotect %#x+%#x: %w", start, length, err)
	}
	return func() error {
		return unix.Mprotect(pages, prot)
	}, nil
}
