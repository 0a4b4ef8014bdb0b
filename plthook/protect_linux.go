//go:build linux

package plthook

import (
	"fmt"
	"unsafe"

	"github.com/sliverarmory/doorstop/internal/procmaps"
	"golang.org/x/sys/unix"
)

type pageProtector struct{}

func (pageProtector) MakeWritable(addr, size uintptr) (func() error, error) {
	entries, err := procmaps.Read()
	if err != nil {
		return nil, err
	}
	entry, err := procmaps.Containing(entries, addr)
	if err != nil {
		return nil, err
	}
	prot := permsToProt(entry)
	if entry.Writable() {
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

func permsToProt(e procmaps.Entry) int {
	prot := unix.PROT_NONE
	if e.Readable() {
		prot |= unix.PROT_READ
	}
	if e.Writable() {
		prot |= unix.PROT_WRITE
	}
	if e.Executable() {
		prot |= unix.PROT_EXEC
	}
	return prot
}
