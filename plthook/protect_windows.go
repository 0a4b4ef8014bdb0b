//go:build windows

package plthook

import (
	"fmt"

	"golang.org/x/sys/windows"
)

type pageProtector struct{}

func (pageProtector) MakeWritable(addr, size uintptr) (func() error, error) {
	var old uint32
	if err := windows.VirtualProtect(addr, size, windows.PAGE_READWRITE, &old); err != nil {
		return nil, fmt.Errorf("VirtualProtect(%#x): %w", addr, err)
	}
	return func() error {
		var tmp uint32
		return windows.VirtualProtect(addr, size, old, &tmp)
	}, nil
}
