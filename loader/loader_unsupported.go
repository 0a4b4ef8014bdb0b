//go:build !windows && !darwin && !linux

package loader

import "errors"

var errUnsupported = errors.New("loader is only supported on windows, darwin, and linux")

func findLoaded(string) (*Module, error) { return nil, errUnsupported }

func executable() (*Module, error) { return nil, errUnsupported }

func open(string) (*Module, error) { return nil, errUnsupported }

func borrow(uintptr) (*Module, error) { return nil, errUnsupported }

func procAddress(uintptr, string) (uintptr, error) { return 0, errUnsupported }

func release(uintptr) {}

func Call(uintptr, ...uintptr) uintptr {
	panic("loader: foreign calls are not supported on this platform")
}

func NewCallback(any) uintptr {
	panic("loader: callbacks are not supported on this platform")
}

func NewCallbackCDecl(fn any) uintptr { return NewCallback(fn) }

func DynamicLinkerSymbol(string) (uintptr, error) { return 0, errUnsupported }
