package runtimes

import (
	"fmt"

	"github.com/sliverarmory/doorstop/loader"
)

type CoreCLRFuncs struct {
	Initialize     uintptr
	CreateDelegate uintptr
}

func (f *CoreCLRFuncs) slots() []slot {
	return []slot{
		{name: "coreclr_initialize", ptr: &f.Initialize},
		{name: "coreclr_create_delegate", ptr: &f.CreateDelegate},
	}
}

// CoreCLR calls the coreclr hosting API.
type CoreCLR struct {
	Funcs *CoreCLRFuncs
}

func LoadCoreCLR(r Resolver) (*CoreCLR, error) {
	f := &CoreCLRFuncs{}
	if err := resolve(r, f.slots()); err != nil {
		return nil, err
	}
	return &CoreCLR{Funcs: f}, nil
}

// OpenCoreCLR loads the coreclr library at path and resolves its hosting
// API. The library stays loaded for the life of the process.
func OpenCoreCLR(path string) (*CoreCLR, error) {
	module, err := loader.Open(path)
	if err != nil {
		return nil, err
	}
	clr, err := LoadCoreCLR(module)
	if err != nil {
		module.Free()
		return nil, fmt.Errorf("resolve %s: %w", path, err)
	}
	return clr, nil
}

// Initialize starts a CoreCLR host with the given properties.
func (c *CoreCLR) Initialize(exePath, domainName string, keys, values []string) (host uintptr, domainID uint32, st int32) {
	if len(keys) != len(values) {
		return 0, 0, status(^uintptr(0))
	}
	var p pins
	defer p.Unpin()
	ret := loader.Call(c.Funcs.Initialize,
		p.cstring(exePath), p.cstring(domainName), uintptr(len(keys)),
		p.cstrings(keys), p.cstrings(values), p.word(&host), p.uint32(&domainID))
	return host, domainID, status(ret)
}

func (c *CoreCLR) CreateDelegate(host uintptr, domainID uint32, assembly, typeName, method string) (fn uintptr, st int32) {
	var p pins
	defer p.Unpin()
	ret := loader.Call(c.Funcs.CreateDelegate, host, uintptr(domainID),
		p.cstring(assembly), p.cstring(typeName), p.cstring(method), p.word(&fn))
	return fn, status(ret)
}

// Invoke calls a delegate that takes no arguments.
func (c *CoreCLR) Invoke(fn uintptr) {
	loader.Call(fn)
}
