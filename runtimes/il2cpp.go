package runtimes

import "github.com/sliverarmory/doorstop/loader"

type IL2CPPFuncs struct {
	Init uintptr
}

func (f *IL2CPPFuncs) slots() []slot {
	return []slot{
		{name: "il2cpp_init", ptr: &f.Init},
	}
}

// IL2CPP calls the IL2CPP player API.
type IL2CPP struct {
	Funcs *IL2CPPFuncs
}

func LoadIL2CPP(r Resolver) (*IL2CPP, error) {
	f := &IL2CPPFuncs{}
	if err := resolve(r, f.slots()); err != nil {
		return nil, err
	}
	return &IL2CPP{Funcs: f}, nil
}

func (i *IL2CPP) Init(domainName string) int32 {
	var p pins
	defer p.Unpin()
	return status(loader.Call(i.Funcs.Init, p.cstring(domainName)))
}
