// Package hooks redirects the host's runtime entry points to doorstop's
// bootstrap wrappers.
package hooks

import (
	"sync/atomic"

	"github.com/sliverarmory/doorstop/bootstrap"
	"github.com/sliverarmory/doorstop/log"
)

// Runtime entry points redirected to wrappers.
const (
	MonoJitInitVersion            = "mono_jit_init_version"
	MonoImageOpenFromDataWithName = "mono_image_open_from_data_with_name"
	MonoJitParseOptions           = "mono_jit_parse_options"
	MonoDebugInit                 = "mono_debug_init"
	IL2CPPInit                    = "il2cpp_init"
)

var interceptedNames = map[string]bootstrap.Family{
	MonoJitInitVersion:            bootstrap.FamilyMono,
	MonoImageOpenFromDataWithName: bootstrap.FamilyMono,
	MonoJitParseOptions:           bootstrap.FamilyMono,
	MonoDebugInit:                 bootstrap.FamilyMono,
	IL2CPPInit:                    bootstrap.FamilyIL2CPP,
}

// Intercepted reports whether name is redirected and for which runtime.
func Intercepted(name string) (bootstrap.Family, bool) {
	family, ok := interceptedNames[name]
	return family, ok
}

// Library is the module a runtime symbol was requested from.
type Library interface {
	Path() string
	ProcAddressByName(name string) (uintptr, error)
}

// Interceptor decides what a hooked symbol lookup returns.
type Interceptor struct {
	State *bootstrap.State
	Env   bootstrap.Environment
	// Wrappers maps intercepted names to their replacement functions.
	Wrappers map[string]uintptr
	// LoadTable resolves the runtime function table from lib.
	LoadTable func(family bootstrap.Family, lib Library) error

	loaded atomic.Int32
}

// Resolve returns the pointer the host should receive for name. The first
// intercepted request loads the runtime function table from lib; every
// intercepted request then gets its wrapper. Anything else, and every request
// after a failed load, gets real. A request without a library leaves the
// table unloaded for a later one.
func (i *Interceptor) Resolve(lib Library, name string, real uintptr) uintptr {
	family, ok := interceptedNames[name]
	if !ok {
		return real
	}
	wrapper := i.Wrappers[name]
	if wrapper == 0 {
		return real
	}
	switch {
	case lib == nil:
		if !i.State.TablesLoaded() {
			log.Warnln("Lookup of %s names no library, deferring the %s function table", name, family)
		}
	case i.State.MarkTablesLoaded():
		if err := i.load(family, lib); err != nil {
			log.Errorln("Failed to load %s functions: %v", family, err)
		} else {
			i.loaded.Store(int32(family))
		}
	}
	if bootstrap.Family(i.loaded.Load()) != family {
		return real
	}
	log.Debugln("Redirecting %s", name)
	return wrapper
}

func (i *Interceptor) load(family bootstrap.Family, lib Library) error {
	if family == bootstrap.FamilyMono && lib.Path() != "" {
		env := i.Env
		if env == nil {
			env = bootstrap.OSEnvironment{}
		}
		if err := env.Setenv(bootstrap.EnvMonoLibPath, lib.Path()); err != nil {
			log.Warnln("Set %s: %v", bootstrap.EnvMonoLibPath, err)
		}
	}
	return i.LoadTable(family, lib)
}

// libraryName names lib in log lines. Libraries resolved only through a
// handle have no path.
func libraryName(lib Library) string {
	if path := lib.Path(); path != "" {
		return path
	}
	return "the default symbol scope"
}
