//go:build linux || darwin

package hooks

import (
	"errors"
	"fmt"
	"runtime"
	"unsafe"

	"github.com/sliverarmory/doorstop/loader"
	"github.com/sliverarmory/doorstop/log"
	"github.com/sliverarmory/doorstop/plthook"
)

const monoLibraryHint = "libmono"

type bootConfigOverride struct {
	narrow uintptr
}

func newBootConfigOverride(p *runtime.Pinner, path string) bootConfigOverride {
	b := append([]byte(path), 0)
	p.Pin(&b[0])
	return bootConfigOverride{narrow: uintptr(unsafe.Pointer(&b[0]))}
}

// Install hooks dlsym in module so runtime lookups reach the interceptor.
// Entry points the module imports directly from the runtime are patched as
// well, and fclose and dup2 are hooked so the player keeps its console
// streams. Individual failures are logged; Install fails only when nothing
// could be hooked.
func (e *Engine) Install(module *loader.Module) error {
	img, err := module.Image()
	if err != nil {
		return fmt.Errorf("map %s: %w", module.Path(), err)
	}
	hook, err := plthook.Open(img)
	if err != nil {
		return fmt.Errorf("open %s: %w", module.Path(), err)
	}
	e.Wrappers()

	var errs []error
	installed := 0
	if real, err := loader.DynamicLinkerSymbol("dlsym"); err != nil {
		errs = append(errs, fmt.Errorf("resolve dlsym: %w", err))
	} else {
		e.realResolver = real
		if _, err := hook.Replace("", "dlsym", 0, loader.NewCallback(e.dlsym)); err != nil {
			log.Warnln("Hook dlsym in %s: %v", module.Path(), err)
			errs = append(errs, err)
		} else {
			log.Infoln("Hooked dlsym in %s", module.Path())
			installed++
		}
	}

	if e.useBootConfig() {
		for _, name := range []string{"fopen", "fopen64"} {
			real, err := loader.DynamicLinkerSymbol(name)
			if err != nil {
				log.Debugln("Resolve %s: %v", name, err)
				continue
			}
			e.originals[name] = real
			if _, err := hook.Replace("", name, 0, loader.NewCallback(e.fopen(real))); err != nil {
				log.Debugln("Hook %s in %s: %v", name, module.Path(), err)
				continue
			}
			log.Infoln("Hooked %s in %s", name, module.Path())
		}
	}

	e.stdout = stdoutStream()
	for _, guard := range []struct {
		name string
		fn   any
	}{
		{"fclose", e.fclose},
		{"dup2", e.dup2},
	} {
		real, err := loader.DynamicLinkerSymbol(guard.name)
		if err == nil {
			e.originals[guard.name] = real
			_, err = hook.Replace("", guard.name, 0, loader.NewCallback(guard.fn))
		}
		if err != nil {
			log.Warnln("Failed to hook %s, ignoring it: %v", guard.name, err)
		}
	}

	installed += e.directHooks(hook, monoLibraryHint)
	if installed == 0 {
		return fmt.Errorf("no hooks installed in %s: %w", module.Path(), errors.Join(errs...))
	}
	return nil
}

func (e *Engine) dlsym(handle, name uintptr) uintptr {
	real := loader.Call(e.realResolver, handle, name)
	return e.resolve(handle, loader.GoString(name), real)
}

func (e *Engine) fopen(real uintptr) func(path, mode uintptr) uintptr {
	return func(path, mode uintptr) uintptr {
		if e.isBootConfig(loader.GoString(path)) {
			path = e.override.narrow
		}
		return loader.Call(real, path, mode)
	}
}

// stdoutStream returns the C library's stdout FILE*.
func stdoutStream() uintptr {
	name := "stdout"
	if runtime.GOOS == "darwin" {
		name = "__stdoutp"
	}
	addr, err := loader.DynamicLinkerSymbol(name)
	if err != nil || addr == 0 {
		log.Warnln("Resolve %s: %v", name, err)
		return 0
	}
	return *(*uintptr)(unsafe.Pointer(addr))
}

func (e *Engine) fclose(stream uintptr) uintptr {
	if e.keepsStdout(stream) {
		return 0
	}
	return loader.Call(e.originals["fclose"], stream)
}

func (e *Engine) dup2(oldfd, newfd uintptr) uintptr {
	if keepsStdDescriptor(newfd) {
		return newfd
	}
	return loader.Call(e.originals["dup2"], oldfd, newfd)
}
