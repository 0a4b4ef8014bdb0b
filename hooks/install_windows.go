//go:build windows

package hooks

import (
	"errors"
	"fmt"
	"runtime"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/sliverarmory/doorstop/bootstrap"
	"github.com/sliverarmory/doorstop/loader"
	"github.com/sliverarmory/doorstop/log"
	"github.com/sliverarmory/doorstop/plthook"
)

const (
	systemLibrary   = "kernel32.dll"
	monoLibraryHint = "mono"
)

type bootConfigOverride struct {
	wide   uintptr
	narrow uintptr
}

func newBootConfigOverride(p *runtime.Pinner, path string) bootConfigOverride {
	var o bootConfigOverride
	if w, err := windows.UTF16FromString(path); err == nil {
		p.Pin(&w[0])
		o.wide = uintptr(unsafe.Pointer(&w[0]))
	}
	b := append([]byte(path), 0)
	p.Pin(&b[0])
	o.narrow = uintptr(unsafe.Pointer(&b[0]))
	return o
}

// Install hooks GetProcAddress in module so runtime lookups reach the
// interceptor. Entry points the module imports directly from the runtime are
// patched as well, and CloseHandle is hooked so the player keeps its standard
// output handle. Once every hook is in place DOORSTOP_DISABLE is set so
// child processes skip injection.
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
	real, err := loader.DynamicLinkerSymbol("GetProcAddress")
	if err == nil {
		e.realResolver = real
		err = replaceSystem(hook, "GetProcAddress", real, windows.NewCallback(e.getProcAddress))
	}
	resolverHooked := err == nil
	if err != nil {
		log.Warnln("Hook GetProcAddress in %s: %v", module.Path(), err)
		errs = append(errs, err)
	}

	if stdout, err := windows.GetStdHandle(windows.STD_OUTPUT_HANDLE); err == nil {
		e.stdout = uintptr(stdout)
		log.Debugln("Standard output handle at %#x", e.stdout)
	}
	real, err = loader.DynamicLinkerSymbol("CloseHandle")
	if err == nil {
		e.originals["CloseHandle"] = real
		err = replaceSystem(hook, "CloseHandle", real, windows.NewCallback(e.closeHandle))
	}
	if err != nil {
		log.Warnln("Failed to hook CloseHandle, ignoring it: %v", err)
	}

	if e.useBootConfig() {
		for name, fn := range map[string]any{"CreateFileW": e.createFileW, "CreateFileA": e.createFileA} {
			real, err := loader.DynamicLinkerSymbol(name)
			if err == nil {
				e.originals[name] = real
				err = replaceSystem(hook, name, real, windows.NewCallback(fn))
			}
			if err != nil {
				log.Warnln("Hook %s in %s: %v", name, module.Path(), err)
				errs = append(errs, err)
			}
		}
	}

	direct := e.directHooks(hook, monoLibraryHint)
	if !resolverHooked && direct == 0 {
		return fmt.Errorf("no hooks installed in %s: %w", module.Path(), errors.Join(errs...))
	}
	if len(errs) == 0 {
		log.Infoln("Hooks installed, marking %s = TRUE", bootstrap.EnvDisable)
		if err := windows.Setenv(bootstrap.EnvDisable, "TRUE"); err != nil {
			log.Warnln("Set %s: %v", bootstrap.EnvDisable, err)
		}
	}
	return nil
}

// replaceSystem patches the import of a kernel32 function, matched by its
// current value. Newer toolchains import it through an API set name, so any
// library is accepted when kernel32.dll has no such entry.
func replaceSystem(hook *plthook.Hook, name string, real, replacement uintptr) error {
	_, err := hook.Replace(systemLibrary, name, real, replacement)
	if errors.Is(err, plthook.ErrNotFound) {
		_, err = hook.Replace("", name, real, replacement)
	}
	return err
}

func (e *Engine) getProcAddress(module, name uintptr) uintptr {
	real := loader.Call(e.realResolver, module, name)
	// ordinal lookup
	if name>>16 == 0 {
		return real
	}
	return e.resolve(module, loader.GoString(name), real)
}

func (e *Engine) createFileW(name, access, share, security, disposition, flags, template uintptr) uintptr {
	if name != 0 && e.override.wide != 0 && e.isBootConfig(windows.UTF16PtrToString((*uint16)(unsafe.Pointer(name)))) {
		name = e.override.wide
	}
	return loader.Call(e.originals["CreateFileW"], name, access, share, security, disposition, flags, template)
}

func (e *Engine) createFileA(name, access, share, security, disposition, flags, template uintptr) uintptr {
	if e.isBootConfig(loader.GoString(name)) {
		name = e.override.narrow
	}
	return loader.Call(e.originals["CreateFileA"], name, access, share, security, disposition, flags, template)
}

func (e *Engine) closeHandle(handle uintptr) uintptr {
	if e.keepsStdout(handle) {
		return 1
	}
	return loader.Call(e.originals["CloseHandle"], handle)
}
