// Package loader finds modules mapped into the current process, loads new
// ones and calls into them.
package loader

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/sliverarmory/doorstop/plthook"
)

var (
	ErrNotLoaded = errors.New("loader: module not loaded")
	ErrClosed    = errors.New("loader: module is closed")
)

// Module is a handle to a mapped library. Modules returned by FindLoaded,
// Executable and Borrow are borrowed and Free never unloads them.
type Module struct {
	mu     sync.RWMutex
	handle uintptr
	path   string
	base   uintptr
	size   uintptr
	owned  bool
	closed bool
	// pseudo modules stand for a handle with no mapping behind it, such as
	// RTLD_DEFAULT, and may legitimately be zero.
	pseudo bool
}

// FindLoaded returns the first loaded module whose path contains substr.
func FindLoaded(substr string) (*Module, error) {
	if substr == "" {
		return nil, errors.New("loader: empty module name")
	}
	return findLoaded(substr)
}

// Executable returns the main program module.
func Executable() (*Module, error) {
	return executable()
}

// Open loads the library at path. The returned module is owned by the caller.
func Open(path string) (*Module, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("loader: empty library path")
	}
	module, err := open(path)
	if err != nil {
		return nil, fmt.Errorf("loader: open %s: %w", path, err)
	}
	module.owned = true
	return module, nil
}

// Borrow wraps a native handle received from the host, for example the
// library argument of dlsym.
func Borrow(handle uintptr) (*Module, error) {
	return borrow(handle)
}

// Unresolved wraps a handle that Borrow could not map back to a module.
// Symbols still resolve through the dynamic linker, but the module has no
// path and no image.
func Unresolved(handle uintptr) *Module {
	return &Module{handle: handle, pseudo: true}
}

func (module *Module) Handle() uintptr { return module.handle }
func (module *Module) Path() string    { return module.path }
func (module *Module) Base() uintptr   { return module.base }
func (module *Module) Size() uintptr   { return module.size }
func (module *Module) Owned() bool     { return module.owned }

// ProcAddressByName resolves an exported symbol.
func (module *Module) ProcAddressByName(name string) (uintptr, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return 0, errors.New("export name cannot be empty")
	}

	module.mu.RLock()
	closed, handle, pseudo := module.closed, module.handle, module.pseudo
	module.mu.RUnlock()
	if closed {
		return 0, ErrClosed
	}
	if handle == 0 && !pseudo {
		return 0, errors.New("library handle is nil")
	}
	return procAddress(handle, name)
}

// Image returns a patchable view over the module's live mapping.
func (module *Module) Image() (*plthook.Image, error) {
	if module.base == 0 || module.size == 0 {
		return nil, fmt.Errorf("loader: no mapping known for %s", module.path)
	}
	img, err := plthook.Live(module.base, module.size)
	if err != nil {
		return nil, fmt.Errorf("loader: image of %s: %w", module.path, err)
	}
	img.Pristine = pristineBytes(module.path, img)
	return img, nil
}

// Free releases an owned module. Borrowed modules are left loaded.
func (module *Module) Free() {
	module.mu.Lock()
	defer module.mu.Unlock()

	if module.closed {
		return
	}
	module.closed = true
	if module.owned && module.handle != 0 {
		release(module.handle)
	}
	module.handle = 0
}

func (module *Module) String() string {
	return fmt.Sprintf("%s@%#x", module.path, module.base)
}
