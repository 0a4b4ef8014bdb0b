//go:build linux

package loader

import (
	"debug/elf"
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"
	"sync"
	"unsafe"

	"github.com/sliverarmory/doorstop/internal/procmaps"
)

const (
	rtldNow       = 2
	rtldNoload    = 4
	rtldLocal     = 0
	rtldDiLinkmap = 2
)

type linuxDynAPI struct {
	dlopen  uintptr
	dlsym   uintptr
	dlclose uintptr
	dlerror uintptr
	// dlinfo is optional; older musl releases lack it
	dlinfo uintptr
}

var (
	linuxAPIOnce sync.Once
	linuxAPI     linuxDynAPI
	linuxAPIErr  error
)

func findLoaded(substr string) (*Module, error) {
	entries, err := procmaps.Read()
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		if !strings.HasPrefix(entry.Path, "/") || !strings.Contains(entry.Path, substr) {
			continue
		}
		return moduleForPath(entries, entry.Path, 0)
	}
	return nil, fmt.Errorf("%w: %s", ErrNotLoaded, substr)
}

func executable() (*Module, error) {
	path, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve executable: %w", err)
	}
	api, err := getLinuxDynAPI()
	if err != nil {
		return nil, err
	}
	handle := Call(api.dlopen, 0, rtldNow)
	entries, err := procmaps.Read()
	if err != nil {
		return nil, err
	}
	return moduleForPath(entries, path, handle)
}

func open(path string) (*Module, error) {
	api, err := getLinuxDynAPI()
	if err != nil {
		return nil, err
	}
	cPath, err := CString(path)
	if err != nil {
		return nil, err
	}

	// clear stale dlerror
	_ = Call(api.dlerror)
	handle := Call(api.dlopen, BytePtr(cPath), rtldNow|rtldLocal)
	runtime.KeepAlive(cPath)
	if handle == 0 {
		return nil, fmt.Errorf("dlopen: %w", lastDLErrorWithFallback(api, "unknown dlopen error"))
	}
	module, err := borrow(handle)
	if err != nil {
		// Loaded but not located; symbols still resolve through the handle.
		return &Module{handle: handle, path: path}, nil
	}
	return module, nil
}

func borrow(handle uintptr) (*Module, error) {
	if handle == 0 {
		return nil, fmt.Errorf("%w: nil handle", ErrNotLoaded)
	}
	api, err := getLinuxDynAPI()
	if err != nil {
		return nil, err
	}
	if api.dlinfo == 0 {
		return nil, errors.New("dlinfo is not available")
	}

	linkMap := new(uintptr)
	if rc := Call(api.dlinfo, handle, rtldDiLinkmap, uintptr(unsafe.Pointer(linkMap))); rc != 0 || *linkMap == 0 {
		return nil, fmt.Errorf("dlinfo(%#x): %w", handle, lastDLErrorWithFallback(api, "no link map"))
	}
	// struct link_map { ElfW(Addr) l_addr; char *l_name; ... }
	name := GoString(*(*uintptr)(unsafe.Pointer(*linkMap + unsafe.Sizeof(uintptr(0)))))
	if name == "" {
		if name, err = os.Executable(); err != nil {
			return nil, err
		}
	}

	entries, err := procmaps.Read()
	if err != nil {
		return nil, err
	}
	return moduleForPath(entries, name, handle)
}

// moduleForPath builds a borrowed module from the mappings backed by path.
// A zero handle is filled in with a no-load dlopen of the path.
func moduleForPath(entries []procmaps.Entry, path string, handle uintptr) (*Module, error) {
	var (
		base, end uintptr
		found     bool
	)
	for _, entry := range entries {
		if entry.Path != path {
			continue
		}
		if !found {
			if entry.Start < entry.Offset {
				return nil, fmt.Errorf("invalid mapping base for %s", path)
			}
			base, found = entry.Start-entry.Offset, true
		}
		if entry.End > end {
			end = entry.End
		}
	}
	if !found {
		return nil, fmt.Errorf("%w: no mapping for %s", ErrNotLoaded, path)
	}

	if handle == 0 {
		api, err := getLinuxDynAPI()
		if err != nil {
			return nil, err
		}
		cPath, err := CString(path)
		if err != nil {
			return nil, err
		}
		handle = Call(api.dlopen, BytePtr(cPath), rtldNow|rtldNoload)
		runtime.KeepAlive(cPath)
		if handle != 0 {
			// Drop the reference taken by the no-load open; the host keeps
			// the library resident.
			_ = Call(api.dlclose, handle)
		}
	}
	return &Module{handle: handle, path: path, base: base, size: end - base}, nil
}

func procAddress(handle uintptr, name string) (uintptr, error) {
	api, err := getLinuxDynAPI()
	if err != nil {
		return 0, err
	}
	cName, err := CString(name)
	if err != nil {
		return 0, err
	}

	// clear stale dlerror
	_ = Call(api.dlerror)
	sym := Call(api.dlsym, handle, BytePtr(cName))
	runtime.KeepAlive(cName)
	if err := lastDLError(api); err != nil {
		return 0, fmt.Errorf("dlsym(%s): %w", name, err)
	}
	if sym == 0 {
		return 0, errors.New("symbol address is nil")
	}
	return sym, nil
}

func release(handle uintptr) {
	if api, err := getLinuxDynAPI(); err == nil {
		_ = Call(api.dlclose, handle)
	}
}

// DynamicLinkerSymbol returns the libc address of one of the dl* functions.
// Hooks use it as the real implementation they forward to.
func DynamicLinkerSymbol(name string) (uintptr, error) {
	api, err := getLinuxDynAPI()
	if err != nil {
		return 0, err
	}
	switch name {
	case "dlopen":
		return api.dlopen, nil
	case "dlsym":
		return api.dlsym, nil
	case "dlclose":
		return api.dlclose, nil
	case "dlerror":
		return api.dlerror, nil
	}
	libcPath, baseAddr, err := findRuntimeLibc()
	if err != nil {
		return 0, err
	}
	off, err := findELFSymbolOffset(libcPath, name)
	if err != nil {
		return 0, err
	}
	return baseAddr + off, nil
}

func lastDLError(api *linuxDynAPI) error {
	msg := GoString(Call(api.dlerror))
	if msg == "" {
		return nil
	}
	return errors.New(msg)
}

func lastDLErrorWithFallback(api *linuxDynAPI, fallback string) error {
	if err := lastDLError(api); err != nil {
		return err
	}
	return errors.New(fallback)
}

func getLinuxDynAPI() (*linuxDynAPI, error) {
	linuxAPIOnce.Do(func() {
		linuxAPIErr = initLinuxDynAPI()
	})
	if linuxAPIErr != nil {
		return nil, linuxAPIErr
	}
	return &linuxAPI, nil
}

func initLinuxDynAPI() error {
	libcPath, baseAddr, err := findRuntimeLibc()
	if err != nil {
		return err
	}

	resolve := func(symbol string) (uintptr, error) {
		off, err := findELFSymbolOffset(libcPath, symbol)
		if err != nil {
			return 0, fmt.Errorf("resolve libc symbol %s: %w", symbol, err)
		}
		return baseAddr + off, nil
	}

	var api linuxDynAPI
	if api.dlopen, err = resolve("dlopen"); err != nil {
		return err
	}
	if api.dlsym, err = resolve("dlsym"); err != nil {
		return err
	}
	if api.dlclose, err = resolve("dlclose"); err != nil {
		return err
	}
	if api.dlerror, err = resolve("dlerror"); err != nil {
		return err
	}
	api.dlinfo, _ = resolve("dlinfo")
	linuxAPI = api
	return nil
}

func findRuntimeLibc() (string, uintptr, error) {
	entries, err := procmaps.Read()
	if err != nil {
		return "", 0, err
	}

	bestScore := -1
	var best procmaps.Entry
	for _, entry := range entries {
		if !entry.Executable() || !strings.HasPrefix(entry.Path, "/") {
			continue
		}
		score := libcPathScore(entry.Path)
		if score > bestScore {
			bestScore = score
			best = entry
		}
	}
	if bestScore < 0 || best.Path == "" {
		return "", 0, errors.New("failed to locate runtime libc mapping")
	}
	if best.Start < best.Offset {
		return "", 0, fmt.Errorf("invalid libc mapping base for %s", best.Path)
	}
	return best.Path, best.Start - best.Offset, nil
}

func libcPathScore(path string) int {
	p := strings.ToLower(path)
	switch {
	case strings.Contains(p, "libc.so"):
		return 100
	case strings.Contains(p, "libc-"):
		return 95
	case strings.Contains(p, "ld-musl"):
		return 90
	case strings.Contains(p, "musl"):
		return 85
	case strings.Contains(p, "ld-linux"):
		return 80
	default:
		return -1
	}
}

func findELFSymbolOffset(path string, symbol string) (uintptr, error) {
	f, err := elf.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open elf %s: %w", path, err)
	}
	defer f.Close()

	if syms, err := f.DynamicSymbols(); err == nil {
		if off, ok := matchSymbolOffset(syms, symbol); ok {
			return off, nil
		}
	}
	if syms, err := f.Symbols(); err == nil {
		if off, ok := matchSymbolOffset(syms, symbol); ok {
			return off, nil
		}
	}
	return 0, fmt.Errorf("symbol %s not found in %s", symbol, path)
}

func matchSymbolOffset(symbols []elf.Symbol, want string) (uintptr, bool) {
	for _, s := range symbols {
		if s.Value == 0 {
			continue
		}
		if s.Name == want || strings.HasPrefix(s.Name, want+"@") {
			return uintptr(s.Value), true
		}
	}
	return 0, false
}
