package hooks

import (
	"fmt"
	"runtime"
	"sync"
	"unsafe"

	"github.com/sliverarmory/doorstop/bootstrap"
	"github.com/sliverarmory/doorstop/config"
	"github.com/sliverarmory/doorstop/internal/paths"
	"github.com/sliverarmory/doorstop/loader"
	"github.com/sliverarmory/doorstop/log"
	"github.com/sliverarmory/doorstop/plthook"
	"github.com/sliverarmory/doorstop/runtimes"
)

// Engine owns the installed hooks and the bootstrap sequences they feed.
type Engine struct {
	Config      *config.Config
	State       *bootstrap.State
	ProcessPath string

	Interceptor *Interceptor
	Mono        *bootstrap.Mono
	CoreCLR     *bootstrap.CoreCLR

	mono *runtimes.Mono

	callbacksOnce sync.Once
	wrappers      map[string]uintptr
	newCallback   func(fn any) uintptr

	// module lookups
	borrow     func(handle uintptr, name string) Library
	findLoaded func(name string) (Library, error)

	// real functions the hooks forward to
	realResolver uintptr
	originals    map[string]uintptr

	// standard output stream (FILE* or HANDLE) the host may not close
	stdout uintptr

	bootConfig string
	override   bootConfigOverride
	pinner     runtime.Pinner
}

// NewEngine wires the interceptor and both bootstrap families to cfg and
// state.
func NewEngine(cfg *config.Config, state *bootstrap.State) *Engine {
	env := bootstrap.OSEnvironment{}
	exe := paths.ProgramPath()
	e := &Engine{
		Config:      cfg,
		State:       state,
		ProcessPath: exe,
		newCallback: loader.NewCallbackCDecl,
		borrow:      borrowModule,
		findLoaded:  findLoadedModule,
		originals:   map[string]uintptr{},
	}
	e.Mono = &bootstrap.Mono{Config: cfg, State: state, Env: env, ProcessPath: exe}
	e.CoreCLR = &bootstrap.CoreCLR{Config: cfg, State: state, Env: env, ProcessPath: exe, Load: openCoreCLR}
	e.Interceptor = &Interceptor{State: state, Env: env, LoadTable: e.loadTable}
	return e
}

func openCoreCLR(path string) (bootstrap.CoreCLRRuntime, error) {
	clr, err := runtimes.OpenCoreCLR(path)
	if err != nil {
		return nil, err
	}
	return clr, nil
}

// borrowModule identifies the library a lookup was made against. Pseudo
// handles such as RTLD_DEFAULT and modules the loader cannot place still
// resolve symbols through the dynamic linker.
func borrowModule(handle uintptr, name string) Library {
	module, err := loader.Borrow(handle)
	if err != nil {
		log.Debugln("Resolving %s through handle %#x: %v", name, handle, err)
		return loader.Unresolved(handle)
	}
	return module
}

func findLoadedModule(name string) (Library, error) {
	module, err := loader.FindLoaded(name)
	if err != nil {
		return nil, err
	}
	return module, nil
}

func (e *Engine) loadTable(family bootstrap.Family, lib Library) error {
	switch family {
	case bootstrap.FamilyMono:
		mono, err := runtimes.LoadMono(lib)
		if err != nil {
			return fmt.Errorf("%s: %w", libraryName(lib), err)
		}
		e.mono = mono
		e.Mono.Runtime = mono
	case bootstrap.FamilyIL2CPP:
		il2cpp, err := runtimes.LoadIL2CPP(lib)
		if err != nil {
			return fmt.Errorf("%s: %w", libraryName(lib), err)
		}
		e.CoreCLR.IL2CPP = il2cpp
	default:
		return fmt.Errorf("unknown runtime family %d", family)
	}
	log.Infoln("Loaded %s functions from %s", family, libraryName(lib))
	return nil
}

// resolve is the tail of the dlsym and GetProcAddress hooks.
func (e *Engine) resolve(handle uintptr, name string, real uintptr) uintptr {
	if _, ok := Intercepted(name); !ok {
		return real
	}
	return e.Interceptor.Resolve(e.borrow(handle, name), name, real)
}

func (e *Engine) monoJitInitVersion(name, version uintptr) uintptr {
	return e.Mono.InitDomain(loader.GoString(name), loader.GoString(version))
}

func (e *Engine) monoJitParseOptions(argc, argv uintptr) uintptr {
	e.Mono.ParseOptions(loader.GoStrings(argv, int(int32(argc))))
	return 0
}

func (e *Engine) monoDebugInit(format uintptr) uintptr {
	e.Mono.DebugInit(int32(format))
	return 0
}

func (e *Engine) monoImageOpenFromDataWithName(data, dataLen, needCopy, status, refOnly, name uintptr) uintptr {
	image, st, handled := e.Mono.OpenImageOverride(loader.GoString(name), uint32(refOnly) != 0)
	if !handled {
		return e.mono.ImageOpenFromDataWithNameRaw(data, dataLen, needCopy, status, refOnly, name)
	}
	if status != 0 {
		*(*int32)(unsafe.Pointer(status)) = st
	}
	return image
}

func (e *Engine) il2cppInit(name uintptr) uintptr {
	return uintptr(uint32(e.CoreCLR.Init(loader.GoString(name))))
}

// Wrappers returns the C entry points of the runtime wrappers, creating them
// on first use.
func (e *Engine) Wrappers() map[string]uintptr {
	e.callbacksOnce.Do(func() {
		e.wrappers = map[string]uintptr{
			MonoJitInitVersion:            e.newCallback(e.monoJitInitVersion),
			MonoJitParseOptions:           e.newCallback(e.monoJitParseOptions),
			MonoDebugInit:                 e.newCallback(e.monoDebugInit),
			MonoImageOpenFromDataWithName: e.newCallback(e.monoImageOpenFromDataWithName),
			IL2CPPInit:                    e.newCallback(e.il2cppInit),
		}
		e.Interceptor.Wrappers = e.wrappers
	})
	return e.wrappers
}

// useBootConfig prepares the boot.config redirect. It reports false when no
// override is configured or the override file is missing.
func (e *Engine) useBootConfig() bool {
	override := e.Config.BootConfigOverride
	if override == "" {
		return false
	}
	if !paths.FileExists(override) {
		log.Errorln("The boot.config file won't be overridden because the provided one does not exist: %s", override)
		return false
	}
	e.bootConfig = paths.BootConfigPath(e.ProcessPath)
	e.override = newBootConfigOverride(&e.pinner, paths.Absolute(override))
	log.Infoln("Redirecting %s to %s", e.bootConfig, override)
	return true
}

// isBootConfig reports whether the host is opening its boot.config.
func (e *Engine) isBootConfig(path string) bool {
	return e.bootConfig != "" && path != "" && paths.Same(paths.Absolute(path), e.bootConfig)
}

// keepsStdout reports whether stream is the standard output the host must
// not close.
func (e *Engine) keepsStdout(stream uintptr) bool {
	return e.stdout != 0 && stream == e.stdout
}

// keepsStdDescriptor reports whether fd is stdout or stderr, which the host
// must not redirect.
func keepsStdDescriptor(fd uintptr) bool {
	n := int32(fd)
	return n == 1 || n == 2
}

// directHooks patches runtime entry points imported straight from the
// runtime library, for hosts that never look them up by name. It returns
// the number of entries patched.
func (e *Engine) directHooks(hook *plthook.Hook, libraryHint string) int {
	bindings, err := hook.Bindings()
	if err != nil {
		log.Warnln("Read binding table: %v", err)
		return 0
	}
	wrappers := e.Wrappers()
	patched := 0
	for _, b := range bindings {
		family, ok := Intercepted(b.Symbol)
		if !ok {
			continue
		}
		if !e.State.TablesLoaded() {
			e.loadDirect(family, b.Library, libraryHint)
		}
		if bootstrap.Family(e.Interceptor.loaded.Load()) != family {
			continue
		}
		if _, err := hook.Replace(b.Library, b.Symbol, 0, wrappers[b.Symbol]); err != nil {
			log.Warnln("Hook %s: %v", b.Symbol, err)
			continue
		}
		log.Infoln("Hooked %s directly", b.Symbol)
		patched++
	}
	return patched
}

func (e *Engine) loadDirect(family bootstrap.Family, library, hint string) {
	var module Library
	var err error
	for _, name := range []string{library, hint} {
		if name == "" {
			continue
		}
		if module, err = e.findLoaded(name); err == nil {
			break
		}
	}
	if module == nil {
		log.Warnln("Runtime library for %s is not loaded: %v", family, err)
		return
	}
	e.Interceptor.Resolve(module, firstName(family), 0)
}

func firstName(family bootstrap.Family) string {
	if family == bootstrap.FamilyIL2CPP {
		return IL2CPPInit
	}
	return MonoJitInitVersion
}
