package bootstrap

import (
	"os"

	"github.com/sliverarmory/doorstop/config"
	"github.com/sliverarmory/doorstop/internal/paths"
	"github.com/sliverarmory/doorstop/log"
)

// IL2CPPRuntime is the original il2cpp_init.
type IL2CPPRuntime interface {
	Init(domainName string) int32
}

// CoreCLRRuntime is the hosting API of a loaded coreclr library.
type CoreCLRRuntime interface {
	Initialize(exePath, domainName string, keys, values []string) (host uintptr, domainID uint32, status int32)
	CreateDelegate(host uintptr, domainID uint32, assembly, typeName, method string) (fn uintptr, status int32)
	Invoke(fn uintptr)
}

// CoreCLRLoader loads the coreclr library at path and resolves its hosting
// API.
type CoreCLRLoader func(path string) (CoreCLRRuntime, error)

// CoreCLR runs the entrypoint in a CoreCLR instance hosted next to an IL2CPP
// player.
type CoreCLR struct {
	IL2CPP      IL2CPPRuntime
	Load        CoreCLRLoader
	Config      *config.Config
	State       *State
	Env         Environment
	ProcessPath string
}

// Init replaces il2cpp_init. The player's own initialisation runs first and
// its result is returned unchanged.
func (c *CoreCLR) Init(domainName string) int32 {
	log.Infoln("Starting IL2CPP domain %q", domainName)
	result := c.IL2CPP.Init(domainName)
	if _, err := c.Bootstrap(); err != nil {
		log.Debugln("CoreCLR bootstrap stopped: %v", err)
	}
	return result
}

// Bootstrap starts CoreCLR and invokes Doorstop.Entrypoint.Start. Missing
// runtime paths end the sequence at Unloaded without side effects.
func (c *CoreCLR) Bootstrap() (Phase, error) {
	runtimePath, corlib := c.Config.CLR.RuntimeCoreCLRPath, c.Config.CLR.CorlibDir
	if runtimePath == "" || corlib == "" {
		log.Infoln("No CoreCLR paths set, skipping loading")
		return Unloaded, ErrDisabled
	}
	log.Debugln("CoreCLR runtime path: %s", runtimePath)
	log.Debugln("CoreCLR corlib dir: %s", corlib)
	if !paths.FileExists(runtimePath) || !paths.DirExists(corlib) {
		log.Infoln("CoreCLR startup dirs are not set up, skipping")
		return Unloaded, ErrDisabled
	}

	if !c.State.SelectFamily(FamilyIL2CPP) {
		return Unloaded, ErrFamilyMismatch
	}
	if !c.State.BeginSequence() {
		return c.State.Phase(), ErrAlreadyInitialized
	}

	rt, err := c.Load(runtimePath)
	if err != nil {
		return fail(c.State, FunctionsResolved, 0, err)
	}
	c.State.setPhase(FunctionsResolved)

	env := c.Env
	if env == nil {
		env = OSEnvironment{}
	}
	target := c.Config.TargetAssembly
	targetDir := paths.Folder(target)
	targetName := paths.FileName(target, false)
	appPaths := corlib + string(os.PathListSeparator) + targetDir

	log.Debugln("App path: %s", c.ProcessPath)
	log.Debugln("Target dir: %s", targetDir)
	log.Debugln("Target name: %s", targetName)
	log.Debugln("%s: %s", clrAppPathsProperty, appPaths)

	setenv(env, EnvInitialized, initializedValue)
	setenv(env, EnvInvokeDLLPath, target)
	setenv(env, EnvManagedFolderDir, corlib)
	setenv(env, EnvProcessPath, c.ProcessPath)
	setenv(env, EnvDLLSearchDirs, appPaths)

	host, domainID, status := rt.Initialize(c.ProcessPath, clrDomainName,
		[]string{clrAppPathsProperty}, []string{appPaths})
	if status != 0 {
		return fail(c.State, DomainReady, status, nil)
	}
	c.State.setPhase(DomainReady)

	fn, status := rt.CreateDelegate(host, domainID, targetName, clrEntrypointType, clrEntrypointMethod)
	if status != 0 || fn == 0 {
		return fail(c.State, EntrypointFound, status, ErrEntrypointMissing)
	}
	c.State.setPhase(EntrypointFound)

	if !c.State.MarkInvoked() {
		return c.State.Phase(), ErrAlreadyInitialized
	}
	log.Infoln("Invoking %s.%s()", clrEntrypointType, clrEntrypointMethod)
	rt.Invoke(fn)
	c.State.setPhase(Invoked)
	c.State.setPhase(Done)
	return Done, nil
}
