package bootstrap

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/sliverarmory/doorstop/config"
	"github.com/sliverarmory/doorstop/internal/paths"
	"github.com/sliverarmory/doorstop/log"
)

// Mono image open statuses. The negative values come from opening the file
// itself, before the runtime sees any bytes.
const (
	ImageOK                 int32 = 0
	ImageErrorErrno         int32 = 1
	ImageMissingAssemblyRef int32 = 2
	ImageInvalid            int32 = 3
	ImageFileNotFound       int32 = -1
	ImageFileError          int32 = -2
)

// DebugFormatMono is MONO_DEBUG_FORMAT_MONO.
const DebugFormatMono int32 = 1

// MonoRuntime is the subset of the embedded Mono API the sequence drives.
type MonoRuntime interface {
	ThreadCurrent() uintptr
	ThreadSetMain(thread uintptr)
	HasDomainSetConfig() bool
	DomainSetConfig(domain uintptr, baseDir, configFile string)
	AssemblyGetRootDir() string
	ConfigParse()
	SetAssembliesPath(path string)
	// ImageOpenFromData opens a copy of data as an image.
	ImageOpenFromData(data []byte, name string, refOnly bool) (image uintptr, status int32)
	AssemblyLoadFromFull(image uintptr, name string) (assembly uintptr, status int32)
	// FindMethod looks up a method description such as "Ns.Type:Method".
	FindMethod(image uintptr, desc string) uintptr
	MethodParamCount(method uintptr) uint32
	// RuntimeInvoke calls a static method without arguments and returns the
	// thrown exception object, if any.
	RuntimeInvoke(method uintptr) (exc uintptr)
	HasObjectToString() bool
	ExceptionString(exc uintptr) string
	JitParseOptions(args []string)
	DebugInit(format int32)
	HasDebugEnabled() bool
	DebugEnabled() bool
	JitInitVersion(name, version string) uintptr
}

// Mono drives the Mono bootstrap sequence and backs the hooked Mono entry
// points.
type Mono struct {
	Runtime MonoRuntime
	Config  *config.Config
	State   *State
	Env     Environment
	// ProcessPath is the host executable.
	ProcessPath string
}

func (m *Mono) env() Environment {
	if m.Env == nil {
		return OSEnvironment{}
	}
	return m.Env
}

// DebugSettings merges the configured debugger settings with the
// DNSPY_UNITY_DBG2 override.
func (m *Mono) DebugSettings() DebugSettings {
	d := DebugSettings{
		Enabled: m.Config.Mono.DebugEnabled,
		Suspend: m.Config.Mono.DebugSuspend,
		Address: m.Config.Mono.DebugAddress,
	}
	if opt, ok := m.env().Getenv(EnvDebuggerOverride); ok {
		d.Enabled = true
		d.Option = opt
	}
	return d
}

// InitDomain replaces mono_jit_init_version. It prepares the search path and
// debugger, creates the root domain and runs Bootstrap on it.
func (m *Mono) InitDomain(name, version string) uintptr {
	log.Infoln("Starting mono domain %q", name)
	log.Debugln("Runtime version: %s", version)
	if len(version) > 1 && (version[1] == '1' || version[1] == '2') {
		m.State.SetLegacyRuntime(true)
	}

	root := m.Runtime.AssemblyGetRootDir()
	log.Debugln("Current root: %s", root)
	searchPath := SearchPath(m.Config.Mono.DLLSearchPathOverride, root)
	log.Infoln("Mono search path: %s", searchPath)
	m.Runtime.SetAssembliesPath(searchPath)
	setenv(m.env(), EnvDLLSearchDirs, searchPath)

	m.ParseOptions(nil)

	alreadyEnabled := m.State.DebugInitCalled()
	if m.Runtime.HasDebugEnabled() && m.Runtime.DebugEnabled() {
		alreadyEnabled = true
	}
	if m.DebugSettings().Enabled && !alreadyEnabled {
		log.Infoln("Mono debugger is not initialized; initializing it")
		m.Runtime.DebugInit(DebugFormatMono)
	}

	domain := m.Runtime.JitInitVersion(name, version)
	if _, err := m.Bootstrap(domain); err != nil && !errors.Is(err, ErrAlreadyInitialized) {
		log.Warnln("Mono bootstrap stopped: %v", err)
	}
	return domain
}

// ParseOptions replaces mono_jit_parse_options. When debugging is enabled
// the debugger agent option is appended to the host's arguments.
func (m *Mono) ParseOptions(args []string) {
	d := m.DebugSettings()
	if !d.Enabled {
		m.Runtime.JitParseOptions(args)
		return
	}
	opt := d.AgentOption(m.State.LegacyRuntime())
	log.Infoln("Configuring mono debug server: %s", opt)
	m.Runtime.JitParseOptions(append(slices.Clip(args), opt))
}

// DebugInit replaces mono_debug_init and remembers that the host enabled
// debugging on its own.
func (m *Mono) DebugInit(format int32) {
	m.State.NoteDebugInit()
	m.Runtime.DebugInit(format)
}

// OpenImageOverride serves mono_image_open_from_data_with_name from the
// search path override. handled is false when the host's own data should be
// opened instead.
func (m *Mono) OpenImageOverride(name string, refOnly bool) (image uintptr, status int32, handled bool) {
	override := m.Config.Mono.DLLSearchPathOverride
	if override == "" || name == "" {
		return 0, ImageOK, false
	}
	file := paths.FileName(strings.ReplaceAll(name, `\`, "/"), true)
	for _, root := range paths.SplitList(override) {
		image, status = m.openImageFile(filepath.Join(root, file), name, refOnly)
		switch {
		case status == ImageOK:
			log.Debugln("Loaded %s from override %s", file, root)
			return image, ImageOK, true
		case status == ImageFileNotFound:
			continue
		case status > 0:
			log.Errorln("Failed to load overridden Mono image: error code %d", status)
			return 0, status, true
		default:
			log.Errorln("Failed to load overridden Mono image: error code %d", status)
			return 0, ImageInvalid, true
		}
	}
	return 0, ImageOK, false
}

// Bootstrap loads the target assembly into domain and invokes
// Doorstop.Entrypoint:Start. It runs at most once per process.
func (m *Mono) Bootstrap(domain uintptr) (Phase, error) {
	env := m.env()
	if _, ok := env.Getenv(EnvInitialized); ok {
		log.Infoln("%s is set, skipping", EnvInitialized)
		return m.State.Phase(), ErrAlreadyInitialized
	}
	if !m.State.SelectFamily(FamilyMono) {
		return m.State.Phase(), ErrFamilyMismatch
	}
	if !m.State.BeginSequence() {
		return m.State.Phase(), ErrAlreadyInitialized
	}
	m.State.setPhase(DomainReady)
	setenv(env, EnvInitialized, initializedValue)

	rt := m.Runtime
	rt.ThreadSetMain(rt.ThreadCurrent())

	app := m.ProcessPath
	if rt.HasDomainSetConfig() {
		baseDir, configFile := paths.Folder(app), app+".config"
		log.Debugln("Setting config paths: base dir: %s; config path: %s", baseDir, configFile)
		rt.DomainSetConfig(domain, baseDir, configFile)
	}

	target := m.Config.TargetAssembly
	setenv(env, EnvInvokeDLLPath, target)
	setenv(env, EnvProcessPath, app)

	root := rt.AssemblyGetRootDir()
	rt.ConfigParse()
	log.Debugln("Assembly dir: %s", root)
	setenv(env, EnvManagedFolderDir, root)

	log.Infoln("Opening assembly: %s", target)
	image, status := m.openImageFile(target, target, false)
	if status != ImageOK {
		return fail(m.State, ImageOpened, status, nil)
	}
	m.State.setPhase(ImageOpened)

	if _, status := rt.AssemblyLoadFromFull(image, target); status != ImageOK {
		return fail(m.State, AssemblyLoaded, status, nil)
	}
	m.State.setPhase(AssemblyLoaded)

	method := rt.FindMethod(image, monoEntrypointMethod)
	if method == 0 {
		return fail(m.State, EntrypointFound, 0, ErrEntrypointMissing)
	}
	if n := rt.MethodParamCount(method); n != 0 {
		return fail(m.State, EntrypointFound, int32(n), ErrEntrypointShape)
	}
	m.State.setPhase(EntrypointFound)

	if !m.State.MarkInvoked() {
		return m.State.Phase(), ErrAlreadyInitialized
	}
	log.Infoln("Invoking %s", monoEntrypointMethod)
	exc := rt.RuntimeInvoke(method)
	m.State.setPhase(Invoked)
	if exc != 0 {
		log.Errorln("Error invoking %s", monoEntrypointMethod)
		if rt.HasObjectToString() {
			log.Errorln("Error message: %s", rt.ExceptionString(exc))
		}
	}
	m.State.setPhase(Done)
	log.Infoln("Done")
	return Done, nil
}

// openImageFile opens path the way mono_image_open_from_file_with_name does:
// missing and unreadable files are reported before the runtime is called.
func (m *Mono) openImageFile(path, name string, refOnly bool) (uintptr, int32) {
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return 0, ImageFileNotFound
	case err != nil:
		log.Debugln("Read %s: %v", path, err)
		return 0, ImageFileError
	}
	image, status := m.Runtime.ImageOpenFromData(data, name, refOnly)
	if status == ImageOK && image == 0 {
		status = ImageInvalid
	}
	return image, status
}

// SearchPath builds the Mono assembly search path: every override root made
// absolute, then the runtime root directory.
func SearchPath(override, root string) string {
	var parts []string
	for _, p := range paths.SplitList(override) {
		full := paths.Absolute(p)
		log.Debugln("Adding root path: %s", full)
		parts = append(parts, full)
	}
	parts = append(parts, root)
	return strings.Join(parts, string(os.PathListSeparator))
}

func setenv(env Environment, key, value string) {
	if err := env.Setenv(key, value); err != nil {
		log.Warnln("Set %s: %v", key, err)
	}
}

func fail(state *State, step Phase, status int32, err error) (Phase, error) {
	state.setPhase(Failed)
	stepErr := &StepError{Step: step, Status: status, Err: err}
	log.Errorln("%v", stepErr)
	return Failed, stepErr
}
