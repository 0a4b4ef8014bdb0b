package bootstrap

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/sliverarmory/doorstop/config"
	"github.com/stretchr/testify/require"
)

// recordEnv is an in-memory Environment that also records every write.
type recordEnv struct {
	vars   map[string]string
	events *[]string
}

func newRecordEnv(events *[]string) *recordEnv {
	return &recordEnv{vars: map[string]string{}, events: events}
}

func (e *recordEnv) Getenv(key string) (string, bool) {
	v, ok := e.vars[key]
	return v, ok
}

func (e *recordEnv) Setenv(key, value string) error {
	e.vars[key] = value
	*e.events = append(*e.events, "setenv "+key)
	return nil
}

type fakeMono struct {
	events *[]string

	rootDir       string
	setConfig     bool
	objectToStr   bool
	debugEnabled  *bool
	imageStatus   int32
	loadStatus    int32
	method        uintptr
	paramCount    uint32
	exc           uintptr
	invocations   int
	parsedOptions [][]string
	opened        [][]byte
	assembliesDir string
	debugFormats  []int32
}

func (f *fakeMono) record(format string, args ...any) {
	*f.events = append(*f.events, fmt.Sprintf(format, args...))
}

func (f *fakeMono) ThreadCurrent() uintptr       { return 0x7000 }
func (f *fakeMono) ThreadSetMain(thread uintptr) { f.record("thread_set_main %#x", thread) }
func (f *fakeMono) HasDomainSetConfig() bool     { return f.setConfig }
func (f *fakeMono) DomainSetConfig(domain uintptr, baseDir, configFile string) {
	f.record("domain_set_config %s %s", baseDir, configFile)
}
func (f *fakeMono) AssemblyGetRootDir() string { return f.rootDir }
func (f *fakeMono) ConfigParse()               { f.record("config_parse") }
func (f *fakeMono) SetAssembliesPath(path string) {
	f.assembliesDir = path
	f.record("set_assemblies_path")
}

func (f *fakeMono) ImageOpenFromData(data []byte, name string, refOnly bool) (uintptr, int32) {
	f.record("image_open %s", name)
	f.opened = append(f.opened, data)
	if f.imageStatus != ImageOK {
		return 0, f.imageStatus
	}
	return 0x1000, ImageOK
}

func (f *fakeMono) AssemblyLoadFromFull(image uintptr, name string) (uintptr, int32) {
	f.record("assembly_load %#x", image)
	return 0x2000, f.loadStatus
}

func (f *fakeMono) FindMethod(image uintptr, desc string) uintptr {
	f.record("find_method %s", desc)
	return f.method
}

func (f *fakeMono) MethodParamCount(method uintptr) uint32 { return f.paramCount }

func (f *fakeMono) RuntimeInvoke(method uintptr) uintptr {
	f.invocations++
	f.record("runtime_invoke %#x", method)
	return f.exc
}

func (f *fakeMono) HasObjectToString() bool { return f.objectToStr }
func (f *fakeMono) ExceptionString(exc uintptr) string {
	f.record("exception_string")
	return "System.Exception: boom"
}

func (f *fakeMono) JitParseOptions(args []string) {
	f.parsedOptions = append(f.parsedOptions, args)
	f.record("jit_parse_options %d", len(args))
}

func (f *fakeMono) DebugInit(format int32) {
	f.debugFormats = append(f.debugFormats, format)
	f.record("debug_init %d", format)
}

func (f *fakeMono) HasDebugEnabled() bool { return f.debugEnabled != nil }
func (f *fakeMono) DebugEnabled() bool    { return f.debugEnabled != nil && *f.debugEnabled }

func (f *fakeMono) JitInitVersion(name, version string) uintptr {
	f.record("jit_init_version %s %s", name, version)
	return 0xd0
}

// payload writes a stand-in managed assembly under Game_Data/Managed.
func payload(t *testing.T) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "Game_Data", "Managed")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	path := filepath.Join(dir, "Payload.dll")
	require.NoError(t, os.WriteFile(path, []byte("MZ payload"), 0o644))
	return path
}

func newMono(t *testing.T, cfg *config.Config) (*Mono, *fakeMono, *recordEnv, *[]string) {
	t.Helper()
	events := &[]string{}
	rt := &fakeMono{events: events, rootDir: "/opt/mono/lib", method: 0x3000}
	env := newRecordEnv(events)
	m := &Mono{
		Runtime:     rt,
		Config:      cfg,
		State:       &State{},
		Env:         env,
		ProcessPath: "/opt/game/Game.x86_64",
	}
	return m, rt, env, events
}
