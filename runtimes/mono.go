package runtimes

import "github.com/sliverarmory/doorstop/loader"

// MonoFuncs is the embedded Mono API table. Slots are zero until Load
// succeeds.
type MonoFuncs struct {
	ThreadCurrent             uintptr
	ThreadSetMain             uintptr
	DomainSetConfig           uintptr // optional, missing before Mono 2.x
	AssemblyGetRootDir        uintptr
	ConfigParse               uintptr
	SetAssembliesPath         uintptr
	ImageOpenFromDataWithName uintptr
	AssemblyLoadFromFull      uintptr
	MethodDescNew             uintptr
	MethodDescSearchInImage   uintptr
	MethodDescFree            uintptr
	MethodSignature           uintptr
	SignatureGetParamCount    uintptr
	RuntimeInvoke             uintptr
	ObjectToString            uintptr // optional
	StringToUTF8              uintptr
	Free                      uintptr // optional
	JitParseOptions           uintptr
	DebugInit                 uintptr
	DebugEnabled              uintptr // optional
	JitInitVersion            uintptr
}

func (f *MonoFuncs) slots() []slot {
	return []slot{
		{name: "mono_thread_current", ptr: &f.ThreadCurrent},
		{name: "mono_thread_set_main", ptr: &f.ThreadSetMain},
		{name: "mono_domain_set_config", ptr: &f.DomainSetConfig, optional: true},
		{name: "mono_assembly_getrootdir", ptr: &f.AssemblyGetRootDir},
		{name: "mono_config_parse", ptr: &f.ConfigParse},
		{name: "mono_set_assemblies_path", ptr: &f.SetAssembliesPath},
		{name: "mono_image_open_from_data_with_name", ptr: &f.ImageOpenFromDataWithName},
		{name: "mono_assembly_load_from_full", ptr: &f.AssemblyLoadFromFull},
		{name: "mono_method_desc_new", ptr: &f.MethodDescNew},
		{name: "mono_method_desc_search_in_image", ptr: &f.MethodDescSearchInImage},
		{name: "mono_method_desc_free", ptr: &f.MethodDescFree},
		{name: "mono_method_signature", ptr: &f.MethodSignature},
		{name: "mono_signature_get_param_count", ptr: &f.SignatureGetParamCount},
		{name: "mono_runtime_invoke", ptr: &f.RuntimeInvoke},
		{name: "mono_object_to_string", ptr: &f.ObjectToString, optional: true},
		{name: "mono_string_to_utf8", ptr: &f.StringToUTF8},
		{name: "mono_free", ptr: &f.Free, optional: true},
		{name: "mono_jit_parse_options", ptr: &f.JitParseOptions},
		{name: "mono_debug_init", ptr: &f.DebugInit},
		{name: "mono_debug_enabled", ptr: &f.DebugEnabled, optional: true},
		{name: "mono_jit_init_version", ptr: &f.JitInitVersion},
	}
}

// Mono calls the embedded Mono API through a resolved table.
type Mono struct {
	Funcs *MonoFuncs
}

// LoadMono resolves the Mono API from r.
func LoadMono(r Resolver) (*Mono, error) {
	f := &MonoFuncs{}
	if err := resolve(r, f.slots()); err != nil {
		return nil, err
	}
	return &Mono{Funcs: f}, nil
}

func (m *Mono) ThreadCurrent() uintptr {
	return loader.Call(m.Funcs.ThreadCurrent)
}

func (m *Mono) ThreadSetMain(thread uintptr) {
	loader.Call(m.Funcs.ThreadSetMain, thread)
}

func (m *Mono) HasDomainSetConfig() bool {
	return m.Funcs.DomainSetConfig != 0
}

func (m *Mono) DomainSetConfig(domain uintptr, baseDir, configFile string) {
	var p pins
	defer p.Unpin()
	loader.Call(m.Funcs.DomainSetConfig, domain, p.cstring(baseDir), p.cstring(configFile))
}

func (m *Mono) AssemblyGetRootDir() string {
	return loader.GoString(loader.Call(m.Funcs.AssemblyGetRootDir))
}

// ConfigParse re-reads the runtime's global config (mono_config_parse(NULL)).
func (m *Mono) ConfigParse() {
	loader.Call(m.Funcs.ConfigParse, 0)
}

func (m *Mono) SetAssembliesPath(path string) {
	var p pins
	defer p.Unpin()
	loader.Call(m.Funcs.SetAssembliesPath, p.cstring(path))
}

// ImageOpenFromData always asks the runtime to copy data.
func (m *Mono) ImageOpenFromData(data []byte, name string, refOnly bool) (uintptr, int32) {
	var (
		p  pins
		st int32
	)
	defer p.Unpin()
	image := loader.Call(m.Funcs.ImageOpenFromDataWithName,
		p.bytes(data), uintptr(len(data)), 1, p.int32(&st), boolArg(refOnly), p.cstring(name))
	return image, st
}

func (m *Mono) AssemblyLoadFromFull(image uintptr, name string) (uintptr, int32) {
	var (
		p  pins
		st int32
	)
	defer p.Unpin()
	assembly := loader.Call(m.Funcs.AssemblyLoadFromFull, image, p.cstring(name), p.int32(&st), 0)
	return assembly, st
}

func (m *Mono) FindMethod(image uintptr, desc string) uintptr {
	var p pins
	defer p.Unpin()
	d := loader.Call(m.Funcs.MethodDescNew, p.cstring(desc), 1)
	if d == 0 {
		return 0
	}
	method := loader.Call(m.Funcs.MethodDescSearchInImage, d, image)
	loader.Call(m.Funcs.MethodDescFree, d)
	return method
}

// MethodParamCount returns ^uint32(0) when the method has no signature.
func (m *Mono) MethodParamCount(method uintptr) uint32 {
	sig := loader.Call(m.Funcs.MethodSignature, method)
	if sig == 0 {
		return ^uint32(0)
	}
	return uint32(loader.Call(m.Funcs.SignatureGetParamCount, sig))
}

func (m *Mono) RuntimeInvoke(method uintptr) uintptr {
	var (
		p   pins
		exc uintptr
	)
	defer p.Unpin()
	loader.Call(m.Funcs.RuntimeInvoke, method, 0, 0, p.word(&exc))
	return exc
}

func (m *Mono) HasObjectToString() bool {
	return m.Funcs.ObjectToString != 0
}

func (m *Mono) ExceptionString(exc uintptr) string {
	if m.Funcs.ObjectToString == 0 || exc == 0 {
		return ""
	}
	str := loader.Call(m.Funcs.ObjectToString, exc, 0)
	if str == 0 {
		return ""
	}
	utf8 := loader.Call(m.Funcs.StringToUTF8, str)
	out := loader.GoString(utf8)
	if m.Funcs.Free != 0 && utf8 != 0 {
		loader.Call(m.Funcs.Free, utf8)
	}
	return out
}

func (m *Mono) JitParseOptions(args []string) {
	var p pins
	defer p.Unpin()
	loader.Call(m.Funcs.JitParseOptions, uintptr(len(args)), p.cstrings(args))
}

// JitParseOptionsRaw forwards a host argv untouched.
func (m *Mono) JitParseOptionsRaw(argc, argv uintptr) {
	loader.Call(m.Funcs.JitParseOptions, argc, argv)
}

func (m *Mono) DebugInit(format int32) {
	loader.Call(m.Funcs.DebugInit, uintptr(uint32(format)))
}

func (m *Mono) HasDebugEnabled() bool {
	return m.Funcs.DebugEnabled != 0
}

func (m *Mono) DebugEnabled() bool {
	if m.Funcs.DebugEnabled == 0 {
		return false
	}
	return uint32(loader.Call(m.Funcs.DebugEnabled)) != 0
}

func (m *Mono) JitInitVersion(name, version string) uintptr {
	var p pins
	defer p.Unpin()
	return loader.Call(m.Funcs.JitInitVersion, p.cstring(name), p.cstring(version))
}

// ImageOpenFromDataWithNameRaw forwards the host's call unchanged.
func (m *Mono) ImageOpenFromDataWithNameRaw(data, dataLen, needCopy, statusPtr, refOnly, name uintptr) uintptr {
	return loader.Call(m.Funcs.ImageOpenFromDataWithName, data, dataLen, needCopy, statusPtr, refOnly, name)
}
