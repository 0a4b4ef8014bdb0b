package hooks

import (
	"errors"
	"fmt"
	"testing"

	"github.com/sliverarmory/doorstop/bootstrap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLibrary struct {
	path    string
	exports map[string]uintptr
}

func (l *fakeLibrary) Path() string { return l.path }

func (l *fakeLibrary) ProcAddressByName(name string) (uintptr, error) {
	if addr, ok := l.exports[name]; ok {
		return addr, nil
	}
	return 0, fmt.Errorf("%s not exported", name)
}

type mapEnv map[string]string

func (m mapEnv) Getenv(key string) (string, bool) {
	v, ok := m[key]
	return v, ok
}

func (m mapEnv) Setenv(key, value string) error {
	m[key] = value
	return nil
}

var testWrappers = map[string]uintptr{
	MonoJitInitVersion:            0xa1,
	MonoImageOpenFromDataWithName: 0xa2,
	MonoJitParseOptions:           0xa3,
	MonoDebugInit:                 0xa4,
	IL2CPPInit:                    0xb1,
}

func newInterceptor(loadErr error) (*Interceptor, mapEnv, *[]bootstrap.Family) {
	env := mapEnv{}
	loads := &[]bootstrap.Family{}
	return &Interceptor{
		State:    &bootstrap.State{},
		Env:      env,
		Wrappers: testWrappers,
		LoadTable: func(family bootstrap.Family, lib Library) error {
			*loads = append(*loads, family)
			return loadErr
		},
	}, env, loads
}

// permutations returns every ordering of names.
func permutations(names []string) [][]string {
	if len(names) <= 1 {
		return [][]string{append([]string(nil), names...)}
	}
	var out [][]string
	for i := range names {
		rest := append(append([]string(nil), names[:i]...), names[i+1:]...)
		for _, p := range permutations(rest) {
			out = append(out, append([]string{names[i]}, p...))
		}
	}
	return out
}

func TestInterceptorLoadsTableOnce(t *testing.T) {
	mono := &fakeLibrary{path: "/opt/game/MonoBleedingEdge/libmonobdwgc-2.0.so"}
	names := []string{MonoJitInitVersion, MonoImageOpenFromDataWithName, MonoJitParseOptions, MonoDebugInit}

	for _, order := range permutations(names) {
		i, env, loads := newInterceptor(nil)
		for _, name := range order {
			got := i.Resolve(mono, name, 0x1234)
			assert.Equal(t, testWrappers[name], got, "order %v, name %s", order, name)
		}
		// repeated requests stay redirected
		assert.Equal(t, testWrappers[order[0]], i.Resolve(mono, order[0], 0x1234))

		assert.Equal(t, []bootstrap.Family{bootstrap.FamilyMono}, *loads, "order %v", order)
		assert.Equal(t, mono.path, env[bootstrap.EnvMonoLibPath])
	}
}

func TestInterceptorPassesThroughOtherNames(t *testing.T) {
	i, env, loads := newInterceptor(nil)
	lib := &fakeLibrary{path: "/usr/lib/libc.so.6"}

	assert.Equal(t, uintptr(0x1234), i.Resolve(lib, "malloc", 0x1234))
	assert.Equal(t, uintptr(0), i.Resolve(lib, "mono_jit_init", 0))
	assert.Empty(t, *loads)
	assert.Empty(t, env)
	assert.False(t, i.State.TablesLoaded())
}

func TestInterceptorIL2CPP(t *testing.T) {
	i, env, loads := newInterceptor(nil)
	lib := &fakeLibrary{path: "GameAssembly.dll"}

	assert.Equal(t, testWrappers[IL2CPPInit], i.Resolve(lib, IL2CPPInit, 0x99))
	assert.Equal(t, []bootstrap.Family{bootstrap.FamilyIL2CPP}, *loads)
	assert.NotContains(t, env, bootstrap.EnvMonoLibPath)

	// A Mono name after the IL2CPP table was loaded is left alone.
	assert.Equal(t, uintptr(0x55), i.Resolve(lib, MonoJitInitVersion, 0x55))
	assert.Len(t, *loads, 1)
}

func TestInterceptorLoadFailure(t *testing.T) {
	i, _, loads := newInterceptor(errors.New("mono_runtime_invoke: not exported"))
	lib := &fakeLibrary{path: "libmono.so"}

	assert.Equal(t, uintptr(0x10), i.Resolve(lib, MonoJitInitVersion, 0x10))
	assert.Equal(t, uintptr(0x20), i.Resolve(lib, MonoJitParseOptions, 0x20))
	assert.Len(t, *loads, 1)
}

func TestInterceptorDefersLoadWithoutLibrary(t *testing.T) {
	i, env, loads := newInterceptor(nil)

	assert.Equal(t, uintptr(0x10), i.Resolve(nil, MonoJitInitVersion, 0x10))
	assert.Empty(t, *loads)
	require.False(t, i.State.TablesLoaded())

	mono := &fakeLibrary{path: "/opt/game/libmonobdwgc-2.0.so"}
	assert.Equal(t, testWrappers[MonoJitInitVersion], i.Resolve(mono, MonoJitInitVersion, 0x20))
	assert.Equal(t, []bootstrap.Family{bootstrap.FamilyMono}, *loads)
	assert.Equal(t, mono.path, env[bootstrap.EnvMonoLibPath])

	// once loaded, lookups without a library are redirected too
	assert.Equal(t, testWrappers[MonoDebugInit], i.Resolve(nil, MonoDebugInit, 0x30))
	assert.Len(t, *loads, 1)
}

func TestInterceptorLibraryWithoutPath(t *testing.T) {
	i, env, loads := newInterceptor(nil)
	scope := &fakeLibrary{}

	assert.Equal(t, testWrappers[MonoJitParseOptions], i.Resolve(scope, MonoJitParseOptions, 0x10))
	assert.Equal(t, []bootstrap.Family{bootstrap.FamilyMono}, *loads)
	assert.NotContains(t, env, bootstrap.EnvMonoLibPath)
}

func TestIntercepted(t *testing.T) {
	family, ok := Intercepted(IL2CPPInit)
	assert.True(t, ok)
	assert.Equal(t, bootstrap.FamilyIL2CPP, family)

	_, ok = Intercepted("dlsym")
	assert.False(t, ok)
}
