package bootstrap

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/sliverarmory/doorstop/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func indexOf(t *testing.T, events []string, prefix string) int {
	t.Helper()
	i := slices.IndexFunc(events, func(e string) bool { return strings.HasPrefix(e, prefix) })
	require.GreaterOrEqual(t, i, 0, "event %q not recorded in %v", prefix, events)
	return i
}

func hasEvent(events []string, prefix string) bool {
	return slices.ContainsFunc(events, func(e string) bool { return strings.HasPrefix(e, prefix) })
}

func TestMonoBootstrap(t *testing.T) {
	target := payload(t)
	m, rt, env, events := newMono(t, &config.Config{Enabled: true, TargetAssembly: target})
	rt.setConfig = true

	phase, err := m.Bootstrap(0xd0)
	require.NoError(t, err)
	assert.Equal(t, Done, phase)
	assert.Equal(t, Done, m.State.Phase())
	assert.Equal(t, 1, rt.invocations)
	assert.Equal(t, FamilyMono, m.State.Family())

	assert.Equal(t, initializedValue, env.vars[EnvInitialized])
	assert.Equal(t, target, env.vars[EnvInvokeDLLPath])
	assert.Equal(t, "/opt/game/Game.x86_64", env.vars[EnvProcessPath])
	assert.Equal(t, "/opt/mono/lib", env.vars[EnvManagedFolderDir])

	invoke := indexOf(t, *events, "setenv "+EnvInvokeDLLPath)
	process := indexOf(t, *events, "setenv "+EnvProcessPath)
	open := indexOf(t, *events, "image_open")
	assert.Less(t, invoke, process)
	assert.Less(t, process, open)
	assert.Less(t, indexOf(t, *events, "config_parse"), open)
	assert.Less(t, indexOf(t, *events, "thread_set_main"), indexOf(t, *events, "domain_set_config"))
	assert.Contains(t, *events, "domain_set_config /opt/game /opt/game/Game.x86_64.config")
	assert.Contains(t, *events, "find_method "+monoEntrypointMethod)
	require.Len(t, rt.opened, 1)
	assert.Equal(t, []byte("MZ payload"), rt.opened[0])
}

func TestMonoBootstrapMissingAssembly(t *testing.T) {
	target := filepath.Join(t.TempDir(), "Game_Data", "Managed", "Payload.dll")
	m, rt, _, events := newMono(t, &config.Config{Enabled: true, TargetAssembly: target})

	phase, err := m.Bootstrap(0xd0)
	assert.Equal(t, Failed, phase)
	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, ImageOpened, stepErr.Step)
	assert.Equal(t, ImageFileNotFound, stepErr.Status)

	assert.False(t, hasEvent(*events, "image_open"))
	assert.False(t, hasEvent(*events, "assembly_load"))
	assert.False(t, hasEvent(*events, "find_method"))
	assert.Zero(t, rt.invocations)
}

func TestMonoBootstrapStopsAtFailedStep(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(*fakeMono)
		step    Phase
		status  int32
		absent  string
		wantErr error
	}{
		{
			name:   "image invalid",
			setup:  func(f *fakeMono) { f.imageStatus = ImageInvalid },
			step:   ImageOpened,
			status: ImageInvalid,
			absent: "assembly_load",
		},
		{
			name:   "assembly load",
			setup:  func(f *fakeMono) { f.loadStatus = ImageMissingAssemblyRef },
			step:   AssemblyLoaded,
			status: ImageMissingAssemblyRef,
			absent: "find_method",
		},
		{
			name:    "entrypoint missing",
			setup:   func(f *fakeMono) { f.method = 0 },
			step:    EntrypointFound,
			absent:  "runtime_invoke",
			wantErr: ErrEntrypointMissing,
		},
		{
			name:    "entrypoint with parameters",
			setup:   func(f *fakeMono) { f.paramCount = 1 },
			step:    EntrypointFound,
			status:  1,
			absent:  "runtime_invoke",
			wantErr: ErrEntrypointShape,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, rt, _, events := newMono(t, &config.Config{Enabled: true, TargetAssembly: payload(t)})
			tt.setup(rt)

			phase, err := m.Bootstrap(0xd0)
			assert.Equal(t, Failed, phase)
			var stepErr *StepError
			require.ErrorAs(t, err, &stepErr)
			assert.Equal(t, tt.step, stepErr.Step)
			assert.Equal(t, tt.status, stepErr.Status)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
			assert.False(t, hasEvent(*events, tt.absent))
			assert.Zero(t, rt.invocations)
		})
	}
}

func TestMonoBootstrapInvokesOnce(t *testing.T) {
	m, rt, env, _ := newMono(t, &config.Config{Enabled: true, TargetAssembly: payload(t)})

	_, err := m.Bootstrap(0xd0)
	require.NoError(t, err)
	_, err = m.Bootstrap(0xd0)
	assert.ErrorIs(t, err, ErrAlreadyInitialized)

	// The state latch holds even when the environment marker disappears.
	delete(env.vars, EnvInitialized)
	_, err = m.Bootstrap(0xd0)
	assert.ErrorIs(t, err, ErrAlreadyInitialized)
	assert.Equal(t, 1, rt.invocations)
}

func TestMonoBootstrapSkipsInitializedProcess(t *testing.T) {
	m, rt, env, events := newMono(t, &config.Config{Enabled: true, TargetAssembly: payload(t)})
	env.vars[EnvInitialized] = "TRUE"

	phase, err := m.Bootstrap(0xd0)
	assert.ErrorIs(t, err, ErrAlreadyInitialized)
	assert.Equal(t, Unloaded, phase)
	assert.Empty(t, *events)
	assert.Zero(t, rt.invocations)
}

func TestMonoBootstrapRejectsOtherFamily(t *testing.T) {
	m, rt, _, _ := newMono(t, &config.Config{Enabled: true, TargetAssembly: payload(t)})
	require.True(t, m.State.SelectFamily(FamilyIL2CPP))

	_, err := m.Bootstrap(0xd0)
	assert.ErrorIs(t, err, ErrFamilyMismatch)
	assert.Zero(t, rt.invocations)
}

func TestMonoBootstrapManagedException(t *testing.T) {
	m, rt, _, events := newMono(t, &config.Config{Enabled: true, TargetAssembly: payload(t)})
	rt.exc = 0xbad
	rt.objectToStr = true

	phase, err := m.Bootstrap(0xd0)
	require.NoError(t, err)
	assert.Equal(t, Done, phase)
	assert.Contains(t, *events, "exception_string")

	m, rt, _, events = newMono(t, &config.Config{Enabled: true, TargetAssembly: payload(t)})
	rt.exc = 0xbad
	phase, err = m.Bootstrap(0xd0)
	require.NoError(t, err)
	assert.Equal(t, Done, phase)
	assert.NotContains(t, *events, "exception_string")
}

func TestMonoInitDomain(t *testing.T) {
	override := t.TempDir()
	cfg := &config.Config{
		Enabled:        true,
		TargetAssembly: payload(t),
		Mono: config.Mono{
			DLLSearchPathOverride: override,
			DebugEnabled:          true,
		},
	}
	m, rt, env, events := newMono(t, cfg)

	domain := m.InitDomain("Unity Root Domain", "v2.0.50727")
	assert.Equal(t, uintptr(0xd0), domain)
	assert.True(t, m.State.LegacyRuntime())

	want := override + string(os.PathListSeparator) + "/opt/mono/lib"
	assert.Equal(t, want, rt.assembliesDir)
	assert.Equal(t, want, env.vars[EnvDLLSearchDirs])

	require.Len(t, rt.parsedOptions, 1)
	assert.Equal(t, []string{DebuggerAgentOption("", false, true)}, rt.parsedOptions[0])
	assert.Equal(t, []int32{DebugFormatMono}, rt.debugFormats)

	debugInit := indexOf(t, *events, "debug_init")
	jitInit := indexOf(t, *events, "jit_init_version")
	assert.Less(t, indexOf(t, *events, "jit_parse_options"), debugInit)
	assert.Less(t, debugInit, jitInit)
	assert.Less(t, jitInit, indexOf(t, *events, "runtime_invoke"))
	assert.Equal(t, 1, rt.invocations)
}

func TestMonoInitDomainDebuggerAlreadyActive(t *testing.T) {
	cfg := &config.Config{Enabled: true, TargetAssembly: payload(t), Mono: config.Mono{DebugEnabled: true}}

	m, rt, _, _ := newMono(t, cfg)
	m.DebugInit(2)
	m.InitDomain("root", "v4.0.30319")
	assert.False(t, m.State.LegacyRuntime())
	assert.Equal(t, []int32{2}, rt.debugFormats)

	enabled := true
	m, rt, _, _ = newMono(t, cfg)
	rt.debugEnabled = &enabled
	m.InitDomain("root", "v4.0.30319")
	assert.Empty(t, rt.debugFormats)
}

func TestMonoParseOptions(t *testing.T) {
	m, rt, env, _ := newMono(t, &config.Config{})
	host := []string{"--soft-breakpoints"}

	m.ParseOptions(host)
	assert.Equal(t, [][]string{host}, rt.parsedOptions)

	env.vars[EnvDebuggerOverride] = "--debugger-agent=transport=dt_socket,server=y,address=0.0.0.0:1"
	m.ParseOptions(host)
	require.Len(t, rt.parsedOptions, 2)
	assert.Equal(t, []string{"--soft-breakpoints", "--debugger-agent=transport=dt_socket,server=y,address=0.0.0.0:1"}, rt.parsedOptions[1])
	assert.Equal(t, []string{"--soft-breakpoints"}, host)
}

func TestMonoOpenImageOverride(t *testing.T) {
	override := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(override, "System.dll"), []byte("MZ system"), 0o644))

	m, rt, _, _ := newMono(t, &config.Config{Mono: config.Mono{DLLSearchPathOverride: override}})

	image, status, handled := m.OpenImageOverride(`C:\Game\Game_Data\Managed\System.dll`, false)
	assert.True(t, handled)
	assert.Equal(t, ImageOK, status)
	assert.NotZero(t, image)
	assert.Equal(t, [][]byte{[]byte("MZ system")}, rt.opened)

	_, _, handled = m.OpenImageOverride("/game/Managed/UnityEngine.dll", false)
	assert.False(t, handled)

	rt.imageStatus = ImageInvalid
	image, status, handled = m.OpenImageOverride("System.dll", false)
	assert.True(t, handled)
	assert.Equal(t, ImageInvalid, status)
	assert.Zero(t, image)

	m, _, _, _ = newMono(t, &config.Config{})
	_, _, handled = m.OpenImageOverride("System.dll", false)
	assert.False(t, handled)
}

func TestSearchPath(t *testing.T) {
	assert.Equal(t, "/opt/mono/lib", SearchPath("", "/opt/mono/lib"))

	sep := string(os.PathListSeparator)
	got := SearchPath("/a"+sep+sep+"/b", "/root")
	assert.Equal(t, strings.Join([]string{"/a", "/b", "/root"}, sep), got)
}
