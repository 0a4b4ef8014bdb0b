package doorstop_test

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"testing"
)

const libdoorstopPackage = "./cmd/libdoorstop"

// exported by cmd/libdoorstop; the constructor in attach.c calls the first
var libdoorstopExports = []string{"doorstopAttach", "DoorstopRun"}

// hostTarget returns the matrix entry for the running platform.
func hostTarget(t *testing.T) sharedLibTarget {
	t.Helper()
	for _, target := range sharedLibTargets {
		if target.goos == runtime.GOOS && target.goarch == runtime.GOARCH {
			return target
		}
	}
	t.Skipf("libdoorstop is not built for %s/%s", runtime.GOOS, runtime.GOARCH)
	return sharedLibTarget{}
}

func (target sharedLibTarget) ext() string {
	switch target.goos {
	case "darwin":
		return "dylib"
	case "windows":
		return "dll"
	default:
		return "so"
	}
}

// buildLibdoorstop builds the injectable library for target into outDir and
// checks that the cgo header declares its exports. zig is preferred as the C
// compiler so every target cross compiles from one host.
func buildLibdoorstop(t *testing.T, outDir string, target sharedLibTarget) string {
	t.Helper()

	output := filepath.Join(outDir, fmt.Sprintf("libdoorstop_%s-%s.%s", target.goos, target.goarch, target.ext()))
	args := []string{"build", "-buildmode=c-shared", "-trimpath", "-ldflags=-s -w", "-o", output, libdoorstopPackage}
	env := buildEnv(
		"GOOS="+target.goos,
		"GOARCH="+target.goarch,
		"CGO_ENABLED=1",
		"GOCACHE="+filepath.Join(os.TempDir(), "doorstop-go-build-cache"),
	)

	var compilers [][]string
	if _, err := exec.LookPath("zig"); err == nil {
		compilers = append(compilers, []string{"CC=zig cc -target " + target.zig, "CXX=zig c++ -target " + target.zig})
	}
	compilers = append(compilers, nil)

	var failures []string
	for _, cc := range compilers {
		cmd := exec.Command("go", args...)
		cmd.Env = buildEnv(append(slices.Clone(env), cc...)...)
		out, err := cmd.CombinedOutput()
		if err == nil {
			checkExportHeader(t, output)
			return output
		}
		failures = append(failures, fmt.Sprintf("%v %v\n%s", cc, err, out))
	}
	t.Fatalf("build %s for %s/%s:\n%s", libdoorstopPackage, target.goos, target.goarch, strings.Join(failures, "\n"))
	return ""
}

// checkExportHeader reads the header cgo writes next to the library and
// removes it together with the other build sidecars.
func checkExportHeader(t *testing.T, output string) {
	t.Helper()

	base := strings.TrimSuffix(output, filepath.Ext(output))
	t.Cleanup(func() {
		for _, ext := range []string{".h", ".lib", ".exp", ".pdb"} {
			_ = os.Remove(base + ext)
		}
	})

	header, err := os.ReadFile(base + ".h")
	if err != nil {
		t.Fatalf("read cgo header of %s: %v", output, err)
	}
	for _, name := range libdoorstopExports {
		if !strings.Contains(string(header), name+"(") {
			t.Fatalf("cgo header of %s does not declare %s", output, name)
		}
	}
}

// buildEnv is the test environment with overrides applied last. DOORSTOP_*
// variables are dropped so the build never sees the settings of the test
// that runs the library.
func buildEnv(overrides ...string) []string {
	keys := make(map[string]bool, len(overrides))
	for _, kv := range overrides {
		if key, _, ok := strings.Cut(kv, "="); ok {
			keys[key] = true
		}
	}
	env := slices.DeleteFunc(os.Environ(), func(kv string) bool {
		key, _, _ := strings.Cut(kv, "=")
		return keys[key] || strings.HasPrefix(key, "DOORSTOP_")
	})
	return append(env, overrides...)
}
