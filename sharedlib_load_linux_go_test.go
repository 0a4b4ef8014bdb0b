//go:build linux && cgo && (386 || amd64 || arm64)

package doorstop_test

import (
	"testing"

	"github.com/sliverarmory/doorstop/loader"
)

func TestAttachGeneratedLinuxSO(t *testing.T) {
	soPath := buildLibdoorstop(t, t.TempDir(), hostTarget(t))
	logPath := writeAttachConfig(t)

	// Intentionally do not unload the Go c-shared module in-test. Unmapping
	// it while runtime-managed state is still live can crash the process.
	if _, err := loader.Open(soPath); err != nil {
		t.Fatalf("Open(%s): %v", soPath, err)
	}

	waitForLog(t, logPath, "Doorstop disabled: could not find target assembly")
}
