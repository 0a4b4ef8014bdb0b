package doorstop_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sliverarmory/doorstop/config"
)

// writeAttachConfig points the next attach at a config whose target assembly
// is missing, so the library logs that it is disabled and stays passive.
func writeAttachConfig(t *testing.T) (logPath string) {
	t.Helper()

	dir := t.TempDir()
	logPath = filepath.Join(dir, "doorstop.log")
	cfgPath := filepath.Join(dir, config.DefaultFileName)
	body := "target_assembly: " + filepath.ToSlash(filepath.Join(dir, "Payload.dll")) + "\n" +
		"log:\n  level: debug\n  file: " + filepath.ToSlash(logPath) + "\n"
	if err := os.WriteFile(cfgPath, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", cfgPath, err)
	}
	t.Setenv(config.EnvConfigFile, cfgPath)
	return logPath
}

// waitForLog polls the attach log until it mentions want.
func waitForLog(t *testing.T, logPath, want string) {
	t.Helper()

	deadline := time.Now().Add(10 * time.Second)
	for {
		got, err := os.ReadFile(logPath)
		if err == nil && strings.Contains(string(got), want) {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("log %s never mentioned %q (read error %v):\n%s", logPath, want, err, got)
		}
		time.Sleep(50 * time.Millisecond)
	}
}
