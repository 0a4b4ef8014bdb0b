// Package paths holds the small path helpers shared by the loader glue and
// the bootstrap sequence.
package paths

import (
	"os"
	"path/filepath"
	"strings"
)

// Folder returns the directory containing path.
func Folder(path string) string {
	return filepath.Dir(path)
}

// FileName returns the last element of path, optionally without its
// extension.
func FileName(path string, withExt bool) string {
	name := filepath.Base(path)
	if withExt {
		return name
	}
	return strings.TrimSuffix(name, filepath.Ext(name))
}

// Absolute returns the absolute form of path, or path itself when the
// working directory cannot be determined.
func Absolute(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return abs
}

func FileExists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func DirExists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// ProgramPath returns the host executable path, or "" if it is unknown.
func ProgramPath() string {
	exe, err := os.Executable()
	if err != nil {
		return ""
	}
	return exe
}

// BootConfigPath returns the boot.config a Unity player opens for exe:
// <dir>/<name>_Data/boot.config.
func BootConfigPath(exe string) string {
	return filepath.Join(Folder(exe), FileName(exe, false)+"_Data", "boot.config")
}

// SplitList splits a search path list, dropping empty entries.
func SplitList(list string) []string {
	var out []string
	for _, p := range filepath.SplitList(list) {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Same reports whether a and b name the same file after cleaning. Windows
// paths compare case-insensitively.
func Same(a, b string) bool {
	a, b = filepath.Clean(a), filepath.Clean(b)
	if filepath.Separator == '\\' {
		return strings.EqualFold(a, b)
	}
	return a == b
}
