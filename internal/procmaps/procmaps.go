// Package procmaps parses /proc/self/maps.
package procmaps

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

var ErrNoMapping = errors.New("no mapping contains address")

type Entry struct {
	Start  uintptr
	End    uintptr
	Offset uintptr
	Perms  string
	Path   string
}

func (e Entry) Readable() bool   { return strings.Contains(e.Perms, "r") }
func (e Entry) Writable() bool   { return strings.Contains(e.Perms, "w") }
func (e Entry) Executable() bool { return strings.Contains(e.Perms, "x") }

// Read returns every mapping of the current process.
func Read() ([]Entry, error) {
	raw, err := os.ReadFile("/proc/self/maps")
	if err != nil {
		return nil, fmt.Errorf("read /proc/self/maps: %w", err)
	}
	return Parse(string(raw)), nil
}

// Parse parses the contents of a maps file. Malformed lines are skipped.
func Parse(raw string) []Entry {
	lines := strings.Split(raw, "\n")
	entries := make([]Entry, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 5 {
			continue
		}

		rangeParts := strings.SplitN(fields[0], "-", 2)
		if len(rangeParts) != 2 {
			continue
		}
		start, startErr := ParseHex(rangeParts[0])
		end, endErr := ParseHex(rangeParts[1])
		offset, offsetErr := ParseHex(fields[2])
		if startErr != nil || endErr != nil || offsetErr != nil || end < start {
			continue
		}

		path := ""
		if len(fields) >= 6 {
			path = strings.Join(fields[5:], " ")
			path = strings.TrimSuffix(path, " (deleted)")
		}

		entries = append(entries, Entry{
			Start:  start,
			End:    end,
			Offset: offset,
			Perms:  fields[1],
			Path:   path,
		})
	}
	return entries
}

// Containing returns the mapping that holds addr.
func Containing(entries []Entry, addr uintptr) (Entry, error) {
	for _, e := range entries {
		if addr >= e.Start && addr < e.End {
			return e, nil
		}
	}
	return Entry{}, fmt.Errorf("%w %#x", ErrNoMapping, addr)
}

func ParseHex(s string) (uintptr, error) {
	if s == "" {
		return 0, errors.New("empty hex string")
	}
	var out uintptr
	for _, r := range s {
		out <<= 4
		switch {
		case r >= '0' && r <= '9':
			out += uintptr(r - '0')
		case r >= 'a' && r <= 'f':
			out += uintptr(r-'a') + 10
		case r >= 'A' && r <= 'F':
			out += uintptr(r-'A') + 10
		default:
			return 0, fmt.Errorf("invalid hex string %q", s)
		}
	}
	return out, nil
}
