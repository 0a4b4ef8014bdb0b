package plthook

import (
	"encoding/binary"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
)

// Binding is one entry of a module's import/binding table.
type Binding struct {
	// Library is the importing library name when the format records one.
	Library string
	Symbol  string
	Ordinal uint32
	// Slot is the offset of the bound pointer in Image.Data.
	Slot  uint64
	Value uint64
}

type table struct {
	format   Format
	order    binary.ByteOrder
	ptrSize  int
	bindings []Binding
}

// Hook patches entries of a single image's binding table. The table is
// parsed on first use and cached.
type Hook struct {
	img *Image

	once  sync.Once
	table *table
	err   error
}

// Open prepares img for hooking. Parsing is deferred until the table is
// needed.
func Open(img *Image) (*Hook, error) {
	if img == nil || len(img.Data) == 0 {
		return nil, fmt.Errorf("%w: empty image", ErrFormat)
	}
	if img.Format() == FormatUnknown {
		return nil, ErrFormat
	}
	return &Hook{img: img}, nil
}

func (hook *Hook) load() (*table, error) {
	hook.once.Do(func() {
		switch hook.img.Format() {
		case FormatPE:
			hook.table, hook.err = parsePE(hook.img)
		case FormatELF:
			hook.table, hook.err = parseELF(hook.img)
		case FormatMachO:
			hook.table, hook.err = parseMachO(hook.img)
		default:
			hook.err = ErrFormat
		}
	})
	return hook.table, hook.err
}

// Format reports the image format.
func (hook *Hook) Format() Format {
	return hook.img.Format()
}

// Bindings returns a snapshot of the binding table with current slot values.
func (hook *Hook) Bindings() ([]Binding, error) {
	tbl, err := hook.load()
	if err != nil {
		return nil, err
	}
	out := make([]Binding, len(tbl.bindings))
	for i, b := range tbl.bindings {
		if v, err := hook.img.word(tbl.order, b.Slot, tbl.ptrSize); err == nil {
			b.Value = v
		}
		out[i] = b
	}
	return out, nil
}

// Find returns the entry Replace would patch for the same arguments.
func (hook *Hook) Find(library, symbol string, original uintptr) (Binding, error) {
	tbl, err := hook.load()
	if err != nil {
		return Binding{}, err
	}
	for _, b := range tbl.bindings {
		if library != "" && b.Library != "" && !LibraryMatches(b.Library, library) {
			continue
		}
		if original != 0 {
			v, err := hook.img.word(tbl.order, b.Slot, tbl.ptrSize)
			if err != nil || v != uint64(original) {
				continue
			}
		} else if b.Symbol != symbol {
			continue
		}
		if v, err := hook.img.word(tbl.order, b.Slot, tbl.ptrSize); err == nil {
			b.Value = v
		}
		return b, nil
	}
	if original != 0 {
		return Binding{}, fmt.Errorf("%w: %s (%#x)", ErrNotFound, symbol, original)
	}
	return Binding{}, fmt.Errorf("%w: %s", ErrNotFound, symbol)
}

// Replace overwrites the first matching binding with replacement and returns
// the pointer it held. A non-zero original selects the entry by its current
// value instead of by symbol name. library, when set, restricts the search to
// entries imported from that library.
func (hook *Hook) Replace(library, symbol string, original, replacement uintptr) (uintptr, error) {
	if replacement == 0 {
		return 0, fmt.Errorf("replace %s: replacement is nil", symbol)
	}
	b, err := hook.Find(library, symbol, original)
	if err != nil {
		return 0, err
	}
	tbl, _ := hook.load()
	if err := hook.img.writeSlot(tbl.order, b.Slot, tbl.ptrSize, uint64(replacement)); err != nil {
		return 0, fmt.Errorf("replace %s: %w", symbol, err)
	}
	return uintptr(b.Value), nil
}

// Replace is a convenience wrapper around Open and Hook.Replace.
func Replace(img *Image, library, symbol string, original, replacement uintptr) (uintptr, error) {
	hook, err := Open(img)
	if err != nil {
		return 0, err
	}
	return hook.Replace(library, symbol, original, replacement)
}

// LibraryMatches reports whether an imported library name matches a hint,
// ignoring case, directories and the platform extension.
func LibraryMatches(have, want string) bool {
	have = strings.ToLower(filepath.Base(strings.ReplaceAll(have, `\`, "/")))
	want = strings.ToLower(want)
	if have == want {
		return true
	}
	trim := func(s string) string {
		for _, ext := range []string{".dll", ".so", ".dylib"} {
			s = strings.TrimSuffix(s, ext)
		}
		return s
	}
	return trim(have) == trim(want)
}
