package loader

import (
	"errors"
	"strings"
	"unsafe"
)

// CString returns s as a NUL-terminated byte slice. Keep the slice alive for
// as long as native code may read it.
func CString(s string) ([]byte, error) {
	if strings.ContainsRune(s, '\x00') {
		return nil, errors.New("string contains NUL")
	}
	b := make([]byte, len(s)+1)
	copy(b, s)
	return b, nil
}

// BytePtr returns the address of the first byte of b, or 0.
func BytePtr(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}

// GoString copies a NUL-terminated native string.
func GoString(ptr uintptr) string {
	if ptr == 0 {
		return ""
	}
	const maxLen = 1 << 20
	buf := make([]byte, 0, 64)
	for i := 0; i < maxLen; i++ {
		ch := *(*byte)(unsafe.Pointer(ptr + uintptr(i)))
		if ch == 0 {
			return string(buf)
		}
		buf = append(buf, ch)
	}
	return string(buf)
}

// GoStrings copies a native array of n C strings, such as argv.
func GoStrings(argv uintptr, n int) []string {
	if argv == 0 || n <= 0 {
		return nil
	}
	ptrs := unsafe.Slice((*uintptr)(unsafe.Pointer(argv)), n)
	out := make([]string, n)
	for i, p := range ptrs {
		out[i] = GoString(p)
	}
	return out
}
