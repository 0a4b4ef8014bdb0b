package plthook

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	ErrNotFound  = errors.New("plthook: symbol not found in binding table")
	ErrFormat    = errors.New("plthook: unsupported image format")
	ErrTruncated = errors.New("plthook: image truncated")
)

// Format identifies the binary format of a mapped image.
type Format int

const (
	FormatUnknown Format = iota
	FormatPE
	FormatELF
	FormatMachO
)

func (f Format) String() string {
	switch f {
	case FormatPE:
		return "PE"
	case FormatELF:
		return "ELF"
	case FormatMachO:
		return "Mach-O"
	default:
		return "unknown"
	}
}

// Protector makes a range of process memory writable and returns a function
// that restores the previous protection.
type Protector interface {
	MakeWritable(addr, size uintptr) (restore func() error, err error)
}

// Image is a bounds-checked view of a module laid out the way the loader maps
// it. Data[0] lives at runtime address Base and corresponds to the link-time
// address VAddr.
type Image struct {
	Base  uintptr
	VAddr uint64
	Data  []byte

	// Pristine holds the on-disk bytes of the module when available. Mach-O
	// chained fixups are read from here because the loader overwrites the
	// chains in memory when it binds them.
	Pristine []byte

	// Protector is nil for images backed by ordinary Go memory.
	Protector Protector
}

// DetectFormat reports the binary format from the image magic.
func DetectFormat(data []byte) Format {
	switch {
	case len(data) >= 2 && data[0] == 'M' && data[1] == 'Z':
		return FormatPE
	case len(data) >= 4 && bytes.Equal(data[:4], []byte{0x7f, 'E', 'L', 'F'}):
		return FormatELF
	case len(data) >= 4:
		switch binary.LittleEndian.Uint32(data) {
		case machoMagic32, machoMagic64:
			return FormatMachO
		}
		switch binary.BigEndian.Uint32(data) {
		case machoMagic32, machoMagic64:
			return FormatMachO
		}
	}
	return FormatUnknown
}

// Format reports the binary format of the image.
func (img *Image) Format() Format {
	return DetectFormat(img.Data)
}

func (img *Image) bytesAt(off, n uint64) ([]byte, error) {
	size := uint64(len(img.Data))
	if off > size || n > size-off {
		return nil, fmt.Errorf("%w: read %d bytes at %#x (image size %#x)", ErrTruncated, n, off, size)
	}
	return img.Data[off : off+n], nil
}

func (img *Image) u16(order binary.ByteOrder, off uint64) (uint16, error) {
	b, err := img.bytesAt(off, 2)
	if err != nil {
		return 0, err
	}
	return order.Uint16(b), nil
}

func (img *Image) u32(order binary.ByteOrder, off uint64) (uint32, error) {
	b, err := img.bytesAt(off, 4)
	if err != nil {
		return 0, err
	}
	return order.Uint32(b), nil
}

func (img *Image) u64(order binary.ByteOrder, off uint64) (uint64, error) {
	b, err := img.bytesAt(off, 8)
	if err != nil {
		return 0, err
	}
	return order.Uint64(b), nil
}

func (img *Image) word(order binary.ByteOrder, off uint64, ptrSize int) (uint64, error) {
	if ptrSize == 4 {
		v, err := img.u32(order, off)
		return uint64(v), err
	}
	return img.u64(order, off)
}

func (img *Image) cString(off uint64) (string, error) {
	if off >= uint64(len(img.Data)) {
		return "", fmt.Errorf("%w: string at %#x", ErrTruncated, off)
	}
	rest := img.Data[off:]
	end := bytes.IndexByte(rest, 0)
	if end < 0 {
		return "", fmt.Errorf("%w: unterminated string at %#x", ErrTruncated, off)
	}
	return string(rest[:end]), nil
}

// offsetOf translates a pointer found inside the image into an offset in
// Data. The loader relocates some pointers (for example glibc rewrites the
// dynamic section) so both runtime and link-time addresses are accepted.
func (img *Image) offsetOf(ptr uint64) (uint64, error) {
	size := uint64(len(img.Data))
	base := uint64(img.Base)
	if img.Base != 0 && ptr >= base && ptr-base < size {
		return ptr - base, nil
	}
	if ptr >= img.VAddr && ptr-img.VAddr < size {
		return ptr - img.VAddr, nil
	}
	return 0, fmt.Errorf("%w: address %#x outside image", ErrTruncated, ptr)
}

// vaddrOffset translates a link-time address into an offset in Data.
func (img *Image) vaddrOffset(vaddr uint64) (uint64, error) {
	if vaddr >= img.VAddr && vaddr-img.VAddr < uint64(len(img.Data)) {
		return vaddr - img.VAddr, nil
	}
	return 0, fmt.Errorf("%w: address %#x outside image", ErrTruncated, vaddr)
}

// writeSlot stores value into the pointer-sized slot at off. Protection is
// lifted only around the write and always restored.
func (img *Image) writeSlot(order binary.ByteOrder, off uint64, ptrSize int, value uint64) (err error) {
	slot, err := img.bytesAt(off, uint64(ptrSize))
	if err != nil {
		return err
	}
	if img.Protector != nil {
		restore, perr := img.Protector.MakeWritable(img.Base+uintptr(off), uintptr(ptrSize))
		if perr != nil {
			return fmt.Errorf("make slot %#x writable: %w", img.Base+uintptr(off), perr)
		}
		defer func() {
			if rerr := restore(); rerr != nil && err == nil {
				err = fmt.Errorf("restore protection of slot %#x: %w", img.Base+uintptr(off), rerr)
			}
		}()
	}
	if ptrSize == 4 {
		order.PutUint32(slot, uint32(value))
	} else {
		order.PutUint64(slot, value)
	}
	return nil
}
