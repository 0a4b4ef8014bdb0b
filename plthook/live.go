package plthook

import (
	"fmt"
	"unsafe"
)

// Live returns an Image over a module mapped into the current process at
// base. Writes go through the platform page protector.
func Live(base, size uintptr) (*Image, error) {
	if base == 0 || size == 0 {
		return nil, fmt.Errorf("%w: empty live mapping", ErrFormat)
	}
	img := &Image{
		Base:      base,
		Data:      unsafe.Slice((*byte)(unsafe.Pointer(base)), size),
		Protector: pageProtector{},
	}

	var err error
	switch img.Format() {
	case FormatELF:
		img.VAddr, err = elfLinkBase(img)
	case FormatMachO:
		img.VAddr, err = machoLinkBase(img)
	case FormatPE:
		// PE tables are addressed by RVA.
	default:
		return nil, ErrFormat
	}
	if err != nil {
		return nil, err
	}
	return img, nil
}

func pageSpan(addr, size, pageSize uintptr) (start, length uintptr) {
	start = addr &^ (pageSize - 1)
	end := (addr + size + pageSize - 1) &^ (pageSize - 1)
	return start, end - start
}
