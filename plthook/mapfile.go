package plthook

import (
	"bytes"
	"debug/elf"
	"errors"
	"fmt"
	"os"

	"github.com/Binject/debug/pe"
	"github.com/blacktop/go-macho"
)

// maxMappedSize bounds the layout built for on-disk images.
const maxMappedSize = 1 << 31

// MapFile reads a binary from disk and lays it out the way the loader would
// map it so the binding table parsers can inspect it. The result is backed by
// Go memory and has no Protector.
func MapFile(path string) (*Image, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return MapBytes(raw)
}

// MapBytes is MapFile for an image already in memory.
func MapBytes(raw []byte) (*Image, error) {
	switch DetectFormat(raw) {
	case FormatPE:
		return mapPE(raw)
	case FormatELF:
		return mapELF(raw)
	case FormatMachO:
		return mapMachO(raw)
	default:
		return nil, ErrFormat
	}
}

func mapPE(raw []byte) (*Image, error) {
	f, err := pe.NewFile(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse pe: %w", err)
	}
	defer f.Close()

	var (
		imageBase     uint64
		sizeOfImage   uint32
		sizeOfHeaders uint32
	)
	switch oh := f.OptionalHeader.(type) {
	case *pe.OptionalHeader32:
		imageBase, sizeOfImage, sizeOfHeaders = uint64(oh.ImageBase), oh.SizeOfImage, oh.SizeOfHeaders
	case *pe.OptionalHeader64:
		imageBase, sizeOfImage, sizeOfHeaders = oh.ImageBase, oh.SizeOfImage, oh.SizeOfHeaders
	default:
		return nil, fmt.Errorf("%w: pe without optional header", ErrFormat)
	}
	if sizeOfImage == 0 || sizeOfImage > maxMappedSize {
		return nil, fmt.Errorf("%w: pe SizeOfImage %#x", ErrFormat, sizeOfImage)
	}

	data := make([]byte, sizeOfImage)
	copy(data, raw[:min(uint64(sizeOfHeaders), uint64(len(raw)))])
	for _, section := range f.Sections {
		if section.Size == 0 {
			continue
		}
		d, err := section.Data()
		if err != nil {
			return nil, fmt.Errorf("read pe section %s: %w", section.Name, err)
		}
		if section.VirtualSize != 0 && uint32(len(d)) > section.VirtualSize {
			d = d[:section.VirtualSize]
		}
		if uint64(section.VirtualAddress) >= uint64(len(data)) {
			return nil, fmt.Errorf("%w: pe section %s outside image", ErrFormat, section.Name)
		}
		copy(data[section.VirtualAddress:], d)
	}
	return &Image{VAddr: imageBase, Data: data, Pristine: raw}, nil
}

func mapELF(raw []byte) (*Image, error) {
	f, err := elf.NewFile(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse elf: %w", err)
	}
	defer f.Close()

	var (
		low, high uint64
		found     bool
	)
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		start := prog.Vaddr &^ 0xfff
		end := prog.Vaddr + prog.Memsz
		if !found || start < low {
			low = start
		}
		if !found || end > high {
			high = end
		}
		found = true
	}
	if !found {
		return nil, fmt.Errorf("%w: elf without PT_LOAD segments", ErrFormat)
	}
	if high-low > maxMappedSize {
		return nil, fmt.Errorf("%w: elf mapping of %#x bytes", ErrFormat, high-low)
	}

	data := make([]byte, high-low)
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD || prog.Filesz == 0 {
			continue
		}
		if prog.Off+prog.Filesz > uint64(len(raw)) {
			return nil, fmt.Errorf("%w: elf segment at file offset %#x", ErrTruncated, prog.Off)
		}
		copy(data[prog.Vaddr-low:], raw[prog.Off:prog.Off+prog.Filesz])
	}
	// The headers normally live in the first segment; keep them reachable
	// when the linker placed them elsewhere.
	if len(data) >= 4 && !bytes.Equal(data[:4], raw[:4]) {
		copy(data, raw[:min(uint64(len(raw)), uint64(len(data)), 4096)])
	}
	return &Image{VAddr: low, Data: data, Pristine: raw}, nil
}

func mapMachO(raw []byte) (*Image, error) {
	f, err := macho.NewFile(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse mach-o: %w", err)
	}
	defer f.Close()

	var (
		low, high uint64
		found     bool
	)
	for _, seg := range f.Segments() {
		if seg.Filesz == 0 && seg.Addr == 0 {
			// __PAGEZERO
			continue
		}
		if !found || seg.Addr < low {
			low = seg.Addr
		}
		if !found || seg.Addr+seg.Memsz > high {
			high = seg.Addr + seg.Memsz
		}
		found = true
	}
	if !found {
		return nil, errors.New("mach-o without mapped segments")
	}
	if high-low > maxMappedSize {
		return nil, fmt.Errorf("%w: mach-o mapping of %#x bytes", ErrFormat, high-low)
	}

	data := make([]byte, high-low)
	for _, seg := range f.Segments() {
		if seg.Filesz == 0 || seg.Addr < low {
			continue
		}
		if seg.Offset+seg.Filesz > uint64(len(raw)) {
			return nil, fmt.Errorf("%w: mach-o segment %s", ErrTruncated, seg.Name)
		}
		copy(data[seg.Addr-low:], raw[seg.Offset:seg.Offset+seg.Filesz])
	}
	return &Image{VAddr: low, Data: data, Pristine: raw}, nil
}
