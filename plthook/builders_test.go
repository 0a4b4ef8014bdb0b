package plthook

import (
	"encoding/binary"
	"testing"
)

var le = binary.LittleEndian

// region hands out consecutive chunks of a synthetic image.
type region struct {
	buf  []byte
	next uint32
}

func (r *region) alloc(n uint32) uint32 {
	off := (r.next + 7) &^ 7
	r.next = off + n
	return off
}

func (r *region) str(s string) uint32 {
	off := r.alloc(uint32(len(s) + 1))
	copy(r.buf[off:], s)
	return off
}

type peImport struct {
	dll     string
	symbols []string
	// ordinal imports are recorded when the symbol name is empty
	ordinals []uint16
	values   []uint64
}

// buildPE64 returns a PE32+ image already laid out by RVA.
func buildPE64(t *testing.T, imports []peImport) []byte {
	t.Helper()

	img := make([]byte, 0x2000)
	r := &region{buf: img, next: 0x300}
	img[0], img[1] = 'M', 'Z'
	le.PutUint32(img[0x3c:], 0x40)
	le.PutUint32(img[0x40:], peSignature)
	le.PutUint16(img[0x44:], 0x8664)
	le.PutUint16(img[0x44+16:], 240)
	optional := uint32(0x40 + 4 + 20)
	le.PutUint16(img[optional:], peMagic64)

	descs := r.alloc(uint32(len(imports)+1) * peDescriptorSize)
	for i, imp := range imports {
		n := uint32(len(imp.values))
		oft := r.alloc((n + 1) * 8)
		ft := r.alloc((n + 1) * 8)
		for j := uint32(0); j < n; j++ {
			if j < uint32(len(imp.symbols)) && imp.symbols[j] != "" {
				hint := r.alloc(uint32(2 + len(imp.symbols[j]) + 1))
				copy(img[hint+2:], imp.symbols[j])
				le.PutUint64(img[oft+j*8:], uint64(hint))
			} else {
				le.PutUint64(img[oft+j*8:], 1<<63|uint64(imp.ordinals[j]))
			}
			le.PutUint64(img[ft+j*8:], imp.values[j])
		}
		name := r.str(imp.dll)
		d := descs + uint32(i)*peDescriptorSize
		le.PutUint32(img[d:], oft)
		le.PutUint32(img[d+12:], name)
		le.PutUint32(img[d+16:], ft)
	}
	le.PutUint32(img[optional+112+8:], descs)
	le.PutUint32(img[optional+112+12:], uint32(len(imports)+1)*peDescriptorSize)
	if r.next > uint32(len(img)) {
		t.Fatalf("synthetic PE overflow: %#x", r.next)
	}
	return img
}

type elfImport struct {
	symbol string
	value  uint64
}

const (
	elfTestDynamic = 0x200
	elfTestStrtab  = 0x400
	elfTestSymtab  = 0x500
	elfTestRela    = 0x600
	elfTestGOT     = 0x800
	elfTestSize    = 0x1000
)

// buildELF64 returns an x86-64 shared object with one PT_LOAD covering the
// file and JUMP_SLOT relocations for imports. Dynamic pointers are stored
// relative to vaddr.
func buildELF64(t *testing.T, vaddr uint64, imports []elfImport) []byte {
	t.Helper()

	img := make([]byte, elfTestSize)
	copy(img, []byte{0x7f, 'E', 'L', 'F', 2, 1, 1})
	le.PutUint16(img[16:], 3)  // ET_DYN
	le.PutUint16(img[18:], 62) // EM_X86_64
	le.PutUint32(img[20:], 1)
	le.PutUint64(img[32:], 64)
	le.PutUint16(img[52:], 64)
	le.PutUint16(img[54:], 56)
	le.PutUint16(img[56:], 2)

	load := img[64:]
	le.PutUint32(load[0:], 1) // PT_LOAD
	le.PutUint32(load[4:], 6)
	le.PutUint64(load[8:], 0)
	le.PutUint64(load[16:], vaddr)
	le.PutUint64(load[24:], vaddr)
	le.PutUint64(load[32:], elfTestSize)
	le.PutUint64(load[40:], elfTestSize)
	le.PutUint64(load[48:], 0x1000)

	dynPh := img[64+56:]
	le.PutUint32(dynPh[0:], 2) // PT_DYNAMIC
	le.PutUint32(dynPh[4:], 6)
	le.PutUint64(dynPh[8:], elfTestDynamic)
	le.PutUint64(dynPh[16:], vaddr+elfTestDynamic)
	le.PutUint64(dynPh[24:], vaddr+elfTestDynamic)
	le.PutUint64(dynPh[32:], 0x100)
	le.PutUint64(dynPh[40:], 0x100)
	le.PutUint64(dynPh[48:], 8)

	strOff := uint32(1)
	for i, imp := range imports {
		copy(img[elfTestStrtab+strOff:], imp.symbol)
		sym := elfTestSymtab + uint32(i+1)*24
		le.PutUint32(img[sym:], strOff)
		img[sym+4] = 0x12 // STB_GLOBAL | STT_FUNC
		strOff += uint32(len(imp.symbol)) + 1

		rela := elfTestRela + uint32(i)*24
		le.PutUint64(img[rela:], vaddr+elfTestGOT+uint64(i)*8)
		le.PutUint64(img[rela+8:], uint64(i+1)<<32|7) // R_X86_64_JUMP_SLOT
		le.PutUint64(img[elfTestGOT+uint32(i)*8:], imp.value)
	}

	dyn := []uint64{
		5, vaddr + elfTestStrtab,
		10, uint64(strOff),
		6, vaddr + elfTestSymtab,
		11, 24,
		23, vaddr + elfTestRela,
		2, uint64(len(imports)) * 24,
		20, 7, // DT_PLTREL = DT_RELA
		0, 0,
	}
	for i, v := range dyn {
		le.PutUint64(img[elfTestDynamic+i*8:], v)
	}
	return img
}

type machoImport struct {
	symbol string
	value  uint64
}

const (
	machoTestSymtab   = 0x400
	machoTestStrtab   = 0x600
	machoTestIndirect = 0x700
	machoTestSlots    = 0x800
	machoTestFixups   = 0x900
	machoTestSize     = 0x1000
)

// buildMachO64 returns a single-segment 64-bit dylib image. Classic images
// bind through __la_symbol_ptr; chained ones carry DYLD_CHAINED_PTR_64 chains
// through the same slots.
func buildMachO64(t *testing.T, vmaddr uint64, dylib string, imports []machoImport, chained bool) []byte {
	t.Helper()

	img := make([]byte, machoTestSize)
	le.PutUint32(img[0:], machoMagic64)
	le.PutUint32(img[4:], 0x01000007)
	le.PutUint32(img[8:], 3)
	le.PutUint32(img[12:], 6) // MH_DYLIB

	off := uint32(32)
	ncmds := uint32(0)
	n := uint32(len(imports))

	// LC_SEGMENT_64 __TEXT with one section
	seg := img[off:]
	le.PutUint32(seg[0:], lcSegment64)
	le.PutUint32(seg[4:], 72+80)
	copy(seg[8:], "__TEXT")
	le.PutUint64(seg[24:], vmaddr)
	le.PutUint64(seg[32:], machoTestSize)
	le.PutUint64(seg[40:], 0)
	le.PutUint64(seg[48:], machoTestSize)
	le.PutUint32(seg[64:], 1)
	sect := seg[72:]
	if chained {
		copy(sect[0:], "__got")
		le.PutUint32(sect[64:], 0) // S_REGULAR: bound only through chains
	} else {
		copy(sect[0:], "__la_symbol_ptr")
		le.PutUint32(sect[64:], sLazySymbolPointers)
	}
	copy(sect[16:], "__TEXT")
	le.PutUint64(sect[32:], vmaddr+machoTestSlots)
	le.PutUint64(sect[40:], uint64(n)*8)
	le.PutUint32(sect[48:], machoTestSlots)
	off += 72 + 80
	ncmds++

	// LC_LOAD_DYLIB
	cmdSize := (24 + uint32(len(dylib)) + 1 + 7) &^ 7
	le.PutUint32(img[off:], lcLoadDylib)
	le.PutUint32(img[off+4:], cmdSize)
	le.PutUint32(img[off+8:], 24)
	copy(img[off+24:], dylib)
	off += cmdSize
	ncmds++

	if chained {
		le.PutUint32(img[off:], lcDyldChainedFixups)
		le.PutUint32(img[off+4:], 16)
		le.PutUint32(img[off+8:], machoTestFixups)
		le.PutUint32(img[off+12:], machoTestSize-machoTestFixups)
		off += 16
		ncmds++
		writeChainedFixups(img, imports)
	} else {
		le.PutUint32(img[off:], lcSymtab)
		le.PutUint32(img[off+4:], 24)
		le.PutUint32(img[off+8:], machoTestSymtab)
		le.PutUint32(img[off+12:], n)
		le.PutUint32(img[off+16:], machoTestStrtab)
		le.PutUint32(img[off+20:], 0x100)
		off += 24
		ncmds++

		le.PutUint32(img[off:], lcDysymtab)
		le.PutUint32(img[off+4:], 80)
		le.PutUint32(img[off+56:], machoTestIndirect)
		le.PutUint32(img[off+60:], n)
		off += 80
		ncmds++

		strx := uint32(1)
		for i, imp := range imports {
			nl := img[machoTestSymtab+uint32(i)*16:]
			le.PutUint32(nl[0:], strx)
			nl[4] = 0x01 // N_EXT | N_UNDF
			le.PutUint16(nl[6:], 1<<8)
			copy(img[machoTestStrtab+strx:], "_"+imp.symbol)
			strx += uint32(len(imp.symbol)) + 2
			le.PutUint32(img[machoTestIndirect+uint32(i)*4:], uint32(i))
			le.PutUint64(img[machoTestSlots+uint32(i)*8:], imp.value)
		}
	}

	le.PutUint32(img[16:], ncmds)
	le.PutUint32(img[20:], off-32)
	return img
}

func writeChainedFixups(img []byte, imports []machoImport) {
	fx := img[machoTestFixups:]
	n := uint32(len(imports))
	const (
		startsOff  = 32
		segInfoOff = 8
		importsOff = 64
	)
	symbolsOff := importsOff + 4*n

	le.PutUint32(fx[4:], startsOff)
	le.PutUint32(fx[8:], importsOff)
	le.PutUint32(fx[12:], symbolsOff)
	le.PutUint32(fx[16:], n)
	le.PutUint32(fx[20:], chainedImportFormatPlain)

	le.PutUint32(fx[startsOff:], 1)
	le.PutUint32(fx[startsOff+4:], segInfoOff)
	sis := fx[startsOff+segInfoOff:]
	le.PutUint32(sis[0:], 24)
	le.PutUint16(sis[4:], 0x1000)
	le.PutUint16(sis[6:], chainedPtr64)
	le.PutUint64(sis[8:], 0)
	le.PutUint16(sis[20:], 1)
	le.PutUint16(sis[22:], machoTestSlots)

	nameOff := uint32(0)
	for i, imp := range imports {
		le.PutUint32(fx[importsOff+uint32(i)*4:], 1|nameOff<<9)
		copy(fx[symbolsOff+nameOff:], "_"+imp.symbol)
		nameOff += uint32(len(imp.symbol)) + 2

		next := uint64(2) // 8 bytes in 4-byte strides
		if i == len(imports)-1 {
			next = 0
		}
		le.PutUint64(img[machoTestSlots+uint32(i)*8:], 1<<63|next<<51|uint64(i))
	}
}
