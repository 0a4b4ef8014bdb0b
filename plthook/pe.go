package plthook

import (
	"encoding/binary"
	"fmt"
)

const (
	peSignature      = 0x00004550 // "PE\0\0"
	peMagic32        = 0x10b
	peMagic64        = 0x20b
	peImportDirIndex = 1
	peDescriptorSize = 20
	peMaxDescriptors = 1 << 12
	peMaxThunks      = 1 << 16
)

func parsePE(img *Image) (*table, error) {
	le := binary.LittleEndian

	lfanew, err := img.u32(le, 0x3c)
	if err != nil {
		return nil, fmt.Errorf("pe: dos header: %w", err)
	}
	nt := uint64(lfanew)
	sig, err := img.u32(le, nt)
	if err != nil {
		return nil, fmt.Errorf("pe: nt headers: %w", err)
	}
	if sig != peSignature {
		return nil, fmt.Errorf("%w: bad PE signature %#x", ErrFormat, sig)
	}

	optional := nt + 4 + 20
	magic, err := img.u16(le, optional)
	if err != nil {
		return nil, fmt.Errorf("pe: optional header: %w", err)
	}

	var (
		ptrSize int
		dirBase uint64
	)
	switch magic {
	case peMagic32:
		ptrSize, dirBase = 4, optional+96
	case peMagic64:
		ptrSize, dirBase = 8, optional+112
	default:
		return nil, fmt.Errorf("%w: bad optional header magic %#x", ErrFormat, magic)
	}

	tbl := &table{format: FormatPE, order: le, ptrSize: ptrSize}

	importRVA, err := img.u32(le, dirBase+peImportDirIndex*8)
	if err != nil {
		return nil, fmt.Errorf("pe: import directory: %w", err)
	}
	if importRVA == 0 {
		return tbl, nil
	}

	ordinalFlag := uint64(1) << 63
	if ptrSize == 4 {
		ordinalFlag = 1 << 31
	}

	for i := uint64(0); i < peMaxDescriptors; i++ {
		desc, err := img.bytesAt(uint64(importRVA)+i*peDescriptorSize, peDescriptorSize)
		if err != nil {
			return nil, fmt.Errorf("pe: import descriptor %d: %w", i, err)
		}
		originalFirstThunk := le.Uint32(desc[0:])
		nameRVA := le.Uint32(desc[12:])
		firstThunk := le.Uint32(desc[16:])
		if originalFirstThunk == 0 && nameRVA == 0 && firstThunk == 0 {
			break
		}

		library, err := img.cString(uint64(nameRVA))
		if err != nil {
			return nil, fmt.Errorf("pe: import descriptor %d name: %w", i, err)
		}

		for j := uint64(0); j < peMaxThunks; j++ {
			slot := uint64(firstThunk) + j*uint64(ptrSize)
			bound, err := img.word(le, slot, ptrSize)
			if err != nil {
				return nil, fmt.Errorf("pe: %s thunk %d: %w", library, j, err)
			}
			if bound == 0 {
				break
			}

			b := Binding{Library: library, Slot: slot, Value: bound}
			if originalFirstThunk != 0 {
				lookup, err := img.word(le, uint64(originalFirstThunk)+j*uint64(ptrSize), ptrSize)
				if err != nil {
					return nil, fmt.Errorf("pe: %s name thunk %d: %w", library, j, err)
				}
				switch {
				case lookup&ordinalFlag != 0:
					b.Ordinal = uint32(lookup & 0xffff)
				case lookup != 0:
					// IMAGE_IMPORT_BY_NAME: u16 hint followed by the name
					name, err := img.cString(uint64(uint32(lookup)) + 2)
					if err != nil {
						return nil, fmt.Errorf("pe: %s import name %d: %w", library, j, err)
					}
					b.Symbol = name
				}
			}
			tbl.bindings = append(tbl.bindings, b)
		}
	}
	return tbl, nil
}
