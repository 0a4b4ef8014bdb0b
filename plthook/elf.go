package plthook

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
)

const elfMaxRelocs = 1 << 20

type elfRelocKinds struct {
	jumpSlot uint32
	globDat  uint32
	abs      uint32
}

func elfKindsFor(machine elf.Machine) (elfRelocKinds, bool) {
	switch machine {
	case elf.EM_X86_64:
		return elfRelocKinds{uint32(elf.R_X86_64_JMP_SLOT), uint32(elf.R_X86_64_GLOB_DAT), uint32(elf.R_X86_64_64)}, true
	case elf.EM_386:
		return elfRelocKinds{uint32(elf.R_386_JMP_SLOT), uint32(elf.R_386_GLOB_DAT), uint32(elf.R_386_32)}, true
	case elf.EM_AARCH64:
		return elfRelocKinds{uint32(elf.R_AARCH64_JUMP_SLOT), uint32(elf.R_AARCH64_GLOB_DAT), uint32(elf.R_AARCH64_ABS64)}, true
	case elf.EM_ARM:
		return elfRelocKinds{uint32(elf.R_ARM_JUMP_SLOT), uint32(elf.R_ARM_GLOB_DAT), uint32(elf.R_ARM_ABS32)}, true
	default:
		return elfRelocKinds{}, false
	}
}

type elfDynamic struct {
	strtab, strsz  uint64
	symtab, syment uint64

	jmprel, pltrelsz, pltrel uint64
	rela, relasz, relaent    uint64
	rel, relsz, relent       uint64
}

type elfParser struct {
	img     *Image
	order   binary.ByteOrder
	is64    bool
	ptrSize int
	kinds   elfRelocKinds
	dyn     elfDynamic
}

func parseELF(img *Image) (*table, error) {
	ident, err := img.bytesAt(0, elf.EI_NIDENT)
	if err != nil {
		return nil, fmt.Errorf("elf: ident: %w", err)
	}

	p := &elfParser{img: img}
	switch elf.Class(ident[elf.EI_CLASS]) {
	case elf.ELFCLASS32:
		p.ptrSize = 4
	case elf.ELFCLASS64:
		p.is64, p.ptrSize = true, 8
	default:
		return nil, fmt.Errorf("%w: elf class %d", ErrFormat, ident[elf.EI_CLASS])
	}
	switch elf.Data(ident[elf.EI_DATA]) {
	case elf.ELFDATA2LSB:
		p.order = binary.LittleEndian
	case elf.ELFDATA2MSB:
		p.order = binary.BigEndian
	default:
		return nil, fmt.Errorf("%w: elf data encoding %d", ErrFormat, ident[elf.EI_DATA])
	}

	machine, err := img.u16(p.order, 18)
	if err != nil {
		return nil, fmt.Errorf("elf: header: %w", err)
	}
	kinds, ok := elfKindsFor(elf.Machine(machine))
	if !ok {
		return nil, fmt.Errorf("%w: elf machine %s", ErrFormat, elf.Machine(machine))
	}
	p.kinds = kinds

	dynOff, err := p.findDynamic()
	if err != nil {
		return nil, err
	}
	if err := p.readDynamic(dynOff); err != nil {
		return nil, err
	}

	tbl := &table{format: FormatELF, order: p.order, ptrSize: p.ptrSize}
	if p.dyn.jmprel != 0 && p.dyn.pltrelsz != 0 {
		withAddend := elf.DynTag(p.dyn.pltrel) == elf.DT_RELA
		entSize := p.relEntSize(withAddend)
		if err := p.collect(tbl, p.dyn.jmprel, p.dyn.pltrelsz, entSize, withAddend); err != nil {
			return nil, fmt.Errorf("elf: plt relocations: %w", err)
		}
	}
	if p.dyn.rela != 0 && p.dyn.relasz != 0 {
		entSize := p.dyn.relaent
		if entSize == 0 {
			entSize = p.relEntSize(true)
		}
		if err := p.collect(tbl, p.dyn.rela, p.dyn.relasz, entSize, true); err != nil {
			return nil, fmt.Errorf("elf: rela relocations: %w", err)
		}
	}
	if p.dyn.rel != 0 && p.dyn.relsz != 0 {
		entSize := p.dyn.relent
		if entSize == 0 {
			entSize = p.relEntSize(false)
		}
		if err := p.collect(tbl, p.dyn.rel, p.dyn.relsz, entSize, false); err != nil {
			return nil, fmt.Errorf("elf: rel relocations: %w", err)
		}
	}
	return tbl, nil
}

func (p *elfParser) relEntSize(withAddend bool) uint64 {
	switch {
	case p.is64 && withAddend:
		return 24
	case p.is64:
		return 16
	case withAddend:
		return 12
	default:
		return 8
	}
}

func (p *elfParser) findDynamic() (uint64, error) {
	var (
		phoff     uint64
		phentsize uint16
		phnum     uint16
		err       error
	)
	if p.is64 {
		if phoff, err = p.img.u64(p.order, 32); err != nil {
			return 0, fmt.Errorf("elf: header: %w", err)
		}
		if phentsize, err = p.img.u16(p.order, 54); err != nil {
			return 0, fmt.Errorf("elf: header: %w", err)
		}
		if phnum, err = p.img.u16(p.order, 56); err != nil {
			return 0, fmt.Errorf("elf: header: %w", err)
		}
	} else {
		off32, err := p.img.u32(p.order, 28)
		if err != nil {
			return 0, fmt.Errorf("elf: header: %w", err)
		}
		phoff = uint64(off32)
		if phentsize, err = p.img.u16(p.order, 42); err != nil {
			return 0, fmt.Errorf("elf: header: %w", err)
		}
		if phnum, err = p.img.u16(p.order, 44); err != nil {
			return 0, fmt.Errorf("elf: header: %w", err)
		}
	}

	for i := uint64(0); i < uint64(phnum); i++ {
		ph := phoff + i*uint64(phentsize)
		typ, err := p.img.u32(p.order, ph)
		if err != nil {
			return 0, fmt.Errorf("elf: program header %d: %w", i, err)
		}
		if elf.ProgType(typ) != elf.PT_DYNAMIC {
			continue
		}
		var vaddr uint64
		if p.is64 {
			vaddr, err = p.img.u64(p.order, ph+16)
		} else {
			var v uint32
			v, err = p.img.u32(p.order, ph+8)
			vaddr = uint64(v)
		}
		if err != nil {
			return 0, fmt.Errorf("elf: program header %d: %w", i, err)
		}
		return p.img.vaddrOffset(vaddr)
	}
	return 0, fmt.Errorf("%w: no PT_DYNAMIC segment", ErrFormat)
}

func (p *elfParser) readDynamic(off uint64) error {
	entSize := uint64(2 * p.ptrSize)
	for i := uint64(0); ; i++ {
		tag, err := p.img.word(p.order, off+i*entSize, p.ptrSize)
		if err != nil {
			return fmt.Errorf("elf: dynamic entry %d: %w", i, err)
		}
		if elf.DynTag(tag) == elf.DT_NULL {
			return nil
		}
		val, err := p.img.word(p.order, off+i*entSize+uint64(p.ptrSize), p.ptrSize)
		if err != nil {
			return fmt.Errorf("elf: dynamic entry %d: %w", i, err)
		}
		switch elf.DynTag(tag) {
		case elf.DT_STRTAB:
			p.dyn.strtab = val
		case elf.DT_STRSZ:
			p.dyn.strsz = val
		case elf.DT_SYMTAB:
			p.dyn.symtab = val
		case elf.DT_SYMENT:
			p.dyn.syment = val
		case elf.DT_JMPREL:
			p.dyn.jmprel = val
		case elf.DT_PLTRELSZ:
			p.dyn.pltrelsz = val
		case elf.DT_PLTREL:
			p.dyn.pltrel = val
		case elf.DT_RELA:
			p.dyn.rela = val
		case elf.DT_RELASZ:
			p.dyn.relasz = val
		case elf.DT_RELAENT:
			p.dyn.relaent = val
		case elf.DT_REL:
			p.dyn.rel = val
		case elf.DT_RELSZ:
			p.dyn.relsz = val
		case elf.DT_RELENT:
			p.dyn.relent = val
		}
	}
}

func (p *elfParser) collect(tbl *table, addr, size, entSize uint64, withAddend bool) error {
	if entSize == 0 {
		return fmt.Errorf("%w: zero relocation entry size", ErrFormat)
	}
	if p.dyn.symtab == 0 || p.dyn.strtab == 0 {
		return fmt.Errorf("%w: missing DT_SYMTAB or DT_STRTAB", ErrFormat)
	}
	base, err := p.img.offsetOf(addr)
	if err != nil {
		return err
	}
	count := size / entSize
	if count > elfMaxRelocs {
		return fmt.Errorf("%w: %d relocations", ErrFormat, count)
	}

	for i := uint64(0); i < count; i++ {
		ent := base + i*entSize
		rOffset, err := p.img.word(p.order, ent, p.ptrSize)
		if err != nil {
			return err
		}
		info, err := p.img.word(p.order, ent+uint64(p.ptrSize), p.ptrSize)
		if err != nil {
			return err
		}

		var symIndex, kind uint32
		if p.is64 {
			symIndex, kind = elf.R_SYM64(info), elf.R_TYPE64(info)
		} else {
			symIndex, kind = elf.R_SYM32(uint32(info)), elf.R_TYPE32(uint32(info))
		}
		if symIndex == 0 {
			continue
		}
		if kind != p.kinds.jumpSlot && kind != p.kinds.globDat && kind != p.kinds.abs {
			continue
		}

		name, err := p.symbolName(symIndex)
		if err != nil {
			return err
		}
		slot, err := p.img.vaddrOffset(rOffset)
		if err != nil {
			return err
		}
		value, err := p.img.word(p.order, slot, p.ptrSize)
		if err != nil {
			return err
		}
		tbl.bindings = append(tbl.bindings, Binding{Symbol: name, Slot: slot, Value: value})
	}
	return nil
}

func (p *elfParser) symbolName(index uint32) (string, error) {
	symEnt := p.dyn.syment
	if symEnt == 0 {
		symEnt = 16
		if p.is64 {
			symEnt = 24
		}
	}
	symtab, err := p.img.offsetOf(p.dyn.symtab)
	if err != nil {
		return "", err
	}
	// st_name is the first field in both Elf32_Sym and Elf64_Sym
	nameOff, err := p.img.u32(p.order, symtab+uint64(index)*symEnt)
	if err != nil {
		return "", fmt.Errorf("symbol %d: %w", index, err)
	}
	if p.dyn.strsz != 0 && uint64(nameOff) >= p.dyn.strsz {
		return "", fmt.Errorf("%w: symbol %d name offset %#x beyond string table", ErrFormat, index, nameOff)
	}
	strtab, err := p.img.offsetOf(p.dyn.strtab)
	if err != nil {
		return "", err
	}
	return p.img.cString(strtab + uint64(nameOff))
}

// elfLinkBase returns the page-aligned vaddr of the lowest PT_LOAD segment.
func elfLinkBase(img *Image) (uint64, error) {
	if _, err := img.bytesAt(0, elf.EI_NIDENT); err != nil {
		return 0, err
	}
	p := &elfParser{img: img, order: binary.LittleEndian, ptrSize: 4}
	if elf.Class(img.Data[elf.EI_CLASS]) == elf.ELFCLASS64 {
		p.is64, p.ptrSize = true, 8
	}
	if elf.Data(img.Data[elf.EI_DATA]) == elf.ELFDATA2MSB {
		p.order = binary.BigEndian
	}

	var phoff, phentsize, phnum uint64
	if p.is64 {
		off, err := img.u64(p.order, 32)
		if err != nil {
			return 0, err
		}
		phoff = off
	} else {
		off, err := img.u32(p.order, 28)
		if err != nil {
			return 0, err
		}
		phoff = uint64(off)
	}
	sizeAt, numAt := uint64(42), uint64(44)
	if p.is64 {
		sizeAt, numAt = 54, 56
	}
	entsize, err := img.u16(p.order, sizeAt)
	if err != nil {
		return 0, err
	}
	num, err := img.u16(p.order, numAt)
	if err != nil {
		return 0, err
	}
	phentsize, phnum = uint64(entsize), uint64(num)

	lowest, found := uint64(0), false
	for i := uint64(0); i < phnum; i++ {
		ph := phoff + i*phentsize
		typ, err := img.u32(p.order, ph)
		if err != nil {
			return 0, err
		}
		if elf.ProgType(typ) != elf.PT_LOAD {
			continue
		}
		var vaddr uint64
		if p.is64 {
			vaddr, err = img.u64(p.order, ph+16)
		} else {
			var v uint32
			v, err = img.u32(p.order, ph+8)
			vaddr = uint64(v)
		}
		if err != nil {
			return 0, err
		}
		if !found || vaddr < lowest {
			lowest, found = vaddr, true
		}
	}
	if !found {
		return 0, fmt.Errorf("%w: no PT_LOAD segment", ErrFormat)
	}
	return lowest &^ 0xfff, nil
}
