package plthook

import (
	"encoding/binary"
	"fmt"
	"strings"
)

const (
	machoMagic32 = 0xfeedface
	machoMagic64 = 0xfeedfacf

	lcReqDyld           = 0x80000000
	lcSegment           = 0x1
	lcSymtab            = 0x2
	lcDysymtab          = 0xb
	lcLoadDylib         = 0xc
	lcSegment64         = 0x19
	lcLazyLoadDylib     = 0x20
	lcLoadWeakDylib     = 0x18 | lcReqDyld
	lcReexportDylib     = 0x1f | lcReqDyld
	lcLoadUpwardDylib   = 0x23 | lcReqDyld
	lcDyldChainedFixups = 0x34 | lcReqDyld

	sectionTypeMask        = 0xff
	sNonLazySymbolPointers = 0x6
	sLazySymbolPointers    = 0x7
	indirectSymbolLocal    = 0x80000000
	indirectSymbolAbs      = 0x40000000
	machoMaxLoadCommands   = 1 << 12
	machoMaxChainLinks     = 1 << 20
)

const (
	chainedPageStartNone     = 0xffff
	chainedPageStartMulti    = 0x8000
	chainedImportFormatPlain = 1
	chainedImportAddend      = 2
	chainedImportAddend64    = 3

	chainedPtrARM64E           = 1
	chainedPtr64               = 2
	chainedPtr32               = 3
	chainedPtr64Offset         = 6
	chainedPtrARM64EKernel     = 7
	chainedPtrARM64EUserland   = 9
	chainedPtrARM64EUserland24 = 12
)

type machoSegment struct {
	name     string
	vmaddr   uint64
	vmsize   uint64
	fileoff  uint64
	filesize uint64
}

type machoSection struct {
	addr      uint64
	size      uint64
	flags     uint32
	reserved1 uint32
}

type machoParser struct {
	img     *Image
	order   binary.ByteOrder
	is64    bool
	ptrSize int

	segments []machoSegment
	sections []machoSection
	dylibs   []string

	symoff, nsyms, stroff, strsize uint32
	indirectoff, nindirect         uint32
	hasSymtab, hasDysymtab         bool

	fixupsOff, fixupsSize uint32
	hasFixups             bool
}

func parseMachO(img *Image) (*table, error) {
	p := &machoParser{img: img}
	if len(img.Data) < 4 {
		return nil, fmt.Errorf("%w: mach-o header", ErrTruncated)
	}
	magic := binary.LittleEndian.Uint32(img.Data)
	p.order = binary.LittleEndian
	if magic != machoMagic32 && magic != machoMagic64 {
		magic = binary.BigEndian.Uint32(img.Data)
		p.order = binary.BigEndian
	}
	headerSize := uint64(28)
	switch magic {
	case machoMagic32:
		p.ptrSize = 4
	case machoMagic64:
		p.is64, p.ptrSize, headerSize = true, 8, 32
	default:
		return nil, fmt.Errorf("%w: mach-o magic %#x", ErrFormat, magic)
	}

	ncmds, err := img.u32(p.order, 16)
	if err != nil {
		return nil, fmt.Errorf("mach-o: header: %w", err)
	}
	if ncmds > machoMaxLoadCommands {
		return nil, fmt.Errorf("%w: %d load commands", ErrFormat, ncmds)
	}
	if err := p.readLoadCommands(headerSize, ncmds); err != nil {
		return nil, err
	}

	tbl := &table{format: FormatMachO, order: p.order, ptrSize: p.ptrSize}
	seen := make(map[uint64]struct{})
	// A bound live image without its file bytes no longer holds the chains.
	if p.hasFixups && (len(img.Pristine) != 0 || img.Base == 0) {
		if err := p.collectChained(tbl, seen); err != nil {
			return nil, fmt.Errorf("mach-o: chained fixups: %w", err)
		}
	}
	if p.hasSymtab && p.hasDysymtab {
		if err := p.collectIndirect(tbl, seen); err != nil {
			return nil, fmt.Errorf("mach-o: symbol pointers: %w", err)
		}
	}
	return tbl, nil
}

func (p *machoParser) readLoadCommands(off uint64, ncmds uint32) error {
	for i := uint32(0); i < ncmds; i++ {
		cmd, err := p.img.u32(p.order, off)
		if err != nil {
			return fmt.Errorf("mach-o: load command %d: %w", i, err)
		}
		size, err := p.img.u32(p.order, off+4)
		if err != nil {
			return fmt.Errorf("mach-o: load command %d: %w", i, err)
		}
		if size < 8 {
			return fmt.Errorf("%w: load command %d size %d", ErrFormat, i, size)
		}
		raw, err := p.img.bytesAt(off, uint64(size))
		if err != nil {
			return fmt.Errorf("mach-o: load command %d: %w", i, err)
		}

		switch cmd {
		case lcSegment64:
			if err := p.readSegment64(raw); err != nil {
				return err
			}
		case lcSegment:
			if err := p.readSegment32(raw); err != nil {
				return err
			}
		case lcSymtab:
			if len(raw) < 24 {
				return fmt.Errorf("%w: short LC_SYMTAB", ErrFormat)
			}
			p.symoff = p.order.Uint32(raw[8:])
			p.nsyms = p.order.Uint32(raw[12:])
			p.stroff = p.order.Uint32(raw[16:])
			p.strsize = p.order.Uint32(raw[20:])
			p.hasSymtab = true
		case lcDysymtab:
			if len(raw) < 64 {
				return fmt.Errorf("%w: short LC_DYSYMTAB", ErrFormat)
			}
			p.indirectoff = p.order.Uint32(raw[56:])
			p.nindirect = p.order.Uint32(raw[60:])
			p.hasDysymtab = true
		case lcLoadDylib, lcLoadWeakDylib, lcReexportDylib, lcLazyLoadDylib, lcLoadUpwardDylib:
			if len(raw) < 12 {
				return fmt.Errorf("%w: short dylib command", ErrFormat)
			}
			nameOff := p.order.Uint32(raw[8:])
			name := ""
			if uint64(nameOff) < uint64(len(raw)) {
				rest := raw[nameOff:]
				if end := indexZero(rest); end >= 0 {
					rest = rest[:end]
				}
				name = string(rest)
			}
			p.dylibs = append(p.dylibs, name)
		case lcDyldChainedFixups:
			if len(raw) < 16 {
				return fmt.Errorf("%w: short LC_DYLD_CHAINED_FIXUPS", ErrFormat)
			}
			p.fixupsOff = p.order.Uint32(raw[8:])
			p.fixupsSize = p.order.Uint32(raw[12:])
			p.hasFixups = true
		}
		off += uint64(size)
	}
	return nil
}

func (p *machoParser) readSegment64(raw []byte) error {
	if len(raw) < 72 {
		return fmt.Errorf("%w: short LC_SEGMENT_64", ErrFormat)
	}
	p.segments = append(p.segments, machoSegment{
		name:     strings.TrimRight(string(raw[8:24]), "\x00"),
		vmaddr:   p.order.Uint64(raw[24:]),
		vmsize:   p.order.Uint64(raw[32:]),
		fileoff:  p.order.Uint64(raw[40:]),
		filesize: p.order.Uint64(raw[48:]),
	})
	nsects := uint64(p.order.Uint32(raw[64:]))
	if 72+nsects*80 > uint64(len(raw)) {
		return fmt.Errorf("%w: LC_SEGMENT_64 sections exceed command", ErrFormat)
	}
	for i := uint64(0); i < nsects; i++ {
		s := raw[72+i*80:]
		p.sections = append(p.sections, machoSection{
			addr:      p.order.Uint64(s[32:]),
			size:      p.order.Uint64(s[40:]),
			flags:     p.order.Uint32(s[64:]),
			reserved1: p.order.Uint32(s[68:]),
		})
	}
	return nil
}

func (p *machoParser) readSegment32(raw []byte) error {
	if len(raw) < 56 {
		return fmt.Errorf("%w: short LC_SEGMENT", ErrFormat)
	}
	p.segments = append(p.segments, machoSegment{
		name:     strings.TrimRight(string(raw[8:24]), "\x00"),
		vmaddr:   uint64(p.order.Uint32(raw[24:])),
		vmsize:   uint64(p.order.Uint32(raw[28:])),
		fileoff:  uint64(p.order.Uint32(raw[32:])),
		filesize: uint64(p.order.Uint32(raw[36:])),
	})
	nsects := uint64(p.order.Uint32(raw[48:]))
	if 56+nsects*68 > uint64(len(raw)) {
		return fmt.Errorf("%w: LC_SEGMENT sections exceed command", ErrFormat)
	}
	for i := uint64(0); i < nsects; i++ {
		s := raw[56+i*68:]
		p.sections = append(p.sections, machoSection{
			addr:      uint64(p.order.Uint32(s[32:])),
			size:      uint64(p.order.Uint32(s[36:])),
			flags:     p.order.Uint32(s[56:]),
			reserved1: p.order.Uint32(s[60:]),
		})
	}
	return nil
}

// linkedit translates a file offset into an offset in the mapped image.
func (p *machoParser) linkedit(fileOff uint64) (uint64, error) {
	for _, seg := range p.segments {
		if seg.filesize == 0 || fileOff < seg.fileoff || fileOff-seg.fileoff >= seg.filesize {
			continue
		}
		return p.img.vaddrOffset(seg.vmaddr + (fileOff - seg.fileoff))
	}
	return 0, fmt.Errorf("%w: file offset %#x not mapped by any segment", ErrFormat, fileOff)
}

func (p *machoParser) symbol(index uint32) (name string, library string, err error) {
	if index >= p.nsyms {
		return "", "", fmt.Errorf("%w: symbol index %d of %d", ErrFormat, index, p.nsyms)
	}
	nlistSize := uint64(12)
	if p.is64 {
		nlistSize = 16
	}
	entry, err := p.linkedit(uint64(p.symoff) + uint64(index)*nlistSize)
	if err != nil {
		return "", "", err
	}
	strx, err := p.img.u32(p.order, entry)
	if err != nil {
		return "", "", err
	}
	desc, err := p.img.u16(p.order, entry+6)
	if err != nil {
		return "", "", err
	}
	if strx >= p.strsize {
		return "", "", fmt.Errorf("%w: symbol %d name offset beyond string table", ErrFormat, index)
	}
	strOff, err := p.linkedit(uint64(p.stroff) + uint64(strx))
	if err != nil {
		return "", "", err
	}
	name, err = p.img.cString(strOff)
	if err != nil {
		return "", "", err
	}
	return strings.TrimPrefix(name, "_"), p.library(int(desc >> 8)), nil
}

func (p *machoParser) library(ordinal int) string {
	if ordinal <= 0 || ordinal > len(p.dylibs) {
		return ""
	}
	return p.dylibs[ordinal-1]
}

func (p *machoParser) collectIndirect(tbl *table, seen map[uint64]struct{}) error {
	for _, sect := range p.sections {
		kind := sect.flags & sectionTypeMask
		if kind != sNonLazySymbolPointers && kind != sLazySymbolPointers {
			continue
		}
		slotBase, err := p.img.vaddrOffset(sect.addr)
		if err != nil {
			return err
		}
		count := sect.size / uint64(p.ptrSize)
		for i := uint64(0); i < count; i++ {
			idx := uint64(sect.reserved1) + i
			if idx >= uint64(p.nindirect) {
				return fmt.Errorf("%w: indirect symbol %d of %d", ErrFormat, idx, p.nindirect)
			}
			symOff, err := p.linkedit(uint64(p.indirectoff) + idx*4)
			if err != nil {
				return err
			}
			sym, err := p.img.u32(p.order, symOff)
			if err != nil {
				return err
			}
			if sym&(indirectSymbolLocal|indirectSymbolAbs) != 0 {
				continue
			}
			slot := slotBase + i*uint64(p.ptrSize)
			if _, ok := seen[slot]; ok {
				continue
			}
			name, library, err := p.symbol(sym)
			if err != nil {
				return err
			}
			value, err := p.img.word(p.order, slot, p.ptrSize)
			if err != nil {
				return err
			}
			seen[slot] = struct{}{}
			tbl.bindings = append(tbl.bindings, Binding{Library: library, Symbol: name, Slot: slot, Value: value})
		}
	}
	return nil
}

// chainSource reads the original fixup chains, preferring the on-disk bytes.
type chainSource struct {
	p *machoParser
}

func (c chainSource) read(vmOff uint64, size int) (uint64, error) {
	p := c.p
	if len(p.img.Pristine) == 0 {
		return p.img.word(p.order, vmOff, size)
	}
	for _, seg := range p.segments {
		segOff := seg.vmaddr - p.img.VAddr
		if vmOff < segOff || vmOff-segOff >= seg.filesize {
			continue
		}
		fileOff := seg.fileoff + (vmOff - segOff)
		if fileOff+uint64(size) > uint64(len(p.img.Pristine)) {
			return 0, fmt.Errorf("%w: chain at file offset %#x", ErrTruncated, fileOff)
		}
		b := p.img.Pristine[fileOff:]
		if size == 4 {
			return uint64(p.order.Uint32(b)), nil
		}
		return p.order.Uint64(b), nil
	}
	return 0, fmt.Errorf("%w: chain offset %#x not backed by file data", ErrFormat, vmOff)
}

// fixupsData returns the LC_DYLD_CHAINED_FIXUPS payload.
func (p *machoParser) fixupsData() ([]byte, error) {
	if len(p.img.Pristine) != 0 {
		end := uint64(p.fixupsOff) + uint64(p.fixupsSize)
		if end > uint64(len(p.img.Pristine)) {
			return nil, fmt.Errorf("%w: chained fixups payload", ErrTruncated)
		}
		return p.img.Pristine[p.fixupsOff:end], nil
	}
	off, err := p.linkedit(uint64(p.fixupsOff))
	if err != nil {
		return nil, err
	}
	return p.img.bytesAt(off, uint64(p.fixupsSize))
}

type chainedImport struct {
	name    string
	library string
}

func (p *machoParser) chainedImports(data []byte) ([]chainedImport, error) {
	if len(data) < 28 {
		return nil, fmt.Errorf("%w: chained fixups header", ErrTruncated)
	}
	importsOff := uint64(p.order.Uint32(data[8:]))
	symbolsOff := uint64(p.order.Uint32(data[12:]))
	count := uint64(p.order.Uint32(data[16:]))
	format := p.order.Uint32(data[20:])

	var entSize uint64
	switch format {
	case chainedImportFormatPlain:
		entSize = 4
	case chainedImportAddend:
		entSize = 8
	case chainedImportAddend64:
		entSize = 16
	default:
		return nil, fmt.Errorf("%w: chained import format %d", ErrFormat, format)
	}
	if importsOff+count*entSize > uint64(len(data)) {
		return nil, fmt.Errorf("%w: chained imports table", ErrTruncated)
	}

	imports := make([]chainedImport, 0, count)
	for i := uint64(0); i < count; i++ {
		ent := data[importsOff+i*entSize:]
		var (
			ordinal int
			nameOff uint64
		)
		if format == chainedImportAddend64 {
			raw := p.order.Uint64(ent)
			ordinal = int(int16(raw & 0xffff))
			nameOff = raw >> 32
		} else {
			raw := p.order.Uint32(ent)
			ordinal = int(int8(raw & 0xff))
			nameOff = uint64(raw >> 9)
		}
		start := symbolsOff + nameOff
		if start >= uint64(len(data)) {
			return nil, fmt.Errorf("%w: chained import %d name", ErrTruncated, i)
		}
		name := data[start:]
		if end := indexZero(name); end >= 0 {
			name = name[:end]
		}
		imports = append(imports, chainedImport{
			name:    strings.TrimPrefix(string(name), "_"),
			library: p.library(ordinal),
		})
	}
	return imports, nil
}

func indexZero(b []byte) int {
	for i, c := range b {
		if c == 0 {
			return i
		}
	}
	return -1
}

func (p *machoParser) collectChained(tbl *table, seen map[uint64]struct{}) error {
	data, err := p.fixupsData()
	if err != nil {
		return err
	}
	imports, err := p.chainedImports(data)
	if err != nil {
		return err
	}

	startsOff := uint64(p.order.Uint32(data[4:]))
	if startsOff+4 > uint64(len(data)) {
		return fmt.Errorf("%w: starts in image", ErrTruncated)
	}
	segCount := uint64(p.order.Uint32(data[startsOff:]))
	if startsOff+4+segCount*4 > uint64(len(data)) {
		return fmt.Errorf("%w: segment info offsets", ErrTruncated)
	}

	src := chainSource{p: p}
	for s := uint64(0); s < segCount; s++ {
		infoOff := uint64(p.order.Uint32(data[startsOff+4+s*4:]))
		if infoOff == 0 {
			continue
		}
		seg := startsOff + infoOff
		if seg+22 > uint64(len(data)) {
			return fmt.Errorf("%w: starts in segment %d", ErrTruncated, s)
		}
		pageSize := uint64(p.order.Uint16(data[seg+4:]))
		pointerFormat := p.order.Uint16(data[seg+6:])
		segmentOffset := p.order.Uint64(data[seg+8:])
		pageCount := uint64(p.order.Uint16(data[seg+20:]))
		if seg+22+pageCount*2 > uint64(len(data)) {
			return fmt.Errorf("%w: page starts of segment %d", ErrTruncated, s)
		}

		for page := uint64(0); page < pageCount; page++ {
			start := p.order.Uint16(data[seg+22+page*2:])
			if start == chainedPageStartNone || (pointerFormat == chainedPtr32 && start&chainedPageStartMulti != 0) {
				continue
			}
			off := segmentOffset + page*pageSize + uint64(start)
			if err := p.walkChain(tbl, seen, src, imports, pointerFormat, off); err != nil {
				return fmt.Errorf("segment %d page %d: %w", s, page, err)
			}
		}
	}
	return nil
}

func (p *machoParser) walkChain(tbl *table, seen map[uint64]struct{}, src chainSource, imports []chainedImport, format uint16, off uint64) error {
	for links := 0; links < machoMaxChainLinks; links++ {
		var (
			raw     uint64
			err     error
			bind    bool
			ordinal uint64
			next    uint64
			stride  uint64
		)
		switch format {
		case chainedPtr64, chainedPtr64Offset:
			raw, err = src.read(off, 8)
			bind, ordinal, next, stride = raw>>63 == 1, raw&0xffffff, (raw>>51)&0xfff, 4
		case chainedPtrARM64E, chainedPtrARM64EUserland, chainedPtrARM64EKernel:
			raw, err = src.read(off, 8)
			bind, ordinal, next, stride = (raw>>62)&1 == 1, raw&0xffff, (raw>>51)&0x7ff, 8
			if format == chainedPtrARM64EKernel {
				stride = 4
			}
		case chainedPtrARM64EUserland24:
			raw, err = src.read(off, 8)
			bind, ordinal, next, stride = (raw>>62)&1 == 1, raw&0xffffff, (raw>>51)&0x7ff, 8
		case chainedPtr32:
			raw, err = src.read(off, 4)
			bind, ordinal, next, stride = raw>>31 == 1, raw&0xfffff, (raw>>26)&0x1f, 4
		default:
			return fmt.Errorf("%w: chained pointer format %d", ErrFormat, format)
		}
		if err != nil {
			return err
		}

		if bind {
			if ordinal >= uint64(len(imports)) {
				return fmt.Errorf("%w: bind ordinal %d of %d", ErrFormat, ordinal, len(imports))
			}
			if _, ok := seen[off]; !ok {
				value, err := p.img.word(p.order, off, p.ptrSize)
				if err != nil {
					return err
				}
				seen[off] = struct{}{}
				tbl.bindings = append(tbl.bindings, Binding{
					Library: imports[ordinal].library,
					Symbol:  imports[ordinal].name,
					Slot:    off,
					Value:   value,
				})
			}
		}
		if next == 0 {
			return nil
		}
		off += next * stride
	}
	return fmt.Errorf("%w: chain longer than %d links", ErrFormat, machoMaxChainLinks)
}

// machoLinkBase returns the vmaddr of the segment that maps the header.
func machoLinkBase(img *Image) (uint64, error) {
	p := &machoParser{img: img, order: binary.LittleEndian}
	magic := binary.LittleEndian.Uint32(img.Data)
	if magic != machoMagic32 && magic != machoMagic64 {
		magic = binary.BigEndian.Uint32(img.Data)
		p.order = binary.BigEndian
	}
	headerSize := uint64(28)
	if magic == machoMagic64 {
		p.is64, p.ptrSize, headerSize = true, 8, 32
	}
	ncmds, err := img.u32(p.order, 16)
	if err != nil {
		return 0, err
	}
	if ncmds > machoMaxLoadCommands {
		return 0, fmt.Errorf("%w: %d load commands", ErrFormat, ncmds)
	}
	// Only the segment layout is needed; VAddr is still zero here so the
	// other commands are not resolved.
	off := headerSize
	for i := uint32(0); i < ncmds; i++ {
		cmd, err := img.u32(p.order, off)
		if err != nil {
			return 0, err
		}
		size, err := img.u32(p.order, off+4)
		if err != nil {
			return 0, err
		}
		if size < 8 {
			return 0, fmt.Errorf("%w: load command %d size %d", ErrFormat, i, size)
		}
		raw, err := img.bytesAt(off, uint64(size))
		if err != nil {
			return 0, err
		}
		switch cmd {
		case lcSegment64:
			err = p.readSegment64(raw)
		case lcSegment:
			err = p.readSegment32(raw)
		}
		if err != nil {
			return 0, err
		}
		off += uint64(size)
	}
	for _, seg := range p.segments {
		if seg.fileoff == 0 && seg.filesize != 0 {
			return seg.vmaddr, nil
		}
	}
	return 0, fmt.Errorf("%w: no segment maps the mach-o header", ErrFormat)
}
