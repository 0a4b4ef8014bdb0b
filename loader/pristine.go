package loader

import (
	"bytes"
	"encoding/binary"
	"os"

	"github.com/blacktop/go-macho"
	"github.com/blacktop/go-macho/types"
	"github.com/sliverarmory/doorstop/plthook"
)

// pristineBytes returns the on-disk Mach-O for a live image so that chained
// fixups can be read after dyld has bound them. Universal binaries are
// narrowed to the slice matching the live header.
func pristineBytes(path string, img *plthook.Image) []byte {
	if img.Format() != plthook.FormatMachO || path == "" || len(img.Data) < 8 {
		return nil
	}
	raw, err := os.ReadFile(path)
	if err != nil || len(raw) < 8 {
		return nil
	}
	if bytes.Equal(raw[:8], img.Data[:8]) {
		return raw
	}

	fat, err := macho.NewFatFile(bytes.NewReader(raw))
	if err != nil {
		return nil
	}
	defer fat.Close()
	cpu := types.CPU(binary.LittleEndian.Uint32(img.Data[4:]))
	for _, arch := range fat.Arches {
		if arch.CPU != cpu {
			continue
		}
		end := uint64(arch.Offset) + uint64(arch.Size)
		if end > uint64(len(raw)) {
			return nil
		}
		return raw[arch.Offset:end]
	}
	return nil
}
