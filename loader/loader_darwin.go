//go:build darwin

package loader

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"
)

const (
	rtldNoload = 0x10

	// special handles from <dlfcn.h>
	rtldNext     = ^uintptr(0)
	rtldDefault  = ^uintptr(1)
	rtldSelf     = ^uintptr(2)
	rtldMainOnly = ^uintptr(4)

	machHeaderMagic64 = 0xfeedfacf
	machHeaderMagic32 = 0xfeedface
	lcSegment         = 0x1
	lcSegment64       = 0x19
)

type dyldAPI struct {
	imageCount  uintptr
	imageName   uintptr
	imageHeader uintptr
}

var (
	dyldOnce sync.Once
	dyld     dyldAPI
	dyldErr  error
)

func getDyldAPI() (*dyldAPI, error) {
	dyldOnce.Do(func() {
		lib, err := purego.Dlopen("/usr/lib/libSystem.B.dylib", purego.RTLD_NOW|purego.RTLD_GLOBAL)
		if err != nil {
			dyldErr = fmt.Errorf("dlopen libSystem: %w", err)
			return
		}
		for name, dst := range map[string]*uintptr{
			"_dyld_image_count":      &dyld.imageCount,
			"_dyld_get_image_name":   &dyld.imageName,
			"_dyld_get_image_header": &dyld.imageHeader,
		} {
			if *dst, err = purego.Dlsym(lib, name); err != nil {
				dyldErr = fmt.Errorf("dlsym %s: %w", name, err)
				return
			}
		}
	})
	if dyldErr != nil {
		return nil, dyldErr
	}
	return &dyld, nil
}

type dyldImage struct {
	index  uint32
	name   string
	header uintptr
}

func dyldImages() ([]dyldImage, error) {
	api, err := getDyldAPI()
	if err != nil {
		return nil, err
	}
	count := uint32(Call(api.imageCount))
	images := make([]dyldImage, 0, count)
	for i := uint32(0); i < count; i++ {
		header := Call(api.imageHeader, uintptr(i))
		if header == 0 {
			continue
		}
		images = append(images, dyldImage{
			index:  i,
			name:   GoString(Call(api.imageName, uintptr(i))),
			header: header,
		})
	}
	return images, nil
}

func findLoaded(substr string) (*Module, error) {
	images, err := dyldImages()
	if err != nil {
		return nil, err
	}
	for _, image := range images {
		if strings.Contains(image.name, substr) {
			return moduleForImage(image, 0)
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotLoaded, substr)
}

func executable() (*Module, error) {
	images, err := dyldImages()
	if err != nil {
		return nil, err
	}
	if len(images) == 0 || images[0].index != 0 {
		return nil, fmt.Errorf("%w: main executable", ErrNotLoaded)
	}
	// dyld always lists the main executable first.
	return moduleForImage(images[0], rtldMainOnly)
}

func open(path string) (*Module, error) {
	handle, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_LOCAL)
	if err != nil {
		return nil, err
	}
	module, err := borrow(handle)
	if err != nil {
		return &Module{handle: handle, path: path}, nil
	}
	return module, nil
}

func borrow(handle uintptr) (*Module, error) {
	switch handle {
	case 0, rtldNext, rtldDefault, rtldSelf:
		return nil, fmt.Errorf("%w: pseudo handle %#x", ErrNotLoaded, handle)
	case rtldMainOnly:
		return executable()
	}
	images, err := dyldImages()
	if err != nil {
		return nil, err
	}
	for _, image := range images {
		h, err := purego.Dlopen(image.name, purego.RTLD_LAZY|rtldNoload)
		if err != nil {
			continue
		}
		_ = purego.Dlclose(h)
		if h == handle {
			return moduleForImage(image, handle)
		}
	}
	return nil, fmt.Errorf("%w: handle %#x", ErrNotLoaded, handle)
}

func moduleForImage(image dyldImage, handle uintptr) (*Module, error) {
	size, err := machImageSize(image.header)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", image.name, err)
	}
	if handle == 0 {
		if h, err := purego.Dlopen(image.name, purego.RTLD_LAZY|rtldNoload); err == nil {
			_ = purego.Dlclose(h)
			handle = h
		}
	}
	return &Module{handle: handle, path: image.name, base: image.header, size: size}, nil
}

// machImageSize reads the segment layout of a mapped Mach-O header and
// returns the span from the header to the end of the last segment.
func machImageSize(header uintptr) (uintptr, error) {
	hdr := unsafe.Slice((*byte)(unsafe.Pointer(header)), 32)
	magic := binary.LittleEndian.Uint32(hdr)
	headerSize := uintptr(32)
	switch magic {
	case machHeaderMagic64:
	case machHeaderMagic32:
		headerSize = 28
	default:
		return 0, fmt.Errorf("bad mach-o magic %#x", magic)
	}
	ncmds := binary.LittleEndian.Uint32(hdr[16:])
	sizeofcmds := binary.LittleEndian.Uint32(hdr[20:])
	cmds := unsafe.Slice((*byte)(unsafe.Pointer(header+headerSize)), sizeofcmds)

	var (
		textAddr, end uint64
		haveText      bool
	)
	off := uint32(0)
	for i := uint32(0); i < ncmds && off+8 <= sizeofcmds; i++ {
		cmd := binary.LittleEndian.Uint32(cmds[off:])
		size := binary.LittleEndian.Uint32(cmds[off+4:])
		if size < 8 || off+size > sizeofcmds {
			return 0, errors.New("malformed load commands")
		}
		var vmaddr, vmsize, fileoff, filesize uint64
		switch cmd {
		case lcSegment64:
			if size < 72 {
				return 0, errors.New("short LC_SEGMENT_64")
			}
			c := cmds[off:]
			vmaddr = binary.LittleEndian.Uint64(c[24:])
			vmsize = binary.LittleEndian.Uint64(c[32:])
			fileoff = binary.LittleEndian.Uint64(c[40:])
			filesize = binary.LittleEndian.Uint64(c[48:])
		case lcSegment:
			if size < 56 {
				return 0, errors.New("short LC_SEGMENT")
			}
			c := cmds[off:]
			vmaddr = uint64(binary.LittleEndian.Uint32(c[24:]))
			vmsize = uint64(binary.LittleEndian.Uint32(c[28:]))
			fileoff = uint64(binary.LittleEndian.Uint32(c[32:]))
			filesize = uint64(binary.LittleEndian.Uint32(c[36:]))
		default:
			off += size
			continue
		}
		if fileoff == 0 && filesize != 0 {
			textAddr, haveText = vmaddr, true
		}
		if filesize != 0 && vmaddr+vmsize > end {
			end = vmaddr + vmsize
		}
		off += size
	}
	if !haveText || end <= textAddr {
		return 0, errors.New("no segment maps the header")
	}
	return uintptr(end - textAddr), nil
}

func procAddress(handle uintptr, name string) (uintptr, error) {
	sym, err := purego.Dlsym(handle, name)
	if err != nil {
		return 0, fmt.Errorf("dlsym(%s): %w", name, err)
	}
	if sym == 0 {
		return 0, errors.New("symbol address is nil")
	}
	return sym, nil
}

func release(handle uintptr) {
	_ = purego.Dlclose(handle)
}

// DynamicLinkerSymbol returns the libSystem address of name.
func DynamicLinkerSymbol(name string) (uintptr, error) {
	lib, err := purego.Dlopen("/usr/lib/libSystem.B.dylib", purego.RTLD_NOW|purego.RTLD_GLOBAL)
	if err != nil {
		return 0, err
	}
	return procAddress(lib, name)
}
