// Command libdoorstop is the injectable library. Build it with
// -buildmode=c-shared and load it into the player, for example through
// LD_PRELOAD, DYLD_INSERT_LIBRARIES or a winhttp.dll proxy.
package main

import "C"

import (
	"errors"

	"github.com/sliverarmory/doorstop"
	"github.com/sliverarmory/doorstop/log"
)

// doorstopAttach runs from the library constructor in attach.c.
//
//export doorstopAttach
func doorstopAttach() {
	if err := doorstop.Run(); err != nil && !errors.Is(err, doorstop.ErrDisabled) {
		log.Errorln("Doorstop failed to start: %v", err)
	}
}

// DoorstopRun lets a host that loads the library by hand trigger injection.
// It returns 0 on success.
//
//export DoorstopRun
func DoorstopRun() C.int {
	if err := doorstop.Run(); err != nil {
		return 1
	}
	return 0
}

func main() {}
