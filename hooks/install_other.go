//go:build !linux && !darwin && !windows

package hooks

import (
	"errors"
	"runtime"

	"github.com/sliverarmory/doorstop/loader"
)

const monoLibraryHint = "mono"

type bootConfigOverride struct{}

func newBootConfigOverride(*runtime.Pinner, string) bootConfigOverride {
	return bootConfigOverride{}
}

func (e *Engine) Install(*loader.Module) error {
	return errors.New("hooks: unsupported platform")
}
