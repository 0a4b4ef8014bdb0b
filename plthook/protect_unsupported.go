//go:build !linux && !darwin && !windows

package plthook

import "errors"

type pageProtector struct{}

func (pageProtector) MakeWritable(uintptr, uintptr) (func() error, error) {
	return nil, errors.New("plthook: live images are only supported on windows, darwin, and linux")
}
