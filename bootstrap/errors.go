package bootstrap

import (
	"errors"
	"fmt"
)

var (
	ErrAlreadyInitialized = errors.New("bootstrap: already initialized")
	ErrFamilyMismatch     = errors.New("bootstrap: another runtime family owns this process")
	ErrDisabled           = errors.New("bootstrap: runtime paths not configured")
	ErrEntrypointShape    = errors.New("bootstrap: entrypoint takes parameters")
	ErrEntrypointMissing  = errors.New("bootstrap: entrypoint not found")
)

// StepError reports the step a sequence failed at and the runtime status it
// returned.
type StepError struct {
	Step   Phase
	Status int32
	Err    error
}

func (e *StepError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("bootstrap: %s failed (status %d): %v", e.Step, e.Status, e.Err)
	}
	return fmt.Sprintf("bootstrap: %s failed (status %d)", e.Step, e.Status)
}

func (e *StepError) Unwrap() error {
	return e.Err
}
