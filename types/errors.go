package types

import "fmt"

// HardStopError carries a HardStop outcome through error returns
type HardStopError struct {
	Class  ErrorClass
	Detail string
	Err    error
}

// NewHardStop builds a HardStopError for the given class
func NewHardStop(class ErrorClass, detail string, err error) *HardStopError {
	return &HardStopError{Class: class, Detail: detail, Err: err}
}

func (e *HardStopError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("hard stop (%s): %s: %v", e.Class, e.Detail, e.Err)
	}
	return fmt.Sprintf("hard stop (%s): %s", e.Class, e.Detail)
}

func (e *HardStopError) Unwrap() error {
	return e.Err
}

// Outcome returns the HardStop outcome this error represents
func (e *HardStopError) Outcome() HardStop {
	return HardStop{ErrorClass: e.Class, Detail: e.Detail}
}
