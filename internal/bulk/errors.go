package bulk

import (
	"errors"
	"fmt"
)

// ErrNoItems is returned when an empty item list is submitted.
var ErrNoItems = errors.New("no items to process")

// ErrCancelled is returned when the operation was cancelled before finishing.
var ErrCancelled = errors.New("operation cancelled")

// ErrTimeout is returned when the operation hit its global deadline.
var ErrTimeout = errors.New("operation timed out")

// PartialFailureError is returned under fail-fast semantics
// (continue_on_error=false) when an item fails. It carries the underlying
// cause and how many items completed before the failure.
type PartialFailureError struct {
	Completed int
	Cause     error
}

func (e *PartialFailureError) Error() string {
	return fmt.Sprintf("bulk operation aborted after %d completed items: %v", e.Completed, e.Cause)
}

func (e *PartialFailureError) Unwrap() error { return e.Cause }
