package capture

import (
	"errors"
	"fmt"
)

var (
	ErrQueueFull  = errors.New("capture queue full")
	ErrClosed     = errors.New("capture closed")
	ErrValidation = errors.New("invalid event")
)

// ValidationError rejects an event before it is queued. It is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid event: %s %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}
