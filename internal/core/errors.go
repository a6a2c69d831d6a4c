package core

import (
	"errors"
	"fmt"
)

var ErrInconclusive = errors.New("inconclusive")

// InconclusiveError means the outcome cannot be decided from local data alone.
type InconclusiveError struct {
	Reason string
}

func (e *InconclusiveError) Error() string {
	return "inconclusive: " + e.Reason
}

func (e *InconclusiveError) Is(target error) bool {
	return target == ErrInconclusive
}

func inconclusive(format string, args ...any) error {
	return &InconclusiveError{Reason: fmt.Sprintf(format, args...)}
}

// IsInconclusive reports whether err carries an InconclusiveError.
func IsInconclusive(err error) bool {
	return errors.Is(err, ErrInconclusive)
}
