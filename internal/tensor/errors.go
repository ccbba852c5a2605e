package tensor

import (
	"errors"
	"fmt"
)

var (
	ErrDimensionMismatch = errors.New("dimension mismatch")
	ErrSizeMismatch      = errors.New("size mismatch")
	ErrInvalidInput      = errors.New("invalid input")
)

// DimensionMismatchError is returned when two operands have incompatible shapes.
type DimensionMismatchError struct {
	Op           string
	ARows, ACols int
	BRows, BCols int
}

func (e DimensionMismatchError) Error() string {
	return fmt.Sprintf("%s: can not combine %dx%d with %dx%d", e.Op, e.ARows, e.ACols, e.BRows, e.BCols)
}

func (e DimensionMismatchError) Is(target error) bool {
	return target == ErrDimensionMismatch
}

// SizeMismatchError is returned when a flat buffer does not match declared dimensions.
type SizeMismatchError struct {
	What string
	Got  int
	Want int
}

func (e SizeMismatchError) Error() string {
	return fmt.Sprintf("%s: buffer has %d values, want %d", e.What, e.Got, e.Want)
}

func (e SizeMismatchError) Is(target error) bool {
	return target == ErrSizeMismatch
}

type InvalidInputError struct {
	Op     string
	Reason string
}

func (e InvalidInputError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Reason)
}

func (e InvalidInputError) Is(target error) bool {
	return target == ErrInvalidInput
}

// Kind returns a short label for err suitable for metric labels.
func Kind(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrDimensionMismatch):
		return "dimension_mismatch"
	case errors.Is(err, ErrSizeMismatch):
		return "size_mismatch"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	default:
		return "other"
	}
}
