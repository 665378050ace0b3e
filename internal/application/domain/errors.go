package domain

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrUpstreamUnavailable marks a transient failure of an upstream API. The slot being
// processed is deferred to the next cycle and no state is mutated.
var ErrUpstreamUnavailable = errors.New("upstream unavailable")

// ErrInvariantViolation is returned when the aggregates no longer account for every
// processed slot. Processing must stop.
var ErrInvariantViolation = errors.New("aggregation invariant violated")

// SequenceError is returned when a record does not extend the processed range by exactly one slot.
type SequenceError struct {
	Expected Slot
	Got      Slot
}

func (e *SequenceError) Error() string {
	return fmt.Sprintf("slot sequence broken: expected slot %d, got %d", e.Expected, e.Got)
}

// SlotAlreadyPrunedError is returned when a correction targets a slot below the prune watermark.
type SlotAlreadyPrunedError struct {
	Slot      Slot
	Watermark Slot
}

func (e *SlotAlreadyPrunedError) Error() string {
	return fmt.Sprintf("slot %d already pruned (watermark %d)", e.Slot, e.Watermark)
}

// Unavailable wraps err so that IsUpstreamUnavailable reports true for it.
func Unavailable(err error, format string, args ...interface{}) error {
	if err == nil {
		return errors.Wrapf(ErrUpstreamUnavailable, format, args...)
	}
	return errors.Wrapf(&unavailableError{cause: err}, format, args...)
}

// IsUpstreamUnavailable reports whether err is a transient upstream failure.
func IsUpstreamUnavailable(err error) bool {
	return errors.Is(err, ErrUpstreamUnavailable)
}

// IsFatal reports whether err breaks the aggregation contract.
func IsFatal(err error) bool {
	var seq *SequenceError
	return errors.As(err, &seq) || errors.Is(err, ErrInvariantViolation)
}

type unavailableError struct {
	cause error
}

func (e *unavailableError) Error() string {
	return ErrUpstreamUnavailable.Error() + ": " + e.cause.Error()
}

func (e *unavailableError) Is(target error) bool {
	return target == ErrUpstreamUnavailable
}

func (e *unavailableError) Unwrap() error {
	return e.cause
}
