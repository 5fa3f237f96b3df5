package shardpipe

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrConfig marks invalid build-time arguments: bad partition shapes,
	// missing devices, unusable options.
	ErrConfig = errors.New("invalid configuration")

	// ErrType marks a value of the wrong kind crossing a scheduler or
	// coordinator boundary.
	ErrType = errors.New("type mismatch")
)

// ConfigErrorf wraps ErrConfig with a description of what was rejected.
func ConfigErrorf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrConfig, format, args...)
}

// TypeErrorf wraps ErrType with a description of the offending value.
func TypeErrorf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrType, format, args...)
}

// An InvariantViolation is panicked when internal bookkeeping is caught in a
// state that only a usage bug can produce. It is not meant to be recovered
// from.
type InvariantViolation struct {
	Reason string
}

func (v InvariantViolation) Error() string {
	return "invariant violated: " + v.Reason
}

// Invariantf builds an InvariantViolation for panicking.
func Invariantf(format string, args ...interface{}) InvariantViolation {
	return InvariantViolation{Reason: fmt.Sprintf(format, args...)}
}
