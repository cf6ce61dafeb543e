package attention

import (
	"errors"
	"fmt"
)

// ErrUnsupported is the sentinel a fast-path kernel wraps to decline an
// input it cannot handle. The dispatcher treats any error matching this
// sentinel (via errors.Is) as a signal to fall back to the manual path.
// Every other kernel error is fatal and propagates to the caller.
var ErrUnsupported = errors.New("attention: kernel does not support input")

// Unsupportedf builds a decline error carrying the kernel's reason while
// still matching ErrUnsupported.
func Unsupportedf(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, ErrUnsupported)...)
}

// ShapeError reports a precondition violation on the operand shapes or
// the mask layout. It is returned before any computation starts and is
// never recovered by fallback.
type ShapeError struct {
	Op     string
	Reason string
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("attention: %s: %s", e.Op, e.Reason)
}

func shapeErrorf(op, format string, args ...interface{}) *ShapeError {
	return &ShapeError{Op: op, Reason: fmt.Sprintf(format, args...)}
}
