// Package sqlerr defines the failure kinds reported by the driver runtime.
//
// Every error produced by the lob, field and lifecycle packages carries one or
// more kinds as cockroachdb/errors marks, so callers test them with errors.Is
// regardless of how many times the error was wrapped on its way up:
//
//	if errors.Is(err, sqlerr.ErrResourceClosed) { ... }
//
// A conversion error raised while draining a large object wraps the I/O
// failure that interrupted it and therefore matches both ErrConversion and
// ErrIOFailure (and ErrCancelled when the drain was cancelled).
package sqlerr

import (
	"context"

	"github.com/cockroachdb/errors"
)

// Kind represents a category of driver failure.
type Kind int

const (
	// KindUnknown is reported for errors that carry no driver kind.
	KindUnknown Kind = iota
	// KindResourceUnavailable means no transaction context exists where one is required.
	KindResourceUnavailable
	// KindResourceClosed means the handle or unit was already closed.
	KindResourceClosed
	// KindIOFailure is a transport level read or write failure.
	KindIOFailure
	// KindConversion is an encoding or decoding failure.
	KindConversion
	// KindCancelled means the operation was aborted by an external cancellation.
	KindCancelled
	// KindFieldAccess means the row slot behind a field was invalidated.
	KindFieldAccess
)

var kindNames = [...]string{
	KindUnknown:             "unknown",
	KindResourceUnavailable: "resource unavailable",
	KindResourceClosed:      "resource closed",
	KindIOFailure:           "i/o failure",
	KindConversion:          "conversion error",
	KindCancelled:           "cancelled",
	KindFieldAccess:         "field access error",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return "unknown"
	}
	return kindNames[k]
}

// Sentinels used as marks. Compare with errors.Is.
var (
	ErrResourceUnavailable = errors.New("resource unavailable")
	ErrResourceClosed      = errors.New("resource closed")
	ErrIOFailure           = errors.New("i/o failure")
	ErrConversion          = errors.New("conversion error")
	ErrCancelled           = errors.New("cancelled")
	ErrFieldAccess         = errors.New("field access error")

	// ErrBufferLimit refines ErrResourceUnavailable: a buffered write exceeded
	// the configured in-memory bound.
	ErrBufferLimit = errors.New("buffer limit exceeded")
)

// kindOrder lists kinds from the most to the least specific. A cancelled
// conversion is reported as cancelled; a conversion that wraps an i/o failure
// is reported as a conversion.
var kindOrder = []struct {
	kind     Kind
	sentinel error
}{
	{KindCancelled, ErrCancelled},
	{KindFieldAccess, ErrFieldAccess},
	{KindResourceClosed, ErrResourceClosed},
	{KindConversion, ErrConversion},
	{KindResourceUnavailable, ErrResourceUnavailable},
	{KindIOFailure, ErrIOFailure},
}

// KindOf returns the most specific kind carried by err.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	for _, k := range kindOrder {
		if errors.Is(err, k.sentinel) {
			return k.kind
		}
	}
	return KindUnknown
}

// ResourceUnavailable creates an error reporting a missing transaction context.
func ResourceUnavailable(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrResourceUnavailable)
}

// BufferLimit creates a ResourceUnavailable error for an over-sized buffered write.
func BufferLimit(size, limit int64) error {
	err := errors.Newf("buffered value of %d bytes exceeds limit of %d bytes; stream it inside an explicit transaction", size, limit)
	return errors.Mark(errors.Mark(err, ErrBufferLimit), ErrResourceUnavailable)
}

// ResourceClosed creates an error reporting use of a closed resource.
func ResourceClosed(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrResourceClosed)
}

// FieldAccess creates an error reporting access to an invalidated row slot.
func FieldAccess(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrFieldAccess)
}

// IOFailure wraps a transport error. Context cancellation and deadline
// expiry are additionally marked as ErrCancelled. Errors that already carry
// the i/o kind are wrapped but not marked twice.
func IOFailure(cause error, format string, args ...interface{}) error {
	if cause == nil {
		return nil
	}
	err := errors.Wrapf(cause, format, args...)
	if !errors.Is(cause, ErrIOFailure) {
		err = errors.Mark(err, ErrIOFailure)
	}
	if isContextDone(cause) {
		err = errors.Mark(err, ErrCancelled)
	}
	return err
}

// Conversion wraps an encoding failure, or the i/o failure interrupting a
// value conversion.
func Conversion(cause error, format string, args ...interface{}) error {
	if cause == nil {
		return errors.Mark(errors.Newf(format, args...), ErrConversion)
	}
	return errors.Mark(errors.Wrapf(cause, format, args...), ErrConversion)
}

// Cancelled marks err as an externally cancelled operation.
func Cancelled(cause error) error {
	if cause == nil {
		return nil
	}
	if errors.Is(cause, ErrCancelled) {
		return cause
	}
	return errors.Mark(errors.Wrap(cause, "operation cancelled"), ErrCancelled)
}

// FromContext converts the error of a finished context into a Cancelled
// error, or returns nil while the context is live.
func FromContext(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return Cancelled(err)
	}
	return nil
}

func isContextDone(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// IsResourceUnavailable checks if an error reports a missing transaction context.
func IsResourceUnavailable(err error) bool { return errors.Is(err, ErrResourceUnavailable) }

// IsResourceClosed checks if an error reports use of a closed resource.
func IsResourceClosed(err error) bool { return errors.Is(err, ErrResourceClosed) }

// IsIOFailure checks if an error is transport related.
func IsIOFailure(err error) bool { return errors.Is(err, ErrIOFailure) }

// IsConversion checks if an error is a conversion failure.
func IsConversion(err error) bool { return errors.Is(err, ErrConversion) }

// IsCancelled checks if an error reports an external cancellation.
func IsCancelled(err error) bool { return errors.Is(err, ErrCancelled) }

// IsFieldAccess checks if an error reports an invalidated row slot.
func IsFieldAccess(err error) bool { return errors.Is(err, ErrFieldAccess) }
