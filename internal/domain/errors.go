package domain

import (
	"errors"
	"fmt"
)

// Kind is the machine-readable classification attached to every error the
// core returns across its public boundary.
type Kind string

const (
	KindNotFound         Kind = "not_found"
	KindAlreadyConnected Kind = "already_connected"
	KindPowerSource      Kind = "power_source_error"
	KindConfiguration    Kind = "configuration_error"
	KindBusy             Kind = "busy"
	KindCaptureTimeout   Kind = "capture_timeout"
	KindBufferOverflow   Kind = "buffer_overflow"
	KindConversion       Kind = "conversion_error"
	KindMeasurement      Kind = "measurement_error"
	KindDriver           Kind = "driver_error"
)

// Error carries a Kind plus a human-readable message. Op names the failing
// operation so wrapped errors stay traceable without a stack.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on Kind so callers can write errors.Is(err, domain.ErrBusy).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Message == "" && t.Err == nil
}

// Sentinel values for errors.Is matching by kind.
var (
	ErrNotFound         = &Error{Kind: KindNotFound}
	ErrAlreadyConnected = &Error{Kind: KindAlreadyConnected}
	ErrPowerSource      = &Error{Kind: KindPowerSource}
	ErrConfiguration    = &Error{Kind: KindConfiguration}
	ErrBusy             = &Error{Kind: KindBusy}
	ErrCaptureTimeout   = &Error{Kind: KindCaptureTimeout}
	ErrBufferOverflow   = &Error{Kind: KindBufferOverflow}
	ErrConversion       = &Error{Kind: KindConversion}
	ErrMeasurement      = &Error{Kind: KindMeasurement}
	ErrDriver           = &Error{Kind: KindDriver}
)

// E builds a tagged error.
func E(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap tags an underlying error, preserving it for errors.Is/As chains.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the Kind from any error in the chain, or KindDriver when
// the error carries no tag (opaque failures default to the driver bucket).
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindDriver
}
