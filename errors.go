package crated

import (
	"errors"
	"fmt"
)

// ErrorKind classifies every failure a crate or module operation can report.
// Embedding callers switch on the kind; the message is for humans.
type ErrorKind int

const (
	// ErrNone is the zero value and never appears in a returned error.
	ErrNone ErrorKind = iota
	ErrDeviceNotFound
	ErrModuleAlreadyOpen
	ErrModuleOffline
	ErrModuleNotPresent
	ErrModuleInitializeFailure
	ErrRunActiveAlready
	ErrInvalidParameter
	ErrInvalidValue
	ErrHardwareTimeout
	ErrConfigFormatError
	ErrCrateNotReady
	ErrCrateAlreadyOpen
	ErrModuleNumberInvalid
	ErrUnsupportedOperation
)

var errorKindNames = map[ErrorKind]string{
	ErrDeviceNotFound:          "device not found",
	ErrModuleAlreadyOpen:       "module already open",
	ErrModuleOffline:           "module offline",
	ErrModuleNotPresent:        "module not present",
	ErrModuleInitializeFailure: "module initialize failure",
	ErrRunActiveAlready:        "run or control task already active",
	ErrInvalidParameter:        "invalid parameter",
	ErrInvalidValue:            "invalid value",
	ErrHardwareTimeout:         "hardware timeout",
	ErrConfigFormatError:       "settings format error",
	ErrCrateNotReady:           "crate not ready",
	ErrCrateAlreadyOpen:        "crate already open",
	ErrModuleNumberInvalid:     "module number invalid",
	ErrUnsupportedOperation:    "operation not supported by this hardware",
}

func (k ErrorKind) String() string {
	if name, ok := errorKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("error kind %d", int(k))
}

// Error is the typed error returned by all public crate and module
// operations. It carries enough attribution (module number, slot, operation)
// that callers can log or display a failure without a stack trace.
type Error struct {
	Kind   ErrorKind
	Module int // logical module number, or -1 when not module-specific
	Slot   int // physical slot, or 0 when unknown
	Op     string
	Err    error // wrapped cause, may be nil
	msg    string
}

func (e *Error) Error() string {
	var prefix string
	switch {
	case e.Module >= 0 && e.Slot > 0:
		prefix = fmt.Sprintf("module %d (slot %d): %s: ", e.Module, e.Slot, e.Op)
	case e.Slot > 0:
		prefix = fmt.Sprintf("slot %d: %s: ", e.Slot, e.Op)
	default:
		prefix = fmt.Sprintf("crate: %s: ", e.Op)
	}
	text := e.msg
	if text == "" {
		text = e.Kind.String()
	}
	if e.Err != nil {
		return prefix + text + ": " + e.Err.Error()
	}
	return prefix + text
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports kind equality so that errors.Is(err, &Error{Kind: k}) works on
// wrapped chains.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// IsKind reports whether err is (or wraps) an *Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the error kind from err, or ErrNone if err carries no
// *Error anywhere in its chain.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ErrNone
}

// moduleError builds an attributed error for one module.
func moduleError(kind ErrorKind, number, slot int, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Module: number, Slot: slot, Op: op,
		msg: fmt.Sprintf(format, args...)}
}

// crateError builds an error for a crate-wide operation not tied to one module.
func crateError(kind ErrorKind, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Module: -1, Op: op, msg: fmt.Sprintf(format, args...)}
}

// wrapModuleError attributes an underlying failure (usually from the bus
// driver) to a module operation.
func wrapModuleError(kind ErrorKind, number, slot int, op string, err error) *Error {
	return &Error{Kind: kind, Module: number, Slot: slot, Op: op, Err: err}
}
