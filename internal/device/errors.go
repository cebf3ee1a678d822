// internal/device/errors.go
package device

import (
	"context"
	"fmt"
	"os"

	"github.com/pkg/errors"

	"github.com/tamzrod/devicekit/internal/transport"
)

// Kind classifies every failure a Device reports.
// A bare Kind is itself an error so callers can write errors.Is(err, device.NotYetUpdated).
type Kind uint16

const (
	// KindNone is never returned; KindOf(nil) yields it.
	KindNone Kind = iota
	InvalidAddress
	UnknownOption
	InvalidOptionValue
	OptionsLocked
	AlreadyLocked
	TransportUnavailable
	TransportTimeout
	TransportError
	NotYetUpdated
	InvalidLevel
	CommandError
	NotInitialized
	AlreadyInitialized
)

var kindNames = map[Kind]string{
	KindNone:             "none",
	InvalidAddress:       "invalid address",
	UnknownOption:        "unknown option",
	InvalidOptionValue:   "invalid option value",
	OptionsLocked:        "options locked",
	AlreadyLocked:        "options already locked",
	TransportUnavailable: "transport unavailable",
	TransportTimeout:     "transport timeout",
	TransportError:       "transport error",
	NotYetUpdated:        "not yet updated",
	InvalidLevel:         "invalid level",
	CommandError:         "command failed",
	NotInitialized:       "not initialized",
	AlreadyInitialized:   "already initialized",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", uint16(k))
}

func (k Kind) Error() string { return k.String() }

// Error is the only error type that crosses the Device boundary.
type Error struct {
	Kind   Kind
	Op     string
	Device string
	Err    error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Device != "" {
		msg = e.Device + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches a bare Kind, or another *Error with the same Kind.
func (e *Error) Is(target error) bool {
	switch t := target.(type) {
	case Kind:
		return e.Kind == t
	case *Error:
		return e.Kind == t.Kind
	}
	return false
}

// Code is recorded verbatim in device status blocks.
func (e *Error) Code() uint16 { return uint16(e.Kind) }

// KindOf extracts the kind from err. Non-device errors report TransportError.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	var k Kind
	if errors.As(err, &k) {
		return k
	}
	return TransportError
}

func newError(kind Kind, op, dev string, err error) *Error {
	return &Error{Kind: kind, Op: op, Device: dev, Err: err}
}

// Translate degrades a raw transport failure into a device kind.
// Already-classified errors pass through with their kind intact.
func Translate(op, dev string, err error) error {
	if err == nil {
		return nil
	}
	var de *Error
	if errors.As(err, &de) {
		return err
	}
	return newError(transportKind(err), op, dev, err)
}

func transportKind(err error) Kind {
	switch {
	case transport.IsTimeout(err), errors.Is(err, os.ErrDeadlineExceeded):
		return TransportTimeout
	case errors.Is(err, transport.ErrUnavailable), errors.Is(err, os.ErrNotExist),
		errors.Is(err, os.ErrPermission):
		return TransportUnavailable
	case errors.Is(err, context.Canceled):
		return TransportTimeout
	default:
		return TransportError
	}
}

// commandFailure wraps a translated transport failure as CommandError,
// keeping the transport kind reachable via errors.Is on the cause.
func commandFailure(op, dev string, err error) error {
	if err == nil {
		return nil
	}
	var de *Error
	if errors.As(err, &de) && de.Kind == InvalidLevel {
		return err
	}
	return newError(CommandError, op, dev, Translate(op, dev, err))
}
