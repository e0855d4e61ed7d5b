package udbg

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies an Error without tying callers to a specific message.
type Kind int

const (
	// KindNotSupport marks an operation this backend does not implement
	// (hardware breakpoints, virtual_alloc/virtual_free).
	KindNotSupport Kind = iota
	// KindNoTarget marks a breakpoint or handle that has outlived its target.
	KindNoTarget
	// KindBpExists marks a duplicate breakpoint address.
	KindBpExists
	// KindInvalidAddress marks an address whose original bytes could not be read.
	KindInvalidAddress
	// KindInvalidRegister marks an unknown by-name register access.
	KindInvalidRegister
	// KindMemoryError marks a failed memory read/write through the OS primitive.
	KindMemoryError
	// KindSystem wraps an errno or other OS-level failure.
	KindSystem
)

func (k Kind) String() string {
	switch k {
	case KindNotSupport:
		return "NotSupport"
	case KindNoTarget:
		return "NoTarget"
	case KindBpExists:
		return "BpExists"
	case KindInvalidAddress:
		return "InvalidAddress"
	case KindInvalidRegister:
		return "InvalidRegister"
	case KindMemoryError:
		return "MemoryError"
	case KindSystem:
		return "System"
	default:
		return "Unknown"
	}
}

// Error is the engine's error taxonomy: a Kind plus a wrapped cause.
type Error struct {
	Kind  Kind
	cause error
}

func (e *Error) Error() string {
	if e.cause == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.cause)
}

func (e *Error) Unwrap() error { return e.cause }

// NewError wraps cause (which may be nil) under the given Kind.
func NewError(kind Kind, cause error) *Error {
	if cause != nil {
		cause = errors.WithStack(cause)
	}
	return &Error{Kind: kind, cause: cause}
}

// Errorf builds a new Error of the given kind with a formatted cause.
func Errorf(kind Kind, format string, args ...any) *Error {
	return NewError(kind, fmt.Errorf(format, args...))
}

// Is reports whether err is an *Error of the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

var (
	ErrNotSupport      = NewError(KindNotSupport, nil)
	ErrNoTarget        = NewError(KindNoTarget, nil)
	ErrInvalidAddress  = NewError(KindInvalidAddress, nil)
	ErrInvalidRegister = NewError(KindInvalidRegister, nil)
)
