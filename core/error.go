package core

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failure by where it came from. It decides how the
// hub reacts: transport and resource errors end a connection, protocol and
// state errors only drop the offending event.
type ErrorKind int

const (
	KindTransport ErrorKind = iota + 1
	KindProtocol
	KindState
	KindResource
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindProtocol:
		return "protocol"
	case KindState:
		return "state"
	case KindResource:
		return "resource"
	default:
		return "unknown"
	}
}

var (
	ErrMalformedFrame = NewError(KindProtocol, "malformed frame", false)
	ErrFrameTooLarge  = NewError(KindProtocol, "frame too large", false)
	ErrUnknownEvent   = NewError(KindProtocol, "unknown event type", false)
	ErrMissingField   = NewError(KindProtocol, "missing or invalid field", false)
	ErrNotBound       = NewError(KindState, "not in a room", false)
	ErrRoomMismatch   = NewError(KindState, "room does not match the joined room", false)
	ErrQueueFull      = NewError(KindResource, "outbound queue full", true)
	ErrHubClosed      = NewError(KindTransport, "hub closed", true)
)

type Error struct {
	Kind ErrorKind
	msg  string
	// Sensitive errors must not be echoed back to the client.
	Sensitive bool
	err       error
}

func NewError(kind ErrorKind, msg string, sensitive bool) *Error {
	return &Error{Kind: kind, msg: msg, Sensitive: sensitive}
}

// Wrap returns a copy of e that carries err as its cause, so that both
// errors.Is(result, e) and errors.Is(result, err) hold.
func (e *Error) Wrap(err error) *Error {
	return &Error{Kind: e.Kind, msg: e.msg, Sensitive: e.Sensitive, err: fmt.Errorf("%w: %w", e, err)}
}

// Wrapf is Wrap with a formatted detail instead of a cause.
func (e *Error) Wrapf(format string, args ...any) *Error {
	return e.Wrap(fmt.Errorf(format, args...))
}

func (e *Error) Error() string {
	if e.err != nil {
		return e.err.Error()
	}
	return e.msg
}

func (e *Error) Unwrap() error {
	return e.err
}

// Is matches wrapped copies against the sentinel they were made from.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.msg == t.msg
}

// KindOf returns the kind of the first *Error in err's chain, or 0.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// IsSensitive reports whether err should stay server side. Errors that are
// not *Error are always treated as sensitive.
func IsSensitive(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Sensitive
	}
	return true
}
