// Package chimeraerr classifies the daemon's failures into the small
// set of kinds the protocol and the logger care about. Handlers wrap
// errors with a kind at the point of failure; the listener translates
// the kind into the single ERR line a client sees.
package chimeraerr

import (
	"errors"
	"fmt"
)

type Kind int

const (
	// Internal is the zero kind: an error nobody classified.
	Internal Kind = iota

	// BadRequest covers unparseable lines, missing arguments, and
	// out-of-range numbers. Not a server failure.
	BadRequest

	// UnknownCommand is a verb with no registered handler.
	UnknownCommand

	// ExternalUnavailable means the journal tool could not be
	// launched or validated.
	ExternalUnavailable

	// Storage covers database I/O, constraint, and migration errors
	// hit while serving a request.
	Storage

	// ClientDisconnected means the peer went away mid-response.
	// Nothing can be sent; nothing above debug is logged.
	ClientDisconnected
)

// Error carries a kind and an optional wrapped cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		if e.Msg != "" {
			return e.Msg + ": " + e.Err.Error()
		}
		return e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a classified error with a plain message.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf builds a classified error with a formatted message.
func Newf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and context to an underlying error. Returns
// nil when err is nil so call sites can wrap unconditionally.
func Wrap(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the kind from anywhere in an error chain. Errors
// nobody classified come back as Internal.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return Internal
}

// Wire renders the reason string for an "ERR <reason>" response line.
func Wire(err error) string {
	switch KindOf(err) {
	case BadRequest:
		return "bad-arguments"
	case UnknownCommand:
		return "unknown-command"
	case ExternalUnavailable:
		return "journal-unavailable"
	case Storage:
		return "storage: " + shortReason(err)
	default:
		return "internal"
	}
}

// shortReason keeps storage diagnostics to a single line.
func shortReason(err error) string {
	msg := err.Error()
	for i := 0; i < len(msg); i++ {
		if msg[i] == '\n' || msg[i] == '\r' {
			return msg[:i]
		}
	}
	if len(msg) > 200 {
		return msg[:200]
	}
	return msg
}
