// internal/protocol/errors.go
package protocol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
)

// ErrorKind classifies adapter failures
type ErrorKind string

const (
	KindConfiguration ErrorKind = "configuration"
	KindConnection    ErrorKind = "connection"
	KindIO            ErrorKind = "io"
	KindTimeout       ErrorKind = "timeout"
	KindProtocol      ErrorKind = "protocol"
	KindCapacity      ErrorKind = "capacity"
	KindUnsupported   ErrorKind = "unsupported"
)

// Error is returned by every adapter operation that fails
type Error struct {
	Kind    ErrorKind
	Op      string
	Message string
	Err     error
}

// Sentinel errors. errors.Is matches on kind when the target has no message,
// and on kind plus message otherwise.
var (
	ErrConfiguration = &Error{Kind: KindConfiguration}
	ErrConnection    = &Error{Kind: KindConnection}
	ErrIO            = &Error{Kind: KindIO}
	ErrTimeout       = &Error{Kind: KindTimeout}
	ErrProtocol      = &Error{Kind: KindProtocol}
	ErrCapacity      = &Error{Kind: KindCapacity}
	ErrUnsupported   = &Error{Kind: KindUnsupported}

	ErrNotConnected = &Error{Kind: KindConnection, Message: "not connected"}
	ErrQueueFull    = &Error{Kind: KindCapacity, Message: "send queue full"}
	ErrNotSupported = &Error{Kind: KindUnsupported, Message: "operation not supported"}
)

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind) + " error"
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is a sentinel of the same kind
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Message == "" || t.Message == e.Message
}

func newError(kind ErrorKind, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

func wrapError(kind ErrorKind, op string, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...), Err: err}
}

// withOp copies a sentinel and attaches the operation name
func withOp(sentinel *Error, op string) *Error {
	return &Error{Kind: sentinel.Kind, Op: op, Message: sentinel.Message}
}

// KindOf classifies any error, falling back to network heuristics
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}

	var perr *Error
	if errors.As(err, &perr) {
		return perr.Kind
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}

	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return KindTimeout
	}

	return KindIO
}

// isClosedConn reports whether err is the result of the peer or us closing the socket
func isClosedConn(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}
