package connector

import (
	"context"
	"os"

	"github.com/pkg/errors"
)

// ErrorKind classifies transport failures.
type ErrorKind int

const (
	// KindCommand is a failed or unexpected command exchange.
	KindCommand ErrorKind = iota

	// KindConnection is an authentication, reachability or protocol failure.
	KindConnection

	// KindTransfer is a failed file transfer.
	KindTransfer

	// KindTimeout is an exchange that did not complete in time.
	KindTimeout
)

func (k ErrorKind) String() string {
	switch k {
	case KindConnection:
		return "connection"
	case KindCommand:
		return "command"
	case KindTransfer:
		return "transfer"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// ErrStreamEnded reports a transfer that ended before the whole file arrived.
var ErrStreamEnded = errors.New("stream ended early")

// ErrUnsupported reports an operation the transport cannot perform.
var ErrUnsupported = errors.New("operation not supported by transport")

// Error is a transport failure tagged with its kind.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

// NewError tags err with kind and the failing operation.
func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Kind.String() + " error: " + e.Err.Error()
	}
	return e.Kind.String() + " error: " + e.Op + ": " + e.Err.Error()
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf classifies err. Untagged deadline errors are timeouts and anything
// else untagged is treated as a command failure.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return KindTimeout
	}
	return KindCommand
}
