// Package fault tags errors with the kind of failure they represent so that
// resilience components can decide by value whether a failure is the
// caller's fault or the dependency's.
package fault

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

type Kind int

const (
	Unknown Kind = iota
	// Input is a caller fault: bad arguments, validation, 4xx responses.
	Input
	IO
	Timeout
	Connection
)

func (k Kind) String() string {
	switch k {
	case Input:
		return "input"
	case IO:
		return "io"
	case Timeout:
		return "timeout"
	case Connection:
		return "connection"
	default:
		return "unknown"
	}
}

// Error is a tagged failure. Op names the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		if e.Err == nil {
			return e.Kind.String()
		}
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Inputf(format string, args ...any) error {
	return &Error{Kind: Input, Err: fmt.Errorf(format, args...)}
}

// KindOf classifies err. Tagged errors win; otherwise well-known standard
// library failures are recognised.
func KindOf(err error) Kind {
	if err == nil {
		return Unknown
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return Timeout
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return Connection
	}
	var oe *net.OpError
	if errors.As(err, &oe) {
		if oe.Op == "dial" {
			return Connection
		}
		return IO
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return Connection
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return IO
	}
	return Unknown
}

// Recorded reports whether err counts as a dependency failure.
func Recorded(err error) bool {
	switch KindOf(err) {
	case IO, Timeout, Connection:
		return true
	default:
		return false
	}
}

// Retryable reports whether another attempt could succeed.
func Retryable(err error) bool {
	return Recorded(err)
}

func IsInput(err error) bool {
	return KindOf(err) == Input
}
