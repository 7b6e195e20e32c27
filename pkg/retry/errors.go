package retry

import (
	"errors"
	"fmt"
)

type Kind int

const (
	// CircuitOpen means the breaker refused the call; nothing was sent.
	CircuitOpen Kind = iota + 1
	// Timeout means one attempt ran past its deadline and was cancelled.
	Timeout
	// DownstreamUnavailable means every attempt was used up, or the caller
	// gave up first.
	DownstreamUnavailable
)

func (k Kind) String() string {
	switch k {
	case CircuitOpen:
		return "CircuitOpen"
	case Timeout:
		return "Timeout"
	case DownstreamUnavailable:
		return "DownstreamUnavailable"
	default:
		return "Unknown"
	}
}

var (
	ErrCircuitOpen           = errors.New("circuit open")
	ErrTimeout               = errors.New("call timed out")
	ErrDownstreamUnavailable = errors.New("downstream unavailable")
)

// CallError is returned for every failure that a fallback should absorb.
// Caller input errors are never wrapped in a CallError.
type CallError struct {
	Kind       Kind
	Dependency string
	Attempts   int
	Err        error
}

func (e *CallError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s after %d attempt(s)", e.Dependency, e.Kind, e.Attempts)
	}
	return fmt.Sprintf("%s: %s after %d attempt(s): %v", e.Dependency, e.Kind, e.Attempts, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

func (e *CallError) Is(target error) bool {
	switch target {
	case ErrCircuitOpen:
		return e.Kind == CircuitOpen
	case ErrTimeout:
		return e.Kind == Timeout
	case ErrDownstreamUnavailable:
		return e.Kind == DownstreamUnavailable
	}
	return false
}

// IsCallError reports whether err carries a CallError of any kind.
func IsCallError(err error) bool {
	var ce *CallError
	return errors.As(err, &ce)
}
