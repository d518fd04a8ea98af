package upstream

import (
	"errors"
	"fmt"
)

// Kind classifies a failed attempt to reach the conversational agent.
type Kind string

const (
	KindAuth     Kind = "auth"
	KindNetwork  Kind = "network"
	KindProtocol Kind = "protocol"
)

var (
	ErrAuth     = errors.New("upstream auth error")
	ErrNetwork  = errors.New("upstream network error")
	ErrProtocol = errors.New("upstream protocol error")
	ErrClosed   = errors.New("upstream connection closed")
)

// Error is returned by every Client operation that fails.
type Error struct {
	Kind   Kind
	Op     string
	Status int
	Err    error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("upstream %s (%s)", e.Op, e.Kind)
	if e.Status != 0 {
		msg += fmt.Sprintf(" status %d", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	switch target {
	case ErrAuth:
		return e.Kind == KindAuth
	case ErrNetwork:
		return e.Kind == KindNetwork
	case ErrProtocol:
		return e.Kind == KindProtocol
	default:
		return false
	}
}

// KindOf reports the Kind of err, or "" when err did not come from this package.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
