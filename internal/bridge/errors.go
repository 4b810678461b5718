package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind is the closed error classification produced at the backend boundary.
type Kind int

const (
	KindUnknown Kind = iota
	KindTimeout
	KindNotFound
	KindCancelled
	KindCommandFailed
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindNotFound:
		return "not_found"
	case KindCancelled:
		return "cancelled"
	case KindCommandFailed:
		return "command_failed"
	default:
		return "unknown"
	}
}

// Error is a classified backend invocation failure.
type Error struct {
	Kind    Kind
	Op      string
	Message string
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

// NewError builds a classified bridge error. Exposed for tests and fakes.
func NewError(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

func kindFromCode(code int) Kind {
	switch code {
	case codeTimeout:
		return KindTimeout
	case codeNotFound:
		return KindNotFound
	case codeCancelled:
		return KindCancelled
	case codeCommandFailed:
		return KindCommandFailed
	default:
		return KindUnknown
	}
}

// Classify maps an arbitrary error to its Kind.
//
// Typed *Error values (everything produced by this package) carry their kind
// directly. For untyped errors that crossed the boundary through older code
// paths, a last-resort substring heuristic detects timeouts; that heuristic
// lives only here.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	return classifyMessage(err.Error())
}

// classifyMessage is the legacy fallback for unclassified errors.
func classifyMessage(msg string) Kind {
	m := strings.ToLower(msg)
	for _, s := range []string{"timeout", "timed out", "taking too long"} {
		if strings.Contains(m, s) {
			return KindTimeout
		}
	}
	return KindUnknown
}
