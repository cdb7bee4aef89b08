package domain

import (
	"errors"
	"fmt"
)

// Kind classifies orchestration failures. The set is closed.
type Kind int

const (
	KindUnknown Kind = iota
	KindClone
	KindBuild
	KindRun
	KindProxy
	KindReconcile
	KindTransport
	KindNotFound
	KindConflict
	KindInvalid
)

func (k Kind) String() string {
	switch k {
	case KindClone:
		return "clone"
	case KindBuild:
		return "build"
	case KindRun:
		return "run"
	case KindProxy:
		return "proxy"
	case KindReconcile:
		return "reconcile"
	case KindTransport:
		return "transport"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// Fatal reports whether a job hitting this kind must not be retried.
func (k Kind) Fatal() bool {
	return k != KindTransport && k != KindReconcile
}

var (
	ErrNotFound        = errors.New("not found")
	ErrJobConflict     = errors.New("another job is active for this app")
	ErrProtectedFile   = errors.New("protected configuration file")
	ErrNetworkJoin     = errors.New("network join failed")
	ErrRuntimeDisabled = errors.New("no container runtime available")
)

// Error is a typed orchestration failure carrying structured context.
type Error struct {
	Kind   Kind
	Op     string
	AppID  int64
	Detail string
	// Output holds captured process output (build log, nginx -t stderr).
	Output string
	Err    error
}

func (e *Error) Error() string {
	msg := e.Kind.String() + " error"
	if e.Op != "" {
		msg += " in " + e.Op
	}
	if e.AppID > 0 {
		msg += fmt.Sprintf(" (app %d)", e.AppID)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// E builds an *Error. Extra args may be a string detail, an int64 app id or an error.
func E(kind Kind, op string, args ...any) *Error {
	e := &Error{Kind: kind, Op: op}
	for _, a := range args {
		switch v := a.(type) {
		case string:
			e.Detail = v
		case int64:
			e.AppID = v
		case error:
			e.Err = v
		}
	}
	return e
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	if errors.Is(err, ErrNotFound) {
		return KindNotFound
	}
	if errors.Is(err, ErrJobConflict) {
		return KindConflict
	}
	return KindUnknown
}

// IsKind reports whether err carries kind k.
func IsKind(err error, k Kind) bool {
	return KindOf(err) == k
}

// OutputOf returns captured process output attached to err, if any.
func OutputOf(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.Output
	}
	return ""
}
