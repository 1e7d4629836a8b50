package executor

import (
	"fmt"
)

type ConnectErrorKind int

const (
	Initiation ConnectErrorKind = iota + 1
	ConnectionFailed
	AuthFailed
)

func (k ConnectErrorKind) String() string {
	switch k {
	case Initiation:
		return "Connection could not be initiated"
	case ConnectionFailed:
		return "Connection failed"
	case AuthFailed:
		return "Authentication failed"
	default:
		return "unknown connect error"
	}
}

// ConnectError is the single failure of a connect sequence.
type ConnectError struct {
	Kind ConnectErrorKind
	Host string
	Err  error
}

func (e *ConnectError) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// Is matches the kind sentinels below, so errors.Is(err, ErrAuthFailed) works
// for any host and cause.
func (e *ConnectError) Is(target error) bool {
	t, ok := target.(*ConnectError)
	return ok && t.Err == nil && t.Host == "" && t.Kind == e.Kind
}

var (
	ErrInitiation       error = &ConnectError{Kind: Initiation}
	ErrConnectionFailed error = &ConnectError{Kind: ConnectionFailed}
	ErrAuthFailed       error = &ConnectError{Kind: AuthFailed}
)

type ExecErrorKind int

const (
	OpenTimeout ExecErrorKind = iota + 1
	OpenFailed
	WriteFailed
	ReadTimeout
	ReadFailed
	Canceled
)

func (k ExecErrorKind) String() string {
	switch k {
	case OpenTimeout:
		return "Channel open timed out"
	case OpenFailed:
		return "Channel open failed"
	case WriteFailed:
		return "Error writing"
	case ReadTimeout:
		return "Read timed out"
	case ReadFailed:
		return "Error reading"
	case Canceled:
		return "Execution canceled"
	default:
		return "unknown execution error"
	}
}

// ExecError is the single failure of one command invocation.
type ExecError struct {
	Kind   ExecErrorKind
	Stream string // "stdout" or "stderr" for read failures
	Err    error
}

func (e *ExecError) Error() string {
	msg := e.Kind.String()
	if e.Stream != "" {
		msg += " (" + e.Stream + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ExecError) Unwrap() error { return e.Err }

func (e *ExecError) Is(target error) bool {
	t, ok := target.(*ExecError)
	return ok && t.Err == nil && t.Stream == "" && t.Kind == e.Kind
}

var (
	ErrOpenTimeout error = &ExecError{Kind: OpenTimeout}
	ErrOpenFailed  error = &ExecError{Kind: OpenFailed}
	ErrWriteFailed error = &ExecError{Kind: WriteFailed}
	ErrReadTimeout error = &ExecError{Kind: ReadTimeout}
	ErrReadFailed  error = &ExecError{Kind: ReadFailed}
	ErrCanceled    error = &ExecError{Kind: Canceled}
)
