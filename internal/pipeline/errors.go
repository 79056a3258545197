package pipeline

import (
	"errors"
	"fmt"
	"time"
)

// ErrCancelled is the outcome of a session stopped by its caller.
var ErrCancelled = errors.New("export cancelled")

// Kind classifies why a session did not complete.
type Kind int

const (
	KindCancelled Kind = iota + 1
	KindDecode
	KindEncode
)

func (k Kind) String() string {
	switch k {
	case KindCancelled:
		return "cancelled"
	case KindDecode:
		return "decode"
	case KindEncode:
		return "encode"
	default:
		return "unknown"
	}
}

// SessionError is returned by Run for every outcome other than success.
type SessionError struct {
	Kind          Kind
	LastTimestamp time.Duration // last frame successfully handed to the sink, -1 if none
	Err           error
}

func (e *SessionError) Error() string {
	if e.LastTimestamp < 0 {
		return fmt.Sprintf("%s failure before the first frame: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s failure after %s: %v", e.Kind, e.LastTimestamp, e.Err)
}

func (e *SessionError) Unwrap() error { return e.Err }
