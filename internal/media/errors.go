package media

import (
	"errors"
	"fmt"
)

// ErrorKind classifies device acquisition failures.
type ErrorKind int

const (
	Unknown ErrorKind = iota
	PermissionDenied
	DeviceNotFound
	DeviceBusy
)

func (k ErrorKind) String() string {
	switch k {
	case PermissionDenied:
		return "permission denied"
	case DeviceNotFound:
		return "device not found"
	case DeviceBusy:
		return "device busy"
	default:
		return "unknown media error"
	}
}

// ErrNoScreenShare is returned when stopping a screen share that is not running.
var ErrNoScreenShare = errors.New("no active screen share")

// MediaError is returned by every failed device operation. It is never
// fatal to a session: callers surface it and continue without the device.
type MediaError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *MediaError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *MediaError) Unwrap() error {
	return e.Err
}

// NewError creates a MediaError of the given kind.
func NewError(kind ErrorKind, op string, err error) *MediaError {
	return &MediaError{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of a MediaError in err's chain, or Unknown.
func KindOf(err error) ErrorKind {
	var me *MediaError
	if errors.As(err, &me) {
		return me.Kind
	}
	return Unknown
}

func wrap(op string, err error) error {
	var me *MediaError
	if errors.As(err, &me) {
		if me.Op == "" {
			me.Op = op
		}
		return me
	}
	return &MediaError{Kind: Unknown, Op: op, Err: err}
}
