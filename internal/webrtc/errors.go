package webrtc

import (
	"errors"
	"fmt"
)

var (
	// ErrNegotiationFailed is reported when ICE or DTLS setup fails for a peer.
	ErrNegotiationFailed = errors.New("peer negotiation failed")
	ErrClosed            = errors.New("connection closed")
	ErrChannelNotOpen    = errors.New("data channel not open")
	ErrUnexpectedSignal  = errors.New("unexpected signal type")
)

// Error wraps a failed peer connection operation.
type Error struct {
	Op      string
	PeerID  string
	Err     error
	Details string
}

func (e *Error) Error() string {
	if e.PeerID != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.PeerID, e.Err)
	}
	if e.Details != "" {
		return fmt.Sprintf("%s: %v (%s)", e.Op, e.Err, e.Details)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func NewError(op string, err error) *Error {
	return &Error{Op: op, Err: err}
}

func NewPeerError(op, peerID string, err error) *Error {
	return &Error{Op: op, PeerID: peerID, Err: err}
}

func WrapError(op string, err error, details string) *Error {
	return &Error{Op: op, Err: err, Details: details}
}
