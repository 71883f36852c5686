package engagement

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidPayload marks a lifecycle event missing a required field.
	ErrInvalidPayload = errors.New("invalid payload")
	// ErrDuplicateSession is returned when an engagement is already reserved
	// or active. Callers treat it as a successful no-op.
	ErrDuplicateSession   = errors.New("engagement already active")
	ErrTooManyEngagements = errors.New("too many engagements")
	// ErrNotReserved is returned by Activate when the reservation was
	// retired before the session could be installed.
	ErrNotReserved       = errors.New("engagement not reserved")
	ErrSessionClosed     = errors.New("session closed")
	ErrInactivityTimeout = errors.New("no messages within inactivity timeout")
	ErrMissingMediaURL   = errors.New("handshake response carried no media url")
)

// Channel names where a failure originated.
type Channel string

const (
	ChannelSignaling Channel = "signaling"
	ChannelMedia     Channel = "media"
	// ChannelSession attributes failures that are not tied to one socket,
	// such as inactivity.
	ChannelSession Channel = "session"
)

// HandshakeError reports a handshake the remote rejected or never answered.
type HandshakeError struct {
	Channel Channel
	Code    int
	Reason  string
}

func (e *HandshakeError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("%s handshake failed: status_code=%d", e.Channel, e.Code)
	}
	return fmt.Sprintf("%s handshake failed: status_code=%d reason=%q", e.Channel, e.Code, e.Reason)
}

// TransportError reports a connection that could not be established or was
// lost.
type TransportError struct {
	Channel Channel
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s connection lost: %v", e.Channel, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Retirement causes that are not failures.
var (
	ErrStopRequested = errors.New("stop requested")
	ErrShutdown      = errors.New("shutdown")
	ErrClosedByPeer  = errors.New("closed by peer")
)
