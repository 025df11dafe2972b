package negotiation

import (
	"errors"
	"fmt"
)

var (
	ErrDuplicateSession = errors.New("negotiation already in progress")
	ErrSessionClosed    = errors.New("session closed")
	ErrTableClosed      = errors.New("session table closed")
	ErrUnknownPeer      = errors.New("unknown peer")
	ErrUnexpectedAnswer = errors.New("answer without a pending offer")
	ErrPendingQueueFull = errors.New("pending ICE candidate queue full")
	ErrTransportFailed  = errors.New("media transport failed")
)

// NegotiationError reports a failed step of the exchange with one peer.
type NegotiationError struct {
	Peer    string
	Op      string
	Err     error
	Details string
}

func (e *NegotiationError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s (peer %s): %v (%s)", e.Op, e.Peer, e.Err, e.Details)
	}
	return fmt.Sprintf("%s (peer %s): %v", e.Op, e.Peer, e.Err)
}

func (e *NegotiationError) Unwrap() error {
	return e.Err
}

func newError(peer, op string, err error) *NegotiationError {
	return &NegotiationError{Peer: peer, Op: op, Err: err}
}
