package voice

import (
	"errors"
	"fmt"

	"github.com/keyhop/voicemesh/pkg/media"
)

var (
	ErrMediaUnavailable       = media.ErrMediaUnavailable
	ErrNegotiation            = errors.New("negotiation error")
	ErrStaleMessage           = errors.New("stale message")
	ErrCandidateQueueOverflow = errors.New("candidate queue overflow")
	ErrSessionExists          = errors.New("session exists")
	ErrTransportFailed        = errors.New("transport failed")
)

// NegotiationError is a protocol misuse, like an offer created twice.
type NegotiationError struct {
	Peer  PeerID
	Op    string
	Role  Role
	State State
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("%v: %v is not allowed for %v in %v", ErrNegotiation, e.Op, e.Role, e.State)
}

func (e *NegotiationError) Unwrap() error { return ErrNegotiation }
