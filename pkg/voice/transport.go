package voice

import (
	"github.com/keyhop/voicemesh/pkg/api"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"
)

// Transport is a media connection to a single remote participant.
// Its methods may block and are never called on the coordinator loop,
// except AddCandidate and Close.
type Transport interface {
	// CreateOffer makes and applies a local offer.
	CreateOffer() (webrtc.SessionDescription, error)
	// CreateAnswer applies the remote offer, makes and applies a local answer.
	CreateAnswer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error)
	// SetAnswer applies the remote answer.
	SetAnswer(answer webrtc.SessionDescription) error
	AddCandidate(candidate webrtc.ICECandidateInit) error
	Close() error
}

// TransportEvents are called from any goroutine.
type TransportEvents struct {
	OnCandidate func(candidate webrtc.ICECandidateInit)
	OnTrack     func(stream RemoteStream)
	OnState     func(state webrtc.PeerConnectionState)
}

// TransportFactory makes a transport for the remote participant.
type TransportFactory func(id PeerID, events TransportEvents) (Transport, error)

// RemoteStream is an incoming media track of a remote participant.
type RemoteStream interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
	Read(b []byte) (n int, attributes interceptor.Attributes, err error)
}

// Signaler sends signaling messages through the relay.
type Signaler interface {
	// Send addresses a message to a single participant.
	Send(t api.PT, to PeerID, payload any) error
	// Broadcast sends a message to the whole room.
	Broadcast(t api.PT, payload any) error
}
