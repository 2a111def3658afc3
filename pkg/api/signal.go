package api

import "github.com/pion/webrtc/v3"

// Signal is the payload of peer-to-peer signaling packets.
//
// Sid is a nonce of the sender's negotiation attempt. An answer
// carries the nonce of the offer it answers in Ack, so that answers
// and candidates of abandoned attempts can be told apart.
type Signal struct {
	Sid       string                     `json:"sid,omitempty"`
	Ack       string                     `json:"ack,omitempty"`
	Sdp       *webrtc.SessionDescription `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
}

type VoiceReadyRequest struct {
	Room string `json:"room"`
}
