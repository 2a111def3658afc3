// Package api defines the general API for both the relay and the voice client.
//
// Each API call (request and response) is a JSON-encoded "packet" of the following structure:
//
//	  id - (optional) a globally unique packet id for request-response calls;
//	   t - (required) one of the predefined unique packet types;
//	from - (optional) a participant id of the sender, set by the relay;
//	  to - (optional) a participant id of the recipient;
//	   p - (optional) packet payload with arbitrary data.
//
// The relay never looks into the payload of the packets it forwards,
// it only reads and rewrites the from/to routing fields.
//
// Example:
//
//	{"t":101,"from":"6ba7b810-9dad-11d1-80b4-00c04fd430c8","p":{"sid":"cfv68i","sdp":{"type":"offer","sdp":"v=0..."}}}
package api

import (
	"errors"

	"github.com/goccy/go-json"
)

type PT uint8

type In struct {
	Id      string          `json:"id,omitempty"`
	T       PT              `json:"t"`
	From    string          `json:"from,omitempty"`
	To      string          `json:"to,omitempty"`
	Payload json.RawMessage `json:"p,omitempty"` // should be json.RawMessage for 2-pass unmarshal
}

type Out struct {
	Id      string `json:"id,omitempty"`
	T       uint8  `json:"t"`
	From    string `json:"from,omitempty"`
	To      string `json:"to,omitempty"`
	Payload any    `json:"p,omitempty"`
}

// Packet codes:
//
//	x, 1xx - room and voice codes
const (
	JoinRoom           PT = 1
	RoomJoined         PT = 2
	RoomState          PT = 3
	LeaveRoom          PT = 4
	VoiceReady         PT = 100
	WebrtcOffer        PT = 101
	WebrtcAnswer       PT = 102
	WebrtcIceCandidate PT = 103
	ErrorPacket        PT = 255
)

func (p PT) String() string {
	switch p {
	case JoinRoom:
		return "JoinRoom"
	case RoomJoined:
		return "RoomJoined"
	case RoomState:
		return "RoomState"
	case LeaveRoom:
		return "LeaveRoom"
	case VoiceReady:
		return "VoiceReady"
	case WebrtcOffer:
		return "WebrtcOffer"
	case WebrtcAnswer:
		return "WebrtcAnswer"
	case WebrtcIceCandidate:
		return "WebrtcIceCandidate"
	case ErrorPacket:
		return "Error"
	default:
		return "Unknown"
	}
}

// IsSignal tells whether the packet is a peer-to-peer signaling message.
func (p PT) IsSignal() bool {
	return p == VoiceReady || p == WebrtcOffer || p == WebrtcAnswer || p == WebrtcIceCandidate
}

var (
	ErrForbidden = errors.New("forbidden")
	ErrMalformed = errors.New("malformed")
	ErrRoomFull  = errors.New("room is full")
)

// ErrorResponse is a payload of the ErrorPacket.
type ErrorResponse struct {
	Error string `json:"error"`
}

func Unwrap[T any](data []byte) *T {
	out := new(T)
	if err := json.Unmarshal(data, out); err != nil {
		return nil
	}
	return out
}

func UnwrapChecked[T any](bytes []byte, err error) (*T, error) {
	if err != nil {
		return nil, err
	}
	if v := Unwrap[T](bytes); v != nil {
		return v, nil
	}
	return nil, ErrMalformed
}
