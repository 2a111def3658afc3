package voice

// PeerID is an opaque participant id assigned by the relay.
type PeerID string

type Role uint8

const (
	Initiator Role = iota
	Responder
)

func (r Role) String() string {
	switch r {
	case Initiator:
		return "initiator"
	case Responder:
		return "responder"
	default:
		return "unknown"
	}
}

// State of a peer session negotiation.
//
//	initiator: New -> OfferSent -> Connected
//	responder: New -> OfferReceived -> AnswerSent -> Connected
//
// Any state may go to Closed.
type State uint8

const (
	New State = iota
	OfferSent
	OfferReceived
	AnswerSent
	Connected
	Closed
)

func (s State) String() string {
	switch s {
	case New:
		return "new"
	case OfferSent:
		return "offer-sent"
	case OfferReceived:
		return "offer-received"
	case AnswerSent:
		return "answer-sent"
	case Connected:
		return "connected"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// initiates tells whether a should be the initiator of a negotiation with b.
// Both sides compute the same answer without talking to each other.
func initiates(a, b PeerID) bool { return a < b }
