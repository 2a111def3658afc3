package voice

import (
	"fmt"

	"github.com/gofrs/uuid"
	"github.com/keyhop/voicemesh/pkg/api"
	"github.com/keyhop/voicemesh/pkg/logger"
	"github.com/pion/webrtc/v3"
)

type candidate struct {
	sid  string
	init webrtc.ICECandidateInit
}

// Session is a negotiated media session with exactly one remote participant.
// It's owned by the coordinator and used only from its loop.
type Session struct {
	id    PeerID
	role  Role
	state State
	gen   uint64

	sid       string // local negotiation nonce
	remoteSid string
	ignored   map[string]struct{}

	local         *webrtc.SessionDescription
	remote        *webrtc.SessionDescription
	remoteApplied bool
	early         []candidate
	limit         int

	// local candidates are held until our description is sent
	described bool
	gated     []webrtc.ICECandidateInit

	pending     bool
	transportUp bool

	transport Transport
	c         *Coordinator
	log       *logger.Logger
}

func newSession(c *Coordinator, id PeerID, role Role, gen uint64) *Session {
	return &Session{
		id:      id,
		role:    role,
		gen:     gen,
		sid:     newNonce(),
		ignored: make(map[string]struct{}),
		limit:   c.limit,
		c:       c,
		log: c.log.Extend(c.log.With().
			Str(logger.PeerField, string(id)).
			Str("role", role.String())),
	}
}

func newNonce() string { return uuid.Must(uuid.NewV4()).String() }

func (s *Session) ID() PeerID   { return s.id }
func (s *Session) Role() Role   { return s.role }
func (s *Session) State() State { return s.state }

func (s *Session) misuse(op string) error {
	return &NegotiationError{Peer: s.id, Op: op, Role: s.role, State: s.state}
}

// run executes fn outside the loop and applies done back on the loop
// only if the session is still current and in the expected state.
func (s *Session) run(expect State, fn func() (webrtc.SessionDescription, error), done func(webrtc.SessionDescription, error)) {
	s.pending = true
	id, gen := s.id, s.gen
	s.c.async(func() {
		desc, err := fn()
		s.c.loop.Post(func() {
			if !s.c.current(id, gen, expect) {
				s.log.Debug().Str("expected", expect.String()).Msg("Stale completion discarded")
				return
			}
			s.pending = false
			done(desc, err)
		})
	})
}

// createOffer starts a negotiation as the initiator.
func (s *Session) createOffer() error {
	if s.role != Initiator || s.state != New || s.pending {
		return s.misuse("createOffer")
	}
	t := s.transport
	s.run(New, t.CreateOffer, func(offer webrtc.SessionDescription, err error) {
		if err != nil {
			s.c.fail(s, fmt.Errorf("offer: %w", err))
			return
		}
		s.local = &offer
		s.state = OfferSent
		s.log.Debug().Msg("Offer sent")
		s.c.signal(api.WebrtcOffer, s.id, api.Signal{Sid: s.sid, Sdp: &offer})
		s.release()
	})
	return nil
}

// acceptOffer answers the remote offer as the responder.
func (s *Session) acceptOffer(offer webrtc.SessionDescription, sid string) error {
	if s.role != Responder || s.state != New || s.pending {
		return s.misuse("acceptOffer")
	}
	s.remote = &offer
	s.remoteSid = sid
	s.state = OfferReceived
	t := s.transport
	s.run(OfferReceived,
		func() (webrtc.SessionDescription, error) { return t.CreateAnswer(offer) },
		func(answer webrtc.SessionDescription, err error) {
			if err != nil {
				s.c.fail(s, fmt.Errorf("answer: %w", err))
				return
			}
			s.local = &answer
			s.remoteApplied = true
			s.state = AnswerSent
			s.log.Debug().Msg("Answer sent")
			s.c.signal(api.WebrtcAnswer, s.id, api.Signal{Sid: s.sid, Ack: s.remoteSid, Sdp: &answer})
			s.flush()
			s.release()
			if s.transportUp {
				s.connected()
			}
		})
	return nil
}

// acceptAnswer finishes the negotiation of the initiator.
// Duplicate or late answers are ignored.
func (s *Session) acceptAnswer(answer webrtc.SessionDescription, sid string) {
	if s.state != OfferSent || s.remote != nil {
		s.log.Warn().Str("state", s.state.String()).Msg("Unexpected answer ignored")
		return
	}
	s.remote = &answer
	s.remoteSid = sid
	t := s.transport
	s.run(OfferSent,
		func() (webrtc.SessionDescription, error) { return answer, t.SetAnswer(answer) },
		func(_ webrtc.SessionDescription, err error) {
			if err != nil {
				s.c.fail(s, fmt.Errorf("set answer: %w", err))
				return
			}
			s.remoteApplied = true
			s.connected()
			s.flush()
		})
}

// addRemoteCandidate applies the candidate or keeps it
// until the remote description is applied.
func (s *Session) addRemoteCandidate(init webrtc.ICECandidateInit, sid string) error {
	if s.state == Closed {
		return ErrStaleMessage
	}
	if sid != "" {
		if _, ok := s.ignored[sid]; ok {
			return ErrStaleMessage
		}
		if s.remoteSid != "" && sid != s.remoteSid {
			return ErrStaleMessage
		}
	}
	if !s.remoteApplied {
		if len(s.early) >= s.limit {
			s.early[0] = candidate{}
			s.early = s.early[1:]
			s.c.metrics.dropped.Inc()
			s.log.Warn().Err(ErrCandidateQueueOverflow).Int("limit", s.limit).Msg("Oldest early candidate dropped")
		}
		s.early = append(s.early, candidate{sid: sid, init: init})
		return nil
	}
	s.apply(init)
	return nil
}

func (s *Session) apply(init webrtc.ICECandidateInit) {
	if err := s.transport.AddCandidate(init); err != nil {
		s.log.Warn().Err(err).Msg("Remote candidate rejected")
	}
}

// flush applies early candidates once, in arrival order.
func (s *Session) flush() {
	early := s.early
	s.early = nil
	n := 0
	for _, e := range early {
		if e.sid != "" && s.remoteSid != "" && e.sid != s.remoteSid {
			continue
		}
		s.apply(e.init)
		n++
	}
	if n > 0 {
		s.log.Debug().Int("n", n).Msg("Early candidates applied")
	}
}

func (s *Session) localCandidate(init webrtc.ICECandidateInit) {
	if s.state == Closed {
		return
	}
	if !s.described {
		s.gated = append(s.gated, init)
		return
	}
	s.c.signal(api.WebrtcIceCandidate, s.id, api.Signal{Sid: s.sid, Candidate: &init})
}

// release sends local candidates held until the description went out.
func (s *Session) release() {
	s.described = true
	gated := s.gated
	s.gated = nil
	for i := range gated {
		s.c.signal(api.WebrtcIceCandidate, s.id, api.Signal{Sid: s.sid, Candidate: &gated[i]})
	}
}

func (s *Session) ignore(sid string) {
	if sid != "" {
		s.ignored[sid] = struct{}{}
	}
}

func (s *Session) connected() {
	if s.state == Connected {
		return
	}
	s.state = Connected
	s.c.metrics.negotiations.WithLabelValues("connected").Inc()
	s.log.Info().Msg("Connected")
}

func (s *Session) onTransportState(state webrtc.PeerConnectionState) {
	s.log.Debug().Str("transport", state.String()).Send()
	switch state {
	case webrtc.PeerConnectionStateConnected:
		s.transportUp = true
		if s.state == AnswerSent {
			s.connected()
		}
	case webrtc.PeerConnectionStateFailed:
		s.c.fail(s, ErrTransportFailed)
	}
}

// close releases the transport, it's safe to call it many times.
func (s *Session) close() {
	if s.state == Closed {
		return
	}
	s.state = Closed
	s.early, s.gated = nil, nil
	if t := s.transport; t != nil {
		log := s.log
		s.c.async(func() {
			if err := t.Close(); err != nil {
				log.Warn().Err(err).Msg("Transport close fail")
			}
		})
	}
	s.log.Debug().Msg("Closed")
}
