// Package voice keeps a full mesh of peer media sessions
// in sync with the membership of a room.
package voice

import (
	"errors"
	"sort"

	"github.com/keyhop/voicemesh/pkg/api"
	"github.com/keyhop/voicemesh/pkg/logger"
	"github.com/pion/webrtc/v3"
)

const (
	DefaultCandidateLimit = 50
	maxStashed            = 64
)

type Options struct {
	Self PeerID
	Room string
	// Executor runs all coordinator code, a new Loop if not set.
	Executor Executor
	// Async runs blocking transport calls, new goroutines if not set.
	Async          func(fn func())
	Transports     TransportFactory
	Signaler       Signaler
	Log            *logger.Logger
	Metrics        *Metrics
	CandidateLimit int
}

// Coordinator is a peer mesh coordinator.
// It owns all the peer sessions of a room and routes signaling between them.
// Every exported method only posts the work to the coordinator loop.
type Coordinator struct {
	self    PeerID
	room    string
	loop    Executor
	own     *Loop
	async   func(fn func())
	factory TransportFactory
	sig     Signaler
	log     *logger.Logger
	metrics *Metrics
	limit   int

	peers    map[PeerID]*Session
	members  map[PeerID]struct{}
	departed map[PeerID]struct{}
	blocked  map[PeerID]struct{}
	stashed  map[PeerID]*stash
	gen      uint64
	ready    bool
	stopped  bool

	onStream func(id PeerID, stream RemoteStream)
}

// stash is the latest offer received before local media was ready.
type stash struct {
	sid        string
	offer      webrtc.SessionDescription
	candidates []candidate
}

var errNoDeps = errors.New("no transport factory or signaler")

func NewCoordinator(opts Options) (*Coordinator, error) {
	if opts.Self == "" {
		return nil, errors.New("no self id")
	}
	if opts.Transports == nil || opts.Signaler == nil {
		return nil, errNoDeps
	}
	c := &Coordinator{
		self:     opts.Self,
		room:     opts.Room,
		loop:     opts.Executor,
		async:    opts.Async,
		factory:  opts.Transports,
		sig:      opts.Signaler,
		log:      opts.Log,
		metrics:  opts.Metrics,
		limit:    opts.CandidateLimit,
		peers:    make(map[PeerID]*Session),
		departed: make(map[PeerID]struct{}),
		blocked:  make(map[PeerID]struct{}),
		stashed:  make(map[PeerID]*stash),
	}
	if c.loop == nil {
		c.own = NewLoop()
		c.loop = c.own
	}
	if c.async == nil {
		c.async = func(fn func()) { go fn() }
	}
	if c.log == nil {
		c.log = logger.Default()
	}
	c.log = c.log.Extend(c.log.With().Str("m", "voice"))
	if c.metrics == nil {
		c.metrics = NewMetrics(nil)
	}
	if c.limit <= 0 {
		c.limit = DefaultCandidateLimit
	}
	return c, nil
}

func (c *Coordinator) Self() PeerID { return c.self }

// OnStream sets the handler of remote media streams.
func (c *Coordinator) OnStream(fn func(id PeerID, stream RemoteStream)) {
	c.loop.Post(func() { c.onStream = fn })
}

// OnLocalMediaReady announces to the room that we can negotiate
// and connects to everyone known so far.
func (c *Coordinator) OnLocalMediaReady() { c.loop.Post(c.mediaReady) }

// OnRoomMembershipSnapshot reconciles the sessions with the current room members.
func (c *Coordinator) OnRoomMembershipSnapshot(members []PeerID) {
	ids := append([]PeerID(nil), members...)
	c.loop.Post(func() { c.snapshot(ids) })
}

// OnSignalingMessage handles a peer message relayed from the participant.
func (c *Coordinator) OnSignalingMessage(t api.PT, from PeerID, payload []byte) {
	if t == api.VoiceReady {
		c.loop.Post(func() { c.handleReady(from) })
		return
	}
	sig := api.Unwrap[api.Signal](payload)
	if sig == nil {
		c.log.Error().Err(api.ErrMalformed).Str(logger.PeerField, string(from)).Msgf("%v", t)
		return
	}
	c.loop.Post(func() { c.dispatch(t, from, *sig) })
}

// Teardown closes the session with the participant.
// It won't be recreated until the participant leaves the room.
func (c *Coordinator) Teardown(id PeerID) {
	c.loop.Post(func() {
		c.teardown(id)
		c.blocked[id] = struct{}{}
	})
}

// TeardownAll closes every session and stops the coordinator.
func (c *Coordinator) TeardownAll() {
	c.loop.Post(func() {
		for id := range c.peers {
			c.teardown(id)
		}
		c.stashed = make(map[PeerID]*stash)
		c.stopped = true
		c.log.Debug().Msg("Voice mesh is down")
		if c.own != nil {
			c.own.Stop()
		}
	})
}

// Sessions calls fn with every session id and state on the coordinator loop.
func (c *Coordinator) Sessions(fn func(map[PeerID]State)) {
	c.loop.Post(func() {
		states := make(map[PeerID]State, len(c.peers))
		for id, s := range c.peers {
			states[id] = s.state
		}
		fn(states)
	})
}

func (c *Coordinator) mediaReady() {
	if c.ready || c.stopped {
		return
	}
	c.ready = true
	if err := c.sig.Broadcast(api.VoiceReady, api.VoiceReadyRequest{Room: c.room}); err != nil {
		c.log.Error().Err(err).Msg("Voice ready announce fail")
	}
	c.log.Info().Msg("Voice is ready")

	ids := make([]PeerID, 0, len(c.stashed))
	for id := range c.stashed {
		ids = append(ids, id)
	}
	sortIds(ids)
	for _, id := range ids {
		st := c.stashed[id]
		delete(c.stashed, id)
		offer := st.offer
		c.handleOffer(id, api.Signal{Sid: st.sid, Sdp: &offer})
		for i := range st.candidates {
			c.handleCandidate(id, api.Signal{Sid: st.candidates[i].sid, Candidate: &st.candidates[i].init})
		}
	}
	c.reconcile()
}

func (c *Coordinator) snapshot(ids []PeerID) {
	if c.stopped {
		return
	}
	members := make(map[PeerID]struct{}, len(ids))
	for _, id := range ids {
		members[id] = struct{}{}
		delete(c.departed, id)
	}
	for id := range c.members {
		if _, ok := members[id]; !ok {
			c.departed[id] = struct{}{}
			delete(c.stashed, id)
		}
	}
	for id := range c.blocked {
		if _, ok := members[id]; !ok {
			delete(c.blocked, id)
		}
	}
	c.members = members
	if c.ready {
		c.reconcile()
	}
}

// reconcile makes the session set equal to the room members without self.
func (c *Coordinator) reconcile() {
	for id := range c.peers {
		if !c.member(id) {
			c.teardown(id)
		}
	}
	ids := make([]PeerID, 0, len(c.members))
	for id := range c.members {
		ids = append(ids, id)
	}
	sortIds(ids)
	for _, id := range ids {
		c.connect(id)
	}
}

// connect starts a negotiation with the participant unless there is a session already.
func (c *Coordinator) connect(id PeerID) {
	if id == c.self || c.peers[id] != nil || c.isBlocked(id) {
		return
	}
	s, err := c.add(id, Initiator)
	if err != nil {
		c.log.Error().Err(err).Str(logger.PeerField, string(id)).Msg("No session")
		return
	}
	if err = s.createOffer(); err != nil {
		c.fail(s, err)
	}
}

func (c *Coordinator) dispatch(t api.PT, from PeerID, sig api.Signal) {
	if c.stopped || from == c.self || from == "" {
		return
	}
	switch t {
	case api.WebrtcOffer:
		if sig.Sdp == nil || sig.Sdp.Type != webrtc.SDPTypeOffer {
			c.malformed(t, from)
			return
		}
		c.handleOffer(from, sig)
	case api.WebrtcAnswer:
		if sig.Sdp == nil || sig.Sdp.Type != webrtc.SDPTypeAnswer {
			c.malformed(t, from)
			return
		}
		c.handleAnswer(from, sig)
	case api.WebrtcIceCandidate:
		if sig.Candidate == nil {
			c.malformed(t, from)
			return
		}
		c.handleCandidate(from, sig)
	default:
		c.log.Warn().Str(logger.PeerField, string(from)).Msgf("Unknown signal %v", t)
	}
}

func (c *Coordinator) handleReady(from PeerID) {
	if c.stopped || !c.ready || from == c.self || from == "" {
		return
	}
	if c.isBlocked(from) || (c.members != nil && !c.member(from)) {
		c.stale(api.VoiceReady, from)
		return
	}
	c.connect(from)
}

func (c *Coordinator) handleOffer(from PeerID, sig api.Signal) {
	if c.isBlocked(from) {
		c.stale(api.WebrtcOffer, from)
		return
	}
	if !c.ready {
		c.stash(from, sig)
		return
	}
	if s := c.peers[from]; s != nil {
		if _, ok := s.ignored[sig.Sid]; ok && sig.Sid != "" {
			c.stale(api.WebrtcOffer, from)
			return
		}
		switch {
		case s.role == Initiator && (s.state == New || s.state == OfferSent):
			if initiates(c.self, from) {
				s.ignore(sig.Sid)
				s.log.Debug().Msg("Glare, remote offer ignored")
				return
			}
			s.log.Debug().Msg("Glare, answering remote offer")
		case sig.Sid != "" && sig.Sid == s.remoteSid:
			c.stale(api.WebrtcOffer, from)
			return
		default:
			s.log.Debug().Msg("New negotiation from remote")
		}
		c.teardown(from)
	}
	s, err := c.add(from, Responder)
	if err != nil {
		c.log.Error().Err(err).Str(logger.PeerField, string(from)).Msg("No session")
		return
	}
	if err = s.acceptOffer(*sig.Sdp, sig.Sid); err != nil {
		c.fail(s, err)
	}
}

func (c *Coordinator) handleAnswer(from PeerID, sig api.Signal) {
	s := c.peers[from]
	if s == nil || (sig.Ack != "" && sig.Ack != s.sid) {
		c.stale(api.WebrtcAnswer, from)
		return
	}
	s.acceptAnswer(*sig.Sdp, sig.Sid)
}

func (c *Coordinator) handleCandidate(from PeerID, sig api.Signal) {
	s := c.peers[from]
	if s == nil {
		if st := c.stashed[from]; st != nil && (sig.Sid == "" || sig.Sid == st.sid) {
			if len(st.candidates) >= c.limit {
				st.candidates = st.candidates[1:]
				c.metrics.dropped.Inc()
			}
			st.candidates = append(st.candidates, candidate{sid: sig.Sid, init: *sig.Candidate})
			return
		}
		c.stale(api.WebrtcIceCandidate, from)
		return
	}
	if err := s.addRemoteCandidate(*sig.Candidate, sig.Sid); err != nil {
		c.stale(api.WebrtcIceCandidate, from)
	}
}

func (c *Coordinator) stash(from PeerID, sig api.Signal) {
	if _, ok := c.stashed[from]; !ok && len(c.stashed) >= maxStashed {
		c.log.Warn().Str(logger.PeerField, string(from)).Msg("Too many offers before voice is ready")
		return
	}
	c.stashed[from] = &stash{sid: sig.Sid, offer: *sig.Sdp}
	c.log.Debug().Str(logger.PeerField, string(from)).Msg("Offer stashed until voice is ready")
}

// add makes a new session with a transport.
// There can be only one session for a participant.
func (c *Coordinator) add(id PeerID, role Role) (*Session, error) {
	if c.peers[id] != nil {
		return nil, ErrSessionExists
	}
	c.gen++
	gen := c.gen
	s := newSession(c, id, role, gen)
	t, err := c.factory(id, TransportEvents{
		OnCandidate: func(init webrtc.ICECandidateInit) {
			c.loop.Post(func() {
				if c.live(id, gen) {
					s.localCandidate(init)
				}
			})
		},
		OnTrack: func(stream RemoteStream) {
			c.loop.Post(func() {
				if c.live(id, gen) && c.onStream != nil {
					c.onStream(id, stream)
				}
			})
		},
		OnState: func(state webrtc.PeerConnectionState) {
			c.loop.Post(func() {
				if c.live(id, gen) {
					s.onTransportState(state)
				}
			})
		},
	})
	if err != nil {
		return nil, err
	}
	s.transport = t
	c.peers[id] = s
	c.metrics.sessions.Inc()
	s.log.Debug().Msg("Session created")
	return s, nil
}

func (c *Coordinator) teardown(id PeerID) {
	s := c.peers[id]
	if s == nil {
		return
	}
	delete(c.peers, id)
	c.metrics.sessions.Dec()
	s.close()
}

// fail closes the session, the next membership snapshot will recreate it.
func (c *Coordinator) fail(s *Session, err error) {
	s.log.Error().Err(err).Str("state", s.state.String()).Msg("Session failed")
	c.metrics.negotiations.WithLabelValues("failed").Inc()
	if c.peers[s.id] == s {
		c.teardown(s.id)
	} else {
		s.close()
	}
}

func (c *Coordinator) signal(t api.PT, to PeerID, payload api.Signal) {
	if err := c.sig.Send(t, to, payload); err != nil {
		c.log.Error().Err(err).Str(logger.PeerField, string(to)).Msgf("%v send fail", t)
	}
}

func (c *Coordinator) stale(t api.PT, from PeerID) {
	c.metrics.stale.WithLabelValues(t.String()).Inc()
	c.log.Debug().Err(ErrStaleMessage).Str(logger.PeerField, string(from)).Msgf("%v", t)
}

func (c *Coordinator) malformed(t api.PT, from PeerID) {
	c.log.Error().Err(api.ErrMalformed).Str(logger.PeerField, string(from)).Msgf("%v", t)
}

// current tells whether a completion tagged with the session generation
// and the expected state still applies.
func (c *Coordinator) current(id PeerID, gen uint64, expect State) bool {
	s := c.peers[id]
	return s != nil && s.gen == gen && s.state == expect
}

func (c *Coordinator) live(id PeerID, gen uint64) bool {
	s := c.peers[id]
	return s != nil && s.gen == gen && s.state != Closed
}

func (c *Coordinator) member(id PeerID) bool { _, ok := c.members[id]; return ok }

func (c *Coordinator) isBlocked(id PeerID) bool {
	_, departed := c.departed[id]
	_, blocked := c.blocked[id]
	return departed || blocked
}

func sortIds(ids []PeerID) { sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] }) }
