package voice

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/goccy/go-json"
	"github.com/keyhop/voicemesh/pkg/api"
	"github.com/keyhop/voicemesh/pkg/logger"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"
)

// manual is a loop driven by the test.
type manual struct{ q []func() }

func (m *manual) Post(fn func()) { m.q = append(m.q, fn) }

func (m *manual) runOne() bool {
	if len(m.q) == 0 {
		return false
	}
	fn := m.q[0]
	m.q = m.q[1:]
	fn()
	return true
}

func (m *manual) drain() {
	for m.runOne() {
	}
}

type msg struct {
	t        api.PT
	from, to PeerID
	payload  []byte
}

// fabric connects coordinators in memory the way the relay does:
// FIFO between a sender and a recipient, any order otherwise.
type fabric struct {
	t      *testing.T
	nodes  map[PeerID]*node
	order  []PeerID
	queue  []msg
	outbox map[PeerID][]msg
	rnd    *rand.Rand
}

type node struct {
	id         PeerID
	c          *Coordinator
	loop       *manual
	transports []*fakeTransport
	streams    []PeerID
	joined     bool
	async      func(fn func())
}

func newFabric(t *testing.T) *fabric {
	return &fabric{t: t, nodes: make(map[PeerID]*node), outbox: make(map[PeerID][]msg)}
}

func (f *fabric) add(id PeerID) *node { return f.addWith(id, nil) }

func (f *fabric) addWith(id PeerID, async func(fn func())) *node {
	n := &node{id: id, loop: &manual{}, joined: true, async: async}
	if n.async == nil {
		n.async = func(fn func()) { fn() }
	}
	c, err := NewCoordinator(Options{
		Self:           id,
		Room:           "test",
		Executor:       n.loop,
		Async:          n.async,
		Transports:     n.newTransport,
		Signaler:       &signaler{f: f, from: id},
		Log:            logger.Nop(),
		CandidateLimit: 50,
	})
	if err != nil {
		f.t.Fatalf("no coordinator, %v", err)
	}
	c.OnStream(func(id PeerID, _ RemoteStream) { n.streams = append(n.streams, id) })
	n.c = c
	if _, ok := f.nodes[id]; !ok {
		f.order = append(f.order, id)
	}
	f.nodes[id] = n
	return n
}

// leave disconnects the node from the relay.
func (f *fabric) leave(id PeerID) {
	n := f.nodes[id]
	n.joined = false
	n.c.TeardownAll()
	n.loop.drain()
}

func (f *fabric) snapshot(ids ...PeerID) {
	for _, id := range ids {
		if n, ok := f.nodes[id]; ok && n.joined {
			n.c.OnRoomMembershipSnapshot(ids)
		}
	}
}

func (f *fabric) ready(ids ...PeerID) {
	for _, id := range ids {
		f.nodes[id].c.OnLocalMediaReady()
	}
}

// inject delivers a message from someone outside the fabric.
func (f *fabric) inject(t api.PT, from, to PeerID, payload any) {
	b, err := json.Marshal(payload)
	if err != nil {
		f.t.Fatal(err)
	}
	n := f.nodes[to]
	n.c.OnSignalingMessage(t, from, b)
	n.loop.drain()
}

func (f *fabric) run() {
	for i := 0; i < 100000; i++ {
		if f.step() || f.link() {
			continue
		}
		return
	}
	f.t.Fatalf("no convergence")
}

// steps makes at most n steps.
func (f *fabric) steps(n int) {
	for i := 0; i < n && f.step(); i++ {
	}
}

func (f *fabric) step() bool {
	for _, id := range f.order {
		if f.nodes[id].loop.runOne() {
			return true
		}
	}
	if len(f.queue) == 0 {
		return false
	}
	i := f.pick()
	m := f.queue[i]
	f.queue = append(f.queue[:i], f.queue[i+1:]...)
	n, ok := f.nodes[m.to]
	switch {
	case !ok:
		f.outbox[m.to] = append(f.outbox[m.to], m)
	case n.joined:
		n.c.OnSignalingMessage(m.t, m.from, m.payload)
	}
	return true
}

// pick selects the next message without breaking sender to recipient order.
func (f *fabric) pick() int {
	if f.rnd == nil {
		return 0
	}
	var heads []int
	seen := make(map[[2]PeerID]bool)
	for i, m := range f.queue {
		k := [2]PeerID{m.from, m.to}
		if !seen[k] {
			seen[k] = true
			heads = append(heads, i)
		}
	}
	return heads[f.rnd.Intn(len(heads))]
}

// link connects transports that have matching descriptions and candidates.
func (f *fabric) link() bool {
	linked := false
	for _, id := range f.order {
		a := f.nodes[id]
		for _, ta := range a.transports {
			if ta.connected || !ta.ready() {
				continue
			}
			b, ok := f.nodes[ta.remote]
			if !ok || !b.joined {
				continue
			}
			for _, tb := range b.transports {
				if tb.remote == a.id && tb.ready() &&
					tb.local.SDP == ta.remoteDesc.SDP && tb.remoteDesc.SDP == ta.local.SDP &&
					ta.has(tb.candidate()) {
					ta.connected = true
					ta.events.OnState(webrtc.PeerConnectionStateConnected)
					ta.events.OnTrack(fakeStream{id: string(tb.owner)})
					linked = true
				}
			}
		}
	}
	return linked
}

type signaler struct {
	f    *fabric
	from PeerID
}

func (s *signaler) Send(t api.PT, to PeerID, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	s.f.queue = append(s.f.queue, msg{t: t, from: s.from, to: to, payload: b})
	return nil
}

func (s *signaler) Broadcast(t api.PT, payload any) error {
	for _, id := range s.f.order {
		if n := s.f.nodes[id]; id != s.from && n.joined {
			if err := s.Send(t, id, payload); err != nil {
				return err
			}
		}
	}
	return nil
}

var errNoRemote = errors.New("remote description is not set")

type fakeTransport struct {
	owner, remote PeerID
	n             int
	events        TransportEvents

	local      *webrtc.SessionDescription
	remoteDesc *webrtc.SessionDescription
	applied    []string
	rejected   int
	setAnswers int
	closed     int
	connected  bool
	err        error
}

func (n *node) newTransport(id PeerID, events TransportEvents) (Transport, error) {
	t := &fakeTransport{owner: n.id, remote: id, n: len(n.transports) + 1, events: events}
	n.transports = append(n.transports, t)
	return t, nil
}

// last returns the latest transport to the peer.
func (n *node) last(id PeerID) *fakeTransport {
	for i := len(n.transports) - 1; i >= 0; i-- {
		if n.transports[i].remote == id {
			return n.transports[i]
		}
	}
	return nil
}

func (t *fakeTransport) CreateOffer() (webrtc.SessionDescription, error) {
	if t.err != nil {
		return webrtc.SessionDescription{}, t.err
	}
	d := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("%v>%v#%v", t.owner, t.remote, t.n)}
	t.local = &d
	t.gather()
	return d, nil
}

func (t *fakeTransport) CreateAnswer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if t.err != nil {
		return webrtc.SessionDescription{}, t.err
	}
	t.remoteDesc = &offer
	d := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: fmt.Sprintf("%v<%v#%v", t.owner, t.remote, t.n)}
	t.local = &d
	t.gather()
	return d, nil
}

func (t *fakeTransport) SetAnswer(answer webrtc.SessionDescription) error {
	t.setAnswers++
	if t.remoteDesc != nil {
		return errors.New("answer is already set")
	}
	t.remoteDesc = &answer
	return nil
}

func (t *fakeTransport) AddCandidate(c webrtc.ICECandidateInit) error {
	if t.remoteDesc == nil {
		t.rejected++
		return errNoRemote
	}
	t.applied = append(t.applied, c.Candidate)
	return nil
}

func (t *fakeTransport) Close() error { t.closed++; return nil }

func (t *fakeTransport) gather() {
	t.events.OnCandidate(webrtc.ICECandidateInit{Candidate: t.candidate()})
}

func (t *fakeTransport) candidate() string { return fmt.Sprintf("cand %v#%v", t.owner, t.n) }

func (t *fakeTransport) ready() bool {
	return t.closed == 0 && t.local != nil && t.remoteDesc != nil && len(t.applied) > 0
}

func (t *fakeTransport) has(c string) bool {
	for _, a := range t.applied {
		if a == c {
			return true
		}
	}
	return false
}

type fakeStream struct{ id string }

func (s fakeStream) ID() string                { return s.id }
func (s fakeStream) StreamID() string          { return s.id }
func (s fakeStream) Kind() webrtc.RTPCodecType { return webrtc.RTPCodecTypeAudio }
func (s fakeStream) Read([]byte) (int, interceptor.Attributes, error) {
	return 0, nil, errors.New("nothing to read")
}
