package voice

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"testing"

	"github.com/goccy/go-json"
	"github.com/keyhop/voicemesh/pkg/api"
	"github.com/pion/webrtc/v3"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// sent returns signals addressed to someone outside the fabric.
func (f *fabric) sent(to PeerID, t api.PT) (out []api.Signal) {
	for _, m := range append(append([]msg{}, f.outbox[to]...), f.queue...) {
		if m.to != to || m.t != t {
			continue
		}
		var sig api.Signal
		if err := json.Unmarshal(m.payload, &sig); err != nil {
			f.t.Fatal(err)
		}
		out = append(out, sig)
	}
	return
}

func offer(sdp string) *webrtc.SessionDescription {
	return &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}
}

func answer(sdp string) *webrtc.SessionDescription {
	return &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}
}

func cand(c string) *webrtc.ICECandidateInit { return &webrtc.ICECandidateInit{Candidate: c} }

func assertMesh(t *testing.T, f *fabric, ids ...PeerID) {
	t.Helper()
	for _, a := range ids {
		n := f.nodes[a]
		if len(n.c.peers) != len(ids)-1 {
			t.Errorf("%v: expected %v sessions, got %v", a, len(ids)-1, states(n.c))
		}
		for _, b := range ids {
			if a == b {
				continue
			}
			s := n.c.peers[b]
			if s == nil {
				t.Errorf("%v: no session with %v", a, b)
				continue
			}
			if s.state != Connected {
				t.Errorf("%v: session with %v is %v", a, b, s.state)
			}
		}
	}
}

func states(c *Coordinator) map[PeerID]State {
	m := make(map[PeerID]State)
	for id, s := range c.peers {
		m[id] = s.state
	}
	return m
}

func TestInitiates(t *testing.T) {
	tests := []struct {
		a, b PeerID
		want bool
	}{
		{a: "a", b: "b", want: true},
		{a: "b", b: "a", want: false},
		{a: "0f8c", b: "0f8d", want: true},
		{a: "aa", b: "a", want: false},
	}
	for _, test := range tests {
		if got := initiates(test.a, test.b); got != test.want {
			t.Errorf("initiates(%v, %v) = %v", test.a, test.b, got)
		}
		if initiates(test.a, test.b) == initiates(test.b, test.a) {
			t.Errorf("both %v and %v initiate", test.a, test.b)
		}
	}
}

func TestFullMesh(t *testing.T) {
	f := newFabric(t)
	f.add("x")
	f.snapshot("x")
	f.ready("x")
	f.run()

	f.add("y")
	f.snapshot("x", "y")
	f.ready("y")
	f.run()

	f.add("z")
	f.snapshot("x", "y", "z")
	f.ready("z")
	f.run()

	assertMesh(t, f, "x", "y", "z")
	directed := 0
	for _, n := range f.nodes {
		directed += len(n.c.peers)
		if len(n.streams) != 2 {
			t.Errorf("%v: expected 2 remote streams, got %v", n.id, n.streams)
		}
	}
	if directed != 6 {
		t.Errorf("expected 6 directed sessions, got %v", directed)
	}
}

func TestGlare(t *testing.T) {
	for seed := int64(0); seed < 30; seed++ {
		seed := seed
		t.Run(fmt.Sprintf("seed %v", seed), func(t *testing.T) {
			f := newFabric(t)
			if seed > 0 {
				f.rnd = rand.New(rand.NewSource(seed))
			}
			a, b := f.add("a"), f.add("b")
			f.ready("a", "b")
			f.snapshot("a", "b")
			f.run()

			assertMesh(t, f, "a", "b")
			if r := a.c.peers["b"].role; r != Initiator {
				t.Errorf("a should initiate, it is %v", r)
			}
			if r := b.c.peers["a"].role; r != Responder {
				t.Errorf("b should respond, it is %v", r)
			}
			// the own attempt of b is dropped
			open := 0
			for _, tr := range b.transports {
				if tr.closed == 0 {
					open++
				}
				if tr.closed > 1 {
					t.Errorf("transport %v closed %v times", tr.n, tr.closed)
				}
			}
			if open != 1 {
				t.Errorf("expected one open transport, got %v", open)
			}
			for _, tr := range a.transports {
				if tr.rejected > 0 {
					t.Errorf("%v candidates applied without a remote description", tr.rejected)
				}
			}
		})
	}
}

func TestSnapshotConvergence(t *testing.T) {
	tests := []struct {
		s1, s2 []PeerID
	}{
		{s1: []PeerID{"a", "b", "c"}, s2: []PeerID{"a", "b"}},
		{s1: []PeerID{"a"}, s2: []PeerID{"a", "b", "c"}},
		{s1: []PeerID{"a", "b", "c", "d"}, s2: []PeerID{"b", "d", "e"}},
		{s1: []PeerID{"c", "d"}, s2: []PeerID{"a", "b", "c", "d", "e"}},
		{s1: []PeerID{"a", "b"}, s2: []PeerID{"e"}},
	}
	for i, test := range tests {
		test := test
		for seed := int64(1); seed <= 10; seed++ {
			seed := seed
			t.Run(fmt.Sprintf("%v/seed %v", i, seed), func(t *testing.T) {
				f := newFabric(t)
				f.rnd = rand.New(rand.NewSource(seed))
				in := func(ids []PeerID, id PeerID) bool {
					for _, x := range ids {
						if x == id {
							return true
						}
					}
					return false
				}

				for _, id := range test.s1 {
					f.add(id)
				}
				f.snapshot(test.s1...)
				f.ready(test.s1...)
				f.steps(f.rnd.Intn(60))

				for _, id := range test.s1 {
					if !in(test.s2, id) {
						f.leave(id)
					}
				}
				var joined []PeerID
				for _, id := range test.s2 {
					if !in(test.s1, id) {
						f.add(id)
						joined = append(joined, id)
					}
				}
				f.snapshot(test.s2...)
				f.ready(joined...)
				f.run()

				for _, id := range test.s2 {
					var got []string
					for p := range f.nodes[id].c.peers {
						got = append(got, string(p))
					}
					sort.Strings(got)
					var want []string
					for _, p := range test.s2 {
						if p != id {
							want = append(want, string(p))
						}
					}
					if fmt.Sprint(got) != fmt.Sprint(want) {
						t.Errorf("%v: expected sessions %v, got %v", id, want, got)
					}
				}
				assertMesh(t, f, test.s2...)
			})
		}
	}
}

// initiated makes a with a session in OfferSent towards b outside the fabric.
func initiated(t *testing.T) (*fabric, *node, api.Signal) {
	f := newFabric(t)
	a := f.add("a")
	f.ready("a")
	f.snapshot("a", "b")
	f.run()
	offers := f.sent("b", api.WebrtcOffer)
	if len(offers) != 1 {
		t.Fatalf("expected an offer, got %v", offers)
	}
	if s := a.c.peers["b"]; s == nil || s.state != OfferSent || s.role != Initiator {
		t.Fatalf("unexpected session %v", states(a.c))
	}
	return f, a, offers[0]
}

func TestCandidateBeforeAnswer(t *testing.T) {
	f, a, o := initiated(t)
	tr := a.last("b")

	for _, c := range []string{"c1", "c2", "c3"} {
		f.inject(api.WebrtcIceCandidate, "b", "a", api.Signal{Sid: "sb", Candidate: cand(c)})
	}
	if len(tr.applied) != 0 {
		t.Fatalf("candidates applied before the answer: %v", tr.applied)
	}

	ans := api.Signal{Sid: "sb", Ack: o.Sid, Sdp: answer("b<a")}
	f.inject(api.WebrtcAnswer, "b", "a", ans)
	if fmt.Sprint(tr.applied) != "[c1 c2 c3]" {
		t.Errorf("wrong early candidates %v", tr.applied)
	}
	if s := a.c.peers["b"]; s.state != Connected {
		t.Errorf("expected connected, got %v", s.state)
	}

	// duplicate answer
	f.inject(api.WebrtcAnswer, "b", "a", ans)
	if tr.setAnswers != 1 {
		t.Errorf("answer applied %v times", tr.setAnswers)
	}
	if fmt.Sprint(tr.applied) != "[c1 c2 c3]" {
		t.Errorf("early candidates replayed %v", tr.applied)
	}

	f.inject(api.WebrtcIceCandidate, "b", "a", api.Signal{Sid: "sb", Candidate: cand("c4")})
	if fmt.Sprint(tr.applied) != "[c1 c2 c3 c4]" {
		t.Errorf("late candidate is not applied %v", tr.applied)
	}
	if tr.rejected != 0 {
		t.Errorf("%v candidates applied without a remote description", tr.rejected)
	}
}

func TestLocalCandidatesAfterOffer(t *testing.T) {
	f, _, _ := initiated(t)
	var order []api.PT
	for _, m := range f.outbox["b"] {
		order = append(order, m.t)
	}
	if len(order) != 2 || order[0] != api.WebrtcOffer || order[1] != api.WebrtcIceCandidate {
		t.Errorf("candidates should follow the offer, got %v", order)
	}
}

func TestCandidateQueueLimit(t *testing.T) {
	f, a, o := initiated(t)
	tr := a.last("b")
	for i := 1; i <= 55; i++ {
		f.inject(api.WebrtcIceCandidate, "b", "a", api.Signal{Sid: "sb", Candidate: cand(fmt.Sprintf("c%v", i))})
	}
	f.inject(api.WebrtcAnswer, "b", "a", api.Signal{Sid: "sb", Ack: o.Sid, Sdp: answer("b<a")})

	if len(tr.applied) != 50 {
		t.Fatalf("expected 50 candidates, got %v", len(tr.applied))
	}
	if tr.applied[0] != "c6" || tr.applied[49] != "c55" {
		t.Errorf("the oldest should be dropped, got %v..%v", tr.applied[0], tr.applied[49])
	}
	if v := testutil.ToFloat64(a.c.metrics.dropped); v != 5 {
		t.Errorf("expected 5 dropped, got %v", v)
	}
}

func TestStaleSignals(t *testing.T) {
	f, a, o := initiated(t)
	tr := a.last("b")

	// a candidate of another attempt of b
	f.inject(api.WebrtcIceCandidate, "b", "a", api.Signal{Sid: "old", Candidate: cand("c0")})
	f.inject(api.WebrtcIceCandidate, "b", "a", api.Signal{Sid: "sb", Candidate: cand("c1")})
	// an answer to some other offer
	f.inject(api.WebrtcAnswer, "b", "a", api.Signal{Sid: "sx", Ack: "other", Sdp: answer("x")})
	if tr.setAnswers != 0 {
		t.Errorf("answer to an unknown offer was applied")
	}
	f.inject(api.WebrtcAnswer, "b", "a", api.Signal{Sid: "sb", Ack: o.Sid, Sdp: answer("b<a")})
	if fmt.Sprint(tr.applied) != "[c1]" {
		t.Errorf("expected only c1, got %v", tr.applied)
	}
	f.inject(api.WebrtcIceCandidate, "b", "a", api.Signal{Sid: "old", Candidate: cand("c2")})
	if fmt.Sprint(tr.applied) != "[c1]" {
		t.Errorf("expected only c1, got %v", tr.applied)
	}

	// no session at all
	f.inject(api.WebrtcAnswer, "c", "a", api.Signal{Sid: "sc", Sdp: answer("c<a")})
	f.inject(api.WebrtcIceCandidate, "c", "a", api.Signal{Sid: "sc", Candidate: cand("c3")})
	if a.c.peers["c"] != nil {
		t.Errorf("stale messages should not create sessions")
	}
	if v := testutil.ToFloat64(a.c.metrics.stale.WithLabelValues(api.WebrtcAnswer.String())); v != 2 {
		t.Errorf("expected 2 stale answers, got %v", v)
	}
	if v := testutil.ToFloat64(a.c.metrics.stale.WithLabelValues(api.WebrtcIceCandidate.String())); v != 2 {
		t.Errorf("expected 2 stale candidates, got %v", v)
	}
}

func TestMalformedSignals(t *testing.T) {
	f := newFabric(t)
	a := f.add("a")
	f.ready("a")
	a.loop.drain()
	f.inject(api.WebrtcOffer, "b", "a", api.Signal{Sid: "sb"})
	f.inject(api.WebrtcOffer, "b", "a", api.Signal{Sid: "sb", Sdp: answer("wrong type")})
	f.inject(api.WebrtcIceCandidate, "b", "a", api.Signal{Sid: "sb"})
	a.c.OnSignalingMessage(api.WebrtcOffer, "b", []byte("{"))
	a.loop.drain()
	if len(a.c.peers) != 0 || len(a.transports) != 0 {
		t.Errorf("malformed messages should be ignored, got %v", states(a.c))
	}
}

func TestIdempotentClose(t *testing.T) {
	_, a, _ := initiated(t)
	s := a.c.peers["b"]
	tr := a.last("b")
	s.close()
	s.close()
	a.c.Teardown("b")
	a.c.Teardown("b")
	a.loop.drain()
	if tr.closed != 1 {
		t.Errorf("transport closed %v times", tr.closed)
	}
	if s.State() != Closed {
		t.Errorf("expected closed, got %v", s.State())
	}
	if err := s.addRemoteCandidate(*cand("c1"), ""); !errors.Is(err, ErrStaleMessage) {
		t.Errorf("closed session should not take candidates, %v", err)
	}
}

func TestStaleCompletion(t *testing.T) {
	var jobs []func()
	f := newFabric(t)
	a := f.addWith("a", func(fn func()) { jobs = append(jobs, fn) })
	f.ready("a")
	f.snapshot("a", "b")
	a.loop.drain()
	if len(jobs) != 1 {
		t.Fatalf("expected the offer in flight, got %v jobs", len(jobs))
	}

	a.c.Teardown("b")
	a.loop.drain()
	for len(jobs) > 0 {
		job := jobs[0]
		jobs = jobs[1:]
		job()
	}
	a.loop.drain()

	if offers := f.sent("b", api.WebrtcOffer); len(offers) != 0 {
		t.Errorf("offer of a closed session was sent %v", offers)
	}
	if cc := f.sent("b", api.WebrtcIceCandidate); len(cc) != 0 {
		t.Errorf("candidates of a closed session were sent %v", cc)
	}
	if tr := a.last("b"); tr.closed != 1 {
		t.Errorf("transport closed %v times", tr.closed)
	}

	// no recreation until b leaves
	f.snapshot("a", "b")
	a.loop.drain()
	if a.c.peers["b"] != nil {
		t.Errorf("torn down session recreated")
	}
	f.snapshot("a")
	f.snapshot("a", "b")
	a.loop.drain()
	if a.c.peers["b"] == nil {
		t.Errorf("session should be recreated after b rejoined")
	}
}

func TestNegotiationErrors(t *testing.T) {
	var jobs []func()
	f := newFabric(t)
	a := f.addWith("a", func(fn func()) { jobs = append(jobs, fn) })
	f.ready("a")
	f.snapshot("a", "b")
	a.loop.drain()
	s := a.c.peers["b"]

	err := s.createOffer()
	var ne *NegotiationError
	if !errors.Is(err, ErrNegotiation) || !errors.As(err, &ne) {
		t.Fatalf("expected negotiation error, got %v", err)
	}
	if ne.Peer != "b" || ne.Op != "createOffer" {
		t.Errorf("wrong error %+v", ne)
	}
	if err = s.acceptOffer(*offer("x"), "sx"); !errors.Is(err, ErrNegotiation) {
		t.Errorf("initiator should not accept offers, %v", err)
	}
	if _, err = a.c.add("b", Responder); err != ErrSessionExists {
		t.Errorf("expected %v, got %v", ErrSessionExists, err)
	}
}

func TestFailedOffer(t *testing.T) {
	f := newFabric(t)
	a := f.add("a")
	a.c.factory = func(id PeerID, events TransportEvents) (Transport, error) {
		tr, _ := a.newTransport(id, events)
		tr.(*fakeTransport).err = errors.New("no codecs")
		return tr, nil
	}
	f.ready("a")
	f.snapshot("a", "b")
	f.run()
	if a.c.peers["b"] != nil {
		t.Errorf("failed session should be closed")
	}
	if tr := a.last("b"); tr == nil || tr.closed != 1 {
		t.Errorf("transport of the failed session should be closed")
	}
	if v := testutil.ToFloat64(a.c.metrics.negotiations.WithLabelValues("failed")); v != 1 {
		t.Errorf("expected a failure, got %v", v)
	}
}

func TestTransportFailure(t *testing.T) {
	for _, failing := range []PeerID{"a", "b"} {
		failing := failing
		t.Run(string(failing), func(t *testing.T) {
			f := newFabric(t)
			f.add("a")
			f.add("b")
			f.ready("a", "b")
			f.snapshot("a", "b")
			f.run()
			assertMesh(t, f, "a", "b")

			n := f.nodes[failing]
			other := PeerID("b")
			if failing == "b" {
				other = "a"
			}
			first := n.last(other)
			first.events.OnState(webrtc.PeerConnectionStateFailed)
			n.loop.drain()
			if n.c.peers[other] != nil {
				t.Fatalf("failed session should be closed")
			}

			f.snapshot("a", "b")
			f.run()
			assertMesh(t, f, "a", "b")
			if n.last(other) == first {
				t.Errorf("session should use a new transport")
			}
		})
	}
}

func TestDeparture(t *testing.T) {
	f := newFabric(t)
	for _, id := range []PeerID{"x", "y", "z"} {
		f.add(id)
	}
	f.snapshot("x", "y", "z")
	f.ready("x", "y", "z")
	f.run()
	assertMesh(t, f, "x", "y", "z")

	f.leave("x")
	f.snapshot("y", "z")
	f.run()
	for _, id := range []PeerID{"y", "z"} {
		n := f.nodes[id]
		if n.c.peers["x"] != nil {
			t.Errorf("%v keeps a session with x", id)
		}
		for _, tr := range n.transports {
			if tr.remote == "x" && tr.closed != 1 {
				t.Errorf("%v: transport to x closed %v times", id, tr.closed)
			}
		}
	}
	assertMesh(t, f, "y", "z")

	f.snapshot("y", "z")
	f.inject(api.WebrtcOffer, "x", "y", api.Signal{Sid: "late", Sdp: offer("late")})
	f.nodes["z"].c.OnSignalingMessage(api.VoiceReady, "x", nil)
	f.run()
	if f.nodes["y"].c.peers["x"] != nil || f.nodes["z"].c.peers["x"] != nil {
		t.Errorf("departed participant should not be reconnected")
	}

	f.add("x")
	f.snapshot("x", "y", "z")
	f.ready("x")
	f.run()
	assertMesh(t, f, "x", "y", "z")
}

func TestOffersBeforeMedia(t *testing.T) {
	f := newFabric(t)
	a := f.add("a")
	f.snapshot("a", "b")
	f.run()
	if len(a.c.peers) != 0 {
		t.Fatalf("no sessions without media, got %v", states(a.c))
	}
	f.inject(api.WebrtcOffer, "b", "a", api.Signal{Sid: "sb", Sdp: offer("b>a")})
	f.inject(api.WebrtcIceCandidate, "b", "a", api.Signal{Sid: "sb", Candidate: cand("c1")})
	if len(a.c.peers) != 0 {
		t.Fatalf("no sessions without media, got %v", states(a.c))
	}

	f.ready("a")
	f.run()
	s := a.c.peers["b"]
	if s == nil || s.role != Responder || s.state != AnswerSent {
		t.Fatalf("expected a responder, got %v", states(a.c))
	}
	answers := f.sent("b", api.WebrtcAnswer)
	if len(answers) != 1 || answers[0].Ack != "sb" || answers[0].Sdp == nil {
		t.Errorf("wrong answer %v", answers)
	}
	if len(f.sent("b", api.WebrtcOffer)) != 0 {
		t.Errorf("a should not offer to b")
	}
	if tr := a.last("b"); fmt.Sprint(tr.applied) != "[c1]" {
		t.Errorf("stashed candidates are not applied: %v", tr.applied)
	}

	// ready twice
	f.ready("a")
	f.run()
	if len(a.transports) != 1 {
		t.Errorf("repeated ready should do nothing")
	}
}

func TestVoiceReady(t *testing.T) {
	f := newFabric(t)
	a := f.add("a")
	f.ready("a")
	a.loop.drain()

	a.c.OnSignalingMessage(api.VoiceReady, "b", nil)
	a.loop.drain()
	if s := a.c.peers["b"]; s == nil || s.role != Initiator {
		t.Errorf("expected a session with b, got %v", states(a.c))
	}

	f.snapshot("a", "b")
	a.loop.drain()
	a.c.OnSignalingMessage(api.VoiceReady, "c", nil)
	a.loop.drain()
	if a.c.peers["c"] != nil {
		t.Errorf("c is not in the room")
	}
}

func TestTeardownAll(t *testing.T) {
	f := newFabric(t)
	for _, id := range []PeerID{"a", "b", "c"} {
		f.add(id)
	}
	f.snapshot("a", "b", "c")
	f.ready("a", "b", "c")
	f.run()

	a := f.nodes["a"]
	a.c.TeardownAll()
	a.c.OnRoomMembershipSnapshot([]PeerID{"a", "b", "c"})
	a.loop.drain()
	if len(a.c.peers) != 0 {
		t.Errorf("expected no sessions, got %v", states(a.c))
	}
	for _, tr := range a.transports {
		if tr.closed != 1 {
			t.Errorf("transport %v to %v closed %v times", tr.n, tr.remote, tr.closed)
		}
	}
}

func TestSessions(t *testing.T) {
	f := newFabric(t)
	f.add("a")
	f.add("b")
	f.ready("a", "b")
	f.snapshot("a", "b")
	f.run()

	var got map[PeerID]State
	f.nodes["a"].c.Sessions(func(m map[PeerID]State) { got = m })
	f.nodes["a"].loop.drain()
	if len(got) != 1 || got["b"] != Connected {
		t.Errorf("unexpected sessions %v", got)
	}
}
