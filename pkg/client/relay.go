package client

import (
	"context"
	"net/url"
	"sync"

	"github.com/keyhop/voicemesh/pkg/api"
	"github.com/keyhop/voicemesh/pkg/com"
	"github.com/keyhop/voicemesh/pkg/logger"
	"github.com/keyhop/voicemesh/pkg/voice"
)

// relay is one connection to the room relay.
// Packets that come before the voice mesh is attached are kept in order.
type relay struct {
	*com.Client

	mu      sync.Mutex
	mesh    *voice.Coordinator
	backlog []api.In
	state   api.RoomStateResponse
	onState func(api.RoomStateResponse)
}

func dialRelay(ctx context.Context, connector *com.Connector, address url.URL, log *logger.Logger) (*relay, error) {
	conn, err := connector.NewClient(ctx, address, log)
	if err != nil {
		return nil, err
	}
	r := &relay{Client: conn}
	conn.OnPacket(r.handle)
	conn.Listen()
	return r, nil
}

func (r *relay) join(room, nickname string) (api.RoomJoinedResponse, error) {
	resp, err := api.UnwrapChecked[api.RoomJoinedResponse](
		r.Call(api.JoinRoom, api.JoinRoomRequest{Room: room, Nickname: nickname}))
	if err != nil {
		return api.RoomJoinedResponse{}, err
	}
	return *resp, nil
}

// attach sends all the packets to the mesh from now on.
func (r *relay) attach(mesh *voice.Coordinator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mesh = mesh
	for _, p := range r.backlog {
		r.dispatch(p)
	}
	r.backlog = nil
}

func (r *relay) handle(p api.In) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p.T == api.RoomState {
		state := api.Unwrap[api.RoomStateResponse](p.Payload)
		if state == nil {
			r.Log().Error().Err(api.ErrMalformed).Msgf("%v", p.T)
			return
		}
		r.state = *state
		if r.onState != nil {
			r.onState(*state)
		}
	}
	if r.mesh == nil {
		r.backlog = append(r.backlog, p)
		return
	}
	r.dispatch(p)
}

func (r *relay) dispatch(p api.In) {
	switch p.T {
	case api.RoomState:
		ids := r.state.Ids()
		members := make([]voice.PeerID, len(ids))
		for i, id := range ids {
			members[i] = voice.PeerID(id)
		}
		r.mesh.OnRoomMembershipSnapshot(members)
	case api.VoiceReady, api.WebrtcOffer, api.WebrtcAnswer, api.WebrtcIceCandidate:
		r.mesh.OnSignalingMessage(p.T, voice.PeerID(p.From), p.Payload)
	default:
		r.Log().Warn().Msgf("Unknown packet %v", p.T)
	}
}

// signaler is the voice mesh side of the relay connection.
type signaler struct{ r *relay }

func (s signaler) Send(t api.PT, to voice.PeerID, payload any) error { return s.r.SendTo(string(to), t, payload) }
func (s signaler) Broadcast(t api.PT, payload any) error             { return s.r.Client.Send(t, payload) }
