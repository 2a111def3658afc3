package relay

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/keyhop/voicemesh/pkg/api"
	"github.com/keyhop/voicemesh/pkg/com"
	"github.com/keyhop/voicemesh/pkg/config"
	"github.com/keyhop/voicemesh/pkg/logger"
)

const defaultNickname = "player"

// Hub keeps rooms of participants and passes
// signaling packets between the participants of a room.
type Hub struct {
	conf      config.Relay
	connector *com.Connector
	crowd     com.NetMap[string, *Participant]
	metrics   *Metrics
	log       *logger.Logger

	mu    sync.Mutex
	rooms map[string]*Room

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

func NewHub(conf config.Relay, metrics *Metrics, log *logger.Logger) *Hub {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Hub{
		conf:      conf,
		connector: com.NewConnector(com.WithOrigin(conf.Origin)),
		crowd:     com.NewNetMap[string, *Participant](),
		metrics:   metrics,
		log:       log,
		rooms:     make(map[string]*Room),
		done:      make(chan struct{}),
	}
}

// handleWebsocket serves a participant connection until it's closed.
func (h *Hub) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.connector.NewServer(w, r, h.log)
	if err != nil {
		h.log.Error().Err(err).Msg("participant connection fail")
		return
	}
	p := NewParticipant(conn)
	h.crowd.Add(p)
	h.metrics.participants.Inc()
	p.Log().Info().Str("addr", r.RemoteAddr).Msg("Connected")

	p.OnPacket(func(in api.In) { h.handle(p, in) })
	p.Listen()
	select {
	case <-p.Wait():
	case <-h.done:
		p.Disconnect()
	}

	h.leave(p)
	h.crowd.Remove(p)
	h.metrics.participants.Dec()
	p.Log().Info().Msg("Disconnected")
}

func (h *Hub) handle(p *Participant, in api.In) {
	switch in.T {
	case api.JoinRoom:
		h.join(p, in)
	case api.LeaveRoom:
		h.leave(p)
	case api.VoiceReady:
		h.announce(p, in)
	case api.WebrtcOffer, api.WebrtcAnswer, api.WebrtcIceCandidate:
		h.forward(p, in)
	default:
		h.metrics.rejected.WithLabelValues("unknown").Inc()
		p.Log().Warn().Msgf("Unknown packet %v", in.T)
	}
}

func (h *Hub) join(p *Participant, in api.In) {
	rq := api.Unwrap[api.JoinRoomRequest](in.Payload)
	if rq == nil {
		h.reply(p, in, api.ErrMalformed)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	room := h.rooms[rq.Room]
	if room == nil {
		room = NewRoom(rq.Room)
		for h.rooms[room.id] != nil {
			room = NewRoom("")
		}
	}
	// a rejected participant stays where it was
	if room != p.room && h.conf.Room.MaxPlayers > 0 && room.Len() >= h.conf.Room.MaxPlayers {
		h.reply(p, in, api.ErrRoomFull)
		return
	}
	if p.room != nil {
		h.leaveLocked(p)
	}
	if h.rooms[room.id] == nil {
		h.rooms[room.id] = room
		h.metrics.rooms.Inc()
	}
	p.nickname = rq.Nickname
	if p.nickname == "" {
		p.nickname = defaultNickname
	}
	room.add(p)
	p.Log().Info().Str("room", room.id).Str("nickname", p.nickname).Msg("Joined")

	_ = p.Route(in, api.RoomJoined, api.RoomJoinedResponse{
		Room:     room.id,
		Id:       p.id,
		Nickname: p.nickname,
		Color:    p.color,
	})
	h.state(room)
}

func (h *Hub) reply(p *Participant, in api.In, err error) {
	h.metrics.rejected.WithLabelValues(err.Error()).Inc()
	p.Log().Warn().Err(err).Msgf("%v rejected", in.T)
	if in.Id == "" {
		return
	}
	_ = p.Route(in, api.ErrorPacket, api.ErrorResponse{Error: err.Error()})
}

func (h *Hub) leave(p *Participant) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(p)
}

func (h *Hub) leaveLocked(p *Participant) {
	room := p.room
	if room == nil {
		return
	}
	room.remove(p)
	p.Log().Info().Str("room", room.id).Msg("Left")
	if room.IsEmpty() {
		delete(h.rooms, room.id)
		h.metrics.rooms.Dec()
		return
	}
	h.state(room)
}

// state sends the current membership to everyone in the room.
func (h *Hub) state(room *Room) {
	room.broadcast(&api.Out{T: uint8(api.RoomState), Payload: room.State()}, nil)
}

// announce tells the room that the participant is ready for voice.
func (h *Hub) announce(p *Participant, in api.In) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if p.room == nil {
		h.metrics.rejected.WithLabelValues("no room").Inc()
		return
	}
	n := p.room.broadcast(&api.Out{T: uint8(in.T), From: p.id, Payload: in.Payload}, p)
	h.metrics.forwarded.WithLabelValues(in.T.String()).Add(float64(n))
}

// forward passes a signaling packet to the addressee as is,
// only the sender is set. No addressee means the whole room.
func (h *Hub) forward(p *Participant, in api.In) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if p.room == nil {
		h.metrics.rejected.WithLabelValues("no room").Inc()
		return
	}
	out := &api.Out{T: uint8(in.T), From: p.id, To: in.To, Payload: in.Payload}
	if in.To == "" {
		n := p.room.broadcast(out, p)
		h.metrics.forwarded.WithLabelValues(in.T.String()).Add(float64(n))
		return
	}
	to := p.room.find(in.To)
	if to == nil || to == p {
		h.metrics.rejected.WithLabelValues("no addressee").Inc()
		p.Log().Debug().Str("to", in.To).Msgf("%v has no addressee", in.T)
		return
	}
	if err := to.SendPacket(out); err != nil {
		to.Log().Error().Err(err).Msgf("%v forward fail", in.T)
		return
	}
	h.metrics.forwarded.WithLabelValues(in.T.String()).Inc()
}

// Rooms returns the current state of all rooms.
func (h *Hub) Rooms() []api.RoomStateResponse {
	h.mu.Lock()
	defer h.mu.Unlock()
	rooms := make([]api.RoomStateResponse, 0, len(h.rooms))
	for _, r := range h.rooms {
		rooms = append(rooms, r.State())
	}
	return rooms
}

// Run re-broadcasts the state of every room periodically,
// so that participants converge even if they missed a change.
func (h *Hub) Run() {
	tick := h.conf.Room.StateTick
	if tick <= 0 {
		return
	}
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		t := time.NewTicker(tick)
		defer t.Stop()
		for {
			select {
			case <-h.done:
				return
			case <-t.C:
				h.mu.Lock()
				for _, room := range h.rooms {
					h.state(room)
				}
				h.mu.Unlock()
			}
		}
	}()
}

// Shutdown drops all the participants.
func (h *Hub) Shutdown(context.Context) error {
	h.once.Do(func() { close(h.done) })
	h.crowd.ForEach(func(p *Participant) { p.Disconnect() })
	h.wg.Wait()
	return nil
}

func (h *Hub) String() string { return "hub" }
