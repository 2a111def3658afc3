package relay

import (
	"sort"

	"github.com/gofrs/uuid"
	"github.com/keyhop/voicemesh/pkg/api"
	"github.com/keyhop/voicemesh/pkg/com"
)

// palette is the set of player colors given out by join order.
var palette = []string{"#e74c3c", "#3498db", "#2ecc71", "#f1c40f", "#9b59b6", "#e67e22", "#1abc9c", "#34495e"}

type Room struct {
	id      string
	players com.NetMap[string, *Participant]
	seq     uint64
}

func NewRoom(id string) *Room {
	if id == "" {
		id = NewRoomId()
	}
	return &Room{id: id, players: com.NewNetMap[string, *Participant]()}
}

// NewRoomId makes a random 8 hex digits room id.
func NewRoomId() string { return uuid.Must(uuid.NewV4()).String()[:8] }

func (r *Room) Id() string         { return r.id }
func (r *Room) IsEmpty() bool      { return r.players.IsEmpty() }
func (r *Room) Len() int           { return r.players.Len() }
func (r *Room) Has(id string) bool { return r.players.Has(id) }

func (r *Room) add(p *Participant) {
	p.color = palette[r.players.Len()%len(palette)]
	r.seq++
	p.seq = r.seq
	p.room = r
	r.players.Add(p)
}

func (r *Room) remove(p *Participant) {
	r.players.Remove(p)
	p.room = nil
}

func (r *Room) find(id string) *Participant {
	p, err := r.players.Find(id)
	if err != nil {
		return nil
	}
	return p
}

// list returns the players in join order.
func (r *Room) list() []*Participant {
	players := r.players.Values()
	sort.Slice(players, func(i, j int) bool { return players[i].seq < players[j].seq })
	return players
}

func (r *Room) State() api.RoomStateResponse {
	players := r.list()
	state := api.RoomStateResponse{Room: r.id, Players: make([]api.Player, len(players))}
	for i, p := range players {
		state.Players[i] = api.Player{Id: p.id, Nickname: p.nickname, Color: p.color}
	}
	return state
}

// broadcast sends the packet to everyone in the room except the sender.
func (r *Room) broadcast(packet *api.Out, except *Participant) (n int) {
	for _, p := range r.list() {
		if p == except {
			continue
		}
		if err := p.SendPacket(packet); err != nil {
			p.Log().Error().Err(err).Msgf("%v broadcast fail", api.PT(packet.T))
			continue
		}
		n++
	}
	return
}
