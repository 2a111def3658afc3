package api

// JoinRoomRequest asks the relay to put the connection into a room.
// Empty Room means a new random room.
type JoinRoomRequest struct {
	Room     string `json:"room"`
	Nickname string `json:"nickname"`
}

type RoomJoinedResponse struct {
	Room     string `json:"room"`
	Id       string `json:"id"`
	Nickname string `json:"nickname"`
	Color    string `json:"color"`
}

type Player struct {
	Id       string `json:"sid"`
	Nickname string `json:"nickname"`
	Color    string `json:"color"`
}

// RoomStateResponse is the current membership of a room.
type RoomStateResponse struct {
	Room    string   `json:"room"`
	Players []Player `json:"players"`
}

func (r RoomStateResponse) Ids() []string {
	ids := make([]string, len(r.Players))
	for i, p := range r.Players {
		ids[i] = p.Id
	}
	return ids
}
