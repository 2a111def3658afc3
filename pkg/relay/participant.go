package relay

import (
	"github.com/gofrs/uuid"
	"github.com/keyhop/voicemesh/pkg/com"
	"github.com/keyhop/voicemesh/pkg/logger"
)

// Participant is a relay connection of one game client.
type Participant struct {
	*com.Client

	id       string
	nickname string
	color    string
	seq      uint64
	room     *Room
}

func NewParticipant(conn *com.Client) *Participant {
	id := uuid.Must(uuid.NewV4()).String()
	log := conn.Log()
	conn.WithLogger(log.Extend(log.With().Str(logger.PeerField, id)))
	return &Participant{Client: conn, id: id}
}

func (p *Participant) Id() string     { return p.id }
func (p *Participant) Disconnect()    { p.Close() }
func (p *Participant) String() string { return p.id }
