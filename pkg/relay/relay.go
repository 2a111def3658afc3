// Package relay is a room server of the game. It keeps room membership
// and passes voice signaling between the participants of a room.
package relay

import (
	"context"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/keyhop/voicemesh/pkg/config"
	"github.com/keyhop/voicemesh/pkg/logger"
	"github.com/keyhop/voicemesh/pkg/network/httpx"
	"github.com/keyhop/voicemesh/pkg/service"
	"github.com/prometheus/client_golang/prometheus"
)

type Relay struct {
	hub      *Hub
	server   *httpx.Server
	services service.Group
	log      *logger.Logger
}

func New(conf config.Relay, reg prometheus.Registerer, log *logger.Logger) (*Relay, error) {
	log = log.Extend(log.With().Str("m", "relay"))
	hub := NewHub(conf, NewMetrics(reg), log)
	server, err := httpx.NewServer(
		conf.Server.GetAddr(),
		func(*httpx.Server) httpx.Handler { return Routes(hub) },
		httpx.WithServerConfig(conf.Server),
		httpx.WithLogger(log),
	)
	if err != nil {
		return nil, err
	}
	r := &Relay{hub: hub, server: server, log: log}
	r.services.Add(hub, server)
	return r, nil
}

// Routes makes the HTTP handlers of the relay.
func Routes(hub *Hub) httpx.Handler {
	mux := httpx.NewServeMux("")
	mux.HandleFunc("/ws", hub.handleWebsocket)
	mux.HandleFunc("/rooms", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(hub.Rooms()); err != nil {
			hub.log.Error().Err(err).Msg("rooms")
		}
	})
	return mux
}

func (r *Relay) Addr() string { return r.server.Addr }

func (r *Relay) Run() {
	r.log.Info().Msgf("Starting the relay at %v", r.server)
	r.services.Start()
}

func (r *Relay) Shutdown(ctx context.Context) error { return r.services.Shutdown(ctx) }
func (r *Relay) String() string                     { return "relay" }
