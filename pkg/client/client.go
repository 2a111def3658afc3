// Package client is a game client that keeps a voice chat
// with everyone in its room.
package client

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"time"

	"github.com/keyhop/voicemesh/pkg/api"
	"github.com/keyhop/voicemesh/pkg/com"
	"github.com/keyhop/voicemesh/pkg/config"
	"github.com/keyhop/voicemesh/pkg/logger"
	"github.com/keyhop/voicemesh/pkg/media"
	"github.com/keyhop/voicemesh/pkg/network"
	"github.com/keyhop/voicemesh/pkg/voice"
	"github.com/keyhop/voicemesh/pkg/webrtc"
	pwebrtc "github.com/pion/webrtc/v3"
	"github.com/prometheus/client_golang/prometheus"
)

// relayHost is the ICE server url placeholder for the relay host.
const relayHost = "relay-host"

const maxReconnect = 30 * time.Second

// Source is the local audio of the client.
type Source interface {
	Acquire(ctx context.Context) ([]pwebrtc.TrackLocal, error)
	Tracks() []pwebrtc.TrackLocal
	SetMuted(muted bool)
	Muted() bool
	Close() error
}

type Client struct {
	conf      config.ClientConfig
	address   url.URL
	connector *com.Connector
	source    Source
	factory   voice.TransportFactory
	metrics   *voice.Metrics
	log       *logger.Logger

	mu       sync.Mutex
	room     string
	self     string
	mesh     *voice.Coordinator
	voiceOn  bool
	tried    bool
	onStream func(id voice.PeerID, stream voice.RemoteStream)
	onState  func(api.RoomStateResponse)
	joined   chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type Option func(*Client)

// WithTransports replaces WebRTC peer connections.
func WithTransports(factory voice.TransportFactory) Option {
	return func(c *Client) { c.factory = factory }
}

// WithRegisterer exposes voice metrics.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(c *Client) { c.metrics = voice.NewMetrics(reg) }
}

func New(conf config.ClientConfig, log *logger.Logger, opts ...Option) (*Client, error) {
	address, err := url.Parse(conf.Client.Relay)
	if err != nil {
		return nil, err
	}
	log = log.Extend(log.With().Str("m", "client"))
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		conf:      conf,
		address:   *address,
		connector: com.NewConnector(),
		room:      conf.Client.Room,
		log:       log,
		joined:    make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.metrics == nil {
		c.metrics = voice.NewMetrics(nil)
	}
	if conf.Voice.Enabled {
		c.source = media.NewSource(conf.Voice.Audio, log)
	}
	if c.factory == nil {
		wconf := conf.Webrtc
		wconf.IceServers = webrtc.ExpandIceServers(wconf.IceServers,
			webrtc.Replacement{From: relayHost, To: address.Hostname()})
		factory, err := webrtc.NewApiFactory(wconf, log, nil)
		if err != nil {
			cancel()
			return nil, err
		}
		if c.source != nil {
			c.factory = webrtc.Transports(factory, c.source.Tracks, log)
		} else {
			c.factory = webrtc.Transports(factory, nil, log)
		}
	}
	return c, nil
}

// OnStream sets the handler of remote voice streams.
func (c *Client) OnStream(fn func(id voice.PeerID, stream voice.RemoteStream)) {
	c.mu.Lock()
	c.onStream = fn
	c.mu.Unlock()
}

// OnRoomState sets the handler of room membership changes.
func (c *Client) OnRoomState(fn func(api.RoomStateResponse)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

// Run keeps the client in the room until Shutdown,
// reconnecting to the relay when the connection is lost.
func (c *Client) Run() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		retry := network.NewRetryWith(c.conf.Client.Reconnect, maxReconnect)
		for c.ctx.Err() == nil {
			joined, err := c.session()
			if c.ctx.Err() != nil {
				return
			}
			if joined {
				retry.Success()
			}
			c.log.Warn().Err(err).Msgf("No connection to the relay %v. Retrying in %v", c.address.String(), retry.Time())
			if retry.Fail(c.ctx) != nil {
				return
			}
		}
	}()
}

// session joins the room and serves it until the relay connection is lost.
func (c *Client) session() (bool, error) {
	r, err := dialRelay(c.ctx, c.connector, c.address, c.log)
	if err != nil {
		return false, err
	}
	defer r.Close()

	c.mu.Lock()
	room, onState := c.room, c.onState
	c.mu.Unlock()
	r.onState = onState

	joined, err := r.join(room, c.conf.Client.Nickname)
	if err != nil {
		return false, err
	}
	r.Log().Info().Str("room", joined.Room).Str("id", joined.Id).Str("color", joined.Color).Msg("Joined")

	mesh, err := voice.NewCoordinator(voice.Options{
		Self:           voice.PeerID(joined.Id),
		Room:           joined.Room,
		Transports:     c.factory,
		Signaler:       signaler{r: r},
		Log:            c.log,
		Metrics:        c.metrics,
		CandidateLimit: c.conf.Voice.CandidateLimit,
	})
	if err != nil {
		return false, err
	}
	mesh.OnStream(c.stream)
	r.attach(mesh)

	c.mu.Lock()
	c.room, c.self, c.mesh = joined.Room, joined.Id, mesh
	select {
	case <-c.joined:
	default:
		close(c.joined)
	}
	c.mu.Unlock()

	ready := c.startVoice(mesh)

	select {
	case <-r.Wait():
		err = com.ErrConnClosed
	case <-c.ctx.Done():
		err = c.ctx.Err()
	}
	if ready != nil {
		ready.Stop()
	}
	mesh.TeardownAll()

	c.mu.Lock()
	c.mesh = nil
	c.mu.Unlock()
	return true, err
}

// startVoice announces the voice after the media is ready,
// a bit later than the join so that the room state comes first.
func (c *Client) startVoice(mesh *voice.Coordinator) *time.Timer {
	if !c.acquire() {
		return nil
	}
	return time.AfterFunc(c.conf.Voice.ReadyDelay, mesh.OnLocalMediaReady)
}

// acquire gets the local media once for all the sessions.
func (c *Client) acquire() bool {
	if c.source == nil {
		return false
	}
	c.mu.Lock()
	if c.voiceOn || c.tried {
		c.mu.Unlock()
		return c.voiceOn
	}
	c.tried = true
	c.mu.Unlock()

	// the device may take a while, status stays Off meanwhile
	if _, err := c.source.Acquire(c.ctx); err != nil {
		if errors.Is(err, voice.ErrMediaUnavailable) {
			c.log.Error().Err(err).Msg("Voice is off")
		} else {
			c.log.Error().Err(err).Msg("Voice fail")
		}
		return false
	}
	c.mu.Lock()
	c.voiceOn = true
	c.mu.Unlock()
	c.log.Info().Msg("Voice is on")
	return true
}

func (c *Client) stream(id voice.PeerID, stream voice.RemoteStream) {
	c.mu.Lock()
	fn := c.onStream
	c.mu.Unlock()
	c.log.Info().Str(logger.PeerField, string(id)).Str("track", stream.ID()).Msg("Remote voice")
	if fn != nil {
		fn(id, stream)
	}
}

// Joined is closed after the first join.
func (c *Client) Joined() <-chan struct{} { return c.joined }

// Room returns the current room id and self id in it.
func (c *Client) Room() (room string, self string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room, c.self
}

// Sessions calls fn with the states of the voice sessions.
func (c *Client) Sessions(fn func(map[voice.PeerID]voice.State)) {
	c.mu.Lock()
	mesh := c.mesh
	c.mu.Unlock()
	if mesh == nil {
		fn(nil)
		return
	}
	mesh.Sessions(fn)
}

func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case !c.voiceOn:
		return Off
	case c.source.Muted():
		return Muted
	default:
		return Ready
	}
}

// ToggleMute switches the microphone without any renegotiation.
func (c *Client) ToggleMute() Status {
	c.mu.Lock()
	if c.voiceOn {
		c.source.SetMuted(!c.source.Muted())
	}
	c.mu.Unlock()
	return c.Status()
}

// SetMuted sets the microphone state.
func (c *Client) SetMuted(muted bool) Status {
	c.mu.Lock()
	if c.voiceOn {
		c.source.SetMuted(muted)
	}
	c.mu.Unlock()
	return c.Status()
}

func (c *Client) Shutdown(context.Context) error {
	c.cancel()
	c.wg.Wait()
	if c.source != nil {
		return c.source.Close()
	}
	return nil
}

func (c *Client) String() string { return "client" }
