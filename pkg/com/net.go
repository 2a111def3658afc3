package com

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/keyhop/voicemesh/pkg/api"
	"github.com/keyhop/voicemesh/pkg/logger"
	"github.com/keyhop/voicemesh/pkg/network/websocket"
)

type (
	Connector struct {
		wu *websocket.Upgrader
	}
	Client struct {
		id       string
		conn     *websocket.WS
		queue    map[string]*call
		onPacket func(packet api.In)
		mu       sync.Mutex
		log      *logger.Logger // a special logger for showing x -> y directions
	}
	call struct {
		done     chan struct{}
		err      error
		Response api.In
	}
	Option = func(c *Connector)
)

var (
	ErrConnClosed = errors.New("connection closed")
	ErrTimeout    = errors.New("timeout")
)
var outPool = sync.Pool{New: func() any { o := api.Out{}; return &o }}

func WithOrigin(url string) Option { return func(c *Connector) { c.wu = websocket.NewUpgrader(url) } }

const callTimeout = 5 * time.Second

func NewConnector(opts ...Option) *Connector {
	c := &Connector{}
	for _, opt := range opts {
		opt(c)
	}
	if c.wu == nil {
		c.wu = &websocket.DefaultUpgrader
	}
	return c
}

func (co *Connector) NewServer(w http.ResponseWriter, r *http.Request, log *logger.Logger) (*Client, error) {
	ws, err := co.wu.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	conn, err := websocket.NewServerWithConn(ws, log)
	if err != nil {
		return nil, err
	}
	return connect(conn, log), nil
}

func (co *Connector) NewClient(ctx context.Context, address url.URL, log *logger.Logger) (*Client, error) {
	conn, err := websocket.NewClientContext(ctx, address, log)
	if err != nil {
		return nil, err
	}
	return connect(conn, log), nil
}

func connect(conn *websocket.WS, log *logger.Logger) *Client {
	if log == nil {
		log = logger.Default()
	}
	client := &Client{id: newId(), conn: conn, queue: make(map[string]*call, 1)}
	client.conn.OnMessage = client.handleMessage
	return client.WithLogger(log)
}

// WithLogger replaces the default connection logger.
func (c *Client) WithLogger(log *logger.Logger) *Client {
	dir := "→"
	if c.IsServer() {
		dir = "←"
	}
	c.log = log.Extend(log.With().Str(logger.ClientField, short(c.id)).Str(logger.DirectionField, dir))
	return c
}

func (c *Client) Id() string          { return c.id }
func (c *Client) IsServer() bool      { return c.conn.IsServer() }
func (c *Client) Log() *logger.Logger { return c.log }
func (c *Client) Wait() chan struct{} { return c.conn.Done }
func (c *Client) String() string      { return c.id }

func (c *Client) OnPacket(fn func(packet api.In)) { c.mu.Lock(); c.onPacket = fn; c.mu.Unlock() }

func (c *Client) Listen() {
	c.mu.Lock()
	c.conn.Listen()
	c.mu.Unlock()
	go func() {
		<-c.conn.Done
		c.drain(ErrConnClosed)
	}()
}

func (c *Client) Close() {
	c.conn.Close()
	c.drain(ErrConnClosed)
	c.log.Debug().Str(logger.DirectionField, "x").Msg("Close")
}

// Call makes a blocking request-response call.
func (c *Client) Call(t api.PT, payload any) ([]byte, error) {
	rq := outPool.Get().(*api.Out)
	id := newId()
	rq.Id, rq.T, rq.From, rq.To, rq.Payload = id, uint8(t), "", "", payload
	r, err := json.Marshal(rq)
	outPool.Put(rq)
	if err != nil {
		return nil, err
	}
	c.log.Debug().Str(logger.DirectionField, "→").Msgf("ᵇ%v", t)

	task := &call{done: make(chan struct{})}
	c.mu.Lock()
	c.queue[id] = task
	c.conn.Write(r)
	c.mu.Unlock()
	select {
	case <-task.done:
	case <-time.After(callTimeout):
		if c.pop(id) != nil {
			return nil, ErrTimeout
		}
		<-task.done
	}
	if task.err != nil {
		return nil, task.err
	}
	if task.Response.T == api.ErrorPacket {
		if e := api.Unwrap[api.ErrorResponse](task.Response.Payload); e != nil {
			return nil, errors.New(e.Error)
		}
		return nil, api.ErrMalformed
	}
	return task.Response.Payload, nil
}

// Send just sends a message and goes further.
func (c *Client) Send(t api.PT, pl any) error { return c.SendTo("", t, pl) }

// SendTo sends a message to a particular participant.
func (c *Client) SendTo(to string, t api.PT, pl any) error {
	rq := outPool.Get().(*api.Out)
	rq.Id, rq.T, rq.From, rq.To, rq.Payload = "", uint8(t), "", to, pl
	defer outPool.Put(rq)
	return c.SendPacket(rq)
}

// Route replies to the request packet.
func (c *Client) Route(p api.In, t api.PT, pl any) error {
	rq := outPool.Get().(*api.Out)
	rq.Id, rq.T, rq.From, rq.To, rq.Payload = p.Id, uint8(t), "", "", pl
	defer outPool.Put(rq)
	return c.SendPacket(rq)
}

func (c *Client) SendPacket(packet *api.Out) error {
	r, err := json.Marshal(packet)
	if err != nil {
		return err
	}
	c.log.Debug().Str(logger.DirectionField, "→").Msgf("%v", api.PT(packet.T))
	c.mu.Lock()
	c.conn.Write(r)
	c.mu.Unlock()
	return nil
}

// SendRaw writes an already encoded packet.
func (c *Client) SendRaw(data []byte) { c.conn.Write(data) }

func (c *Client) handleMessage(message []byte, err error) {
	if err != nil {
		c.log.Error().Err(err).Send()
		return
	}

	var res api.In
	if err = json.Unmarshal(message, &res); err != nil {
		c.log.Error().Err(err).Msg("malformed packet")
		return
	}

	// empty id implies that we won't track (wait) the response
	if res.Id != "" {
		if task := c.pop(res.Id); task != nil {
			task.Response = res
			close(task.done)
			return
		}
	}
	c.log.Debug().Str(logger.DirectionField, "←").Msgf("%v", res.T)
	c.mu.Lock()
	fn := c.onPacket
	c.mu.Unlock()
	if fn != nil {
		fn(res)
	}
}

// pop extracts and removes a task from the queue by its id.
func (c *Client) pop(id string) *call {
	c.mu.Lock()
	task := c.queue[id]
	delete(c.queue, id)
	c.mu.Unlock()
	return task
}

// drain cancels all what's left in the task queue.
func (c *Client) drain(err error) {
	c.mu.Lock()
	for id, task := range c.queue {
		if task.err == nil {
			task.err = err
		}
		close(task.done)
		delete(c.queue, id)
	}
	c.mu.Unlock()
}
