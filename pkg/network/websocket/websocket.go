package websocket

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/keyhop/voicemesh/pkg/logger"
)

const (
	maxMessageSize = 64 * 1024
	pingTime       = pongTime * 9 / 10
	pongTime       = 60 * time.Second
	writeWait      = 10 * time.Second
	sendQueue      = 64
)

// WS is a websocket with separate read and write pumps.
type WS struct {
	conn *websocket.Conn
	send chan []byte
	quit chan struct{}

	OnMessage WSMessageHandler

	pingPong bool
	server   bool

	once     sync.Once
	started  sync.Once
	shutdown sync.WaitGroup
	Done     chan struct{}

	log *logger.Logger
}

type WSMessageHandler func(message []byte, err error)

type Upgrader struct {
	websocket.Upgrader
}

var DefaultUpgrader = Upgrader{Upgrader: websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	WriteBufferPool: &sync.Pool{},
}}

// NewUpgrader makes an upgrader that accepts connections only from the origin.
// Empty origin keeps the default same-host check, * allows everything.
func NewUpgrader(origin string) *Upgrader {
	u := DefaultUpgrader
	switch origin {
	case "":
	case "*":
		u.CheckOrigin = func(*http.Request) bool { return true }
	default:
		u.CheckOrigin = func(r *http.Request) bool { return r.Header.Get("Origin") == origin }
	}
	return &u
}

// NewServer upgrades an HTTP request into a websocket peer connection.
func NewServer(w http.ResponseWriter, r *http.Request, log *logger.Logger) (*WS, error) {
	conn, err := DefaultUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return NewServerWithConn(conn, log)
}

func NewServerWithConn(conn *websocket.Conn, log *logger.Logger) (*WS, error) {
	return newSocket(conn, true, log), nil
}

func NewClient(address url.URL, log *logger.Logger) (*WS, error) {
	return NewClientContext(context.Background(), address, log)
}

func NewClientContext(ctx context.Context, address url.URL, log *logger.Logger) (*WS, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, address.String(), nil)
	if err != nil {
		return nil, err
	}
	return newSocket(conn, false, log), nil
}

func newSocket(conn *websocket.Conn, server bool, log *logger.Logger) *WS {
	if log == nil {
		log = logger.Default()
	}
	return &WS{
		conn:     conn,
		send:     make(chan []byte, sendQueue),
		quit:     make(chan struct{}),
		pingPong: server,
		server:   server,
		Done:     make(chan struct{}),
		log:      log,
	}
}

// reader pumps messages from the websocket connection to the OnMessage callback.
// Blocking, must be called as goroutine. Serializes all websocket reads.
func (ws *WS) reader() {
	defer func() {
		ws.stop()
		ws.shutdown.Done()
	}()
	ws.conn.SetReadLimit(maxMessageSize)
	if ws.pingPong {
		_ = ws.conn.SetReadDeadline(time.Now().Add(pongTime))
		ws.conn.SetPongHandler(func(string) error { return ws.conn.SetReadDeadline(time.Now().Add(pongTime)) })
	}
	for {
		_, message, err := ws.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				ws.log.Error().Err(err).Msg("WebSocket read fail")
			}
			return
		}
		if ws.OnMessage != nil {
			ws.OnMessage(message, nil)
		}
	}
}

// writer pumps messages from the send channel to the websocket connection.
// Blocking, must be called as goroutine. Serializes all websocket writes.
func (ws *WS) writer() {
	ticker := time.NewTicker(pingTime)
	defer func() {
		ticker.Stop()
		// unblocks the reader
		_ = ws.conn.Close()
		ws.shutdown.Done()
	}()
	for {
		select {
		case <-ws.quit:
			_ = ws.write(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case message := <-ws.send:
			if err := ws.write(websocket.TextMessage, message); err != nil {
				ws.log.Error().Err(err).Msg("WebSocket write fail")
				return
			}
		case <-ticker.C:
			if !ws.pingPong {
				continue
			}
			if err := ws.write(websocket.PingMessage, nil); err != nil {
				ws.log.Error().Err(err).Msg("WebSocket ping fail")
				return
			}
		}
	}
}

// Listen starts reading and writing the socket.
// Done is closed after both pumps are finished.
func (ws *WS) Listen() {
	ws.started.Do(func() {
		ws.shutdown.Add(2)
		go ws.writer()
		go ws.reader()
		go func() {
			ws.shutdown.Wait()
			close(ws.Done)
		}()
	})
}

// Write queues a message or drops it if the socket is closed.
func (ws *WS) Write(data []byte) {
	select {
	case ws.send <- data:
	case <-ws.quit:
	}
}

// write sends a frame, a stuck peer fails it after writeWait.
func (ws *WS) write(t int, data []byte) error {
	if err := ws.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return ws.conn.WriteMessage(t, data)
}

func (ws *WS) IsServer() bool { return ws.server }

// Close asks the peer to close the connection.
func (ws *WS) Close() { ws.stop() }

func (ws *WS) stop() { ws.once.Do(func() { close(ws.quit) }) }
