package httpx

import (
	"net"

	"github.com/keyhop/voicemesh/pkg/network/socket"
)

type Listener struct {
	net.Listener
}

// NewListener opens a TCP listener, with rollPorts on
// the next free port if the port of the address is busy.
func NewListener(address string, rollPorts bool) (*Listener, error) {
	ls, err := socket.ListenTCP(address, rollPorts)
	if err != nil {
		return nil, err
	}
	return &Listener{ls}, nil
}

func (l Listener) GetPort() int {
	if tcp, ok := l.Addr().(*net.TCPAddr); ok {
		return tcp.Port
	}
	return 0
}
