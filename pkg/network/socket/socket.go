package socket

import (
	"errors"
	"net"
	"os"
	"runtime"
	"strconv"
	"syscall"
)

const listenAttempts = 42
const udpBufferSize = 4 * 1024 * 1024

var ErrNoFreePort = errors.New("no available ports")

// ListenUDP opens a UDP socket on the port.
// With roll it tries next ports when the port is busy.
func ListenUDP(port int, roll bool) (*net.UDPConn, error) {
	l, err := listen(port, roll, func(p int) (*net.UDPConn, error) {
		return net.ListenUDP("udp", &net.UDPAddr{Port: p})
	})
	if err != nil {
		return nil, err
	}
	_ = l.SetReadBuffer(udpBufferSize)
	_ = l.SetWriteBuffer(udpBufferSize)
	return l, nil
}

// ListenTCP opens a TCP listener on the host:port address.
// With roll it tries next ports when the port is busy.
func ListenTCP(address string, roll bool) (net.Listener, error) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}
	p := 0
	if port != "" {
		if p, err = strconv.Atoi(port); err != nil {
			return nil, err
		}
	}
	return listen(p, roll && p > 0, func(p int) (net.Listener, error) {
		return net.Listen("tcp4", net.JoinHostPort(host, strconv.Itoa(p)))
	})
}

func listen[T any](port int, roll bool, fn func(port int) (T, error)) (T, error) {
	l, err := fn(port)
	if err == nil || !roll || !IsPortBusyError(err) {
		return l, err
	}
	for i := port + 1; i < port+listenAttempts; i++ {
		if l, err = fn(i); err == nil {
			return l, nil
		}
	}
	return l, ErrNoFreePort
}

// IsPortBusyError tests if the given error is one of
// the port busy errors.
func IsPortBusyError(err error) bool {
	if err == nil {
		return false
	}
	var eOsSyscall *os.SyscallError
	if !errors.As(err, &eOsSyscall) {
		return false
	}
	var errErrno syscall.Errno
	if !errors.As(eOsSyscall, &errErrno) {
		return false
	}
	if errErrno == syscall.EADDRINUSE {
		return true
	}
	const WSAEADDRINUSE = 10048
	if runtime.GOOS == "windows" && errErrno == WSAEADDRINUSE {
		return true
	}
	return false
}
