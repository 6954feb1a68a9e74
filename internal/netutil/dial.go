// Package netutil centralizes the socket tuning spec.md §4.6/§6 mandates:
// nonblocking sockets with a 10 s send/receive timeout, MSG_NOSIGNAL-free
// writes (a Go net.Conn.Write over TCP never raises SIGPIPE, so there is
// nothing to set — see DESIGN.md) and SO_REUSEADDR. The listen backlog
// is not set here (see Listen).
package netutil

import (
	"context"
	"fmt"
	"net"
	"time"
)

// socketTimeout is the spec-mandated SO_SNDTIMEO/SO_RCVTIMEO value
// (spec.md §4.6, §6). Exported as a duration for use by dial/accept
// deadlines throughout the repo.
const socketTimeout = 10 * time.Second

// SocketTimeout returns the send/receive timeout new connections are
// configured with.
func SocketTimeout() time.Duration { return socketTimeout }

// dialer is a shared net.Dialer with the platform socket tuning applied
// via Control, mirroring the teacher's proxy.go dialer construction.
var dialer = net.Dialer{
	Timeout: socketTimeout,
	Control: setSocketOptions,
}

// DialTimeout opens a TCP connection to addr, applying the tunnel's
// socket tuning and a 10 s connect timeout (spec.md §4.5's
// "set it nonblocking and with 10 s send/receive timeout" requirement,
// realized here as a dial deadline plus a post-connect read/write
// deadline set by the caller for the handshake phase).
func DialTimeout(ctx context.Context, addr string) (*net.TCPConn, error) {
	ctx, cancel := context.WithTimeout(ctx, socketTimeout)
	defer cancel()

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("netutil: dial %s: not a TCP connection", addr)
	}
	return tcpConn, nil
}

// DialTCPAddr is DialTimeout specialized for an already-resolved
// *net.TCPAddr, used by the client's upstream-server dial (the address
// was resolved once at startup per spec.md §4.5).
func DialTCPAddr(ctx context.Context, addr *net.TCPAddr) (*net.TCPConn, error) {
	return DialTimeout(ctx, addr.String())
}

// listenConfig applies the same socket tuning to listening sockets
// (SO_REUSEADDR in particular — spec.md §6).
var listenConfig = net.ListenConfig{
	Control: setSocketOptions,
}

// Listen opens a TCP listener on addr with SO_REUSEADDR set. It does not
// set a backlog of 1024: net.ListenConfig has no backlog parameter, and
// the net package passes the system's somaxconn value to listen(2).
func Listen(ctx context.Context, addr string) (net.Listener, error) {
	return listenConfig.Listen(ctx, "tcp", addr)
}
