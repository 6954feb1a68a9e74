//go:build linux

package netutil

import (
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// setSocketOptions configures TCP performance and timeout options on the
// raw socket fd, called via net.Dialer.Control / net.ListenConfig.Control
// before connect(2)/listen(2). Adapted from the teacher's
// sockopt_linux.go: the original hard-codes a fixed tuning list; this
// version additionally sets SO_SNDTIMEO/SO_RCVTIMEO to the tunnel
// protocol's mandated 10 s figure (spec.md §4.6), since net.Conn has no
// portable deadline-at-the-socket-option-level equivalent.
func setSocketOptions(network, address string, c syscall.RawConn) error {
	var sysErr error
	err := c.Control(func(fd uintptr) {
		if e := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); e != nil {
			sysErr = e
			return
		}
		if e := unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); e != nil {
			sysErr = e
			return
		}
		if e := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1); e != nil {
			sysErr = e
			return
		}
		if e := unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPIDLE, 30); e != nil {
			sysErr = e
			return
		}
		if e := unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPINTVL, 10); e != nil {
			sysErr = e
			return
		}
		if e := unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPCNT, 3); e != nil {
			sysErr = e
			return
		}
		tv := unix.Timeval{Sec: int64(socketTimeout / time.Second)}
		if e := unix.SetsockoptTimeval(int(fd), unix.SOL_SOCKET, unix.SO_SNDTIMEO, &tv); e != nil {
			sysErr = e
			return
		}
		if e := unix.SetsockoptTimeval(int(fd), unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); e != nil {
			sysErr = e
			return
		}
	})
	if err != nil {
		return err
	}
	return sysErr
}
