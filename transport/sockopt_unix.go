//go:build unix

package transport

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// control tunes the socket before connect: Nagle off so single small frames
// (pongs, short events) leave immediately, and an optional kernel receive
// buffer size.
func control(rcvbuf int) func(network, address string, rc syscall.RawConn) error {
	return func(network, address string, rc syscall.RawConn) error {
		var serr error
		err := rc.Control(func(fd uintptr) {
			serr = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
			if serr == nil && rcvbuf > 0 {
				serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, rcvbuf)
			}
		})
		if err != nil {
			return err
		}
		return serr
	}
}
