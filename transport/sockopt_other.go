//go:build !unix

package transport

import "syscall"

func control(int) func(network, address string, rc syscall.RawConn) error {
	return nil
}
