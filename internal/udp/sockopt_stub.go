//go:build !linux

package udp

import "syscall"

func broadcastControl(network, address string, c syscall.RawConn) error {
	return nil
}
