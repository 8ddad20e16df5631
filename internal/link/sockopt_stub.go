//go:build !linux

package link

import (
	"syscall"
	"time"
)

func keepAliveControl(keepAlive time.Duration) func(network, address string, c syscall.RawConn) error {
	return nil
}
