//go:build linux

package link

import (
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

const keepAliveProbes = 3

// keepAliveControl bounds how long a dead peer can go unnoticed: after
// keepAlive of silence, keepAliveProbes unanswered probes (keepAlive apart)
// abort the socket, and TCP_USER_TIMEOUT caps unacknowledged data the same way.
func keepAliveControl(keepAlive time.Duration) func(network, address string, c syscall.RawConn) error {
	if keepAlive <= 0 {
		return nil
	}
	secs := int(keepAlive / time.Second)
	if secs < 1 {
		secs = 1
	}
	userTimeoutMs := int((keepAlive * (keepAliveProbes + 1)) / time.Millisecond)

	return func(network, address string, c syscall.RawConn) error {
		var serr error
		err := c.Control(func(fd uintptr) {
			if serr = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPCNT, keepAliveProbes); serr != nil {
				return
			}
			if serr = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPINTVL, secs); serr != nil {
				return
			}
			serr = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_USER_TIMEOUT, userTimeoutMs)
		})
		if err != nil {
			return err
		}
		return serr
	}
}
