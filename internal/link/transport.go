package link

import (
	"context"
	"errors"
	"net"
	"time"
)

// Dialer opens the byte stream to an Endpoint. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// NewTCPDialer returns the default transport: a net.Dialer with TCP keepalive
// probes tuned so a peer that silently disappears surfaces as a read error.
func NewTCPDialer(dialTimeout, keepAlive time.Duration) *net.Dialer {
	return &net.Dialer{
		Timeout:   dialTimeout,
		KeepAlive: keepAlive,
		Control:   keepAliveControl(keepAlive),
	}
}

// isTransient reports dial errors the network may resolve on its own
// (pending name resolution, timeouts). These put the link in Waiting
// instead of Failed.
func isTransient(err error) bool {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.IsTemporary || dnsErr.IsTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}
