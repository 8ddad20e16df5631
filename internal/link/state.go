package link

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Phase is the connection lifecycle position.
type Phase int

const (
	Idle Phase = iota
	Connecting
	Ready
	Waiting
	Failed
	Cancelled
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Ready:
		return "ready"
	case Waiting:
		return "waiting"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Phase) UnmarshalText(b []byte) error {
	for q := Idle; q <= Cancelled; q++ {
		if strings.EqualFold(string(b), q.String()) {
			*p = q
			return nil
		}
	}
	return fmt.Errorf("unknown phase %q", string(b))
}

// State is a Phase plus the transport's reason for Waiting and Failed.
type State struct {
	Phase  Phase  `json:"phase"`
	Reason string `json:"reason,omitempty"`
}

// Status renders the simplified status string shown to users.
func (s State) Status() string {
	switch s.Phase {
	case Ready:
		return "connected"
	case Cancelled:
		return "disconnected"
	case Waiting, Failed:
		if s.Reason == "" {
			return s.Phase.String()
		}
		return s.Phase.String() + ": " + s.Reason
	default:
		return s.Phase.String()
	}
}

// Endpoint is the TCP address of the NMEA source.
type Endpoint struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

func (e Endpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

func (e Endpoint) String() string {
	return e.Address()
}

// Validate rejects endpoints that can never be dialed.
func (e Endpoint) Validate() error {
	if strings.TrimSpace(e.Host) == "" {
		return fmt.Errorf("endpoint host is required")
	}
	if e.Port <= 0 || e.Port > 65535 {
		return fmt.Errorf("endpoint port %d out of range", e.Port)
	}
	return nil
}
