// Package udp sends each new valid fused fix as one JSON datagram.
package udp

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"

	"gpslink/internal/gps"
	"gpslink/internal/link"
)

type udpConn interface {
	Write(p []byte) (int, error)
	Close() error
}

// Datagram is the wire payload: the fix fields plus the update sequence
// number so receivers can spot gaps.
type Datagram struct {
	Seq uint64 `json:"seq"`
	gps.GeoFix
}

type FixSink struct {
	dest string
	conn udpConn
}

func NewFixSink(dest string) (*FixSink, error) {
	return newFixSink(dest, net.ResolveUDPAddr, dialUDP)
}

func newFixSink(dest string, resolve func(network, address string) (*net.UDPAddr, error), dial func(network string, raddr *net.UDPAddr) (udpConn, error)) (*FixSink, error) {
	addr, err := resolve("udp", dest)
	if err != nil {
		return nil, fmt.Errorf("resolve dest: %w", err)
	}
	conn, err := dial("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial udp: %w", err)
	}
	return &FixSink{dest: dest, conn: conn}, nil
}

// dialUDP connects with SO_BROADCAST set so limited and subnet broadcast
// destinations work alongside unicast ones.
func dialUDP(network string, raddr *net.UDPAddr) (udpConn, error) {
	d := net.Dialer{Control: broadcastControl}
	c, err := d.Dial(network, raddr.String())
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (s *FixSink) Send(payload []byte) error {
	if len(payload) == 0 {
		return nil
	}
	_, err := s.conn.Write(payload)
	return err
}

func (s *FixSink) SendFix(seq uint64, fix gps.GeoFix) error {
	b, err := json.Marshal(Datagram{Seq: seq, GeoFix: fix})
	if err != nil {
		return fmt.Errorf("marshal fix: %w", err)
	}
	return s.Send(b)
}

// Run sends every new valid fix from updates until ctx is done or updates
// is closed. Invalid fixes and replays of an already-sent fix are skipped.
func (s *FixSink) Run(ctx context.Context, updates <-chan link.Update) error {
	if s == nil {
		return fmt.Errorf("udp sink is nil")
	}
	var last *gps.GeoFix
	for {
		select {
		case <-ctx.Done():
			return nil
		case u, ok := <-updates:
			if !ok {
				return nil
			}
			if u.Fix == nil || u.Fix == last || !u.Fix.Valid {
				continue
			}
			last = u.Fix
			if err := s.SendFix(u.Seq, *u.Fix); err != nil {
				log.Printf("udp send failed dest=%s: %v", s.dest, err)
			}
		}
	}
}

func (s *FixSink) Close() error {
	if s == nil || s.conn == nil {
		return nil
	}
	return s.conn.Close()
}
