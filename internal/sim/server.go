package sim

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"
)

// Server writes an RMC+GGA pair to every connected client each Interval.
type Server struct {
	Track    Track
	Interval time.Duration // default 1s

	// ChunkBytes, when > 0, splits each write into pieces of at most this
	// many bytes so receivers see sentences cut across reads.
	ChunkBytes int

	// Now defaults to time.Now.
	Now func() time.Time
}

// Serve accepts clients on ln until ctx is done. It closes ln on return.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if s == nil {
		return fmt.Errorf("sim server is nil")
	}
	if ln == nil {
		return fmt.Errorf("listener is nil")
	}
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()
	defer func() { _ = ln.Close() }()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		log.Printf("sim client connected remote=%s", conn.RemoteAddr())
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.serveConn(ctx, conn)
			log.Printf("sim client done remote=%s err=%v", conn.RemoteAddr(), err)
		}()
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) error {
	defer func() { _ = conn.Close() }()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	interval := s.Interval
	if interval <= 0 {
		interval = time.Second
	}
	now := s.Now
	if now == nil {
		now = time.Now
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		rmc, gga := Sentences(s.Track.At(now()))
		if err := s.write(conn, []byte(rmc+"\r\n"+gga+"\r\n")); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (s *Server) write(conn net.Conn, b []byte) error {
	if s.ChunkBytes <= 0 {
		_, err := conn.Write(b)
		return err
	}
	for len(b) > 0 {
		n := min(s.ChunkBytes, len(b))
		if _, err := conn.Write(b[:n]); err != nil {
			return err
		}
		b = b[n:]
	}
	return nil
}
