package main

import (
	"context"
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gpslink/internal/sim"
)

func main() {
	var (
		listen   string
		interval time.Duration
		chunk    int
		track    sim.Track
	)
	flag.StringVar(&listen, "listen", ":10110", "TCP listen address")
	flag.DurationVar(&interval, "interval", time.Second, "Time between RMC+GGA pairs")
	flag.IntVar(&chunk, "chunk", 0, "Split writes into chunks of this many bytes (0 = whole pairs)")
	flag.Float64Var(&track.CenterLatDeg, "lat", 48.1173, "Track center latitude")
	flag.Float64Var(&track.CenterLonDeg, "lon", 11.516666, "Track center longitude")
	flag.Float64Var(&track.AltMeters, "alt", 545.4, "Altitude in meters")
	flag.Float64Var(&track.GroundKt, "speed", 22.4, "Ground speed in knots")
	flag.Float64Var(&track.RadiusNm, "radius", 0.5, "Track radius in NM")
	flag.DurationVar(&track.Period, "period", 120*time.Second, "Time for one lap")
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	ln, err := net.Listen("tcp", listen)
	if err != nil {
		log.Fatalf("listen failed: %v", err)
	}
	log.Printf("nmea-sim listening addr=%s interval=%s", ln.Addr(), interval)

	srv := &sim.Server{Track: track, Interval: interval, ChunkBytes: chunk}
	if err := srv.Serve(ctx, ln); err != nil {
		log.Fatalf("nmea-sim stopped: %v", err)
	}
	log.Printf("nmea-sim stopping")
}
