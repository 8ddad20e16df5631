package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log"
	"os"
	"syscall"

	"github.com/oklog/run"

	"gpslink/internal/config"
	"gpslink/internal/link"
	"gpslink/internal/mqttsink"
	"gpslink/internal/udp"
	"gpslink/internal/web"
)

func main() {
	var configPath string
	var watch bool
	flag.StringVar(&configPath, "config", "./gpslink.yaml", "Path to YAML config")
	flag.BoolVar(&watch, "watch", true, "Reload the source endpoint when the config file changes")
	flag.Parse()

	logs := web.NewLogBuffer(2000)
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.SetOutput(io.MultiWriter(os.Stderr, logs))

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ctl := link.New(linkConfig(cfg.Source))
	if err := ctl.Start(ctx); err != nil {
		log.Fatalf("link start failed: %v", err)
	}
	defer ctl.Close()

	log.Printf("gpslink starting")
	log.Printf("web listen=%s mqtt=%t udp=%t", cfg.Web.Listen, cfg.MQTT.Enable, cfg.UDP.Enable)
	applySource(ctl, config.SourceConfig{}, cfg.Source)

	var g run.Group
	g.Add(run.SignalHandler(ctx, os.Interrupt, syscall.SIGTERM))

	g.Add(func() error {
		return web.Serve(ctx, cfg.Web.Listen, ctl, logs)
	}, func(error) {
		cancel()
	})

	if cfg.MQTT.Enable {
		pub, err := mqttsink.New(mqttsink.Config{
			Broker:      cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID,
			TopicFix:    cfg.MQTT.TopicFix,
			TopicStatus: cfg.MQTT.TopicStatus,
			QoS:         byte(cfg.MQTT.QoS),
		})
		if err != nil {
			log.Fatalf("mqtt init failed: %v", err)
		}
		id, updates := ctl.Subscribe(64)
		g.Add(func() error {
			if err := pub.Run(ctx, updates); err != nil && ctx.Err() == nil {
				// A broker outage must not take the link down.
				log.Printf("mqtt sink stopped: %v", err)
				<-ctx.Done()
			}
			return nil
		}, func(error) {
			cancel()
			ctl.Unsubscribe(id)
		})
	}

	if cfg.UDP.Enable {
		sink, err := udp.NewFixSink(cfg.UDP.Dest)
		if err != nil {
			log.Fatalf("udp sink init failed: %v", err)
		}
		defer sink.Close()
		id, updates := ctl.Subscribe(64)
		g.Add(func() error {
			return sink.Run(ctx, updates)
		}, func(error) {
			cancel()
			ctl.Unsubscribe(id)
		})
	}

	if watch {
		g.Add(func() error {
			current := cfg.Source
			return config.Watch(ctx, configPath, func(next config.Config) {
				applySource(ctl, current, next.Source)
				if needsRestart(current, next.Source) {
					log.Printf("config source timing/buffer changes take effect on restart")
				}
				current = next.Source
			})
		}, func(error) {
			cancel()
		})
	}

	// The signal actor reports the received signal as its error.
	if err := g.Run(); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("gpslink stopping: %v", err)
	} else {
		log.Printf("gpslink stopping")
	}
}

func linkConfig(s config.SourceConfig) link.Config {
	return link.Config{
		ReconnectDelay:   s.ReconnectDelay,
		WaitingRetry:     s.WaitingRetry,
		DialTimeout:      s.DialTimeout,
		KeepAlive:        s.KeepAlive,
		ReadBufferBytes:  s.ReadBufferBytes,
		MaxFragmentBytes: s.MaxFragmentBytes,
		ValidateChecksum: s.ValidateChecksum,
	}
}

type sourceController interface {
	Connect(host string, port int)
	Disconnect()
}

// applySource moves the controller from the prev endpoint to the next one.
func applySource(ctl sourceController, prev, next config.SourceConfig) {
	prevEP := link.Endpoint{Host: prev.Host, Port: prev.Port}
	nextEP := link.Endpoint{Host: next.Host, Port: next.Port}

	switch {
	case !next.HasEndpoint():
		if prev.HasEndpoint() {
			log.Printf("config source removed, disconnecting from %s", prevEP)
			ctl.Disconnect()
		}
	case !prev.HasEndpoint() || prevEP != nextEP:
		log.Printf("config source endpoint=%s", nextEP)
		ctl.Connect(next.Host, next.Port)
	}
}

// needsRestart reports source changes beyond host and port, which the
// running controller cannot pick up.
func needsRestart(prev, next config.SourceConfig) bool {
	prev.Host, prev.Port = next.Host, next.Port
	return prev != next
}
