// Package mqttsink forwards link updates to an MQTT broker: every fused fix
// as a retained message on one topic and every connection state change on
// another.
package mqttsink

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"gpslink/internal/gps"
	"gpslink/internal/link"
)

type Config struct {
	Broker      string
	ClientID    string // default gpslink-<uuid>
	TopicFix    string
	TopicStatus string
	QoS         byte

	// PublishTimeout bounds each publish; a slow broker costs updates, not
	// the link. Default 2s.
	PublishTimeout time.Duration
}

// StatusMessage is the payload on TopicStatus. The broker also publishes
// one with Online=false as the client's will.
type StatusMessage struct {
	Online   bool           `json:"online"`
	State    link.State     `json:"state"`
	Status   string         `json:"status"`
	Endpoint *link.Endpoint `json:"endpoint,omitempty"`
	AtUTC    string         `json:"at_utc,omitempty"`
}

type Publisher struct {
	cfg    Config
	client mqtt.Client
}

func New(cfg Config) (*Publisher, error) {
	cfg, err := withDefaults(cfg)
	if err != nil {
		return nil, err
	}

	will, _ := json.Marshal(StatusMessage{Online: false, Status: "offline"})
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetWill(cfg.TopicStatus, string(will), cfg.QoS, true)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		log.Printf("mqtt connected broker=%s client_id=%s", cfg.Broker, cfg.ClientID)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Printf("mqtt connection lost: %v", err)
	})

	return newPublisher(cfg, mqtt.NewClient(opts)), nil
}

func newPublisher(cfg Config, client mqtt.Client) *Publisher {
	return &Publisher{cfg: cfg, client: client}
}

func withDefaults(cfg Config) (Config, error) {
	cfg.Broker = strings.TrimSpace(cfg.Broker)
	if cfg.Broker == "" {
		return Config{}, fmt.Errorf("mqtt broker is required")
	}
	if cfg.TopicFix == "" || cfg.TopicStatus == "" {
		return Config{}, fmt.Errorf("mqtt topics are required")
	}
	if cfg.QoS > 2 {
		return Config{}, fmt.Errorf("mqtt qos must be 0, 1 or 2")
	}
	if strings.TrimSpace(cfg.ClientID) == "" {
		cfg.ClientID = "gpslink-" + uuid.NewString()
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 2 * time.Second
	}
	return cfg, nil
}

// Run connects and publishes from updates until ctx is done or updates is
// closed. Publish failures are logged and skipped.
func (p *Publisher) Run(ctx context.Context, updates <-chan link.Update) error {
	if p == nil {
		return fmt.Errorf("mqtt publisher is nil")
	}
	if ctx == nil {
		return fmt.Errorf("ctx is nil")
	}

	tok := p.client.Connect()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-tok.Done():
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("mqtt connect %s: %w", p.cfg.Broker, err)
	}
	defer p.client.Disconnect(250)

	var (
		haveState bool
		lastState link.State
		lastFix   *gps.GeoFix
	)
	for {
		select {
		case <-ctx.Done():
			p.publishStatus(link.Update{State: lastState, Status: "offline"}, false)
			return nil
		case u, ok := <-updates:
			if !ok {
				return nil
			}
			if !haveState || u.State != lastState {
				haveState = true
				lastState = u.State
				p.publishStatus(u, true)
			}
			// The controller allocates a new fix per fusion, so pointer
			// identity tells a fresh fix from a replayed one.
			if u.Fix != nil && u.Fix != lastFix {
				lastFix = u.Fix
				p.publishFix(u)
			}
		}
	}
}

func (p *Publisher) publishStatus(u link.Update, online bool) {
	msg := StatusMessage{
		Online:   online,
		State:    u.State,
		Status:   u.Status,
		Endpoint: u.Endpoint,
	}
	if !u.At.IsZero() {
		msg.AtUTC = u.At.UTC().Format(time.RFC3339Nano)
	}
	b, err := json.Marshal(msg)
	if err != nil {
		log.Printf("mqtt status marshal failed: %v", err)
		return
	}
	p.publish(p.cfg.TopicStatus, true, b)
}

func (p *Publisher) publishFix(u link.Update) {
	b, err := json.Marshal(u.Fix)
	if err != nil {
		log.Printf("mqtt fix marshal failed: %v", err)
		return
	}
	p.publish(p.cfg.TopicFix, true, b)
}

func (p *Publisher) publish(topic string, retained bool, payload []byte) {
	tok := p.client.Publish(topic, p.cfg.QoS, retained, payload)
	if !tok.WaitTimeout(p.cfg.PublishTimeout) {
		log.Printf("mqtt publish timeout topic=%s", topic)
		return
	}
	if err := tok.Error(); err != nil {
		log.Printf("mqtt publish failed topic=%s: %v", topic, err)
	}
}
