package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Source SourceConfig `yaml:"source"`
	Web    WebConfig    `yaml:"web"`
	MQTT   MQTTConfig   `yaml:"mqtt"`
	UDP    UDPConfig    `yaml:"udp"`
}

// SourceConfig describes the NMEA-over-TCP source. Host may be empty, in
// which case the daemon starts idle and waits for /api/connect.
type SourceConfig struct {
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	ReconnectDelay   time.Duration `yaml:"reconnect_delay"`
	WaitingRetry     time.Duration `yaml:"waiting_retry"`
	DialTimeout      time.Duration `yaml:"dial_timeout"`
	KeepAlive        time.Duration `yaml:"keepalive"`
	ReadBufferBytes  int           `yaml:"read_buffer_bytes"`
	MaxFragmentBytes int           `yaml:"max_fragment_bytes"`
	ValidateChecksum bool          `yaml:"validate_checksum"`
}

type WebConfig struct {
	Listen string `yaml:"listen"`
}

type MQTTConfig struct {
	Enable      bool   `yaml:"enable"`
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	TopicFix    string `yaml:"topic_fix"`
	TopicStatus string `yaml:"topic_status"`
	QoS         int    `yaml:"qos"`
}

type UDPConfig struct {
	Enable bool   `yaml:"enable"`
	Dest   string `yaml:"dest"`
}

// HasEndpoint reports whether the source section names a host to dial at
// startup.
func (s SourceConfig) HasEndpoint() bool {
	return strings.TrimSpace(s.Host) != ""
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, unknownFieldsError(err)
	}

	if err := DefaultAndValidate(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// unknownFieldsError shortens yaml.v3's "line N: field x not found" list into
// a single readable message. Other errors pass through.
func unknownFieldsError(err error) error {
	var te *yaml.TypeError
	if !errors.As(err, &te) {
		return err
	}
	msgs := make([]string, 0, len(te.Errors))
	for _, e := range te.Errors {
		if !strings.Contains(e, "not found in type") {
			return err
		}
		if _, rest, ok := strings.Cut(e, ": "); ok && strings.HasPrefix(e, "line ") {
			e = rest
		}
		msgs = append(msgs, e)
	}
	return fmt.Errorf("config contains unknown fields: %s", strings.Join(msgs, "; "))
}

// DefaultAndValidate fills zero values with defaults and rejects settings the
// daemon cannot run with.
func DefaultAndValidate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}

	s := &cfg.Source
	s.Host = strings.TrimSpace(s.Host)
	if (s.HasEndpoint() || s.Port != 0) && (s.Port < 1 || s.Port > 65535) {
		return fmt.Errorf("source.port must be 1..65535")
	}
	if s.ReconnectDelay < 0 || s.WaitingRetry < 0 || s.DialTimeout < 0 || s.KeepAlive < 0 {
		return fmt.Errorf("source durations must be >= 0")
	}
	if s.ReconnectDelay == 0 {
		s.ReconnectDelay = 5 * time.Second
	}
	if s.WaitingRetry == 0 {
		s.WaitingRetry = 1 * time.Second
	}
	if s.DialTimeout == 0 {
		s.DialTimeout = 5 * time.Second
	}
	if s.KeepAlive == 0 {
		s.KeepAlive = 15 * time.Second
	}
	if s.ReadBufferBytes < 0 || s.MaxFragmentBytes < 0 {
		return fmt.Errorf("source buffer sizes must be >= 0")
	}
	if s.ReadBufferBytes == 0 {
		s.ReadBufferBytes = 4096
	}
	if s.MaxFragmentBytes == 0 {
		s.MaxFragmentBytes = 4096
	}

	if strings.TrimSpace(cfg.Web.Listen) == "" {
		cfg.Web.Listen = ":8080"
	}

	m := &cfg.MQTT
	if m.Broker == "" {
		m.Broker = "tcp://localhost:1883"
	}
	if m.TopicFix == "" {
		m.TopicFix = "gpslink/fix"
	}
	if m.TopicStatus == "" {
		m.TopicStatus = "gpslink/status"
	}
	if m.QoS < 0 || m.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
	}
	if m.Enable && m.TopicFix == m.TopicStatus {
		return fmt.Errorf("mqtt.topic_fix and mqtt.topic_status must differ")
	}

	if cfg.UDP.Dest == "" {
		cfg.UDP.Dest = "255.255.255.255:4001"
	}
	if cfg.UDP.Enable {
		if _, _, err := net.SplitHostPort(cfg.UDP.Dest); err != nil {
			return fmt.Errorf("udp.dest invalid: %w", err)
		}
	}
	return nil
}
