// Package config loads and validates the publisher settings.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/glimte/statusnotify/internal/rabbitmq"
	"gopkg.in/yaml.v3"
)

// Settings is the complete publisher configuration
type Settings struct {
	Hosts       string `yaml:"hosts"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	VirtualHost string `yaml:"virtual_host"`
	Port        int    `yaml:"port"`

	Exchange        string `yaml:"exchange"`
	ContentType     string `yaml:"content_type"`
	ContentEncoding string `yaml:"content_encoding"`
	DeliveryMode    int    `yaml:"delivery_mode"`

	ConnectionTimeoutMs       int `yaml:"connection_timeout_ms"`
	HandshakeTimeoutMs        int `yaml:"handshake_timeout_ms"`
	HeartbeatSecs             int `yaml:"heartbeat_secs"`
	NetworkRecoveryIntervalMs int `yaml:"network_recovery_interval_ms"`
	MaxChannelCount           int `yaml:"max_channel_count"`

	// UseNio is accepted for compatibility with existing configuration
	// files. The Go network poller already multiplexes connection I/O.
	UseNio bool `yaml:"use_nio"`

	ClientNameTag string `yaml:"client_name_tag"`
}

// Default returns the settings used for any value a document leaves out
func Default() Settings {
	return Settings{
		Hosts:                     "localhost",
		Username:                  "guest",
		Password:                  "guest",
		VirtualHost:               "/",
		Port:                      5672,
		Exchange:                  "",
		ContentType:               rabbitmq.DefaultContentType,
		ContentEncoding:           rabbitmq.DefaultContentEncoding,
		DeliveryMode:              int(rabbitmq.DefaultDeliveryMode),
		ConnectionTimeoutMs:       180000,
		HandshakeTimeoutMs:        180000,
		HeartbeatSecs:             30,
		NetworkRecoveryIntervalMs: 5000,
		MaxChannelCount:           5000,
		ClientNameTag:             rabbitmq.DefaultClientNameTag,
	}
}

// Load reads a YAML settings file
func Load(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML document over the defaults
func Parse(data []byte) (Settings, error) {
	s := Default()
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Settings{}, fmt.Errorf("parse config: %w", err)
	}
	return s, nil
}

// Validate checks every required field. It returns a
// *rabbitmq.ConfigurationError naming the first invalid one.
func (s Settings) Validate() error {
	if s.Port <= 0 || s.Port > 65535 {
		return invalid("port", "port must be between 1 and 65535")
	}
	if _, err := s.Endpoints(); err != nil {
		return err
	}

	switch {
	case s.Username == "":
		return invalid("username", "username is null or empty")
	case s.Password == "":
		return invalid("password", "password is null or empty")
	case s.VirtualHost == "":
		return invalid("virtual_host", "virtual host is null or empty")
	case s.DeliveryMode != amqpTransient && s.DeliveryMode != amqpPersistent:
		return invalid("delivery_mode", fmt.Sprintf("delivery mode must be %d or %d", amqpTransient, amqpPersistent))
	case s.ConnectionTimeoutMs < 0:
		return invalid("connection_timeout_ms", "must not be negative")
	case s.HandshakeTimeoutMs < 0:
		return invalid("handshake_timeout_ms", "must not be negative")
	case s.HeartbeatSecs < 0:
		return invalid("heartbeat_secs", "must not be negative")
	case s.NetworkRecoveryIntervalMs < 0:
		return invalid("network_recovery_interval_ms", "must not be negative")
	case s.MaxChannelCount < 0 || s.MaxChannelCount > 65535:
		return invalid("max_channel_count", "must be between 0 and 65535")
	}
	return nil
}

// Endpoints parses Hosts. Entries without a port use Port.
func (s Settings) Endpoints() (rabbitmq.Endpoints, error) {
	return rabbitmq.ParseEndpoints(s.Hosts, s.Port)
}

// DialConfig converts the settings to transport settings
func (s Settings) DialConfig() rabbitmq.DialConfig {
	return rabbitmq.DialConfig{
		Username:          s.Username,
		Password:          s.Password,
		VirtualHost:       s.VirtualHost,
		ConnectionTimeout: time.Duration(s.ConnectionTimeoutMs) * time.Millisecond,
		HandshakeTimeout:  time.Duration(s.HandshakeTimeoutMs) * time.Millisecond,
		Heartbeat:         time.Duration(s.HeartbeatSecs) * time.Second,
		ChannelMax:        s.MaxChannelCount,
	}
}

// MessageDefaults returns the metadata attached to every message
func (s Settings) MessageDefaults() rabbitmq.MessageDefaults {
	return rabbitmq.MessageDefaults{
		ContentType:     s.ContentType,
		ContentEncoding: s.ContentEncoding,
		DeliveryMode:    uint8(s.DeliveryMode),
	}
}

// RecoveryInterval is the minimum time between two connection attempts
// after a failure. Publishes inside that window fail with
// rabbitmq.ErrRecoveryPending without dialing. Set
// network_recovery_interval_ms to 0 to dial on every publish.
func (s Settings) RecoveryInterval() time.Duration {
	return time.Duration(s.NetworkRecoveryIntervalMs) * time.Millisecond
}

// ClientName is the connection name announced to the broker
func (s Settings) ClientName() string {
	tag := s.ClientNameTag
	if tag == "" {
		tag = rabbitmq.DefaultClientNameTag
	}
	return rabbitmq.DefaultClientName(tag)
}

const (
	amqpTransient  = 1
	amqpPersistent = 2
)

func invalid(field, msg string) error {
	return &rabbitmq.ConfigurationError{
		Field: field,
		Err:   fmt.Errorf("%w: %s", rabbitmq.ErrInvalidConfiguration, msg),
	}
}
