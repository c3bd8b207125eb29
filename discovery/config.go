package discovery

import (
	"fmt"
	"time"
)

// DefaultMsgDiscPort is the well-known UDP port for message discovery.
const DefaultMsgDiscPort = 10317

// Config controls the discovery client.
type Config struct {
	// Port is the UDP port discovery packets are exchanged on.
	Port int
	// MulticastGroup is the IPv4 multicast group address.
	MulticastGroup string
	// HeartbeatInterval is how often this process re-announces itself and
	// its publishers.
	HeartbeatInterval time.Duration
	// SilenceInterval is how long a remote process may stay quiet before it
	// is considered gone and its publishers are reported disconnected.
	SilenceInterval time.Duration
	// ReadBufferSize is the size of the datagram receive buffer. Must be
	// large enough for the biggest advertise frame peers may send.
	ReadBufferSize int
}

// Defaults returns a Config with production-safe defaults.
func Defaults() Config {
	return Config{
		Port:              DefaultMsgDiscPort,
		MulticastGroup:    "224.0.0.7",
		HeartbeatInterval: 1 * time.Second,
		SilenceInterval:   3 * time.Second,
		ReadBufferSize:    64 * 1024,
	}
}

// Validate checks the Config for usable values.
func (c Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("discovery config: port out of range: %d", c.Port)
	}
	if c.MulticastGroup == "" {
		return fmt.Errorf("discovery config: multicast group required")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("discovery config: heartbeat_interval must be > 0, got %v", c.HeartbeatInterval)
	}
	if c.SilenceInterval <= c.HeartbeatInterval {
		return fmt.Errorf("discovery config: silence_interval must exceed heartbeat_interval")
	}
	if c.ReadBufferSize < headerFixedLen {
		return fmt.Errorf("discovery config: read_buffer_size too small: %d", c.ReadBufferSize)
	}
	return nil
}
