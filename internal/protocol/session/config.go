package session

import (
	"time"

	"github.com/danmuck/edgelink/internal/protocol/frame"
)

type SecurityMode string

const (
	SecurityModeDevelopment SecurityMode = "development"
	SecurityModeProduction  SecurityMode = "production"
)

// Transport selects the stream carrier under the frame codec.
type Transport string

const (
	TransportTCP  Transport = "tcp"
	TransportQUIC Transport = "quic"
)

// TLSConfig carries client certificate material. Loading happens in transport.
type TLSConfig struct {
	Enabled            bool
	Mutual             bool
	CertFile           string
	KeyFile            string
	CAFile             string
	ServerName         string
	InsecureSkipVerify bool
}

// BackoffConfig defines retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool

	// StabilityThreshold is how long a connection must stay up before the
	// delay resets to InitialDelay.
	StabilityThreshold time.Duration
	// AuthPenalty is the number of attempts one authentication failure counts as.
	AuthPenalty int
}

// QueueConfig bounds the per-session and control queues.
type QueueConfig struct {
	SessionOutbound int
	SessionInbound  int
	Control         int
}

// Config defines transport/session reliability defaults.
type Config struct {
	Transport         Transport
	ConnectTimeout    time.Duration
	HandshakeTimeout  time.Duration
	WriteTimeout      time.Duration
	HeartbeatInterval time.Duration
	SessionDeadAfter  time.Duration
	SecurityMode      SecurityMode
	TLS               TLSConfig
	Limits            frame.Limits
	Backoff           BackoffConfig
	Queues            QueueConfig
}

// DefaultConfig returns the client reliability defaults.
func DefaultConfig() Config {
	return Config{
		Transport:         TransportTCP,
		ConnectTimeout:    5 * time.Second,
		HandshakeTimeout:  5 * time.Second,
		WriteTimeout:      15 * time.Second,
		HeartbeatInterval: 5 * time.Second,
		SessionDeadAfter:  15 * time.Second,
		SecurityMode:      SecurityModeDevelopment,
		Limits:            frame.DefaultLimits(),
		Backoff: BackoffConfig{
			InitialDelay:       250 * time.Millisecond,
			Multiplier:         2.0,
			MaxDelay:           30 * time.Second,
			Jitter:             false,
			StabilityThreshold: 60 * time.Second,
			AuthPenalty:        2,
		},
		Queues: QueueConfig{
			SessionOutbound: 64,
			SessionInbound:  32,
			Control:         64,
		},
	}
}

// WithDefaults fills every zero field from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.Transport == "" {
		c.Transport = d.Transport
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.SessionDeadAfter <= 0 {
		c.SessionDeadAfter = d.SessionDeadAfter
	}
	c.SecurityMode = NormalizeSecurityMode(c.SecurityMode)
	if c.Limits.MaxPayloadBytes == 0 {
		c.Limits = d.Limits
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff.InitialDelay = d.Backoff.InitialDelay
	}
	if c.Backoff.Multiplier < 1.0 {
		c.Backoff.Multiplier = d.Backoff.Multiplier
	}
	if c.Backoff.MaxDelay <= 0 {
		c.Backoff.MaxDelay = d.Backoff.MaxDelay
	}
	if c.Backoff.StabilityThreshold <= 0 {
		c.Backoff.StabilityThreshold = d.Backoff.StabilityThreshold
	}
	if c.Backoff.AuthPenalty < 1 {
		c.Backoff.AuthPenalty = d.Backoff.AuthPenalty
	}
	if c.Queues.SessionOutbound <= 0 {
		c.Queues.SessionOutbound = d.Queues.SessionOutbound
	}
	if c.Queues.SessionInbound <= 0 {
		c.Queues.SessionInbound = d.Queues.SessionInbound
	}
	if c.Queues.Control <= 0 {
		c.Queues.Control = d.Queues.Control
	}
	return c
}
